package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/zjrosen/hive/internal/fleet"
)

// swarmColumns is the list of columns to select for swarm queries.
const swarmColumns = `id, name, max_agents, created_at, deleted_at`

// swarmRepository implements fleet.SwarmStore using SQLite.
type swarmRepository struct {
	db *sql.DB
}

var _ fleet.SwarmStore = (*swarmRepository)(nil)

// scanSwarm scans a row into a Swarm.
func scanSwarm(scanner interface{ Scan(...any) error }) (*fleet.Swarm, error) {
	var (
		s         fleet.Swarm
		createdAt int64
		deletedAt sql.NullInt64
	)
	if err := scanner.Scan(&s.ID, &s.Name, &s.MaxAgents, &createdAt, &deletedAt); err != nil {
		return nil, err
	}
	s.CreatedAt = fromMilli(createdAt)
	s.DeletedAt = fromMilliNull(deletedAt)
	return &s, nil
}

// Create persists a new swarm. A live swarm already holding the name
// surfaces as ErrHandleTaken.
func (r *swarmRepository) Create(s *fleet.Swarm) error {
	_, err := r.db.Exec(
		`INSERT INTO swarms (id, name, max_agents, created_at, deleted_at) VALUES (?, ?, ?, ?, ?)`,
		s.ID, s.Name, s.MaxAgents, milli(s.CreatedAt), milliPtr(s.DeletedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("swarm %q: %w", s.Name, fleet.ErrHandleTaken)
	}
	if err != nil {
		return wrapIO("insert swarm", err)
	}
	return nil
}

// Get retrieves a swarm by id, deleted or not.
func (r *swarmRepository) Get(id string) (*fleet.Swarm, error) {
	row := r.db.QueryRow(`SELECT `+swarmColumns+` FROM swarms WHERE id = ?`, id)
	s, err := scanSwarm(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("swarm %s: %w", id, fleet.ErrNotFound)
	}
	if err != nil {
		return nil, wrapIO("get swarm", err)
	}
	return s, nil
}

// GetByName retrieves a live swarm by name.
func (r *swarmRepository) GetByName(name string) (*fleet.Swarm, error) {
	row := r.db.QueryRow(
		`SELECT `+swarmColumns+` FROM swarms WHERE name = ? AND deleted_at IS NULL`,
		name,
	)
	s, err := scanSwarm(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("swarm %q: %w", name, fleet.ErrNotFound)
	}
	if err != nil {
		return nil, wrapIO("get swarm by name", err)
	}
	return s, nil
}

// List retrieves live swarms, newest first.
func (r *swarmRepository) List() ([]*fleet.Swarm, error) {
	rows, err := r.db.Query(
		`SELECT ` + swarmColumns + ` FROM swarms WHERE deleted_at IS NULL
		 ORDER BY created_at DESC, rowid DESC`,
	)
	if err != nil {
		return nil, wrapIO("list swarms", err)
	}
	defer func() { _ = rows.Close() }()

	var swarms []*fleet.Swarm
	for rows.Next() {
		s, err := scanSwarm(rows)
		if err != nil {
			return nil, wrapIO("scan swarm row", err)
		}
		swarms = append(swarms, s)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapIO("iterate swarm rows", err)
	}
	return swarms, nil
}

// Delete soft-deletes a swarm. Unless force is set, it fails with
// ErrInvalidState while the swarm still has non-dismissed workers.
func (r *swarmRepository) Delete(id string, force bool) error {
	tx, err := r.db.Begin()
	if err != nil {
		return wrapIO("delete swarm", err)
	}
	defer func() { _ = tx.Rollback() }()

	var deletedAt sql.NullInt64
	err = tx.QueryRow(`SELECT deleted_at FROM swarms WHERE id = ?`, id).Scan(&deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("swarm %s: %w", id, fleet.ErrNotFound)
	}
	if err != nil {
		return wrapIO("delete swarm", err)
	}
	if deletedAt.Valid {
		return nil
	}

	if !force {
		var live int
		err = tx.QueryRow(
			`SELECT COUNT(*) FROM workers WHERE swarm_id = ? AND dismissed_at IS NULL`, id,
		).Scan(&live)
		if err != nil {
			return wrapIO("count swarm workers", err)
		}
		if live > 0 {
			return fmt.Errorf("swarm %s has %d live workers: %w", id, live, fleet.ErrInvalidState)
		}
	}

	if _, err := tx.Exec(
		`UPDATE swarms SET deleted_at = ? WHERE id = ?`,
		milli(time.Now()), id,
	); err != nil {
		return wrapIO("delete swarm", err)
	}

	if err := tx.Commit(); err != nil {
		return wrapIO("delete swarm", err)
	}
	return nil
}
