package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zjrosen/hive/internal/checkpoint"
	"github.com/zjrosen/hive/internal/fleet"
)

// checkpointColumns is the list of columns to select for checkpoint
// queries.
const checkpointColumns = `id, from_handle, to_handle, from_role, status, body, created_at, resolved_at`

// checkpointRepository implements checkpoint.Store using SQLite. The
// structured body rides in one JSON column; filtering only ever needs
// the envelope fields.
type checkpointRepository struct {
	db *sql.DB
}

var _ checkpoint.Store = (*checkpointRepository)(nil)

// scanCheckpoint scans a row into a Checkpoint.
func scanCheckpoint(scanner interface{ Scan(...any) error }) (*checkpoint.Checkpoint, error) {
	var (
		cp         checkpoint.Checkpoint
		body       string
		createdAt  int64
		resolvedAt sql.NullInt64
	)
	err := scanner.Scan(&cp.ID, &cp.From, &cp.To, &cp.FromRole, &cp.Status, &body, &createdAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(body), &cp.Body); err != nil {
		return nil, fmt.Errorf("decoding checkpoint body: %w", err)
	}
	cp.CreatedAt = fromMilli(createdAt)
	cp.ResolvedAt = fromMilliNull(resolvedAt)
	return &cp, nil
}

// Insert persists a checkpoint, assigning its ID and CreatedAt.
func (r *checkpointRepository) Insert(cp *checkpoint.Checkpoint) error {
	body, err := json.Marshal(cp.Body)
	if err != nil {
		return fmt.Errorf("encoding checkpoint body: %w", err)
	}

	now := time.Now()
	result, err := r.db.Exec(
		`INSERT INTO checkpoints (from_handle, to_handle, from_role, status, body, created_at, resolved_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		cp.From, cp.To, string(cp.FromRole), string(cp.Status), string(body),
		milli(now), milliPtr(cp.ResolvedAt),
	)
	if err != nil {
		return wrapIO("insert checkpoint", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return wrapIO("insert checkpoint", err)
	}
	cp.ID = id
	cp.CreatedAt = now
	return nil
}

// Get retrieves one checkpoint.
func (r *checkpointRepository) Get(id int64) (*checkpoint.Checkpoint, error) {
	row := r.db.QueryRow(`SELECT `+checkpointColumns+` FROM checkpoints WHERE id = ?`, id)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("checkpoint %d: %w", id, fleet.ErrNotFound)
	}
	if err != nil {
		return nil, wrapIO("get checkpoint", err)
	}
	return cp, nil
}

// Latest returns the highest-id checkpoint addressed to the handle,
// regardless of status.
func (r *checkpointRepository) Latest(handle string) (*checkpoint.Checkpoint, error) {
	row := r.db.QueryRow(
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE to_handle = ? ORDER BY id DESC LIMIT 1`,
		handle,
	)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("checkpoints for %q: %w", handle, fleet.ErrNotFound)
	}
	if err != nil {
		return nil, wrapIO("get latest checkpoint", err)
	}
	return cp, nil
}

// List returns the handle's checkpoints matching the filter, newest
// first.
func (r *checkpointRepository) List(handle string, f checkpoint.ListFilter) ([]*checkpoint.Checkpoint, error) {
	query := `SELECT ` + checkpointColumns + ` FROM checkpoints WHERE to_handle = ?`
	args := []any{handle}
	if f.Role != "" {
		query += ` AND from_role = ?`
		args = append(args, string(f.Role))
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, wrapIO("list checkpoints", err)
	}
	defer func() { _ = rows.Close() }()

	var checkpoints []*checkpoint.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, wrapIO("scan checkpoint row", err)
		}
		checkpoints = append(checkpoints, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapIO("iterate checkpoint rows", err)
	}
	return checkpoints, nil
}

// Resolve moves a pending checkpoint to the given terminal status.
// Returns false without mutating when the checkpoint is already
// terminal.
func (r *checkpointRepository) Resolve(id int64, status checkpoint.Status, at time.Time) (bool, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return false, wrapIO("resolve checkpoint", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	err = tx.QueryRow(`SELECT status FROM checkpoints WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("checkpoint %d: %w", id, fleet.ErrNotFound)
	}
	if err != nil {
		return false, wrapIO("resolve checkpoint", err)
	}
	if checkpoint.Status(current) != checkpoint.StatusPending {
		return false, nil
	}

	if _, err := tx.Exec(
		`UPDATE checkpoints SET status = ?, resolved_at = ? WHERE id = ?`,
		string(status), milli(at), id,
	); err != nil {
		return false, wrapIO("resolve checkpoint", err)
	}
	if err := tx.Commit(); err != nil {
		return false, wrapIO("resolve checkpoint", err)
	}
	return true, nil
}
