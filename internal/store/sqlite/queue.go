package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zjrosen/hive/internal/fleet"
	"github.com/zjrosen/hive/internal/spawnqueue"
)

// queueColumns is the list of columns to select for spawn-queue queries.
const queueColumns = `seq, id, requester, target_role, depth, task, context, priority,
	swarm_id, status, worker_id, reason, created_at, updated_at, spawned_at`

// queueRepository implements spawnqueue.Store using SQLite. Dependency
// edges live in their own table so inserts stay atomic with the item.
type queueRepository struct {
	db *sql.DB
}

var _ spawnqueue.Store = (*queueRepository)(nil)

// scanQueueItem scans a row into an Item. Dependencies are loaded
// separately.
func scanQueueItem(scanner interface{ Scan(...any) error }) (*spawnqueue.Item, error) {
	var (
		item      spawnqueue.Item
		context   sql.NullString
		createdAt int64
		updatedAt int64
		spawnedAt sql.NullInt64
	)
	err := scanner.Scan(&item.Seq, &item.ID, &item.Requester, &item.TargetRole, &item.Depth,
		&item.Task, &context, &item.Priority, &item.SwarmID, &item.Status, &item.WorkerID,
		&item.Reason, &createdAt, &updatedAt, &spawnedAt)
	if err != nil {
		return nil, err
	}
	if context.Valid && context.String != "" {
		item.Context = json.RawMessage(context.String)
	}
	item.CreatedAt = fromMilli(createdAt)
	item.UpdatedAt = fromMilli(updatedAt)
	item.SpawnedAt = fromMilliNull(spawnedAt)
	return &item, nil
}

// Insert persists the item and its dependency rows atomically, assigning
// Seq and CreatedAt.
func (r *queueRepository) Insert(item *spawnqueue.Item) error {
	tx, err := r.db.Begin()
	if err != nil {
		return wrapIO("insert queue item", err)
	}
	defer func() { _ = tx.Rollback() }()

	var context any
	if len(item.Context) > 0 {
		context = string(item.Context)
	}

	now := time.Now()
	result, err := tx.Exec(
		`INSERT INTO spawn_queue (id, requester, target_role, depth, task, context, priority,
			swarm_id, status, worker_id, reason, created_at, updated_at, spawned_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.Requester, string(item.TargetRole), item.Depth, item.Task, context,
		item.Priority, item.SwarmID, string(item.Status), item.WorkerID, item.Reason,
		milli(now), milli(now), milliPtr(item.SpawnedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("queue item %s: %w", item.ID, fleet.ErrInvalidState)
	}
	if err != nil {
		return wrapIO("insert queue item", err)
	}
	seq, err := result.LastInsertId()
	if err != nil {
		return wrapIO("insert queue item", err)
	}

	for _, dep := range item.DependsOn {
		if _, err := tx.Exec(
			`INSERT INTO spawn_queue_deps (item_id, depends_on_id) VALUES (?, ?)`,
			item.ID, dep,
		); err != nil {
			return wrapIO("insert queue dependency", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return wrapIO("insert queue item", err)
	}
	item.Seq = seq
	item.CreatedAt = now
	item.UpdatedAt = now
	return nil
}

// Get retrieves one item with dependencies loaded.
func (r *queueRepository) Get(id string) (*spawnqueue.Item, error) {
	row := r.db.QueryRow(`SELECT `+queueColumns+` FROM spawn_queue WHERE id = ?`, id)
	item, err := scanQueueItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("queue item %s: %w", id, fleet.ErrNotFound)
	}
	if err != nil {
		return nil, wrapIO("get queue item", err)
	}
	if err := r.loadDeps(map[string]*spawnqueue.Item{item.ID: item}); err != nil {
		return nil, err
	}
	return item, nil
}

// List returns items matching the filter in insertion order,
// dependencies loaded.
func (r *queueRepository) List(f spawnqueue.Filter) ([]*spawnqueue.Item, error) {
	query := `SELECT ` + queueColumns + ` FROM spawn_queue WHERE 1=1`
	var args []any
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.SwarmID != "" {
		query += ` AND swarm_id = ?`
		args = append(args, f.SwarmID)
	}
	if f.Requester != "" {
		query += ` AND requester = ?`
		args = append(args, f.Requester)
	}
	query += ` ORDER BY seq ASC`

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, wrapIO("list queue items", err)
	}
	defer func() { _ = rows.Close() }()

	var items []*spawnqueue.Item
	byID := make(map[string]*spawnqueue.Item)
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, wrapIO("scan queue item row", err)
		}
		items = append(items, item)
		byID[item.ID] = item
	}
	if err := rows.Err(); err != nil {
		return nil, wrapIO("iterate queue item rows", err)
	}

	if err := r.loadDeps(byID); err != nil {
		return nil, err
	}
	return items, nil
}

// loadDeps fills DependsOn for every item in the map with one query.
func (r *queueRepository) loadDeps(items map[string]*spawnqueue.Item) error {
	if len(items) == 0 {
		return nil
	}

	placeholders := strings.Repeat("?,", len(items))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(items))
	for id := range items {
		args = append(args, id)
	}

	rows, err := r.db.Query(
		`SELECT item_id, depends_on_id FROM spawn_queue_deps
		 WHERE item_id IN (`+placeholders+`) ORDER BY rowid ASC`,
		args...,
	)
	if err != nil {
		return wrapIO("list queue dependencies", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var itemID, depID string
		if err := rows.Scan(&itemID, &depID); err != nil {
			return wrapIO("scan queue dependency row", err)
		}
		if item, ok := items[itemID]; ok {
			item.DependsOn = append(item.DependsOn, depID)
		}
	}
	if err := rows.Err(); err != nil {
		return wrapIO("iterate queue dependency rows", err)
	}
	return nil
}

// UpdateStatus sets an item's scheduling state and reason.
func (r *queueRepository) UpdateStatus(id string, status spawnqueue.Status, reason string) error {
	result, err := r.db.Exec(
		`UPDATE spawn_queue SET status = ?, reason = ?, updated_at = ? WHERE id = ?`,
		string(status), reason, milli(time.Now()), id,
	)
	if err != nil {
		return wrapIO("update queue item status", err)
	}
	return requireRow(result, "queue item", id)
}

// MarkSpawned atomically moves an approved item to spawned and records
// the worker id. Returns false when the item was not approved.
func (r *queueRepository) MarkSpawned(id, workerID string, at time.Time) (bool, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return false, wrapIO("mark queue item spawned", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	err = tx.QueryRow(`SELECT status FROM spawn_queue WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("queue item %s: %w", id, fleet.ErrNotFound)
	}
	if err != nil {
		return false, wrapIO("mark queue item spawned", err)
	}
	if spawnqueue.Status(current) != spawnqueue.StatusApproved {
		return false, nil
	}

	if _, err := tx.Exec(
		`UPDATE spawn_queue SET status = ?, worker_id = ?, spawned_at = ?, updated_at = ? WHERE id = ?`,
		string(spawnqueue.StatusSpawned), workerID, milli(at), milli(at), id,
	); err != nil {
		return false, wrapIO("mark queue item spawned", err)
	}
	if err := tx.Commit(); err != nil {
		return false, wrapIO("mark queue item spawned", err)
	}
	return true, nil
}

// CountByStatus counts items in one state.
func (r *queueRepository) CountByStatus(status spawnqueue.Status) (int, error) {
	var n int
	err := r.db.QueryRow(
		`SELECT COUNT(*) FROM spawn_queue WHERE status = ?`, string(status),
	).Scan(&n)
	if err != nil {
		return 0, wrapIO("count queue items", err)
	}
	return n, nil
}

// CancelActive rejects every pending and approved item with the given
// reason and returns how many changed.
func (r *queueRepository) CancelActive(reason string) (int, error) {
	result, err := r.db.Exec(
		`UPDATE spawn_queue SET status = ?, reason = ?, updated_at = ? WHERE status IN (?, ?)`,
		string(spawnqueue.StatusRejected), reason, milli(time.Now()),
		string(spawnqueue.StatusPending), string(spawnqueue.StatusApproved),
	)
	if err != nil {
		return 0, wrapIO("cancel active queue items", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, wrapIO("cancel active queue items", err)
	}
	return int(n), nil
}
