package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/zjrosen/hive/internal/fleet"
)

// workItemColumns is the list of columns to select for work-item queries.
const workItemColumns = `id, batch_id, subject, status, owner, blocked_by, team, created_at, updated_at`

// workItemRepository implements fleet.WorkItemStore using SQLite.
type workItemRepository struct {
	db *sql.DB
}

var _ fleet.WorkItemStore = (*workItemRepository)(nil)

// scanWorkItem scans a row into a WorkItem.
func scanWorkItem(scanner interface{ Scan(...any) error }) (*fleet.WorkItem, error) {
	var (
		item      fleet.WorkItem
		blockedBy string
		createdAt int64
		updatedAt int64
	)
	err := scanner.Scan(&item.ID, &item.BatchID, &item.Subject, &item.Status, &item.Owner,
		&blockedBy, &item.Team, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	item.BlockedBy, err = decodeStrings(blockedBy)
	if err != nil {
		return nil, err
	}
	item.CreatedAt = fromMilli(createdAt)
	item.UpdatedAt = fromMilli(updatedAt)
	return &item, nil
}

// Insert persists a new work item and its initial journal row.
func (r *workItemRepository) Insert(item *fleet.WorkItem) error {
	blockedBy, err := encodeStrings(item.BlockedBy)
	if err != nil {
		return wrapIO("insert work item", err)
	}

	tx, err := r.db.Begin()
	if err != nil {
		return wrapIO("insert work item", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(
		`INSERT INTO work_items (id, batch_id, subject, status, owner, blocked_by, team, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.BatchID, item.Subject, string(item.Status), item.Owner, blockedBy, item.Team,
		milli(item.CreatedAt), milli(item.UpdatedAt),
	); err != nil {
		return wrapIO("insert work item", err)
	}
	if _, err := tx.Exec(
		`INSERT INTO work_item_events (work_item_id, from_status, to_status, reason, created_at)
		 VALUES (?, '', ?, '', ?)`,
		item.ID, string(item.Status), milli(item.CreatedAt),
	); err != nil {
		return wrapIO("insert work item event", err)
	}

	if err := tx.Commit(); err != nil {
		return wrapIO("insert work item", err)
	}
	return nil
}

// Get retrieves a work item by id.
func (r *workItemRepository) Get(id string) (*fleet.WorkItem, error) {
	row := r.db.QueryRow(`SELECT `+workItemColumns+` FROM work_items WHERE id = ?`, id)
	item, err := scanWorkItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("work item %s: %w", id, fleet.ErrNotFound)
	}
	if err != nil {
		return nil, wrapIO("get work item", err)
	}
	return item, nil
}

// List retrieves work items matching the filter, newest first.
func (r *workItemRepository) List(filter fleet.WorkItemFilter) ([]*fleet.WorkItem, error) {
	query := `SELECT ` + workItemColumns + ` FROM work_items WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Owner != "" {
		query += ` AND owner = ?`
		args = append(args, filter.Owner)
	}
	if filter.Team != "" {
		query += ` AND team = ?`
		args = append(args, filter.Team)
	}
	if filter.BatchID != "" {
		query += ` AND batch_id = ?`
		args = append(args, filter.BatchID)
	}
	query += ` ORDER BY created_at DESC, rowid DESC`

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, wrapIO("list work items", err)
	}
	defer func() { _ = rows.Close() }()

	var items []*fleet.WorkItem
	for rows.Next() {
		item, err := scanWorkItem(rows)
		if err != nil {
			return nil, wrapIO("scan work item row", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapIO("iterate work item rows", err)
	}
	return items, nil
}

// UpdateStatus sets an item's status and appends a journal row.
func (r *workItemRepository) UpdateStatus(id string, status fleet.WorkItemStatus, reason string) error {
	tx, err := r.db.Begin()
	if err != nil {
		return wrapIO("update work item status", err)
	}
	defer func() { _ = tx.Rollback() }()

	var from string
	err = tx.QueryRow(`SELECT status FROM work_items WHERE id = ?`, id).Scan(&from)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("work item %s: %w", id, fleet.ErrNotFound)
	}
	if err != nil {
		return wrapIO("update work item status", err)
	}

	now := milli(time.Now())
	if _, err := tx.Exec(
		`UPDATE work_items SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), now, id,
	); err != nil {
		return wrapIO("update work item status", err)
	}
	if _, err := tx.Exec(
		`INSERT INTO work_item_events (work_item_id, from_status, to_status, reason, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		id, from, string(status), reason, now,
	); err != nil {
		return wrapIO("insert work item event", err)
	}

	if err := tx.Commit(); err != nil {
		return wrapIO("update work item status", err)
	}
	return nil
}

// CreateBatch persists a new batch.
func (r *workItemRepository) CreateBatch(b *fleet.Batch) error {
	_, err := r.db.Exec(
		`INSERT INTO batches (id, name, created_at, dispatched_at) VALUES (?, ?, ?, ?)`,
		b.ID, b.Name, milli(b.CreatedAt), milliPtr(b.DispatchedAt),
	)
	if err != nil {
		return wrapIO("insert batch", err)
	}
	return nil
}

// GetBatch retrieves a batch by id.
func (r *workItemRepository) GetBatch(id string) (*fleet.Batch, error) {
	var (
		b            fleet.Batch
		createdAt    int64
		dispatchedAt sql.NullInt64
	)
	err := r.db.QueryRow(
		`SELECT id, name, created_at, dispatched_at FROM batches WHERE id = ?`, id,
	).Scan(&b.ID, &b.Name, &createdAt, &dispatchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("batch %s: %w", id, fleet.ErrNotFound)
	}
	if err != nil {
		return nil, wrapIO("get batch", err)
	}
	b.CreatedAt = fromMilli(createdAt)
	b.DispatchedAt = fromMilliNull(dispatchedAt)
	return &b, nil
}

// DispatchBatch atomically moves every pending item in the batch to
// in_progress, stamps the batch, and returns how many items moved.
func (r *workItemRepository) DispatchBatch(batchID string) (int, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return 0, wrapIO("dispatch batch", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := milli(time.Now())
	result, err := tx.Exec(
		`UPDATE batches SET dispatched_at = ? WHERE id = ?`,
		now, batchID,
	)
	if err != nil {
		return 0, wrapIO("dispatch batch", err)
	}
	if err := requireRow(result, "batch", batchID); err != nil {
		return 0, err
	}

	// Journal each moved item before flipping them in bulk.
	if _, err := tx.Exec(
		`INSERT INTO work_item_events (work_item_id, from_status, to_status, reason, created_at)
		 SELECT id, status, ?, 'batch dispatched', ? FROM work_items
		 WHERE batch_id = ? AND status = ?`,
		string(fleet.WorkItemInProgress), now, batchID, string(fleet.WorkItemPending),
	); err != nil {
		return 0, wrapIO("insert work item events", err)
	}

	moved, err := tx.Exec(
		`UPDATE work_items SET status = ?, updated_at = ? WHERE batch_id = ? AND status = ?`,
		string(fleet.WorkItemInProgress), now, batchID, string(fleet.WorkItemPending),
	)
	if err != nil {
		return 0, wrapIO("dispatch batch items", err)
	}
	n, err := moved.RowsAffected()
	if err != nil {
		return 0, wrapIO("dispatch batch items", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, wrapIO("dispatch batch", err)
	}
	return int(n), nil
}

// Events returns the status-transition journal for an item, oldest first.
func (r *workItemRepository) Events(itemID string) ([]fleet.WorkItemEvent, error) {
	rows, err := r.db.Query(
		`SELECT id, work_item_id, from_status, to_status, reason, created_at
		 FROM work_item_events WHERE work_item_id = ? ORDER BY id ASC`,
		itemID,
	)
	if err != nil {
		return nil, wrapIO("list work item events", err)
	}
	defer func() { _ = rows.Close() }()

	var events []fleet.WorkItemEvent
	for rows.Next() {
		var (
			ev        fleet.WorkItemEvent
			createdAt int64
		)
		if err := rows.Scan(&ev.ID, &ev.WorkItemID, &ev.FromStatus, &ev.ToStatus, &ev.Reason, &createdAt); err != nil {
			return nil, wrapIO("scan work item event row", err)
		}
		ev.CreatedAt = fromMilli(createdAt)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapIO("iterate work item event rows", err)
	}
	return events, nil
}
