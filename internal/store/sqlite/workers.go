package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/zjrosen/hive/internal/fleet"
)

// workerColumns is the list of columns to select for worker queries.
const workerColumns = `id, handle, role, status, swarm_id, depth, initial_prompt,
	work_dir, worktree_path, worktree_branch, pid, restart_count, last_error,
	last_heartbeat_at, created_at, updated_at, dismissed_at`

// workerRepository implements fleet.WorkerStore using SQLite.
type workerRepository struct {
	db *sql.DB
}

var _ fleet.WorkerStore = (*workerRepository)(nil)

// scanWorker scans a row into a Worker.
func scanWorker(scanner interface{ Scan(...any) error }) (*fleet.Worker, error) {
	var (
		w           fleet.Worker
		heartbeatAt sql.NullInt64
		createdAt   int64
		updatedAt   int64
		dismissedAt sql.NullInt64
	)
	err := scanner.Scan(
		&w.ID, &w.Handle, &w.Role, &w.Status, &w.SwarmID, &w.Depth, &w.InitialPrompt,
		&w.WorkDir, &w.WorktreePath, &w.WorktreeBranch, &w.PID, &w.RestartCount, &w.LastError,
		&heartbeatAt, &createdAt, &updatedAt, &dismissedAt,
	)
	if err != nil {
		return nil, err
	}
	w.LastHeartbeatAt = fromMilliNull(heartbeatAt)
	w.CreatedAt = fromMilli(createdAt)
	w.UpdatedAt = fromMilli(updatedAt)
	w.DismissedAt = fromMilliNull(dismissedAt)
	return &w, nil
}

// Insert persists a new worker and its initial journal row. A live
// worker already holding the handle surfaces as ErrHandleTaken.
func (r *workerRepository) Insert(w *fleet.Worker) error {
	tx, err := r.db.Begin()
	if err != nil {
		return wrapIO("insert worker", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(
		`INSERT INTO workers (
			id, handle, role, status, swarm_id, depth, initial_prompt,
			work_dir, worktree_path, worktree_branch, pid, restart_count, last_error,
			last_heartbeat_at, created_at, updated_at, dismissed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.Handle, string(w.Role), string(w.Status), w.SwarmID, w.Depth, w.InitialPrompt,
		w.WorkDir, w.WorktreePath, w.WorktreeBranch, w.PID, w.RestartCount, w.LastError,
		milliPtr(w.LastHeartbeatAt), milli(w.CreatedAt), milli(w.UpdatedAt), milliPtr(w.DismissedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("handle %q: %w", w.Handle, fleet.ErrHandleTaken)
	}
	if err != nil {
		return wrapIO("insert worker", err)
	}

	_, err = tx.Exec(
		`INSERT INTO worker_events (worker_id, from_status, to_status, reason, created_at)
		 VALUES (?, '', ?, '', ?)`,
		w.ID, string(w.Status), milli(w.CreatedAt),
	)
	if err != nil {
		return wrapIO("insert worker event", err)
	}

	if err := tx.Commit(); err != nil {
		return wrapIO("insert worker", err)
	}
	return nil
}

// GetByID retrieves a worker by id, dismissed or not.
func (r *workerRepository) GetByID(id string) (*fleet.Worker, error) {
	row := r.db.QueryRow(`SELECT `+workerColumns+` FROM workers WHERE id = ?`, id)
	w, err := scanWorker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("worker %s: %w", id, fleet.ErrNotFound)
	}
	if err != nil {
		return nil, wrapIO("get worker", err)
	}
	return w, nil
}

// GetByHandle retrieves the live worker holding a handle.
func (r *workerRepository) GetByHandle(handle string) (*fleet.Worker, error) {
	row := r.db.QueryRow(
		`SELECT `+workerColumns+` FROM workers WHERE handle = ? AND dismissed_at IS NULL`,
		handle,
	)
	w, err := scanWorker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("worker %q: %w", handle, fleet.ErrNotFound)
	}
	if err != nil {
		return nil, wrapIO("get worker by handle", err)
	}
	return w, nil
}

// GetAnyByHandle retrieves the most recent worker for a handle,
// dismissed included.
func (r *workerRepository) GetAnyByHandle(handle string) (*fleet.Worker, error) {
	row := r.db.QueryRow(
		`SELECT `+workerColumns+` FROM workers WHERE handle = ?
		 ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		handle,
	)
	w, err := scanWorker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("worker %q: %w", handle, fleet.ErrNotFound)
	}
	if err != nil {
		return nil, wrapIO("get worker by handle", err)
	}
	return w, nil
}

// workerWhere builds the WHERE clause for a worker filter.
func workerWhere(filter fleet.WorkerFilter) (string, []any) {
	query := ` WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Role != "" {
		query += ` AND role = ?`
		args = append(args, string(filter.Role))
	}
	if filter.SwarmID != "" {
		query += ` AND swarm_id = ?`
		args = append(args, filter.SwarmID)
	}
	if !filter.IncludeDismissed {
		query += ` AND dismissed_at IS NULL`
	}
	return query, args
}

// List retrieves workers matching the filter, newest first.
func (r *workerRepository) List(filter fleet.WorkerFilter) ([]*fleet.Worker, error) {
	where, args := workerWhere(filter)
	query := `SELECT ` + workerColumns + ` FROM workers` + where +
		` ORDER BY created_at DESC, rowid DESC`

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, wrapIO("list workers", err)
	}
	defer func() { _ = rows.Close() }()

	var workers []*fleet.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, wrapIO("scan worker row", err)
		}
		workers = append(workers, w)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapIO("iterate worker rows", err)
	}
	return workers, nil
}

// Count returns how many workers match the filter.
func (r *workerRepository) Count(filter fleet.WorkerFilter) (int, error) {
	where, args := workerWhere(filter)
	var n int
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM workers`+where, args...).Scan(&n); err != nil {
		return 0, wrapIO("count workers", err)
	}
	return n, nil
}

// UpdateStatus transitions a worker's status and appends a journal row.
func (r *workerRepository) UpdateStatus(id string, status fleet.Status, reason string) error {
	tx, err := r.db.Begin()
	if err != nil {
		return wrapIO("update worker status", err)
	}
	defer func() { _ = tx.Rollback() }()

	var from string
	err = tx.QueryRow(`SELECT status FROM workers WHERE id = ?`, id).Scan(&from)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("worker %s: %w", id, fleet.ErrNotFound)
	}
	if err != nil {
		return wrapIO("update worker status", err)
	}

	now := milli(time.Now())
	if _, err := tx.Exec(
		`UPDATE workers SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), now, id,
	); err != nil {
		return wrapIO("update worker status", err)
	}
	if _, err := tx.Exec(
		`INSERT INTO worker_events (worker_id, from_status, to_status, reason, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		id, from, string(status), reason, now,
	); err != nil {
		return wrapIO("insert worker event", err)
	}

	if err := tx.Commit(); err != nil {
		return wrapIO("update worker status", err)
	}
	return nil
}

// Heartbeat records liveness for a worker.
func (r *workerRepository) Heartbeat(id string, at time.Time) error {
	result, err := r.db.Exec(
		`UPDATE workers SET last_heartbeat_at = ?, updated_at = ? WHERE id = ?`,
		milli(at), milli(time.Now()), id,
	)
	if err != nil {
		return wrapIO("heartbeat worker", err)
	}
	return requireRow(result, "worker", id)
}

// UpdatePID records the subprocess id for a worker.
func (r *workerRepository) UpdatePID(id string, pid int) error {
	result, err := r.db.Exec(
		`UPDATE workers SET pid = ?, updated_at = ? WHERE id = ?`,
		pid, milli(time.Now()), id,
	)
	if err != nil {
		return wrapIO("update worker pid", err)
	}
	return requireRow(result, "worker", id)
}

// UpdateWorktree records the worktree path and branch for a worker.
func (r *workerRepository) UpdateWorktree(id, path, branch string) error {
	result, err := r.db.Exec(
		`UPDATE workers SET worktree_path = ?, worktree_branch = ?, updated_at = ? WHERE id = ?`,
		path, branch, milli(time.Now()), id,
	)
	if err != nil {
		return wrapIO("update worker worktree", err)
	}
	return requireRow(result, "worker", id)
}

// SetLastError records the most recent failure description.
func (r *workerRepository) SetLastError(id string, msg string) error {
	result, err := r.db.Exec(
		`UPDATE workers SET last_error = ?, updated_at = ? WHERE id = ?`,
		msg, milli(time.Now()), id,
	)
	if err != nil {
		return wrapIO("set worker error", err)
	}
	return requireRow(result, "worker", id)
}

// IncrementRestart bumps the restart counter and returns the new count.
func (r *workerRepository) IncrementRestart(id string) (int, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return 0, wrapIO("increment restart", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.Exec(
		`UPDATE workers SET restart_count = restart_count + 1, updated_at = ? WHERE id = ?`,
		milli(time.Now()), id,
	)
	if err != nil {
		return 0, wrapIO("increment restart", err)
	}
	if err := requireRow(result, "worker", id); err != nil {
		return 0, err
	}

	var count int
	if err := tx.QueryRow(`SELECT restart_count FROM workers WHERE id = ?`, id).Scan(&count); err != nil {
		return 0, wrapIO("increment restart", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, wrapIO("increment restart", err)
	}
	return count, nil
}

// Dismiss soft-deletes a worker. Re-dismissing is a no-op so the handle
// release stays idempotent.
func (r *workerRepository) Dismiss(id string, reason string) error {
	tx, err := r.db.Begin()
	if err != nil {
		return wrapIO("dismiss worker", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		from        string
		dismissedAt sql.NullInt64
	)
	err = tx.QueryRow(`SELECT status, dismissed_at FROM workers WHERE id = ?`, id).Scan(&from, &dismissedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("worker %s: %w", id, fleet.ErrNotFound)
	}
	if err != nil {
		return wrapIO("dismiss worker", err)
	}
	if dismissedAt.Valid {
		return nil
	}

	now := milli(time.Now())
	if _, err := tx.Exec(
		`UPDATE workers SET status = ?, dismissed_at = ?, updated_at = ? WHERE id = ?`,
		string(fleet.StatusDismissed), now, now, id,
	); err != nil {
		return wrapIO("dismiss worker", err)
	}
	if _, err := tx.Exec(
		`INSERT INTO worker_events (worker_id, from_status, to_status, reason, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		id, from, string(fleet.StatusDismissed), reason, now,
	); err != nil {
		return wrapIO("insert worker event", err)
	}

	if err := tx.Commit(); err != nil {
		return wrapIO("dismiss worker", err)
	}
	return nil
}

// DeleteByHandle hard-deletes every row for a handle, journal included.
func (r *workerRepository) DeleteByHandle(handle string) error {
	tx, err := r.db.Begin()
	if err != nil {
		return wrapIO("delete worker", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(
		`DELETE FROM worker_events WHERE worker_id IN (SELECT id FROM workers WHERE handle = ?)`,
		handle,
	); err != nil {
		return wrapIO("delete worker events", err)
	}
	if _, err := tx.Exec(`DELETE FROM workers WHERE handle = ?`, handle); err != nil {
		return wrapIO("delete worker", err)
	}

	if err := tx.Commit(); err != nil {
		return wrapIO("delete worker", err)
	}
	return nil
}

// GetStale returns live workers whose last heartbeat, or spawn time when
// they never reported, is older than the cutoff.
func (r *workerRepository) GetStale(olderThan time.Duration) ([]*fleet.Worker, error) {
	cutoff := milli(time.Now().Add(-olderThan))
	rows, err := r.db.Query(
		`SELECT `+workerColumns+` FROM workers
		 WHERE dismissed_at IS NULL
		   AND status IN (?, ?, ?)
		   AND COALESCE(last_heartbeat_at, created_at) < ?
		 ORDER BY created_at ASC`,
		string(fleet.StatusPending), string(fleet.StatusReady), string(fleet.StatusBusy), cutoff,
	)
	if err != nil {
		return nil, wrapIO("list stale workers", err)
	}
	defer func() { _ = rows.Close() }()

	var workers []*fleet.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, wrapIO("scan worker row", err)
		}
		workers = append(workers, w)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapIO("iterate worker rows", err)
	}
	return workers, nil
}

// GetRecoverable returns workers a restarted orchestrator should adopt,
// oldest first so spawn order is preserved.
func (r *workerRepository) GetRecoverable() ([]*fleet.Worker, error) {
	rows, err := r.db.Query(
		`SELECT `+workerColumns+` FROM workers
		 WHERE dismissed_at IS NULL AND status IN (?, ?, ?)
		 ORDER BY created_at ASC, rowid ASC`,
		string(fleet.StatusPending), string(fleet.StatusReady), string(fleet.StatusBusy),
	)
	if err != nil {
		return nil, wrapIO("list recoverable workers", err)
	}
	defer func() { _ = rows.Close() }()

	var workers []*fleet.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, wrapIO("scan worker row", err)
		}
		workers = append(workers, w)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapIO("iterate worker rows", err)
	}
	return workers, nil
}

// Events returns the status-transition journal for a worker, oldest first.
func (r *workerRepository) Events(workerID string) ([]fleet.WorkerEvent, error) {
	rows, err := r.db.Query(
		`SELECT id, worker_id, from_status, to_status, reason, created_at
		 FROM worker_events WHERE worker_id = ? ORDER BY id ASC`,
		workerID,
	)
	if err != nil {
		return nil, wrapIO("list worker events", err)
	}
	defer func() { _ = rows.Close() }()

	var events []fleet.WorkerEvent
	for rows.Next() {
		var (
			ev        fleet.WorkerEvent
			createdAt int64
		)
		if err := rows.Scan(&ev.ID, &ev.WorkerID, &ev.FromStatus, &ev.ToStatus, &ev.Reason, &createdAt); err != nil {
			return nil, wrapIO("scan worker event row", err)
		}
		ev.CreatedAt = fromMilli(createdAt)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapIO("iterate worker event rows", err)
	}
	return events, nil
}
