package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/zjrosen/hive/internal/fleet"
)

// taskColumns is the list of columns to select for task queries.
const taskColumns = `id, subject, status, owner, blocked_by, team, created_at, updated_at`

// taskRepository implements fleet.TaskStore using SQLite.
type taskRepository struct {
	db *sql.DB
}

var _ fleet.TaskStore = (*taskRepository)(nil)

// scanTask scans a row into a Task.
func scanTask(scanner interface{ Scan(...any) error }) (*fleet.Task, error) {
	var (
		t         fleet.Task
		blockedBy string
		createdAt int64
		updatedAt int64
	)
	err := scanner.Scan(&t.ID, &t.Subject, &t.Status, &t.Owner, &blockedBy, &t.Team, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	t.BlockedBy, err = decodeStrings(blockedBy)
	if err != nil {
		return nil, err
	}
	t.CreatedAt = fromMilli(createdAt)
	t.UpdatedAt = fromMilli(updatedAt)
	return &t, nil
}

// Insert persists a new task.
func (r *taskRepository) Insert(t *fleet.Task) error {
	blockedBy, err := encodeStrings(t.BlockedBy)
	if err != nil {
		return wrapIO("insert task", err)
	}
	_, err = r.db.Exec(
		`INSERT INTO tasks (id, subject, status, owner, blocked_by, team, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Subject, string(t.Status), t.Owner, blockedBy, t.Team, milli(t.CreatedAt), milli(t.UpdatedAt),
	)
	if err != nil {
		return wrapIO("insert task", err)
	}
	return nil
}

// Get retrieves a task by id.
func (r *taskRepository) Get(id string) (*fleet.Task, error) {
	row := r.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, fleet.ErrNotFound)
	}
	if err != nil {
		return nil, wrapIO("get task", err)
	}
	return t, nil
}

// List retrieves tasks matching the filter, newest first.
func (r *taskRepository) List(filter fleet.TaskFilter) ([]*fleet.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
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
	query += ` ORDER BY created_at DESC, rowid DESC`

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, wrapIO("list tasks", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*fleet.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, wrapIO("scan task row", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapIO("iterate task rows", err)
	}
	return tasks, nil
}

// UpdateStatus sets a task's status.
func (r *taskRepository) UpdateStatus(id string, status fleet.TaskStatus) error {
	result, err := r.db.Exec(
		`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), milli(time.Now()), id,
	)
	if err != nil {
		return wrapIO("update task status", err)
	}
	return requireRow(result, "task", id)
}

// Assign records a worker taking the task: owner set, history row
// appended.
func (r *taskRepository) Assign(taskID, handle string) error {
	tx, err := r.db.Begin()
	if err != nil {
		return wrapIO("assign task", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := milli(time.Now())
	result, err := tx.Exec(
		`UPDATE tasks SET owner = ?, status = ?, updated_at = ? WHERE id = ?`,
		handle, string(fleet.TaskInProgress), now, taskID,
	)
	if err != nil {
		return wrapIO("assign task", err)
	}
	if err := requireRow(result, "task", taskID); err != nil {
		return err
	}
	if _, err := tx.Exec(
		`INSERT INTO task_assignments (task_id, handle, assigned_at) VALUES (?, ?, ?)`,
		taskID, handle, now,
	); err != nil {
		return wrapIO("insert task assignment", err)
	}

	if err := tx.Commit(); err != nil {
		return wrapIO("assign task", err)
	}
	return nil
}

// Assignments returns the assignment history for a task, oldest first.
func (r *taskRepository) Assignments(taskID string) ([]fleet.TaskAssignment, error) {
	rows, err := r.db.Query(
		`SELECT id, task_id, handle, assigned_at FROM task_assignments
		 WHERE task_id = ? ORDER BY id ASC`,
		taskID,
	)
	if err != nil {
		return nil, wrapIO("list task assignments", err)
	}
	defer func() { _ = rows.Close() }()

	var assignments []fleet.TaskAssignment
	for rows.Next() {
		var (
			a          fleet.TaskAssignment
			assignedAt int64
		)
		if err := rows.Scan(&a.ID, &a.TaskID, &a.Handle, &assignedAt); err != nil {
			return nil, wrapIO("scan task assignment row", err)
		}
		a.AssignedAt = fromMilli(assignedAt)
		assignments = append(assignments, a)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapIO("iterate task assignment rows", err)
	}
	return assignments, nil
}

// Block marks the task blocked on the given task ids.
func (r *taskRepository) Block(id string, blockedBy []string) error {
	encoded, err := encodeStrings(blockedBy)
	if err != nil {
		return wrapIO("block task", err)
	}
	result, err := r.db.Exec(
		`UPDATE tasks SET status = ?, blocked_by = ?, updated_at = ? WHERE id = ?`,
		string(fleet.TaskBlocked), encoded, milli(time.Now()), id,
	)
	if err != nil {
		return wrapIO("block task", err)
	}
	return requireRow(result, "task", id)
}

// Unblock clears the blocked list and reopens the task.
func (r *taskRepository) Unblock(id string) error {
	result, err := r.db.Exec(
		`UPDATE tasks SET status = ?, blocked_by = '[]', updated_at = ? WHERE id = ?`,
		string(fleet.TaskOpen), milli(time.Now()), id,
	)
	if err != nil {
		return wrapIO("unblock task", err)
	}
	return requireRow(result, "task", id)
}
