package bolt

import (
	"encoding/json"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/zjrosen/hive/internal/fleet"
)

// taskRepository implements fleet.TaskStore on bbolt.
type taskRepository struct {
	db *bolt.DB
}

var _ fleet.TaskStore = (*taskRepository)(nil)

func getTask(tx *bolt.Tx, id string) (*fleet.Task, error) {
	data := tx.Bucket(bucketTasks).Get([]byte(id))
	if data == nil {
		return nil, notFound("task", id)
	}
	var t fleet.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, wrapIO("decode task", err)
	}
	return &t, nil
}

func putTask(tx *bolt.Tx, t *fleet.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketTasks).Put([]byte(t.ID), data)
}

// Insert persists a new task.
func (r *taskRepository) Insert(t *fleet.Task) error {
	err := r.db.Update(func(tx *bolt.Tx) error {
		return putTask(tx, t)
	})
	if err != nil {
		return wrapIO("insert task", err)
	}
	return nil
}

// Get retrieves a task by id.
func (r *taskRepository) Get(id string) (*fleet.Task, error) {
	var t *fleet.Task
	err := r.db.View(func(tx *bolt.Tx) error {
		var err error
		t, err = getTask(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// List retrieves tasks matching the filter, newest first.
func (r *taskRepository) List(filter fleet.TaskFilter) ([]*fleet.Task, error) {
	var tasks []*fleet.Task
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(_, v []byte) error {
			var t fleet.Task
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			if filter.Status != "" && t.Status != filter.Status {
				return nil
			}
			if filter.Owner != "" && t.Owner != filter.Owner {
				return nil
			}
			if filter.Team != "" && t.Team != filter.Team {
				return nil
			}
			tasks = append(tasks, &t)
			return nil
		})
	})
	if err != nil {
		return nil, wrapIO("list tasks", err)
	}
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
		}
		return tasks[i].ID > tasks[j].ID
	})
	return tasks, nil
}

// mutateTask loads, edits, and writes back one task in a single
// transaction.
func (r *taskRepository) mutateTask(op, id string, edit func(*fleet.Task)) error {
	err := r.db.Update(func(tx *bolt.Tx) error {
		t, err := getTask(tx, id)
		if err != nil {
			return err
		}
		edit(t)
		t.UpdatedAt = time.Now()
		return putTask(tx, t)
	})
	if err != nil && !isDomainErr(err) {
		return wrapIO(op, err)
	}
	return err
}

// UpdateStatus sets a task's status.
func (r *taskRepository) UpdateStatus(id string, status fleet.TaskStatus) error {
	return r.mutateTask("update task status", id, func(t *fleet.Task) {
		t.Status = status
	})
}

// Assign records a worker taking the task: owner set, history row
// appended.
func (r *taskRepository) Assign(taskID, handle string) error {
	err := r.db.Update(func(tx *bolt.Tx) error {
		t, err := getTask(tx, taskID)
		if err != nil {
			return err
		}
		now := time.Now()
		t.Owner = handle
		t.Status = fleet.TaskInProgress
		t.UpdatedAt = now
		if err := putTask(tx, t); err != nil {
			return err
		}

		b := tx.Bucket(bucketAssignments)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		a := fleet.TaskAssignment{
			ID:         int64(seq), //nolint:gosec // sequences never overflow
			TaskID:     taskID,
			Handle:     handle,
			AssignedAt: now,
		}
		data, err := json.Marshal(a)
		if err != nil {
			return err
		}
		return b.Put(itob(a.ID), data)
	})
	if err != nil && !isDomainErr(err) {
		return wrapIO("assign task", err)
	}
	return err
}

// Assignments returns the assignment history for a task, oldest first.
func (r *taskRepository) Assignments(taskID string) ([]fleet.TaskAssignment, error) {
	var assignments []fleet.TaskAssignment
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAssignments).ForEach(func(_, v []byte) error {
			var a fleet.TaskAssignment
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			if a.TaskID == taskID {
				assignments = append(assignments, a)
			}
			return nil
		})
	})
	if err != nil {
		return nil, wrapIO("list task assignments", err)
	}
	return assignments, nil
}

// Block marks the task blocked on the given task ids.
func (r *taskRepository) Block(id string, blockedBy []string) error {
	return r.mutateTask("block task", id, func(t *fleet.Task) {
		t.Status = fleet.TaskBlocked
		t.BlockedBy = blockedBy
	})
}

// Unblock clears the blocked list and reopens the task.
func (r *taskRepository) Unblock(id string) error {
	return r.mutateTask("unblock task", id, func(t *fleet.Task) {
		t.Status = fleet.TaskOpen
		t.BlockedBy = nil
	})
}
