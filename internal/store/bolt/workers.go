package bolt

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/zjrosen/hive/internal/fleet"
)

// workerRepository implements fleet.WorkerStore on bbolt. Workers are
// keyed by id; the uniqueness of live handles is enforced by a scan
// inside the insert transaction.
type workerRepository struct {
	db *bolt.DB
}

var _ fleet.WorkerStore = (*workerRepository)(nil)

func putWorker(b *bolt.Bucket, w *fleet.Worker) error {
	data, err := json.Marshal(w)
	if err != nil {
		return err
	}
	return b.Put([]byte(w.ID), data)
}

func appendWorkerEvent(tx *bolt.Tx, ev fleet.WorkerEvent) error {
	b := tx.Bucket(bucketWorkerEvents)
	seq, err := b.NextSequence()
	if err != nil {
		return err
	}
	ev.ID = int64(seq) //nolint:gosec // sequences never overflow
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.Put(itob(ev.ID), data)
}

// getWorker loads one worker inside an open transaction.
func getWorker(tx *bolt.Tx, id string) (*fleet.Worker, error) {
	data := tx.Bucket(bucketWorkers).Get([]byte(id))
	if data == nil {
		return nil, notFound("worker", id)
	}
	var w fleet.Worker
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, wrapIO("decode worker", err)
	}
	return &w, nil
}

// mutateWorker loads, edits, and writes back one worker in a single
// transaction.
func (r *workerRepository) mutateWorker(op, id string, edit func(*fleet.Worker)) error {
	err := r.db.Update(func(tx *bolt.Tx) error {
		w, err := getWorker(tx, id)
		if err != nil {
			return err
		}
		edit(w)
		w.UpdatedAt = time.Now()
		return putWorker(tx.Bucket(bucketWorkers), w)
	})
	if err != nil && !isDomainErr(err) {
		return wrapIO(op, err)
	}
	return err
}

// Insert persists a new worker and its initial journal row.
func (r *workerRepository) Insert(w *fleet.Worker) error {
	err := r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)

		var taken bool
		err := b.ForEach(func(_, v []byte) error {
			var existing fleet.Worker
			if err := json.Unmarshal(v, &existing); err != nil {
				return err
			}
			if existing.Handle == w.Handle && existing.DismissedAt == nil {
				taken = true
			}
			return nil
		})
		if err != nil {
			return err
		}
		if taken {
			return fmt.Errorf("handle %q: %w", w.Handle, fleet.ErrHandleTaken)
		}

		if err := putWorker(b, w); err != nil {
			return err
		}
		return appendWorkerEvent(tx, fleet.WorkerEvent{
			WorkerID:  w.ID,
			ToStatus:  w.Status,
			CreatedAt: w.CreatedAt,
		})
	})
	if err != nil && !isDomainErr(err) {
		return wrapIO("insert worker", err)
	}
	return err
}

// GetByID retrieves a worker by id, dismissed or not.
func (r *workerRepository) GetByID(id string) (*fleet.Worker, error) {
	var w *fleet.Worker
	err := r.db.View(func(tx *bolt.Tx) error {
		var err error
		w, err = getWorker(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

// GetByHandle retrieves the live worker holding a handle.
func (r *workerRepository) GetByHandle(handle string) (*fleet.Worker, error) {
	var found *fleet.Worker
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWorkers).ForEach(func(_, v []byte) error {
			var w fleet.Worker
			if err := json.Unmarshal(v, &w); err != nil {
				return err
			}
			if w.Handle == handle && w.DismissedAt == nil {
				found = &w
			}
			return nil
		})
	})
	if err != nil {
		return nil, wrapIO("get worker by handle", err)
	}
	if found == nil {
		return nil, notFound("worker", handle)
	}
	return found, nil
}

// GetAnyByHandle retrieves the most recent worker for a handle,
// dismissed included.
func (r *workerRepository) GetAnyByHandle(handle string) (*fleet.Worker, error) {
	var found *fleet.Worker
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWorkers).ForEach(func(_, v []byte) error {
			var w fleet.Worker
			if err := json.Unmarshal(v, &w); err != nil {
				return err
			}
			if w.Handle != handle {
				return nil
			}
			if found == nil || !w.CreatedAt.Before(found.CreatedAt) {
				found = &w
			}
			return nil
		})
	})
	if err != nil {
		return nil, wrapIO("get worker by handle", err)
	}
	if found == nil {
		return nil, notFound("worker", handle)
	}
	return found, nil
}

func matchWorker(w *fleet.Worker, filter fleet.WorkerFilter) bool {
	if filter.Status != "" && w.Status != filter.Status {
		return false
	}
	if filter.Role != "" && w.Role != filter.Role {
		return false
	}
	if filter.SwarmID != "" && w.SwarmID != filter.SwarmID {
		return false
	}
	if !filter.IncludeDismissed && w.DismissedAt != nil {
		return false
	}
	return true
}

func (r *workerRepository) scan(keep func(*fleet.Worker) bool) ([]*fleet.Worker, error) {
	var workers []*fleet.Worker
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWorkers).ForEach(func(_, v []byte) error {
			var w fleet.Worker
			if err := json.Unmarshal(v, &w); err != nil {
				return err
			}
			if keep(&w) {
				workers = append(workers, &w)
			}
			return nil
		})
	})
	if err != nil {
		return nil, wrapIO("list workers", err)
	}
	return workers, nil
}

// List retrieves workers matching the filter, newest first.
func (r *workerRepository) List(filter fleet.WorkerFilter) ([]*fleet.Worker, error) {
	workers, err := r.scan(func(w *fleet.Worker) bool { return matchWorker(w, filter) })
	if err != nil {
		return nil, err
	}
	sort.Slice(workers, func(i, j int) bool {
		if !workers[i].CreatedAt.Equal(workers[j].CreatedAt) {
			return workers[i].CreatedAt.After(workers[j].CreatedAt)
		}
		return workers[i].ID > workers[j].ID
	})
	return workers, nil
}

// Count returns how many workers match the filter.
func (r *workerRepository) Count(filter fleet.WorkerFilter) (int, error) {
	workers, err := r.scan(func(w *fleet.Worker) bool { return matchWorker(w, filter) })
	if err != nil {
		return 0, err
	}
	return len(workers), nil
}

// UpdateStatus transitions a worker's status and appends a journal row.
func (r *workerRepository) UpdateStatus(id string, status fleet.Status, reason string) error {
	err := r.db.Update(func(tx *bolt.Tx) error {
		w, err := getWorker(tx, id)
		if err != nil {
			return err
		}
		from := w.Status
		now := time.Now()
		w.Status = status
		w.UpdatedAt = now
		if err := putWorker(tx.Bucket(bucketWorkers), w); err != nil {
			return err
		}
		return appendWorkerEvent(tx, fleet.WorkerEvent{
			WorkerID:   id,
			FromStatus: from,
			ToStatus:   status,
			Reason:     reason,
			CreatedAt:  now,
		})
	})
	if err != nil && !isDomainErr(err) {
		return wrapIO("update worker status", err)
	}
	return err
}

// Heartbeat records liveness for a worker.
func (r *workerRepository) Heartbeat(id string, at time.Time) error {
	return r.mutateWorker("heartbeat worker", id, func(w *fleet.Worker) {
		w.LastHeartbeatAt = &at
	})
}

// UpdatePID records the subprocess id for a worker.
func (r *workerRepository) UpdatePID(id string, pid int) error {
	return r.mutateWorker("update worker pid", id, func(w *fleet.Worker) {
		w.PID = pid
	})
}

// UpdateWorktree records the worktree path and branch for a worker.
func (r *workerRepository) UpdateWorktree(id, path, branch string) error {
	return r.mutateWorker("update worker worktree", id, func(w *fleet.Worker) {
		w.WorktreePath = path
		w.WorktreeBranch = branch
	})
}

// SetLastError records the most recent failure description.
func (r *workerRepository) SetLastError(id string, msg string) error {
	return r.mutateWorker("set worker error", id, func(w *fleet.Worker) {
		w.LastError = msg
	})
}

// IncrementRestart bumps the restart counter and returns the new count.
func (r *workerRepository) IncrementRestart(id string) (int, error) {
	var count int
	err := r.mutateWorker("increment restart", id, func(w *fleet.Worker) {
		w.RestartCount++
		count = w.RestartCount
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// Dismiss soft-deletes a worker. Re-dismissing is a no-op.
func (r *workerRepository) Dismiss(id string, reason string) error {
	err := r.db.Update(func(tx *bolt.Tx) error {
		w, err := getWorker(tx, id)
		if err != nil {
			return err
		}
		if w.DismissedAt != nil {
			return nil
		}
		from := w.Status
		now := time.Now()
		w.Status = fleet.StatusDismissed
		w.DismissedAt = &now
		w.UpdatedAt = now
		if err := putWorker(tx.Bucket(bucketWorkers), w); err != nil {
			return err
		}
		return appendWorkerEvent(tx, fleet.WorkerEvent{
			WorkerID:   id,
			FromStatus: from,
			ToStatus:   fleet.StatusDismissed,
			Reason:     reason,
			CreatedAt:  now,
		})
	})
	if err != nil && !isDomainErr(err) {
		return wrapIO("dismiss worker", err)
	}
	return err
}

// DeleteByHandle hard-deletes every row for a handle, journal included.
func (r *workerRepository) DeleteByHandle(handle string) error {
	err := r.db.Update(func(tx *bolt.Tx) error {
		workers := tx.Bucket(bucketWorkers)
		events := tx.Bucket(bucketWorkerEvents)

		ids := make(map[string]bool)
		err := workers.ForEach(func(k, v []byte) error {
			var w fleet.Worker
			if err := json.Unmarshal(v, &w); err != nil {
				return err
			}
			if w.Handle == handle {
				ids[string(k)] = true
			}
			return nil
		})
		if err != nil {
			return err
		}

		var eventKeys [][]byte
		err = events.ForEach(func(k, v []byte) error {
			var ev fleet.WorkerEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			if ids[ev.WorkerID] {
				key := make([]byte, len(k))
				copy(key, k)
				eventKeys = append(eventKeys, key)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range eventKeys {
			if err := events.Delete(k); err != nil {
				return err
			}
		}
		for id := range ids {
			if err := workers.Delete([]byte(id)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return wrapIO("delete worker", err)
	}
	return nil
}

// GetStale returns live workers whose last heartbeat, or spawn time when
// they never reported, is older than the cutoff.
func (r *workerRepository) GetStale(olderThan time.Duration) ([]*fleet.Worker, error) {
	cutoff := time.Now().Add(-olderThan)
	workers, err := r.scan(func(w *fleet.Worker) bool {
		if w.DismissedAt != nil || !recoverableStatus(w.Status) {
			return false
		}
		seen := w.CreatedAt
		if w.LastHeartbeatAt != nil {
			seen = *w.LastHeartbeatAt
		}
		return seen.Before(cutoff)
	})
	if err != nil {
		return nil, err
	}
	sortOldestFirst(workers)
	return workers, nil
}

// GetRecoverable returns workers a restarted orchestrator should adopt,
// oldest first.
func (r *workerRepository) GetRecoverable() ([]*fleet.Worker, error) {
	workers, err := r.scan(func(w *fleet.Worker) bool {
		return w.DismissedAt == nil && recoverableStatus(w.Status)
	})
	if err != nil {
		return nil, err
	}
	sortOldestFirst(workers)
	return workers, nil
}

func recoverableStatus(s fleet.Status) bool {
	return s == fleet.StatusPending || s == fleet.StatusReady || s == fleet.StatusBusy
}

func sortOldestFirst(workers []*fleet.Worker) {
	sort.Slice(workers, func(i, j int) bool {
		if !workers[i].CreatedAt.Equal(workers[j].CreatedAt) {
			return workers[i].CreatedAt.Before(workers[j].CreatedAt)
		}
		return workers[i].ID < workers[j].ID
	})
}

// Events returns the status-transition journal for a worker, oldest
// first. Journal keys are sequence-ordered so the cursor walk is already
// chronological.
func (r *workerRepository) Events(workerID string) ([]fleet.WorkerEvent, error) {
	var events []fleet.WorkerEvent
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWorkerEvents).ForEach(func(_, v []byte) error {
			var ev fleet.WorkerEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			if ev.WorkerID == workerID {
				events = append(events, ev)
			}
			return nil
		})
	})
	if err != nil {
		return nil, wrapIO("list worker events", err)
	}
	return events, nil
}
