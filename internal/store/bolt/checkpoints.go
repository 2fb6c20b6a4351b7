package bolt

import (
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/zjrosen/hive/internal/checkpoint"
)

// checkpointRepository implements checkpoint.Store on bbolt. Checkpoints
// are keyed by their big-endian sequence id, so descending cursor walks
// give newest first.
type checkpointRepository struct {
	db *bolt.DB
}

var _ checkpoint.Store = (*checkpointRepository)(nil)

// Insert persists a checkpoint, assigning its ID and CreatedAt.
func (r *checkpointRepository) Insert(cp *checkpoint.Checkpoint) error {
	err := r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCheckpoints)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		cp.ID = int64(seq) //nolint:gosec // sequences never overflow
		cp.CreatedAt = time.Now()
		data, err := json.Marshal(cp)
		if err != nil {
			return err
		}
		return b.Put(itob(cp.ID), data)
	})
	if err != nil {
		return wrapIO("insert checkpoint", err)
	}
	return nil
}

// Get retrieves one checkpoint.
func (r *checkpointRepository) Get(id int64) (*checkpoint.Checkpoint, error) {
	var cp *checkpoint.Checkpoint
	err := r.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCheckpoints).Get(itob(id))
		if data == nil {
			return notFound("checkpoint", id)
		}
		return json.Unmarshal(data, &cp)
	})
	if err != nil && !isDomainErr(err) {
		return nil, wrapIO("get checkpoint", err)
	}
	if err != nil {
		return nil, err
	}
	return cp, nil
}

// Latest returns the highest-id checkpoint addressed to the handle,
// regardless of status.
func (r *checkpointRepository) Latest(handle string) (*checkpoint.Checkpoint, error) {
	var found *checkpoint.Checkpoint
	err := r.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketCheckpoints).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var cp checkpoint.Checkpoint
			if err := json.Unmarshal(v, &cp); err != nil {
				return err
			}
			if cp.To == handle {
				found = &cp
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, wrapIO("get latest checkpoint", err)
	}
	if found == nil {
		return nil, notFound("checkpoints for", handle)
	}
	return found, nil
}

// List returns the handle's checkpoints matching the filter, newest
// first.
func (r *checkpointRepository) List(handle string, f checkpoint.ListFilter) ([]*checkpoint.Checkpoint, error) {
	var checkpoints []*checkpoint.Checkpoint
	err := r.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketCheckpoints).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var cp checkpoint.Checkpoint
			if err := json.Unmarshal(v, &cp); err != nil {
				return err
			}
			if cp.To != handle {
				continue
			}
			if f.Role != "" && cp.FromRole != f.Role {
				continue
			}
			if f.Status != "" && cp.Status != f.Status {
				continue
			}
			checkpoints = append(checkpoints, &cp)
			if f.Limit > 0 && len(checkpoints) >= f.Limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, wrapIO("list checkpoints", err)
	}
	return checkpoints, nil
}

// Resolve moves a pending checkpoint to the given terminal status.
// Returns false without mutating when the checkpoint is already
// terminal.
func (r *checkpointRepository) Resolve(id int64, status checkpoint.Status, at time.Time) (bool, error) {
	var resolved bool
	err := r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCheckpoints)
		data := b.Get(itob(id))
		if data == nil {
			return notFound("checkpoint", id)
		}
		var cp checkpoint.Checkpoint
		if err := json.Unmarshal(data, &cp); err != nil {
			return err
		}
		if cp.Status != checkpoint.StatusPending {
			return nil
		}
		cp.Status = status
		cp.ResolvedAt = &at
		updated, err := json.Marshal(&cp)
		if err != nil {
			return err
		}
		if err := b.Put(itob(id), updated); err != nil {
			return err
		}
		resolved = true
		return nil
	})
	if err != nil && !isDomainErr(err) {
		return false, wrapIO("resolve checkpoint", err)
	}
	if err != nil {
		return false, err
	}
	return resolved, nil
}
