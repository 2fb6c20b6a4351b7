package bolt

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/zjrosen/hive/internal/fleet"
	"github.com/zjrosen/hive/internal/spawnqueue"
)

// queueRepository implements spawnqueue.Store on bbolt. Items are keyed
// by their big-endian sequence so cursor order is insertion order; a
// side bucket maps the random item id to the sequence key. Dependencies
// ride inside the item value, making inserts trivially atomic.
type queueRepository struct {
	db *bolt.DB
}

var _ spawnqueue.Store = (*queueRepository)(nil)

// getQueueItem resolves an item id through the index inside an open
// transaction.
func getQueueItem(tx *bolt.Tx, id string) (*spawnqueue.Item, error) {
	seqKey := tx.Bucket(bucketQueueIndex).Get([]byte(id))
	if seqKey == nil {
		return nil, notFound("queue item", id)
	}
	data := tx.Bucket(bucketQueue).Get(seqKey)
	if data == nil {
		return nil, notFound("queue item", id)
	}
	var item spawnqueue.Item
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, wrapIO("decode queue item", err)
	}
	return &item, nil
}

func putQueueItem(tx *bolt.Tx, item *spawnqueue.Item) error {
	data, err := json.Marshal(item)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketQueue).Put(itob(item.Seq), data)
}

// Insert persists the item and its dependency rows atomically, assigning
// Seq and CreatedAt.
func (r *queueRepository) Insert(item *spawnqueue.Item) error {
	err := r.db.Update(func(tx *bolt.Tx) error {
		index := tx.Bucket(bucketQueueIndex)
		if index.Get([]byte(item.ID)) != nil {
			return fmt.Errorf("queue item %s: %w", item.ID, fleet.ErrInvalidState)
		}

		b := tx.Bucket(bucketQueue)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		item.Seq = int64(seq) //nolint:gosec // sequences never overflow
		now := time.Now()
		item.CreatedAt = now
		item.UpdatedAt = now

		if err := putQueueItem(tx, item); err != nil {
			return err
		}
		return index.Put([]byte(item.ID), itob(item.Seq))
	})
	if err != nil && !isDomainErr(err) {
		return wrapIO("insert queue item", err)
	}
	return err
}

// Get retrieves one item with dependencies loaded.
func (r *queueRepository) Get(id string) (*spawnqueue.Item, error) {
	var item *spawnqueue.Item
	err := r.db.View(func(tx *bolt.Tx) error {
		var err error
		item, err = getQueueItem(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// List returns items matching the filter in insertion order.
func (r *queueRepository) List(f spawnqueue.Filter) ([]*spawnqueue.Item, error) {
	var items []*spawnqueue.Item
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketQueue).ForEach(func(_, v []byte) error {
			var item spawnqueue.Item
			if err := json.Unmarshal(v, &item); err != nil {
				return err
			}
			if f.Status != "" && item.Status != f.Status {
				return nil
			}
			if f.SwarmID != "" && item.SwarmID != f.SwarmID {
				return nil
			}
			if f.Requester != "" && item.Requester != f.Requester {
				return nil
			}
			items = append(items, &item)
			return nil
		})
	})
	if err != nil {
		return nil, wrapIO("list queue items", err)
	}
	return items, nil
}

// UpdateStatus sets an item's scheduling state and reason.
func (r *queueRepository) UpdateStatus(id string, status spawnqueue.Status, reason string) error {
	err := r.db.Update(func(tx *bolt.Tx) error {
		item, err := getQueueItem(tx, id)
		if err != nil {
			return err
		}
		item.Status = status
		item.Reason = reason
		item.UpdatedAt = time.Now()
		return putQueueItem(tx, item)
	})
	if err != nil && !isDomainErr(err) {
		return wrapIO("update queue item status", err)
	}
	return err
}

// MarkSpawned atomically moves an approved item to spawned and records
// the worker id. Returns false when the item was not approved.
func (r *queueRepository) MarkSpawned(id, workerID string, at time.Time) (bool, error) {
	var marked bool
	err := r.db.Update(func(tx *bolt.Tx) error {
		item, err := getQueueItem(tx, id)
		if err != nil {
			return err
		}
		if item.Status != spawnqueue.StatusApproved {
			return nil
		}
		item.Status = spawnqueue.StatusSpawned
		item.WorkerID = workerID
		item.SpawnedAt = &at
		item.UpdatedAt = at
		if err := putQueueItem(tx, item); err != nil {
			return err
		}
		marked = true
		return nil
	})
	if err != nil && !isDomainErr(err) {
		return false, wrapIO("mark queue item spawned", err)
	}
	if err != nil {
		return false, err
	}
	return marked, nil
}

// CountByStatus counts items in one state.
func (r *queueRepository) CountByStatus(status spawnqueue.Status) (int, error) {
	var n int
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketQueue).ForEach(func(_, v []byte) error {
			var item spawnqueue.Item
			if err := json.Unmarshal(v, &item); err != nil {
				return err
			}
			if item.Status == status {
				n++
			}
			return nil
		})
	})
	if err != nil {
		return 0, wrapIO("count queue items", err)
	}
	return n, nil
}

// CancelActive rejects every pending and approved item with the given
// reason and returns how many changed.
func (r *queueRepository) CancelActive(reason string) (int, error) {
	var n int
	err := r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQueue)
		c := b.Cursor()
		now := time.Now()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var item spawnqueue.Item
			if err := json.Unmarshal(v, &item); err != nil {
				return err
			}
			if item.Status != spawnqueue.StatusPending && item.Status != spawnqueue.StatusApproved {
				continue
			}
			item.Status = spawnqueue.StatusRejected
			item.Reason = reason
			item.UpdatedAt = now
			if err := putQueueItem(tx, &item); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, wrapIO("cancel active queue items", err)
	}
	return n, nil
}
