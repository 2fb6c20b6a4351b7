package bolt

import (
	"encoding/json"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/zjrosen/hive/internal/fleet"
)

// workItemRepository implements fleet.WorkItemStore on bbolt.
type workItemRepository struct {
	db *bolt.DB
}

var _ fleet.WorkItemStore = (*workItemRepository)(nil)

func getWorkItem(tx *bolt.Tx, id string) (*fleet.WorkItem, error) {
	data := tx.Bucket(bucketWorkItems).Get([]byte(id))
	if data == nil {
		return nil, notFound("work item", id)
	}
	var item fleet.WorkItem
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, wrapIO("decode work item", err)
	}
	return &item, nil
}

func putWorkItem(tx *bolt.Tx, item *fleet.WorkItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketWorkItems).Put([]byte(item.ID), data)
}

func appendWorkItemEvent(tx *bolt.Tx, ev fleet.WorkItemEvent) error {
	b := tx.Bucket(bucketWorkItemEvents)
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

// Insert persists a new work item and its initial journal row.
func (r *workItemRepository) Insert(item *fleet.WorkItem) error {
	err := r.db.Update(func(tx *bolt.Tx) error {
		if err := putWorkItem(tx, item); err != nil {
			return err
		}
		return appendWorkItemEvent(tx, fleet.WorkItemEvent{
			WorkItemID: item.ID,
			ToStatus:   item.Status,
			CreatedAt:  item.CreatedAt,
		})
	})
	if err != nil {
		return wrapIO("insert work item", err)
	}
	return nil
}

// Get retrieves a work item by id.
func (r *workItemRepository) Get(id string) (*fleet.WorkItem, error) {
	var item *fleet.WorkItem
	err := r.db.View(func(tx *bolt.Tx) error {
		var err error
		item, err = getWorkItem(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// List retrieves work items matching the filter, newest first.
func (r *workItemRepository) List(filter fleet.WorkItemFilter) ([]*fleet.WorkItem, error) {
	var items []*fleet.WorkItem
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWorkItems).ForEach(func(_, v []byte) error {
			var item fleet.WorkItem
			if err := json.Unmarshal(v, &item); err != nil {
				return err
			}
			if filter.Status != "" && item.Status != filter.Status {
				return nil
			}
			if filter.Owner != "" && item.Owner != filter.Owner {
				return nil
			}
			if filter.Team != "" && item.Team != filter.Team {
				return nil
			}
			if filter.BatchID != "" && item.BatchID != filter.BatchID {
				return nil
			}
			items = append(items, &item)
			return nil
		})
	})
	if err != nil {
		return nil, wrapIO("list work items", err)
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.After(items[j].CreatedAt)
		}
		return items[i].ID > items[j].ID
	})
	return items, nil
}

// UpdateStatus sets an item's status and appends a journal row.
func (r *workItemRepository) UpdateStatus(id string, status fleet.WorkItemStatus, reason string) error {
	err := r.db.Update(func(tx *bolt.Tx) error {
		item, err := getWorkItem(tx, id)
		if err != nil {
			return err
		}
		from := item.Status
		now := time.Now()
		item.Status = status
		item.UpdatedAt = now
		if err := putWorkItem(tx, item); err != nil {
			return err
		}
		return appendWorkItemEvent(tx, fleet.WorkItemEvent{
			WorkItemID: id,
			FromStatus: from,
			ToStatus:   status,
			Reason:     reason,
			CreatedAt:  now,
		})
	})
	if err != nil && !isDomainErr(err) {
		return wrapIO("update work item status", err)
	}
	return err
}

// CreateBatch persists a new batch.
func (r *workItemRepository) CreateBatch(b *fleet.Batch) error {
	err := r.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(b)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketBatches).Put([]byte(b.ID), data)
	})
	if err != nil {
		return wrapIO("insert batch", err)
	}
	return nil
}

// GetBatch retrieves a batch by id.
func (r *workItemRepository) GetBatch(id string) (*fleet.Batch, error) {
	var b *fleet.Batch
	err := r.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketBatches).Get([]byte(id))
		if data == nil {
			return notFound("batch", id)
		}
		return json.Unmarshal(data, &b)
	})
	if err != nil && !isDomainErr(err) {
		return nil, wrapIO("get batch", err)
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// DispatchBatch atomically moves every pending item in the batch to
// in_progress, stamps the batch, and returns how many items moved.
func (r *workItemRepository) DispatchBatch(batchID string) (int, error) {
	var moved int
	err := r.db.Update(func(tx *bolt.Tx) error {
		batches := tx.Bucket(bucketBatches)
		data := batches.Get([]byte(batchID))
		if data == nil {
			return notFound("batch", batchID)
		}
		var b fleet.Batch
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		now := time.Now()
		b.DispatchedAt = &now
		updated, err := json.Marshal(&b)
		if err != nil {
			return err
		}
		if err := batches.Put([]byte(batchID), updated); err != nil {
			return err
		}

		items := tx.Bucket(bucketWorkItems)
		var pending []*fleet.WorkItem
		err = items.ForEach(func(_, v []byte) error {
			var item fleet.WorkItem
			if err := json.Unmarshal(v, &item); err != nil {
				return err
			}
			if item.BatchID == batchID && item.Status == fleet.WorkItemPending {
				pending = append(pending, &item)
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, item := range pending {
			item.Status = fleet.WorkItemInProgress
			item.UpdatedAt = now
			if err := putWorkItem(tx, item); err != nil {
				return err
			}
			err := appendWorkItemEvent(tx, fleet.WorkItemEvent{
				WorkItemID: item.ID,
				FromStatus: fleet.WorkItemPending,
				ToStatus:   fleet.WorkItemInProgress,
				Reason:     "batch dispatched",
				CreatedAt:  now,
			})
			if err != nil {
				return err
			}
			moved++
		}
		return nil
	})
	if err != nil && !isDomainErr(err) {
		return 0, wrapIO("dispatch batch", err)
	}
	if err != nil {
		return 0, err
	}
	return moved, nil
}

// Events returns the status-transition journal for an item, oldest
// first.
func (r *workItemRepository) Events(itemID string) ([]fleet.WorkItemEvent, error) {
	var events []fleet.WorkItemEvent
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWorkItemEvents).ForEach(func(_, v []byte) error {
			var ev fleet.WorkItemEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			if ev.WorkItemID == itemID {
				events = append(events, ev)
			}
			return nil
		})
	})
	if err != nil {
		return nil, wrapIO("list work item events", err)
	}
	return events, nil
}
