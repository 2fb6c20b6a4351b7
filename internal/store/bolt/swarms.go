package bolt

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/zjrosen/hive/internal/fleet"
)

// swarmRepository implements fleet.SwarmStore on bbolt.
type swarmRepository struct {
	db *bolt.DB
}

var _ fleet.SwarmStore = (*swarmRepository)(nil)

// Create persists a new swarm. A live swarm already holding the name
// surfaces as ErrHandleTaken.
func (r *swarmRepository) Create(s *fleet.Swarm) error {
	err := r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSwarms)

		var taken bool
		err := b.ForEach(func(_, v []byte) error {
			var existing fleet.Swarm
			if err := json.Unmarshal(v, &existing); err != nil {
				return err
			}
			if existing.Name == s.Name && existing.DeletedAt == nil {
				taken = true
			}
			return nil
		})
		if err != nil {
			return err
		}
		if taken {
			return fmt.Errorf("swarm %q: %w", s.Name, fleet.ErrHandleTaken)
		}

		data, err := json.Marshal(s)
		if err != nil {
			return err
		}
		return b.Put([]byte(s.ID), data)
	})
	if err != nil && !isDomainErr(err) {
		return wrapIO("insert swarm", err)
	}
	return err
}

// Get retrieves a swarm by id, deleted or not.
func (r *swarmRepository) Get(id string) (*fleet.Swarm, error) {
	var s *fleet.Swarm
	err := r.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSwarms).Get([]byte(id))
		if data == nil {
			return notFound("swarm", id)
		}
		return json.Unmarshal(data, &s)
	})
	if err != nil && !isDomainErr(err) {
		return nil, wrapIO("get swarm", err)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// GetByName retrieves a live swarm by name.
func (r *swarmRepository) GetByName(name string) (*fleet.Swarm, error) {
	var found *fleet.Swarm
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSwarms).ForEach(func(_, v []byte) error {
			var s fleet.Swarm
			if err := json.Unmarshal(v, &s); err != nil {
				return err
			}
			if s.Name == name && s.DeletedAt == nil {
				found = &s
			}
			return nil
		})
	})
	if err != nil {
		return nil, wrapIO("get swarm by name", err)
	}
	if found == nil {
		return nil, notFound("swarm", name)
	}
	return found, nil
}

// List retrieves live swarms, newest first.
func (r *swarmRepository) List() ([]*fleet.Swarm, error) {
	var swarms []*fleet.Swarm
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSwarms).ForEach(func(_, v []byte) error {
			var s fleet.Swarm
			if err := json.Unmarshal(v, &s); err != nil {
				return err
			}
			if s.DeletedAt == nil {
				swarms = append(swarms, &s)
			}
			return nil
		})
	})
	if err != nil {
		return nil, wrapIO("list swarms", err)
	}
	sort.Slice(swarms, func(i, j int) bool {
		if !swarms[i].CreatedAt.Equal(swarms[j].CreatedAt) {
			return swarms[i].CreatedAt.After(swarms[j].CreatedAt)
		}
		return swarms[i].ID > swarms[j].ID
	})
	return swarms, nil
}

// Delete soft-deletes a swarm. Unless force is set, it fails with
// ErrInvalidState while the swarm still has non-dismissed workers.
func (r *swarmRepository) Delete(id string, force bool) error {
	err := r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSwarms)
		data := b.Get([]byte(id))
		if data == nil {
			return notFound("swarm", id)
		}
		var s fleet.Swarm
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s.DeletedAt != nil {
			return nil
		}

		if !force {
			var live int
			err := tx.Bucket(bucketWorkers).ForEach(func(_, v []byte) error {
				var w fleet.Worker
				if err := json.Unmarshal(v, &w); err != nil {
					return err
				}
				if w.SwarmID == id && w.DismissedAt == nil {
					live++
				}
				return nil
			})
			if err != nil {
				return err
			}
			if live > 0 {
				return fmt.Errorf("swarm %s has %d live workers: %w", id, live, fleet.ErrInvalidState)
			}
		}

		now := time.Now()
		s.DeletedAt = &now
		updated, err := json.Marshal(&s)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), updated)
	})
	if err != nil && !isDomainErr(err) {
		return wrapIO("delete swarm", err)
	}
	return err
}
