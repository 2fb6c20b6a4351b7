package bolt

import (
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/zjrosen/hive/internal/mail"
)

// mailRepository implements mail.Store on bbolt. Messages and handoffs
// are keyed by their big-endian sequence id, so cursor order is id
// order.
type mailRepository struct {
	db *bolt.DB
}

var _ mail.Store = (*mailRepository)(nil)

// Insert persists a message, assigning its ID and CreatedAt.
func (r *mailRepository) Insert(m *mail.Message) error {
	err := r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMail)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		m.ID = int64(seq) //nolint:gosec // sequences never overflow
		m.CreatedAt = time.Now()
		data, err := json.Marshal(m)
		if err != nil {
			return err
		}
		return b.Put(itob(m.ID), data)
	})
	if err != nil {
		return wrapIO("insert mail", err)
	}
	return nil
}

// Get retrieves one message.
func (r *mailRepository) Get(id int64) (*mail.Message, error) {
	var m *mail.Message
	err := r.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMail).Get(itob(id))
		if data == nil {
			return notFound("mail", id)
		}
		return json.Unmarshal(data, &m)
	})
	if err != nil && !isDomainErr(err) {
		return nil, wrapIO("get mail", err)
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// GetUnread returns the recipient's unread mail, oldest first.
func (r *mailRepository) GetUnread(handle string) ([]*mail.Message, error) {
	var messages []*mail.Message
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMail).ForEach(func(_, v []byte) error {
			var m mail.Message
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			if m.To == handle && m.ReadAt == nil {
				messages = append(messages, &m)
			}
			return nil
		})
	})
	if err != nil {
		return nil, wrapIO("list unread mail", err)
	}
	return messages, nil
}

// GetAll returns the recipient's mail, newest first, capped at limit.
func (r *mailRepository) GetAll(handle string, limit int) ([]*mail.Message, error) {
	var messages []*mail.Message
	err := r.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketMail).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var m mail.Message
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			if m.To != handle {
				continue
			}
			messages = append(messages, &m)
			if limit > 0 && len(messages) >= limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, wrapIO("list mail", err)
	}
	return messages, nil
}

// MarkRead stamps one message read. Re-marking keeps the original
// timestamp.
func (r *mailRepository) MarkRead(id int64, at time.Time) error {
	err := r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMail)
		data := b.Get(itob(id))
		if data == nil {
			return notFound("mail", id)
		}
		var m mail.Message
		if err := json.Unmarshal(data, &m); err != nil {
			return err
		}
		if m.ReadAt != nil {
			return nil
		}
		m.ReadAt = &at
		updated, err := json.Marshal(&m)
		if err != nil {
			return err
		}
		return b.Put(itob(id), updated)
	})
	if err != nil && !isDomainErr(err) {
		return wrapIO("mark mail read", err)
	}
	return err
}

// MarkAllRead stamps every unread message for the handle and returns how
// many changed.
func (r *mailRepository) MarkAllRead(handle string, at time.Time) (int, error) {
	var n int
	err := r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMail)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var m mail.Message
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			if m.To != handle || m.ReadAt != nil {
				continue
			}
			m.ReadAt = &at
			updated, err := json.Marshal(&m)
			if err != nil {
				return err
			}
			if err := b.Put(itob(m.ID), updated); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, wrapIO("mark all mail read", err)
	}
	return n, nil
}

// InsertHandoff persists a handoff, assigning its ID and CreatedAt.
func (r *mailRepository) InsertHandoff(h *mail.Handoff) error {
	err := r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHandoffs)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		h.ID = int64(seq) //nolint:gosec // sequences never overflow
		h.CreatedAt = time.Now()
		data, err := json.Marshal(h)
		if err != nil {
			return err
		}
		return b.Put(itob(h.ID), data)
	})
	if err != nil {
		return wrapIO("insert handoff", err)
	}
	return nil
}

// GetHandoff retrieves one handoff.
func (r *mailRepository) GetHandoff(id int64) (*mail.Handoff, error) {
	var h *mail.Handoff
	err := r.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketHandoffs).Get(itob(id))
		if data == nil {
			return notFound("handoff", id)
		}
		return json.Unmarshal(data, &h)
	})
	if err != nil && !isDomainErr(err) {
		return nil, wrapIO("get handoff", err)
	}
	if err != nil {
		return nil, err
	}
	return h, nil
}

// AcceptHandoff stamps the handoff accepted. Returns false when it was
// already accepted.
func (r *mailRepository) AcceptHandoff(id int64, at time.Time) (bool, error) {
	var accepted bool
	err := r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHandoffs)
		data := b.Get(itob(id))
		if data == nil {
			return notFound("handoff", id)
		}
		var h mail.Handoff
		if err := json.Unmarshal(data, &h); err != nil {
			return err
		}
		if h.AcceptedAt != nil {
			return nil
		}
		h.AcceptedAt = &at
		updated, err := json.Marshal(&h)
		if err != nil {
			return err
		}
		if err := b.Put(itob(id), updated); err != nil {
			return err
		}
		accepted = true
		return nil
	})
	if err != nil && !isDomainErr(err) {
		return false, wrapIO("accept handoff", err)
	}
	if err != nil {
		return false, err
	}
	return accepted, nil
}

// PendingHandoffs returns the recipient's un-accepted handoffs, oldest
// first.
func (r *mailRepository) PendingHandoffs(handle string) ([]*mail.Handoff, error) {
	var handoffs []*mail.Handoff
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHandoffs).ForEach(func(_, v []byte) error {
			var h mail.Handoff
			if err := json.Unmarshal(v, &h); err != nil {
				return err
			}
			if h.To == handle && h.AcceptedAt == nil {
				handoffs = append(handoffs, &h)
			}
			return nil
		})
	})
	if err != nil {
		return nil, wrapIO("list pending handoffs", err)
	}
	return handoffs, nil
}
