package bolt

import (
	"bytes"
	"encoding/json"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/zjrosen/hive/internal/blackboard"
)

// blackboardRepository implements blackboard.Store on bbolt. Messages
// are keyed by their big-endian sequence id; per-reader read rows live
// in a side bucket keyed by message id plus reader.
type blackboardRepository struct {
	db *bolt.DB
}

var _ blackboard.Store = (*blackboardRepository)(nil)

// readKey builds the blackboard_reads key. The 8-byte id prefix keeps
// one message's read rows contiguous.
func readKey(messageID int64, reader string) []byte {
	return append(itob(messageID), []byte(reader)...)
}

// Post inserts the message and assigns its monotonic ID and CreatedAt.
func (r *blackboardRepository) Post(m *blackboard.Message) error {
	err := r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBlackboard)
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
		return wrapIO("post message", err)
	}
	return nil
}

func matchBoardMessage(m *blackboard.Message, swarmID string, f blackboard.ReadFilter, now time.Time) bool {
	if m.SwarmID != swarmID || !m.Visible(f.Reader, now) {
		return false
	}
	if f.Type != "" && m.Type != f.Type {
		return false
	}
	if f.MinPriority != "" && m.Priority.Rank() < f.MinPriority.Rank() {
		return false
	}
	if f.Topic != "" && m.Topic != f.Topic {
		return false
	}
	if f.Since != nil && m.CreatedAt.Before(*f.Since) {
		return false
	}
	return true
}

// List returns visible messages for the swarm matching the filter,
// ordered priority descending then createdAt descending.
func (r *blackboardRepository) List(swarmID string, f blackboard.ReadFilter) ([]*blackboard.Message, error) {
	now := time.Now()
	var messages []*blackboard.Message
	err := r.db.View(func(tx *bolt.Tx) error {
		reads := tx.Bucket(bucketBoardReads)
		return tx.Bucket(bucketBlackboard).ForEach(func(_, v []byte) error {
			var m blackboard.Message
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			if !matchBoardMessage(&m, swarmID, f, now) {
				return nil
			}
			if f.UnreadOnly && reads.Get(readKey(m.ID, f.Reader)) != nil {
				return nil
			}
			messages = append(messages, &m)
			return nil
		})
	})
	if err != nil {
		return nil, wrapIO("list messages", err)
	}

	sort.Slice(messages, func(i, j int) bool {
		ri, rj := messages[i].Priority.Rank(), messages[j].Priority.Rank()
		if ri != rj {
			return ri > rj
		}
		if !messages[i].CreatedAt.Equal(messages[j].CreatedAt) {
			return messages[i].CreatedAt.After(messages[j].CreatedAt)
		}
		return messages[i].ID > messages[j].ID
	})
	if f.Limit > 0 && len(messages) > f.Limit {
		messages = messages[:f.Limit]
	}
	return messages, nil
}

// ListSince returns live messages with id greater than afterID, oldest
// first.
func (r *blackboardRepository) ListSince(swarmID, topic string, afterID int64, limit int) ([]*blackboard.Message, error) {
	now := time.Now()
	var messages []*blackboard.Message
	err := r.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketBlackboard).Cursor()
		for k, v := c.Seek(itob(afterID + 1)); k != nil; k, v = c.Next() {
			var m blackboard.Message
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			if m.SwarmID != swarmID || !m.Visible("", now) {
				continue
			}
			if topic != "" && m.Topic != topic {
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
		return nil, wrapIO("list messages since", err)
	}
	return messages, nil
}

// MarkRead records a per-(message, reader) read row. Re-marking keeps
// the original timestamp.
func (r *blackboardRepository) MarkRead(ids []int64, reader string) error {
	if len(ids) == 0 {
		return nil
	}
	err := r.db.Update(func(tx *bolt.Tx) error {
		reads := tx.Bucket(bucketBoardReads)
		now := itob(time.Now().UnixMilli())
		for _, id := range ids {
			key := readKey(id, reader)
			if reads.Get(key) != nil {
				continue
			}
			if err := reads.Put(key, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return wrapIO("mark messages read", err)
	}
	return nil
}

// Archive stamps the given swarm's messages archived. Missing ids are
// ignored.
func (r *blackboardRepository) Archive(swarmID string, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	err := r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBlackboard)
		now := time.Now()
		for _, id := range ids {
			data := b.Get(itob(id))
			if data == nil {
				continue
			}
			var m blackboard.Message
			if err := json.Unmarshal(data, &m); err != nil {
				return err
			}
			if m.SwarmID != swarmID || m.ArchivedAt != nil {
				continue
			}
			m.ArchivedAt = &now
			updated, err := json.Marshal(&m)
			if err != nil {
				return err
			}
			if err := b.Put(itob(id), updated); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return wrapIO("archive messages", err)
	}
	return nil
}

// ArchiveOlderThan archives live messages created before the cutoff and
// returns how many were stamped.
func (r *blackboardRepository) ArchiveOlderThan(swarmID string, cutoff time.Time) (int, error) {
	var n int
	err := r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBlackboard)
		now := time.Now()
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var m blackboard.Message
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			if m.SwarmID != swarmID || m.ArchivedAt != nil || !m.CreatedAt.Before(cutoff) {
				continue
			}
			m.ArchivedAt = &now
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
		return 0, wrapIO("archive old messages", err)
	}
	return n, nil
}

// PurgeArchived physically removes messages archived before the cutoff,
// read bookkeeping included, and returns how many rows were deleted.
func (r *blackboardRepository) PurgeArchived(cutoff time.Time) (int, error) {
	var n int
	err := r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBlackboard)
		reads := tx.Bucket(bucketBoardReads)

		var victims []int64
		err := b.ForEach(func(_, v []byte) error {
			var m blackboard.Message
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			if m.ArchivedAt != nil && m.ArchivedAt.Before(cutoff) {
				victims = append(victims, m.ID)
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, id := range victims {
			if err := b.Delete(itob(id)); err != nil {
				return err
			}
			prefix := itob(id)
			c := reads.Cursor()
			var readKeys [][]byte
			for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
				key := make([]byte, len(k))
				copy(key, k)
				readKeys = append(readKeys, key)
			}
			for _, k := range readKeys {
				if err := reads.Delete(k); err != nil {
					return err
				}
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, wrapIO("purge archived messages", err)
	}
	return n, nil
}

// UnreadCount counts live messages visible to reader that reader has not
// marked read.
func (r *blackboardRepository) UnreadCount(swarmID, reader string) (int, error) {
	now := time.Now()
	var n int
	err := r.db.View(func(tx *bolt.Tx) error {
		reads := tx.Bucket(bucketBoardReads)
		return tx.Bucket(bucketBlackboard).ForEach(func(_, v []byte) error {
			var m blackboard.Message
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			if m.SwarmID != swarmID || !m.Visible(reader, now) {
				return nil
			}
			if reads.Get(readKey(m.ID, reader)) != nil {
				return nil
			}
			n++
			return nil
		})
	})
	if err != nil {
		return 0, wrapIO("count unread messages", err)
	}
	return n, nil
}

// Stats summarizes the swarm's board.
func (r *blackboardRepository) Stats(swarmID string) (*blackboard.Stats, error) {
	stats := &blackboard.Stats{}
	now := time.Now()
	perTopic := make(map[string]int64)
	perType := make(map[blackboard.MessageType]int64)

	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBlackboard).ForEach(func(_, v []byte) error {
			var m blackboard.Message
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			if m.SwarmID != swarmID {
				return nil
			}
			stats.Total++
			if !m.Visible("", now) {
				return nil
			}
			stats.Live++
			perTopic[m.Topic]++
			perType[m.Type]++
			return nil
		})
	})
	if err != nil {
		return nil, wrapIO("board stats", err)
	}

	for topic, count := range perTopic {
		stats.PerTopic = append(stats.PerTopic, blackboard.TopicCount{Topic: topic, Count: count})
	}
	sort.Slice(stats.PerTopic, func(i, j int) bool {
		if stats.PerTopic[i].Count != stats.PerTopic[j].Count {
			return stats.PerTopic[i].Count > stats.PerTopic[j].Count
		}
		return stats.PerTopic[i].Topic < stats.PerTopic[j].Topic
	})
	stats.TopicCount = len(stats.PerTopic)

	for msgType, count := range perType {
		stats.PerType = append(stats.PerType, blackboard.TypeCount{Type: msgType, Count: count})
	}
	sort.Slice(stats.PerType, func(i, j int) bool {
		if stats.PerType[i].Count != stats.PerType[j].Count {
			return stats.PerType[i].Count > stats.PerType[j].Count
		}
		return stats.PerType[i].Type < stats.PerType[j].Type
	})

	return stats, nil
}
