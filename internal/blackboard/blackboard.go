// Package blackboard implements the swarm-scoped durable pub/sub board.
// Messages carry a closed type and priority set, optional targeting, and
// per-reader read bookkeeping. Ids are monotonic per backend so pollers
// can track an append-only suffix.
package blackboard

import (
	"encoding/json"
	"time"
)

// MessageType classifies a blackboard message.
type MessageType string

const (
	TypeRequest    MessageType = "request"
	TypeResponse   MessageType = "response"
	TypeStatus     MessageType = "status"
	TypeDirective  MessageType = "directive"
	TypeCheckpoint MessageType = "checkpoint"
)

// IsValid returns true if the message type is a known value.
func (t MessageType) IsValid() bool {
	switch t {
	case TypeRequest, TypeResponse, TypeStatus, TypeDirective, TypeCheckpoint:
		return true
	}
	return false
}

// Priority orders messages on the board. Readers see higher priorities
// first.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// IsValid returns true if the priority is a known value.
func (p Priority) IsValid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Rank maps the priority onto its sort order, low first.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityHigh:
		return 2
	case PriorityCritical:
		return 3
	default:
		return 1
	}
}

// PriorityFromRank is the inverse of Rank. Out-of-range values clamp to
// the nearest known priority.
func PriorityFromRank(rank int) Priority {
	switch {
	case rank <= 0:
		return PriorityLow
	case rank == 1:
		return PriorityNormal
	case rank == 2:
		return PriorityHigh
	default:
		return PriorityCritical
	}
}

// Well-known topics.
const (
	// TopicBroadcast carries fleet-wide announcements.
	TopicBroadcast = "broadcast"

	// TopicAlerts carries urgent findings. Alert posts expire after 24
	// hours by default.
	TopicAlerts = "alerts"

	topicStatusPrefix = "status/"
)

// Default expiries by topic.
const (
	AlertExpiry  = 24 * time.Hour
	StatusExpiry = time.Hour
)

// StatusTopic returns the per-worker status topic for a handle. Status
// posts expire after one hour by default.
func StatusTopic(handle string) string {
	return topicStatusPrefix + handle
}

// IsStatusTopic reports whether the topic is a per-worker status topic.
func IsStatusTopic(topic string) bool {
	return len(topic) > len(topicStatusPrefix) && topic[:len(topicStatusPrefix)] == topicStatusPrefix
}

// Message is a single durable blackboard entry.
type Message struct {
	// ID is the monotonically increasing row id, assigned by the store.
	ID int64

	// SwarmID scopes the message to one swarm's board.
	SwarmID string

	// Topic routes the message. Empty means the general board.
	Topic string

	// Sender is the posting worker's handle.
	Sender string

	// Target optionally addresses one handle. Empty means every reader
	// in the swarm sees it.
	Target string

	// Type classifies the message.
	Type MessageType

	// Priority orders the message relative to others.
	Priority Priority

	// Payload is the opaque message body.
	Payload json.RawMessage

	// CreatedAt is when the message was posted.
	CreatedAt time.Time

	// ExpiresAt is when the message stops being visible. Nil means never.
	ExpiresAt *time.Time

	// ArchivedAt is when the message was archived. Nil means live.
	ArchivedAt *time.Time
}

// Visible reports whether the message should be shown to the reader at
// the given instant. An empty reader is the unrestricted admin view.
func (m *Message) Visible(reader string, at time.Time) bool {
	if m.ArchivedAt != nil {
		return false
	}
	if m.ExpiresAt != nil && !m.ExpiresAt.After(at) {
		return false
	}
	if reader == "" || m.Target == "" {
		return true
	}
	// Targeted messages stay visible to their sender for their own record.
	return m.Target == reader || m.Sender == reader
}

// ReadFilter narrows a board read.
type ReadFilter struct {
	// Type keeps only one message type. Empty keeps all.
	Type MessageType

	// MinPriority keeps messages at or above this priority. Empty keeps
	// all.
	MinPriority Priority

	// Topic keeps only one topic. Empty keeps all.
	Topic string

	// Reader is the handle doing the reading. Required when UnreadOnly
	// is set; when present, the visibility rule for targeted messages is
	// applied.
	Reader string

	// UnreadOnly keeps messages the reader has not marked read.
	UnreadOnly bool

	// Since keeps messages created at or after this instant.
	Since *time.Time

	// Limit caps the result. Zero means the default page size.
	Limit int
}

// TopicCount pairs a topic with its live message count.
type TopicCount struct {
	Topic string
	Count int64
}

// TypeCount pairs a message type with its live message count.
type TypeCount struct {
	Type  MessageType
	Count int64
}

// Stats summarizes one swarm's board.
type Stats struct {
	// Total counts every row for the swarm, archived included.
	Total int64

	// Live counts un-archived, un-expired rows.
	Live int64

	// TopicCount is the number of distinct topics among live rows.
	TopicCount int

	// PerTopic lists live counts per topic, busiest first.
	PerTopic []TopicCount

	// PerType lists live counts per message type, busiest first.
	PerType []TypeCount
}

// SubscribeResult is one page of a polled subscription.
type SubscribeResult struct {
	// Messages holds rows with ids greater than the caller's lastSeenID,
	// oldest first, bounded by the page limit.
	Messages []*Message

	// NewLastSeenID is the cursor for the next poll. Equal to the input
	// cursor when no new rows arrived.
	NewLastSeenID int64
}

// Store is the durable backing the service requires. Every method is a
// single transaction, durable on return.
type Store interface {
	// Post inserts the message and assigns its monotonic ID and
	// CreatedAt.
	Post(m *Message) error

	// List returns visible messages for the swarm matching the filter,
	// ordered priority descending then createdAt descending.
	List(swarmID string, f ReadFilter) ([]*Message, error)

	// ListSince returns live messages with id greater than afterID,
	// oldest first, optionally narrowed to one topic, capped at limit.
	ListSince(swarmID, topic string, afterID int64, limit int) ([]*Message, error)

	// MarkRead records a per-(message, reader) read row. Re-marking is a
	// no-op.
	MarkRead(ids []int64, reader string) error

	// Archive stamps the given swarm's messages archived. Missing ids
	// are ignored.
	Archive(swarmID string, ids []int64) error

	// ArchiveOlderThan archives live messages created before the cutoff
	// and returns how many were stamped.
	ArchiveOlderThan(swarmID string, cutoff time.Time) (int, error)

	// PurgeArchived physically removes messages archived before the
	// cutoff and returns how many rows were deleted.
	PurgeArchived(cutoff time.Time) (int, error)

	// UnreadCount counts live messages visible to reader that reader has
	// not marked read.
	UnreadCount(swarmID, reader string) (int, error)

	// Stats summarizes the swarm's board.
	Stats(swarmID string) (*Stats, error)
}
