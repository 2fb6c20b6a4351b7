// Package mail implements directed worker-to-worker messages and
// accept-once handoffs. Rows are ordered by monotonic id per recipient.
// Unread mail is injected into a worker's prompt at spawn but is only
// marked read by the worker's own actions, keeping delivery at-least-once
// across crashes.
package mail

import (
	"encoding/json"
	"time"
)

// MaxHandoffContext bounds the size of a handoff's context blob.
const MaxHandoffContext = 64 * 1024

// Message is one directed mail row.
type Message struct {
	// ID is the monotonically increasing row id, assigned by the store.
	ID int64

	// From is the sending handle.
	From string

	// To is the receiving handle.
	To string

	// Subject is an optional one-line summary.
	Subject string

	// Body is the message text.
	Body string

	// ReadAt is when the recipient marked the message read. Nil means
	// unread.
	ReadAt *time.Time

	// CreatedAt is when the message was sent.
	CreatedAt time.Time
}

// Handoff is a directed, accept-once transfer of opaque context.
type Handoff struct {
	// ID is the monotonically increasing row id, assigned by the store.
	ID int64

	// From is the handle handing off.
	From string

	// To is the handle receiving.
	To string

	// Context is the opaque structured blob being transferred.
	Context json.RawMessage

	// AcceptedAt is when the recipient accepted. Nil means pending;
	// rejection is implicit by never accepting.
	AcceptedAt *time.Time

	// CreatedAt is when the handoff was created.
	CreatedAt time.Time
}

// Accepted reports whether the handoff has been accepted.
func (h *Handoff) Accepted() bool {
	return h.AcceptedAt != nil
}

// Store is the durable backing the service requires. Every method is a
// single transaction, durable on return.
type Store interface {
	// Insert persists a message, assigning its ID and CreatedAt.
	Insert(m *Message) error

	// Get retrieves one message. Returns ErrNotFound if absent.
	Get(id int64) (*Message, error)

	// GetUnread returns the recipient's unread mail, oldest first.
	GetUnread(handle string) ([]*Message, error)

	// GetAll returns the recipient's mail, newest first, capped at limit.
	GetAll(handle string, limit int) ([]*Message, error)

	// MarkRead stamps one message read. Idempotent; returns ErrNotFound
	// if the message does not exist.
	MarkRead(id int64, at time.Time) error

	// MarkAllRead stamps every unread message for the handle and returns
	// how many changed.
	MarkAllRead(handle string, at time.Time) (int, error)

	// InsertHandoff persists a handoff, assigning its ID and CreatedAt.
	InsertHandoff(h *Handoff) error

	// GetHandoff retrieves one handoff. Returns ErrNotFound if absent.
	GetHandoff(id int64) (*Handoff, error)

	// AcceptHandoff stamps the handoff accepted. Returns false when it
	// was already accepted, ErrNotFound when it does not exist.
	AcceptHandoff(id int64, at time.Time) (bool, error)

	// PendingHandoffs returns the recipient's un-accepted handoffs,
	// oldest first.
	PendingHandoffs(handle string) ([]*Handoff, error)
}
