// Package checkpoint implements structured worker state snapshots with an
// accept-or-reject-once lifecycle. Checkpoints feed recovery prompts and
// human review.
package checkpoint

import (
	"time"

	"github.com/zjrosen/hive/internal/fleet"
)

// Status is the checkpoint lifecycle state.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
)

// IsValid returns true if the status is a known value.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusAccepted, StatusRejected:
		return true
	}
	return false
}

// Files lists filesystem effects recorded in a checkpoint.
type Files struct {
	Created  []string `json:"created,omitempty"`
	Modified []string `json:"modified,omitempty"`
}

// Body is the structured content of a checkpoint. Goal is required;
// every other field is optional.
type Body struct {
	// Goal is what the worker is working toward.
	Goal string `json:"goal"`

	// Now is the worker's current activity.
	Now string `json:"now,omitempty"`

	// DoneThisSession lists accomplishments since the last checkpoint.
	DoneThisSession []string `json:"doneThisSession,omitempty"`

	// Blockers lists what is standing in the way.
	Blockers []string `json:"blockers,omitempty"`

	// Questions lists open questions for the recipient.
	Questions []string `json:"questions,omitempty"`

	// Worked lists approaches that worked.
	Worked []string `json:"worked,omitempty"`

	// Failed lists approaches that failed.
	Failed []string `json:"failed,omitempty"`

	// Next lists planned next actions.
	Next []string `json:"next,omitempty"`

	// Files lists created and modified paths.
	Files Files `json:"files,omitempty"`
}

// Checkpoint is one durable snapshot row.
type Checkpoint struct {
	// ID is the monotonically increasing row id, assigned by the store.
	ID int64

	// From is the handle that created the checkpoint.
	From string

	// To is the handle the checkpoint is for. LoadLatest resolves by
	// this field.
	To string

	// FromRole is the sender's role at creation time, recorded for
	// filtering. Empty when unknown.
	FromRole fleet.Role

	// Status is pending until accepted or rejected, exactly once.
	Status Status

	// Body is the structured content.
	Body Body

	// CreatedAt is when the checkpoint was created.
	CreatedAt time.Time

	// ResolvedAt is when the checkpoint was accepted or rejected. Nil
	// while pending.
	ResolvedAt *time.Time
}

// ListFilter narrows piles of checkpoints for one recipient.
type ListFilter struct {
	// Role keeps checkpoints whose sender held this role. Empty keeps
	// all.
	Role fleet.Role

	// Status keeps one lifecycle state. Empty keeps all.
	Status Status

	// Limit caps the result. Zero means the default page size.
	Limit int
}

// Store is the durable backing the service requires. Every method is a
// single transaction, durable on return.
type Store interface {
	// Insert persists a checkpoint, assigning its ID and CreatedAt.
	Insert(cp *Checkpoint) error

	// Get retrieves one checkpoint. Returns ErrNotFound if absent.
	Get(id int64) (*Checkpoint, error)

	// Latest returns the highest-id checkpoint addressed to the handle,
	// regardless of status. Returns ErrNotFound when the handle has none.
	Latest(handle string) (*Checkpoint, error)

	// List returns the handle's checkpoints matching the filter, newest
	// first.
	List(handle string, f ListFilter) ([]*Checkpoint, error)

	// Resolve moves a pending checkpoint to the given terminal status.
	// Returns false without mutating when the checkpoint is already
	// terminal, ErrNotFound when it does not exist.
	Resolve(id int64, status Status, at time.Time) (bool, error)
}
