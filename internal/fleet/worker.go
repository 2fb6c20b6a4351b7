// Package fleet defines the domain entities of the orchestrator: workers and
// their lifecycle state machine, swarms, tasks and work items, the stable
// error taxonomy, and the storage contracts those entities persist through.
// The package has no infrastructure dependencies; backends in store/ and the
// services above them both import it.
package fleet

import (
	"time"
)

// DefaultMaxRestarts bounds automatic recovery attempts per worker.
const DefaultMaxRestarts = 3

// Role identifies what kind of agent a worker runs. The set is closed;
// prompt prefixes and scheduling policy key off it.
type Role string

const (
	RoleLead      Role = "lead"
	RoleWorker    Role = "worker"
	RoleScout     Role = "scout"
	RoleArchitect Role = "architect"
	RoleCritic    Role = "critic"
	RoleKraken    Role = "kraken"
	RoleOracle    Role = "oracle"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// IsValid returns true if the role is a recognized worker role.
func (r Role) IsValid() bool {
	switch r {
	case RoleLead, RoleWorker, RoleScout, RoleArchitect, RoleCritic, RoleKraken, RoleOracle:
		return true
	default:
		return false
	}
}

// Status represents the lifecycle state of a worker.
type Status string

const (
	// StatusPending indicates the worker row exists and the subprocess is
	// launching but has not emitted its ready marker.
	StatusPending Status = "pending"

	// StatusReady indicates the worker is idle and can accept a task.
	StatusReady Status = "ready"

	// StatusBusy indicates the worker is actively working a task.
	StatusBusy Status = "busy"

	// StatusStopping indicates a dismissal is in flight: terminate sent,
	// waiting for exit or the hard deadline.
	StatusStopping Status = "stopping"

	// StatusStopped indicates the subprocess has exited; the record is
	// kept until dismissal completes.
	StatusStopped Status = "stopped"

	// StatusError indicates the worker failed (stale heartbeat, spawn
	// failure, restart limit). A human may restart or dismiss it.
	StatusError Status = "error"

	// StatusDismissed is terminal. The record survives with dismissed_at
	// set; the handle becomes reusable.
	StatusDismissed Status = "dismissed"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsValid returns true if the status is a recognized worker status.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusReady, StatusBusy, StatusStopping, StatusStopped, StatusError, StatusDismissed:
		return true
	default:
		return false
	}
}

// IsTerminal returns true when no further automatic transitions occur.
// Error is terminal for supervision purposes; explicit restart or dismiss
// may still move it.
func (s Status) IsTerminal() bool {
	return s == StatusError || s == StatusDismissed
}

// IsRecoverable returns true for statuses that recover() re-spawns after an
// orchestrator restart.
func (s Status) IsRecoverable() bool {
	return s == StatusPending || s == StatusReady || s == StatusBusy
}

// validTransitions encodes the worker state machine. Ready and busy may fall
// back to pending when recovery re-spawns the subprocess after a crash.
var validTransitions = map[Status][]Status{
	StatusPending:   {StatusReady, StatusStopping, StatusStopped, StatusError},
	StatusReady:     {StatusBusy, StatusStopping, StatusStopped, StatusError, StatusPending},
	StatusBusy:      {StatusReady, StatusStopping, StatusStopped, StatusError, StatusPending},
	StatusStopping:  {StatusStopped, StatusError},
	StatusStopped:   {StatusDismissed, StatusPending},
	StatusError:     {StatusPending, StatusStopping, StatusDismissed},
	StatusDismissed: {},
}

// CanTransition reports whether from → to is a legal worker transition.
func CanTransition(from, to Status) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Worker is the durable record of a supervised agent subprocess.
type Worker struct {
	// ID is the generated 128-bit identifier.
	ID string
	// Handle is the caller-chosen name, unique among non-dismissed workers.
	Handle string
	// Role is the worker's agent role from the closed set.
	Role Role
	// Status is the current lifecycle state.
	Status Status
	// SwarmID scopes the worker's blackboard namespace. Empty for loners.
	SwarmID string
	// Depth is the length of the spawn chain from a root request (root=0).
	Depth int
	// InitialPrompt is the task text given at spawn; re-injected on recovery.
	InitialPrompt string
	// WorkDir is where the subprocess runs when no worktree exists.
	WorkDir string
	// WorktreePath is the isolated checkout, empty when worktrees are off.
	WorktreePath string
	// WorktreeBranch is the dedicated branch name for the worktree.
	WorktreeBranch string
	// PID is the subprocess id, 0 when not running.
	PID int
	// RestartCount is how many times recovery has re-spawned this worker.
	RestartCount int
	// LastError holds the most recent failure description, if any.
	LastError string
	// LastHeartbeatAt is when the worker last reported liveness.
	LastHeartbeatAt *time.Time
	// CreatedAt is when the worker was spawned.
	CreatedAt time.Time
	// UpdatedAt is when the record last changed.
	UpdatedAt time.Time
	// DismissedAt is the soft-delete marker; nil while the worker lives.
	DismissedAt *time.Time
}

// NewWorker creates a pending worker with a fresh id. Handle validity and
// uniqueness are enforced by the manager and storage, not here.
func NewWorker(handle string, role Role) *Worker {
	now := time.Now()
	return &Worker{
		ID:        NewID(),
		Handle:    handle,
		Role:      role,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// CanTransitionTo reports whether the worker may move to the given status.
func (w *Worker) CanTransitionTo(to Status) bool {
	return CanTransition(w.Status, to)
}

// TransitionTo moves the worker to the given status, stamping UpdatedAt.
// Returns ErrInvalidState when the move is not legal.
func (w *Worker) TransitionTo(to Status) error {
	if !w.CanTransitionTo(to) {
		return invalidTransition(w.Status, to)
	}
	w.Status = to
	w.UpdatedAt = time.Now()
	if to == StatusDismissed && w.DismissedAt == nil {
		now := time.Now()
		w.DismissedAt = &now
	}
	return nil
}

// IsDismissed returns true once the worker has been soft-deleted.
func (w *Worker) IsDismissed() bool {
	return w.Status == StatusDismissed || w.DismissedAt != nil
}

// ShortID returns the 8-character prefix of the worker id used for worktree
// paths and branch names.
func (w *Worker) ShortID() string {
	return ShortID(w.ID)
}

// RestartExhausted reports whether another automatic restart would exceed
// the limit.
func (w *Worker) RestartExhausted(maxRestarts int) bool {
	if maxRestarts <= 0 {
		maxRestarts = DefaultMaxRestarts
	}
	return w.RestartCount > maxRestarts
}
