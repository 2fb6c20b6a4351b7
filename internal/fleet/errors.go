package fleet

import (
	"errors"
	"fmt"
)

// Sentinel errors form the stable failure taxonomy surfaced by every
// component. Callers classify with errors.Is; components wrap these with
// fmt.Errorf("...: %w", err) to add handle/id context.
var (
	// ErrHandleTaken is returned when a non-dismissed worker already holds
	// the requested handle.
	ErrHandleTaken = errors.New("handle already taken")

	// ErrCapacityExceeded is returned when the non-dismissed worker count
	// has reached maxWorkers.
	ErrCapacityExceeded = errors.New("worker capacity exceeded")

	// ErrDepthExceeded is returned when a spawn request's depth is beyond
	// maxDepth.
	ErrDepthExceeded = errors.New("spawn depth exceeded")

	// ErrNotFound is returned when a worker, swarm, task, or message id
	// does not resolve to a record.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState is returned when an operation is not legal for the
	// entity's current status.
	ErrInvalidState = errors.New("invalid state")

	// ErrAccessDenied is returned when a caller operates outside its swarm
	// or on another worker's checkpoint without lead role.
	ErrAccessDenied = errors.New("access denied")

	// ErrWorktreeCreate is returned when worktree provisioning fails for a
	// reason other than the branch already existing.
	ErrWorktreeCreate = errors.New("worktree create failed")

	// ErrSpawnFailed is returned when the worker subprocess could not be
	// launched.
	ErrSpawnFailed = errors.New("spawn failed")

	// ErrStorageIO is returned when the storage backend fails. Components
	// do not catch it; it propagates to the API boundary.
	ErrStorageIO = errors.New("storage failure")

	// ErrSafetyBlocked is returned when a hook refused an operation in
	// enforce mode. Use AsSafetyError to recover hook id and reason.
	ErrSafetyBlocked = errors.New("blocked by safety hook")

	// ErrCancelled is returned on cooperative cancellation. State already
	// durably committed by the operation is kept.
	ErrCancelled = errors.New("cancelled")

	// ErrDependencyCycle is returned when inserting a spawn-queue item
	// whose dependsOn set would form a cycle. The item is not inserted.
	ErrDependencyCycle = errors.New("dependency cycle")

	// ErrNoChanges is returned by worktree commit when the tree is clean.
	ErrNoChanges = errors.New("no changes to commit")
)

// SafetyError reports the hook that refused an operation. It unwraps to
// ErrSafetyBlocked so errors.Is classification holds.
type SafetyError struct {
	HookID   string
	Reason   string
	Severity string
}

func (e *SafetyError) Error() string {
	return fmt.Sprintf("blocked by hook %s: %s", e.HookID, e.Reason)
}

func (e *SafetyError) Unwrap() error {
	return ErrSafetyBlocked
}

// AsSafetyError extracts a SafetyError from err's chain, if present.
func AsSafetyError(err error) (*SafetyError, bool) {
	var se *SafetyError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

func invalidTransition(from, to Status) error {
	return fmt.Errorf("cannot transition from %s to %s: %w", from, to, ErrInvalidState)
}
