package fleet

import "time"

// WorkerEvent is an append-only journal row recording a worker status
// transition.
type WorkerEvent struct {
	// ID is the monotonically increasing row id.
	ID int64
	// WorkerID is the worker whose status changed.
	WorkerID string
	// FromStatus is the status before the transition. Empty on insert.
	FromStatus Status
	// ToStatus is the status after the transition.
	ToStatus Status
	// Reason is the short cause recorded with the transition.
	Reason string
	// CreatedAt is when the transition was recorded.
	CreatedAt time.Time
}

// WorkItemEvent is an append-only journal row recording a work-item status
// transition.
type WorkItemEvent struct {
	// ID is the monotonically increasing row id.
	ID int64
	// WorkItemID is the item whose status changed.
	WorkItemID string
	// FromStatus is the status before the transition. Empty on insert.
	FromStatus WorkItemStatus
	// ToStatus is the status after the transition.
	ToStatus WorkItemStatus
	// Reason is the short cause recorded with the transition.
	Reason string
	// CreatedAt is when the transition was recorded.
	CreatedAt time.Time
}

// WorkerFilter provides filtering options for listing workers.
type WorkerFilter struct {
	// Status filters workers by lifecycle state. If empty, all states.
	Status Status

	// Role filters workers by role. If empty, all roles.
	Role Role

	// SwarmID filters to members of one swarm. If empty, all swarms.
	SwarmID string

	// IncludeDismissed includes soft-deleted workers in results.
	// By default, dismissed workers are excluded.
	IncludeDismissed bool
}

// TaskFilter provides filtering options for listing tasks.
type TaskFilter struct {
	// Status filters tasks by status. If empty, all statuses.
	Status TaskStatus

	// Owner filters to tasks owned by a handle. If empty, all owners.
	Owner string

	// Team filters to one swarm's tasks. If empty, all teams.
	Team string
}

// WorkItemFilter provides filtering options for listing work items.
type WorkItemFilter struct {
	// Status filters items by status. If empty, all statuses.
	Status WorkItemStatus

	// Owner filters to items owned by a handle. If empty, all owners.
	Owner string

	// Team filters to one swarm's items. If empty, all teams.
	Team string

	// BatchID filters to members of one batch. If empty, all batches.
	BatchID string
}

// WorkerStore defines the persistence contract for Worker entities.
// Every method is a single transaction: atomic, durable on return, and
// read-after-write consistent within one backend instance.
type WorkerStore interface {
	// Insert persists a new worker row.
	Insert(w *Worker) error

	// GetByID retrieves a worker by id, dismissed or not.
	// Returns ErrNotFound if no such worker exists.
	GetByID(id string) (*Worker, error)

	// GetByHandle retrieves the non-dismissed worker holding a handle.
	// Returns ErrNotFound when no live worker holds it.
	GetByHandle(handle string) (*Worker, error)

	// GetAnyByHandle retrieves the most recent worker for a handle,
	// dismissed included. Returns ErrNotFound when the handle was never used.
	GetAnyByHandle(handle string) (*Worker, error)

	// List retrieves workers matching the filter, newest first.
	List(filter WorkerFilter) ([]*Worker, error)

	// Count returns how many workers match the filter.
	Count(filter WorkerFilter) (int, error)

	// UpdateStatus transitions a worker's status and appends a journal row
	// carrying the old status, the new one, and the reason.
	UpdateStatus(id string, status Status, reason string) error

	// Heartbeat records liveness for a worker.
	Heartbeat(id string, at time.Time) error

	// UpdatePID records the subprocess id for a worker.
	UpdatePID(id string, pid int) error

	// UpdateWorktree records the worktree path and branch for a worker.
	UpdateWorktree(id, path, branch string) error

	// SetLastError records the most recent failure description.
	SetLastError(id string, msg string) error

	// IncrementRestart bumps the restart counter and returns the new count.
	IncrementRestart(id string) (int, error)

	// Dismiss soft-deletes a worker: status dismissed, dismissed_at set,
	// journal row appended. Idempotent.
	Dismiss(id string, reason string) error

	// DeleteByHandle hard-deletes every row for a handle. Test and admin
	// use only; normal flows dismiss.
	DeleteByHandle(handle string) error

	// GetStale returns live workers whose last heartbeat is older than the
	// cutoff. Workers that never heartbeat are judged by their spawn time.
	GetStale(olderThan time.Duration) ([]*Worker, error)

	// GetRecoverable returns workers whose status is pending, ready, or
	// busy, for startup recovery.
	GetRecoverable() ([]*Worker, error)

	// Events returns the status-transition journal for a worker, oldest
	// first.
	Events(workerID string) ([]WorkerEvent, error)
}

// TaskStore defines the persistence contract for Task entities.
type TaskStore interface {
	// Insert persists a new task.
	Insert(t *Task) error

	// Get retrieves a task by id. Returns ErrNotFound if absent.
	Get(id string) (*Task, error)

	// List retrieves tasks matching the filter, newest first.
	List(filter TaskFilter) ([]*Task, error)

	// UpdateStatus sets a task's status.
	UpdateStatus(id string, status TaskStatus) error

	// Assign records a worker taking the task: owner set, assignment row
	// appended.
	Assign(taskID, handle string) error

	// Assignments returns the assignment history for a task, oldest first.
	Assignments(taskID string) ([]TaskAssignment, error)

	// Block marks the task blocked on the given task ids.
	Block(id string, blockedBy []string) error

	// Unblock clears the blocked list and reopens the task.
	Unblock(id string) error
}

// WorkItemStore defines the persistence contract for WorkItem and Batch
// entities.
type WorkItemStore interface {
	// Insert persists a new work item.
	Insert(item *WorkItem) error

	// Get retrieves a work item by id. Returns ErrNotFound if absent.
	Get(id string) (*WorkItem, error)

	// List retrieves work items matching the filter, newest first.
	List(filter WorkItemFilter) ([]*WorkItem, error)

	// UpdateStatus sets an item's status and appends a journal row.
	UpdateStatus(id string, status WorkItemStatus, reason string) error

	// CreateBatch persists a new batch.
	CreateBatch(b *Batch) error

	// GetBatch retrieves a batch by id. Returns ErrNotFound if absent.
	GetBatch(id string) (*Batch, error)

	// DispatchBatch atomically moves every pending item in the batch to
	// in_progress, stamps the batch, and returns how many items moved.
	DispatchBatch(batchID string) (int, error)

	// Events returns the status-transition journal for an item, oldest
	// first.
	Events(itemID string) ([]WorkItemEvent, error)
}

// SwarmStore defines the persistence contract for Swarm entities.
type SwarmStore interface {
	// Create persists a new swarm.
	Create(s *Swarm) error

	// Get retrieves a swarm by id. Returns ErrNotFound if absent.
	Get(id string) (*Swarm, error)

	// GetByName retrieves a live swarm by name. Returns ErrNotFound if
	// absent.
	GetByName(name string) (*Swarm, error)

	// List retrieves live swarms, newest first.
	List() ([]*Swarm, error)

	// Delete soft-deletes a swarm. Unless force is set, it fails with
	// ErrInvalidState while the swarm still has non-dismissed workers.
	Delete(id string, force bool) error
}
