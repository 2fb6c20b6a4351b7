package fleet

import "time"

// TaskStatus represents the status of a durable task record.
type TaskStatus string

const (
	TaskOpen       TaskStatus = "open"
	TaskInProgress TaskStatus = "in_progress"
	TaskResolved   TaskStatus = "resolved"
	TaskBlocked    TaskStatus = "blocked"
)

// IsValid returns true if the status is a recognized task status.
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskOpen, TaskInProgress, TaskResolved, TaskBlocked:
		return true
	default:
		return false
	}
}

// Task is a durable unit of work owned by a worker handle.
type Task struct {
	// ID is the generated identifier.
	ID string
	// Subject is the short human description.
	Subject string
	// Status is the current task status.
	Status TaskStatus
	// Owner is the handle responsible for the task, empty when unassigned.
	Owner string
	// BlockedBy lists task ids this task waits on.
	BlockedBy []string
	// Team scopes the task to a swarm, empty for fleet-wide tasks.
	Team string
	// CreatedAt is when the task was created.
	CreatedAt time.Time
	// UpdatedAt is when the record last changed.
	UpdatedAt time.Time
}

// NewTask creates an open task with a fresh id.
func NewTask(subject string) *Task {
	now := time.Now()
	return &Task{
		ID:        NewID(),
		Subject:   subject,
		Status:    TaskOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// TaskAssignment records a worker taking ownership of a task.
type TaskAssignment struct {
	// ID is the monotonically increasing row id.
	ID int64
	// TaskID is the assigned task.
	TaskID string
	// Handle is the worker that took the task.
	Handle string
	// AssignedAt is when the assignment was recorded.
	AssignedAt time.Time
}

// WorkItemStatus represents the status of a work item.
type WorkItemStatus string

const (
	WorkItemPending    WorkItemStatus = "pending"
	WorkItemInProgress WorkItemStatus = "in_progress"
	WorkItemCompleted  WorkItemStatus = "completed"
	WorkItemBlocked    WorkItemStatus = "blocked"
	WorkItemCancelled  WorkItemStatus = "cancelled"
)

// IsValid returns true if the status is a recognized work-item status.
func (s WorkItemStatus) IsValid() bool {
	switch s {
	case WorkItemPending, WorkItemInProgress, WorkItemCompleted, WorkItemBlocked, WorkItemCancelled:
		return true
	default:
		return false
	}
}

// WorkItem is a finer-grained durable unit, optionally grouped into a batch.
type WorkItem struct {
	// ID is the generated identifier.
	ID string
	// BatchID groups the item, empty for loose items.
	BatchID string
	// Subject is the short human description.
	Subject string
	// Status is the current item status.
	Status WorkItemStatus
	// Owner is the handle responsible for the item, empty when unassigned.
	Owner string
	// BlockedBy lists work-item ids this item waits on.
	BlockedBy []string
	// Team scopes the item to a swarm, empty for fleet-wide items.
	Team string
	// CreatedAt is when the item was created.
	CreatedAt time.Time
	// UpdatedAt is when the record last changed.
	UpdatedAt time.Time
}

// NewWorkItem creates a pending work item with a fresh id.
func NewWorkItem(subject string) *WorkItem {
	now := time.Now()
	return &WorkItem{
		ID:        NewID(),
		Subject:   subject,
		Status:    WorkItemPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Batch groups work items so they can be dispatched together. Dispatching
// transitions every pending item in the batch to in_progress atomically.
type Batch struct {
	// ID is the generated identifier.
	ID string
	// Name is the human label for the batch.
	Name string
	// CreatedAt is when the batch was created.
	CreatedAt time.Time
	// DispatchedAt is when the batch was dispatched, nil until then.
	DispatchedAt *time.Time
}

// NewBatch creates an undispatched batch with a fresh id.
func NewBatch(name string) *Batch {
	return &Batch{
		ID:        NewID(),
		Name:      name,
		CreatedAt: time.Now(),
	}
}
