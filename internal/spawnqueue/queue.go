// Package spawnqueue implements the durable spawn-request queue and its
// scheduler. Items form a dependency DAG; the scheduler approves items
// whose dependencies have all spawned, bounded by fleet capacity, and
// rejects items a policy rule vetoes.
package spawnqueue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/zjrosen/hive/internal/bus"
	"github.com/zjrosen/hive/internal/dag"
	"github.com/zjrosen/hive/internal/fleet"
	"github.com/zjrosen/hive/internal/log"
)

// Status is the lifecycle state of a spawn-queue item.
type Status string

const (
	// StatusPending means dependencies are unmet or no slot has opened.
	StatusPending Status = "pending"

	// StatusApproved means every dependency has spawned and a fleet slot
	// is reserved; the item awaits a consumer to launch the worker.
	StatusApproved Status = "approved"

	// StatusBlocked means a dependency was rejected or blocked, so the
	// item can never become ready.
	StatusBlocked Status = "blocked"

	// StatusSpawned means the item produced a worker.
	StatusSpawned Status = "spawned"

	// StatusRejected means a policy rule vetoed the item or the
	// orchestrator cancelled it.
	StatusRejected Status = "rejected"
)

// IsValid returns true if the status is a known value.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusBlocked, StatusSpawned, StatusRejected:
		return true
	}
	return false
}

// IsTerminal returns true when the item can no longer change state.
func (s Status) IsTerminal() bool {
	return s == StatusSpawned || s == StatusRejected || s == StatusBlocked
}

// Item is one durable spawn request.
type Item struct {
	// ID is the 128-bit random id, hex rendered.
	ID string

	// Seq is the monotonic insertion counter, assigned by the store.
	// Tie-breaking among equally prioritized items uses it.
	Seq int64

	// Requester is the handle that queued the spawn.
	Requester string

	// TargetRole is the role the new worker should hold.
	TargetRole fleet.Role

	// Depth is the spawn-chain depth of the requested worker.
	Depth int

	// Task is the initial task text for the new worker.
	Task string

	// Context is an optional opaque blob handed to the new worker.
	Context json.RawMessage

	// Priority orders ready items, higher first.
	Priority int

	// DependsOn lists queue-item ids that must spawn before this item.
	DependsOn []string

	// SwarmID is the swarm the new worker joins.
	SwarmID string

	// Status is the scheduling state.
	Status Status

	// WorkerID is the worker the item produced, set by MarkSpawned.
	WorkerID string

	// Reason records why the item was rejected or blocked.
	Reason string

	// CreatedAt is when the item was queued.
	CreatedAt time.Time

	// UpdatedAt is when the item last changed.
	UpdatedAt time.Time

	// SpawnedAt is when the item produced its worker.
	SpawnedAt *time.Time
}

// Filter narrows queue listings.
type Filter struct {
	// Status keeps one lifecycle state. Empty keeps all.
	Status Status

	// SwarmID keeps one swarm's items. Empty keeps all.
	SwarmID string

	// Requester keeps one handle's items. Empty keeps all.
	Requester string
}

// Store is the durable backing the queue requires. Every method is a
// single transaction, durable on return.
type Store interface {
	// Insert persists the item and its dependency rows atomically,
	// assigning Seq and CreatedAt.
	Insert(item *Item) error

	// Get retrieves one item with dependencies loaded. Returns
	// ErrNotFound if absent.
	Get(id string) (*Item, error)

	// List returns items matching the filter in insertion order,
	// dependencies loaded.
	List(f Filter) ([]*Item, error)

	// UpdateStatus sets an item's scheduling state and reason.
	UpdateStatus(id string, status Status, reason string) error

	// MarkSpawned atomically moves an approved item to spawned and
	// records the worker id. Returns false when the item was not
	// approved, ErrNotFound when it does not exist.
	MarkSpawned(id, workerID string, at time.Time) (bool, error)

	// CountByStatus counts items in one state.
	CountByStatus(status Status) (int, error)

	// CancelActive rejects every pending and approved item with the
	// given reason and returns how many changed.
	CancelActive(reason string) (int, error)
}

// Request carries the arguments of an enqueue.
type Request struct {
	// ID optionally fixes the item id so callers can build dependency
	// graphs ahead of insertion. Generated when empty.
	ID string

	Requester  string
	TargetRole fleet.Role
	Depth      int
	Task       string
	Priority   int
	DependsOn  []string
	SwarmID    string
	Context    json.RawMessage
}

// Queue validates and persists spawn requests.
type Queue struct {
	store    Store
	bus      *bus.Bus
	maxDepth int
	notify   func()
}

// NewQueue returns a queue enforcing the given spawn-chain depth bound.
func NewQueue(store Store, b *bus.Bus, maxDepth int) *Queue {
	return &Queue{store: store, bus: b, maxDepth: maxDepth}
}

// SetNotify registers a callback invoked after every queue mutation,
// used to kick the scheduler.
func (q *Queue) SetNotify(fn func()) {
	q.notify = fn
}

func (q *Queue) changed() {
	if q.notify != nil {
		q.notify()
	}
}

// Enqueue validates and inserts a spawn request in pending state. Fails
// with ErrDepthExceeded past the depth bound and ErrDependencyCycle when
// the dependency edges would close a cycle; in both cases nothing is
// inserted.
func (q *Queue) Enqueue(req Request) (*Item, error) {
	if req.Depth > q.maxDepth {
		return nil, fmt.Errorf("depth %d exceeds limit %d: %w", req.Depth, q.maxDepth, fleet.ErrDepthExceeded)
	}
	if req.TargetRole != "" && !req.TargetRole.IsValid() {
		return nil, fmt.Errorf("unknown role %q: %w", req.TargetRole, fleet.ErrInvalidState)
	}

	id := req.ID
	if id == "" {
		id = fleet.NewID()
	}

	deps := dedupe(req.DependsOn)
	if err := q.checkAcyclic(id, deps); err != nil {
		return nil, err
	}

	item := &Item{
		ID:         id,
		Requester:  req.Requester,
		TargetRole: req.TargetRole,
		Depth:      req.Depth,
		Task:       req.Task,
		Context:    req.Context,
		Priority:   req.Priority,
		DependsOn:  deps,
		SwarmID:    req.SwarmID,
		Status:     StatusPending,
	}
	if err := q.store.Insert(item); err != nil {
		return nil, err
	}

	log.Debug(log.CatQueue, "spawn queued",
		"id", fleet.ShortID(id), "requester", req.Requester, "role", string(req.TargetRole), "depth", req.Depth)
	q.bus.Emit(bus.SpawnQueued, bus.Payload{
		QueueID: id,
		Handle:  req.Requester,
		SwarmID: req.SwarmID,
	})

	q.changed()
	return item, nil
}

// checkAcyclic runs cycle detection over the existing queue plus the
// candidate item.
func (q *Queue) checkAcyclic(id string, deps []string) error {
	existing, err := q.store.List(Filter{})
	if err != nil {
		return err
	}

	nodes := make([]dag.Node, 0, len(existing)+1)
	for _, it := range existing {
		nodes = append(nodes, dag.Node{ID: it.ID, DependsOn: it.DependsOn})
	}
	nodes = append(nodes, dag.Node{ID: id, DependsOn: deps})

	if result := dag.DetectCycles(nodes); result.HasCycles {
		return fmt.Errorf("dependencies of %s close a cycle: %w", fleet.ShortID(id), fleet.ErrDependencyCycle)
	}
	return nil
}

// Get retrieves one item.
func (q *Queue) Get(id string) (*Item, error) {
	return q.store.Get(id)
}

// List returns items matching the filter in insertion order.
func (q *Queue) List(f Filter) ([]*Item, error) {
	return q.store.List(f)
}

// MarkSpawned records that a consumer launched a worker for an approved
// item, then kicks the scheduler so downstream items can unblock.
func (q *Queue) MarkSpawned(id, workerID string) error {
	ok, err := q.store.MarkSpawned(id, workerID, time.Now())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("item %s is not approved: %w", fleet.ShortID(id), fleet.ErrInvalidState)
	}

	log.Debug(log.CatQueue, "spawn fulfilled", "id", fleet.ShortID(id), "worker", fleet.ShortID(workerID))
	q.bus.Emit(bus.SpawnSpawned, bus.Payload{
		QueueID:  id,
		WorkerID: workerID,
	})

	q.changed()
	return nil
}

// Reject moves an item to rejected with the given reason. Used by the
// launch consumer when a worker could not be spawned for an approved
// item.
func (q *Queue) Reject(id, reason string) error {
	item, err := q.store.Get(id)
	if err != nil {
		return err
	}
	if item.Status.IsTerminal() {
		return fmt.Errorf("item %s is %s: %w", fleet.ShortID(id), item.Status, fleet.ErrInvalidState)
	}
	if err := q.store.UpdateStatus(id, StatusRejected, reason); err != nil {
		return err
	}

	log.Warn(log.CatQueue, "spawn rejected", "id", fleet.ShortID(id), "reason", reason)
	q.bus.Emit(bus.SpawnRejected, bus.Payload{
		QueueID: id,
		Handle:  item.Requester,
		Reason:  reason,
	})

	q.changed()
	return nil
}

// CancelActive rejects every pending and approved item. Used on
// orchestrator shutdown and plan cancellation.
func (q *Queue) CancelActive(reason string) (int, error) {
	count, err := q.store.CancelActive(reason)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		log.Info(log.CatQueue, "cancelled active spawn requests", "count", count, "reason", reason)
		q.changed()
	}
	return count, nil
}

func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
