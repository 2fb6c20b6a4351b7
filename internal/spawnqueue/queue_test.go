package spawnqueue_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/zjrosen/hive/internal/bus"
	"github.com/zjrosen/hive/internal/fleet"
	"github.com/zjrosen/hive/internal/spawnqueue"
	"github.com/zjrosen/hive/internal/store"
	"github.com/zjrosen/hive/internal/testutil"
)

func newQueue(t *testing.T, maxDepth int) (*spawnqueue.Queue, *store.Store, *bus.Bus) {
	t.Helper()
	s := testutil.NewTestStore(t)
	b := bus.New()
	return spawnqueue.NewQueue(s.Queue, b, maxDepth), s, b
}

func TestQueue_EnqueueAssignsIDAndEmits(t *testing.T) {
	q, s, b := newQueue(t, 3)

	var events []bus.Event
	b.On(bus.SpawnQueued, func(e bus.Event) { events = append(events, e) })

	kicked := 0
	q.SetNotify(func() { kicked++ })

	item, err := q.Enqueue(spawnqueue.Request{
		Requester:  "queen",
		TargetRole: fleet.RoleWorker,
		Task:       "build the indexer",
		SwarmID:    "alpha",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, item.ID)
	assert.Equal(t, spawnqueue.StatusPending, item.Status)
	assert.Equal(t, 1, kicked)

	require.Len(t, events, 1)
	assert.Equal(t, item.ID, events[0].Payload.QueueID)
	assert.Equal(t, "queen", events[0].Payload.Handle)
	assert.Equal(t, "alpha", events[0].Payload.SwarmID)

	got, err := s.Queue.Get(item.ID)
	require.NoError(t, err)
	assert.Equal(t, "build the indexer", got.Task)
	assert.NotZero(t, got.Seq)
}

func TestQueue_EnqueueBoundsDepth(t *testing.T) {
	q, s, _ := newQueue(t, 3)

	_, err := q.Enqueue(spawnqueue.Request{Requester: "drone-1", Task: "go deeper", Depth: 4})
	require.ErrorIs(t, err, fleet.ErrDepthExceeded)

	items, err := s.Queue.List(spawnqueue.Filter{})
	require.NoError(t, err)
	assert.Empty(t, items)

	_, err = q.Enqueue(spawnqueue.Request{Requester: "drone-1", Task: "at the edge", Depth: 3})
	require.NoError(t, err)
}

func TestQueue_EnqueueRejectsUnknownRole(t *testing.T) {
	q, _, _ := newQueue(t, 3)

	_, err := q.Enqueue(spawnqueue.Request{
		Requester:  "queen",
		TargetRole: fleet.Role("janitor"),
		Task:       "sweep up",
	})
	require.ErrorIs(t, err, fleet.ErrInvalidState)

	// An empty role is allowed; the launcher applies its default.
	_, err = q.Enqueue(spawnqueue.Request{Requester: "queen", Task: "sweep up"})
	require.NoError(t, err)
}

func TestQueue_EnqueueRefusesCycles(t *testing.T) {
	q, s, _ := newQueue(t, 3)

	_, err := q.Enqueue(spawnqueue.Request{
		ID:        "task-a",
		Requester: "queen",
		Task:      "first",
		DependsOn: []string{"task-b"},
	})
	require.NoError(t, err)

	_, err = q.Enqueue(spawnqueue.Request{
		ID:        "task-b",
		Requester: "queen",
		Task:      "second",
		DependsOn: []string{"task-a"},
	})
	require.ErrorIs(t, err, fleet.ErrDependencyCycle)

	_, err = q.Enqueue(spawnqueue.Request{
		ID:        "task-c",
		Requester: "queen",
		Task:      "self-referential",
		DependsOn: []string{"task-c"},
	})
	require.ErrorIs(t, err, fleet.ErrDependencyCycle)

	// Only the clean item landed.
	items, err := s.Queue.List(spawnqueue.Filter{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "task-a", items[0].ID)
}

func TestQueue_EnqueueDedupesDependencies(t *testing.T) {
	q, s, _ := newQueue(t, 3)

	_, err := q.Enqueue(spawnqueue.Request{ID: "task-a", Requester: "queen", Task: "first"})
	require.NoError(t, err)
	_, err = q.Enqueue(spawnqueue.Request{ID: "task-b", Requester: "queen", Task: "second"})
	require.NoError(t, err)

	item, err := q.Enqueue(spawnqueue.Request{
		ID:        "task-c",
		Requester: "queen",
		Task:      "third",
		DependsOn: []string{"task-a", "task-a", "task-b", "task-a"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"task-a", "task-b"}, item.DependsOn)

	got, err := s.Queue.Get("task-c")
	require.NoError(t, err)
	assert.Equal(t, []string{"task-a", "task-b"}, got.DependsOn)
}

func TestQueue_MarkSpawnedRequiresApproval(t *testing.T) {
	q, s, b := newQueue(t, 3)

	var events []bus.Event
	b.On(bus.SpawnSpawned, func(e bus.Event) { events = append(events, e) })

	item, err := q.Enqueue(spawnqueue.Request{Requester: "queen", Task: "build it"})
	require.NoError(t, err)

	err = q.MarkSpawned(item.ID, "worker-1")
	require.ErrorIs(t, err, fleet.ErrInvalidState)
	assert.Empty(t, events)

	require.NoError(t, s.Queue.UpdateStatus(item.ID, spawnqueue.StatusApproved, ""))
	require.NoError(t, q.MarkSpawned(item.ID, "worker-1"))

	require.Len(t, events, 1)
	assert.Equal(t, item.ID, events[0].Payload.QueueID)
	assert.Equal(t, "worker-1", events[0].Payload.WorkerID)

	got, err := s.Queue.Get(item.ID)
	require.NoError(t, err)
	assert.Equal(t, spawnqueue.StatusSpawned, got.Status)
	assert.Equal(t, "worker-1", got.WorkerID)
	require.NotNil(t, got.SpawnedAt)

	err = q.MarkSpawned(item.ID, "worker-2")
	require.ErrorIs(t, err, fleet.ErrInvalidState)
}

func TestQueue_RejectIsFinal(t *testing.T) {
	q, s, b := newQueue(t, 3)

	var events []bus.Event
	b.On(bus.SpawnRejected, func(e bus.Event) { events = append(events, e) })

	item, err := q.Enqueue(spawnqueue.Request{Requester: "queen", Task: "build it"})
	require.NoError(t, err)

	require.NoError(t, q.Reject(item.ID, "launch failed"))

	require.Len(t, events, 1)
	assert.Equal(t, item.ID, events[0].Payload.QueueID)
	assert.Equal(t, "queen", events[0].Payload.Handle)
	assert.Equal(t, "launch failed", events[0].Payload.Reason)

	got, err := s.Queue.Get(item.ID)
	require.NoError(t, err)
	assert.Equal(t, spawnqueue.StatusRejected, got.Status)
	assert.Equal(t, "launch failed", got.Reason)

	err = q.Reject(item.ID, "again")
	require.ErrorIs(t, err, fleet.ErrInvalidState)

	err = q.Reject("no-such-item", "whatever")
	require.ErrorIs(t, err, fleet.ErrNotFound)
}

func TestQueue_CancelActive(t *testing.T) {
	q, s, _ := newQueue(t, 3)

	pending, err := q.Enqueue(spawnqueue.Request{Requester: "queen", Task: "first"})
	require.NoError(t, err)
	approved, err := q.Enqueue(spawnqueue.Request{Requester: "queen", Task: "second"})
	require.NoError(t, err)
	done, err := q.Enqueue(spawnqueue.Request{Requester: "queen", Task: "third"})
	require.NoError(t, err)

	require.NoError(t, s.Queue.UpdateStatus(approved.ID, spawnqueue.StatusApproved, ""))
	require.NoError(t, s.Queue.UpdateStatus(done.ID, spawnqueue.StatusApproved, ""))
	require.NoError(t, q.MarkSpawned(done.ID, "worker-1"))

	count, err := q.CancelActive("shutdown")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	for _, id := range []string{pending.ID, approved.ID} {
		got, err := s.Queue.Get(id)
		require.NoError(t, err)
		assert.Equal(t, spawnqueue.StatusRejected, got.Status)
		assert.Equal(t, "shutdown", got.Reason)
	}

	got, err := s.Queue.Get(done.ID)
	require.NoError(t, err)
	assert.Equal(t, spawnqueue.StatusSpawned, got.Status)

	count, err = q.CancelActive("shutdown")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestProperty_DepthBoundHolds(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		maxDepth := rapid.IntRange(0, 4).Draw(rt, "maxDepth")
		q, s, _ := newQueue(t, maxDepth)

		admitted := 0
		attempts := rapid.IntRange(1, 25).Draw(rt, "attempts")
		for i := 0; i < attempts; i++ {
			depth := rapid.IntRange(0, 8).Draw(rt, fmt.Sprintf("depth_%d", i))
			_, err := q.Enqueue(spawnqueue.Request{Requester: "queen", Task: "expand", Depth: depth})
			if depth > maxDepth {
				require.ErrorIs(rt, err, fleet.ErrDepthExceeded)
				continue
			}
			require.NoError(rt, err)
			admitted++
		}

		// Nothing past the bound ever reaches the store.
		items, err := s.Queue.List(spawnqueue.Filter{})
		require.NoError(rt, err)
		require.Len(rt, items, admitted)
		for _, it := range items {
			require.LessOrEqual(rt, it.Depth, maxDepth)
		}
	})
}
