package spawnqueue_test

import (
	"errors"
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

func newScheduler(t *testing.T, maxWorkers int, policy spawnqueue.Policy) (*spawnqueue.Scheduler, *spawnqueue.Queue, *store.Store, *bus.Bus) {
	t.Helper()
	s := testutil.NewTestStore(t)
	b := bus.New()
	q := spawnqueue.NewQueue(s.Queue, b, 5)
	sched := spawnqueue.NewScheduler(s.Queue, s.Workers, b, policy, spawnqueue.SchedulerConfig{MaxWorkers: maxWorkers})
	return sched, q, s, b
}

func TestScheduler_ApprovesInPriorityOrder(t *testing.T) {
	sched, q, s, b := newScheduler(t, 10, nil)

	var ready []bus.Event
	b.On(bus.SpawnReady, func(e bus.Event) { ready = append(ready, e) })

	for _, spec := range []struct {
		id       string
		priority int
	}{
		{"task-low", 0},
		{"task-high", 5},
		{"task-mid", 2},
	} {
		_, err := q.Enqueue(spawnqueue.Request{
			ID:        spec.id,
			Requester: "queen",
			Task:      "expand the hive",
			Priority:  spec.priority,
		})
		require.NoError(t, err)
	}

	require.NoError(t, sched.Evaluate())

	require.Len(t, ready, 3)
	assert.Equal(t, "task-high", ready[0].Payload.QueueID)
	assert.Equal(t, "task-mid", ready[1].Payload.QueueID)
	assert.Equal(t, "task-low", ready[2].Payload.QueueID)

	count, err := s.Queue.CountByStatus(spawnqueue.StatusApproved)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestScheduler_CapacityCountsLiveAndApproved(t *testing.T) {
	sched, q, s, b := newScheduler(t, 3, nil)

	builder := testutil.NewBuilder(t, s).
		WithWorker("drone-1").
		WithWorker("drone-2")
	builder.Build()

	var ready []bus.Event
	b.On(bus.SpawnReady, func(e bus.Event) { ready = append(ready, e) })

	for i, priority := range []int{3, 2, 1} {
		_, err := q.Enqueue(spawnqueue.Request{
			ID:        fmt.Sprintf("task-%d", i),
			Requester: "queen",
			Task:      "expand the hive",
			Priority:  priority,
		})
		require.NoError(t, err)
	}

	// Two live workers leave one slot under a cap of three.
	require.NoError(t, sched.Evaluate())
	require.Len(t, ready, 1)
	assert.Equal(t, "task-0", ready[0].Payload.QueueID)

	pending, err := s.Queue.CountByStatus(spawnqueue.StatusPending)
	require.NoError(t, err)
	assert.Equal(t, 2, pending)

	// Re-evaluating with no capacity change approves nothing more.
	require.NoError(t, sched.Evaluate())
	assert.Len(t, ready, 1)

	// Dismissing a worker frees a slot for the next item by priority.
	require.NoError(t, s.Workers.Dismiss(builder.Worker("drone-2").ID, "done"))
	require.NoError(t, sched.Evaluate())
	require.Len(t, ready, 2)
	assert.Equal(t, "task-1", ready[1].Payload.QueueID)
}

func TestScheduler_BlocksWhenDependencyDies(t *testing.T) {
	sched, q, s, b := newScheduler(t, 10, nil)

	var ready []bus.Event
	b.On(bus.SpawnReady, func(e bus.Event) { ready = append(ready, e) })

	_, err := q.Enqueue(spawnqueue.Request{ID: "task-a", Requester: "queen", Task: "first"})
	require.NoError(t, err)
	_, err = q.Enqueue(spawnqueue.Request{ID: "task-b", Requester: "queen", Task: "second", DependsOn: []string{"task-a"}})
	require.NoError(t, err)
	_, err = q.Enqueue(spawnqueue.Request{ID: "task-c", Requester: "queen", Task: "third", DependsOn: []string{"task-b"}})
	require.NoError(t, err)

	require.NoError(t, q.Reject("task-a", "launch failed"))

	// One pass buries the whole chain.
	require.NoError(t, sched.Evaluate())
	assert.Empty(t, ready)

	blockedB, err := s.Queue.Get("task-b")
	require.NoError(t, err)
	assert.Equal(t, spawnqueue.StatusBlocked, blockedB.Status)
	assert.Equal(t, "dependency task-a is rejected", blockedB.Reason)

	blockedC, err := s.Queue.Get("task-c")
	require.NoError(t, err)
	assert.Equal(t, spawnqueue.StatusBlocked, blockedC.Status)
	assert.Equal(t, "dependency task-b is blocked", blockedC.Reason)
}

func TestScheduler_UnknownDependencyStaysPending(t *testing.T) {
	sched, q, s, b := newScheduler(t, 10, nil)

	var events []bus.Event
	b.On(bus.SpawnReady, func(e bus.Event) { events = append(events, e) })
	b.On(bus.SpawnRejected, func(e bus.Event) { events = append(events, e) })

	_, err := q.Enqueue(spawnqueue.Request{ID: "task-a", Requester: "queen", Task: "waits forever", DependsOn: []string{"ghost"}})
	require.NoError(t, err)

	require.NoError(t, sched.Evaluate())
	assert.Empty(t, events)

	got, err := s.Queue.Get("task-a")
	require.NoError(t, err)
	assert.Equal(t, spawnqueue.StatusPending, got.Status)
}

func TestScheduler_SpawnedDependencyUnblocks(t *testing.T) {
	sched, q, s, _ := newScheduler(t, 10, nil)

	_, err := q.Enqueue(spawnqueue.Request{ID: "task-a", Requester: "queen", Task: "first"})
	require.NoError(t, err)
	_, err = q.Enqueue(spawnqueue.Request{ID: "task-b", Requester: "queen", Task: "second", DependsOn: []string{"task-a"}})
	require.NoError(t, err)

	// First pass: only the root is dependency-ready.
	require.NoError(t, sched.Evaluate())

	gotA, err := s.Queue.Get("task-a")
	require.NoError(t, err)
	assert.Equal(t, spawnqueue.StatusApproved, gotA.Status)

	gotB, err := s.Queue.Get("task-b")
	require.NoError(t, err)
	assert.Equal(t, spawnqueue.StatusPending, gotB.Status)

	// An approved dependency is not yet satisfied; it must spawn.
	require.NoError(t, sched.Evaluate())
	gotB, err = s.Queue.Get("task-b")
	require.NoError(t, err)
	assert.Equal(t, spawnqueue.StatusPending, gotB.Status)

	require.NoError(t, q.MarkSpawned("task-a", "worker-1"))

	require.NoError(t, sched.Evaluate())
	gotB, err = s.Queue.Get("task-b")
	require.NoError(t, err)
	assert.Equal(t, spawnqueue.StatusApproved, gotB.Status)
}

func TestScheduler_PolicyVetoRejects(t *testing.T) {
	policy := func(item *spawnqueue.Item) error {
		if item.TargetRole == fleet.RoleKraken {
			return errors.New("krakens need operator signoff")
		}
		return nil
	}
	sched, q, s, b := newScheduler(t, 10, policy)

	var rejected []bus.Event
	b.On(bus.SpawnRejected, func(e bus.Event) { rejected = append(rejected, e) })

	_, err := q.Enqueue(spawnqueue.Request{
		ID:         "task-kraken",
		Requester:  "drone-1",
		TargetRole: fleet.RoleKraken,
		Task:       "refactor everything",
	})
	require.NoError(t, err)
	_, err = q.Enqueue(spawnqueue.Request{
		ID:         "task-worker",
		Requester:  "drone-1",
		TargetRole: fleet.RoleWorker,
		Task:       "fix one bug",
	})
	require.NoError(t, err)

	require.NoError(t, sched.Evaluate())

	require.Len(t, rejected, 1)
	assert.Equal(t, "task-kraken", rejected[0].Payload.QueueID)
	assert.Equal(t, "drone-1", rejected[0].Payload.Handle)
	assert.Equal(t, "krakens need operator signoff", rejected[0].Payload.Reason)

	got, err := s.Queue.Get("task-kraken")
	require.NoError(t, err)
	assert.Equal(t, spawnqueue.StatusRejected, got.Status)
	assert.Equal(t, "krakens need operator signoff", got.Reason)

	got, err = s.Queue.Get("task-worker")
	require.NoError(t, err)
	assert.Equal(t, spawnqueue.StatusApproved, got.Status)
}

func TestScheduler_PlanSchedulesUnfinishedWork(t *testing.T) {
	sched, q, _, _ := newScheduler(t, 10, nil)

	_, err := q.Enqueue(spawnqueue.Request{ID: "task-done", Requester: "queen", Task: "already ran"})
	require.NoError(t, err)
	require.NoError(t, sched.Evaluate())
	require.NoError(t, q.MarkSpawned("task-done", "worker-1"))

	_, err = q.Enqueue(spawnqueue.Request{ID: "task-next", Requester: "queen", Task: "follows done", DependsOn: []string{"task-done"}})
	require.NoError(t, err)
	_, err = q.Enqueue(spawnqueue.Request{ID: "task-doomed", Requester: "queen", Task: "cancelled"})
	require.NoError(t, err)
	_, err = q.Enqueue(spawnqueue.Request{ID: "task-child", Requester: "queen", Task: "needs doomed", DependsOn: []string{"task-doomed"}})
	require.NoError(t, err)
	_, err = q.Enqueue(spawnqueue.Request{ID: "task-grandchild", Requester: "queen", Task: "needs child", DependsOn: []string{"task-child"}})
	require.NoError(t, err)
	_, err = q.Enqueue(spawnqueue.Request{ID: "task-solo", Requester: "queen", Task: "independent", Priority: 7})
	require.NoError(t, err)

	require.NoError(t, q.Reject("task-doomed", "operator cancelled"))

	plan, err := sched.Plan()
	require.NoError(t, err)

	// Spawned work drops out, satisfied dependencies drop out, and the
	// doomed subtree is pruned transitively.
	require.True(t, plan.Sort.Valid)
	assert.Equal(t, 2, plan.Sort.NodeCount)
	assert.Equal(t, []string{"task-solo", "task-next"}, plan.Sort.Order)
	assert.Equal(t, [][]string{{"task-solo", "task-next"}}, plan.Sort.Levels)

	assert.InDelta(t, 1.0, plan.Path.TotalDuration, 0.01)
	assert.ElementsMatch(t, []string{"task-solo", "task-next"}, plan.Path.Path)
}

func TestProperty_CapacityNeverExceeded(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		s := testutil.NewTestStore(t)
		b := bus.New()
		q := spawnqueue.NewQueue(s.Queue, b, 5)
		maxWorkers := rapid.IntRange(1, 4).Draw(rt, "maxWorkers")
		sched := spawnqueue.NewScheduler(s.Queue, s.Workers, b, nil, spawnqueue.SchedulerConfig{MaxWorkers: maxWorkers})

		var queued []string
		var live []string
		spawned := 0

		steps := rapid.IntRange(1, 30).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			switch rapid.IntRange(0, 3).Draw(rt, fmt.Sprintf("op_%d", i)) {
			case 0:
				req := spawnqueue.Request{
					Requester: "queen",
					Task:      "expand the hive",
					Priority:  rapid.IntRange(0, 3).Draw(rt, fmt.Sprintf("prio_%d", i)),
				}
				// Depending only on earlier items keeps the graph acyclic.
				if len(queued) > 0 && rapid.Bool().Draw(rt, fmt.Sprintf("dep_%d", i)) {
					pick := rapid.IntRange(0, len(queued)-1).Draw(rt, fmt.Sprintf("dep_idx_%d", i))
					req.DependsOn = []string{queued[pick]}
				}
				item, err := q.Enqueue(req)
				require.NoError(rt, err)
				queued = append(queued, item.ID)
			case 1:
				require.NoError(rt, sched.Evaluate())
			case 2:
				approved, err := s.Queue.List(spawnqueue.Filter{Status: spawnqueue.StatusApproved})
				require.NoError(rt, err)
				if len(approved) == 0 {
					continue
				}
				spawned++
				w := testutil.NewWorker(fmt.Sprintf("drone-%d", spawned))
				require.NoError(rt, s.Workers.Insert(w))
				require.NoError(rt, q.MarkSpawned(approved[0].ID, w.ID))
				live = append(live, w.ID)
			case 3:
				if len(live) == 0 {
					continue
				}
				require.NoError(rt, s.Workers.Dismiss(live[0], "done"))
				live = live[1:]
			}

			approvedCount, err := s.Queue.CountByStatus(spawnqueue.StatusApproved)
			require.NoError(rt, err)
			liveCount, err := s.Workers.Count(fleet.WorkerFilter{})
			require.NoError(rt, err)
			require.LessOrEqual(rt, approvedCount+liveCount, maxWorkers)
		}
	})
}
