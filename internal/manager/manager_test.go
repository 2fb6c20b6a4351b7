package manager

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/hive/internal/blackboard"
	"github.com/zjrosen/hive/internal/bus"
	"github.com/zjrosen/hive/internal/checkpoint"
	"github.com/zjrosen/hive/internal/config"
	"github.com/zjrosen/hive/internal/fleet"
	"github.com/zjrosen/hive/internal/mail"
	"github.com/zjrosen/hive/internal/spawnqueue"
	"github.com/zjrosen/hive/internal/store"
	"github.com/zjrosen/hive/internal/testutil"
)

// holdOpen prints the ready marker and then blocks on stdin, standing in
// for a long-lived agent process.
const holdOpen = "echo ready; exec cat"

func shell(script string) []string {
	return []string{"/bin/sh", "-c", script}
}

// newTestManager builds and starts a manager over a fresh in-memory
// store. mutate may adjust the config and deps before construction.
func newTestManager(t *testing.T, mutate func(*config.Config, *Deps)) (*Manager, *store.Store, *bus.Bus) {
	t.Helper()

	cfg := config.Defaults()
	cfg.Fleet.HeartbeatIntervalMs = 0 // no background sweeping in tests
	cfg.Fleet.GracePeriodMs = 500
	cfg.Worktree.Enabled = false

	s := testutil.NewTestStore(t)
	b := bus.New()
	deps := Deps{
		Store:       s,
		Bus:         b,
		Mail:        mail.NewService(s.Mail, b),
		Checkpoints: checkpoint.NewService(s.Checkpoints),
		Blackboard:  blackboard.NewService(s.Blackboard, b),
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}

	m, err := New(cfg, deps)
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(m.Stop)
	return m, s, b
}

// lineCollector gathers worker:output lines per handle.
type lineCollector struct {
	mu    sync.Mutex
	lines map[string][]string
}

func collectOutput(b *bus.Bus) *lineCollector {
	c := &lineCollector{lines: make(map[string][]string)}
	b.On(bus.WorkerOutput, func(e bus.Event) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.lines[e.Payload.Handle] = append(c.lines[e.Payload.Handle], e.Payload.Line)
	})
	return c
}

func (c *lineCollector) joined(handle string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Join(c.lines[handle], "\n")
}

func waitForStatus(t *testing.T, s *store.Store, handle string, want fleet.Status) *fleet.Worker {
	t.Helper()
	var w *fleet.Worker
	require.Eventually(t, func() bool {
		var err error
		w, err = s.Workers.GetByHandle(handle)
		return err == nil && w.Status == want
	}, 5*time.Second, 10*time.Millisecond, "worker %s never reached %s", handle, want)
	return w
}

func TestManagerSpawnCreatesWorker(t *testing.T) {
	m, s, _ := newTestManager(t, nil)

	w, err := m.Spawn(context.Background(), SpawnOptions{
		Handle:        "builder-1",
		Role:          fleet.RoleWorker,
		InitialPrompt: "build the thing",
		Command:       shell(holdOpen),
	})
	require.NoError(t, err)
	assert.Positive(t, w.PID)
	assert.Equal(t, "builder-1", w.Handle)

	stored, err := s.Workers.GetByHandle("builder-1")
	require.NoError(t, err)
	assert.Equal(t, w.ID, stored.ID)
	assert.Equal(t, "build the thing", stored.InitialPrompt)

	proc, ok := m.Process("builder-1")
	require.True(t, ok)
	assert.Equal(t, w.PID, proc.PID())
}

func TestManagerWorkerBecomesReadyOnMarker(t *testing.T) {
	m, s, b := newTestManager(t, nil)

	readyHandles := make(chan string, 1)
	b.On(bus.WorkerReady, func(e bus.Event) {
		select {
		case readyHandles <- e.Payload.Handle:
		default:
		}
	})

	_, err := m.Spawn(context.Background(), SpawnOptions{
		Handle:  "builder-1",
		Role:    fleet.RoleWorker,
		Command: shell(holdOpen),
	})
	require.NoError(t, err)

	waitForStatus(t, s, "builder-1", fleet.StatusReady)
	select {
	case h := <-readyHandles:
		assert.Equal(t, "builder-1", h)
	case <-time.After(2 * time.Second):
		t.Fatal("worker:ready event never fired")
	}
}

func TestManagerSpawnDuplicateHandle(t *testing.T) {
	m, _, _ := newTestManager(t, nil)

	_, err := m.Spawn(context.Background(), SpawnOptions{
		Handle:  "builder-1",
		Role:    fleet.RoleWorker,
		Command: shell(holdOpen),
	})
	require.NoError(t, err)

	_, err = m.Spawn(context.Background(), SpawnOptions{
		Handle:  "builder-1",
		Role:    fleet.RoleScout,
		Command: shell(holdOpen),
	})
	assert.ErrorIs(t, err, fleet.ErrHandleTaken)
}

func TestManagerSpawnCapacity(t *testing.T) {
	m, _, _ := newTestManager(t, func(c *config.Config, _ *Deps) {
		c.Fleet.MaxWorkers = 1
	})

	_, err := m.Spawn(context.Background(), SpawnOptions{
		Handle:  "only-one",
		Role:    fleet.RoleWorker,
		Command: shell(holdOpen),
	})
	require.NoError(t, err)

	_, err = m.Spawn(context.Background(), SpawnOptions{
		Handle:  "one-too-many",
		Role:    fleet.RoleWorker,
		Command: shell(holdOpen),
	})
	assert.ErrorIs(t, err, fleet.ErrCapacityExceeded)
}

func TestManagerSpawnDepthLimit(t *testing.T) {
	m, s, _ := newTestManager(t, func(c *config.Config, _ *Deps) {
		c.Fleet.MaxDepth = 2
	})

	_, err := m.Spawn(context.Background(), SpawnOptions{
		Handle:  "too-deep",
		Role:    fleet.RoleWorker,
		Depth:   3,
		Command: shell(holdOpen),
	})
	assert.ErrorIs(t, err, fleet.ErrDepthExceeded)

	count, err := s.Workers.Count(fleet.WorkerFilter{})
	require.NoError(t, err)
	assert.Zero(t, count, "rejected spawn must not leave a row")
}

func TestManagerSpawnFailureFreesHandle(t *testing.T) {
	m, s, _ := newTestManager(t, nil)

	_, err := m.Spawn(context.Background(), SpawnOptions{
		Handle:  "ghost",
		Role:    fleet.RoleWorker,
		Command: []string{"/nonexistent/hive-agent"},
	})
	require.ErrorIs(t, err, fleet.ErrSpawnFailed)

	_, err = s.Workers.GetByHandle("ghost")
	assert.ErrorIs(t, err, fleet.ErrNotFound)

	// The handle is reusable after the failed launch.
	_, err = m.Spawn(context.Background(), SpawnOptions{
		Handle:  "ghost",
		Role:    fleet.RoleWorker,
		Command: shell(holdOpen),
	})
	assert.NoError(t, err)
}

func TestManagerDismiss(t *testing.T) {
	m, s, _ := newTestManager(t, nil)

	w, err := m.Spawn(context.Background(), SpawnOptions{
		Handle:  "builder-1",
		Role:    fleet.RoleWorker,
		Command: shell(holdOpen),
	})
	require.NoError(t, err)

	require.NoError(t, m.Dismiss(context.Background(), "builder-1", false))

	_, err = s.Workers.GetByHandle("builder-1")
	assert.ErrorIs(t, err, fleet.ErrNotFound, "dismissed workers do not hold handles")

	prev, err := s.Workers.GetAnyByHandle("builder-1")
	require.NoError(t, err)
	assert.True(t, prev.IsDismissed())
	assert.Equal(t, w.ID, prev.ID)

	_, ok := m.Process("builder-1")
	assert.False(t, ok, "runtime entry must be gone")

	// Dismissing again is a no-op success.
	assert.NoError(t, m.Dismiss(context.Background(), "builder-1", false))
}

func TestManagerDismissGraceful(t *testing.T) {
	m, s, _ := newTestManager(t, nil)

	_, err := m.Spawn(context.Background(), SpawnOptions{
		Handle:  "polite",
		Role:    fleet.RoleWorker,
		Command: shell(holdOpen),
	})
	require.NoError(t, err)
	waitForStatus(t, s, "polite", fleet.StatusReady)

	start := time.Now()
	require.NoError(t, m.Dismiss(context.Background(), "polite", true))
	assert.Less(t, time.Since(start), 3*time.Second, "cat exits on interrupt well inside the grace period")

	prev, err := s.Workers.GetAnyByHandle("polite")
	require.NoError(t, err)
	assert.True(t, prev.IsDismissed())
}

func TestManagerDismissUnknownHandle(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	err := m.Dismiss(context.Background(), "nobody", false)
	assert.ErrorIs(t, err, fleet.ErrNotFound)
}

func TestManagerExitSettlesWorker(t *testing.T) {
	m, s, _ := newTestManager(t, nil)

	_, err := m.Spawn(context.Background(), SpawnOptions{
		Handle:  "one-shot",
		Role:    fleet.RoleWorker,
		Command: shell("echo done"),
	})
	require.NoError(t, err)
	waitForStatus(t, s, "one-shot", fleet.StatusStopped)

	_, err = m.Spawn(context.Background(), SpawnOptions{
		Handle:  "crasher",
		Role:    fleet.RoleWorker,
		Command: shell("exit 5"),
	})
	require.NoError(t, err)
	w := waitForStatus(t, s, "crasher", fleet.StatusError)
	assert.NotEmpty(t, w.LastError)
	assert.Zero(t, w.PID, "pid is cleared once the process settles")
}

func TestManagerRestartRequiresSettledWorker(t *testing.T) {
	m, s, _ := newTestManager(t, nil)

	_, err := m.Spawn(context.Background(), SpawnOptions{
		Handle:  "busy-bee",
		Role:    fleet.RoleWorker,
		Command: shell(holdOpen),
	})
	require.NoError(t, err)
	waitForStatus(t, s, "busy-bee", fleet.StatusReady)

	_, err = m.Restart(context.Background(), "busy-bee")
	assert.ErrorIs(t, err, fleet.ErrInvalidState)
}

func TestManagerRestartAfterCrash(t *testing.T) {
	m, s, _ := newTestManager(t, func(c *config.Config, _ *Deps) {
		c.Fleet.Command = shell(holdOpen)
	})

	_, err := m.Spawn(context.Background(), SpawnOptions{
		Handle:  "phoenix",
		Role:    fleet.RoleWorker,
		Command: shell("exit 3"),
	})
	require.NoError(t, err)
	waitForStatus(t, s, "phoenix", fleet.StatusError)

	w, err := m.Restart(context.Background(), "phoenix")
	require.NoError(t, err)
	assert.Equal(t, 1, w.RestartCount)

	// The restart launches the configured default command, which stays up.
	waitForStatus(t, s, "phoenix", fleet.StatusReady)
}

func TestManagerRestartLimitDismisses(t *testing.T) {
	m, s, _ := newTestManager(t, func(c *config.Config, _ *Deps) {
		c.Fleet.MaxRestarts = 1
		c.Fleet.Command = shell("exit 3")
	})

	_, err := m.Spawn(context.Background(), SpawnOptions{
		Handle:  "doomed",
		Role:    fleet.RoleWorker,
		Command: shell("exit 3"),
	})
	require.NoError(t, err)
	waitForStatus(t, s, "doomed", fleet.StatusError)

	_, err = m.Restart(context.Background(), "doomed")
	require.NoError(t, err)
	waitForStatus(t, s, "doomed", fleet.StatusError)

	_, err = m.Restart(context.Background(), "doomed")
	require.ErrorIs(t, err, fleet.ErrInvalidState)

	prev, err := s.Workers.GetAnyByHandle("doomed")
	require.NoError(t, err)
	assert.True(t, prev.IsDismissed(), "manual restarts over the limit dismiss the worker")
	assert.Contains(t, prev.LastError, "restart limit")
}

func TestManagerSweepExpiresStaleWorkers(t *testing.T) {
	m, s, _ := newTestManager(t, nil)

	old := time.Now().Add(-10 * time.Minute)
	testutil.NewBuilder(t, s).
		WithWorker("sleeper", testutil.WithStatus(fleet.StatusBusy), testutil.WithHeartbeat(old)).
		WithWorker("alive", testutil.WithStatus(fleet.StatusBusy), testutil.WithHeartbeat(time.Now())).
		Build()

	n, err := m.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	swept, err := s.Workers.GetByHandle("sleeper")
	require.NoError(t, err)
	assert.Equal(t, fleet.StatusError, swept.Status)
	assert.Contains(t, swept.LastError, "stale")

	fresh, err := s.Workers.GetByHandle("alive")
	require.NoError(t, err)
	assert.Equal(t, fleet.StatusBusy, fresh.Status)
}

func TestManagerSweepSparesWorkersWithRecentOutput(t *testing.T) {
	m, s, _ := newTestManager(t, nil)

	w, err := m.Spawn(context.Background(), SpawnOptions{
		Handle:  "talker",
		Role:    fleet.RoleWorker,
		Command: shell(holdOpen),
	})
	require.NoError(t, err)
	waitForStatus(t, s, "talker", fleet.StatusReady)

	// The worker never heartbeats, but its process printed the ready
	// marker moments ago. That output is evidence of liveness.
	old := time.Now().Add(-10 * time.Minute)
	require.NoError(t, s.Workers.Heartbeat(w.ID, old))

	n, err := m.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	spared, err := s.Workers.GetByHandle("talker")
	require.NoError(t, err)
	assert.Equal(t, fleet.StatusReady, spared.Status)
	require.NotNil(t, spared.LastHeartbeatAt)
	assert.WithinDuration(t, time.Now(), *spared.LastHeartbeatAt, 5*time.Second)
}

func TestManagerHeartbeatKeepsWorkerAlive(t *testing.T) {
	m, s, _ := newTestManager(t, nil)

	old := time.Now().Add(-10 * time.Minute)
	testutil.NewBuilder(t, s).
		WithWorker("keeper", testutil.WithStatus(fleet.StatusReady), testutil.WithHeartbeat(old)).
		Build()

	require.NoError(t, m.Heartbeat("keeper"))

	n, err := m.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "a fresh heartbeat keeps the worker out of the sweep")

	w, err := s.Workers.GetByHandle("keeper")
	require.NoError(t, err)
	require.NotNil(t, w.LastHeartbeatAt)
	assert.WithinDuration(t, time.Now(), *w.LastHeartbeatAt, 5*time.Second)
}

func TestManagerUpdateState(t *testing.T) {
	m, s, _ := newTestManager(t, nil)

	testutil.NewBuilder(t, s).
		WithWorker("switcher", testutil.WithStatus(fleet.StatusReady)).
		Build()

	require.NoError(t, m.UpdateState(context.Background(), "switcher", fleet.StatusBusy, "took a task"))
	w, err := s.Workers.GetByHandle("switcher")
	require.NoError(t, err)
	assert.Equal(t, fleet.StatusBusy, w.Status)

	err = m.UpdateState(context.Background(), "switcher", fleet.StatusDismissed, "")
	assert.ErrorIs(t, err, fleet.ErrInvalidState, "dismissal only happens through Dismiss")
}

func TestManagerRecoverReinjectsCheckpoint(t *testing.T) {
	var ckptSvc *checkpoint.Service
	m, s, b := newTestManager(t, func(c *config.Config, d *Deps) {
		c.Fleet.Command = shell(holdOpen)
		ckptSvc = d.Checkpoints
	})

	// Rows left behind by a previous orchestrator run.
	testutil.NewBuilder(t, s).
		WithWorker("bob", testutil.WithStatus(fleet.StatusBusy), testutil.WithPrompt("implement X")).
		Build()

	cp, err := ckptSvc.Create(fleet.System, "bob", "bob", fleet.RoleWorker, checkpoint.Body{
		Goal: "implement X",
		Next: []string{"write tests"},
	})
	require.NoError(t, err)
	ok, err := ckptSvc.Accept(cp.ID)
	require.NoError(t, err)
	require.True(t, ok)

	lines := collectOutput(b)

	report, err := m.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Recovered)
	assert.Zero(t, report.Failed)

	w, err := s.Workers.GetByHandle("bob")
	require.NoError(t, err)
	assert.Equal(t, 1, w.RestartCount)

	// The re-spawned process is /bin/cat, so everything injected on stdin
	// comes back as output lines.
	require.Eventually(t, func() bool {
		out := lines.joined("bob")
		return strings.Contains(out, "implement X") && strings.Contains(out, "write tests")
	}, 5*time.Second, 10*time.Millisecond, "recovered prompt must carry the task and the checkpoint")
}

func TestManagerRecoverSkipsExhaustedWorkers(t *testing.T) {
	m, s, _ := newTestManager(t, func(c *config.Config, _ *Deps) {
		c.Fleet.MaxRestarts = 1
		c.Fleet.Command = shell(holdOpen)
	})

	testutil.NewBuilder(t, s).
		WithWorker("worn-out", testutil.WithStatus(fleet.StatusBusy)).
		Build()
	w, err := s.Workers.GetByHandle("worn-out")
	require.NoError(t, err)
	_, err = s.Workers.IncrementRestart(w.ID)
	require.NoError(t, err)

	report, err := m.Recover(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Recovered)
	assert.Equal(t, 1, report.Failed)

	settled, err := s.Workers.GetByHandle("worn-out")
	require.NoError(t, err)
	assert.Equal(t, fleet.StatusError, settled.Status)
	assert.Contains(t, settled.LastError, "restart limit")
}

func TestManagerQueueConsumerLaunchesApprovedItems(t *testing.T) {
	var q *spawnqueue.Queue
	m, s, b := newTestManager(t, func(c *config.Config, d *Deps) {
		c.Fleet.Command = shell(holdOpen)
		c.Fleet.MaxWorkers = 1
		q = spawnqueue.NewQueue(d.Store.Queue, d.Bus, c.Fleet.MaxDepth)
		d.Queue = q
	})

	first, err := q.Enqueue(spawnqueue.Request{
		Requester:  "lead-1",
		TargetRole: fleet.RoleScout,
		Depth:      1,
		Task:       "map the codebase",
		Context:    []byte(`{"area":"storage"}`),
	})
	require.NoError(t, err)
	second, err := q.Enqueue(spawnqueue.Request{
		Requester:  "lead-1",
		TargetRole: fleet.RoleWorker,
		Depth:      1,
		Task:       "will not fit",
	})
	require.NoError(t, err)

	sched := spawnqueue.NewScheduler(s.Queue, s.Workers, b, nil, spawnqueue.SchedulerConfig{MaxWorkers: 10})
	require.NoError(t, sched.Evaluate())

	// The consumer runs synchronously off the spawn:ready event, so both
	// items are settled once Evaluate returns.
	launched, err := q.Get(first.ID)
	require.NoError(t, err)
	assert.Equal(t, spawnqueue.StatusSpawned, launched.Status)
	require.NotEmpty(t, launched.WorkerID)

	w, err := s.Workers.GetByID(launched.WorkerID)
	require.NoError(t, err)
	assert.Equal(t, fleet.RoleScout, w.Role)
	assert.Equal(t, 1, w.Depth)
	assert.Contains(t, w.InitialPrompt, "map the codebase")
	assert.Contains(t, w.InitialPrompt, `"area":"storage"`)

	// The second item hit the worker cap and was rejected, not stranded.
	rejected, err := q.Get(second.ID)
	require.NoError(t, err)
	assert.Equal(t, spawnqueue.StatusRejected, rejected.Status)
	_, err = m.Get(w.Handle)
	assert.NoError(t, err)
}

func TestManagerMailNudgesLiveRecipient(t *testing.T) {
	m, s, b := newTestManager(t, nil)

	_, err := m.Spawn(context.Background(), SpawnOptions{
		Handle:  "bob",
		Role:    fleet.RoleWorker,
		Command: shell(holdOpen),
	})
	require.NoError(t, err)
	waitForStatus(t, s, "bob", fleet.StatusReady)

	lines := collectOutput(b)

	mailSvc := mail.NewService(s.Mail, b)
	_, err = mailSvc.Send("alice", "bob", "the build is red", mail.SendOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return strings.Contains(lines.joined("bob"), "New mail arrived")
	}, 5*time.Second, 10*time.Millisecond)

	unread, err := mailSvc.GetUnread("bob")
	require.NoError(t, err)
	assert.Len(t, unread, 1, "the nudge must not mark the message read")
}

func TestManagerBroadcast(t *testing.T) {
	m, s, _ := newTestManager(t, nil)

	msg, err := m.Broadcast("all hands: freeze merges", "")
	require.NoError(t, err)
	assert.Equal(t, blackboard.TopicBroadcast, msg.Topic)
	assert.Equal(t, blackboard.PriorityHigh, msg.Priority)
	assert.Equal(t, "orchestrator", msg.Sender)
	assert.Contains(t, string(msg.Payload), "freeze merges")

	testutil.NewBuilder(t, s).
		WithSwarm("alpha", 10).
		Build()
	swarm := s.Swarms
	swarms, err := swarm.List()
	require.NoError(t, err)
	require.Len(t, swarms, 1)

	testutil.NewBuilder(t, s).
		WithWorker("lead-1", testutil.WithRole(fleet.RoleLead), testutil.WithSwarm(swarms[0].ID)).
		Build()

	msg, err = m.Broadcast("retro at five", "lead-1")
	require.NoError(t, err)
	assert.Equal(t, "lead-1", msg.Sender)
	assert.Equal(t, swarms[0].ID, msg.SwarmID)
}

func TestManagerOverview(t *testing.T) {
	var q *spawnqueue.Queue
	m, s, _ := newTestManager(t, func(c *config.Config, d *Deps) {
		q = spawnqueue.NewQueue(d.Store.Queue, d.Bus, c.Fleet.MaxDepth)
		d.Queue = q
	})

	testutil.NewBuilder(t, s).
		WithWorker("lead-1", testutil.WithRole(fleet.RoleLead)).
		WithWorker("scout-1", testutil.WithRole(fleet.RoleScout), testutil.WithDepth(1)).
		Build()
	scout, err := s.Workers.GetByHandle("scout-1")
	require.NoError(t, err)

	item, err := q.Enqueue(spawnqueue.Request{Requester: "lead-1", TargetRole: fleet.RoleScout, Depth: 1, Task: "scout"})
	require.NoError(t, err)
	require.NoError(t, s.Queue.UpdateStatus(item.ID, spawnqueue.StatusApproved, ""))
	require.NoError(t, q.MarkSpawned(item.ID, scout.ID))

	overview, err := m.Overview()
	require.NoError(t, err)
	assert.Equal(t, 2, overview.TotalWorkers)
	require.Len(t, overview.Swarms, 1)
	require.Len(t, overview.Swarms[0].Roots, 1, "the scout hangs off the lead, not the root")

	root := overview.Swarms[0].Roots[0]
	assert.Equal(t, "lead-1", root.Worker.Handle)
	require.Len(t, root.Children, 1)
	assert.Equal(t, "scout-1", root.Children[0].Worker.Handle)
}

func TestManagerStopLeavesRowsRecoverable(t *testing.T) {
	cfg := config.Defaults()
	cfg.Fleet.HeartbeatIntervalMs = 0
	cfg.Fleet.GracePeriodMs = 500
	cfg.Fleet.Command = shell(holdOpen)
	cfg.Worktree.Enabled = false

	s := testutil.NewTestStore(t)

	b1 := bus.New()
	m1, err := New(cfg, Deps{Store: s, Bus: b1})
	require.NoError(t, err)
	require.NoError(t, m1.Start(context.Background()))

	w, err := m1.Spawn(context.Background(), SpawnOptions{
		Handle:        "bob",
		Role:          fleet.RoleWorker,
		InitialPrompt: "implement X",
	})
	require.NoError(t, err)
	waitForStatus(t, s, "bob", fleet.StatusReady)

	m1.Stop()

	// The process is gone but the row still reads as live work.
	row, err := s.Workers.GetByHandle("bob")
	require.NoError(t, err)
	assert.True(t, row.Status.IsRecoverable())
	assert.Equal(t, w.ID, row.ID)

	recoverable, err := s.Workers.GetRecoverable()
	require.NoError(t, err)
	require.Len(t, recoverable, 1)

	// A fresh orchestrator picks the worker back up.
	b2 := bus.New()
	m2, err := New(cfg, Deps{Store: s, Bus: b2})
	require.NoError(t, err)
	require.NoError(t, m2.Start(context.Background()))
	t.Cleanup(m2.Stop)

	report, err := m2.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Recovered)

	revived := waitForStatus(t, s, "bob", fleet.StatusReady)
	assert.Equal(t, 1, revived.RestartCount)
	_, ok := m2.Process("bob")
	assert.True(t, ok)
}

func TestManagerLifecycle(t *testing.T) {
	var (
		mailSvc *mail.Service
		ckpts   *checkpoint.Service
	)
	m, s, _ := newTestManager(t, func(_ *config.Config, d *Deps) {
		mailSvc = d.Mail
		ckpts = d.Checkpoints
	})

	// Spawn and wait for the ready marker.
	_, err := m.Spawn(context.Background(), SpawnOptions{
		Handle:        "bob",
		Role:          fleet.RoleWorker,
		InitialPrompt: "implement X",
		Command:       shell(holdOpen),
	})
	require.NoError(t, err)
	waitForStatus(t, s, "bob", fleet.StatusReady)

	// The worker takes a task and reports liveness.
	require.NoError(t, m.UpdateState(context.Background(), "bob", fleet.StatusBusy, "picked up task"))
	require.NoError(t, m.Heartbeat("bob"))

	// Some coordination happens around it.
	_, err = mailSvc.Send("alice", "bob", "watch the flaky test", mail.SendOptions{})
	require.NoError(t, err)
	cp, err := ckpts.Create(fleet.System, "bob", "bob", fleet.RoleWorker, checkpoint.Body{Goal: "implement X"})
	require.NoError(t, err)
	ok, err := ckpts.Accept(cp.ID)
	require.NoError(t, err)
	require.True(t, ok)

	// Dismissal ends the story and frees the handle.
	require.NoError(t, m.Dismiss(context.Background(), "bob", true))
	prev, err := s.Workers.GetAnyByHandle("bob")
	require.NoError(t, err)
	assert.True(t, prev.IsDismissed())

	count, err := s.Workers.Count(fleet.WorkerFilter{})
	require.NoError(t, err)
	assert.Zero(t, count)
}
