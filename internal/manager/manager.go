package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/hive/internal/blackboard"
	"github.com/zjrosen/hive/internal/bus"
	"github.com/zjrosen/hive/internal/checkpoint"
	"github.com/zjrosen/hive/internal/config"
	"github.com/zjrosen/hive/internal/fleet"
	"github.com/zjrosen/hive/internal/hooks"
	"github.com/zjrosen/hive/internal/log"
	"github.com/zjrosen/hive/internal/mail"
	"github.com/zjrosen/hive/internal/spawnqueue"
	"github.com/zjrosen/hive/internal/store"
	"github.com/zjrosen/hive/internal/supervisor"
	"github.com/zjrosen/hive/internal/worktree"
)

// Deps wires the manager's collaborators. Store and Bus are required;
// everything else degrades gracefully when nil.
type Deps struct {
	Store       *store.Store
	Bus         *bus.Bus
	Mail        *mail.Service
	Checkpoints *checkpoint.Service
	Blackboard  *blackboard.Service
	Worktrees   *worktree.Manager
	Hooks       *hooks.Pipeline
	Queue       *spawnqueue.Queue

	// Factory substitutes the subprocess command for tests.
	Factory supervisor.CommandFactoryFunc

	// Middleware is applied outermost around every command handler,
	// ahead of the builtin hooks and logging middleware.
	Middleware []Middleware
}

// procEntry is one live subprocess in the runtime table.
type procEntry struct {
	proc      *supervisor.Process
	workerID  string
	handle    string
	readySeen atomic.Bool
}

// Manager is the worker lifecycle façade. Mutations flow through the
// FIFO command processor; reads hit storage directly.
type Manager struct {
	cfg       config.Config
	store     *store.Store
	bus       *bus.Bus
	board     *blackboard.Service
	worktrees *worktree.Manager
	queue     *spawnqueue.Queue
	factory   supervisor.CommandFactoryFunc

	assembler *Assembler
	processor *Processor
	readyRe   *regexp.Regexp
	promptRe  *regexp.Regexp

	mu    sync.RWMutex
	procs map[string]*procEntry

	runCtx    context.Context
	runCancel context.CancelFunc
	loops     sync.WaitGroup
	pumps     sync.WaitGroup
	started   atomic.Bool
}

// New builds a manager. It compiles the configured output patterns and
// registers the command handlers; call Start to begin processing.
func New(cfg config.Config, deps Deps) (*Manager, error) {
	if deps.Store == nil || deps.Bus == nil {
		return nil, fmt.Errorf("manager requires store and bus: %w", fleet.ErrInvalidState)
	}

	var readyRe, promptRe *regexp.Regexp
	var err error
	if cfg.Fleet.ReadyPattern != "" {
		if readyRe, err = regexp.Compile(cfg.Fleet.ReadyPattern); err != nil {
			return nil, fmt.Errorf("compiling ready pattern: %w", err)
		}
	}
	if cfg.Fleet.PromptPattern != "" {
		if promptRe, err = regexp.Compile(cfg.Fleet.PromptPattern); err != nil {
			return nil, fmt.Errorf("compiling prompt pattern: %w", err)
		}
	}

	m := &Manager{
		cfg:       cfg,
		store:     deps.Store,
		bus:       deps.Bus,
		board:     deps.Blackboard,
		worktrees: deps.Worktrees,
		queue:     deps.Queue,
		factory:   deps.Factory,
		assembler: NewAssembler(deps.Mail, deps.Checkpoints),
		readyRe:   readyRe,
		promptRe:  promptRe,
		procs:     make(map[string]*procEntry),
	}

	middleware := append(append([]Middleware{}, deps.Middleware...),
		HooksMiddleware(deps.Hooks),
		LoggingMiddleware(),
	)
	m.processor = NewProcessor(WithMiddleware(middleware...))
	m.processor.Register(CmdSpawnWorker, HandlerFunc(m.handleSpawn))
	m.processor.Register(CmdDismissWorker, HandlerFunc(m.handleDismiss))
	m.processor.Register(CmdRestartWorker, HandlerFunc(m.handleRestart))
	m.processor.Register(CmdSweepStale, HandlerFunc(m.handleSweep))
	m.processor.Register(CmdWorkerLine, HandlerFunc(m.handleLine))
	m.processor.Register(CmdWorkerExit, HandlerFunc(m.handleExit))
	m.processor.Register(CmdUpdateState, HandlerFunc(m.handleUpdateState))

	return m, nil
}

// Start launches the command loop, the heartbeat sweep, and the bus
// subscriptions. It returns once the processor accepts commands.
func (m *Manager) Start(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return fmt.Errorf("manager already started: %w", fleet.ErrInvalidState)
	}
	m.runCtx, m.runCancel = context.WithCancel(ctx)

	m.loops.Add(1)
	go func() {
		defer m.loops.Done()
		m.processor.Run(m.runCtx)
	}()
	if err := m.processor.WaitForReady(ctx); err != nil {
		return err
	}

	if m.queue != nil {
		m.bus.On(bus.SpawnReady, func(e bus.Event) {
			m.launchQueued(e.Payload.QueueID)
		})
	}
	m.bus.On(bus.MailDelivered, m.nudgeMail)

	if m.cfg.Fleet.HeartbeatIntervalMs > 0 {
		m.loops.Add(1)
		go m.sweepLoop()
	}

	log.Info(log.CatFleet, "manager started",
		"max_workers", m.cfg.Fleet.MaxWorkers,
		"heartbeat_interval", m.cfg.Fleet.HeartbeatInterval())
	return nil
}

// Stop drains queued commands, terminates live subprocesses, and waits
// for every goroutine. Worker rows keep their status so the next boot's
// Recover can re-spawn them.
func (m *Manager) Stop() {
	if !m.started.Load() {
		return
	}

	m.processor.Drain()

	m.mu.Lock()
	entries := make([]*procEntry, 0, len(m.procs))
	for _, e := range m.procs {
		entries = append(entries, e)
	}
	m.procs = make(map[string]*procEntry)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func(e *procEntry) {
			defer wg.Done()
			e.proc.Terminate(m.cfg.Fleet.GracePeriod())
		}(e)
	}
	wg.Wait()

	m.runCancel()
	m.pumps.Wait()
	m.loops.Wait()
	log.Info(log.CatFleet, "manager stopped")
}

// Spawn creates a worker: row, optional worktree, assembled prompt, and
// subprocess. Fails with ErrHandleTaken, ErrCapacityExceeded,
// ErrWorktreeCreate, or ErrSpawnFailed.
func (m *Manager) Spawn(ctx context.Context, opts SpawnOptions) (*fleet.Worker, error) {
	cmd := NewSpawnCommand(opts, SourceAPI)
	cmd.SetSpanContext(trace.SpanContextFromContext(ctx))
	return submit[*fleet.Worker](ctx, m.processor, cmd)
}

// Dismiss terminates a worker and frees its handle. Idempotent.
func (m *Manager) Dismiss(ctx context.Context, handle string, graceful bool) error {
	cmd := NewDismissCommand(handle, graceful, "", SourceAPI)
	cmd.SetSpanContext(trace.SpanContextFromContext(ctx))
	_, err := submit[*fleet.Worker](ctx, m.processor, cmd)
	return err
}

// Restart re-spawns an errored or stopped worker, counting the attempt
// against the restart limit.
func (m *Manager) Restart(ctx context.Context, handle string) (*fleet.Worker, error) {
	cmd := NewRestartCommand(handle, false, SourceAPI)
	cmd.SetSpanContext(trace.SpanContextFromContext(ctx))
	return submit[*fleet.Worker](ctx, m.processor, cmd)
}

// UpdateState applies an explicit worker transition, such as marking a
// ready worker busy when it takes a task.
func (m *Manager) UpdateState(ctx context.Context, handle string, to fleet.Status, reason string) error {
	cmd := NewUpdateStateCommand(handle, to, reason, SourceAPI)
	cmd.SetSpanContext(trace.SpanContextFromContext(ctx))
	_, err := submit[*fleet.Worker](ctx, m.processor, cmd)
	return err
}

// Heartbeat records liveness for a worker.
func (m *Manager) Heartbeat(handle string) error {
	w, err := m.store.Workers.GetByHandle(handle)
	if err != nil {
		return err
	}
	return m.store.Workers.Heartbeat(w.ID, time.Now())
}

// Get returns the live worker holding a handle.
func (m *Manager) Get(handle string) (*fleet.Worker, error) {
	return m.store.Workers.GetByHandle(handle)
}

// List returns workers matching the filter, newest first.
func (m *Manager) List(filter fleet.WorkerFilter) ([]*fleet.Worker, error) {
	return m.store.Workers.List(filter)
}

// Process returns the live subprocess for a handle, if one is running.
func (m *Manager) Process(handle string) (*supervisor.Process, bool) {
	e := m.entry(handle)
	if e == nil {
		return nil, false
	}
	return e.proc, true
}

// SendPrompt writes text to a live worker's stdin.
func (m *Manager) SendPrompt(handle, text string) error {
	e := m.entry(handle)
	if e == nil {
		return fmt.Errorf("worker %s has no live process: %w", handle, fleet.ErrNotFound)
	}
	return e.proc.SendPrompt(text)
}

// Broadcast posts a fleet-wide announcement to the blackboard's
// broadcast topic at high priority. When from names a live worker the
// post lands on that worker's swarm board.
func (m *Manager) Broadcast(message, from string) (*blackboard.Message, error) {
	if m.board == nil {
		return nil, fmt.Errorf("no blackboard configured: %w", fleet.ErrInvalidState)
	}

	sender := from
	swarmID := ""
	if from == "" {
		sender = "orchestrator"
	} else if w, err := m.store.Workers.GetByHandle(from); err == nil {
		swarmID = w.SwarmID
	}

	payload, err := json.Marshal(map[string]string{"message": message})
	if err != nil {
		return nil, fmt.Errorf("encoding broadcast: %w", err)
	}
	return m.board.Post(fleet.System, swarmID, sender, blackboard.TypeDirective, payload, blackboard.PostOptions{
		Topic:    blackboard.TopicBroadcast,
		Priority: blackboard.PriorityHigh,
	})
}

// RecoverReport summarizes a startup recovery pass.
type RecoverReport struct {
	// Recovered counts workers whose subprocess was re-spawned.
	Recovered int
	// Failed counts workers that hit the restart limit or failed to
	// launch; they are left in error state.
	Failed int
}

// Recover re-spawns every worker recorded as pending, ready, or busy,
// typically after an orchestrator restart. Each worker's restart count
// is incremented; workers over the limit are marked error and skipped.
func (m *Manager) Recover(ctx context.Context) (RecoverReport, error) {
	workers, err := m.store.Workers.GetRecoverable()
	if err != nil {
		return RecoverReport{}, err
	}

	var report RecoverReport
	for _, w := range workers {
		res, err := m.processor.SubmitAndWait(ctx, NewRestartCommand(w.Handle, true, SourceInternal))
		if err != nil {
			return report, err
		}
		if !res.Success {
			report.Failed++
			log.Warn(log.CatFleet, "recovery failed",
				"handle", w.Handle, "error", errText(res.Error))
			continue
		}
		report.Recovered++
	}

	if report.Recovered+report.Failed > 0 {
		log.Info(log.CatFleet, "recovery complete",
			"recovered", report.Recovered, "failed", report.Failed)
	}
	return report, nil
}

// Overview assembles the fleet lineage tree: live workers grouped by
// swarm, with parent-child edges from spawn-queue requester links.
func (m *Manager) Overview() (fleet.Overview, error) {
	workers, err := m.store.Workers.List(fleet.WorkerFilter{})
	if err != nil {
		return fleet.Overview{}, err
	}

	var links []fleet.SpawnLink
	if m.queue != nil {
		items, err := m.queue.List(spawnqueue.Filter{Status: spawnqueue.StatusSpawned})
		if err != nil {
			return fleet.Overview{}, err
		}
		for _, item := range items {
			if item.WorkerID != "" {
				links = append(links, fleet.SpawnLink{
					RequesterHandle: item.Requester,
					WorkerID:        item.WorkerID,
				})
			}
		}
	}
	return fleet.BuildOverview(workers, links), nil
}

// Sweep runs one stale-heartbeat pass immediately and returns how many
// workers were expired.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	return submit[int](ctx, m.processor, NewSweepCommand())
}

// launchQueued turns an approved spawn-queue item into a worker. Spawn
// failures reject the item so dependents block rather than wait forever.
func (m *Manager) launchQueued(queueID string) {
	item, err := m.queue.Get(queueID)
	if err != nil {
		log.ErrorErr(log.CatFleet, "loading approved queue item failed", err, "queue_id", fleet.ShortID(queueID))
		return
	}
	if item.Status != spawnqueue.StatusApproved {
		return
	}

	prompt := item.Task
	if len(item.Context) > 0 {
		prompt = fmt.Sprintf("%s\n\nContext:\n%s", item.Task, item.Context)
	}

	opts := SpawnOptions{
		Handle:        fmt.Sprintf("%s-%s", item.TargetRole, fleet.ShortID(item.ID)),
		Role:          item.TargetRole,
		InitialPrompt: prompt,
		SwarmID:       item.SwarmID,
		Depth:         item.Depth,
		UseWorktree:   m.cfg.Worktree.Enabled,
	}
	w, err := submit[*fleet.Worker](m.runCtx, m.processor, NewSpawnCommand(opts, SourceQueue))
	if err != nil {
		log.ErrorErr(log.CatFleet, "queued spawn failed", err, "queue_id", fleet.ShortID(queueID))
		if rerr := m.queue.Reject(item.ID, err.Error()); rerr != nil {
			log.ErrorErr(log.CatFleet, "rejecting queue item failed", rerr, "queue_id", fleet.ShortID(queueID))
		}
		return
	}
	if err := m.queue.MarkSpawned(item.ID, w.ID); err != nil {
		log.ErrorErr(log.CatFleet, "marking queue item spawned failed", err, "queue_id", fleet.ShortID(queueID))
	}
}

// nudgeMail tells a live recipient that mail arrived. The message stays
// unread until the worker fetches it, keeping delivery at-least-once.
func (m *Manager) nudgeMail(e bus.Event) {
	entry := m.entry(e.Payload.Handle)
	if entry == nil {
		return
	}
	note := fmt.Sprintf("New mail arrived (id %d). Check your inbox for details.", e.Payload.MailID)
	if err := entry.proc.SendPrompt(note); err != nil {
		log.Debug(log.CatFleet, "mail nudge failed", "handle", e.Payload.Handle, "error", err)
	}
}

// sweepLoop submits a sweep command on every heartbeat interval.
func (m *Manager) sweepLoop() {
	defer m.loops.Done()
	ticker := time.NewTicker(m.cfg.Fleet.HeartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-m.runCtx.Done():
			return
		case <-ticker.C:
			if err := m.processor.Submit(NewSweepCommand()); err != nil {
				log.Debug(log.CatFleet, "sweep submit failed", "error", err)
			}
		}
	}
}

// entry returns the runtime table entry for a handle, or nil.
func (m *Manager) entry(handle string) *procEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.procs[handle]
}

// takeEntry removes and returns the runtime entry for a handle.
func (m *Manager) takeEntry(handle string) *procEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.procs[handle]
	delete(m.procs, handle)
	return e
}

// removeEntryIfPID removes the runtime entry only when it still refers
// to the process with the given pid, so an exit record for a replaced
// process cannot evict its successor.
func (m *Manager) removeEntryIfPID(handle string, pid int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.procs[handle]; ok && e.proc.PID() == pid {
		delete(m.procs, handle)
	}
}

// submit runs a command through the processor and unwraps its result.
func submit[T any](ctx context.Context, p *Processor, cmd Command) (T, error) {
	var zero T
	res, err := p.SubmitAndWait(ctx, cmd)
	if err != nil {
		return zero, err
	}
	if !res.Success {
		return zero, res.Error
	}
	v, _ := res.Data.(T)
	return v, nil
}
