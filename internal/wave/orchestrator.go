package wave

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/zjrosen/hive/internal/bus"
	"github.com/zjrosen/hive/internal/config"
	"github.com/zjrosen/hive/internal/fleet"
	"github.com/zjrosen/hive/internal/log"
	"github.com/zjrosen/hive/internal/manager"
)

var (
	// ErrAlreadyRunning is returned when Execute is called while a plan
	// is in flight.
	ErrAlreadyRunning = errors.New("plan execution already running")

	// ErrCancelled is returned from Execute when the run was cancelled
	// before the plan settled.
	ErrCancelled = errors.New("plan execution cancelled")

	// ErrPlanFailed is returned when the iteration budget is exhausted
	// without meeting the success criteria.
	ErrPlanFailed = errors.New("plan did not meet success criteria")
)

// DefaultSuccessPattern matches the conventional completion marker in
// worker output.
const DefaultSuccessPattern = `\bDONE\b`

// SuccessFunc reports whether a line of worker output counts as that
// worker succeeding. Success is a predicate over output, not a fixed
// regex; PatternSuccess builds the regex-based default.
type SuccessFunc func(line string) bool

// PatternSuccess returns a SuccessFunc that matches lines against a
// regular expression.
func PatternSuccess(pattern string) (SuccessFunc, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compiling success pattern %q: %w", pattern, err)
	}
	return func(line string) bool { return re.MatchString(line) }, nil
}

// Fleet is the slice of the worker manager the orchestrator drives.
type Fleet interface {
	Spawn(ctx context.Context, opts manager.SpawnOptions) (*fleet.Worker, error)
	Dismiss(ctx context.Context, handle string, graceful bool) error
}

// Outcome is how one wave worker settled.
type Outcome string

const (
	// OutcomeSuccess means the worker matched the success pattern or
	// its process ran to completion.
	OutcomeSuccess Outcome = "success"
	// OutcomeFailed means the worker errored, exited abnormally, or
	// hit the wave timeout.
	OutcomeFailed Outcome = "failed"
	// OutcomeCancelled means the run was cancelled while the worker
	// was in flight.
	OutcomeCancelled Outcome = "cancelled"
)

// Result records how one wave worker settled.
type Result struct {
	Wave      string
	Handle    string
	WorkerID  string
	Outcome   Outcome
	Reason    string
	Err       error
	Duration  time.Duration
	Iteration int
}

// Succeeded reports whether the worker settled successfully.
func (r Result) Succeeded() bool { return r.Outcome == OutcomeSuccess }

// State describes where a plan run is in its lifecycle.
type State string

const (
	StateIdle      State = "idle"
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateSkipped   State = "skipped"
	StateCancelled State = "cancelled"
)

// WaveStatus is the per-wave view inside Status.
type WaveStatus struct {
	Name      string
	State     State
	Workers   int
	Succeeded int
	Failed    int
}

// Status is a point-in-time snapshot of plan execution.
type Status struct {
	State          State
	CurrentWave    string
	CompletedWaves int
	TotalWaves     int
	Iteration      int
	Waves          []WaveStatus
}

// ExecuteOptions tunes one Execute call.
type ExecuteOptions struct {
	// MaxIterations bounds how many times the plan reruns when the
	// success criteria are not met. Zero means one iteration.
	MaxIterations int

	// SuccessCriteria decides whether an iteration's results satisfy
	// the plan. Nil requires every worker to have succeeded.
	SuccessCriteria func([]Result) bool
}

// settled is the terminal signal for one in-flight worker.
type settled struct {
	outcome Outcome
	reason  string
	err     error
}

// waiter receives a worker's terminal signal. The channel has capacity
// one and is sent to exactly once.
type waiter struct {
	ch    chan settled
	match SuccessFunc
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithSuccessFunc replaces the pattern-based success predicate.
func WithSuccessFunc(fn SuccessFunc) Option {
	return func(o *Orchestrator) { o.success = fn }
}

// WithSwarm places every spawned worker in the given swarm so the plan's
// workers share a blackboard namespace.
func WithSwarm(id string) Option {
	return func(o *Orchestrator) { o.swarmID = id }
}

// Orchestrator executes a plan's waves through the worker manager. One
// orchestrator runs one plan at a time; construct another for a second
// concurrent plan.
type Orchestrator struct {
	fleet   Fleet
	bus     *bus.Bus
	cfg     config.WavesConfig
	success SuccessFunc
	swarmID string

	mu         sync.Mutex
	plan       Plan
	state      State
	iteration  int
	current    string
	waveStates []WaveStatus
	waiters    map[string]*waiter
	cancel     context.CancelFunc
	done       chan struct{}
}

// New creates an orchestrator that runs waves through f and announces
// progress on b. The default success predicate comes from the
// configured pattern, falling back to DefaultSuccessPattern.
func New(f Fleet, b *bus.Bus, cfg config.WavesConfig, opts ...Option) (*Orchestrator, error) {
	if f == nil {
		return nil, errors.New("wave: fleet is required")
	}
	if b == nil {
		return nil, errors.New("wave: bus is required")
	}

	o := &Orchestrator{
		fleet:   f,
		bus:     b,
		cfg:     cfg,
		state:   StateIdle,
		waiters: make(map[string]*waiter),
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.success == nil {
		pattern := cfg.SuccessPattern
		if pattern == "" {
			pattern = DefaultSuccessPattern
		}
		match, err := PatternSuccess(pattern)
		if err != nil {
			return nil, err
		}
		o.success = match
	}

	b.On(bus.WorkerOutput, o.onOutput)
	b.On(bus.WorkerError, o.onError)
	b.On(bus.WorkerStopped, o.onStopped)
	b.On(bus.WorkerStale, o.onStale)
	b.On(bus.WorkerDismissed, o.onDismissed)
	return o, nil
}

// AddWave appends a wave to the plan. Forward references in AfterWaves
// are allowed; the full graph is validated when Execute runs.
func (o *Orchestrator) AddWave(wv Wave) error {
	if wv.Name == "" {
		return errors.New("wave name is required")
	}
	if len(wv.Workers) == 0 {
		return fmt.Errorf("wave %q has no workers", wv.Name)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == StateRunning {
		return ErrAlreadyRunning
	}
	for _, existing := range o.plan.Waves {
		if existing.Name == wv.Name {
			return fmt.Errorf("duplicate wave %q", wv.Name)
		}
	}
	if o.plan.Name == "" {
		o.plan.Name = "adhoc"
	}
	o.plan.Waves = append(o.plan.Waves, wv)
	return nil
}

// SetPlan replaces the orchestrator's plan with a loaded one.
func (o *Orchestrator) SetPlan(p Plan) error {
	if err := p.Validate(); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == StateRunning {
		return ErrAlreadyRunning
	}
	o.plan = p
	return nil
}

// Execute runs the plan until the success criteria are met, the
// iteration budget is exhausted, or the run is cancelled. It blocks for
// the duration of the plan and returns every worker result it
// aggregated across iterations.
func (o *Orchestrator) Execute(ctx context.Context, opts ExecuteOptions) ([]Result, error) {
	o.mu.Lock()
	if o.state == StateRunning {
		o.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	plan := o.plan
	o.mu.Unlock()

	if err := plan.Validate(); err != nil {
		return nil, err
	}
	order := plan.order()
	matchers, err := o.compileMatchers(plan)
	if err != nil {
		return nil, err
	}

	maxIterations := opts.MaxIterations
	if maxIterations < 1 {
		maxIterations = 1
	}
	criteria := opts.SuccessCriteria
	if criteria == nil {
		criteria = allSucceeded
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	o.mu.Lock()
	o.state = StateRunning
	o.iteration = 0
	o.cancel = cancel
	o.done = done
	o.mu.Unlock()

	defer func() {
		cancel()
		o.mu.Lock()
		o.cancel = nil
		o.done = nil
		o.current = ""
		o.mu.Unlock()
		close(done)
	}()

	log.Info(log.CatWave, "plan starting",
		"plan", plan.Name, "waves", len(plan.Waves), "workers", plan.WorkerCount(), "max_iterations", maxIterations)

	var all []Result
	for iteration := 1; iteration <= maxIterations; iteration++ {
		o.beginIteration(plan, order, iteration)

		results, cancelled := o.runIteration(runCtx, plan, order, iteration, matchers)
		all = append(all, results...)
		if cancelled {
			o.setState(StateCancelled)
			log.Warn(log.CatWave, "plan cancelled", "plan", plan.Name, "iteration", iteration)
			return all, ErrCancelled
		}
		if criteria(results) {
			o.setState(StateSucceeded)
			log.Info(log.CatWave, "plan succeeded", "plan", plan.Name, "iteration", iteration)
			return all, nil
		}
		log.Warn(log.CatWave, "iteration fell short",
			"plan", plan.Name, "iteration", iteration, "remaining", maxIterations-iteration)
	}

	o.setState(StateFailed)
	return all, ErrPlanFailed
}

// Cancel aborts the in-flight run, dismisses its workers, and returns
// once execution has settled. Cancelling an idle orchestrator is a
// no-op.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	cancel := o.cancel
	done := o.done
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Status returns a snapshot of the current or most recent run.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()

	s := Status{
		State:       o.state,
		CurrentWave: o.current,
		TotalWaves:  len(o.plan.Waves),
		Iteration:   o.iteration,
		Waves:       make([]WaveStatus, len(o.waveStates)),
	}
	copy(s.Waves, o.waveStates)
	for _, ws := range o.waveStates {
		if ws.State == StateSucceeded {
			s.CompletedWaves++
		}
	}
	return s
}

// runIteration executes every wave once in dependency order. It reports
// whether the iteration was cut short by cancellation.
func (o *Orchestrator) runIteration(ctx context.Context, plan Plan, order []string, iteration int, matchers map[string]SuccessFunc) ([]Result, bool) {
	var results []Result
	succeeded := make(map[string]bool, len(order))
	halted := false

	for _, name := range order {
		if ctx.Err() != nil {
			return results, true
		}

		wv := plan.wave(name)
		if halted || !depsSucceeded(wv, succeeded) {
			o.setWaveState(name, StateSkipped)
			continue
		}

		o.setCurrent(name)
		o.setWaveState(name, StateRunning)
		o.bus.Emit(bus.WaveStart, bus.Payload{Wave: name, Count: len(wv.Workers)})
		log.Info(log.CatWave, "wave starting", "plan", plan.Name, "wave", name, "workers", len(wv.Workers))

		waveResults := o.runWave(ctx, wv, iteration, matchers[name])
		results = append(results, waveResults...)

		failed := 0
		cancelled := 0
		for _, r := range waveResults {
			switch r.Outcome {
			case OutcomeFailed:
				failed++
			case OutcomeCancelled:
				cancelled++
			}
		}
		o.recordWaveCounts(name, len(waveResults)-failed-cancelled, failed)

		switch {
		case cancelled > 0 || ctx.Err() != nil:
			o.setWaveState(name, StateCancelled)
			return results, true
		case failed > 0:
			o.setWaveState(name, StateFailed)
			o.bus.Emit(bus.WaveComplete, bus.Payload{Wave: name, Count: len(waveResults), Reason: "failed"})
			log.Warn(log.CatWave, "wave failed",
				"plan", plan.Name, "wave", name, "failed", failed, "continue", wv.ContinueOnFailure)
			if !wv.ContinueOnFailure {
				halted = true
			}
		default:
			succeeded[name] = true
			o.setWaveState(name, StateSucceeded)
			o.bus.Emit(bus.WaveComplete, bus.Payload{Wave: name, Count: len(waveResults), Reason: "succeeded"})
			log.Info(log.CatWave, "wave complete", "plan", plan.Name, "wave", name)
		}
	}

	return results, false
}

// runWave spawns the wave's workers in parallel and blocks until every
// one of them settles.
func (o *Orchestrator) runWave(ctx context.Context, wv Wave, iteration int, match SuccessFunc) []Result {
	timeout := wv.Timeout(o.cfg.DefaultTimeout())
	results := make([]Result, len(wv.Workers))

	var wg sync.WaitGroup
	for i := range wv.Workers {
		wg.Add(1)
		log.SafeGo(log.CatWave, "wave-worker", func() {
			defer wg.Done()
			results[i] = o.runWorker(ctx, wv, wv.Workers[i], i, iteration, match, timeout)
		})
	}
	wg.Wait()
	return results
}

// runWorker spawns one worker and waits for it to settle: success
// pattern or clean exit, failure, wave timeout, or cancellation. The
// worker is dismissed afterwards so its handle and capacity slot free
// up for later waves and iterations.
func (o *Orchestrator) runWorker(ctx context.Context, wv Wave, spec WorkerSpec, idx, iteration int, match SuccessFunc, timeout time.Duration) Result {
	handle := workerHandle(wv, spec, idx)
	res := Result{Wave: wv.Name, Handle: handle, Iteration: iteration}
	start := time.Now()

	// Register before spawning; output can arrive immediately.
	w := &waiter{ch: make(chan settled, 1), match: match}
	o.mu.Lock()
	o.waiters[handle] = w
	o.mu.Unlock()

	worker, err := o.fleet.Spawn(ctx, manager.SpawnOptions{
		Handle:        handle,
		Role:          specRole(spec),
		InitialPrompt: spec.Prompt,
		Command:       spec.Command,
		SwarmID:       o.swarmID,
		Env:           []string{"WORKER_WAVE=" + wv.Name},
	})
	if err != nil {
		o.claim(handle)
		res.Duration = time.Since(start)
		if ctx.Err() != nil {
			res.Outcome = OutcomeCancelled
			res.Reason = "run cancelled"
			return res
		}
		res.Outcome = OutcomeFailed
		res.Reason = "spawn failed"
		res.Err = err
		o.bus.Emit(bus.WorkerFailed, bus.Payload{Handle: handle, Wave: wv.Name, Reason: res.Reason, Err: err})
		return res
	}
	res.WorkerID = worker.ID

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var s settled
	select {
	case s = <-w.ch:
	case <-timer.C:
		if o.claim(handle) {
			s = settled{outcome: OutcomeFailed, reason: "wave timeout"}
		} else {
			s = <-w.ch
		}
	case <-ctx.Done():
		if o.claim(handle) {
			s = settled{outcome: OutcomeCancelled, reason: "run cancelled"}
		} else {
			s = <-w.ch
		}
	}

	res.Outcome = s.outcome
	res.Reason = s.reason
	res.Err = s.err
	res.Duration = time.Since(start)

	switch s.outcome {
	case OutcomeSuccess:
		o.bus.Emit(bus.WorkerSuccess, bus.Payload{Handle: handle, WorkerID: worker.ID, Wave: wv.Name})
	case OutcomeFailed:
		o.bus.Emit(bus.WorkerFailed, bus.Payload{Handle: handle, WorkerID: worker.ID, Wave: wv.Name, Reason: s.reason, Err: s.err})
	}

	// Dismissal runs on a fresh context: the run context is already
	// dead on the cancellation path.
	dismissCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := o.fleet.Dismiss(dismissCtx, handle, true); err != nil && !errors.Is(err, fleet.ErrNotFound) {
		log.Warn(log.CatWave, "wave worker dismissal failed", "handle", handle, "error", err)
	}
	return res
}

// claim removes the handle's waiter, returning true when this caller
// won the race to settle it.
func (o *Orchestrator) claim(handle string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.waiters[handle]; !ok {
		return false
	}
	delete(o.waiters, handle)
	return true
}

// settle delivers a terminal signal to the handle's waiter, if one is
// still registered. The delete-then-send order keeps the send unique.
func (o *Orchestrator) settle(handle string, s settled) {
	o.mu.Lock()
	w, ok := o.waiters[handle]
	if ok {
		delete(o.waiters, handle)
	}
	o.mu.Unlock()
	if ok {
		w.ch <- s
	}
}

func (o *Orchestrator) onOutput(e bus.Event) {
	o.mu.Lock()
	w := o.waiters[e.Payload.Handle]
	o.mu.Unlock()
	if w == nil || !w.match(e.Payload.Line) {
		return
	}
	o.settle(e.Payload.Handle, settled{outcome: OutcomeSuccess, reason: "success pattern matched"})
}

func (o *Orchestrator) onError(e bus.Event) {
	reason := e.Payload.Reason
	if reason == "" {
		reason = "worker error"
	}
	o.settle(e.Payload.Handle, settled{outcome: OutcomeFailed, reason: reason, err: e.Payload.Err})
}

func (o *Orchestrator) onStopped(e bus.Event) {
	o.settle(e.Payload.Handle, settled{outcome: OutcomeSuccess, reason: "process completed"})
}

func (o *Orchestrator) onStale(e bus.Event) {
	o.settle(e.Payload.Handle, settled{outcome: OutcomeFailed, reason: "worker went stale"})
}

// onDismissed settles workers dismissed out from under the plan. The
// orchestrator's own dismissals never reach a registered waiter.
func (o *Orchestrator) onDismissed(e bus.Event) {
	o.settle(e.Payload.Handle, settled{outcome: OutcomeFailed, reason: "worker dismissed"})
}

// compileMatchers resolves each wave's success predicate up front so a
// bad per-wave pattern fails the whole Execute instead of one worker.
func (o *Orchestrator) compileMatchers(plan Plan) (map[string]SuccessFunc, error) {
	matchers := make(map[string]SuccessFunc, len(plan.Waves))
	for _, wv := range plan.Waves {
		if wv.SuccessPattern == "" {
			matchers[wv.Name] = o.success
			continue
		}
		match, err := PatternSuccess(wv.SuccessPattern)
		if err != nil {
			return nil, fmt.Errorf("wave %q: %w", wv.Name, err)
		}
		matchers[wv.Name] = match
	}
	return matchers, nil
}

func (o *Orchestrator) beginIteration(plan Plan, order []string, iteration int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.iteration = iteration
	o.waveStates = o.waveStates[:0]
	for _, name := range order {
		o.waveStates = append(o.waveStates, WaveStatus{
			Name:    name,
			State:   StatePending,
			Workers: len(plan.wave(name).Workers),
		})
	}
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

func (o *Orchestrator) setCurrent(name string) {
	o.mu.Lock()
	o.current = name
	o.mu.Unlock()
}

func (o *Orchestrator) setWaveState(name string, s State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := range o.waveStates {
		if o.waveStates[i].Name == name {
			o.waveStates[i].State = s
			return
		}
	}
}

func (o *Orchestrator) recordWaveCounts(name string, succeeded, failed int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := range o.waveStates {
		if o.waveStates[i].Name == name {
			o.waveStates[i].Succeeded = succeeded
			o.waveStates[i].Failed = failed
			return
		}
	}
}

// depsSucceeded reports whether every wave this one is after completed
// successfully in the current iteration.
func depsSucceeded(wv Wave, succeeded map[string]bool) bool {
	for _, dep := range wv.AfterWaves {
		if !succeeded[dep] {
			return false
		}
	}
	return true
}

func allSucceeded(results []Result) bool {
	if len(results) == 0 {
		return false
	}
	for _, r := range results {
		if !r.Succeeded() {
			return false
		}
	}
	return true
}

func specRole(spec WorkerSpec) fleet.Role {
	if spec.Role == "" {
		return fleet.RoleWorker
	}
	return spec.Role
}

// workerHandle derives a stable handle for a wave worker, e.g.
// "discover-scout-1".
func workerHandle(wv Wave, spec WorkerSpec, idx int) string {
	if spec.Handle != "" {
		return spec.Handle
	}
	return fmt.Sprintf("%s-%s-%d", wv.Name, specRole(spec), idx+1)
}
