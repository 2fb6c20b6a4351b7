package manager

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zjrosen/hive/internal/hooks"
	"github.com/zjrosen/hive/internal/log"
)

// DefaultQueueCapacity is the default buffer size for the command queue.
const DefaultQueueCapacity = 1000

// ErrQueueFull is returned when the command queue has reached capacity
// or the processor is not running.
var ErrQueueFull = errors.New("command queue is full")

// ErrUnknownCommand is returned when no handler is registered for a
// command's type.
var ErrUnknownCommand = errors.New("unknown command type")

// Handler executes one command.
type Handler interface {
	Handle(ctx context.Context, cmd Command) (*Result, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, cmd Command) (*Result, error)

// Handle calls the function.
func (f HandlerFunc) Handle(ctx context.Context, cmd Command) (*Result, error) {
	return f(ctx, cmd)
}

// Middleware wraps a Handler to add cross-cutting behavior.
type Middleware func(Handler) Handler

// Chain applies middlewares in reverse order so the first listed wraps
// outermost: Chain(h, a, b) runs a(b(h)).
func Chain(handler Handler, middlewares ...Middleware) Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		handler = middlewares[i](handler)
	}
	return handler
}

// queueItem pairs a command with the result channel of a waiting
// submitter. Nil resultCh means fire-and-forget.
type queueItem struct {
	cmd      Command
	resultCh chan *Result
}

// ProcessorOption configures the Processor.
type ProcessorOption func(*Processor)

// WithQueueCapacity sets the command queue buffer capacity.
func WithQueueCapacity(n int) ProcessorOption {
	return func(p *Processor) { p.capacity = n }
}

// WithMiddleware appends middleware applied to every handler, first
// listed outermost.
func WithMiddleware(mw ...Middleware) ProcessorOption {
	return func(p *Processor) { p.middlewares = append(p.middlewares, mw...) }
}

// Processor runs commands sequentially in FIFO order on one goroutine.
// Single-threaded processing is what makes handle uniqueness checks and
// state transitions race-free without per-entity locks.
type Processor struct {
	queue    chan queueItem
	capacity int

	handlers    map[CommandType]Handler
	middlewares []Middleware

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
	started atomic.Bool

	// qmu orders submissions against Drain's queue close.
	qmu sync.RWMutex

	readyCh chan struct{}
	readyMu sync.Mutex
	ready   bool

	processed atomic.Int64
	failed    atomic.Int64
}

// NewProcessor creates a stopped processor. Register handlers, then
// call Run.
func NewProcessor(opts ...ProcessorOption) *Processor {
	p := &Processor{
		capacity: DefaultQueueCapacity,
		handlers: make(map[CommandType]Handler),
		readyCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Register installs a handler for one command type, wrapped with the
// configured middleware. Call before Run.
func (p *Processor) Register(t CommandType, h Handler) {
	p.handlers[t] = Chain(h, p.middlewares...)
}

// Run processes commands until the context is cancelled or Stop is
// called. It blocks; callers run it on its own goroutine. Subsequent
// calls return immediately.
func (p *Processor) Run(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}

	p.ctx, p.cancel = context.WithCancel(ctx)
	p.queue = make(chan queueItem, p.capacity)

	p.wg.Add(1)
	p.running.Store(true)

	p.readyMu.Lock()
	if !p.ready {
		close(p.readyCh)
		p.ready = true
	}
	p.readyMu.Unlock()

	defer func() {
		p.running.Store(false)
		p.wg.Done()
	}()

	for {
		select {
		case <-p.ctx.Done():
			return
		case item, ok := <-p.queue:
			if !ok {
				// Drained.
				return
			}
			p.process(item)
		}
	}
}

// WaitForReady blocks until Run has started accepting commands.
func (p *Processor) WaitForReady(ctx context.Context) error {
	select {
	case <-p.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit enqueues a command without waiting for its result.
func (p *Processor) Submit(cmd Command) error {
	p.qmu.RLock()
	defer p.qmu.RUnlock()
	if !p.running.Load() {
		return ErrQueueFull
	}
	select {
	case p.queue <- queueItem{cmd: cmd}:
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitAndWait enqueues a command and blocks until it has been
// processed, honoring context cancellation. Handler failures come back
// inside the Result, not as the error return.
func (p *Processor) SubmitAndWait(ctx context.Context, cmd Command) (*Result, error) {
	p.qmu.RLock()
	if !p.running.Load() {
		p.qmu.RUnlock()
		return nil, ErrQueueFull
	}

	resultCh := make(chan *Result, 1)
	select {
	case p.queue <- queueItem{cmd: cmd, resultCh: resultCh}:
		p.qmu.RUnlock()
	case <-ctx.Done():
		p.qmu.RUnlock()
		return nil, ctx.Err()
	default:
		p.qmu.RUnlock()
		return nil, ErrQueueFull
	}

	select {
	case res := <-resultCh:
		return res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.ctx.Done():
		return nil, context.Canceled
	}
}

// Stop cancels processing. Pending commands are not run.
func (p *Processor) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// Drain stops accepting new commands, runs everything already queued,
// then returns.
func (p *Processor) Drain() {
	p.qmu.Lock()
	if !p.running.Load() {
		p.qmu.Unlock()
		return
	}
	p.running.Store(false)
	close(p.queue)
	p.qmu.Unlock()
	p.wg.Wait()
}

// IsRunning reports whether the processor accepts commands.
func (p *Processor) IsRunning() bool {
	return p.running.Load()
}

// Processed returns how many commands have been handled.
func (p *Processor) Processed() int64 {
	return p.processed.Load()
}

// Failed returns how many commands ended unsuccessfully.
func (p *Processor) Failed() int64 {
	return p.failed.Load()
}

func (p *Processor) process(item queueItem) {
	result := p.execute(item.cmd)

	p.processed.Add(1)
	if result != nil && !result.Success {
		p.failed.Add(1)
	}

	if item.resultCh != nil {
		item.resultCh <- result
		close(item.resultCh)
	}
}

// execute runs the command pipeline. Handler errors are folded into the
// Result so waiting submitters get exactly one answer.
func (p *Processor) execute(cmd Command) *Result {
	if err := cmd.Validate(); err != nil {
		return &Result{Success: false, Error: err}
	}

	handler, ok := p.handlers[cmd.Type()]
	if !ok {
		return &Result{Success: false, Error: ErrUnknownCommand}
	}

	result, err := handler.Handle(p.ctx, cmd)
	if err != nil {
		return &Result{Success: false, Error: err}
	}
	if result == nil {
		result = &Result{Success: true}
	}
	return result
}

// LoggingMiddleware logs every command after execution with its
// duration and outcome.
func LoggingMiddleware() Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, cmd Command) (*Result, error) {
			start := time.Now()
			result, err := next.Handle(ctx, cmd)
			duration := time.Since(start)

			source := ""
			if s, ok := cmd.(interface{ Source() Source }); ok {
				source = string(s.Source())
			}

			switch {
			case err != nil:
				log.Error(log.CatCmd, "command failed",
					"command_id", cmd.ID(),
					"command_type", cmd.Type().String(),
					"source", source,
					"duration", duration,
					"error", err.Error())
			case result != nil && !result.Success:
				log.Warn(log.CatCmd, "command completed with error result",
					"command_id", cmd.ID(),
					"command_type", cmd.Type().String(),
					"source", source,
					"duration", duration,
					"error", errText(result.Error))
			default:
				log.Debug(log.CatCmd, "command completed",
					"command_id", cmd.ID(),
					"command_type", cmd.Type().String(),
					"source", source,
					"duration", duration)
			}
			return result, err
		})
	}
}

// hookChecker is implemented by commands that carry vettable text.
type hookChecker interface {
	HookContext() (hooks.Context, bool)
}

// HooksMiddleware runs vettable commands through the safety pipeline
// before their handler. In enforce mode a block fails the command with
// the pipeline's SafetyError.
func HooksMiddleware(pipeline *hooks.Pipeline) Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, cmd Command) (*Result, error) {
			if pipeline == nil {
				return next.Handle(ctx, cmd)
			}
			checker, ok := cmd.(hookChecker)
			if !ok {
				return next.Handle(ctx, cmd)
			}
			hctx, ok := checker.HookContext()
			if !ok {
				return next.Handle(ctx, cmd)
			}
			if _, err := pipeline.Check(hctx); err != nil {
				return nil, err
			}
			return next.Handle(ctx, cmd)
		})
	}
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
