// Package manager owns worker lifecycle: spawn, dismiss, restart,
// recovery, heartbeat supervision, and the prompt assembly contract.
// Every mutation is a command processed by a single-threaded FIFO loop,
// which keeps handle uniqueness and state transitions free of lock
// choreography. Reads go straight to storage.
package manager

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/hive/internal/fleet"
	"github.com/zjrosen/hive/internal/hooks"
	"github.com/zjrosen/hive/internal/supervisor"
)

// CommandType routes a command to its handler.
type CommandType string

const (
	// CmdSpawnWorker creates a worker row, its worktree, and subprocess.
	CmdSpawnWorker CommandType = "spawn_worker"
	// CmdDismissWorker terminates a worker and soft-deletes its row.
	CmdDismissWorker CommandType = "dismiss_worker"
	// CmdRestartWorker re-spawns an errored or recoverable worker.
	CmdRestartWorker CommandType = "restart_worker"
	// CmdSweepStale expires workers whose heartbeat went quiet.
	CmdSweepStale CommandType = "sweep_stale"
	// CmdWorkerLine records one line of worker output.
	CmdWorkerLine CommandType = "worker_line"
	// CmdWorkerExit settles a worker whose subprocess ended.
	CmdWorkerExit CommandType = "worker_exit"
	// CmdUpdateState applies an explicit worker state transition.
	CmdUpdateState CommandType = "update_state"
)

// String returns the string representation of the command type.
func (t CommandType) String() string {
	return string(t)
}

// Source identifies where a command originated.
type Source string

const (
	// SourceAPI marks commands from the CLI or a transport adapter.
	SourceAPI Source = "api"
	// SourceInternal marks system-generated commands (sweeps, pumps).
	SourceInternal Source = "internal"
	// SourceQueue marks commands launched for spawn-queue items.
	SourceQueue Source = "queue"
)

// Command is an explicit intent entering the manager. Commands are
// processed strictly in submission order.
type Command interface {
	// ID returns the unique command identifier for log correlation.
	ID() string
	// Type routes the command to its handler.
	Type() CommandType
	// Validate checks preconditions that need no storage access.
	Validate() error
}

// BaseCommand provides the common fields. Concrete commands embed it.
type BaseCommand struct {
	id        string
	cmdType   CommandType
	source    Source
	createdAt time.Time
	span      trace.SpanContext
}

// NewBaseCommand stamps a fresh command envelope.
func NewBaseCommand(t CommandType, source Source) BaseCommand {
	return BaseCommand{
		id:        uuid.New().String(),
		cmdType:   t,
		source:    source,
		createdAt: time.Now(),
	}
}

// ID returns the unique command identifier.
func (b *BaseCommand) ID() string { return b.id }

// Type returns the command type for handler routing.
func (b *BaseCommand) Type() CommandType { return b.cmdType }

// Source returns where the command originated.
func (b *BaseCommand) Source() Source { return b.source }

// CreatedAt returns when the command was created.
func (b *BaseCommand) CreatedAt() time.Time { return b.createdAt }

// SpanContext returns the trace context captured at submission.
func (b *BaseCommand) SpanContext() trace.SpanContext { return b.span }

// SetSpanContext records the submitter's trace context so handler spans
// parent correctly across the queue hop.
func (b *BaseCommand) SetSpanContext(sc trace.SpanContext) { b.span = sc }

// Validate is a no-op; concrete commands override it.
func (b *BaseCommand) Validate() error { return nil }

// Result is the outcome of one command.
type Result struct {
	// Success is false when the handler returned or wrapped an error.
	Success bool
	// Error carries the failure when Success is false.
	Error error
	// Data carries the handler's return value, if any.
	Data any
}

// SpawnOptions parameterizes a spawn request.
type SpawnOptions struct {
	// Handle is the caller-chosen worker name, unique among live workers.
	Handle string
	// Role is the worker's agent role.
	Role fleet.Role
	// InitialPrompt is the task text injected at launch.
	InitialPrompt string
	// WorkDir is where the subprocess runs when no worktree is created.
	WorkDir string
	// UseWorktree requests an isolated git worktree for the worker.
	UseWorktree bool
	// SwarmID scopes the worker's blackboard namespace.
	SwarmID string
	// Depth is the spawn-chain depth, root = 0.
	Depth int
	// Command overrides the configured agent command vector.
	Command []string
	// Env appends extra KEY=VALUE pairs to the subprocess environment.
	Env []string
}

// SpawnCommand creates a new worker.
type SpawnCommand struct {
	BaseCommand
	Opts SpawnOptions
}

// NewSpawnCommand builds a spawn command from the given options.
func NewSpawnCommand(opts SpawnOptions, source Source) *SpawnCommand {
	return &SpawnCommand{BaseCommand: NewBaseCommand(CmdSpawnWorker, source), Opts: opts}
}

// Validate checks the storage-independent spawn preconditions.
func (c *SpawnCommand) Validate() error {
	if c.Opts.Handle == "" {
		return fmt.Errorf("spawn requires a handle: %w", fleet.ErrInvalidState)
	}
	if !c.Opts.Role.IsValid() {
		return fmt.Errorf("unknown role %q: %w", c.Opts.Role, fleet.ErrInvalidState)
	}
	if c.Opts.Depth < 0 {
		return fmt.Errorf("negative spawn depth %d: %w", c.Opts.Depth, fleet.ErrInvalidState)
	}
	return nil
}

// HookContext exposes the task text for safety vetting.
func (c *SpawnCommand) HookContext() (hooks.Context, bool) {
	if c.Opts.InitialPrompt == "" {
		return hooks.Context{}, false
	}
	return hooks.Context{
		Type:    hooks.OpBashCommand,
		Command: c.Opts.InitialPrompt,
		Handle:  c.Opts.Handle,
	}, true
}

// DismissCommand terminates a worker and frees its handle.
type DismissCommand struct {
	BaseCommand
	Handle   string
	Graceful bool
	Reason   string
}

// NewDismissCommand builds a dismissal for the given handle.
func NewDismissCommand(handle string, graceful bool, reason string, source Source) *DismissCommand {
	return &DismissCommand{
		BaseCommand: NewBaseCommand(CmdDismissWorker, source),
		Handle:      handle,
		Graceful:    graceful,
		Reason:      reason,
	}
}

// Validate checks the dismissal has a target.
func (c *DismissCommand) Validate() error {
	if c.Handle == "" {
		return fmt.Errorf("dismiss requires a handle: %w", fleet.ErrInvalidState)
	}
	return nil
}

// RestartCommand re-spawns a worker's subprocess. Recovery restarts are
// issued in bulk at startup; manual restarts target errored workers.
type RestartCommand struct {
	BaseCommand
	Handle string
	// Recovery marks a startup recovery restart, which accepts workers
	// still recorded as pending, ready, or busy.
	Recovery bool
}

// NewRestartCommand builds a restart for the given handle.
func NewRestartCommand(handle string, recovery bool, source Source) *RestartCommand {
	return &RestartCommand{
		BaseCommand: NewBaseCommand(CmdRestartWorker, source),
		Handle:      handle,
		Recovery:    recovery,
	}
}

// Validate checks the restart has a target.
func (c *RestartCommand) Validate() error {
	if c.Handle == "" {
		return fmt.Errorf("restart requires a handle: %w", fleet.ErrInvalidState)
	}
	return nil
}

// SweepCommand expires workers with stale heartbeats.
type SweepCommand struct {
	BaseCommand
}

// NewSweepCommand builds a heartbeat sweep.
func NewSweepCommand() *SweepCommand {
	return &SweepCommand{BaseCommand: NewBaseCommand(CmdSweepStale, SourceInternal)}
}

// LineCommand records one line of worker output.
type LineCommand struct {
	BaseCommand
	Handle   string
	WorkerID string
	Line     string
}

// NewLineCommand builds an output-line record.
func NewLineCommand(handle, workerID, line string) *LineCommand {
	return &LineCommand{
		BaseCommand: NewBaseCommand(CmdWorkerLine, SourceInternal),
		Handle:      handle,
		WorkerID:    workerID,
		Line:        line,
	}
}

// ExitCommand settles a worker whose subprocess ended. PID identifies
// which process exited so a record outliving a restart is ignored.
type ExitCommand struct {
	BaseCommand
	Handle     string
	WorkerID   string
	PID        int
	ProcStatus supervisor.Status
	Err        error
}

// NewExitCommand builds an exit record from the settled process state.
func NewExitCommand(handle, workerID string, pid int, procStatus supervisor.Status, err error) *ExitCommand {
	return &ExitCommand{
		BaseCommand: NewBaseCommand(CmdWorkerExit, SourceInternal),
		Handle:      handle,
		WorkerID:    workerID,
		PID:         pid,
		ProcStatus:  procStatus,
		Err:         err,
	}
}

// UpdateStateCommand applies an explicit worker state transition, such
// as a worker reporting busy or ready.
type UpdateStateCommand struct {
	BaseCommand
	Handle string
	To     fleet.Status
	Reason string
}

// NewUpdateStateCommand builds an explicit transition.
func NewUpdateStateCommand(handle string, to fleet.Status, reason string, source Source) *UpdateStateCommand {
	return &UpdateStateCommand{
		BaseCommand: NewBaseCommand(CmdUpdateState, source),
		Handle:      handle,
		To:          to,
		Reason:      reason,
	}
}

// Validate checks the transition request shape.
func (c *UpdateStateCommand) Validate() error {
	if c.Handle == "" {
		return fmt.Errorf("state update requires a handle: %w", fleet.ErrInvalidState)
	}
	if !c.To.IsValid() {
		return fmt.Errorf("unknown status %q: %w", c.To, fleet.ErrInvalidState)
	}
	return nil
}
