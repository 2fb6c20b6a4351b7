package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"time"

	"github.com/zjrosen/hive/internal/fleet"
	"github.com/zjrosen/hive/internal/log"
)

// CommandFactoryFunc creates an exec.Cmd for testing purposes.
// It receives the context, executable path, and arguments.
type CommandFactoryFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

// SpawnBuilder provides a fluent API for launching worker subprocesses.
// It consolidates the spawn boilerplate (context setup, pipe creation,
// environment, process start) behind one Build call.
type SpawnBuilder struct {
	ctx            context.Context
	timeout        time.Duration
	command        []string
	workDir        string
	workerID       string
	handle         string
	role           fleet.Role
	env            []string
	captureStderr  bool
	needsStdin     bool
	idleWindow     time.Duration
	promptPattern  *regexp.Regexp
	ringSize       int
	commandFactory CommandFactoryFunc
}

// NewSpawnBuilder creates a SpawnBuilder with the given context. Stdin
// and stderr capture default to enabled; prompt injection needs the
// former and exit diagnostics want the latter.
func NewSpawnBuilder(ctx context.Context) *SpawnBuilder {
	return &SpawnBuilder{
		ctx:           ctx,
		captureStderr: true,
		needsStdin:    true,
	}
}

// WithCommand sets the command vector. The first element is the
// executable, the rest are arguments.
func (b *SpawnBuilder) WithCommand(command []string) *SpawnBuilder {
	b.command = command
	return b
}

// WithWorkDir sets the working directory for the process.
func (b *SpawnBuilder) WithWorkDir(dir string) *SpawnBuilder {
	b.workDir = dir
	return b
}

// WithWorker sets the worker identity injected as WORKER_ID,
// WORKER_HANDLE, and WORKER_ROLE environment variables.
func (b *SpawnBuilder) WithWorker(id, handle string, role fleet.Role) *SpawnBuilder {
	b.workerID = id
	b.handle = handle
	b.role = role
	return b
}

// WithEnv appends additional "KEY=VALUE" environment variables.
func (b *SpawnBuilder) WithEnv(env []string) *SpawnBuilder {
	b.env = env
	return b
}

// WithTimeout bounds the process lifetime. Zero or negative means no
// deadline, only cancellation.
func (b *SpawnBuilder) WithTimeout(d time.Duration) *SpawnBuilder {
	b.timeout = d
	return b
}

// WithStderrCapture toggles stderr line capture for error messages.
func (b *SpawnBuilder) WithStderrCapture(capture bool) *SpawnBuilder {
	b.captureStderr = capture
	return b
}

// WithStdin toggles stdin pipe creation.
func (b *SpawnBuilder) WithStdin(enabled bool) *SpawnBuilder {
	b.needsStdin = enabled
	return b
}

// WithIdleDetection configures the observer's idle heuristic.
func (b *SpawnBuilder) WithIdleDetection(window time.Duration, promptPattern *regexp.Regexp) *SpawnBuilder {
	b.idleWindow = window
	b.promptPattern = promptPattern
	return b
}

// WithRingSize overrides the retained output history size.
func (b *SpawnBuilder) WithRingSize(n int) *SpawnBuilder {
	b.ringSize = n
	return b
}

// WithCommandFactory sets a custom command factory for testing.
// This allows unit tests to substitute exec.Command without spawning
// real worker processes.
func (b *SpawnBuilder) WithCommandFactory(fn CommandFactoryFunc) *SpawnBuilder {
	b.commandFactory = fn
	return b
}

// Build validates the configuration, starts the process, and returns a
// running Process. On error, all created resources are cleaned up.
func (b *SpawnBuilder) Build() (*Process, error) {
	if len(b.command) == 0 {
		return nil, fmt.Errorf("spawn builder: command is required")
	}

	// Create context with timeout or cancel-only
	var procCtx context.Context
	var cancel context.CancelFunc
	if b.timeout > 0 {
		procCtx, cancel = context.WithTimeout(b.ctx, b.timeout)
	} else {
		procCtx, cancel = context.WithCancel(b.ctx)
	}

	// Track resources for cleanup on error
	var cmd *exec.Cmd
	var stdin io.WriteCloser
	var stdout io.ReadCloser
	var stderr io.ReadCloser

	cleanup := func() {
		cancel()
		if stdin != nil {
			_ = stdin.Close()
		}
		if stdout != nil {
			_ = stdout.Close()
		}
		if stderr != nil {
			_ = stderr.Close()
		}
	}

	if b.commandFactory != nil {
		cmd = b.commandFactory(procCtx, b.command[0], b.command[1:]...)
	} else {
		// #nosec G204 -- the command vector comes from configuration, not user input
		cmd = exec.CommandContext(procCtx, b.command[0], b.command[1:]...)
	}
	cmd.Dir = b.workDir

	env := append(os.Environ(),
		"WORKER_ID="+b.workerID,
		"WORKER_HANDLE="+b.handle,
		"WORKER_ROLE="+string(b.role),
	)
	cmd.Env = append(env, b.env...)

	if b.needsStdin {
		var err error
		stdin, err = cmd.StdinPipe()
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("spawn builder: failed to create stdin pipe: %w", err)
		}
	}

	var err error
	stdout, err = cmd.StdoutPipe()
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("spawn builder: failed to create stdout pipe: %w", err)
	}

	stderr, err = cmd.StderrPipe()
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("spawn builder: failed to create stderr pipe: %w", err)
	}

	observer := NewObserver(ObserverConfig{
		RingSize:      b.ringSize,
		IdleWindow:    b.idleWindow,
		PromptPattern: b.promptPattern,
	})

	p := newProcess(procCtx, cancel, cmd, stdout, stderr, b.handle, b.workDir, observer, b.captureStderr)
	if stdin != nil {
		p.stdin = stdin
	}

	log.Debug(log.CatProc, "spawning process",
		"worker", b.handle,
		"command", b.command[0],
		"workDir", b.workDir)

	if err := cmd.Start(); err != nil {
		cleanup()
		return nil, fmt.Errorf("worker %s: %w: %w", b.handle, fleet.ErrSpawnFailed, err)
	}

	log.Debug(log.CatProc, "process started", "worker", b.handle, "pid", cmd.Process.Pid)

	p.setStatus(StatusRunning)
	p.startGoroutines()

	return p, nil
}
