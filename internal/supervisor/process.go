// Package supervisor owns worker subprocesses: spawning, output
// streaming, idle observation, and signalling. Output is decoded as a
// sequence of lines; recognizing structure inside a line is a
// best-effort secondary observation, never a correctness requirement.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/zjrosen/hive/internal/log"
)

// ErrTimeout is returned when a process exceeds its configured timeout.
var ErrTimeout = fmt.Errorf("process timed out")

// Line is one line of worker output.
type Line struct {
	Text string
	At   time.Time
}

// Process manages one worker subprocess. Create it through SpawnBuilder.
type Process struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	stderr  io.ReadCloser
	handle  string
	workDir string
	status  Status
	lines   chan Line
	errs    chan error
	done    chan struct{}
	cancel  context.CancelFunc
	ctx     context.Context
	mu      sync.RWMutex
	wg      sync.WaitGroup

	observer *Observer

	stderrLines   []string
	captureStderr bool
}

func newProcess(
	ctx context.Context,
	cancel context.CancelFunc,
	cmd *exec.Cmd,
	stdout io.ReadCloser,
	stderr io.ReadCloser,
	handle string,
	workDir string,
	observer *Observer,
	captureStderr bool,
) *Process {
	return &Process{
		cmd:           cmd,
		stdout:        stdout,
		stderr:        stderr,
		handle:        handle,
		workDir:       workDir,
		status:        StatusPending,
		lines:         make(chan Line, 100),
		errs:          make(chan error, 10),
		done:          make(chan struct{}),
		cancel:        cancel,
		ctx:           ctx,
		observer:      observer,
		captureStderr: captureStderr,
	}
}

// Lines returns the channel of output lines. It is closed when stdout
// reaches EOF.
func (p *Process) Lines() <-chan Line {
	return p.lines
}

// Errors returns the channel of process errors. Sends never block;
// errors are dropped when the channel is full.
func (p *Process) Errors() <-chan error {
	return p.errs
}

// Exited is closed once the process has exited and its status settled.
func (p *Process) Exited() <-chan struct{} {
	return p.done
}

// Status returns the current process status. Thread-safe.
func (p *Process) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// IsRunning returns true if the process is actively running.
func (p *Process) IsRunning() bool {
	return p.Status() == StatusRunning
}

// Handle returns the worker handle this process belongs to.
func (p *Process) Handle() string {
	return p.handle
}

// WorkDir returns the working directory of the process.
func (p *Process) WorkDir() string {
	return p.workDir
}

// Cmd returns the underlying exec.Cmd.
func (p *Process) Cmd() *exec.Cmd {
	return p.cmd
}

// PID returns the OS process ID, or -1 if not started.
func (p *Process) PID() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.cmd == nil || p.cmd.Process == nil {
		return -1
	}
	return p.cmd.Process.Pid
}

// SessionID returns the session reference recognized from output, if
// any. May be empty.
func (p *Process) SessionID() string {
	if p.observer == nil {
		return ""
	}
	return p.observer.SessionID()
}

// Health returns the observer's current health snapshot.
func (p *Process) Health() Health {
	if p.observer == nil {
		return Health{}
	}
	return p.observer.Health(time.Now())
}

// IsIdle reports whether the worker looks idle per the observer's
// stable-window and prompt-pattern rules.
func (p *Process) IsIdle() bool {
	if p.observer == nil {
		return false
	}
	return p.observer.IsIdle(time.Now())
}

// Recent returns up to n most recent output lines, oldest first.
func (p *Process) Recent(n int) []Line {
	if p.observer == nil {
		return nil
	}
	return p.observer.Recent(n)
}

// SendPrompt writes text followed by a newline to the worker's stdin.
func (p *Process) SendPrompt(text string) error {
	return p.writeStdin([]byte(text + "\n"))
}

// CloseStdin closes the stdin pipe, signalling end of input.
func (p *Process) CloseStdin() error {
	if p.stdin == nil {
		return nil
	}
	return p.stdin.Close()
}

func (p *Process) writeStdin(b []byte) error {
	if p.stdin == nil {
		return fmt.Errorf("worker %s: stdin not configured", p.handle)
	}
	if _, err := p.stdin.Write(b); err != nil {
		return fmt.Errorf("worker %s: writing stdin: %w", p.handle, err)
	}
	return nil
}

// StderrLines returns captured stderr lines. Thread-safe.
func (p *Process) StderrLines() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	result := make([]string, len(p.stderrLines))
	copy(result, p.stderrLines)
	return result
}

func (p *Process) setStatus(s Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = s
}

// sendError attempts to send an error without blocking. If the channel
// is full the error is logged and dropped.
func (p *Process) sendError(err error) {
	select {
	case p.errs <- err:
	default:
		log.Debug(log.CatProc, "error channel full, dropping error", "worker", p.handle, "error", err)
	}
}

// Cancel stops the process hard. It sets the status to Cancelled before
// calling the cancel function so waitForCompletion does not override it.
// Cancel is a no-op if the process is already terminal.
func (p *Process) Cancel() {
	p.mu.Lock()
	if p.status.IsTerminal() {
		p.mu.Unlock()
		return
	}
	p.status = StatusCancelled
	p.mu.Unlock()
	p.cancel()
}

// Wait blocks until all process goroutines complete.
func (p *Process) Wait() {
	p.wg.Wait()
}

// startGoroutines launches the three goroutines that stream stdout,
// stream stderr, and await process exit. Call after cmd.Start succeeds.
func (p *Process) startGoroutines() {
	p.wg.Add(3)
	go p.readOutput()
	go p.readStderr()
	go p.waitForCompletion()
}

// readOutput streams stdout to the lines channel, feeding the observer
// along the way.
func (p *Process) readOutput() {
	defer p.wg.Done()
	defer close(p.lines)

	scanner := bufio.NewScanner(p.stdout)
	// Increase buffer size for large outputs (64KB initial, 1MB max)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		text := scanner.Text()
		if len(text) == 0 {
			continue
		}

		line := Line{Text: text, At: time.Now()}
		if p.observer != nil {
			p.observer.Observe(line)
		}

		select {
		case p.lines <- line:
		case <-p.ctx.Done():
			return
		}
	}

	if err := scanner.Err(); err != nil {
		log.Debug(log.CatProc, "scanner error", "worker", p.handle, "error", err)
		p.sendError(fmt.Errorf("stdout scanner error: %w", err))
	}
}

// readStderr reads and logs stderr output. If captureStderr is enabled,
// lines are kept for inclusion in the exit error.
func (p *Process) readStderr() {
	defer p.wg.Done()

	scanner := bufio.NewScanner(p.stderr)
	for scanner.Scan() {
		line := scanner.Text()
		log.Debug(log.CatProc, "STDERR", "worker", p.handle, "line", line)

		if p.captureStderr {
			p.mu.Lock()
			p.stderrLines = append(p.stderrLines, line)
			p.mu.Unlock()
		}
	}
	if err := scanner.Err(); err != nil {
		log.Debug(log.CatProc, "stderr scanner error", "worker", p.handle, "error", err)
	}
}

// waitForCompletion waits for the process to exit and settles its
// status. It closes the errors channel to signal completion.
func (p *Process) waitForCompletion() {
	defer p.wg.Done()
	defer close(p.done)
	defer close(p.errs)

	err := p.cmd.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()

	// If already cancelled, don't override status
	if p.status == StatusCancelled {
		log.Debug(log.CatProc, "process was cancelled", "worker", p.handle)
		return
	}

	if errors.Is(p.ctx.Err(), context.DeadlineExceeded) {
		p.status = StatusFailed
		log.Debug(log.CatProc, "process timed out", "worker", p.handle)
		p.sendError(ErrTimeout)
		return
	}

	if err != nil {
		p.status = StatusFailed
		// Include stderr output in error message if captured
		if p.captureStderr && len(p.stderrLines) > 0 {
			stderrMsg := strings.Join(p.stderrLines, "\n")
			p.sendError(fmt.Errorf("worker %s failed: %s (exit: %w)", p.handle, stderrMsg, err))
		} else {
			p.sendError(fmt.Errorf("worker %s exited: %w", p.handle, err))
		}
		return
	}
	p.status = StatusCompleted
}
