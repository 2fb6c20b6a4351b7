package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zjrosen/hive/internal/bus"
	"github.com/zjrosen/hive/internal/fleet"
	"github.com/zjrosen/hive/internal/log"
	"github.com/zjrosen/hive/internal/supervisor"
)

// handleSpawn creates the worker row, provisions an optional worktree,
// and launches the subprocess with the assembled prompt. Every failure
// after the insert dismisses the row so the handle is freed.
func (m *Manager) handleSpawn(ctx context.Context, cmd Command) (*Result, error) {
	c := cmd.(*SpawnCommand)
	opts := c.Opts

	if opts.Depth > m.cfg.Fleet.MaxDepth {
		return nil, fmt.Errorf("depth %d exceeds limit %d: %w",
			opts.Depth, m.cfg.Fleet.MaxDepth, fleet.ErrDepthExceeded)
	}

	live, err := m.store.Workers.Count(fleet.WorkerFilter{})
	if err != nil {
		return nil, err
	}
	if live >= m.cfg.Fleet.MaxWorkers {
		return nil, fmt.Errorf("fleet holds %d of %d workers: %w",
			live, m.cfg.Fleet.MaxWorkers, fleet.ErrCapacityExceeded)
	}

	w := fleet.NewWorker(opts.Handle, opts.Role)
	w.SwarmID = opts.SwarmID
	w.Depth = opts.Depth
	w.InitialPrompt = opts.InitialPrompt
	w.WorkDir = opts.WorkDir

	if err := m.store.Workers.Insert(w); err != nil {
		return nil, err
	}

	if opts.UseWorktree && m.worktrees != nil {
		mapping, werr := m.worktrees.Create(ctx, w.ID)
		if werr != nil {
			_ = m.store.Workers.Dismiss(w.ID, "worktree create failed")
			return nil, werr
		}
		w.WorktreePath = mapping.Path
		w.WorktreeBranch = mapping.Branch
		if err := m.store.Workers.UpdateWorktree(w.ID, mapping.Path, mapping.Branch); err != nil {
			m.worktrees.Remove(w.ID)
			_ = m.store.Workers.Dismiss(w.ID, "worktree record failed")
			return nil, err
		}
	}

	if err := m.launch(ctx, w, opts.Command, opts.Env, false); err != nil {
		if m.worktrees != nil && w.WorktreePath != "" {
			m.worktrees.Remove(w.ID)
		}
		_ = m.store.Workers.Dismiss(w.ID, "spawn failed")
		return nil, err
	}

	m.bus.Emit(bus.WorkerSpawned, bus.Payload{Handle: w.Handle, WorkerID: w.ID, SwarmID: w.SwarmID})
	log.Info(log.CatFleet, "worker spawned",
		"handle", w.Handle,
		"id", fleet.ShortID(w.ID),
		"role", string(w.Role),
		"depth", w.Depth,
		"pid", w.PID)
	return &Result{Success: true, Data: w}, nil
}

// handleDismiss terminates the subprocess, drops the worktree, and frees
// the handle. Dismissing an already dismissed handle succeeds.
func (m *Manager) handleDismiss(ctx context.Context, cmd Command) (*Result, error) {
	c := cmd.(*DismissCommand)

	w, err := m.store.Workers.GetByHandle(c.Handle)
	if errors.Is(err, fleet.ErrNotFound) {
		prev, perr := m.store.Workers.GetAnyByHandle(c.Handle)
		if perr == nil && prev.IsDismissed() {
			return &Result{Success: true, Data: prev}, nil
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	reason := c.Reason
	if reason == "" {
		reason = "dismissed"
	}

	if w.Status != fleet.StatusStopping && w.Status != fleet.StatusStopped {
		if err := m.store.Workers.UpdateStatus(w.ID, fleet.StatusStopping, reason); err != nil {
			return nil, err
		}
	}

	if e := m.takeEntry(w.Handle); e != nil {
		if c.Graceful {
			e.proc.Terminate(m.cfg.Fleet.GracePeriod())
		} else {
			e.proc.Cancel()
		}
		<-e.proc.Exited()
	} else if w.PID > 0 && supervisor.IsProcessAlive(w.PID) {
		// Orphan from a previous orchestrator run.
		_ = supervisor.KillProcess(w.PID)
	}

	if w.Status != fleet.StatusStopped {
		_ = m.store.Workers.UpdateStatus(w.ID, fleet.StatusStopped, "terminated")
	}
	_ = m.store.Workers.UpdatePID(w.ID, 0)

	if m.worktrees != nil && w.WorktreePath != "" {
		m.worktrees.Remove(w.ID)
	}

	if err := m.store.Workers.Dismiss(w.ID, reason); err != nil {
		return nil, err
	}

	m.bus.Emit(bus.WorkerDismissed, bus.Payload{Handle: w.Handle, WorkerID: w.ID, Reason: reason})
	log.Info(log.CatFleet, "worker dismissed",
		"handle", w.Handle, "id", fleet.ShortID(w.ID), "reason", reason)
	return &Result{Success: true, Data: w}, nil
}

// handleRestart re-spawns a worker's subprocess. Manual restarts require
// an errored or stopped worker; recovery restarts also accept workers
// still recorded live from a previous run. The attempt counts against
// the restart limit either way.
func (m *Manager) handleRestart(ctx context.Context, cmd Command) (*Result, error) {
	c := cmd.(*RestartCommand)

	w, err := m.store.Workers.GetByHandle(c.Handle)
	if err != nil {
		return nil, err
	}

	if c.Recovery {
		if !w.Status.IsRecoverable() {
			return nil, fmt.Errorf("worker %s is %s, not recoverable: %w",
				c.Handle, w.Status, fleet.ErrInvalidState)
		}
	} else if w.Status != fleet.StatusError && w.Status != fleet.StatusStopped {
		return nil, fmt.Errorf("restart requires an errored or stopped worker, %s is %s: %w",
			c.Handle, w.Status, fleet.ErrInvalidState)
	}

	// Kill whatever is still running under the old identity.
	if e := m.takeEntry(w.Handle); e != nil {
		e.proc.Cancel()
		<-e.proc.Exited()
	} else if w.PID > 0 && supervisor.IsProcessAlive(w.PID) {
		_ = supervisor.KillProcess(w.PID)
	}

	count, err := m.store.Workers.IncrementRestart(w.ID)
	if err != nil {
		return nil, err
	}
	w.RestartCount = count

	if w.RestartExhausted(m.cfg.Fleet.MaxRestarts) {
		reason := fmt.Sprintf("restart limit exceeded after %d attempts", count)
		_ = m.store.Workers.SetLastError(w.ID, reason)
		if c.Recovery {
			if w.Status != fleet.StatusError {
				_ = m.store.Workers.UpdateStatus(w.ID, fleet.StatusError, reason)
			}
			m.bus.Emit(bus.WorkerError, bus.Payload{Handle: w.Handle, WorkerID: w.ID, Reason: reason})
		} else {
			_ = m.store.Workers.Dismiss(w.ID, reason)
			m.bus.Emit(bus.WorkerDismissed, bus.Payload{Handle: w.Handle, WorkerID: w.ID, Reason: reason})
		}
		return nil, fmt.Errorf("worker %s: %s: %w", c.Handle, reason, fleet.ErrInvalidState)
	}

	if w.Status != fleet.StatusPending {
		if err := m.store.Workers.UpdateStatus(w.ID, fleet.StatusPending, "restarting"); err != nil {
			return nil, err
		}
		w.Status = fleet.StatusPending
	}

	if err := m.launch(ctx, w, nil, nil, true); err != nil {
		_ = m.store.Workers.SetLastError(w.ID, err.Error())
		_ = m.store.Workers.UpdateStatus(w.ID, fleet.StatusError, "restart spawn failed")
		m.bus.Emit(bus.WorkerError, bus.Payload{Handle: w.Handle, WorkerID: w.ID, Err: err})
		return nil, err
	}

	m.bus.Emit(bus.WorkerRecovered, bus.Payload{Handle: w.Handle, WorkerID: w.ID, SwarmID: w.SwarmID})
	log.Info(log.CatFleet, "worker restarted",
		"handle", w.Handle, "id", fleet.ShortID(w.ID), "attempt", count, "recovery", c.Recovery)
	return &Result{Success: true, Data: w}, nil
}

// handleSweep expires workers whose heartbeat is older than the stale
// threshold, killing any subprocess still attached. Data carries the
// number of workers expired.
func (m *Manager) handleSweep(ctx context.Context, cmd Command) (*Result, error) {
	stale, err := m.store.Workers.GetStale(m.cfg.Fleet.StaleThreshold())
	if err != nil {
		return nil, err
	}

	count := 0
	for _, w := range stale {
		if w.Status == fleet.StatusStopping || w.Status.IsTerminal() {
			continue
		}
		// Recent output counts as liveness. A worker deep in a long task
		// may never heartbeat, but its process is demonstrably working.
		if e := m.entry(w.Handle); e != nil {
			h := e.proc.Health()
			if h.MsSinceLastLine >= 0 &&
				time.Duration(h.MsSinceLastLine)*time.Millisecond < m.cfg.Fleet.StaleThreshold() {
				_ = m.store.Workers.Heartbeat(w.ID, time.Now())
				continue
			}
		}
		if e := m.takeEntry(w.Handle); e != nil {
			e.proc.Cancel()
		} else if w.PID > 0 && supervisor.IsProcessAlive(w.PID) {
			_ = supervisor.KillProcess(w.PID)
		}
		_ = m.store.Workers.SetLastError(w.ID, "heartbeat stale")
		if err := m.store.Workers.UpdateStatus(w.ID, fleet.StatusError, "heartbeat stale"); err != nil {
			log.ErrorErr(log.CatFleet, "marking stale worker failed", err, "handle", w.Handle)
			continue
		}
		m.bus.Emit(bus.WorkerStale, bus.Payload{Handle: w.Handle, WorkerID: w.ID})
		log.Warn(log.CatFleet, "worker expired",
			"handle", w.Handle, "id", fleet.ShortID(w.ID), "last_heartbeat", w.LastHeartbeatAt)
		count++
	}
	return &Result{Success: true, Data: count}, nil
}

// handleLine publishes worker output and promotes a pending worker to
// ready when the line matches the configured ready pattern.
func (m *Manager) handleLine(ctx context.Context, cmd Command) (*Result, error) {
	c := cmd.(*LineCommand)

	m.bus.Emit(bus.WorkerOutput, bus.Payload{Handle: c.Handle, WorkerID: c.WorkerID, Line: c.Line})

	e := m.entry(c.Handle)
	if e == nil || e.workerID != c.WorkerID || e.readySeen.Load() {
		return &Result{Success: true}, nil
	}
	if m.readyRe == nil || !m.readyRe.MatchString(c.Line) {
		return &Result{Success: true}, nil
	}
	e.readySeen.Store(true)

	w, err := m.store.Workers.GetByID(c.WorkerID)
	if err != nil {
		return nil, err
	}
	if w.Status != fleet.StatusPending {
		return &Result{Success: true}, nil
	}
	if err := m.store.Workers.UpdateStatus(w.ID, fleet.StatusReady, "ready marker observed"); err != nil {
		return nil, err
	}
	m.bus.Emit(bus.WorkerReady, bus.Payload{Handle: c.Handle, WorkerID: c.WorkerID})
	log.Info(log.CatFleet, "worker ready", "handle", c.Handle, "id", fleet.ShortID(c.WorkerID))
	return &Result{Success: true}, nil
}

// handleExit settles a worker whose subprocess ended on its own. Records
// for processes already replaced by a restart, or for workers already
// settled by dismiss or sweep, are ignored.
func (m *Manager) handleExit(ctx context.Context, cmd Command) (*Result, error) {
	c := cmd.(*ExitCommand)

	m.removeEntryIfPID(c.Handle, c.PID)

	w, err := m.store.Workers.GetByID(c.WorkerID)
	if errors.Is(err, fleet.ErrNotFound) {
		return &Result{Success: true}, nil
	}
	if err != nil {
		return nil, err
	}
	if w.PID != c.PID {
		return &Result{Success: true}, nil
	}
	if w.IsDismissed() || w.Status == fleet.StatusStopped || w.Status == fleet.StatusError {
		return &Result{Success: true}, nil
	}

	_ = m.store.Workers.UpdatePID(w.ID, 0)

	if w.Status == fleet.StatusStopping {
		if err := m.store.Workers.UpdateStatus(w.ID, fleet.StatusStopped, "process exited"); err != nil {
			return nil, err
		}
		return &Result{Success: true}, nil
	}

	if c.ProcStatus == supervisor.StatusCompleted {
		if err := m.store.Workers.UpdateStatus(w.ID, fleet.StatusStopped, "process completed"); err != nil {
			return nil, err
		}
		m.bus.Emit(bus.WorkerStopped, bus.Payload{Handle: c.Handle, WorkerID: c.WorkerID})
		log.Info(log.CatFleet, "worker finished", "handle", c.Handle, "id", fleet.ShortID(c.WorkerID))
		return &Result{Success: true}, nil
	}

	reason := "process exited unexpectedly"
	if c.Err != nil {
		_ = m.store.Workers.SetLastError(w.ID, c.Err.Error())
	}
	if err := m.store.Workers.UpdateStatus(w.ID, fleet.StatusError, reason); err != nil {
		return nil, err
	}
	m.bus.Emit(bus.WorkerError, bus.Payload{Handle: c.Handle, WorkerID: c.WorkerID, Reason: reason, Err: c.Err})
	log.Warn(log.CatFleet, "worker process died",
		"handle", c.Handle, "id", fleet.ShortID(c.WorkerID), "error", errText(c.Err))
	return &Result{Success: true}, nil
}

// handleUpdateState applies an explicit transition after validating it
// against the worker state machine.
func (m *Manager) handleUpdateState(ctx context.Context, cmd Command) (*Result, error) {
	c := cmd.(*UpdateStateCommand)

	w, err := m.store.Workers.GetByHandle(c.Handle)
	if err != nil {
		return nil, err
	}
	if !fleet.CanTransition(w.Status, c.To) {
		return nil, fmt.Errorf("worker %s cannot move %s -> %s: %w",
			c.Handle, w.Status, c.To, fleet.ErrInvalidState)
	}

	reason := c.Reason
	if reason == "" {
		reason = "explicit update"
	}
	if err := m.store.Workers.UpdateStatus(w.ID, c.To, reason); err != nil {
		return nil, err
	}
	if c.To == fleet.StatusReady {
		m.bus.Emit(bus.WorkerReady, bus.Payload{Handle: c.Handle, WorkerID: w.ID})
	}
	w.Status = c.To
	return &Result{Success: true, Data: w}, nil
}

// launch assembles the prompt, starts the subprocess, records the pid,
// and begins pumping output. command and env override the configured
// defaults for this spawn only; restarts always use the defaults.
func (m *Manager) launch(ctx context.Context, w *fleet.Worker, command, env []string, recovering bool) error {
	prompt, err := m.assembler.Compose(w, recovering)
	if err != nil {
		return err
	}

	if len(command) == 0 {
		command = m.cfg.Fleet.Command
	}
	workDir := w.WorktreePath
	if workDir == "" {
		workDir = w.WorkDir
	}

	builder := supervisor.NewSpawnBuilder(m.runCtx).
		WithCommand(command).
		WithWorkDir(workDir).
		WithWorker(w.ID, w.Handle, w.Role).
		WithEnv(env).
		WithStdin(true).
		WithStderrCapture(true).
		WithIdleDetection(m.cfg.Fleet.IdleWindow(), m.promptRe)
	if m.factory != nil {
		builder = builder.WithCommandFactory(m.factory)
	}

	proc, err := builder.Build()
	if err != nil {
		return err
	}

	if err := m.store.Workers.UpdatePID(w.ID, proc.PID()); err != nil {
		proc.Cancel()
		return err
	}
	w.PID = proc.PID()

	if prompt != "" {
		if err := proc.SendPrompt(prompt); err != nil {
			log.Warn(log.CatFleet, "initial prompt injection failed",
				"handle", w.Handle, "error", err)
		}
	}

	e := &procEntry{proc: proc, workerID: w.ID, handle: w.Handle}
	m.mu.Lock()
	m.procs[w.Handle] = e
	m.mu.Unlock()

	m.pumps.Add(1)
	go m.pump(e)
	return nil
}

// pump turns a subprocess's output stream into line commands and, once
// the process settles, submits the exit record. Lines are dropped when
// the queue is full rather than blocking the reader.
func (m *Manager) pump(e *procEntry) {
	defer m.pumps.Done()

	for line := range e.proc.Lines() {
		if err := m.processor.Submit(NewLineCommand(e.handle, e.workerID, line.Text)); err != nil {
			log.Debug(log.CatFleet, "dropping output line", "handle", e.handle, "error", err)
		}
	}

	var exitErr error
	for err := range e.proc.Errors() {
		exitErr = err
	}
	<-e.proc.Exited()

	exit := NewExitCommand(e.handle, e.workerID, e.proc.PID(), e.proc.Status(), exitErr)
	if err := m.processor.Submit(exit); err != nil {
		log.Debug(log.CatFleet, "dropping exit record", "handle", e.handle, "error", err)
	}
}
