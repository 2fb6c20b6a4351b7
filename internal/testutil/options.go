package testutil

import (
	"time"

	"github.com/zjrosen/hive/internal/fleet"
)

// WorkerOption configures a worker being built.
type WorkerOption func(*fleet.Worker)

// WithRole sets the worker's role.
func WithRole(role fleet.Role) WorkerOption {
	return func(w *fleet.Worker) { w.Role = role }
}

// WithStatus sets the worker's lifecycle state.
func WithStatus(status fleet.Status) WorkerOption {
	return func(w *fleet.Worker) { w.Status = status }
}

// WithSwarm puts the worker in a swarm.
func WithSwarm(swarmID string) WorkerOption {
	return func(w *fleet.Worker) { w.SwarmID = swarmID }
}

// WithDepth sets the worker's spawn-chain depth.
func WithDepth(depth int) WorkerOption {
	return func(w *fleet.Worker) { w.Depth = depth }
}

// WithPrompt sets the worker's initial prompt.
func WithPrompt(prompt string) WorkerOption {
	return func(w *fleet.Worker) { w.InitialPrompt = prompt }
}

// WithPID sets the worker's subprocess id.
func WithPID(pid int) WorkerOption {
	return func(w *fleet.Worker) { w.PID = pid }
}

// WithHeartbeat sets the worker's last liveness report.
func WithHeartbeat(at time.Time) WorkerOption {
	return func(w *fleet.Worker) { w.LastHeartbeatAt = &at }
}

// WithCreatedAt backdates the worker.
func WithCreatedAt(at time.Time) WorkerOption {
	return func(w *fleet.Worker) {
		w.CreatedAt = at
		w.UpdatedAt = at
	}
}

// NewWorker builds an unsaved ready worker with sensible defaults.
func NewWorker(handle string, opts ...WorkerOption) *fleet.Worker {
	now := time.Now()
	w := &fleet.Worker{
		ID:        fleet.NewID(),
		Handle:    handle,
		Role:      fleet.RoleWorker,
		Status:    fleet.StatusReady,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}
