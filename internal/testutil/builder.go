package testutil

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/hive/internal/fleet"
	"github.com/zjrosen/hive/internal/spawnqueue"
	"github.com/zjrosen/hive/internal/store"
)

// Builder accumulates test data and inserts it in dependency order.
type Builder struct {
	t       *testing.T
	store   *store.Store
	swarms  []*fleet.Swarm
	workers []*fleet.Worker
	items   []*spawnqueue.Item
}

// NewBuilder creates a builder for the given test store.
func NewBuilder(t *testing.T, s *store.Store) *Builder {
	t.Helper()
	return &Builder{t: t, store: s}
}

// WithSwarm adds a swarm.
func (b *Builder) WithSwarm(name string, maxAgents int) *Builder {
	b.swarms = append(b.swarms, fleet.NewSwarm(name, maxAgents))
	return b
}

// WithWorker adds a worker with optional configuration.
func (b *Builder) WithWorker(handle string, opts ...WorkerOption) *Builder {
	b.workers = append(b.workers, NewWorker(handle, opts...))
	return b
}

// WithQueueItem adds a spawn-queue item. DependsOn entries name queue
// item ids added earlier.
func (b *Builder) WithQueueItem(id, requester string, priority int, dependsOn ...string) *Builder {
	b.items = append(b.items, &spawnqueue.Item{
		ID:        id,
		Requester: requester,
		Priority:  priority,
		DependsOn: dependsOn,
		Status:    spawnqueue.StatusPending,
	})
	return b
}

// Build inserts all accumulated data: swarms, then workers, then queue
// items.
func (b *Builder) Build() {
	b.t.Helper()
	for _, s := range b.swarms {
		require.NoError(b.t, b.store.Swarms.Create(s))
	}
	for _, w := range b.workers {
		require.NoError(b.t, b.store.Workers.Insert(w))
	}
	for _, item := range b.items {
		require.NoError(b.t, b.store.Queue.Insert(item))
	}
}

// Swarm returns a built swarm by name, failing the test when absent.
func (b *Builder) Swarm(name string) *fleet.Swarm {
	b.t.Helper()
	for _, s := range b.swarms {
		if s.Name == name {
			return s
		}
	}
	b.t.Fatalf("swarm %q was not built", name)
	return nil
}

// Worker returns a built worker by handle, failing the test when absent.
func (b *Builder) Worker(handle string) *fleet.Worker {
	b.t.Helper()
	for _, w := range b.workers {
		if w.Handle == handle {
			return w
		}
	}
	b.t.Fatalf("worker %q was not built", handle)
	return nil
}
