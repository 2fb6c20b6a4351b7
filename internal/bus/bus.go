// Package bus provides the in-process event bus for orchestrator components.
// Event types form a closed set; handlers run synchronously in registration
// order, and a panicking handler is recovered and logged, never propagated.
// Asynchronous consumers attach through Tap, which republishes every event
// onto a pubsub broker.
package bus

import (
	"sync"

	"github.com/zjrosen/hive/internal/log"
	"github.com/zjrosen/hive/internal/pubsub"
)

// EventType identifies the kind of orchestrator event.
type EventType string

const (
	// WorkerSpawned is emitted when a worker subprocess has been launched.
	WorkerSpawned EventType = "worker:spawned"
	// WorkerReady is emitted when a worker's ready marker is observed.
	WorkerReady EventType = "worker:ready"
	// WorkerOutput is emitted for every line a worker writes.
	WorkerOutput EventType = "worker:output"
	// WorkerDismissed is emitted when a dismissal completes.
	WorkerDismissed EventType = "worker:dismissed"
	// WorkerStopped is emitted when a worker's subprocess exits cleanly
	// on its own.
	WorkerStopped EventType = "worker:stopped"
	// WorkerRecovered is emitted when startup recovery re-spawns a worker.
	WorkerRecovered EventType = "worker:recovered"
	// WorkerError is emitted when a worker fails.
	WorkerError EventType = "worker:error"
	// WorkerStale is emitted when the heartbeat sweep expires a worker.
	WorkerStale EventType = "worker:stale"
	// WorkerSuccess is emitted when a wave worker matches its success pattern.
	WorkerSuccess EventType = "worker:success"
	// WorkerFailed is emitted when a wave worker times out or exits non-zero.
	WorkerFailed EventType = "worker:failed"

	// WaveStart is emitted when a wave begins spawning workers.
	WaveStart EventType = "wave:start"
	// WaveComplete is emitted when all of a wave's workers have settled.
	WaveComplete EventType = "wave:complete"

	// SpawnQueued is emitted when a spawn request is accepted into the queue.
	SpawnQueued EventType = "spawn:queued"
	// SpawnReady is emitted when a queue item's dependencies are all spawned.
	SpawnReady EventType = "spawn:ready"
	// SpawnSpawned is emitted when a queue item produces a worker.
	SpawnSpawned EventType = "spawn:spawned"
	// SpawnRejected is emitted when policy or cancellation rejects an item.
	SpawnRejected EventType = "spawn:rejected"

	// BlackboardPosted is emitted when a message lands on the blackboard.
	BlackboardPosted EventType = "blackboard:posted"
	// BlackboardArchived is emitted when messages are archived.
	BlackboardArchived EventType = "blackboard:archived"

	// MailDelivered is emitted when mail is stored for a recipient.
	MailDelivered EventType = "mail:delivered"
	// MailHandoff is emitted when a handoff is created.
	MailHandoff EventType = "mail:handoff"

	// AuditBlocked is emitted when an enforce-mode hook refuses an operation.
	AuditBlocked EventType = "audit:blocked"
	// AuditWarned is emitted when an advisory-mode hook flags an operation.
	AuditWarned EventType = "audit:warned"
)

// Payload carries the event's context. Fields are populated per event
// family; unset fields are zero.
type Payload struct {
	// Handle is the worker handle for worker:* and audit:* events.
	Handle string
	// WorkerID is the worker id for worker:* and spawn:spawned events.
	WorkerID string
	// SwarmID scopes blackboard:* events and swarm-bound worker events.
	SwarmID string
	// Wave is the wave name for wave:* events.
	Wave string
	// QueueID is the spawn-queue item id for spawn:* events.
	QueueID string
	// Line is the output line for worker:output events.
	Line string
	// Reason is the short cause for dismissals, rejections, and blocks.
	Reason string
	// HookID identifies the hook for audit:* events.
	HookID string
	// Severity is the hook-reported severity for audit:* events.
	Severity string
	// MailID is the mail or handoff row id for mail:* events.
	MailID int64
	// BoardID is the blackboard message id for blackboard:* events.
	BoardID int64
	// Count carries batch sizes (archived messages, swept workers).
	Count int
	// Err is the failure for worker:error and worker:failed events.
	Err error
}

// Event is the unit dispatched to handlers.
type Event struct {
	Type    EventType
	Payload Payload
}

// Handler consumes one event. Handlers run on the emitter's goroutine.
type Handler func(Event)

// Bus dispatches events to registered handlers.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	tap      *pubsub.Broker[Event]
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{handlers: make(map[EventType][]Handler)}
}

// On registers a handler for one event type. Handlers run in registration
// order.
func (b *Bus) On(t EventType, h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// Emit dispatches an event synchronously to every handler registered for
// its type, then republishes it to the tap broker if one was attached.
func (b *Bus) Emit(t EventType, p Payload) {
	b.mu.RLock()
	handlers := b.handlers[t]
	tap := b.tap
	b.mu.RUnlock()

	event := Event{Type: t, Payload: p}
	for _, h := range handlers {
		b.dispatch(t, h, event)
	}
	if tap != nil {
		tap.Publish(pubsub.CreatedEvent, event)
	}
}

// dispatch invokes one handler, containing any panic.
func (b *Bus) dispatch(t EventType, h Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error(log.CatBus, "event handler panic", "type", t, "panic", r)
		}
	}()
	h(event)
}

// Tap returns a broker that receives every emitted event, creating it on
// first use. Subscribers consume asynchronously and may drop when slow.
func (b *Bus) Tap() *pubsub.Broker[Event] {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tap == nil {
		b.tap = pubsub.NewBroker[Event]()
	}
	return b.tap
}

// Close shuts down the tap broker, if any.
func (b *Bus) Close() {
	b.mu.Lock()
	tap := b.tap
	b.mu.Unlock()
	if tap != nil {
		tap.Close()
	}
}
