package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBus_EmitSynchronous(t *testing.T) {
	b := New()

	var got []Event
	b.On(WorkerSpawned, func(e Event) {
		got = append(got, e)
	})

	b.Emit(WorkerSpawned, Payload{Handle: "alice", WorkerID: "w-1"})

	// Handlers run on the emitting goroutine, so the slice is already filled.
	require.Len(t, got, 1)
	require.Equal(t, WorkerSpawned, got[0].Type)
	require.Equal(t, "alice", got[0].Payload.Handle)
	require.Equal(t, "w-1", got[0].Payload.WorkerID)
}

func TestBus_RegistrationOrder(t *testing.T) {
	b := New()

	var order []int
	b.On(WaveStart, func(Event) { order = append(order, 1) })
	b.On(WaveStart, func(Event) { order = append(order, 2) })
	b.On(WaveStart, func(Event) { order = append(order, 3) })

	b.Emit(WaveStart, Payload{Wave: "discover"})

	require.Equal(t, []int{1, 2, 3}, order)
}

func TestBus_TypeIsolation(t *testing.T) {
	b := New()

	spawned := 0
	dismissed := 0
	b.On(WorkerSpawned, func(Event) { spawned++ })
	b.On(WorkerDismissed, func(Event) { dismissed++ })

	b.Emit(WorkerSpawned, Payload{Handle: "alice"})
	b.Emit(WorkerSpawned, Payload{Handle: "bob"})

	require.Equal(t, 2, spawned)
	require.Zero(t, dismissed)
}

func TestBus_PanicRecovered(t *testing.T) {
	b := New()

	var after []string
	b.On(WorkerError, func(Event) { panic("handler bug") })
	b.On(WorkerError, func(e Event) { after = append(after, e.Payload.Handle) })

	require.NotPanics(t, func() {
		b.Emit(WorkerError, Payload{Handle: "alice", Err: errors.New("boom")})
	})

	// The panicking handler must not stop later handlers.
	require.Equal(t, []string{"alice"}, after)
}

func TestBus_EmitWithoutHandlers(t *testing.T) {
	b := New()
	require.NotPanics(t, func() {
		b.Emit(MailDelivered, Payload{MailID: 7})
	})
}

func TestBus_NilHandlerIgnored(t *testing.T) {
	b := New()
	b.On(WaveComplete, nil)
	require.NotPanics(t, func() {
		b.Emit(WaveComplete, Payload{Wave: "design"})
	})
}

func TestBus_Tap(t *testing.T) {
	b := New()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := b.Tap().Subscribe(ctx)

	b.Emit(SpawnReady, Payload{QueueID: "q-1"})

	select {
	case event := <-ch:
		require.Equal(t, SpawnReady, event.Payload.Type)
		require.Equal(t, "q-1", event.Payload.Payload.QueueID)
	case <-time.After(100 * time.Millisecond):
		require.Fail(t, "timeout waiting for tapped event")
	}
}

func TestBus_Concurrent(t *testing.T) {
	b := New()

	var c counter
	b.On(WorkerOutput, func(Event) { c.inc() })

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			for j := 0; j < 50; j++ {
				b.Emit(WorkerOutput, Payload{Handle: "alice", Line: "x"})
			}
			done <- struct{}{}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}

	require.Equal(t, 8*50, c.value())
}

type counter struct {
	mu sync.Mutex
	n  int
}

func (c *counter) inc() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *counter) value() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}
