package log

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSafeGo_RunsFunction(t *testing.T) {
	done := make(chan struct{})
	SafeGo(CatBus, "test", func() {
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		require.Fail(t, "goroutine never ran")
	}
}

func TestSafeGo_RecoversPanic(t *testing.T) {
	done := make(chan struct{})
	SafeGo(CatBus, "panicky", func() {
		defer close(done)
		panic("boom")
	})

	select {
	case <-done:
		// Panic was recovered, process still alive.
	case <-time.After(time.Second):
		require.Fail(t, "goroutine never ran")
	}
}
