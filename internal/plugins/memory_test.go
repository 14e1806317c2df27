package plugins

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryTrackerRegisterAndUntrack(t *testing.T) {
	m := NewMemoryTracker()
	m.Track("analytics")

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	m.RegisterTimer("analytics", timer)

	sub := SubscriptionID("sub-1")
	m.RegisterListener("analytics", sub)

	timers, listeners, _, ok := m.PluginStats("analytics")
	require.True(t, ok)
	require.Equal(t, 1, timers)
	require.Equal(t, 1, listeners)

	m.UnregisterListener("analytics", sub)
	_, listeners, _, ok = m.PluginStats("analytics")
	require.True(t, ok)
	require.Equal(t, 0, listeners)

	m.Untrack("analytics")
	_, _, _, ok = m.PluginStats("analytics")
	require.False(t, ok)
}

func TestResolverTracksDependencyWaitListener(t *testing.T) {
	bus := NewEventBus()
	bus.Start()
	defer bus.Stop()
	state := NewStateMachine(bus)
	memory := NewMemoryTracker()
	memory.Track("billing")

	r := NewResolver(state, bus)
	r.SetMemoryTracker(memory)

	state.Discover("analytics")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		err := r.WaitForDependencies(context.Background(), "billing", []string{"analytics"})
		require.NoError(t, err)
	}()

	require.Eventually(t, func() bool {
		_, listeners, _, ok := memory.PluginStats("billing")
		return ok && listeners == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, state.Transition("analytics", StateLoading, "load-start"))
	require.NoError(t, state.Transition("analytics", StateLoaded, "loaded"))

	wg.Wait()

	_, listeners, _, ok := memory.PluginStats("billing")
	require.True(t, ok)
	require.Equal(t, 0, listeners)
}

func TestCircuitBreakerRegistersResetTimerWithMemoryTracker(t *testing.T) {
	bus := NewEventBus()
	cb := NewCircuitBreaker(bus)
	memory := NewMemoryTracker()
	cb.SetMemoryTracker(memory)
	memory.Track("flaky")

	failing := func(context.Context) error { return require.AnError }
	for i := 0; i < defaultMaxFailures; i++ {
		_ = cb.Execute(context.Background(), "flaky", failing)
	}
	require.True(t, cb.IsOpen("flaky"))

	timers, _, _, ok := memory.PluginStats("flaky")
	require.True(t, ok)
	require.Equal(t, 1, timers)
}
