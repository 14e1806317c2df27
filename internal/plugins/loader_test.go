package plugins

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func discFor(name string, critical bool, deps ...string) *Discovery {
	return &Discovery{
		Name:      name,
		Path:      "/plugins/" + name,
		Manifest:  &PluginManifest{Name: name, Version: "1.0.0", Critical: critical, Dependencies: deps},
		DependsOn: deps,
	}
}

func okFactory() Factory {
	return func() (*PluginDescriptor, error) {
		return &PluginDescriptor{Symbols: map[string]bool{}}, nil
	}
}

func failingFactory() Factory {
	return func() (*PluginDescriptor, error) {
		return nil, errors.New("module failed to build")
	}
}

func newTestLoader(t *testing.T, factories map[string]Factory) (*Loader, *StateMachine, *EventBus) {
	t.Helper()
	bus := NewEventBus()
	state := NewStateMachine(bus)
	breaker := NewCircuitBreaker(bus)
	guards := NewGuardManager(state, bus)
	services := NewServiceManager(bus)
	cache := NewCache(100, 0)
	memory := NewMemoryTracker()

	registry := NewFactoryRegistry()
	for name, f := range factories {
		registry.Register(name, f)
	}
	moduleLoader := NewFactoryModuleLoader(registry)

	loader := NewLoader(state, bus, breaker, guards, services, cache, moduleLoader, memory)
	return loader, state, bus
}

func TestLoaderLinearChainAllLoad(t *testing.T) {
	discoveries := []*Discovery{
		discFor("a", false),
		discFor("b", false, "a"),
		discFor("c", false, "b"),
	}
	loader, state, _ := newTestLoader(t, map[string]Factory{
		"a": okFactory(), "b": okFactory(), "c": okFactory(),
	})
	for _, d := range discoveries {
		state.Discover(d.Name)
	}

	resolver := NewResolver(state, nil)
	plan := resolver.PlanBatches(discoveries)
	require.Empty(t, plan.CycleNames)

	result := loader.Load(context.Background(), discoveries, plan.Batches)
	require.NoError(t, result.Err)
	require.ElementsMatch(t, []string{"a", "b", "c"}, result.Loaded)
	require.Empty(t, result.Failed)

	for _, name := range []string{"a", "b", "c"} {
		st, ok := state.GetCurrentState(name)
		require.True(t, ok)
		require.Equal(t, StateLoaded, st)
	}
}

func TestLoaderNonCriticalFailureCascades(t *testing.T) {
	discoveries := []*Discovery{
		discFor("a", false),
		discFor("b", false, "a"),
		discFor("c", false, "b"),
	}
	loader, state, _ := newTestLoader(t, map[string]Factory{
		"a": failingFactory(), "b": okFactory(), "c": okFactory(),
	})
	for _, d := range discoveries {
		state.Discover(d.Name)
	}

	resolver := NewResolver(state, nil)
	plan := resolver.PlanBatches(discoveries)
	result := loader.Load(context.Background(), discoveries, plan.Batches)

	require.NoError(t, result.Err, "a non-critical plugin's failure must not abort the whole load")
	require.Contains(t, result.Failed, "a")
	require.Contains(t, result.Failed, "b", "b depends on failed a and must cascade")
	require.Contains(t, result.Failed, "c", "c depends transitively on failed a and must cascade")

	st, _ := state.GetCurrentState("b")
	require.Equal(t, StateFailed, st)

	reason, ok := loader.failureReason("b")
	require.True(t, ok)
	require.Equal(t, "dependency-cascade", reason)
}

func TestLoaderCriticalFailureAbortsRemainingBatches(t *testing.T) {
	discoveries := []*Discovery{
		discFor("a", true),
		discFor("b", false),
	}
	loader, state, _ := newTestLoader(t, map[string]Factory{
		"a": failingFactory(), "b": okFactory(),
	})
	for _, d := range discoveries {
		state.Discover(d.Name)
	}

	// Put a and b in two consecutive batches; b's batch must not run once critical a fails.
	batches := [][]*Discovery{{discoveries[0]}, {discoveries[1]}}
	result := loader.Load(context.Background(), discoveries, batches)

	require.Error(t, result.Err)
	require.Contains(t, result.Failed, "a")
	require.NotContains(t, result.Loaded, "b", "batch following a critical failure must not run")
}

func TestLoaderRunsLifecycleHooks(t *testing.T) {
	var beforeCalled, afterCalled bool
	factory := func() (*PluginDescriptor, error) {
		return &PluginDescriptor{
			Symbols: map[string]bool{},
			Hooks: LifecycleHooks{
				BeforeLoad: func(ctx context.Context) error { beforeCalled = true; return nil },
				AfterLoad:  func(ctx context.Context) error { afterCalled = true; return nil },
			},
		}, nil
	}

	discoveries := []*Discovery{discFor("a", false)}
	loader, state, _ := newTestLoader(t, map[string]Factory{"a": factory})
	state.Discover("a")

	result := loader.Load(context.Background(), discoveries, [][]*Discovery{discoveries})
	require.NoError(t, result.Err)
	require.Contains(t, result.Loaded, "a")
	require.True(t, beforeCalled)
	require.True(t, afterCalled)
}

func TestLoaderBeforeLoadFailureIsFatal(t *testing.T) {
	factory := func() (*PluginDescriptor, error) {
		return &PluginDescriptor{
			Symbols: map[string]bool{},
			Hooks: LifecycleHooks{
				BeforeLoad: func(ctx context.Context) error { return errors.New("setup failed") },
			},
		}, nil
	}

	discoveries := []*Discovery{discFor("a", false)}
	loader, state, _ := newTestLoader(t, map[string]Factory{"a": factory})
	state.Discover("a")

	result := loader.Load(context.Background(), discoveries, [][]*Discovery{discoveries})
	require.Contains(t, result.Failed, "a")

	st, _ := state.GetCurrentState("a")
	require.Equal(t, StateFailed, st)
}

func TestLoaderUnload(t *testing.T) {
	var beforeUnload, afterUnload bool
	factory := func() (*PluginDescriptor, error) {
		return &PluginDescriptor{
			Symbols: map[string]bool{},
			Hooks: LifecycleHooks{
				BeforeUnload: func(ctx context.Context) error { beforeUnload = true; return nil },
				AfterUnload:  func(ctx context.Context) error { afterUnload = true; return nil },
			},
		}, nil
	}

	discoveries := []*Discovery{discFor("a", false)}
	loader, state, _ := newTestLoader(t, map[string]Factory{"a": factory})
	state.Discover("a")
	result := loader.Load(context.Background(), discoveries, [][]*Discovery{discoveries})
	require.NoError(t, result.Err)

	err := loader.Unload(context.Background(), "a")
	require.NoError(t, err)
	require.True(t, beforeUnload)
	require.True(t, afterUnload)

	st, _ := state.GetCurrentState("a")
	require.Equal(t, StateUnloaded, st)

	_, ok := loader.Get("a")
	require.False(t, ok)
}
