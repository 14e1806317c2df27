package plugins

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func conflictsOfType(conflicts []Conflict, t ConflictType) []Conflict {
	var out []Conflict
	for _, c := range conflicts {
		if c.Type == t {
			out = append(out, c)
		}
	}
	return out
}

func TestConflictDetectorCapabilityDuplicate(t *testing.T) {
	bus := NewEventBus()
	state := NewStateMachine(bus)
	breaker := NewCircuitBreaker(bus)
	guards := NewGuardManager(state, bus)
	services := NewServiceManager(bus)
	cache := NewCache(100, 0)
	memory := NewMemoryTracker()
	registry := NewFactoryRegistry()
	registry.Register("auth-a", okFactory())
	registry.Register("auth-b", okFactory())
	moduleLoader := NewFactoryModuleLoader(registry)
	loader := NewLoader(state, bus, breaker, guards, services, cache, moduleLoader, memory)

	discA := discFor("auth-a", false)
	discA.Manifest.Permissions = []string{"authentication-provider"}
	discB := discFor("auth-b", false)
	discB.Manifest.Permissions = []string{"authentication-provider"}

	state.Discover("auth-a")
	state.Discover("auth-b")
	result := loader.Load(context.Background(), []*Discovery{discA, discB}, [][]*Discovery{{discA, discB}})
	require.NoError(t, result.Err)

	cd := NewConflictDetector(loader, bus)
	conflicts := conflictsOfType(cd.Scan(), ConflictCapabilityDup)
	require.Len(t, conflicts, 1)
	require.ElementsMatch(t, []string{"auth-a", "auth-b"}, conflicts[0].ConflictingPlugins)
	require.Equal(t, SeverityCritical, conflicts[0].Severity)
}

func TestConflictDetectorExportCollision(t *testing.T) {
	bus := NewEventBus()
	state := NewStateMachine(bus)
	breaker := NewCircuitBreaker(bus)
	guards := NewGuardManager(state, bus)
	services := NewServiceManager(bus)
	cache := NewCache(100, 0)
	memory := NewMemoryTracker()
	registry := NewFactoryRegistry()
	registry.Register("p1", okFactory())
	registry.Register("p2", okFactory())
	moduleLoader := NewFactoryModuleLoader(registry)
	loader := NewLoader(state, bus, breaker, guards, services, cache, moduleLoader, memory)

	disc1 := discFor("p1", false)
	disc1.Manifest.Module.Exports = []string{"SharedWidget"}
	disc2 := discFor("p2", false)
	disc2.Manifest.Module.Exports = []string{"SharedWidget"}

	state.Discover("p1")
	state.Discover("p2")
	result := loader.Load(context.Background(), []*Discovery{disc1, disc2}, [][]*Discovery{{disc1, disc2}})
	require.NoError(t, result.Err)

	cd := NewConflictDetector(loader, bus)
	conflicts := conflictsOfType(cd.Scan(), ConflictExportCollision)
	require.Len(t, conflicts, 1)
	require.ElementsMatch(t, []string{"p1", "p2"}, conflicts[0].ConflictingPlugins)
}

func TestConflictDetectorDependencyCascade(t *testing.T) {
	discoveries := []*Discovery{
		discFor("a", false),
		discFor("b", false, "a"),
	}
	loader, state, bus := newTestLoader(t, map[string]Factory{
		"a": failingFactory(), "b": okFactory(),
	})
	for _, d := range discoveries {
		state.Discover(d.Name)
	}
	result := loader.Load(context.Background(), discoveries, [][]*Discovery{{discoveries[0]}, {discoveries[1]}})
	require.Contains(t, result.Failed, "b")

	cd := NewConflictDetector(loader, bus)
	conflicts := conflictsOfType(cd.Scan(), ConflictDependencyMissing)
	require.Len(t, conflicts, 1)
	require.Equal(t, "b", conflicts[0].ConflictingPlugins[0])
}

func TestConflictDetectorDependencyCircular(t *testing.T) {
	discoveries := []*Discovery{
		discFor("a", false, "b"),
		discFor("b", false, "a"),
	}
	loader, state, bus := newTestLoader(t, map[string]Factory{
		"a": okFactory(), "b": okFactory(),
	})
	for _, d := range discoveries {
		state.Discover(d.Name)
	}

	resolver := NewResolver(state, bus)
	plan := resolver.PlanBatches(discoveries)
	require.ElementsMatch(t, []string{"a", "b"}, plan.CycleNames)

	cd := NewConflictDetector(loader, bus)
	cd.SetCycleNames(plan.CycleNames)
	conflicts := conflictsOfType(cd.Scan(), ConflictDependencyCircular)
	require.Len(t, conflicts, 1)
	require.ElementsMatch(t, []string{"a", "b"}, conflicts[0].ConflictingPlugins)
	require.Equal(t, SeverityCritical, conflicts[0].Severity)
}

func TestConflictDetectorGuardConflict(t *testing.T) {
	bus := NewEventBus()
	state := NewStateMachine(bus)
	breaker := NewCircuitBreaker(bus)
	guards := NewGuardManager(state, bus)
	services := NewServiceManager(bus)
	cache := NewCache(100, 0)
	memory := NewMemoryTracker()
	loader := NewLoader(state, bus, breaker, guards, services, cache, nil, memory)

	guards.Store("p1", []GuardEntry{{Kind: GuardLocal, Name: "RateLimitGuard", Exported: true}})
	guards.Store("p2", []GuardEntry{{Kind: GuardLocal, Name: "RateLimitGuard", Exported: true}})

	cd := NewConflictDetector(loader, bus)
	conflicts := conflictsOfType(cd.Scan(), ConflictGuardConflict)
	require.Len(t, conflicts, 1)
	require.ElementsMatch(t, []string{"p1", "p2"}, conflicts[0].ConflictingPlugins)
	require.True(t, conflicts[0].AutoResolvable)
}

func TestConflictDetectorVersionIncompatibility(t *testing.T) {
	bus := NewEventBus()
	state := NewStateMachine(bus)
	breaker := NewCircuitBreaker(bus)
	guards := NewGuardManager(state, bus)
	services := NewServiceManager(bus)
	cache := NewCache(100, 0)
	memory := NewMemoryTracker()
	loader := NewLoader(state, bus, breaker, guards, services, cache, nil, memory)

	services.CreateProviders("p1", []CrossPluginServiceConfig{{ServiceName: "billingApi", Version: "1.0.0"}}, map[string]bool{"billingApi": true})
	services.CreateProviders("p2", []CrossPluginServiceConfig{{ServiceName: "billingApi", Version: "2.0.0"}}, map[string]bool{"billingApi": true})

	cd := NewConflictDetector(loader, bus)
	conflicts := conflictsOfType(cd.Scan(), ConflictVersionIncompat)
	require.Len(t, conflicts, 1)
	require.Equal(t, "billingApi", conflicts[0].Resource)
}

func TestConflictDetectorNamespacePollution(t *testing.T) {
	bus := NewEventBus()
	state := NewStateMachine(bus)
	breaker := NewCircuitBreaker(bus)
	guards := NewGuardManager(state, bus)
	services := NewServiceManager(bus)
	cache := NewCache(100, 0)
	memory := NewMemoryTracker()
	loader := NewLoader(state, bus, breaker, guards, services, cache, nil, memory)

	var configs []CrossPluginServiceConfig
	symbols := map[string]bool{}
	for i := 0; i < namespacePollutionThreshold+1; i++ {
		name := fmt.Sprintf("svc%d", i)
		configs = append(configs, CrossPluginServiceConfig{ServiceName: name, Global: true})
		symbols[name] = true
	}
	services.CreateProviders("noisy", configs, symbols)

	cd := NewConflictDetector(loader, bus)
	conflicts := conflictsOfType(cd.Scan(), ConflictNamespacePollution)
	require.Len(t, conflicts, 1)
	require.Equal(t, "noisy", conflicts[0].ConflictingPlugins[0])
}
