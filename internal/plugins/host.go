package plugins

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/streamspace/pluginhost/internal/logger"
	"github.com/streamspace/pluginhost/internal/pherrors"
)

// HostConfig is the subset of internal/config.Config the kernel itself
// needs, passed in by cmd/main.go rather than imported directly so
// this package stays independent of the ambient-config layer.
type HostConfig struct {
	PluginsDir           string
	CacheMaxSize         int
	CacheMemoryLimitMB   int
	CacheCleanupInterval time.Duration
	CacheDefaultTTL      time.Duration
	ConflictScanInterval time.Duration
}

// Host is the top-level orchestrator: it wires discovery, the
// resolver, the loader, and every supporting manager together and
// drives the cron-scheduled conflict scan (the cache sweeper runs its
// own ticker, started alongside cron in Start). It plays the role the
// teacher's RuntimeV2 plays for its own (simpler) plugin subsystem.
type Host struct {
	config HostConfig

	Bus              *EventBus
	State            *StateMachine
	Cache            *Cache
	Breaker          *CircuitBreaker
	Guards           *GuardManager
	Services         *ServiceManager
	Memory           *MemoryTracker
	Discovery        *DiscoveryService
	Resolver         *Resolver
	Loader           *Loader
	ConflictDetector *ConflictDetector
	Factories        *FactoryRegistry

	cron *cron.Cron
}

// NewHost wires every kernel component from config. moduleLoader is
// injected so tests can substitute a fake without touching the
// factory registry's global state.
func NewHost(config HostConfig, moduleLoader ModuleLoader) *Host {
	bus := NewEventBus()
	bus.ConfigureBatch(EventLoadingProgress, BatchConfig{MaxBatchSize: 50, FlushInterval: 500 * time.Millisecond})

	state := NewStateMachine(bus)
	kernelCache := NewCache(config.CacheMaxSize, config.CacheMemoryLimitMB*1024*1024)
	breaker := NewCircuitBreaker(bus)
	guards := NewGuardManager(state, bus)
	services := NewServiceManager(bus)
	memory := NewMemoryTracker()
	discovery := NewDiscoveryService(config.PluginsDir, kernelCache, state, bus, config.CacheDefaultTTL)
	resolver := NewResolver(state, bus)
	loader := NewLoader(state, bus, breaker, guards, services, kernelCache, moduleLoader, memory)

	h := &Host{
		config:    config,
		Bus:       bus,
		State:     state,
		Cache:     kernelCache,
		Breaker:   breaker,
		Guards:    guards,
		Services:  services,
		Memory:    memory,
		Discovery: discovery,
		Resolver:  resolver,
		Loader:    loader,
		Factories: NewFactoryRegistry(),
		cron:      cron.New(),
	}
	h.ConflictDetector = NewConflictDetector(loader, bus)
	return h
}

// Start boots the bus, the cache sweeper, the cron-scheduled conflict
// scan, runs discovery, plans batches, and loads every plugin. It
// returns an error when discovery itself fails; after that, only when
// a critical plugin failed to load (LoadResult.Err), matching the exit
// semantics of spec §6 for the load phase.
func (h *Host) Start(ctx context.Context) (LoadResult, error) {
	h.Bus.Start()
	h.Cache.StartSweeper(h.config.CacheCleanupInterval)

	if h.config.ConflictScanInterval > 0 {
		if _, err := h.cron.AddFunc(everySpec(h.config.ConflictScanInterval), func() {
			h.ConflictDetector.Scan()
		}); err != nil {
			logger.Loader().Warn().Err(err).Msg("failed to schedule conflict scan cron job")
		}
	}
	h.cron.Start()

	discoveries, err := h.Discovery.DiscoverAll()
	if err != nil {
		return LoadResult{}, pherrors.Wrap(pherrors.ManifestMissing, "discovery failed", err)
	}

	plan := h.Resolver.PlanBatches(discoveries)
	h.ConflictDetector.SetCycleNames(plan.CycleNames)
	if len(plan.CycleNames) > 0 {
		logger.Loader().Error().Strs("plugins", plan.CycleNames).Msg("dependency cycle excluded from load")
		h.Bus.EmitAsync(Event{
			Type:   EventLoadFailed,
			Source: "resolver",
			Data:   map[string]interface{}{"reason": "DependencyCycle", "plugins": plan.CycleNames},
		})
	}

	result := h.Loader.Load(ctx, discoveries, plan.Batches)
	return result, result.Err
}

// Shutdown stops the cron scheduler, the event bus, and the cache
// sweeper. It does not unload plugins — callers that want a clean
// per-plugin teardown should call Loader.Unload for each loaded name
// first.
func (h *Host) Shutdown() {
	h.cron.Stop()
	h.Cache.Stop()
	h.Bus.Stop()
}

// everySpec converts a Go duration into a cron "@every" spec.
func everySpec(d time.Duration) string {
	if d <= 0 {
		d = time.Minute
	}
	return fmt.Sprintf("@every %s", d)
}
