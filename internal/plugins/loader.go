package plugins

import (
	"context"
	"sync"
	"time"

	"github.com/streamspace/pluginhost/internal/logger"
	"github.com/streamspace/pluginhost/internal/pherrors"
)

const lifecycleHookTimeout = 5 * time.Second

// LoadedPlugin is everything the loader keeps for one LOADED plugin.
type LoadedPlugin struct {
	manifest   *PluginManifest
	descriptor *PluginDescriptor
	guards     []*LoadedGuard
	services   []*ServiceProvider
}

// TransitionRecorder is an optional persistence hook the loader calls
// on LOADED/FAILED/UNLOADED, letting the host wire an audit log without
// this package depending on a storage implementation.
type TransitionRecorder func(pluginName, version, state, reason string)

// Loader is the dependency-ordered batch scheduler described in §4.4:
// for each batch, every member loads concurrently; batch n+1 starts
// only once every member of batch n reached LOADED or FAILED.
type Loader struct {
	mu     sync.RWMutex
	loaded map[string]*LoadedPlugin

	failMu         sync.Mutex
	failureReasons map[string]string

	state        *StateMachine
	bus          *EventBus
	resolver     *Resolver
	breaker      *CircuitBreaker
	guards       *GuardManager
	services     *ServiceManager
	cache        *Cache
	moduleLoader ModuleLoader
	memory       *MemoryTracker

	loadingOnce sync.Map // plugin name -> *sync.Once, enforces at-most-one load

	OnTransition TransitionRecorder
}

// NewLoader wires a loader from its collaborators.
func NewLoader(state *StateMachine, bus *EventBus, breaker *CircuitBreaker, guards *GuardManager,
	services *ServiceManager, cache *Cache, moduleLoader ModuleLoader, memory *MemoryTracker) *Loader {
	resolver := NewResolver(state, bus)
	resolver.SetMemoryTracker(memory)
	breaker.SetMemoryTracker(memory)
	return &Loader{
		loaded:         make(map[string]*LoadedPlugin),
		failureReasons: make(map[string]string),
		state:          state,
		bus:            bus,
		resolver:       resolver,
		breaker:        breaker,
		guards:         guards,
		services:       services,
		cache:          cache,
		moduleLoader:   moduleLoader,
		memory:         memory,
	}
}

// LoadResult summarizes one call to Load.
type LoadResult struct {
	Loaded []string
	Failed []string
	Err    error // non-nil only when a critical plugin failed
}

// Load runs every batch in order, loading its members concurrently. A
// critical plugin's failure aborts remaining batches; a non-critical
// plugin's failure cascades FAILED to its not-yet-loaded dependents but
// otherwise lets the batch continue.
func (l *Loader) Load(ctx context.Context, discoveries []*Discovery, batches [][]*Discovery) LoadResult {
	byName := make(map[string]*Discovery, len(discoveries))
	dependents := make(map[string][]string, len(discoveries))
	for _, d := range discoveries {
		byName[d.Name] = d
		for _, dep := range d.DependsOn {
			dependents[dep] = append(dependents[dep], d.Name)
		}
	}

	var result LoadResult
	failed := make(map[string]bool)

	for _, batch := range batches {
		var wg sync.WaitGroup
		var mu sync.Mutex

		for _, disc := range batch {
			if failed[disc.Name] {
				continue
			}
			wg.Add(1)
			go func(disc *Discovery) {
				defer wg.Done()
				if err := l.loadOne(ctx, disc); err != nil {
					mu.Lock()
					result.Failed = append(result.Failed, disc.Name)
					failed[disc.Name] = true
					mu.Unlock()
					l.cascadeFail(disc.Name, byName, dependents, failed, &result, &mu)
				} else {
					mu.Lock()
					result.Loaded = append(result.Loaded, disc.Name)
					mu.Unlock()
				}
			}(disc)
		}
		wg.Wait()

		for _, disc := range batch {
			if failed[disc.Name] && byName[disc.Name].Manifest.Critical {
				result.Err = pherrors.ForPlugin(pherrors.LifecycleHookFailure, disc.Name, "critical plugin failed to load")
				return result
			}
		}
	}

	return result
}

// cascadeFail transitively marks every not-yet-loaded dependent of a
// failed plugin as FAILED with reason dependency-cascade.
func (l *Loader) cascadeFail(failedName string, byName map[string]*Discovery, dependents map[string][]string,
	failed map[string]bool, result *LoadResult, mu *sync.Mutex) {
	queue := append([]string{}, dependents[failedName]...)
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]

		mu.Lock()
		already := failed[name]
		mu.Unlock()
		if already {
			continue
		}
		if _, known := byName[name]; !known {
			continue
		}

		// A cascaded dependent has not started loading; it passes through
		// LOADING so that FAILED is reached by a legal edge.
		if st, ok := l.state.GetCurrentState(name); ok && st == StateDiscovered {
			_ = l.state.Transition(name, StateLoading, "dependency-cascade")
		}
		l.markFailed(name, "dependency-cascade")
		mu.Lock()
		failed[name] = true
		result.Failed = append(result.Failed, name)
		mu.Unlock()

		queue = append(queue, dependents[name]...)
	}
}

func (l *Loader) markFailed(pluginName, reason string) {
	_ = l.state.Transition(pluginName, StateFailed, reason)
	l.failMu.Lock()
	l.failureReasons[pluginName] = reason
	l.failMu.Unlock()

	l.bus.EmitAsync(Event{
		Type:       EventLoadFailed,
		PluginName: pluginName,
		Source:     "loader",
		Data:       map[string]interface{}{"reason": reason},
	})
	if l.OnTransition != nil {
		l.OnTransition(pluginName, "", string(StateFailed), reason)
	}
}

// failureReason returns the recorded failure reason for a plugin, if any.
func (l *Loader) failureReason(pluginName string) (string, bool) {
	l.failMu.Lock()
	defer l.failMu.Unlock()
	r, ok := l.failureReasons[pluginName]
	return r, ok
}

// loadOne runs the ten-step per-plugin load sequence from §4.4. It
// guarantees at-most-one concurrent load per plugin name for the host's
// lifetime via loadingOnce.
func (l *Loader) loadOne(ctx context.Context, disc *Discovery) error {
	onceVal, _ := l.loadingOnce.LoadOrStore(disc.Name, &sync.Once{})
	once := onceVal.(*sync.Once)

	var loadErr error
	ran := false
	once.Do(func() {
		ran = true
		loadErr = l.doLoad(ctx, disc)
	})
	if !ran {
		return pherrors.ForPlugin(pherrors.ManifestInvalid, disc.Name, "plugin already attempted a load this host lifetime")
	}
	return loadErr
}

func (l *Loader) doLoad(ctx context.Context, disc *Discovery) (err error) {
	log := logger.Loader().With().Str("plugin", disc.Name).Logger()

	// 1. DISCOVERED -> LOADING
	if err := l.state.Transition(disc.Name, StateLoading, "load-start"); err != nil {
		return err
	}
	l.bus.EmitAsync(Event{Type: EventLoadingStarted, PluginName: disc.Name, Source: "loader"})

	// Tracking starts here, not at LOADED, so any timer or listener a
	// plugin's dependency wait or circuit breaker opens while still
	// loading is accounted for and torn down on a failed load too.
	l.memory.Track(disc.Name)
	defer func() {
		if err != nil {
			l.memory.Untrack(disc.Name)
		}
	}()

	// 2. circuit breaker gate
	if l.breaker.IsOpen(disc.Name) {
		l.markFailed(disc.Name, "circuit-open")
		return newCircuitOpenError(disc.Name)
	}

	// 3. wait for dependencies
	if err := l.resolver.WaitForDependencies(ctx, disc.Name, disc.DependsOn); err != nil {
		l.markFailed(disc.Name, classifyWaitError(err))
		return err
	}

	// 4. import plugin module, invalidating any cached dependencies:<name> entry for it
	l.cache.Invalidate(dependenciesKey(disc.Name))
	var descriptor *PluginDescriptor
	err = l.breaker.Execute(ctx, disc.Name, func(opCtx context.Context) error {
		d, loadErr := l.moduleLoader.Load(opCtx, disc)
		if loadErr != nil {
			return loadErr
		}
		descriptor = d
		return nil
	})
	if err != nil {
		l.markFailed(disc.Name, "module-load-failed")
		return err
	}

	// 5. beforeLoad hook — fatal on failure
	if descriptor.Hooks.BeforeLoad != nil {
		if err := runHook(ctx, "beforeLoad", descriptor.Hooks.BeforeLoad); err != nil {
			l.markFailed(disc.Name, "LifecycleHookFailure")
			return newLifecycleHookFailureError(disc.Name, "beforeLoad", err)
		}
	}

	// 6. store and validate guards
	l.guards.Store(disc.Name, disc.Manifest.Module.Guards)
	guardNames := make([]string, 0, len(disc.Manifest.Module.Guards))
	for _, g := range disc.Manifest.Module.Guards {
		guardNames = append(guardNames, g.Name)
	}
	resolution := l.guards.Resolve(disc.Name, guardNames)
	if len(resolution.CircularDependencies) > 0 {
		l.guards.RemovePlugin(disc.Name)
		l.markFailed(disc.Name, "GuardCircular")
		return newGuardCircularError(disc.Name, resolution.CircularDependencies)
	}
	if len(resolution.MissingDependencies) > 0 {
		l.guards.RemovePlugin(disc.Name)
		l.markFailed(disc.Name, "GuardUnresolvable")
		return newGuardUnresolvableError(disc.Name, resolution.MissingDependencies[0])
	}

	// 7. build module composition: resolve symbols, attach providers.
	for _, name := range append(append([]string{}, disc.Manifest.Module.Controllers...), disc.Manifest.Module.Providers...) {
		if !descriptor.Symbols[name] {
			log.Warn().Str("symbol", name).Msg("declared symbol missing from module, dropping")
		}
	}
	providers := l.services.CreateProviders(disc.Name, disc.Manifest.Module.CrossPluginServices, descriptor.Symbols)

	// 8. attribute controller ownership (logged; no runtime interceptor in this host)
	for _, controller := range disc.Manifest.Module.Controllers {
		log.Debug().Str("controller", controller).Str("owner", disc.Name).Msg("controller attributed to plugin")
	}

	// 9. afterLoad — logged and skipped on failure, never fatal
	if descriptor.Hooks.AfterLoad != nil {
		if err := runHook(ctx, "afterLoad", descriptor.Hooks.AfterLoad); err != nil {
			log.Warn().Err(err).Msg("afterLoad hook failed, continuing")
		}
	}

	// 10. register and transition to LOADED
	l.mu.Lock()
	l.loaded[disc.Name] = &LoadedPlugin{
		manifest:   disc.Manifest,
		descriptor: descriptor,
		guards:     resolution.ResolvedGuards,
		services:   providers,
	}
	l.mu.Unlock()

	if err := l.state.Transition(disc.Name, StateLoaded, "loaded"); err != nil {
		return err
	}
	l.bus.EmitAsync(Event{Type: EventLoaded, PluginName: disc.Name, Source: "loader"})
	if l.OnTransition != nil {
		l.OnTransition(disc.Name, disc.Manifest.Version, string(StateLoaded), "")
	}
	return nil
}

func classifyWaitError(err error) string {
	if he, ok := err.(*pherrors.HostError); ok {
		return string(he.Kind)
	}
	return "dependency-failed"
}

func runHook(ctx context.Context, name string, hook func(context.Context) error) error {
	hookCtx, cancel := context.WithTimeout(ctx, lifecycleHookTimeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errCh <- pherrors.New(pherrors.LifecycleHookFailure, "hook panicked")
			}
		}()
		errCh <- hook(hookCtx)
	}()

	select {
	case err := <-errCh:
		return err
	case <-hookCtx.Done():
		return newLifecycleHookTimeoutError("", name)
	}
}

// Unload reverses the load flow: beforeUnload, remove from every
// index, afterUnload, UNLOADED transition. The loaded map, guard index
// and service index are cleared together under the loader's write
// lock; the state machine moves to UNLOADED only after afterUnload has
// run, so until then a reader can see the plugin still LOADED.
func (l *Loader) Unload(ctx context.Context, pluginName string) error {
	l.mu.Lock()
	lp, ok := l.loaded[pluginName]
	if !ok {
		l.mu.Unlock()
		return pherrors.ForPlugin(pherrors.ManifestMissing, pluginName, "plugin is not loaded")
	}
	l.mu.Unlock()

	if lp.descriptor.Hooks.BeforeUnload != nil {
		if err := runHook(ctx, "beforeUnload", lp.descriptor.Hooks.BeforeUnload); err != nil {
			logger.Loader().Warn().Str("plugin", pluginName).Err(err).Msg("beforeUnload hook failed, continuing")
		}
	}

	l.mu.Lock()
	delete(l.loaded, pluginName)
	l.guards.RemovePlugin(pluginName)
	l.services.RemovePluginServices(pluginName)
	l.mu.Unlock()
	l.memory.Untrack(pluginName)

	if lp.descriptor.Hooks.AfterUnload != nil {
		if err := runHook(ctx, "afterUnload", lp.descriptor.Hooks.AfterUnload); err != nil {
			logger.Loader().Warn().Str("plugin", pluginName).Err(err).Msg("afterUnload hook failed, continuing")
		}
	}

	if err := l.state.Transition(pluginName, StateUnloaded, "unload"); err != nil {
		return err
	}
	l.bus.EmitAsync(Event{Type: EventUnloaded, PluginName: pluginName, Source: "loader"})
	if l.OnTransition != nil {
		l.OnTransition(pluginName, lp.manifest.Version, string(StateUnloaded), "")
	}
	return nil
}

// Get returns the loaded-plugin record for a plugin name.
func (l *Loader) Get(pluginName string) (*LoadedPlugin, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	lp, ok := l.loaded[pluginName]
	return lp, ok
}

// Version returns the manifest version this plugin was loaded at.
func (lp *LoadedPlugin) Version() string {
	return lp.manifest.Version
}

// ListLoaded returns every currently loaded plugin name.
func (l *Loader) ListLoaded() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.loaded))
	for name := range l.loaded {
		names = append(names, name)
	}
	return names
}
