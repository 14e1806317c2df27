package plugins

import (
	"context"
	"fmt"
	"sync"
)

// PluginDescriptor is what a plugin factory returns: a value-typed
// description of everything the loader needs, replacing the
// decorator/reflection discovery the source system used to build this
// at runtime (spec §9 design note). The host calls the factory and
// looks the manifest's declared symbol names up in Symbols; there is no
// reflection step.
type PluginDescriptor struct {
	Symbols map[string]bool // names callable from this plugin's module
	Hooks   LifecycleHooks
}

// LifecycleHooks are the ordinary callables a plugin factory supplies
// in place of the source system's reflection-discovered hook methods.
type LifecycleHooks struct {
	BeforeLoad   func(ctx context.Context) error
	AfterLoad    func(ctx context.Context) error
	BeforeUnload func(ctx context.Context) error
	AfterUnload  func(ctx context.Context) error
	OnError      func(ctx context.Context, cause error)
}

// Factory builds a PluginDescriptor for one plugin. Factories are
// supplied by plugin code and registered by name ahead of discovery —
// there is no dynamic code loading in this host.
type Factory func() (*PluginDescriptor, error)

// FactoryRegistry is the process-wide map of plugin name to factory,
// generalizing the teacher's GlobalPluginRegistry/builtinPlugins map to
// the kernel's PluginDescriptor-based composition model.
type FactoryRegistry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewFactoryRegistry creates an empty registry.
func NewFactoryRegistry() *FactoryRegistry {
	return &FactoryRegistry{factories: make(map[string]Factory)}
}

// Register associates a plugin name with its descriptor factory. A
// second registration for the same name overwrites the first — this
// mirrors how a process restart re-registers every built-in plugin.
func (r *FactoryRegistry) Register(pluginName string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[pluginName] = factory
}

// Get returns the factory registered for pluginName, if any.
func (r *FactoryRegistry) Get(pluginName string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[pluginName]
	return f, ok
}

// List returns every registered plugin name.
func (r *FactoryRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}

// ModuleLoader resolves a discovered plugin's code bundle into a
// PluginDescriptor. The plugin binary format is opaque to the kernel;
// FactoryModuleLoader is the only implementation this host ships,
// backed by explicit factory registration instead of dynamic loading.
type ModuleLoader interface {
	Load(ctx context.Context, disc *Discovery) (*PluginDescriptor, error)
}

// FactoryModuleLoader looks up disc.Name in a FactoryRegistry.
type FactoryModuleLoader struct {
	registry *FactoryRegistry
}

// NewFactoryModuleLoader creates a loader backed by registry.
func NewFactoryModuleLoader(registry *FactoryRegistry) *FactoryModuleLoader {
	return &FactoryModuleLoader{registry: registry}
}

// Load calls the registered factory for disc.Name.
func (l *FactoryModuleLoader) Load(ctx context.Context, disc *Discovery) (*PluginDescriptor, error) {
	factory, ok := l.registry.Get(disc.Name)
	if !ok {
		return nil, fmt.Errorf("no factory registered for plugin %s (expected bundle at %s)", disc.Name, disc.BinaryPath())
	}
	return factory()
}
