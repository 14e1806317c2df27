package plugins

import (
	"fmt"
	"sync"
)

// LoadedGuard is a guard entry as stored in the guard index, tagged
// with the plugin that owns it.
type LoadedGuard struct {
	Entry        GuardEntry
	OwningPlugin string
}

func guardKey(pluginName, guardName string) string {
	return pluginName + ":" + guardName
}

// GuardResolution is the result of resolving a requester's guard list.
type GuardResolution struct {
	ResolvedGuards      []*LoadedGuard
	MissingDependencies []string
	CircularDependencies []string
}

// GuardStats summarizes the guard index.
type GuardStats struct {
	Total      int
	Local      int
	External   int
	Exported   int
	ByPlugin   map[string]int
}

// GuardManager stores every plugin's guard entries and resolves a
// requester's guard list against the full cross-plugin graph. Storage
// mutation is serialized by storeMu; resolution is serialized by a
// separate resolveMu per spec §4.6 and also holds storeMu while it
// walks the graph, so it never interleaves with a store or remove.
type GuardManager struct {
	storeMu sync.Mutex
	resolveMu sync.Mutex

	guards map[string]*LoadedGuard // key: "plugin:guardName"
	state  *StateMachine
	bus    *EventBus
}

// NewGuardManager creates an empty guard index.
func NewGuardManager(state *StateMachine, bus *EventBus) *GuardManager {
	return &GuardManager{
		guards: make(map[string]*LoadedGuard),
		state:  state,
		bus:    bus,
	}
}

// Store registers every guard entry declared by pluginName. Storage is
// serialized by storeMu so concurrent stores/removes never interleave
// with each other or with an in-flight Resolve.
func (gm *GuardManager) Store(pluginName string, entries []GuardEntry) {
	gm.storeMu.Lock()
	defer gm.storeMu.Unlock()

	for _, e := range entries {
		key := guardKey(pluginName, e.Name)
		gm.guards[key] = &LoadedGuard{Entry: e, OwningPlugin: pluginName}
	}

	if gm.bus != nil {
		gm.bus.EmitAsync(Event{
			Type:       EventGuardRegistered,
			PluginName: pluginName,
			Source:     "guard-manager",
			Data:       map[string]interface{}{"count": len(entries)},
		})
	}
}

// RemovePlugin drops every guard owned by pluginName.
func (gm *GuardManager) RemovePlugin(pluginName string) {
	gm.storeMu.Lock()
	defer gm.storeMu.Unlock()

	for key, g := range gm.guards {
		if g.OwningPlugin == pluginName {
			delete(gm.guards, key)
		}
	}

	if gm.bus != nil {
		gm.bus.EmitAsync(Event{
			Type:       EventGuardRemoved,
			PluginName: pluginName,
			Source:     "guard-manager",
		})
	}
}

// Resolve resolves requestedGuards for requesterPlugin via depth-first
// search: each name is looked up first in the requester's own local
// guards, then in exported locals of other plugins, then in externals;
// local guards recurse through their declared dependencies. Resolution
// is serialized by resolveMu and holds storeMu throughout, to keep a
// consistent view of the graph across concurrent stores and removes.
func (gm *GuardManager) Resolve(requesterPlugin string, requestedGuards []string) GuardResolution {
	gm.resolveMu.Lock()
	defer gm.resolveMu.Unlock()
	gm.storeMu.Lock()
	defer gm.storeMu.Unlock()

	var result GuardResolution
	visited := make(map[string]bool)
	onStack := make(map[string]bool)

	for _, name := range requestedGuards {
		gm.resolveOne(requesterPlugin, name, visited, onStack, &result)
	}
	return result
}

func (gm *GuardManager) resolveOne(requesterPlugin, guardName string, visited, onStack map[string]bool, result *GuardResolution) *LoadedGuard {
	stackKey := guardKey(requesterPlugin, guardName)
	if onStack[stackKey] {
		result.CircularDependencies = append(result.CircularDependencies, guardName)
		return nil
	}
	if visited[stackKey] {
		if g, ok := gm.guards[guardKey(requesterPlugin, guardName)]; ok {
			return g
		}
	}

	onStack[stackKey] = true
	defer func() { onStack[stackKey] = false; visited[stackKey] = true }()

	// 1. requester's own local guards.
	if g, ok := gm.guards[guardKey(requesterPlugin, guardName)]; ok && g.Entry.Kind == GuardLocal {
		return gm.resolveLocalDeps(requesterPlugin, g, visited, onStack, result)
	}

	// 2. exported locals of other plugins (treated as implicit externals).
	for key, g := range gm.guards {
		if g.Entry.Kind != GuardLocal || g.Entry.Name != guardName || g.OwningPlugin == requesterPlugin {
			continue
		}
		_ = key
		if !g.Entry.Exported {
			continue
		}
		state, known := gm.state.GetCurrentState(g.OwningPlugin)
		if !known || state != StateLoaded {
			continue
		}
		return gm.resolveLocalDeps(g.OwningPlugin, g, visited, onStack, result)
	}

	// 3. explicit external references declared by the requester.
	if g, ok := gm.guards[guardKey(requesterPlugin, guardName)]; ok && g.Entry.Kind == GuardExternal {
		source := g.Entry.SourcePlugin
		sourceGuard, ok := gm.guards[guardKey(source, guardName)]
		if !ok || sourceGuard.Entry.Kind != GuardLocal || !sourceGuard.Entry.Exported {
			result.MissingDependencies = append(result.MissingDependencies, guardName)
			return nil
		}
		state, known := gm.state.GetCurrentState(source)
		if !known || state != StateLoaded {
			result.MissingDependencies = append(result.MissingDependencies, guardName)
			return nil
		}
		result.ResolvedGuards = append(result.ResolvedGuards, g)
		return g
	}

	result.MissingDependencies = append(result.MissingDependencies, guardName)
	return nil
}

func (gm *GuardManager) resolveLocalDeps(owner string, g *LoadedGuard, visited, onStack map[string]bool, result *GuardResolution) *LoadedGuard {
	for _, depName := range g.Entry.Dependencies {
		gm.resolveOne(owner, depName, visited, onStack, result)
	}
	result.ResolvedGuards = append(result.ResolvedGuards, g)
	return g
}

// Statistics summarizes the guard index.
func (gm *GuardManager) Statistics() GuardStats {
	gm.storeMu.Lock()
	defer gm.storeMu.Unlock()

	stats := GuardStats{ByPlugin: make(map[string]int)}
	for _, g := range gm.guards {
		stats.Total++
		stats.ByPlugin[g.OwningPlugin]++
		switch g.Entry.Kind {
		case GuardLocal:
			stats.Local++
			if g.Entry.Exported {
				stats.Exported++
			}
		case GuardExternal:
			stats.External++
		}
	}
	return stats
}

// describeMissing renders a human-readable reason for a missing guard,
// used by the loader to build a GuardUnresolvable error.
func describeMissing(pluginName string, missing []string) string {
	return fmt.Sprintf("plugin %s: unresolved guards %v", pluginName, missing)
}
