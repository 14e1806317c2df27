package plugins

import (
	"runtime"
	"sync"
	"time"
)

// pluginMemory tracks the resources one loaded plugin registered with
// the host: timers it started and event listeners it attached, plus
// when it was loaded. The kernel has no weak-reference primitive the
// way the source runtime does; tracking here exists so Unload can
// positively account for everything a plugin touched rather than
// relying on GC alone.
type pluginMemory struct {
	loadedAt  time.Time
	timers    []*time.Timer
	listeners []SubscriptionID
}

// MemoryStats is a snapshot for one plugin or the whole host.
type MemoryStats struct {
	TrackedPlugins int
	TotalTimers    int
	TotalListeners int
	HeapAllocBytes uint64
}

// MemoryTracker records per-plugin resource ownership and clears it on
// unload, issuing a GC hint afterward the way the source runtime issues
// a manual collection hint after tearing down a plugin's heap objects.
type MemoryTracker struct {
	mu      sync.Mutex
	byPlugin map[string]*pluginMemory
}

// NewMemoryTracker creates an empty tracker.
func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{byPlugin: make(map[string]*pluginMemory)}
}

// Track begins accounting for a newly loaded plugin.
func (m *MemoryTracker) Track(pluginName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byPlugin[pluginName] = &pluginMemory{loadedAt: time.Now()}
}

// RegisterTimer associates a timer with a plugin so it can be stopped
// on unload even if the plugin itself leaked a reference to it.
func (m *MemoryTracker) RegisterTimer(pluginName string, t *time.Timer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pm, ok := m.byPlugin[pluginName]; ok {
		pm.timers = append(pm.timers, t)
	}
}

// RegisterListener associates an event-bus subscription with a plugin.
func (m *MemoryTracker) RegisterListener(pluginName string, sub SubscriptionID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pm, ok := m.byPlugin[pluginName]; ok {
		pm.listeners = append(pm.listeners, sub)
	}
}

// UnregisterListener drops a single subscription from a plugin's
// listener list, e.g. once a short-lived subscription (like a
// dependency wait) has already unsubscribed itself from the bus.
func (m *MemoryTracker) UnregisterListener(pluginName string, sub SubscriptionID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pm, ok := m.byPlugin[pluginName]
	if !ok {
		return
	}
	for i, s := range pm.listeners {
		if s == sub {
			pm.listeners = append(pm.listeners[:i], pm.listeners[i+1:]...)
			return
		}
	}
}

// Untrack stops every timer registered for pluginName, drops the
// listener list, and clears the record. The caller is responsible for
// actually unsubscribing listeners from the event bus — this only
// forgets the bookkeeping once that is done.
func (m *MemoryTracker) Untrack(pluginName string) {
	m.mu.Lock()
	pm, ok := m.byPlugin[pluginName]
	if ok {
		delete(m.byPlugin, pluginName)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	for _, t := range pm.timers {
		t.Stop()
	}
	runtime.GC()
}

// Stats returns an aggregate snapshot across every tracked plugin.
func (m *MemoryTracker) Stats() MemoryStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := MemoryStats{TrackedPlugins: len(m.byPlugin)}
	for _, pm := range m.byPlugin {
		stats.TotalTimers += len(pm.timers)
		stats.TotalListeners += len(pm.listeners)
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	stats.HeapAllocBytes = memStats.HeapAlloc
	return stats
}

// PluginStats returns per-plugin timer/listener counts and load time.
func (m *MemoryTracker) PluginStats(pluginName string) (timers, listeners int, loadedAt time.Time, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pm, exists := m.byPlugin[pluginName]
	if !exists {
		return 0, 0, time.Time{}, false
	}
	return len(pm.timers), len(pm.listeners), pm.loadedAt, true
}
