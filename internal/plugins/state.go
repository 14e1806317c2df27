package plugins

import (
	"sync"
	"time"
)

// State is a plugin's position in its lifecycle.
type State string

const (
	StateDiscovered State = "DISCOVERED"
	StateLoading    State = "LOADING"
	StateLoaded     State = "LOADED"
	StateFailed     State = "FAILED"
	StateUnloaded   State = "UNLOADED"
)

// legalTransitions enumerates the only edges the state machine accepts.
// FAILED and UNLOADED are terminal — neither appears as a source here.
var legalTransitions = map[State][]State{
	StateDiscovered: {StateLoading},
	StateLoading:    {StateLoaded, StateFailed},
	StateLoaded:     {StateUnloaded},
}

// StateChange is the payload of a state.changed event.
type StateChange struct {
	PluginName string
	FromState  State
	ToState    State
	Transition string
	At         time.Time
	Reason     string
}

// stateRecord is the snapshot kept per plugin.
type stateRecord struct {
	state     State
	changedAt time.Time
	reason    string
}

// StateMachine enforces the legal-transition table for every plugin on
// the host and publishes state.changed events. Reads are served from a
// lock-free atomic-ish snapshot pattern: we still take the read lock,
// but never hold it across anything that can block.
type StateMachine struct {
	mu     sync.RWMutex
	states map[string]*stateRecord
	bus    *EventBus
}

// NewStateMachine creates a state machine that publishes transitions on bus.
func NewStateMachine(bus *EventBus) *StateMachine {
	return &StateMachine{
		states: make(map[string]*stateRecord),
		bus:    bus,
	}
}

// Discover registers a plugin name in DISCOVERED. Calling Discover twice
// for the same name is a no-op returning false on the second call — plugin
// names are immutable once discovered (invariant 1).
func (sm *StateMachine) Discover(pluginName string) bool {
	sm.mu.Lock()
	if _, exists := sm.states[pluginName]; exists {
		sm.mu.Unlock()
		return false
	}
	sm.states[pluginName] = &stateRecord{state: StateDiscovered, changedAt: time.Now()}
	sm.mu.Unlock()

	sm.publish(pluginName, "", StateDiscovered, "discover", "")
	return true
}

// Transition attempts to move pluginName from its current state to to.
// It returns an error describing the illegal edge when the transition
// is not in the legal table and emits an error event for it; an unknown
// plugin name returns an error without one. A failed transition never
// emits state.changed.
func (sm *StateMachine) Transition(pluginName string, to State, reason string) error {
	sm.mu.Lock()
	rec, exists := sm.states[pluginName]
	if !exists {
		sm.mu.Unlock()
		return newIllegalTransitionError(pluginName, "", to)
	}

	from := rec.state
	if !isLegal(from, to) {
		sm.mu.Unlock()
		sm.bus.EmitAsync(Event{
			Type:       EventError,
			PluginName: pluginName,
			Source:     "state-machine",
			Data: map[string]interface{}{
				"illegalTransition": true,
				"from":              from,
				"to":                to,
			},
		})
		return newIllegalTransitionError(pluginName, from, to)
	}

	rec.state = to
	rec.changedAt = time.Now()
	rec.reason = reason
	sm.mu.Unlock()

	sm.publish(pluginName, from, to, string(from)+"->"+string(to), reason)
	return nil
}

func (sm *StateMachine) publish(pluginName string, from, to State, transition, reason string) {
	if sm.bus == nil {
		return
	}
	sm.bus.EmitAsync(Event{
		Type:       EventStateChanged,
		PluginName: pluginName,
		Source:     "state-machine",
		Data: map[string]interface{}{
			"fromState":  from,
			"toState":    to,
			"transition": transition,
			"reason":     reason,
		},
	})
}

// GetCurrentState returns the current state for a plugin and whether it
// is known to the machine at all.
func (sm *StateMachine) GetCurrentState(pluginName string) (State, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	rec, ok := sm.states[pluginName]
	if !ok {
		return "", false
	}
	return rec.state, true
}

// ListByState returns every plugin name currently in the given state.
func (sm *StateMachine) ListByState(state State) []string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	var names []string
	for name, rec := range sm.states {
		if rec.state == state {
			names = append(names, name)
		}
	}
	return names
}

// ChangedAt returns the wall-clock time of the plugin's last transition.
func (sm *StateMachine) ChangedAt(pluginName string) (time.Time, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	rec, ok := sm.states[pluginName]
	if !ok {
		return time.Time{}, false
	}
	return rec.changedAt, true
}

func isLegal(from, to State) bool {
	for _, candidate := range legalTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}
