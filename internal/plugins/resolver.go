package plugins

import (
	"context"
	"sort"
	"time"
)

const defaultDependencyWaitTimeout = 30 * time.Second

// Resolver computes load order and batches from a set of discoveries,
// and lets the loader wait for one plugin's dependencies to reach
// LOADED.
type Resolver struct {
	state  *StateMachine
	bus    *EventBus
	memory *MemoryTracker
}

// NewResolver creates a resolver backed by the given state machine and bus.
func NewResolver(state *StateMachine, bus *EventBus) *Resolver {
	return &Resolver{state: state, bus: bus}
}

// SetMemoryTracker attaches a tracker so each dependency-wait
// subscription this resolver opens is accounted against the waiting
// plugin for the duration of the wait. Optional — a resolver with no
// tracker attached (e.g. the host's planning-only resolver) just skips
// the bookkeeping.
func (r *Resolver) SetMemoryTracker(m *MemoryTracker) {
	r.memory = m
}

// ResolveResult is the output of batch planning.
type ResolveResult struct {
	Batches     [][]*Discovery
	CycleNames  []string // plugins excluded due to a cycle, if any
}

// PlanBatches computes a topological order that respects dependencies,
// breaking ties by ascending LoadOrder, and groups it into batches —
// each batch is loadable concurrently because every member's
// dependencies were satisfied by an earlier batch. A cycle excludes
// only the offending subset; everything outside the cycle still plans.
func (r *Resolver) PlanBatches(discoveries []*Discovery) ResolveResult {
	byName := make(map[string]*Discovery, len(discoveries))
	for _, d := range discoveries {
		byName[d.Name] = d
	}

	// inDegree counts dependencies that are themselves present in this
	// discovery set (a dependency on a plugin that was never discovered
	// is a DependencyMissing failure the loader surfaces per-plugin,
	// not a planning-time cycle).
	inDegree := make(map[string]int, len(discoveries))
	dependents := make(map[string][]string, len(discoveries))
	for _, d := range discoveries {
		for _, dep := range d.DependsOn {
			if _, ok := byName[dep]; ok {
				inDegree[d.Name]++
				dependents[dep] = append(dependents[dep], d.Name)
			}
		}
	}

	remaining := make(map[string]*Discovery, len(discoveries))
	for _, d := range discoveries {
		remaining[d.Name] = d
	}

	var batches [][]*Discovery
	for len(remaining) > 0 {
		var ready []*Discovery
		for name, d := range remaining {
			if inDegree[name] == 0 {
				ready = append(ready, d)
			}
		}

		if len(ready) == 0 {
			// Whatever is left participates in one or more cycles.
			var cycleNames []string
			for name := range remaining {
				cycleNames = append(cycleNames, name)
			}
			sort.Strings(cycleNames)
			return ResolveResult{Batches: batches, CycleNames: cycleNames}
		}

		sort.Slice(ready, func(i, j int) bool {
			if ready[i].LoadOrder != ready[j].LoadOrder {
				return ready[i].LoadOrder < ready[j].LoadOrder
			}
			return ready[i].Name < ready[j].Name
		})

		batches = append(batches, ready)
		for _, d := range ready {
			delete(remaining, d.Name)
			for _, dependent := range dependents[d.Name] {
				inDegree[dependent]--
			}
		}
	}

	return ResolveResult{Batches: batches}
}

// WaitForDependencies blocks until every name in deps has reached
// LOADED, fails immediately if one reaches FAILED or is unknown to the
// state machine (DependencyMissing), and fails with a
// timeout if ctx's deadline (or the default 30s) elapses first.
// Waiting is event-driven: it subscribes to state.changed rather than
// polling.
func (r *Resolver) WaitForDependencies(ctx context.Context, pluginName string, deps []string) error {
	if len(deps) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, defaultDependencyWaitTimeout)
	defer cancel()

	pending := make(map[string]bool, len(deps))
	for _, dep := range deps {
		pending[dep] = true
	}

	// Fast path: dependencies may already be resolved.
	for dep := range pending {
		state, known := r.state.GetCurrentState(dep)
		if known && state == StateLoaded {
			delete(pending, dep)
		} else if known && state == StateFailed {
			r.emitDependencyFailed(pluginName, dep)
			return newDependencyFailedError(pluginName, dep)
		} else if !known {
			r.emitDependencyFailed(pluginName, dep)
			return newDependencyMissingError(pluginName, dep)
		}
	}
	if len(pending) == 0 {
		r.emitDependencyResolved(pluginName, deps)
		return nil
	}

	resultCh := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)

	sub := r.bus.Subscribe(EventStateChanged, func(e Event) error {
		select {
		case <-done:
			return nil
		default:
		}
		if !pending[e.PluginName] {
			return nil
		}
		toState, _ := e.Data["toState"].(State)
		switch toState {
		case StateLoaded:
			delete(pending, e.PluginName)
			if len(pending) == 0 {
				select {
				case resultCh <- nil:
				default:
				}
			}
		case StateFailed:
			select {
			case resultCh <- newDependencyFailedError(pluginName, e.PluginName):
			default:
			}
		}
		return nil
	})
	defer r.bus.Unsubscribe(EventStateChanged, sub)
	if r.memory != nil {
		r.memory.RegisterListener(pluginName, sub)
		defer r.memory.UnregisterListener(pluginName, sub)
	}

	select {
	case err := <-resultCh:
		if err != nil {
			r.emitDependencyFailed(pluginName, "")
			return err
		}
		r.emitDependencyResolved(pluginName, deps)
		return nil
	case <-ctx.Done():
		r.emitDependencyFailed(pluginName, "")
		return newDependencyTimeoutError(pluginName)
	}
}

func (r *Resolver) emitDependencyResolved(pluginName string, deps []string) {
	r.bus.EmitAsync(Event{
		Type:       EventDependencyResolved,
		PluginName: pluginName,
		Source:     "resolver",
		Data:       map[string]interface{}{"dependencies": deps},
	})
}

func (r *Resolver) emitDependencyFailed(pluginName, dependency string) {
	r.bus.EmitAsync(Event{
		Type:       EventDependencyFailed,
		PluginName: pluginName,
		Source:     "resolver",
		Data:       map[string]interface{}{"reason": "dependency-failure", "dependency": dependency},
	})
}
