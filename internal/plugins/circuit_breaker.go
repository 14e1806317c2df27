package plugins

import (
	"context"
	"sync"
	"time"
)

// CircuitState is one of the three circuit-breaker states.
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"
	CircuitOpen     CircuitState = "OPEN"
	CircuitHalfOpen CircuitState = "HALF_OPEN"
)

const (
	defaultMaxFailures      = 3
	defaultResetTimeout     = 30 * time.Second
	defaultOperationTimeout = 5 * time.Second
	defaultHalfOpenMaxCalls = 3
)

// CircuitStats is the per-plugin snapshot exposed on the metrics surface.
type CircuitStats struct {
	State          CircuitState
	FailureCount   int
	SuccessCount   int
	OpenAt         time.Time
	LastFailure    time.Time
	TotalCalls     int64
	HalfOpenCalls  int
}

type circuitRecord struct {
	mu            sync.Mutex
	state         CircuitState
	failureCount  int
	successCount  int
	openAt        time.Time
	lastFailure   time.Time
	totalCalls    int64
	halfOpenCalls int
	resetTimer    *time.Timer
}

// CircuitBreaker wraps plugin operations with a per-plugin failure
// detector per spec §4.7: maxFailures=3, resetTimeout=30s,
// operationTimeout=5s, halfOpenMaxCalls=3.
type CircuitBreaker struct {
	mu      sync.Mutex
	plugins map[string]*circuitRecord
	bus     *EventBus
	memory  *MemoryTracker

	maxFailures      int
	resetTimeout     time.Duration
	operationTimeout time.Duration
	halfOpenMaxCalls int
}

// SetMemoryTracker attaches a tracker so a plugin's half-open reset
// timer gets stopped on unload even if it never fires on its own.
func (cb *CircuitBreaker) SetMemoryTracker(m *MemoryTracker) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.memory = m
}

// NewCircuitBreaker creates a breaker with the spec-default thresholds.
func NewCircuitBreaker(bus *EventBus) *CircuitBreaker {
	return &CircuitBreaker{
		plugins:          make(map[string]*circuitRecord),
		bus:              bus,
		maxFailures:      defaultMaxFailures,
		resetTimeout:     defaultResetTimeout,
		operationTimeout: defaultOperationTimeout,
		halfOpenMaxCalls: defaultHalfOpenMaxCalls,
	}
}

func (cb *CircuitBreaker) memorySnapshot() *MemoryTracker {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.memory
}

func (cb *CircuitBreaker) recordFor(pluginName string) *circuitRecord {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	rec, ok := cb.plugins[pluginName]
	if !ok {
		rec = &circuitRecord{state: CircuitClosed}
		cb.plugins[pluginName] = rec
	}
	return rec
}

// IsOpen reports whether pluginName's circuit currently rejects calls.
func (cb *CircuitBreaker) IsOpen(pluginName string) bool {
	rec := cb.recordFor(pluginName)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.state == CircuitOpen
}

// Execute runs op under the per-plugin breaker and operation timeout.
// It returns CircuitOpen immediately (without running op) when the
// circuit is open, and counts a timeout as a failure.
func (cb *CircuitBreaker) Execute(ctx context.Context, pluginName string, op func(context.Context) error) error {
	rec := cb.recordFor(pluginName)

	rec.mu.Lock()
	switch rec.state {
	case CircuitOpen:
		rec.mu.Unlock()
		return newCircuitOpenError(pluginName)
	case CircuitHalfOpen:
		if rec.halfOpenCalls >= cb.halfOpenMaxCalls {
			rec.mu.Unlock()
			return newCircuitOpenError(pluginName)
		}
		rec.halfOpenCalls++
	}
	rec.totalCalls++
	rec.mu.Unlock()

	opCtx, cancel := context.WithTimeout(ctx, cb.operationTimeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- op(opCtx) }()

	var opErr error
	select {
	case opErr = <-errCh:
	case <-opCtx.Done():
		opErr = newLifecycleHookTimeoutError(pluginName, "operation")
	}

	if opErr != nil {
		cb.recordFailure(pluginName, rec)
		return opErr
	}
	cb.recordSuccess(pluginName, rec)
	return nil
}

func (cb *CircuitBreaker) recordFailure(pluginName string, rec *circuitRecord) {
	rec.mu.Lock()
	rec.failureCount++
	rec.lastFailure = time.Now()

	switch rec.state {
	case CircuitHalfOpen:
		cb.tripOpenLocked(pluginName, rec)
	case CircuitClosed:
		if rec.failureCount >= cb.maxFailures {
			cb.tripOpenLocked(pluginName, rec)
		}
	}
	rec.mu.Unlock()
}

func (cb *CircuitBreaker) recordSuccess(pluginName string, rec *circuitRecord) {
	rec.mu.Lock()
	rec.successCount++
	if rec.state == CircuitHalfOpen {
		cb.closeLocked(rec)
	} else {
		rec.failureCount = 0
	}
	rec.mu.Unlock()
}

// tripOpenLocked must be called with rec.mu held.
func (cb *CircuitBreaker) tripOpenLocked(pluginName string, rec *circuitRecord) {
	rec.state = CircuitOpen
	rec.openAt = time.Now()
	rec.halfOpenCalls = 0
	if rec.resetTimer != nil {
		rec.resetTimer.Stop()
	}
	rec.resetTimer = time.AfterFunc(cb.resetTimeout, func() {
		rec.mu.Lock()
		if rec.state == CircuitOpen {
			rec.state = CircuitHalfOpen
			rec.halfOpenCalls = 0
		}
		rec.mu.Unlock()
	})
	if memory := cb.memorySnapshot(); memory != nil {
		memory.RegisterTimer(pluginName, rec.resetTimer)
	}

	if cb.bus != nil {
		cb.bus.EmitAsync(Event{
			Type:       EventCircuitBreaker,
			PluginName: pluginName,
			Source:     "circuit-breaker",
			Data:       map[string]interface{}{"state": CircuitOpen},
		})
	}
}

// closeLocked must be called with rec.mu held.
func (cb *CircuitBreaker) closeLocked(rec *circuitRecord) {
	rec.state = CircuitClosed
	rec.failureCount = 0
	rec.halfOpenCalls = 0
	if rec.resetTimer != nil {
		rec.resetTimer.Stop()
		rec.resetTimer = nil
	}
}

// ResetPlugin clears counters and timers for a single plugin.
func (cb *CircuitBreaker) ResetPlugin(pluginName string) {
	rec := cb.recordFor(pluginName)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	cb.closeLocked(rec)
}

// ResetAll clears every plugin's breaker state.
func (cb *CircuitBreaker) ResetAll() {
	cb.mu.Lock()
	names := make([]string, 0, len(cb.plugins))
	for name := range cb.plugins {
		names = append(names, name)
	}
	cb.mu.Unlock()
	for _, name := range names {
		cb.ResetPlugin(name)
	}
}

// Stats returns a snapshot of a plugin's circuit state.
func (cb *CircuitBreaker) Stats(pluginName string) CircuitStats {
	rec := cb.recordFor(pluginName)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return CircuitStats{
		State:         rec.state,
		FailureCount:  rec.failureCount,
		SuccessCount:  rec.successCount,
		OpenAt:        rec.openAt,
		LastFailure:   rec.lastFailure,
		TotalCalls:    rec.totalCalls,
		HalfOpenCalls: rec.halfOpenCalls,
	}
}
