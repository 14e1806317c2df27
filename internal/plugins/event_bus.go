// Package plugins implements the plugin host's lifecycle kernel: manifest
// discovery, dependency-ordered batch loading, the cross-plugin service
// and guard managers, the circuit breaker, the TTL+LRU cache, and the
// event bus that glues all of it together.
package plugins

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/streamspace/pluginhost/internal/logger"
)

// EventType is one of the fixed event kinds the bus understands. Unlike
// the teacher's EventBus (which namespaces arbitrary plugin-declared
// event names as strings), this bus only ever carries the closed
// enumeration below — every kind the kernel emits is declared here.
type EventType string

const (
	EventDiscovered         EventType = "plugin.discovered"
	EventLoadingStarted     EventType = "plugin.loading.started"
	EventLoadingProgress    EventType = "plugin.loading.progress"
	EventLoaded             EventType = "plugin.loaded"
	EventLoadFailed         EventType = "plugin.load.failed"
	EventUnloaded           EventType = "plugin.unloaded"
	EventStateChanged       EventType = "plugin.state.changed"
	EventDependencyResolved EventType = "plugin.dependency.resolved"
	EventDependencyFailed   EventType = "plugin.dependency.failed"
	EventReloaded           EventType = "plugin.reloaded"
	EventValidationFailed   EventType = "plugin.validation.failed"
	EventSecurityViolation  EventType = "plugin.security.violation"
	EventPerformance        EventType = "plugin.performance"
	EventCircuitBreaker     EventType = "plugin.circuit-breaker"
	EventCache              EventType = "plugin.cache"
	EventError              EventType = "plugin.error"
	EventServiceCollision   EventType = "registry.service.collision"
	EventGuardRegistered    EventType = "registry.guard.registered"
	EventGuardRemoved       EventType = "registry.guard.removed"
	EventBackpressure       EventType = "bus.backpressure.activated"
	EventConflictDetected   EventType = "plugin.conflict.detected"
)

// Event is the envelope every listener receives. Every event carries at
// least {type, pluginName, timestamp, source} per spec; Data holds the
// type-specific payload.
type Event struct {
	ID         string
	Type       EventType
	PluginName string
	Timestamp  time.Time
	Source     string
	Data       map[string]interface{}
}

// EventHandler processes one event. A returned error is logged and
// retried per the bus's backoff policy; it never propagates to Emit's
// caller or to other listeners.
type EventHandler func(Event) error

// SubscriptionID identifies a registered handler for Unsubscribe.
type SubscriptionID string

type subscription struct {
	id      SubscriptionID
	handler EventHandler
}

// RateLimit configures the token bucket for one event type.
type RateLimit struct {
	EventsPerSecond float64
	Burst           int
}

// BatchConfig configures batching for one (typically low-priority) event type.
type BatchConfig struct {
	MaxBatchSize  int
	FlushInterval time.Duration
}

// defaultRateLimits mirrors the examples given in spec §4.9.
var defaultRateLimits = map[EventType]RateLimit{
	EventLoadingProgress:   {EventsPerSecond: 100, Burst: 200},
	EventSecurityViolation: {EventsPerSecond: 10, Burst: 20},
}

var schemaRequiredFields = map[EventType][]string{
	EventStateChanged:     {"fromState", "toState"},
	EventLoadFailed:       {"reason"},
	EventDependencyFailed: {"reason"},
}

func eventPriority(t EventType) int {
	switch t {
	case EventError, EventLoadFailed, EventDependencyFailed:
		return 0
	case EventSecurityViolation, EventValidationFailed:
		return 1
	case EventStateChanged:
		return 2
	default:
		return 3
	}
}

// highPriorityBypassesBatching reports whether events of this type skip
// the batching queue entirely (errors and security events in particular
// must never wait behind a flush interval).
func highPriorityBypassesBatching(t EventType) bool {
	return eventPriority(t) <= 1
}

type batchState struct {
	config BatchConfig
	mu     sync.Mutex
	buffer []Event
	timer  *time.Timer
}

const (
	backpressureDropThreshold = 50
	backpressureCooldown      = 5 * time.Second
	retryBaseDelay            = 1 * time.Second
	retryMaxDelay             = 10 * time.Second
	retryMaxAttempts          = 3
)

// EventBus is the rate-limited, batched, single-threaded-cooperative
// publish/subscribe hub described in spec §4.9. EmitAsync only enqueues;
// queued events, batch flushes and retries all dispatch on the one
// run() worker goroutine, which preserves their ordering. Two paths
// dispatch inline in the calling goroutine instead: EmitSync, and the
// backpressure notice recordDrop publishes when drops cross the threshold.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]*subscription
	limiters    map[EventType]*rate.Limiter
	batches     map[EventType]*batchState

	queue  chan Event
	closed chan struct{}
	wg     sync.WaitGroup

	dropCounts       map[EventType]*int64
	backpressureUntil atomic.Value // time.Time

	validatedShapes sync.Map // cache of type+field-signature -> bool

	// flushCh and retryCh feed run() the same way queue does, so batch
	// flushes and failed-handler retries dispatch from the single worker
	// goroutine instead of from the time.AfterFunc goroutines that
	// schedule them. A full channel drops the job rather than blocking
	// the timer goroutine, mirroring EmitAsync's backpressure handling.
	flushCh chan flushJob
	retryCh chan retryJob

	natsPublisher NATSPublisher
}

type flushJob struct {
	eventType EventType
	events    []Event
}

type retryJob struct {
	sub     *subscription
	event   Event
	attempt int
}

// NATSPublisher is the minimal surface the bus needs from an optional
// external fan-out. A real *nats.Conn satisfies it via Publish.
type NATSPublisher interface {
	Publish(subject string, data []byte) error
}

// NewEventBus creates an idle bus. Call Start to spin up the dispatch
// worker.
func NewEventBus() *EventBus {
	b := &EventBus{
		subscribers: make(map[EventType][]*subscription),
		limiters:    make(map[EventType]*rate.Limiter),
		batches:     make(map[EventType]*batchState),
		queue:       make(chan Event, 1024),
		closed:      make(chan struct{}),
		dropCounts:  make(map[EventType]*int64),
		flushCh:     make(chan flushJob, 256),
		retryCh:     make(chan retryJob, 256),
	}
	for t, rl := range defaultRateLimits {
		b.limiters[t] = rate.NewLimiter(rate.Limit(rl.EventsPerSecond), rl.Burst)
	}
	b.backpressureUntil.Store(time.Time{})
	return b
}

// WithNATS attaches an optional best-effort fan-out publisher for
// high-priority events. It never affects in-process ordering or
// rate-limit accounting — a publish failure is logged and dropped.
func (b *EventBus) WithNATS(p NATSPublisher) *EventBus {
	b.natsPublisher = p
	return b
}

// ConfigureBatch installs batching policy for a low-priority event type.
func (b *EventBus) ConfigureBatch(t EventType, cfg BatchConfig) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.batches[t] = &batchState{config: cfg}
}

// Start launches the single dispatch worker. Safe to call once.
func (b *EventBus) Start() {
	b.wg.Add(1)
	go b.run()
}

// Stop drains and stops the dispatch worker.
func (b *EventBus) Stop() {
	close(b.closed)
	b.wg.Wait()
}

// Subscribe registers handler for events of the given type and returns
// a handle usable with Unsubscribe.
func (b *EventBus) Subscribe(t EventType, handler EventHandler) SubscriptionID {
	id := SubscriptionID(uuid.NewString())
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[t] = append(b.subscribers[t], &subscription{id: id, handler: handler})
	return id
}

// Unsubscribe removes a single handler.
func (b *EventBus) Unsubscribe(t EventType, id SubscriptionID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[t]
	for i, s := range subs {
		if s.id == id {
			b.subscribers[t] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// UnsubscribeAll cancels every listener for a type; no further
// deliveries for t occur after this returns.
func (b *EventBus) UnsubscribeAll(t EventType) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, t)
}

// EmitAsync enqueues an event for dispatch without blocking on
// listener execution. This is the method every kernel component should
// use to publish.
func (b *EventBus) EmitAsync(e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	select {
	case b.queue <- e:
	default:
		// Queue saturated: count as a rate-limit drop rather than block
		// the caller — callers are lifecycle-critical paths.
		b.recordDrop(e.Type)
	}
}

// EmitSync validates the event against its schema and, if it passes,
// runs every current listener inline, returning their errors; a
// malformed event is dropped and reaches no listener. It does not
// enqueue the event and bypasses rate limiting and batching. Used by
// tests and by callers that need delivery confirmation before proceeding.
func (b *EventBus) EmitSync(e Event) []error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if !b.validate(e) {
		logger.EventBus().Warn().Str("type", string(e.Type)).Msg("event failed schema validation, dropped")
		return nil
	}
	return b.dispatch(e)
}

func (b *EventBus) run() {
	defer b.wg.Done()
	for {
		select {
		case <-b.closed:
			return
		case e := <-b.queue:
			b.handle(e)
		case job := <-b.flushCh:
			b.runFlush(job.eventType, job.events)
		case job := <-b.retryCh:
			b.invoke(job.sub, job.event, job.attempt)
		}
	}
}

func (b *EventBus) handle(e Event) {
	if !b.validate(e) {
		logger.EventBus().Warn().Str("type", string(e.Type)).Msg("event failed schema validation, dropped")
		return
	}

	if until, ok := b.backpressureUntil.Load().(time.Time); ok && time.Now().Before(until) {
		b.recordDrop(e.Type)
		return
	}

	if limiter, ok := b.limiters[e.Type]; ok && !limiter.Allow() {
		b.recordDrop(e.Type)
		return
	}

	b.mu.RLock()
	batchCfg, hasBatch := b.batches[e.Type]
	b.mu.RUnlock()

	if hasBatch && !highPriorityBypassesBatching(e.Type) {
		b.enqueueBatch(e.Type, batchCfg, e)
		return
	}

	b.dispatch(e)
}

func (b *EventBus) enqueueBatch(t EventType, bs *batchState, e Event) {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	bs.buffer = append(bs.buffer, e)
	if bs.timer == nil {
		bs.timer = time.AfterFunc(bs.config.FlushInterval, func() { b.timerFlush(t, bs) })
	}
	if len(bs.buffer) >= bs.config.MaxBatchSize {
		bs.timer.Stop()
		bs.timer = nil
		events := bs.buffer
		bs.buffer = nil
		b.scheduleFlush(t, events)
	}
}

// timerFlush runs on the batch's own time.AfterFunc goroutine; it only
// pulls the buffer and hands it to run() via flushCh, it never dispatches
// itself.
func (b *EventBus) timerFlush(t EventType, bs *batchState) {
	bs.mu.Lock()
	events := bs.buffer
	bs.buffer = nil
	bs.timer = nil
	bs.mu.Unlock()
	if len(events) > 0 {
		b.scheduleFlush(t, events)
	}
}

// scheduleFlush hands a drained batch to run() instead of dispatching it
// from the caller's goroutine. A saturated flushCh drops the batch the
// same way a saturated queue drops an EmitAsync event.
func (b *EventBus) scheduleFlush(t EventType, events []Event) {
	select {
	case b.flushCh <- flushJob{eventType: t, events: events}:
	default:
		logger.EventBus().Warn().Str("type", string(t)).Int("count", len(events)).Msg("flush queue saturated, dropping batch")
		b.recordDrop(t)
	}
}

// runFlush dispatches a drained batch. Only ever called from run(), so
// the batch summary event and its members reach listeners from the same
// single worker goroutine as every other dispatch.
func (b *EventBus) runFlush(t EventType, events []Event) {
	sort.SliceStable(events, func(i, j int) bool {
		return eventPriority(events[i].Type) < eventPriority(events[j].Type)
	})

	batchEvent := Event{
		ID:        uuid.NewString(),
		Type:      EventType(string(t) + ".batch"),
		Timestamp: time.Now(),
		Source:    "event-bus",
		Data:      map[string]interface{}{"count": len(events)},
	}
	b.dispatch(batchEvent)
	for _, e := range events {
		b.dispatch(e)
	}
}

func (b *EventBus) dispatch(e Event) []error {
	b.mu.RLock()
	subs := make([]*subscription, len(b.subscribers[e.Type]))
	copy(subs, b.subscribers[e.Type])
	b.mu.RUnlock()

	if b.natsPublisher != nil && eventPriority(e.Type) <= 1 {
		b.publishNATS(e)
	}

	var errs []error
	for _, sub := range subs {
		if err := b.invoke(sub, e, 0); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (b *EventBus) invoke(sub *subscription, e Event, attempt int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
		if err != nil {
			b.reportListenerError(e, err)
		}
	}()
	err = sub.handler(e)
	if err != nil && attempt < retryMaxAttempts {
		delay := retryBaseDelay * time.Duration(1<<attempt)
		if delay > retryMaxDelay {
			delay = retryMaxDelay
		}
		time.AfterFunc(delay, func() { b.scheduleRetry(sub, e, attempt+1) })
	}
	return err
}

// scheduleRetry hands a failed invocation back to run() instead of
// re-invoking the listener from the time.AfterFunc goroutine that waited
// out the backoff delay.
func (b *EventBus) scheduleRetry(sub *subscription, e Event, attempt int) {
	select {
	case b.retryCh <- retryJob{sub: sub, event: e, attempt: attempt}:
	default:
		logger.EventBus().Warn().Str("type", string(e.Type)).Int("attempt", attempt).Msg("retry queue saturated, dropping retry")
	}
}

func (b *EventBus) reportListenerError(e Event, cause error) {
	logger.EventBus().Error().Err(cause).Str("type", string(e.Type)).Msg("listener failed")
	if e.Type == EventError {
		return // never recurse on error-reporting errors
	}
	b.EmitAsync(Event{
		Type:       EventError,
		PluginName: e.PluginName,
		Source:     "event-bus",
		Data: map[string]interface{}{
			"originalType": e.Type,
			"error":        cause.Error(),
		},
	})
}

func (b *EventBus) recordDrop(t EventType) {
	b.mu.Lock()
	counter, ok := b.dropCounts[t]
	if !ok {
		var v int64
		counter = &v
		b.dropCounts[t] = counter
	}
	b.mu.Unlock()

	total := atomic.AddInt64(counter, 1)
	if total == backpressureDropThreshold {
		b.backpressureUntil.Store(time.Now().Add(backpressureCooldown))
		logger.EventBus().Warn().Str("type", string(t)).Msg("backpressure activated")
		b.dispatch(Event{
			Type:      EventBackpressure,
			Source:    "event-bus",
			Timestamp: time.Now(),
			Data:      map[string]interface{}{"eventType": t},
		})
	}
}

// DropCount returns the number of events of type t dropped by rate
// limiting or backpressure so far.
func (b *EventBus) DropCount(t EventType) int64 {
	b.mu.RLock()
	counter, ok := b.dropCounts[t]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	return atomic.LoadInt64(counter)
}

func (b *EventBus) validate(e Event) bool {
	required, ok := schemaRequiredFields[e.Type]
	if !ok {
		return true
	}

	shapeKey := shapeSignature(e)
	if cached, ok := b.validatedShapes.Load(shapeKey); ok {
		return cached.(bool)
	}

	valid := true
	for _, field := range required {
		if _, present := e.Data[field]; !present {
			valid = false
			break
		}
	}
	b.validatedShapes.Store(shapeKey, valid)
	return valid
}

func shapeSignature(e Event) string {
	keys := make([]string, 0, len(e.Data))
	for k := range e.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return string(e.Type) + "|" + strings.Join(keys, ",")
}

func (b *EventBus) publishNATS(e Event) {
	defer func() { recover() }()
	subject := "pluginhost." + strings.ReplaceAll(string(e.Type), ".", "_")
	payload := []byte(fmt.Sprintf(`{"id":%q,"type":%q,"pluginName":%q,"timestamp":%q}`,
		e.ID, e.Type, e.PluginName, e.Timestamp.Format(time.RFC3339Nano)))
	if err := b.natsPublisher.Publish(subject, payload); err != nil {
		logger.EventBus().Debug().Err(err).Msg("nats fan-out publish failed")
	}
}
