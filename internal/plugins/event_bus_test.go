package plugins

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEventBusSubscribeAndEmitSync(t *testing.T) {
	b := NewEventBus()
	var received Event
	b.Subscribe(EventLoaded, func(e Event) error {
		received = e
		return nil
	})

	errs := b.EmitSync(Event{Type: EventLoaded, PluginName: "p"})
	require.Empty(t, errs)
	require.Equal(t, EventLoaded, received.Type)
	require.Equal(t, "p", received.PluginName)
	require.NotEmpty(t, received.ID)
	require.False(t, received.Timestamp.IsZero())
}

func TestEventBusUnsubscribe(t *testing.T) {
	b := NewEventBus()
	calls := 0
	id := b.Subscribe(EventLoaded, func(e Event) error {
		calls++
		return nil
	})
	b.Unsubscribe(EventLoaded, id)

	b.EmitSync(Event{Type: EventLoaded})
	require.Equal(t, 0, calls)
}

func TestEventBusSchemaValidationDropsMalformed(t *testing.T) {
	b := NewEventBus()
	calls := 0
	b.Subscribe(EventStateChanged, func(e Event) error {
		calls++
		return nil
	})

	// missing required fromState/toState data keys.
	errs := b.EmitSync(Event{Type: EventStateChanged, Data: map[string]interface{}{}})
	require.Empty(t, errs)
	require.Equal(t, 0, calls)
}

func TestEventBusSchemaValidationAcceptsWellFormed(t *testing.T) {
	b := NewEventBus()
	calls := 0
	b.Subscribe(EventStateChanged, func(e Event) error {
		calls++
		return nil
	})

	errs := b.EmitSync(Event{Type: EventStateChanged, Data: map[string]interface{}{
		"fromState": "LOADING", "toState": "LOADED",
	}})
	require.Empty(t, errs)
	require.Equal(t, 1, calls)
}

func TestEventBusListenerErrorReportedNotPropagated(t *testing.T) {
	b := NewEventBus()
	b.Start()
	defer b.Stop()

	b.Subscribe(EventLoaded, func(e Event) error {
		return errors.New("listener boom")
	})

	errorSeen := make(chan struct{}, 1)
	b.Subscribe(EventError, func(e Event) error {
		select {
		case errorSeen <- struct{}{}:
		default:
		}
		return nil
	})

	errs := b.EmitSync(Event{Type: EventLoaded})
	require.Len(t, errs, 1)

	select {
	case <-errorSeen:
	case <-time.After(time.Second):
		t.Fatal("expected an error event to be emitted for the failed listener")
	}
}

func TestEventBusRateLimitDropsExcess(t *testing.T) {
	b := NewEventBus()
	calls := 0
	b.Subscribe(EventSecurityViolation, func(e Event) error {
		calls++
		return nil
	})

	// burst for security.violation is 20; fire well past it instantly.
	for i := 0; i < 40; i++ {
		b.handle(Event{ID: "x", Type: EventSecurityViolation, Timestamp: time.Now()})
	}

	require.Less(t, calls, 40)
	require.Greater(t, b.DropCount(EventSecurityViolation), int64(0))
}
