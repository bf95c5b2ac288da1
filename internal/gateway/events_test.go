package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEventBusDeliversInSubscriptionOrder(t *testing.T) {
	bus := NewEventBus(nil)
	var order []string
	bus.OnAll(func(Event) { order = append(order, "all") })
	bus.On(EventWarning, func(Event) { order = append(order, "warning") })
	bus.On(EventError, func(Event) { order = append(order, "error") })

	bus.Emit(Event{Type: EventWarning})
	assert.Equal(t, []string{"all", "warning"}, order)
}

func TestEventBusUnsubscribe(t *testing.T) {
	bus := NewEventBus(nil)
	var a, b int
	offA := bus.On(EventWarning, func(Event) { a++ })
	bus.On(EventWarning, func(Event) { b++ })

	bus.Emit(Event{Type: EventWarning})
	offA()
	offA()
	bus.Emit(Event{Type: EventWarning})

	assert.Equal(t, 1, a)
	assert.Equal(t, 2, b)
}

func TestEventBusStampsTime(t *testing.T) {
	bus := NewEventBus(nil)
	var got []time.Time
	bus.OnAll(func(ev Event) { got = append(got, ev.Time) })

	fixed := time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)
	bus.Emit(Event{Type: EventError, Time: fixed})
	bus.Emit(Event{Type: EventError})

	assert.Len(t, got, 2)
	assert.Equal(t, fixed, got[0])
	assert.False(t, got[1].IsZero())
}

func TestEventBusRecoversHandlerPanic(t *testing.T) {
	bus := NewEventBus(nil)
	var after bool
	bus.On(EventError, func(Event) { panic("boom") })
	bus.On(EventError, func(Event) { after = true })

	assert.NotPanics(t, func() { bus.Emit(Event{Type: EventError}) })
	assert.True(t, after)
}
