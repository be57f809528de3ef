package ble

import (
	"log/slog"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
)

// DefaultEventQueueSize is large enough to hold a full record's worth of
// notifications at the smallest MTU.
const DefaultEventQueueSize = 256

// EventQueue hands events from stack callbacks to the tick loop. When the
// tick loop falls behind, the oldest events are overwritten and a warning is
// logged. Stack callbacks must never block, and a session that loses a
// lifecycle event recovers through its own timeouts.
type EventQueue struct {
	ring mpmc.RichOverlappedRingBuffer[Event]
}

// NewEventQueue returns a queue holding up to size events.
func NewEventQueue(size uint32) *EventQueue {
	if size == 0 {
		size = DefaultEventQueueSize
	}
	return &EventQueue{ring: mpmc.NewOverlappedRingBuffer[Event](size)}
}

// Post enqueues ev. Safe for concurrent use.
func (q *EventQueue) Post(ev Event) {
	overwrites, err := q.ring.EnqueueM(ev)
	if err != nil {
		slog.Warn("[BLE] dropping event", "event", ev.Kind, "error", err)
		return
	}
	if overwrites > 0 {
		slog.Warn("[BLE] event queue overrun, oldest events lost", "overwritten", overwrites, "posted", ev.Kind)
	}
}

// Next dequeues the oldest event.
func (q *EventQueue) Next() (Event, bool) {
	if q.ring.IsEmpty() {
		return Event{}, false
	}
	ev, err := q.ring.Dequeue()
	if err != nil {
		return Event{}, false
	}
	return ev, true
}
