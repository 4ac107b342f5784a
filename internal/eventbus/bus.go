// Package eventbus is the in-process fanout decoupling the fleet core from
// its observers (telemetry, alerts, the debug log loop).
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is one fleet signal. Producers declare their Type constants and
// payload structs next to the publish site (see queue, dispatch, schedule).
//
// Contract: Publish never blocks, subscribers hand over buffered channels,
// and a slow subscriber loses events rather than stalling a producer.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
	// Dropped counts events discarded into full subscriber buffers.
	// Exposed via /status and the bus_events_dropped_total metric.
	Dropped() uint64
}

// New returns an in-memory fanout bus. It owns no goroutines; delivery
// happens on the publisher's stack.
func New() Bus {
	return &fanout{subs: map[uint64]chan Event{}}
}

type fanout struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	targets := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		targets = append(targets, ch)
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		b.send(ch, e)
	}
}

// send delivers without blocking. The recover absorbs the send-on-closed
// race with a concurrent unsubscribe.
func (b *fanout) send(ch chan Event, e Event) {
	defer func() { _ = recover() }()
	select {
	case ch <- e:
	default:
		b.dropped.Add(1)
	}
}

func (b *fanout) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

func (b *fanout) Dropped() uint64 { return b.dropped.Load() }
