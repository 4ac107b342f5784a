package dispatch

import (
	"time"

	"fleetd/internal/eventbus"
)

// EventCycle is published after every dispatch sweep. Telemetry feeds its
// cycle histogram off it; nobody else should need it.
const EventCycle = "dispatch.cycle"

type CycleEvent struct {
	Assigned int
	Took     time.Duration
	At       time.Time
}

func (d *Dispatcher) publishCycle(assigned int, took time.Duration) {
	if d.bus == nil {
		return
	}
	now := time.Now()
	d.bus.Publish(eventbus.Event{Type: EventCycle, Time: now, Data: CycleEvent{
		Assigned: assigned,
		Took:     took,
		At:       now,
	}})
}
