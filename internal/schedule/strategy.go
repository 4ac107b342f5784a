package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// entry is a spec plus its compiled strategy state.
type entry struct {
	spec  Spec
	cron  cron.Schedule // cron strategy only
	every time.Duration // interval strategy only
}

// nextAfter returns the next occurrence strictly after the given instant,
// or the zero time when the schedule has no future time-based occurrence.
// Dependency and event schedules always return zero: they are fired by
// upstream results and TriggerEvent, not by the clock.
func (e *entry) nextAfter(after time.Time) time.Time {
	switch e.spec.Strategy {
	case StrategyCron:
		if e.cron == nil {
			return time.Time{}
		}
		return e.cron.Next(after)
	case StrategyInterval:
		if e.every <= 0 {
			return time.Time{}
		}
		base := e.spec.LastRun
		if base.IsZero() {
			base = e.spec.CreatedAt
		}
		if base.IsZero() || !after.After(base) {
			if base.IsZero() {
				base = after
			}
			return base.Add(e.every)
		}
		// Occurrences are base + k*every; pick the first one past `after`.
		k := after.Sub(base)/e.every + 1
		return base.Add(k * e.every)
	case StrategyOneTime:
		if e.spec.Executed {
			return time.Time{}
		}
		if after.Before(e.spec.RunAt) {
			return e.spec.RunAt
		}
		return time.Time{}
	}
	return time.Time{}
}

// matchesEvent reports whether an event schedule should fire for the
// given trigger. Filter values compare against the payload's stringified
// values; a filter key missing from the payload never matches.
func (e *entry) matchesEvent(eventType, source string, payload map[string]any) bool {
	sp := &e.spec
	if sp.Strategy != StrategyEvent || !sp.Enabled {
		return false
	}
	if sp.EventType != eventType {
		return false
	}
	if sp.EventSource != "" && sp.EventSource != source {
		return false
	}
	for k, want := range sp.EventFilter {
		got, ok := payload[k]
		if !ok || fmt.Sprint(got) != want {
			return false
		}
	}
	return true
}
