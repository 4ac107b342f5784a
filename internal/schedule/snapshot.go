package schedule

import (
	"sync/atomic"
	"time"
)

// Snapshot is a point-in-time view for the status surfaces.
type Snapshot struct {
	Running        bool      `json:"running"`
	Schedules      int       `json:"schedules"`
	Enabled        int       `json:"enabled"`
	Fired          uint64    `json:"fired"`
	Missed         uint64    `json:"missed"`
	SubmitFailures uint64    `json:"submit_failures"`
	NextRun        time.Time `json:"next_run"`
}

// Snapshot reports schedule counts, firing counters and the soonest
// pending run across all enabled schedules.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Running:        s.running,
		Schedules:      len(s.entries),
		Fired:          atomic.LoadUint64(&s.fired),
		Missed:         atomic.LoadUint64(&s.missed),
		SubmitFailures: atomic.LoadUint64(&s.submitFailures),
	}
	for _, e := range s.entries {
		if !e.spec.Enabled {
			continue
		}
		snap.Enabled++
		if e.spec.NextRun.IsZero() {
			continue
		}
		if snap.NextRun.IsZero() || e.spec.NextRun.Before(snap.NextRun) {
			snap.NextRun = e.spec.NextRun
		}
	}
	return snap
}
