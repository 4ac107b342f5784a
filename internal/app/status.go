package app

import (
	"time"

	"fleetd/internal/dispatch"
	"fleetd/internal/job"
	"fleetd/internal/schedule"
)

// statusDoc composes the /status document from every component's snapshot.
// Called per request; snapshots are cheap copies taken under each
// component's own lock.
func (a *App) statusDoc() map[string]any {
	doc := map[string]any{
		"uptime_seconds": int(time.Since(a.startedAt) / time.Second),
		"queue":          a.queue.Snapshot(),
		"robots":         a.robots.Snapshot(),
		"dispatch":       a.disp.Snapshot(),
		"scheduler":      a.sched.Snapshot(),
		"api":            a.api.Snapshot(),
		"alerts":         a.alerts.Snapshot(),
		"pprof":          a.pprof.Snapshot(),
		"telemetry":      a.telem.Snapshot(),
		"bus_dropped":    a.bus.Dropped(),
	}
	if sup := a.sup; sup != nil {
		doc["supervisor"] = sup.Counters()
	}
	return doc
}

// scheduleFeedback forwards terminal job outcomes to the scheduler's
// failure accounting. The dispatcher fires OnJobFinished on results,
// timeouts and cancels alike, so every terminal path is covered.
type scheduleFeedback struct {
	dispatch.NopObserver
	sched *schedule.Service
}

func (o scheduleFeedback) OnJobFinished(j job.Job, _ string, success bool) {
	if j.ScheduleID != "" {
		o.sched.NoteJobResult(j.ScheduleID, success)
	}
}
