package schedule

import "time"

// Bus event types published by the scheduler.
const (
	EventCreated = "schedule.created"
	EventUpdated = "schedule.updated"
	EventDeleted = "schedule.deleted"
	EventFired   = "schedule.fired"
	EventMissed  = "schedule.missed"
)

// ScheduleEvent is the payload for schedule.* events. JobID is set on
// schedule.fired when the creation callback accepted the submission.
type ScheduleEvent struct {
	ScheduleID string
	Name       string
	WorkflowID string
	Strategy   Strategy
	JobID      string
	Reason     string
	At         time.Time
}
