package queue

import (
	"time"

	"fleetd/internal/job"
)

// Bus event types published by the queue.
const (
	EventSubmitted = "job.submitted"
	EventDuplicate = "job.duplicate"
	EventAssigned  = "job.assigned"
	EventStarted   = "job.started"
	EventProgress  = "job.progress"
	EventCompleted = "job.completed"
	EventFailed    = "job.failed"
	EventCancelled = "job.cancelled"
	EventTimeout   = "job.timeout"
	EventReleased  = "job.released"
)

// JobEvent is the payload for job.* events.
type JobEvent struct {
	JobID      string
	WorkflowID string
	Status     job.Status
	Priority   int
	// RobotID is the robot involved in the transition, captured before
	// terminal transitions clear it on the job itself.
	RobotID  string
	Reason   string
	Progress int
	At       time.Time
}
