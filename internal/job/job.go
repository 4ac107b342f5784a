// Package job defines the job model and its lifecycle state machine.
// It is pure data: no I/O, no locks, no clocks beyond stamped fields.
package job

import (
	"time"

	"github.com/google/uuid"
)

// Job is one request to execute a workflow on some robot.
//
// Invariant: RobotID != "" exactly while Status is ASSIGNED or RUNNING.
// Terminal transitions clear RobotID; workflow->robot affinity is tracked
// by the robot registry, not here.
type Job struct {
	ID           string `json:"id"`
	WorkflowID   string `json:"workflow_id"`
	WorkflowName string `json:"workflow_name,omitempty"`
	Status       Status `json:"status"`
	RobotID      string `json:"robot_id,omitempty"`
	Priority     int    `json:"priority"`

	Variables            map[string]any `json:"variables,omitempty"`
	RequiredCapabilities []string       `json:"required_capabilities,omitempty"`
	Environment          string         `json:"environment,omitempty"`

	// PinnedRobotID restricts dispatch to one specific robot.
	PinnedRobotID string `json:"pinned_robot_id,omitempty"`

	// ScheduleID records provenance when the scheduler created this job.
	ScheduleID string `json:"schedule_id,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	QueuedAt    time.Time `json:"queued_at"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`

	TimeoutSeconds int `json:"timeout_seconds"`
	RetryCount     int `json:"retry_count"`
	MaxRetries     int `json:"max_retries"`

	Progress        int    `json:"progress"`
	ProgressMessage string `json:"progress_message,omitempty"`

	Result       map[string]any `json:"result,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`

	Fingerprint string `json:"fingerprint,omitempty"`
}

// SubmitRequest is the caller-facing submission shape.
type SubmitRequest struct {
	WorkflowID           string         `json:"workflow_id"`
	WorkflowName         string         `json:"workflow_name,omitempty"`
	Variables            map[string]any `json:"variables,omitempty"`
	Priority             int            `json:"priority,omitempty"`
	RobotID              string         `json:"robot_id,omitempty"`
	Environment          string         `json:"environment,omitempty"`
	RequiredCapabilities []string       `json:"required_capabilities,omitempty"`
	TimeoutSeconds       int            `json:"timeout_seconds,omitempty"`
	MaxRetries           int            `json:"max_retries,omitempty"`
	ScheduleID           string         `json:"schedule_id,omitempty"`

	// SkipDedup bypasses the duplicate-submission check.
	SkipDedup bool `json:"skip_dedup,omitempty"`
}

// New builds a PENDING job from a submission. Admission (dedup, defaults,
// PENDING->QUEUED) is the queue's business.
func New(req SubmitRequest, now time.Time) *Job {
	return &Job{
		ID:                   uuid.NewString(),
		WorkflowID:           req.WorkflowID,
		WorkflowName:         req.WorkflowName,
		Status:               StatusPending,
		Priority:             req.Priority,
		Variables:            req.Variables,
		RequiredCapabilities: req.RequiredCapabilities,
		Environment:          req.Environment,
		PinnedRobotID:        req.RobotID,
		ScheduleID:           req.ScheduleID,
		CreatedAt:            now,
		TimeoutSeconds:       req.TimeoutSeconds,
		MaxRetries:           req.MaxRetries,
		Fingerprint:          Fingerprint(req.WorkflowID, req.RobotID, req.Variables),
	}
}

// Clone returns a copy safe to hand outside the owning registry.
// Top-level maps and slices are copied; nested values are treated as
// read-only by convention.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	if j.Variables != nil {
		cp.Variables = make(map[string]any, len(j.Variables))
		for k, v := range j.Variables {
			cp.Variables[k] = v
		}
	}
	if j.Result != nil {
		cp.Result = make(map[string]any, len(j.Result))
		for k, v := range j.Result {
			cp.Result[k] = v
		}
	}
	if j.RequiredCapabilities != nil {
		cp.RequiredCapabilities = append([]string(nil), j.RequiredCapabilities...)
	}
	return &cp
}

// Deadline returns the instant the job times out, measured from when
// timeout tracking was armed (enqueue time).
func (j *Job) Deadline() time.Time {
	if j.TimeoutSeconds <= 0 || j.QueuedAt.IsZero() {
		return time.Time{}
	}
	return j.QueuedAt.Add(time.Duration(j.TimeoutSeconds) * time.Second)
}
