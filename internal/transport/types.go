package transport

import (
	"context"
	"errors"
	"time"
)

// Transport-level sentinels. Assign failures are never fatal: the
// dispatcher returns the job to the queue and feeds the robot's breaker.
var (
	ErrRobotUnreachable = errors.New("robot unreachable")
	ErrAssignRejected   = errors.New("robot rejected assignment")
	ErrNoEndpoint       = errors.New("no endpoint registered for robot")
)

type UpdateKind string

const (
	UpdateRegister   UpdateKind = "register"
	UpdateHeartbeat  UpdateKind = "heartbeat"
	UpdateStatus     UpdateKind = "status"
	UpdateProgress   UpdateKind = "progress"
	UpdateResult     UpdateKind = "result"
	UpdateDisconnect UpdateKind = "disconnect"
)

// Update is one inbound robot event. Exactly one payload pointer is set,
// matching Kind; heartbeat and disconnect carry none.
type Update struct {
	Kind    UpdateKind
	RobotID string
	At      time.Time

	Hello    *Hello
	Status   *StatusReport
	Progress *ProgressReport
	Result   *ResultReport
}

// Hello is the registration payload a robot announces on connect.
type Hello struct {
	Capabilities      []string `json:"capabilities,omitempty"`
	Tags              []string `json:"tags,omitempty"`
	Environment       string   `json:"environment,omitempty"`
	Pool              string   `json:"pool,omitempty"`
	MaxConcurrentJobs int      `json:"max_concurrent_jobs,omitempty"`
	// Endpoint is the robot's callback URL, required by push transports.
	Endpoint string `json:"endpoint,omitempty"`
}

// StatusReport is a robot-initiated status change (ERROR, recovery).
type StatusReport struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

type ProgressReport struct {
	JobID   string `json:"job_id"`
	Percent int    `json:"percent"`
	Message string `json:"message,omitempty"`
}

type ResultReport struct {
	JobID   string         `json:"job_id"`
	Success bool           `json:"success"`
	Output  map[string]any `json:"output,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Assignment is the work order pushed to a robot.
type Assignment struct {
	JobID          string         `json:"job_id"`
	WorkflowID     string         `json:"workflow_id"`
	Variables      map[string]any `json:"variables,omitempty"`
	Priority       int            `json:"priority"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty"`
	Environment    string         `json:"environment,omitempty"`
}

// Adapter is a robot transport. Start may emit updates on out until the
// context is cancelled or Stop is called; implementations must never block
// on a full out channel longer than the context allows.
type Adapter interface {
	Name() string
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	Assign(ctx context.Context, robotID string, a Assignment) error
	CancelJob(ctx context.Context, robotID, jobID, reason string) error
	Ping(ctx context.Context, robotID string) error
}

// EndpointDirectory is an optional interface for push transports that must
// learn where each robot listens. The dispatcher feeds it from registration
// payloads.
type EndpointDirectory interface {
	SetEndpoint(robotID, url string)
	RemoveEndpoint(robotID string)
}
