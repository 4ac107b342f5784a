package store

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("store disabled")

// Config configures persistence.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl journal + snapshot)
//   - "sqlite": SQLite database file (optional build tag)
//   - "redis": shared Redis instance
//
// If Driver is empty or "none", persistence is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	RedisAddr     string
	RedisDB       int
	RedisPassword string
	KeyPrefix     string // redis only; default "fleetd"
}

// AuditEntry records an operator or scheduler action.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At         time.Time `json:"at"`
	Actor      string    `json:"actor,omitempty"` // api remote addr, "scheduler", "dispatcher"
	Action     string    `json:"action"`
	Target     string    `json:"target,omitempty"`
	JobID      string    `json:"job_id,omitempty"`
	ScheduleID string    `json:"schedule_id,omitempty"`
	RobotID    string    `json:"robot_id,omitempty"`
	Error      string    `json:"error,omitempty"`
	TookMS     int64     `json:"took_ms,omitempty"`
	MetaJSON   string    `json:"meta,omitempty"`
}
