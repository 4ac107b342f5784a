package alerts

import (
	"context"
	"strings"
	"time"
)

// Alert is one operator notification. Kind plus the subject ids identify
// the condition; dedup hashes those, not the free text.
type Alert struct {
	Kind     string // "job_failed", "robot_offline", "breaker_open", ...
	Priority int    // 0 low .. 10 high
	Title    string
	Text     string

	JobID      string
	RobotID    string
	ScheduleID string
	At         time.Time
}

// Render formats the alert for a plain-text channel.
func (a Alert) Render() string {
	var b strings.Builder
	b.WriteString(severityTag(a.Priority))
	b.WriteString(" ")
	b.WriteString(a.Title)
	if a.Text != "" {
		b.WriteString("\n")
		b.WriteString(a.Text)
	}
	if a.JobID != "" {
		b.WriteString("\njob: ")
		b.WriteString(a.JobID)
	}
	if a.RobotID != "" {
		b.WriteString("\nrobot: ")
		b.WriteString(a.RobotID)
	}
	if a.ScheduleID != "" {
		b.WriteString("\nschedule: ")
		b.WriteString(a.ScheduleID)
	}
	return b.String()
}

func severityTag(p int) string {
	switch {
	case p >= 9:
		return "[CRIT]"
	case p >= 7:
		return "[WARN]"
	default:
		return "[INFO]"
	}
}

// Notifier delivers one alert. Implementations must be safe for
// concurrent use; the pipeline retries on error.
type Notifier interface {
	Name() string
	Send(ctx context.Context, a Alert) error
}

// Config controls the pipeline. Zero values take the defaults noted.
type Config struct {
	Enabled         bool
	MinPriority     int           // suppress alerts below this, default 5, negative means 0
	Workers         int           // default 2
	QueueSize       int           // default 512
	RatePerSec      int           // token bucket, default 3
	RetryMax        int           // extra attempts after the first, default 2, negative disables
	RetryBase       time.Duration // default 500ms
	RetryMaxDelay   time.Duration // default 10s
	DedupWindow     time.Duration // 0 disables suppression
	DedupMaxEntries int           // default 2000

	// Kinds, when non-empty, restricts delivery to the named alert kinds
	// (job_failed, job_timeout, robot_offline, breaker_open,
	// schedule_missed). Empty delivers every kind.
	Kinds []string
}

type HistoryItem struct {
	At   time.Time `json:"at"`
	Kind string    `json:"kind"`
	Text string    `json:"text"`
}

// Bus event types published by the pipeline itself.
const (
	EventQueued  = "alert.queued"
	EventSent    = "alert.sent"
	EventFailed  = "alert.failed"
	EventDeduped = "alert.deduped"
	EventDropped = "alert.dropped"
)

// AlertEvent is the payload for alert.* events.
type AlertEvent struct {
	Kind     string    `json:"kind"`
	Key      string    `json:"key"`
	Priority int       `json:"priority"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}
