package schedule

import (
	"context"
	"errors"
	"time"

	"fleetd/internal/job"
)

// Strategy selects how a schedule computes its firings.
type Strategy string

const (
	StrategyCron       Strategy = "cron"
	StrategyInterval   Strategy = "interval"
	StrategyOneTime    Strategy = "one_time"
	StrategyDependency Strategy = "dependency"
	StrategyEvent      Strategy = "event"
)

// timeBased reports whether the strategy fires off the clock. Dependency
// and event schedules are evaluated by upstream results and TriggerEvent
// instead.
func (s Strategy) timeBased() bool {
	switch s {
	case StrategyCron, StrategyInterval, StrategyOneTime:
		return true
	}
	return false
}

var (
	ErrNotFound = errors.New("schedule not found")
	ErrExists   = errors.New("schedule id already exists")
)

// MissedRunPolicy values. A schedule whose due time lags now by more than
// one period fires at most one catch-up run (catch_up_once) or jumps to
// the next future instant (skip). Never a burst of N missed firings.
const (
	MissedSkip        = "skip"
	MissedCatchUpOnce = "catch_up_once"
)

// SubmitFunc is the job-creation callback, normally queue.Submit.
type SubmitFunc func(ctx context.Context, req job.SubmitRequest) (*job.Job, error)

// Config controls the tick loop. Timezone is the default location for
// cron schedules that don't carry their own.
type Config struct {
	Tick            time.Duration
	MissedRunPolicy string
	Timezone        string
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = time.Second
	}
	switch c.MissedRunPolicy {
	case MissedSkip, MissedCatchUpOnce:
	default:
		c.MissedRunPolicy = MissedSkip
	}
	return c
}

// Spec is the full schedule definition plus its run bookkeeping. It is
// also the persistence shape: the store keeps it as an opaque JSON blob
// keyed by id, so renaming fields here is a migration.
//
// Interval accepts a Go duration ("55m", "2h30m") or "HH:MM" ("02:30").
type Spec struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	WorkflowID   string   `json:"workflow_id"`
	WorkflowName string   `json:"workflow_name,omitempty"`
	Strategy     Strategy `json:"strategy"`

	CronExpr    string            `json:"cron_expr,omitempty"`
	Timezone    string            `json:"timezone,omitempty"`
	Interval    string            `json:"interval,omitempty"`
	RunAt       time.Time         `json:"run_at,omitempty"`
	DependsOn   []string          `json:"depends_on,omitempty"`
	WaitForAll  bool              `json:"wait_for_all,omitempty"`
	EventType   string            `json:"event_type,omitempty"`
	EventSource string            `json:"event_source,omitempty"`
	EventFilter map[string]string `json:"event_filter,omitempty"`

	// Job template applied on every firing.
	Priority             int            `json:"priority,omitempty"`
	Variables            map[string]any `json:"variables,omitempty"`
	RobotID              string         `json:"robot_id,omitempty"`
	Environment          string         `json:"environment,omitempty"`
	RequiredCapabilities []string       `json:"required_capabilities,omitempty"`
	TimeoutSeconds       int            `json:"timeout_seconds,omitempty"`
	MaxRetries           int            `json:"max_retries,omitempty"`

	Enabled bool `json:"enabled"`
	// Executed marks a one_time schedule that already fired. Persisted so
	// it never refires across restarts.
	Executed bool `json:"executed,omitempty"`

	NextRun       time.Time `json:"next_run_time,omitempty"`
	LastRun       time.Time `json:"last_run_time,omitempty"`
	LastRunStatus string    `json:"last_run_status,omitempty"`
	// LastResultAt/LastResultOK track the terminal outcome of the job the
	// last firing spawned; dependency schedules key off them.
	LastResultAt time.Time `json:"last_result_at,omitempty"`
	LastResultOK bool      `json:"last_result_ok,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a copy safe to hand outside the scheduler's lock.
func (sp Spec) Clone() Spec {
	cp := sp
	if sp.DependsOn != nil {
		cp.DependsOn = append([]string(nil), sp.DependsOn...)
	}
	if sp.EventFilter != nil {
		cp.EventFilter = make(map[string]string, len(sp.EventFilter))
		for k, v := range sp.EventFilter {
			cp.EventFilter[k] = v
		}
	}
	if sp.Variables != nil {
		cp.Variables = make(map[string]any, len(sp.Variables))
		for k, v := range sp.Variables {
			cp.Variables[k] = v
		}
	}
	if sp.RequiredCapabilities != nil {
		cp.RequiredCapabilities = append([]string(nil), sp.RequiredCapabilities...)
	}
	return cp
}

// Upcoming is one row of the "what fires next" view.
type Upcoming struct {
	ScheduleID string    `json:"schedule_id"`
	Name       string    `json:"name"`
	WorkflowID string    `json:"workflow_id"`
	Strategy   Strategy  `json:"strategy"`
	NextRun    time.Time `json:"next_run_time"`
}
