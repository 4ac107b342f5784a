package robot

import (
	"sort"
	"time"
)

// Status is a robot's availability state.
type Status string

const (
	StatusOnline  Status = "ONLINE"
	StatusBusy    Status = "BUSY"
	StatusOffline Status = "OFFLINE"
	StatusError   Status = "ERROR"
)

// Robot is the registry's view of one worker process. Snapshots hand out
// copies; the registry owns the live state.
type Robot struct {
	ID                string    `json:"id"`
	Status            Status    `json:"status"`
	Capabilities      []string  `json:"capabilities,omitempty"`
	Tags              []string  `json:"tags,omitempty"`
	Environment       string    `json:"environment,omitempty"`
	Pool              string    `json:"pool"`
	MaxConcurrentJobs int       `json:"max_concurrent_jobs"`
	CurrentJobIDs     []string  `json:"current_job_ids,omitempty"`
	LastHeartbeat     time.Time `json:"last_heartbeat"`
	RegisteredAt      time.Time `json:"registered_at"`
}

// Pool is a named robot grouping with optional capacity and workflow
// constraints. Pools come from configuration, not from the dispatch loop.
type Pool struct {
	Name string `json:"name"`
	// MaxConcurrentJobs caps in-flight jobs across the whole pool.
	// 0 means unlimited.
	MaxConcurrentJobs int `json:"max_concurrent_jobs"`
	// AllowedWorkflows restricts which workflow ids the pool accepts.
	// Empty means any.
	AllowedWorkflows []string `json:"allowed_workflows,omitempty"`
	// Strategy overrides the global load-balancing strategy for this pool.
	Strategy string `json:"strategy,omitempty"`
}

// DefaultPool is where robots land when registration names no pool.
const DefaultPool = "default"

// PoolSnapshot is a pool plus its live occupancy.
type PoolSnapshot struct {
	Pool
	Robots   int `json:"robots"`
	Online   int `json:"online"`
	InFlight int `json:"in_flight"`
}

// entry is the registry-internal live state for one robot.
type entry struct {
	id                string
	status            Status
	capabilities      []string
	tags              []string
	environment       string
	pool              string
	maxConcurrentJobs int
	current           map[string]struct{}
	lastHeartbeat     time.Time
	registeredAt      time.Time
}

func (e *entry) view() Robot {
	ids := make([]string, 0, len(e.current))
	for id := range e.current {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return Robot{
		ID:                e.id,
		Status:            e.status,
		Capabilities:      append([]string(nil), e.capabilities...),
		Tags:              append([]string(nil), e.tags...),
		Environment:       e.environment,
		Pool:              e.pool,
		MaxConcurrentJobs: e.maxConcurrentJobs,
		CurrentJobIDs:     ids,
		LastHeartbeat:     e.lastHeartbeat,
		RegisteredAt:      e.registeredAt,
	}
}

// hasCapacity reports whether the robot can take one more job.
func (e *entry) hasCapacity() bool {
	return len(e.current) < e.maxConcurrentJobs
}

// loadFraction is len(current)/max; MaxConcurrentJobs is always >= 1 once
// registered.
func (e *entry) loadFraction() float64 {
	return float64(len(e.current)) / float64(e.maxConcurrentJobs)
}
