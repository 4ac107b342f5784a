package job

import "strings"

// Status is the job lifecycle state.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusQueued    Status = "QUEUED"
	StatusAssigned  Status = "ASSIGNED"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
	StatusTimeout   Status = "TIMEOUT"
)

// transitions is the only authority on legal status changes.
// Anything not listed here is refused, never applied.
//
// ASSIGNED/RUNNING -> QUEUED is the release path: a robot went away (stale
// heartbeat, delivery failure) and its jobs go back for redispatch.
var transitions = map[Status][]Status{
	StatusPending:  {StatusQueued, StatusCancelled},
	StatusQueued:   {StatusAssigned, StatusCancelled, StatusTimeout},
	StatusAssigned: {StatusRunning, StatusQueued, StatusCancelled, StatusTimeout, StatusFailed},
	StatusRunning:  {StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled, StatusQueued},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
// Terminal states have no outgoing edges, including to themselves.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	}
	return false
}

// Active reports whether a robot currently holds the job.
func (s Status) Active() bool {
	return s == StatusAssigned || s == StatusRunning
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusQueued, StatusAssigned, StatusRunning,
		StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	}
	return false
}

// ParseStatus normalizes a user-supplied status string ("" stays "").
func ParseStatus(s string) (Status, bool) {
	v := Status(strings.ToUpper(strings.TrimSpace(s)))
	if v == "" {
		return "", true
	}
	return v, v.Valid()
}
