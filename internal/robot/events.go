package robot

import "time"

// Bus event types published by the registry.
const (
	EventRegistered   = "robot.registered"
	EventUnregistered = "robot.unregistered"
	EventStatus       = "robot.status"
	EventStale        = "robot.stale"
	EventBreaker      = "robot.breaker"
)

// RobotEvent is the payload for robot.* status events.
type RobotEvent struct {
	RobotID string
	Pool    string
	From    Status
	To      Status
	Reason  string
	At      time.Time
}

// BreakerEvent is published when a robot's circuit breaker changes state.
type BreakerEvent struct {
	RobotID string
	From    BreakerState
	To      BreakerState
	At      time.Time
}
