package dispatch

import (
	"fleetd/internal/job"
	"fleetd/internal/robot"
)

// Observer receives dispatch lifecycle callbacks. Implementations must be
// fast and non-blocking; they run on dispatcher goroutines. All methods
// receive copies.
type Observer interface {
	OnJobDispatched(j job.Job, robotID string)
	OnJobFinished(j job.Job, robotID string, success bool)
	OnRobotStatusChanged(robotID string, from, to robot.Status)
}

// NopObserver satisfies Observer with no-ops so implementations can embed
// it and override selectively.
type NopObserver struct{}

func (NopObserver) OnJobDispatched(job.Job, string)                         {}
func (NopObserver) OnJobFinished(job.Job, string, bool)                     {}
func (NopObserver) OnRobotStatusChanged(string, robot.Status, robot.Status) {}
