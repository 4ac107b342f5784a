package dispatch

import (
	"context"
	"strings"
	"sync/atomic"

	"fleetd/internal/job"
	"fleetd/internal/robot"
	"fleetd/internal/transport"
	logx "fleetd/pkg/logx"
)

// HandleUpdate applies one inbound robot event. The transport's update
// loop and the REST API both funnel through here, so every mutation path
// from the fleet is identical.
func (d *Dispatcher) HandleUpdate(ctx context.Context, up transport.Update) {
	atomic.AddUint64(&d.updatesHandled, 1)
	switch up.Kind {
	case transport.UpdateRegister:
		d.handleRegister(up)
	case transport.UpdateHeartbeat:
		if !d.robots.Heartbeat(up.RobotID) {
			d.log.Debug("heartbeat from unknown robot", logx.String("robot_id", up.RobotID))
		}
	case transport.UpdateStatus:
		d.handleStatus(up)
	case transport.UpdateProgress:
		d.handleProgress(up)
	case transport.UpdateResult:
		d.handleResult(up)
	case transport.UpdateDisconnect:
		d.handleDisconnect(up)
	default:
		d.log.Warn("unknown update kind",
			logx.String("kind", string(up.Kind)),
			logx.String("robot_id", up.RobotID))
	}
}

func (d *Dispatcher) handleRegister(up transport.Update) {
	hello := up.Hello
	if hello == nil {
		hello = &transport.Hello{}
	}
	var prev robot.Status
	if view, ok := d.robots.Get(up.RobotID); ok {
		prev = view.Status
	}
	view, err := d.robots.Register(robot.Registration{
		ID:                up.RobotID,
		Capabilities:      hello.Capabilities,
		Tags:              hello.Tags,
		Environment:       hello.Environment,
		Pool:              hello.Pool,
		MaxConcurrentJobs: hello.MaxConcurrentJobs,
	})
	if err != nil {
		d.log.Warn("robot registration rejected",
			logx.String("robot_id", up.RobotID),
			logx.Err(err))
		return
	}
	if dir, ok := d.transport.(transport.EndpointDirectory); ok && hello.Endpoint != "" {
		dir.SetEndpoint(view.ID, hello.Endpoint)
	}
	if prev != view.Status {
		d.notifyRobotStatus(view.ID, prev, view.Status)
	}
}

func (d *Dispatcher) handleStatus(up transport.Update) {
	if up.Status == nil {
		return
	}
	status, ok := parseStatus(up.Status.Status)
	if !ok {
		d.log.Debug("unparseable status report",
			logx.String("robot_id", up.RobotID),
			logx.String("status", up.Status.Status))
		return
	}
	var prev robot.Status
	if view, found := d.robots.Get(up.RobotID); found {
		prev = view.Status
	}
	view, err := d.robots.SetStatus(up.RobotID, status)
	if err != nil {
		d.log.Debug("status report refused",
			logx.String("robot_id", up.RobotID),
			logx.Err(err))
		return
	}
	if up.Status.Detail != "" {
		d.log.Info("robot status report",
			logx.String("robot_id", up.RobotID),
			logx.String("status", string(view.Status)),
			logx.String("detail", up.Status.Detail))
	}
	if prev != view.Status {
		d.notifyRobotStatus(up.RobotID, prev, view.Status)
	}
}

func (d *Dispatcher) handleProgress(up transport.Update) {
	p := up.Progress
	if p == nil {
		return
	}
	// A progress report proves the robot started working.
	if j, ok := d.queue.Get(p.JobID); ok && j.Status == job.StatusAssigned {
		if ok2, reason := d.queue.MarkRunning(p.JobID, up.RobotID); !ok2 {
			d.log.Debug("mark running refused",
				logx.String("job_id", p.JobID),
				logx.String("reason", reason))
		}
	}
	if ok, reason := d.queue.UpdateProgress(p.JobID, p.Percent, p.Message); !ok {
		d.log.Debug("progress refused",
			logx.String("job_id", p.JobID),
			logx.String("reason", reason))
	}
}

func (d *Dispatcher) handleResult(up transport.Update) {
	res := up.Result
	if res == nil {
		return
	}
	// Fast robots can finish before any progress tick; promote ASSIGNED
	// through RUNNING so the transition record stays truthful.
	if j, ok := d.queue.Get(res.JobID); ok && j.Status == job.StatusAssigned {
		d.queue.MarkRunning(res.JobID, up.RobotID)
	}

	var (
		applied bool
		reason  string
	)
	if res.Success {
		applied, reason = d.queue.Complete(res.JobID, res.Output)
	} else {
		applied, reason = d.queue.Fail(res.JobID, res.Error)
	}
	if !applied {
		// Raced a timeout or cancel; free the slot, don't touch the breaker.
		d.robots.ReleaseJob(up.RobotID, res.JobID)
		d.log.Debug("late result discarded",
			logx.String("job_id", res.JobID),
			logx.String("robot_id", up.RobotID),
			logx.String("reason", reason))
		return
	}
	d.robots.NoteJobFinished(up.RobotID, res.JobID, res.Success)
	if j, ok := d.queue.Get(res.JobID); ok {
		d.notifyFinished(*j, up.RobotID, res.Success)
	}
}

func (d *Dispatcher) handleDisconnect(up transport.Update) {
	var prev robot.Status
	if view, ok := d.robots.Get(up.RobotID); ok {
		prev = view.Status
	}
	held, ok := d.robots.Unregister(up.RobotID)
	if !ok {
		d.log.Debug("disconnect from unknown robot", logx.String("robot_id", up.RobotID))
		return
	}
	for _, jobID := range held {
		if ok2, reason := d.queue.Release(jobID, "robot "+up.RobotID+" disconnected", false); !ok2 {
			d.log.Debug("disconnect release refused",
				logx.String("job_id", jobID),
				logx.String("reason", reason))
		}
	}
	if dir, isDir := d.transport.(transport.EndpointDirectory); isDir {
		dir.RemoveEndpoint(up.RobotID)
	}
	d.notifyRobotStatus(up.RobotID, prev, robot.StatusOffline)
}

func parseStatus(s string) (robot.Status, bool) {
	switch robot.Status(strings.ToUpper(strings.TrimSpace(s))) {
	case robot.StatusOnline:
		return robot.StatusOnline, true
	case robot.StatusOffline:
		return robot.StatusOffline, true
	case robot.StatusError:
		return robot.StatusError, true
	case robot.StatusBusy:
		// BUSY is derived from load; robots cannot claim it.
		return robot.StatusBusy, true
	}
	return "", false
}
