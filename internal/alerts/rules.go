package alerts

import (
	"context"
	"errors"
	"fmt"

	"fleetd/internal/eventbus"
	"fleetd/internal/queue"
	"fleetd/internal/robot"
	"fleetd/internal/schedule"
	logx "fleetd/pkg/logx"
)

func (s *Service) fromEvent(ctx context.Context, ev eventbus.Event) {
	a, ok := alertFor(ev)
	if !ok {
		return
	}
	if err := s.Notify(ctx, a); err != nil && errors.Is(err, ErrQueueFull) {
		s.log.Debug("alert dropped at intake", logx.String("kind", a.Kind))
	}
}

// alertFor maps fleet events onto operator alerts. Priorities sit above
// or below the default min_priority so routine noise stays filtered
// unless an operator asks for it.
func alertFor(ev eventbus.Event) (Alert, bool) {
	switch ev.Type {
	case queue.EventFailed:
		je, ok := ev.Data.(queue.JobEvent)
		if !ok {
			return Alert{}, false
		}
		return Alert{
			Kind:     "job_failed",
			Priority: 7,
			Title:    "job failed",
			Text:     fmt.Sprintf("workflow %s: %s", je.WorkflowID, je.Reason),
			JobID:    je.JobID,
			RobotID:  je.RobotID,
			At:       ev.Time,
		}, true
	case queue.EventTimeout:
		je, ok := ev.Data.(queue.JobEvent)
		if !ok {
			return Alert{}, false
		}
		return Alert{
			Kind:     "job_timeout",
			Priority: 7,
			Title:    "job timed out",
			Text:     fmt.Sprintf("workflow %s: %s", je.WorkflowID, je.Reason),
			JobID:    je.JobID,
			RobotID:  je.RobotID,
			At:       ev.Time,
		}, true
	case robot.EventStale:
		re, ok := ev.Data.(robot.RobotEvent)
		if !ok {
			return Alert{}, false
		}
		return Alert{
			Kind:     "robot_offline",
			Priority: 8,
			Title:    "robot offline",
			Text:     fmt.Sprintf("pool %s: %s", re.Pool, re.Reason),
			RobotID:  re.RobotID,
			At:       ev.Time,
		}, true
	case robot.EventBreaker:
		be, ok := ev.Data.(robot.BreakerEvent)
		if !ok || be.To != robot.BreakerOpen {
			return Alert{}, false
		}
		return Alert{
			Kind:     "breaker_open",
			Priority: 8,
			Title:    "robot circuit opened",
			Text:     "dispatch to this robot is paused after repeated failures",
			RobotID:  be.RobotID,
			At:       ev.Time,
		}, true
	case schedule.EventMissed:
		se, ok := ev.Data.(schedule.ScheduleEvent)
		if !ok {
			return Alert{}, false
		}
		return Alert{
			Kind:       "schedule_missed",
			Priority:   5,
			Title:      "schedule missed runs",
			Text:       fmt.Sprintf("%s: %s", se.Name, se.Reason),
			ScheduleID: se.ScheduleID,
			At:         ev.Time,
		}, true
	}
	return Alert{}, false
}
