package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	logx "fleetd/pkg/logx"
)

func waitUpdate(t *testing.T, ch <-chan Update, kind UpdateKind) Update {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case up := <-ch:
			if up.Kind == kind {
				return up
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s update", kind)
		}
	}
}

func TestLocalAssignDeliversResult(t *testing.T) {
	t.Parallel()

	l := NewLocal(logx.Nop(), LocalRobot{
		ID:    "r1",
		Hello: Hello{Capabilities: []string{"browser"}, MaxConcurrentJobs: 2},
	})
	ch := make(chan Update, 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := l.Start(ctx, ch); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer l.Stop(context.Background())

	reg := waitUpdate(t, ch, UpdateRegister)
	if reg.RobotID != "r1" || reg.Hello == nil || reg.Hello.MaxConcurrentJobs != 2 {
		t.Fatalf("register update = %+v, want r1 hello", reg)
	}

	if err := l.Assign(ctx, "r1", Assignment{JobID: "job-1", WorkflowID: "wf-1"}); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	res := waitUpdate(t, ch, UpdateResult)
	if res.RobotID != "r1" || res.Result == nil {
		t.Fatalf("result update = %+v", res)
	}
	if res.Result.JobID != "job-1" || !res.Result.Success {
		t.Fatalf("result = %+v, want job-1 success", res.Result)
	}
}

func TestLocalCancelSuppressesResult(t *testing.T) {
	t.Parallel()

	blocking := func(ctx context.Context, a Assignment) ResultReport {
		<-ctx.Done()
		return ResultReport{JobID: a.JobID, Error: "cancelled"}
	}
	l := NewLocal(logx.Nop(), LocalRobot{ID: "r1", Behavior: blocking})
	ch := make(chan Update, 16)
	ctx := context.Background()
	if err := l.Start(ctx, ch); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer l.Stop(context.Background())
	waitUpdate(t, ch, UpdateRegister)

	if err := l.Assign(ctx, "r1", Assignment{JobID: "job-1", WorkflowID: "wf-1"}); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if err := l.CancelJob(ctx, "r1", "job-1", "operator"); err != nil {
		t.Fatalf("CancelJob: %v", err)
	}

	// The cancelled behavior must not surface a result.
	select {
	case up := <-ch:
		if up.Kind == UpdateResult {
			t.Fatalf("unexpected result after cancel: %+v", up.Result)
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestLocalUnknownRobot(t *testing.T) {
	t.Parallel()

	l := NewLocal(logx.Nop())
	ch := make(chan Update, 4)
	if err := l.Start(context.Background(), ch); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer l.Stop(context.Background())

	if err := l.Assign(context.Background(), "ghost", Assignment{JobID: "j"}); !errors.Is(err, ErrRobotUnreachable) {
		t.Fatalf("Assign err = %v, want ErrRobotUnreachable", err)
	}
	if err := l.Ping(context.Background(), "ghost"); !errors.Is(err, ErrRobotUnreachable) {
		t.Fatalf("Ping err = %v, want ErrRobotUnreachable", err)
	}
	if err := l.CancelJob(context.Background(), "ghost", "j", ""); !errors.Is(err, ErrRobotUnreachable) {
		t.Fatalf("CancelJob err = %v, want ErrRobotUnreachable", err)
	}
}

func TestLocalHeartbeatAndAddRobot(t *testing.T) {
	t.Parallel()

	l := NewLocal(logx.Nop(), LocalRobot{ID: "r1", HeartbeatEvery: 10 * time.Millisecond})
	ch := make(chan Update, 32)
	if err := l.Start(context.Background(), ch); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer l.Stop(context.Background())

	waitUpdate(t, ch, UpdateRegister)
	hb := waitUpdate(t, ch, UpdateHeartbeat)
	if hb.RobotID != "r1" {
		t.Fatalf("heartbeat robot = %q, want r1", hb.RobotID)
	}

	// Robots added while running announce themselves.
	l.AddRobot(LocalRobot{ID: "r2"})
	for {
		reg := waitUpdate(t, ch, UpdateRegister)
		if reg.RobotID == "r2" {
			break
		}
	}

	if err := l.Ping(context.Background(), "r2"); err != nil {
		t.Fatalf("Ping(r2): %v", err)
	}
}

func TestLocalProgressReports(t *testing.T) {
	t.Parallel()

	l := NewLocal(logx.Nop(), LocalRobot{ID: "r1"})
	ch := make(chan Update, 16)
	if err := l.Start(context.Background(), ch); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer l.Stop(context.Background())
	waitUpdate(t, ch, UpdateRegister)

	l.Progress("r1", "job-1", 40, "halfway-ish")
	up := waitUpdate(t, ch, UpdateProgress)
	if up.Progress == nil || up.Progress.Percent != 40 || up.Progress.JobID != "job-1" {
		t.Fatalf("progress = %+v, want job-1 at 40", up.Progress)
	}
}

func TestLocalAssignBeforeStart(t *testing.T) {
	t.Parallel()

	l := NewLocal(logx.Nop(), LocalRobot{ID: "r1"})
	err := l.Assign(context.Background(), "r1", Assignment{JobID: "j"})
	if !errors.Is(err, ErrRobotUnreachable) {
		t.Fatalf("Assign before Start err = %v, want ErrRobotUnreachable", err)
	}
}
