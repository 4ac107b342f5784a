package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"fleetd/internal/job"
	"fleetd/internal/queue"
	"fleetd/internal/robot"
	"fleetd/internal/transport"
	logx "fleetd/pkg/logx"
)

// idleConfig keeps the periodic loops out of the way so tests drive
// dispatchOnce/healthOnce deterministically.
func idleConfig() Config {
	return Config{
		DispatchInterval:    time.Hour,
		HealthCheckInterval: time.Hour,
		StaleThreshold:      30 * time.Second,
		RequestTimeout:      2 * time.Second,
	}
}

type fixture struct {
	q     *queue.Queue
	reg   *robot.Registry
	local *transport.Local
	d     *Dispatcher
}

func newFixture(t *testing.T, cfg Config, robots ...transport.LocalRobot) *fixture {
	t.Helper()
	f := &fixture{
		q:     queue.New(queue.Config{}, nil, logx.Nop(), nil),
		reg:   robot.New(robot.Config{}, logx.Nop(), nil),
		local: transport.NewLocal(logx.Nop(), robots...),
	}
	f.d = New(cfg, f.q, f.reg, f.local, logx.Nop(), nil)
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	if err := f.d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = f.d.Stop(ctx)
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func submit(t *testing.T, q *queue.Queue, req job.SubmitRequest) *job.Job {
	t.Helper()
	j, err := q.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return j
}

type recordingObserver struct {
	mu         sync.Mutex
	dispatched []string
	finished   map[string]bool
	statuses   []string
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{finished: map[string]bool{}}
}

func (o *recordingObserver) OnJobDispatched(j job.Job, robotID string) {
	o.mu.Lock()
	o.dispatched = append(o.dispatched, j.ID+"@"+robotID)
	o.mu.Unlock()
}

func (o *recordingObserver) OnJobFinished(j job.Job, robotID string, success bool) {
	o.mu.Lock()
	o.finished[j.ID] = success
	o.mu.Unlock()
}

func (o *recordingObserver) OnRobotStatusChanged(robotID string, from, to robot.Status) {
	o.mu.Lock()
	o.statuses = append(o.statuses, robotID+":"+string(from)+">"+string(to))
	o.mu.Unlock()
}

func (o *recordingObserver) finishedWith(id string) (bool, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	v, ok := o.finished[id]
	return v, ok
}

func TestDispatchRoundTrip(t *testing.T) {
	t.Parallel()

	f := newFixture(t, idleConfig(), transport.LocalRobot{
		ID:    "r1",
		Hello: transport.Hello{Capabilities: []string{"browser"}, MaxConcurrentJobs: 2},
	})
	obs := newRecordingObserver()
	f.d.AddObserver(obs)
	f.start(t)

	waitFor(t, "robot registration", func() bool {
		_, ok := f.reg.Get("r1")
		return ok
	})

	j := submit(t, f.q, job.SubmitRequest{WorkflowID: "wf-1", RequiredCapabilities: []string{"browser"}})
	if n := f.d.dispatchOnce(context.Background()); n != 1 {
		t.Fatalf("dispatchOnce = %d, want 1", n)
	}

	waitFor(t, "job completion", func() bool {
		got, ok := f.q.Get(j.ID)
		return ok && got.Status == job.StatusCompleted
	})
	waitFor(t, "robot slot freed", func() bool {
		view, ok := f.reg.Get("r1")
		return ok && len(view.CurrentJobIDs) == 0
	})

	success, seen := obs.finishedWith(j.ID)
	if !seen || !success {
		t.Fatalf("observer finished = (%v, %v), want success recorded", success, seen)
	}
	if snap := f.d.Snapshot(); snap.Dispatched != 1 || snap.AssignFailures != 0 {
		t.Fatalf("snapshot = %+v, want 1 dispatch, 0 failures", snap)
	}
}

func TestDispatchSkipsIneligibleWorkflows(t *testing.T) {
	t.Parallel()

	f := newFixture(t, idleConfig(), transport.LocalRobot{
		ID:    "r1",
		Hello: transport.Hello{Capabilities: []string{"excel"}},
	})
	f.start(t)
	waitFor(t, "robot registration", func() bool {
		_, ok := f.reg.Get("r1")
		return ok
	})

	// Capability mismatch keeps the job queued.
	j := submit(t, f.q, job.SubmitRequest{WorkflowID: "wf-1", RequiredCapabilities: []string{"browser"}})
	if n := f.d.dispatchOnce(context.Background()); n != 0 {
		t.Fatalf("dispatchOnce = %d, want 0", n)
	}
	got, _ := f.q.Get(j.ID)
	if got.Status != job.StatusQueued {
		t.Fatalf("status = %v, want QUEUED", got.Status)
	}
}

func TestAssignFailureChargesRetryAndRequeues(t *testing.T) {
	t.Parallel()

	f := newFixture(t, idleConfig())
	f.start(t)

	// The registry knows the robot but the transport does not, so every
	// assign fails.
	if _, err := f.reg.Register(robot.Registration{ID: "ghost"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	j := submit(t, f.q, job.SubmitRequest{WorkflowID: "wf-1", MaxRetries: 1})
	if n := f.d.dispatchOnce(context.Background()); n != 1 {
		t.Fatalf("dispatchOnce = %d, want 1", n)
	}
	waitFor(t, "first requeue", func() bool {
		got, ok := f.q.Get(j.ID)
		return ok && got.Status == job.StatusQueued && got.RetryCount == 1
	})

	// Retry budget exhausted on the second failed handoff.
	if n := f.d.dispatchOnce(context.Background()); n != 1 {
		t.Fatalf("second dispatchOnce = %d, want 1", n)
	}
	waitFor(t, "retries exhausted", func() bool {
		got, ok := f.q.Get(j.ID)
		return ok && got.Status == job.StatusFailed
	})
	waitFor(t, "assign failures counted", func() bool {
		return f.d.Snapshot().AssignFailures == 2
	})
}

func TestPinnedJobReachesItsRobot(t *testing.T) {
	t.Parallel()

	f := newFixture(t, idleConfig(),
		transport.LocalRobot{ID: "r-a"},
		transport.LocalRobot{ID: "r-b"},
	)
	f.start(t)
	waitFor(t, "both robots registered", func() bool {
		_, okA := f.reg.Get("r-a")
		_, okB := f.reg.Get("r-b")
		return okA && okB
	})

	// Pinned to r-b: the selector may offer r-a first, the sweep must
	// fall through instead of stalling.
	j := submit(t, f.q, job.SubmitRequest{WorkflowID: "wf-1", RobotID: "r-b"})
	if n := f.d.dispatchOnce(context.Background()); n != 1 {
		t.Fatalf("dispatchOnce = %d, want 1", n)
	}
	waitFor(t, "pinned completion", func() bool {
		got, ok := f.q.Get(j.ID)
		return ok && got.Status == job.StatusCompleted
	})
	if got, _ := f.q.Get(j.ID); got.RobotID != "" {
		t.Fatalf("terminal robot binding = %q, want cleared", got.RobotID)
	}
}

func TestHealthSweepReleasesStaleRobotJobs(t *testing.T) {
	t.Parallel()

	blocking := func(ctx context.Context, a transport.Assignment) transport.ResultReport {
		<-ctx.Done()
		return transport.ResultReport{}
	}
	f := newFixture(t, idleConfig(), transport.LocalRobot{ID: "r1", Behavior: blocking})
	obs := newRecordingObserver()
	f.d.AddObserver(obs)
	f.start(t)
	waitFor(t, "robot registration", func() bool {
		_, ok := f.reg.Get("r1")
		return ok
	})

	j := submit(t, f.q, job.SubmitRequest{WorkflowID: "wf-1"})
	if n := f.d.dispatchOnce(context.Background()); n != 1 {
		t.Fatalf("dispatchOnce = %d, want 1", n)
	}
	waitFor(t, "assignment", func() bool {
		got, _ := f.q.Get(j.ID)
		return got != nil && got.Status == job.StatusAssigned
	})

	// Sweep from one minute in the future: the heartbeat is now stale.
	f.d.healthOnce(time.Now().Add(time.Minute))

	view, _ := f.reg.Get("r1")
	if view.Status != robot.StatusOffline {
		t.Fatalf("robot status = %v, want OFFLINE", view.Status)
	}
	got, _ := f.q.Get(j.ID)
	if got.Status != job.StatusQueued {
		t.Fatalf("job status = %v, want QUEUED after stale release", got.Status)
	}
	if got.RetryCount != 0 {
		t.Fatalf("retry count = %d, want 0 (offline releases are not charged)", got.RetryCount)
	}
	if snap := f.d.Snapshot(); snap.StaleRobots != 1 {
		t.Fatalf("stale robots = %d, want 1", snap.StaleRobots)
	}
}

func TestTimeoutSweepExpiresRunningJob(t *testing.T) {
	t.Parallel()

	blocking := func(ctx context.Context, a transport.Assignment) transport.ResultReport {
		<-ctx.Done()
		return transport.ResultReport{}
	}
	f := newFixture(t, idleConfig(), transport.LocalRobot{ID: "r1", Behavior: blocking})
	f.start(t)
	waitFor(t, "robot registration", func() bool {
		_, ok := f.reg.Get("r1")
		return ok
	})

	j := submit(t, f.q, job.SubmitRequest{WorkflowID: "wf-1", TimeoutSeconds: 1})
	if n := f.d.dispatchOnce(context.Background()); n != 1 {
		t.Fatalf("dispatchOnce = %d, want 1", n)
	}

	time.Sleep(1100 * time.Millisecond)
	f.d.healthOnce(time.Now())

	got, _ := f.q.Get(j.ID)
	if got.Status != job.StatusTimeout {
		t.Fatalf("job status = %v, want TIMEOUT", got.Status)
	}
	waitFor(t, "robot slot freed", func() bool {
		view, ok := f.reg.Get("r1")
		return ok && len(view.CurrentJobIDs) == 0
	})
	if snap := f.d.Snapshot(); snap.Timeouts != 1 {
		t.Fatalf("timeouts = %d, want 1", snap.Timeouts)
	}

	// A result limping in after the expiry is discarded.
	f.d.HandleUpdate(context.Background(), transport.Update{
		Kind:    transport.UpdateResult,
		RobotID: "r1",
		Result:  &transport.ResultReport{JobID: j.ID, Success: true},
	})
	got, _ = f.q.Get(j.ID)
	if got.Status != job.StatusTimeout {
		t.Fatalf("status after late result = %v, want TIMEOUT", got.Status)
	}
}

func TestCancelForwardsToRobot(t *testing.T) {
	t.Parallel()

	released := make(chan struct{})
	blocking := func(ctx context.Context, a transport.Assignment) transport.ResultReport {
		<-ctx.Done()
		close(released)
		return transport.ResultReport{}
	}
	f := newFixture(t, idleConfig(), transport.LocalRobot{ID: "r1", Behavior: blocking})
	f.start(t)
	waitFor(t, "robot registration", func() bool {
		_, ok := f.reg.Get("r1")
		return ok
	})

	j := submit(t, f.q, job.SubmitRequest{WorkflowID: "wf-1"})
	if n := f.d.dispatchOnce(context.Background()); n != 1 {
		t.Fatalf("dispatchOnce = %d, want 1", n)
	}
	waitFor(t, "assignment", func() bool {
		got, _ := f.q.Get(j.ID)
		return got != nil && got.Status == job.StatusAssigned
	})

	ok, reason := f.d.CancelJob(context.Background(), j.ID, "operator request")
	if !ok {
		t.Fatalf("CancelJob refused: %s", reason)
	}
	got, _ := f.q.Get(j.ID)
	if got.Status != job.StatusCancelled {
		t.Fatalf("status = %v, want CANCELLED", got.Status)
	}

	// The robot-side context unwinds via the forwarded cancel.
	select {
	case <-released:
	case <-time.After(2 * time.Second):
		t.Fatal("robot behavior not cancelled")
	}
	view, _ := f.reg.Get("r1")
	if len(view.CurrentJobIDs) != 0 {
		t.Fatalf("robot still holds %v after cancel", view.CurrentJobIDs)
	}
}
