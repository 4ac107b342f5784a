package dispatch

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"fleetd/internal/job"
	"fleetd/internal/queue"
	"fleetd/internal/robot"
	"fleetd/internal/transport"
	logx "fleetd/pkg/logx"
)

// The handler tests drive HandleUpdate directly on an unstarted
// dispatcher; none of these paths need the loops.

func registerUpdate(id string, hello *transport.Hello) transport.Update {
	return transport.Update{Kind: transport.UpdateRegister, RobotID: id, At: time.Now(), Hello: hello}
}

func assignToRobot(t *testing.T, f *fixture, robotID string, req job.SubmitRequest) *job.Job {
	t.Helper()
	j := submit(t, f.q, req)
	got := f.q.Dequeue(queue.Candidate{RobotID: robotID})
	if got == nil || got.ID != j.ID {
		t.Fatalf("Dequeue = %v, want job %s", got, j.ID)
	}
	if err := f.reg.NoteJobAssigned(robotID, j.ID, j.WorkflowID); err != nil {
		t.Fatalf("NoteJobAssigned: %v", err)
	}
	return j
}

func TestHandleRegister(t *testing.T) {
	t.Parallel()
	f := newFixture(t, idleConfig())
	ctx := context.Background()

	f.d.HandleUpdate(ctx, registerUpdate("r1", &transport.Hello{
		Capabilities:      []string{"browser", "excel"},
		Environment:       "prod",
		MaxConcurrentJobs: 3,
	}))
	view, ok := f.reg.Get("r1")
	if !ok {
		t.Fatal("robot not registered")
	}
	if view.Status != robot.StatusOnline || view.MaxConcurrentJobs != 3 {
		t.Fatalf("view = %+v, want ONLINE with 3 slots", view)
	}

	// A bare register with no hello payload still creates the robot.
	f.d.HandleUpdate(ctx, registerUpdate("r2", nil))
	view, ok = f.reg.Get("r2")
	if !ok || view.MaxConcurrentJobs != 1 {
		t.Fatalf("bare register: view = %+v, ok = %v", view, ok)
	}

	if got := f.d.Snapshot().UpdatesHandled; got != 2 {
		t.Fatalf("UpdatesHandled = %d, want 2", got)
	}
}

func TestHandleRegisterStoresEndpoint(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		paths []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	push := transport.NewHTTPPush(transport.HTTPPushConfig{}, logx.Nop())
	if err := push.Start(context.Background(), nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer push.Stop(context.Background())

	q := queue.New(queue.Config{}, nil, logx.Nop(), nil)
	reg := robot.New(robot.Config{}, logx.Nop(), nil)
	d := New(idleConfig(), q, reg, push, logx.Nop(), nil)

	ctx := context.Background()
	d.HandleUpdate(ctx, registerUpdate("r1", &transport.Hello{Endpoint: srv.URL}))

	if err := push.Assign(ctx, "r1", transport.Assignment{JobID: "j-1"}); err != nil {
		t.Fatalf("Assign after register: %v", err)
	}
	mu.Lock()
	n := len(paths)
	mu.Unlock()
	if n != 1 {
		t.Fatalf("server saw %d calls, want 1", n)
	}

	// Disconnect drops the endpoint again.
	d.HandleUpdate(ctx, transport.Update{Kind: transport.UpdateDisconnect, RobotID: "r1"})
	if err := push.Assign(ctx, "r1", transport.Assignment{JobID: "j-2"}); err != transport.ErrNoEndpoint {
		t.Fatalf("Assign after disconnect = %v, want ErrNoEndpoint", err)
	}
}

func TestHandleStatusReports(t *testing.T) {
	t.Parallel()
	f := newFixture(t, idleConfig())
	ctx := context.Background()
	f.d.HandleUpdate(ctx, registerUpdate("r1", nil))

	statusOf := func() robot.Status {
		view, _ := f.reg.Get("r1")
		return view.Status
	}

	report := func(s string) {
		f.d.HandleUpdate(ctx, transport.Update{
			Kind:    transport.UpdateStatus,
			RobotID: "r1",
			Status:  &transport.StatusReport{Status: s},
		})
	}

	report(" error ")
	if got := statusOf(); got != robot.StatusError {
		t.Fatalf("after error report: status = %v, want ERROR", got)
	}

	// Robots cannot claim BUSY; the report parses but the registry
	// refuses it.
	report("busy")
	if got := statusOf(); got != robot.StatusError {
		t.Fatalf("after busy report: status = %v, want ERROR kept", got)
	}

	report("online")
	if got := statusOf(); got != robot.StatusOnline {
		t.Fatalf("after online report: status = %v, want ONLINE", got)
	}

	report("resting")
	if got := statusOf(); got != robot.StatusOnline {
		t.Fatalf("after garbage report: status = %v, want ONLINE kept", got)
	}
}

func TestHandleProgressPromotesAssigned(t *testing.T) {
	t.Parallel()
	f := newFixture(t, idleConfig())
	ctx := context.Background()
	f.d.HandleUpdate(ctx, registerUpdate("r1", nil))
	j := assignToRobot(t, f, "r1", job.SubmitRequest{WorkflowID: "wf-1"})

	f.d.HandleUpdate(ctx, transport.Update{
		Kind:     transport.UpdateProgress,
		RobotID:  "r1",
		Progress: &transport.ProgressReport{JobID: j.ID, Percent: 42, Message: "halfway"},
	})
	got, _ := f.q.Get(j.ID)
	if got.Status != job.StatusRunning {
		t.Fatalf("status = %v, want RUNNING after first progress", got.Status)
	}
	if got.Progress != 42 || got.ProgressMessage != "halfway" {
		t.Fatalf("progress = %d %q, want 42 \"halfway\"", got.Progress, got.ProgressMessage)
	}

	// Progress for a job nobody knows is dropped quietly.
	f.d.HandleUpdate(ctx, transport.Update{
		Kind:     transport.UpdateProgress,
		RobotID:  "r1",
		Progress: &transport.ProgressReport{JobID: "nope", Percent: 10},
	})
}

func TestHandleResultOutcomes(t *testing.T) {
	t.Parallel()
	f := newFixture(t, idleConfig())
	ctx := context.Background()
	f.d.HandleUpdate(ctx, registerUpdate("r1", &transport.Hello{MaxConcurrentJobs: 2}))

	ok := assignToRobot(t, f, "r1", job.SubmitRequest{WorkflowID: "wf-ok"})
	f.d.HandleUpdate(ctx, transport.Update{
		Kind:    transport.UpdateResult,
		RobotID: "r1",
		Result: &transport.ResultReport{
			JobID:   ok.ID,
			Success: true,
			Output:  map[string]any{"rows": float64(12)},
		},
	})
	got, _ := f.q.Get(ok.ID)
	if got.Status != job.StatusCompleted || got.Result["rows"] != float64(12) {
		t.Fatalf("success result: status = %v result = %v", got.Status, got.Result)
	}

	bad := assignToRobot(t, f, "r1", job.SubmitRequest{WorkflowID: "wf-bad"})
	f.d.HandleUpdate(ctx, transport.Update{
		Kind:    transport.UpdateResult,
		RobotID: "r1",
		Result:  &transport.ResultReport{JobID: bad.ID, Success: false, Error: "selector not found"},
	})
	got, _ = f.q.Get(bad.ID)
	if got.Status != job.StatusFailed || got.ErrorMessage != "selector not found" {
		t.Fatalf("failure result: status = %v error = %q", got.Status, got.ErrorMessage)
	}

	view, _ := f.reg.Get("r1")
	if len(view.CurrentJobIDs) != 0 {
		t.Fatalf("robot still holds %v after both results", view.CurrentJobIDs)
	}
}

func TestHandleLateResultFreesSlotOnly(t *testing.T) {
	t.Parallel()

	// Breaker armed at one failure so any accidental feed trips it.
	q := queue.New(queue.Config{}, nil, logx.Nop(), nil)
	reg := robot.New(robot.Config{
		Breaker: robot.BreakerConfig{FailureThreshold: 1, Cooldown: time.Minute},
	}, logx.Nop(), nil)
	f := &fixture{q: q, reg: reg, local: transport.NewLocal(logx.Nop())}
	f.d = New(idleConfig(), q, reg, f.local, logx.Nop(), nil)

	ctx := context.Background()
	f.d.HandleUpdate(ctx, registerUpdate("r1", nil))
	j := assignToRobot(t, f, "r1", job.SubmitRequest{WorkflowID: "wf-1"})

	if ok, reason := f.q.Cancel(j.ID, "operator"); !ok {
		t.Fatalf("Cancel refused: %s", reason)
	}

	f.d.HandleUpdate(ctx, transport.Update{
		Kind:    transport.UpdateResult,
		RobotID: "r1",
		Result:  &transport.ResultReport{JobID: j.ID, Success: false, Error: "too late"},
	})

	got, _ := f.q.Get(j.ID)
	if got.Status != job.StatusCancelled {
		t.Fatalf("status = %v, want CANCELLED kept", got.Status)
	}
	view, _ := f.reg.Get("r1")
	if len(view.CurrentJobIDs) != 0 {
		t.Fatalf("slot not freed: %v", view.CurrentJobIDs)
	}
	if st := f.reg.BreakerState("r1"); st != robot.BreakerClosed {
		t.Fatalf("breaker = %v, want CLOSED (late results must not count)", st)
	}
}

func TestHandleDisconnectReleasesHeldJobs(t *testing.T) {
	t.Parallel()
	f := newFixture(t, idleConfig())
	ctx := context.Background()
	f.d.HandleUpdate(ctx, registerUpdate("r1", nil))
	j := assignToRobot(t, f, "r1", job.SubmitRequest{WorkflowID: "wf-1"})

	f.d.HandleUpdate(ctx, transport.Update{Kind: transport.UpdateDisconnect, RobotID: "r1"})

	if _, ok := f.reg.Get("r1"); ok {
		t.Fatal("robot still registered after disconnect")
	}
	got, _ := f.q.Get(j.ID)
	if got.Status != job.StatusQueued {
		t.Fatalf("status = %v, want QUEUED after disconnect release", got.Status)
	}
	if got.RetryCount != 0 {
		t.Fatalf("retry count = %d, want 0 (disconnects are not the job's fault)", got.RetryCount)
	}

	// A second disconnect for the same robot is a no-op.
	f.d.HandleUpdate(ctx, transport.Update{Kind: transport.UpdateDisconnect, RobotID: "r1"})
}

func TestHandleUpdateUnknownKind(t *testing.T) {
	t.Parallel()
	f := newFixture(t, idleConfig())
	f.d.HandleUpdate(context.Background(), transport.Update{Kind: transport.UpdateKind("gossip"), RobotID: "r1"})
	if got := f.d.Snapshot().UpdatesHandled; got != 1 {
		t.Fatalf("UpdatesHandled = %d, want 1", got)
	}
}

func TestRecordJobResultFeedsBreaker(t *testing.T) {
	t.Parallel()
	q := queue.New(queue.Config{}, nil, logx.Nop(), nil)
	reg := robot.New(robot.Config{
		Breaker: robot.BreakerConfig{FailureThreshold: 2, Cooldown: time.Minute},
	}, logx.Nop(), nil)
	d := New(idleConfig(), q, reg, transport.NewLocal(logx.Nop()), logx.Nop(), nil)

	if _, err := reg.Register(robot.Registration{ID: "r1"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	d.RecordJobResult("r1", false)
	d.RecordJobResult("r1", false)
	if st := reg.BreakerState("r1"); st != robot.BreakerOpen {
		t.Fatalf("breaker = %v, want OPEN after threshold failures", st)
	}
	d.RecordJobResult("", false)
}
