package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	rtsup "fleetd/internal/runtime/supervisor"
	logx "fleetd/pkg/logx"
)

// Behavior scripts what a simulated robot does with an assignment. The
// context is cancelled when the job is cancelled or the adapter stops.
type Behavior func(ctx context.Context, a Assignment) ResultReport

// EchoBehavior completes every assignment successfully after a short
// pause, echoing the workflow id. The default for unscripted robots.
func EchoBehavior(delay time.Duration) Behavior {
	return func(ctx context.Context, a Assignment) ResultReport {
		if delay > 0 {
			select {
			case <-ctx.Done():
				return ResultReport{JobID: a.JobID, Error: ctx.Err().Error()}
			case <-time.After(delay):
			}
		}
		return ResultReport{
			JobID:   a.JobID,
			Success: true,
			Output:  map[string]any{"workflow_id": a.WorkflowID},
		}
	}
}

// LocalRobot describes one simulated robot hosted by the local adapter.
type LocalRobot struct {
	ID             string
	Hello          Hello
	HeartbeatEvery time.Duration
	Behavior       Behavior
}

// Local is the in-process transport: robots live inside the daemon,
// execute assignments on goroutines and report through the same update
// stream a remote fleet would. It backs the "local" driver for single-host
// deployments and is what the dispatch tests run against.
type Local struct {
	log logx.Logger

	mu      sync.Mutex
	running bool
	sup     *rtsup.Supervisor
	robots  map[string]*localRobot
	jobs    sync.WaitGroup

	out     atomic.Value // stores (chan<- Update)
	dropped uint64
}

type localRobot struct {
	spec LocalRobot

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func NewLocal(log logx.Logger, robots ...LocalRobot) *Local {
	if log.IsZero() {
		log = logx.Nop()
	}
	l := &Local{log: log, robots: map[string]*localRobot{}}
	var nilOut chan<- Update
	l.out.Store(nilOut)
	for _, r := range robots {
		l.addLocked(r)
	}
	return l
}

func (l *Local) Name() string { return "local" }

func (l *Local) addLocked(spec LocalRobot) *localRobot {
	if spec.Behavior == nil {
		spec.Behavior = EchoBehavior(10 * time.Millisecond)
	}
	if spec.HeartbeatEvery <= 0 {
		spec.HeartbeatEvery = 10 * time.Second
	}
	r := &localRobot{spec: spec, cancels: map[string]context.CancelFunc{}}
	l.robots[spec.ID] = r
	return r
}

// AddRobot plugs in a simulated robot. On a running adapter it announces
// itself immediately.
func (l *Local) AddRobot(spec LocalRobot) {
	l.mu.Lock()
	r := l.addLocked(spec)
	running := l.running
	sup := l.sup
	l.mu.Unlock()

	if running && sup != nil {
		l.deliver(sup.Context(), Update{Kind: UpdateRegister, RobotID: spec.ID, Hello: &r.spec.Hello})
		l.startHeartbeat(sup, r)
	}
}

func (l *Local) Start(ctx context.Context, out chan<- Update) error {
	if ctx == nil {
		ctx = context.Background()
	}
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return nil
	}
	l.running = true
	l.out.Store(out)
	l.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(l.log.With(logx.String("comp", "transport.local"))),
		rtsup.WithCancelOnError(false),
	)
	sup := l.sup
	robots := make([]*localRobot, 0, len(l.robots))
	for _, r := range l.robots {
		robots = append(robots, r)
	}
	l.mu.Unlock()

	for _, r := range robots {
		l.deliver(sup.Context(), Update{Kind: UpdateRegister, RobotID: r.spec.ID, Hello: &r.spec.Hello})
		l.startHeartbeat(sup, r)
	}
	return nil
}

func (l *Local) startHeartbeat(sup *rtsup.Supervisor, r *localRobot) {
	if sup == nil {
		return
	}
	sup.Go0("heartbeat."+r.spec.ID, func(c context.Context) {
		ticker := time.NewTicker(r.spec.HeartbeatEvery)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-ticker.C:
				l.emit(Update{Kind: UpdateHeartbeat, RobotID: r.spec.ID})
			}
		}
	})
}

func (l *Local) Stop(ctx context.Context) error {
	l.mu.Lock()
	sup := l.sup
	l.sup = nil
	wasRunning := l.running
	l.running = false
	var nilOut chan<- Update
	l.out.Store(nilOut)
	l.mu.Unlock()

	if !wasRunning {
		return nil
	}
	if sup != nil {
		sup.Cancel()
	}

	// In-flight behaviors see their contexts cancel; give them a beat.
	done := make(chan struct{})
	go func() {
		l.jobs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		l.log.Warn("local transport stop timed out with jobs in flight")
	case <-time.After(2 * time.Second):
	}

	if sup != nil {
		_ = sup.Wait(ctx)
	}
	if n := atomic.SwapUint64(&l.dropped, 0); n > 0 {
		l.log.Warn("updates dropped (channel full)", logx.Uint64("count", n))
	}
	return nil
}

// Assign hands the job to the simulated robot, which runs it on its own
// goroutine and reports the result on the update stream.
func (l *Local) Assign(ctx context.Context, robotID string, a Assignment) error {
	l.mu.Lock()
	r, ok := l.robots[robotID]
	running := l.running
	sup := l.sup
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrRobotUnreachable, robotID)
	}
	if !running || sup == nil {
		return fmt.Errorf("%w: transport not started", ErrRobotUnreachable)
	}

	jobCtx, cancel := context.WithCancel(sup.Context())
	r.mu.Lock()
	r.cancels[a.JobID] = cancel
	r.mu.Unlock()

	l.jobs.Add(1)
	go func() {
		defer l.jobs.Done()
		defer func() {
			r.mu.Lock()
			delete(r.cancels, a.JobID)
			r.mu.Unlock()
			cancel()
		}()

		res := r.spec.Behavior(jobCtx, a)
		if jobCtx.Err() != nil {
			// Cancelled server-side; the job is already terminal there.
			return
		}
		res.JobID = a.JobID
		// Results must not be lost to a momentarily full channel.
		l.deliver(sup.Context(), Update{Kind: UpdateResult, RobotID: robotID, Result: &res})
	}()
	return nil
}

func (l *Local) CancelJob(ctx context.Context, robotID, jobID, reason string) error {
	l.mu.Lock()
	r, ok := l.robots[robotID]
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrRobotUnreachable, robotID)
	}
	r.mu.Lock()
	cancel, found := r.cancels[jobID]
	r.mu.Unlock()
	if found {
		cancel()
	}
	return nil
}

func (l *Local) Ping(ctx context.Context, robotID string) error {
	l.mu.Lock()
	_, ok := l.robots[robotID]
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrRobotUnreachable, robotID)
	}
	return nil
}

// Progress lets scripted behaviors report mid-job progress.
func (l *Local) Progress(robotID, jobID string, percent int, message string) {
	l.emit(Update{Kind: UpdateProgress, RobotID: robotID, Progress: &ProgressReport{
		JobID: jobID, Percent: percent, Message: message,
	}})
}

// emit is the lossy path for heartbeats and progress ticks.
func (l *Local) emit(up Update) {
	if up.At.IsZero() {
		up.At = time.Now()
	}
	v := l.out.Load()
	out, _ := v.(chan<- Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		atomic.AddUint64(&l.dropped, 1)
	}
}

// deliver blocks (bounded by ctx) for updates that must not vanish, such
// as registrations and job results.
func (l *Local) deliver(ctx context.Context, up Update) {
	if up.At.IsZero() {
		up.At = time.Now()
	}
	v := l.out.Load()
	out, _ := v.(chan<- Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	case <-ctx.Done():
		atomic.AddUint64(&l.dropped, 1)
	}
}
