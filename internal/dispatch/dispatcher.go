package dispatch

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"fleetd/internal/eventbus"
	"fleetd/internal/job"
	"fleetd/internal/queue"
	"fleetd/internal/robot"
	rtsup "fleetd/internal/runtime/supervisor"
	"fleetd/internal/transport"
	logx "fleetd/pkg/logx"
)

// Config holds the dispatcher's loop cadence and transport bounds.
type Config struct {
	// DispatchInterval is how often queued jobs are matched to robots.
	DispatchInterval time.Duration
	// HealthCheckInterval is how often stale robots and expired jobs are
	// swept.
	HealthCheckInterval time.Duration
	// StaleThreshold is the heartbeat age that marks a robot OFFLINE.
	StaleThreshold time.Duration
	// RequestTimeout bounds each outbound transport call.
	RequestTimeout time.Duration
	// UpdateBuffer sizes the inbound update channel.
	UpdateBuffer int
}

func (c Config) withDefaults() Config {
	if c.DispatchInterval <= 0 {
		c.DispatchInterval = time.Second
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 5 * time.Second
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = 30 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.UpdateBuffer <= 0 {
		c.UpdateBuffer = 256
	}
	return c
}

// Snapshot is the dispatcher's /status view.
type Snapshot struct {
	Running        bool   `json:"running"`
	Dispatched     uint64 `json:"dispatched"`
	AssignFailures uint64 `json:"assign_failures"`
	Timeouts       uint64 `json:"timeouts"`
	StaleRobots    uint64 `json:"stale_robots"`
	UpdatesHandled uint64 `json:"updates_handled"`
}

// Dispatcher matches queued jobs to robots and routes everything the fleet
// reports back. It owns the transport adapter's lifecycle and never blocks
// its loops on transport I/O: assigns run on their own goroutines and
// report failures through the queue's release path.
type Dispatcher struct {
	log logx.Logger
	bus eventbus.Bus

	queue     *queue.Queue
	robots    *robot.Registry
	transport transport.Adapter

	mu      sync.Mutex
	cfg     Config
	running bool
	sup     *rtsup.Supervisor
	updates chan transport.Update

	obsMu     sync.RWMutex
	observers []Observer

	assigns sync.WaitGroup

	dispatched     uint64
	assignFailures uint64
	timeouts       uint64
	staleRobots    uint64
	updatesHandled uint64
}

func New(cfg Config, q *queue.Queue, reg *robot.Registry, tr transport.Adapter, log logx.Logger, bus eventbus.Bus) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		cfg:       cfg.withDefaults(),
		queue:     q,
		robots:    reg,
		transport: tr,
		log:       log,
		bus:       bus,
	}
}

// Apply swaps loop cadence at runtime; running tickers pick the new
// intervals up on their next fire.
func (d *Dispatcher) Apply(cfg Config) {
	d.mu.Lock()
	d.cfg = cfg.withDefaults()
	d.mu.Unlock()
}

func (d *Dispatcher) snapshotCfg() Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// AddObserver registers a lifecycle observer. Safe before or after Start.
func (d *Dispatcher) AddObserver(o Observer) {
	if o == nil {
		return
	}
	d.obsMu.Lock()
	d.observers = append(d.observers, o)
	d.obsMu.Unlock()
}

func (d *Dispatcher) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return nil
	}
	cfg := d.cfg
	d.running = true
	d.updates = make(chan transport.Update, cfg.UpdateBuffer)
	d.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(d.log.With(logx.String("comp", "dispatch"))),
		rtsup.WithCancelOnError(false),
	)
	sup := d.sup
	updates := d.updates
	d.mu.Unlock()

	if err := d.transport.Start(sup.Context(), updates); err != nil {
		d.mu.Lock()
		d.running = false
		d.sup = nil
		d.mu.Unlock()
		sup.Cancel()
		return err
	}

	sup.Go0("updates", func(c context.Context) {
		for {
			select {
			case <-c.Done():
				return
			case up := <-updates:
				d.HandleUpdate(c, up)
			}
		}
	})
	sup.Go0("dispatch", func(c context.Context) {
		d.runLoop(c, func(cfg Config) time.Duration { return cfg.DispatchInterval }, func(c context.Context) {
			started := time.Now()
			n := d.dispatchOnce(c)
			d.publishCycle(n, time.Since(started))
		})
	})
	sup.Go0("health", func(c context.Context) {
		d.runLoop(c, func(cfg Config) time.Duration { return cfg.HealthCheckInterval }, func(c context.Context) {
			d.healthOnce(time.Now())
		})
	})

	d.log.Info("dispatcher started",
		logx.String("transport", d.transport.Name()),
		logx.Duration("dispatch_interval", cfg.DispatchInterval),
		logx.Duration("health_interval", cfg.HealthCheckInterval))
	return nil
}

func (d *Dispatcher) runLoop(ctx context.Context, interval func(Config) time.Duration, fn func(context.Context)) {
	cur := interval(d.snapshotCfg())
	t := time.NewTicker(cur)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			fn(ctx)
			if next := interval(d.snapshotCfg()); next != cur {
				cur = next
				t.Reset(cur)
			}
		}
	}
}

func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	sup := d.sup
	d.sup = nil
	wasRunning := d.running
	d.running = false
	d.mu.Unlock()

	if !wasRunning {
		return nil
	}
	if sup != nil {
		sup.Cancel()
	}
	if err := d.transport.Stop(ctx); err != nil {
		d.log.Warn("transport stop", logx.Err(err))
	}

	done := make(chan struct{})
	go func() {
		d.assigns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		d.log.Warn("dispatcher stop timed out with assigns in flight")
	}

	if sup != nil {
		_ = sup.Wait(ctx)
	}
	d.log.Info("dispatcher stopped")
	return nil
}

// dispatchOnce runs one matching sweep and returns how many jobs it handed
// out. Robots that match no queued job are excluded for the rest of the
// sweep so one picky selector cannot starve the pool.
func (d *Dispatcher) dispatchOnce(ctx context.Context) int {
	cfg := d.snapshotCfg()
	dispatched := 0
	for _, pool := range d.robots.Pools() {
		var exclude []string
		for {
			if ctx.Err() != nil || d.queue.QueuedLen() == 0 {
				return dispatched
			}
			// The affinity hint is the head job's workflow. Dequeue may
			// hand the robot a different job when the head doesn't match
			// it, so the hint is a heuristic, not a guarantee.
			var hint string
			if next := d.queue.Peek(); next != nil {
				hint = next.WorkflowID
			}
			rb, ok := d.robots.Select(pool.Name, hint, exclude...)
			if !ok {
				break
			}
			j := d.queue.Dequeue(queue.Candidate{
				RobotID:          rb.ID,
				Capabilities:     rb.Capabilities,
				Environment:      rb.Environment,
				AllowedWorkflows: pool.AllowedWorkflows,
			})
			if j == nil {
				// Nothing this robot can take; let the others try.
				exclude = append(exclude, rb.ID)
				continue
			}
			if err := d.robots.NoteJobAssigned(rb.ID, j.ID, j.WorkflowID); err != nil {
				d.log.Warn("assignment slot vanished",
					logx.String("job_id", j.ID),
					logx.String("robot_id", rb.ID),
					logx.Err(err))
				d.queue.Release(j.ID, "robot slot unavailable", false)
				exclude = append(exclude, rb.ID)
				continue
			}
			d.sendAssign(j, rb.ID, cfg.RequestTimeout)
			d.notifyDispatched(j, rb.ID)
			atomic.AddUint64(&d.dispatched, 1)
			dispatched++
		}
	}
	return dispatched
}

// sendAssign pushes the work order on its own goroutine so a slow robot
// never stalls the dispatch loop. Failure feeds the breaker and returns
// the job to the queue with its retry budget charged.
func (d *Dispatcher) sendAssign(j *job.Job, robotID string, timeout time.Duration) {
	assignment := transport.Assignment{
		JobID:          j.ID,
		WorkflowID:     j.WorkflowID,
		Variables:      j.Variables,
		Priority:       j.Priority,
		TimeoutSeconds: j.TimeoutSeconds,
		Environment:    j.Environment,
	}
	d.mu.Lock()
	sup := d.sup
	d.mu.Unlock()
	if sup == nil {
		return
	}

	d.assigns.Add(1)
	go func() {
		defer d.assigns.Done()
		actx, cancel := context.WithTimeout(sup.Context(), timeout)
		defer cancel()

		err := d.transport.Assign(actx, robotID, assignment)
		if err == nil {
			d.log.Debug("job assigned",
				logx.String("job_id", j.ID),
				logx.String("workflow_id", j.WorkflowID),
				logx.String("robot_id", robotID))
			return
		}
		atomic.AddUint64(&d.assignFailures, 1)
		d.log.Warn("assign failed",
			logx.String("job_id", j.ID),
			logx.String("robot_id", robotID),
			logx.Err(err))
		d.robots.NoteJobFinished(robotID, j.ID, false)
		if ok, reason := d.queue.Release(j.ID, "assign failed: "+err.Error(), true); !ok {
			d.log.Debug("release refused",
				logx.String("job_id", j.ID),
				logx.String("reason", reason))
		}
	}()
}

// healthOnce sweeps stale robots back to OFFLINE (requeueing their jobs)
// and expires jobs past their deadline.
func (d *Dispatcher) healthOnce(now time.Time) {
	cfg := d.snapshotCfg()

	for _, off := range d.robots.MarkStale(now, cfg.StaleThreshold) {
		atomic.AddUint64(&d.staleRobots, 1)
		for _, jobID := range off.HeldJobs {
			if ok, reason := d.queue.Release(jobID, "robot "+off.ID+" went offline", false); !ok {
				d.log.Debug("stale release refused",
					logx.String("job_id", jobID),
					logx.String("reason", reason))
			}
		}
		d.notifyRobotStatus(off.ID, off.From, robot.StatusOffline)
	}

	for _, id := range d.queue.CheckTimeouts() {
		var robotID string
		if j, ok := d.queue.Get(id); ok {
			robotID = j.RobotID
		}
		ok, reason := d.queue.Timeout(id)
		if !ok {
			d.log.Debug("timeout refused",
				logx.String("job_id", id),
				logx.String("reason", reason))
			continue
		}
		atomic.AddUint64(&d.timeouts, 1)
		if robotID != "" {
			// The robot may still be grinding on it; tell it to stop and
			// count the expiry against its record.
			d.cancelOnRobot(robotID, id, "timeout")
			d.robots.NoteJobFinished(robotID, id, false)
		}
		if j, found := d.queue.Get(id); found {
			d.notifyFinished(*j, robotID, false)
		}
	}
}

// cancelOnRobot forwards a cancellation best-effort on its own goroutine.
func (d *Dispatcher) cancelOnRobot(robotID, jobID, reason string) {
	d.mu.Lock()
	sup := d.sup
	timeout := d.cfg.RequestTimeout
	d.mu.Unlock()
	if sup == nil {
		return
	}
	d.assigns.Add(1)
	go func() {
		defer d.assigns.Done()
		cctx, cancel := context.WithTimeout(sup.Context(), timeout)
		defer cancel()
		if err := d.transport.CancelJob(cctx, robotID, jobID, reason); err != nil {
			d.log.Debug("cancel forward failed",
				logx.String("job_id", jobID),
				logx.String("robot_id", robotID),
				logx.Err(err))
		}
	}()
}

// CancelJob cancels a job wherever it is: queue-local for QUEUED, with a
// best-effort transport forward when a robot already holds it.
func (d *Dispatcher) CancelJob(ctx context.Context, id, reason string) (bool, string) {
	var robotID string
	if j, ok := d.queue.Get(id); ok {
		robotID = j.RobotID
	}
	ok, why := d.queue.Cancel(id, reason)
	if !ok {
		return false, why
	}
	if robotID != "" {
		d.cancelOnRobot(robotID, id, reason)
		d.robots.ReleaseJob(robotID, id)
	}
	if j, found := d.queue.Get(id); found {
		d.notifyFinished(*j, robotID, false)
	}
	return true, ""
}

// RecordJobResult feeds a robot's breaker without touching job state, for
// callers that learned an outcome out of band.
func (d *Dispatcher) RecordJobResult(robotID string, success bool) {
	if strings.TrimSpace(robotID) == "" {
		return
	}
	d.robots.NoteJobFinished(robotID, "", success)
}

func (d *Dispatcher) Snapshot() Snapshot {
	d.mu.Lock()
	running := d.running
	d.mu.Unlock()
	return Snapshot{
		Running:        running,
		Dispatched:     atomic.LoadUint64(&d.dispatched),
		AssignFailures: atomic.LoadUint64(&d.assignFailures),
		Timeouts:       atomic.LoadUint64(&d.timeouts),
		StaleRobots:    atomic.LoadUint64(&d.staleRobots),
		UpdatesHandled: atomic.LoadUint64(&d.updatesHandled),
	}
}

func (d *Dispatcher) notifyDispatched(j *job.Job, robotID string) {
	d.obsMu.RLock()
	obs := d.observers
	d.obsMu.RUnlock()
	for _, o := range obs {
		o.OnJobDispatched(*j, robotID)
	}
}

func (d *Dispatcher) notifyFinished(j job.Job, robotID string, success bool) {
	d.obsMu.RLock()
	obs := d.observers
	d.obsMu.RUnlock()
	for _, o := range obs {
		o.OnJobFinished(j, robotID, success)
	}
}

func (d *Dispatcher) notifyRobotStatus(robotID string, from, to robot.Status) {
	d.obsMu.RLock()
	obs := d.observers
	d.obsMu.RUnlock()
	for _, o := range obs {
		o.OnRobotStatusChanged(robotID, from, to)
	}
}
