package schedule

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"fleetd/internal/eventbus"
	"fleetd/internal/job"
	rtsup "fleetd/internal/runtime/supervisor"
	"fleetd/internal/store"
	logx "fleetd/pkg/logx"
)

// Service owns the schedule set and the tick loop. All mutations go
// through it; the store only sees opaque blobs.
type Service struct {
	log    logx.Logger
	bus    eventbus.Bus
	st     store.Store // may be nil
	submit SubmitFunc

	mu      sync.Mutex
	cfg     Config
	entries map[string]*entry
	running bool
	sup     *rtsup.Supervisor

	fired          uint64
	missed         uint64
	submitFailures uint64

	lastPersistWarnAt int64
}

func New(cfg Config, st store.Store, submit SubmitFunc, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg.withDefaults(),
		st:      st,
		submit:  submit,
		log:     log,
		bus:     bus,
		entries: map[string]*entry{},
	}
}

// Apply swaps tick cadence and policies at runtime. A default-timezone
// change recompiles the cron schedules that were leaning on it.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	newTZ := strings.TrimSpace(cfg.Timezone)
	s.cfg = cfg
	if oldTZ != newTZ {
		s.rebindTimezoneLocked(newTZ)
	}
	s.mu.Unlock()
}

func (s *Service) rebindTimezoneLocked(tz string) {
	now := time.Now()
	for id, e := range s.entries {
		if e.spec.Strategy != StrategyCron || strings.TrimSpace(e.spec.Timezone) != "" {
			continue
		}
		ne, err := compile(e.spec, tz)
		if err != nil {
			s.log.Warn("schedule rejected new default timezone",
				logx.String("schedule_id", id),
				logx.String("tz", tz),
				logx.Err(err))
			continue
		}
		if ne.spec.Enabled {
			ne.spec.NextRun = ne.nextAfter(now)
		}
		s.entries[id] = ne
	}
	s.log.Info("scheduler timezone changed", logx.String("tz", tz))
}

func (s *Service) snapshotCfg() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Start restores persisted schedules and begins ticking.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "schedule"))),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	cfg := s.cfg
	s.mu.Unlock()

	s.restore(sup.Context())

	sup.Go0("tick", func(c context.Context) {
		s.runLoop(c)
	})
	s.log.Info("scheduler started",
		logx.Duration("tick", cfg.Tick),
		logx.String("missed_run_policy", cfg.MissedRunPolicy))
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	wasRunning := s.running
	s.running = false
	s.mu.Unlock()

	if !wasRunning {
		return nil
	}
	if sup != nil {
		sup.Cancel()
		_ = sup.Wait(ctx)
	}
	s.log.Info("scheduler stopped")
	return nil
}

// restore loads persisted schedule blobs. Stored next_run_time values are
// kept as-is so the first tick sees exactly what was due while the
// process was down and can apply the missed-run policy.
func (s *Service) restore(ctx context.Context) {
	if s.st == nil {
		return
	}
	blobs, err := s.st.ListSchedules(ctx)
	if err != nil {
		s.log.Warn("schedule restore failed", logx.Err(err))
		return
	}
	if len(blobs) == 0 {
		return
	}

	now := time.Now()
	restored := 0
	s.mu.Lock()
	tz := s.cfg.Timezone
	for id, raw := range blobs {
		if _, exists := s.entries[id]; exists {
			continue
		}
		var sp Spec
		if err := json.Unmarshal(raw, &sp); err != nil {
			s.log.Warn("schedule blob unreadable",
				logx.String("schedule_id", id),
				logx.Err(err))
			continue
		}
		if sp.ID == "" {
			sp.ID = id
		}
		e, err := compile(sp, tz)
		if err != nil {
			s.log.Warn("schedule blob invalid",
				logx.String("schedule_id", id),
				logx.Err(err))
			continue
		}
		if e.spec.Enabled && e.spec.Strategy.timeBased() && e.spec.NextRun.IsZero() {
			e.spec.NextRun = e.nextAfter(now)
		}
		s.entries[sp.ID] = e
		restored++
	}
	s.mu.Unlock()

	if restored > 0 {
		s.log.Info("schedules restored", logx.Int("count", restored))
	}
}

func (s *Service) runLoop(ctx context.Context) {
	cur := s.snapshotCfg().Tick
	t := time.NewTicker(cur)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			s.tickOnce(ctx, now)
			if next := s.snapshotCfg().Tick; next != cur {
				cur = next
				t.Reset(cur)
			}
		}
	}
}

// firing is a due schedule captured under the lock, fired after it.
type firing struct {
	id         string
	name       string
	workflowID string
	strategy   Strategy
	req        job.SubmitRequest
}

// tickOnce fires every due schedule once and returns how many it fired.
func (s *Service) tickOnce(ctx context.Context, now time.Time) int {
	policy := s.snapshotCfg().MissedRunPolicy

	s.mu.Lock()
	var fires []firing
	var skipped []Spec
	for _, id := range s.idsLocked() {
		e := s.entries[id]
		sp := &e.spec
		if !sp.Enabled {
			continue
		}
		switch {
		case sp.Strategy.timeBased():
			if sp.NextRun.IsZero() || sp.NextRun.After(now) {
				continue
			}
			// Lagging by more than one period means firings were missed
			// while nobody was ticking.
			following := e.nextAfter(sp.NextRun)
			lagging := !following.IsZero() && !following.After(now)
			if lagging {
				atomic.AddUint64(&s.missed, 1)
				if policy == MissedSkip {
					sp.NextRun = e.nextAfter(now)
					sp.UpdatedAt = now
					skipped = append(skipped, sp.Clone())
					continue
				}
				// catch_up_once: fall through and fire exactly once.
			}
			if sp.Strategy == StrategyOneTime {
				sp.Executed = true
			}
			sp.LastRun = now
			sp.NextRun = e.nextAfter(now)
			sp.UpdatedAt = now
			fires = append(fires, firing{
				id:         id,
				name:       sp.Name,
				workflowID: sp.WorkflowID,
				strategy:   sp.Strategy,
				req:        buildRequest(sp, nil),
			})
		case sp.Strategy == StrategyDependency:
			if !s.dependencyDueLocked(e) {
				continue
			}
			sp.LastRun = now
			sp.UpdatedAt = now
			fires = append(fires, firing{
				id:         id,
				name:       sp.Name,
				workflowID: sp.WorkflowID,
				strategy:   sp.Strategy,
				req:        buildRequest(sp, nil),
			})
		}
	}
	s.mu.Unlock()

	for i := range skipped {
		sp := &skipped[i]
		s.persist(sp)
		s.publish(EventMissed, ScheduleEvent{
			ScheduleID: sp.ID,
			Name:       sp.Name,
			WorkflowID: sp.WorkflowID,
			Strategy:   sp.Strategy,
			Reason:     "missed runs skipped",
			At:         now,
		})
		s.log.Warn("missed schedule runs skipped",
			logx.String("schedule_id", sp.ID),
			logx.String("name", sp.Name),
			logx.Time("rescheduled", sp.NextRun))
	}
	for i := range fires {
		s.fire(ctx, &fires[i], now)
	}
	return len(fires)
}

// dependencyDueLocked reports whether every (or any, per wait_for_all)
// upstream schedule's job finished successfully since this schedule last
// fired. Missing upstreams never satisfy.
func (s *Service) dependencyDueLocked(e *entry) bool {
	sp := &e.spec
	satisfied := 0
	for _, id := range sp.DependsOn {
		up, ok := s.entries[id]
		if !ok {
			if sp.WaitForAll {
				return false
			}
			continue
		}
		if up.spec.LastResultOK && up.spec.LastResultAt.After(sp.LastRun) {
			if !sp.WaitForAll {
				return true
			}
			satisfied++
		} else if sp.WaitForAll {
			return false
		}
	}
	return sp.WaitForAll && satisfied == len(sp.DependsOn)
}

// fire runs the creation callback for one due schedule and records the
// firing outcome on the spec.
func (s *Service) fire(ctx context.Context, f *firing, now time.Time) {
	j, err := s.submit(ctx, f.req)
	status := "submitted"
	var jobID string
	if err != nil {
		status = "error: " + err.Error()
		atomic.AddUint64(&s.submitFailures, 1)
		s.log.Warn("schedule firing rejected",
			logx.String("schedule_id", f.id),
			logx.String("name", f.name),
			logx.Err(err))
	} else {
		jobID = j.ID
		atomic.AddUint64(&s.fired, 1)
		s.log.Info("schedule fired",
			logx.String("schedule_id", f.id),
			logx.String("name", f.name),
			logx.String("workflow_id", f.workflowID),
			logx.String("job_id", jobID))
	}

	s.mu.Lock()
	var cp Spec
	if e, ok := s.entries[f.id]; ok {
		e.spec.LastRunStatus = status
		cp = e.spec.Clone()
	}
	s.mu.Unlock()

	if cp.ID != "" {
		s.persist(&cp)
	}
	s.publish(EventFired, ScheduleEvent{
		ScheduleID: f.id,
		Name:       f.name,
		WorkflowID: f.workflowID,
		Strategy:   f.strategy,
		JobID:      jobID,
		Reason:     status,
		At:         now,
	})
}

// TriggerEvent fires every enabled event schedule matching the given
// type, source and filter. The payload is merged over the schedule's
// template variables (payload wins). Returns how many schedules fired.
func (s *Service) TriggerEvent(ctx context.Context, eventType, source string, payload map[string]any) int {
	now := time.Now()
	s.mu.Lock()
	var fires []firing
	for _, id := range s.idsLocked() {
		e := s.entries[id]
		if !e.matchesEvent(eventType, source, payload) {
			continue
		}
		sp := &e.spec
		sp.LastRun = now
		sp.UpdatedAt = now
		fires = append(fires, firing{
			id:         id,
			name:       sp.Name,
			workflowID: sp.WorkflowID,
			strategy:   sp.Strategy,
			req:        buildRequest(sp, payload),
		})
	}
	s.mu.Unlock()

	for i := range fires {
		s.fire(ctx, &fires[i], now)
	}
	if len(fires) > 0 {
		s.log.Info("event triggered schedules",
			logx.String("event_type", eventType),
			logx.String("source", source),
			logx.Int("fired", len(fires)))
	}
	return len(fires)
}

// NoteJobResult records the terminal outcome of a job this scheduler
// created. Dependency schedules fire off these marks.
func (s *Service) NoteJobResult(scheduleID string, success bool) {
	if strings.TrimSpace(scheduleID) == "" {
		return
	}
	now := time.Now()
	s.mu.Lock()
	e, ok := s.entries[scheduleID]
	var cp Spec
	if ok {
		e.spec.LastResultAt = now
		e.spec.LastResultOK = success
		cp = e.spec.Clone()
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	s.persist(&cp)
}

// buildRequest renders the schedule's job template. extra (an event
// payload) is merged over the template variables.
func buildRequest(sp *Spec, extra map[string]any) job.SubmitRequest {
	var vars map[string]any
	if len(sp.Variables) > 0 || len(extra) > 0 {
		vars = make(map[string]any, len(sp.Variables)+len(extra))
		for k, v := range sp.Variables {
			vars[k] = v
		}
		for k, v := range extra {
			vars[k] = v
		}
	}
	return job.SubmitRequest{
		WorkflowID:           sp.WorkflowID,
		WorkflowName:         sp.WorkflowName,
		Variables:            vars,
		Priority:             sp.Priority,
		RobotID:              sp.RobotID,
		Environment:          sp.Environment,
		RequiredCapabilities: append([]string(nil), sp.RequiredCapabilities...),
		TimeoutSeconds:       sp.TimeoutSeconds,
		MaxRetries:           sp.MaxRetries,
		ScheduleID:           sp.ID,
		// The scheduler owns its cadence; dedup would silently eat
		// legitimate back-to-back runs of fast schedules.
		SkipDedup: true,
	}
}

func (s *Service) idsLocked() []string {
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// persist saves a spec copy, best-effort. Persistence failures never
// block scheduling.
func (s *Service) persist(sp *Spec) {
	if s.st == nil || sp == nil {
		return
	}
	raw, err := json.Marshal(sp)
	if err != nil {
		s.log.Warn("schedule marshal failed",
			logx.String("schedule_id", sp.ID),
			logx.Err(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	if err := s.st.SaveSchedule(ctx, sp.ID, raw); err != nil && s.shouldWarn(time.Now()) {
		s.log.Warn("schedule persist failed",
			logx.String("schedule_id", sp.ID),
			logx.Err(err))
	}
}

func (s *Service) shouldWarn(now time.Time) bool {
	const every = 30 * time.Second
	prev := atomic.LoadInt64(&s.lastPersistWarnAt)
	n := now.UnixNano()
	if prev != 0 && (n-prev) < int64(every) {
		return false
	}
	return atomic.CompareAndSwapInt64(&s.lastPersistWarnAt, prev, n)
}

func (s *Service) publish(typ string, ev ScheduleEvent) {
	if s.bus == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}
