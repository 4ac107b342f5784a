package robot

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"fleetd/internal/eventbus"
	logx "fleetd/pkg/logx"
)

var (
	ErrUnknownRobot = errors.New("unknown robot")
	ErrUnknownPool  = errors.New("unknown pool")
	ErrPoolExists   = errors.New("pool already exists")
)

// maxAffinityEntries bounds the workflow -> last successful runner map.
const maxAffinityEntries = 4096

// Config drives the registry. Pools listed here are created at startup and
// reconciled on reload; the default pool always exists.
type Config struct {
	Breaker BreakerConfig
	Pools   []Pool
}

// Registration is what a robot announces when it connects.
type Registration struct {
	ID                string   `json:"id"`
	Capabilities      []string `json:"capabilities,omitempty"`
	Tags              []string `json:"tags,omitempty"`
	Environment       string   `json:"environment,omitempty"`
	Pool              string   `json:"pool,omitempty"`
	MaxConcurrentJobs int      `json:"max_concurrent_jobs,omitempty"`
}

// OfflineRobot is returned by MarkStale so the caller can requeue the jobs
// the dead robot was holding.
type OfflineRobot struct {
	ID       string
	Pool     string
	From     Status
	HeldJobs []string
}

// Snapshot is the registry-wide view served by /status.
type Snapshot struct {
	Robots   int `json:"robots"`
	Online   int `json:"online"`
	Busy     int `json:"busy"`
	Offline  int `json:"offline"`
	Error    int `json:"error"`
	InFlight int `json:"in_flight"`

	Pools []PoolSnapshot `json:"pools"`

	BreakersOpen     int `json:"breakers_open"`
	BreakersHalfOpen int `json:"breakers_half_open"`
}

type poolState struct {
	cfg Pool
	sel selector
}

// Registry tracks robots, their pools, per-robot circuit breakers and the
// workflow affinity table. Like the queue, critical sections never do I/O;
// events are published after unlock.
type Registry struct {
	mu  sync.Mutex
	log logx.Logger
	bus eventbus.Bus

	entries  map[string]*entry
	pools    map[string]*poolState
	breakers *breakerStore

	// affinity remembers, per workflow, the robot that last completed it
	// successfully. Values are advisory; a vanished robot simply stops
	// matching the eligible set.
	affinity    map[string]affinityEntry
	jobWorkflow map[string]string
}

type affinityEntry struct {
	robotID string
	at      time.Time
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Registry{
		log:         log,
		bus:         bus,
		entries:     map[string]*entry{},
		pools:       map[string]*poolState{},
		breakers:    newBreakerStore(cfg.Breaker),
		affinity:    map[string]affinityEntry{},
		jobWorkflow: map[string]string{},
	}
	r.pools[DefaultPool] = &poolState{
		cfg: Pool{Name: DefaultPool},
		sel: newSelector(StrategyRoundRobin),
	}
	r.ApplyPools(cfg.Pools)
	return r
}

// Apply swaps runtime knobs. Robots and in-flight state are unaffected.
func (r *Registry) Apply(cfg Config) {
	r.breakers.apply(cfg.Breaker)
	r.ApplyPools(cfg.Pools)
}

// ApplyPools reconciles the pool set against a declarative list: listed
// pools are upserted, configured pools that disappeared are removed and
// their robots rehomed to the default pool. Selector state (round-robin
// cursors) survives when the strategy is unchanged.
func (r *Registry) ApplyPools(pools []Pool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	want := map[string]bool{DefaultPool: true}
	for _, p := range pools {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			continue
		}
		p.Name = name
		want[name] = true
		r.upsertPoolLocked(p)
	}
	for name := range r.pools {
		if !want[name] {
			r.removePoolLocked(name)
		}
	}
}

func (r *Registry) upsertPoolLocked(p Pool) {
	if ps, ok := r.pools[p.Name]; ok {
		if ps.sel.name() != selectorName(p.Strategy) {
			ps.sel = newSelector(p.Strategy)
		}
		ps.cfg = p
		return
	}
	r.pools[p.Name] = &poolState{cfg: p, sel: newSelector(p.Strategy)}
}

func selectorName(strategy string) string {
	if strategy == "" {
		return StrategyRoundRobin
	}
	return strategy
}

func (r *Registry) removePoolLocked(name string) {
	if name == DefaultPool {
		return
	}
	delete(r.pools, name)
	for _, e := range r.entries {
		if e.pool == name {
			e.pool = DefaultPool
		}
	}
}

// CreatePool adds a pool via the API. Unlike ApplyPools it refuses to
// clobber an existing one.
func (r *Registry) CreatePool(p Pool) error {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return errors.New("pool name is required")
	}
	if !ValidStrategy(p.Strategy) {
		return fmt.Errorf("unknown strategy %q", p.Strategy)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pools[p.Name]; ok {
		return fmt.Errorf("pool %q: %w", p.Name, ErrPoolExists)
	}
	r.pools[p.Name] = &poolState{cfg: p, sel: newSelector(p.Strategy)}
	return nil
}

// UpdatePool replaces an existing pool's settings.
func (r *Registry) UpdatePool(p Pool) error {
	p.Name = strings.TrimSpace(p.Name)
	if !ValidStrategy(p.Strategy) {
		return fmt.Errorf("unknown strategy %q", p.Strategy)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pools[p.Name]; !ok {
		return fmt.Errorf("pool %q: %w", p.Name, ErrUnknownPool)
	}
	r.upsertPoolLocked(p)
	return nil
}

// RemovePool deletes a pool and rehomes its robots to the default pool.
// The default pool cannot be removed.
func (r *Registry) RemovePool(name string) error {
	if name == DefaultPool {
		return errors.New("default pool cannot be removed")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pools[name]; !ok {
		return fmt.Errorf("pool %q: %w", name, ErrUnknownPool)
	}
	r.removePoolLocked(name)
	return nil
}

// Register upserts a robot. A new robot comes up ONLINE; a returning one
// keeps its in-flight jobs and has its metadata refreshed. An unknown pool
// falls back to the default pool with a warning rather than rejecting the
// robot.
func (r *Registry) Register(reg Registration) (Robot, error) {
	return r.registerAt(reg, time.Now())
}

func (r *Registry) registerAt(reg Registration, now time.Time) (Robot, error) {
	id := strings.TrimSpace(reg.ID)
	if id == "" {
		return Robot{}, errors.New("robot id is required")
	}
	pool := strings.TrimSpace(reg.Pool)
	if pool == "" {
		pool = DefaultPool
	}

	var (
		events  []RobotEvent
		badPool bool
	)
	r.mu.Lock()
	if _, ok := r.pools[pool]; !ok {
		badPool = true
		pool = DefaultPool
	}
	e, known := r.entries[id]
	if !known {
		e = &entry{id: id, current: map[string]struct{}{}, registeredAt: now}
		r.entries[id] = e
	}
	prev := e.status
	e.capabilities = append([]string(nil), reg.Capabilities...)
	e.tags = append([]string(nil), reg.Tags...)
	e.environment = strings.TrimSpace(reg.Environment)
	e.pool = pool
	e.maxConcurrentJobs = reg.MaxConcurrentJobs
	if e.maxConcurrentJobs <= 0 {
		e.maxConcurrentJobs = 1
	}
	e.lastHeartbeat = now
	// Registering is proof of life, whatever the robot's previous state.
	e.status = StatusOnline
	r.deriveLocked(e)
	if !known || prev != e.status {
		events = append(events, RobotEvent{
			RobotID: id, Pool: pool, From: prev, To: e.status, Reason: "registered", At: now,
		})
	}
	view := e.view()
	r.mu.Unlock()

	if badPool {
		r.log.Warn("robot registered into unknown pool, using default",
			logx.String("robot_id", id),
			logx.String("pool", reg.Pool))
	}
	r.log.Info("robot registered",
		logx.String("robot_id", id),
		logx.String("pool", pool),
		logx.Strings("capabilities", view.Capabilities),
		logx.Bool("known", known))
	r.publishStatus(EventRegistered, events)
	return view, nil
}

// Unregister removes a robot and returns the job ids it was holding so the
// caller can requeue them. Its breaker history is forgotten.
func (r *Registry) Unregister(id string) (held []string, ok bool) {
	now := time.Now()
	r.mu.Lock()
	e, exists := r.entries[id]
	if !exists {
		r.mu.Unlock()
		return nil, false
	}
	for jobID := range e.current {
		held = append(held, jobID)
		delete(r.jobWorkflow, jobID)
	}
	sort.Strings(held)
	pool, prev := e.pool, e.status
	delete(r.entries, id)
	for wf, a := range r.affinity {
		if a.robotID == id {
			delete(r.affinity, wf)
		}
	}
	r.mu.Unlock()

	r.breakers.forget(id)
	r.log.Info("robot unregistered",
		logx.String("robot_id", id),
		logx.Int("held_jobs", len(held)))
	r.publishStatus(EventUnregistered, []RobotEvent{{
		RobotID: id, Pool: pool, From: prev, To: StatusOffline, Reason: "unregistered", At: now,
	}})
	return held, true
}

// Heartbeat refreshes liveness. A heartbeat from an OFFLINE robot revives
// it; ERROR is sticky until the robot reports recovery or re-registers.
// Unknown robots get false so the transport can ask them to re-register.
func (r *Registry) Heartbeat(id string) bool {
	return r.heartbeatAt(id, time.Now())
}

func (r *Registry) heartbeatAt(id string, now time.Time) bool {
	var events []RobotEvent
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	e.lastHeartbeat = now
	if e.status == StatusOffline {
		e.status = StatusOnline
		r.deriveLocked(e)
		events = append(events, RobotEvent{
			RobotID: id, Pool: e.pool, From: StatusOffline, To: e.status, Reason: "heartbeat", At: now,
		})
	}
	r.mu.Unlock()

	if len(events) > 0 {
		r.log.Info("robot revived by heartbeat", logx.String("robot_id", id))
	}
	r.publishStatus(EventStatus, events)
	return true
}

// SetStatus applies a status reported by the robot itself (typically
// ERROR, or ONLINE after recovering). BUSY is derived from load and cannot
// be forced from outside.
func (r *Registry) SetStatus(id string, status Status) (Robot, error) {
	switch status {
	case StatusOnline, StatusOffline, StatusError:
	default:
		return Robot{}, fmt.Errorf("status %q cannot be set directly", status)
	}
	now := time.Now()
	var events []RobotEvent
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return Robot{}, fmt.Errorf("robot %q: %w", id, ErrUnknownRobot)
	}
	prev := e.status
	e.status = status
	r.deriveLocked(e)
	if prev != e.status {
		events = append(events, RobotEvent{
			RobotID: id, Pool: e.pool, From: prev, To: e.status, At: now,
		})
	}
	view := e.view()
	r.mu.Unlock()

	r.publishStatus(EventStatus, events)
	return view, nil
}

// NoteJobAssigned records that jobID now occupies a slot on the robot and
// consumes the breaker probe when the robot is HALF_OPEN. The workflow is
// remembered for the affinity table.
func (r *Registry) NoteJobAssigned(robotID, jobID, workflowID string) error {
	now := time.Now()
	var events []RobotEvent
	r.mu.Lock()
	e, ok := r.entries[robotID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("robot %q: %w", robotID, ErrUnknownRobot)
	}
	if !e.hasCapacity() {
		r.mu.Unlock()
		return fmt.Errorf("robot %q is at capacity", robotID)
	}
	prev := e.status
	e.current[jobID] = struct{}{}
	if workflowID != "" {
		r.jobWorkflow[jobID] = workflowID
	}
	r.deriveLocked(e)
	if prev != e.status {
		events = append(events, RobotEvent{
			RobotID: robotID, Pool: e.pool, From: prev, To: e.status, Reason: "assigned", At: now,
		})
	}
	r.mu.Unlock()

	r.breakers.noteAssigned(robotID, now)
	r.publishStatus(EventStatus, events)
	return nil
}

// NoteJobFinished frees the slot and feeds the breaker. On success the
// robot becomes the preferred runner for the job's workflow.
func (r *Registry) NoteJobFinished(robotID, jobID string, success bool) {
	now := time.Now()
	var events []RobotEvent
	r.mu.Lock()
	var workflowID string
	if wf, ok := r.jobWorkflow[jobID]; ok {
		workflowID = wf
		delete(r.jobWorkflow, jobID)
	}
	if e, ok := r.entries[robotID]; ok {
		prev := e.status
		delete(e.current, jobID)
		r.deriveLocked(e)
		if prev != e.status {
			events = append(events, RobotEvent{
				RobotID: robotID, Pool: e.pool, From: prev, To: e.status, Reason: "finished", At: now,
			})
		}
	}
	if success && workflowID != "" {
		r.rememberAffinityLocked(workflowID, robotID, now)
	}
	brFrom := r.breakers.state(robotID, now)
	r.mu.Unlock()

	brTo, changed := r.breakers.record(robotID, now, success)
	r.publishStatus(EventStatus, events)
	if changed {
		r.log.Warn("robot breaker state changed",
			logx.String("robot_id", robotID),
			logx.String("from", string(brFrom)),
			logx.String("to", string(brTo)))
		r.publishBreaker(BreakerEvent{RobotID: robotID, From: brFrom, To: brTo, At: now})
	}
}

// ReleaseJob frees the slot without feeding the breaker, used when a job
// is taken away from a robot (stale release, cancel) rather than finished
// by it.
func (r *Registry) ReleaseJob(robotID, jobID string) {
	now := time.Now()
	var events []RobotEvent
	r.mu.Lock()
	delete(r.jobWorkflow, jobID)
	if e, ok := r.entries[robotID]; ok {
		prev := e.status
		delete(e.current, jobID)
		r.deriveLocked(e)
		if prev != e.status {
			events = append(events, RobotEvent{
				RobotID: robotID, Pool: e.pool, From: prev, To: e.status, Reason: "released", At: now,
			})
		}
	}
	r.mu.Unlock()
	r.publishStatus(EventStatus, events)
}

func (r *Registry) rememberAffinityLocked(workflowID, robotID string, now time.Time) {
	if len(r.affinity) >= maxAffinityEntries {
		if _, exists := r.affinity[workflowID]; !exists {
			var oldestKey string
			var oldestAt time.Time
			for wf, a := range r.affinity {
				if oldestKey == "" || a.at.Before(oldestAt) {
					oldestKey, oldestAt = wf, a.at
				}
			}
			delete(r.affinity, oldestKey)
		}
	}
	r.affinity[workflowID] = affinityEntry{robotID: robotID, at: now}
}

// MarkStale flips robots whose heartbeat is older than threshold to
// OFFLINE and strips their in-flight jobs. The caller requeues the
// returned jobs.
func (r *Registry) MarkStale(now time.Time, threshold time.Duration) []OfflineRobot {
	if threshold <= 0 {
		return nil
	}
	cutoff := now.Add(-threshold)

	var (
		stale  []OfflineRobot
		events []RobotEvent
	)
	r.mu.Lock()
	for id, e := range r.entries {
		if e.status == StatusOffline || !e.lastHeartbeat.Before(cutoff) {
			continue
		}
		off := OfflineRobot{ID: id, Pool: e.pool, From: e.status}
		for jobID := range e.current {
			off.HeldJobs = append(off.HeldJobs, jobID)
			delete(r.jobWorkflow, jobID)
		}
		sort.Strings(off.HeldJobs)
		e.current = map[string]struct{}{}
		prev := e.status
		e.status = StatusOffline
		stale = append(stale, off)
		events = append(events, RobotEvent{
			RobotID: id, Pool: e.pool, From: prev, To: StatusOffline, Reason: "heartbeat stale", At: now,
		})
	}
	r.mu.Unlock()

	sort.Slice(stale, func(i, j int) bool { return stale[i].ID < stale[j].ID })
	for _, off := range stale {
		r.log.Warn("robot went stale",
			logx.String("robot_id", off.ID),
			logx.String("pool", off.Pool),
			logx.Int("held_jobs", len(off.HeldJobs)))
	}
	r.publishStatus(EventStale, events)
	return stale
}

// Select picks one eligible robot from the pool for the given workflow
// hint, or ok=false when nothing can take work right now. Eligibility is
// ONLINE, spare capacity and a breaker that is not OPEN. Robots named in
// exclude are skipped (the dispatcher excludes robots that matched no job
// earlier in the same sweep).
func (r *Registry) Select(pool, workflowID string, exclude ...string) (Robot, bool) {
	return r.selectAt(pool, workflowID, time.Now(), exclude...)
}

func (r *Registry) selectAt(pool, workflowID string, now time.Time, exclude ...string) (Robot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ps, ok := r.pools[pool]
	if !ok {
		return Robot{}, false
	}
	var skip map[string]struct{}
	if len(exclude) > 0 {
		skip = make(map[string]struct{}, len(exclude))
		for _, id := range exclude {
			skip[id] = struct{}{}
		}
	}
	var (
		eligible []*entry
		inFlight int
	)
	for _, e := range r.entries {
		if e.pool != pool {
			continue
		}
		inFlight += len(e.current)
		if e.status != StatusOnline || !e.hasCapacity() {
			continue
		}
		if _, excluded := skip[e.id]; excluded {
			continue
		}
		if !r.breakers.allows(e.id, now) {
			continue
		}
		eligible = append(eligible, e)
	}
	// Pool-level concurrency cap, 0 means unlimited.
	if ps.cfg.MaxConcurrentJobs > 0 && inFlight >= ps.cfg.MaxConcurrentJobs {
		return Robot{}, false
	}
	if len(eligible) == 0 {
		return Robot{}, false
	}
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].id < eligible[j].id })

	var lastRunner string
	if a, ok := r.affinity[workflowID]; ok {
		lastRunner = a.robotID
	}
	picked := ps.sel.pick(pickInput{
		eligible:   eligible,
		lastRunner: lastRunner,
		now:        now,
	})
	if picked == nil {
		return Robot{}, false
	}
	return picked.view(), true
}

// Get returns a point-in-time copy of one robot.
func (r *Registry) Get(id string) (Robot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return Robot{}, false
	}
	return e.view(), true
}

// Robots returns all robots sorted by id.
func (r *Registry) Robots() []Robot {
	r.mu.Lock()
	out := make([]Robot, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.view())
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Pools returns pool configs sorted by name, default pool first.
func (r *Registry) Pools() []Pool {
	r.mu.Lock()
	out := make([]Pool, 0, len(r.pools))
	for _, ps := range r.pools {
		out = append(out, ps.cfg)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if (out[i].Name == DefaultPool) != (out[j].Name == DefaultPool) {
			return out[i].Name == DefaultPool
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Pool returns one pool's config.
func (r *Registry) Pool(name string) (Pool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ps, ok := r.pools[name]
	if !ok {
		return Pool{}, false
	}
	return ps.cfg, true
}

// BreakerState exposes a robot's breaker state for the status API.
func (r *Registry) BreakerState(id string) BreakerState {
	return r.breakers.state(id, time.Now())
}

// Snapshot summarizes the fleet for /status and telemetry.
func (r *Registry) Snapshot() Snapshot {
	now := time.Now()
	r.mu.Lock()
	var snap Snapshot
	perPool := map[string]*PoolSnapshot{}
	for _, ps := range r.pools {
		perPool[ps.cfg.Name] = &PoolSnapshot{Pool: ps.cfg}
	}
	for _, e := range r.entries {
		snap.Robots++
		snap.InFlight += len(e.current)
		switch e.status {
		case StatusOnline:
			snap.Online++
		case StatusBusy:
			snap.Busy++
		case StatusOffline:
			snap.Offline++
		case StatusError:
			snap.Error++
		}
		p, ok := perPool[e.pool]
		if !ok {
			continue
		}
		p.Robots++
		p.InFlight += len(e.current)
		if e.status == StatusOnline || e.status == StatusBusy {
			p.Online++
		}
	}
	r.mu.Unlock()

	for _, p := range perPool {
		snap.Pools = append(snap.Pools, *p)
	}
	sort.Slice(snap.Pools, func(i, j int) bool { return snap.Pools[i].Pool.Name < snap.Pools[j].Pool.Name })
	_, snap.BreakersOpen, snap.BreakersHalfOpen = r.breakers.snapshot(now)
	return snap
}

// deriveLocked recomputes the ONLINE/BUSY split from load. OFFLINE and
// ERROR are sticky until a heartbeat or an explicit report clears them.
func (r *Registry) deriveLocked(e *entry) {
	switch e.status {
	case StatusOffline, StatusError:
		return
	}
	if e.hasCapacity() {
		e.status = StatusOnline
	} else {
		e.status = StatusBusy
	}
}

func (r *Registry) publishStatus(typ string, events []RobotEvent) {
	if r.bus == nil {
		return
	}
	for _, ev := range events {
		r.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
	}
}

func (r *Registry) publishBreaker(ev BreakerEvent) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{Type: EventBreaker, Time: ev.At, Data: ev})
}
