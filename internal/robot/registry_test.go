package robot

import (
	"errors"
	"testing"
	"time"

	"fleetd/internal/eventbus"
	logx "fleetd/pkg/logx"
)

func newTestRegistry(cfg Config) *Registry {
	return New(cfg, logx.Nop(), nil)
}

func mustRegister(t *testing.T, r *Registry, reg Registration) Robot {
	t.Helper()
	view, err := r.Register(reg)
	if err != nil {
		t.Fatalf("Register(%s): %v", reg.ID, err)
	}
	return view
}

func TestRegisterDefaults(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(Config{})
	view := mustRegister(t, r, Registration{ID: "r1", Capabilities: []string{"browser"}})

	if view.Pool != DefaultPool {
		t.Fatalf("pool = %q, want %q", view.Pool, DefaultPool)
	}
	if view.MaxConcurrentJobs != 1 {
		t.Fatalf("max_concurrent_jobs = %d, want 1", view.MaxConcurrentJobs)
	}
	if view.Status != StatusOnline {
		t.Fatalf("status = %v, want %v", view.Status, StatusOnline)
	}
	if view.LastHeartbeat.IsZero() || view.RegisteredAt.IsZero() {
		t.Fatal("expected heartbeat and registration timestamps to be set")
	}

	if _, err := r.Register(Registration{ID: "  "}); err == nil {
		t.Fatal("expected error for empty robot id, got nil")
	}
}

func TestRegisterUnknownPoolFallsBack(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(Config{Pools: []Pool{{Name: "scrapers"}}})

	view := mustRegister(t, r, Registration{ID: "r1", Pool: "no-such-pool"})
	if view.Pool != DefaultPool {
		t.Fatalf("pool = %q, want fallback to %q", view.Pool, DefaultPool)
	}

	view = mustRegister(t, r, Registration{ID: "r2", Pool: "scrapers"})
	if view.Pool != "scrapers" {
		t.Fatalf("pool = %q, want scrapers", view.Pool)
	}
}

func TestReRegisterRevivesAndRefreshesMetadata(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(Config{})
	mustRegister(t, r, Registration{ID: "r1", MaxConcurrentJobs: 2})
	if err := r.NoteJobAssigned("r1", "job-1", "wf-1"); err != nil {
		t.Fatalf("NoteJobAssigned: %v", err)
	}

	// Stale sweep knocks it OFFLINE and strips the job.
	stale := r.MarkStale(time.Now().Add(time.Hour), 30*time.Second)
	if len(stale) != 1 || stale[0].ID != "r1" {
		t.Fatalf("MarkStale = %+v, want r1", stale)
	}

	view := mustRegister(t, r, Registration{ID: "r1", MaxConcurrentJobs: 4, Environment: "prod"})
	if view.Status != StatusOnline {
		t.Fatalf("status after re-register = %v, want %v", view.Status, StatusOnline)
	}
	if view.MaxConcurrentJobs != 4 || view.Environment != "prod" {
		t.Fatalf("metadata not refreshed: %+v", view)
	}
}

func TestHeartbeat(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(Config{})
	mustRegister(t, r, Registration{ID: "r1"})

	if r.Heartbeat("ghost") {
		t.Fatal("Heartbeat(ghost) = true, want false")
	}

	// Offline robots revive on heartbeat.
	r.MarkStale(time.Now().Add(time.Hour), 30*time.Second)
	if view, _ := r.Get("r1"); view.Status != StatusOffline {
		t.Fatalf("status = %v, want OFFLINE", view.Status)
	}
	if !r.Heartbeat("r1") {
		t.Fatal("Heartbeat(r1) = false, want true")
	}
	if view, _ := r.Get("r1"); view.Status != StatusOnline {
		t.Fatalf("status after heartbeat = %v, want ONLINE", view.Status)
	}

	// ERROR is sticky: heartbeats alone don't clear it.
	if _, err := r.SetStatus("r1", StatusError); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	r.Heartbeat("r1")
	if view, _ := r.Get("r1"); view.Status != StatusError {
		t.Fatalf("status = %v, want ERROR to stick through heartbeats", view.Status)
	}
	if _, err := r.SetStatus("r1", StatusOnline); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if view, _ := r.Get("r1"); view.Status != StatusOnline {
		t.Fatalf("status = %v, want ONLINE after explicit recovery", view.Status)
	}
}

func TestSetStatusRejectsBusy(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(Config{})
	mustRegister(t, r, Registration{ID: "r1"})

	if _, err := r.SetStatus("r1", StatusBusy); err == nil {
		t.Fatal("expected error setting BUSY directly, got nil")
	}
	if _, err := r.SetStatus("ghost", StatusError); !errors.Is(err, ErrUnknownRobot) {
		t.Fatalf("err = %v, want ErrUnknownRobot", err)
	}
}

func TestBusyDerivedFromLoad(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(Config{})
	mustRegister(t, r, Registration{ID: "r1", MaxConcurrentJobs: 1})

	if err := r.NoteJobAssigned("r1", "job-1", "wf-1"); err != nil {
		t.Fatalf("NoteJobAssigned: %v", err)
	}
	if view, _ := r.Get("r1"); view.Status != StatusBusy {
		t.Fatalf("status = %v, want BUSY at capacity", view.Status)
	}
	if err := r.NoteJobAssigned("r1", "job-2", "wf-1"); err == nil {
		t.Fatal("expected error assigning past capacity, got nil")
	}

	r.NoteJobFinished("r1", "job-1", true)
	if view, _ := r.Get("r1"); view.Status != StatusOnline {
		t.Fatalf("status = %v, want ONLINE after slot freed", view.Status)
	}
	if view, _ := r.Get("r1"); len(view.CurrentJobIDs) != 0 {
		t.Fatalf("current jobs = %v, want empty", view.CurrentJobIDs)
	}
}

func TestMarkStaleReturnsHeldJobs(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(Config{})
	now := time.Now()
	mustRegister(t, r, Registration{ID: "r-old", MaxConcurrentJobs: 3})
	if err := r.NoteJobAssigned("r-old", "job-b", "wf-1"); err != nil {
		t.Fatalf("NoteJobAssigned: %v", err)
	}
	if err := r.NoteJobAssigned("r-old", "job-a", "wf-1"); err != nil {
		t.Fatalf("NoteJobAssigned: %v", err)
	}

	// A later registration keeps r-fresh inside the threshold window.
	sweepAt := now.Add(45 * time.Second)
	r.registerAt(Registration{ID: "r-fresh"}, sweepAt.Add(-time.Second))

	stale := r.MarkStale(sweepAt, 30*time.Second)
	if len(stale) != 1 {
		t.Fatalf("MarkStale returned %d robots, want 1", len(stale))
	}
	got := stale[0]
	if got.ID != "r-old" || got.Pool != DefaultPool {
		t.Fatalf("stale robot = %+v, want r-old in default pool", got)
	}
	if len(got.HeldJobs) != 2 || got.HeldJobs[0] != "job-a" || got.HeldJobs[1] != "job-b" {
		t.Fatalf("held jobs = %v, want [job-a job-b]", got.HeldJobs)
	}

	if view, _ := r.Get("r-old"); view.Status != StatusOffline || len(view.CurrentJobIDs) != 0 {
		t.Fatalf("r-old after sweep = %+v, want OFFLINE with no jobs", view)
	}
	if view, _ := r.Get("r-fresh"); view.Status != StatusOnline {
		t.Fatalf("r-fresh after sweep = %v, want ONLINE", view.Status)
	}

	// Second sweep finds nothing new.
	if again := r.MarkStale(sweepAt, 30*time.Second); len(again) != 0 {
		t.Fatalf("second MarkStale = %+v, want empty", again)
	}
}

func TestSelectEligibility(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(Config{Breaker: BreakerConfig{FailureThreshold: 1, Cooldown: time.Hour}})
	now := time.Now()

	mustRegister(t, r, Registration{ID: "r-healthy"})
	mustRegister(t, r, Registration{ID: "r-busy", MaxConcurrentJobs: 1})
	mustRegister(t, r, Registration{ID: "r-error"})
	mustRegister(t, r, Registration{ID: "r-broken"})

	if err := r.NoteJobAssigned("r-busy", "job-1", "wf-1"); err != nil {
		t.Fatalf("NoteJobAssigned: %v", err)
	}
	if _, err := r.SetStatus("r-error", StatusError); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	r.NoteJobFinished("r-broken", "job-x", false) // opens the breaker at threshold 1

	for i := 0; i < 4; i++ {
		view, ok := r.selectAt(DefaultPool, "wf-1", now)
		if !ok || view.ID != "r-healthy" {
			t.Fatalf("select %d = (%v, %v), want r-healthy", i, view.ID, ok)
		}
	}

	if _, ok := r.selectAt("no-such-pool", "wf-1", now); ok {
		t.Fatal("select on unknown pool succeeded, want ok=false")
	}
}

func TestSelectRoundRobinRotation(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(Config{})
	mustRegister(t, r, Registration{ID: "r-a", MaxConcurrentJobs: 10})
	mustRegister(t, r, Registration{ID: "r-b", MaxConcurrentJobs: 10})
	mustRegister(t, r, Registration{ID: "r-c", MaxConcurrentJobs: 10})

	counts := map[string]int{}
	for i := 0; i < 6; i++ {
		view, ok := r.Select(DefaultPool, "wf-1")
		if !ok {
			t.Fatalf("select %d failed", i)
		}
		counts[view.ID]++
	}
	for _, id := range []string{"r-a", "r-b", "r-c"} {
		if counts[id] != 2 {
			t.Fatalf("robot %s selected %d times over 6 picks, want 2", id, counts[id])
		}
	}
}

func TestAffinitySelection(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(Config{Pools: []Pool{{Name: "scrapers", Strategy: StrategyAffinity}}})
	mustRegister(t, r, Registration{ID: "r-a", Pool: "scrapers", MaxConcurrentJobs: 4})
	mustRegister(t, r, Registration{ID: "r-b", Pool: "scrapers", MaxConcurrentJobs: 4})

	// r-a completes wf-1 successfully and becomes its preferred runner.
	if err := r.NoteJobAssigned("r-a", "job-1", "wf-1"); err != nil {
		t.Fatalf("NoteJobAssigned: %v", err)
	}
	r.NoteJobFinished("r-a", "job-1", true)

	for i := 0; i < 3; i++ {
		view, ok := r.Select("scrapers", "wf-1")
		if !ok || view.ID != "r-a" {
			t.Fatalf("select = (%v, %v), want preferred runner r-a", view.ID, ok)
		}
	}

	// Unknown workflow falls back to least loaded; both idle, earliest
	// heartbeat wins, which is r-a (registered first).
	if view, ok := r.Select("scrapers", "wf-other"); !ok || view.ID == "" {
		t.Fatalf("select fallback = (%v, %v), want a robot", view.ID, ok)
	}

	// Preferred runner gone: falls back instead of failing.
	r.Unregister("r-a")
	view, ok := r.Select("scrapers", "wf-1")
	if !ok || view.ID != "r-b" {
		t.Fatalf("select after unregister = (%v, %v), want r-b", view.ID, ok)
	}
}

func TestFailureStreakExcludesRobotUntilCooldown(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(Config{Breaker: BreakerConfig{FailureThreshold: 2, Cooldown: time.Minute}})
	mustRegister(t, r, Registration{ID: "r1"})
	now := time.Now()

	r.NoteJobFinished("r1", "job-1", false)
	if _, ok := r.selectAt(DefaultPool, "wf-1", now); !ok {
		t.Fatal("robot excluded after one failure, want still eligible")
	}
	r.NoteJobFinished("r1", "job-2", false)
	if _, ok := r.selectAt(DefaultPool, "wf-1", now); ok {
		t.Fatal("robot still eligible after threshold failures, want excluded")
	}
	if st := r.BreakerState("r1"); st != BreakerOpen {
		t.Fatalf("breaker = %v, want OPEN", st)
	}

	// After the cooldown a single probe is allowed again.
	probeAt := now.Add(2 * time.Minute)
	view, ok := r.selectAt(DefaultPool, "wf-1", probeAt)
	if !ok || view.ID != "r1" {
		t.Fatalf("select after cooldown = (%v, %v), want r1 probe", view.ID, ok)
	}
	if err := r.NoteJobAssigned("r1", "job-3", "wf-1"); err != nil {
		t.Fatalf("NoteJobAssigned: %v", err)
	}
	r.NoteJobFinished("r1", "job-3", true)
	if st := r.BreakerState("r1"); st != BreakerClosed {
		t.Fatalf("breaker after successful probe = %v, want CLOSED", st)
	}
}

func TestBreakerTransitionPublishesEvent(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	ch, cancel := bus.Subscribe(8)
	defer cancel()

	r := New(Config{Breaker: BreakerConfig{FailureThreshold: 1, Cooldown: time.Minute}}, logx.Nop(), bus)
	mustRegister(t, r, Registration{ID: "r1"})

	if err := r.NoteJobAssigned("r1", "job-1", "wf-1"); err != nil {
		t.Fatalf("NoteJobAssigned: %v", err)
	}
	r.NoteJobFinished("r1", "job-1", false)

	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type != EventBreaker {
				continue
			}
			be, ok := ev.Data.(BreakerEvent)
			if !ok {
				t.Fatalf("breaker event data = %T, want BreakerEvent", ev.Data)
			}
			if be.RobotID != "r1" || be.To != BreakerOpen {
				t.Fatalf("breaker event = %+v, want r1 -> OPEN", be)
			}
			return
		case <-deadline:
			t.Fatal("no breaker event published")
		}
	}
}

func TestSelectExcludes(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(Config{})
	mustRegister(t, r, Registration{ID: "r-a"})
	mustRegister(t, r, Registration{ID: "r-b"})

	seen := map[string]bool{}
	var exclude []string
	for i := 0; i < 2; i++ {
		view, ok := r.Select(DefaultPool, "wf-1", exclude...)
		if !ok {
			t.Fatalf("select %d failed with exclude %v", i, exclude)
		}
		seen[view.ID] = true
		exclude = append(exclude, view.ID)
	}
	if !seen["r-a"] || !seen["r-b"] {
		t.Fatalf("seen = %v, want both robots", seen)
	}
	if view, ok := r.Select(DefaultPool, "wf-1", exclude...); ok {
		t.Fatalf("select with all excluded = %v, want ok=false", view.ID)
	}
}

func TestSelectHonorsPoolConcurrencyCap(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(Config{Pools: []Pool{{Name: "scrapers", MaxConcurrentJobs: 1}}})
	mustRegister(t, r, Registration{ID: "r-a", Pool: "scrapers", MaxConcurrentJobs: 4})
	mustRegister(t, r, Registration{ID: "r-b", Pool: "scrapers", MaxConcurrentJobs: 4})

	if _, ok := r.Select("scrapers", "wf-1"); !ok {
		t.Fatal("select on idle pool failed")
	}
	if err := r.NoteJobAssigned("r-a", "job-1", "wf-1"); err != nil {
		t.Fatalf("NoteJobAssigned: %v", err)
	}
	// One in flight saturates the pool even though both robots have spare
	// per-robot capacity.
	if view, ok := r.Select("scrapers", "wf-1"); ok {
		t.Fatalf("select = %v, want pool saturated", view.ID)
	}
	r.NoteJobFinished("r-a", "job-1", true)
	if _, ok := r.Select("scrapers", "wf-1"); !ok {
		t.Fatal("select after slot freed failed")
	}
}

func TestUnregisterReturnsHeldJobs(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(Config{})
	mustRegister(t, r, Registration{ID: "r1", MaxConcurrentJobs: 3})
	if err := r.NoteJobAssigned("r1", "job-2", "wf-1"); err != nil {
		t.Fatalf("NoteJobAssigned: %v", err)
	}
	if err := r.NoteJobAssigned("r1", "job-1", "wf-1"); err != nil {
		t.Fatalf("NoteJobAssigned: %v", err)
	}

	held, ok := r.Unregister("r1")
	if !ok {
		t.Fatal("Unregister = false, want true")
	}
	if len(held) != 2 || held[0] != "job-1" || held[1] != "job-2" {
		t.Fatalf("held = %v, want [job-1 job-2]", held)
	}
	if _, found := r.Get("r1"); found {
		t.Fatal("robot still present after Unregister")
	}
	if _, ok := r.Unregister("r1"); ok {
		t.Fatal("second Unregister = true, want false")
	}
}

func TestApplyPoolsReconciles(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(Config{Pools: []Pool{
		{Name: "scrapers", Strategy: StrategyLeastLoad},
		{Name: "billing", MaxConcurrentJobs: 2},
	}})
	mustRegister(t, r, Registration{ID: "r1", Pool: "billing"})

	r.ApplyPools([]Pool{{Name: "scrapers", Strategy: StrategyLeastLoad}})

	if _, ok := r.Pool("billing"); ok {
		t.Fatal("pool billing still present after reconcile")
	}
	if view, _ := r.Get("r1"); view.Pool != DefaultPool {
		t.Fatalf("robot pool = %q, want rehomed to %q", view.Pool, DefaultPool)
	}

	pools := r.Pools()
	if len(pools) != 2 || pools[0].Name != DefaultPool || pools[1].Name != "scrapers" {
		t.Fatalf("pools = %+v, want [default scrapers]", pools)
	}
}

func TestPoolCRUD(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(Config{})

	if err := r.CreatePool(Pool{Name: "scrapers", Strategy: StrategyRandom}); err != nil {
		t.Fatalf("CreatePool: %v", err)
	}
	if err := r.CreatePool(Pool{Name: "scrapers"}); err == nil {
		t.Fatal("duplicate CreatePool succeeded, want error")
	}
	if err := r.CreatePool(Pool{Name: "x", Strategy: "weighted"}); err == nil {
		t.Fatal("CreatePool with bad strategy succeeded, want error")
	}

	if err := r.UpdatePool(Pool{Name: "scrapers", Strategy: StrategyLeastLoad, MaxConcurrentJobs: 5}); err != nil {
		t.Fatalf("UpdatePool: %v", err)
	}
	if p, _ := r.Pool("scrapers"); p.MaxConcurrentJobs != 5 || p.Strategy != StrategyLeastLoad {
		t.Fatalf("pool after update = %+v", p)
	}
	if err := r.UpdatePool(Pool{Name: "ghost"}); !errors.Is(err, ErrUnknownPool) {
		t.Fatalf("UpdatePool(ghost) err = %v, want ErrUnknownPool", err)
	}

	mustRegister(t, r, Registration{ID: "r1", Pool: "scrapers"})
	if err := r.RemovePool("scrapers"); err != nil {
		t.Fatalf("RemovePool: %v", err)
	}
	if view, _ := r.Get("r1"); view.Pool != DefaultPool {
		t.Fatalf("robot pool = %q, want %q after pool removal", view.Pool, DefaultPool)
	}
	if err := r.RemovePool(DefaultPool); err == nil {
		t.Fatal("RemovePool(default) succeeded, want error")
	}
}

func TestSnapshotCounts(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(Config{Pools: []Pool{{Name: "scrapers"}}})
	mustRegister(t, r, Registration{ID: "r-a", Pool: "scrapers", MaxConcurrentJobs: 2})
	mustRegister(t, r, Registration{ID: "r-b", MaxConcurrentJobs: 1})
	mustRegister(t, r, Registration{ID: "r-c"})

	if err := r.NoteJobAssigned("r-a", "job-1", "wf-1"); err != nil {
		t.Fatalf("NoteJobAssigned: %v", err)
	}
	if err := r.NoteJobAssigned("r-b", "job-2", "wf-1"); err != nil {
		t.Fatalf("NoteJobAssigned: %v", err)
	}
	if _, err := r.SetStatus("r-c", StatusError); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}

	snap := r.Snapshot()
	if snap.Robots != 3 {
		t.Fatalf("robots = %d, want 3", snap.Robots)
	}
	if snap.Online != 1 || snap.Busy != 1 || snap.Error != 1 {
		t.Fatalf("online/busy/error = %d/%d/%d, want 1/1/1", snap.Online, snap.Busy, snap.Error)
	}
	if snap.InFlight != 2 {
		t.Fatalf("in-flight = %d, want 2", snap.InFlight)
	}
	if len(snap.Pools) != 2 {
		t.Fatalf("pools = %d, want 2", len(snap.Pools))
	}
	for _, p := range snap.Pools {
		switch p.Pool.Name {
		case DefaultPool:
			if p.Robots != 2 || p.InFlight != 1 {
				t.Fatalf("default pool = %+v, want 2 robots, 1 in flight", p)
			}
		case "scrapers":
			if p.Robots != 1 || p.Online != 1 || p.InFlight != 1 {
				t.Fatalf("scrapers pool = %+v, want 1 robot online with 1 in flight", p)
			}
		default:
			t.Fatalf("unexpected pool %q", p.Pool.Name)
		}
	}
}
