package robot

import (
	"testing"
	"time"
)

func testEntry(id string, load, max int, hb time.Time) *entry {
	cur := make(map[string]struct{}, load)
	for i := 0; i < load; i++ {
		cur[id+"-job-"+string(rune('a'+i))] = struct{}{}
	}
	return &entry{
		id:                id,
		status:            StatusOnline,
		maxConcurrentJobs: max,
		current:           cur,
		lastHeartbeat:     hb,
	}
}

func TestNewSelector(t *testing.T) {
	t.Parallel()

	tests := []struct {
		strategy string
		want     string
	}{
		{strategy: "", want: StrategyRoundRobin},
		{strategy: "bogus", want: StrategyRoundRobin},
		{strategy: StrategyRoundRobin, want: StrategyRoundRobin},
		{strategy: StrategyLeastLoad, want: StrategyLeastLoad},
		{strategy: StrategyRandom, want: StrategyRandom},
		{strategy: StrategyAffinity, want: StrategyAffinity},
	}
	for _, tc := range tests {
		if got := newSelector(tc.strategy).name(); got != tc.want {
			t.Fatalf("newSelector(%q).name() = %q, want %q", tc.strategy, got, tc.want)
		}
	}
}

func TestRoundRobinVisitsEachExactlyOnce(t *testing.T) {
	t.Parallel()

	now := time.Now()
	eligible := []*entry{
		testEntry("r-a", 0, 1, now),
		testEntry("r-b", 0, 1, now),
		testEntry("r-c", 0, 1, now),
	}
	sel := newSelector(StrategyRoundRobin)

	counts := map[string]int{}
	var order []string
	for i := 0; i < 6; i++ {
		e := sel.pick(pickInput{eligible: eligible, now: now})
		if e == nil {
			t.Fatalf("pick %d returned nil", i)
		}
		counts[e.id]++
		order = append(order, e.id)
	}
	for _, id := range []string{"r-a", "r-b", "r-c"} {
		if counts[id] != 2 {
			t.Fatalf("robot %s picked %d times over 6 picks, want 2", id, counts[id])
		}
	}
	for i := 3; i < 6; i++ {
		if order[i] != order[i-3] {
			t.Fatalf("pick order not stable: %v", order)
		}
	}
}

func TestRoundRobinEmptySet(t *testing.T) {
	t.Parallel()

	sel := newSelector(StrategyRoundRobin)
	if e := sel.pick(pickInput{}); e != nil {
		t.Fatalf("pick on empty set = %v, want nil", e.id)
	}
}

func TestLeastLoadedPicksLowestFraction(t *testing.T) {
	t.Parallel()

	now := time.Now()
	eligible := []*entry{
		testEntry("r-a", 2, 4, now), // 0.50
		testEntry("r-b", 1, 4, now), // 0.25
		testEntry("r-c", 3, 4, now), // 0.75
	}
	sel := newSelector(StrategyLeastLoad)
	if e := sel.pick(pickInput{eligible: eligible, now: now}); e.id != "r-b" {
		t.Fatalf("pick = %s, want r-b", e.id)
	}
}

func TestLeastLoadedTieBreaksOnEarliestHeartbeat(t *testing.T) {
	t.Parallel()

	now := time.Now()
	eligible := []*entry{
		testEntry("r-a", 1, 2, now),
		testEntry("r-b", 1, 2, now.Add(-time.Minute)),
		testEntry("r-c", 1, 2, now.Add(-30*time.Second)),
	}
	sel := newSelector(StrategyLeastLoad)
	if e := sel.pick(pickInput{eligible: eligible, now: now}); e.id != "r-b" {
		t.Fatalf("pick = %s, want r-b (earliest heartbeat wins ties)", e.id)
	}
}

func TestRandomPicksMember(t *testing.T) {
	t.Parallel()

	now := time.Now()
	eligible := []*entry{
		testEntry("r-a", 0, 1, now),
		testEntry("r-b", 0, 1, now),
	}
	sel := newSelector(StrategyRandom)
	for i := 0; i < 20; i++ {
		e := sel.pick(pickInput{eligible: eligible, now: now})
		if e == nil || (e.id != "r-a" && e.id != "r-b") {
			t.Fatalf("pick %d returned %v, want a member of the eligible set", i, e)
		}
	}
}

func TestAffinityPrefersLastRunner(t *testing.T) {
	t.Parallel()

	now := time.Now()
	eligible := []*entry{
		testEntry("r-a", 3, 4, now), // heavily loaded but ran it last
		testEntry("r-b", 0, 4, now),
	}
	sel := newSelector(StrategyAffinity)
	if e := sel.pick(pickInput{eligible: eligible, lastRunner: "r-a", now: now}); e.id != "r-a" {
		t.Fatalf("pick = %s, want r-a (last successful runner)", e.id)
	}
}

func TestAffinityFallsBackToLeastLoaded(t *testing.T) {
	t.Parallel()

	now := time.Now()
	eligible := []*entry{
		testEntry("r-a", 3, 4, now),
		testEntry("r-b", 0, 4, now),
	}
	sel := newSelector(StrategyAffinity)

	// Last runner vanished from the eligible set.
	if e := sel.pick(pickInput{eligible: eligible, lastRunner: "r-gone", now: now}); e.id != "r-b" {
		t.Fatalf("pick = %s, want r-b (least loaded fallback)", e.id)
	}
	// No affinity recorded at all.
	if e := sel.pick(pickInput{eligible: eligible, now: now}); e.id != "r-b" {
		t.Fatalf("pick = %s, want r-b", e.id)
	}
}

func TestValidStrategy(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"", StrategyRoundRobin, StrategyLeastLoad, StrategyRandom, StrategyAffinity} {
		if !ValidStrategy(name) {
			t.Fatalf("ValidStrategy(%q) = false, want true", name)
		}
	}
	if ValidStrategy("weighted") {
		t.Fatal(`ValidStrategy("weighted") = true, want false`)
	}
}
