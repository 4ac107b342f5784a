package robot

import (
	"testing"
	"time"
)

func testBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 3,
		Cooldown:         time.Minute,
		ResetAfter:       10 * time.Minute,
	}
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	t.Parallel()

	s := newBreakerStore(testBreakerConfig())
	now := time.Now()

	for i := 0; i < 2; i++ {
		st, changed := s.record("r1", now, false)
		if st != BreakerClosed || changed {
			t.Fatalf("after %d failures state = %v (changed %v), want CLOSED unchanged", i+1, st, changed)
		}
		if !s.allows("r1", now) {
			t.Fatalf("allows() = false after %d failures, want true", i+1)
		}
	}

	st, changed := s.record("r1", now, false)
	if st != BreakerOpen || !changed {
		t.Fatalf("after threshold failures state = %v (changed %v), want OPEN changed", st, changed)
	}
	if s.allows("r1", now) {
		t.Fatal("allows() = true while OPEN, want false")
	}
	// Other robots are unaffected.
	if !s.allows("r2", now) {
		t.Fatal("allows(r2) = false, want true")
	}
}

func TestBreakerDisabled(t *testing.T) {
	t.Parallel()

	s := newBreakerStore(BreakerConfig{FailureThreshold: 0})
	now := time.Now()

	for i := 0; i < 10; i++ {
		s.record("r1", now, false)
	}
	if !s.allows("r1", now) {
		t.Fatal("allows() = false with breaker disabled, want true")
	}
	if st := s.state("r1", now); st != BreakerClosed {
		t.Fatalf("state = %v, want CLOSED", st)
	}
}

func TestBreakerSuccessResetsStreak(t *testing.T) {
	t.Parallel()

	s := newBreakerStore(testBreakerConfig())
	now := time.Now()

	s.record("r1", now, false)
	s.record("r1", now, false)
	s.record("r1", now, true)
	s.record("r1", now, false)
	s.record("r1", now, false)

	if st := s.state("r1", now); st != BreakerClosed {
		t.Fatalf("state = %v, want CLOSED (streak was broken by a success)", st)
	}
	if st, _ := s.record("r1", now, false); st != BreakerOpen {
		t.Fatalf("state = %v, want OPEN after three consecutive failures", st)
	}
}

func TestBreakerHalfOpenSingleProbe(t *testing.T) {
	t.Parallel()

	cfg := testBreakerConfig()
	s := newBreakerStore(cfg)
	now := time.Now()

	for i := 0; i < cfg.FailureThreshold; i++ {
		s.record("r1", now, false)
	}
	if s.allows("r1", now.Add(cfg.Cooldown/2)) {
		t.Fatal("allows() = true before cooldown elapsed, want false")
	}

	probeTime := now.Add(cfg.Cooldown)
	if st := s.state("r1", probeTime); st != BreakerHalfOpen {
		t.Fatalf("state after cooldown = %v, want HALF_OPEN", st)
	}
	if !s.allows("r1", probeTime) {
		t.Fatal("allows() = false in HALF_OPEN with no probe in flight, want true")
	}

	s.noteAssigned("r1", probeTime)
	if s.allows("r1", probeTime) {
		t.Fatal("allows() = true while probe in flight, want false")
	}
}

func TestBreakerProbeOutcome(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		success bool
		want    BreakerState
	}{
		{name: "probe success closes", success: true, want: BreakerClosed},
		{name: "probe failure reopens", success: false, want: BreakerOpen},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfg := testBreakerConfig()
			s := newBreakerStore(cfg)
			now := time.Now()

			for i := 0; i < cfg.FailureThreshold; i++ {
				s.record("r1", now, false)
			}
			probeTime := now.Add(cfg.Cooldown)
			s.noteAssigned("r1", probeTime)

			st, changed := s.record("r1", probeTime.Add(time.Second), tc.success)
			if st != tc.want || !changed {
				t.Fatalf("state = %v (changed %v), want %v changed", st, changed, tc.want)
			}
			if tc.success {
				if !s.allows("r1", probeTime.Add(2*time.Second)) {
					t.Fatal("allows() = false after successful probe, want true")
				}
			} else {
				if s.allows("r1", probeTime.Add(2*time.Second)) {
					t.Fatal("allows() = true right after failed probe, want false")
				}
				// A failed probe restarts the full cooldown.
				retry := probeTime.Add(time.Second).Add(cfg.Cooldown)
				if st := s.state("r1", retry); st != BreakerHalfOpen {
					t.Fatalf("state after second cooldown = %v, want HALF_OPEN", st)
				}
			}
		})
	}
}

func TestBreakerStaleStreakForgotten(t *testing.T) {
	t.Parallel()

	cfg := testBreakerConfig()
	s := newBreakerStore(cfg)
	now := time.Now()

	s.record("r1", now, false)
	s.record("r1", now, false)

	later := now.Add(cfg.ResetAfter + time.Second)
	if st := s.state("r1", later); st != BreakerClosed {
		t.Fatalf("state = %v, want CLOSED", st)
	}
	// The old streak no longer counts: two fresh failures stay CLOSED.
	s.record("r1", later, false)
	if st, _ := s.record("r1", later, false); st != BreakerClosed {
		t.Fatalf("state = %v, want CLOSED (old streak should be forgotten)", st)
	}
}

func TestBreakerStaysOpenUntilCooldown(t *testing.T) {
	t.Parallel()

	cfg := testBreakerConfig()
	s := newBreakerStore(cfg)
	now := time.Now()

	for i := 0; i < cfg.FailureThreshold; i++ {
		s.record("r1", now, false)
	}
	// ResetAfter never short-circuits an OPEN circuit.
	later := now.Add(cfg.ResetAfter + time.Hour)
	if st := s.state("r1", later); st == BreakerClosed {
		t.Fatalf("state = %v, want OPEN or HALF_OPEN, never silently CLOSED", st)
	}
}

func TestBreakerForget(t *testing.T) {
	t.Parallel()

	cfg := testBreakerConfig()
	s := newBreakerStore(cfg)
	now := time.Now()

	for i := 0; i < cfg.FailureThreshold; i++ {
		s.record("r1", now, false)
	}
	s.forget("r1")
	if !s.allows("r1", now) {
		t.Fatal("allows() = false after forget, want true")
	}

	total, open, half := s.snapshot(now)
	if total != 0 || open != 0 || half != 0 {
		t.Fatalf("snapshot = (%d, %d, %d), want all zero", total, open, half)
	}
}
