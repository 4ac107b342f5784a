package robot

import (
	"strings"
	"sync"
	"time"
)

// BreakerState is a per-robot failure-isolation state.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// BreakerConfig holds effective breaker settings.
type BreakerConfig struct {
	// FailureThreshold consecutive failures open the circuit.
	// <= 0 disables the breaker entirely.
	FailureThreshold int
	// Cooldown is how long an OPEN circuit excludes the robot before a
	// single HALF_OPEN probe is permitted.
	Cooldown time.Duration
	// ResetAfter forgets stale failure streaks: a failure older than this
	// no longer counts toward the threshold.
	ResetAfter time.Duration
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.Cooldown <= 0 {
		c.Cooldown = time.Minute
	}
	if c.ResetAfter <= 0 {
		c.ResetAfter = 5 * time.Minute
	}
	return c
}

// breakerState tracks consecutive failures for a single robot.
type breakerState struct {
	state       BreakerState
	fails       int
	openUntil   time.Time
	lastFailure time.Time
	// probing marks the single in-flight HALF_OPEN probe.
	probing bool
}

type breakerStore struct {
	mu  sync.Mutex
	cfg BreakerConfig
	m   map[string]*breakerState
}

func newBreakerStore(cfg BreakerConfig) *breakerStore {
	return &breakerStore{
		cfg: cfg.withDefaults(),
		m:   map[string]*breakerState{},
	}
}

func (s *breakerStore) apply(cfg BreakerConfig) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *breakerStore) enabled() bool { return s.cfg.FailureThreshold > 0 }

func (s *breakerStore) getLocked(robotID string) *breakerState {
	k := strings.TrimSpace(robotID)
	if k == "" {
		return nil
	}
	st := s.m[k]
	if st == nil {
		st = &breakerState{state: BreakerClosed}
		s.m[k] = st
	}
	return st
}

// refreshLocked advances time-driven transitions: stale failure streaks are
// forgotten, and an elapsed cooldown moves OPEN to HALF_OPEN.
func (s *breakerStore) refreshLocked(st *breakerState, now time.Time) {
	if !st.lastFailure.IsZero() && s.cfg.ResetAfter > 0 && now.Sub(st.lastFailure) > s.cfg.ResetAfter && st.state != BreakerOpen {
		st.state = BreakerClosed
		st.fails = 0
		st.openUntil = time.Time{}
		st.probing = false
	}
	if st.state == BreakerOpen && !now.Before(st.openUntil) {
		st.state = BreakerHalfOpen
		st.probing = false
	}
}

// allows reports whether the robot may receive work now. It never consumes
// the HALF_OPEN probe; that happens at assignment via noteAssigned.
func (s *breakerStore) allows(robotID string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled() {
		return true
	}
	st := s.getLocked(robotID)
	if st == nil {
		return true
	}
	s.refreshLocked(st, now)
	switch st.state {
	case BreakerOpen:
		return false
	case BreakerHalfOpen:
		return !st.probing
	default:
		return true
	}
}

// noteAssigned consumes the HALF_OPEN probe slot when one is pending.
func (s *breakerStore) noteAssigned(robotID string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled() {
		return
	}
	st := s.getLocked(robotID)
	if st == nil {
		return
	}
	s.refreshLocked(st, now)
	if st.state == BreakerHalfOpen {
		st.probing = true
	}
}

// record feeds one job outcome in and reports the resulting state plus
// whether it changed.
func (s *breakerStore) record(robotID string, now time.Time, success bool) (BreakerState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled() {
		return BreakerClosed, false
	}
	st := s.getLocked(robotID)
	if st == nil {
		return BreakerClosed, false
	}
	s.refreshLocked(st, now)
	prev := st.state

	if success {
		st.state = BreakerClosed
		st.fails = 0
		st.openUntil = time.Time{}
		st.lastFailure = time.Time{}
		st.probing = false
		return st.state, st.state != prev
	}

	st.fails++
	st.lastFailure = now
	switch st.state {
	case BreakerHalfOpen:
		// Failed probe: straight back to OPEN.
		st.state = BreakerOpen
		st.openUntil = now.Add(s.cfg.Cooldown)
		st.probing = false
	default:
		if st.fails >= s.cfg.FailureThreshold {
			st.state = BreakerOpen
			st.openUntil = now.Add(s.cfg.Cooldown)
		}
	}
	return st.state, st.state != prev
}

// state answers the current state without consuming anything.
func (s *breakerStore) state(robotID string, now time.Time) BreakerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled() {
		return BreakerClosed
	}
	st, ok := s.m[strings.TrimSpace(robotID)]
	if !ok {
		return BreakerClosed
	}
	s.refreshLocked(st, now)
	return st.state
}

func (s *breakerStore) forget(robotID string) {
	s.mu.Lock()
	delete(s.m, strings.TrimSpace(robotID))
	s.mu.Unlock()
}

// snapshot counts circuits by state.
func (s *breakerStore) snapshot(now time.Time) (total, open, halfOpen int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled() {
		return 0, 0, 0
	}
	total = len(s.m)
	for _, st := range s.m {
		s.refreshLocked(st, now)
		switch st.state {
		case BreakerOpen:
			open++
		case BreakerHalfOpen:
			halfOpen++
		}
	}
	return total, open, halfOpen
}
