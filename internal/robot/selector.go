package robot

import (
	"math/rand"
	"time"
)

// Load-balancing strategy names, as they appear in configuration.
const (
	StrategyRoundRobin = "round_robin"
	StrategyLeastLoad  = "least_loaded"
	StrategyRandom     = "random"
	StrategyAffinity   = "affinity"
)

// ValidStrategy reports whether name is a known selection strategy.
// Empty means "use the default" and is accepted.
func ValidStrategy(name string) bool {
	switch name {
	case "", StrategyRoundRobin, StrategyLeastLoad, StrategyRandom, StrategyAffinity:
		return true
	}
	return false
}

// pickInput is what a selector sees: eligible robots (non-empty, sorted by
// id) plus the affinity hint.
type pickInput struct {
	eligible []*entry
	// lastRunner is the robot that last completed the workflow
	// successfully, empty when unknown.
	lastRunner string
	now        time.Time
}

// selector picks one robot from an eligible set. Implementations are called
// under the registry lock and must not block.
type selector interface {
	name() string
	pick(in pickInput) *entry
}

// newSelector maps a configured strategy name to an implementation.
// Unknown names fall back to round_robin; configuration validates names
// upstream, this is the last line of defense.
func newSelector(strategy string) selector {
	switch strategy {
	case StrategyLeastLoad:
		return &leastLoaded{}
	case StrategyRandom:
		return &random{}
	case StrategyAffinity:
		return &affinity{fallback: &leastLoaded{}}
	default:
		return &roundRobin{}
	}
}

// roundRobin rotates a cursor over the eligible set, so N stable robots
// each get visited exactly once every N picks.
type roundRobin struct {
	cursor uint64
}

func (s *roundRobin) name() string { return StrategyRoundRobin }

func (s *roundRobin) pick(in pickInput) *entry {
	if len(in.eligible) == 0 {
		return nil
	}
	e := in.eligible[s.cursor%uint64(len(in.eligible))]
	s.cursor++
	return e
}

// leastLoaded picks the smallest current/max fraction; ties go to the
// robot with the earliest heartbeat (longest idle).
type leastLoaded struct{}

func (s *leastLoaded) name() string { return StrategyLeastLoad }

func (s *leastLoaded) pick(in pickInput) *entry {
	var best *entry
	for _, e := range in.eligible {
		if best == nil {
			best = e
			continue
		}
		bf, ef := best.loadFraction(), e.loadFraction()
		if ef < bf || (ef == bf && e.lastHeartbeat.Before(best.lastHeartbeat)) {
			best = e
		}
	}
	return best
}

// random picks uniformly.
type random struct{}

func (s *random) name() string { return StrategyRandom }

func (s *random) pick(in pickInput) *entry {
	if len(in.eligible) == 0 {
		return nil
	}
	return in.eligible[rand.Intn(len(in.eligible))]
}

// affinity prefers the robot that last ran the workflow successfully and
// is still eligible; otherwise it behaves like least_loaded. Affinity is a
// routing preference only, session state does not survive a failover.
type affinity struct {
	fallback selector
}

func (s *affinity) name() string { return StrategyAffinity }

func (s *affinity) pick(in pickInput) *entry {
	if in.lastRunner != "" {
		for _, e := range in.eligible {
			if e.id == in.lastRunner {
				return e
			}
		}
	}
	return s.fallback.pick(in)
}
