package schedule

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	logx "fleetd/pkg/logx"
)

// Create registers a new schedule. The caller may supply an id (config
// seeding, tests); an empty one is generated. Run bookkeeping fields are
// always reset.
func (s *Service) Create(ctx context.Context, sp Spec) (Spec, error) {
	_ = ctx
	now := time.Now()
	sp.ID = strings.TrimSpace(sp.ID)
	if sp.ID == "" {
		sp.ID = uuid.NewString()
	}
	sp.CreatedAt = now
	sp.UpdatedAt = now
	sp.Executed = false
	sp.NextRun = time.Time{}
	sp.LastRun = time.Time{}
	sp.LastRunStatus = ""
	sp.LastResultAt = time.Time{}
	sp.LastResultOK = false

	if sp.Strategy == StrategyOneTime && !sp.RunAt.After(now) {
		return Spec{}, fmt.Errorf("run_at must be in the future")
	}

	s.mu.Lock()
	if _, exists := s.entries[sp.ID]; exists {
		s.mu.Unlock()
		return Spec{}, ErrExists
	}
	e, err := s.compileLocked(sp)
	if err != nil {
		s.mu.Unlock()
		return Spec{}, err
	}
	if e.spec.Enabled && e.spec.Strategy.timeBased() {
		e.spec.NextRun = e.nextAfter(now)
	}
	s.entries[e.spec.ID] = e
	cp := e.spec.Clone()
	s.mu.Unlock()

	s.persist(&cp)
	s.publish(EventCreated, ScheduleEvent{
		ScheduleID: cp.ID,
		Name:       cp.Name,
		WorkflowID: cp.WorkflowID,
		Strategy:   cp.Strategy,
		At:         now,
	})
	s.log.Info("schedule created",
		logx.String("schedule_id", cp.ID),
		logx.String("name", cp.Name),
		logx.String("strategy", string(cp.Strategy)),
		logx.Bool("enabled", cp.Enabled),
		logx.Time("next_run", cp.NextRun))
	return cp, nil
}

// Update replaces a schedule's definition, keeping its identity and run
// history. Changing a one_time schedule's run_at re-arms it.
func (s *Service) Update(ctx context.Context, id string, sp Spec) (Spec, error) {
	_ = ctx
	now := time.Now()

	s.mu.Lock()
	cur, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return Spec{}, ErrNotFound
	}
	sp.ID = id
	sp.CreatedAt = cur.spec.CreatedAt
	sp.UpdatedAt = now
	sp.LastRun = cur.spec.LastRun
	sp.LastRunStatus = cur.spec.LastRunStatus
	sp.LastResultAt = cur.spec.LastResultAt
	sp.LastResultOK = cur.spec.LastResultOK
	sp.Executed = cur.spec.Executed
	if sp.Strategy == StrategyOneTime && !sp.RunAt.Equal(cur.spec.RunAt) {
		if !sp.RunAt.After(now) {
			s.mu.Unlock()
			return Spec{}, fmt.Errorf("run_at must be in the future")
		}
		sp.Executed = false
	}
	e, err := s.compileLocked(sp)
	if err != nil {
		s.mu.Unlock()
		return Spec{}, err
	}
	if e.spec.Enabled && e.spec.Strategy.timeBased() {
		e.spec.NextRun = e.nextAfter(now)
	} else {
		e.spec.NextRun = time.Time{}
	}
	s.entries[id] = e
	cp := e.spec.Clone()
	s.mu.Unlock()

	s.persist(&cp)
	s.publish(EventUpdated, ScheduleEvent{
		ScheduleID: cp.ID,
		Name:       cp.Name,
		WorkflowID: cp.WorkflowID,
		Strategy:   cp.Strategy,
		At:         now,
	})
	s.log.Info("schedule updated",
		logx.String("schedule_id", cp.ID),
		logx.String("name", cp.Name),
		logx.Time("next_run", cp.NextRun))
	return cp, nil
}

// Enable arms a schedule. Time-based schedules get a fresh next run so a
// due time from the disabled period never fires retroactively.
func (s *Service) Enable(ctx context.Context, id string) (Spec, error) {
	return s.setEnabled(ctx, id, true)
}

// Disable stops a schedule from firing without deleting it.
func (s *Service) Disable(ctx context.Context, id string) (Spec, error) {
	return s.setEnabled(ctx, id, false)
}

func (s *Service) setEnabled(ctx context.Context, id string, enabled bool) (Spec, error) {
	_ = ctx
	now := time.Now()
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return Spec{}, ErrNotFound
	}
	if e.spec.Enabled == enabled {
		cp := e.spec.Clone()
		s.mu.Unlock()
		return cp, nil
	}
	e.spec.Enabled = enabled
	e.spec.UpdatedAt = now
	if enabled && e.spec.Strategy.timeBased() {
		e.spec.NextRun = e.nextAfter(now)
	} else if !enabled {
		e.spec.NextRun = time.Time{}
	}
	cp := e.spec.Clone()
	s.mu.Unlock()

	reason := "disabled"
	if enabled {
		reason = "enabled"
	}
	s.persist(&cp)
	s.publish(EventUpdated, ScheduleEvent{
		ScheduleID: cp.ID,
		Name:       cp.Name,
		WorkflowID: cp.WorkflowID,
		Strategy:   cp.Strategy,
		Reason:     reason,
		At:         now,
	})
	s.log.Info("schedule toggled",
		logx.String("schedule_id", cp.ID),
		logx.Bool("enabled", enabled),
		logx.Time("next_run", cp.NextRun))
	return cp, nil
}

// Delete removes a schedule. Dependents keep their reference and simply
// stop being satisfied by it.
func (s *Service) Delete(ctx context.Context, id string) error {
	_ = ctx
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	delete(s.entries, id)
	var dependents []string
	for _, other := range s.entries {
		for _, dep := range other.spec.DependsOn {
			if dep == id {
				dependents = append(dependents, other.spec.ID)
				break
			}
		}
	}
	name := e.spec.Name
	workflow := e.spec.WorkflowID
	strategy := e.spec.Strategy
	s.mu.Unlock()

	if len(dependents) > 0 {
		sort.Strings(dependents)
		s.log.Warn("deleted schedule still has dependents",
			logx.String("schedule_id", id),
			logx.Strings("dependents", dependents))
	}
	if s.st != nil {
		dctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
		if err := s.st.DeleteSchedule(dctx, id); err != nil {
			s.log.Warn("schedule delete not persisted",
				logx.String("schedule_id", id),
				logx.Err(err))
		}
		cancel()
	}
	s.publish(EventDeleted, ScheduleEvent{
		ScheduleID: id,
		Name:       name,
		WorkflowID: workflow,
		Strategy:   strategy,
		At:         time.Now(),
	})
	s.log.Info("schedule deleted", logx.String("schedule_id", id), logx.String("name", name))
	return nil
}

// Get returns a copy of one schedule.
func (s *Service) Get(id string) (Spec, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return Spec{}, false
	}
	return e.spec.Clone(), true
}

// List returns copies of all schedules, sorted by name then id.
func (s *Service) List() []Spec {
	s.mu.Lock()
	out := make([]Spec, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.spec.Clone())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Upcoming returns the next scheduled firings, soonest first. Dependency
// and event schedules have no clock and never appear here.
func (s *Service) Upcoming(limit int) []Upcoming {
	s.mu.Lock()
	out := make([]Upcoming, 0, len(s.entries))
	for _, e := range s.entries {
		sp := &e.spec
		if !sp.Enabled || sp.NextRun.IsZero() {
			continue
		}
		out = append(out, Upcoming{
			ScheduleID: sp.ID,
			Name:       sp.Name,
			WorkflowID: sp.WorkflowID,
			Strategy:   sp.Strategy,
			NextRun:    sp.NextRun,
		})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextRun.Equal(out[j].NextRun) {
			return out[i].NextRun.Before(out[j].NextRun)
		}
		return out[i].ScheduleID < out[j].ScheduleID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// compileLocked validates and compiles a spec against the current
// schedule set: dependency targets must exist and the graph must stay
// acyclic.
func (s *Service) compileLocked(sp Spec) (*entry, error) {
	e, err := compile(sp, s.cfg.Timezone)
	if err != nil {
		return nil, err
	}
	if sp.Strategy == StrategyDependency {
		for _, id := range sp.DependsOn {
			if _, ok := s.entries[id]; !ok {
				return nil, fmt.Errorf("unknown dependency %q", id)
			}
		}
		if err := s.checkAcyclicLocked(sp); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// checkAcyclicLocked walks the dependency graph as it would look with the
// candidate in place. The existing graph is acyclic, so any cycle must
// pass through the candidate.
func (s *Service) checkAcyclicLocked(candidate Spec) error {
	adj := map[string][]string{candidate.ID: candidate.DependsOn}
	for id, e := range s.entries {
		if id == candidate.ID || e.spec.Strategy != StrategyDependency {
			continue
		}
		adj[id] = e.spec.DependsOn
	}

	const (
		visiting = 1
		done     = 2
	)
	state := map[string]int{}
	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case visiting:
			return fmt.Errorf("dependency cycle through %q", id)
		case done:
			return nil
		}
		state[id] = visiting
		for _, next := range adj[id] {
			if err := visit(next); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}
	return visit(candidate.ID)
}
