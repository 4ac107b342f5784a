package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"fleetd/internal/eventbus"
	"fleetd/internal/job"
	"fleetd/internal/store"
	logx "fleetd/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

var ErrDuplicate = errors.New("duplicate job submission")

// DuplicateError reports a submission suppressed by the dedup window.
// ExistingID names the job that claimed the window; it is empty when the
// claim was recovered from persistence after a restart.
type DuplicateError struct {
	ExistingID string
}

func (e *DuplicateError) Error() string {
	if e.ExistingID == "" {
		return "duplicate job submission"
	}
	return "duplicate job submission (existing job " + e.ExistingID + ")"
}

func (e *DuplicateError) Is(target error) bool { return target == ErrDuplicate }

// Config holds queue behavior, already resolved to Go durations.
type Config struct {
	// DedupWindow <= 0 disables duplicate suppression.
	DedupWindow    time.Duration
	DefaultTimeout time.Duration
	// DefaultMaxRetries is stamped onto submissions that omit max_retries.
	// <= 0 leaves such jobs non-retrying.
	DefaultMaxRetries int

	MaxDedupEntries int
	RetainTerminal  int

	// PersistDedup mirrors dedup windows through storage so suppression
	// survives a restart.
	PersistDedup bool
}

func (c Config) withDefaults() Config {
	if c.MaxDedupEntries <= 0 {
		c.MaxDedupEntries = 4096
	}
	if c.RetainTerminal <= 0 {
		c.RetainTerminal = 2000
	}
	return c
}

// Candidate describes a robot asking for work.
type Candidate struct {
	RobotID      string
	Capabilities []string
	Environment  string
	// AllowedWorkflows restricts matches to the pool's allow-list.
	// Empty means any workflow.
	AllowedWorkflows []string
}

// Counters are monotonic totals since process start.
type Counters struct {
	Submitted  uint64
	Duplicates uint64
	Assigned   uint64
	Started    uint64
	Completed  uint64
	Failed     uint64
	Cancelled  uint64
	TimedOut   uint64
	Released   uint64
}

// Snapshot is a point-in-time view for /status and telemetry.
type Snapshot struct {
	Queued         int
	ByStatus       map[job.Status]int
	DedupEntries   int
	ArmedDeadlines int
	Counters       Counters
}

// Queue is the sole authority over job state transitions and the
// ready-to-dispatch ordering. All mutation goes through its methods; the
// critical sections never do I/O (persistence and events happen after
// unlock, best-effort).
type Queue struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus
	st  store.Store

	jobs      map[string]*job.Job
	ready     readyHeap
	readyIdx  map[string]*readyItem
	seq       uint64
	deadlines *timeoutTracker
	doneOrder []string

	counters Counters

	dedup *deduper

	lastPersistWarnAt int64
}

func New(cfg Config, st store.Store, log logx.Logger, bus eventbus.Bus) *Queue {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Queue{
		cfg:       cfg.withDefaults(),
		log:       log,
		bus:       bus,
		st:        st,
		jobs:      map[string]*job.Job{},
		readyIdx:  map[string]*readyItem{},
		deadlines: newTimeoutTracker(),
		dedup:     newDeduper(),
	}
}

// Apply swaps behavior knobs at runtime. In-flight jobs keep the timeout
// they were admitted with.
func (q *Queue) Apply(cfg Config) {
	q.mu.Lock()
	q.cfg = cfg.withDefaults()
	q.mu.Unlock()
}

// Submit admits one job: duplicate suppression, defaulting, then
// PENDING -> QUEUED with timeout tracking armed from the enqueue instant.
func (q *Queue) Submit(ctx context.Context, req job.SubmitRequest) (*job.Job, error) {
	return q.submitAt(ctx, req, time.Now())
}

func (q *Queue) submitAt(ctx context.Context, req job.SubmitRequest, now time.Time) (*job.Job, error) {
	if strings.TrimSpace(req.WorkflowID) == "" {
		return nil, errors.New("workflow_id is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	q.mu.Lock()
	cfg := q.cfg
	q.mu.Unlock()

	j := job.New(req, now)
	if j.TimeoutSeconds <= 0 && cfg.DefaultTimeout > 0 {
		j.TimeoutSeconds = int(cfg.DefaultTimeout / time.Second)
	}
	if j.MaxRetries <= 0 && cfg.DefaultMaxRetries > 0 {
		j.MaxRetries = cfg.DefaultMaxRetries
	}

	checkDup := !req.SkipDedup && cfg.DedupWindow > 0 && j.Fingerprint != ""
	var dedupUntil time.Time
	if checkDup {
		// Cross-restart suppression (best-effort): a persisted window seeds
		// the in-memory cache so the claim below refuses.
		if cfg.PersistDedup && q.st != nil {
			cctx, cancel := context.WithTimeout(ctx, 25*time.Millisecond)
			until, ok, err := q.st.GetDedup(cctx, j.Fingerprint)
			cancel()
			if err == nil && ok && now.Before(until) {
				q.dedup.restore(j.Fingerprint, until)
			}
		}
		until, existing, allowed := q.dedup.claim(now, j.Fingerprint, j.ID, cfg.DedupWindow, cfg.MaxDedupEntries)
		if !allowed {
			q.mu.Lock()
			q.counters.Duplicates++
			q.mu.Unlock()
			// JobID names the job that absorbed this submission.
			q.publish(EventDuplicate, JobEvent{
				JobID:      existing,
				WorkflowID: j.WorkflowID,
				Priority:   j.Priority,
				Reason:     "duplicate",
				At:         now,
			})
			return nil, &DuplicateError{ExistingID: existing}
		}
		dedupUntil = until
	}

	q.mu.Lock()
	if ok, reason := q.transitionLocked(j, job.StatusQueued); !ok {
		q.mu.Unlock()
		return nil, errors.New(reason)
	}
	j.QueuedAt = now
	q.jobs[j.ID] = j
	q.pushReadyLocked(j)
	if d := j.Deadline(); !d.IsZero() {
		q.deadlines.arm(j.ID, d)
	}
	q.counters.Submitted++
	cp := j.Clone()
	q.mu.Unlock()

	q.persist(cp)
	if checkDup && cfg.PersistDedup && q.st != nil && !dedupUntil.IsZero() {
		cctx, cancel := context.WithTimeout(context.Background(), 25*time.Millisecond)
		if err := q.st.PutDedup(cctx, cp.Fingerprint, dedupUntil); err != nil {
			q.log.Debug("dedup persist failed", logx.Err(err))
		}
		cancel()
	}
	q.publishJob(EventSubmitted, cp, "", "")
	return cp, nil
}

// Dequeue hands the highest-priority QUEUED job the candidate satisfies to
// that robot, transitioning it QUEUED -> ASSIGNED. Returns nil when nothing
// matches. Single assignment is guaranteed by the registry lock.
func (q *Queue) Dequeue(c Candidate) *job.Job {
	if c.RobotID == "" {
		return nil
	}
	caps := make(map[string]struct{}, len(c.Capabilities))
	for _, capability := range c.Capabilities {
		caps[capability] = struct{}{}
	}

	q.mu.Lock()
	var (
		skipped []*readyItem
		picked  *readyItem
	)
	for q.ready.Len() > 0 {
		it := heap.Pop(&q.ready).(*readyItem)
		delete(q.readyIdx, it.j.ID)
		if jobMatches(it.j, c, caps) {
			picked = it
			break
		}
		skipped = append(skipped, it)
	}
	for _, it := range skipped {
		heap.Push(&q.ready, it)
		q.readyIdx[it.j.ID] = it
	}
	if picked == nil {
		q.mu.Unlock()
		return nil
	}
	j := picked.j
	if ok, reason := q.transitionLocked(j, job.StatusAssigned); !ok {
		// The ready structure held a non-QUEUED job; that is a bug here,
		// not caller misuse.
		q.log.Error("ready job refused assignment",
			logx.String("job_id", j.ID),
			logx.String("status", string(j.Status)),
			logx.String("reason", reason))
		q.mu.Unlock()
		return nil
	}
	j.RobotID = c.RobotID
	q.counters.Assigned++
	cp := j.Clone()
	q.mu.Unlock()

	q.persist(cp)
	q.publishJob(EventAssigned, cp, c.RobotID, "")
	return cp
}

// Peek returns a copy of the job at the head of the ready ordering without
// assigning it. Selection heuristics use it as a workflow hint.
func (q *Queue) Peek() *job.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ready.Len() == 0 {
		return nil
	}
	return q.ready[0].j.Clone()
}

// MarkRunning records that the robot accepted and started the job.
// robotID, when non-empty, must match the assignment.
func (q *Queue) MarkRunning(id, robotID string) (bool, string) {
	return q.markRunningAt(time.Now(), id, robotID)
}

func (q *Queue) markRunningAt(now time.Time, id, robotID string) (bool, string) {
	q.mu.Lock()
	j, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return false, "job not found"
	}
	if robotID != "" && j.RobotID != robotID {
		held := j.RobotID
		q.mu.Unlock()
		return false, fmt.Sprintf("job held by robot %q, not %q", held, robotID)
	}
	if ok, reason := q.transitionLocked(j, job.StatusRunning); !ok {
		q.mu.Unlock()
		return false, reason
	}
	j.StartedAt = now
	q.counters.Started++
	cp := j.Clone()
	q.mu.Unlock()

	q.persist(cp)
	q.publishJob(EventStarted, cp, cp.RobotID, "")
	return true, ""
}

// Complete finishes a RUNNING job successfully. On an illegal transition it
// refuses without mutating; racing finishers are expected.
func (q *Queue) Complete(id string, result map[string]any) (bool, string) {
	return q.completeAt(time.Now(), id, result)
}

func (q *Queue) completeAt(now time.Time, id string, result map[string]any) (bool, string) {
	q.mu.Lock()
	j, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return false, "job not found"
	}
	robot := j.RobotID
	if ok, reason := q.transitionLocked(j, job.StatusCompleted); !ok {
		q.mu.Unlock()
		return false, reason
	}
	j.Result = result
	j.Progress = 100
	j.ErrorMessage = ""
	j.CompletedAt = now
	q.retireLocked(j)
	q.counters.Completed++
	cp := j.Clone()
	q.mu.Unlock()

	q.persist(cp)
	q.publishJob(EventCompleted, cp, robot, "")
	return true, ""
}

// Fail finishes a job as FAILED with the robot-reported error.
func (q *Queue) Fail(id, errMsg string) (bool, string) {
	return q.failAt(time.Now(), id, errMsg)
}

func (q *Queue) failAt(now time.Time, id, errMsg string) (bool, string) {
	q.mu.Lock()
	j, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return false, "job not found"
	}
	robot := j.RobotID
	if ok, reason := q.transitionLocked(j, job.StatusFailed); !ok {
		q.mu.Unlock()
		return false, reason
	}
	j.ErrorMessage = errMsg
	j.CompletedAt = now
	q.retireLocked(j)
	q.counters.Failed++
	cp := j.Clone()
	q.mu.Unlock()

	q.persist(cp)
	q.publishJob(EventFailed, cp, robot, errMsg)
	return true, ""
}

// Cancel marks the job CANCELLED locally; local state is authoritative.
// Forwarding the cancel to a holding robot is the dispatcher's business.
func (q *Queue) Cancel(id, reason string) (bool, string) {
	return q.cancelAt(time.Now(), id, reason)
}

func (q *Queue) cancelAt(now time.Time, id, reason string) (bool, string) {
	q.mu.Lock()
	j, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return false, "job not found"
	}
	robot := j.RobotID
	if ok, why := q.transitionLocked(j, job.StatusCancelled); !ok {
		q.mu.Unlock()
		return false, why
	}
	j.ErrorMessage = reason
	j.CompletedAt = now
	q.retireLocked(j)
	q.counters.Cancelled++
	cp := j.Clone()
	q.mu.Unlock()

	q.persist(cp)
	q.publishJob(EventCancelled, cp, robot, reason)
	return true, ""
}

// Timeout transitions a job whose deadline elapsed. Callers obtain ids from
// CheckTimeouts.
func (q *Queue) Timeout(id string) (bool, string) {
	return q.timeoutAt(time.Now(), id)
}

func (q *Queue) timeoutAt(now time.Time, id string) (bool, string) {
	q.mu.Lock()
	j, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return false, "job not found"
	}
	robot := j.RobotID
	if ok, reason := q.transitionLocked(j, job.StatusTimeout); !ok {
		q.mu.Unlock()
		return false, reason
	}
	msg := fmt.Sprintf("timed out after %ds", j.TimeoutSeconds)
	j.ErrorMessage = msg
	j.CompletedAt = now
	q.retireLocked(j)
	q.counters.TimedOut++
	cp := j.Clone()
	q.mu.Unlock()

	q.persist(cp)
	q.publishJob(EventTimeout, cp, robot, msg)
	return true, ""
}

// Release returns an ASSIGNED/RUNNING job to QUEUED for redispatch.
// countRetry distinguishes delivery failures (bounded by MaxRetries,
// exhaustion becomes FAILED) from robot-loss releases (unbounded; the
// enqueue-armed deadline still bounds total lifetime).
func (q *Queue) Release(id, reason string, countRetry bool) (bool, string) {
	return q.releaseAt(time.Now(), id, reason, countRetry)
}

func (q *Queue) releaseAt(now time.Time, id, reason string, countRetry bool) (bool, string) {
	q.mu.Lock()
	j, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return false, "job not found"
	}
	robot := j.RobotID

	if countRetry && j.RetryCount >= j.MaxRetries {
		if ok, why := q.transitionLocked(j, job.StatusFailed); !ok {
			q.mu.Unlock()
			return false, why
		}
		j.ErrorMessage = "retries exhausted: " + reason
		j.CompletedAt = now
		q.retireLocked(j)
		q.counters.Failed++
		cp := j.Clone()
		q.mu.Unlock()

		q.persist(cp)
		q.publishJob(EventFailed, cp, robot, cp.ErrorMessage)
		return false, "retries exhausted"
	}

	if ok, why := q.transitionLocked(j, job.StatusQueued); !ok {
		q.mu.Unlock()
		return false, why
	}
	if countRetry {
		j.RetryCount++
	}
	j.Progress = 0
	j.ProgressMessage = ""
	j.StartedAt = time.Time{}
	q.pushReadyLocked(j)
	q.counters.Released++
	cp := j.Clone()
	q.mu.Unlock()

	q.persist(cp)
	q.publishJob(EventReleased, cp, robot, reason)
	return true, ""
}

// UpdateProgress is accepted only while RUNNING.
func (q *Queue) UpdateProgress(id string, percent int, message string) (bool, string) {
	q.mu.Lock()
	j, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return false, "job not found"
	}
	if j.Status.Terminal() {
		status := j.Status
		q.mu.Unlock()
		q.log.Warn("progress update on terminal job",
			logx.String("job_id", id),
			logx.String("status", string(status)))
		return false, "job is terminal"
	}
	if j.Status != job.StatusRunning {
		status := j.Status
		q.mu.Unlock()
		return false, fmt.Sprintf("job is %s, not RUNNING", status)
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	j.Progress = percent
	j.ProgressMessage = message
	cp := j.Clone()
	q.mu.Unlock()

	q.persist(cp)
	q.publishJob(EventProgress, cp, cp.RobotID, message)
	return true, ""
}

// CheckTimeouts reports jobs whose deadline elapsed. Detection only; the
// caller transitions them via Timeout, keeping locking non-reentrant.
func (q *Queue) CheckTimeouts() []string {
	return q.checkTimeoutsAt(time.Now())
}

func (q *Queue) checkTimeoutsAt(now time.Time) []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	var due []string
	for _, id := range q.deadlines.due(now) {
		j, ok := q.jobs[id]
		if !ok || j.Status.Terminal() {
			q.deadlines.disarm(id)
			continue
		}
		due = append(due, id)
	}
	return due
}

// Get returns a copy of the job.
func (q *Queue) Get(id string) (*job.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return nil, false
	}
	return j.Clone(), true
}

// List returns jobs newest-created first, optionally filtered by status.
// limit <= 0 means all.
func (q *Queue) List(status job.Status, limit int) []*job.Job {
	q.mu.Lock()
	out := make([]*job.Job, 0, len(q.jobs))
	for _, j := range q.jobs {
		if status != "" && j.Status != status {
			continue
		}
		out = append(out, j.Clone())
	}
	q.mu.Unlock()

	sort.Slice(out, func(a, b int) bool {
		if !out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].CreatedAt.After(out[b].CreatedAt)
		}
		return out[a].ID < out[b].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// JobsHeldBy lists ids of jobs currently bound to the robot.
func (q *Queue) JobsHeldBy(robotID string) []string {
	if robotID == "" {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	var ids []string
	for id, j := range q.jobs {
		if j.RobotID == robotID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// QueuedLen is the current ready-queue depth.
func (q *Queue) QueuedLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ready.Len()
}

func (q *Queue) Snapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	by := make(map[job.Status]int, 8)
	for _, j := range q.jobs {
		by[j.Status]++
	}
	return Snapshot{
		Queued:         q.ready.Len(),
		ByStatus:       by,
		DedupEntries:   q.dedup.size(),
		ArmedDeadlines: q.deadlines.size(),
		Counters:       q.counters,
	}
}

// Restore rehydrates jobs from the store at boot. Robot bindings do not
// survive restarts, so ASSIGNED/RUNNING jobs come back QUEUED with their
// original deadline; the first timeout sweep collects any that expired
// while the process was down. Returns how many jobs re-entered the ready
// structure.
func (q *Queue) Restore(ctx context.Context) (int, error) {
	if q.st == nil {
		return 0, nil
	}
	jobs, err := q.st.ListJobs(ctx, 0)
	if err != nil {
		return 0, err
	}
	now := time.Now()
	restored := 0

	q.mu.Lock()
	// ListJobs is newest-first; walking backwards keeps FIFO order within
	// equal priority.
	for i := len(jobs) - 1; i >= 0; i-- {
		j := jobs[i]
		if j == nil || j.ID == "" || !j.Status.Valid() {
			continue
		}
		if _, exists := q.jobs[j.ID]; exists {
			continue
		}
		if j.Status.Terminal() {
			q.jobs[j.ID] = j
			q.doneOrder = append(q.doneOrder, j.ID)
			continue
		}
		// Rehydration, not a transition: force back to QUEUED.
		j.Status = job.StatusQueued
		j.RobotID = ""
		j.Progress = 0
		j.ProgressMessage = ""
		j.StartedAt = time.Time{}
		if j.QueuedAt.IsZero() {
			j.QueuedAt = now
		}
		q.jobs[j.ID] = j
		q.pushReadyLocked(j)
		if d := j.Deadline(); !d.IsZero() {
			q.deadlines.arm(j.ID, d)
		}
		restored++
	}
	q.trimDoneLocked()
	q.mu.Unlock()
	return restored, nil
}

// --- internals ---

// transitionLocked validates and applies one status change. QUEUED and
// terminal targets clear the robot binding so that robot_id is set exactly
// while ASSIGNED/RUNNING.
func (q *Queue) transitionLocked(j *job.Job, to job.Status) (bool, string) {
	if !job.CanTransition(j.Status, to) {
		return false, fmt.Sprintf("illegal transition %s -> %s", j.Status, to)
	}
	j.Status = to
	if to == job.StatusQueued || to.Terminal() {
		j.RobotID = ""
	}
	return true, ""
}

func (q *Queue) pushReadyLocked(j *job.Job) {
	q.seq++
	it := &readyItem{j: j, seq: q.seq}
	heap.Push(&q.ready, it)
	q.readyIdx[j.ID] = it
}

func (q *Queue) removeReadyLocked(id string) {
	it, ok := q.readyIdx[id]
	if !ok {
		return
	}
	heap.Remove(&q.ready, it.index)
	delete(q.readyIdx, id)
}

// retireLocked finishes bookkeeping for a job that just went terminal.
func (q *Queue) retireLocked(j *job.Job) {
	q.deadlines.disarm(j.ID)
	q.removeReadyLocked(j.ID)
	q.doneOrder = append(q.doneOrder, j.ID)
	q.trimDoneLocked()
}

func (q *Queue) trimDoneLocked() {
	for q.cfg.RetainTerminal > 0 && len(q.doneOrder) > q.cfg.RetainTerminal {
		oldest := q.doneOrder[0]
		q.doneOrder = q.doneOrder[1:]
		delete(q.jobs, oldest)
	}
}

func jobMatches(j *job.Job, c Candidate, caps map[string]struct{}) bool {
	if j.PinnedRobotID != "" && j.PinnedRobotID != c.RobotID {
		return false
	}
	if j.Environment != "" && j.Environment != c.Environment {
		return false
	}
	for _, need := range j.RequiredCapabilities {
		if _, ok := caps[need]; !ok {
			return false
		}
	}
	if len(c.AllowedWorkflows) > 0 {
		allowed := false
		for _, wf := range c.AllowedWorkflows {
			if wf == j.WorkflowID {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}
	return true
}

// persist saves a job copy, best-effort. Persistence failures never block
// or fail in-memory operation.
func (q *Queue) persist(j *job.Job) {
	if q.st == nil || j == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	if err := q.st.SaveJob(ctx, j); err != nil && q.shouldWarn(&q.lastPersistWarnAt, time.Now()) {
		q.log.Warn("job persist failed",
			logx.String("job_id", j.ID),
			logx.Err(err))
	}
}

func (q *Queue) shouldWarn(last *int64, now time.Time) bool {
	prev := atomic.LoadInt64(last)
	n := now.UnixNano()
	if prev != 0 && (n-prev) < int64(warnThrottleEvery) {
		return false
	}
	return atomic.CompareAndSwapInt64(last, prev, n)
}

func (q *Queue) publishJob(typ string, j *job.Job, robotID, reason string) {
	q.publish(typ, JobEvent{
		JobID:      j.ID,
		WorkflowID: j.WorkflowID,
		Status:     j.Status,
		Priority:   j.Priority,
		RobotID:    robotID,
		Reason:     reason,
		Progress:   j.Progress,
		At:         time.Now(),
	})
}

func (q *Queue) publish(typ string, ev JobEvent) {
	if q.bus == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	q.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}
