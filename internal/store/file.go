package store

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"fleetd/internal/job"
	logx "fleetd/pkg/logx"
)

// maxRetainedJobs caps how many terminal jobs the file store keeps.
// Active jobs are never pruned.
const maxRetainedJobs = 2000

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.audit.jsonl          (append-only JSON Lines)
//   - <prefix>.state.snapshot.json  (periodic snapshot)
//   - <prefix>.state.journal.jsonl  (append-only journal)
//
// The journal carries kind-tagged records (job, schedule, schedule_del,
// dedup) and is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	auditFile *os.File

	snapshotPath string
	journalFile  *os.File

	jobs      map[string]*job.Job
	jobSeq    map[string]uint64
	seq       uint64
	schedules map[string][]byte
	dedup     map[string]int64 // unix milli

	writes int
}

type stateRecord struct {
	Kind  string   `json:"kind"`
	Job   *job.Job `json:"job,omitempty"`
	ID    string   `json:"id,omitempty"`
	Data  []byte   `json:"data,omitempty"`
	Key   string   `json:"key,omitempty"`
	Until int64    `json:"until,omitempty"`
}

type stateSnapshot struct {
	Jobs      []*job.Job        `json:"jobs,omitempty"`
	Schedules map[string][]byte `json:"schedules,omitempty"`
	Dedup     map[string]int64  `json:"dedup,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	auditPath := prefix + ".audit.jsonl"
	snapPath := prefix + ".state.snapshot.json"
	journalPath := prefix + ".state.journal.jsonl"

	af, err := os.OpenFile(auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		auditFile:    af,
		snapshotPath: snapPath,
		jobs:         map[string]*job.Job{},
		jobSeq:       map[string]uint64{},
		schedules:    map[string][]byte{},
		dedup:        map[string]int64{},
	}

	// Rebuild state from snapshot + journal. Either may be missing or
	// partially written; whatever replays cleanly wins.
	_ = s.loadSnapshot(snapPath)
	_ = s.replayJournal(journalPath)
	pruneExpiredDedup(s.dedup)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}
	s.journalFile = jf
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.auditFile != nil {
		err1 = s.auditFile.Close()
		s.auditFile = nil
	}
	if s.journalFile != nil {
		err2 = s.journalFile.Close()
		s.journalFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) SaveJob(ctx context.Context, j *job.Job) error {
	_ = ctx
	if j == nil || j.ID == "" {
		return nil
	}
	cp := j.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[cp.ID] = cp
	s.seq++
	s.jobSeq[cp.ID] = s.seq
	return s.appendLocked(stateRecord{Kind: "job", Job: cp})
}

func (s *fileStore) GetJob(ctx context.Context, id string) (*job.Job, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, false, nil
	}
	return j.Clone(), true, nil
}

func (s *fileStore) ListJobs(ctx context.Context, limit int) ([]*job.Job, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*job.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.Clone())
	}
	// Newest write first.
	sort.Slice(out, func(a, b int) bool {
		return s.jobSeq[out[a].ID] > s.jobSeq[out[b].ID]
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fileStore) SaveSchedule(ctx context.Context, id string, data []byte) error {
	_ = ctx
	id = strings.TrimSpace(id)
	if id == "" {
		return nil
	}
	cp := append([]byte(nil), data...)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedules[id] = cp
	return s.appendLocked(stateRecord{Kind: "schedule", ID: id, Data: cp})
}

func (s *fileStore) DeleteSchedule(ctx context.Context, id string) error {
	_ = ctx
	id = strings.TrimSpace(id)
	if id == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.schedules, id)
	return s.appendLocked(stateRecord{Kind: "schedule_del", ID: id})
}

func (s *fileStore) ListSchedules(ctx context.Context) (map[string][]byte, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]byte, len(s.schedules))
	for id, data := range s.schedules {
		out[id] = append([]byte(nil), data...)
	}
	return out, nil
}

func (s *fileStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.dedup[key] = ms
	return s.appendLocked(stateRecord{Kind: "dedup", Key: key, Until: ms})
}

func (s *fileStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.dedup[key]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) appendLocked(r stateRecord) error {
	if s.journalFile == nil {
		return errors.New("state journal closed")
	}
	if err := json.NewEncoder(s.journalFile).Encode(r); err != nil {
		return err
	}
	s.writes++
	if s.writes%1000 == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("state compact failed", logx.Any("err", err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	pruneExpiredDedup(s.dedup)
	s.pruneJobsLocked()

	// Jobs oldest-first so replay reassigns ascending sequence.
	jobs := make([]*job.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	sort.Slice(jobs, func(a, b int) bool {
		return s.jobSeq[jobs[a].ID] < s.jobSeq[jobs[b].ID]
	})

	snap := stateSnapshot{Jobs: jobs, Schedules: s.schedules, Dedup: s.dedup}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

// pruneJobsLocked drops the oldest terminal jobs beyond the retention cap.
func (s *fileStore) pruneJobsLocked() {
	if len(s.jobs) <= maxRetainedJobs {
		return
	}
	terminal := make([]*job.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if j.Status.Terminal() {
			terminal = append(terminal, j)
		}
	}
	sort.Slice(terminal, func(a, b int) bool {
		return s.jobSeq[terminal[a].ID] < s.jobSeq[terminal[b].ID]
	})
	excess := len(s.jobs) - maxRetainedJobs
	for i := 0; i < len(terminal) && excess > 0; i++ {
		delete(s.jobs, terminal[i].ID)
		delete(s.jobSeq, terminal[i].ID)
		excess--
	}
}

func (s *fileStore) loadSnapshot(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap stateSnapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for _, j := range snap.Jobs {
		if j == nil || j.ID == "" {
			continue
		}
		s.jobs[j.ID] = j
		s.seq++
		s.jobSeq[j.ID] = s.seq
	}
	for id, data := range snap.Schedules {
		s.schedules[id] = data
	}
	for k, v := range snap.Dedup {
		s.dedup[k] = v
	}
	return nil
}

func (s *fileStore) replayJournal(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var r stateRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		switch r.Kind {
		case "job":
			if r.Job == nil || r.Job.ID == "" {
				continue
			}
			s.jobs[r.Job.ID] = r.Job
			s.seq++
			s.jobSeq[r.Job.ID] = s.seq
		case "schedule":
			if r.ID == "" {
				continue
			}
			s.schedules[r.ID] = r.Data
		case "schedule_del":
			delete(s.schedules, r.ID)
		case "dedup":
			if r.Key == "" {
				continue
			}
			s.dedup[r.Key] = r.Until
		}
	}
	return sc.Err()
}

func pruneExpiredDedup(m map[string]int64) {
	now := time.Now().UnixMilli()
	for k, v := range m {
		if v < now {
			delete(m, k)
		}
	}
}
