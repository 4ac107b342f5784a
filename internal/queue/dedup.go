package queue

import (
	"sync"
	"time"
)

// deduper is the submission fingerprint cache: fingerprint -> suppress-until
// plus the job id that won the window. Check and claim are one atomic step
// so concurrent identical submissions admit exactly one job.
type deduper struct {
	mu sync.Mutex
	m  map[string]dedupEntry
}

type dedupEntry struct {
	until time.Time
	jobID string
}

func newDeduper() *deduper {
	return &deduper{m: map[string]dedupEntry{}}
}

// claim admits jobID for key unless an unexpired claim exists. On refusal
// it returns the claiming job id; on success the new suppress-until.
func (d *deduper) claim(now time.Time, key, jobID string, window time.Duration, max int) (until time.Time, existingID string, allowed bool) {
	if key == "" || window <= 0 {
		return time.Time{}, "", true
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if e, ok := d.m[key]; ok && now.Before(e.until) {
		return e.until, e.jobID, false
	}

	until = now.Add(window)
	d.m[key] = dedupEntry{until: until, jobID: jobID}

	// Prune expired and cap.
	for k, e := range d.m {
		if !now.Before(e.until) {
			delete(d.m, k)
		}
	}
	if max > 0 && len(d.m) > max {
		// Remove entries with earliest expiry until within cap.
		for len(d.m) > max {
			var (
				minKey string
				minT   time.Time
				set    bool
			)
			for k, e := range d.m {
				if !set || e.until.Before(minT) {
					minKey, minT, set = k, e.until, true
				}
			}
			if minKey == "" {
				break
			}
			delete(d.m, minKey)
		}
	}
	return until, "", true
}

// restore plants a window learned from persistence. The winning job id is
// not recoverable across restarts; suppression still applies.
func (d *deduper) restore(key string, until time.Time) {
	if key == "" {
		return
	}
	d.mu.Lock()
	d.m[key] = dedupEntry{until: until}
	d.mu.Unlock()
}

func (d *deduper) size() int {
	d.mu.Lock()
	n := len(d.m)
	d.mu.Unlock()
	return n
}
