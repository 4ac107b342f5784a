package queue

import (
	"sort"
	"time"
)

// timeoutTracker indexes armed deadlines by job id. Detection is separate
// from mutation: due() only reports, the caller transitions.
type timeoutTracker struct {
	m map[string]time.Time
}

func newTimeoutTracker() *timeoutTracker {
	return &timeoutTracker{m: map[string]time.Time{}}
}

func (t *timeoutTracker) arm(id string, deadline time.Time) {
	if id == "" || deadline.IsZero() {
		return
	}
	t.m[id] = deadline
}

func (t *timeoutTracker) disarm(id string) {
	delete(t.m, id)
}

func (t *timeoutTracker) due(now time.Time) []string {
	var ids []string
	for id, deadline := range t.m {
		if now.After(deadline) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (t *timeoutTracker) size() int { return len(t.m) }
