// Package queue owns the job collection: admission with duplicate
// suppression, priority-ordered dispatch readiness, the validated status
// state machine, and deadline tracking.
//
// The queue does no background work of its own. Loops that poll it (the
// dispatch loop, the timeout sweep) live in the dispatch package; the queue
// only exposes short, lock-protected operations that never touch the
// network or disk while holding the lock.
package queue
