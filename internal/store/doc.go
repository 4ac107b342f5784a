package store

// Package store persists orchestrator state across restarts.
//
// It currently holds:
//   - Jobs (full records, keyed by id)
//   - Schedules (opaque blobs owned by the scheduler, keyed by id)
//   - Dedup suppress-until marks (so the dedup window survives restarts)
//   - Audit log appends (operator actions)
//
// Persistence is best-effort everywhere: callers log failures and continue.
