// Package alerts delivers operator notifications for fleet trouble:
// failed and timed-out jobs, robots going dark, breakers opening,
// schedules missing their runs.
//
// Alerts flow through an async pipeline (queue, worker pool, rate limit,
// retry with jittered backoff, dedup window) into a pluggable Notifier.
// The pipeline also watches the event bus and raises alerts itself, so
// components never call it directly.
//
// Delivery is best-effort: a down notifier never blocks the fleet.
package alerts
