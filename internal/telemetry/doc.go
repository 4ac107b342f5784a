// Package telemetry exposes Prometheus metrics for the daemon.
//
// Counters and histograms are fed from the event bus; gauges pull from
// component snapshots at scrape time so they cannot drift. The package
// owns its own registry, so restarting the service never trips
// duplicate-registration panics.
package telemetry
