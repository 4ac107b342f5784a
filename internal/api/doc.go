// Package api serves the REST management surface: job submission and
// control, robot registration and reports, pool and schedule management,
// plus /healthz, /status and /metrics. Robot reports funnel through the
// dispatcher's update path so the API and the transports mutate fleet
// state identically.
package api
