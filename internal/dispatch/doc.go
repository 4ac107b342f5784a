// Package dispatch connects the queue to the fleet: a periodic loop that
// matches queued jobs to eligible robots, a health loop that retires stale
// robots and expired jobs, and the inbound routing for everything robots
// report back. It owns the transport adapter's lifecycle.
package dispatch
