package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Strategy and policy names recognized by the dispatcher/scheduler.
// Validation lives here so a bad config is rejected before commit/publish.
var (
	strategies = map[string]bool{
		"":             true, // falls back to round_robin
		"round_robin":  true,
		"least_loaded": true,
		"random":       true,
		"affinity":     true,
	}
	missedRunPolicies = map[string]bool{
		"":              true, // falls back to skip
		"skip":          true,
		"catch_up_once": true,
	}
	storageDrivers = map[string]bool{
		"": true, "none": true, "file": true, "sqlite": true, "sqlite3": true, "redis": true,
	}
	transportDrivers = map[string]bool{
		"": true, "local": true, "httppush": true,
	}
)

// Validate rejects configurations the services could not apply. It is also
// installed as the watcher's validator so a bad edit never reaches Commit.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	var errs []error

	if cfg.Queue.DedupWindowSeconds < 0 {
		errs = append(errs, errors.New("queue.dedup_window_seconds must be >= 0"))
	}
	if cfg.Queue.DefaultTimeoutSeconds < 0 {
		errs = append(errs, errors.New("queue.default_timeout_seconds must be >= 0"))
	}
	if cfg.Queue.DefaultMaxRetries < 0 {
		errs = append(errs, errors.New("queue.default_max_retries must be >= 0"))
	}

	d := cfg.Dispatch
	for _, f := range []struct {
		name string
		v    int
	}{
		{"dispatch.dispatch_interval_seconds", d.DispatchIntervalSeconds},
		{"dispatch.health_check_interval_seconds", d.HealthCheckIntervalSeconds},
		{"dispatch.stale_threshold_seconds", d.StaleThresholdSeconds},
		{"dispatch.circuit_breaker_failure_threshold", d.CircuitBreakerFailureThreshold},
		{"dispatch.circuit_breaker_cooldown_seconds", d.CircuitBreakerCooldownSeconds},
		{"scheduler.scheduler_tick_seconds", cfg.Scheduler.SchedulerTickSeconds},
	} {
		if f.v < 0 {
			errs = append(errs, fmt.Errorf("%s must be >= 0", f.name))
		}
	}

	if !strategies[strings.TrimSpace(d.LoadBalancingStrategy)] {
		errs = append(errs, fmt.Errorf("dispatch.load_balancing_strategy: unknown strategy %q", d.LoadBalancingStrategy))
	}
	if !missedRunPolicies[strings.TrimSpace(cfg.Scheduler.MissedRunPolicy)] {
		errs = append(errs, fmt.Errorf("scheduler.missed_run_policy: unknown policy %q", cfg.Scheduler.MissedRunPolicy))
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}

	seen := map[string]bool{}
	for i, p := range cfg.Pools {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("pools[%d].name is required", i))
			continue
		}
		if seen[name] {
			errs = append(errs, fmt.Errorf("pools: duplicate pool name %q", name))
		}
		seen[name] = true
		if p.MaxConcurrentJobs < 0 {
			errs = append(errs, fmt.Errorf("pools[%q].max_concurrent_jobs must be >= 0", name))
		}
		if !strategies[strings.TrimSpace(p.Strategy)] {
			errs = append(errs, fmt.Errorf("pools[%q].strategy: unknown strategy %q", name, p.Strategy))
		}
	}

	if s := cfg.Storage; s != nil {
		driver := strings.ToLower(strings.TrimSpace(s.Driver))
		if !storageDrivers[driver] {
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
		switch driver {
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(s.Path) == "" {
				errs = append(errs, fmt.Errorf("storage.path is required for driver %q", driver))
			}
		case "redis":
			if strings.TrimSpace(s.RedisAddr) == "" {
				errs = append(errs, errors.New("storage.redis_addr is required for the redis driver"))
			}
		}
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}

	if !transportDrivers[strings.ToLower(strings.TrimSpace(cfg.Transport.Driver))] {
		errs = append(errs, fmt.Errorf("transport.driver: unknown driver %q", cfg.Transport.Driver))
	}
	if _, err := ParseDurationField("transport.request_timeout", cfg.Transport.RequestTimeout); err != nil {
		errs = append(errs, err)
	}

	if a := cfg.API; a != nil && a.Enabled {
		for _, f := range []struct{ name, raw string }{
			{"api.read_timeout", a.ReadTimeout},
			{"api.write_timeout", a.WriteTimeout},
			{"api.shutdown_timeout", a.ShutdownTimeout},
		} {
			if _, err := ParseDurationField(f.name, f.raw); err != nil {
				errs = append(errs, err)
			}
		}
		if a.RateLimitRPS < 0 || a.RateLimitBurst < 0 {
			errs = append(errs, errors.New("api rate limit values must be >= 0"))
		}
	}

	if p := cfg.Pprof; p.Enabled {
		for _, f := range []struct{ name, raw string }{
			{"pprof.read_timeout", p.ReadTimeout},
			{"pprof.write_timeout", p.WriteTimeout},
			{"pprof.idle_timeout", p.IdleTimeout},
		} {
			if _, err := ParseDurationField(f.name, f.raw); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if al := cfg.Alerts; al != nil && al.Enabled {
		if strings.TrimSpace(al.Token) == "" {
			errs = append(errs, errors.New("alerts.token is required when alerts are enabled"))
		}
		if al.ChatID == 0 {
			errs = append(errs, errors.New("alerts.chat_id is required when alerts are enabled"))
		}
		for _, f := range []struct{ name, raw string }{
			{"alerts.retry_base", al.RetryBase},
			{"alerts.retry_max_delay", al.RetryMaxDelay},
			{"alerts.dedup_window", al.DedupWindow},
		} {
			if _, err := ParseDurationField(f.name, f.raw); err != nil {
				errs = append(errs, err)
			}
		}
	}

	return errors.Join(errs...)
}
