package config

import "time"

// Config is the full daemon configuration. YAML and JSON are both accepted;
// YAML is coerced to JSON first so one strict decoder serves both.
//
// The queue/dispatch/scheduler sections use integer *_seconds keys; ambient
// sections (api, alerts, transport, storage) use Go duration strings.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Queue     QueueConfig     `json:"queue"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Pools     []PoolConfig    `json:"pools,omitempty"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Transport TransportConfig `json:"transport"`
	API       *APIConfig      `json:"api,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	Alerts    *AlertsConfig   `json:"alerts,omitempty"`
	Pprof     PprofConfig     `json:"pprof,omitempty"`
	Watchdog  WatchdogConfig  `json:"watchdog,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the optional persistence layer.
//
// Driver values: "file", "sqlite", "redis". Empty or "none" disables
// persistence; the daemon then runs purely in memory.
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`         // file, sqlite
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)

	RedisAddr     string `json:"redis_addr,omitempty"`
	RedisDB       int    `json:"redis_db,omitempty"`
	RedisPassword string `json:"redis_password,omitempty"` // do not log
	KeyPrefix     string `json:"key_prefix,omitempty"`     // default "fleetd"
}

// QueueConfig controls admission, dedup and timeout tracking.
type QueueConfig struct {
	DedupWindowSeconds    int  `json:"dedup_window_seconds,omitempty"`    // default 60
	DedupMaxEntries       int  `json:"dedup_max_entries,omitempty"`       // default 4096
	DefaultTimeoutSeconds int  `json:"default_timeout_seconds,omitempty"` // default 3600
	DefaultMaxRetries     int  `json:"default_max_retries,omitempty"`     // default 3
	HistorySize           int  `json:"history_size,omitempty"`            // retained terminal jobs, default 2000
	PersistDedup          bool `json:"persist_dedup,omitempty"`           // dedup survives restarts via storage
}

func (c QueueConfig) DedupWindow() time.Duration {
	return secondsOrDefault(c.DedupWindowSeconds, 60*time.Second)
}

func (c QueueConfig) DefaultTimeout() time.Duration {
	return secondsOrDefault(c.DefaultTimeoutSeconds, time.Hour)
}

func (c QueueConfig) MaxRetries() int {
	if c.DefaultMaxRetries <= 0 {
		return 3
	}
	return c.DefaultMaxRetries
}

// DispatchConfig controls the dispatcher loops and the per-robot breaker.
type DispatchConfig struct {
	DispatchIntervalSeconds    int    `json:"dispatch_interval_seconds,omitempty"`     // default 1
	HealthCheckIntervalSeconds int    `json:"health_check_interval_seconds,omitempty"` // default 10
	StaleThresholdSeconds      int    `json:"stale_threshold_seconds,omitempty"`       // default 90
	LoadBalancingStrategy      string `json:"load_balancing_strategy,omitempty"`       // round_robin|least_loaded|random|affinity

	CircuitBreakerFailureThreshold int `json:"circuit_breaker_failure_threshold,omitempty"` // default 5
	CircuitBreakerCooldownSeconds  int `json:"circuit_breaker_cooldown_seconds,omitempty"`  // default 60
}

func (c DispatchConfig) DispatchInterval() time.Duration {
	return secondsOrDefault(c.DispatchIntervalSeconds, time.Second)
}

func (c DispatchConfig) HealthCheckInterval() time.Duration {
	return secondsOrDefault(c.HealthCheckIntervalSeconds, 10*time.Second)
}

func (c DispatchConfig) StaleThreshold() time.Duration {
	return secondsOrDefault(c.StaleThresholdSeconds, 90*time.Second)
}

func (c DispatchConfig) BreakerCooldown() time.Duration {
	return secondsOrDefault(c.CircuitBreakerCooldownSeconds, 60*time.Second)
}

// PoolConfig declares a named robot pool. Pools come from configuration,
// never from the dispatch loop.
type PoolConfig struct {
	Name              string   `json:"name"`
	MaxConcurrentJobs int      `json:"max_concurrent_jobs,omitempty"` // 0 = unlimited
	AllowedWorkflows  []string `json:"allowed_workflows,omitempty"`   // empty = all
	Strategy          string   `json:"strategy,omitempty"`            // overrides dispatch.load_balancing_strategy
}

type SchedulerConfig struct {
	SchedulerTickSeconds int    `json:"scheduler_tick_seconds,omitempty"` // default 1
	MissedRunPolicy      string `json:"missed_run_policy,omitempty"`      // skip | catch_up_once
	Timezone             string `json:"timezone,omitempty"`               // default for schedules without one
}

func (c SchedulerConfig) Tick() time.Duration {
	return secondsOrDefault(c.SchedulerTickSeconds, time.Second)
}

type TransportConfig struct {
	Driver         string `json:"driver,omitempty"`          // local | httppush
	RequestTimeout string `json:"request_timeout,omitempty"` // httppush per-call bound, default "10s"
	AuthToken      string `json:"auth_token,omitempty"`      // bearer presented to robot callbacks (do not log)
}

type APIConfig struct {
	Enabled         bool   `json:"enabled"`
	Addr            string `json:"addr,omitempty"` // default ":8420"
	RateLimitRPS    int    `json:"rate_limit_rps,omitempty"`
	RateLimitBurst  int    `json:"rate_limit_burst,omitempty"`
	ReadTimeout     string `json:"read_timeout,omitempty"`
	WriteTimeout    string `json:"write_timeout,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
}

type TelemetryConfig struct {
	Enabled   bool   `json:"enabled,omitempty"`
	Namespace string `json:"namespace,omitempty"` // default "fleetd"
}

// AlertsConfig controls the operator notification pipeline.
// Durations are Go duration strings.
type AlertsConfig struct {
	Enabled       bool   `json:"enabled"`
	Token         string `json:"token,omitempty"` // telegram bot token (do not log)
	ChatID        int64  `json:"chat_id,omitempty"`
	ThreadID      int    `json:"thread_id,omitempty"`
	MinPriority   int    `json:"min_priority,omitempty"` // 0..10, default 5
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	DedupWindow   string `json:"dedup_window,omitempty"`
	// Events restricts delivery to the named alert kinds; empty means all.
	Events []string `json:"events,omitempty"`
}

// PprofConfig controls the optional pprof HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0 (disabled)
	// so /profile (which can take 30s+) works reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
	MemProfileRate       int `json:"mem_profile_rate,omitempty"`
}

// WatchdogConfig enables systemd watchdog keepalives (sd_notify).
type WatchdogConfig struct {
	Enabled bool `json:"enabled,omitempty"`
}

func secondsOrDefault(n int, def time.Duration) time.Duration {
	if n <= 0 {
		return def
	}
	return time.Duration(n) * time.Second
}
