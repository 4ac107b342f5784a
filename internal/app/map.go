package app

import (
	"fmt"
	"strings"
	"time"

	"fleetd/internal/alerts"
	"fleetd/internal/api"
	"fleetd/internal/dispatch"
	"fleetd/internal/observability/pprof"
	"fleetd/internal/queue"
	"fleetd/internal/robot"
	"fleetd/internal/schedule"
	"fleetd/internal/store"
	"fleetd/internal/telemetry"
	"fleetd/internal/transport"
	logx "fleetd/pkg/logx"
)

func mapStoreConfig(cfg *Config) (store.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return store.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return store.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		if path == "" {
			return store.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return store.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return store.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := parseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return store.Config{}, false, err
		}
		return store.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, true, nil
	case "redis":
		if strings.TrimSpace(sc.RedisAddr) == "" {
			return store.Config{}, false, fmt.Errorf("storage.redis_addr is required when storage.driver=redis")
		}
		return store.Config{
			Driver:        "redis",
			RedisAddr:     sc.RedisAddr,
			RedisDB:       sc.RedisDB,
			RedisPassword: sc.RedisPassword,
			KeyPrefix:     sc.KeyPrefix,
		}, true, nil
	default:
		return store.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapQueueConfig(cfg *Config) queue.Config {
	return queue.Config{
		DedupWindow:       cfg.Queue.DedupWindow(),
		DefaultTimeout:    cfg.Queue.DefaultTimeout(),
		DefaultMaxRetries: cfg.Queue.MaxRetries(),
		MaxDedupEntries:   cfg.Queue.DedupMaxEntries,
		RetainTerminal:    cfg.Queue.HistorySize,
		PersistDedup:      cfg.Queue.PersistDedup,
	}
}

func mapRobotConfig(cfg *Config) robot.Config {
	threshold := cfg.Dispatch.CircuitBreakerFailureThreshold
	if threshold <= 0 {
		threshold = 5
	}
	rc := robot.Config{
		Breaker: robot.BreakerConfig{
			FailureThreshold: threshold,
			Cooldown:         cfg.Dispatch.BreakerCooldown(),
		},
	}

	// dispatch.load_balancing_strategy is the fleet-wide default; pools
	// that declare their own keep it. The default pool always exists.
	global := strings.TrimSpace(cfg.Dispatch.LoadBalancingStrategy)
	seenDefault := false
	for _, p := range cfg.Pools {
		rp := robot.Pool{
			Name:              p.Name,
			MaxConcurrentJobs: p.MaxConcurrentJobs,
			AllowedWorkflows:  p.AllowedWorkflows,
			Strategy:          p.Strategy,
		}
		if strings.TrimSpace(rp.Strategy) == "" {
			rp.Strategy = global
		}
		if p.Name == robot.DefaultPool {
			seenDefault = true
		}
		rc.Pools = append(rc.Pools, rp)
	}
	if !seenDefault {
		rc.Pools = append(rc.Pools, robot.Pool{Name: robot.DefaultPool, Strategy: global})
	}
	return rc
}

func mapDispatchConfig(cfg *Config) (dispatch.Config, error) {
	reqTimeout, err := parseDurationOrDefault("transport.request_timeout", cfg.Transport.RequestTimeout, 10*time.Second)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		DispatchInterval:    cfg.Dispatch.DispatchInterval(),
		HealthCheckInterval: cfg.Dispatch.HealthCheckInterval(),
		StaleThreshold:      cfg.Dispatch.StaleThreshold(),
		RequestTimeout:      reqTimeout,
	}, nil
}

func mapScheduleConfig(cfg *Config) schedule.Config {
	return schedule.Config{
		Tick:            cfg.Scheduler.Tick(),
		MissedRunPolicy: cfg.Scheduler.MissedRunPolicy,
		Timezone:        cfg.Scheduler.Timezone,
	}
}

func mapAPIConfig(cfg *Config) (api.Config, error) {
	if cfg.API == nil {
		return api.Config{}, nil
	}
	a := cfg.API
	read, err := parseDurationField("api.read_timeout", a.ReadTimeout)
	if err != nil {
		return api.Config{}, err
	}
	write, err := parseDurationField("api.write_timeout", a.WriteTimeout)
	if err != nil {
		return api.Config{}, err
	}
	shutdown, err := parseDurationField("api.shutdown_timeout", a.ShutdownTimeout)
	if err != nil {
		return api.Config{}, err
	}
	return api.Config{
		Enabled:         a.Enabled,
		Addr:            a.Addr,
		RateLimitRPS:    a.RateLimitRPS,
		RateLimitBurst:  a.RateLimitBurst,
		ReadTimeout:     read,
		WriteTimeout:    write,
		ShutdownTimeout: shutdown,
	}, nil
}

func mapAlertsConfig(cfg *Config) (alerts.Config, error) {
	if cfg.Alerts == nil {
		return alerts.Config{}, nil
	}
	al := cfg.Alerts
	base, err := parseDurationField("alerts.retry_base", al.RetryBase)
	if err != nil {
		return alerts.Config{}, err
	}
	maxDelay, err := parseDurationField("alerts.retry_max_delay", al.RetryMaxDelay)
	if err != nil {
		return alerts.Config{}, err
	}
	window, err := parseDurationField("alerts.dedup_window", al.DedupWindow)
	if err != nil {
		return alerts.Config{}, err
	}
	return alerts.Config{
		Enabled:       al.Enabled,
		MinPriority:   al.MinPriority,
		Workers:       al.Workers,
		QueueSize:     al.QueueSize,
		RatePerSec:    al.RatePerSec,
		RetryMax:      al.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		DedupWindow:   window,
		Kinds:         al.Events,
	}, nil
}

func mapPprofConfig(cfg *Config) (pprof.Config, error) {
	p := cfg.Pprof
	read, err := parseDurationField("pprof.read_timeout", p.ReadTimeout)
	if err != nil {
		return pprof.Config{}, err
	}
	write, err := parseDurationField("pprof.write_timeout", p.WriteTimeout)
	if err != nil {
		return pprof.Config{}, err
	}
	idle, err := parseDurationField("pprof.idle_timeout", p.IdleTimeout)
	if err != nil {
		return pprof.Config{}, err
	}
	return pprof.Config{
		Enabled:              p.Enabled,
		Addr:                 p.Addr,
		Prefix:               p.Prefix,
		Token:                p.Token,
		AllowInsecure:        p.AllowInsecure,
		ReadTimeout:          read,
		WriteTimeout:         write,
		IdleTimeout:          idle,
		MutexProfileFraction: p.MutexProfileFraction,
		BlockProfileRate:     p.BlockProfileRate,
		MemProfileRate:       p.MemProfileRate,
	}, nil
}

func mapTelemetryConfig(cfg *Config) telemetry.Config {
	return telemetry.Config{
		Enabled:   cfg.Telemetry.Enabled,
		Namespace: cfg.Telemetry.Namespace,
	}
}

func buildTransport(cfg *Config, log logx.Logger) (transport.Adapter, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Transport.Driver))
	switch driver {
	case "", "local":
		return transport.NewLocal(log), nil
	case "httppush":
		reqTimeout, err := parseDurationOrDefault("transport.request_timeout", cfg.Transport.RequestTimeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		return transport.NewHTTPPush(transport.HTTPPushConfig{
			RequestTimeout: reqTimeout,
			AuthToken:      cfg.Transport.AuthToken,
		}, log), nil
	default:
		return nil, fmt.Errorf("unknown transport.driver: %s", cfg.Transport.Driver)
	}
}
