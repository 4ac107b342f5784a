package config

import (
	"reflect"
	"sort"
	"strings"

	logx "fleetd/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging. Secrets (tokens, passwords) are
// never included, only whether they are set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Queue, newCfg.Queue) {
		changed = append(changed, "queue")
		attrs = append(attrs,
			logx.Int("queue.dedup_window_seconds", newCfg.Queue.DedupWindowSeconds),
			logx.Int("queue.default_timeout_seconds", newCfg.Queue.DefaultTimeoutSeconds),
			logx.Int("queue.default_max_retries", newCfg.Queue.DefaultMaxRetries),
			logx.Bool("queue.persist_dedup", newCfg.Queue.PersistDedup),
		)
	}

	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Int("dispatch.interval_seconds", newCfg.Dispatch.DispatchIntervalSeconds),
			logx.Int("dispatch.health_check_interval_seconds", newCfg.Dispatch.HealthCheckIntervalSeconds),
			logx.Int("dispatch.stale_threshold_seconds", newCfg.Dispatch.StaleThresholdSeconds),
			logx.String("dispatch.strategy", strings.TrimSpace(newCfg.Dispatch.LoadBalancingStrategy)),
			logx.Int("dispatch.breaker_threshold", newCfg.Dispatch.CircuitBreakerFailureThreshold),
			logx.Int("dispatch.breaker_cooldown_seconds", newCfg.Dispatch.CircuitBreakerCooldownSeconds),
		)
	}

	if !reflect.DeepEqual(oldCfg.Pools, newCfg.Pools) {
		changed = append(changed, "pools")
		attrs = append(attrs, logx.Int("pools.count", len(newCfg.Pools)))
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Int("scheduler.tick_seconds", newCfg.Scheduler.SchedulerTickSeconds),
			logx.String("scheduler.missed_run_policy", strings.TrimSpace(newCfg.Scheduler.MissedRunPolicy)),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Transport, newCfg.Transport) {
		changed = append(changed, "transport")
		attrs = append(attrs,
			logx.String("transport.driver", strings.TrimSpace(newCfg.Transport.Driver)),
		)
	}

	// Storage: nil means disabled. Never log paths beyond whether one is set.
	oldS, newS := oldCfg.Storage, newCfg.Storage
	var oDriver, nDriver string
	var oPathSet, nPathSet bool
	if oldS != nil {
		oDriver = strings.TrimSpace(oldS.Driver)
		oPathSet = strings.TrimSpace(oldS.Path) != "" || strings.TrimSpace(oldS.RedisAddr) != ""
	}
	if newS != nil {
		nDriver = strings.TrimSpace(newS.Driver)
		nPathSet = strings.TrimSpace(newS.Path) != "" || strings.TrimSpace(newS.RedisAddr) != ""
	}
	if oDriver != nDriver || oPathSet != nPathSet {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.target_set", nPathSet),
		)
	}

	oldAPI, newAPI := derefAPI(oldCfg.API), derefAPI(newCfg.API)
	if !reflect.DeepEqual(oldAPI, newAPI) {
		changed = append(changed, "api")
		attrs = append(attrs,
			logx.Bool("api.enabled", newAPI.Enabled),
			logx.String("api.addr", strings.TrimSpace(newAPI.Addr)),
			logx.Int("api.rate_limit_rps", newAPI.RateLimitRPS),
		)
	}

	if !reflect.DeepEqual(oldCfg.Telemetry, newCfg.Telemetry) {
		changed = append(changed, "telemetry")
		attrs = append(attrs, logx.Bool("telemetry.enabled", newCfg.Telemetry.Enabled))
	}

	// Alerts: never log the token.
	oldAl, newAl := derefAlerts(oldCfg.Alerts), derefAlerts(newCfg.Alerts)
	if !reflect.DeepEqual(oldAl, newAl) {
		changed = append(changed, "alerts")
		attrs = append(attrs,
			logx.Bool("alerts.enabled", newAl.Enabled),
			logx.Bool("alerts.token_set", strings.TrimSpace(newAl.Token) != ""),
			logx.Int("alerts.min_priority", newAl.MinPriority),
			logx.Int("alerts.workers", newAl.Workers),
		)
	}

	if !reflect.DeepEqual(oldCfg.Pprof, newCfg.Pprof) {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", newCfg.Pprof.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(newCfg.Pprof.Addr)),
			logx.Bool("pprof.token_set", strings.TrimSpace(newCfg.Pprof.Token) != ""),
		)
	}

	if oldCfg.Watchdog != newCfg.Watchdog {
		changed = append(changed, "watchdog")
		attrs = append(attrs, logx.Bool("watchdog.enabled", newCfg.Watchdog.Enabled))
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefAPI(a *APIConfig) APIConfig {
	if a == nil {
		return APIConfig{}
	}
	return *a
}

func derefAlerts(a *AlertsConfig) AlertsConfig {
	if a == nil {
		return AlertsConfig{}
	}
	return *a
}
