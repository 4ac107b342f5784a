package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"fleetd/internal/alerts"
	"fleetd/internal/api"
	"fleetd/internal/config"
	"fleetd/internal/dispatch"
	"fleetd/internal/eventbus"
	"fleetd/internal/observability/pprof"
	"fleetd/internal/queue"
	"fleetd/internal/robot"
	rtsup "fleetd/internal/runtime/supervisor"
	"fleetd/internal/schedule"
	"fleetd/internal/store"
	"fleetd/internal/telemetry"
	"fleetd/internal/transport"
	logx "fleetd/pkg/logx"
	"fleetd/pkg/sdnotify"
)

// App wires the whole daemon: config, logging, storage, the queue and
// registry state cores, the dispatch/schedule loops and the operator
// surfaces (REST, metrics, alerts, pprof).
type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	st   store.Store

	adapter transport.Adapter

	queue  *queue.Queue
	robots *robot.Registry
	disp   *dispatch.Dispatcher
	sched  *schedule.Service
	telem  *telemetry.Service
	alerts *alerts.Service
	api    *api.Server
	pprof  *pprof.Service

	startedAt time.Time
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	// Logging first so every later constructor gets a component logger.
	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	// Storage (optional)
	var st store.Store
	if sc, enabled, err := mapStoreConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		s, err := store.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		st = s
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	q := queue.New(mapQueueConfig(cfg), st, log.With(logx.String("comp", "queue")), bus)
	reg := robot.New(mapRobotConfig(cfg), log.With(logx.String("comp", "robots")), bus)

	adapter, err := buildTransport(cfg, log.With(logx.String("comp", "transport")))
	if err != nil {
		return nil, err
	}

	dispCfg, err := mapDispatchConfig(cfg)
	if err != nil {
		return nil, err
	}
	disp := dispatch.New(dispCfg, q, reg, adapter, log.With(logx.String("comp", "dispatch")), bus)

	sched := schedule.New(mapScheduleConfig(cfg), st, q.Submit, log.With(logx.String("comp", "schedule")), bus)
	disp.AddObserver(scheduleFeedback{sched: sched})

	telem := telemetry.New(mapTelemetryConfig(cfg), telemetry.Sources{
		QueueDepth:   q.QueuedLen,
		RobotsOnline: func() int { return reg.Snapshot().Online },
		BusDropped:   bus.Dropped,
	}, log.With(logx.String("comp", "telemetry")), bus)

	// The notifier is built whenever a target is configured, even while
	// alerts are disabled, so a hot-reload enable works without a restart.
	alertsCfg, err := mapAlertsConfig(cfg)
	if err != nil {
		return nil, err
	}
	var notifier alerts.Notifier
	if al := cfg.Alerts; al != nil && strings.TrimSpace(al.Token) != "" && al.ChatID != 0 {
		n, err := alerts.NewTelegram(alerts.TelegramConfig{
			Token:    al.Token,
			ChatID:   al.ChatID,
			ThreadID: al.ThreadID,
		}, log.With(logx.String("comp", "alerts")))
		if err != nil {
			return nil, err
		}
		notifier = n
	}
	alertSvc := alerts.New(alertsCfg, notifier, log.With(logx.String("comp", "alerts")), bus)

	pprofCfg, err := mapPprofConfig(cfg)
	if err != nil {
		return nil, err
	}
	pprofSvc := pprof.New(pprofCfg, log.With(logx.String("comp", "pprof")))

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		st:      st,
		adapter: adapter,
		queue:   q,
		robots:  reg,
		disp:    disp,
		sched:   sched,
		telem:   telem,
		alerts:  alertSvc,
		pprof:   pprofSvc,
	}

	apiCfg, err := mapAPIConfig(cfg)
	if err != nil {
		return nil, err
	}
	var metrics http.Handler
	if cfg.Telemetry.Enabled {
		metrics = telem.Handler()
	}
	a.api = api.New(apiCfg, api.Deps{
		Queue:     q,
		Robots:    reg,
		Dispatch:  disp,
		Scheduler: sched,
		Store:     st,
		Metrics:   metrics,
		Status:    a.statusDoc,
	}, log.With(logx.String("comp", "api")))

	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.startedAt = time.Now()

	// Transactional config reload: validate before commit/publish.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *Config) error {
		if err := config.Validate(cfg); err != nil {
			return err
		}
		// Mapping-level parses catch what field validation cannot.
		if _, _, err := mapStoreConfig(cfg); err != nil {
			return err
		}
		if _, err := mapDispatchConfig(cfg); err != nil {
			return err
		}
		if _, err := mapAPIConfig(cfg); err != nil {
			return err
		}
		if _, err := mapAlertsConfig(cfg); err != nil {
			return err
		}
		if _, err := mapPprofConfig(cfg); err != nil {
			return err
		}
		return nil
	})

	// Rebuild persisted state before any loop hands out work.
	if a.st != nil {
		rctx, cancel := context.WithTimeout(a.sup.Context(), 10*time.Second)
		n, err := a.queue.Restore(rctx)
		cancel()
		if err != nil {
			a.log.Warn("queue restore failed", logx.Err(err))
		} else if n > 0 {
			a.log.Info("queue restored", logx.Int("jobs", n))
		}
	}

	if err := a.disp.Start(a.sup.Context()); err != nil {
		return err
	}
	if err := a.sched.Start(a.sup.Context()); err != nil {
		return err
	}
	if a.cfgm.Get().Telemetry.Enabled {
		if err := a.telem.Start(a.sup.Context()); err != nil {
			return err
		}
	}
	if a.alerts.Enabled() {
		if err := a.alerts.Start(a.sup.Context()); err != nil {
			return err
		}
	}
	if a.api.Enabled() {
		if err := a.api.Start(a.sup.Context()); err != nil {
			return err
		}
	}
	a.pprof.Start(a.sup.Context()) // no-op while disabled

	// Log events for observability/debug (components also subscribe themselves).
	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go0("eventbus.log", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					// Debug-level: job traffic makes this too chatty for info.
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		})
	}

	// Hot reload config fan-out.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
				if len(sections) > 0 {
					fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
					a.log.Debug("config change summary", fields...)
				} else {
					a.log.Debug("config reload received, but no effective changes detected")
				}
				oldCfg := lastApplied
				lastApplied = newCfg

				a.applyReload(c, oldCfg, newCfg, sections)

				if len(sections) > 0 {
					fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
					a.log.Info("config reloaded", fields...)
				} else {
					a.log.Info("config reloaded (no changes)")
				}
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if sdnotify.Ready() {
		a.log.Debug("systemd notified ready")
	}
	if a.cfgm.Get().Watchdog.Enabled {
		sdnotify.Watchdog(a.sup.Context(), a.log)
	}

	a.log.Info("app started")
	return nil
}

// applyReload pushes one committed config into every running service.
// Sections that cannot hot-apply get a restart warning instead.
func (a *App) applyReload(ctx context.Context, oldCfg, newCfg *Config, sections []string) {
	for _, s := range sections {
		switch s {
		case "storage":
			a.log.Warn("storage config changed; restart required to take effect")
		case "transport":
			a.log.Warn("transport config changed; restart required to take effect")
		case "telemetry":
			a.log.Warn("telemetry config changed; restart required to take effect")
		case "watchdog":
			a.log.Warn("watchdog config changed; restart required to take effect")
		}
	}

	// Logging first so later applies log at the new level.
	a.logs.Apply(logx.Config{
		Level:   newCfg.Logging.Level,
		Console: newCfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: newCfg.Logging.File.Enabled,
			Path:    newCfg.Logging.File.Path,
		},
	})

	a.queue.Apply(mapQueueConfig(newCfg))
	a.robots.Apply(mapRobotConfig(newCfg))
	if dc, err := mapDispatchConfig(newCfg); err != nil {
		a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
	} else {
		a.disp.Apply(dc)
	}
	a.sched.Apply(mapScheduleConfig(newCfg))

	// Alerts hot-apply, including enable/disable transitions. A token that
	// first appears after boot still needs a restart: the notifier is
	// constructed once in NewApp.
	prevAlerts := a.alerts.Enabled()
	if ac, err := mapAlertsConfig(newCfg); err != nil {
		a.log.Warn("invalid alerts config; keeping previous", logx.Err(err))
	} else {
		a.alerts.Apply(ac)
		if prevAlerts && !ac.Enabled {
			a.log.Info("alerts disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			_ = a.alerts.Stop(stopCtx)
			cancel()
		} else if !prevAlerts && ac.Enabled {
			a.log.Info("alerts enabled via config")
			if err := a.alerts.Start(ctx); err != nil {
				a.log.Warn("alerts start failed", logx.Err(err))
			}
		}
	}

	// API: rate limits hot-apply; addr and timeouts bind at listen time.
	var oldAddr, newAddr string
	if oldCfg != nil && oldCfg.API != nil {
		oldAddr = oldCfg.API.Addr
	}
	if newCfg.API != nil {
		newAddr = newCfg.API.Addr
	}
	if oldAddr != newAddr && a.api.Snapshot().Running {
		a.log.Warn("api.addr changed; restart required to take effect")
	}
	prevAPI := a.api.Enabled()
	if apc, err := mapAPIConfig(newCfg); err != nil {
		a.log.Warn("invalid api config; keeping previous", logx.Err(err))
	} else {
		a.api.Apply(apc)
		if prevAPI && !apc.Enabled {
			a.log.Info("api disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			_ = a.api.Stop(stopCtx)
			cancel()
		} else if !prevAPI && apc.Enabled {
			a.log.Info("api enabled via config")
			if err := a.api.Start(ctx); err != nil {
				a.log.Warn("api start failed", logx.Err(err))
			}
		}
	}

	// pprof owns its start/stop/restart decisions.
	if ppc, err := mapPprofConfig(newCfg); err != nil {
		a.log.Warn("invalid pprof config; keeping previous", logx.Err(err))
	} else {
		a.pprof.Reconfigure(ctx, ppc)
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdnotify.Stopping()

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Run a shutdown step with an upper bound so one component can't stall
	// the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// Respect the caller's deadline; never extend it.
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.String("err", err.Error()))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// Contract: fn MUST honor stepCtx and return promptly. If it
			// doesn't, log a leak signal.
			elapsed := time.Since(start)
			a.log.Warn(
				"stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.String("err", stepCtx.Err().Error()),
				logx.Duration("elapsed", elapsed),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.String("err", err.Error()), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Intake surfaces first, then the loops, then passive pieces.
	step("api", 3*time.Second, func(c context.Context) error { return a.api.Stop(c) })
	step("scheduler", 2*time.Second, func(c context.Context) error { return a.sched.Stop(c) })
	step("dispatcher", 3*time.Second, func(c context.Context) error { return a.disp.Stop(c) })
	step("alerts", 2*time.Second, func(c context.Context) error { return a.alerts.Stop(c) })
	step("telemetry", 1*time.Second, func(c context.Context) error { return a.telem.Stop(c) })
	step("pprof", 1*time.Second, func(c context.Context) error { a.pprof.Stop(c); return nil })
	step("storage", 1*time.Second, func(c context.Context) error {
		if a.st != nil {
			return a.st.Close()
		}
		return nil
	})

	// Finally, wait for supervised goroutines (config watch/reload, bus log).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
