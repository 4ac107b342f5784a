package telemetry

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fleetd/internal/dispatch"
	"fleetd/internal/eventbus"
	"fleetd/internal/queue"
	"fleetd/internal/robot"
	rtsup "fleetd/internal/runtime/supervisor"
	"fleetd/internal/schedule"
	logx "fleetd/pkg/logx"
)

// Config controls the metrics surface. Namespace changes require a
// restart: registered metric names cannot be rewritten in place.
type Config struct {
	Enabled   bool
	Namespace string // default "fleetd"
}

func (c Config) withDefaults() Config {
	if c.Namespace == "" {
		c.Namespace = "fleetd"
	}
	return c
}

// Sources are pull-style providers evaluated at scrape time. Nil funcs
// simply leave the corresponding gauge unregistered.
type Sources struct {
	QueueDepth   func() int
	RobotsOnline func() int
	BusDropped   func() uint64
}

// startedCap bounds the in-flight start-time map; beyond it new starts go
// untimed rather than growing without bound.
const startedCap = 8192

type Service struct {
	log logx.Logger
	bus eventbus.Bus
	cfg Config

	mu      sync.Mutex
	running bool
	sup     *rtsup.Supervisor
	unsub   func()

	reg  *prometheus.Registry
	seen uint64

	jobsSubmitted    prometheus.Counter
	jobsDeduplicated prometheus.Counter
	jobsDispatched   prometheus.Counter
	jobsCompleted    prometheus.Counter
	jobsFailed       prometheus.Counter
	jobsTimeout      prometheus.Counter
	jobsCancelled    prometheus.Counter
	jobsReleased     prometheus.Counter
	schedulesFired   prometheus.Counter
	schedulesMissed  prometheus.Counter
	robotsStale      prometheus.Counter
	breakersOpened   prometheus.Counter

	jobDuration   prometheus.Histogram
	dispatchCycle prometheus.Histogram

	startMu sync.Mutex
	started map[string]time.Time
}

func New(cfg Config, srcs Sources, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:     cfg.withDefaults(),
		log:     log,
		bus:     bus,
		reg:     prometheus.NewRegistry(),
		started: map[string]time.Time{},
	}
	ns := s.cfg.Namespace

	s.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	s.jobsSubmitted = s.counter("jobs_submitted_total", "Jobs admitted to the queue.")
	s.jobsDeduplicated = s.counter("jobs_deduplicated_total", "Submissions rejected as duplicates.")
	s.jobsDispatched = s.counter("jobs_dispatched_total", "Jobs handed to a robot.")
	s.jobsCompleted = s.counter("jobs_completed_total", "Jobs that finished successfully.")
	s.jobsFailed = s.counter("jobs_failed_total", "Jobs that failed terminally.")
	s.jobsTimeout = s.counter("jobs_timeout_total", "Jobs expired by the timeout sweep.")
	s.jobsCancelled = s.counter("jobs_cancelled_total", "Jobs cancelled by operators.")
	s.jobsReleased = s.counter("jobs_released_total", "Jobs returned to the queue for another attempt.")
	s.schedulesFired = s.counter("schedules_fired_total", "Schedule firings, including rejected submissions.")
	s.schedulesMissed = s.counter("schedules_missed_total", "Schedule due times skipped by the missed-run policy.")
	s.robotsStale = s.counter("robots_stale_total", "Robots marked offline by the health sweep.")
	s.breakersOpened = s.counter("breakers_opened_total", "Circuit breaker transitions to OPEN.")

	s.jobDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: ns,
		Name:      "job_duration_seconds",
		Help:      "Wall time from job start to terminal state.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 13),
	})
	s.dispatchCycle = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: ns,
		Name:      "dispatch_cycle_seconds",
		Help:      "Duration of one dispatch sweep.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	})
	s.reg.MustRegister(s.jobDuration, s.dispatchCycle)

	if srcs.QueueDepth != nil {
		s.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: ns, Name: "queue_depth", Help: "Jobs waiting for dispatch.",
		}, func() float64 { return float64(srcs.QueueDepth()) }))
	}
	if srcs.RobotsOnline != nil {
		s.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: ns, Name: "robots_online", Help: "Robots currently online.",
		}, func() float64 { return float64(srcs.RobotsOnline()) }))
	}
	if srcs.BusDropped != nil {
		s.reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: ns, Name: "bus_events_dropped_total", Help: "Bus events discarded on full subscriber buffers.",
		}, func() float64 { return float64(srcs.BusDropped()) }))
	}
	return s
}

func (s *Service) counter(name, help string) prometheus.Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: s.cfg.Namespace,
		Name:      name,
		Help:      help,
	})
	s.reg.MustRegister(c)
	return c
}

// Handler serves this service's registry, runtime collectors included.
func (s *Service) Handler() http.Handler {
	return promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{})
}

// Start begins consuming bus events. Without a bus only the pull gauges
// and runtime collectors are live.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	if s.bus == nil {
		s.running = true
		s.mu.Unlock()
		s.log.Info("telemetry started without event bus")
		return nil
	}
	s.running = true
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "telemetry"))),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	ch, unsub := s.bus.Subscribe(256)
	s.unsub = unsub
	s.mu.Unlock()

	sup.Go0("consume", func(c context.Context) {
		for {
			select {
			case <-c.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				s.observe(ev)
			}
		}
	})
	s.log.Info("telemetry started", logx.String("namespace", s.cfg.Namespace))
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	unsub := s.unsub
	s.sup = nil
	s.unsub = nil
	wasRunning := s.running
	s.running = false
	s.mu.Unlock()

	if !wasRunning {
		return nil
	}
	if unsub != nil {
		unsub()
	}
	if sup != nil {
		sup.Cancel()
		_ = sup.Wait(ctx)
	}
	s.log.Info("telemetry stopped")
	return nil
}

type Snapshot struct {
	Running       bool   `json:"running"`
	EventsSeen    uint64 `json:"events_seen"`
	TrackedStarts int    `json:"tracked_starts"`
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	s.startMu.Lock()
	tracked := len(s.started)
	s.startMu.Unlock()
	return Snapshot{
		Running:       running,
		EventsSeen:    atomic.LoadUint64(&s.seen),
		TrackedStarts: tracked,
	}
}

func (s *Service) observe(ev eventbus.Event) {
	atomic.AddUint64(&s.seen, 1)
	switch ev.Type {
	case queue.EventSubmitted:
		s.jobsSubmitted.Inc()
	case queue.EventDuplicate:
		s.jobsDeduplicated.Inc()
	case queue.EventAssigned:
		s.jobsDispatched.Inc()
	case queue.EventStarted:
		if je, ok := ev.Data.(queue.JobEvent); ok {
			s.markStarted(je.JobID, je.At)
		}
	case queue.EventReleased:
		s.jobsReleased.Inc()
		// The run did not finish; a retry will mark a fresh start.
		if je, ok := ev.Data.(queue.JobEvent); ok {
			s.clearStarted(je.JobID)
		}
	case queue.EventCompleted:
		s.jobsCompleted.Inc()
		s.observeDuration(ev)
	case queue.EventFailed:
		s.jobsFailed.Inc()
		s.observeDuration(ev)
	case queue.EventTimeout:
		s.jobsTimeout.Inc()
		s.observeDuration(ev)
	case queue.EventCancelled:
		s.jobsCancelled.Inc()
		s.observeDuration(ev)
	case schedule.EventFired:
		s.schedulesFired.Inc()
	case schedule.EventMissed:
		s.schedulesMissed.Inc()
	case robot.EventStale:
		s.robotsStale.Inc()
	case robot.EventBreaker:
		if be, ok := ev.Data.(robot.BreakerEvent); ok && be.To == robot.BreakerOpen {
			s.breakersOpened.Inc()
		}
	case dispatch.EventCycle:
		if ce, ok := ev.Data.(dispatch.CycleEvent); ok {
			s.dispatchCycle.Observe(ce.Took.Seconds())
		}
	}
}

func (s *Service) markStarted(jobID string, at time.Time) {
	if jobID == "" {
		return
	}
	if at.IsZero() {
		at = time.Now()
	}
	s.startMu.Lock()
	if len(s.started) < startedCap {
		s.started[jobID] = at
	}
	s.startMu.Unlock()
}

func (s *Service) clearStarted(jobID string) {
	s.startMu.Lock()
	delete(s.started, jobID)
	s.startMu.Unlock()
}

func (s *Service) observeDuration(ev eventbus.Event) {
	je, ok := ev.Data.(queue.JobEvent)
	if !ok || je.JobID == "" {
		return
	}
	s.startMu.Lock()
	startedAt, found := s.started[je.JobID]
	if found {
		delete(s.started, je.JobID)
	}
	s.startMu.Unlock()
	if !found {
		return
	}
	end := je.At
	if end.IsZero() {
		end = time.Now()
	}
	if d := end.Sub(startedAt); d >= 0 {
		s.jobDuration.Observe(d.Seconds())
	}
}
