package alerts

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"fleetd/internal/eventbus"
	rtsup "fleetd/internal/runtime/supervisor"
	logx "fleetd/pkg/logx"
)

var (
	ErrDisabled  = errors.New("alerts disabled")
	ErrQueueFull = errors.New("alert queue full")
	ErrStopped   = errors.New("alerts stopped")
)

type queuedAlert struct {
	a Alert
	// key is computed at enqueue time for cheap per-worker processing.
	key string
}

// Service is the async alert pipeline: queue + worker pool + rate limit +
// retry + dedup. Safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log      logx.Logger
	notifier Notifier
	bus      eventbus.Bus

	cfg     Config
	limiter *rate.Limiter
	kinds   map[string]bool // non-empty restricts delivery to these kinds

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan queuedAlert
	sup      *rtsup.Supervisor
	unsub    func()
	stopDone chan struct{} // non-nil while stopping

	// In-memory dedup cache: key -> suppress until.
	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem

	sent     uint64
	failed   uint64
	deduped  uint64
	dropped  uint64
	filtered uint64
}

func New(cfg Config, n Notifier, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		notifier: n,
		log:      log,
		bus:      bus,
		dedup:    map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	switch {
	case cfg.MinPriority == 0:
		cfg.MinPriority = 5
	case cfg.MinPriority < 0:
		cfg.MinPriority = 0
	}
	switch {
	case cfg.RetryMax < 0:
		cfg.RetryMax = 0
	case cfg.RetryMax == 0:
		cfg.RetryMax = 2
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}

	s.cfg = cfg
	// Burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)

	s.kinds = nil
	if len(cfg.Kinds) > 0 {
		s.kinds = make(map[string]bool, len(cfg.Kinds))
		for _, k := range cfg.Kinds {
			if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
				s.kinds[k] = true
			}
		}
	}
}

// Start spins up the workers and the bus watcher. Idempotent; a no-op
// while disabled.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	// If stopping, wait for it to finish before restarting.
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		s.mu.Lock()
	}
	if s.queue != nil {
		s.mu.Unlock()
		return nil
	}
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return nil
	}
	if s.notifier == nil {
		s.mu.Unlock()
		return errors.New("alerts enabled without a notifier")
	}

	s.queue = make(chan queuedAlert, s.cfg.QueueSize)
	s.accepting = true
	workers := s.cfg.Workers
	minPriority := s.cfg.MinPriority

	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "alerts"))),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	q := s.queue
	var ch <-chan eventbus.Event
	if s.bus != nil {
		c, unsub := s.bus.Subscribe(256)
		ch = c
		s.unsub = unsub
	}
	s.mu.Unlock()

	if ch != nil {
		sup.Go0("watch", func(c context.Context) {
			for {
				select {
				case <-c.Done():
					return
				case ev, ok := <-ch:
					if !ok {
						return
					}
					s.fromEvent(c, ev)
				}
			}
		})
	}
	for i := 0; i < workers; i++ {
		name := fmt.Sprintf("worker.%d", i)
		sup.GoRestart(name, func(c context.Context) error {
			s.workerLoop(c, q)
			// Clean exits happen on shutdown (queue close).
			s.mu.Lock()
			stopping := s.stopDone != nil
			s.mu.Unlock()
			if stopping {
				return context.Canceled
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("alert worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}

	s.log.Info("alerts started",
		logx.String("notifier", s.notifier.Name()),
		logx.Int("workers", workers),
		logx.Int("min_priority", minPriority))
	return nil
}

// Stop blocks intake and drains the queue best-effort until ctx expires.
func (s *Service) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	q := s.queue
	sup := s.sup
	unsub := s.unsub
	if q == nil {
		s.mu.Unlock()
		return nil
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return nil
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}

	// Shutdown happens asynchronously so callers can time out without
	// leaking state.
	go func() {
		defer close(done)
		// In-flight enqueues finish, then the closed queue drains the workers.
		s.sendWG.Wait()
		func() {
			defer func() { _ = recover() }()
			close(q)
		}()
		if sup != nil {
			_ = sup.Wait(context.Background())
		}

		s.mu.Lock()
		s.queue = nil
		s.unsub = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if sup != nil {
			sup.Cancel()
		}
	}
	s.log.Info("alerts stopped")
	return nil
}

// Notify enqueues one alert. Below-min-priority alerts are absorbed, a
// repeat within the dedup window is absorbed, a full queue returns
// ErrQueueFull rather than blocking.
func (s *Service) Notify(ctx context.Context, a Alert) error {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	if a.Priority < s.cfg.MinPriority {
		s.mu.Unlock()
		atomic.AddUint64(&s.filtered, 1)
		return nil
	}
	if len(s.kinds) > 0 && !s.kinds[a.Kind] {
		s.mu.Unlock()
		atomic.AddUint64(&s.filtered, 1)
		return nil
	}
	q := s.queue
	window := s.cfg.DedupWindow
	maxEntries := s.cfg.DedupMaxEntries
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	if a.At.IsZero() {
		a.At = time.Now()
	}
	key := dedupKey(a)
	if window > 0 && !s.dedupAllow(key, window, maxEntries) {
		atomic.AddUint64(&s.deduped, 1)
		s.publish(EventDeduped, a, key, "")
		return nil
	}

	s.publish(EventQueued, a, key, "")
	select {
	case q <- queuedAlert{a: a, key: key}:
		return nil
	default:
		atomic.AddUint64(&s.dropped, 1)
		s.publish(EventDropped, a, key, ErrQueueFull.Error())
		return ErrQueueFull
	}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan queuedAlert) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.deliver(ctx, j)
		}
	}
}

func (s *Service) deliver(ctx context.Context, j queuedAlert) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	s.mu.Unlock()

	maxAttempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return
			}
		}

		// Bound per-send call so a hung notifier can't wedge a worker.
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := s.notifier.Send(callCtx, j.a)
		cancel()
		if err == nil {
			atomic.AddUint64(&s.sent, 1)
			s.appendHistory(j.a)
			s.publish(EventSent, j.a, j.key, "")
			return
		}
		lastErr = err
		s.log.Debug("alert send failed",
			logx.Err(err),
			logx.Int("attempt", attempt),
			logx.Int("max", maxAttempts))

		if attempt >= maxAttempts {
			break
		}
		delay := retryDelay(cfg, attempt)
		if delay <= 0 {
			continue
		}
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			if !t.Stop() {
				<-t.C
			}
			return
		}
	}

	atomic.AddUint64(&s.failed, 1)
	if lastErr != nil {
		s.publish(EventFailed, j.a, j.key, lastErr.Error())
		s.log.Warn("alert delivery failed",
			logx.String("kind", j.a.Kind),
			logx.Err(lastErr))
	}
}

func dedupKey(a Alert) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(a.Kind))
	_, _ = h.Write([]byte{'|'})
	_, _ = h.Write([]byte(a.JobID))
	_, _ = h.Write([]byte{'|'})
	_, _ = h.Write([]byte(a.RobotID))
	_, _ = h.Write([]byte{'|'})
	_, _ = h.Write([]byte(a.ScheduleID))
	_, _ = h.Write([]byte{'|'})
	_, _ = h.Write([]byte(a.Title))
	return fmt.Sprintf("%x", h.Sum64())
}

func (s *Service) dedupAllow(key string, window time.Duration, max int) bool {
	now := time.Now()
	s.dmu.Lock()
	defer s.dmu.Unlock()

	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	s.dedup[key] = now.Add(window)

	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	// Cap by evicting the earliest-expiring entries.
	for max > 0 && len(s.dedup) > max {
		var (
			minKey string
			minT   time.Time
			set    bool
		)
		for k, t := range s.dedup {
			if !set || t.Before(minT) {
				minKey, minT, set = k, t, true
			}
		}
		if !set {
			break
		}
		delete(s.dedup, minKey)
	}
	return true
}

func (s *Service) appendHistory(a Alert) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: time.Now(), Kind: a.Kind, Text: a.Render()})
	if len(s.history) > 300 {
		s.history = s.history[len(s.history)-300:]
	}
	s.hmu.Unlock()
}

func (s *Service) publish(typ string, a Alert, key, errText string) {
	if s.bus == nil {
		return
	}
	now := time.Now()
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: AlertEvent{
		Kind:     a.Kind,
		Key:      key,
		Priority: a.Priority,
		At:       now,
		Error:    errText,
	}})
}

type Snapshot struct {
	Running  bool          `json:"running"`
	Queue    int           `json:"queue"`
	Sent     uint64        `json:"sent"`
	Failed   uint64        `json:"failed"`
	Deduped  uint64        `json:"deduped"`
	Dropped  uint64        `json:"dropped"`
	Filtered uint64        `json:"filtered"`
	History  []HistoryItem `json:"history,omitempty"`
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	running := s.queue != nil && s.accepting
	depth := 0
	if s.queue != nil {
		depth = len(s.queue)
	}
	s.mu.Unlock()

	s.hmu.Lock()
	hist := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()

	return Snapshot{
		Running:  running,
		Queue:    depth,
		Sent:     atomic.LoadUint64(&s.sent),
		Failed:   atomic.LoadUint64(&s.failed),
		Deduped:  atomic.LoadUint64(&s.deduped),
		Dropped:  atomic.LoadUint64(&s.dropped),
		Filtered: atomic.LoadUint64(&s.filtered),
		History:  hist,
	}
}

// retryDelay is an exponential backoff with 0.7..1.3 jitter, capped.
func retryDelay(cfg Config, attempt int) time.Duration {
	base := cfg.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxD := cfg.RetryMaxDelay
	if maxD <= 0 {
		maxD = 10 * time.Second
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	j := 0.7 + rng.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d < 0 {
		return 0
	}
	if d > maxD {
		d = maxD
	}
	return d
}
