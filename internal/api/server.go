package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"fleetd/internal/dispatch"
	"fleetd/internal/queue"
	"fleetd/internal/robot"
	rtsup "fleetd/internal/runtime/supervisor"
	"fleetd/internal/schedule"
	"fleetd/internal/store"
	logx "fleetd/pkg/logx"
)

// Config holds server behavior, already resolved to Go durations.
// Addr and timeouts are restart-only; the rate limit applies on reload.
type Config struct {
	Enabled bool
	Addr    string

	// RateLimitRPS caps request throughput across all clients.
	// <= 0 disables limiting.
	RateLimitRPS   int
	RateLimitBurst int

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = ":8420"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 15 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	if c.RateLimitRPS > 0 && c.RateLimitBurst <= 0 {
		c.RateLimitBurst = c.RateLimitRPS * 2
	}
	return c
}

// Deps are the services the handlers drive. Queue, Robots, Dispatch and
// Scheduler are required; the rest degrade gracefully when nil.
type Deps struct {
	Queue     *queue.Queue
	Robots    *robot.Registry
	Dispatch  *dispatch.Dispatcher
	Scheduler *schedule.Service

	// Store receives the audit trail for operator mutations.
	Store store.Store
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	// Status produces the full daemon status document for /status.
	Status func() map[string]any
}

type Server struct {
	mu   sync.Mutex
	log  logx.Logger
	cfg  Config
	deps Deps

	limiter *rate.Limiter

	ln       net.Listener
	srv      *http.Server
	sup      *rtsup.Supervisor
	stopDone chan struct{}

	requests    uint64
	rateLimited uint64
}

func New(cfg Config, deps Deps, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{log: log, deps: deps}
	s.applyLocked(cfg)
	return s
}

func (s *Server) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Apply swaps the rate limit at runtime. Addr and timeout changes only
// take effect on restart.
func (s *Server) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Server) applyLocked(cfg Config) {
	cfg = cfg.withDefaults()
	s.cfg = cfg
	if cfg.RateLimitRPS > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	} else {
		s.limiter = nil
	}
}

// Start brings the listener up. Idempotent; a no-op while disabled.
func (s *Server) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		s.mu.Lock()
		// If stopping, wait for it to finish before restarting.
		if s.stopDone != nil {
			done := s.stopDone
			s.mu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if s.sup != nil {
			s.mu.Unlock()
			return nil
		}
		if !s.cfg.Enabled {
			s.mu.Unlock()
			return nil
		}

		s.sup = rtsup.NewSupervisor(ctx,
			rtsup.WithLogger(s.log.With(logx.String("comp", "api"))),
			rtsup.WithCancelOnError(false),
		)
		sup := s.sup
		s.mu.Unlock()

		// The server runs under a restart loop so a transient listen
		// failure self-heals.
		sup.GoRestart("http.serve", func(c context.Context) error {
			return s.serveOnce(c)
		},
			rtsup.WithPublishFirstError(true),
			rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		)
		return nil
	}
}

// Stop shuts the listener down gracefully, bounded by ctx.
func (s *Server) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.sup == nil {
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
	srv := s.srv
	ln := s.ln
	sup := s.sup
	grace := s.cfg.ShutdownTimeout
	s.mu.Unlock()

	// Shutdown happens asynchronously so callers can time out without
	// leaking state.
	go func() {
		defer close(done)
		if srv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
			_ = srv.Shutdown(shutdownCtx)
			cancel()
			_ = srv.Close()
		}
		if ln != nil {
			_ = ln.Close()
		}
		if sup != nil {
			sup.Cancel()
			_ = sup.Wait(context.Background())
		}

		s.mu.Lock()
		s.ln = nil
		s.srv = nil
		s.sup = nil
		s.stopDone = nil
		s.mu.Unlock()
		s.log.Info("api stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if sup != nil {
			sup.Cancel()
		}
	}
	return nil
}

func (s *Server) serveOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	cur := s.cfg
	s.mu.Unlock()

	if !cur.Enabled {
		return context.Canceled
	}

	ln, err := net.Listen("tcp", cur.Addr)
	if err != nil {
		s.log.Error("api listen failed", logx.String("addr", cur.Addr), logx.Err(err))
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}
	defer func() { _ = ln.Close() }()

	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  cur.ReadTimeout,
		WriteTimeout: cur.WriteTimeout,
	}
	defer func() { _ = srv.Close() }()

	s.mu.Lock()
	s.ln = ln
	s.srv = srv
	s.mu.Unlock()

	// Stop the server when the supervisor context is cancelled; the outer
	// Stop(ctx) does the real graceful shutdown.
	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("api started", logx.String("addr", ln.Addr().String()))

	err = srv.Serve(ln)

	s.mu.Lock()
	if s.srv == srv {
		s.srv = nil
		s.ln = nil
	}
	stopping := s.stopDone != nil
	s.mu.Unlock()

	if stopping || ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("api server exited unexpectedly")
	}
	return err
}

type Snapshot struct {
	Running     bool   `json:"running"`
	Addr        string `json:"addr,omitempty"`
	Requests    uint64 `json:"requests"`
	RateLimited uint64 `json:"rate_limited"`
}

func (s *Server) Snapshot() Snapshot {
	s.mu.Lock()
	addr := ""
	if s.ln != nil {
		addr = s.ln.Addr().String()
	}
	running := s.sup != nil && s.stopDone == nil
	s.mu.Unlock()
	return Snapshot{
		Running:     running,
		Addr:        addr,
		Requests:    atomic.LoadUint64(&s.requests),
		RateLimited: atomic.LoadUint64(&s.rateLimited),
	}
}

// Addr returns the live listen address, empty when down. Useful when the
// configured address has port 0.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// audit appends one operator action to the audit trail, best-effort.
func (s *Server) audit(r *http.Request, e store.AuditEntry) {
	if s.deps.Store == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	if e.Actor == "" && r != nil {
		e.Actor = r.RemoteAddr
	}
	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	if err := s.deps.Store.AppendAudit(ctx, e); err != nil {
		s.log.Debug("audit append failed", logx.String("action", e.Action), logx.Err(err))
	}
}
