// Package agent contains the taildir orchestrator. It turns a loaded
// configuration into a watch run, wires delivered batches to the configured
// sinks, and exposes the run's health and metrics over HTTP.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/taildir/taildir/internal/config"
	"github.com/taildir/taildir/internal/filter"
	"github.com/taildir/taildir/internal/notify"
	"github.com/taildir/taildir/internal/queue"
	"github.com/taildir/taildir/internal/sink"
	"github.com/taildir/taildir/internal/tail"
)

// Queue is the part of the spool the agent reports on.
type Queue interface {
	// Depth returns the number of batches not yet drained.
	Depth() int
}

// Agent runs one directory tail and delivers its batches to sinks.
type Agent struct {
	cfg       *config.Config
	logger    *slog.Logger
	sink      sink.Sink
	queue     Queue
	auth      *AuthConfig
	watchOpts []tail.Option

	running atomic.Bool
	watcher atomic.Pointer[tail.Watcher]

	mu          sync.RWMutex
	startTime   time.Time
	batches     int64
	lastBatchAt time.Time
}

// New creates an Agent for cfg. Sinks are opened from cfg by Run unless one
// is supplied with WithSink.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) *Agent {
	a := &Agent{
		cfg:    cfg,
		logger: logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Option is a functional option for Agent construction.
type Option func(*Agent)

// WithSink delivers batches to s instead of the sinks named in the
// configuration. The agent closes s when Run returns.
func WithSink(s sink.Sink) Option {
	return func(a *Agent) { a.sink = s }
}

// WithQueue reports q's depth in Health.
func WithQueue(q Queue) Option {
	return func(a *Agent) { a.queue = q }
}

// WithAuth requires a bearer token signed for cfg on /metrics.
func WithAuth(cfg AuthConfig) Option {
	return func(a *Agent) { a.auth = &cfg }
}

// WithWatchOptions appends tail options after those derived from the
// configuration.
func WithWatchOptions(opts ...tail.Option) Option {
	return func(a *Agent) { a.watchOpts = append(a.watchOpts, opts...) }
}

// Run tails the configured directory until ctx is cancelled, which returns
// nil. Configuration, sink and setup failures are returned, as is a watch
// loop that ends on its own.
func (a *Agent) Run(ctx context.Context) error {
	if !a.running.CompareAndSwap(false, true) {
		return errors.New("agent: already running")
	}
	defer a.running.Store(false)

	opt, err := a.watchOption()
	if err != nil {
		return err
	}

	out := a.sink
	if out == nil {
		var q *queue.SQLiteQueue
		out, q, err = OpenSinks(ctx, a.cfg, a.logger)
		if err != nil {
			return err
		}
		if q != nil {
			defer q.Close()
			a.mu.Lock()
			if a.queue == nil {
				a.queue = q
			}
			a.mu.Unlock()
		}
	}
	defer func() {
		if err := out.Close(); err != nil {
			a.logger.Warn("agent: error closing sinks", slog.Any("error", err))
		}
	}()

	w := tail.NewWatcher(opt)
	a.watcher.Store(w)

	a.mu.Lock()
	a.startTime = time.Now()
	a.mu.Unlock()

	a.logger.Info("agent: starting",
		slog.String("dir", a.cfg.Dir),
		slog.String("watcher", a.cfg.Watcher),
		slog.Duration("debounce", opt.Debounce),
		slog.String("http_addr", a.cfg.HTTPAddr),
	)

	err = w.RunBatches(ctx, func(b *tail.Batch) {
		a.deliver(ctx, out, b)
	})
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		a.logger.Info("agent: stopped")
		return nil
	}
	return err
}

// watchOption derives the watch configuration from cfg.
func (a *Agent) watchOption() (tail.WatchOption, error) {
	files, err := filter.Glob(a.cfg.FilePatterns...)
	if err != nil {
		return tail.WatchOption{}, fmt.Errorf("agent: file_patterns: %w", err)
	}
	lines, err := filter.Regexp(a.cfg.LinePattern)
	if err != nil {
		return tail.WatchOption{}, fmt.Errorf("agent: line_pattern: %w", err)
	}

	opts := []tail.Option{
		tail.WithBackend(notify.Backend(a.cfg.Watcher)),
		tail.WithPollInterval(a.cfg.PollInterval),
		tail.WithFileFilter(files),
		tail.WithLineFilter(lines),
		tail.WithReopenLimit(a.cfg.ReopenLimit.PerSecond, a.cfg.ReopenLimit.Burst),
		tail.WithQueueSize(a.cfg.QueueSize),
		tail.WithLogger(a.logger),
	}
	opts = append(opts, a.watchOpts...)
	return tail.NewWatchOption(a.cfg.Dir, a.cfg.Debounce(), opts...), nil
}

// deliver hands b to the sinks. Sink errors are logged and do not stop the
// run.
func (a *Agent) deliver(ctx context.Context, out sink.Sink, b *tail.Batch) {
	a.mu.Lock()
	a.batches++
	a.lastBatchAt = b.Time
	a.mu.Unlock()
	metricBatches.Inc()

	a.logger.Debug("agent: batch delivered",
		slog.String("file", b.Name),
		slog.Int("lines", len(b.Lines)),
	)

	if err := out.Write(ctx, *b); err != nil {
		metricSinkErrors.Inc()
		a.logger.Warn("agent: sink rejected batch",
			slog.String("file", b.Name),
			slog.Any("error", err),
		)
	}
}

// OpenSinks opens every sink enabled in cfg.Sinks. The spool queue, when
// configured, is returned so the caller can close it after the sinks and
// report its depth.
func OpenSinks(ctx context.Context, cfg *config.Config, logger *slog.Logger) (sink.Sink, *queue.SQLiteQueue, error) {
	var (
		sinks []sink.Sink
		q     *queue.SQLiteQueue
	)
	closeAll := func() {
		for _, s := range sinks {
			_ = s.Close()
		}
		if q != nil {
			_ = q.Close()
		}
	}

	if cfg.Sinks.Stdout {
		sinks = append(sinks, sink.Writer(os.Stdout))
	}
	if cfg.Sinks.JSONLPath != "" {
		s, err := sink.OpenJSONL(cfg.Sinks.JSONLPath)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("agent: open jsonl sink: %w", err)
		}
		sinks = append(sinks, s)
	}
	if cfg.Sinks.SpoolPath != "" {
		var err error
		q, err = queue.New(cfg.Sinks.SpoolPath)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("agent: open spool: %w", err)
		}
		sinks = append(sinks, sink.Spool(q))
	}
	if pg := cfg.Sinks.Postgres; pg.DSN != "" {
		s, err := sink.OpenPostgres(ctx, pg.DSN, pg.BatchSize, pg.FlushInterval, logger)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("agent: open postgres sink: %w", err)
		}
		sinks = append(sinks, s)
	}

	return sink.Multi(logger, sinks...), q, nil
}

// HealthStatus is the payload returned by the /healthz endpoint.
type HealthStatus struct {
	Status      string  `json:"status"`
	UptimeS     float64 `json:"uptime_s"`
	Handles     int     `json:"handles"`
	Batches     int64   `json:"batches"`
	LastBatchAt string  `json:"last_batch_at,omitempty"`
	SpoolDepth  int     `json:"spool_depth"`
}

// Health returns a snapshot of the current agent state. Status is
// "starting" until Run has begun and "stopped" after it returns.
func (a *Agent) Health() HealthStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()

	h := HealthStatus{Status: "ok"}
	switch {
	case a.startTime.IsZero():
		h.Status = "starting"
	case !a.running.Load():
		h.Status = "stopped"
	}
	if !a.startTime.IsZero() {
		h.UptimeS = time.Since(a.startTime).Seconds()
	}
	if w := a.watcher.Load(); w != nil {
		h.Handles = w.Handles()
	}
	h.Batches = a.batches
	if !a.lastBatchAt.IsZero() {
		h.LastBatchAt = a.lastBatchAt.UTC().Format(time.RFC3339)
	}
	if a.queue != nil {
		h.SpoolDepth = a.queue.Depth()
	}
	return h
}

// HealthzHandler responds with the agent's health status as JSON.
func (a *Agent) HealthzHandler(w http.ResponseWriter, r *http.Request) {
	h := a.Health()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(h); err != nil {
		a.logger.Warn("healthz: failed to encode response", slog.Any("error", err))
	}
}

// Router returns the agent's HTTP handler.
//
//	GET /healthz   health snapshot as JSON (never authenticated)
//	GET /metrics   Prometheus exposition (bearer token with WithAuth)
func (a *Agent) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.HealthzHandler)
	r.Group(func(r chi.Router) {
		if a.auth != nil {
			r.Use(BearerAuth(*a.auth, a.logger))
		}
		r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	})
	return r
}
