// Package app wires the conductor's subsystems into a running process.
//
// The App struct owns the full lifecycle: New creates and connects the
// session store, circuit breaker, conductor, and WebSocket multiplexer;
// Run starts the /ws listener (and, if configured, a separate metrics and
// health listener); Shutdown tears everything down in order.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voicestack/conductor/internal/config"
	"github.com/voicestack/conductor/internal/conductor"
	"github.com/voicestack/conductor/internal/health"
	"github.com/voicestack/conductor/internal/ratelimit"
	"github.com/voicestack/conductor/internal/resilience"
	"github.com/voicestack/conductor/internal/session"
	"github.com/voicestack/conductor/internal/wsmux"
	"github.com/voicestack/conductor/pkg/provider/llm"
)

// gaugePollInterval is how often Run polls the session store's size to
// refresh the active-session gauge.
const gaugePollInterval = 15 * time.Second

// Metrics is the union of the instrumentation hooks the conductor and
// multiplexer each depend on, plus the active-session gauge setter App
// itself drives. *observe.Metrics satisfies it; nil is valid and disables
// instrumentation entirely.
type Metrics interface {
	conductor.Metrics
	wsmux.Metrics
	SetActiveSessions(ctx context.Context, delta int64)
}

// App owns every subsystem wired from configuration and orchestrates their
// startup and shutdown.
type App struct {
	cfg     *config.Config
	store    *session.Store
	cond     *conductor.Conductor
	ws       *wsmux.Server
	health   *health.Handler
	metrics  Metrics
	logger   *slog.Logger
	provider *reloadableProvider

	httpMiddleware func(http.Handler) http.Handler

	metricsSrv *http.Server

	// closers are called in reverse order during Shutdown.
	closers []func(context.Context) error

	stopOnce sync.Once
}

// Option configures an [App] during construction.
type Option func(*App)

// WithMetrics attaches an instrumentation sink. Optional.
func WithMetrics(m Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogger overrides the default [slog.Default] logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.logger = l }
}

// WithHTTPMiddleware wraps every handler Run mounts (both the /ws listener
// and, when configured, the metrics/health listener) in mw. Callers that
// want request tracing (see [observe.Middleware]) supply it here rather
// than App importing observe directly, keeping the instrumentation
// dependency optional.
func WithHTTPMiddleware(mw func(http.Handler) http.Handler) Option {
	return func(a *App) { a.httpMiddleware = mw }
}

// New wires an App from cfg and a primary model provider. If cfg.Resilience.Fallback
// names a second provider entry, fallbackProvider must be the instance built
// for it (via the caller's [config.Registry]); pass nil when no fallback is
// configured.
func New(cfg *config.Config, primary llm.ModelProvider, fallbackProvider llm.ModelProvider, opts ...Option) (*App, error) {
	a := &App{
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}

	provider := primary
	if fallbackProvider != nil {
		cbCfg := resilience.CircuitBreakerConfig{
			Name:         "provider-fallback",
			MaxFailures:  cfg.Resilience.CircuitBreakerThreshold,
			ResetTimeout: time.Duration(cfg.Resilience.CircuitBreakerCooldownSeconds) * time.Second,
		}
		fb := resilience.NewLLMFallback(primary, "primary", resilience.FallbackConfig{CircuitBreaker: cbCfg})
		fb.AddFallback("fallback", fallbackProvider)
		provider = fb
	}
	a.provider = newReloadableProvider(provider)

	a.store = session.NewStore(session.StoreConfig{
		MaxTurns:           cfg.Server.MaxTurns,
		RateLimitPerMinute: cfg.Server.RateLimitPerMinute,
		NewLimiter: func(limit int, window time.Duration) session.RateLimiter {
			return ratelimit.New(limit, window)
		},
	})

	cbCfg := resilience.CircuitBreakerConfig{
		Name:         "conductor-provider",
		MaxFailures:  cfg.Resilience.CircuitBreakerThreshold,
		ResetTimeout: time.Duration(cfg.Resilience.CircuitBreakerCooldownSeconds) * time.Second,
	}

	condOpts := []conductor.Option{conductor.WithLogger(a.logger)}
	if cfg.Provider.MaxTokens > 0 {
		condOpts = append(condOpts, conductor.WithMaxTokens(cfg.Provider.MaxTokens))
	}
	if a.metrics != nil {
		condOpts = append(condOpts, conductor.WithMetrics(a.metrics))
	}
	a.cond = conductor.New(a.provider, a.store, cbCfg, condOpts...)

	wsOpts := []wsmux.Option{wsmux.WithLogger(a.logger)}
	if cfg.Server.MaxEventBytes > 0 {
		wsOpts = append(wsOpts, wsmux.WithMaxEventBytes(cfg.Server.MaxEventBytes))
	}
	if a.metrics != nil {
		wsOpts = append(wsOpts, wsmux.WithMetrics(a.metrics))
	}
	a.ws = wsmux.New(a.cond, a.store, wsOpts...)

	a.health = health.New(
		health.Checker{Name: "provider", Check: providerChecker(a.provider)},
		health.Checker{Name: "sessions", Check: func(context.Context) error { return nil }},
	)

	return a, nil
}

// providerChecker builds a readiness check that exercises the capabilities
// accessor, the cheapest call every ModelProvider implementation supports
// without making a network round-trip.
func providerChecker(p llm.ModelProvider) func(context.Context) error {
	return func(context.Context) error {
		if p == nil {
			return errors.New("no model provider configured")
		}
		_ = p.Capabilities()
		return nil
	}
}

// wrap applies the configured HTTP middleware to h, if any.
func (a *App) wrap(h http.Handler) http.Handler {
	if a.httpMiddleware == nil {
		return h
	}
	return a.httpMiddleware(h)
}

// Handler returns the HTTP handler for the /ws endpoint, for callers that
// want to mount it onto their own mux (e.g. alongside other routes) instead
// of using Run's listener.
func (a *App) Handler() http.Handler { return a.ws }

// Run starts the /ws listener on cfg.Server.ListenPort and, if
// cfg.Metrics.ListenAddr is set, a second HTTP server exposing /metrics,
// /healthz, and /readyz. It blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/ws", a.ws)
	wsSrv := &http.Server{Addr: fmt.Sprintf(":%d", a.cfg.Server.ListenPort), Handler: a.wrap(mux)}

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	// The listener goroutines are not waited on here: they return only once
	// Shutdown's closers stop their servers, which happens after Run returns.
	go func() {
		if err := wsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("ws listener: %w", err)
		}
	}()
	a.closers = append(a.closers, func(ctx context.Context) error { return wsSrv.Shutdown(ctx) })

	if a.cfg.Metrics.ListenAddr != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("GET /metrics", promhttp.Handler())
		a.health.Register(metricsMux)
		a.metricsSrv = &http.Server{Addr: a.cfg.Metrics.ListenAddr, Handler: a.wrap(metricsMux)}

		go func() {
			if err := a.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics listener: %w", err)
			}
		}()
		a.closers = append(a.closers, func(ctx context.Context) error { return a.metricsSrv.Shutdown(ctx) })
	}

	if a.metrics != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.pollActiveSessions(ctx)
		}()
	}

	a.closers = append(a.closers, func(ctx context.Context) error { return a.ws.Shutdown(ctx) })

	a.logger.Info("app running", "listen_port", a.cfg.Server.ListenPort, "metrics_addr", a.cfg.Metrics.ListenAddr)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		a.logger.Error("listener failed", "err", err)
	}

	wg.Wait()
	return ctx.Err()
}

// pollActiveSessions periodically reports the session store's size as the
// active-sessions gauge until ctx is cancelled.
func (a *App) pollActiveSessions(ctx context.Context) {
	ticker := time.NewTicker(gaugePollInterval)
	defer ticker.Stop()
	var last int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := int64(a.store.Len())
			a.metrics.SetActiveSessions(ctx, n-last)
			last = n
		}
	}
}

// SessionStore returns the session store backing this App. Primarily useful
// for tests and operational tooling.
func (a *App) SessionStore() *session.Store { return a.store }

// SetProvider swaps the active model provider without interrupting sessions
// already in flight. Intended for config-reload callers (see
// [config.Watcher]) reacting to a changed provider selector; the new
// provider takes effect on the next round any session generates.
func (a *App) SetProvider(p llm.ModelProvider) {
	a.provider.Swap(p)
}

// SetRateLimit updates the per-session admission cap applied to sessions
// created from this point on; existing sessions keep the limiter they were
// created with.
func (a *App) SetRateLimit(perMinute int) {
	a.store.SetRateLimit(perMinute)
}

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.logger.Info("shutting down", "closers", len(a.closers))
		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				a.logger.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](ctx); err != nil {
				a.logger.Warn("closer error", "index", i, "err", err)
			}
		}
		a.logger.Info("shutdown complete")
	})
	return shutdownErr
}
