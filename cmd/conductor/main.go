// Command conductor is the main entry point for the voice-agent conductor
// server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/voicestack/conductor/internal/app"
	"github.com/voicestack/conductor/internal/catalog"
	"github.com/voicestack/conductor/internal/config"
	"github.com/voicestack/conductor/internal/observe"
	"github.com/voicestack/conductor/pkg/provider/llm"
	"github.com/voicestack/conductor/pkg/provider/llm/anthropic"
	"github.com/voicestack/conductor/pkg/provider/llm/anyllm"
	"github.com/voicestack/conductor/pkg/provider/llm/openai"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ──────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "conductor: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "conductor: %v\n", err)
		}
		return 1
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(cfg.Server.LogLevel.Slog())
	logger := newLogger(logLevel)
	slog.SetDefault(logger)

	slog.Info("conductor starting",
		"config", *configPath,
		"listen_port", cfg.Server.ListenPort,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Observability ───────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "conductor"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Provider registry ────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	primary, err := reg.Create(cfg.Provider)
	if err != nil {
		slog.Error("failed to build provider", "selector", cfg.Provider.Selector, "err", err)
		return 1
	}

	var fallback llm.ModelProvider
	if cfg.Resilience.Fallback != nil {
		fallback, err = reg.Create(*cfg.Resilience.Fallback)
		if err != nil {
			slog.Error("failed to build fallback provider", "selector", cfg.Resilience.Fallback.Selector, "err", err)
			return 1
		}
	}

	// ── Application wiring ───────────────────────────────────────────────────
	application, err := app.New(cfg, primary, fallback,
		app.WithLogger(logger),
		app.WithMetrics(metrics),
		app.WithHTTPMiddleware(observe.Middleware(metrics)),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	watcher, err := config.NewWatcher(*configPath, reloadHandler(application, reg, logLevel))
	if err != nil {
		slog.Error("failed to start config watcher", "err", err)
		return 1
	}
	defer watcher.Stop()

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ──────────────────────────────────────────────────────────

// registerBuiltinProviders registers the factory for every ModelProvider
// backend the conductor ships with. Selectors not registered here (e.g.
// "bedrock") are schema-valid but fail at construction with
// [config.ErrProviderNotRegistered].
func registerBuiltinProviders(reg *config.Registry) {
	reg.Register("anthropic", func(e config.ProviderEntry) (llm.ModelProvider, error) {
		return anthropic.NewFromAPIKey(e.APICredential, anthropic.Options{
			Model:           e.ModelID,
			SystemDirective: catalog.SystemDirective,
			MaxTokens:       e.MaxTokens,
			ChunkDelay:      time.Duration(e.PartialChunkDelayMS) * time.Millisecond,
		})
	})

	reg.Register("openai", func(e config.ProviderEntry) (llm.ModelProvider, error) {
		var opts []openai.Option
		if e.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(e.BaseURL))
		}
		return openai.New(e.APICredential, e.ModelID, catalog.SystemDirective, opts...)
	})

	reg.Register("anyllm", func(e config.ProviderEntry) (llm.ModelProvider, error) {
		_, backend, _ := strings.Cut(e.Selector, ":")
		if backend == "" {
			return nil, fmt.Errorf("anyllm selector %q is missing a backend, e.g. \"anyllm:ollama\"", e.Selector)
		}
		var opts []anyllmlib.Option
		if e.APICredential != "" {
			opts = append(opts, anyllmlib.WithAPIKey(e.APICredential))
		}
		return anyllm.New(backend, e.ModelID, catalog.SystemDirective, llm.ModelCapabilities{}, opts...)
	})
}

// ── Config hot-reload ────────────────────────────────────────────────────────

// reloadHandler builds the [config.Watcher] callback that applies the
// subset of config changes that are safe without a restart: log level,
// per-session rate limit, and provider selector (rebuilt through reg and
// hot-swapped into application). Listen ports, event/turn bounds, and
// circuit breaker tuning are not diffed by [config.Diff] and so never
// reach here; changing those still requires a restart.
func reloadHandler(application *app.App, reg *config.Registry, logLevel *slog.LevelVar) func(old, new *config.Config) {
	return func(old, new *config.Config) {
		d := config.Diff(old, new)

		if d.LogLevelChanged {
			logLevel.Set(d.NewLogLevel.Slog())
			slog.Info("config reload: log level changed", "level", d.NewLogLevel)
		}

		if d.RateLimitChanged {
			application.SetRateLimit(d.NewRateLimit)
			slog.Info("config reload: rate limit changed", "per_minute", d.NewRateLimit)
		}

		if d.ProviderChanged {
			p, err := reg.Create(new.Provider)
			if err != nil {
				slog.Error("config reload: failed to build new provider, keeping previous one", "selector", new.Provider.Selector, "err", err)
				return
			}
			application.SetProvider(p)
			slog.Info("config reload: provider changed", "selector", new.Provider.Selector)
		}
	}
}

// ── Logger ───────────────────────────────────────────────────────────────────

func newLogger(level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
