// Command viva is the real-time oral-examination server. It terminates
// candidate WebSocket connections, conducts the examination through a
// streaming speech provider, and persists outcomes and transcripts to
// PostgreSQL.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/vivavoce/viva/internal/auth"
	"github.com/vivavoce/viva/internal/config"
	"github.com/vivavoce/viva/internal/exam"
	"github.com/vivavoce/viva/internal/gateway"
	"github.com/vivavoce/viva/internal/health"
	"github.com/vivavoce/viva/internal/observe"
	"github.com/vivavoce/viva/internal/store/postgres"
	"github.com/vivavoce/viva/pkg/provider/speech"
	geminilive "github.com/vivavoce/viva/pkg/provider/speech/gemini"
	oairealtime "github.com/vivavoce/viva/pkg/provider/speech/openai"
)

const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "viva: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "viva: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("viva starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"speech_backend", cfg.Speech.Backend,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "viva",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Storage ───────────────────────────────────────────────────────────────
	db, err := postgres.New(ctx, cfg.Database.URL)
	if err != nil {
		slog.Error("failed to connect to database", "err", err)
		return 1
	}
	defer db.Close()

	// ── Speech provider ───────────────────────────────────────────────────────
	provider, err := buildSpeechProvider(cfg.Speech)
	if err != nil {
		slog.Error("failed to build speech provider", "err", err)
		return 1
	}

	// ── Session core ──────────────────────────────────────────────────────────
	orch := exam.NewOrchestrator(exam.OrchestratorConfig{
		Provider:    provider,
		Exams:       db,
		Transcripts: db,
		Policy:      cfg.Session,
		Speech:      cfg.Speech,
		Metrics:     metrics,
	})
	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer)
	gate := exam.NewGatekeeper(orch, verifier)

	// ── HTTP routes ───────────────────────────────────────────────────────────
	checks := health.New(
		health.Checker{Name: "database", Check: db.Ping},
	).WithLiveSessions(orch.Registry().Len)

	mux := http.NewServeMux()
	// The exam endpoint hijacks the connection, so it stays outside the
	// metrics middleware.
	mux.Handle("GET /v1/exams/connect", gateway.New(gate, orch, cfg.Session.MaxChunkBytes))

	instrumented := http.NewServeMux()
	instrumented.Handle("GET /metrics", promhttp.Handler())
	checks.Register(instrumented)
	mux.Handle("/", observe.Middleware(metrics)(instrumented))

	srv := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: mux,
	}

	// ── Serve ─────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if cfg.Server.TLS != nil {
			err = srv.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, stopping…")

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Stop accepting, then tear down live sessions, then close the
		// listener. Live WebSockets are hijacked and end through the
		// orchestrator's teardown, not the HTTP server's.
		if err := orch.Shutdown(sctx); err != nil {
			slog.Warn("session shutdown error", "err", err)
		}
		return srv.Shutdown(sctx)
	})

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// buildSpeechProvider instantiates the configured examiner backend.
func buildSpeechProvider(cfg config.SpeechConfig) (speech.Provider, error) {
	switch cfg.Backend {
	case config.BackendOpenAIRealtime:
		var opts []oairealtime.Option
		if cfg.Model != "" {
			opts = append(opts, oairealtime.WithModel(cfg.Model))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, oairealtime.WithBaseURL(cfg.BaseURL))
		}
		if cfg.SetupTimeout > 0 {
			opts = append(opts, oairealtime.WithSetupTimeout(cfg.SetupTimeout))
		}
		return oairealtime.New(cfg.APIKey, opts...), nil
	case config.BackendGeminiLive:
		var opts []geminilive.Option
		if cfg.Model != "" {
			opts = append(opts, geminilive.WithModel(cfg.Model))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, geminilive.WithBaseURL(cfg.BaseURL))
		}
		if cfg.SetupTimeout > 0 {
			opts = append(opts, geminilive.WithSetupTimeout(cfg.SetupTimeout))
		}
		return geminilive.New(cfg.APIKey, opts...), nil
	default:
		return nil, fmt.Errorf("unknown speech backend %q", cfg.Backend)
	}
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
