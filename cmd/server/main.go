// Command server starts the agent runner HTTP API and stream gateway.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	httpserver "github.com/fairyhunter13/ai-agent-runner/internal/adapter/httpserver"
	"github.com/fairyhunter13/ai-agent-runner/internal/adapter/bus"
	"github.com/fairyhunter13/ai-agent-runner/internal/adapter/bus/pglisten"
	"github.com/fairyhunter13/ai-agent-runner/internal/adapter/firehose"
	"github.com/fairyhunter13/ai-agent-runner/internal/adapter/observability"
	"github.com/fairyhunter13/ai-agent-runner/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/ai-agent-runner/internal/app"
	"github.com/fairyhunter13/ai-agent-runner/internal/config"
	"github.com/fairyhunter13/ai-agent-runner/internal/usecase"
)

// redisPinger adapts *redis.Client to the readiness probe interface.
type redisPinger struct{ rdb *redis.Client }

func (r redisPinger) Ping(ctx context.Context) app.RedisPingResult { return r.rdb.Ping(ctx) }

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register all Prometheus metrics once per process so that /metrics
	// exposes HTTP, job and stream instrumentation.
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	if err := postgres.Migrate(ctx, pool); err != nil {
		slog.Error("migrations failed", slog.Any("error", err))
		os.Exit(1)
	}

	jobRepo := postgres.NewJobRepo(pool)
	eventRepo := postgres.NewEventRepo(pool)
	convoRepo := postgres.NewConversationRepo(pool)
	evalRepo := postgres.NewEvaluationRepo(pool)

	if cfg.SeedFile != "" {
		if err := seedFromYAML(ctx, jobRepo, convoRepo, cfg.SeedFile); err != nil {
			slog.Error("seed failed", slog.Any("error", err))
			os.Exit(1)
		}
	}

	// Change bus: local publishes plus the LISTEN relay share one hub so
	// stream subscribers see every worker's events regardless of process.
	hub := bus.NewHub()
	listener := pglisten.New(pool, hub)
	go func() {
		if err := listener.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("change listener stopped", slog.Any("error", err))
		}
	}()

	if cfg.FirehoseEnabled() {
		exp, err := firehose.New(cfg.FirehoseBrokers, cfg.FirehoseTopic)
		if err != nil {
			slog.Error("firehose init failed", slog.Any("error", err))
			os.Exit(1)
		}
		go exp.Run(ctx, hub)
	}

	if cfg.DataRetentionDays > 0 {
		cleanupSvc := postgres.NewCleanupService(pool, cfg.DataRetentionDays)
		go cleanupSvc.RunPeriodic(ctx, cfg.CleanupInterval)
		slog.Info("cleanup service started",
			slog.Int("retention_days", cfg.DataRetentionDays),
			slog.Duration("interval", cfg.CleanupInterval))
	}

	// Any process may sweep stale claims; running it here too covers
	// deployments with zero workers up.
	go app.NewStaleJobSweeper(jobRepo, cfg.EffectiveStaleThreshold(), cfg.SweepInterval).AnnounceOn(hub).Run(ctx)

	var redisCheck func(context.Context) error
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid redis url", slog.Any("error", err))
			os.Exit(1)
		}
		rdb := redis.NewClient(opts)
		defer func() { _ = rdb.Close() }()
		_, redisCheck = app.BuildReadinessChecks(pool, redisPinger{rdb})
	}
	dbCheck, _ := app.BuildReadinessChecks(pool, nil)

	policies := cfg.GetModePolicies()
	evalSvc := usecase.NewEvaluationService(evalRepo, jobRepo)
	evalSvc.Drift = observability.NewScoreDriftMonitor(cfg.ChatModel, 20, 0.15)
	evalSvc.Bus = hub
	srv := httpserver.NewServer(cfg,
		usecase.NewJobService(jobRepo, eventRepo, convoRepo, policies, cfg),
		usecase.NewConversationService(convoRepo),
		evalSvc,
		hub, dbCheck, redisCheck)

	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     handler,
		ReadTimeout: cfg.HTTPReadTimeout,
		// SSE streams outlive any fixed write timeout; the JSON routes carry
		// their own per-route timeout middleware instead.
		WriteTimeout:      0,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
