// Command worker runs the agent worker pool: it claims queued jobs, drives
// the agent loop against the configured LLM provider, and sweeps stale
// claims back to the queue.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	ai "github.com/fairyhunter13/ai-agent-runner/internal/adapter/ai"
	airreal "github.com/fairyhunter13/ai-agent-runner/internal/adapter/ai/real"
	aistub "github.com/fairyhunter13/ai-agent-runner/internal/adapter/ai/stub"
	"github.com/fairyhunter13/ai-agent-runner/internal/adapter/observability"
	"github.com/fairyhunter13/ai-agent-runner/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/ai-agent-runner/internal/agent"
	"github.com/fairyhunter13/ai-agent-runner/internal/agent/tools"
	"github.com/fairyhunter13/ai-agent-runner/internal/app"
	"github.com/fairyhunter13/ai-agent-runner/internal/config"
	"github.com/fairyhunter13/ai-agent-runner/internal/domain"
	"github.com/fairyhunter13/ai-agent-runner/internal/service/ratelimiter"
	"github.com/fairyhunter13/ai-agent-runner/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		addr := ":9090"
		if cfg.WorkerMetricsPort > 0 {
			addr = ":" + strconv.Itoa(cfg.WorkerMetricsPort)
		}
		if err := http.ListenAndServe(addr, mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting worker", slog.String("env", cfg.AppEnv), slog.Any("modes", cfg.WorkerModes))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	jobRepo := postgres.NewJobRepo(pool)
	eventRepo := postgres.NewEventRepo(pool)

	llm := buildLLM(ctx, cfg, pool)

	policies := cfg.GetModePolicies()
	loop := &agent.Loop{
		Jobs:                     jobRepo,
		Events:                   eventRepo,
		LLM:                      llm,
		Tools:                    tools.DefaultRegistry(policies),
		Compressor:               agent.NewCompressor(agent.CompressorConfig{}),
		WorkerID:                 hostname(),
		MaxTokensPerTurn:         cfg.ChatMaxTokens,
		PromptCostCentsPer1M:     cfg.AIPromptCostCentsPer1M,
		CompletionCostCentsPer1M: cfg.AICompletionCostCentsPer1M,
	}
	runner := &worker.Runner{Cfg: cfg, Jobs: jobRepo, Events: eventRepo, Loop: loop, Log: logger}

	go app.NewStaleJobSweeper(jobRepo, cfg.EffectiveStaleThreshold(), cfg.SweepInterval).Run(ctx)

	if err := worker.NewPool(cfg, jobRepo, runner, logger).Run(ctx); err != nil {
		slog.Error("worker pool failed", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("worker stopped")
}

// buildLLM selects the provider and stacks the shared protections on it:
// Redis token bucket first, then the circuit breaker.
func buildLLM(ctx context.Context, cfg config.Config, pool *pgxpool.Pool) domain.LLMClient {
	var llm domain.LLMClient
	if cfg.AIProvider == "stub" {
		slog.Warn("using stub LLM provider; no external calls will be made")
		llm = aistub.New()
	} else {
		llm = airreal.New(cfg)
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid redis url", slog.Any("error", err))
			os.Exit(1)
		}
		rdb := redis.NewClient(opts)
		buckets := map[string]ratelimiter.BucketConfig{
			llmBucketKey(cfg): ratelimiter.NewBucketConfigFromPerMinute(cfg.LLMRatePerMin),
		}
		limiter := ratelimiter.NewRedisLuaLimiter(rdb, pool, buckets)
		if err := limiter.WarmFromPostgres(ctx); err != nil {
			slog.Warn("rate limit bucket warm failed", slog.Any("error", err))
		}
		llm = ai.NewRateLimited(llm, limiter, llmBucketKey(cfg))
	}

	return ai.NewBreaker(llm, cfg.ChatModel)
}

func llmBucketKey(cfg config.Config) string { return "llm:" + cfg.ChatModel }

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "worker"
	}
	return h
}

