package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/ai-agent-runner/internal/adapter/bus"
	"github.com/fairyhunter13/ai-agent-runner/internal/domain"
)

// StaleJobSweeper returns claimed jobs with dead heartbeats to the queue.
// Any process may run it; RequeueStale is a single guarded UPDATE, so
// concurrent sweeps race harmlessly.
type StaleJobSweeper struct {
	jobs      domain.JobRepository
	staleness time.Duration
	interval  time.Duration
	hub       *bus.Hub
}

func NewStaleJobSweeper(jobs domain.JobRepository, staleness, interval time.Duration) *StaleJobSweeper {
	if jobs == nil {
		return nil
	}
	if staleness <= 0 {
		staleness = 30 * time.Second
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &StaleJobSweeper{jobs: jobs, staleness: staleness, interval: interval}
}

// AnnounceOn makes each sweep publish to the hub's global topics: a
// stale-requeue announcement on the health topic and a queue-depth
// snapshot on the metrics topic.
func (s *StaleJobSweeper) AnnounceOn(hub *bus.Hub) *StaleJobSweeper {
	if s != nil {
		s.hub = hub
	}
	return s
}

func (s *StaleJobSweeper) Run(ctx context.Context) {
	if s == nil || s.jobs == nil {
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("stale job sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *StaleJobSweeper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("jobs.sweeper")
	ctx, span := tracer.Start(ctx, "StaleJobSweeper.sweepOnce")
	defer span.End()
	span.SetAttributes(attribute.Float64("jobs.stale_after_seconds", s.staleness.Seconds()))

	n, err := s.jobs.RequeueStale(ctx, s.staleness)
	if err != nil {
		span.RecordError(err)
		slog.Error("stale job sweep failed", slog.Any("error", err))
		return
	}
	span.SetAttributes(attribute.Int("jobs.requeued", n))
	if n > 0 {
		slog.Warn("requeued stale jobs", slog.Int("count", n), slog.Duration("stale_after", s.staleness))
		if s.hub != nil {
			s.hub.PublishTo(bus.Envelope{
				Type: "stale_requeue",
				Data: map[string]any{"count": n, "stale_after_seconds": s.staleness.Seconds()},
			}, bus.TopicHealth)
		}
	}
	s.publishQueueDepth(ctx)
}

// publishQueueDepth snapshots job counts per status onto the metrics topic
// so dashboard subscribers see queue pressure without polling the API.
func (s *StaleJobSweeper) publishQueueDepth(ctx context.Context) {
	if s.hub == nil {
		return
	}
	counts, err := s.jobs.CountByStatus(ctx)
	if err != nil {
		slog.Error("queue depth snapshot failed", slog.Any("error", err))
		return
	}
	data := make(map[string]any, len(counts))
	for status, n := range counts {
		data[string(status)] = n
	}
	s.hub.PublishTo(bus.Envelope{Type: "queue_depth", Data: data}, bus.TopicMetrics)
}
