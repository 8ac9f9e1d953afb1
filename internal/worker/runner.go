// Package worker owns the claim-execute-finalize lifecycle: slots poll the
// queue, each claimed job gets a runner goroutine with its own deadline and
// heartbeat, and outcomes are finalized under the claim guard.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fairyhunter13/ai-agent-runner/internal/adapter/observability"
	"github.com/fairyhunter13/ai-agent-runner/internal/agent"
	"github.com/fairyhunter13/ai-agent-runner/internal/config"
	"github.com/fairyhunter13/ai-agent-runner/internal/domain"
	"github.com/oklog/ulid/v2"
)

// errStoreLost cancels a run when the store stayed unreachable for more than
// half the stale threshold: better to abort voluntarily than to keep working
// on a job the sweeper is about to hand to someone else.
var errStoreLost = errors.New("store unreachable")

// JobRunner is the slice of the agent loop the runner drives; *agent.Loop
// satisfies it and tests substitute scripted outcomes.
type JobRunner interface {
	Run(ctx context.Context, job domain.Job) (agent.Outcome, error)
}

// Runner executes one claimed job to completion.
type Runner struct {
	Cfg    config.Config
	Jobs   domain.JobRepository
	Events domain.EventRepository
	Loop   JobRunner
	Log    *slog.Logger
}

func (r *Runner) logger() *slog.Logger {
	if r.Log != nil {
		return r.Log
	}
	return slog.Default()
}

// Run drives a claimed job: deadline context, heartbeat loop, agent loop,
// finalize. It never returns an error; every path either finalizes the job
// or deliberately abandons it to the sweeper.
func (r *Runner) Run(ctx context.Context, workerID string, job domain.Job) {
	tracer := otel.Tracer("worker.runner")
	ctx, span := tracer.Start(ctx, "worker.runJob", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.mode", string(job.Mode)),
		attribute.String("worker.id", workerID),
	))
	defer span.End()

	log := r.logger().With(slog.String("job_id", job.ID), slog.String("worker_id", workerID))
	observability.ClaimJob(string(job.Mode))
	defer observability.ReleaseJob(string(job.Mode))

	// the deadline derives from the cap, not from wall-clock elapsed since
	// submission: a long queue wait does not eat the run budget
	timeCap := time.Duration(job.Caps.TimeCapS) * time.Second
	jctx, cancel := context.WithCancelCause(ctx)
	jctx, timeoutCancel := context.WithTimeout(jctx, timeCap)
	defer timeoutCancel()
	defer cancel(nil)

	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		r.heartbeat(jctx, cancel, workerID, job.ID, log)
	}()

	outcome, err := r.runLoop(jctx, job, log)
	cancel(nil)
	<-hbDone

	switch {
	case err == nil:
	case errors.Is(err, agent.ErrClaimLost):
		log.Warn("claim lost, abandoning job without finalize")
		return
	case errors.Is(err, errStoreLost):
		log.Error("store unreachable, abandoning job for the sweeper")
		return
	default:
		// drain or process shutdown: leave the claim for the sweeper unless
		// the loop already reached an outcome
		log.Warn("run interrupted, abandoning job", slog.Any("cause", err))
		return
	}

	if outcome.Status == domain.JobWaitingHuman {
		log.Info("job parked for human review", slog.Int("steps_used", outcome.Usage.Steps))
		return
	}
	r.finalize(ctx, workerID, job, outcome, log)
}

// runLoop adds the panic boundary around the agent loop. A panicking tool or
// model adapter fails the job as internal instead of killing the slot.
func (r *Runner) runLoop(ctx context.Context, job domain.Job, log *slog.Logger) (outcome agent.Outcome, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("job panicked",
				slog.Any("panic", rec),
				slog.String("stack", string(debug.Stack())))
			r.appendErrorEvent(ctx, job, fmt.Sprintf("panic: %v", rec))
			outcome = agent.Outcome{Status: domain.JobFailed, Reason: domain.ReasonInternal, Usage: job.Usage}
			err = nil
		}
	}()
	return r.Loop.Run(ctx, job)
}

// heartbeat renews the claim until the run context ends. A lost claim or a
// persistently dead store cancels the run with the matching cause.
func (r *Runner) heartbeat(ctx context.Context, cancel context.CancelCauseFunc, workerID, jobID string, log *slog.Logger) {
	interval := r.Cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	deadDeadline := r.Cfg.EffectiveStaleThreshold() / 2
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var unreachableSince time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		owned, err := r.Jobs.Heartbeat(ctx, jobID, workerID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if unreachableSince.IsZero() {
				unreachableSince = time.Now()
			}
			log.Warn("heartbeat failed", slog.Any("error", err), slog.Duration("unreachable_for", time.Since(unreachableSince)))
			if time.Since(unreachableSince) > deadDeadline {
				cancel(errStoreLost)
				return
			}
			continue
		}
		unreachableSince = time.Time{}
		if !owned {
			cancel(agent.ErrClaimLost)
			return
		}
	}
}

// finalize persists the outcome. It runs on a fresh context so a deadline or
// cancel that ended the run cannot also block the terminal write.
func (r *Runner) finalize(ctx context.Context, workerID string, job domain.Job, outcome agent.Outcome, log *slog.Logger) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()

	err := r.Jobs.Finalize(fctx, job.ID, workerID, outcome.Status, outcome.Usage, outcome.Reason)
	switch {
	case err == nil:
		observability.FinalizeJob(string(job.Mode), string(outcome.Status), outcome.Usage.Steps)
		log.Info("job finalized",
			slog.String("status", string(outcome.Status)),
			slog.String("reason", outcome.Reason),
			slog.Int("steps_used", outcome.Usage.Steps),
			slog.Int("tokens_used", outcome.Usage.Tokens))
	case errors.Is(err, domain.ErrConflict):
		log.Warn("claim lost at finalize, outcome discarded", slog.String("status", string(outcome.Status)))
	default:
		log.Error("finalize failed, job left for the sweeper", slog.Any("error", err))
	}
}

func (r *Runner) appendErrorEvent(ctx context.Context, job domain.Job, summary string) {
	ectx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	e := domain.Event{
		ID:      ulid.Make().String(),
		JobID:   job.ID,
		TraceID: job.TraceID,
		Kind:    domain.EventError,
		Summary: summary,
	}
	if err := r.Events.Append(ectx, e); err != nil {
		r.logger().Warn("error event append failed", slog.String("job_id", job.ID), slog.Any("error", err))
	}
}
