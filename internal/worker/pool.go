package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/ai-agent-runner/internal/config"
	"github.com/fairyhunter13/ai-agent-runner/internal/domain"
)

// Pool runs the acquisition loops: one slot goroutine per unit of configured
// concurrency, each claiming and running at most one job at a time. Mechanic
// and genius slots poll independently so a burst of genius work cannot starve
// the mechanic lane.
type Pool struct {
	Cfg    config.Config
	Jobs   domain.JobRepository
	Runner *Runner
	Log    *slog.Logger

	baseID string
}

func NewPool(cfg config.Config, jobs domain.JobRepository, runner *Runner, log *slog.Logger) *Pool {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return &Pool{
		Cfg:    cfg,
		Jobs:   jobs,
		Runner: runner,
		Log:    log,
		baseID: fmt.Sprintf("%s-%s", host, uuid.New().String()[:8]),
	}
}

func (p *Pool) logger() *slog.Logger {
	if p.Log != nil {
		return p.Log
	}
	return slog.Default()
}

// slots expands the configured modes into per-slot worker identities.
func (p *Pool) slots() []struct {
	id   string
	mode domain.JobMode
} {
	var out []struct {
		id   string
		mode domain.JobMode
	}
	add := func(mode domain.JobMode, n int) {
		for i := 0; i < n; i++ {
			out = append(out, struct {
				id   string
				mode domain.JobMode
			}{fmt.Sprintf("%s-%s-%d", p.baseID, mode, i), mode})
		}
	}
	for _, m := range p.Cfg.WorkerModes {
		switch domain.JobMode(m) {
		case domain.ModeMechanic:
			add(domain.ModeMechanic, max(1, p.Cfg.MechanicConcurrency))
		case domain.ModeGenius:
			add(domain.ModeGenius, max(1, p.Cfg.GeniusConcurrency))
		default:
			p.logger().Warn("unknown worker mode ignored", slog.String("mode", m))
		}
	}
	return out
}

// Run blocks until ctx is cancelled, then drains: acquisition stops at once,
// in-flight jobs get up to DrainTimeout to reach a suspension point, and
// stragglers are abandoned for the sweeper.
func (p *Pool) Run(ctx context.Context) error {
	slots := p.slots()
	if len(slots) == 0 {
		return fmt.Errorf("op=worker.pool: no worker slots configured")
	}
	p.logger().Info("worker pool starting",
		slog.Int("slots", len(slots)),
		slog.Duration("poll_interval", p.Cfg.PollInterval))

	// jobs keep running on runCtx through the drain window after ctx ends
	runCtx, cancelRun := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelRun()

	var wg sync.WaitGroup
	for _, s := range slots {
		wg.Add(1)
		go func(workerID string, mode domain.JobMode) {
			defer wg.Done()
			p.acquireLoop(ctx, runCtx, workerID, mode)
		}(s.id, s.mode)
	}

	<-ctx.Done()
	p.logger().Info("worker pool draining", slog.Duration("timeout", p.Cfg.DrainTimeout))

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger().Info("worker pool drained")
	case <-time.After(p.Cfg.DrainTimeout):
		p.logger().Warn("drain timeout, abandoning in-flight jobs to the sweeper")
		cancelRun()
		<-done
	}
	return nil
}

// acquireLoop claims at most one job at a time for its slot. acqCtx gates
// acquisition (cancelled on SIGTERM), runCtx gates execution (survives into
// the drain window).
func (p *Pool) acquireLoop(acqCtx, runCtx context.Context, workerID string, mode domain.JobMode) {
	poll := p.Cfg.PollInterval
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	log := p.logger().With(slog.String("worker_id", workerID), slog.String("mode", string(mode)))

	for {
		if acqCtx.Err() != nil {
			return
		}
		job, err := p.Jobs.ClaimNext(acqCtx, workerID, []domain.JobMode{mode})
		if err != nil {
			if acqCtx.Err() != nil {
				return
			}
			log.Warn("claim failed", slog.Any("error", err))
			sleep(acqCtx, poll)
			continue
		}
		if job == nil {
			sleep(acqCtx, poll)
			continue
		}
		log.Info("job claimed", slog.String("job_id", job.ID), slog.Int("priority", job.Priority))
		p.Runner.Run(runCtx, workerID, *job)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
