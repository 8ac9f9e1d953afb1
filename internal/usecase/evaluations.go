package usecase

import (
	"fmt"

	"github.com/fairyhunter13/ai-agent-runner/internal/adapter/bus"
	"github.com/fairyhunter13/ai-agent-runner/internal/adapter/observability"
	"github.com/fairyhunter13/ai-agent-runner/internal/domain"
)

// EvaluationService records and serves post-run scorecards for terminal jobs.
type EvaluationService struct {
	Evals domain.EvaluationRepository
	Jobs  domain.JobRepository
	// Drift, when set, tracks per-axis score averages against a baseline so
	// prompt or model regressions show up in logs and metrics.
	Drift *observability.ScoreDriftMonitor
	// Bus, when set, receives each recorded scorecard on the insights topic
	// and drift warnings on the alerts topic.
	Bus *bus.Hub
}

func NewEvaluationService(evals domain.EvaluationRepository, jobs domain.JobRepository) EvaluationService {
	return EvaluationService{Evals: evals, Jobs: jobs}
}

// Record upserts a scorecard. Only terminal jobs can be scored; scoring a
// running job would race its own finalize.
func (s EvaluationService) Record(ctx domain.Context, e domain.Evaluation) error {
	j, err := s.Jobs.Get(ctx, e.JobID)
	if err != nil {
		return fmt.Errorf("op=evaluations.Record: %w", err)
	}
	if !j.Status.Terminal() {
		return fmt.Errorf("op=evaluations.Record: %w: job %s is %s", domain.ErrConflict, e.JobID, j.Status)
	}
	if err := s.Evals.Upsert(ctx, e); err != nil {
		return fmt.Errorf("op=evaluations.Record: %w", err)
	}
	observability.ObserveEvaluation(e.Correctness, e.Efficiency, e.Honesty, e.Safety)
	if s.Bus != nil {
		s.Bus.PublishTo(bus.Envelope{
			JobID: e.JobID,
			Type:  "evaluation",
			Data: map[string]any{
				"correctness": e.Correctness,
				"efficiency":  e.Efficiency,
				"honesty":     e.Honesty,
				"safety":      e.Safety,
			},
		}, bus.TopicInsights)
	}
	if s.Drift != nil {
		axes := map[string]float64{
			"correctness": e.Correctness,
			"efficiency":  e.Efficiency,
			"honesty":     e.Honesty,
			"safety":      e.Safety,
		}
		for axis, score := range axes {
			drift, drifted := s.Drift.RecordScore(axis, score)
			if drifted && s.Bus != nil {
				s.Bus.PublishTo(bus.Envelope{
					JobID: e.JobID,
					Type:  "score_drift",
					Data:  map[string]any{"axis": axis, "drift": drift},
				}, bus.TopicAlerts)
			}
		}
	}
	return nil
}

// Get fetches the scorecard for a job.
func (s EvaluationService) Get(ctx domain.Context, jobID string) (domain.Evaluation, error) {
	e, err := s.Evals.GetByJobID(ctx, jobID)
	if err != nil {
		return domain.Evaluation{}, fmt.Errorf("op=evaluations.Get: %w", err)
	}
	return e, nil
}
