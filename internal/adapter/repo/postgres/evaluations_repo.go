package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ai-agent-runner/internal/domain"
)

// EvaluationRepo stores the one-per-terminal-job score card.
type EvaluationRepo struct{ Pool PgxPool }

// NewEvaluationRepo constructs an EvaluationRepo with the given pool.
func NewEvaluationRepo(p PgxPool) *EvaluationRepo { return &EvaluationRepo{Pool: p} }

// Upsert writes or replaces the evaluation for a job.
func (r *EvaluationRepo) Upsert(ctx domain.Context, e domain.Evaluation) error {
	tracer := otel.Tracer("repo.evaluations")
	ctx, span := tracer.Start(ctx, "evaluations.Upsert")
	defer span.End()
	for name, v := range map[string]float64{"correctness": e.Correctness, "efficiency": e.Efficiency, "honesty": e.Honesty, "safety": e.Safety} {
		if v < 0 || v > 1 {
			return fmt.Errorf("op=evaluation.upsert: %w: %s out of [0,1]", domain.ErrInvalidArgument, name)
		}
	}
	flags, err := json.Marshal(e.Flags)
	if err != nil {
		return fmt.Errorf("op=evaluation.upsert: %w", err)
	}
	q := `INSERT INTO evaluations (job_id, correctness, efficiency, honesty, safety, flags, created_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7)
	      ON CONFLICT (job_id) DO UPDATE SET correctness=EXCLUDED.correctness, efficiency=EXCLUDED.efficiency,
	        honesty=EXCLUDED.honesty, safety=EXCLUDED.safety, flags=EXCLUDED.flags`
	if _, err := r.Pool.Exec(ctx, q, e.JobID, e.Correctness, e.Efficiency, e.Honesty, e.Safety, flags, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=evaluation.upsert: %w", err)
	}
	return nil
}

// GetByJobID loads a job's evaluation.
func (r *EvaluationRepo) GetByJobID(ctx domain.Context, jobID string) (domain.Evaluation, error) {
	tracer := otel.Tracer("repo.evaluations")
	ctx, span := tracer.Start(ctx, "evaluations.GetByJobID")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT job_id, correctness, efficiency, honesty, safety, flags, created_at FROM evaluations WHERE job_id=$1`, jobID)
	var e domain.Evaluation
	var flags []byte
	if err := row.Scan(&e.JobID, &e.Correctness, &e.Efficiency, &e.Honesty, &e.Safety, &flags, &e.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Evaluation{}, fmt.Errorf("op=evaluation.get: %w", domain.ErrNotFound)
		}
		return domain.Evaluation{}, fmt.Errorf("op=evaluation.get: %w", err)
	}
	if len(flags) > 0 {
		_ = json.Unmarshal(flags, &e.Flags)
	}
	return e, nil
}
