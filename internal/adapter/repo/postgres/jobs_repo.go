package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/ai-agent-runner/internal/domain"
)

// JobRepo persists and claims jobs from PostgreSQL using a minimal pgx pool.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

const jobColumns = `id, goal, mode, agent_kind, repo_path, conversation_id, status,
	step_cap, token_cap, cost_cap_cents, time_cap_s,
	steps_used, tokens_used, cost_used_cents, priority,
	created_at, started_at, finished_at, assigned_to, last_heartbeat_at,
	cancel_requested, created_by, trace_id, last_error`

func scanJob(row pgx.Row) (domain.Job, error) {
	var j domain.Job
	err := row.Scan(
		&j.ID, &j.Goal, &j.Mode, &j.AgentKind, &j.RepoPath, &j.ConversationID, &j.Status,
		&j.Caps.StepCap, &j.Caps.TokenCap, &j.Caps.CostCapCents, &j.Caps.TimeCapS,
		&j.Usage.Steps, &j.Usage.Tokens, &j.Usage.CostCents, &j.Priority,
		&j.CreatedAt, &j.StartedAt, &j.FinishedAt, &j.AssignedTo, &j.LastHeartbeatAt,
		&j.CancelRequested, &j.CreatedBy, &j.TraceID, &j.LastError,
	)
	return j, err
}

// Insert creates a new queued job and returns its id. Unset caps are filled
// from the mode defaults; the submitter may override any of them.
func (r *JobRepo) Insert(ctx domain.Context, j domain.Job) (string, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Insert")
	defer span.End()
	span.SetAttributes(attribute.String("db.sql.table", "jobs"))

	id := j.ID
	if id == "" {
		id = uuid.New().String()
	}
	if !j.Mode.Valid() {
		return "", fmt.Errorf("op=job.insert: %w: mode %q", domain.ErrInvalidArgument, j.Mode)
	}
	defaults := domain.DefaultCaps(j.Mode)
	if j.Caps.StepCap <= 0 {
		j.Caps.StepCap = defaults.StepCap
	}
	if j.Caps.TokenCap <= 0 {
		j.Caps.TokenCap = defaults.TokenCap
	}
	if j.Caps.CostCapCents <= 0 {
		j.Caps.CostCapCents = defaults.CostCapCents
	}
	if j.Caps.TimeCapS <= 0 {
		j.Caps.TimeCapS = defaults.TimeCapS
	}
	if j.AgentKind == "" {
		j.AgentKind = "coder"
	}
	if j.TraceID == "" {
		j.TraceID = uuid.New().String()
	}

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", fmt.Errorf("op=job.insert: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	q := `INSERT INTO jobs (id, goal, mode, agent_kind, repo_path, conversation_id, status,
	        step_cap, token_cap, cost_cap_cents, time_cap_s, priority, created_at, created_by, trace_id)
	      VALUES ($1,$2,$3,$4,$5,$6,'queued',$7,$8,$9,$10,$11,$12,$13,$14)`
	_, err = tx.Exec(ctx, q, id, j.Goal, j.Mode, j.AgentKind, j.RepoPath, j.ConversationID,
		j.Caps.StepCap, j.Caps.TokenCap, j.Caps.CostCapCents, j.Caps.TimeCapS,
		j.Priority, time.Now().UTC(), j.CreatedBy, j.TraceID)
	if err != nil {
		return "", fmt.Errorf("op=job.insert: %w", err)
	}
	convID := ""
	if j.ConversationID != nil {
		convID = *j.ConversationID
	}
	if err := notifyStatusTx(ctx, tx, id, convID, domain.JobQueued); err != nil {
		return "", fmt.Errorf("op=job.insert: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("op=job.insert: %w", err)
	}
	return id, nil
}

// Get loads a job by id.
func (r *JobRepo) Get(ctx domain.Context, id string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1`, id)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

// List pages jobs matching the filter, newest first, and returns the total
// match count for pagination.
func (r *JobRepo) List(ctx domain.Context, f domain.JobFilter) ([]domain.Job, int, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.List")
	defer span.End()

	where := ` WHERE 1=1`
	args := []any{}
	if f.Status != "" {
		args = append(args, f.Status)
		where += fmt.Sprintf(" AND status=$%d", len(args))
	}
	if f.ConversationID != "" {
		args = append(args, f.ConversationID)
		where += fmt.Sprintf(" AND conversation_id=$%d", len(args))
	}

	var total int
	if err := r.Pool.QueryRow(ctx, `SELECT count(*) FROM jobs`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("op=job.list: %w", err)
	}

	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	args = append(args, limit, f.Offset)
	q := `SELECT ` + jobColumns + ` FROM jobs` + where +
		fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))
	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("op=job.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("op=job.list: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("op=job.list: %w", err)
	}
	return out, total, nil
}

// ClaimNext atomically moves the best queued job matching modes to running
// and assigns it to workerID. The inner SELECT takes the row lock with SKIP
// LOCKED so concurrent claimers neither block on nor double-dispatch the
// same row; nil is returned when nothing is queued.
func (r *JobRepo) ClaimNext(ctx domain.Context, workerID string, modes []domain.JobMode) (*domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ClaimNext")
	defer span.End()
	span.SetAttributes(attribute.String("worker.id", workerID))

	if len(modes) == 0 {
		modes = []domain.JobMode{domain.ModeMechanic, domain.ModeGenius}
	}
	modeStrs := make([]string, 0, len(modes))
	for _, m := range modes {
		modeStrs = append(modeStrs, string(m))
	}

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("op=job.claim: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	q := `UPDATE jobs SET status='running', assigned_to=$1, started_at=now(), last_heartbeat_at=now()
	      WHERE id = (
	        SELECT id FROM jobs
	        WHERE status='queued' AND mode = ANY($2)
	        ORDER BY priority DESC, created_at ASC, id ASC
	        LIMIT 1
	        FOR UPDATE SKIP LOCKED
	      )
	      RETURNING ` + jobColumns
	j, err := scanJob(tx.QueryRow(ctx, q, workerID, modeStrs))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("op=job.claim: %w", err)
	}
	convID := ""
	if j.ConversationID != nil {
		convID = *j.ConversationID
	}
	if err := notifyStatusTx(ctx, tx, j.ID, convID, domain.JobRunning); err != nil {
		return nil, fmt.Errorf("op=job.claim: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("op=job.claim: %w", err)
	}
	return &j, nil
}

// Heartbeat refreshes the claim lease. A false return means the claim is
// gone (requeued, reassigned or terminal) and the worker must abandon the
// job without finalizing.
func (r *JobRepo) Heartbeat(ctx domain.Context, jobID, workerID string) (bool, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Heartbeat")
	defer span.End()
	q := `UPDATE jobs SET last_heartbeat_at=now()
	      WHERE id=$1 AND assigned_to=$2 AND status IN ('running','cancelling')`
	tag, err := r.Pool.Exec(ctx, q, jobID, workerID)
	if err != nil {
		return false, fmt.Errorf("op=job.heartbeat: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RequestCancel sets the cancel flag. Queued and waiting_human jobs abort
// immediately since no worker would ever observe the flag; an actively
// claimed job keeps its status until the owning worker observes it at a
// suspension point. Terminal jobs return ErrConflict.
func (r *JobRepo) RequestCancel(ctx domain.Context, jobID string) (domain.JobStatus, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.RequestCancel")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", fmt.Errorf("op=job.request_cancel: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var status domain.JobStatus
	var convID *string
	var traceID string
	row := tx.QueryRow(ctx, `SELECT status, conversation_id, trace_id FROM jobs WHERE id=$1 FOR UPDATE`, jobID)
	if err := row.Scan(&status, &convID, &traceID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("op=job.request_cancel: %w", domain.ErrNotFound)
		}
		return "", fmt.Errorf("op=job.request_cancel: %w", err)
	}
	if status.Terminal() {
		return status, fmt.Errorf("op=job.request_cancel: %w: job already %s", domain.ErrConflict, status)
	}

	cid := ""
	if convID != nil {
		cid = *convID
	}
	// Queued jobs have no worker yet and waiting_human jobs have no active
	// one, so neither would ever observe the flag. Both abort directly.
	if status == domain.JobQueued || status == domain.JobWaitingHuman {
		q := `UPDATE jobs SET status='aborted', cancel_requested=TRUE, finished_at=now(), last_error=$2,
		        assigned_to=NULL, last_heartbeat_at=NULL
		      WHERE id=$1`
		if _, err := tx.Exec(ctx, q, jobID, domain.ReasonUserCancel); err != nil {
			return "", fmt.Errorf("op=job.request_cancel: %w", err)
		}
		summary := "cancelled while queued"
		if status == domain.JobWaitingHuman {
			summary = "cancelled while waiting for human input"
		}
		ev := domain.Event{
			JobID:   jobID,
			TraceID: traceID,
			Kind:    domain.EventInfo,
			Summary: summary,
			Result:  map[string]any{"status": string(domain.JobAborted), "reason": domain.ReasonUserCancel},
		}
		if err := insertEventTx(ctx, tx, ev, cid); err != nil {
			return "", fmt.Errorf("op=job.request_cancel: %w", err)
		}
		if err := notifyStatusTx(ctx, tx, jobID, cid, domain.JobAborted); err != nil {
			return "", fmt.Errorf("op=job.request_cancel: %w", err)
		}
		status = domain.JobAborted
	} else {
		if _, err := tx.Exec(ctx, `UPDATE jobs SET cancel_requested=TRUE WHERE id=$1`, jobID); err != nil {
			return "", fmt.Errorf("op=job.request_cancel: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("op=job.request_cancel: %w", err)
	}
	return status, nil
}

// MarkCancelling records that the owning worker has observed the cancel flag
// and is unwinding. False means the claim was lost in the meantime.
func (r *JobRepo) MarkCancelling(ctx domain.Context, jobID, workerID string) (bool, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.MarkCancelling")
	defer span.End()
	q := `UPDATE jobs SET status='cancelling' WHERE id=$1 AND assigned_to=$2 AND status='running'`
	tag, err := r.Pool.Exec(ctx, q, jobID, workerID)
	if err != nil {
		return false, fmt.Errorf("op=job.mark_cancelling: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkWaitingHuman parks a running job for operator input. The claim fields
// stay set: the job still belongs to its worker.
func (r *JobRepo) MarkWaitingHuman(ctx domain.Context, jobID, workerID string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.MarkWaitingHuman")
	defer span.End()
	q := `UPDATE jobs SET status='waiting_human', last_heartbeat_at=now()
	      WHERE id=$1 AND assigned_to=$2 AND status IN ('running','cancelling')`
	tag, err := r.Pool.Exec(ctx, q, jobID, workerID)
	if err != nil {
		return fmt.Errorf("op=job.mark_waiting_human: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.mark_waiting_human: %w: claim lost", domain.ErrConflict)
	}
	return nil
}

// RequeueStale returns claimed jobs whose heartbeat is older than olderThan
// to the queue. Idempotent: a row requeued by a concurrent sweeper no longer
// matches the predicate.
func (r *JobRepo) RequeueStale(ctx domain.Context, olderThan time.Duration) (int, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.RequeueStale")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("op=job.requeue_stale: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// make_interval(secs) takes any duration; Go's Duration.String would
	// render sub-millisecond values in units Postgres does not parse.
	q := `UPDATE jobs SET status='queued', assigned_to=NULL, started_at=NULL, last_heartbeat_at=NULL
	      WHERE status IN ('running','cancelling') AND last_heartbeat_at < now() - make_interval(secs => $1)
	      RETURNING id, conversation_id, trace_id`
	rows, err := tx.Query(ctx, q, olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("op=job.requeue_stale: %w", err)
	}
	type requeued struct {
		id, traceID string
		convID      *string
	}
	var moved []requeued
	for rows.Next() {
		var m requeued
		if err := rows.Scan(&m.id, &m.convID, &m.traceID); err != nil {
			rows.Close()
			return 0, fmt.Errorf("op=job.requeue_stale: %w", err)
		}
		moved = append(moved, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("op=job.requeue_stale: %w", err)
	}

	for _, m := range moved {
		cid := ""
		if m.convID != nil {
			cid = *m.convID
		}
		ev := domain.Event{
			JobID:   m.id,
			TraceID: m.traceID,
			Kind:    domain.EventInfo,
			Summary: "worker lost, requeued",
		}
		if err := insertEventTx(ctx, tx, ev, cid); err != nil {
			return 0, fmt.Errorf("op=job.requeue_stale: %w", err)
		}
		if err := notifyStatusTx(ctx, tx, m.id, cid, domain.JobQueued); err != nil {
			return 0, fmt.Errorf("op=job.requeue_stale: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("op=job.requeue_stale: %w", err)
	}
	return len(moved), nil
}

// Finalize writes the terminal row update and the closing event in one
// transaction. The assigned_to predicate makes a worker that lost its claim
// fail with ErrConflict instead of overwriting another worker's run.
func (r *JobRepo) Finalize(ctx domain.Context, jobID, workerID string, status domain.JobStatus, usage domain.Usage, reason string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Finalize")
	defer span.End()
	span.SetAttributes(attribute.String("job.status", string(status)))

	if !status.Terminal() {
		return fmt.Errorf("op=job.finalize: %w: status %q not terminal", domain.ErrInvalidArgument, status)
	}

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=job.finalize: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	q := `UPDATE jobs SET status=$3, finished_at=now(),
	        steps_used=$4, tokens_used=$5, cost_used_cents=$6, last_error=$7,
	        assigned_to=NULL, last_heartbeat_at=NULL
	      WHERE id=$1 AND assigned_to=$2 AND status IN ('running','cancelling','waiting_human')
	      RETURNING conversation_id, trace_id`
	var convID *string
	var traceID string
	if err := tx.QueryRow(ctx, q, jobID, workerID, status, usage.Steps, usage.Tokens, usage.CostCents, reason).Scan(&convID, &traceID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("op=job.finalize: %w: claim lost", domain.ErrConflict)
		}
		return fmt.Errorf("op=job.finalize: %w", err)
	}

	cid := ""
	if convID != nil {
		cid = *convID
	}
	ev := domain.Event{
		JobID:      jobID,
		TraceID:    traceID,
		Kind:       domain.EventInfo,
		Summary:    "finalized: " + string(status),
		Result:     map[string]any{"status": string(status), "reason": reason},
		TokensUsed: usage.Tokens,
		CostCents:  usage.CostCents,
	}
	if err := insertEventTx(ctx, tx, ev, cid); err != nil {
		return fmt.Errorf("op=job.finalize: %w", err)
	}
	if err := notifyStatusTx(ctx, tx, jobID, cid, status); err != nil {
		return fmt.Errorf("op=job.finalize: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=job.finalize: %w", err)
	}
	return nil
}

// CountByStatus returns the queue depth per status for metrics and readiness.
func (r *JobRepo) CountByStatus(ctx domain.Context) (map[domain.JobStatus]int, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.CountByStatus")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT status, count(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("op=job.count_by_status: %w", err)
	}
	defer rows.Close()
	out := make(map[domain.JobStatus]int)
	for rows.Next() {
		var s domain.JobStatus
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, fmt.Errorf("op=job.count_by_status: %w", err)
		}
		out[s] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.count_by_status: %w", err)
	}
	return out, nil
}
