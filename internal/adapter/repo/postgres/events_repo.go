package postgres

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ai-agent-runner/internal/domain"
)

// EventRepo appends and reads the per-job ledger.
type EventRepo struct{ Pool PgxPool }

// NewEventRepo constructs an EventRepo with the given pool.
func NewEventRepo(p PgxPool) *EventRepo { return &EventRepo{Pool: p} }

const eventColumns = `id, job_id, trace_id, kind, COALESCE(tool_name,''), summary, params, result,
	duration_ms, tokens_used, cost_cents, created_at`

func scanEvent(row pgx.Row) (domain.Event, error) {
	var e domain.Event
	var params, result []byte
	err := row.Scan(&e.ID, &e.JobID, &e.TraceID, &e.Kind, &e.ToolName, &e.Summary,
		&params, &result, &e.DurationMS, &e.TokensUsed, &e.CostCents, &e.CreatedAt)
	if err != nil {
		return domain.Event{}, err
	}
	if len(params) > 0 {
		_ = json.Unmarshal(params, &e.Params)
	}
	if len(result) > 0 {
		_ = json.Unmarshal(result, &e.Result)
	}
	return e, nil
}

// Append inserts one ledger event and its change notification in a single
// transaction, so no subscriber can observe the notification before the row.
func (r *EventRepo) Append(ctx domain.Context, e domain.Event) error {
	tracer := otel.Tracer("repo.events")
	ctx, span := tracer.Start(ctx, "events.Append")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=event.append: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	// The notification needs the job's conversation id so conversation
	// subscribers see ledger events, not just status changes.
	var convID *string
	if err := tx.QueryRow(ctx, `SELECT conversation_id FROM jobs WHERE id=$1`, e.JobID).Scan(&convID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("op=event.append: %w: job %s", domain.ErrNotFound, e.JobID)
		}
		return fmt.Errorf("op=event.append: %w", err)
	}
	cid := ""
	if convID != nil {
		cid = *convID
	}
	if err := insertEventTx(ctx, tx, e, cid); err != nil {
		return fmt.Errorf("op=event.append: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=event.append: %w", err)
	}
	return nil
}

// ListByJob pages events for a job in (created_at, id) order, starting after
// afterID when non-empty.
func (r *EventRepo) ListByJob(ctx domain.Context, jobID, afterID string, limit int) ([]domain.Event, error) {
	tracer := otel.Tracer("repo.events")
	ctx, span := tracer.Start(ctx, "events.ListByJob")
	defer span.End()

	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var rows pgx.Rows
	var err error
	if afterID == "" {
		q := `SELECT ` + eventColumns + ` FROM events WHERE job_id=$1 ORDER BY created_at ASC, id ASC LIMIT $2`
		rows, err = r.Pool.Query(ctx, q, jobID, limit)
	} else {
		q := `SELECT ` + eventColumns + ` FROM events
		      WHERE job_id=$1 AND (created_at, id) > (SELECT created_at, id FROM events WHERE id=$2)
		      ORDER BY created_at ASC, id ASC LIMIT $3`
		rows, err = r.Pool.Query(ctx, q, jobID, afterID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("op=event.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("op=event.list: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=event.list: %w", err)
	}
	return out, nil
}

// ListLast returns the most recent n events for a job in ascending order.
func (r *EventRepo) ListLast(ctx domain.Context, jobID string, n int) ([]domain.Event, error) {
	tracer := otel.Tracer("repo.events")
	ctx, span := tracer.Start(ctx, "events.ListLast")
	defer span.End()

	if n <= 0 || n > 1000 {
		n = 100
	}
	q := `SELECT * FROM (
	        SELECT ` + eventColumns + ` FROM events WHERE job_id=$1 ORDER BY created_at DESC, id DESC LIMIT $2
	      ) last ORDER BY created_at ASC, id ASC`
	rows, err := r.Pool.Query(ctx, q, jobID, n)
	if err != nil {
		return nil, fmt.Errorf("op=event.list_last: %w", err)
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("op=event.list_last: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=event.list_last: %w", err)
	}
	return out, nil
}
