package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/ai-agent-runner/internal/domain"
)

// changePayload is the JSON shape delivered on the dashboard_events channel.
type changePayload struct {
	ConversationID string         `json:"conversation_id,omitempty"`
	JobID          string         `json:"job_id"`
	Type           string         `json:"type"`
	Data           map[string]any `json:"data,omitempty"`
}

// notifyTx emits the payload on the change channel inside tx. Callers keep
// payloads well under the 8000-byte NOTIFY limit by truncating summaries
// before they get here.
func notifyTx(ctx domain.Context, tx pgx.Tx, p changePayload) error {
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("op=notify.marshal: %w", err)
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, NotifyChannel, string(b)); err != nil {
		return fmt.Errorf("op=notify.send: %w", err)
	}
	return nil
}

const notifySummaryMax = 500

// insertEventTx appends one ledger event plus its notification inside tx.
// Caller-generated ULIDs make a retried append a no-op instead of a
// duplicate row. conversationID may be empty for jobs without a
// conversation; when set, the hub fans the envelope out to the conversation
// topic as well, so callers must pass the job's conversation id.
func insertEventTx(ctx domain.Context, tx pgx.Tx, e domain.Event, conversationID string) error {
	if e.ID == "" {
		e.ID = ulid.Make().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	params, err := json.Marshal(e.Params)
	if err != nil {
		return fmt.Errorf("op=event.marshal_params: %w", err)
	}
	result, err := json.Marshal(e.Result)
	if err != nil {
		return fmt.Errorf("op=event.marshal_result: %w", err)
	}
	var toolName *string
	if e.ToolName != "" {
		toolName = &e.ToolName
	}
	q := `INSERT INTO events (id, job_id, trace_id, kind, tool_name, summary, params, result, duration_ms, tokens_used, cost_cents, created_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	      ON CONFLICT (id) DO NOTHING`
	if _, err := tx.Exec(ctx, q, e.ID, e.JobID, e.TraceID, e.Kind, toolName, e.Summary, params, result, e.DurationMS, e.TokensUsed, e.CostCents, e.CreatedAt); err != nil {
		return fmt.Errorf("op=event.insert: %w", err)
	}
	summary := e.Summary
	if len(summary) > notifySummaryMax {
		summary = summary[:notifySummaryMax]
	}
	return notifyTx(ctx, tx, changePayload{
		ConversationID: conversationID,
		JobID:          e.JobID,
		Type:           "event",
		Data: map[string]any{
			"id":          e.ID,
			"kind":        string(e.Kind),
			"tool_name":   e.ToolName,
			"summary":     summary,
			"duration_ms": e.DurationMS,
			"tokens_used": e.TokensUsed,
			"cost_cents":  e.CostCents,
			"created_at":  e.CreatedAt.Format(time.RFC3339Nano),
		},
	})
}

// notifyStatusTx announces a job status change on the change channel.
func notifyStatusTx(ctx domain.Context, tx pgx.Tx, jobID, conversationID string, status domain.JobStatus) error {
	return notifyTx(ctx, tx, changePayload{
		ConversationID: conversationID,
		JobID:          jobID,
		Type:           "status",
		Data:           map[string]any{"status": string(status)},
	})
}
