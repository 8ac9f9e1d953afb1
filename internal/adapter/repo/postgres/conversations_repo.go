package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ai-agent-runner/internal/domain"
)

// ConversationRepo persists conversations and their insertion-ordered,
// immutable messages.
type ConversationRepo struct{ Pool PgxPool }

// NewConversationRepo constructs a ConversationRepo with the given pool.
func NewConversationRepo(p PgxPool) *ConversationRepo { return &ConversationRepo{Pool: p} }

// Create stores a new conversation and returns its id.
func (r *ConversationRepo) Create(ctx domain.Context, c domain.Conversation) (string, error) {
	tracer := otel.Tracer("repo.conversations")
	ctx, span := tracer.Start(ctx, "conversations.Create")
	defer span.End()
	id := c.ID
	if id == "" {
		id = uuid.New().String()
	}
	q := `INSERT INTO conversations (id, title, created_at) VALUES ($1,$2,$3)`
	if _, err := r.Pool.Exec(ctx, q, id, c.Title, time.Now().UTC()); err != nil {
		return "", fmt.Errorf("op=conversation.create: %w", err)
	}
	return id, nil
}

// Get loads a conversation by id.
func (r *ConversationRepo) Get(ctx domain.Context, id string) (domain.Conversation, error) {
	tracer := otel.Tracer("repo.conversations")
	ctx, span := tracer.Start(ctx, "conversations.Get")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT id, title, created_at FROM conversations WHERE id=$1`, id)
	var c domain.Conversation
	if err := row.Scan(&c.ID, &c.Title, &c.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Conversation{}, fmt.Errorf("op=conversation.get: %w", domain.ErrNotFound)
		}
		return domain.Conversation{}, fmt.Errorf("op=conversation.get: %w", err)
	}
	return c, nil
}

// InsertMessage appends one message. ULID ids keep insertion order stable
// under the (created_at, id) sort.
func (r *ConversationRepo) InsertMessage(ctx domain.Context, m domain.Message) (string, error) {
	tracer := otel.Tracer("repo.conversations")
	ctx, span := tracer.Start(ctx, "conversations.InsertMessage")
	defer span.End()
	id := m.ID
	if id == "" {
		id = ulid.Make().String()
	}
	q := `INSERT INTO messages (id, conversation_id, role, content, tool_call_id, created_at) VALUES ($1,$2,$3,$4,$5,$6)`
	if _, err := r.Pool.Exec(ctx, q, id, m.ConversationID, m.Role, m.Content, m.ToolCallID, time.Now().UTC()); err != nil {
		return "", fmt.Errorf("op=message.insert: %w", err)
	}
	return id, nil
}

// ListMessages pages a conversation's messages in insertion order.
func (r *ConversationRepo) ListMessages(ctx domain.Context, conversationID string, limit, offset int) ([]domain.Message, error) {
	tracer := otel.Tracer("repo.conversations")
	ctx, span := tracer.Start(ctx, "conversations.ListMessages")
	defer span.End()
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := `SELECT id, conversation_id, role, content, tool_call_id, created_at FROM messages
	      WHERE conversation_id=$1 ORDER BY created_at ASC, id ASC LIMIT $2 OFFSET $3`
	rows, err := r.Pool.Query(ctx, q, conversationID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("op=message.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Message
	for rows.Next() {
		var m domain.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.ToolCallID, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=message.list: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=message.list: %w", err)
	}
	return out, nil
}
