package usecase

import (
	"fmt"
	"strings"

	"github.com/fairyhunter13/ai-agent-runner/internal/domain"
)

const maxMessageLen = 32000

// ConversationService groups jobs under a shared thread and stores the
// operator-visible messages exchanged around them.
type ConversationService struct {
	Convos domain.ConversationRepository
}

func NewConversationService(convos domain.ConversationRepository) ConversationService {
	return ConversationService{Convos: convos}
}

// Create opens a new conversation.
func (s ConversationService) Create(ctx domain.Context, title string) (domain.Conversation, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = "untitled"
	}
	id, err := s.Convos.Create(ctx, domain.Conversation{Title: title})
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("op=conversations.Create: %w", err)
	}
	c, err := s.Convos.Get(ctx, id)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("op=conversations.Create: read back: %w", err)
	}
	return c, nil
}

// Get fetches a conversation by id.
func (s ConversationService) Get(ctx domain.Context, id string) (domain.Conversation, error) {
	c, err := s.Convos.Get(ctx, id)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("op=conversations.Get: %w", err)
	}
	return c, nil
}

// AddMessage appends one message to a conversation.
func (s ConversationService) AddMessage(ctx domain.Context, conversationID string, role domain.MessageRole, content string) (domain.Message, error) {
	if conversationID == "" {
		return domain.Message{}, fmt.Errorf("op=conversations.AddMessage: %w: conversation id required", domain.ErrInvalidArgument)
	}
	switch role {
	case domain.RoleSystem, domain.RoleUser, domain.RoleAssistant, domain.RoleTool:
	default:
		return domain.Message{}, fmt.Errorf("op=conversations.AddMessage: %w: unknown role %q", domain.ErrInvalidArgument, role)
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return domain.Message{}, fmt.Errorf("op=conversations.AddMessage: %w: content required", domain.ErrInvalidArgument)
	}
	if len(content) > maxMessageLen {
		return domain.Message{}, fmt.Errorf("op=conversations.AddMessage: %w: content exceeds %d chars", domain.ErrInvalidArgument, maxMessageLen)
	}
	if _, err := s.Convos.Get(ctx, conversationID); err != nil {
		return domain.Message{}, fmt.Errorf("op=conversations.AddMessage: %w", err)
	}

	m := domain.Message{ConversationID: conversationID, Role: role, Content: content}
	id, err := s.Convos.InsertMessage(ctx, m)
	if err != nil {
		return domain.Message{}, fmt.Errorf("op=conversations.AddMessage: %w", err)
	}
	m.ID = id
	return m, nil
}

// ListMessages pages a conversation's messages in insertion order.
func (s ConversationService) ListMessages(ctx domain.Context, conversationID string, limit, offset int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	msgs, err := s.Convos.ListMessages(ctx, conversationID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("op=conversations.ListMessages: %w", err)
	}
	return msgs, nil
}
