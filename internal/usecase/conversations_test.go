package usecase

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-agent-runner/internal/domain"
)

type memConvos struct {
	domain.ConversationRepository
	convos   map[string]domain.Conversation
	messages []domain.Message
}

func newMemConvos() *memConvos {
	return &memConvos{convos: map[string]domain.Conversation{}}
}

func (m *memConvos) Create(_ context.Context, c domain.Conversation) (string, error) {
	c.ID = "c-1"
	m.convos[c.ID] = c
	return c.ID, nil
}

func (m *memConvos) Get(_ context.Context, id string) (domain.Conversation, error) {
	c, ok := m.convos[id]
	if !ok {
		return domain.Conversation{}, domain.ErrNotFound
	}
	return c, nil
}

func (m *memConvos) InsertMessage(_ context.Context, msg domain.Message) (string, error) {
	msg.ID = "m-1"
	m.messages = append(m.messages, msg)
	return msg.ID, nil
}

func (m *memConvos) ListMessages(_ context.Context, _ string, limit, offset int) ([]domain.Message, error) {
	if offset >= len(m.messages) {
		return nil, nil
	}
	end := offset + limit
	if end > len(m.messages) {
		end = len(m.messages)
	}
	return m.messages[offset:end], nil
}

func TestConversationService_CreateDefaultsTitle(t *testing.T) {
	t.Parallel()
	svc := NewConversationService(newMemConvos())
	c, err := svc.Create(context.Background(), "   ")
	require.NoError(t, err)
	assert.Equal(t, "untitled", c.Title)
	assert.Equal(t, "c-1", c.ID)
}

func TestConversationService_AddMessage(t *testing.T) {
	t.Parallel()
	store := newMemConvos()
	svc := NewConversationService(store)
	c, err := svc.Create(context.Background(), "debugging session")
	require.NoError(t, err)

	m, err := svc.AddMessage(context.Background(), c.ID, domain.RoleUser, "why did job j1 fail?")
	require.NoError(t, err)
	assert.Equal(t, "m-1", m.ID)
	require.Len(t, store.messages, 1)
	assert.Equal(t, domain.RoleUser, store.messages[0].Role)

	_, err = svc.AddMessage(context.Background(), c.ID, "narrator", "x")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = svc.AddMessage(context.Background(), c.ID, domain.RoleUser, "  ")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = svc.AddMessage(context.Background(), "nope", domain.RoleUser, "hello")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

type memEvals struct {
	domain.EvaluationRepository
	byJob map[string]domain.Evaluation
}

func (m *memEvals) Upsert(_ context.Context, e domain.Evaluation) error {
	if m.byJob == nil {
		m.byJob = map[string]domain.Evaluation{}
	}
	m.byJob[e.JobID] = e
	return nil
}

func (m *memEvals) GetByJobID(_ context.Context, jobID string) (domain.Evaluation, error) {
	e, ok := m.byJob[jobID]
	if !ok {
		return domain.Evaluation{}, domain.ErrNotFound
	}
	return e, nil
}

func TestEvaluationService_RecordRequiresTerminalJob(t *testing.T) {
	t.Parallel()
	jobs := &stubJobs{byID: map[string]domain.Job{
		"done":    {ID: "done", Status: domain.JobSucceeded},
		"running": {ID: "running", Status: domain.JobRunning},
	}}
	svc := NewEvaluationService(&memEvals{}, jobs)

	err := svc.Record(context.Background(), domain.Evaluation{JobID: "done", Correctness: 0.9})
	require.NoError(t, err)
	got, err := svc.Get(context.Background(), "done")
	require.NoError(t, err)
	assert.InDelta(t, 0.9, got.Correctness, 1e-9)

	err = svc.Record(context.Background(), domain.Evaluation{JobID: "running"})
	assert.ErrorIs(t, err, domain.ErrConflict)

	err = svc.Record(context.Background(), domain.Evaluation{JobID: "ghost"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
