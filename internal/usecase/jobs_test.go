package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-agent-runner/internal/config"
	"github.com/fairyhunter13/ai-agent-runner/internal/domain"
)

type stubJobs struct {
	domain.JobRepository
	inserted    *domain.Job
	byID        map[string]domain.Job
	cancelState domain.JobStatus
	cancelErr   error
	listed      []domain.Job
}

func (s *stubJobs) Insert(_ context.Context, j domain.Job) (string, error) {
	j.ID = "job-1"
	s.inserted = &j
	if s.byID == nil {
		s.byID = map[string]domain.Job{}
	}
	s.byID[j.ID] = j
	return j.ID, nil
}

func (s *stubJobs) Get(_ context.Context, id string) (domain.Job, error) {
	j, ok := s.byID[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return j, nil
}

func (s *stubJobs) List(_ context.Context, f domain.JobFilter) ([]domain.Job, int, error) {
	if f.Limit < len(s.listed) {
		return s.listed[:f.Limit], len(s.listed), nil
	}
	return s.listed, len(s.listed), nil
}

func (s *stubJobs) RequestCancel(_ context.Context, _ string) (domain.JobStatus, error) {
	return s.cancelState, s.cancelErr
}

type stubEvents struct {
	domain.EventRepository
	last []domain.Event
}

func (s *stubEvents) ListLast(_ context.Context, _ string, _ int) ([]domain.Event, error) {
	return s.last, nil
}

type stubConvos struct {
	domain.ConversationRepository
	byID map[string]domain.Conversation
}

func (s *stubConvos) Get(_ context.Context, id string) (domain.Conversation, error) {
	c, ok := s.byID[id]
	if !ok {
		return domain.Conversation{}, domain.ErrNotFound
	}
	return c, nil
}

func newTestJobService(jobs *stubJobs, events *stubEvents, convos *stubConvos) JobService {
	cfg := config.Config{AppEnv: "test", HeartbeatInterval: 10 * time.Second, StaleThreshold: 30 * time.Second}
	return NewJobService(jobs, events, convos, config.DefaultModePolicies(), cfg)
}

func TestJobService_SubmitDefaultsToMechanicPolicy(t *testing.T) {
	t.Parallel()
	jobs := &stubJobs{}
	svc := newTestJobService(jobs, &stubEvents{}, &stubConvos{})

	created, err := svc.Submit(context.Background(), SubmitInput{Goal: "  fix the flaky test  "})
	require.NoError(t, err)
	require.NotNil(t, jobs.inserted)
	assert.Equal(t, "fix the flaky test", jobs.inserted.Goal)
	assert.Equal(t, domain.ModeMechanic, jobs.inserted.Mode)
	assert.Equal(t, domain.JobQueued, jobs.inserted.Status)
	assert.Equal(t, 20, jobs.inserted.Caps.StepCap)
	assert.Equal(t, 50000, jobs.inserted.Caps.TokenCap)
	assert.NotEmpty(t, jobs.inserted.TraceID)
	assert.Equal(t, "job-1", created.ID)
}

func TestJobService_SubmitCapOverrides(t *testing.T) {
	t.Parallel()
	jobs := &stubJobs{}
	svc := newTestJobService(jobs, &stubEvents{}, &stubConvos{})

	_, err := svc.Submit(context.Background(), SubmitInput{
		Goal: "g", Mode: "genius", StepCap: 7, TimeCapS: 120,
	})
	require.NoError(t, err)
	assert.Equal(t, 7, jobs.inserted.Caps.StepCap)
	assert.Equal(t, 120, jobs.inserted.Caps.TimeCapS)
	assert.Equal(t, 200000, jobs.inserted.Caps.TokenCap, "unset caps keep policy defaults")
}

func TestJobService_SubmitValidation(t *testing.T) {
	t.Parallel()
	svc := newTestJobService(&stubJobs{}, &stubEvents{}, &stubConvos{})

	_, err := svc.Submit(context.Background(), SubmitInput{Goal: "   "})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = svc.Submit(context.Background(), SubmitInput{Goal: "g", Mode: "wizard"})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = svc.Submit(context.Background(), SubmitInput{Goal: "g", ConversationID: "missing"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestJobService_SubmitLinksConversation(t *testing.T) {
	t.Parallel()
	jobs := &stubJobs{}
	convos := &stubConvos{byID: map[string]domain.Conversation{"c1": {ID: "c1"}}}
	svc := newTestJobService(jobs, &stubEvents{}, convos)

	_, err := svc.Submit(context.Background(), SubmitInput{Goal: "g", ConversationID: "c1"})
	require.NoError(t, err)
	require.NotNil(t, jobs.inserted.ConversationID)
	assert.Equal(t, "c1", *jobs.inserted.ConversationID)
}

func TestJobService_GetDerivesUptimeAndWorkerStatus(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	started := now.Add(-90 * time.Second)
	worker := "w1"

	mk := func(hbAge time.Duration) *stubJobs {
		hb := now.Add(-hbAge)
		return &stubJobs{byID: map[string]domain.Job{"j": {
			ID: "j", Status: domain.JobRunning,
			StartedAt: &started, AssignedTo: &worker, LastHeartbeatAt: &hb,
		}}}
	}

	tests := []struct {
		name  string
		hbAge time.Duration
		want  WorkerStatus
	}{
		{"fresh heartbeat", 5 * time.Second, WorkerHealthy},
		{"aging heartbeat", 25 * time.Second, WorkerDegraded},
		{"dead heartbeat", 2 * time.Minute, WorkerStale},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			svc := newTestJobService(mk(tc.hbAge), &stubEvents{last: []domain.Event{{ID: "e1"}}}, &stubConvos{})
			svc.now = func() time.Time { return now }

			detail, err := svc.Get(context.Background(), "j", 0)
			require.NoError(t, err)
			assert.Equal(t, int64(90), detail.UptimeS)
			assert.Equal(t, tc.want, detail.WorkerStatus)
			assert.Len(t, detail.Events, 1)
		})
	}
}

func TestJobService_GetUnclaimedJobHasNoWorker(t *testing.T) {
	t.Parallel()
	jobs := &stubJobs{byID: map[string]domain.Job{"j": {ID: "j", Status: domain.JobQueued}}}
	svc := newTestJobService(jobs, &stubEvents{}, &stubConvos{})

	detail, err := svc.Get(context.Background(), "j", 0)
	require.NoError(t, err)
	assert.Equal(t, WorkerNone, detail.WorkerStatus)
	assert.Zero(t, detail.UptimeS)
}

func TestJobService_ListClampsLimits(t *testing.T) {
	t.Parallel()
	listed := make([]domain.Job, 150)
	jobs := &stubJobs{listed: listed}
	svc := newTestJobService(jobs, &stubEvents{}, &stubConvos{})

	got, total, err := svc.List(context.Background(), domain.JobFilter{Limit: 500})
	require.NoError(t, err)
	assert.Equal(t, 150, total)
	assert.Len(t, got, maxListLimit)
}

func TestJobService_Cancel(t *testing.T) {
	t.Parallel()
	jobs := &stubJobs{cancelState: domain.JobRunning}
	svc := newTestJobService(jobs, &stubEvents{}, &stubConvos{})
	st, err := svc.Cancel(context.Background(), "j")
	require.NoError(t, err)
	assert.Equal(t, domain.JobRunning, st)

	jobs.cancelErr = domain.ErrConflict
	_, err = svc.Cancel(context.Background(), "j")
	assert.ErrorIs(t, err, domain.ErrConflict)
}
