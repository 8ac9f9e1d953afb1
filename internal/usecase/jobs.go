// Package usecase contains application business logic services.
package usecase

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/fairyhunter13/ai-agent-runner/internal/adapter/observability"
	"github.com/fairyhunter13/ai-agent-runner/internal/config"
	"github.com/fairyhunter13/ai-agent-runner/internal/domain"
)

// ReadinessCheck represents a single readiness probe result used by handlers.
type ReadinessCheck struct {
	Name    string `json:"name"`
	OK      bool   `json:"ok"`
	Details string `json:"details"`
}

const (
	maxGoalLen     = 8000
	defaultLimit   = 20
	maxListLimit   = 100
	maxEventsLimit = 1000
)

// WorkerStatus is the liveness of a job's claim, derived from heartbeat age.
type WorkerStatus string

const (
	WorkerNone     WorkerStatus = "none"
	WorkerHealthy  WorkerStatus = "healthy"
	WorkerDegraded WorkerStatus = "degraded"
	WorkerStale    WorkerStatus = "stale"
)

// JobService orchestrates submission, querying and cancellation of jobs.
type JobService struct {
	Jobs     domain.JobRepository
	Events   domain.EventRepository
	Convos   domain.ConversationRepository
	Policies config.ModePolicies

	HeartbeatInterval time.Duration
	StaleThreshold    time.Duration

	now func() time.Time
}

// NewJobService constructs a JobService with its dependencies.
func NewJobService(jobs domain.JobRepository, events domain.EventRepository, convos domain.ConversationRepository, policies config.ModePolicies, cfg config.Config) JobService {
	return JobService{
		Jobs:              jobs,
		Events:            events,
		Convos:            convos,
		Policies:          policies,
		HeartbeatInterval: cfg.HeartbeatInterval,
		StaleThreshold:    cfg.EffectiveStaleThreshold(),
		now:               time.Now,
	}
}

// SubmitInput is the submission surface. Zero cap fields take the mode's
// policy defaults; explicit values override them.
type SubmitInput struct {
	Goal           string
	Mode           string
	AgentKind      string
	RepoPath       string
	ConversationID string
	Priority       int
	StepCap        int
	TokenCap       int
	CostCapCents   int
	TimeCapS       int
	CreatedBy      string
}

// Submit validates the input and enqueues a job.
func (s JobService) Submit(ctx domain.Context, in SubmitInput) (domain.Job, error) {
	goal := strings.TrimSpace(in.Goal)
	if goal == "" {
		return domain.Job{}, fmt.Errorf("op=jobs.Submit: %w: goal required", domain.ErrInvalidArgument)
	}
	if len(goal) > maxGoalLen {
		return domain.Job{}, fmt.Errorf("op=jobs.Submit: %w: goal exceeds %d chars", domain.ErrInvalidArgument, maxGoalLen)
	}

	mode := domain.JobMode(in.Mode)
	if in.Mode == "" {
		mode = domain.ModeMechanic
	}
	if !mode.Valid() {
		return domain.Job{}, fmt.Errorf("op=jobs.Submit: %w: unknown mode %q", domain.ErrInvalidArgument, in.Mode)
	}

	caps := s.Policies.CapsFor(mode)
	if in.StepCap > 0 {
		caps.StepCap = in.StepCap
	}
	if in.TokenCap > 0 {
		caps.TokenCap = in.TokenCap
	}
	if in.CostCapCents > 0 {
		caps.CostCapCents = in.CostCapCents
	}
	if in.TimeCapS > 0 {
		caps.TimeCapS = in.TimeCapS
	}

	var convoID *string
	if in.ConversationID != "" {
		if _, err := s.Convos.Get(ctx, in.ConversationID); err != nil {
			return domain.Job{}, fmt.Errorf("op=jobs.Submit: conversation %s: %w", in.ConversationID, err)
		}
		convoID = &in.ConversationID
	}

	j := domain.Job{
		Goal:           goal,
		Mode:           mode,
		AgentKind:      in.AgentKind,
		RepoPath:       in.RepoPath,
		ConversationID: convoID,
		Status:         domain.JobQueued,
		Caps:           caps,
		Priority:       in.Priority,
		CreatedBy:      in.CreatedBy,
		TraceID:        traceIDFrom(ctx),
	}
	id, err := s.Jobs.Insert(ctx, j)
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=jobs.Submit: %w", err)
	}
	observability.SubmitJob(string(mode))

	created, err := s.Jobs.Get(ctx, id)
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=jobs.Submit: read back: %w", err)
	}
	return created, nil
}

// JobDetail is the read model for a single job: the row, its recent ledger,
// and two derived fields the dashboard shows.
type JobDetail struct {
	Job          domain.Job
	Events       []domain.Event
	UptimeS      int64
	WorkerStatus WorkerStatus
}

// Get returns one job with its event tail.
func (s JobService) Get(ctx domain.Context, id string, eventLimit int) (JobDetail, error) {
	if eventLimit <= 0 || eventLimit > maxEventsLimit {
		eventLimit = 100
	}
	j, err := s.Jobs.Get(ctx, id)
	if err != nil {
		return JobDetail{}, fmt.Errorf("op=jobs.Get: %w", err)
	}
	events, err := s.Events.ListLast(ctx, id, eventLimit)
	if err != nil {
		return JobDetail{}, fmt.Errorf("op=jobs.Get: events: %w", err)
	}
	return JobDetail{
		Job:          j,
		Events:       events,
		UptimeS:      s.uptimeSeconds(j),
		WorkerStatus: s.workerStatus(j),
	}, nil
}

// List pages jobs with clamped limits.
func (s JobService) List(ctx domain.Context, f domain.JobFilter) ([]domain.Job, int, error) {
	if f.Limit <= 0 {
		f.Limit = defaultLimit
	}
	if f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	jobs, total, err := s.Jobs.List(ctx, f)
	if err != nil {
		return nil, 0, fmt.Errorf("op=jobs.List: %w", err)
	}
	return jobs, total, nil
}

// Cancel requests cancellation and reports the status the job held when the
// flag landed. The repo refuses terminal jobs with ErrConflict.
func (s JobService) Cancel(ctx domain.Context, id string) (domain.JobStatus, error) {
	st, err := s.Jobs.RequestCancel(ctx, id)
	if err != nil {
		return "", fmt.Errorf("op=jobs.Cancel: %w", err)
	}
	return st, nil
}

// uptimeSeconds is wall time between start and finish (or now, while the job
// still runs).
func (s JobService) uptimeSeconds(j domain.Job) int64 {
	if j.StartedAt == nil {
		return 0
	}
	end := s.now()
	if j.FinishedAt != nil {
		end = *j.FinishedAt
	}
	d := end.Sub(*j.StartedAt)
	if d < 0 {
		return 0
	}
	return int64(d.Seconds())
}

// workerStatus grades the claim's heartbeat: healthy within 2 intervals,
// degraded until the stale threshold, stale beyond it.
func (s JobService) workerStatus(j domain.Job) WorkerStatus {
	if j.AssignedTo == nil || j.LastHeartbeatAt == nil {
		return WorkerNone
	}
	age := s.now().Sub(*j.LastHeartbeatAt)
	switch {
	case age <= 2*s.HeartbeatInterval:
		return WorkerHealthy
	case age <= s.StaleThreshold:
		return WorkerDegraded
	default:
		return WorkerStale
	}
}

func traceIDFrom(ctx domain.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}
