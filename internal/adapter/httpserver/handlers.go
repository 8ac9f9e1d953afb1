// Package httpserver contains HTTP handlers and middleware.
//
// It exposes the REST surface for job submission, inspection and
// cancellation, conversation threads, evaluation scorecards and the SSE
// stream gateway. Handlers stay thin: validation and response shaping here,
// business rules in usecase.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/ai-agent-runner/internal/adapter/bus"
	"github.com/fairyhunter13/ai-agent-runner/internal/config"
	"github.com/fairyhunter13/ai-agent-runner/internal/domain"
	"github.com/fairyhunter13/ai-agent-runner/internal/usecase"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg    config.Config
	Jobs   usecase.JobService
	Convos usecase.ConversationService
	Evals  usecase.EvaluationService
	Hub    *bus.Hub

	DBCheck    func(ctx context.Context) error
	RedisCheck func(ctx context.Context) error
	// LLMOpen reports whether the LLM circuit breaker is open. Optional.
	LLMOpen func() bool
}

// NewServer constructs an HTTP server with all handlers and checks wired.
func NewServer(cfg config.Config, jobs usecase.JobService, convos usecase.ConversationService, evals usecase.EvaluationService, hub *bus.Hub, dbCheck, redisCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Jobs: jobs, Convos: convos, Evals: evals, Hub: hub, DBCheck: dbCheck, RedisCheck: redisCheck}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// acceptsJSON rejects requests that explicitly refuse JSON responses.
func acceptsJSON(w http.ResponseWriter, r *http.Request) bool {
	a := r.Header.Get("Accept")
	if a == "" || a == "*/*" || strings.Contains(a, "application/json") {
		return true
	}
	writeJSON(w, http.StatusNotAcceptable, errorEnvelope{Error: apiError{
		Code: "INVALID_ARGUMENT", Message: "not acceptable", Details: map[string]any{"accept": a},
	}})
	return false
}

func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	maxKB := s.Cfg.MaxBodyKB
	if maxKB <= 0 {
		maxKB = 512
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxKB*1024)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
		return false
	}
	if err := getValidator().Struct(dst); err != nil {
		verrs := map[string]string{}
		var ve validator.ValidationErrors
		if errors.As(err, &ve) {
			for _, fe := range ve {
				verrs[strings.ToLower(fe.Field())] = fe.Tag()
			}
		}
		writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), verrs)
		return false
	}
	return true
}

// capsView mirrors domain.Caps for JSON output.
type capsView struct {
	StepCap      int `json:"step_cap"`
	TokenCap     int `json:"token_cap"`
	CostCapCents int `json:"cost_cap_cents"`
	TimeCapS     int `json:"time_cap_s"`
}

type usageView struct {
	Steps     int `json:"steps"`
	Tokens    int `json:"tokens"`
	CostCents int `json:"cost_cents"`
}

type jobView struct {
	ID              string     `json:"id"`
	Goal            string     `json:"goal"`
	Mode            string     `json:"mode"`
	AgentKind       string     `json:"agent_kind,omitempty"`
	RepoPath        string     `json:"repo_path,omitempty"`
	ConversationID  *string    `json:"conversation_id,omitempty"`
	Status          string     `json:"status"`
	Caps            capsView   `json:"caps"`
	Usage           usageView  `json:"usage"`
	Priority        int        `json:"priority"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	AssignedTo      *string    `json:"assigned_to,omitempty"`
	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty"`
	CancelRequested bool       `json:"cancel_requested"`
	CreatedBy       string     `json:"created_by,omitempty"`
	TraceID         string     `json:"trace_id"`
	LastError       string     `json:"last_error,omitempty"`
}

func toJobView(j domain.Job) jobView {
	return jobView{
		ID:              j.ID,
		Goal:            j.Goal,
		Mode:            string(j.Mode),
		AgentKind:       j.AgentKind,
		RepoPath:        j.RepoPath,
		ConversationID:  j.ConversationID,
		Status:          string(j.Status),
		Caps:            capsView(j.Caps),
		Usage:           usageView(j.Usage),
		Priority:        j.Priority,
		CreatedAt:       j.CreatedAt,
		StartedAt:       j.StartedAt,
		FinishedAt:      j.FinishedAt,
		AssignedTo:      j.AssignedTo,
		LastHeartbeatAt: j.LastHeartbeatAt,
		CancelRequested: j.CancelRequested,
		CreatedBy:       j.CreatedBy,
		TraceID:         j.TraceID,
		LastError:       j.LastError,
	}
}

type eventView struct {
	ID         string         `json:"id"`
	JobID      string         `json:"job_id"`
	TraceID    string         `json:"trace_id,omitempty"`
	Kind       string         `json:"kind"`
	ToolName   string         `json:"tool_name,omitempty"`
	Summary    string         `json:"summary"`
	Params     map[string]any `json:"params,omitempty"`
	Result     map[string]any `json:"result,omitempty"`
	DurationMS int64          `json:"duration_ms,omitempty"`
	TokensUsed int            `json:"tokens_used,omitempty"`
	CostCents  int            `json:"cost_cents,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

func toEventViews(events []domain.Event) []eventView {
	out := make([]eventView, 0, len(events))
	for _, e := range events {
		out = append(out, eventView{
			ID: e.ID, JobID: e.JobID, TraceID: e.TraceID, Kind: string(e.Kind),
			ToolName: e.ToolName, Summary: e.Summary, Params: e.Params, Result: e.Result,
			DurationMS: e.DurationMS, TokensUsed: e.TokensUsed, CostCents: e.CostCents,
			CreatedAt: e.CreatedAt,
		})
	}
	return out
}

// SubmitJobHandler enqueues a job. 201 with the id and queued status.
func (s *Server) SubmitJobHandler() http.HandlerFunc {
	type request struct {
		Goal           string `json:"goal" validate:"required,max=8000"`
		Mode           string `json:"mode" validate:"omitempty,oneof=mechanic genius"`
		AgentKind      string `json:"agent_kind" validate:"omitempty,max=100"`
		RepoPath       string `json:"repo_path" validate:"omitempty,max=1024"`
		ConversationID string `json:"conversation_id" validate:"omitempty,max=100"`
		Priority       int    `json:"priority" validate:"omitempty,min=-100,max=100"`
		StepCap        int    `json:"step_cap" validate:"omitempty,min=1,max=10000"`
		TokenCap       int    `json:"token_cap" validate:"omitempty,min=1"`
		CostCapCents   int    `json:"cost_cap_cents" validate:"omitempty,min=1"`
		TimeCapS       int    `json:"time_cap_s" validate:"omitempty,min=1,max=86400"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(w, r) {
			return
		}
		var req request
		if !s.decodeJSON(w, r, &req) {
			return
		}
		job, err := s.Jobs.Submit(r.Context(), usecase.SubmitInput{
			Goal:           req.Goal,
			Mode:           req.Mode,
			AgentKind:      req.AgentKind,
			RepoPath:       req.RepoPath,
			ConversationID: req.ConversationID,
			Priority:       req.Priority,
			StepCap:        req.StepCap,
			TokenCap:       req.TokenCap,
			CostCapCents:   req.CostCapCents,
			TimeCapS:       req.TimeCapS,
			CreatedBy:      r.Header.Get("X-Client-Id"),
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"id": job.ID, "status": string(job.Status)})
	}
}

// ListJobsHandler pages jobs filtered by status and conversation.
func (s *Server) ListJobsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if st := q.Get("status"); st != "" {
			if res := ValidateStatus(st); !res.Valid {
				writeError(w, r, fmt.Errorf("%w: invalid status filter", domain.ErrInvalidArgument), res.Errors)
				return
			}
		}
		f := domain.JobFilter{
			Status:         domain.JobStatus(q.Get("status")),
			ConversationID: SanitizeJobID(q.Get("conversation_id")),
			Limit:          atoiOr(q.Get("limit"), 0),
			Offset:         atoiOr(q.Get("offset"), 0),
		}
		jobs, total, err := s.Jobs.List(r.Context(), f)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		views := make([]jobView, 0, len(jobs))
		for _, j := range jobs {
			views = append(views, toJobView(j))
		}
		writeJSON(w, http.StatusOK, map[string]any{"jobs": views, "total": total})
	}
}

// GetJobHandler returns one job with its recent ledger tail and the derived
// uptime and worker status fields.
func (s *Server) GetJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if res := ValidateJobID(id); !res.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid job id", domain.ErrInvalidArgument), res.Errors)
			return
		}
		detail, err := s.Jobs.Get(r.Context(), id, atoiOr(r.URL.Query().Get("events"), 0))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"job":           toJobView(detail.Job),
			"events":        toEventViews(detail.Events),
			"uptime_s":      detail.UptimeS,
			"worker_status": string(detail.WorkerStatus),
		})
	}
}

// CancelJobHandler sets the cancel flag. 202: the flag is a request, not an
// outcome; the worker observes it at the next suspension point.
func (s *Server) CancelJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if res := ValidateJobID(id); !res.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid job id", domain.ErrInvalidArgument), res.Errors)
			return
		}
		st, err := s.Jobs.Cancel(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{
			"id": id, "status": string(st), "cancel_requested": true,
		})
	}
}

// GetEvaluationHandler serves the scorecard recorded for a terminal job.
func (s *Server) GetEvaluationHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if res := ValidateJobID(id); !res.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid job id", domain.ErrInvalidArgument), res.Errors)
			return
		}
		e, err := s.Evals.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"job_id":      e.JobID,
			"correctness": e.Correctness,
			"efficiency":  e.Efficiency,
			"honesty":     e.Honesty,
			"safety":      e.Safety,
			"flags":       e.Flags,
			"created_at":  e.CreatedAt,
		})
	}
}

// RecordEvaluationHandler upserts a scorecard for a terminal job.
func (s *Server) RecordEvaluationHandler() http.HandlerFunc {
	type request struct {
		Correctness float64  `json:"correctness" validate:"min=0,max=1"`
		Efficiency  float64  `json:"efficiency" validate:"min=0,max=1"`
		Honesty     float64  `json:"honesty" validate:"min=0,max=1"`
		Safety      float64  `json:"safety" validate:"min=0,max=1"`
		Flags       []string `json:"flags" validate:"omitempty,max=20,dive,max=100"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(w, r) {
			return
		}
		id := chi.URLParam(r, "id")
		if res := ValidateJobID(id); !res.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid job id", domain.ErrInvalidArgument), res.Errors)
			return
		}
		var req request
		if !s.decodeJSON(w, r, &req) {
			return
		}
		err := s.Evals.Record(r.Context(), domain.Evaluation{
			JobID:       id,
			Correctness: req.Correctness,
			Efficiency:  req.Efficiency,
			Honesty:     req.Honesty,
			Safety:      req.Safety,
			Flags:       req.Flags,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"job_id": id, "status": "recorded"})
	}
}

// CreateConversationHandler opens a conversation thread.
func (s *Server) CreateConversationHandler() http.HandlerFunc {
	type request struct {
		Title string `json:"title" validate:"omitempty,max=200"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(w, r) {
			return
		}
		var req request
		if !s.decodeJSON(w, r, &req) {
			return
		}
		c, err := s.Convos.Create(r.Context(), req.Title)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"id": c.ID, "title": c.Title, "created_at": c.CreatedAt,
		})
	}
}

// AddMessageHandler appends an operator message to a conversation.
func (s *Server) AddMessageHandler() http.HandlerFunc {
	type request struct {
		Role    string `json:"role" validate:"required,oneof=system user assistant tool"`
		Content string `json:"content" validate:"required,max=32000"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(w, r) {
			return
		}
		id := chi.URLParam(r, "id")
		var req request
		if !s.decodeJSON(w, r, &req) {
			return
		}
		m, err := s.Convos.AddMessage(r.Context(), id, domain.MessageRole(req.Role), req.Content)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, messageView(m))
	}
}

// ListMessagesHandler pages a conversation's messages.
func (s *Server) ListMessagesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		q := r.URL.Query()
		msgs, err := s.Convos.ListMessages(r.Context(), id, atoiOr(q.Get("limit"), 0), atoiOr(q.Get("offset"), 0))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"messages": messageViews(msgs)})
	}
}

// JobMessagesHandler lists the messages of the conversation a job belongs to.
// Jobs without a conversation return an empty list.
func (s *Server) JobMessagesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if res := ValidateJobID(id); !res.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid job id", domain.ErrInvalidArgument), res.Errors)
			return
		}
		detail, err := s.Jobs.Get(r.Context(), id, 1)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if detail.Job.ConversationID == nil {
			writeJSON(w, http.StatusOK, map[string]any{"messages": []any{}})
			return
		}
		q := r.URL.Query()
		msgs, err := s.Convos.ListMessages(r.Context(), *detail.Job.ConversationID, atoiOr(q.Get("limit"), 0), atoiOr(q.Get("offset"), 0))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"messages": messageViews(msgs)})
	}
}

func messageView(m domain.Message) map[string]any {
	return map[string]any{
		"id":              m.ID,
		"conversation_id": m.ConversationID,
		"role":            string(m.Role),
		"content":         m.Content,
		"created_at":      m.CreatedAt,
	}
}

func messageViews(msgs []domain.Message) []map[string]any {
	out := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageView(m))
	}
	return out
}

// HealthzHandler is the liveness probe.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ReadyzHandler probes the dependencies a request actually needs: the
// database always, Redis and the LLM breaker when configured.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make([]usecase.ReadinessCheck, 0, 3)
		if s.DBCheck != nil {
			c := usecase.ReadinessCheck{Name: "db", OK: true}
			if err := s.DBCheck(ctx); err != nil {
				c.OK, c.Details = false, err.Error()
			}
			checks = append(checks, c)
		}
		if s.RedisCheck != nil {
			c := usecase.ReadinessCheck{Name: "redis", OK: true}
			if err := s.RedisCheck(ctx); err != nil {
				c.OK, c.Details = false, err.Error()
			}
			checks = append(checks, c)
		}
		if s.LLMOpen != nil {
			c := usecase.ReadinessCheck{Name: "llm", OK: true}
			if s.LLMOpen() {
				c.OK, c.Details = false, "circuit breaker open"
			}
			checks = append(checks, c)
		}
		ok := true
		for _, c := range checks {
			if !c.OK {
				ok = false
				break
			}
		}
		st := http.StatusOK
		if !ok {
			st = http.StatusServiceUnavailable
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}

func atoiOr(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
