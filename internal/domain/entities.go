package domain

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrRateLimited       = errors.New("rate limited")
	ErrUpstreamTimeout   = errors.New("upstream timeout")
	ErrUpstreamRateLimit = errors.New("upstream rate limit")
	ErrSchemaInvalid     = errors.New("schema invalid")
	ErrInternal          = errors.New("internal error")
)

// JobMode selects the agent's autonomy envelope. Mechanic jobs run cheap and
// reversible; genius jobs get the full catalog and bigger budgets.
type JobMode string

const (
	ModeMechanic JobMode = "mechanic"
	ModeGenius   JobMode = "genius"
)

func (m JobMode) Valid() bool { return m == ModeMechanic || m == ModeGenius }

type JobStatus string

const (
	JobQueued       JobStatus = "queued"
	JobRunning      JobStatus = "running"
	JobWaitingHuman JobStatus = "waiting_human"
	JobSucceeded    JobStatus = "succeeded"
	JobFailed       JobStatus = "failed"
	JobAborted      JobStatus = "aborted"
	JobCancelling   JobStatus = "cancelling"
)

// Terminal reports whether the status is final. waiting_human is not
// terminal: the job still holds its claim and resumes on operator input.
func (s JobStatus) Terminal() bool {
	return s == JobSucceeded || s == JobFailed || s == JobAborted
}

// Caps is the budget envelope a job may not exceed. TokenCap allows one
// response of slack: enforcement happens before a model call, so the turn
// that crosses the cap is still billed in full.
type Caps struct {
	StepCap      int
	TokenCap     int
	CostCapCents int
	TimeCapS     int
}

// Usage is the consumed portion of Caps, persisted on every finalize.
type Usage struct {
	Steps     int
	Tokens    int
	CostCents int
}

// Job is one unit of agent work.
// Invariants: Usage.Steps <= Caps.StepCap; AssignedTo and LastHeartbeatAt are
// set iff Status in {running, cancelling, waiting_human}; FinishedAt is set
// iff Terminal(); StartedAt <= LastHeartbeatAt <= FinishedAt when present.
type Job struct {
	ID              string
	Goal            string
	Mode            JobMode
	AgentKind       string
	RepoPath        string
	ConversationID  *string
	Status          JobStatus
	Caps            Caps
	Usage           Usage
	Priority        int
	CreatedAt       time.Time
	StartedAt       *time.Time
	FinishedAt      *time.Time
	AssignedTo      *string
	LastHeartbeatAt *time.Time
	CancelRequested bool
	CreatedBy       string
	TraceID         string
	LastError       string
}

// DefaultCaps is the budget envelope a mode grants when the submitter does
// not override it.
func DefaultCaps(m JobMode) Caps {
	if m == ModeGenius {
		return Caps{StepCap: 100, TokenCap: 200000, CostCapCents: 500, TimeCapS: 3600}
	}
	return Caps{StepCap: 20, TokenCap: 50000, CostCapCents: 100, TimeCapS: 900}
}

type EventKind string

const (
	EventInfo       EventKind = "info"
	EventAnalysis   EventKind = "analysis"
	EventPlan       EventKind = "plan"
	EventToolCall   EventKind = "tool_call"
	EventDecision   EventKind = "decision"
	EventEscalation EventKind = "escalation"
	EventError      EventKind = "error"
)

// Event is one append-only ledger entry. IDs are caller-generated ULIDs so a
// retried append stays idempotent and the (CreatedAt, ID) order is stable.
type Event struct {
	ID         string
	JobID      string
	TraceID    string
	Kind       EventKind
	ToolName   string
	Summary    string
	Params     map[string]any
	Result     map[string]any
	DurationMS int64
	TokensUsed int
	CostCents  int
	CreatedAt  time.Time
}

type Conversation struct {
	ID        string
	Title     string
	CreatedAt time.Time
}

type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleTool      MessageRole = "tool"
)

type Message struct {
	ID             string
	ConversationID string
	Role           MessageRole
	Content        string
	ToolCallID     string
	CreatedAt      time.Time
}

// Evaluation scores a terminal job on four axes, each in [0,1].
type Evaluation struct {
	JobID       string
	Correctness float64
	Efficiency  float64
	Honesty     float64
	Safety      float64
	Flags       []string
	CreatedAt   time.Time
}

// Repositories (ports)

type JobFilter struct {
	Status         JobStatus
	ConversationID string
	Limit          int
	Offset         int
}

type JobRepository interface {
	Insert(ctx Context, j Job) (string, error)
	Get(ctx Context, id string) (Job, error)
	List(ctx Context, f JobFilter) ([]Job, int, error)
	// ClaimNext atomically moves the best queued job matching modes to
	// running and assigns it to workerID. Returns nil when nothing is queued.
	ClaimNext(ctx Context, workerID string, modes []JobMode) (*Job, error)
	// Heartbeat returns false when the claim was lost (reassigned or terminal).
	Heartbeat(ctx Context, jobID, workerID string) (bool, error)
	// RequestCancel sets the cancel flag. A queued or waiting_human job
	// aborts immediately since no worker would observe the flag; an
	// actively claimed job keeps its status until the worker does.
	RequestCancel(ctx Context, jobID string) (JobStatus, error)
	MarkCancelling(ctx Context, jobID, workerID string) (bool, error)
	MarkWaitingHuman(ctx Context, jobID, workerID string) error
	// RequeueStale returns claimed jobs whose heartbeat is older than
	// olderThan to the queue and reports how many were moved.
	RequeueStale(ctx Context, olderThan time.Duration) (int, error)
	Finalize(ctx Context, jobID, workerID string, status JobStatus, usage Usage, reason string) error
	CountByStatus(ctx Context) (map[JobStatus]int, error)
}

type EventRepository interface {
	Append(ctx Context, e Event) error
	// ListByJob pages events for a job in (created_at, id) order,
	// starting after afterID when non-empty.
	ListByJob(ctx Context, jobID, afterID string, limit int) ([]Event, error)
	// ListLast returns the most recent n events in ascending order, for
	// stream snapshots.
	ListLast(ctx Context, jobID string, n int) ([]Event, error)
}

type ConversationRepository interface {
	Create(ctx Context, c Conversation) (string, error)
	Get(ctx Context, id string) (Conversation, error)
	InsertMessage(ctx Context, m Message) (string, error)
	ListMessages(ctx Context, conversationID string, limit, offset int) ([]Message, error)
}

type EvaluationRepository interface {
	Upsert(ctx Context, e Evaluation) error
	GetByJobID(ctx Context, jobID string) (Evaluation, error)
}

// LLMClient (port)

type ChatMessage struct {
	Role       MessageRole
	Content    string
	ToolCallID string
	ToolCalls  []ToolCall
}

// ToolCall is a model-requested invocation. Args stay raw until validated
// against the tool's parameter schema.
type ToolCall struct {
	ID   string
	Name string
	Args json.RawMessage
}

// ToolSpec is the catalog entry advertised to the model.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]any
}

type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishLength        FinishReason = "length"
	FinishContentFilter FinishReason = "content_filter"
)

type TokenUsage struct {
	Prompt     int
	Completion int
	Total      int
}

type ChatRequest struct {
	Messages    []ChatMessage
	Tools       []ToolSpec
	MaxTokens   int
	Temperature float64
	Stop        []string
}

type ChatResponse struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason FinishReason
	Usage        TokenUsage
}

type LLMClient interface {
	Chat(ctx Context, req ChatRequest) (ChatResponse, error)
}

// Context is an alias to allow decoupling from std context in domain
// Adapters and usecases should pass context.Context through
// For practicality, we alias to context.Context; adapters convert where needed.

type Context = context.Context
