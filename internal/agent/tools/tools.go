// Package tools is the catalog the agent loop advertises to the model.
//
// Tools never panic or return Go errors across the loop boundary: every
// outcome is a Result, and failures carry a structured ToolError whose
// Recoverable flag tells the loop whether the current plan can continue.
package tools

import (
	"context"

	"github.com/fairyhunter13/ai-agent-runner/internal/domain"
)

// Category tells the loop and the dashboard what a tool touches.
type Category string

const (
	CategoryReadOnly Category = "READ_ONLY"
	CategoryMutating Category = "MUTATING"
	CategoryMeta     Category = "META"
)

// RiskHint gates tools by mode: mechanic only sees safe and reversible.
type RiskHint string

const (
	RiskSafe       RiskHint = "safe"
	RiskReversible RiskHint = "reversible"
	RiskDangerous  RiskHint = "dangerous"
)

// CostHint is advisory; the loop may prefer cheap tools when budget is low.
type CostHint string

const (
	CostCheap     CostHint = "cheap"
	CostModerate  CostHint = "moderate"
	CostExpensive CostHint = "expensive"
)

// Budget is the remaining allowance handed to a tool invocation.
type Budget struct {
	StepsRemaining  int
	TokensRemaining int
}

// Invocation is the per-call context a tool executes under. Cancellation
// arrives through the context.Context passed to Execute; tools must honor it
// at every I/O boundary.
type Invocation struct {
	JobID    string
	TraceID  string
	RepoPath string
	Mode     domain.JobMode
	Budget   Budget
	// Patch limits resolved from the mode policy; zero means unlimited.
	PatchMaxFiles int
	PatchMaxLines int
	// LogEvent appends a ledger event attributed to this job.
	LogEvent func(kind domain.EventKind, summary string, params, result map[string]any)
}

// Result is the only thing a tool hands back to the loop.
type Result struct {
	Success bool              `json:"success"`
	Data    map[string]any    `json:"data,omitempty"`
	Error   *domain.ToolError `json:"error,omitempty"`
	EventID string            `json:"event_id,omitempty"`
}

// Ok builds a success result.
func Ok(data map[string]any) Result { return Result{Success: true, Data: data} }

// Fail builds a failure result.
func Fail(code, message string, recoverable bool) Result {
	return Result{Success: false, Error: &domain.ToolError{Code: code, Message: message, Recoverable: recoverable}}
}

// Tool is one catalog entry.
type Tool interface {
	Name() string
	Description() string
	Category() Category
	CostHint() CostHint
	RiskHint() RiskHint
	ParamSchema() Schema
	Execute(ctx context.Context, inv Invocation, params map[string]any) Result
}

// Terminal tool names: invoking either forces the loop into finalize.
const (
	NameCreateResult       = "create_result"
	NameRequestHumanReview = "request_human_review"
)
