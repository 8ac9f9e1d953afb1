// Package agent drives one claimed job through an LLM-tool dialogue: analyze
// and plan turns first, then act turns against the mode-filtered catalog,
// with every action ledgered and every budget enforced at suspension points.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fairyhunter13/ai-agent-runner/internal/agent/tools"
	"github.com/fairyhunter13/ai-agent-runner/internal/domain"
	"github.com/fairyhunter13/ai-agent-runner/internal/adapter/observability"
)

// ErrClaimLost tells the runner the job no longer belongs to this worker.
// The loop must stop immediately and finalize nothing; the sweeper or the
// new owner takes it from here.
var ErrClaimLost = errors.New("claim lost")

const (
	// llmAttempts bounds in-loop retries of a transient model failure. The
	// client underneath already backs off per attempt.
	llmAttempts = 3
	// noToolNudges bounds how often we remind a silent model to finish
	// before giving up on the run.
	noToolNudges = 3
)

// Outcome is what the runner finalizes with. Status waiting_human means the
// loop already parked the job and the worker should simply yield.
type Outcome struct {
	Status domain.JobStatus
	Reason string
	Usage  domain.Usage
}

// Loop runs one job to an outcome. It owns token/step/cost accounting and
// ledger writes; heartbeats and the deadline context belong to the runner.
type Loop struct {
	Jobs       domain.JobRepository
	Events     domain.EventRepository
	LLM        domain.LLMClient
	Tools      *tools.Registry
	Compressor *Compressor
	WorkerID   string
	Log        *slog.Logger

	MaxTokensPerTurn int
	// Cost attribution, cents per million tokens, split by direction.
	PromptCostCentsPer1M     float64
	CompletionCostCentsPer1M float64
}

// ownerID resolves the claim owner for guarded updates: the assigned_to the
// claim carries, or the loop's configured id when the row predates assignment.
func (l *Loop) ownerID(j domain.Job) string {
	if j.AssignedTo != nil && *j.AssignedTo != "" {
		return *j.AssignedTo
	}
	return l.WorkerID
}

func (l *Loop) logger() *slog.Logger {
	if l.Log != nil {
		return l.Log
	}
	return slog.Default()
}

// Run drives the job until a terminal tool, an exhausted budget, a cancel,
// or the deadline. A non-nil error means the claim is gone and the caller
// must abandon without finalizing.
func (l *Loop) Run(ctx context.Context, job domain.Job) (Outcome, error) {
	tracer := otel.Tracer("agent.loop")
	ctx, span := tracer.Start(ctx, "agent.run", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.mode", string(job.Mode)),
	))
	defer span.End()

	usage := job.Usage
	msgs := []domain.ChatMessage{
		{Role: domain.RoleSystem, Content: systemPrompt(job)},
		{Role: domain.RoleUser, Content: "Goal: " + job.Goal},
	}
	l.appendEvent(ctx, job, domain.Event{Kind: domain.EventInfo, Summary: "job started", Params: map[string]any{"mode": string(job.Mode), "worker": l.ownerID(job)}})

	// analyze then plan, one tool-less turn each
	for _, phase := range []struct {
		kind   domain.EventKind
		prompt string
	}{
		{domain.EventAnalysis, analyzePrompt},
		{domain.EventPlan, planPrompt},
	} {
		if out, done, err := l.checkSuspension(ctx, job.ID, usage); done {
			return out, err
		}
		msgs = append(msgs, domain.ChatMessage{Role: domain.RoleUser, Content: phase.prompt})
		resp, out, done, err := l.turn(ctx, job, &usage, msgs, nil)
		if done {
			return out, err
		}
		msgs = append(msgs, domain.ChatMessage{Role: domain.RoleAssistant, Content: resp.Content})
		l.appendEvent(ctx, job, domain.Event{
			Kind:       phase.kind,
			Summary:    firstLine(resp.Content),
			TokensUsed: resp.Usage.Total,
			CostCents:  l.costCents(resp.Usage),
		})
	}

	catalog := l.Tools.Specs(job.Mode)
	maxFiles, maxLines := l.Tools.PatchLimits(job.Mode)
	msgs = append(msgs, domain.ChatMessage{Role: domain.RoleUser, Content: actPrompt})

	nudges := 0
	for {
		if out, done, err := l.checkSuspension(ctx, job.ID, usage); done {
			return out, err
		}
		resp, out, done, err := l.turn(ctx, job, &usage, msgs, catalog)
		if done {
			return out, err
		}
		msgs = append(msgs, domain.ChatMessage{Role: domain.RoleAssistant, Content: resp.Content, ToolCalls: resp.ToolCalls})

		if len(resp.ToolCalls) == 0 {
			nudges++
			if nudges >= noToolNudges {
				return l.finish(ctx, job, usage, domain.JobFailed, domain.ReasonInternal, "model stopped without reporting a result"), nil
			}
			msgs = append(msgs, domain.ChatMessage{Role: domain.RoleUser, Content: "You must finish through a tool: call create_result with your outcome, or request_human_review if blocked."})
			continue
		}
		nudges = 0

		for _, call := range resp.ToolCalls {
			if out, done, err := l.checkSuspension(ctx, job.ID, usage); done {
				return out, err
			}
			result, params, ok := l.invokeTool(ctx, job, usage, call, maxFiles, maxLines)
			if !ok {
				// malformed call; error already sent back as a tool message
				msgs = append(msgs, result.toToolMessage(call.ID))
				continue
			}
			usage.Steps++
			msgs = append(msgs, result.toToolMessage(call.ID))

			switch call.Name {
			case tools.NameCreateResult:
				status, reason := resultOutcome(params)
				summary, _ := result.res.Data["summary"].(string)
				return l.finish(ctx, job, usage, status, reason, summary), nil
			case tools.NameRequestHumanReview:
				if err := l.Jobs.MarkWaitingHuman(ctx, job.ID, l.ownerID(job)); err != nil {
					if errors.Is(err, domain.ErrConflict) {
						return Outcome{}, ErrClaimLost
					}
					return Outcome{}, fmt.Errorf("op=agent.waitingHuman: %w", err)
				}
				return Outcome{Status: domain.JobWaitingHuman, Usage: usage}, nil
			}

			if usage.Steps >= job.Caps.StepCap {
				return l.finish(ctx, job, usage, domain.JobFailed, domain.ReasonStepCapExhausted, "step budget exhausted"), nil
			}
			if result.res.Error != nil && !result.res.Error.Recoverable {
				msgs = append(msgs, domain.ChatMessage{Role: domain.RoleUser, Content: "That tool failure is not recoverable under the current plan. Adjust the plan, or finish via create_result / request_human_review."})
			}
		}
	}
}

// turn performs one model call with budget gates. done=true short-circuits
// the run with the given outcome or error.
func (l *Loop) turn(ctx context.Context, job domain.Job, usage *domain.Usage, msgs []domain.ChatMessage, catalog []domain.ToolSpec) (domain.ChatResponse, Outcome, bool, error) {
	if usage.Tokens >= job.Caps.TokenCap {
		return domain.ChatResponse{}, l.finish(ctx, job, *usage, domain.JobFailed, domain.ReasonTokenCapExhausted, "token budget exhausted"), true, nil
	}
	if job.Caps.CostCapCents > 0 && usage.CostCents >= job.Caps.CostCapCents {
		return domain.ChatResponse{}, l.finish(ctx, job, *usage, domain.JobFailed, domain.ReasonCostCapExhausted, "cost budget exhausted"), true, nil
	}

	req := domain.ChatRequest{
		Messages:  l.Compressor.Compress(msgs),
		Tools:     catalog,
		MaxTokens: l.MaxTokensPerTurn,
	}
	var resp domain.ChatResponse
	var err error
	for attempt := 1; attempt <= llmAttempts; attempt++ {
		resp, err = l.LLM.Chat(ctx, req)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			out, _, cerr := l.checkSuspension(ctx, job.ID, *usage)
			return domain.ChatResponse{}, out, true, cerr
		}
		if domain.Classify(err) != domain.FailureTransient || attempt == llmAttempts {
			l.appendEvent(ctx, job, domain.Event{Kind: domain.EventError, Summary: "model call failed: " + err.Error()})
			return domain.ChatResponse{}, l.finish(ctx, job, *usage, domain.JobFailed, domain.ReasonInternal, err.Error()), true, nil
		}
		l.logger().Warn("model call failed, retrying", slog.String("job_id", job.ID), slog.Int("attempt", attempt), slog.Any("error", err))
		select {
		case <-ctx.Done():
		case <-time.After(time.Duration(attempt) * time.Second):
		}
	}

	usage.Tokens += resp.Usage.Total
	usage.CostCents += l.costCents(resp.Usage)
	observability.ObserveAITokens(resp.Usage.Prompt, resp.Usage.Completion)
	return resp, Outcome{}, false, nil
}

// executedTool pairs a tool result with its already-recorded ledger view.
type executedTool struct {
	res tools.Result
}

func (e executedTool) toToolMessage(callID string) domain.ChatMessage {
	raw, err := json.Marshal(e.res)
	if err != nil {
		raw = []byte(`{"success":false,"error":{"code":"encode_error","message":"result not serializable","recoverable":true}}`)
	}
	return domain.ChatMessage{Role: domain.RoleTool, ToolCallID: callID, Content: string(raw)}
}

// invokeTool validates and executes one model-requested call. ok=false means
// the call was malformed (unknown tool or schema violation) and was answered
// with a tool-role error without costing a step.
func (l *Loop) invokeTool(ctx context.Context, job domain.Job, usage domain.Usage, call domain.ToolCall, maxFiles, maxLines int) (executedTool, map[string]any, bool) {
	tool, found := l.Tools.Get(call.Name)
	if !found || !contains(l.Tools.ForMode(job.Mode), call.Name) {
		l.appendEvent(ctx, job, domain.Event{Kind: domain.EventError, ToolName: call.Name, Summary: "unknown tool requested: " + call.Name})
		return executedTool{res: tools.Fail("unknown_tool", "no tool named "+call.Name+" in this mode's catalog", true)}, nil, false
	}

	var params map[string]any
	if len(call.Args) > 0 {
		if err := json.Unmarshal(call.Args, &params); err != nil {
			return executedTool{res: tools.Fail("bad_arguments", "arguments are not a JSON object: "+err.Error(), true)}, nil, false
		}
	}
	if params == nil {
		params = map[string]any{}
	}
	if err := tool.ParamSchema().Validate(params); err != nil {
		return executedTool{res: tools.Fail("schema_violation", err.Error(), true)}, nil, false
	}

	inv := tools.Invocation{
		JobID:    job.ID,
		TraceID:  job.TraceID,
		RepoPath: job.RepoPath,
		Mode:     job.Mode,
		Budget: tools.Budget{
			StepsRemaining:  job.Caps.StepCap - usage.Steps,
			TokensRemaining: job.Caps.TokenCap - usage.Tokens,
		},
		PatchMaxFiles: maxFiles,
		PatchMaxLines: maxLines,
		LogEvent: func(kind domain.EventKind, summary string, p, r map[string]any) {
			l.appendEvent(ctx, job, domain.Event{Kind: kind, ToolName: call.Name, Summary: summary, Params: p, Result: r})
		},
	}

	start := time.Now()
	res := tool.Execute(ctx, inv, params)
	elapsed := time.Since(start)

	summary := call.Name + " ok"
	if !res.Success {
		summary = call.Name + " failed: " + res.Error.Code
	}
	eventID := l.appendEvent(ctx, job, domain.Event{
		Kind:       domain.EventToolCall,
		ToolName:   call.Name,
		Summary:    summary,
		Params:     redactParams(params),
		Result:     truncateResult(res),
		DurationMS: elapsed.Milliseconds(),
	})
	res.EventID = eventID
	return executedTool{res: res}, params, true
}

// checkSuspension is the shared cancel/deadline observation point.
func (l *Loop) checkSuspension(ctx context.Context, jobID string, usage domain.Usage) (Outcome, bool, error) {
	if err := ctx.Err(); err != nil {
		cause := context.Cause(ctx)
		if errors.Is(cause, ErrClaimLost) {
			return Outcome{}, true, ErrClaimLost
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return Outcome{Status: domain.JobAborted, Reason: domain.ReasonDeadline, Usage: usage}, true, nil
		}
		return Outcome{}, true, fmt.Errorf("op=agent.run: %w", cause)
	}

	j, err := l.Jobs.Get(ctx, jobID)
	if err != nil {
		// one failed poll does not kill the run; the heartbeat loop decides
		// when the store is truly gone
		l.logger().Warn("cancel check failed", slog.String("job_id", jobID), slog.Any("error", err))
		return Outcome{}, false, nil
	}
	if !j.CancelRequested {
		return Outcome{}, false, nil
	}

	owned, err := l.Jobs.MarkCancelling(ctx, jobID, l.ownerID(j))
	if err == nil && !owned {
		return Outcome{}, true, ErrClaimLost
	}
	l.appendEvent(ctx, j, domain.Event{Kind: domain.EventInfo, Summary: "cancellation observed"})
	return Outcome{Status: domain.JobAborted, Reason: domain.ReasonUserCancel, Usage: usage}, true, nil
}

// finish records the closing decision event; the runner persists the status.
func (l *Loop) finish(ctx context.Context, job domain.Job, usage domain.Usage, status domain.JobStatus, reason, detail string) Outcome {
	l.appendEvent(ctx, job, domain.Event{
		Kind:    domain.EventDecision,
		Summary: fmt.Sprintf("finishing %s (%s): %s", status, reason, firstLine(detail)),
	})
	return Outcome{Status: status, Reason: reason, Usage: usage}
}

// appendEvent writes one ledger entry, filling identity fields. Failures are
// logged and swallowed: the ledger is best-effort from inside a turn, the
// finalize path re-asserts the closing record.
func (l *Loop) appendEvent(ctx context.Context, job domain.Job, e domain.Event) string {
	e.ID = ulid.Make().String()
	e.JobID = job.ID
	e.TraceID = job.TraceID
	if err := l.Events.Append(ctx, e); err != nil {
		l.logger().Warn("event append failed", slog.String("job_id", job.ID), slog.String("kind", string(e.Kind)), slog.Any("error", err))
		return ""
	}
	observability.AppendEvent(string(e.Kind))
	return e.ID
}

func (l *Loop) costCents(u domain.TokenUsage) int {
	cents := float64(u.Prompt)*l.PromptCostCentsPer1M/1e6 + float64(u.Completion)*l.CompletionCostCentsPer1M/1e6
	return int(math.Ceil(cents))
}

// resultOutcome maps a create_result status field to the job's final state.
// "partial" is an admission the goal was not met, so it lands as failed.
func resultOutcome(params map[string]any) (domain.JobStatus, string) {
	status, _ := params["status"].(string)
	switch status {
	case "succeeded":
		return domain.JobSucceeded, ""
	case "partial":
		return domain.JobFailed, domain.ReasonPartial
	default:
		return domain.JobFailed, "reported failed"
	}
}

func contains(ts []tools.Tool, name string) bool {
	for _, t := range ts {
		if t.Name() == name {
			return true
		}
	}
	return false
}

var redactedKeys = []string{"token", "secret", "password", "api_key", "authorization", "credential"}

// redactParams masks values whose key smells like a credential before the
// params hit the ledger.
func redactParams(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		lower := strings.ToLower(k)
		masked := false
		for _, s := range redactedKeys {
			if strings.Contains(lower, s) {
				masked = true
				break
			}
		}
		if masked {
			out[k] = "[redacted]"
			continue
		}
		if s, ok := v.(string); ok {
			out[k] = ellipsize(s, 500)
			continue
		}
		out[k] = v
	}
	return out
}

// truncateResult bounds what a tool result stores in the ledger: long
// strings are ellipsized and arrays are cut the same way the compressor
// trims tool messages.
func truncateResult(res tools.Result) map[string]any {
	out := map[string]any{"success": res.Success}
	if res.Error != nil {
		out["error"] = map[string]any{"code": res.Error.Code, "message": ellipsize(res.Error.Message, 500), "recoverable": res.Error.Recoverable}
	}
	if len(res.Data) > 0 {
		out["data"] = compactValue(res.Data)
	}
	return out
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return ellipsize(s, 300)
}
