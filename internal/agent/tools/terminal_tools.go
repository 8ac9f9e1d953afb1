package tools

import (
	"context"

	"github.com/fairyhunter13/ai-agent-runner/internal/domain"
)

// createResultTool records the agent's final answer. The loop interprets its
// status field and finalizes the job.
type createResultTool struct{}

func (t *createResultTool) Name() string { return NameCreateResult }
func (t *createResultTool) Description() string {
	return "Report the final outcome of the job. Calling this ends the run."
}
func (t *createResultTool) Category() Category { return CategoryMeta }
func (t *createResultTool) CostHint() CostHint { return CostCheap }
func (t *createResultTool) RiskHint() RiskHint { return RiskSafe }
func (t *createResultTool) ParamSchema() Schema {
	return Schema{
		Properties: map[string]Property{
			"status":  {Type: "string", Enum: []string{"succeeded", "failed", "partial"}},
			"summary": {Type: "string", Description: "One-paragraph outcome description."},
			"details": {Type: "object", Description: "Optional structured details."},
		},
		Required: []string{"status", "summary"},
	}
}

func (t *createResultTool) Execute(_ context.Context, _ Invocation, params map[string]any) Result {
	status, _ := params["status"].(string)
	summary, _ := params["summary"].(string)
	data := map[string]any{"status": status, "summary": summary}
	if details, ok := params["details"].(map[string]any); ok {
		data["details"] = details
	}
	return Ok(data)
}

// requestHumanReviewTool escalates to an operator: the loop records an
// escalation event and parks the job in waiting_human.
type requestHumanReviewTool struct{}

func (t *requestHumanReviewTool) Name() string { return NameRequestHumanReview }
func (t *requestHumanReviewTool) Description() string {
	return "Escalate to a human operator and pause the job."
}
func (t *requestHumanReviewTool) Category() Category { return CategoryMeta }
func (t *requestHumanReviewTool) CostHint() CostHint { return CostCheap }
func (t *requestHumanReviewTool) RiskHint() RiskHint { return RiskSafe }
func (t *requestHumanReviewTool) ParamSchema() Schema {
	return Schema{
		Properties: map[string]Property{
			"reason": {Type: "string", Description: "Why a human needs to look."},
		},
		Required: []string{"reason"},
	}
}

func (t *requestHumanReviewTool) Execute(_ context.Context, inv Invocation, params map[string]any) Result {
	reason, _ := params["reason"].(string)
	if inv.LogEvent != nil {
		inv.LogEvent(domain.EventEscalation, "human review requested", map[string]any{"reason": reason}, nil)
	}
	return Ok(map[string]any{"reason": reason})
}
