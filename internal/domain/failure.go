// Package domain defines the entities, ports and failure taxonomy shared by
// every layer of the runner.
package domain

import (
	"context"
	"errors"
	"strings"
)

// FailureClass buckets an error by the recovery it demands.
type FailureClass string

const (
	// FailureTransient means retry with backoff; the job stays running.
	FailureTransient FailureClass = "transient"
	// FailurePolicy means a budget or safety rule fired; finalize failed
	// with an explicit reason and never retry.
	FailurePolicy FailureClass = "policy"
	// FailureClient means the model produced an invalid request; it is
	// reported back as a tool-role error and the loop continues.
	FailureClient FailureClass = "client"
	// FailureFatal means the claim or the process is gone; abandon without
	// finalizing and let the sweeper recover the job.
	FailureFatal FailureClass = "fatal"
)

// Terminal reasons recorded in jobs.last_error and the closing event.
const (
	ReasonStepCapExhausted  = "step_cap_exhausted"
	ReasonTokenCapExhausted = "token_cap_exhausted"
	ReasonCostCapExhausted  = "cost_cap_exhausted"
	ReasonDeadline          = "deadline"
	ReasonUserCancel        = "user_cancel"
	ReasonPartial           = "partial"
	ReasonInternal          = "internal"
	ReasonWorkerLost        = "worker lost"
)

// Classify maps an error onto the failure taxonomy. Unknown errors are
// treated as transient so that one flaky dependency does not fail a job the
// sweeper could have saved.
func Classify(err error) FailureClass {
	switch {
	case err == nil:
		return FailureTransient
	case errors.Is(err, ErrSchemaInvalid), errors.Is(err, ErrInvalidArgument):
		return FailureClient
	case errors.Is(err, ErrConflict):
		return FailureFatal
	case errors.Is(err, ErrUpstreamTimeout), errors.Is(err, ErrUpstreamRateLimit), errors.Is(err, ErrRateLimited):
		return FailureTransient
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return FailurePolicy
	case errors.Is(err, ErrInternal):
		return FailurePolicy
	}
	msg := err.Error()
	for _, s := range []string{"connection refused", "connection reset", "broken pipe", "timeout", "temporarily unavailable"} {
		if strings.Contains(msg, s) {
			return FailureTransient
		}
	}
	return FailureTransient
}

// ToolError is the structured failure a tool returns instead of panicking.
// Recoverable=false tells the loop the current plan cannot proceed.
type ToolError struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

func (e *ToolError) Error() string { return e.Code + ": " + e.Message }
