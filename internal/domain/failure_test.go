package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected FailureClass
	}{
		{"nil", nil, FailureTransient},
		{"schema invalid", ErrSchemaInvalid, FailureClient},
		{"invalid argument wrapped", fmt.Errorf("op=tool.validate: %w", ErrInvalidArgument), FailureClient},
		{"conflict means claim lost", ErrConflict, FailureFatal},
		{"upstream timeout", ErrUpstreamTimeout, FailureTransient},
		{"upstream rate limit", ErrUpstreamRateLimit, FailureTransient},
		{"rate limited", ErrRateLimited, FailureTransient},
		{"deadline", context.DeadlineExceeded, FailurePolicy},
		{"canceled", context.Canceled, FailurePolicy},
		{"internal", ErrInternal, FailurePolicy},
		{"connection refused text", errors.New("dial tcp 10.0.0.1:5432: connection refused"), FailureTransient},
		{"unknown defaults transient", errors.New("something odd"), FailureTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.expected {
				t.Errorf("Classify(%v) = %q, want %q", tt.err, got, tt.expected)
			}
		})
	}
}

func TestToolErrorError(t *testing.T) {
	te := &ToolError{Code: "patch_too_large", Message: "6 files touched, cap is 5", Recoverable: true}
	if te.Error() != "patch_too_large: 6 files touched, cap is 5" {
		t.Errorf("unexpected Error() = %q", te.Error())
	}
}
