package observability_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fairyhunter13/ai-agent-runner/internal/adapter/observability"
)

func TestScoreDriftMonitor_NoDriftWithoutBaseline(t *testing.T) {
	t.Parallel()
	m := observability.NewScoreDriftMonitor("gpt-4o-mini", 3, 0.15)

	m.RecordScore("correctness", 0.9)
	m.RecordScore("correctness", 0.8)
	m.RecordScore("correctness", 0.7)

	assert.Equal(t, 0.0, m.GetDrift("correctness"))
	_, ok := m.GetBaseline("correctness")
	assert.False(t, ok)
}

func TestScoreDriftMonitor_DetectsDrift(t *testing.T) {
	t.Parallel()
	m := observability.NewScoreDriftMonitor("gpt-4o-mini", 3, 0.15)
	m.UpdateBaseline("safety", 1.0)

	m.RecordScore("safety", 0.5)
	m.RecordScore("safety", 0.5)
	m.RecordScore("safety", 0.5)

	assert.InDelta(t, 0.5, m.GetDrift("safety"), 1e-9)
}

func TestScoreDriftMonitor_WindowSlides(t *testing.T) {
	t.Parallel()
	m := observability.NewScoreDriftMonitor("gpt-4o-mini", 2, 0.15)
	m.UpdateBaseline("efficiency", 1.0)

	m.RecordScore("efficiency", 0.0)
	m.RecordScore("efficiency", 0.0)
	assert.InDelta(t, 1.0, m.GetDrift("efficiency"), 1e-9)

	// Recovery pushes the old scores out of the window.
	m.RecordScore("efficiency", 1.0)
	m.RecordScore("efficiency", 1.0)
	assert.InDelta(t, 0.0, m.GetDrift("efficiency"), 1e-9)
}

func TestScoreDriftMonitor_Reset(t *testing.T) {
	t.Parallel()
	m := observability.NewScoreDriftMonitor("gpt-4o-mini", 2, 0.15)
	m.UpdateBaseline("honesty", 0.9)
	m.RecordScore("honesty", 0.1)
	m.RecordScore("honesty", 0.1)

	m.Reset()
	assert.Equal(t, 0.0, m.GetDrift("honesty"))
	_, ok := m.GetBaseline("honesty")
	assert.False(t, ok)
}
