package tools

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-agent-runner/internal/config"
	"github.com/fairyhunter13/ai-agent-runner/internal/domain"
)

func TestDefaultRegistry_ModeFiltering(t *testing.T) {
	t.Parallel()
	r := DefaultRegistry(config.DefaultModePolicies())

	mechanicNames := map[string]bool{}
	for _, tool := range r.ForMode(domain.ModeMechanic) {
		mechanicNames[tool.Name()] = true
		assert.NotEqual(t, RiskDangerous, tool.RiskHint(), "mechanic saw dangerous tool %s", tool.Name())
	}
	assert.True(t, mechanicNames["read_file"])
	assert.True(t, mechanicNames["apply_patch"])
	assert.True(t, mechanicNames[NameCreateResult])
	assert.False(t, mechanicNames["run_command"], "run_command is genius-only")

	geniusNames := map[string]bool{}
	for _, tool := range r.ForMode(domain.ModeGenius) {
		geniusNames[tool.Name()] = true
	}
	assert.True(t, geniusNames["run_command"])
}

func TestRegistry_SpecsAreSortedAndComplete(t *testing.T) {
	t.Parallel()
	r := DefaultRegistry(config.DefaultModePolicies())
	specs := r.Specs(domain.ModeGenius)
	require.NotEmpty(t, specs)
	for i := 1; i < len(specs); i++ {
		assert.Less(t, specs[i-1].Name, specs[i].Name)
	}
	for _, s := range specs {
		assert.NotEmpty(t, s.Description, "%s has no description", s.Name)
		assert.Equal(t, "object", s.Schema["type"])
	}
}

func TestRegistry_PatchLimits(t *testing.T) {
	t.Parallel()
	r := DefaultRegistry(config.DefaultModePolicies())
	files, lines := r.PatchLimits(domain.ModeMechanic)
	assert.Equal(t, 5, files)
	assert.Equal(t, 200, lines)
	files, lines = r.PatchLimits(domain.ModeGenius)
	assert.Zero(t, files)
	assert.Zero(t, lines)
}
