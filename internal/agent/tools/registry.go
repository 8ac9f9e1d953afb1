package tools

import (
	"sort"
	"sync"

	"github.com/fairyhunter13/ai-agent-runner/internal/config"
	"github.com/fairyhunter13/ai-agent-runner/internal/domain"
)

// Registry holds the catalog and answers mode-filtered views of it.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	policies config.ModePolicies
}

// NewRegistry constructs an empty registry governed by the given policies.
func NewRegistry(policies config.ModePolicies) *Registry {
	return &Registry{tools: make(map[string]Tool), policies: policies}
}

// DefaultRegistry returns a registry with the builtin catalog installed.
func DefaultRegistry(policies config.ModePolicies) *Registry {
	r := NewRegistry(policies)
	r.Register(&readFileTool{})
	r.Register(&listDirTool{})
	r.Register(&searchTextTool{})
	r.Register(&applyPatchTool{})
	r.Register(&runCommandTool{})
	r.Register(&createResultTool{})
	r.Register(&requestHumanReviewTool{})
	return r
}

// Register adds or replaces a tool by name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	r.tools[t.Name()] = t
	r.mu.Unlock()
}

// Get looks a tool up by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// ForMode returns the tools the mode's risk policy admits, sorted by name so
// the advertised catalog is stable across turns.
func (r *Registry) ForMode(mode domain.JobMode) []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		if r.policies.AllowsRisk(mode, string(t.RiskHint())) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Specs renders the mode-filtered catalog for the model.
func (r *Registry) Specs(mode domain.JobMode) []domain.ToolSpec {
	ts := r.ForMode(mode)
	out := make([]domain.ToolSpec, 0, len(ts))
	for _, t := range ts {
		out = append(out, domain.ToolSpec{
			Name:        t.Name(),
			Description: t.Description(),
			Schema:      t.ParamSchema().AsMap(),
		})
	}
	return out
}

// PatchLimits resolves the per-patch caps for an invocation.
func (r *Registry) PatchLimits(mode domain.JobMode) (maxFiles, maxLines int) {
	return r.policies.PatchLimits(mode)
}
