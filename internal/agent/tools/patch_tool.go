package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// applyPatchTool edits repository files through exact text replacement.
// Mechanic jobs are held to the per-patch limits from the mode policy;
// genius jobs run unlimited.
type applyPatchTool struct{}

func (t *applyPatchTool) Name() string { return "apply_patch" }
func (t *applyPatchTool) Description() string {
	return "Apply text edits to repository files. Each edit replaces old_text with new_text; empty old_text creates or overwrites the file."
}
func (t *applyPatchTool) Category() Category { return CategoryMutating }
func (t *applyPatchTool) CostHint() CostHint { return CostModerate }
func (t *applyPatchTool) RiskHint() RiskHint { return RiskReversible }
func (t *applyPatchTool) ParamSchema() Schema {
	return Schema{
		Properties: map[string]Property{
			"edits": {
				Type:        "array",
				Description: "Edits to apply in order.",
				Items:       &Property{Type: "object"},
			},
		},
		Required: []string{"edits"},
	}
}

type patchEdit struct {
	path    string
	oldText string
	newText string
}

func decodeEdits(raw []any) ([]patchEdit, error) {
	edits := make([]patchEdit, 0, len(raw))
	for i, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("edit %d is not an object", i)
		}
		path, _ := m["path"].(string)
		if path == "" {
			return nil, fmt.Errorf("edit %d has no path", i)
		}
		oldText, _ := m["old_text"].(string)
		newText, _ := m["new_text"].(string)
		edits = append(edits, patchEdit{path: path, oldText: oldText, newText: newText})
	}
	return edits, nil
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	return strings.Count(s, "\n") + 1
}

func (t *applyPatchTool) Execute(ctx context.Context, inv Invocation, params map[string]any) Result {
	if err := ctx.Err(); err != nil {
		return Fail("cancelled", err.Error(), false)
	}
	raw, _ := params["edits"].([]any)
	edits, err := decodeEdits(raw)
	if err != nil {
		return Fail("bad_edit", err.Error(), true)
	}
	if len(edits) == 0 {
		return Fail("bad_edit", "no edits given", true)
	}

	files := make(map[string]struct{})
	lines := 0
	for _, e := range edits {
		files[e.path] = struct{}{}
		lines += countLines(e.oldText) + countLines(e.newText)
	}
	if inv.PatchMaxFiles > 0 && len(files) > inv.PatchMaxFiles {
		return Fail("patch_limit", fmt.Sprintf("patch touches %d files, mode allows %d", len(files), inv.PatchMaxFiles), false)
	}
	if inv.PatchMaxLines > 0 && lines > inv.PatchMaxLines {
		return Fail("patch_limit", fmt.Sprintf("patch changes %d lines, mode allows %d", lines, inv.PatchMaxLines), false)
	}

	applied := 0
	for _, e := range edits {
		if err := ctx.Err(); err != nil {
			return Fail("cancelled", err.Error(), false)
		}
		abs, err := resolvePath(inv.RepoPath, e.path)
		if err != nil {
			return Fail("bad_path", err.Error(), true)
		}
		if e.oldText == "" {
			if err := os.MkdirAll(filepath.Dir(abs), 0o750); err != nil {
				return Fail("write_error", err.Error(), true)
			}
			if err := os.WriteFile(abs, []byte(e.newText), 0o600); err != nil {
				return Fail("write_error", err.Error(), true)
			}
			applied++
			continue
		}
		// #nosec G304 -- confined by resolvePath
		current, err := os.ReadFile(abs)
		if err != nil {
			return Fail("not_found", err.Error(), true)
		}
		content := string(current)
		if !strings.Contains(content, e.oldText) {
			return Fail("no_match", fmt.Sprintf("old_text not found in %s", e.path), true)
		}
		content = strings.Replace(content, e.oldText, e.newText, 1)
		if err := os.WriteFile(abs, []byte(content), 0o600); err != nil {
			return Fail("write_error", err.Error(), true)
		}
		applied++
	}
	return Ok(map[string]any{"applied": applied, "files": len(files), "lines_changed": lines})
}
