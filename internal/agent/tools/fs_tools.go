package tools

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

const (
	maxFileBytes    = 256 * 1024
	maxContentChars = 8000
	maxSearchHits   = 50
)

// resolvePath confines a tool path to the job's repository root.
func resolvePath(repoPath, rel string) (string, error) {
	if repoPath == "" {
		return "", fmt.Errorf("job has no repository path")
	}
	abs := filepath.Join(repoPath, filepath.Clean("/"+rel))
	if abs != repoPath && !strings.HasPrefix(abs, repoPath+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the repository", rel)
	}
	return abs, nil
}

type readFileTool struct{}

func (t *readFileTool) Name() string        { return "read_file" }
func (t *readFileTool) Description() string { return "Read a file from the job repository." }
func (t *readFileTool) Category() Category  { return CategoryReadOnly }
func (t *readFileTool) CostHint() CostHint  { return CostCheap }
func (t *readFileTool) RiskHint() RiskHint  { return RiskSafe }
func (t *readFileTool) ParamSchema() Schema {
	return Schema{
		Properties: map[string]Property{
			"path": {Type: "string", Description: "Path relative to the repository root."},
		},
		Required: []string{"path"},
	}
}

func (t *readFileTool) Execute(ctx context.Context, inv Invocation, params map[string]any) Result {
	if err := ctx.Err(); err != nil {
		return Fail("cancelled", err.Error(), false)
	}
	rel, _ := params["path"].(string)
	abs, err := resolvePath(inv.RepoPath, rel)
	if err != nil {
		return Fail("bad_path", err.Error(), true)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return Fail("not_found", err.Error(), true)
	}
	if info.IsDir() {
		return Fail("is_directory", rel+" is a directory", true)
	}
	if info.Size() > maxFileBytes {
		return Fail("too_large", fmt.Sprintf("%s is %d bytes, limit %d", rel, info.Size(), maxFileBytes), true)
	}
	// #nosec G304 -- confined to the repo root by resolvePath
	raw, err := os.ReadFile(abs)
	if err != nil {
		return Fail("read_error", err.Error(), true)
	}
	mt := mimetype.Detect(raw)
	if !strings.HasPrefix(mt.String(), "text/") && !mt.Is("application/json") && !mt.Is("application/xml") {
		return Ok(map[string]any{"path": rel, "binary": true, "mime": mt.String(), "size": info.Size()})
	}
	content := string(raw)
	truncated := false
	if len(content) > maxContentChars {
		content = content[:maxContentChars]
		truncated = true
	}
	return Ok(map[string]any{"path": rel, "content": content, "truncated": truncated, "size": info.Size()})
}

type listDirTool struct{}

func (t *listDirTool) Name() string        { return "list_dir" }
func (t *listDirTool) Description() string { return "List entries of a repository directory." }
func (t *listDirTool) Category() Category  { return CategoryReadOnly }
func (t *listDirTool) CostHint() CostHint  { return CostCheap }
func (t *listDirTool) RiskHint() RiskHint  { return RiskSafe }
func (t *listDirTool) ParamSchema() Schema {
	return Schema{
		Properties: map[string]Property{
			"path": {Type: "string", Description: "Directory relative to the repository root; defaults to the root."},
		},
	}
}

func (t *listDirTool) Execute(ctx context.Context, inv Invocation, params map[string]any) Result {
	if err := ctx.Err(); err != nil {
		return Fail("cancelled", err.Error(), false)
	}
	rel, _ := params["path"].(string)
	abs, err := resolvePath(inv.RepoPath, rel)
	if err != nil {
		return Fail("bad_path", err.Error(), true)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return Fail("not_found", err.Error(), true)
	}
	out := make([]any, 0, len(entries))
	for _, e := range entries {
		kind := "file"
		if e.IsDir() {
			kind = "dir"
		}
		out = append(out, map[string]any{"name": e.Name(), "type": kind})
	}
	return Ok(map[string]any{"path": rel, "entries": out})
}

type searchTextTool struct{}

func (t *searchTextTool) Name() string { return "search_text" }
func (t *searchTextTool) Description() string {
	return "Search repository files for a regular expression."
}
func (t *searchTextTool) Category() Category { return CategoryReadOnly }
func (t *searchTextTool) CostHint() CostHint { return CostModerate }
func (t *searchTextTool) RiskHint() RiskHint { return RiskSafe }
func (t *searchTextTool) ParamSchema() Schema {
	return Schema{
		Properties: map[string]Property{
			"pattern": {Type: "string", Description: "RE2 regular expression."},
			"path":    {Type: "string", Description: "Subdirectory to search; defaults to the root."},
		},
		Required: []string{"pattern"},
	}
}

func (t *searchTextTool) Execute(ctx context.Context, inv Invocation, params map[string]any) Result {
	pattern, _ := params["pattern"].(string)
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Fail("bad_pattern", err.Error(), true)
	}
	rel, _ := params["path"].(string)
	root, err := resolvePath(inv.RepoPath, rel)
	if err != nil {
		return Fail("bad_path", err.Error(), true)
	}

	var hits []any
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" || d.Name() == "node_modules" {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil || info.Size() > maxFileBytes {
			return nil
		}
		// #nosec G304 -- walk is rooted in the repo
		raw, err := os.ReadFile(path)
		if err != nil || !strings.HasPrefix(mimetype.Detect(raw).String(), "text/") {
			return nil
		}
		for i, line := range strings.Split(string(raw), "\n") {
			if re.MatchString(line) {
				relPath, _ := filepath.Rel(inv.RepoPath, path)
				if len(line) > 200 {
					line = line[:200]
				}
				hits = append(hits, map[string]any{"file": relPath, "line": i + 1, "text": line})
				if len(hits) >= maxSearchHits {
					return fs.SkipAll
				}
			}
		}
		return nil
	})
	if walkErr != nil && ctx.Err() != nil {
		return Fail("cancelled", ctx.Err().Error(), false)
	}
	return Ok(map[string]any{"pattern": pattern, "matches": hits, "count": len(hits)})
}
