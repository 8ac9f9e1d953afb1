package tools

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"
)

const (
	commandTimeout   = 2 * time.Minute
	maxCapturedBytes = 16 * 1024
)

// runCommandTool shells out inside the repository. Dangerous by definition,
// so only genius mode ever sees it in the catalog.
type runCommandTool struct{}

func (t *runCommandTool) Name() string { return "run_command" }
func (t *runCommandTool) Description() string {
	return "Run a shell command in the repository root and capture its output."
}
func (t *runCommandTool) Category() Category { return CategoryMutating }
func (t *runCommandTool) CostHint() CostHint { return CostExpensive }
func (t *runCommandTool) RiskHint() RiskHint { return RiskDangerous }
func (t *runCommandTool) ParamSchema() Schema {
	return Schema{
		Properties: map[string]Property{
			"command": {Type: "string", Description: "Command line passed to sh -c."},
		},
		Required: []string{"command"},
	}
}

func (t *runCommandTool) Execute(ctx context.Context, inv Invocation, params map[string]any) Result {
	command, _ := params["command"].(string)
	if strings.TrimSpace(command) == "" {
		return Fail("bad_command", "empty command", true)
	}
	if inv.RepoPath == "" {
		return Fail("bad_path", "job has no repository path", false)
	}

	// CommandContext sends SIGKILL on cancellation, which covers both the
	// job deadline and user cancel.
	cctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	// #nosec G204 -- executing model-chosen commands is this tool's purpose;
	// the mode policy keeps it out of mechanic catalogs.
	cmd := exec.CommandContext(cctx, "sh", "-c", command)
	cmd.Dir = inv.RepoPath
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	clip := func(b *bytes.Buffer) string {
		s := b.String()
		if len(s) > maxCapturedBytes {
			s = s[:maxCapturedBytes] + "…"
		}
		return s
	}
	data := map[string]any{
		"stdout":      clip(&stdout),
		"stderr":      clip(&stderr),
		"duration_ms": elapsed.Milliseconds(),
	}
	if cctx.Err() != nil {
		return Fail("cancelled", "command terminated: "+cctx.Err().Error(), false)
	}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			data["exit_code"] = exitErr.ExitCode()
			res := Fail("exit_nonzero", clip(&stderr), true)
			res.Data = data
			return res
		}
		return Fail("exec_error", err.Error(), true)
	}
	data["exit_code"] = 0
	return Result{Success: true, Data: data}
}
