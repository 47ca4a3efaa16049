package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

// Dangerous command patterns denied regardless of config.
var defaultDenyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+-[rf]{1,2}\b`),
	regexp.MustCompile(`\b(mkfs|diskpart)\b`),
	regexp.MustCompile(`\bdd\s+if=`),
	regexp.MustCompile(`\b(shutdown|reboot|poweroff)\b`),
	regexp.MustCompile(`:\(\)\s*\{.*\};\s*:`), // fork bomb
	regexp.MustCompile(`\bcurl\b.*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\bsudo\b`),
}

const shellOutputLimit = 16 * 1024

// ShellTool runs a command in the workspace directory. Normally behind the
// approval gate.
type ShellTool struct {
	workDir string
	timeout time.Duration
}

func NewShellTool(workDir string, timeout time.Duration) *ShellTool {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &ShellTool{workDir: workDir, timeout: timeout}
}

func (t *ShellTool) Name() string { return "shell" }

func (t *ShellTool) Description() string {
	return "Run a shell command in the workspace directory and return its output."
}

func (t *ShellTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "The command to run",
			},
		},
		"required": []string{"command"},
	}
}

func (t *ShellTool) Execute(ctx context.Context, args map[string]any) *Result {
	command, _ := args["command"].(string)
	if strings.TrimSpace(command) == "" {
		return ErrorResult("shell: command is required")
	}
	for _, pat := range defaultDenyPatterns {
		if pat.MatchString(command) {
			return ErrorResult("shell: command blocked by safety policy")
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = t.workDir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	text := out.String()
	if len(text) > shellOutputLimit {
		text = text[:shellOutputLimit] + "\n... (output truncated)"
	}
	if runCtx.Err() == context.DeadlineExceeded {
		return ErrorResult(fmt.Sprintf("shell: command timed out after %s\n%s", t.timeout, text))
	}
	if err != nil {
		return ErrorResult(fmt.Sprintf("shell: %v\n%s", err, text))
	}
	if text == "" {
		text = "(no output)"
	}
	return NewResult(text)
}
