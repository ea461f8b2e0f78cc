package enumerate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"time"
)

const defaultCommandTimeout = 60 * time.Second

// commandEnumerator runs a user-supplied program that prints a JSON array of
// items on stdout. The program is privileged, not sandboxed: a human must set
// approved=true after reviewing it, and execution is refused otherwise.
type commandEnumerator struct {
	command  string
	args     []string
	workDir  string
	approved bool
	timeout  time.Duration
	limit    int
}

func newCommandEnumerator(config map[string]any) *commandEnumerator {
	e := &commandEnumerator{
		command:  strCfg(config, "command", ""),
		args:     strSliceCfg(config, "args"),
		workDir:  strCfg(config, "working_directory", ""),
		approved: boolCfg(config, "approved", false),
		timeout:  defaultCommandTimeout,
		limit:    intCfg(config, "limit", 0),
	}
	if secs := intCfg(config, "timeout_seconds", 0); secs > 0 {
		e.timeout = time.Duration(secs) * time.Second
	}
	return e
}

func (e *commandEnumerator) Type() string { return "command" }

func (e *commandEnumerator) Validate() error {
	if e.command == "" {
		return fmt.Errorf("command is required")
	}
	if !e.approved {
		return &ApprovalRequired{Command: e.command, Args: e.args}
	}
	return nil
}

func (e *commandEnumerator) Enumerate(ctx context.Context) (*Result, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, e.command, e.args...)
	cmd.Dir = e.workDir
	devnull, err := os.Open(os.DevNull)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", os.DevNull, err)
	}
	defer devnull.Close()
	cmd.Stdin = devnull

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("enumerator program timed out after %s", e.timeout)
		}
		return nil, fmt.Errorf("enumerator program failed: %w (stderr: %s)", err, stderr.String())
	}

	var list []any
	if err := json.Unmarshal(stdout.Bytes(), &list); err != nil {
		return nil, fmt.Errorf("enumerator program did not print a JSON array: %w", err)
	}

	var items []map[string]any
	for idx, raw := range list {
		var item map[string]any
		if obj, ok := raw.(map[string]any); ok {
			item = make(map[string]any, len(obj)+1)
			for k, v := range obj {
				item[k] = v
			}
		} else {
			item = map[string]any{"value": raw}
		}
		item["_index"] = idx
		items = append(items, item)
		if e.limit > 0 && len(items) >= e.limit {
			break
		}
	}

	return &Result{
		Items: items,
		Metadata: map[string]any{
			"command":    e.command,
			"args":       e.args,
			"item_count": len(items),
		},
	}, nil
}

func (e *commandEnumerator) SampleItem(ctx context.Context) (map[string]any, error) {
	return sampleViaEnumerate(ctx, e)
}

func (e *commandEnumerator) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command":           map[string]any{"type": "string", "description": "Program to execute; must print a JSON array of items on stdout"},
			"args":              map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Program arguments"},
			"working_directory": map[string]any{"type": "string", "description": "Working directory for the program"},
			"approved":          map[string]any{"type": "boolean", "description": "Must be true after human review; execution is refused otherwise", "default": false},
			"timeout_seconds":   map[string]any{"type": "integer", "description": "Program timeout", "default": 60},
			"limit":             map[string]any{"type": "integer", "description": "Maximum number of items to return", "minimum": 1},
		},
		"required": []string{"command"},
	}
}
