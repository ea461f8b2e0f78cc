// Package agent renders prompts and runs the agent CLI as a detached
// subprocess, streaming its line-delimited JSON events.
package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/codeready-toolchain/agentbatch/pkg/proc"
)

// Failure reasons recorded on unsuccessful executions.
const (
	FailureTimeout     = "timeout"
	FailureNoResult    = "no_result"
	FailureUnavailable = "unavailable"
	FailureError       = "error"
	FailureCanceled    = "canceled"
)

// Request describes one agent execution.
type Request struct {
	// Template is the worker prompt template; Payload fills its placeholders.
	Template string
	Payload  map[string]any

	// Timeout bounds the subprocess. Zero means no timeout.
	Timeout time.Duration

	// WorkDir is the subprocess working directory ("" = inherit).
	WorkDir string

	// AddDirs are extra directories the agent is granted access to, merged
	// with the directories derived from the payload.
	AddDirs []string

	// OnEvent is invoked for every parsed stream event, in order.
	OnEvent func(event map[string]any)

	// OnProcessStart is invoked with the subprocess PID once it is running,
	// so the caller can persist it for kill support.
	OnProcessStart func(pid int)

	// OnSessionID is invoked as soon as the init event reports a session.
	OnSessionID func(sessionID string)
}

// Result is the outcome of one agent execution.
type Result struct {
	Success        bool
	Output         string
	Error          string
	FailureReason  string
	Conversation   []map[string]any
	RenderedPrompt string
	SessionID      string
	CostUSD        float64
	NumTurns       int
	DurationMS     int64
	APIDurationMS  int64
	ExitCode       int
}

// Runner executes the agent CLI. Safe for concurrent use; each Execute call
// spawns its own subprocess.
type Runner struct {
	cliPath  string
	model    string
	maxTurns int
	logger   *slog.Logger
}

// NewRunner returns a Runner invoking cliPath. model and maxTurns are
// optional overrides passed through to the CLI.
func NewRunner(cliPath, model string, maxTurns int, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		cliPath:  cliPath,
		model:    model,
		maxTurns: maxTurns,
		logger:   logger.With("component", "agent"),
	}
}

// Available reports whether the agent CLI can be found on PATH. Job creation
// checks this up front so a missing binary fails fast instead of failing
// every unit.
func (r *Runner) Available() bool {
	_, err := exec.LookPath(r.cliPath)
	return err == nil
}

// buildArgs assembles the CLI invocation for a rendered prompt.
func (r *Runner) buildArgs(prompt string, dirs []string) []string {
	args := []string{"--print", prompt, "--output-format", "stream-json", "--verbose"}
	if r.model != "" {
		args = append(args, "--model", r.model)
	}
	if r.maxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(r.maxTurns))
	}
	if len(dirs) > 0 {
		args = append(args, "--dangerously-skip-permissions")
		for _, d := range dirs {
			args = append(args, "--add-dir", d)
		}
	}
	return args
}

// Execute renders the prompt and runs one agent subprocess to completion.
// It always returns a non-nil Result; subprocess failures are reported in the
// Result, and the error return is reserved for context cancellation.
//
// The child gets a null stdin and its own session: a detached supervisor has
// no terminal, and an agent that prompts for input would otherwise hang the
// slot forever.
func (r *Runner) Execute(ctx context.Context, req Request) *Result {
	prompt := RenderPrompt(req.Template, req.Payload)
	res := &Result{RenderedPrompt: prompt, ExitCode: -1}

	dirs := append(PayloadDirs(req.Payload), req.AddDirs...)
	cmd := exec.Command(r.cliPath, r.buildArgs(prompt, dirs)...)
	cmd.Dir = req.WorkDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	devnull, err := os.Open(os.DevNull)
	if err != nil {
		res.Error = fmt.Sprintf("opening %s: %v", os.DevNull, err)
		res.FailureReason = FailureError
		return res
	}
	defer devnull.Close()
	cmd.Stdin = devnull
	cmd.Stderr = nil

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		res.Error = fmt.Sprintf("creating stdout pipe: %v", err)
		res.FailureReason = FailureError
		return res
	}

	started := time.Now()
	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			res.Error = fmt.Sprintf("agent CLI %q not found", r.cliPath)
			res.FailureReason = FailureUnavailable
		} else {
			res.Error = fmt.Sprintf("starting agent: %v", err)
			res.FailureReason = FailureError
		}
		return res
	}
	pid := cmd.Process.Pid
	if req.OnProcessStart != nil {
		req.OnProcessStart(pid)
	}
	r.logger.Debug("agent started", "pid", pid, "timeout", req.Timeout)

	var terminal map[string]any
	scanDone := make(chan struct{})
	go func() {
		defer close(scanDone)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var event map[string]any
			if err := json.Unmarshal(line, &event); err != nil {
				r.logger.Debug("skipping unparseable stream line", "pid", pid)
				continue
			}
			r.handleEvent(res, req, event)
			if event["type"] == "result" {
				terminal = event
			}
		}
	}()

	var timeoutCh <-chan time.Time
	if req.Timeout > 0 {
		timer := time.NewTimer(req.Timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	timedOut := false
	canceled := false
	select {
	case <-scanDone:
	case <-timeoutCh:
		timedOut = true
		r.logger.Warn("agent timed out, killing process group", "pid", pid)
		_ = proc.KillGroup(pid)
		<-scanDone
	case <-ctx.Done():
		canceled = true
		_ = proc.KillGroup(pid)
		<-scanDone
	}

	waitErr := cmd.Wait()
	res.DurationMS = time.Since(started).Milliseconds()
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	switch {
	case timedOut:
		res.Success = false
		res.Error = fmt.Sprintf("agent exceeded timeout of %s", req.Timeout)
		res.FailureReason = FailureTimeout
	case canceled:
		res.Success = false
		res.Error = "execution canceled"
		res.FailureReason = FailureCanceled
	case terminal == nil:
		res.Success = false
		if waitErr != nil {
			res.Error = fmt.Sprintf("agent exited without a result: %v", waitErr)
		} else {
			res.Error = "agent stream ended without a result event"
		}
		res.FailureReason = FailureNoResult
	default:
		r.applyTerminal(res, terminal)
	}

	r.logger.Debug("agent finished",
		"pid", pid, "success", res.Success, "reason", res.FailureReason,
		"exit_code", res.ExitCode, "duration_ms", res.DurationMS)
	return res
}

// handleEvent folds one stream event into the result and forwards it.
func (r *Runner) handleEvent(res *Result, req Request, event map[string]any) {
	switch event["type"] {
	case "system":
		if event["subtype"] == "init" {
			if sid, ok := event["session_id"].(string); ok && sid != "" {
				res.SessionID = sid
				if req.OnSessionID != nil {
					req.OnSessionID(sid)
				}
			}
		}
	case "assistant", "user":
		res.Conversation = append(res.Conversation, event)
	}
	if req.OnEvent != nil {
		req.OnEvent(event)
	}
}

// applyTerminal interprets the terminal result event.
func (r *Runner) applyTerminal(res *Result, event map[string]any) {
	isError, _ := event["is_error"].(bool)
	res.Success = !isError
	if out, ok := event["result"].(string); ok {
		if isError {
			res.Error = out
			res.FailureReason = FailureError
		} else {
			res.Output = out
		}
	} else if isError {
		res.Error = "agent reported an error"
		res.FailureReason = FailureError
	}
	if sid, ok := event["session_id"].(string); ok && sid != "" {
		res.SessionID = sid
	}
	if v, ok := event["total_cost_usd"].(float64); ok {
		res.CostUSD = v
	}
	if v, ok := event["num_turns"].(float64); ok {
		res.NumTurns = int(v)
	}
	if v, ok := event["duration_ms"].(float64); ok {
		res.DurationMS = int64(v)
	}
	if v, ok := event["duration_api_ms"].(float64); ok {
		res.APIDurationMS = int64(v)
	}
}
