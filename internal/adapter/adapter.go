// Package adapter implements the Tool-Adapter Interface (C9): the
// indirection between the iteration loop and whatever coding-agent CLI is
// actually spawned, plus the sentinel scan that turns a finished session's
// text into a completion verdict.
package adapter

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"

	"github.com/travissaylor/william/internal/agentstream"
)

const (
	sentinelAllComplete   = "<promise>ALL_COMPLETE</promise>"
	sentinelStoryComplete = "<promise>STORY_COMPLETE</promise>"
)

// SpawnOptions configures one agent invocation.
type SpawnOptions struct {
	Cwd          string
	Model        string
	MaxTurns     int
	MaxBudgetUSD float64
	AllowedTools []string
}

// Process is a running child process with its output pipes already opened,
// ready for C6 to drain.
type Process struct {
	Stdout io.ReadCloser
	Stderr io.ReadCloser
	wait   func() error
}

// Wait blocks until the child exits and returns its error, if any.
func (p *Process) Wait() error { return p.wait() }

// NewProcess builds a Process from already-open pipes and a wait function,
// letting a test Adapter satisfy the interface without shelling out.
func NewProcess(stdout, stderr io.ReadCloser, wait func() error) *Process {
	return &Process{Stdout: stdout, Stderr: stderr, wait: wait}
}

// Adapter is the indirection between the iteration loop and a concrete
// coding-agent CLI.
type Adapter interface {
	// Name identifies the adapter, used in dashboard/log output.
	Name() string
	// Spawn starts the agent with the given prompt and working directory,
	// returning a Process whose Stdout/Stderr are ready to be read.
	Spawn(ctx context.Context, prompt string, opts SpawnOptions) (*Process, error)
	// ParseOutput scans a finished session's accumulated text for the
	// completion sentinels.
	ParseOutput(session *agentstream.StreamSession) OutputResult
}

// OutputResult is the verdict ParseOutput derives from a session's text.
type OutputResult struct {
	StoryComplete bool
	AllComplete   bool
}

// ParseSentinels implements the shared sentinel-scan rule used by every
// adapter: ALL_COMPLETE implies both flags; STORY_COMPLETE alone implies
// just storyComplete. No placement/context validation is performed — a
// bare substring match is sufficient, matching the convention observed
// across coding-agent orchestrators.
func ParseSentinels(fullText string) OutputResult {
	if agentstream.HasSentinel(fullText, sentinelAllComplete) {
		return OutputResult{StoryComplete: true, AllComplete: true}
	}
	if agentstream.HasSentinel(fullText, sentinelStoryComplete) {
		return OutputResult{StoryComplete: true}
	}
	return OutputResult{}
}

// ClaudeAdapter shells out to the `claude` CLI in streaming NDJSON mode.
type ClaudeAdapter struct {
	// BinPath is the path to the claude binary. Defaults to "claude".
	BinPath string
}

// NewClaudeAdapter builds a ClaudeAdapter with default settings.
func NewClaudeAdapter() *ClaudeAdapter {
	return &ClaudeAdapter{BinPath: "claude"}
}

func (a *ClaudeAdapter) Name() string { return "claude" }

func (a *ClaudeAdapter) buildArgs(prompt string, opts SpawnOptions) []string {
	args := []string{
		"-p", prompt,
		"--output-format", "stream-json",
		"--verbose",
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(opts.MaxTurns))
	}
	if opts.MaxBudgetUSD > 0 {
		args = append(args, "--max-budget", strconv.FormatFloat(opts.MaxBudgetUSD, 'f', -1, 64))
	}
	for _, tool := range opts.AllowedTools {
		args = append(args, "--allowedTools", tool)
	}
	return args
}

func (a *ClaudeAdapter) Spawn(ctx context.Context, prompt string, opts SpawnOptions) (*Process, error) {
	bin := a.BinPath
	if bin == "" {
		bin = "claude"
	}

	cmd := exec.CommandContext(ctx, bin, a.buildArgs(prompt, opts)...)
	if opts.Cwd != "" {
		cmd.Dir = opts.Cwd
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("adapter: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("adapter: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("adapter: starting %s: %w", bin, err)
	}

	return &Process{
		Stdout: stdout,
		Stderr: stderr,
		wait:   cmd.Wait,
	}, nil
}

func (a *ClaudeAdapter) ParseOutput(session *agentstream.StreamSession) OutputResult {
	return ParseSentinels(session.FullText)
}
