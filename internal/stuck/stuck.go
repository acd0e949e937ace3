// Package stuck implements the Stuck Detector (C7): a pure heuristic
// escalation ladder run after every iteration, deciding whether the loop
// should continue, write a hint for the next prompt, skip the current
// story, or pause the whole workspace.
package stuck

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/travissaylor/william/internal/agentstream"
)

// Action is the detector's single output per iteration.
type Action string

const (
	ActionContinue Action = "continue"
	ActionHint     Action = "hint"
	ActionSkip     Action = "skip"
	ActionPause    Action = "pause"
)

// HintFileName is the per-workspace file that records the current
// escalation reasoning for the next prompt to read.
const HintFileName = ".stuck-hint.md"

// PausedFileName is written when the workspace is paused for operator
// attention.
const PausedFileName = ".paused"

const toolLoopThreshold = 10
const highErrorRateThreshold = 0.5

// Result carries the decided action plus the reason string that was (or
// would have been) written to the hint/paused file.
type Result struct {
	Action Action
	Reason string
}

// Detect runs the escalation ladder for one story given its attempt count,
// whether a hint file currently exists, and the session produced by the
// iteration that just finished.
func Detect(workspaceDir string, attempts int, session *agentstream.StreamSession) Result {
	hintPath := filepath.Join(workspaceDir, HintFileName)
	hintExists := fileExists(hintPath)

	if hintExists && attempts >= 7 {
		return Result{Action: ActionPause, Reason: fmt.Sprintf("paused after %d attempts with a stuck hint present", attempts)}
	}
	if hintExists && attempts >= 5 {
		return Result{Action: ActionSkip, Reason: fmt.Sprintf("Skipped after %d attempts with stuck hint present", attempts)}
	}

	reasons := signalReasons(session)
	if attempts >= 3 || len(reasons) > 0 {
		if attempts >= 3 {
			reasons = append([]string{fmt.Sprintf("%d attempts without completion", attempts)}, reasons...)
		}
		return Result{Action: ActionHint, Reason: strings.Join(reasons, "; ")}
	}

	return Result{Action: ActionContinue}
}

// signalReasons computes the three session-derived stuck signals: tool
// loop, zero progress, and high error rate.
func signalReasons(session *agentstream.StreamSession) []string {
	if session == nil {
		return nil
	}
	var reasons []string

	if loopKey, ok := toolLoopKey(session); ok {
		reasons = append(reasons, fmt.Sprintf("repeated identical tool call detected (%s)", loopKey))
	}

	if len(session.ToolUses) > 0 && !hasWriteOrEdit(session) {
		reasons = append(reasons, "no file changes made despite tool activity")
	}

	if len(session.ToolResults) > 0 {
		errCount := 0
		for _, r := range session.ToolResults {
			if r.IsError {
				errCount++
			}
		}
		if float64(errCount)/float64(len(session.ToolResults)) > highErrorRateThreshold {
			reasons = append(reasons, fmt.Sprintf("high tool error rate (%d/%d results errored)", errCount, len(session.ToolResults)))
		}
	}

	return reasons
}

func toolLoopKey(session *agentstream.StreamSession) (string, bool) {
	counts := map[string]int{}
	for _, use := range session.ToolUses {
		key := use.Name + ":" + string(use.Input)
		counts[key]++
		if counts[key] >= toolLoopThreshold {
			return use.Name, true
		}
	}
	return "", false
}

func hasWriteOrEdit(session *agentstream.StreamSession) bool {
	for _, use := range session.ToolUses {
		if use.Name == "Write" || use.Name == "Edit" {
			return true
		}
	}
	return false
}

// WriteHintFile renders a human-readable Markdown hint describing the
// escalation reason, up to 20 truncated error results, up to 10 modified
// file paths, and the session's counters, then writes it to workspaceDir.
func WriteHintFile(workspaceDir, reason string, session *agentstream.StreamSession) error {
	var b strings.Builder
	b.WriteString("# Stuck Recovery Hint\n\n")
	fmt.Fprintf(&b, "## Reason\n\n%s\n\n", reason)

	if session != nil {
		errs := errorResults(session, 20)
		if len(errs) > 0 {
			b.WriteString("## Error Results\n\n")
			for _, e := range errs {
				fmt.Fprintf(&b, "- %s\n", e)
			}
			b.WriteString("\n")
		}

		paths := modifiedPaths(session, 10)
		if len(paths) > 0 {
			b.WriteString("## Files Modified\n\n")
			for _, p := range paths {
				fmt.Fprintf(&b, "- `%s`\n", p)
			}
			b.WriteString("\n")
		}

		b.WriteString("## Session Stats\n\n")
		fmt.Fprintf(&b, "- Cost: $%.4f\n", session.TotalCostUSD)
		fmt.Fprintf(&b, "- Tokens: %d in / %d out\n", session.InputTokens, session.OutputTokens)
		fmt.Fprintf(&b, "- Tool uses: %d, tool results: %d\n\n", len(session.ToolUses), len(session.ToolResults))
	}

	b.WriteString("## Suggestion\n\n")
	b.WriteString("Re-read the acceptance criteria closely and try a narrower, more incremental approach; " +
		"consider whether a prior assumption about the codebase was wrong before repeating the same tool calls.\n")

	return os.WriteFile(filepath.Join(workspaceDir, HintFileName), []byte(b.String()), 0644)
}

func errorResults(session *agentstream.StreamSession, limit int) []string {
	var out []string
	for _, r := range session.ToolResults {
		if !r.IsError {
			continue
		}
		out = append(out, fmt.Sprintf("[%s] %s", r.ToolUseID, truncate(r.Content, 200)))
		if len(out) >= limit {
			break
		}
	}
	return out
}

func modifiedPaths(session *agentstream.StreamSession, limit int) []string {
	seen := map[string]bool{}
	var out []string
	for _, use := range session.ToolUses {
		if use.Name != "Write" && use.Name != "Edit" {
			continue
		}
		var fields map[string]json.RawMessage
		if json.Unmarshal(use.Input, &fields) != nil {
			continue
		}
		path := ""
		for _, key := range []string{"file_path", "path"} {
			if raw, ok := fields[key]; ok {
				var s string
				if json.Unmarshal(raw, &s) == nil && s != "" {
					path = s
					break
				}
			}
		}
		if path == "" || seen[path] {
			continue
		}
		seen[path] = true
		out = append(out, path)
		if len(out) >= limit {
			break
		}
	}
	return out
}

// WritePausedFile writes the .paused sentinel with a reason line, observed
// by the loop's signal check and by CLI status reporting.
func WritePausedFile(workspaceDir, reason string) error {
	content := fmt.Sprintf("paused: %s\nat: %s\n", reason, time.Now().UTC().Format(time.RFC3339))
	return os.WriteFile(filepath.Join(workspaceDir, PausedFileName), []byte(content), 0644)
}

// RemoveHintFile deletes the hint file if present; absence is not an error.
func RemoveHintFile(workspaceDir string) error {
	err := os.Remove(filepath.Join(workspaceDir, HintFileName))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
