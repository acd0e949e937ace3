// Package chain implements the Chain Context Extractor (C5): it distills a
// completed StreamSession into a compact summary that is carried forward
// into the next story's prompt, so the agent doesn't lose track of what the
// previous story touched.
package chain

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/travissaylor/william/internal/agentstream"
)

// ChainContext is the distillation of one completed story's StreamSession.
type ChainContext struct {
	FilesModified []string
	FilesRead     []string
	CommandsRun   []string
	Errors        []string
	KeyDecisions  []string

	CostUSD      float64
	InputTokens  int
	OutputTokens int
	DurationMs   int64
}

// Extract builds a ChainContext from a completed session, per the
// classify-and-dedupe rules: Write|Edit tool uses become filesModified,
// Read becomes filesRead, Bash becomes commandsRun, is_error tool results
// become errors, and the last five non-empty assistant text blocks become
// keyDecisions.
func Extract(session *agentstream.StreamSession) ChainContext {
	ctx := ChainContext{
		CostUSD:      session.TotalCostUSD,
		InputTokens:  session.InputTokens,
		OutputTokens: session.OutputTokens,
		DurationMs:   session.DurationMs,
	}

	seenModified := map[string]bool{}
	seenRead := map[string]bool{}
	seenCommand := map[string]bool{}

	for _, use := range session.ToolUses {
		var input map[string]json.RawMessage
		if json.Unmarshal(use.Input, &input) != nil {
			continue
		}
		switch use.Name {
		case "Write", "Edit":
			if path, ok := stringField(input, "file_path", "path"); ok && !seenModified[path] {
				seenModified[path] = true
				ctx.FilesModified = append(ctx.FilesModified, path)
			}
		case "Read":
			if path, ok := stringField(input, "file_path", "path"); ok && !seenRead[path] {
				seenRead[path] = true
				ctx.FilesRead = append(ctx.FilesRead, path)
			}
		case "Bash":
			if cmd, ok := stringField(input, "command"); ok && !seenCommand[cmd] {
				seenCommand[cmd] = true
				ctx.CommandsRun = append(ctx.CommandsRun, cmd)
			}
		}
	}

	for _, res := range session.ToolResults {
		if !res.IsError {
			continue
		}
		ctx.Errors = append(ctx.Errors, fmt.Sprintf("[%s] %s", res.ToolUseID, truncate(res.Content, 300)))
	}

	var decisions []string
	for _, raw := range session.Events {
		var evt struct {
			Type    string          `json:"type"`
			Message json.RawMessage `json:"message"`
		}
		if json.Unmarshal(raw, &evt) != nil || evt.Type != "assistant" {
			continue
		}
		var msg struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		}
		if json.Unmarshal(evt.Message, &msg) != nil {
			continue
		}
		for _, block := range msg.Content {
			if block.Type == "text" && strings.TrimSpace(block.Text) != "" {
				decisions = append(decisions, block.Text)
			}
		}
	}
	if len(decisions) > 5 {
		decisions = decisions[len(decisions)-5:]
	}
	ctx.KeyDecisions = decisions

	return ctx
}

func stringField(fields map[string]json.RawMessage, keys ...string) (string, bool) {
	for _, key := range keys {
		if raw, ok := fields[key]; ok {
			var s string
			if json.Unmarshal(raw, &s) == nil && s != "" {
				return s, true
			}
		}
	}
	return "", false
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}

// Format renders ctx as a Markdown block headed by storyId, with each
// subsection present only when non-empty and an always-present Session
// Stats subsection.
func Format(ctx ChainContext, storyID string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Chain Context from %s\n\n", storyID)

	writeList(&b, "Files Modified", backtick(capList(ctx.FilesModified, 15)))
	writeList(&b, "Files Referenced", backtick(capList(ctx.FilesRead, 15)))
	writeList(&b, "Commands Run", truncateEach(capList(ctx.CommandsRun, 20), 200))
	writeList(&b, "Errors Encountered", truncateEach(capList(ctx.Errors, 10), 200))
	writeList(&b, "Key Decisions", truncateEach(capList(ctx.KeyDecisions, 5), 500))

	b.WriteString("### Session Stats\n\n")
	fmt.Fprintf(&b, "- Cost: $%.4f\n", ctx.CostUSD)
	fmt.Fprintf(&b, "- Tokens: %d in / %d out\n", ctx.InputTokens, ctx.OutputTokens)
	fmt.Fprintf(&b, "- Duration: %.1fs\n", float64(ctx.DurationMs)/1000)

	return b.String()
}

func writeList(b *strings.Builder, heading string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "### %s\n\n", heading)
	for _, item := range items {
		fmt.Fprintf(b, "- %s\n", item)
	}
	b.WriteString("\n")
}

func capList(items []string, limit int) []string {
	if len(items) <= limit {
		return items
	}
	return items[:limit]
}

func backtick(items []string) []string {
	out := make([]string, len(items))
	for i, s := range items {
		out[i] = "`" + s + "`"
	}
	return out
}

func truncateEach(items []string, limit int) []string {
	out := make([]string, len(items))
	for i, s := range items {
		out[i] = truncate(s, limit)
	}
	return out
}
