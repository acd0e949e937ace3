package agentstream

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/travissaylor/william/internal/ui"
)

const (
	toolSummaryLimit = 80
	errorTextLimit   = 200
)

// Consumer is the stream consumer (C6): it wires a spawned child's
// stdout/stderr into a Parser, fans typed events out to a ui.Emitter, and
// appends every raw NDJSON line (plus verbatim stderr) to an iteration log
// file.
type Consumer struct {
	parser  *Parser
	emitter ui.Emitter
	storyID string
	log     *os.File
}

// NewConsumer opens logPath (creating it if needed) and returns a Consumer
// ready to receive Feed/FeedStderr calls for the given story.
func NewConsumer(emitter ui.Emitter, storyID, logPath string) (*Consumer, error) {
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("agentstream: opening iteration log %s: %w", logPath, err)
	}
	c := &Consumer{emitter: emitter, storyID: storyID, log: f}
	c.parser = NewParser(c)
	return c, nil
}

// Feed forwards a chunk of the child's stdout to the underlying parser.
func (c *Consumer) Feed(chunk []byte) {
	c.parser.Feed(chunk)
}

// FeedStderr appends stderr bytes to the log file verbatim and forwards them
// as an error event. Stderr is never discarded, unlike output the agent
// writes that doesn't match the NDJSON protocol.
func (c *Consumer) FeedStderr(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	if c.log != nil {
		c.log.Write(chunk)
	}
	c.emitter.Emit(ui.Event{Kind: ui.KindError, StoryID: c.storyID, Text: strings.TrimRight(string(chunk), "\n")})
}

// Close flushes any buffered partial line, closes the log file, and returns
// the final StreamSession. Emitting thinking-stop on child close is the
// caller's responsibility (internal/loop), since it happens at the process
// lifecycle boundary rather than as a parsed-line reaction.
func (c *Consumer) Close() (*StreamSession, error) {
	c.parser.Flush()
	var err error
	if c.log != nil {
		err = c.log.Close()
		c.log = nil
	}
	if err != nil {
		return c.parser.Session(), fmt.Errorf("agentstream: closing iteration log: %w", err)
	}
	return c.parser.Session(), nil
}

// Abort closes the log file without a final flush, for a child that errored
// out before producing a well-formed stream.
func (c *Consumer) Abort() {
	if c.log != nil {
		c.log.Close()
		c.log = nil
	}
}

// OnMessage implements Sink: log the raw line, then translate it into zero
// or more ui.Events.
func (c *Consumer) OnMessage(evt MessageEvent, session *StreamSession) {
	if c.log != nil {
		c.log.Write(evt.Raw)
		c.log.Write([]byte("\n"))
	}

	switch evt.Type {
	case "system":
		var sys struct {
			Subtype string `json:"subtype"`
			Model   string `json:"model"`
		}
		json.Unmarshal(evt.Raw, &sys)
		if sys.Subtype == "init" {
			c.emitter.Emit(ui.Event{Kind: ui.KindSystem, StoryID: c.storyID, Model: sys.Model})
		}
	case "assistant":
		var msg struct {
			Message json.RawMessage `json:"message"`
		}
		json.Unmarshal(evt.Raw, &msg)
		for _, block := range messageBlocks(msg.Message) {
			switch block.Type {
			case "text":
				if block.Text != "" {
					c.emitter.Emit(ui.Event{Kind: ui.KindAssistantText, StoryID: c.storyID, Text: block.Text})
				}
			case "tool_use":
				c.emitter.Emit(ui.Event{
					Kind:     ui.KindToolCall,
					StoryID:  c.storyID,
					ToolName: block.Name,
					Summary:  summarizeToolInput(block.Input),
				})
			}
		}
	case "user":
		var msg struct {
			Message json.RawMessage `json:"message"`
		}
		json.Unmarshal(evt.Raw, &msg)
		for _, block := range messageBlocks(msg.Message) {
			if block.Type == "tool_result" && block.IsError {
				content := block.Content
				if content == "" && len(block.ContentRaw) > 0 {
					content = string(block.ContentRaw)
				}
				c.emitter.Emit(ui.Event{Kind: ui.KindError, StoryID: c.storyID, Text: truncate(content, errorTextLimit)})
			}
		}
		c.emitter.Emit(ui.Event{Kind: ui.KindThinkingStart, StoryID: c.storyID})
	case "result":
		c.emitter.Emit(ui.Event{
			Kind:         ui.KindResult,
			StoryID:      c.storyID,
			CostUSD:      session.TotalCostUSD,
			InputTokens:  session.InputTokens,
			OutputTokens: session.OutputTokens,
			DurationMs:   session.DurationMs,
		})
	}
}

// OnParseError implements Sink: a malformed NDJSON line becomes an error
// event but never aborts the stream.
func (c *Consumer) OnParseError(evt ParseErrorEvent) {
	c.emitter.Emit(ui.Event{
		Kind:    ui.KindError,
		StoryID: c.storyID,
		Text:    fmt.Sprintf("malformed NDJSON line: %v", evt.Err),
	})
}

// summarizeToolInput produces a short one-line description of a tool_use's
// input, preferring the fields most likely to identify what the tool did.
func summarizeToolInput(input json.RawMessage) string {
	if len(input) == 0 {
		return ""
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(input, &fields); err != nil {
		return truncate(string(input), toolSummaryLimit)
	}
	for _, key := range []string{"command", "file_path", "pattern", "query"} {
		if raw, ok := fields[key]; ok {
			var s string
			if json.Unmarshal(raw, &s) == nil && s != "" {
				return truncate(s, toolSummaryLimit)
			}
		}
	}
	for _, raw := range fields {
		var s string
		if json.Unmarshal(raw, &s) == nil && s != "" {
			return truncate(s, toolSummaryLimit)
		}
	}
	return ""
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
