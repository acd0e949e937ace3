// Package agentstream implements the chunk-tolerant NDJSON parser (C4) that
// turns an agent CLI's newline-delimited JSON event stream into a
// cumulative StreamSession, and the stream consumer (C6) that wires a
// spawned child's stdout/stderr into it.
package agentstream

import (
	"bytes"
	"encoding/json"
	"strings"
)

// ToolUse is one tool_use content block from an assistant message.
type ToolUse struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult is one tool_result content block from a user message.
type ToolResult struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error"`
}

// StreamSession is the cumulative record built from one agent invocation's
// NDJSON stream.
type StreamSession struct {
	Events      []json.RawMessage
	FullText    string
	ToolUses    []ToolUse
	ToolResults []ToolResult

	SessionID     string
	TotalCostUSD  float64
	InputTokens   int
	OutputTokens  int
	DurationMs    int64
	NumTurns      int
	ResultSubtype string // success | error_max_turns | error_tool | error_unknown | ""
}

// MessageEvent is emitted once per successfully parsed NDJSON line.
type MessageEvent struct {
	Raw  json.RawMessage
	Type string
}

// ParseErrorEvent is emitted once per malformed NDJSON line.
type ParseErrorEvent struct {
	Line string
	Err  error
}

// Sink receives parser events. Implementations must not block; C6 wires
// this to the UI emitter and the iteration log file.
type Sink interface {
	OnMessage(MessageEvent, *StreamSession)
	OnParseError(ParseErrorEvent)
}

// Parser is a resumable, chunk-tolerant NDJSON line parser that accumulates
// a StreamSession across Feed calls and an explicit Flush.
type Parser struct {
	buf     bytes.Buffer
	session StreamSession
	sink    Sink
}

// NewParser creates a Parser that reports events to sink (which may be nil
// to build a session without any side channel, e.g. in tests).
func NewParser(sink Sink) *Parser {
	return &Parser{sink: sink}
}

// Session returns the cumulative session built so far.
func (p *Parser) Session() *StreamSession {
	return &p.session
}

// Feed appends a chunk of bytes (in arrival order) and parses every
// complete line it contains. An incomplete trailing line is retained in
// the internal buffer until the next Feed or Flush.
func (p *Parser) Feed(chunk []byte) {
	p.buf.Write(chunk)
	for {
		data := p.buf.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		line := make([]byte, idx)
		copy(line, data[:idx])
		p.buf.Next(idx + 1)
		p.parseLine(line)
	}
}

// Flush attempts to parse any remaining buffered content as a final line,
// for streams that do not end with a trailing newline.
func (p *Parser) Flush() {
	if p.buf.Len() == 0 {
		return
	}
	line := make([]byte, p.buf.Len())
	copy(line, p.buf.Bytes())
	p.buf.Reset()
	p.parseLine(line)
}

func (p *Parser) parseLine(line []byte) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return
	}

	var top struct {
		Type    string          `json:"type"`
		Subtype string          `json:"subtype"`
		Message json.RawMessage `json:"message"`

		SessionID    string  `json:"session_id"`
		TotalCostUSD float64 `json:"total_cost_usd"`
		DurationMs   int64   `json:"duration_ms"`
		NumTurns     int     `json:"num_turns"`
		Usage        struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}

	if err := json.Unmarshal(trimmed, &top); err != nil {
		if p.sink != nil {
			p.sink.OnParseError(ParseErrorEvent{Line: string(trimmed), Err: err})
		}
		return
	}

	raw := json.RawMessage(append([]byte(nil), trimmed...))
	p.session.Events = append(p.session.Events, raw)

	switch top.Type {
	case "system":
		if top.Subtype == "init" {
			p.session.SessionID = top.SessionID
		}
	case "assistant":
		for _, block := range messageBlocks(top.Message) {
			if block.Type == "text" {
				p.session.FullText += block.Text
			}
			if block.Type == "tool_use" {
				p.session.ToolUses = append(p.session.ToolUses, ToolUse{
					ID: block.ID, Name: block.Name, Input: block.Input,
				})
			}
		}
	case "user":
		for _, block := range messageBlocks(top.Message) {
			if block.Type == "tool_result" {
				content := block.Content
				if content == "" && len(block.ContentRaw) > 0 {
					content = string(block.ContentRaw)
				}
				p.session.ToolResults = append(p.session.ToolResults, ToolResult{
					ToolUseID: block.ToolUseID,
					Content:   content,
					IsError:   block.IsError,
				})
			}
		}
	case "result":
		p.session.TotalCostUSD = top.TotalCostUSD
		p.session.InputTokens = top.Usage.InputTokens
		p.session.OutputTokens = top.Usage.OutputTokens
		p.session.DurationMs = top.DurationMs
		p.session.NumTurns = top.NumTurns
		p.session.ResultSubtype = top.Subtype
	}

	if p.sink != nil {
		p.sink.OnMessage(MessageEvent{Raw: raw, Type: top.Type}, &p.session)
	}
}

type contentBlock struct {
	Type       string          `json:"type"`
	Text       string          `json:"text"`
	Name       string          `json:"name"`
	ID         string          `json:"id"`
	ToolUseID  string          `json:"tool_use_id"`
	Input      json.RawMessage `json:"input"`
	Content    string          `json:"-"`
	ContentRaw json.RawMessage `json:"content"`
	IsError    bool            `json:"is_error"`
}

func messageBlocks(raw json.RawMessage) []contentBlock {
	if len(raw) == 0 {
		return nil
	}
	var msg struct {
		Content []contentBlock `json:"content"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil
	}
	for i := range msg.Content {
		var s string
		if json.Unmarshal(msg.Content[i].ContentRaw, &s) == nil {
			msg.Content[i].Content = s
		}
	}
	return msg.Content
}

// HasSentinel reports whether text contains the given literal sentinel
// substring.
func HasSentinel(text, sentinel string) bool {
	return strings.Contains(text, sentinel)
}
