// Package ui implements the UI Emitter Interface (C10): a typed event sink
// that the iteration loop and stream consumer report to, with a terminal
// implementation and a dashboard implementation that republishes onto a
// workspace's wstate.Broadcast.
package ui

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"

	"github.com/travissaylor/william/internal/wstate"
)

// Kind identifies the shape of an Event.
type Kind string

const (
	KindSystem          Kind = "system"
	KindAssistantText   Kind = "assistant-text"
	KindError           Kind = "error"
	KindToolCall        Kind = "tool-call"
	KindThinkingStart   Kind = "thinking-start"
	KindThinkingStop    Kind = "thinking-stop"
	KindResult          Kind = "result"
	KindDashboardUpdate Kind = "dashboard-update"
	KindStoryStart      Kind = "story-start"
	KindStoryComplete   Kind = "story-complete"
	KindStorySkipped    Kind = "story-skipped"
)

// Event is the single payload shape carried by every emitter and published
// onto a workspace's Broadcast. Fields not meaningful to a given Kind are
// left zero.
type Event struct {
	Kind      Kind      `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	StoryID   string    `json:"storyId,omitempty"`
	StoryTitle string   `json:"storyTitle,omitempty"`

	Text     string `json:"text,omitempty"`
	Model    string `json:"model,omitempty"`
	ToolName string `json:"toolName,omitempty"`
	Summary  string `json:"summary,omitempty"`
	Reason   string `json:"reason,omitempty"`

	CostUSD      float64 `json:"costUsd,omitempty"`
	InputTokens  int     `json:"inputTokens,omitempty"`
	OutputTokens int     `json:"outputTokens,omitempty"`
	DurationMs   int64   `json:"durationMs,omitempty"`

	// Dashboard-frame fields, populated only for KindDashboardUpdate.
	Iteration         int     `json:"iteration,omitempty"`
	MaxIterations     int     `json:"maxIterations,omitempty"`
	StoriesPassed     int     `json:"storiesPassed,omitempty"`
	StoriesTotal      int     `json:"storiesTotal,omitempty"`
	StoriesSkipped    int     `json:"storiesSkipped,omitempty"`
	CumulativeCostUSD float64 `json:"cumulativeCostUsd,omitempty"`
	CumulativeInput   int     `json:"cumulativeInputTokens,omitempty"`
	CumulativeOutput  int     `json:"cumulativeOutputTokens,omitempty"`
	Attempts          int     `json:"attempts,omitempty"`
	StuckStatus       string  `json:"stuckStatus,omitempty"`
	FilesModified     int     `json:"filesModified,omitempty"`
}

// Emitter receives UI events. Implementations must not block the caller for
// long, since the iteration loop and stream consumer call it inline.
type Emitter interface {
	Emit(Event)
}

// Multi fans a single event out to every emitter in order. A nil entry is
// skipped, so callers can conditionally include the dashboard emitter.
type Multi []Emitter

func (m Multi) Emit(evt Event) {
	for _, e := range m {
		if e != nil {
			e.Emit(evt)
		}
	}
}

// Terminal is a human-facing emitter that prints colored, single-line
// summaries to an io.Writer (normally os.Stdout).
type Terminal struct {
	w io.Writer

	system    *color.Color
	assistant *color.Color
	errColor  *color.Color
	tool      *color.Color
	result    *color.Color
	story     *color.Color
	dim       *color.Color
}

// NewTerminal builds a Terminal emitter writing to w.
func NewTerminal(w io.Writer) *Terminal {
	return &Terminal{
		w:         w,
		system:    color.New(color.FgCyan),
		assistant: color.New(color.FgWhite),
		errColor:  color.New(color.FgRed, color.Bold),
		tool:      color.New(color.FgYellow),
		result:    color.New(color.FgGreen),
		story:     color.New(color.FgMagenta, color.Bold),
		dim:       color.New(color.FgHiBlack),
	}
}

func (t *Terminal) Emit(evt Event) {
	switch evt.Kind {
	case KindSystem:
		if evt.Model != "" {
			t.system.Fprintf(t.w, "[system] model=%s\n", evt.Model)
		}
		if evt.Text != "" {
			t.system.Fprintf(t.w, "[system] %s\n", evt.Text)
		}
	case KindAssistantText:
		fmt.Fprint(t.w, evt.Text)
	case KindError:
		t.errColor.Fprintf(t.w, "[error] %s\n", evt.Text)
	case KindToolCall:
		t.tool.Fprintf(t.w, "[tool] %s %s\n", evt.ToolName, evt.Summary)
	case KindThinkingStart:
		t.dim.Fprintf(t.w, "[thinking]\n")
	case KindThinkingStop:
		// no output; thinking-start already marked the boundary.
	case KindResult:
		t.result.Fprintf(t.w, "[result] cost=$%.4f tokens=%d/%d duration=%dms\n",
			evt.CostUSD, evt.InputTokens, evt.OutputTokens, evt.DurationMs)
	case KindStoryStart:
		t.story.Fprintf(t.w, "\n=== %s: %s - starting ===\n", evt.StoryID, evt.StoryTitle)
	case KindStoryComplete:
		t.story.Fprintf(t.w, "=== %s: %s - complete ===\n", evt.StoryID, evt.StoryTitle)
	case KindStorySkipped:
		t.story.Fprintf(t.w, "=== %s: %s - skipped (%s) ===\n", evt.StoryID, evt.StoryTitle, evt.Reason)
	case KindDashboardUpdate:
		// terminal has no dashboard state to refresh.
	}
}

// Dashboard republishes every event onto a workspace's Broadcast for the SSE
// handler to relay to connected browsers.
type Dashboard struct {
	broadcast *wstate.Broadcast
}

// NewDashboard builds a Dashboard emitter backed by b.
func NewDashboard(b *wstate.Broadcast) *Dashboard {
	return &Dashboard{broadcast: b}
}

func (d *Dashboard) Emit(evt Event) {
	d.broadcast.Publish(evt)
}
