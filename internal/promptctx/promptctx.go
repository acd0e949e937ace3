// Package promptctx implements the Context Builder (C3): it assembles the
// single composite Markdown string handed to the coding agent each
// iteration, choosing between a small-PRD and large-PRD strategy,
// prepending the original-PRD and chain-context blocks when present, and
// appending the progress and hint blocks when present.
package promptctx

import (
	"fmt"
	"strings"

	"github.com/travissaylor/william/internal/prd"
	"github.com/travissaylor/william/internal/progress"
	"github.com/travissaylor/william/internal/wstate"
)

// largePRDThreshold is the byte-length cutoff (spec: 10 KiB) at or above
// which the PRD is summarized into sections instead of emitted verbatim.
const largePRDThreshold = 10 * 1024

// Input bundles everything the context builder needs; zero values are all
// tolerated (missing progress.txt, no hint file, no chain context, not a
// revision workspace).
type Input struct {
	RawPRD       string
	Parsed       *prd.ParsedPrd
	State        *wstate.WorkspaceState
	ProgressText string
	HintText     string
	ChainContext string // already formatted by chain.Format, or ""
	OriginalPRD  string // set only for revision workspaces
}

// Build assembles the composite prompt context.
func Build(in Input) string {
	var blocks []string

	if in.OriginalPRD != "" {
		blocks = append(blocks, "## Original PRD\n\n"+strings.TrimRight(in.OriginalPRD, "\n"))
	}

	if in.ChainContext != "" {
		blocks = append(blocks, strings.TrimRight(in.ChainContext, "\n"))
	}

	if len([]byte(in.RawPRD)) < largePRDThreshold {
		blocks = append(blocks, strings.TrimRight(in.RawPRD, "\n"))
	} else {
		blocks = append(blocks, largePRDBlocks(in.Parsed, in.State)...)
	}

	if patterns := progress.ExtractCodebasePatterns(in.ProgressText); patterns != "" {
		blocks = append(blocks, strings.TrimRight(patterns, "\n"))
	}

	if recent := progress.ExtractRecentEntries(in.ProgressText, 3); recent != "" {
		blocks = append(blocks, "## Recent Progress\n\n"+strings.TrimRight(recent, "\n"))
	}

	if in.HintText != "" {
		blocks = append(blocks, "## Stuck Recovery Hint\n\n"+strings.TrimRight(in.HintText, "\n"))
	}

	return strings.Join(blocks, "\n\n") + "\n"
}

func largePRDBlocks(parsed *prd.ParsedPrd, state *wstate.WorkspaceState) []string {
	var blocks []string

	for _, section := range []struct {
		heading string
		body    string
	}{
		{"Introduction", parsed.Introduction},
		{"Goals", parsed.Goals},
		{"Non-Goals", parsed.NonGoals},
		{"Technical Considerations", parsed.TechnicalConsiderations},
		{"Functional Requirements", parsed.FunctionalRequirements},
	} {
		if strings.TrimSpace(section.body) == "" {
			continue
		}
		blocks = append(blocks, fmt.Sprintf("## %s\n\n%s", section.heading, strings.TrimRight(section.body, "\n")))
	}

	blocks = append(blocks, storyStatusTable(parsed, state))

	for _, s := range previouslyCompleted(parsed, state, 2) {
		blocks = append(blocks, fmt.Sprintf("## Previously Completed: %s\n\n%s", s.ID, strings.TrimRight(s.Raw, "\n")))
	}

	if current := currentStory(parsed, state); current != nil {
		blocks = append(blocks, "## Current Story\n\n"+strings.TrimRight(current.Raw, "\n"))
	}

	for _, s := range upcoming(parsed, state, 2) {
		blocks = append(blocks, fmt.Sprintf("## Upcoming: %s — %s\n\n%s", s.ID, s.Title, strings.TrimRight(s.Description, "\n")))
	}

	return blocks
}

func storySymbol(st wstate.StoryState, isCurrent bool) string {
	switch {
	case isCurrent:
		return "→"
	case st.Passes == wstate.PassesTrue:
		return "✓"
	case st.Passes == wstate.PassesSkipped:
		return "⊘"
	default:
		return "·"
	}
}

func storyStatusTable(parsed *prd.ParsedPrd, state *wstate.WorkspaceState) string {
	var b strings.Builder
	b.WriteString("## Story Status\n\n")
	b.WriteString("| | ID | Title |\n")
	b.WriteString("|---|---|---|\n")
	for _, s := range parsed.Stories {
		st := state.Stories[s.ID]
		isCurrent := state.CurrentStory != nil && *state.CurrentStory == s.ID
		fmt.Fprintf(&b, "| %s | %s | %s |\n", storySymbol(st, isCurrent), s.ID, s.Title)
	}
	return strings.TrimRight(b.String(), "\n")
}

func currentStory(parsed *prd.ParsedPrd, state *wstate.WorkspaceState) *prd.Story {
	if state.CurrentStory == nil {
		return nil
	}
	for i := range parsed.Stories {
		if parsed.Stories[i].ID == *state.CurrentStory {
			return &parsed.Stories[i]
		}
	}
	return nil
}

// previouslyCompleted returns up to limit completed stories preceding the
// current story: the last limit of them, in PRD order.
func previouslyCompleted(parsed *prd.ParsedPrd, state *wstate.WorkspaceState, limit int) []prd.Story {
	currentIdx := len(parsed.Stories)
	if state.CurrentStory != nil {
		for i, s := range parsed.Stories {
			if s.ID == *state.CurrentStory {
				currentIdx = i
				break
			}
		}
	}

	var completed []prd.Story
	for i := 0; i < currentIdx; i++ {
		if state.Stories[parsed.Stories[i].ID].Passes == wstate.PassesTrue {
			completed = append(completed, parsed.Stories[i])
		}
	}
	if len(completed) > limit {
		completed = completed[len(completed)-limit:]
	}
	return completed
}

// upcoming returns up to limit pending (non-skipped, non-current) stories
// after the current story, in PRD order.
func upcoming(parsed *prd.ParsedPrd, state *wstate.WorkspaceState, limit int) []prd.Story {
	currentIdx := -1
	if state.CurrentStory != nil {
		for i, s := range parsed.Stories {
			if s.ID == *state.CurrentStory {
				currentIdx = i
				break
			}
		}
	}

	var result []prd.Story
	for i := currentIdx + 1; i < len(parsed.Stories) && len(result) < limit; i++ {
		st := state.Stories[parsed.Stories[i].ID]
		if st.Passes == wstate.PassesFalse {
			result = append(result, parsed.Stories[i])
		}
	}
	return result
}
