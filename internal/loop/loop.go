// Package loop implements the Iteration Loop (C8): the per-workspace driver
// that loads state, builds a prompt, spawns the coding agent, ingests its
// NDJSON stream, updates persistent state, runs stuck detection, and emits
// dashboard frames, until the workspace is complete, stopped, paused, or
// maxIterations is exhausted.
package loop

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/travissaylor/william/internal/adapter"
	"github.com/travissaylor/william/internal/agentstream"
	"github.com/travissaylor/william/internal/chain"
	"github.com/travissaylor/william/internal/prd"
	"github.com/travissaylor/william/internal/prompts"
	"github.com/travissaylor/william/internal/promptctx"
	"github.com/travissaylor/william/internal/stuck"
	"github.com/travissaylor/william/internal/ui"
	"github.com/travissaylor/william/internal/workspace"
	"github.com/travissaylor/william/internal/wstate"
)

// Options configures one call to Run.
type Options struct {
	Adapter       adapter.Adapter
	MaxIterations int // default 20
	SleepMs       int // default 2000

	Model        string
	MaxTurns     int
	MaxBudgetUSD float64
	AllowedTools []string

	// Notify is called for out-of-band notifications (skip/pause
	// escalations). Notification delivery itself is an out-of-scope
	// external collaborator (spec.md §1); the default no-op still leaves
	// the same information on the UI emitter's system/error events.
	Notify func(text string)

	// Sleep overrides time.Sleep for tests; defaults to time.Sleep.
	Sleep func(time.Duration)
}

func (o *Options) applyDefaults() {
	if o.MaxIterations <= 0 {
		o.MaxIterations = 20
	}
	if o.SleepMs <= 0 {
		o.SleepMs = 2000
	}
	if o.Notify == nil {
		o.Notify = func(string) {}
	}
	if o.Sleep == nil {
		o.Sleep = time.Sleep
	}
}

// Run drives workspaceDir's iteration loop to completion, a stop/pause
// signal, or iteration exhaustion. Stop, pause and completion are reported
// to emitter as system events and Run returns nil. Exhaustion is reported
// as an error event and Run returns an error. Run also returns an error when
// the agent cannot be spawned, or when state, the PRD, the prompt template
// or the iteration log cannot be read, opened or saved.
func Run(ctx context.Context, workspaceName, workspaceDir string, opts Options, emitter ui.Emitter) error {
	opts.applyDefaults()

	var cumulativeCost float64
	var cumulativeIn, cumulativeOut int
	var carriedChainContext string

	for iteration := 1; iteration <= opts.MaxIterations; iteration++ {
		if workspace.IsStopped(workspaceDir) {
			emitter.Emit(ui.Event{Kind: ui.KindSystem, Timestamp: now(), Text: "workspace stopped; exiting"})
			return nil
		}
		if workspace.IsPaused(workspaceDir) {
			emitter.Emit(ui.Event{Kind: ui.KindSystem, Timestamp: now(), Text: "workspace paused; exiting"})
			return nil
		}

		st, err := wstate.Load(workspaceDir)
		if err != nil {
			return fmt.Errorf("loop: loading state: %w", err)
		}

		currentID := st.CurrentStory
		if currentID == nil {
			emitter.Emit(ui.Event{Kind: ui.KindSystem, Timestamp: now(), Text: "all stories complete"})
			return nil
		}
		storyID := *currentID

		rawPRD, err := os.ReadFile(workspace.PRDPath(workspaceDir))
		if err != nil {
			return fmt.Errorf("loop: reading PRD: %w", err)
		}
		parsed, err := prd.Parse(string(rawPRD))
		if err != nil {
			return fmt.Errorf("loop: parsing PRD: %w", err)
		}

		story := findStory(parsed, storyID)
		storyTitle := ""
		if story != nil {
			storyTitle = story.Title
		}

		progressText := workspace.ReadProgress(workspaceDir)
		hintText, _ := os.ReadFile(filepath.Join(workspaceDir, stuck.HintFileName))

		var originalPRD string
		if st.ParentWorkspace != "" {
			if raw, err := os.ReadFile(workspace.PRDPath(st.ParentWorkspace)); err == nil {
				originalPRD = string(raw)
			}
		}

		prdContext := promptctx.Build(promptctx.Input{
			RawPRD:       string(rawPRD),
			Parsed:       parsed,
			State:        st,
			ProgressText: progressText,
			HintText:     string(hintText),
			ChainContext: carriedChainContext,
			OriginalPRD:  originalPRD,
		})

		tmpl, err := prompts.Get("prompt.md")
		if err != nil {
			return fmt.Errorf("loop: loading prompt template: %w", err)
		}
		promptText := prompts.Substitute(tmpl, map[string]string{
			"branch_name":   st.BranchName,
			"story_id":      storyID,
			"story_title":   storyTitle,
			"prd_context":   prdContext,
			"stuck_hint":    string(hintText),
			"progress_path": workspace.ProgressPath(workspaceDir),
			"chain_context": carriedChainContext,
		})

		attempts := st.Stories[storyID].Attempts
		emitter.Emit(ui.Event{Kind: ui.KindStoryStart, Timestamp: now(), StoryID: storyID, StoryTitle: storyTitle})
		emitter.Emit(dashboardFrame(workspaceName, storyID, storyTitle, iteration, opts.MaxIterations, st,
			cumulativeCost, cumulativeIn, cumulativeOut, attempts, hintText != nil, 0))

		logPath := filepath.Join(workspace.LogsDir(workspaceDir), logFileName(storyID))
		consumer, err := agentstream.NewConsumer(emitter, storyID, logPath)
		if err != nil {
			return fmt.Errorf("loop: opening iteration log: %w", err)
		}

		session, spawnErr := runIteration(ctx, opts, promptText, st.TargetDir, consumer, emitter, storyID)
		if spawnErr != nil {
			emitter.Emit(ui.Event{Kind: ui.KindError, Timestamp: now(), StoryID: storyID, Text: spawnErr.Error()})
			return fmt.Errorf("loop: spawning agent: %w", spawnErr)
		}

		result := opts.Adapter.ParseOutput(session)

		if result.StoryComplete {
			st = wstate.MarkComplete(st, storyID)
			if err := stuck.RemoveHintFile(workspaceDir); err != nil {
				emitter.Emit(ui.Event{Kind: ui.KindError, Timestamp: now(), StoryID: storyID, Text: err.Error()})
			}
			ctxOut := chain.Extract(session)
			carriedChainContext = chain.Format(ctxOut, storyID)
			emitter.Emit(ui.Event{Kind: ui.KindStoryComplete, Timestamp: now(), StoryID: storyID, StoryTitle: storyTitle})
		} else {
			st = wstate.IncrementAttempts(st, storyID)
		}

		if err := wstate.Save(workspaceDir, st); err != nil {
			return fmt.Errorf("loop: saving state: %w", err)
		}

		cumulativeCost += session.TotalCostUSD
		cumulativeIn += session.InputTokens
		cumulativeOut += session.OutputTokens
		filesModified := countModified(session)

		postAttempts := st.Stories[storyID].Attempts
		emitter.Emit(dashboardFrame(workspaceName, storyID, storyTitle, iteration, opts.MaxIterations, st,
			cumulativeCost, cumulativeIn, cumulativeOut, postAttempts, hintExists(workspaceDir), filesModified))

		detection := stuck.Detect(workspaceDir, postAttempts, session)
		switch detection.Action {
		case stuck.ActionPause:
			if err := stuck.WritePausedFile(workspaceDir, detection.Reason); err != nil {
				emitter.Emit(ui.Event{Kind: ui.KindError, Timestamp: now(), StoryID: storyID, Text: err.Error()})
			}
			opts.Notify(fmt.Sprintf("workspace %s paused: %s", workspaceName, detection.Reason))
			emitter.Emit(ui.Event{Kind: ui.KindSystem, Timestamp: now(), StoryID: storyID, Reason: detection.Reason, Text: "workspace paused"})
			return nil
		case stuck.ActionSkip:
			st = wstate.MarkSkipped(st, storyID, detection.Reason)
			if err := wstate.Save(workspaceDir, st); err != nil {
				return fmt.Errorf("loop: saving state after skip: %w", err)
			}
			opts.Notify(fmt.Sprintf("story %s skipped: %s", storyID, detection.Reason))
			emitter.Emit(ui.Event{Kind: ui.KindStorySkipped, Timestamp: now(), StoryID: storyID, StoryTitle: storyTitle, Reason: detection.Reason})
		case stuck.ActionHint:
			if err := stuck.WriteHintFile(workspaceDir, detection.Reason, session); err != nil {
				emitter.Emit(ui.Event{Kind: ui.KindError, Timestamp: now(), StoryID: storyID, Text: err.Error()})
			}
			opts.Notify(fmt.Sprintf("story %s may be stuck: %s", storyID, detection.Reason))
			emitter.Emit(ui.Event{Kind: ui.KindSystem, Timestamp: now(), StoryID: storyID, Reason: detection.Reason, Text: "stuck hint written"})
		}

		if wstate.GetCurrentStory(st) == nil || result.AllComplete {
			emitter.Emit(ui.Event{Kind: ui.KindSystem, Timestamp: now(), Text: "all stories complete"})
			return nil
		}

		opts.Sleep(time.Duration(opts.SleepMs) * time.Millisecond)
	}

	emitter.Emit(ui.Event{Kind: ui.KindError, Timestamp: now(), Text: fmt.Sprintf("max iterations (%d) reached", opts.MaxIterations)})
	return fmt.Errorf("loop: max iterations (%d) reached", opts.MaxIterations)
}

// runIteration spawns the agent, drains its stdout/stderr concurrently into
// consumer, waits for the child to exit, and returns the finished session.
// Per spec.md §5, stdout/stderr are drained in parallel with the child
// running; a non-zero exit is ignored and does not abort processing of
// whatever the child already streamed.
func runIteration(ctx context.Context, opts Options, prompt, cwd string, consumer *agentstream.Consumer, emitter ui.Emitter, storyID string) (*agentstream.StreamSession, error) {
	proc, err := opts.Adapter.Spawn(ctx, prompt, adapter.SpawnOptions{
		Cwd:          cwd,
		Model:        opts.Model,
		MaxTurns:     opts.MaxTurns,
		MaxBudgetUSD: opts.MaxBudgetUSD,
		AllowedTools: opts.AllowedTools,
	})
	if err != nil {
		consumer.Abort()
		return nil, err
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		drain(proc.Stdout, consumer.Feed)
	}()
	go func() {
		defer wg.Done()
		drain(proc.Stderr, consumer.FeedStderr)
	}()
	wg.Wait()

	waitErr := proc.Wait()
	emitter.Emit(ui.Event{Kind: ui.KindThinkingStop, Timestamp: now(), StoryID: storyID})
	session, closeErr := consumer.Close()
	if closeErr != nil {
		return session, closeErr
	}
	_ = waitErr // a non-zero exit is not itself fatal; the session's own text/result carries the verdict.
	return session, nil
}

func drain(r io.ReadCloser, feed func([]byte)) {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			feed(chunk)
		}
		if err != nil {
			return
		}
	}
}

func findStory(parsed *prd.ParsedPrd, id string) *prd.Story {
	for i := range parsed.Stories {
		if parsed.Stories[i].ID == id {
			return &parsed.Stories[i]
		}
	}
	return nil
}

func hintExists(workspaceDir string) bool {
	_, err := os.Stat(filepath.Join(workspaceDir, stuck.HintFileName))
	return err == nil
}

func countModified(session *agentstream.StreamSession) int {
	ctx := chain.Extract(session)
	return len(ctx.FilesModified)
}

func dashboardFrame(workspaceName, storyID, storyTitle string, iteration, maxIterations int, st *wstate.WorkspaceState,
	cumulativeCost float64, cumulativeIn, cumulativeOut, attempts int, hintPresent bool, filesModified int) ui.Event {

	passed, skipped, total := 0, 0, len(st.StoryOrder)
	for _, id := range st.StoryOrder {
		switch st.Stories[id].Passes {
		case wstate.PassesTrue:
			passed++
		case wstate.PassesSkipped:
			skipped++
		}
	}

	stuckStatus := "normal"
	if hintPresent {
		if attempts >= 4 {
			stuckStatus = "approaching-skip"
		} else {
			stuckStatus = "hint-written"
		}
	}

	return ui.Event{
		Kind:              ui.KindDashboardUpdate,
		Timestamp:         now(),
		StoryID:           storyID,
		StoryTitle:        storyTitle,
		Iteration:         iteration,
		MaxIterations:     maxIterations,
		StoriesPassed:     passed,
		StoriesTotal:      total,
		StoriesSkipped:    skipped,
		CumulativeCostUSD: cumulativeCost,
		CumulativeInput:   cumulativeIn,
		CumulativeOutput:  cumulativeOut,
		Attempts:          attempts,
		StuckStatus:       stuckStatus,
		FilesModified:     filesModified,
	}
}

// logFileName builds logs/<iso-timestamp>-<storyId>.log with ':' and '.'
// replaced by '-', matching the filename pattern required by spec.md §9.
func logFileName(storyID string) string {
	ts := time.Now().UTC().Format(time.RFC3339Nano)
	ts = strings.NewReplacer(":", "-", ".", "-").Replace(ts)
	return fmt.Sprintf("%s-%s.log", ts, storyID)
}

func now() time.Time { return time.Now().UTC() }
