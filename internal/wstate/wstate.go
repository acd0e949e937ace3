// Package wstate implements the durable per-workspace state model:
// transitions that update a *WorkspaceState in place and return the same
// pointer (they do not copy the state), atomic JSON persistence, and a
// pub/sub broadcast used to feed the dashboard live events.
package wstate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/travissaylor/william/internal/prd"
)

// Passes is the tri-state completion flag for a story. On the wire it is a
// JSON boolean for the false/true cases and the string "skipped" for the
// skipped case, matching the passes: false|true|"skipped" schema external
// tooling reads state.json against.
type Passes string

const (
	PassesFalse   Passes = "false"
	PassesTrue    Passes = "true"
	PassesSkipped Passes = "skipped"
)

// MarshalJSON emits true/false for PassesTrue/PassesFalse and the quoted
// string "skipped" for PassesSkipped.
func (p Passes) MarshalJSON() ([]byte, error) {
	switch p {
	case PassesTrue:
		return []byte("true"), nil
	case PassesSkipped:
		return json.Marshal(string(PassesSkipped))
	default:
		return []byte("false"), nil
	}
}

// UnmarshalJSON accepts the boolean true/false or the quoted string
// "skipped", matching MarshalJSON's wire format.
func (p *Passes) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	switch s {
	case "true":
		*p = PassesTrue
	case "false":
		*p = PassesFalse
	case `"skipped"`:
		*p = PassesSkipped
	default:
		return fmt.Errorf("wstate: invalid passes value %s", s)
	}
	return nil
}

// StoryState tracks one story's progress through the loop.
type StoryState struct {
	Passes      Passes     `json:"passes"`
	Attempts    int        `json:"attempts"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	LastAttempt *time.Time `json:"lastAttempt,omitempty"`
	SkipReason  string     `json:"skipReason,omitempty"`
}

// RevisionEntry records one completed revision subworkspace.
type RevisionEntry struct {
	Number      int       `json:"number"`
	CompletedAt time.Time `json:"completedAt"`
	ItemCount   int       `json:"itemCount"`
	Path        string    `json:"path"`
}

// WorkspaceState is the durable, per-workspace JSON document.
type WorkspaceState struct {
	Workspace   string                 `json:"workspace"`
	Project     string                 `json:"project"`
	TargetDir   string                 `json:"targetDir"`
	BranchName  string                 `json:"branchName"`
	SourceFile  string                 `json:"sourceFile"`
	WorktreePath string                `json:"worktreePath,omitempty"`

	ParentWorkspace string          `json:"parentWorkspace,omitempty"`
	RevisionNumber  int             `json:"revisionNumber,omitempty"`
	Revisions       []RevisionEntry `json:"revisions,omitempty"`

	Stories      map[string]StoryState `json:"stories"`
	StoryOrder   []string              `json:"-"` // preserves insertion order; not serialized directly
	CurrentStory *string               `json:"currentStory"`
	StartedAt    time.Time             `json:"startedAt"`
}

// onDiskState is the on-disk representation preserving story order via a
// parallel slice, since Go maps don't preserve JSON key order.
type onDiskState struct {
	Workspace       string                 `json:"workspace"`
	Project         string                 `json:"project"`
	TargetDir       string                 `json:"targetDir"`
	BranchName      string                 `json:"branchName"`
	SourceFile      string                 `json:"sourceFile"`
	WorktreePath    string                 `json:"worktreePath,omitempty"`
	ParentWorkspace string                 `json:"parentWorkspace,omitempty"`
	RevisionNumber  int                    `json:"revisionNumber,omitempty"`
	Revisions       []RevisionEntry        `json:"revisions,omitempty"`
	StoryOrder      []string               `json:"storyOrder"`
	Stories         map[string]StoryState  `json:"stories"`
	CurrentStory    *string                `json:"currentStory"`
	StartedAt       time.Time              `json:"startedAt"`
}

func (w *WorkspaceState) toOnDisk() onDiskState {
	return onDiskState{
		Workspace:       w.Workspace,
		Project:         w.Project,
		TargetDir:       w.TargetDir,
		BranchName:      w.BranchName,
		SourceFile:      w.SourceFile,
		WorktreePath:    w.WorktreePath,
		ParentWorkspace: w.ParentWorkspace,
		RevisionNumber:  w.RevisionNumber,
		Revisions:       w.Revisions,
		StoryOrder:      w.StoryOrder,
		Stories:         w.Stories,
		CurrentStory:    w.CurrentStory,
		StartedAt:       w.StartedAt,
	}
}

func fromOnDisk(d onDiskState) *WorkspaceState {
	return &WorkspaceState{
		Workspace:       d.Workspace,
		Project:         d.Project,
		TargetDir:       d.TargetDir,
		BranchName:      d.BranchName,
		SourceFile:      d.SourceFile,
		WorktreePath:    d.WorktreePath,
		ParentWorkspace: d.ParentWorkspace,
		RevisionNumber:  d.RevisionNumber,
		Revisions:       d.Revisions,
		StoryOrder:      d.StoryOrder,
		Stories:         d.Stories,
		CurrentStory:    d.CurrentStory,
		StartedAt:       d.StartedAt,
	}
}

// Meta carries the non-PRD-derived fields needed to initialize a WorkspaceState.
type Meta struct {
	Workspace  string
	Project    string
	TargetDir  string
	BranchName string
	SourceFile string
}

// InitFromPrd builds a fresh WorkspaceState from a parsed PRD: every story
// starts at {passes: false, attempts: 0}, currentStory is the first story's
// id (or nil if the PRD has none), and startedAt is the current instant.
func InitFromPrd(parsed *prd.ParsedPrd, meta Meta) *WorkspaceState {
	stories := make(map[string]StoryState, len(parsed.Stories))
	order := make([]string, 0, len(parsed.Stories))
	for _, s := range parsed.Stories {
		stories[s.ID] = StoryState{Passes: PassesFalse, Attempts: 0}
		order = append(order, s.ID)
	}

	w := &WorkspaceState{
		Workspace:  meta.Workspace,
		Project:    meta.Project,
		TargetDir:  meta.TargetDir,
		BranchName: meta.BranchName,
		SourceFile: meta.SourceFile,
		Stories:    stories,
		StoryOrder: order,
		StartedAt:  time.Now().UTC(),
	}
	w.CurrentStory = GetCurrentStory(w)
	return w
}

// GetCurrentStory returns the first story id (in PRD order) whose passes is
// still false, or nil if every story is complete or skipped.
func GetCurrentStory(w *WorkspaceState) *string {
	for _, id := range w.StoryOrder {
		if st, ok := w.Stories[id]; ok && st.Passes == PassesFalse {
			id := id
			return &id
		}
	}
	return nil
}

// MarkComplete marks a story passed, stamps completedAt, and recomputes
// currentStory. Attempts are left untouched.
func MarkComplete(w *WorkspaceState, id string) *WorkspaceState {
	st := w.Stories[id]
	st.Passes = PassesTrue
	now := time.Now().UTC()
	st.CompletedAt = &now
	w.Stories[id] = st
	w.CurrentStory = GetCurrentStory(w)
	return w
}

// MarkSkipped marks a story skipped with a reason, stamps completedAt, and
// recomputes currentStory.
func MarkSkipped(w *WorkspaceState, id, reason string) *WorkspaceState {
	st := w.Stories[id]
	st.Passes = PassesSkipped
	now := time.Now().UTC()
	st.CompletedAt = &now
	st.SkipReason = reason
	w.Stories[id] = st
	w.CurrentStory = GetCurrentStory(w)
	return w
}

// IncrementAttempts bumps a story's attempt counter and stamps lastAttempt.
func IncrementAttempts(w *WorkspaceState, id string) *WorkspaceState {
	st := w.Stories[id]
	st.Attempts++
	now := time.Now().UTC()
	st.LastAttempt = &now
	w.Stories[id] = st
	return w
}

// AllComplete reports whether every story is passed or skipped.
func AllComplete(w *WorkspaceState) bool {
	for _, id := range w.StoryOrder {
		if w.Stories[id].Passes == PassesFalse {
			return false
		}
	}
	return true
}

// StatePath returns the canonical state.json path for a workspace directory.
func StatePath(workspaceDir string) string {
	return filepath.Join(workspaceDir, "state.json")
}

// Load reads and parses state.json from a workspace directory. A missing
// file or malformed JSON is a fatal error for the caller (the loop refuses
// to start), per the state-io error policy.
func Load(workspaceDir string) (*WorkspaceState, error) {
	data, err := os.ReadFile(StatePath(workspaceDir))
	if err != nil {
		return nil, fmt.Errorf("wstate: loading state.json: %w", err)
	}
	var d onDiskState
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("wstate: parsing state.json: %w", err)
	}
	w := fromOnDisk(d)
	w.CurrentStory = GetCurrentStory(w)
	return w, nil
}

// Save writes state.json atomically: marshal, write to a temp file in the
// same directory, then rename over the destination so a crash mid-write
// never leaves a truncated file.
func Save(workspaceDir string, w *WorkspaceState) error {
	w.CurrentStory = GetCurrentStory(w)

	data, err := json.MarshalIndent(w.toOnDisk(), "", "  ")
	if err != nil {
		return fmt.Errorf("wstate: marshaling state: %w", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(workspaceDir, 0755); err != nil {
		return fmt.Errorf("wstate: creating workspace dir: %w", err)
	}

	dest := StatePath(workspaceDir)
	tmp, err := os.CreateTemp(workspaceDir, ".state-*.json.tmp")
	if err != nil {
		return fmt.Errorf("wstate: creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("wstate: writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("wstate: closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("wstate: renaming temp file into place: %w", err)
	}
	return nil
}

// Broadcast is a per-workspace pub/sub hub for live UI events, used by the
// dashboard's SSE endpoint. It holds no opinion about event payload type
// beyond `any`, since internal/ui owns the concrete event shape.
type Broadcast struct {
	mu          sync.Mutex
	history     []any
	subscribers []chan any
	closed      bool
}

// NewBroadcast creates an empty broadcast hub.
func NewBroadcast() *Broadcast {
	return &Broadcast{}
}

// Publish appends an event to history and fans it out to live subscribers,
// dropping it for any subscriber whose channel is full.
func (b *Broadcast) Publish(evt any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.history = append(b.history, evt)
	for _, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Subscribe returns the event history so far, a channel for future events,
// and an unsubscribe function.
func (b *Broadcast) Subscribe() ([]any, <-chan any, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	snapshot := make([]any, len(b.history))
	copy(snapshot, b.history)

	ch := make(chan any, 64)
	if b.closed {
		close(ch)
		return snapshot, ch, func() {}
	}
	b.subscribers = append(b.subscribers, ch)

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, c := range b.subscribers {
			if c == ch {
				b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
				break
			}
		}
	}
	return snapshot, ch, unsub
}

// Close closes all subscriber channels and marks the hub closed.
func (b *Broadcast) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, ch := range b.subscribers {
		close(ch)
	}
	b.subscribers = nil
}
