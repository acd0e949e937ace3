// Package workspace implements workspace resolution (bare name, project/name,
// and revision-N addressing), on-disk layout helpers, and archiving, as
// described in spec.md §6. It owns the filesystem conventions the iteration
// loop and CLI build on top of: workspaces/<project>/<workspace>/ and
// archive/<date>-<branch>[-N]/.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/travissaylor/william/internal/git"
	"github.com/travissaylor/william/internal/prd"
	"github.com/travissaylor/william/internal/progress"
	"github.com/travissaylor/william/internal/wstate"
)

// WorkspacesDirName is the top-level directory holding every project's
// workspaces, relative to the installation root.
const WorkspacesDirName = "workspaces"

// ArchiveDirName is the top-level directory archived workspaces are moved
// into, relative to the installation root.
const ArchiveDirName = "archive"

var revisionDirRe = regexp.MustCompile(`^revision-(\d+)$`)

// Ref identifies a resolved workspace (or revision subworkspace) on disk.
type Ref struct {
	Project        string
	Workspace      string
	RevisionNumber int // 0 for the top-level workspace
	Dir            string
}

// IsRevision reports whether ref addresses a revision subworkspace.
func (r Ref) IsRevision() bool { return r.RevisionNumber > 0 }

// Resolve implements the three addressing forms from spec.md §6:
//   - bare "name": scan workspaces/*/<name>/ and require exactly one match.
//   - "project/name": exact path.
//   - "name/revision-N" or "project/name/revision-N": revision subworkspace.
func Resolve(root, ref string) (Ref, error) {
	parts := strings.Split(strings.Trim(ref, "/"), "/")

	var revisionNum int
	if n := len(parts); n > 0 {
		if m := revisionDirRe.FindStringSubmatch(parts[n-1]); m != nil {
			revisionNum, _ = strconv.Atoi(m[1])
			parts = parts[:n-1]
		}
	}

	var project, name string
	switch len(parts) {
	case 1:
		name = parts[0]
		found, err := findByName(root, name)
		if err != nil {
			return Ref{}, err
		}
		project = found
	case 2:
		project, name = parts[0], parts[1]
		dir := filepath.Join(root, WorkspacesDirName, project, name)
		if _, err := os.Stat(dir); err != nil {
			return Ref{}, fmt.Errorf("workspace: %s/%s not found", project, name)
		}
	default:
		return Ref{}, fmt.Errorf("workspace: invalid reference %q", ref)
	}

	dir := filepath.Join(root, WorkspacesDirName, project, name)
	if revisionNum > 0 {
		dir = filepath.Join(dir, fmt.Sprintf("revision-%d", revisionNum))
		if _, err := os.Stat(dir); err != nil {
			return Ref{}, fmt.Errorf("workspace: revision-%d not found under %s/%s", revisionNum, project, name)
		}
	}

	return Ref{Project: project, Workspace: name, RevisionNumber: revisionNum, Dir: dir}, nil
}

// findByName scans workspaces/*/<name>/ and requires exactly one match,
// returning the owning project.
func findByName(root, name string) (string, error) {
	base := filepath.Join(root, WorkspacesDirName)
	entries, err := os.ReadDir(base)
	if err != nil {
		return "", fmt.Errorf("workspace: scanning %s: %w", base, err)
	}

	var matches []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(base, e.Name(), name)); err == nil {
			matches = append(matches, e.Name())
		}
	}

	switch len(matches) {
	case 0:
		return "", fmt.Errorf("workspace: no workspace named %q found", name)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("workspace: %q is ambiguous across projects %s; use project/name", name, strings.Join(matches, ", "))
	}
}

// ProjectSummary is one project's grouping of workspace names for `list`.
type ProjectSummary struct {
	Project    string
	Workspaces []string // revision subworkspaces are suffixed " [revision]"
}

// List groups every workspace directory under root by project. If project
// is non-empty, only that project is listed.
func List(root, project string) ([]ProjectSummary, error) {
	base := filepath.Join(root, WorkspacesDirName)
	projectDirs, err := os.ReadDir(base)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("workspace: scanning %s: %w", base, err)
	}

	var out []ProjectSummary
	for _, pd := range projectDirs {
		if !pd.IsDir() || (project != "" && pd.Name() != project) {
			continue
		}
		wsDirs, err := os.ReadDir(filepath.Join(base, pd.Name()))
		if err != nil {
			continue
		}
		var names []string
		for _, wd := range wsDirs {
			if !wd.IsDir() {
				continue
			}
			names = append(names, wd.Name())
			revs, _ := os.ReadDir(filepath.Join(base, pd.Name(), wd.Name()))
			for _, rd := range revs {
				if rd.IsDir() && revisionDirRe.MatchString(rd.Name()) {
					names = append(names, wd.Name()+"/"+rd.Name()+" [revision]")
				}
			}
		}
		sort.Strings(names)
		out = append(out, ProjectSummary{Project: pd.Name(), Workspaces: names})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Project < out[j].Project })
	return out, nil
}

// Meta carries the fields needed to lay out a fresh workspace directory from
// an already-written PRD (PRD-authoring wizards are out of scope per
// spec.md §1).
type Meta struct {
	Project    string
	Workspace  string
	PRDPath    string
	TargetDir  string
	BranchName string
}

// New lays out a fresh workspace directory, copies the source PRD into it,
// checks out its branch, and writes the initial state.json.
func New(root string, meta Meta) (Ref, *wstate.WorkspaceState, error) {
	dir := filepath.Join(root, WorkspacesDirName, meta.Project, meta.Workspace)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return Ref{}, nil, fmt.Errorf("workspace: creating %s: %w", dir, err)
	}

	raw, err := os.ReadFile(meta.PRDPath)
	if err != nil {
		return Ref{}, nil, fmt.Errorf("workspace: reading PRD %s: %w", meta.PRDPath, err)
	}
	if err := os.WriteFile(filepath.Join(dir, "prd.md"), raw, 0644); err != nil {
		return Ref{}, nil, fmt.Errorf("workspace: copying PRD into workspace: %w", err)
	}

	parsed, err := prd.Parse(string(raw))
	if err != nil {
		return Ref{}, nil, fmt.Errorf("workspace: parsing PRD: %w", err)
	}

	if err := git.CreateOrCheckoutBranch(meta.BranchName); err != nil {
		return Ref{}, nil, fmt.Errorf("workspace: checking out branch %q: %w", meta.BranchName, err)
	}

	if err := os.MkdirAll(filepath.Join(dir, "logs"), 0755); err != nil {
		return Ref{}, nil, fmt.Errorf("workspace: creating logs dir: %w", err)
	}

	state := wstate.InitFromPrd(parsed, wstate.Meta{
		Workspace:  meta.Workspace,
		Project:    meta.Project,
		TargetDir:  meta.TargetDir,
		BranchName: meta.BranchName,
		SourceFile: filepath.Join(dir, "prd.md"),
	})
	if err := wstate.Save(dir, state); err != nil {
		return Ref{}, nil, fmt.Errorf("workspace: saving initial state: %w", err)
	}

	return Ref{Project: meta.Project, Workspace: meta.Workspace, Dir: dir}, state, nil
}

// RevisionMeta carries the fields needed to create a revision subworkspace
// under a completed parent workspace.
type RevisionMeta struct {
	ParentDir  string
	Number     int
	PRDPath    string
	WorktreeAt string // absolute path for the shared-branch worktree
}

// NewRevision lays out revision-N/ under a parent workspace, reusing the
// parent's branch via a git worktree rather than cutting a sibling branch —
// the distinguishing trait of a revision workspace per spec.md §3.
func NewRevision(meta RevisionMeta) (string, *wstate.WorkspaceState, error) {
	parent, err := wstate.Load(meta.ParentDir)
	if err != nil {
		return "", nil, fmt.Errorf("workspace: loading parent state: %w", err)
	}

	dir := filepath.Join(meta.ParentDir, fmt.Sprintf("revision-%d", meta.Number))
	if err := os.MkdirAll(filepath.Join(dir, "logs"), 0755); err != nil {
		return "", nil, fmt.Errorf("workspace: creating revision dir: %w", err)
	}

	raw, err := os.ReadFile(meta.PRDPath)
	if err != nil {
		return "", nil, fmt.Errorf("workspace: reading revision PRD %s: %w", meta.PRDPath, err)
	}
	if err := os.WriteFile(filepath.Join(dir, "prd.md"), raw, 0644); err != nil {
		return "", nil, fmt.Errorf("workspace: copying revision PRD: %w", err)
	}
	parsed, err := prd.Parse(string(raw))
	if err != nil {
		return "", nil, fmt.Errorf("workspace: parsing revision PRD: %w", err)
	}

	if meta.WorktreeAt != "" {
		if err := git.WorktreeAddExisting(meta.WorktreeAt, parent.BranchName); err != nil {
			return "", nil, fmt.Errorf("workspace: adding shared-branch worktree: %w", err)
		}
	}

	state := wstate.InitFromPrd(parsed, wstate.Meta{
		Workspace:  parent.Workspace,
		Project:    parent.Project,
		TargetDir:  meta.WorktreeAt,
		BranchName: parent.BranchName,
		SourceFile: filepath.Join(dir, "prd.md"),
	})
	state.ParentWorkspace = meta.ParentDir
	state.RevisionNumber = meta.Number
	state.WorktreePath = meta.WorktreeAt

	if err := wstate.Save(dir, state); err != nil {
		return "", nil, fmt.Errorf("workspace: saving revision state: %w", err)
	}

	return dir, state, nil
}

// CompleteRevision records a finished revision on the parent workspace's
// state and removes the shared-branch worktree.
func CompleteRevision(parentDir, revisionDir string, number, itemCount int, worktreePath string) error {
	parent, err := wstate.Load(parentDir)
	if err != nil {
		return fmt.Errorf("workspace: loading parent state: %w", err)
	}
	parent.Revisions = append(parent.Revisions, wstate.RevisionEntry{
		Number:      number,
		CompletedAt: time.Now().UTC(),
		ItemCount:   itemCount,
		Path:        revisionDir,
	})
	if err := wstate.Save(parentDir, parent); err != nil {
		return fmt.Errorf("workspace: saving parent state: %w", err)
	}
	if worktreePath != "" {
		if err := git.WorktreeRemove(worktreePath); err != nil {
			return fmt.Errorf("workspace: removing revision worktree: %w", err)
		}
	}
	return nil
}

// StoppedFile and PausedFile are the sentinel filenames the loop checks
// for, relative to a workspace directory. The hint file name is
// stuck.HintFileName.
const (
	StoppedFile = ".stopped"
	PausedFile  = ".paused"
)

// Stop writes the .stopped sentinel with the current timestamp.
func Stop(dir string) error {
	return os.WriteFile(filepath.Join(dir, StoppedFile), []byte(time.Now().UTC().Format(time.RFC3339)+"\n"), 0644)
}

// IsStopped reports whether the .stopped sentinel is present.
func IsStopped(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, StoppedFile))
	return err == nil
}

// IsPaused reports whether the .paused sentinel is present.
func IsPaused(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, PausedFile))
	return err == nil
}

// sanitizeBranch turns a branch name into a filesystem-safe path segment.
func sanitizeBranch(branch string) string {
	s := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			return r
		default:
			return '-'
		}
	}, branch)
	for strings.Contains(s, "--") {
		s = strings.ReplaceAll(s, "--", "-")
	}
	return strings.Trim(s, "-")
}

// Archive requires .stopped to be present, copies state.json, progress.txt,
// logs/, and the source PRD into archive/<date>-<branch>[-N]/, removes the
// workspace's worktree (if any), and deletes the workspace directory.
func Archive(root string, ref Ref) (string, error) {
	if !IsStopped(ref.Dir) {
		return "", fmt.Errorf("workspace: %s/%s must be stopped before archiving", ref.Project, ref.Workspace)
	}

	st, err := wstate.Load(ref.Dir)
	if err != nil {
		return "", fmt.Errorf("workspace: loading state for archive: %w", err)
	}

	dateDir := time.Now().UTC().Format("2006-01-02") + "-" + sanitizeBranch(st.BranchName)
	archiveBase := filepath.Join(root, ArchiveDirName)
	dest := filepath.Join(archiveBase, dateDir)
	for n := 2; ; n++ {
		if _, err := os.Stat(dest); os.IsNotExist(err) {
			break
		}
		dest = filepath.Join(archiveBase, fmt.Sprintf("%s-%d", dateDir, n))
	}

	if err := os.MkdirAll(dest, 0755); err != nil {
		return "", fmt.Errorf("workspace: creating archive dir: %w", err)
	}

	for _, name := range []string{"state.json", "progress.txt", "prd.md"} {
		src := filepath.Join(ref.Dir, name)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if err := copyFile(src, filepath.Join(dest, name)); err != nil {
			return "", fmt.Errorf("workspace: archiving %s: %w", name, err)
		}
	}
	if err := copyDir(filepath.Join(ref.Dir, "logs"), filepath.Join(dest, "logs")); err != nil {
		return "", fmt.Errorf("workspace: archiving logs: %w", err)
	}

	if st.WorktreePath != "" {
		if err := git.WorktreeRemove(st.WorktreePath); err != nil {
			return "", fmt.Errorf("workspace: removing worktree: %w", err)
		}
	}

	if err := os.RemoveAll(ref.Dir); err != nil {
		return "", fmt.Errorf("workspace: deleting workspace dir: %w", err)
	}

	return dest, nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0644)
}

func copyDir(src, dst string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := os.MkdirAll(dst, 0755); err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := copyFile(filepath.Join(src, e.Name()), filepath.Join(dst, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

// StatusLine renders a one-line human-readable summary of a workspace's
// state, used by `william status`.
func StatusLine(ref Ref, st *wstate.WorkspaceState) string {
	passed, skipped, total := 0, 0, len(st.StoryOrder)
	for _, id := range st.StoryOrder {
		switch st.Stories[id].Passes {
		case wstate.PassesTrue:
			passed++
		case wstate.PassesSkipped:
			skipped++
		}
	}
	status := "running"
	switch {
	case IsPaused(ref.Dir):
		status = "paused"
	case IsStopped(ref.Dir):
		status = "stopped"
	case passed+skipped == total && total > 0:
		status = "complete"
	}
	current := "-"
	if st.CurrentStory != nil {
		current = *st.CurrentStory
	}
	return fmt.Sprintf("%-12s %3d/%-3d passed, %d skipped  current=%-10s %s",
		ref.Workspace, passed, total, skipped, current, status)
}

// ProgressPath, PRDPath, LogsDir are the canonical file/dir paths within a
// workspace directory (state.json's is wstate.StatePath).
func ProgressPath(dir string) string { return filepath.Join(dir, "progress.txt") }
func PRDPath(dir string) string      { return filepath.Join(dir, "prd.md") }
func LogsDir(dir string) string      { return filepath.Join(dir, "logs") }

// ReadProgress is a convenience wrapper so callers outside internal/progress
// don't need to import it just to read one workspace's log.
func ReadProgress(dir string) string { return progress.Read(ProgressPath(dir)) }
