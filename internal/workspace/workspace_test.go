package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/travissaylor/william/internal/wstate"
)

func writeState(t *testing.T, dir string, st *wstate.WorkspaceState) {
	t.Helper()
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("mkdir %s: %v", dir, err)
	}
	if err := wstate.Save(dir, st); err != nil {
		t.Fatalf("saving state: %v", err)
	}
}

func newState(workspace, project, branch string) *wstate.WorkspaceState {
	id := "US-001"
	return &wstate.WorkspaceState{
		Workspace:    workspace,
		Project:      project,
		BranchName:   branch,
		Stories:      map[string]wstate.StoryState{id: {Passes: wstate.PassesFalse}},
		StoryOrder:   []string{id},
		CurrentStory: &id,
	}
}

func TestResolveBareName(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, WorkspacesDirName, "shop", "checkout")
	writeState(t, dir, newState("checkout", "shop", "william/checkout"))

	ref, err := Resolve(root, "checkout")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if ref.Project != "shop" || ref.Workspace != "checkout" || ref.IsRevision() {
		t.Errorf("unexpected ref: %+v", ref)
	}
}

func TestResolveBareNameAmbiguous(t *testing.T) {
	root := t.TempDir()
	writeState(t, filepath.Join(root, WorkspacesDirName, "shop", "checkout"), newState("checkout", "shop", "b1"))
	writeState(t, filepath.Join(root, WorkspacesDirName, "other", "checkout"), newState("checkout", "other", "b2"))

	if _, err := Resolve(root, "checkout"); err == nil {
		t.Fatal("expected ambiguous-name error, got nil")
	}
}

func TestResolveProjectSlashName(t *testing.T) {
	root := t.TempDir()
	writeState(t, filepath.Join(root, WorkspacesDirName, "shop", "checkout"), newState("checkout", "shop", "b1"))

	ref, err := Resolve(root, "shop/checkout")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if ref.Project != "shop" || ref.Workspace != "checkout" {
		t.Errorf("unexpected ref: %+v", ref)
	}
}

func TestResolveRevision(t *testing.T) {
	root := t.TempDir()
	parent := filepath.Join(root, WorkspacesDirName, "shop", "checkout")
	writeState(t, parent, newState("checkout", "shop", "b1"))
	revDir := filepath.Join(parent, "revision-2")
	writeState(t, revDir, newState("checkout", "shop", "b1"))

	ref, err := Resolve(root, "checkout/revision-2")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !ref.IsRevision() || ref.RevisionNumber != 2 {
		t.Errorf("unexpected ref: %+v", ref)
	}
	if ref.Dir != revDir {
		t.Errorf("Dir = %s, want %s", ref.Dir, revDir)
	}
}

func TestResolveRevisionMissing(t *testing.T) {
	root := t.TempDir()
	writeState(t, filepath.Join(root, WorkspacesDirName, "shop", "checkout"), newState("checkout", "shop", "b1"))

	if _, err := Resolve(root, "checkout/revision-9"); err == nil {
		t.Fatal("expected missing-revision error, got nil")
	}
}

func TestResolveNotFound(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, WorkspacesDirName), 0755); err != nil {
		t.Fatal(err)
	}
	if _, err := Resolve(root, "nope"); err == nil {
		t.Fatal("expected not-found error, got nil")
	}
}

func TestList(t *testing.T) {
	root := t.TempDir()
	writeState(t, filepath.Join(root, WorkspacesDirName, "shop", "checkout"), newState("checkout", "shop", "b1"))
	writeState(t, filepath.Join(root, WorkspacesDirName, "shop", "checkout", "revision-1"), newState("checkout", "shop", "b1"))
	writeState(t, filepath.Join(root, WorkspacesDirName, "blog", "editor"), newState("editor", "blog", "b2"))

	summaries, err := List(root, "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("expected 2 projects, got %d", len(summaries))
	}
	if summaries[0].Project != "blog" || summaries[1].Project != "shop" {
		t.Fatalf("unexpected project order: %+v", summaries)
	}
	found := false
	for _, name := range summaries[1].Workspaces {
		if name == "checkout/revision-1 [revision]" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected revision entry tagged in %+v", summaries[1].Workspaces)
	}
}

func TestListFiltersByProject(t *testing.T) {
	root := t.TempDir()
	writeState(t, filepath.Join(root, WorkspacesDirName, "shop", "checkout"), newState("checkout", "shop", "b1"))
	writeState(t, filepath.Join(root, WorkspacesDirName, "blog", "editor"), newState("editor", "blog", "b2"))

	summaries, err := List(root, "blog")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(summaries) != 1 || summaries[0].Project != "blog" {
		t.Fatalf("unexpected summaries: %+v", summaries)
	}
}

func TestListNoWorkspacesDir(t *testing.T) {
	root := t.TempDir()
	summaries, err := List(root, "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if summaries != nil {
		t.Errorf("expected nil summaries, got %+v", summaries)
	}
}

func TestSanitizeBranch(t *testing.T) {
	cases := map[string]string{
		"william/checkout":  "william-checkout",
		"feature/foo--bar":  "feature-foo-bar",
		"-leading-trailing-": "leading-trailing",
		"already-clean":      "already-clean",
	}
	for in, want := range cases {
		if got := sanitizeBranch(in); got != want {
			t.Errorf("sanitizeBranch(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestStopIsStoppedIsPaused(t *testing.T) {
	dir := t.TempDir()
	if IsStopped(dir) || IsPaused(dir) {
		t.Fatal("fresh dir should be neither stopped nor paused")
	}
	if err := Stop(dir); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !IsStopped(dir) {
		t.Error("expected IsStopped true after Stop")
	}
	if IsPaused(dir) {
		t.Error("expected IsPaused false; only .stopped was written")
	}
}

func TestStatusLine(t *testing.T) {
	dir := t.TempDir()
	st := newState("checkout", "shop", "william/checkout")
	st.Stories["US-001"] = wstate.StoryState{Passes: wstate.PassesTrue}
	ref := Ref{Project: "shop", Workspace: "checkout", Dir: dir}

	line := StatusLine(ref, st)
	if line == "" {
		t.Fatal("expected non-empty status line")
	}
}

func TestStatusLineReflectsStoppedSentinel(t *testing.T) {
	dir := t.TempDir()
	if err := Stop(dir); err != nil {
		t.Fatal(err)
	}
	st := newState("checkout", "shop", "william/checkout")
	ref := Ref{Project: "shop", Workspace: "checkout", Dir: dir}

	line := StatusLine(ref, st)
	if !contains(line, "stopped") {
		t.Errorf("expected status line to mention stopped, got %q", line)
	}
}

func TestArchiveRequiresStopped(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, WorkspacesDirName, "shop", "checkout")
	writeState(t, dir, newState("checkout", "shop", "william/checkout"))
	ref := Ref{Project: "shop", Workspace: "checkout", Dir: dir}

	if _, err := Archive(root, ref); err == nil {
		t.Fatal("expected error archiving a running workspace")
	}
}

func TestArchiveMovesWorkspaceContents(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, WorkspacesDirName, "shop", "checkout")
	st := newState("checkout", "shop", "william/checkout")
	writeState(t, dir, st)
	if err := os.WriteFile(filepath.Join(dir, "progress.txt"), []byte("did stuff\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "prd.md"), []byte("# PRD\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := Stop(dir); err != nil {
		t.Fatal(err)
	}
	ref := Ref{Project: "shop", Workspace: "checkout", Dir: dir}

	dest, err := Archive(root, ref)
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	for _, name := range []string{"state.json", "progress.txt", "prd.md"} {
		if _, err := os.Stat(filepath.Join(dest, name)); err != nil {
			t.Errorf("expected %s archived: %v", name, err)
		}
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("expected workspace dir removed, stat err = %v", err)
	}
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
