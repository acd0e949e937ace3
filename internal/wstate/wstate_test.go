package wstate

import (
	"os"
	"strings"
	"testing"

	"github.com/travissaylor/william/internal/prd"
)

func testParsedPrd() *prd.ParsedPrd {
	return &prd.ParsedPrd{
		Title: "Checkout Revamp",
		Stories: []prd.Story{
			{ID: "US-001", Title: "First"},
			{ID: "US-002", Title: "Second"},
			{ID: "US-003", Title: "Third"},
		},
	}
}

func testMeta() Meta {
	return Meta{
		Workspace:  "checkout",
		Project:    "shop",
		TargetDir:  "/tmp/shop/checkout",
		BranchName: "william/checkout",
		SourceFile: "/tmp/shop/checkout/prd.md",
	}
}

func TestInitFromPrd(t *testing.T) {
	w := InitFromPrd(testParsedPrd(), testMeta())

	if len(w.Stories) != 3 {
		t.Fatalf("expected 3 stories, got %d", len(w.Stories))
	}
	for _, id := range []string{"US-001", "US-002", "US-003"} {
		st, ok := w.Stories[id]
		if !ok {
			t.Fatalf("missing story %s", id)
		}
		if st.Passes != PassesFalse || st.Attempts != 0 {
			t.Errorf("story %s = %+v, want passes=false attempts=0", id, st)
		}
	}
	if w.CurrentStory == nil || *w.CurrentStory != "US-001" {
		t.Errorf("CurrentStory = %v, want US-001", w.CurrentStory)
	}
}

func TestInitFromPrdNoStories(t *testing.T) {
	w := InitFromPrd(&prd.ParsedPrd{Title: "Empty"}, testMeta())
	if w.CurrentStory != nil {
		t.Errorf("CurrentStory = %v, want nil for PRD with no stories", w.CurrentStory)
	}
}

func TestMarkComplete(t *testing.T) {
	w := InitFromPrd(testParsedPrd(), testMeta())
	MarkComplete(w, "US-001")

	if w.Stories["US-001"].Passes != PassesTrue {
		t.Errorf("US-001.Passes = %q, want true", w.Stories["US-001"].Passes)
	}
	if w.Stories["US-001"].CompletedAt == nil {
		t.Error("expected CompletedAt to be set")
	}
	if w.Stories["US-001"].Attempts != 0 {
		t.Errorf("MarkComplete must not touch attempts, got %d", w.Stories["US-001"].Attempts)
	}
	if w.CurrentStory == nil || *w.CurrentStory != "US-002" {
		t.Errorf("CurrentStory = %v, want US-002", w.CurrentStory)
	}
}

func TestMarkSkipped(t *testing.T) {
	w := InitFromPrd(testParsedPrd(), testMeta())
	MarkSkipped(w, "US-001", "too many attempts")

	st := w.Stories["US-001"]
	if st.Passes != PassesSkipped {
		t.Errorf("Passes = %q, want skipped", st.Passes)
	}
	if st.SkipReason != "too many attempts" {
		t.Errorf("SkipReason = %q", st.SkipReason)
	}
	if st.CompletedAt == nil {
		t.Error("expected CompletedAt to be set on skip")
	}
	if w.CurrentStory == nil || *w.CurrentStory != "US-002" {
		t.Errorf("CurrentStory = %v, want US-002 after skip", w.CurrentStory)
	}
}

func TestIncrementAttemptsMonotonic(t *testing.T) {
	w := InitFromPrd(testParsedPrd(), testMeta())
	IncrementAttempts(w, "US-001")
	IncrementAttempts(w, "US-001")

	if w.Stories["US-001"].Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", w.Stories["US-001"].Attempts)
	}
	if w.Stories["US-001"].LastAttempt == nil {
		t.Error("expected LastAttempt to be set")
	}
}

func TestCurrentStoryNilWhenAllComplete(t *testing.T) {
	w := InitFromPrd(testParsedPrd(), testMeta())
	MarkComplete(w, "US-001")
	MarkSkipped(w, "US-002", "reason")
	MarkComplete(w, "US-003")

	if w.CurrentStory != nil {
		t.Errorf("CurrentStory = %v, want nil once all stories are terminal", w.CurrentStory)
	}
	if !AllComplete(w) {
		t.Error("AllComplete should report true")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w := InitFromPrd(testParsedPrd(), testMeta())
	IncrementAttempts(w, "US-001")
	MarkComplete(w, "US-002")

	if err := Save(dir, w); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Workspace != w.Workspace {
		t.Errorf("Workspace = %q, want %q", got.Workspace, w.Workspace)
	}
	if len(got.Stories) != 3 {
		t.Fatalf("expected 3 stories after round-trip, got %d", len(got.Stories))
	}
	if got.Stories["US-001"].Attempts != 1 {
		t.Errorf("US-001.Attempts = %d, want 1", got.Stories["US-001"].Attempts)
	}
	if got.Stories["US-002"].Passes != PassesTrue {
		t.Errorf("US-002.Passes = %q, want true", got.Stories["US-002"].Passes)
	}
	if got.CurrentStory == nil || *got.CurrentStory != "US-001" {
		t.Errorf("CurrentStory = %v, want US-001 (recomputed from stories)", got.CurrentStory)
	}
}

func TestPassesMarshalsAsBooleanExceptSkipped(t *testing.T) {
	dir := t.TempDir()
	w := InitFromPrd(testParsedPrd(), testMeta())
	MarkComplete(w, "US-001")
	w = MarkSkipped(w, "US-002", "blocked")

	if err := Save(dir, w); err != nil {
		t.Fatalf("Save: %v", err)
	}
	raw, err := os.ReadFile(StatePath(dir))
	if err != nil {
		t.Fatalf("reading state.json: %v", err)
	}
	content := string(raw)
	if !strings.Contains(content, `"passes":true`) && !strings.Contains(content, `"passes": true`) {
		t.Errorf("expected a real JSON boolean true for a passed story, got:\n%s", content)
	}
	if !strings.Contains(content, `"passes":false`) && !strings.Contains(content, `"passes": false`) {
		t.Errorf("expected a real JSON boolean false for a pending story, got:\n%s", content)
	}
	if !strings.Contains(content, `"passes":"skipped"`) && !strings.Contains(content, `"passes": "skipped"`) {
		t.Errorf("expected the string \"skipped\" for a skipped story, got:\n%s", content)
	}

	got, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Stories["US-001"].Passes != PassesTrue {
		t.Errorf("US-001.Passes = %q, want true", got.Stories["US-001"].Passes)
	}
	if got.Stories["US-002"].Passes != PassesSkipped {
		t.Errorf("US-002.Passes = %q, want skipped", got.Stories["US-002"].Passes)
	}
	if got.Stories["US-003"].Passes != PassesFalse {
		t.Errorf("US-003.Passes = %q, want false", got.Stories["US-003"].Passes)
	}
}

func TestLoadMissingFileIsFatal(t *testing.T) {
	dir := t.TempDir()
	if _, err := Load(dir); err == nil {
		t.Fatal("expected error loading state.json from an empty directory")
	}
}

func TestLoadMalformedJSONIsFatal(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(StatePath(dir), []byte("{not valid json"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(dir); err == nil {
		t.Fatal("expected error loading malformed state.json")
	}
}

func TestBroadcastSubscribeReceivesHistoryThenLive(t *testing.T) {
	b := NewBroadcast()
	b.Publish("first")

	history, ch, unsub := b.Subscribe()
	defer unsub()
	if len(history) != 1 || history[0] != "first" {
		t.Fatalf("history = %v, want [first]", history)
	}

	b.Publish("second")
	select {
	case evt := <-ch:
		if evt != "second" {
			t.Errorf("evt = %v, want second", evt)
		}
	default:
		t.Fatal("expected live event to be delivered")
	}
}

func TestBroadcastCloseClosesSubscribers(t *testing.T) {
	b := NewBroadcast()
	_, ch, unsub := b.Subscribe()
	defer unsub()
	b.Close()

	if _, open := <-ch; open {
		t.Error("expected channel to be closed")
	}
}
