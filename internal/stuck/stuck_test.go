package stuck

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/travissaylor/william/internal/agentstream"
)

func writeHint(t *testing.T, dir string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, HintFileName), []byte("existing hint"), 0644); err != nil {
		t.Fatalf("writeHint: %v", err)
	}
}

func TestDetectContinueWhenNothingWrong(t *testing.T) {
	dir := t.TempDir()
	result := Detect(dir, 1, &agentstream.StreamSession{})
	if result.Action != ActionContinue {
		t.Errorf("Action = %q, want continue", result.Action)
	}
}

func TestDetectPauseWhenHintAndSevenAttempts(t *testing.T) {
	dir := t.TempDir()
	writeHint(t, dir)
	result := Detect(dir, 7, &agentstream.StreamSession{})
	if result.Action != ActionPause {
		t.Errorf("Action = %q, want pause", result.Action)
	}
}

func TestDetectSkipWhenHintAndFiveAttempts(t *testing.T) {
	dir := t.TempDir()
	writeHint(t, dir)
	result := Detect(dir, 5, &agentstream.StreamSession{})
	if result.Action != ActionSkip {
		t.Errorf("Action = %q, want skip", result.Action)
	}
}

func TestDetectSkipTakesPrecedenceUnderSevenWithHint(t *testing.T) {
	dir := t.TempDir()
	writeHint(t, dir)
	result := Detect(dir, 6, &agentstream.StreamSession{})
	if result.Action != ActionSkip {
		t.Errorf("Action = %q, want skip (attempts<7 still matches rung 2)", result.Action)
	}
}

func TestDetectHintAtThreeAttemptsNoHintFileYet(t *testing.T) {
	dir := t.TempDir()
	result := Detect(dir, 3, &agentstream.StreamSession{})
	if result.Action != ActionHint {
		t.Errorf("Action = %q, want hint", result.Action)
	}
}

func TestDetectHintOnToolLoop(t *testing.T) {
	dir := t.TempDir()
	session := &agentstream.StreamSession{}
	for i := 0; i < 10; i++ {
		session.ToolUses = append(session.ToolUses, agentstream.ToolUse{Name: "Bash", Input: []byte(`{"command":"ls"}`)})
	}
	result := Detect(dir, 1, session)
	if result.Action != ActionHint {
		t.Fatalf("Action = %q, want hint", result.Action)
	}
	if result.Reason == "" {
		t.Error("expected a non-empty reason")
	}
}

func TestDetectHintOnZeroProgress(t *testing.T) {
	dir := t.TempDir()
	session := &agentstream.StreamSession{
		ToolUses: []agentstream.ToolUse{
			{Name: "Read", Input: []byte(`{"file_path":"a.go"}`)},
			{Name: "Bash", Input: []byte(`{"command":"ls"}`)},
		},
	}
	result := Detect(dir, 1, session)
	if result.Action != ActionHint {
		t.Errorf("Action = %q, want hint (no Write|Edit among tool uses)", result.Action)
	}
}

func TestDetectNoHintWhenFileEditOccurred(t *testing.T) {
	dir := t.TempDir()
	session := &agentstream.StreamSession{
		ToolUses: []agentstream.ToolUse{
			{Name: "Edit", Input: []byte(`{"file_path":"a.go"}`)},
		},
	}
	result := Detect(dir, 1, session)
	if result.Action != ActionContinue {
		t.Errorf("Action = %q, want continue", result.Action)
	}
}

func TestDetectHintOnHighErrorRate(t *testing.T) {
	dir := t.TempDir()
	session := &agentstream.StreamSession{
		ToolResults: []agentstream.ToolResult{
			{ToolUseID: "t1", IsError: true, Content: "boom"},
			{ToolUseID: "t2", IsError: true, Content: "boom"},
			{ToolUseID: "t3", IsError: false, Content: "ok"},
		},
	}
	result := Detect(dir, 1, session)
	if result.Action != ActionHint {
		t.Errorf("Action = %q, want hint (2/3 > 50%% error rate)", result.Action)
	}
}

func TestDetectNoHintWhenErrorRateAtOrBelowHalf(t *testing.T) {
	dir := t.TempDir()
	session := &agentstream.StreamSession{
		ToolResults: []agentstream.ToolResult{
			{ToolUseID: "t1", IsError: true, Content: "boom"},
			{ToolUseID: "t2", IsError: false, Content: "ok"},
		},
	}
	result := Detect(dir, 1, session)
	if result.Action != ActionContinue {
		t.Errorf("Action = %q, want continue (1/2 = 50%%, not > 50%%)", result.Action)
	}
}

func TestWriteHintFileAndRemove(t *testing.T) {
	dir := t.TempDir()
	session := &agentstream.StreamSession{
		ToolResults: []agentstream.ToolResult{{ToolUseID: "t1", IsError: true, Content: "boom"}},
		ToolUses:    []agentstream.ToolUse{{Name: "Edit", Input: []byte(`{"file_path":"a.go"}`)}},
	}
	if err := WriteHintFile(dir, "too many errors", session); err != nil {
		t.Fatalf("WriteHintFile: %v", err)
	}
	path := filepath.Join(dir, HintFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	content := string(data)
	if !contains(content, "too many errors") || !contains(content, "a.go") || !contains(content, "## Suggestion") {
		t.Errorf("hint file missing expected content: %q", content)
	}

	if err := RemoveHintFile(dir); err != nil {
		t.Fatalf("RemoveHintFile: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("expected hint file to be removed")
	}

	// Removing again must not error.
	if err := RemoveHintFile(dir); err != nil {
		t.Errorf("RemoveHintFile on absent file: %v", err)
	}
}

func TestWritePausedFile(t *testing.T) {
	dir := t.TempDir()
	if err := WritePausedFile(dir, "too many attempts"); err != nil {
		t.Fatalf("WritePausedFile: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, PausedFileName))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !contains(string(data), "too many attempts") {
		t.Errorf("paused file missing reason: %q", data)
	}
}

func contains(s, sub string) bool {
	return len(s) >= len(sub) && indexOf(s, sub) >= 0
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}
