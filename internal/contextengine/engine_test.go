package contextengine

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"evoagent/internal/rules"
	"evoagent/internal/task"
)

func newTestEngine(t *testing.T, total, reserve int) *Engine {
	t.Helper()
	dir := t.TempDir()
	for tier, body := range map[string]string{
		rules.TierConstitution: "# Identity\n\nBe helpful and direct.",
		rules.TierExperience:   "# Scheduling\n\nConfirm the timezone before scheduling.",
	} {
		path := filepath.Join(dir, tier, "r.md")
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return New(rules.NewInterpreter(dir, nil), DefaultBudget(total, reserve), nil)
}

func TestAssembleSectionOrder(t *testing.T) {
	e := newTestEngine(t, 10000, 1000)
	e.SetTaskAnchor("plan the offsite")
	got := e.Assemble("schedule a meeting", nil, []string{"likes morning meetings"}, "short replies", "missed a deadline once")

	want := []string{"constitution", "task_anchor", "experience_rules", "memory", "preferences", "error_trace"}
	if strings.Join(got.SectionsUsed, ",") != strings.Join(want, ",") {
		t.Fatalf("section order: %v", got.SectionsUsed)
	}
	if !strings.HasPrefix(got.SystemPrompt, "## Core Rules") {
		t.Fatalf("constitution not first: %q", got.SystemPrompt[:40])
	}
	if got.BudgetUsage["memory"] == 0 {
		t.Fatal("memory usage not recorded")
	}
}

func TestHistoryTrimBoundary(t *testing.T) {
	// Each message estimates to 10 tokens (20 ASCII chars / 2).
	msg := func(role string) task.Message {
		return task.Message{Role: role, Content: strings.Repeat("a", 20)}
	}
	history := []task.Message{msg("user"), msg("assistant"), msg("user"), msg("assistant")}

	// Exactly at budget: all four kept.
	if got := trimHistory(history, 40); len(got) != 4 {
		t.Fatalf("exact budget trimmed: %d", len(got))
	}
	// One token under: oldest message dropped.
	if got := trimHistory(history, 39); len(got) != 3 || got[0].Role != "assistant" {
		t.Fatalf("over-budget trim: %+v", got)
	}
	if got := trimHistory(nil, 100); got != nil {
		t.Fatalf("nil history: %+v", got)
	}
}

func TestTrimKeepsChronologicalOrder(t *testing.T) {
	history := []task.Message{
		{Role: "user", Content: "one"},
		{Role: "assistant", Content: "two"},
		{Role: "user", Content: "three"},
	}
	got := trimHistory(history, 1000)
	if len(got) != 3 || got[0].Content != "one" || got[2].Content != "three" {
		t.Fatalf("order changed: %+v", got)
	}
}

func TestCurrentUsageCompactionFlag(t *testing.T) {
	e := newTestEngine(t, 1000, 100)
	u := e.CurrentUsage(Assembled{TotalTokens: 765})
	if !u.NeedsCompaction {
		t.Fatalf("765/900 = 0.85 should need compaction: %+v", u)
	}
	u = e.CurrentUsage(Assembled{TotalTokens: 764})
	if u.NeedsCompaction {
		t.Fatalf("just under threshold flagged: %+v", u)
	}
}

func TestTruncationMarkerOnOversizedSection(t *testing.T) {
	e := newTestEngine(t, 1000, 100)
	big := strings.Repeat("m", 5000)
	got := e.Assemble("hi", nil, []string{big}, "", "")
	if !strings.Contains(got.SystemPrompt, "truncated due to token budget") {
		t.Fatal("oversized memory section not truncated")
	}
}
