package reflection

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"evoagent/internal/llm"
	"evoagent/internal/memory"
	"evoagent/internal/store"
	"evoagent/internal/task"
)

func newEngine(t *testing.T, client llm.Client) (*Engine, *memory.Store) {
	t.Helper()
	ws, err := store.NewWorkspace(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	memories, err := memory.NewStore(ws, nil)
	if err != nil {
		t.Fatal(err)
	}
	return New(client, "gemini-flash", memories, nil), memories
}

func trace(id string) task.Trace {
	return task.Trace{TaskID: id, UserMessage: "hello", SystemResponse: "hi", Model: "opus"}
}

func TestReflectErrorPersistsEverywhere(t *testing.T) {
	mock := llm.NewMock(map[string]string{
		"gemini-flash": `{"type":"ERROR","outcome":"FAILURE","lesson":"wrong timezone assumption","root_cause":"wrong_assumption"}`,
	})
	e, memories := newEngine(t, mock)

	got := e.Reflect(context.Background(), trace("task_0002"))
	if !got.IsError() || got.Outcome != OutcomeFailure {
		t.Fatalf("classification: %+v", got)
	}
	if got.RootCause == nil || *got.RootCause != "wrong_assumption" {
		t.Fatalf("root cause: %+v", got.RootCause)
	}

	refs, err := store.ReadJSONL[Reflection](filepath.Join(memories.UserDir(), "reflections.jsonl"))
	if err != nil || len(refs) != 1 {
		t.Fatalf("reflections.jsonl: %v %v", refs, err)
	}
	errors, err := store.ReadJSONL[Reflection](filepath.Join(memories.UserDir(), "error_log.jsonl"))
	if err != nil || len(errors) != 1 {
		t.Fatalf("error_log.jsonl: %v %v", errors, err)
	}
	patterns := memories.RecentErrors(1)
	if !strings.Contains(patterns, "wrong timezone assumption") {
		t.Fatalf("error_patterns.md missing lesson:\n%s", patterns)
	}
}

func TestReflectPreferenceAppendsPreference(t *testing.T) {
	mock := llm.NewMock(map[string]string{
		"gemini-flash": `{"type":"PREFERENCE","outcome":"SUCCESS","lesson":"user prefers bullet lists"}`,
	})
	e, memories := newEngine(t, mock)

	got := e.Reflect(context.Background(), trace("task_0003"))
	if got.Type != TypePreference || got.RootCause != nil {
		t.Fatalf("preference reflection: %+v", got)
	}
	if !strings.Contains(memories.UserPreferences(), "bullet lists") {
		t.Fatalf("preferences.md: %q", memories.UserPreferences())
	}
}

func TestReflectInvalidOutputFallsBack(t *testing.T) {
	mock := llm.NewMock(map[string]string{"gemini-flash": "sorry, I cannot help"})
	e, memories := newEngine(t, mock)

	got := e.Reflect(context.Background(), trace("task_0004"))
	if got.Type != TypeNone || got.Outcome != OutcomeSuccess || got.Lesson != FallbackLesson {
		t.Fatalf("fallback reflection: %+v", got)
	}
	refs, err := store.ReadJSONL[Reflection](filepath.Join(memories.UserDir(), "reflections.jsonl"))
	if err != nil || len(refs) != 1 {
		t.Fatalf("fallback not persisted: %v %v", refs, err)
	}
}

func TestNormalizeEnforcesInvariants(t *testing.T) {
	// Unknown type and outcome collapse to NONE/SUCCESS, and root cause is
	// cleared for non-errors.
	got := normalize("t", rawReflection{Type: "WEIRD", Outcome: "MAYBE", Lesson: "x", RootCause: "tool_misuse"})
	if got.Type != TypeNone || got.Outcome != OutcomeSuccess || got.RootCause != nil {
		t.Fatalf("normalize: %+v", got)
	}
	// Errors with a bogus root cause get knowledge_gap.
	got = normalize("t", rawReflection{Type: "error", Outcome: "failure", Lesson: "x", RootCause: "cosmic_rays"})
	if got.RootCause == nil || *got.RootCause != "knowledge_gap" {
		t.Fatalf("root cause default: %+v", got)
	}
	// Empty lesson becomes the fallback marker.
	got = normalize("t", rawReflection{Type: "NONE", Outcome: "SUCCESS"})
	if got.Lesson != FallbackLesson {
		t.Fatalf("lesson default: %+v", got)
	}
}
