package signals

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"evoagent/internal/reflection"
	"evoagent/internal/store"
)

func strPtr(s string) *string { return &s }

func TestStoreAddAndActiveFilters(t *testing.T) {
	s := NewStore(t.TempDir(), nil)
	s.Add(Signal{SignalType: TypeTaskFailure, Priority: PriorityHigh, Source: "reflection:task_0001"})
	s.Add(Signal{SignalType: TypeUserCorrection, Priority: PriorityMedium, Source: "reflection:task_0001"})

	all := s.Active(Filter{})
	if len(all) != 2 {
		t.Fatalf("active count = %d", len(all))
	}
	for _, sig := range all {
		if sig.SignalID == "" || sig.Timestamp == "" || sig.Status != StatusActive {
			t.Fatalf("defaults not filled: %+v", sig)
		}
	}
	high := s.Active(Filter{Priority: PriorityHigh})
	if len(high) != 1 || high[0].SignalType != TypeTaskFailure {
		t.Fatalf("priority filter: %+v", high)
	}
}

func TestMarkHandledMovesToArchive(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, nil)
	a := s.Add(Signal{SignalType: TypeTaskFailure, Priority: PriorityHigh})
	b := s.Add(Signal{SignalType: TypeUserCorrection, Priority: PriorityMedium})

	s.MarkHandled([]string{a.SignalID}, "architect")

	active := s.Active(Filter{})
	if len(active) != 1 || active[0].SignalID != b.SignalID {
		t.Fatalf("active after handle: %+v", active)
	}
	archived, err := store.ReadJSONL[Signal](filepath.Join(dir, "archive.jsonl"))
	if err != nil || len(archived) != 1 {
		t.Fatalf("archive: %+v %v", archived, err)
	}
	got := archived[0]
	if got.SignalID != a.SignalID || got.Status != StatusHandled || got.Handler != "architect" || got.HandledAt == "" {
		t.Fatalf("archived record: %+v", got)
	}
}

func TestCountRecentWindow(t *testing.T) {
	s := NewStore(t.TempDir(), nil)
	old := time.Now().Add(-48 * time.Hour).Format(store.TimeLayout)
	s.Add(Signal{SignalType: TypeTaskFailure, Priority: PriorityHigh, Timestamp: old})
	s.Add(Signal{SignalType: TypeTaskFailure, Priority: PriorityHigh})

	if got := s.CountRecent(Filter{SignalType: TypeTaskFailure}, 24); got != 1 {
		t.Fatalf("recent count = %d, want 1", got)
	}
	if got := s.CountRecent(Filter{SignalType: TypeTaskFailure}, 72); got != 2 {
		t.Fatalf("wide window count = %d, want 2", got)
	}
}

func TestDetectPerTaskRules(t *testing.T) {
	s := NewStore(t.TempDir(), nil)
	d := NewDetector(s, "", nil)

	r := reflection.Reflection{
		TaskID:    "task_0002",
		Type:      reflection.TypeError,
		Outcome:   reflection.OutcomeFailure,
		Lesson:    "wrong timezone assumption",
		RootCause: strPtr("wrong_assumption"),
	}
	got := d.Detect(r, TaskContext{UserCorrections: 1, TokensUsed: 500})
	if len(got) != 2 {
		t.Fatalf("signal count = %d: %+v", len(got), got)
	}
	byType := map[string]Signal{}
	for _, sig := range got {
		byType[sig.SignalType] = sig
	}
	if byType[TypeUserCorrection].Priority != PriorityMedium {
		t.Fatalf("user_correction: %+v", byType[TypeUserCorrection])
	}
	failure := byType[TypeTaskFailure]
	if failure.Priority != PriorityHigh {
		t.Fatalf("task_failure: %+v", failure)
	}
	if !strings.Contains(failure.Description, "wrong_assumption") || !strings.Contains(failure.Description, "wrong timezone assumption") {
		t.Fatalf("failure description: %q", failure.Description)
	}
	if len(s.Active(Filter{})) != 2 {
		t.Fatal("detected signals not persisted")
	}
}

func TestDetectRuleValidatedAndEfficiency(t *testing.T) {
	s := NewStore(t.TempDir(), nil)
	d := NewDetector(s, "", nil)

	r := reflection.Reflection{TaskID: "task_0003", Type: reflection.TypeNone, Outcome: reflection.OutcomeSuccess}
	got := d.Detect(r, TaskContext{RulesUsed: []string{"style"}, TokensUsed: 20000})
	if len(got) != 2 {
		t.Fatalf("signal count = %d: %+v", len(got), got)
	}
	types := map[string]bool{}
	for _, sig := range got {
		types[sig.SignalType] = true
	}
	if !types[TypeRuleValidated] || !types[TypeEfficiencyOpportunity] {
		t.Fatalf("types: %v", types)
	}
}

func TestDetectPatternsRepeatedErrorIdempotent(t *testing.T) {
	s := NewStore(t.TempDir(), nil)
	d := NewDetector(s, "", nil)

	s.Add(Signal{SignalType: TypeTaskFailure, Priority: PriorityHigh, RelatedTasks: []string{"task_0001"}})
	s.Add(Signal{SignalType: TypeTaskFailure, Priority: PriorityHigh, RelatedTasks: []string{"task_0002"}})

	first := d.DetectPatterns(24)
	if len(first) != 1 || first[0].SignalType != TypeRepeatedError {
		t.Fatalf("first pass: %+v", first)
	}
	if got := first[0].RelatedTasks; len(got) != 2 {
		t.Fatalf("related tasks: %v", got)
	}
	second := d.DetectPatterns(24)
	if len(second) != 0 {
		t.Fatalf("second pass emitted again: %+v", second)
	}
}

func TestDetectPerformanceDegradation(t *testing.T) {
	dir := t.TempDir()
	metricsPath := filepath.Join(dir, "metrics", "events.jsonl")

	appendTask := func(daysAgo int, outcome string) {
		ts := time.Now().AddDate(0, 0, -daysAgo).Format(store.TimeLayout)
		rec := map[string]string{"event_type": "task", "timestamp": ts, "outcome": outcome}
		if err := store.AppendJSONL(metricsPath, rec); err != nil {
			t.Fatal(err)
		}
	}
	// Baseline (4-10 days ago): all successes.
	for i := 0; i < 5; i++ {
		appendTask(5, "SUCCESS")
	}
	// Recent window: all failures.
	for i := 0; i < 5; i++ {
		appendTask(1, "FAILURE")
	}

	s := NewStore(filepath.Join(dir, "signals"), nil)
	d := NewDetector(s, metricsPath, nil)
	got := d.DetectPatterns(168)
	if len(got) != 1 || got[0].SignalType != TypePerformanceDegradation || got[0].Priority != PriorityCritical {
		t.Fatalf("degradation: %+v", got)
	}
	if again := d.DetectPatterns(168); len(again) != 0 {
		t.Fatalf("degradation not idempotent: %+v", again)
	}
}
