package observer

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"evoagent/internal/llm"
	"evoagent/internal/reflection"
	"evoagent/internal/signals"
	"evoagent/internal/store"
	"evoagent/internal/task"
)

func newEngine(t *testing.T, light, deep llm.Client) (*Engine, *store.Workspace) {
	t.Helper()
	ws, err := store.NewWorkspace(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	e, err := NewEngine(light, deep, "gemini-flash", "opus", ws, nil)
	if err != nil {
		t.Fatal(err)
	}
	return e, ws
}

func TestObserveErrorReflection(t *testing.T) {
	mock := llm.NewMock(map[string]string{"gemini-flash": "timezone handling keeps failing"})
	e, ws := newEngine(t, mock, nil)

	ref := &reflection.Reflection{Type: reflection.TypeError, Outcome: reflection.OutcomeFailure, Lesson: "tz"}
	got := e.Observe(context.Background(), task.Trace{TaskID: "task_0005", UserMessage: "m", TokensUsed: 900, Model: "opus"}, ref)

	if got.Outcome != reflection.OutcomeFailure || got.ErrorType != reflection.TypeError {
		t.Fatalf("light log: %+v", got)
	}
	if len(got.Signals) != 1 || got.Signals[0] != signals.TypeTaskFailure {
		t.Fatalf("derived signals: %v", got.Signals)
	}
	if got.Note != "timezone handling keeps failing" {
		t.Fatalf("note: %q", got.Note)
	}

	path := ws.Path("observations", "light_logs", store.Today()+".jsonl")
	rows, err := store.ReadJSONL[LightLog](path)
	if err != nil || len(rows) != 1 {
		t.Fatalf("light log file: %v %v", rows, err)
	}
}

func TestObserveDefaultsWithoutReflection(t *testing.T) {
	e, _ := newEngine(t, nil, nil)

	got := e.Observe(context.Background(), task.Trace{TaskID: "task_0006", UserFeedback: "too long"}, nil)
	if got.Outcome != reflection.OutcomePartial {
		t.Fatalf("outcome: %q", got.Outcome)
	}
	if len(got.Signals) != 1 || got.Signals[0] != signals.TypeUserPattern {
		t.Fatalf("signals: %v", got.Signals)
	}
	if got.Note != NormalNote {
		t.Fatalf("note: %q", got.Note)
	}
}

func TestObserveTruncatesLongNote(t *testing.T) {
	mock := llm.NewMock(map[string]string{"gemini-flash": strings.Repeat("x", 300) + "\nsecond line"})
	e, _ := newEngine(t, mock, nil)

	got := e.Observe(context.Background(), task.Trace{TaskID: "task_0007"}, nil)
	if len([]rune(got.Note)) != 100 || strings.Contains(got.Note, "second") {
		t.Fatalf("note not clamped to first 100 chars: %q", got.Note)
	}
}

func TestDeepAnalyzeSortsFindingsAndWritesReport(t *testing.T) {
	deep := llm.NewMock(map[string]string{
		"opus": `{"tasks_analyzed":2,"key_findings":[
			{"type":"preference","description":"short replies preferred","confidence":"LOW"},
			{"type":"error_pattern","description":"timezone bugs","confidence":"HIGH","evidence":["task_0005"],"recommendation":"add a timezone rule"}
		],"overall_health":"degraded"}`,
	})
	e, ws := newEngine(t, nil, deep)

	e.Observe(context.Background(), task.Trace{TaskID: "task_0005", TokensUsed: 700}, nil)

	got := e.DeepAnalyze(context.Background(), TriggerDaily)
	if got.OverallHealth != "degraded" || got.TasksAnalyzed != 2 {
		t.Fatalf("report: %+v", got)
	}
	if len(got.KeyFindings) != 2 || got.KeyFindings[0].Type != "error_pattern" {
		t.Fatalf("finding order: %+v", got.KeyFindings)
	}
	if got.KeyFindings[1].FindingID == "" {
		t.Fatalf("finding id not filled: %+v", got.KeyFindings[1])
	}

	data, err := os.ReadFile(ws.Path("observations", "deep_reports", store.Today()+".md"))
	if err != nil {
		t.Fatal(err)
	}
	report := string(data)
	for _, want := range []string{"timezone bugs", "## Key Findings", "Tokens consumed: 700", "System health: degraded"} {
		if !strings.Contains(report, want) {
			t.Fatalf("report missing %q:\n%s", want, report)
		}
	}
}

func TestDeepAnalyzeFallsBackOnBadOutput(t *testing.T) {
	deep := llm.NewMock(map[string]string{"opus": "not json at all"})
	e, _ := newEngine(t, nil, deep)

	got := e.DeepAnalyze(context.Background(), TriggerDaily)
	if got.OverallHealth != "good" || len(got.KeyFindings) != 0 {
		t.Fatalf("fallback report: %+v", got)
	}
}

func TestSchedulerEmergencyPrecedence(t *testing.T) {
	deep := llm.NewMock(map[string]string{"opus": `{"tasks_analyzed":0,"key_findings":[],"overall_health":"critical"}`})
	e, ws := newEngine(t, nil, deep)
	sigStore := signals.NewStore(ws.Path("signals"), nil)
	for i := 0; i < 3; i++ {
		sigStore.Add(signals.Signal{SignalType: signals.TypePerformanceDegradation, Priority: signals.PriorityCritical})
	}

	s := NewDeepScheduler(e, sigStore, "02:00", 3, nil)
	report, ran := s.CheckAndRun(context.Background())
	if !ran || report.Trigger != TriggerEmergency {
		t.Fatalf("emergency trigger: ran=%v report=%+v", ran, report)
	}
}

func TestSchedulerDailyWindowAndMarkDone(t *testing.T) {
	e, ws := newEngine(t, nil, nil)
	sigStore := signals.NewStore(ws.Path("signals"), nil)

	// Put the window around now so the daily trigger fires.
	now := time.Now()
	s := NewDeepScheduler(e, sigStore, now.Format("15:04"), 3, nil)
	if !s.inDailyWindow(now) {
		t.Fatal("window should contain now")
	}
	_, ran := s.CheckAndRun(context.Background())
	if !ran {
		t.Fatal("daily trigger did not fire")
	}
	if _, again := s.CheckAndRun(context.Background()); again {
		t.Fatal("daily trigger fired twice on the same day")
	}
}

func TestSchedulerWindowWrapsMidnight(t *testing.T) {
	e, ws := newEngine(t, nil, nil)
	s := NewDeepScheduler(e, signals.NewStore(ws.Path("signals"), nil), "00:10", 3, nil)

	late := time.Date(2026, 1, 2, 23, 50, 0, 0, time.Local)
	if !s.inDailyWindow(late) {
		t.Fatal("23:50 should be inside the 00:10 window")
	}
	midday := time.Date(2026, 1, 2, 12, 0, 0, 0, time.Local)
	if s.inDailyWindow(midday) {
		t.Fatal("12:00 should be outside the 00:10 window")
	}
}

func TestNextRunTimeAdvancesToTomorrow(t *testing.T) {
	e, ws := newEngine(t, nil, nil)
	past := time.Now().Add(-2 * time.Hour)
	s := NewDeepScheduler(e, signals.NewStore(ws.Path("signals"), nil), past.Format("15:04"), 3, nil)

	next := s.NextRunTime()
	if !next.After(time.Now()) {
		t.Fatalf("next run not in the future: %v", next)
	}
}
