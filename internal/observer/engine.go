// Package observer writes lightweight per-task observation notes and
// periodic deep analysis reports. It observes and reports; it never
// modifies anything itself.
package observer

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"evoagent/internal/jsonx"
	"evoagent/internal/llm"
	"evoagent/internal/logging"
	"evoagent/internal/reflection"
	"evoagent/internal/signals"
	"evoagent/internal/store"
	"evoagent/internal/task"
)

// Deep analysis triggers.
const (
	TriggerDaily     = "daily"
	TriggerEmergency = "emergency"
)

// NormalNote is the light-mode note for uneventful tasks.
const NormalNote = "normal"

const lightSystemPrompt = `You are the observer's lightweight mode. Write a one-line observation note for the task below.

Output format (plain text, one line, at most 100 characters):
[the key thing observed: anomalies, patterns, anything worth noting]

If the task completed without incident, output "normal".`

const deepSystemPrompt = `You are the Observer, a system health analyst.
Your job is to observe and report. You do not make modification decisions.

Analyze the data below and identify patterns and problems worth attention.

Focus, in priority order:
1. Genuine error patterns (wrong assumptions, missed considerations), not preference mismatches.
2. System efficiency problems (wasted tokens, repeated work).
3. Skill and knowledge gaps.
4. Shifts in user preference (lowest priority, just note them).

Answer in exactly this JSON shape:
{
  "tasks_analyzed": 12,
  "key_findings": [
    {
      "type": "error_pattern or efficiency or skill_gap or preference",
      "description": "the concrete finding",
      "confidence": "HIGH or MEDIUM or LOW",
      "evidence": ["task_028 correction", "task_033 correction"],
      "recommendation": "suggested direction for improvement"
    }
  ],
  "overall_health": "good or degraded or critical"
}

Sort key_findings by priority (error_pattern first).`

var findingPriority = map[string]int{
	"error_pattern": 0,
	"efficiency":    1,
	"skill_gap":     2,
	"preference":    3,
}

// LightLog is one line of observations/light_logs/<date>.jsonl.
type LightLog struct {
	Timestamp string   `json:"timestamp"`
	TaskID    string   `json:"task_id"`
	Outcome   string   `json:"outcome"`
	Tokens    int      `json:"tokens"`
	Model     string   `json:"model"`
	Signals   []string `json:"signals"`
	ErrorType string   `json:"error_type,omitempty"`
	Note      string   `json:"note"`
}

// Finding is one normalized deep-analysis finding.
type Finding struct {
	FindingID      string   `json:"finding_id"`
	Type           string   `json:"type"`
	Description    string   `json:"description"`
	Confidence     string   `json:"confidence"`
	Evidence       []string `json:"evidence"`
	Recommendation string   `json:"recommendation"`
}

// Report is the result of one deep analysis run.
type Report struct {
	Trigger       string    `json:"trigger"`
	Date          string    `json:"date"`
	TasksAnalyzed int       `json:"tasks_analyzed"`
	KeyFindings   []Finding `json:"key_findings"`
	OverallHealth string    `json:"overall_health"`
}

// Engine runs light observations on the cheap model and deep analysis on
// the strong one.
type Engine struct {
	lightClient llm.Client
	deepClient  llm.Client
	lightModel  string
	deepModel   string

	ws             *store.Workspace
	lightLogsDir   string
	deepReportsDir string
	signalsPath    string
	rulesDir       string
	logger         logging.Logger
}

// NewEngine builds the observer over the workspace, creating its
// observation directories.
func NewEngine(lightClient, deepClient llm.Client, lightModel, deepModel string, ws *store.Workspace, logger logging.Logger) (*Engine, error) {
	if lightModel == "" {
		lightModel = "gemini-flash"
	}
	if deepModel == "" {
		deepModel = "opus"
	}
	e := &Engine{
		lightClient:    lightClient,
		deepClient:     deepClient,
		lightModel:     lightModel,
		deepModel:      deepModel,
		ws:             ws,
		lightLogsDir:   ws.Path("observations", "light_logs"),
		deepReportsDir: ws.Path("observations", "deep_reports"),
		signalsPath:    ws.Path("signals", "active.jsonl"),
		rulesDir:       ws.Path("rules"),
		logger:         logging.OrNop(logger),
	}
	for _, dir := range []string{e.lightLogsDir, e.deepReportsDir, filepath.Dir(e.signalsPath)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create observer dir: %w", err)
		}
	}
	return e, nil
}

// Observe appends one lightweight observation for a finished task. The
// reflection may be nil when the post-task pipeline skipped it.
func (e *Engine) Observe(ctx context.Context, trace task.Trace, ref *reflection.Reflection) LightLog {
	outcome := reflection.OutcomeSuccess
	errorType := ""
	var derived []string
	if ref != nil {
		outcome = ref.Outcome
		if ref.Type == reflection.TypeError || ref.Type == reflection.TypePreference {
			errorType = ref.Type
		}
		switch ref.Type {
		case reflection.TypeError:
			derived = append(derived, signals.TypeTaskFailure)
		case reflection.TypePreference:
			derived = append(derived, signals.TypeUserPattern)
		}
	} else if trace.UserFeedback != "" {
		outcome = reflection.OutcomePartial
		derived = append(derived, signals.TypeUserPattern)
	}

	feedback := trace.UserFeedback
	if feedback == "" {
		feedback = "none"
	}
	response := trace.SystemResponse
	if runes := []rune(response); len(runes) > 500 {
		response = string(runes[:500])
	}
	refDesc := "none"
	if ref != nil {
		refDesc = fmt.Sprintf("type=%s outcome=%s lesson=%s", ref.Type, ref.Outcome, ref.Lesson)
	}
	userPrompt := fmt.Sprintf(
		"Task ID: %s\nUser message: %s\nSystem response: %s\nUser feedback: %s\nReflection: %s",
		trace.TaskID, trace.UserMessage, response, feedback, refDesc,
	)

	note := NormalNote
	if e.lightClient != nil {
		if raw := e.lightClient.Complete(ctx, lightSystemPrompt, userPrompt, e.lightModel, 120); strings.TrimSpace(raw) != "" {
			line := strings.SplitN(strings.TrimSpace(raw), "\n", 2)[0]
			if runes := []rune(line); len(runes) > 100 {
				line = string(runes[:100])
			}
			note = line
		}
	}

	entry := LightLog{
		Timestamp: store.Now(),
		TaskID:    trace.TaskID,
		Outcome:   outcome,
		Tokens:    trace.TokensUsed,
		Model:     trace.Model,
		Signals:   derived,
		ErrorType: errorType,
		Note:      note,
	}
	path := filepath.Join(e.lightLogsDir, store.Today()+".jsonl")
	if err := store.AppendJSONL(path, entry); err != nil {
		e.logger.Error("observer: append light log: %v", err)
	}
	return entry
}

// DeepAnalyze runs the deep model over today's light logs, the active
// signals and the rule inventory, writing a markdown report.
func (e *Engine) DeepAnalyze(ctx context.Context, trigger string) Report {
	today := store.Today()
	lightLogs, err := store.ReadJSONL[LightLog](filepath.Join(e.lightLogsDir, today+".jsonl"))
	if err != nil {
		e.logger.Error("observer: read light logs: %v", err)
	}
	activeSignals, err := store.ReadJSONL[signals.Signal](e.signalsPath)
	if err != nil {
		e.logger.Error("observer: read signals: %v", err)
	}
	ruleFiles := e.listRuleFiles()

	logsJSON, _ := jsonx.Marshal(lightLogs)
	signalsJSON, _ := jsonx.Marshal(activeSignals)
	rulesJSON, _ := jsonx.Marshal(ruleFiles)
	userMessage := fmt.Sprintf(
		"=== Today's light observation logs ===\n%s\n\n=== Active signals ===\n%s\n\n=== Current rule files ===\n%s\n\nTrigger: %s",
		logsJSON, signalsJSON, rulesJSON, trigger,
	)

	report := Report{
		Trigger:       trigger,
		Date:          today,
		TasksAnalyzed: len(lightLogs),
		OverallHealth: "good",
	}
	if e.deepClient != nil {
		raw := e.deepClient.Complete(ctx, deepSystemPrompt, userMessage, e.deepModel, 2000)
		var parsed rawReport
		if jsonx.UnmarshalObject(raw, &parsed) {
			if parsed.TasksAnalyzed > 0 {
				report.TasksAnalyzed = parsed.TasksAnalyzed
			}
			if parsed.OverallHealth != "" {
				report.OverallHealth = parsed.OverallHealth
			}
			report.KeyFindings = normalizeFindings(parsed.KeyFindings)
		} else if raw != "" {
			e.logger.Warn("observer: unparsable deep analysis output")
		}
	}

	markdown := renderReport(report, lightLogs, activeSignals)
	reportPath := filepath.Join(e.deepReportsDir, today+".md")
	if err := os.WriteFile(reportPath, []byte(markdown), 0o644); err != nil {
		e.logger.Error("observer: write deep report: %v", err)
	}
	return report
}

// rawReport tolerates loosely typed model output.
type rawReport struct {
	TasksAnalyzed int          `json:"tasks_analyzed"`
	KeyFindings   []rawFinding `json:"key_findings"`
	OverallHealth string       `json:"overall_health"`
}

type rawFinding struct {
	FindingID      string   `json:"finding_id"`
	Type           string   `json:"type"`
	Description    string   `json:"description"`
	Confidence     string   `json:"confidence"`
	Evidence       []string `json:"evidence"`
	Recommendation string   `json:"recommendation"`
}

func normalizeFindings(raw []rawFinding) []Finding {
	findings := make([]Finding, 0, len(raw))
	for i, f := range raw {
		id := f.FindingID
		if id == "" {
			id = fmt.Sprintf("f_%03d", i+1)
		}
		findingType := f.Type
		if findingType == "" {
			findingType = "preference"
		}
		confidence := f.Confidence
		if confidence == "" {
			confidence = "LOW"
		}
		findings = append(findings, Finding{
			FindingID:      id,
			Type:           findingType,
			Description:    f.Description,
			Confidence:     confidence,
			Evidence:       f.Evidence,
			Recommendation: f.Recommendation,
		})
	}
	sort.SliceStable(findings, func(i, j int) bool {
		pi, ok := findingPriority[findings[i].Type]
		if !ok {
			pi = 99
		}
		pj, ok := findingPriority[findings[j].Type]
		if !ok {
			pj = 99
		}
		return pi < pj
	})
	return findings
}

func (e *Engine) listRuleFiles() []string {
	var files []string
	_ = filepath.WalkDir(e.rulesDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(d.Name(), ".md") {
			return nil
		}
		if rel, ok := e.ws.Rel(path); ok {
			files = append(files, rel)
		}
		return nil
	})
	sort.Strings(files)
	return files
}

func renderReport(report Report, lightLogs []LightLog, activeSignals []signals.Signal) string {
	var success, partial, failure, tokens int
	for _, row := range lightLogs {
		switch row.Outcome {
		case reflection.OutcomeSuccess:
			success++
		case reflection.OutcomePartial:
			partial++
		case reflection.OutcomeFailure:
			failure++
		}
		tokens += row.Tokens
	}
	var critical, high int
	for _, row := range activeSignals {
		switch row.Priority {
		case signals.PriorityCritical:
			critical++
		case signals.PriorityHigh:
			high++
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Observer Deep Report: %s\n\n", report.Date)
	fmt.Fprintf(&b, "> Trigger: %s\n", report.Trigger)
	fmt.Fprintf(&b, "> Tasks analyzed: %d\n", report.TasksAnalyzed)
	fmt.Fprintf(&b, "> System health: %s\n\n", report.OverallHealth)
	b.WriteString("## Key Findings\n\n")
	if len(report.KeyFindings) == 0 {
		b.WriteString("No high-confidence findings.\n\n")
	}
	for i, f := range report.KeyFindings {
		fmt.Fprintf(&b, "### %d. [%s] %s\n", i+1, f.Type, f.Description)
		fmt.Fprintf(&b, "- **Confidence**: %s\n", f.Confidence)
		fmt.Fprintf(&b, "- **Evidence**: %s\n", strings.Join(f.Evidence, ", "))
		fmt.Fprintf(&b, "- **Recommendation**: %s\n\n", f.Recommendation)
	}
	b.WriteString("## Data Overview\n")
	fmt.Fprintf(&b, "- Tasks today: %d (success %d, partial %d, failure %d)\n", len(lightLogs), success, partial, failure)
	fmt.Fprintf(&b, "- Signals: %d (CRITICAL: %d, HIGH: %d)\n", len(activeSignals), critical, high)
	fmt.Fprintf(&b, "- Tokens consumed: %d\n", tokens)
	return b.String()
}
