// Package metrics tracks task, signal and proposal events in an append-only
// JSONL log and rolls them up into daily YAML summaries.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"evoagent/internal/logging"
	"evoagent/internal/store"
)

// Event types recorded in events.jsonl.
const (
	EventTask     = "task"
	EventSignal   = "signal"
	EventProposal = "proposal"
)

// repairDropThreshold is the relative success-rate drop that flips the
// repair trigger.
const repairDropThreshold = 0.20

// Event is one row of events.jsonl. Fields beyond event_type and timestamp
// are populated per event type.
type Event struct {
	EventType string `json:"event_type"`
	Timestamp string `json:"timestamp"`

	TaskID          string `json:"task_id,omitempty"`
	Outcome         string `json:"outcome,omitempty"`
	Tokens          int    `json:"tokens,omitempty"`
	Model           string `json:"model,omitempty"`
	DurationMS      int64  `json:"duration_ms,omitempty"`
	UserCorrections int    `json:"user_corrections,omitempty"`
	ErrorType       string `json:"error_type,omitempty"`

	SignalType string `json:"signal_type,omitempty"`
	Priority   string `json:"priority,omitempty"`
	Source     string `json:"source,omitempty"`

	ProposalID    string   `json:"proposal_id,omitempty"`
	Level         int      `json:"level,omitempty"`
	Status        string   `json:"status,omitempty"`
	FilesAffected []string `json:"files_affected,omitempty"`
}

// TaskStats aggregates task outcomes for one day.
type TaskStats struct {
	Total       int     `yaml:"total" json:"total"`
	Success     int     `yaml:"success" json:"success"`
	Partial     int     `yaml:"partial" json:"partial"`
	Failure     int     `yaml:"failure" json:"failure"`
	SuccessRate float64 `yaml:"success_rate" json:"success_rate"`
}

// Summary is the daily rollup written to daily/<date>.yaml.
type Summary struct {
	Date                    string         `yaml:"date" json:"date"`
	Tasks                   TaskStats      `yaml:"tasks" json:"tasks"`
	Tokens                  map[string]int `yaml:"tokens" json:"tokens"`
	UserCorrections         int            `yaml:"user_corrections" json:"user_corrections"`
	SignalsDetected         int            `yaml:"signals_detected" json:"signals_detected"`
	ObserverDeepAnalyses    int            `yaml:"observer_deep_analyses" json:"observer_deep_analyses"`
	ArchitectProposals      int            `yaml:"architect_proposals" json:"architect_proposals"`
	ModificationsExecuted   int            `yaml:"modifications_executed" json:"modifications_executed"`
	ModificationsRolledBack int            `yaml:"modifications_rolled_back" json:"modifications_rolled_back"`
}

// TrendPoint is one day of a metric trend.
type TrendPoint struct {
	Date  string  `json:"date"`
	Value float64 `json:"value"`
}

// Tracker records events and serves rollups over them.
type Tracker struct {
	eventsPath string
	dailyDir   string
	collectors *Collectors
	logger     logging.Logger
}

// NewTracker creates the metrics directory layout under metricsDir.
// Collectors may be nil when no Prometheus surface is wanted.
func NewTracker(metricsDir string, collectors *Collectors, logger logging.Logger) (*Tracker, error) {
	dailyDir := filepath.Join(metricsDir, "daily")
	if err := os.MkdirAll(dailyDir, 0o755); err != nil {
		return nil, fmt.Errorf("create metrics dir: %w", err)
	}
	return &Tracker{
		eventsPath: filepath.Join(metricsDir, "events.jsonl"),
		dailyDir:   dailyDir,
		collectors: collectors,
		logger:     logging.OrNop(logger),
	}, nil
}

// EventsPath returns the path of the append-only event log.
func (t *Tracker) EventsPath() string { return t.eventsPath }

// RecordTask records one task result.
func (t *Tracker) RecordTask(taskID, outcome string, tokens int, model string, durationMS int64, userCorrections int, errorType string) {
	t.append(Event{
		EventType:       EventTask,
		Timestamp:       store.Now(),
		TaskID:          taskID,
		Outcome:         outcome,
		Tokens:          tokens,
		Model:           model,
		DurationMS:      durationMS,
		UserCorrections: userCorrections,
		ErrorType:       errorType,
	})
	t.collectors.ObserveTask(outcome, model, tokens, durationMS)
}

// RecordSignal records one signal detection.
func (t *Tracker) RecordSignal(signalType, priority, source string) {
	t.append(Event{
		EventType:  EventSignal,
		Timestamp:  store.Now(),
		SignalType: signalType,
		Priority:   priority,
		Source:     source,
	})
	t.collectors.IncSignal(signalType, priority)
}

// RecordProposal records one architect proposal transition.
func (t *Tracker) RecordProposal(proposalID string, level int, status string, filesAffected []string) {
	t.append(Event{
		EventType:     EventProposal,
		Timestamp:     store.Now(),
		ProposalID:    proposalID,
		Level:         level,
		Status:        status,
		FilesAffected: filesAffected,
	})
	t.collectors.IncProposal(status)
}

// DailySummary aggregates all events of the given date. An empty date means
// today.
func (t *Tracker) DailySummary(targetDate string) Summary {
	day := targetDate
	if day == "" {
		day = store.Today()
	}
	summary := emptySummary(day)

	for _, e := range t.eventsForDate(day) {
		switch e.EventType {
		case EventTask:
			applyTask(&summary, e)
		case EventSignal:
			summary.SignalsDetected++
			if e.SignalType == "observer_deep_analysis" {
				summary.ObserverDeepAnalyses++
			}
		case EventProposal:
			summary.ArchitectProposals++
			switch e.Status {
			case "executed":
				summary.ModificationsExecuted++
			case "rolled_back":
				summary.ModificationsRolledBack++
			}
		}
	}

	if summary.Tasks.Total > 0 {
		summary.Tasks.SuccessRate = float64(summary.Tasks.Success) / float64(summary.Tasks.Total)
	}
	return summary
}

// SuccessRate returns the task success rate over the last N days, today
// included. Zero tasks yield 0.
func (t *Tracker) SuccessRate(days int) float64 {
	if days <= 0 {
		return 0
	}
	return t.successRateInWindow(days, 1)
}

// Trend returns the per-day series of one supported metric over the last N
// days, oldest first.
func (t *Tracker) Trend(metric string, days int) ([]TrendPoint, error) {
	if days <= 0 {
		return nil, nil
	}
	switch metric {
	case "success_rate", "total_tasks", "total_tokens", "user_corrections":
	default:
		return nil, fmt.Errorf("unsupported metric: %s", metric)
	}

	start := time.Now().AddDate(0, 0, -(days - 1))
	trend := make([]TrendPoint, 0, days)
	for offset := 0; offset < days; offset++ {
		day := start.AddDate(0, 0, offset).Format(store.DateLayout)
		summary := t.DailySummary(day)
		var value float64
		switch metric {
		case "success_rate":
			value = summary.Tasks.SuccessRate
		case "total_tasks":
			value = float64(summary.Tasks.Total)
		case "total_tokens":
			value = float64(summary.Tokens["total"])
		case "user_corrections":
			value = float64(summary.UserCorrections)
		}
		trend = append(trend, TrendPoint{Date: day, Value: value})
	}
	return trend, nil
}

// ShouldTriggerRepair reports whether the system should drop into repair
// mode: three critical signals inside 24 hours, or the recent 3-day success
// rate falling more than 20% below the preceding baseline.
func (t *Tracker) ShouldTriggerRepair() bool {
	if t.criticalSignalsInLast24h() >= 3 {
		return true
	}
	baseline := t.successRateInWindow(10, 4)
	if baseline <= 0 {
		return false
	}
	recent := t.successRateInWindow(3, 1)
	return (baseline-recent)/baseline > repairDropThreshold
}

// FlushDaily writes the summary for the given date (empty means today) to
// daily/<date>.yaml.
func (t *Tracker) FlushDaily(targetDate string) error {
	day := targetDate
	if day == "" {
		day = store.Today()
	}
	summary := t.DailySummary(day)
	data, err := yaml.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal daily summary: %w", err)
	}
	outPath := filepath.Join(t.dailyDir, day+".yaml")
	if err := os.WriteFile(outPath, data, 0o644); err != nil {
		return fmt.Errorf("write daily summary: %w", err)
	}
	return nil
}

func (t *Tracker) append(e Event) {
	if err := store.AppendJSONL(t.eventsPath, e); err != nil {
		t.logger.Error("metrics: append event: %v", err)
	}
}

func (t *Tracker) events() []Event {
	rows, err := store.ReadJSONL[Event](t.eventsPath)
	if err != nil {
		t.logger.Error("metrics: read events: %v", err)
		return nil
	}
	return rows
}

func (t *Tracker) eventsForDate(day string) []Event {
	var out []Event
	for _, e := range t.events() {
		if len(e.Timestamp) >= len(day) && e.Timestamp[:len(day)] == day {
			out = append(out, e)
		}
	}
	return out
}

func (t *Tracker) criticalSignalsInLast24h() int {
	cutoff := time.Now().Add(-24 * time.Hour)
	count := 0
	for _, e := range t.events() {
		if e.EventType != EventSignal || e.Priority != "CRITICAL" {
			continue
		}
		ts, err := time.ParseInLocation(store.TimeLayout, e.Timestamp, time.Local)
		if err != nil {
			continue
		}
		if !ts.Before(cutoff) {
			count++
		}
	}
	return count
}

// successRateInWindow aggregates task outcomes between startDaysAgo and
// endDaysAgo, both inclusive and counted back from today at day granularity.
func (t *Tracker) successRateInWindow(startDaysAgo, endDaysAgo int) float64 {
	today := time.Now()
	start := today.AddDate(0, 0, -(startDaysAgo - 1)).Format(store.DateLayout)
	end := today.AddDate(0, 0, -(endDaysAgo - 1)).Format(store.DateLayout)

	success := 0
	total := 0
	for _, e := range t.events() {
		if e.EventType != EventTask || len(e.Timestamp) < len(store.DateLayout) {
			continue
		}
		day := e.Timestamp[:len(store.DateLayout)]
		if day < start || day > end {
			continue
		}
		total++
		if e.Outcome == "SUCCESS" {
			success++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(success) / float64(total)
}

func applyTask(summary *Summary, e Event) {
	summary.Tasks.Total++
	switch e.Outcome {
	case "SUCCESS":
		summary.Tasks.Success++
	case "PARTIAL":
		summary.Tasks.Partial++
	default:
		summary.Tasks.Failure++
	}

	model := e.Model
	if model == "" {
		model = "unknown"
	}
	summary.Tokens[model] += e.Tokens
	summary.Tokens["total"] += e.Tokens
	summary.UserCorrections += e.UserCorrections
}

func emptySummary(day string) Summary {
	return Summary{
		Date: day,
		Tokens: map[string]int{
			"opus":         0,
			"gemini-flash": 0,
			"total":        0,
		},
	}
}
