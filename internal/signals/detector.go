package signals

import (
	"fmt"
	"strings"
	"time"

	"evoagent/internal/logging"
	"evoagent/internal/reflection"
	"evoagent/internal/store"
)

// Signal types the detector emits.
const (
	TypeUserCorrection         = "user_correction"
	TypeTaskFailure            = "task_failure"
	TypeRuleValidated          = "rule_validated"
	TypeEfficiencyOpportunity  = "efficiency_opportunity"
	TypeRepeatedError          = "repeated_error"
	TypeUserPattern            = "user_pattern"
	TypePerformanceDegradation = "performance_degradation"
)

const (
	highTokenThreshold   = 10000
	degradationThreshold = 0.15
)

// TaskContext carries the per-task facts the reflection does not.
type TaskContext struct {
	UserCorrections int
	TokensUsed      int
	RulesUsed       []string
}

// Detector derives signals and writes them to the store.
type Detector struct {
	store       *Store
	metricsPath string
	logger      logging.Logger
}

// NewDetector builds a detector. metricsPath points at metrics/events.jsonl
// and feeds the degradation rule; empty disables it.
func NewDetector(signalStore *Store, metricsPath string, logger logging.Logger) *Detector {
	return &Detector{store: signalStore, metricsPath: metricsPath, logger: logging.OrNop(logger)}
}

// Detect applies the per-task rules to one reflection. Each rule emits at
// most one signal; all emitted signals are persisted.
func (d *Detector) Detect(r reflection.Reflection, ctx TaskContext) []Signal {
	source := "reflection:" + r.TaskID
	var detected []Signal

	if ctx.UserCorrections > 0 {
		detected = append(detected, Signal{
			SignalType:   TypeUserCorrection,
			Priority:     PriorityMedium,
			Source:       source,
			Description:  fmt.Sprintf("User corrected output (%d time(s)).", ctx.UserCorrections),
			RelatedTasks: []string{r.TaskID},
		})
	}

	if r.Type == reflection.TypeError && r.Outcome == reflection.OutcomeFailure {
		desc := "Task failed due to detected execution error."
		if r.RootCause != nil {
			desc += " root_cause=" + *r.RootCause
		}
		if r.Lesson != "" {
			desc += " lesson=" + r.Lesson
		}
		detected = append(detected, Signal{
			SignalType:   TypeTaskFailure,
			Priority:     PriorityHigh,
			Source:       source,
			Description:  desc,
			RelatedTasks: []string{r.TaskID},
		})
	}

	if r.Type == reflection.TypeNone && r.Outcome == reflection.OutcomeSuccess && len(ctx.RulesUsed) > 0 {
		detected = append(detected, Signal{
			SignalType:   TypeRuleValidated,
			Priority:     PriorityLow,
			Source:       source,
			Description:  "Rule-assisted task completed successfully.",
			RelatedTasks: []string{r.TaskID},
		})
	}

	if ctx.TokensUsed > highTokenThreshold {
		detected = append(detected, Signal{
			SignalType:   TypeEfficiencyOpportunity,
			Priority:     PriorityLow,
			Source:       source,
			Description:  fmt.Sprintf("High token usage detected: %d.", ctx.TokensUsed),
			RelatedTasks: []string{r.TaskID},
		})
	}

	for i := range detected {
		detected[i] = d.store.Add(detected[i])
	}
	return detected
}

// DetectPatterns applies the cross-task rules over the lookback window.
// Each rule is idempotent per (signal_type, source) within the window.
func (d *Detector) DetectPatterns(lookbackHours int) []Signal {
	if lookbackHours < 1 {
		lookbackHours = 1
	}
	windowStart := time.Now().Add(-time.Duration(lookbackHours) * time.Hour)

	var recent []Signal
	for _, s := range d.store.Active(Filter{}) {
		ts, err := time.ParseInLocation(store.TimeLayout, s.Timestamp, time.Local)
		if err != nil || ts.Before(windowStart) {
			continue
		}
		recent = append(recent, s)
	}

	var created []Signal

	var failures []Signal
	for _, s := range recent {
		if s.SignalType == TypeTaskFailure {
			failures = append(failures, s)
		}
	}
	if len(failures) >= 2 && !hasPatternSignal(recent, TypeRepeatedError, "patterns:task_failure") {
		var related []string
		seen := map[string]bool{}
		for _, f := range failures {
			for _, t := range f.RelatedTasks {
				if !seen[t] {
					seen[t] = true
					related = append(related, t)
				}
			}
		}
		created = append(created, Signal{
			SignalType:   TypeRepeatedError,
			Priority:     PriorityHigh,
			Source:       "patterns:task_failure",
			Description:  fmt.Sprintf("Repeated task_failure detected in last %dh (%d events).", lookbackHours, len(failures)),
			RelatedTasks: related,
		})
	}

	userPatterns := 0
	for _, s := range recent {
		if s.SignalType == TypeUserPattern {
			userPatterns++
		}
	}
	if userPatterns >= 3 && !hasPatternSignal(recent, TypeUserPattern, "patterns:user_pattern") {
		created = append(created, Signal{
			SignalType:  TypeUserPattern,
			Priority:    PriorityMedium,
			Source:      "patterns:user_pattern",
			Description: fmt.Sprintf("Repeated user pattern detected (%d events).", userPatterns),
		})
	}

	if degradation, ok := d.detectPerformanceDegradation(); ok {
		if !hasPatternSignal(recent, TypePerformanceDegradation, "patterns:metrics") {
			created = append(created, degradation)
		}
	}

	for i := range created {
		created[i] = d.store.Add(created[i])
	}
	return created
}

func hasPatternSignal(rows []Signal, signalType, source string) bool {
	for _, row := range rows {
		if row.SignalType == signalType && row.Source == source {
			return true
		}
	}
	return false
}

// metricsTaskEvent is the slice of a metrics event this rule needs.
type metricsTaskEvent struct {
	EventType string `json:"event_type"`
	Timestamp string `json:"timestamp"`
	Outcome   string `json:"outcome"`
}

// detectPerformanceDegradation compares the 3-day success rate against the
// preceding 7-day baseline from the metrics event log.
func (d *Detector) detectPerformanceDegradation() (Signal, bool) {
	if d.metricsPath == "" {
		return Signal{}, false
	}
	events, err := store.ReadJSONL[metricsTaskEvent](d.metricsPath)
	if err != nil {
		d.logger.Error("signals: read metrics events: %v", err)
		return Signal{}, false
	}
	if len(events) == 0 {
		return Signal{}, false
	}

	now := time.Now()
	recentStart := now.AddDate(0, 0, -3)
	baselineStart := now.AddDate(0, 0, -10)

	var recentTotal, recentSuccess, baseTotal, baseSuccess int
	for _, e := range events {
		if e.EventType != "task" {
			continue
		}
		ts, err := time.ParseInLocation(store.TimeLayout, e.Timestamp, time.Local)
		if err != nil {
			continue
		}
		success := strings.EqualFold(e.Outcome, reflection.OutcomeSuccess)
		switch {
		case !ts.Before(recentStart):
			recentTotal++
			if success {
				recentSuccess++
			}
		case !ts.Before(baselineStart):
			baseTotal++
			if success {
				baseSuccess++
			}
		}
	}

	if baseTotal == 0 {
		return Signal{}, false
	}
	baselineRate := float64(baseSuccess) / float64(baseTotal)
	if baselineRate <= 0 {
		return Signal{}, false
	}
	recentRate := 0.0
	if recentTotal > 0 {
		recentRate = float64(recentSuccess) / float64(recentTotal)
	}
	drop := (baselineRate - recentRate) / baselineRate
	if drop <= degradationThreshold {
		return Signal{}, false
	}

	return Signal{
		SignalType:  TypePerformanceDegradation,
		Priority:    PriorityCritical,
		Source:      "patterns:metrics",
		Description: fmt.Sprintf("3-day success rate degraded by %.1f%% vs previous 7-day baseline.", drop*100),
	}, true
}
