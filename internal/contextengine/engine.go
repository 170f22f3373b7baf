// Package contextengine composes the system prompt from priority-ranked
// sections under a fixed token budget and trims conversation history
// tail-first.
package contextengine

import (
	"sort"
	"strings"
	"sync"

	"evoagent/internal/logging"
	"evoagent/internal/rules"
	"evoagent/internal/task"
	"evoagent/internal/tokens"
)

// Default budgets sized for a 200k-window model.
const (
	DefaultTotalBudget   = 150000
	DefaultOutputReserve = 8000

	// CompactionThreshold is the usage ratio at which the caller should
	// compact the conversation.
	CompactionThreshold = 0.85
)

// Budget splits the available window across prompt sections by fixed
// ratios. The unallocated remainder is safety margin.
type Budget struct {
	Total         int
	OutputReserve int

	SystemIdentityRatio  float64
	TaskAnchorRatio      float64
	ExperienceRulesRatio float64
	MemoryRatio          float64
	HistoryRatio         float64
	PreferencesRatio     float64
	ErrorTraceRatio      float64
}

// DefaultBudget returns the standard section split.
func DefaultBudget(total, outputReserve int) Budget {
	if total <= 0 {
		total = DefaultTotalBudget
	}
	if outputReserve <= 0 {
		outputReserve = DefaultOutputReserve
	}
	return Budget{
		Total:                total,
		OutputReserve:        outputReserve,
		SystemIdentityRatio:  0.12,
		TaskAnchorRatio:      0.04,
		ExperienceRulesRatio: 0.08,
		MemoryRatio:          0.15,
		HistoryRatio:         0.25,
		PreferencesRatio:     0.02,
		ErrorTraceRatio:      0.03,
	}
}

// Available is the window left after reserving output space.
func (b Budget) Available() int {
	return b.Total - b.OutputReserve
}

// SectionBudget returns the token budget for a named section.
func (b Budget) SectionBudget(section string) int {
	ratios := map[string]float64{
		"system_identity":  b.SystemIdentityRatio,
		"task_anchor":      b.TaskAnchorRatio,
		"experience_rules": b.ExperienceRulesRatio,
		"memory":           b.MemoryRatio,
		"history":          b.HistoryRatio,
		"preferences":      b.PreferencesRatio,
		"error_trace":      b.ErrorTraceRatio,
	}
	return int(float64(b.Available()) * ratios[section])
}

type section struct {
	name     string
	content  string
	tokens   int
	priority int
}

// Assembled is the engine's output for one turn.
type Assembled struct {
	SystemPrompt        string
	ConversationHistory []task.Message
	TotalTokens         int
	SectionsUsed        []string
	BudgetUsage         map[string]int
	RulesUsed           []string
}

// Usage is the derived budget view callers use to decide on compaction.
type Usage struct {
	TotalTokens     int
	BudgetAvailable int
	UsageRatio      float64
	Sections        map[string]int
	NeedsCompaction bool
}

// Engine assembles prompts. Safe for use from one goroutine at a time; the
// task anchor is the only mutable state and is guarded for the odd
// cross-goroutine update.
type Engine struct {
	rules  *rules.Interpreter
	budget Budget
	logger logging.Logger

	mu         sync.Mutex
	taskAnchor string
}

// New builds an engine over the rule interpreter with the given budget.
func New(interpreter *rules.Interpreter, budget Budget, logger logging.Logger) *Engine {
	if budget.Total == 0 {
		budget = DefaultBudget(0, 0)
	}
	return &Engine{rules: interpreter, budget: budget, logger: logging.OrNop(logger)}
}

// Budget returns the engine's budget split.
func (e *Engine) Budget() Budget {
	return e.budget
}

// SetTaskAnchor pins the current task description so long conversations keep
// sight of the original goal. An empty anchor clears it.
func (e *Engine) SetTaskAnchor(anchor string) {
	e.mu.Lock()
	e.taskAnchor = anchor
	e.mu.Unlock()
}

// Assemble builds the system prompt and trims history to budget. Stable
// sections sort first so the prompt prefix stays cache-friendly across
// turns.
func (e *Engine) Assemble(userMessage string, history []task.Message, memories []string, userPreferences, errorTrace string) Assembled {
	sections := make([]section, 0, 6)
	usage := map[string]int{}

	identityBudget := e.budget.SectionBudget("system_identity")
	ruleSection := e.rules.BuildPromptSection(userMessage, identityBudget, 0)
	if ruleSection.ConstitutionPrompt != "" {
		sections = append(sections, section{
			name:     "constitution",
			content:  ruleSection.ConstitutionPrompt,
			tokens:   ruleSection.ConstitutionTokens,
			priority: 100,
		})
	}
	usage["constitution"] = ruleSection.ConstitutionTokens
	rulesUsed := ruleSection.RulesUsed

	e.mu.Lock()
	anchor := e.taskAnchor
	e.mu.Unlock()
	if anchor != "" {
		anchorText := tokens.Truncate("## Current Task\n\n"+anchor, e.budget.SectionBudget("task_anchor"))
		anchorTokens := tokens.Estimate(anchorText)
		sections = append(sections, section{name: "task_anchor", content: anchorText, tokens: anchorTokens, priority: 90})
		usage["task_anchor"] = anchorTokens
	}

	expSection := e.rules.BuildPromptSection(userMessage, 0, e.budget.SectionBudget("experience_rules"))
	if expSection.ExperiencePrompt != "" {
		sections = append(sections, section{
			name:     "experience_rules",
			content:  expSection.ExperiencePrompt,
			tokens:   expSection.ExperienceTokens,
			priority: 70,
		})
	}
	usage["experience_rules"] = expSection.ExperienceTokens
	rulesUsed = append(rulesUsed, expSection.RulesUsed...)

	if len(memories) > 0 {
		memoryText := tokens.Truncate("## Related Memories\n\n"+strings.Join(memories, "\n\n---\n\n"), e.budget.SectionBudget("memory"))
		memoryTokens := tokens.Estimate(memoryText)
		sections = append(sections, section{name: "memory", content: memoryText, tokens: memoryTokens, priority: 60})
		usage["memory"] = memoryTokens
	}

	if userPreferences != "" {
		prefText := tokens.Truncate("## User Preferences\n\n"+userPreferences, e.budget.SectionBudget("preferences"))
		prefTokens := tokens.Estimate(prefText)
		sections = append(sections, section{name: "preferences", content: prefText, tokens: prefTokens, priority: 50})
		usage["preferences"] = prefTokens
	}

	if errorTrace != "" {
		errText := tokens.Truncate("## Mistakes to Avoid\n\n"+errorTrace, e.budget.SectionBudget("error_trace"))
		errTokens := tokens.Estimate(errText)
		sections = append(sections, section{name: "error_trace", content: errText, tokens: errTokens, priority: 40})
		usage["error_trace"] = errTokens
	}

	sort.SliceStable(sections, func(i, j int) bool { return sections[i].priority > sections[j].priority })

	parts := make([]string, 0, len(sections))
	names := make([]string, 0, len(sections))
	systemTokens := 0
	for _, s := range sections {
		parts = append(parts, s.content)
		names = append(names, s.name)
		systemTokens += s.tokens
	}

	trimmed := trimHistory(history, e.budget.SectionBudget("history"))
	historyTokens := 0
	for _, m := range trimmed {
		historyTokens += tokens.Estimate(m.Content)
	}
	usage["history"] = historyTokens

	assembled := Assembled{
		SystemPrompt:        strings.Join(parts, "\n\n"),
		ConversationHistory: trimmed,
		TotalTokens:         systemTokens + historyTokens,
		SectionsUsed:        names,
		BudgetUsage:         usage,
		RulesUsed:           rulesUsed,
	}
	e.logger.Info("context: assembled %d tokens, sections=%v", assembled.TotalTokens, names)
	return assembled
}

// trimHistory keeps the newest messages whose estimates fit maxTokens,
// returned in chronological order. Message contents are never altered.
func trimHistory(history []task.Message, maxTokens int) []task.Message {
	if len(history) == 0 {
		return nil
	}
	used := 0
	start := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		est := tokens.Estimate(history[i].Content)
		if used+est > maxTokens {
			break
		}
		used += est
		start = i
	}
	out := make([]task.Message, len(history)-start)
	copy(out, history[start:])
	return out
}

// CurrentUsage derives the budget view for an assembled context.
func (e *Engine) CurrentUsage(assembled Assembled) Usage {
	available := e.budget.Available()
	u := Usage{
		TotalTokens:     assembled.TotalTokens,
		BudgetAvailable: available,
		Sections:        assembled.BudgetUsage,
	}
	if available > 0 {
		u.UsageRatio = float64(assembled.TotalTokens) / float64(available)
		u.NeedsCompaction = u.UsageRatio >= CompactionThreshold
	}
	return u
}
