// Package reflection classifies each completed task trace and persists
// lesson records by class.
package reflection

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"evoagent/internal/jsonx"
	"evoagent/internal/llm"
	"evoagent/internal/logging"
	"evoagent/internal/memory"
	"evoagent/internal/store"
	"evoagent/internal/task"
)

// Reflection types.
const (
	TypeError      = "ERROR"
	TypePreference = "PREFERENCE"
	TypeNone       = "NONE"
)

// Task outcomes.
const (
	OutcomeSuccess = "SUCCESS"
	OutcomePartial = "PARTIAL"
	OutcomeFailure = "FAILURE"
)

// FallbackLesson marks reflections where the model gave no usable answer.
const FallbackLesson = "reflection_failed"

var validRootCauses = map[string]bool{
	"wrong_assumption":     true,
	"missed_consideration": true,
	"tool_misuse":          true,
	"knowledge_gap":        true,
}

const systemPrompt = `You are a reflection engine. Analyze the following task trace and extract the lesson.

Answer with exactly this JSON shape and nothing else:
{
  "type": "ERROR or PREFERENCE or NONE",
  "outcome": "SUCCESS or PARTIAL or FAILURE",
  "lesson": "one-sentence lesson",
  "root_cause": "wrong_assumption or missed_consideration or tool_misuse or knowledge_gap or null",
  "reusable_experience": "reusable guidance, or null"
}

Classification rules:
- ERROR: there was a correct answer and it was missed (wrong assumption, missed consideration, tool misuse, knowledge gap).
- PREFERENCE: no ground truth, the reply just did not match the user's taste (too long, wrong format, wrong tone).
- NONE: nothing notable.

If type is ERROR, root_cause is required.
If type is PREFERENCE or NONE, root_cause must be null.`

// Reflection is the normalized classification of one task.
type Reflection struct {
	TaskID             string  `json:"task_id"`
	Type               string  `json:"type"`
	Outcome            string  `json:"outcome"`
	Lesson             string  `json:"lesson"`
	RootCause          *string `json:"root_cause"`
	ReusableExperience *string `json:"reusable_experience"`
	Timestamp          string  `json:"timestamp,omitempty"`
}

// IsError reports whether the reflection classified an execution error.
func (r Reflection) IsError() bool {
	return r.Type == TypeError
}

// Engine runs the light-tier model over task traces and persists results.
type Engine struct {
	client         llm.Client
	model          string
	memories       *memory.Store
	reflectionsLog string
	errorLog       string
	logger         logging.Logger
}

// New builds an engine persisting under the memory store's user directory.
func New(client llm.Client, model string, memories *memory.Store, logger logging.Logger) *Engine {
	if model == "" {
		model = "gemini-flash"
	}
	return &Engine{
		client:         client,
		model:          model,
		memories:       memories,
		reflectionsLog: filepath.Join(memories.UserDir(), "reflections.jsonl"),
		errorLog:       filepath.Join(memories.UserDir(), "error_log.jsonl"),
		logger:         logging.OrNop(logger),
	}
}

// Reflect classifies one trace. It always returns a valid record; model
// failure yields the fallback and the record is still persisted.
func (e *Engine) Reflect(ctx context.Context, trace task.Trace) Reflection {
	feedback := trace.UserFeedback
	if feedback == "" {
		feedback = "none"
	}
	response := trace.SystemResponse
	if runes := []rune(response); len(runes) > 500 {
		response = string(runes[:500])
	}
	userPrompt := fmt.Sprintf(
		"Task ID: %s\nUser message: %s\nSystem response: %s\nUser feedback: %s\nTools used: %v\nTokens used: %d\nDuration: %dms",
		trace.TaskID, trace.UserMessage, response, feedback, trace.ToolsUsed, trace.TokensUsed, trace.DurationMS,
	)

	result := e.fallback(trace.TaskID)
	if e.client != nil {
		raw := e.client.Complete(ctx, systemPrompt, userPrompt, e.model, 500)
		var parsed rawReflection
		if jsonx.UnmarshalObject(raw, &parsed) {
			result = normalize(trace.TaskID, parsed)
		} else if raw != "" {
			e.logger.Warn("reflection: unparsable model output for %s", trace.TaskID)
		}
	}

	e.persist(result)
	return result
}

func (e *Engine) fallback(taskID string) Reflection {
	return Reflection{
		TaskID:  taskID,
		Type:    TypeNone,
		Outcome: OutcomeSuccess,
		Lesson:  FallbackLesson,
	}
}

// rawReflection tolerates loosely typed model output before normalization.
type rawReflection struct {
	Type               string `json:"type"`
	Outcome            string `json:"outcome"`
	Lesson             string `json:"lesson"`
	RootCause          any    `json:"root_cause"`
	ReusableExperience any    `json:"reusable_experience"`
}

func normalize(taskID string, parsed rawReflection) Reflection {
	refType := strings.ToUpper(strings.TrimSpace(parsed.Type))
	if refType != TypeError && refType != TypePreference && refType != TypeNone {
		refType = TypeNone
	}
	outcome := strings.ToUpper(strings.TrimSpace(parsed.Outcome))
	if outcome != OutcomeSuccess && outcome != OutcomePartial && outcome != OutcomeFailure {
		outcome = OutcomeSuccess
	}
	lesson := strings.TrimSpace(parsed.Lesson)
	if lesson == "" {
		lesson = FallbackLesson
	}

	var rootCause *string
	if refType == TypeError {
		cause, _ := parsed.RootCause.(string)
		if !validRootCauses[cause] {
			cause = "knowledge_gap"
		}
		rootCause = &cause
	}

	var reusable *string
	if s, ok := parsed.ReusableExperience.(string); ok {
		if trimmed := strings.TrimSpace(s); trimmed != "" {
			reusable = &trimmed
		}
	}

	return Reflection{
		TaskID:             taskID,
		Type:               refType,
		Outcome:            outcome,
		Lesson:             lesson,
		RootCause:          rootCause,
		ReusableExperience: reusable,
	}
}

// persist appends every reflection to reflections.jsonl and fans ERROR and
// PREFERENCE records out to their dedicated logs.
func (e *Engine) persist(r Reflection) {
	if r.Timestamp == "" {
		r.Timestamp = store.Now()
	}
	if err := store.AppendJSONL(e.reflectionsLog, r); err != nil {
		e.logger.Error("reflection: write reflections.jsonl: %v", err)
	}

	switch r.Type {
	case TypePreference:
		if err := e.memories.AppendPreference(fmt.Sprintf("[%s] %s", r.TaskID, r.Lesson)); err != nil {
			e.logger.Error("reflection: write preferences.md: %v", err)
		}
	case TypeError:
		if err := store.AppendJSONL(e.errorLog, r); err != nil {
			e.logger.Error("reflection: write error_log.jsonl: %v", err)
		}
		cause := "knowledge_gap"
		if r.RootCause != nil {
			cause = *r.RootCause
		}
		if err := e.memories.AppendErrorPattern(fmt.Sprintf("(%s) %s", cause, r.Lesson), r.TaskID); err != nil {
			e.logger.Error("reflection: write error_patterns.md: %v", err)
		}
	}
}
