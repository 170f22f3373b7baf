// Package compaction replaces the old prefix of a long conversation with a
// single summary message, flushing durable items to a memory log first.
package compaction

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"evoagent/internal/jsonx"
	"evoagent/internal/llm"
	"evoagent/internal/logging"
	"evoagent/internal/store"
	"evoagent/internal/task"
)

// Threshold is the usage ratio at which compaction should run.
const Threshold = 0.85

const summarySystemPrompt = `You compress conversation history into a concise summary.

Requirements:
1. Keep every key decision and conclusion.
2. Keep important facts (numbers, dates, names).
3. Keep unfinished tasks and open todos.
4. Drop smalltalk, repetition, and intermediate reasoning.
5. Lift facts into patterns and patterns into strategy where possible.
6. Target 10-20% of the original length.

Output plain text, not JSON.`

const flushSystemPrompt = `Extract the information from this conversation that is worth remembering long term.

Answer with a JSON array:
[
  {"type": "decision", "content": "user decided on React over Vue"},
  {"type": "fact", "content": "the project deadline is March 15"},
  {"type": "preference", "content": "user prefers short answers"},
  {"type": "todo", "content": "research the cron mechanism"}
]

Return an empty array [] when nothing is worth keeping.`

// FlushedItem is one durable entry extracted during compaction.
type FlushedItem struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

type flushRecord struct {
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Content   string `json:"content"`
}

// Stats reports how much one compaction saved and how well it preserved
// key decisions.
type Stats struct {
	OriginalTokens        int
	CompactedTokens       int
	CompressionRatio      float64
	KeyDecisionsPreserved int
	KeyDecisionsTotal     int
	Quality               string
}

// Result is the outcome of one Compact call.
type Result struct {
	CompactedHistory []task.Message
	Summary          string
	FlushedToMemory  []FlushedItem
	Stats            Stats
}

// Engine compacts conversations. The LLM client may be nil; summaries then
// degrade to a plain-text prefix.
type Engine struct {
	client       llm.Client
	model        string
	flushLogPath string
	logger       logging.Logger
}

// New builds an engine that appends flushed items under memoryDir/user.
func New(client llm.Client, model, memoryDir string, logger logging.Logger) *Engine {
	if model == "" {
		model = "gemini-flash"
	}
	return &Engine{
		client:       client,
		model:        model,
		flushLogPath: filepath.Join(memoryDir, "user", "compaction_flush.jsonl"),
		logger:       logging.OrNop(logger),
	}
}

// ShouldCompact reports whether usage has reached the threshold.
func (e *Engine) ShouldCompact(currentTokens, budget int) bool {
	if budget <= 0 {
		return false
	}
	return float64(currentTokens)/float64(budget) >= Threshold
}

// Compact splits history into an old prefix and a recent tail of
// keepRecent*2 messages, summarizes the prefix into one system message, and
// rejoins. Histories no longer than the tail are returned unchanged.
func (e *Engine) Compact(ctx context.Context, history []task.Message, keepRecent int) Result {
	if keepRecent < 0 {
		keepRecent = 0
	}
	keepCount := keepRecent * 2
	originalTokens := EstimateMessages(history)

	if len(history) <= keepCount {
		return Result{
			CompactedHistory: history,
			Stats: Stats{
				OriginalTokens:   originalTokens,
				CompactedTokens:  originalTokens,
				CompressionRatio: 1.0,
				Quality:          "good",
			},
		}
	}

	old := history[:len(history)-keepCount]
	recent := history[len(history)-keepCount:]

	flushed := e.flushToMemory(ctx, old)
	summary := e.summarize(ctx, old)

	summaryMessage := task.Message{
		Role:      task.RoleSystem,
		Type:      task.TypeSummary,
		Content:   summary,
		Timestamp: store.Now(),
	}
	compacted := append([]task.Message{summaryMessage}, recent...)

	compactedTokens := EstimateMessages(compacted)
	ratio := 1.0
	if originalTokens > 0 {
		ratio = float64(compactedTokens) / float64(originalTokens)
	}

	verification := verify(old, summary, flushed)
	return Result{
		CompactedHistory: compacted,
		Summary:          summary,
		FlushedToMemory:  flushed,
		Stats: Stats{
			OriginalTokens:        originalTokens,
			CompactedTokens:       compactedTokens,
			CompressionRatio:      ratio,
			KeyDecisionsPreserved: verification.preserved,
			KeyDecisionsTotal:     verification.total,
			Quality:               verification.quality,
		},
	}
}

func (e *Engine) flushToMemory(ctx context.Context, messages []task.Message) []FlushedItem {
	if len(messages) == 0 || e.client == nil {
		return nil
	}
	raw := e.client.Complete(ctx, flushSystemPrompt, messagesToText(messages), e.model, 800)
	var items []FlushedItem
	if !jsonx.UnmarshalArray(raw, &items) || len(items) == 0 {
		return nil
	}
	now := store.Now()
	for _, item := range items {
		record := flushRecord{Timestamp: now, Type: item.Type, Content: item.Content}
		if err := store.AppendJSONL(e.flushLogPath, record); err != nil {
			e.logger.Error("compaction: write flush log: %v", err)
			break
		}
	}
	return items
}

func (e *Engine) summarize(ctx context.Context, messages []task.Message) string {
	if len(messages) == 0 {
		return ""
	}
	text := messagesToText(messages)
	fallback := func() string {
		runes := []rune(text)
		if len(runes) > 500 {
			runes = runes[:500]
		}
		return string(runes)
	}
	if e.client == nil {
		return fallback()
	}
	summary := strings.TrimSpace(e.client.Complete(ctx, summarySystemPrompt, text, e.model, 1200))
	if summary == "" {
		e.logger.Warn("compaction: summary call returned empty, keeping raw prefix")
		return fallback()
	}
	return summary
}

func messagesToText(messages []task.Message) string {
	parts := make([]string, 0, len(messages))
	for _, m := range messages {
		parts = append(parts, fmt.Sprintf("[%s] %s: %s", m.Timestamp, m.Role, m.Content))
	}
	return strings.Join(parts, "\n")
}

// EstimateMessages estimates the token cost of a message slice with the
// density-aware rule: mostly-ASCII text at four characters per token,
// CJK-heavy text at two.
func EstimateMessages(messages []task.Message) int {
	totalChars := 0
	nonASCII := 0
	for _, m := range messages {
		for _, r := range m.Content {
			totalChars++
			if r > 127 {
				nonASCII++
			}
		}
	}
	if totalChars == 0 {
		return 0
	}
	var estimate int
	if float64(nonASCII)/float64(totalChars) > 0.2 {
		estimate = totalChars / 2
	} else {
		estimate = totalChars / 4
	}
	if estimate < 1 {
		return 1
	}
	return estimate
}

var decisionMarkers = []string{"decided", "decision", "deadline", "TODO", "todo"}

type verification struct {
	preserved int
	total     int
	quality   string
}

// verify counts heuristic key decisions from the old prefix that survive in
// the summary or flushed items. Advisory only.
func verify(old []task.Message, summary string, flushed []FlushedItem) verification {
	var decisions []string
	seen := map[string]bool{}
	for _, m := range old {
		if m.Content == "" {
			continue
		}
		for _, marker := range decisionMarkers {
			if strings.Contains(m.Content, marker) {
				runes := []rune(m.Content)
				if len(runes) > 80 {
					runes = runes[:80]
				}
				key := string(runes)
				if !seen[key] {
					seen[key] = true
					decisions = append(decisions, key)
				}
				break
			}
		}
	}
	if len(decisions) == 0 {
		return verification{quality: "good"}
	}

	var flushedParts []string
	for _, item := range flushed {
		flushedParts = append(flushedParts, item.Content)
	}
	target := summary + " " + strings.Join(flushedParts, " ")

	preserved := 0
	for _, d := range decisions {
		if strings.Contains(target, d) {
			preserved++
		}
	}
	ratio := float64(preserved) / float64(len(decisions))
	quality := "poor"
	switch {
	case ratio >= 1.0:
		quality = "good"
	case ratio >= 0.7:
		quality = "acceptable"
	}
	return verification{preserved: preserved, total: len(decisions), quality: quality}
}
