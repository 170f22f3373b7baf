// Package memory implements the layered Markdown/JSON memory store:
// user-level and project-level semantic memory, conversation episodes, and
// daily summaries, searched with keyword and bigram scoring.
package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"evoagent/internal/jsonx"
	"evoagent/internal/logging"
	"evoagent/internal/store"
	"evoagent/internal/task"
)

// Store reads and writes the memory tree under workspace/memory.
type Store struct {
	ws     *store.Workspace
	logger logging.Logger

	userDir          string
	projectsDir      string
	conversationsDir string
	summariesDir     string
}

// SearchResult is one scored memory hit.
type SearchResult struct {
	Source  string
	Content string
	Score   float64
}

// ConversationInfo summarizes one saved conversation file.
type ConversationInfo struct {
	ConversationID string         `json:"conversation_id"`
	Timestamp      string         `json:"timestamp"`
	MessageCount   int            `json:"message_count"`
	Metadata       map[string]any `json:"metadata"`
}

type conversationRecord struct {
	ConversationID string         `json:"conversation_id"`
	Timestamp      string         `json:"timestamp"`
	Messages       []task.Message `json:"messages"`
	Metadata       map[string]any `json:"metadata"`
}

// NewStore creates the memory directory tree under the workspace.
func NewStore(ws *store.Workspace, logger logging.Logger) (*Store, error) {
	s := &Store{
		ws:               ws,
		logger:           logging.OrNop(logger),
		userDir:          ws.Path("memory", "user"),
		projectsDir:      ws.Path("memory", "projects"),
		conversationsDir: ws.Path("memory", "conversations"),
		summariesDir:     ws.Path("memory", "daily_summaries"),
	}
	for _, dir := range []string{s.userDir, s.projectsDir, s.conversationsDir, s.summariesDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create memory dir %s: %w", dir, err)
		}
	}
	return s, nil
}

// UserDir exposes the user memory directory for sibling stores that share
// the reflections and error logs.
func (s *Store) UserDir() string {
	return s.userDir
}

// SaveUserMemory writes or replaces a user-level memory file.
func (s *Store) SaveUserMemory(key, content string) (string, error) {
	path := filepath.Join(s.userDir, key+".md")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("save user memory %s: %w", key, err)
	}
	s.logger.Info("memory: user memory saved: %s (%d chars)", key, len(content))
	return path, nil
}

// SaveProjectMemory writes or replaces a project-level memory file.
func (s *Store) SaveProjectMemory(project, key, content string) (string, error) {
	dir := filepath.Join(s.projectsDir, project)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create project dir %s: %w", project, err)
	}
	path := filepath.Join(dir, key+".md")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("save project memory %s/%s: %w", project, key, err)
	}
	s.logger.Info("memory: project memory saved: %s/%s (%d chars)", project, key, len(content))
	return path, nil
}

// AppendPreference adds one dated bullet to preferences.md, creating the
// file with its header on first use.
func (s *Store) AppendPreference(preference string) error {
	path := filepath.Join(s.userDir, "preferences.md")
	header := "# User Preferences\n\n> Extracted automatically from interactions.\n\n"
	return s.appendDatedBullet(path, header, "", preference)
}

// AppendErrorPattern adds one dated bullet to error_patterns.md. Source is
// usually a task id.
func (s *Store) AppendErrorPattern(pattern, source string) error {
	path := filepath.Join(s.userDir, "error_patterns.md")
	header := "# Known Error Patterns\n\n> Extracted by the reflection engine.\n\n"
	tag := ""
	if source != "" {
		tag = " (from " + source + ")"
	}
	return s.appendDatedBullet(path, header, tag, pattern)
}

func (s *Store) appendDatedBullet(path, header, tag, text string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, []byte(header), 0o644); err != nil {
			return fmt.Errorf("create %s: %w", path, err)
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	line := fmt.Sprintf("- [%s]%s %s\n", time.Now().Format(store.DateLayout), tag, text)
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("append to %s: %w", path, err)
	}
	return nil
}

// SaveConversation persists one conversation episode as pretty JSON.
func (s *Store) SaveConversation(conversationID string, messages []task.Message, metadata map[string]any) (string, error) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	record := conversationRecord{
		ConversationID: conversationID,
		Timestamp:      store.Now(),
		Messages:       messages,
		Metadata:       metadata,
	}
	data, err := jsonx.MarshalIndent(record, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal conversation: %w", err)
	}
	path := filepath.Join(s.conversationsDir, conversationID+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("save conversation %s: %w", conversationID, err)
	}
	s.logger.Info("memory: conversation saved: %s (%d messages)", conversationID, len(messages))
	return path, nil
}

// SaveDailySummary writes the Markdown summary for one date.
func (s *Store) SaveDailySummary(date, summary string) (string, error) {
	path := filepath.Join(s.summariesDir, date+".md")
	if err := os.WriteFile(path, []byte(summary), 0o644); err != nil {
		return "", fmt.Errorf("save daily summary %s: %w", date, err)
	}
	return path, nil
}

// UserPreferences returns the full preferences file, empty when absent.
func (s *Store) UserPreferences() string {
	return readOrEmpty(filepath.Join(s.userDir, "preferences.md"))
}

// UserProfile returns profile.md, empty when absent.
func (s *Store) UserProfile() string {
	return readOrEmpty(filepath.Join(s.userDir, "profile.md"))
}

// SemanticMemory returns the core MEMORY.md, empty when absent.
func (s *Store) SemanticMemory() string {
	return readOrEmpty(filepath.Join(s.userDir, "MEMORY.md"))
}

// ProjectContext returns a project's context.md, empty when absent.
func (s *Store) ProjectContext(project string) string {
	return readOrEmpty(filepath.Join(s.projectsDir, project, "context.md"))
}

// DailySummary returns the summary for a date.
func (s *Store) DailySummary(date string) (string, bool) {
	content := readOrEmpty(filepath.Join(s.summariesDir, date+".md"))
	return content, content != ""
}

var datedBulletRe = regexp.MustCompile(`^- \[(\d{4}-\d{2}-\d{2})\]`)

// RecentErrors returns error_patterns.md filtered to bullets from the last
// N days. Headings and prose lines are kept.
func (s *Store) RecentErrors(days int) string {
	content := readOrEmpty(filepath.Join(s.userDir, "error_patterns.md"))
	if content == "" {
		return ""
	}
	cutoff := time.Now().AddDate(0, 0, -days).Format(store.DateLayout)
	var kept []string
	for _, line := range strings.Split(content, "\n") {
		if m := datedBulletRe.FindStringSubmatch(line); m != nil {
			if m[1] >= cutoff {
				kept = append(kept, line)
			}
		} else if !strings.HasPrefix(line, "- [") {
			kept = append(kept, line)
		}
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

// ListConversations returns the newest conversations, most recent first.
func (s *Store) ListConversations(limit int) []ConversationInfo {
	files := s.conversationFilesByMtime()
	if limit > 0 && len(files) > limit {
		files = files[:limit]
	}
	var out []ConversationInfo
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var record conversationRecord
		if err := jsonx.Unmarshal(data, &record); err != nil {
			s.logger.Warn("memory: skipping malformed conversation file: %s", path)
			continue
		}
		id := record.ConversationID
		if id == "" {
			id = strings.TrimSuffix(filepath.Base(path), ".json")
		}
		out = append(out, ConversationInfo{
			ConversationID: id,
			Timestamp:      record.Timestamp,
			MessageCount:   len(record.Messages),
			Metadata:       record.Metadata,
		})
	}
	return out
}

// Search scopes.
const (
	ScopeAll           = "all"
	ScopeUser          = "user"
	ScopeProject       = "project"
	ScopeConversations = "conversations"
	ScopeSummaries     = "summaries"
)

// Search scores memory files against the query and returns the best hits.
func (s *Store) Search(query, scope, project string, maxResults int) []SearchResult {
	type candidate struct {
		source  string
		content string
	}
	var candidates []candidate

	scan := func(dir string) {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
				continue
			}
			path := filepath.Join(dir, e.Name())
			content := readOrEmpty(path)
			if strings.TrimSpace(content) != "" {
				candidates = append(candidates, candidate{source: path, content: content})
			}
		}
	}

	if scope == ScopeAll || scope == ScopeUser {
		scan(s.userDir)
	}
	if (scope == ScopeAll || scope == ScopeProject) && project != "" {
		scan(filepath.Join(s.projectsDir, project))
	}
	if scope == ScopeAll || scope == ScopeSummaries {
		scan(s.summariesDir)
	}
	if scope == ScopeAll || scope == ScopeConversations {
		for _, hit := range s.scanConversations(query) {
			candidates = append(candidates, candidate{source: hit.Source, content: hit.Content})
		}
	}

	var scored []SearchResult
	for _, c := range candidates {
		if score := relevanceScore(query, c.content); score > 0 {
			scored = append(scored, SearchResult{Source: c.source, Content: c.content, Score: score})
		}
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if maxResults > 0 && len(scored) > maxResults {
		scored = scored[:maxResults]
	}
	return scored
}

// RelevantMemories returns the matching snippets for context injection.
func (s *Store) RelevantMemories(query, project string, maxResults int) []string {
	results := s.Search(query, ScopeAll, project, maxResults)
	out := make([]string, 0, len(results))
	for _, r := range results {
		out = append(out, r.Content)
	}
	return out
}

const conversationScanLimit = 50

func (s *Store) scanConversations(query string) []SearchResult {
	files := s.conversationFilesByMtime()
	if len(files) > conversationScanLimit {
		files = files[:conversationScanLimit]
	}
	var out []SearchResult
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var record conversationRecord
		if err := jsonx.Unmarshal(data, &record); err != nil {
			continue
		}
		var parts []string
		for _, m := range record.Messages {
			parts = append(parts, m.Content)
		}
		fullText := strings.Join(parts, "\n")
		if strings.TrimSpace(fullText) == "" {
			continue
		}
		if snippet, ok := extractSnippet(fullText, query, 500); ok {
			out = append(out, SearchResult{Source: path, Content: snippet})
		}
	}
	return out
}

func (s *Store) conversationFilesByMtime() []string {
	entries, err := os.ReadDir(s.conversationsDir)
	if err != nil {
		return nil
	}
	type fileInfo struct {
		path  string
		mtime time.Time
	}
	var files []fileInfo
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, fileInfo{path: filepath.Join(s.conversationsDir, e.Name()), mtime: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mtime.After(files[j].mtime) })
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.path
	}
	return out
}

// extractSnippet centers a window on the first match of the query, a query
// word, or a query bigram.
func extractSnippet(text, query string, maxChars int) (string, bool) {
	textLower := strings.ToLower(text)
	queryLower := strings.ToLower(query)

	pos := strings.Index(textLower, queryLower)
	if pos < 0 {
		for _, word := range strings.Fields(queryLower) {
			if len([]rune(word)) >= 2 {
				if pos = strings.Index(textLower, word); pos >= 0 {
					break
				}
			}
		}
	}
	if pos < 0 {
		runes := []rune(queryLower)
		for i := 0; i+1 < len(runes); i++ {
			if pos = strings.Index(textLower, string(runes[i:i+2])); pos >= 0 {
				break
			}
		}
	}
	if pos < 0 {
		return "", false
	}

	start := pos - maxChars/2
	if start < 0 {
		start = 0
	}
	for start > 0 && !utf8.RuneStart(text[start]) {
		start--
	}
	end := pos + maxChars/2
	if end > len(text) {
		end = len(text)
	}
	for end < len(text) && !utf8.RuneStart(text[end]) {
		end++
	}
	snippet := strings.TrimSpace(text[start:end])
	if start > 0 {
		snippet = "..." + snippet
	}
	if end < len(text) {
		snippet += "..."
	}
	return snippet, true
}

// relevanceScore combines whole-query containment, per-word hits, and
// bigram overlap so whitespace-free scripts still match.
func relevanceScore(query, content string) float64 {
	if query == "" || content == "" {
		return 0
	}
	queryLower := strings.ToLower(query)
	contentRunes := []rune(strings.ToLower(content))
	if len(contentRunes) > 1000 {
		contentRunes = contentRunes[:1000]
	}
	contentLower := string(contentRunes)

	score := 0.0
	if strings.Contains(contentLower, queryLower) {
		score += 5.0
	}
	for _, word := range strings.Fields(queryLower) {
		if len([]rune(word)) >= 2 && strings.Contains(contentLower, word) {
			score += 2.0
		}
	}
	if overlap := bigramOverlap(queryLower, contentLower); overlap > 0 {
		bonus := float64(overlap) * 0.3
		if bonus > 3.0 {
			bonus = 3.0
		}
		score += bonus
	}
	return score
}

func bigramOverlap(a, b string) int {
	set := map[string]bool{}
	runesA := []rune(a)
	for i := 0; i+1 < len(runesA); i++ {
		set[string(runesA[i:i+2])] = true
	}
	seen := map[string]bool{}
	count := 0
	runesB := []rune(b)
	for i := 0; i+1 < len(runesB); i++ {
		bg := string(runesB[i : i+2])
		if set[bg] && !seen[bg] {
			seen[bg] = true
			count++
		}
	}
	return count
}

func readOrEmpty(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}
