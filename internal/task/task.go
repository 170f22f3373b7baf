// Package task holds the conversation types shared by the context engine,
// the compaction engine and the agent loop.
package task

// Message roles. Summary messages produced by compaction carry Type
// "summary" and role "system".
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"

	TypeSummary = "summary"
)

// Message is one conversation entry.
type Message struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp,omitempty"`
	Type      string `json:"type,omitempty"`
}

// Trace captures the result of one user turn. It is immutable once the
// agent loop returns it; the post-task pipeline only reads it.
type Trace struct {
	TaskID         string   `json:"task_id"`
	Timestamp      string   `json:"timestamp"`
	UserMessage    string   `json:"user_message"`
	SystemResponse string   `json:"system_response"`
	UserFeedback   string   `json:"user_feedback,omitempty"`
	ToolsUsed      []string `json:"tools_used"`
	TokensUsed     int      `json:"tokens_used"`
	Model          string   `json:"model"`
	DurationMS     int64    `json:"duration_ms"`
}
