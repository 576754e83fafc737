package v1

import "time"

// MessageRole classifies a Context Manager message for compression and
// routing purposes.
type MessageRole string

const (
	RoleSystem    MessageRole = "SYSTEM"
	RoleUser      MessageRole = "USER"
	RoleAssistant MessageRole = "ASSISTANT"
	RoleTool      MessageRole = "TOOL"
)

// Message is a single turn in a Session's conversation history.
type Message struct {
	Role       MessageRole `json:"role"`
	Content    string      `json:"content"`
	Timestamp  time.Time   `json:"timestamp"`
	TokenCount int         `json:"token_count"`
}
