package core

import "time"

// TurnInput is a single user utterance submitted to the assistant.
type TurnInput struct {
	// UserInput is the raw text typed by the user. Must be non-empty after trimming.
	UserInput string `json:"user_input"`

	// ConversationID groups turns. A new id is generated when empty.
	ConversationID string `json:"conversation_id,omitempty"`
}

// TurnResult is what the caller receives once a turn reaches FORMATTED.
type TurnResult struct {
	Response           string  `json:"response"`
	ContextTokens      int     `json:"context_tokens"`
	MemoryQualityScore float64 `json:"memory_quality_score"`
	ConversationID     string  `json:"conversation_id"`

	// Degraded is set when memory retrieval failed and the turn ran without context.
	Degraded bool `json:"degraded,omitempty"`
}

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of the short-term conversation window.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}
