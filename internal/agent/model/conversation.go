package model

import (
	"time"
)

// Role identifies who contributed a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of a conversation. It is a value type and is never
// modified after creation; history only grows by appending new values.
type Message struct {
	Text      string `json:"text"`
	Role      Role   `json:"role"`
	Timestamp int64  `json:"timestamp"` // epoch milliseconds
}

// UserMessage creates a turn contributed by the person chatting.
func UserMessage(text string, at time.Time) Message {
	return Message{Text: text, Role: RoleUser, Timestamp: at.UnixMilli()}
}

// AssistantMessage creates a turn contributed by the persona.
func AssistantMessage(text string, at time.Time) Message {
	return Message{Text: text, Role: RoleAssistant, Timestamp: at.UnixMilli()}
}

// IsUser reports whether the turn came from the user.
func (m Message) IsUser() bool {
	return m.Role == RoleUser
}

// Snapshot is a point-in-time view of a conversation for presenters.
type Snapshot struct {
	ConversationID string    `json:"conversation_id"`
	Messages       []Message `json:"messages"`
	Pending        bool      `json:"pending"`
	Error          string    `json:"error,omitempty"`
}
