package chat

import (
	"time"

	"github.com/google/uuid"
)

// Role labels who produced a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Conversation is a chat session owned by one user. Deleting a
// conversation cascades to its messages.
type Conversation struct {
	ID           uuid.UUID `json:"id"`
	UserID       int64     `json:"user_id"`
	Title        string    `json:"title"`
	Summary      string    `json:"summary,omitempty"`
	Model        string    `json:"model,omitempty"`
	Temperature  *float64  `json:"temperature,omitempty"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Message is one utterance in a conversation. Messages are append-only;
// (conversation_id, index) is unique and indices increase monotonically.
type Message struct {
	ID             int64     `json:"id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	Index          int       `json:"message_index"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	RequestID      uuid.UUID `json:"request_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// Entry is one message to append: role plus content.
type Entry struct {
	Role    Role
	Content string
}
