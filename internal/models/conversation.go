package models

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn as the client sees it.
type Message struct {
	ID        MessageID `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// IsWelcome reports whether m is the synthetic greeting.
func (m Message) IsWelcome() bool {
	return m.ID.IsWelcome()
}

// StoredMessage is a persisted chat_messages row. An empty ConversationID
// marks an orphan written before conversations existed.
type StoredMessage struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// ToMessage converts a persisted row into a client message.
func (m StoredMessage) ToMessage() Message {
	return Message{
		ID:        Persisted(m.ID),
		Role:      m.Role,
		Content:   m.Content,
		Timestamp: m.CreatedAt,
	}
}

type Conversation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Turn is a single entry of the payload sent to the chat backend.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}
