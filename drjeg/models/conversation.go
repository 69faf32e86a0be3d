package models

import (
	"time"
)

// Message senders
const (
	SenderUser      = "user"
	SenderAssistant = "assistant"
)

// Conversation is one chat thread between a user and the assistant.
// Active=false marks a soft-deleted conversation: it stays in the table
// but is excluded from listings and lookups.
type Conversation struct {
	ID        string    `json:"id" gorm:"primaryKey;size:36"`
	UserID    string    `json:"user_id" gorm:"size:36;index:idx_conversations_user_active;not null"`
	Title     string    `json:"title" gorm:"size:100"`
	Active    bool      `json:"active" gorm:"default:true;index:idx_conversations_user_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at" gorm:"index"`
}

// Message is a single turn half inside a conversation. Messages are
// append-only; the assistant metadata fields are zero for user messages.
type Message struct {
	ID             string    `json:"id" gorm:"primaryKey;size:36"`
	ConversationID string    `json:"conversation_id" gorm:"size:36;index:idx_messages_conversation_ts;not null"`
	Sender         string    `json:"sender" gorm:"size:16;not null"`
	Content        string    `json:"content" gorm:"not null"`
	Timestamp      time.Time `json:"timestamp" gorm:"index:idx_messages_conversation_ts"`

	// Assistant message metadata
	ModelName      string `json:"model_name,omitempty" gorm:"size:64"`
	ResponseTimeMs int64  `json:"response_time_ms,omitempty"`
	TokensUsed     int    `json:"tokens_used,omitempty"`
}
