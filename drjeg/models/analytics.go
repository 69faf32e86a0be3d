package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// TopicList is a deduplicated set of health topic strings stored as JSON
type TopicList []string

// Value implements driver.Valuer
func (t TopicList) Value() (driver.Value, error) {
	if t == nil {
		t = TopicList{}
	}
	return json.Marshal(t)
}

// Scan implements sql.Scanner
func (t *TopicList) Scan(value interface{}) error {
	if value == nil {
		*t = TopicList{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, t)
	case string:
		return json.Unmarshal([]byte(v), t)
	default:
		return fmt.Errorf("unsupported type for TopicList: %T", value)
	}
}

// Contains reports whether topic is already in the list
func (t TopicList) Contains(topic string) bool {
	for _, existing := range t {
		if existing == topic {
			return true
		}
	}
	return false
}

// ConversationAnalytics is the derived per-conversation summary. It is
// maintained incrementally on every append and must always equal a full
// recompute over the conversation's messages.
type ConversationAnalytics struct {
	ConversationID        string    `json:"conversation_id" gorm:"primaryKey;size:36"`
	TotalMessages         int       `json:"total_messages"`
	TotalUserMessages     int       `json:"total_user_messages"`
	TotalBotMessages      int       `json:"total_bot_messages"`
	TotalTokensUsed       int       `json:"total_tokens_used"`
	AverageResponseTimeMs float64   `json:"average_response_time_ms"`
	HealthTopics          TopicList `json:"health_topics" gorm:"type:jsonb"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// APIUsageLog records one model gateway invocation for monitoring and
// service-status reporting. Failed calls are logged too.
type APIUsageLog struct {
	ID             uint      `json:"id" gorm:"primaryKey"`
	UserID         string    `json:"user_id" gorm:"size:36;index"`
	ConversationID string    `json:"conversation_id" gorm:"size:36"`
	ModelName      string    `json:"model_name" gorm:"size:64"`
	TokensUsed     int       `json:"tokens_used"`
	ResponseTimeMs int64     `json:"response_time_ms"`
	Success        bool      `json:"success" gorm:"index"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	StatusCode     int       `json:"status_code"`
	CreatedAt      time.Time `json:"created_at"`
}
