// Package analytics maintains the per-conversation usage summary.
// Apply updates a summary incrementally on each appended message;
// Recompute replays a full message list from scratch. The two must
// always agree, which the tests assert.
package analytics

import (
	"strings"
	"time"

	"jeghealth/backend/drjeg/models"
)

// DefaultTopicVocabulary is the health keyword set scanned for in
// message content. Tunable; multi-word entries match as substrings.
var DefaultTopicVocabulary = []string{
	"fatigue", "tired", "headache", "pain", "fever", "cough", "sleep",
	"stress", "anxiety", "depression", "diet", "nutrition", "exercise",
	"weight", "blood pressure", "diabetes", "heart", "medicine",
}

// Aggregator updates conversation analytics from appended messages
type Aggregator struct {
	vocabulary []string
}

// NewAggregator creates an aggregator with the default topic vocabulary
func NewAggregator() *Aggregator {
	return NewAggregatorWithVocabulary(DefaultTopicVocabulary)
}

// NewAggregatorWithVocabulary creates an aggregator with a custom vocabulary
func NewAggregatorWithVocabulary(vocabulary []string) *Aggregator {
	return &Aggregator{vocabulary: vocabulary}
}

// ExtractTopics returns the vocabulary entries found in text, in
// vocabulary order, without duplicates
func (a *Aggregator) ExtractTopics(text string) []string {
	lower := strings.ToLower(text)
	var topics []string
	for _, keyword := range a.vocabulary {
		if strings.Contains(lower, keyword) {
			topics = append(topics, keyword)
		}
	}
	return topics
}

// Apply folds one appended message into the summary. The running
// average over assistant latencies uses the incremental mean so no
// history re-scan is needed:
//
//	newAvg = oldAvg + (latency - oldAvg) / newBotCount
func (a *Aggregator) Apply(summary *models.ConversationAnalytics, message models.Message) {
	summary.TotalMessages++

	switch message.Sender {
	case models.SenderUser:
		summary.TotalUserMessages++
	case models.SenderAssistant:
		summary.TotalBotMessages++
		summary.TotalTokensUsed += message.TokensUsed
		summary.AverageResponseTimeMs += (float64(message.ResponseTimeMs) - summary.AverageResponseTimeMs) / float64(summary.TotalBotMessages)
	}

	for _, topic := range a.ExtractTopics(message.Content) {
		if !summary.HealthTopics.Contains(topic) {
			summary.HealthTopics = append(summary.HealthTopics, topic)
		}
	}

	summary.UpdatedAt = message.Timestamp
}

// Recompute builds the summary by replaying every message of a
// conversation. Used to validate the incremental path and available for
// backfills.
func (a *Aggregator) Recompute(conversationID string, messages []models.Message) *models.ConversationAnalytics {
	summary := &models.ConversationAnalytics{
		ConversationID: conversationID,
		HealthTopics:   models.TopicList{},
	}
	if len(messages) > 0 {
		summary.CreatedAt = messages[0].Timestamp
	} else {
		summary.CreatedAt = time.Now()
	}

	for _, message := range messages {
		a.Apply(summary, message)
	}
	return summary
}
