package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"jeghealth/backend/drjeg/models"
	"jeghealth/backend/drjeg/repository"
	"jeghealth/backend/pkg/cache"
	apperrors "jeghealth/backend/pkg/errors"
	"jeghealth/backend/pkg/logger"
)

// ConversationSummary is one row in a conversation listing
type ConversationSummary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	MessageCount int64     `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// ConversationDetail is a conversation with its full transcript
type ConversationDetail struct {
	ID        string           `json:"id"`
	Title     string           `json:"title"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
	Messages  []models.Message `json:"messages"`
}

// ConversationPage is a paginated listing
type ConversationPage struct {
	Conversations []ConversationSummary `json:"conversations"`
	Total         int64                 `json:"total"`
	Page          int                   `json:"page"`
	PageSize      int                   `json:"page_size"`
}

// UserAnalytics aggregates every active conversation of a user
type UserAnalytics struct {
	TotalConversations int64                          `json:"total_conversations"`
	TotalMessages      int                            `json:"total_messages"`
	TotalTokensUsed    int                            `json:"total_tokens_used"`
	HealthTopics       models.TopicList               `json:"health_topics"`
	Conversations      []models.ConversationAnalytics `json:"conversations"`
}

// ConversationService serves the read and delete operations over
// stored conversations
type ConversationService struct {
	conversations repository.ConversationRepository
	analyticsRepo repository.AnalyticsRepository
	cache         *cache.Cache
	log           *logger.Logger
	pageSize      int
	maxPageSize   int
}

// NewConversationService creates the conversation read-side service.
// cache may be nil to disable analytics response caching.
func NewConversationService(
	conversations repository.ConversationRepository,
	analyticsRepo repository.AnalyticsRepository,
	responseCache *cache.Cache,
	log *logger.Logger,
	pageSize, maxPageSize int,
) *ConversationService {
	if pageSize <= 0 {
		pageSize = 20
	}
	if maxPageSize <= 0 {
		maxPageSize = 100
	}
	return &ConversationService{
		conversations: conversations,
		analyticsRepo: analyticsRepo,
		cache:         responseCache,
		log:           log,
		pageSize:      pageSize,
		maxPageSize:   maxPageSize,
	}
}

// List returns the user's active conversations, newest activity first
func (s *ConversationService) List(ctx context.Context, userID string, page, pageSize int) (*ConversationPage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = s.pageSize
	}
	if pageSize > s.maxPageSize {
		pageSize = s.maxPageSize
	}

	conversations, total, err := s.conversations.ListActive(ctx, userID, (page-1)*pageSize, pageSize)
	if err != nil {
		return nil, apperrors.NewInternalServerError("INTERNAL_ERROR", "Failed to list conversations")
	}

	ids := make([]string, len(conversations))
	for i, c := range conversations {
		ids[i] = c.ID
	}
	counts, err := s.conversations.MessageCounts(ctx, ids)
	if err != nil {
		return nil, apperrors.NewInternalServerError("INTERNAL_ERROR", "Failed to count messages")
	}

	summaries := make([]ConversationSummary, len(conversations))
	for i, c := range conversations {
		summaries[i] = ConversationSummary{
			ID:           c.ID,
			Title:        c.Title,
			MessageCount: counts[c.ID],
			CreatedAt:    c.CreatedAt,
			LastActivity: c.UpdatedAt,
		}
	}

	return &ConversationPage{
		Conversations: summaries,
		Total:         total,
		Page:          page,
		PageSize:      pageSize,
	}, nil
}

// Get returns a conversation with its full ordered transcript
func (s *ConversationService) Get(ctx context.Context, userID, conversationID string) (*ConversationDetail, error) {
	conversation, err := s.conversations.GetOwned(ctx, userID, conversationID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.NewNotFoundError("NOT_FOUND", "Conversation not found")
		}
		return nil, apperrors.NewInternalServerError("INTERNAL_ERROR", "Failed to load conversation")
	}

	messages, err := s.conversations.Messages(ctx, conversationID)
	if err != nil {
		return nil, apperrors.NewInternalServerError("INTERNAL_ERROR", "Failed to load messages")
	}

	return &ConversationDetail{
		ID:        conversation.ID,
		Title:     conversation.Title,
		CreatedAt: conversation.CreatedAt,
		UpdatedAt: conversation.UpdatedAt,
		Messages:  messages,
	}, nil
}

// Delete soft-deletes one conversation. The transcript and analytics
// stay in the tables but stop appearing anywhere.
func (s *ConversationService) Delete(ctx context.Context, userID, conversationID string) error {
	err := s.conversations.SoftDelete(ctx, userID, conversationID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return apperrors.NewNotFoundError("NOT_FOUND", "Conversation not found")
		}
		return apperrors.NewInternalServerError("INTERNAL_ERROR", "Failed to delete conversation")
	}

	s.invalidateUserAnalytics(userID)
	s.log.WithUserID(userID).WithConversationID(conversationID).Info("conversation deleted")
	return nil
}

// ClearAll soft-deletes every active conversation of the user. The
// caller must set confirm; a bare call is rejected to guard against
// accidental bulk deletion.
func (s *ConversationService) ClearAll(ctx context.Context, userID string, confirm bool) (int64, error) {
	if !confirm {
		return 0, apperrors.NewBadRequestError("INVALID_REQUEST",
			"Clearing all conversations requires confirm=true")
	}

	affected, err := s.conversations.ClearAll(ctx, userID)
	if err != nil {
		return 0, apperrors.NewInternalServerError("INTERNAL_ERROR", "Failed to clear conversations")
	}

	s.invalidateUserAnalytics(userID)
	s.log.WithUserID(userID).Info("conversations cleared", "count", affected)
	return affected, nil
}

// Analytics returns the summary row of one conversation
func (s *ConversationService) Analytics(ctx context.Context, userID, conversationID string) (*models.ConversationAnalytics, error) {
	// Ownership gate first so foreign conversations 404 here too
	if _, err := s.conversations.GetOwned(ctx, userID, conversationID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.NewNotFoundError("NOT_FOUND", "Conversation not found")
		}
		return nil, apperrors.NewInternalServerError("INTERNAL_ERROR", "Failed to load conversation")
	}

	summary, err := s.analyticsRepo.Get(ctx, conversationID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// Conversation exists but has no turns yet
			return &models.ConversationAnalytics{
				ConversationID: conversationID,
				HealthTopics:   models.TopicList{},
			}, nil
		}
		return nil, apperrors.NewInternalServerError("INTERNAL_ERROR", "Failed to load analytics")
	}
	return summary, nil
}

// AnalyticsForUser aggregates analytics across all active conversations.
// Results are cached briefly since the rows only change on new turns.
func (s *ConversationService) AnalyticsForUser(ctx context.Context, userID string) (*UserAnalytics, error) {
	cacheKey := userAnalyticsCacheKey(userID)
	if s.cache != nil {
		if cached, found := s.cache.Get(cacheKey); found {
			if result, ok := cached.(*UserAnalytics); ok {
				return result, nil
			}
		}
	}

	rows, err := s.analyticsRepo.ListByUser(ctx, userID)
	if err != nil {
		return nil, apperrors.NewInternalServerError("INTERNAL_ERROR", "Failed to load analytics")
	}

	result := &UserAnalytics{
		TotalConversations: int64(len(rows)),
		HealthTopics:       models.TopicList{},
		Conversations:      rows,
	}
	for _, row := range rows {
		result.TotalMessages += row.TotalMessages
		result.TotalTokensUsed += row.TotalTokensUsed
		for _, topic := range row.HealthTopics {
			if !result.HealthTopics.Contains(topic) {
				result.HealthTopics = append(result.HealthTopics, topic)
			}
		}
	}

	if s.cache != nil {
		s.cache.Set(cacheKey, result)
	}
	return result, nil
}

func userAnalyticsCacheKey(userID string) string {
	return fmt.Sprintf("drjeg:analytics:user:%s", userID)
}

func (s *ConversationService) invalidateUserAnalytics(userID string) {
	if s.cache != nil {
		s.cache.Delete(userAnalyticsCacheKey(userID))
	}
}
