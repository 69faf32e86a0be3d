package repository

import (
	"context"
	"errors"
	"time"

	"jeghealth/backend/drjeg/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AnalyticsRepository persists per-conversation analytics and the model
// usage log
type AnalyticsRepository interface {
	Get(ctx context.Context, conversationID string) (*models.ConversationAnalytics, error)
	// Save upserts the analytics row for a conversation
	Save(ctx context.Context, analytics *models.ConversationAnalytics) error
	// ListByUser returns analytics for all active conversations of a user
	ListByUser(ctx context.Context, userID string) ([]models.ConversationAnalytics, error)
	LogUsage(ctx context.Context, entry *models.APIUsageLog) error
	// RecentUsage counts successful and failed model calls since a cutoff
	RecentUsage(ctx context.Context, userID string, since time.Time) (success, failure int64, err error)
}

type GormAnalyticsRepository struct {
	db *gorm.DB
}

func NewGormAnalyticsRepository(db *gorm.DB) *GormAnalyticsRepository {
	return &GormAnalyticsRepository{db: db}
}

func (r *GormAnalyticsRepository) Get(ctx context.Context, conversationID string) (*models.ConversationAnalytics, error) {
	var analytics models.ConversationAnalytics
	err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		First(&analytics).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &analytics, nil
}

func (r *GormAnalyticsRepository) Save(ctx context.Context, analytics *models.ConversationAnalytics) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "conversation_id"}},
			UpdateAll: true,
		}).
		Create(analytics).Error
}

func (r *GormAnalyticsRepository) ListByUser(ctx context.Context, userID string) ([]models.ConversationAnalytics, error) {
	var analytics []models.ConversationAnalytics
	err := r.db.WithContext(ctx).
		Joins("JOIN conversations ON conversations.id = conversation_analytics.conversation_id").
		Where("conversations.user_id = ? AND conversations.active = ?", userID, true).
		Order("conversation_analytics.updated_at DESC").
		Find(&analytics).Error
	return analytics, err
}

func (r *GormAnalyticsRepository) LogUsage(ctx context.Context, entry *models.APIUsageLog) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *GormAnalyticsRepository) RecentUsage(ctx context.Context, userID string, since time.Time) (int64, int64, error) {
	var success, failure int64

	base := r.db.WithContext(ctx).Model(&models.APIUsageLog{}).
		Where("user_id = ? AND created_at >= ?", userID, since)

	if err := base.Session(&gorm.Session{}).Where("success = ?", true).Count(&success).Error; err != nil {
		return 0, 0, err
	}
	if err := base.Session(&gorm.Session{}).Where("success = ?", false).Count(&failure).Error; err != nil {
		return 0, 0, err
	}
	return success, failure, nil
}
