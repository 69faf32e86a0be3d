package repository

import (
	"context"
	"errors"
	"time"

	"jeghealth/backend/drjeg/models"

	"gorm.io/gorm"
)

// ErrNotFound is returned when a conversation does not exist, is inactive,
// or is owned by another user. Foreign conversations are deliberately
// indistinguishable from missing ones.
var ErrNotFound = errors.New("conversation not found")

// ConversationRepository persists conversations and their messages
type ConversationRepository interface {
	Create(ctx context.Context, conversation *models.Conversation) error
	// GetOwned loads an active conversation owned by userID
	GetOwned(ctx context.Context, userID, conversationID string) (*models.Conversation, error)
	// ListActive returns active conversations ordered by updated_at descending
	ListActive(ctx context.Context, userID string, offset, limit int) ([]models.Conversation, int64, error)
	// Messages returns the full ordered history of a conversation
	Messages(ctx context.Context, conversationID string) ([]models.Message, error)
	// MessageCounts returns the number of messages per conversation id
	MessageCounts(ctx context.Context, conversationIDs []string) (map[string]int64, error)
	// Append atomically inserts a message and bumps the conversation's
	// updated_at. The title is fixed at Create and never touched here.
	Append(ctx context.Context, conversationID string, message *models.Message) error
	SoftDelete(ctx context.Context, userID, conversationID string) error
	// ClearAll soft-deletes every active conversation of a user in one
	// statement and returns the number affected
	ClearAll(ctx context.Context, userID string) (int64, error)
	// CountActive returns the user's active conversation count
	CountActive(ctx context.Context, userID string) (int64, error)
	// CountUserMessages counts messages across the user's active conversations
	CountUserMessages(ctx context.Context, userID string) (int64, error)
}

type GormConversationRepository struct {
	db *gorm.DB
}

func NewGormConversationRepository(db *gorm.DB) *GormConversationRepository {
	return &GormConversationRepository{db: db}
}

func (r *GormConversationRepository) Create(ctx context.Context, conversation *models.Conversation) error {
	return r.db.WithContext(ctx).Create(conversation).Error
}

func (r *GormConversationRepository) GetOwned(ctx context.Context, userID, conversationID string) (*models.Conversation, error) {
	var conversation models.Conversation
	err := r.db.WithContext(ctx).
		Where("id = ? AND user_id = ? AND active = ?", conversationID, userID, true).
		First(&conversation).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &conversation, nil
}

func (r *GormConversationRepository) ListActive(ctx context.Context, userID string, offset, limit int) ([]models.Conversation, int64, error) {
	var conversations []models.Conversation
	var total int64

	query := r.db.WithContext(ctx).Model(&models.Conversation{}).
		Where("user_id = ? AND active = ?", userID, true)

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := query.
		Order("updated_at DESC").
		Offset(offset).
		Limit(limit).
		Find(&conversations).Error
	return conversations, total, err
}

func (r *GormConversationRepository) Messages(ctx context.Context, conversationID string) ([]models.Message, error) {
	var messages []models.Message
	err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("timestamp ASC").
		Find(&messages).Error
	return messages, err
}

func (r *GormConversationRepository) MessageCounts(ctx context.Context, conversationIDs []string) (map[string]int64, error) {
	counts := make(map[string]int64, len(conversationIDs))
	if len(conversationIDs) == 0 {
		return counts, nil
	}

	var rows []struct {
		ConversationID string
		Count          int64
	}
	err := r.db.WithContext(ctx).Model(&models.Message{}).
		Select("conversation_id, COUNT(*) as count").
		Where("conversation_id IN ?", conversationIDs).
		Group("conversation_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	for _, row := range rows {
		counts[row.ConversationID] = row.Count
	}
	return counts, nil
}

func (r *GormConversationRepository) Append(ctx context.Context, conversationID string, message *models.Message) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(message).Error; err != nil {
			return err
		}
		return tx.Model(&models.Conversation{}).
			Where("id = ?", conversationID).
			Update("updated_at", message.Timestamp).Error
	})
}

func (r *GormConversationRepository) SoftDelete(ctx context.Context, userID, conversationID string) error {
	result := r.db.WithContext(ctx).Model(&models.Conversation{}).
		Where("id = ? AND user_id = ? AND active = ?", conversationID, userID, true).
		Updates(map[string]interface{}{"active": false, "updated_at": time.Now()})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *GormConversationRepository) ClearAll(ctx context.Context, userID string) (int64, error) {
	var affected int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.Conversation{}).
			Where("user_id = ? AND active = ?", userID, true).
			Updates(map[string]interface{}{"active": false, "updated_at": time.Now()})
		if result.Error != nil {
			return result.Error
		}
		affected = result.RowsAffected
		return nil
	})
	return affected, err
}

func (r *GormConversationRepository) CountActive(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Conversation{}).
		Where("user_id = ? AND active = ?", userID, true).
		Count(&count).Error
	return count, err
}

func (r *GormConversationRepository) CountUserMessages(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Message{}).
		Joins("JOIN conversations ON conversations.id = messages.conversation_id").
		Where("conversations.user_id = ? AND conversations.active = ?", userID, true).
		Count(&count).Error
	return count, err
}
