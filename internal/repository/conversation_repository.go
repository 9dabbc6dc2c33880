package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"chatstream/internal/model"
)

type ConversationRepository struct {
	db *gorm.DB
}

// ConversationPreview pairs a conversation with the first user message, used
// by the conversation list view.
type ConversationPreview struct {
	model.Conversation
	Preview string `json:"preview"`
}

func NewConversationRepository(db *gorm.DB) *ConversationRepository {
	return &ConversationRepository{db: db}
}

func (r *ConversationRepository) Create(ctx context.Context, conversation *model.Conversation) error {
	if err := r.db.WithContext(ctx).Create(conversation).Error; err != nil {
		return fmt.Errorf("create conversation failed: %w", err)
	}
	return nil
}

func (r *ConversationRepository) GetByIDAndUserID(ctx context.Context, conversationID, userID uint) (*model.Conversation, error) {
	var conversation model.Conversation
	if err := r.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", conversationID, userID).
		First(&conversation).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get conversation failed: %w", err)
	}
	return &conversation, nil
}

// ListByUserID returns the user's conversations newest-first, each with the
// oldest user message as a preview.
func (r *ConversationRepository) ListByUserID(ctx context.Context, userID uint, offset, limit int) ([]ConversationPreview, error) {
	if limit <= 0 || limit > 100 {
		limit = 10
	}
	if offset < 0 {
		offset = 0
	}

	var previews []ConversationPreview
	subquery := r.db.Model(&model.Message{}).
		Select("content").
		Where("conversation_id = conversations.id AND role = ?", model.RoleUser).
		Order("created_at ASC, id ASC").
		Limit(1)
	if err := r.db.WithContext(ctx).
		Model(&model.Conversation{}).
		Select("conversations.*, (?) AS preview", subquery).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Offset(offset).
		Limit(limit).
		Find(&previews).Error; err != nil {
		return nil, fmt.Errorf("list conversations failed: %w", err)
	}
	return previews, nil
}

func (r *ConversationRepository) DeleteByIDAndUserID(ctx context.Context, conversationID, userID uint) error {
	if err := r.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", conversationID, userID).
		Delete(&model.Conversation{}).Error; err != nil {
		return fmt.Errorf("delete conversation failed: %w", err)
	}
	return nil
}
