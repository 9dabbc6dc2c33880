package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"chatstream/internal/model"
)

type MessageRepository struct {
	db *gorm.DB
}

func NewMessageRepository(db *gorm.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// Append inserts one immutable message row. Every call runs on a pool handle
// scoped to ctx, so the detached salvage task can write with its own context
// while the originating request's handle is being torn down.
func (r *MessageRepository) Append(ctx context.Context, message *model.Message) error {
	if !message.Role.Valid() {
		return fmt.Errorf("invalid message role %q", message.Role)
	}
	if err := r.db.WithContext(ctx).Create(message).Error; err != nil {
		return fmt.Errorf("create message failed: %w", err)
	}
	return nil
}

// LoadRecent returns up to limit messages most-recent-first. Ties on
// created_at are broken by id so recall order stays total.
func (r *MessageRepository) LoadRecent(ctx context.Context, conversationID uint, limit int) ([]model.Message, error) {
	if limit <= 0 {
		return []model.Message{}, nil
	}

	var messages []model.Message
	if err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&messages).Error; err != nil {
		return nil, fmt.Errorf("load recent messages failed: %w", err)
	}
	return messages, nil
}

// LoadRecentBefore is LoadRecent restricted to rows older than beforeID. The
// prompt path uses it to window prior history without counting the user turn
// that was just persisted.
func (r *MessageRepository) LoadRecentBefore(ctx context.Context, conversationID, beforeID uint, limit int) ([]model.Message, error) {
	if limit <= 0 {
		return []model.Message{}, nil
	}

	var messages []model.Message
	if err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND id < ?", conversationID, beforeID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&messages).Error; err != nil {
		return nil, fmt.Errorf("load recent messages failed: %w", err)
	}
	return messages, nil
}

// LoadAll returns the full history in chronological order. Used for the
// conversation view, never for prompt construction.
func (r *MessageRepository) LoadAll(ctx context.Context, conversationID uint) ([]model.Message, error) {
	var messages []model.Message
	if err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC, id ASC").
		Find(&messages).Error; err != nil {
		return nil, fmt.Errorf("load messages failed: %w", err)
	}
	return messages, nil
}

func (r *MessageRepository) DeleteByConversationID(ctx context.Context, conversationID uint) error {
	if err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Delete(&model.Message{}).Error; err != nil {
		return fmt.Errorf("delete messages failed: %w", err)
	}
	return nil
}
