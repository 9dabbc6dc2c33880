package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"chatstream/internal/model"
)

type TurnEventRepository struct {
	db *gorm.DB
}

func NewTurnEventRepository(db *gorm.DB) *TurnEventRepository {
	return &TurnEventRepository{db: db}
}

func (r *TurnEventRepository) Create(ctx context.Context, event *model.TurnEvent) error {
	if err := r.db.WithContext(ctx).Create(event).Error; err != nil {
		return fmt.Errorf("create turn event failed: %w", err)
	}
	return nil
}
