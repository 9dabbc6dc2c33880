package app

import (
	"context"
	"strings"

	"chatstream/internal/model"
	"chatstream/internal/repository"
)

// ConversationService handles conversation CRUD around the chat pipeline.
type ConversationService struct {
	conversations *repository.ConversationRepository
	messages      *repository.MessageRepository
	historyCache  HistoryCache
}

// ConversationView is a conversation with its full chronological history.
type ConversationView struct {
	model.Conversation
	Messages []model.Message `json:"messages"`
}

func NewConversationService(
	conversations *repository.ConversationRepository,
	messages *repository.MessageRepository,
	historyCache HistoryCache,
) *ConversationService {
	return &ConversationService{
		conversations: conversations,
		messages:      messages,
		historyCache:  historyCache,
	}
}

func (s *ConversationService) Create(ctx context.Context, userID uint, name string) (*model.Conversation, error) {
	if userID == 0 {
		return nil, ErrInvalidInput
	}

	name = strings.TrimSpace(name)
	if name == "" {
		name = "New Chat"
	}

	conversation := &model.Conversation{
		UserID: userID,
		Name:   name,
	}
	if err := s.conversations.Create(ctx, conversation); err != nil {
		return nil, err
	}
	return conversation, nil
}

func (s *ConversationService) List(ctx context.Context, userID uint, offset, limit int) ([]repository.ConversationPreview, error) {
	if userID == 0 {
		return nil, ErrInvalidInput
	}
	return s.conversations.ListByUserID(ctx, userID, offset, limit)
}

func (s *ConversationService) GetWithMessages(ctx context.Context, userID, conversationID uint) (*ConversationView, error) {
	if userID == 0 || conversationID == 0 {
		return nil, ErrInvalidInput
	}

	conversation, err := s.conversations.GetByIDAndUserID(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	if conversation == nil {
		return nil, ErrConversationNotFound
	}

	messages, err := s.messages.LoadAll(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return &ConversationView{Conversation: *conversation, Messages: messages}, nil
}

func (s *ConversationService) Delete(ctx context.Context, userID, conversationID uint) error {
	if userID == 0 || conversationID == 0 {
		return ErrInvalidInput
	}

	conversation, err := s.conversations.GetByIDAndUserID(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if conversation == nil {
		return ErrConversationNotFound
	}

	if err := s.messages.DeleteByConversationID(ctx, conversationID); err != nil {
		return err
	}
	if err := s.conversations.DeleteByIDAndUserID(ctx, conversationID, userID); err != nil {
		return err
	}
	if s.historyCache != nil {
		_ = s.historyCache.DeleteHistory(ctx, conversationID)
	}
	return nil
}
