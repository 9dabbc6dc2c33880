package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"chatstream/internal/model"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageEmpty         = errors.New("message content is empty")
)

// ConversationStore is the ownership-checking slice of the conversation log.
type ConversationStore interface {
	GetByIDAndUserID(ctx context.Context, conversationID, userID uint) (*model.Conversation, error)
}

// HistoryCache serves the read API only; prompt construction always reads
// the store so recall order never depends on cache freshness.
type HistoryCache interface {
	GetHistory(ctx context.Context, conversationID uint) ([]model.Message, bool, error)
	SetHistory(ctx context.Context, conversationID uint, messages []model.Message) error
	DeleteHistory(ctx context.Context, conversationID uint) error
	MarkDirty(ctx context.Context, conversationID uint) error
	IsDirty(ctx context.Context, conversationID uint) (bool, error)
}

// ChatService orchestrates one chat turn: ownership check, durable user
// message, bounded context assembly, then the coordinated stream.
type ChatService struct {
	conversations ConversationStore
	messages      MessageStore
	loader        *HistoryLoader
	builder       *ContextBuilder
	coordinator   *StreamCoordinator
	adapter       ModelAdapter
	historyCache  HistoryCache
	logger        *zap.Logger
}

type StreamTurnInput struct {
	UserID         uint
	ConversationID uint
	Content        string
}

func NewChatService(
	conversations ConversationStore,
	messages MessageStore,
	builder *ContextBuilder,
	coordinator *StreamCoordinator,
	adapter ModelAdapter,
	historyCache HistoryCache,
	logger *zap.Logger,
) *ChatService {
	return &ChatService{
		conversations: conversations,
		messages:      messages,
		loader:        NewHistoryLoader(messages),
		builder:       builder,
		coordinator:   coordinator,
		adapter:       adapter,
		historyCache:  historyCache,
		logger:        logger,
	}
}

// StreamTurn runs the full pipeline. The user's turn is persisted before
// context assembly and before the model is invoked, so it survives even a
// catastrophic streaming failure.
func (s *ChatService) StreamTurn(ctx context.Context, input StreamTurnInput, sink FragmentSink) (*StreamResult, error) {
	if input.UserID == 0 || input.ConversationID == 0 {
		return nil, ErrInvalidInput
	}
	content := strings.TrimSpace(input.Content)
	if content == "" {
		return nil, ErrMessageEmpty
	}

	conversation, err := s.conversations.GetByIDAndUserID(ctx, input.ConversationID, input.UserID)
	if err != nil {
		return nil, err
	}
	if conversation == nil {
		return nil, ErrConversationNotFound
	}

	userMessage := &model.Message{
		ConversationID: input.ConversationID,
		Role:           model.RoleUser,
		Content:        content,
		CreatedAt:      time.Now(),
	}
	if err := s.messages.Append(ctx, userMessage); err != nil {
		return nil, err
	}
	s.invalidateHistory(ctx, input.ConversationID)

	history, err := s.loader.LoadPrior(ctx, input.ConversationID, userMessage.ID, s.builder.Window())
	if err != nil {
		return nil, err
	}
	prompt := s.builder.Build(history, content)

	s.logger.Info("starting stream",
		zap.Uint("conversation_id", input.ConversationID),
		zap.Int("history_len", len(history)),
	)

	result, runErr := s.coordinator.Run(ctx, input.ConversationID, prompt, sink)
	if result != nil && result.Persisted != nil {
		s.invalidateHistory(ctx, input.ConversationID)
	}
	return result, runErr
}

// StreamPure streams a stateless reply: no persistence, no history, same
// fragment ordering guarantees from the adapter.
func (s *ChatService) StreamPure(ctx context.Context, content string, sink FragmentSink) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return ErrMessageEmpty
	}
	prompt := s.builder.Build(nil, content)
	return s.adapter.Stream(ctx, prompt, func(fragment string) error {
		return sink(fragment)
	})
}

// GetHistory returns the most recent limit messages oldest-first, through
// the read cache when it is clean.
func (s *ChatService) GetHistory(ctx context.Context, userID, conversationID uint, limit int) ([]model.Message, error) {
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

	if s.historyCache != nil {
		dirty, err := s.historyCache.IsDirty(ctx, conversationID)
		if err == nil && !dirty {
			if cached, hit, cacheErr := s.historyCache.GetHistory(ctx, conversationID); cacheErr == nil && hit {
				return trimMessages(cached, limit), nil
			}
		}
	}

	messages, err := s.loader.Load(ctx, conversationID, 0)
	if err != nil {
		return nil, err
	}
	if s.historyCache != nil {
		if dirty, dirtyErr := s.historyCache.IsDirty(ctx, conversationID); dirtyErr == nil && !dirty {
			_ = s.historyCache.SetHistory(ctx, conversationID, messages)
		}
	}
	return trimMessages(messages, limit), nil
}

func (s *ChatService) invalidateHistory(ctx context.Context, conversationID uint) {
	if s.historyCache == nil {
		return
	}
	_ = s.historyCache.MarkDirty(ctx, conversationID)
	_ = s.historyCache.DeleteHistory(ctx, conversationID)
}

func trimMessages(messages []model.Message, limit int) []model.Message {
	if limit <= 0 || limit >= len(messages) {
		return messages
	}
	return messages[len(messages)-limit:]
}
