package app

import (
	"context"

	"chatstream/internal/ai"
	"chatstream/internal/model"
)

// DefaultHistoryWindow bounds how many prior messages go into the prompt.
// Policy constant, not a model limit: it keeps token consumption predictable
// as conversations grow.
const DefaultHistoryWindow = 20

// HistoryLoader fetches bounded, chronologically ordered windows of prior
// messages. Bounded loads fetch the newest rows descending and reverse them
// in memory, so only the tail window ever crosses the wire.
type HistoryLoader struct {
	store MessageStore
}

func NewHistoryLoader(store MessageStore) *HistoryLoader {
	return &HistoryLoader{store: store}
}

// Load returns messages oldest-first. A limit <= 0 means the full history
// (conversation view/export); a positive limit returns the most recent
// limit messages. An empty conversation yields an empty slice, not an error.
func (l *HistoryLoader) Load(ctx context.Context, conversationID uint, limit int) ([]model.Message, error) {
	if limit <= 0 {
		return l.store.LoadAll(ctx, conversationID)
	}
	recent, err := l.store.LoadRecent(ctx, conversationID, limit)
	if err != nil {
		return nil, err
	}
	reverseMessages(recent)
	return recent, nil
}

// LoadPrior returns up to window messages older than beforeID, oldest-first.
// The prompt path uses it so the just-persisted user turn does not count
// against its own history window.
func (l *HistoryLoader) LoadPrior(ctx context.Context, conversationID, beforeID uint, window int) ([]model.Message, error) {
	recent, err := l.store.LoadRecentBefore(ctx, conversationID, beforeID, window)
	if err != nil {
		return nil, err
	}
	reverseMessages(recent)
	return recent, nil
}

func reverseMessages(messages []model.Message) {
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
}

// ContextBuilder assembles the ordered prompt sequence for the model:
// optional system preamble, then the bounded prior history oldest-first,
// then the new user turn last.
type ContextBuilder struct {
	window       int
	systemPrompt string
}

func NewContextBuilder(window int, systemPrompt string) *ContextBuilder {
	if window <= 0 {
		window = DefaultHistoryWindow
	}
	return &ContextBuilder{
		window:       window,
		systemPrompt: systemPrompt,
	}
}

func (b *ContextBuilder) Window() int {
	return b.window
}

// Build drops the oldest history first when the window overflows; the new
// turn is always included regardless of window pressure.
func (b *ContextBuilder) Build(history []model.Message, newContent string) []ai.ChatMessage {
	if len(history) > b.window {
		history = history[len(history)-b.window:]
	}

	prompt := make([]ai.ChatMessage, 0, len(history)+2)
	if b.systemPrompt != "" {
		prompt = append(prompt, ai.ChatMessage{
			Role:    "system",
			Content: b.systemPrompt,
		})
	}
	for _, item := range history {
		prompt = append(prompt, ai.ChatMessage{
			Role:    string(item.Role),
			Content: item.Content,
		})
	}
	prompt = append(prompt, ai.ChatMessage{
		Role:    string(model.RoleUser),
		Content: newContent,
	})
	return prompt
}
