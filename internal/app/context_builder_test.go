package app

import (
	"context"
	"fmt"
	"testing"
	"time"

	"chatstream/internal/model"
)

func seedConversation(t *testing.T, store *memStore, conversationID uint, count int) []model.Message {
	t.Helper()
	base := time.Now().Add(-time.Hour)
	for i := 0; i < count; i++ {
		role := model.RoleUser
		if i%2 == 1 {
			role = model.RoleAssistant
		}
		message := &model.Message{
			ConversationID: conversationID,
			Role:           role,
			Content:        fmt.Sprintf("m%d", i+1),
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
		}
		if err := store.Append(context.Background(), message); err != nil {
			t.Fatal(err)
		}
	}
	all, err := store.LoadAll(context.Background(), conversationID)
	if err != nil {
		t.Fatal(err)
	}
	return all
}

func TestBuildWindowBounds(t *testing.T) {
	const window = 20
	builder := NewContextBuilder(window, "")

	for _, priorCount := range []int{0, 5, 20, 25} {
		store := &memStore{}
		history := seedConversation(t, store, 1, priorCount)

		prompt := builder.Build(history, "new question")

		wantHistory := priorCount
		if wantHistory > window {
			wantHistory = window
		}
		if len(prompt) != wantHistory+1 {
			t.Errorf("prior=%d: prompt len = %d, want %d", priorCount, len(prompt), wantHistory+1)
			continue
		}
		if prompt[len(prompt)-1].Content != "new question" {
			t.Errorf("prior=%d: last entry = %q, want the new turn", priorCount, prompt[len(prompt)-1].Content)
		}
	}
}

func TestBuildKeepsNewestWindow(t *testing.T) {
	store := &memStore{}
	history := seedConversation(t, store, 1, 25)
	builder := NewContextBuilder(20, "")

	prompt := builder.Build(history, "m26")

	if len(prompt) != 21 {
		t.Fatalf("prompt len = %d, want 21", len(prompt))
	}
	// Oldest five dropped: the window starts at m6 and runs chronologically
	// through m25, with the new turn last.
	for i := 0; i < 20; i++ {
		want := fmt.Sprintf("m%d", i+6)
		if prompt[i].Content != want {
			t.Fatalf("prompt[%d] = %q, want %q", i, prompt[i].Content, want)
		}
	}
	if prompt[20].Content != "m26" || prompt[20].Role != string(model.RoleUser) {
		t.Errorf("final entry = %+v, want the new user turn", prompt[20])
	}
}

func TestBuildSystemPromptFirst(t *testing.T) {
	store := &memStore{}
	history := seedConversation(t, store, 1, 3)
	builder := NewContextBuilder(20, "You are a helpful assistant.")

	prompt := builder.Build(history, "hello")

	if len(prompt) != 5 {
		t.Fatalf("prompt len = %d, want 5", len(prompt))
	}
	if prompt[0].Role != "system" || prompt[0].Content != "You are a helpful assistant." {
		t.Errorf("first entry = %+v, want the system preamble", prompt[0])
	}
	if prompt[4].Content != "hello" {
		t.Errorf("last entry = %q, want the new turn", prompt[4].Content)
	}
}

func TestLoadBoundedEqualsTailOfFull(t *testing.T) {
	store := &memStore{}
	seedConversation(t, store, 1, 10)
	loader := NewHistoryLoader(store)

	full, err := loader.Load(context.Background(), 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	bounded, err := loader.Load(context.Background(), 1, 4)
	if err != nil {
		t.Fatal(err)
	}

	if len(bounded) != 4 {
		t.Fatalf("bounded len = %d, want 4", len(bounded))
	}
	tail := full[len(full)-4:]
	for i := range bounded {
		if bounded[i].ID != tail[i].ID {
			t.Fatalf("bounded[%d].ID = %d, want %d", i, bounded[i].ID, tail[i].ID)
		}
	}
}

func TestLoadEmptyConversation(t *testing.T) {
	loader := NewHistoryLoader(&memStore{})

	messages, err := loader.Load(context.Background(), 42, 10)
	if err != nil {
		t.Fatalf("empty conversation must not error, got %v", err)
	}
	if len(messages) != 0 {
		t.Fatalf("messages = %d, want 0", len(messages))
	}
}

func TestLoadPriorExcludesNewerRows(t *testing.T) {
	store := &memStore{}
	all := seedConversation(t, store, 1, 6)
	loader := NewHistoryLoader(store)

	// Rows at or after the pivot id stay out of the window.
	pivot := all[4].ID
	prior, err := loader.LoadPrior(context.Background(), 1, pivot, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(prior) != 4 {
		t.Fatalf("prior len = %d, want 4", len(prior))
	}
	for i, message := range prior {
		if message.ID >= pivot {
			t.Errorf("prior[%d].ID = %d, must be below %d", i, message.ID, pivot)
		}
		if i > 0 && prior[i-1].ID >= message.ID {
			t.Errorf("prior not ascending at index %d", i)
		}
	}
}
