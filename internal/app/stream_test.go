package app

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"chatstream/internal/ai"
	"chatstream/internal/model"
)

// memStore is an in-memory MessageStore. Insertion order is chronological;
// ids are assigned sequentially like the real store.
type memStore struct {
	mu        sync.Mutex
	nextID    uint
	rows      []model.Message
	appendErr error
}

func (s *memStore) Append(_ context.Context, message *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return s.appendErr
	}
	s.nextID++
	message.ID = s.nextID
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now()
	}
	s.rows = append(s.rows, *message)
	return nil
}

func (s *memStore) LoadRecent(_ context.Context, conversationID uint, limit int) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.byConversation(conversationID)
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	reversed := make([]model.Message, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		reversed = append(reversed, all[i])
	}
	return reversed, nil
}

func (s *memStore) LoadRecentBefore(_ context.Context, conversationID, beforeID uint, limit int) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var prior []model.Message
	for _, row := range s.byConversation(conversationID) {
		if row.ID < beforeID {
			prior = append(prior, row)
		}
	}
	if len(prior) > limit {
		prior = prior[len(prior)-limit:]
	}
	reversed := make([]model.Message, 0, len(prior))
	for i := len(prior) - 1; i >= 0; i-- {
		reversed = append(reversed, prior[i])
	}
	return reversed, nil
}

func (s *memStore) LoadAll(_ context.Context, conversationID uint) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byConversation(conversationID), nil
}

func (s *memStore) byConversation(conversationID uint) []model.Message {
	var out []model.Message
	for _, row := range s.rows {
		if row.ConversationID == conversationID {
			out = append(out, row)
		}
	}
	return out
}

func (s *memStore) assistantMessages() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Message
	for _, row := range s.rows {
		if row.Role == model.RoleAssistant {
			out = append(out, row)
		}
	}
	return out
}

// scriptedAdapter replays a fixed fragment sequence. failAt is the 1-based
// fragment index at which the producer fails instead of emitting; 0 never
// fails, len(fragments)+1 fails after the last fragment.
type scriptedAdapter struct {
	fragments []string
	failAt    int
	err       error

	gotPrompt []ai.ChatMessage
}

func (a *scriptedAdapter) Stream(ctx context.Context, messages []ai.ChatMessage, onFragment func(string) error) error {
	a.gotPrompt = messages
	for i, fragment := range a.fragments {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if a.failAt > 0 && i+1 == a.failAt {
			return a.err
		}
		if err := onFragment(fragment); err != nil {
			return err
		}
	}
	if a.failAt > len(a.fragments) {
		return a.err
	}
	return nil
}

// sinkRecorder fails the flush on call number failOn and every call after.
type sinkRecorder struct {
	received []string
	failOn   int
}

func (r *sinkRecorder) sink(fragment string) error {
	call := len(r.received) + 1
	if r.failOn > 0 && call >= r.failOn {
		return errors.New("client disconnected")
	}
	r.received = append(r.received, fragment)
	return nil
}

type eventRecorder struct {
	mu       sync.Mutex
	outcomes []string
}

func (r *eventRecorder) Publish(_ context.Context, event model.TurnEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, event.Outcome)
	return nil
}

func (r *eventRecorder) has(outcome string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.outcomes {
		if o == outcome {
			return true
		}
	}
	return false
}

// newTestCoordinator runs the salvage task synchronously so assertions do
// not race the detached write.
func newTestCoordinator(t *testing.T, store *memStore, adapter ModelAdapter, events TurnEventSink) *StreamCoordinator {
	t.Helper()
	c := NewStreamCoordinator(store, adapter, events, zap.NewNop(), 0, time.Second)
	c.spawn = func(task func()) { task() }
	return c
}

func fragments(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = "frag" + string(rune('A'+i%26))
	}
	return out
}

func TestRunCompletesAndPersists(t *testing.T) {
	store := &memStore{}
	adapter := &scriptedAdapter{fragments: []string{"Hi", " there", "!"}}
	events := &eventRecorder{}
	coordinator := newTestCoordinator(t, store, adapter, events)
	recorder := &sinkRecorder{}

	result, err := coordinator.Run(context.Background(), 1, nil, recorder.sink)
	if err != nil {
		t.Fatal(err)
	}
	if result.State != StateCompleted {
		t.Fatalf("state = %v, want completed", result.State)
	}
	if result.Content != "Hi there!" {
		t.Errorf("content = %q, want %q", result.Content, "Hi there!")
	}

	saved := store.assistantMessages()
	if len(saved) != 1 {
		t.Fatalf("assistant messages = %d, want 1", len(saved))
	}
	if saved[0].Content != "Hi there!" {
		t.Errorf("persisted content = %q, want %q", saved[0].Content, "Hi there!")
	}

	if got, want := strings.Join(recorder.received, ""), "Hi there!"; got != want {
		t.Errorf("sink received %q, want %q", got, want)
	}
	if !events.has(model.TurnOutcomeCompleted) {
		t.Errorf("missing completed event, got %v", events.outcomes)
	}
}

func TestRunSinkDisconnectSalvagesPartial(t *testing.T) {
	store := &memStore{}
	frags := fragments(100)
	adapter := &scriptedAdapter{fragments: frags}
	events := &eventRecorder{}
	coordinator := newTestCoordinator(t, store, adapter, events)

	// Disconnect lands on the flush of fragment 37: the fragment is already
	// appended to the buffer but never reaches the client.
	recorder := &sinkRecorder{failOn: 37}

	result, err := coordinator.Run(context.Background(), 7, nil, recorder.sink)
	if err != nil {
		t.Fatalf("disconnect must not surface an error, got %v", err)
	}
	if result.State != StateCancelled {
		t.Fatalf("state = %v, want cancelled", result.State)
	}

	saved := store.assistantMessages()
	if len(saved) != 1 {
		t.Fatalf("assistant messages = %d, want exactly 1", len(saved))
	}
	want := strings.Join(frags[:37], "")
	if saved[0].Content != want {
		t.Errorf("salvaged content = %q, want fragments 1-37", saved[0].Content)
	}
	if saved[0].ConversationID != 7 {
		t.Errorf("conversation id = %d, want 7", saved[0].ConversationID)
	}
	if !events.has(model.TurnOutcomeSalvaged) {
		t.Errorf("missing salvaged event, got %v", events.outcomes)
	}
}

func TestRunZeroFragmentFailure(t *testing.T) {
	store := &memStore{}
	boom := errors.New("model unavailable")
	adapter := &scriptedAdapter{fragments: fragments(5), failAt: 1, err: boom}
	events := &eventRecorder{}
	coordinator := newTestCoordinator(t, store, adapter, events)
	recorder := &sinkRecorder{}

	result, err := coordinator.Run(context.Background(), 1, nil, recorder.sink)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want producer error", err)
	}
	if result.State != StateFailed {
		t.Fatalf("state = %v, want failed", result.State)
	}
	if saved := store.assistantMessages(); len(saved) != 0 {
		t.Fatalf("assistant messages = %d, want 0", len(saved))
	}
	if !events.has(model.TurnOutcomeFailed) {
		t.Errorf("missing failed event, got %v", events.outcomes)
	}
}

func TestRunMidStreamFailureSalvages(t *testing.T) {
	store := &memStore{}
	boom := errors.New("stream reset")
	adapter := &scriptedAdapter{fragments: []string{"par", "tial", "never"}, failAt: 3, err: boom}
	events := &eventRecorder{}
	coordinator := newTestCoordinator(t, store, adapter, events)
	recorder := &sinkRecorder{}

	result, err := coordinator.Run(context.Background(), 1, nil, recorder.sink)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want producer error surfaced", err)
	}
	if result.State != StateFailed {
		t.Fatalf("state = %v, want failed", result.State)
	}

	saved := store.assistantMessages()
	if len(saved) != 1 {
		t.Fatalf("assistant messages = %d, want 1", len(saved))
	}
	if saved[0].Content != "partial" {
		t.Errorf("salvaged content = %q, want %q", saved[0].Content, "partial")
	}
	if !events.has(model.TurnOutcomeSalvaged) {
		t.Errorf("missing salvaged event, got %v", events.outcomes)
	}
}

func TestRunContextCancelMidStream(t *testing.T) {
	store := &memStore{}
	adapter := &scriptedAdapter{fragments: fragments(10)}
	events := &eventRecorder{}
	coordinator := newTestCoordinator(t, store, adapter, events)

	ctx, cancel := context.WithCancel(context.Background())
	var received []string
	sink := func(fragment string) error {
		received = append(received, fragment)
		if len(received) == 2 {
			cancel()
		}
		return nil
	}

	result, err := coordinator.Run(ctx, 1, nil, sink)
	if err != nil {
		t.Fatalf("cancellation must not surface an error, got %v", err)
	}
	if result.State != StateCancelled {
		t.Fatalf("state = %v, want cancelled", result.State)
	}

	saved := store.assistantMessages()
	if len(saved) != 1 {
		t.Fatalf("assistant messages = %d, want 1", len(saved))
	}
	// The buffer holds both flushed fragments; nothing received after the
	// cancel was delivered at the next suspension point.
	if saved[0].Content != strings.Join(received, "") {
		t.Errorf("salvaged %q, sink saw %q", saved[0].Content, strings.Join(received, ""))
	}
}

func TestDispatchSalvageRunsOnce(t *testing.T) {
	store := &memStore{}
	events := &eventRecorder{}
	coordinator := newTestCoordinator(t, store, &scriptedAdapter{}, events)

	session := newStreamSession(3)
	session.state = StateCancelled
	session.buf.WriteString("half an answer")

	coordinator.dispatchSalvage(session)
	coordinator.dispatchSalvage(session)

	if saved := store.assistantMessages(); len(saved) != 1 {
		t.Fatalf("assistant messages = %d, want exactly 1 despite double dispatch", len(saved))
	}
}

func TestDispatchSalvageEmptyBufferWritesNothing(t *testing.T) {
	store := &memStore{}
	coordinator := newTestCoordinator(t, store, &scriptedAdapter{}, &eventRecorder{})

	session := newStreamSession(3)
	session.state = StateCancelled
	coordinator.dispatchSalvage(session)

	if saved := store.assistantMessages(); len(saved) != 0 {
		t.Fatalf("assistant messages = %d, want 0 for empty buffer", len(saved))
	}
}

func TestRunSalvageWriteFailureIsSilent(t *testing.T) {
	store := &memStore{appendErr: errors.New("pool exhausted")}
	adapter := &scriptedAdapter{fragments: fragments(5)}
	events := &eventRecorder{}
	coordinator := newTestCoordinator(t, store, adapter, events)
	recorder := &sinkRecorder{failOn: 2}

	result, err := coordinator.Run(context.Background(), 1, nil, recorder.sink)
	if err != nil {
		t.Fatalf("salvage failure must stay invisible, got %v", err)
	}
	if result.State != StateCancelled {
		t.Fatalf("state = %v, want cancelled", result.State)
	}
	if !events.has(model.TurnOutcomeSalvageFailed) {
		t.Errorf("missing salvage_failed event, got %v", events.outcomes)
	}
}

func TestRunStorageErrorOnCompletionSurfaced(t *testing.T) {
	store := &memStore{appendErr: errors.New("disk full")}
	adapter := &scriptedAdapter{fragments: []string{"all", " good"}}
	events := &eventRecorder{}
	coordinator := newTestCoordinator(t, store, adapter, events)
	recorder := &sinkRecorder{}

	result, err := coordinator.Run(context.Background(), 1, nil, recorder.sink)
	if err == nil {
		t.Fatal("storage failure on the normal path must surface")
	}
	if result.State != StateCompleted {
		t.Fatalf("state = %v, want completed", result.State)
	}
	// Fragments were already delivered; the error tells the client that
	// persistence failed, not that the stream did.
	if got := strings.Join(recorder.received, ""); got != "all good" {
		t.Errorf("sink received %q, want full stream", got)
	}
}

func TestRunIdleTimeoutBehavesLikeDisconnect(t *testing.T) {
	store := &memStore{}
	events := &eventRecorder{}
	adapter := &stallingAdapter{first: "before the stall"}
	coordinator := NewStreamCoordinator(store, adapter, events, zap.NewNop(), 20*time.Millisecond, time.Second)
	coordinator.spawn = func(task func()) { task() }
	recorder := &sinkRecorder{}

	result, err := coordinator.Run(context.Background(), 1, nil, recorder.sink)
	if err != nil {
		t.Fatalf("timeout must behave like a disconnect, got %v", err)
	}
	if result.State != StateCancelled {
		t.Fatalf("state = %v, want cancelled", result.State)
	}
	saved := store.assistantMessages()
	if len(saved) != 1 || saved[0].Content != "before the stall" {
		t.Fatalf("salvaged = %v, want the pre-stall fragment", saved)
	}
}

// stallingAdapter emits one fragment and then blocks until the context is
// cancelled, like a hung upstream.
type stallingAdapter struct {
	first string
}

func (a *stallingAdapter) Stream(ctx context.Context, _ []ai.ChatMessage, onFragment func(string) error) error {
	if err := onFragment(a.first); err != nil {
		return err
	}
	<-ctx.Done()
	return ctx.Err()
}
