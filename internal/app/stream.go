package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chatstream/internal/ai"
	"chatstream/internal/model"
)

// StreamState is the lifecycle of one streamed turn:
// INIT -> STREAMING -> COMPLETED | CANCELLED | FAILED (terminal).
type StreamState int

const (
	StateInit StreamState = iota
	StateStreaming
	StateCompleted
	StateCancelled
	StateFailed
)

func (s StreamState) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MessageStore is the durable append-only message log. Implementations must
// scope their pool handle to the given context, so the detached salvage task
// can write with its own context while the request's handle is torn down.
type MessageStore interface {
	Append(ctx context.Context, message *model.Message) error
	LoadRecent(ctx context.Context, conversationID uint, limit int) ([]model.Message, error)
	LoadRecentBefore(ctx context.Context, conversationID, beforeID uint, limit int) ([]model.Message, error)
	LoadAll(ctx context.Context, conversationID uint) ([]model.Message, error)
}

// ModelAdapter produces a lazy, ordered, non-restartable fragment sequence.
// It may fail before the first fragment or at any point mid-stream. An error
// returned by onFragment must abort the stream and come back unwrapped.
type ModelAdapter interface {
	Stream(ctx context.Context, messages []ai.ChatMessage, onFragment func(fragment string) error) error
}

// TurnEventSink receives non-authoritative turn lifecycle audit events.
type TurnEventSink interface {
	Publish(ctx context.Context, event model.TurnEvent) error
}

// FragmentSink delivers one fragment to the client. A returned error means
// the client-facing channel can no longer accept data; a timeout is modeled
// the same way as a disconnect.
type FragmentSink func(fragment string) error

// sinkClosedError marks errors that came from the client sink rather than
// the model producer, so the coordinator can tell a disconnect from a
// producer failure.
type sinkClosedError struct {
	err error
}

func (e sinkClosedError) Error() string {
	return "client sink closed: " + e.err.Error()
}

func (e sinkClosedError) Unwrap() error {
	return e.err
}

// StreamSession is the ephemeral per-request state: one per in-flight turn,
// destroyed when the terminal write attempt has been dispatched. The buffer
// is append-only for the session's lifetime; fragments are never removed,
// even on cancellation.
type StreamSession struct {
	ID             string
	ConversationID uint

	state       StreamState
	buf         strings.Builder
	salvageDone bool
}

func newStreamSession(conversationID uint) *StreamSession {
	return &StreamSession{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		state:          StateInit,
	}
}

// StreamResult is what a terminated session reports back to the transport.
type StreamResult struct {
	State     StreamState
	Content   string
	Persisted *model.Message
}

// StreamCoordinator drives fragment hand-off to the client sink while
// accumulating the full response, and owns the per-request state machine.
// Exactly one of {no write, normal write, salvage write} happens per turn.
type StreamCoordinator struct {
	store          MessageStore
	adapter        ModelAdapter
	events         TurnEventSink
	logger         *zap.Logger
	idleTimeout    time.Duration
	salvageTimeout time.Duration

	// spawn runs the detached salvage task; tests swap it for a synchronous
	// runner.
	spawn func(task func())
}

func NewStreamCoordinator(
	store MessageStore,
	adapter ModelAdapter,
	events TurnEventSink,
	logger *zap.Logger,
	idleTimeout time.Duration,
	salvageTimeout time.Duration,
) *StreamCoordinator {
	if salvageTimeout <= 0 {
		salvageTimeout = 10 * time.Second
	}
	return &StreamCoordinator{
		store:          store,
		adapter:        adapter,
		events:         events,
		logger:         logger,
		idleTimeout:    idleTimeout,
		salvageTimeout: salvageTimeout,
		spawn:          func(task func()) { go task() },
	}
}

// Run streams one turn. Fragments are appended to the session buffer before
// the sink flush or the next producer await: a cancellation landing at either
// suspension point can never lose a received fragment. Cancellation is
// cooperative and observed at suspension points only.
func (c *StreamCoordinator) Run(
	ctx context.Context,
	conversationID uint,
	prompt []ai.ChatMessage,
	sink FragmentSink,
) (*StreamResult, error) {
	session := newStreamSession(conversationID)

	streamCtx, cancelStream := context.WithCancel(ctx)
	defer cancelStream()

	// Idle watchdog: no fragment within idleTimeout is treated exactly like
	// a client disconnect.
	var idle *time.Timer
	if c.idleTimeout > 0 {
		idle = time.AfterFunc(c.idleTimeout, cancelStream)
		defer idle.Stop()
	}

	session.state = StateStreaming
	streamErr := c.adapter.Stream(streamCtx, prompt, func(fragment string) error {
		// Buffer append is synchronous and happens first; only then may the
		// coordinator suspend to flush or to await the next fragment.
		session.buf.WriteString(fragment)
		if idle != nil {
			idle.Reset(c.idleTimeout)
		}
		if err := sink(fragment); err != nil {
			return sinkClosedError{err: err}
		}
		return nil
	})

	switch {
	case streamErr == nil:
		return c.complete(ctx, session)
	case isCancellation(streamErr) || streamCtx.Err() != nil:
		session.state = StateCancelled
		c.dispatchSalvage(session)
		// A disconnect is invisible to the user; they already left.
		return &StreamResult{State: StateCancelled, Content: session.buf.String()}, nil
	default:
		session.state = StateFailed
		if session.buf.Len() > 0 {
			// Mid-stream producer failure: best-effort partial salvage, and
			// the error still surfaces to any still-connected caller.
			c.dispatchSalvage(session)
		} else {
			c.publishOutcome(session, model.TurnOutcomeFailed, streamErr.Error())
		}
		return &StreamResult{State: StateFailed, Content: session.buf.String()}, streamErr
	}
}

func (c *StreamCoordinator) complete(ctx context.Context, session *StreamSession) (*StreamResult, error) {
	session.state = StateCompleted
	content := session.buf.String()
	if content == "" {
		c.publishOutcome(session, model.TurnOutcomeCompleted, "empty response")
		return &StreamResult{State: StateCompleted}, nil
	}

	message := &model.Message{
		ConversationID: session.ConversationID,
		Role:           model.RoleAssistant,
		Content:        content,
		CreatedAt:      time.Now(),
	}
	// The write inherits values but not cancellation from the request
	// context: a disconnect arriving now must not abort an in-flight write.
	if err := c.store.Append(context.WithoutCancel(ctx), message); err != nil {
		c.logger.Error("persist assistant response failed",
			zap.String("session_id", session.ID),
			zap.Uint("conversation_id", session.ConversationID),
			zap.Error(err),
		)
		c.publishOutcome(session, model.TurnOutcomeFailed, "storage: "+err.Error())
		// The client is still connected and deserves to know persistence
		// failed, even though the fragments were already delivered.
		return &StreamResult{State: StateCompleted, Content: content}, fmt.Errorf("persist assistant response: %w", err)
	}

	c.publishOutcome(session, model.TurnOutcomeCompleted, "")
	return &StreamResult{State: StateCompleted, Content: content, Persisted: message}, nil
}

// dispatchSalvage is the cancellation handler: invoked at most once per
// session, it snapshots the buffer and schedules a detached write with a
// fresh pool handle. The snapshot is safe without locking because fragment
// appends are single-threaded per session and have already stopped.
func (c *StreamCoordinator) dispatchSalvage(session *StreamSession) {
	if session.salvageDone {
		return
	}
	session.salvageDone = true

	snapshot := session.buf.String()
	if snapshot == "" {
		c.publishOutcome(session, outcomeForState(session.state), "no content to salvage")
		return
	}

	c.logger.Warn("stream interrupted, salvaging partial response",
		zap.String("session_id", session.ID),
		zap.Uint("conversation_id", session.ConversationID),
		zap.String("state", session.state.String()),
		zap.Int("content_len", len(snapshot)),
	)

	c.spawn(func() {
		// Independent of the dying request context and its resources.
		ctx, cancel := context.WithTimeout(context.Background(), c.salvageTimeout)
		defer cancel()

		message := &model.Message{
			ConversationID: session.ConversationID,
			Role:           model.RoleAssistant,
			Content:        snapshot,
			CreatedAt:      time.Now(),
		}
		if err := c.store.Append(ctx, message); err != nil {
			// No one is listening; log, emit the audit event, no retry.
			c.logger.Error("salvage write failed",
				zap.String("session_id", session.ID),
				zap.Uint("conversation_id", session.ConversationID),
				zap.Int("content_len", len(snapshot)),
				zap.Error(err),
			)
			c.publishOutcome(session, model.TurnOutcomeSalvageFailed, err.Error())
			return
		}

		c.logger.Info("salvaged partial assistant response",
			zap.String("session_id", session.ID),
			zap.Uint("conversation_id", session.ConversationID),
			zap.Int("content_len", len(snapshot)),
		)
		c.publishOutcome(session, model.TurnOutcomeSalvaged, "")
	})
}

func (c *StreamCoordinator) publishOutcome(session *StreamSession, outcome, detail string) {
	if c.events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	event := model.TurnEvent{
		SessionID:      session.ID,
		ConversationID: session.ConversationID,
		Outcome:        outcome,
		ContentLen:     session.buf.Len(),
		Detail:         detail,
		OccurredAt:     time.Now(),
	}
	if err := c.events.Publish(ctx, event); err != nil {
		c.logger.Warn("publish turn event failed",
			zap.String("session_id", session.ID),
			zap.String("outcome", outcome),
			zap.Error(err),
		)
	}
}

func isCancellation(err error) bool {
	var closed sinkClosedError
	if errors.As(err, &closed) {
		return true
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func outcomeForState(state StreamState) string {
	if state == StateFailed {
		return model.TurnOutcomeFailed
	}
	return model.TurnOutcomeCancelled
}
