package model

import "time"

// Turn lifecycle outcomes published to the audit queue. These mirror the
// terminal states of a stream session; persistence of the messages themselves
// is synchronous and never goes through the queue.
const (
	TurnOutcomeCompleted     = "completed"
	TurnOutcomeCancelled     = "cancelled"
	TurnOutcomeFailed        = "failed"
	TurnOutcomeSalvaged      = "salvaged"
	TurnOutcomeSalvageFailed = "salvage_failed"
)

// TurnEvent is a non-authoritative audit record of how a streamed turn ended.
type TurnEvent struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	SessionID      string    `gorm:"size:36;not null;index" json:"session_id"`
	ConversationID uint      `gorm:"not null;index" json:"conversation_id"`
	Outcome        string    `gorm:"size:32;not null" json:"outcome"`
	ContentLen     int       `gorm:"not null" json:"content_len"`
	Detail         string    `gorm:"size:512" json:"detail,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}
