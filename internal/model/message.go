package model

import "time"

// Role is the closed set of message authors. Invalid values are rejected at
// the boundary instead of being stored as free-form strings.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Message rows are append-only: never updated after creation, corrections are
// new rows. Recall order is (created_at, id); id breaks timestamp ties.
type Message struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	ConversationID uint      `gorm:"not null;index" json:"conversation_id"`
	Role           Role      `gorm:"size:16;not null" json:"role"`
	Content        string    `gorm:"type:text;not null" json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}
