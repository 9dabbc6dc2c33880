package model

import "time"

// Conversation ownership is enforced at the application layer; the schema
// carries no cross-table foreign keys.
type Conversation struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UserID    uint      `gorm:"not null;index" json:"user_id"`
	Name      string    `gorm:"size:128" json:"name"`
	CreatedAt time.Time `json:"created_at"`
}
