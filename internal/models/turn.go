package models

import "time"

// MemoryTurn is a single role-tagged message in a conversation's history.
// Conversations are scoped by (platform, user, chat); the agent replays a
// bounded window of recent turns when building reasoning prompts.
type MemoryTurn struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	Platform  string    `gorm:"size:16;not null;index:idx_turn_scope"`
	UserID    string    `gorm:"size:64;not null;index:idx_turn_scope"`
	ChatID    string    `gorm:"size:64;index:idx_turn_scope"`
	Role      string    `gorm:"size:16;not null"` // "user" or "assistant"
	Text      string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"index"`
}
