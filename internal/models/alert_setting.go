package models

import "time"

// AlertSetting records a user's alert opt-in. One row per (platform, user).
type AlertSetting struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	Platform  string `gorm:"size:16;not null;uniqueIndex:idx_alert_user"`
	UserID    string `gorm:"size:64;not null;uniqueIndex:idx_alert_user"`
	Enabled   bool   `gorm:"default:false;index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}
