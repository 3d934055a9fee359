package models

import "time"

// WatchItem is one token on a user's watchlist. The last-seen market
// snapshot is stored inline so the alerts poller can compare cycles
// without a separate table.
type WatchItem struct {
	ID       uint   `gorm:"primaryKey;autoIncrement"`
	Platform string `gorm:"size:16;not null;uniqueIndex:idx_watch_token"`
	UserID   string `gorm:"size:64;not null;uniqueIndex:idx_watch_token"`
	Chain    string `gorm:"size:32;uniqueIndex:idx_watch_token"`
	Address  string `gorm:"size:128;not null;uniqueIndex:idx_watch_token"`
	Symbol   string `gorm:"size:32"`
	Name     string `gorm:"size:128"`

	AddedAt       time.Time
	LastCheckedAt *time.Time

	// Last market snapshot (best-effort, may be absent).
	PriceUSD          string `gorm:"size:32"`
	LiquidityUSD      *float64
	Volume24hUSD      *float64
	PriceChange24hPct *float64
	SnapshotAt        *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}
