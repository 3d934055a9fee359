// Package watchlist stores each user's watched tokens, with the last-seen
// market snapshot per token. Backed by the database when available, with a
// bounded in-process fallback otherwise.
package watchlist

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/zulandar/gemscout/internal/models"
)

// maxItemsPerUser bounds a single user's watchlist.
const maxItemsPerUser = 25

// ErrLimitReached is returned when a user's watchlist is full.
var ErrLimitReached = errors.New("watchlist: limit reached")

// Snapshot is the recorded market state for a watched token.
type Snapshot struct {
	PriceUSD          string
	LiquidityUSD      *float64
	Volume24hUSD      *float64
	PriceChange24hPct *float64
	At                time.Time
}

// Item is one watched token.
type Item struct {
	Chain         string
	Address       string
	Symbol        string
	Name          string
	AddedAt       time.Time
	LastCheckedAt *time.Time
	LastSnapshot  *Snapshot
}

// Store is the watchlist collaborator.
type Store interface {
	// Add inserts the token if not already present (idempotent per
	// chain+address).
	Add(ctx context.Context, platform, userID string, item Item) error
	// Remove deletes the token from the user's list.
	Remove(ctx context.Context, platform, userID, chain, address string) error
	// List returns the user's watched tokens in insertion order.
	List(ctx context.Context, platform, userID string) ([]Item, error)
	// Clear removes every token from the user's list.
	Clear(ctx context.Context, platform, userID string) error
	// RecordSnapshot stores a fresh market snapshot for the token.
	RecordSnapshot(ctx context.Context, platform, userID, chain, address string, snap Snapshot) error
	// Persistent reports whether the store survives restarts.
	Persistent() bool
}

// NewStore returns a database-backed store, or an in-process fallback when
// db is nil.
func NewStore(db *gorm.DB) Store {
	if db == nil {
		log.Printf("watchlist: no database configured; using in-process store")
		return &fallbackStore{byUser: make(map[string][]Item)}
	}
	return &dbStore{db: db}
}

type dbStore struct {
	db *gorm.DB
}

func (s *dbStore) Persistent() bool { return true }

func (s *dbStore) Add(ctx context.Context, platform, userID string, item Item) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.WatchItem{}).
			Where("platform = ? AND user_id = ?", platform, userID).
			Count(&count).Error; err != nil {
			return err
		}
		if count >= maxItemsPerUser {
			return ErrLimitReached
		}
		var existing models.WatchItem
		res := tx.Where("platform = ? AND user_id = ? AND chain = ? AND address = ?",
			platform, userID, item.Chain, item.Address).First(&existing)
		if res.Error == nil {
			return nil // already watched
		}
		if !errors.Is(res.Error, gorm.ErrRecordNotFound) {
			return res.Error
		}
		addedAt := item.AddedAt
		if addedAt.IsZero() {
			addedAt = time.Now()
		}
		return tx.Create(&models.WatchItem{
			Platform: platform,
			UserID:   userID,
			Chain:    item.Chain,
			Address:  item.Address,
			Symbol:   item.Symbol,
			Name:     item.Name,
			AddedAt:  addedAt,
		}).Error
	})
	if err != nil {
		if errors.Is(err, ErrLimitReached) {
			return err
		}
		return fmt.Errorf("watchlist: add: %w", err)
	}
	return nil
}

func (s *dbStore) Remove(ctx context.Context, platform, userID, chain, address string) error {
	err := s.db.WithContext(ctx).
		Where("platform = ? AND user_id = ? AND chain = ? AND address = ?", platform, userID, chain, address).
		Delete(&models.WatchItem{}).Error
	if err != nil {
		return fmt.Errorf("watchlist: remove: %w", err)
	}
	return nil
}

func (s *dbStore) List(ctx context.Context, platform, userID string) ([]Item, error) {
	var rows []models.WatchItem
	err := s.db.WithContext(ctx).
		Where("platform = ? AND user_id = ?", platform, userID).
		Order("id ASC").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("watchlist: list: %w", err)
	}
	items := make([]Item, len(rows))
	for i, r := range rows {
		items[i] = itemFromModel(r)
	}
	return items, nil
}

func itemFromModel(r models.WatchItem) Item {
	item := Item{
		Chain:         r.Chain,
		Address:       r.Address,
		Symbol:        r.Symbol,
		Name:          r.Name,
		AddedAt:       r.AddedAt,
		LastCheckedAt: r.LastCheckedAt,
	}
	if r.SnapshotAt != nil {
		item.LastSnapshot = &Snapshot{
			PriceUSD:          r.PriceUSD,
			LiquidityUSD:      r.LiquidityUSD,
			Volume24hUSD:      r.Volume24hUSD,
			PriceChange24hPct: r.PriceChange24hPct,
			At:                *r.SnapshotAt,
		}
	}
	return item
}

func (s *dbStore) Clear(ctx context.Context, platform, userID string) error {
	err := s.db.WithContext(ctx).
		Where("platform = ? AND user_id = ?", platform, userID).
		Delete(&models.WatchItem{}).Error
	if err != nil {
		return fmt.Errorf("watchlist: clear: %w", err)
	}
	return nil
}

func (s *dbStore) RecordSnapshot(ctx context.Context, platform, userID, chain, address string, snap Snapshot) error {
	now := time.Now()
	at := snap.At
	if at.IsZero() {
		at = now
	}
	err := s.db.WithContext(ctx).Model(&models.WatchItem{}).
		Where("platform = ? AND user_id = ? AND chain = ? AND address = ?", platform, userID, chain, address).
		Updates(map[string]interface{}{
			"last_checked_at":      now,
			"price_usd":            snap.PriceUSD,
			"liquidity_usd":        snap.LiquidityUSD,
			"volume24h_usd":        snap.Volume24hUSD,
			"price_change24h_pct":  snap.PriceChange24hPct,
			"snapshot_at":          at,
		}).Error
	if err != nil {
		return fmt.Errorf("watchlist: record snapshot: %w", err)
	}
	return nil
}

type fallbackStore struct {
	mu     sync.Mutex
	byUser map[string][]Item
}

func (s *fallbackStore) Persistent() bool { return false }

func userKey(platform, userID string) string { return platform + ":" + userID }

func (s *fallbackStore) Add(ctx context.Context, platform, userID string, item Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := userKey(platform, userID)
	arr := s.byUser[k]
	if len(arr) >= maxItemsPerUser {
		return ErrLimitReached
	}
	for _, x := range arr {
		if x.Chain == item.Chain && x.Address == item.Address {
			return nil
		}
	}
	if item.AddedAt.IsZero() {
		item.AddedAt = time.Now()
	}
	s.byUser[k] = append(arr, item)
	return nil
}

func (s *fallbackStore) Remove(ctx context.Context, platform, userID, chain, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := userKey(platform, userID)
	arr := s.byUser[k]
	next := arr[:0]
	for _, x := range arr {
		if !(x.Chain == chain && x.Address == address) {
			next = append(next, x)
		}
	}
	s.byUser[k] = next
	return nil
}

func (s *fallbackStore) List(ctx context.Context, platform, userID string) ([]Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	arr := s.byUser[userKey(platform, userID)]
	out := make([]Item, len(arr))
	copy(out, arr)
	return out, nil
}

func (s *fallbackStore) Clear(ctx context.Context, platform, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byUser, userKey(platform, userID))
	return nil
}

func (s *fallbackStore) RecordSnapshot(ctx context.Context, platform, userID, chain, address string, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if snap.At.IsZero() {
		snap.At = now
	}
	arr := s.byUser[userKey(platform, userID)]
	for i := range arr {
		if arr[i].Chain == chain && arr[i].Address == address {
			arr[i].LastCheckedAt = &now
			cp := snap
			arr[i].LastSnapshot = &cp
		}
	}
	return nil
}
