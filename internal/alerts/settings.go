// Package alerts holds per-user alert opt-in settings and the background
// runner that polls watched tokens for volume spikes and liquidity drops.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"gorm.io/gorm"

	"github.com/zulandar/gemscout/internal/models"
)

// SettingsStore is the alert opt-in collaborator.
type SettingsStore interface {
	// SetEnabled records the user's alert preference.
	SetEnabled(ctx context.Context, platform, userID string, enabled bool) error
	// Enabled returns the user's current preference (false when unset).
	Enabled(ctx context.Context, platform, userID string) (bool, error)
	// ListEnabled returns user IDs with alerts on, up to limit.
	ListEnabled(ctx context.Context, platform string, limit int) ([]string, error)
	// Persistent reports whether the store survives restarts.
	Persistent() bool
}

// NewSettingsStore returns a database-backed store, or an in-process
// fallback when db is nil.
func NewSettingsStore(db *gorm.DB) SettingsStore {
	if db == nil {
		log.Printf("alerts: no database configured; using in-process settings store")
		return &fallbackSettings{byUser: make(map[string]bool)}
	}
	return &dbSettings{db: db}
}

type dbSettings struct {
	db *gorm.DB
}

func (s *dbSettings) Persistent() bool { return true }

func (s *dbSettings) SetEnabled(ctx context.Context, platform, userID string, enabled bool) error {
	var row models.AlertSetting
	err := s.db.WithContext(ctx).
		Where("platform = ? AND user_id = ?", platform, userID).
		First(&row).Error
	switch {
	case err == nil:
		row.Enabled = enabled
		err = s.db.WithContext(ctx).Save(&row).Error
	case errors.Is(err, gorm.ErrRecordNotFound):
		err = s.db.WithContext(ctx).Create(&models.AlertSetting{
			Platform: platform,
			UserID:   userID,
			Enabled:  enabled,
		}).Error
	}
	if err != nil {
		return fmt.Errorf("alerts: set enabled: %w", err)
	}
	return nil
}

func (s *dbSettings) Enabled(ctx context.Context, platform, userID string) (bool, error) {
	var row models.AlertSetting
	err := s.db.WithContext(ctx).
		Where("platform = ? AND user_id = ?", platform, userID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("alerts: get enabled: %w", err)
	}
	return row.Enabled, nil
}

func (s *dbSettings) ListEnabled(ctx context.Context, platform string, limit int) ([]string, error) {
	var rows []models.AlertSetting
	err := s.db.WithContext(ctx).
		Where("platform = ? AND enabled = ?", platform, true).
		Order("id ASC").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("alerts: list enabled: %w", err)
	}
	users := make([]string, len(rows))
	for i, r := range rows {
		users[i] = r.UserID
	}
	return users, nil
}

type fallbackSettings struct {
	mu     sync.Mutex
	byUser map[string]bool
}

func (s *fallbackSettings) Persistent() bool { return false }

func settingKey(platform, userID string) string { return platform + ":" + userID }

func (s *fallbackSettings) SetEnabled(ctx context.Context, platform, userID string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byUser[settingKey(platform, userID)] = enabled
	return nil
}

func (s *fallbackSettings) Enabled(ctx context.Context, platform, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byUser[settingKey(platform, userID)], nil
}

func (s *fallbackSettings) ListEnabled(ctx context.Context, platform string, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := platform + ":"
	var users []string
	for k, enabled := range s.byUser {
		if !enabled || len(users) >= limit {
			continue
		}
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			users = append(users, k[len(prefix):])
		}
	}
	return users, nil
}
