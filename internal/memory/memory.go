// Package memory stores per-conversation chat history. The store is a
// collaborator with no persistence guarantee: when no database is
// configured it degrades to a bounded in-process buffer.
package memory

import (
	"context"
	"fmt"
	"log"
	"sync"

	"gorm.io/gorm"

	"github.com/zulandar/gemscout/internal/models"
)

// Turn is one role-tagged message in a conversation.
type Turn struct {
	Role string
	Text string
}

const (
	// maxStoredTurnLen bounds a single stored turn.
	maxStoredTurnLen = 4000
	// fallbackCap bounds per-conversation history in the in-process store.
	fallbackCap = 50
)

// Store is the conversation history collaborator.
type Store interface {
	// AddTurn appends a turn to the conversation's history.
	AddTurn(ctx context.Context, platform, userID, chatID, role, text string) error
	// RecentTurns returns up to limit most recent turns, oldest first.
	RecentTurns(ctx context.Context, platform, userID, chatID string, limit int) ([]Turn, error)
	// Clear removes the conversation's history.
	Clear(ctx context.Context, platform, userID, chatID string) error
}

// NewStore returns a database-backed store, or an in-process fallback when
// db is nil.
func NewStore(db *gorm.DB) Store {
	if db == nil {
		log.Printf("memory: no database configured; using in-process store")
		return &fallbackStore{byConv: make(map[string][]Turn)}
	}
	return &dbStore{db: db}
}

func clampTurn(text string) string {
	if len(text) > maxStoredTurnLen {
		return text[:maxStoredTurnLen]
	}
	return text
}

type dbStore struct {
	db *gorm.DB
}

func (s *dbStore) AddTurn(ctx context.Context, platform, userID, chatID, role, text string) error {
	turn := models.MemoryTurn{
		Platform: platform,
		UserID:   userID,
		ChatID:   chatID,
		Role:     role,
		Text:     clampTurn(text),
	}
	if err := s.db.WithContext(ctx).Create(&turn).Error; err != nil {
		return fmt.Errorf("memory: add turn: %w", err)
	}
	return nil
}

func (s *dbStore) RecentTurns(ctx context.Context, platform, userID, chatID string, limit int) ([]Turn, error) {
	q := s.db.WithContext(ctx).
		Where("platform = ? AND user_id = ?", platform, userID)
	if chatID != "" {
		q = q.Where("chat_id = ?", chatID)
	}
	var rows []models.MemoryTurn
	if err := q.Order("created_at DESC, id DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("memory: recent turns: %w", err)
	}
	// Query is most-recent-first; replay oldest first for the prompt.
	turns := make([]Turn, len(rows))
	for i, r := range rows {
		turns[len(rows)-1-i] = Turn{Role: r.Role, Text: r.Text}
	}
	return turns, nil
}

func (s *dbStore) Clear(ctx context.Context, platform, userID, chatID string) error {
	q := s.db.WithContext(ctx).Where("platform = ? AND user_id = ?", platform, userID)
	if chatID != "" {
		q = q.Where("chat_id = ?", chatID)
	}
	if err := q.Delete(&models.MemoryTurn{}).Error; err != nil {
		return fmt.Errorf("memory: clear: %w", err)
	}
	return nil
}

type fallbackStore struct {
	mu     sync.Mutex
	byConv map[string][]Turn
}

func convKey(platform, userID, chatID string) string {
	return platform + ":" + userID + ":" + chatID
}

func (s *fallbackStore) AddTurn(ctx context.Context, platform, userID, chatID, role, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := convKey(platform, userID, chatID)
	arr := append(s.byConv[k], Turn{Role: role, Text: clampTurn(text)})
	if len(arr) > fallbackCap {
		arr = arr[len(arr)-fallbackCap:]
	}
	s.byConv[k] = arr
	return nil
}

func (s *fallbackStore) RecentTurns(ctx context.Context, platform, userID, chatID string, limit int) ([]Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	arr := s.byConv[convKey(platform, userID, chatID)]
	if len(arr) > limit {
		arr = arr[len(arr)-limit:]
	}
	out := make([]Turn, len(arr))
	copy(out, arr)
	return out, nil
}

func (s *fallbackStore) Clear(ctx context.Context, platform, userID, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byConv, convKey(platform, userID, chatID))
	return nil
}
