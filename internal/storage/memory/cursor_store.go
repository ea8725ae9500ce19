package memory

import (
	"context"
	"sync"
	"time"

	"allocation-keeper/internal/domain"
	"allocation-keeper/internal/storage"
)

// CursorStore is an in-memory implementation of storage.CursorStore.
type CursorStore struct {
	mu     sync.RWMutex
	cursor *domain.Cursor
	writes int
}

// NewCursorStore creates a new in-memory cursor store.
func NewCursorStore() *CursorStore {
	return &CursorStore{}
}

// GetCursor returns the last processed block.
func (s *CursorStore) GetCursor(_ context.Context) (*domain.Cursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.cursor == nil {
		return nil, storage.ErrNotFound
	}

	c := *s.cursor
	return &c, nil
}

// SetCursor saves the last processed block.
func (s *CursorStore) SetCursor(_ context.Context, block uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cursor = &domain.Cursor{
		LastProcessedBlock: block,
		UpdatedAt:          time.Now().Unix(),
	}
	s.writes++
	return nil
}

// Writes returns how many times the cursor was persisted.
func (s *CursorStore) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}
