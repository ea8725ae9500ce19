package postgres

import (
	"context"
	"fmt"

	"allocation-keeper/internal/domain"
	"allocation-keeper/internal/storage"
)

// CursorStore is a PostgreSQL implementation of storage.CursorStore.
// The cursor lives in the single row (id = 1) of keeper_state.
type CursorStore struct {
	pool *Pool
}

// NewCursorStore creates a new PostgreSQL cursor store.
func NewCursorStore(pool *Pool) *CursorStore {
	return &CursorStore{pool: pool}
}

// Compile-time interface check.
var _ storage.CursorStore = (*CursorStore)(nil)

// GetCursor returns the last processed block.
func (s *CursorStore) GetCursor(ctx context.Context) (*domain.Cursor, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT last_processed_block, EXTRACT(EPOCH FROM updated_at)::BIGINT
		FROM keeper_state
		WHERE id = 1
	`)

	var block int64
	var cursor domain.Cursor
	if err := row.Scan(&block, &cursor.UpdatedAt); err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get cursor: %w", err)
	}

	cursor.LastProcessedBlock = uint64(block)
	return &cursor, nil
}

// SetCursor saves the last processed block.
// Uses upsert to handle initial insert and subsequent updates.
func (s *CursorStore) SetCursor(ctx context.Context, block uint64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO keeper_state (id, last_processed_block, updated_at)
		VALUES (1, $1, NOW())
		ON CONFLICT (id) DO UPDATE
		SET last_processed_block = EXCLUDED.last_processed_block,
		    updated_at = NOW()
	`, int64(block))
	if err != nil {
		return fmt.Errorf("set cursor: %w", err)
	}
	return nil
}
