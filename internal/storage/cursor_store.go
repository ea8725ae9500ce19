package storage

import (
	"context"

	"allocation-keeper/internal/domain"
)

// CursorStore provides persistence for the deposit scanner position.
// This enables resumption after restarts without re-scanning or skipping block ranges.
type CursorStore interface {
	// GetCursor returns the last processed block.
	// Returns ErrNotFound if no cursor has been saved yet.
	GetCursor(ctx context.Context) (*domain.Cursor, error)

	// SetCursor saves the last processed block.
	SetCursor(ctx context.Context, block uint64) error
}
