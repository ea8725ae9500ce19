package storage

import (
	"context"
	"time"

	"allocation-keeper/internal/domain"
)

// RecommendationStore provides access to recommendations storage.
// Documents are never deleted; status transitions are the only lifecycle mutation.
type RecommendationStore interface {
	// Insert adds a new pending recommendation. Returns ErrDuplicateKey if id exists.
	Insert(ctx context.Context, r *domain.Recommendation) error

	// GetByID retrieves a recommendation by its ID. Returns ErrNotFound if not exists.
	GetByID(ctx context.Context, id string) (*domain.Recommendation, error)

	// NextPending returns the newest recommendation with status pending,
	// submitted=false and deadline > now. Returns ErrNotFound if none qualifies.
	NextPending(ctx context.Context, now time.Time) (*domain.Recommendation, error)

	// ListByStatus retrieves recommendations with the given status, newest first.
	ListByStatus(ctx context.Context, status domain.RecommendationStatus, limit int) ([]*domain.Recommendation, error)

	// UpdateNonce overwrites the recorded nonce of a pending recommendation.
	UpdateNonce(ctx context.Context, id string, nonce uint64) error

	// MarkExecuted records a confirmed submission.
	MarkExecuted(ctx context.Context, id string, result SubmissionResult) error

	// MarkFailed records a terminal failure with its reason.
	MarkFailed(ctx context.Context, id string, reason string, txHash string) error

	// MarkExpired records a deadline rejection.
	MarkExpired(ctx context.Context, id string) error

	// ExpireStale marks every pending, unsubmitted recommendation whose deadline
	// is before now as expired. Returns the number of documents changed.
	ExpireStale(ctx context.Context, now time.Time) (int, error)
}

// SubmissionResult holds the confirmation details of an executed recommendation.
type SubmissionResult struct {
	TxHash      string
	BlockNumber uint64
	GasUsed     uint64
}

// DepositStore provides access to deposit_events storage. Append-only.
type DepositStore interface {
	// Insert adds a deposit record. Returns ErrDuplicateKey if (tx_hash, log_index) exists.
	Insert(ctx context.Context, d *domain.DepositRecord) error

	// GetByBlockRange retrieves deposits within [from, to] (inclusive), ordered by block, log index.
	GetByBlockRange(ctx context.Context, from, to uint64) ([]*domain.DepositRecord, error)
}

// RebalanceStore provides access to rebalance_events storage. Append-only.
type RebalanceStore interface {
	// Insert adds a rebalance record. Returns ErrDuplicateKey if tx_hash exists.
	Insert(ctx context.Context, r *domain.RebalanceRecord) error

	// GetRecent retrieves the latest rebalances, newest first.
	GetRecent(ctx context.Context, limit int) ([]*domain.RebalanceRecord, error)
}
