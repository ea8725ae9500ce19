package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"allocation-keeper/internal/domain"
	"allocation-keeper/internal/storage"
)

// RecommendationStore implements storage.RecommendationStore using PostgreSQL.
type RecommendationStore struct {
	pool *Pool
}

// NewRecommendationStore creates a new RecommendationStore.
func NewRecommendationStore(pool *Pool) *RecommendationStore {
	return &RecommendationStore{pool: pool}
}

// Compile-time interface check.
var _ storage.RecommendationStore = (*RecommendationStore)(nil)

const recommendationColumns = `
	id, signer_address, nonce, deadline, allocation_indices, allocation_weights,
	confidence, model_version, created_at, signature, status, submitted,
	tx_hash, block_number, gas_used, error_reason, updated_at
`

// Insert adds a new recommendation. An empty ID is filled with a random UUID.
func (s *RecommendationStore) Insert(ctx context.Context, r *domain.Recommendation) error {
	if r == nil || r.Confidence == nil {
		return storage.ErrInvalidInput
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Status == "" {
		r.Status = domain.StatusPending
	}
	if !r.Status.IsValid() {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO recommendations (
			id, signer_address, nonce, deadline, allocation_indices, allocation_weights,
			confidence, model_version, created_at, signature, status, submitted, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	_, err := s.pool.Exec(ctx, query,
		r.ID,
		r.SignerAddress,
		int64(r.Nonce),
		r.Deadline,
		toInt64s(r.AllocationIndices),
		toInt64s(r.AllocationWeights),
		toNumeric(r.Confidence),
		r.ModelVersion,
		r.CreatedAt,
		r.Signature,
		string(r.Status),
		r.Submitted,
		time.Now().Unix(),
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert recommendation: %w", err)
	}
	return nil
}

// GetByID retrieves a recommendation by its ID.
func (s *RecommendationStore) GetByID(ctx context.Context, id string) (*domain.Recommendation, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+recommendationColumns+` FROM recommendations WHERE id = $1`, id)

	r, err := scanRecommendation(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get recommendation: %w", err)
	}
	return r, nil
}

// NextPending returns the newest eligible pending recommendation.
func (s *RecommendationStore) NextPending(ctx context.Context, now time.Time) (*domain.Recommendation, error) {
	query := `SELECT ` + recommendationColumns + `
		FROM recommendations
		WHERE status = 'pending' AND submitted = FALSE AND deadline > $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`

	r, err := scanRecommendation(s.pool.QueryRow(ctx, query, now.Unix()))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get next pending recommendation: %w", err)
	}
	return r, nil
}

// ListByStatus retrieves recommendations with the given status, newest first.
func (s *RecommendationStore) ListByStatus(ctx context.Context, status domain.RecommendationStatus, limit int) ([]*domain.Recommendation, error) {
	query := `SELECT ` + recommendationColumns + `
		FROM recommendations
		WHERE status = $1
		ORDER BY created_at DESC, id DESC
	`
	args := []any{string(status)}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list recommendations by status: %w", err)
	}
	defer rows.Close()

	var result []*domain.Recommendation
	for rows.Next() {
		r, err := scanRecommendation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recommendation row: %w", err)
		}
		result = append(result, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recommendation rows: %w", err)
	}
	return result, nil
}

// UpdateNonce overwrites the recorded nonce of a pending recommendation.
func (s *RecommendationStore) UpdateNonce(ctx context.Context, id string, nonce uint64) error {
	return s.updatePending(ctx, "update nonce", id, `nonce = $2`, int64(nonce))
}

// MarkExecuted records a confirmed submission.
func (s *RecommendationStore) MarkExecuted(ctx context.Context, id string, result storage.SubmissionResult) error {
	return s.updatePending(ctx, "mark executed", id,
		`status = 'executed', submitted = TRUE, tx_hash = $2, block_number = $3, gas_used = $4`,
		result.TxHash, int64(result.BlockNumber), int64(result.GasUsed))
}

// MarkFailed records a terminal failure. A non-empty txHash marks the
// recommendation as submitted.
func (s *RecommendationStore) MarkFailed(ctx context.Context, id string, reason string, txHash string) error {
	var hash *string
	if txHash != "" {
		hash = &txHash
	}
	return s.updatePending(ctx, "mark failed", id,
		`status = 'failed', error_reason = $2, tx_hash = COALESCE($3, tx_hash), submitted = submitted OR $3::TEXT IS NOT NULL`,
		reason, hash)
}

// MarkExpired records a deadline rejection.
func (s *RecommendationStore) MarkExpired(ctx context.Context, id string) error {
	return s.updatePending(ctx, "mark expired", id, `status = 'expired', error_reason = 'expired'`)
}

// ExpireStale marks stale pending recommendations as expired.
func (s *RecommendationStore) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE recommendations
		SET status = 'expired', error_reason = 'expired', updated_at = $2
		WHERE status = 'pending' AND submitted = FALSE AND deadline < $1
	`, now.Unix(), time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("expire stale recommendations: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// updatePending applies set to a pending row. Placeholders in set start at $2;
// updated_at is appended as the last parameter.
func (s *RecommendationStore) updatePending(ctx context.Context, op, id, set string, args ...any) error {
	updatedAtParam := len(args) + 2
	query := fmt.Sprintf(`
		UPDATE recommendations
		SET %s, updated_at = $%d
		WHERE id = $1 AND status = 'pending'
	`, set, updatedAtParam)

	params := append([]any{id}, args...)
	params = append(params, time.Now().Unix())

	tag, err := s.pool.Exec(ctx, query, params...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// Distinguish a missing row from a terminal one
	var status string
	err = s.pool.QueryRow(ctx, `SELECT status FROM recommendations WHERE id = $1`, id).Scan(&status)
	if err != nil {
		if isNotFoundError(err) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return storage.ErrNotPending
}

// scanRecommendation scans a single row into a Recommendation.
func scanRecommendation(row pgx.Row) (*domain.Recommendation, error) {
	var (
		r           domain.Recommendation
		nonce       int64
		indices     []int64
		weights     []int64
		confidence  pgtype.Numeric
		status      string
		txHash      *string
		blockNumber *int64
		gasUsed     *int64
		errorReason *string
	)

	err := row.Scan(
		&r.ID,
		&r.SignerAddress,
		&nonce,
		&r.Deadline,
		&indices,
		&weights,
		&confidence,
		&r.ModelVersion,
		&r.CreatedAt,
		&r.Signature,
		&status,
		&r.Submitted,
		&txHash,
		&blockNumber,
		&gasUsed,
		&errorReason,
		&r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Nonce = uint64(nonce)
	r.AllocationIndices = toUint64s(indices)
	r.AllocationWeights = toUint64s(weights)
	r.Status = domain.RecommendationStatus(status)

	if r.Confidence, err = fromNumeric(confidence); err != nil {
		return nil, fmt.Errorf("decode confidence: %w", err)
	}
	if txHash != nil {
		r.TxHash = *txHash
	}
	if blockNumber != nil {
		r.BlockNumber = uint64(*blockNumber)
	}
	if gasUsed != nil {
		r.GasUsed = uint64(*gasUsed)
	}
	if errorReason != nil {
		r.ErrorReason = *errorReason
	}

	return &r, nil
}
