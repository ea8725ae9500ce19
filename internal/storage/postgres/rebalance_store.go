package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"

	"allocation-keeper/internal/domain"
	"allocation-keeper/internal/storage"
)

// RebalanceStore implements storage.RebalanceStore using PostgreSQL.
type RebalanceStore struct {
	pool *Pool
}

// NewRebalanceStore creates a new RebalanceStore.
func NewRebalanceStore(pool *Pool) *RebalanceStore {
	return &RebalanceStore{pool: pool}
}

// Compile-time interface check.
var _ storage.RebalanceStore = (*RebalanceStore)(nil)

// Insert adds a rebalance record. Returns ErrDuplicateKey if tx_hash exists.
func (s *RebalanceStore) Insert(ctx context.Context, r *domain.RebalanceRecord) error {
	if r == nil || r.TxHash == "" || !r.TriggeredBy.IsValid() {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO rebalance_events (
			trigger_block, trigger_deposit_amount, tx_hash, confirmed_block,
			gas_used, observed_at, triggered_by, allocations_snapshot
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := s.pool.Exec(ctx, query,
		int64(r.TriggerBlock),
		toNumeric(r.TriggerDepositAmount),
		r.TxHash,
		int64(r.ConfirmedBlock),
		int64(r.GasUsed),
		r.ObservedAt,
		string(r.TriggeredBy),
		toInt64s(r.AllocationsSnapshot),
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert rebalance event: %w", err)
	}
	return nil
}

// GetRecent retrieves the latest rebalances, newest first.
func (s *RebalanceStore) GetRecent(ctx context.Context, limit int) ([]*domain.RebalanceRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx, `
		SELECT trigger_block, trigger_deposit_amount, tx_hash, confirmed_block,
		       gas_used, observed_at, triggered_by, allocations_snapshot
		FROM rebalance_events
		ORDER BY id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("get recent rebalance events: %w", err)
	}
	defer rows.Close()

	var records []*domain.RebalanceRecord
	for rows.Next() {
		var (
			r           domain.RebalanceRecord
			trigger     int64
			amount      pgtype.Numeric
			confirmed   int64
			gasUsed     int64
			triggeredBy string
			snapshot    []int64
		)
		err := rows.Scan(&trigger, &amount, &r.TxHash, &confirmed, &gasUsed, &r.ObservedAt, &triggeredBy, &snapshot)
		if err != nil {
			return nil, fmt.Errorf("scan rebalance event row: %w", err)
		}

		r.TriggerBlock = uint64(trigger)
		r.ConfirmedBlock = uint64(confirmed)
		r.GasUsed = uint64(gasUsed)
		r.TriggeredBy = domain.TriggerSource(triggeredBy)
		r.AllocationsSnapshot = toUint64s(snapshot)
		if r.TriggerDepositAmount, err = fromNumeric(amount); err != nil {
			return nil, fmt.Errorf("decode trigger amount: %w", err)
		}
		records = append(records, &r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rebalance event rows: %w", err)
	}
	return records, nil
}
