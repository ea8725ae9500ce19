package postgres

import (
	"context"
	"fmt"
	"math/big"

	"github.com/jackc/pgx/v5/pgtype"

	"allocation-keeper/internal/domain"
	"allocation-keeper/internal/storage"
)

// DepositStore implements storage.DepositStore using PostgreSQL.
type DepositStore struct {
	pool *Pool
}

// NewDepositStore creates a new DepositStore.
func NewDepositStore(pool *Pool) *DepositStore {
	return &DepositStore{pool: pool}
}

// Compile-time interface check.
var _ storage.DepositStore = (*DepositStore)(nil)

// Insert adds a deposit record. Returns ErrDuplicateKey if (tx_hash, log_index) exists.
func (s *DepositStore) Insert(ctx context.Context, d *domain.DepositRecord) error {
	if d == nil || d.TxHash == "" || d.AssetsAmount == nil {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO deposit_events (
			block_number, tx_hash, log_index, sender_address, owner_address,
			assets_amount, shares_amount, observed_at, rebalance_triggered
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	shares := toNumeric(d.SharesAmount)
	if !shares.Valid {
		shares = toNumeric(big.NewInt(0))
	}

	_, err := s.pool.Exec(ctx, query,
		int64(d.BlockNumber),
		d.TxHash,
		int32(d.LogIndex),
		d.SenderAddress,
		d.OwnerAddress,
		toNumeric(d.AssetsAmount),
		shares,
		d.ObservedAt,
		d.RebalanceTriggered,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert deposit event: %w", err)
	}
	return nil
}

// GetByBlockRange retrieves deposits within [from, to] (inclusive).
func (s *DepositStore) GetByBlockRange(ctx context.Context, from, to uint64) ([]*domain.DepositRecord, error) {
	query := `
		SELECT block_number, tx_hash, log_index, sender_address, owner_address,
		       assets_amount, shares_amount, observed_at, rebalance_triggered
		FROM deposit_events
		WHERE block_number >= $1 AND block_number <= $2
		ORDER BY block_number ASC, log_index ASC
	`

	rows, err := s.pool.Query(ctx, query, int64(from), int64(to))
	if err != nil {
		return nil, fmt.Errorf("get deposit events by block range: %w", err)
	}
	defer rows.Close()

	var deposits []*domain.DepositRecord
	for rows.Next() {
		var (
			d        domain.DepositRecord
			block    int64
			logIndex int32
			assets   pgtype.Numeric
			shares   pgtype.Numeric
		)
		err := rows.Scan(
			&block,
			&d.TxHash,
			&logIndex,
			&d.SenderAddress,
			&d.OwnerAddress,
			&assets,
			&shares,
			&d.ObservedAt,
			&d.RebalanceTriggered,
		)
		if err != nil {
			return nil, fmt.Errorf("scan deposit event row: %w", err)
		}

		d.BlockNumber = uint64(block)
		d.LogIndex = uint(logIndex)
		if d.AssetsAmount, err = fromNumeric(assets); err != nil {
			return nil, fmt.Errorf("decode assets: %w", err)
		}
		if d.SharesAmount, err = fromNumeric(shares); err != nil {
			return nil, fmt.Errorf("decode shares: %w", err)
		}
		deposits = append(deposits, &d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deposit event rows: %w", err)
	}
	return deposits, nil
}
