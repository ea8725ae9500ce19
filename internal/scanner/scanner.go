// Package scanner detects vault deposits by scanning ledger logs in bounded
// block chunks behind a persisted cursor.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/rs/zerolog"

	"allocation-keeper/internal/domain"
	"allocation-keeper/internal/ledger"
	"allocation-keeper/internal/observability"
	"allocation-keeper/internal/rebalance"
	"allocation-keeper/internal/stats"
	"allocation-keeper/internal/storage"
)

// DefaultChunkSize is the number of blocks queried per log request.
const DefaultChunkSize = 10

// Ledger is the subset of the ledger client the scanner reads.
type Ledger interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterDeposits(ctx context.Context, from, to uint64) ([]ledger.DepositLog, error)
}

// Rebalancer is invoked for every qualifying deposit.
type Rebalancer interface {
	TriggerRebalance(ctx context.Context, originBlock uint64, depositAmount *big.Int) (rebalance.Result, error)
}

// Config holds scanner parameters.
type Config struct {
	Threshold *big.Int // minimum assets, in base units, that trigger a rebalance
	ChunkSize uint64   // blocks per log query

	// StrictGaps keeps the cursor at the end of the last contiguous
	// successful chunk so failed ranges are retried on the next scan.
	// When false the cursor always advances to head and failed chunks are skipped.
	StrictGaps bool
}

// Scanner scans (cursor, head] for Deposit logs.
type Scanner struct {
	ledger     Ledger
	cursors    storage.CursorStore
	deposits   storage.DepositStore
	rebalancer Rebalancer
	stats      *stats.Stats
	cfg        Config
	now        func() time.Time
	log        zerolog.Logger
}

// Option configures Scanner.
type Option func(*Scanner)

// WithClock sets the time source for ObservedAt.
func WithClock(now func() time.Time) Option {
	return func(s *Scanner) {
		s.now = now
	}
}

// WithLogger sets the scanner logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Scanner) {
		s.log = log
	}
}

// New creates a scanner.
func New(l Ledger, cursors storage.CursorStore, deposits storage.DepositStore, rebalancer Rebalancer, st *stats.Stats, cfg Config, opts ...Option) *Scanner {
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.Threshold == nil {
		cfg.Threshold = new(big.Int)
	}

	s := &Scanner{
		ledger:     l,
		cursors:    cursors,
		deposits:   deposits,
		rebalancer: rebalancer,
		stats:      st,
		cfg:        cfg,
		now:        time.Now,
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnsureCursor returns the persisted cursor, seeding it to the current head
// when none exists yet.
func (s *Scanner) EnsureCursor(ctx context.Context) (uint64, error) {
	cursor, err := s.cursors.GetCursor(ctx)
	if err == nil {
		return cursor.LastProcessedBlock, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return 0, fmt.Errorf("load cursor: %w", err)
	}

	head, err := s.ledger.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("read head to seed cursor: %w", err)
	}
	if err := s.cursors.SetCursor(ctx, head); err != nil {
		return 0, fmt.Errorf("seed cursor: %w", err)
	}

	s.log.Info().Uint64("block", head).Msg("deposit cursor seeded at head")
	return head, nil
}

// ScanNewDeposits scans from the block after the cursor up to head and
// returns the deposits found. Each deposit is persisted; deposits at or above
// the threshold trigger a rebalance. The cursor never moves backwards.
func (s *Scanner) ScanNewDeposits(ctx context.Context) ([]*domain.DepositRecord, error) {
	cursor, err := s.EnsureCursor(ctx)
	if err != nil {
		return nil, err
	}

	head, err := s.ledger.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("read head: %w", err)
	}
	if head <= cursor {
		observability.UpdateBlocks(cursor, head)
		return nil, nil
	}

	ranges := Chunks(cursor+1, head, s.cfg.ChunkSize)
	s.log.Debug().
		Uint64("from", cursor+1).
		Uint64("to", head).
		Int("chunks", len(ranges)).
		Msg("scanning deposit logs")

	var (
		found      []*domain.DepositRecord
		contiguous = cursor
		gap        = false
		failed     = 0
	)

	for _, r := range ranges {
		logs, err := s.ledger.FilterDeposits(ctx, r.From, r.To)
		observability.RecordLogChunk(err)
		if err != nil {
			failed++
			gap = true
			s.stats.RecordError()
			s.log.Warn().Err(err).Uint64("from", r.From).Uint64("to", r.To).Msg("log chunk query failed, skipping")
			continue
		}
		if !gap {
			contiguous = r.To
		}

		sorted := SortDeposits(logs)
		if dropped := len(logs) - len(sorted); dropped > 0 {
			s.log.Warn().Int("dropped", dropped).Uint64("from", r.From).Uint64("to", r.To).Msg("repeated deposit logs in chunk")
		}
		for _, lg := range sorted {
			if d := s.handleDeposit(ctx, lg); d != nil {
				found = append(found, d)
			}
		}
	}

	next := head
	if s.cfg.StrictGaps {
		next = contiguous
	}

	if next > cursor {
		if err := s.cursors.SetCursor(ctx, next); err != nil {
			return found, fmt.Errorf("advance cursor to %d: %w", next, err)
		}
	}
	observability.UpdateBlocks(max(next, cursor), head)

	s.log.Info().
		Uint64("from", cursor+1).
		Uint64("to", head).
		Uint64("cursor", max(next, cursor)).
		Int("deposits", len(found)).
		Int("failed_chunks", failed).
		Msg("deposit scan complete")

	return found, nil
}

// handleDeposit persists one deposit and triggers a rebalance when it
// qualifies. Returns nil for logs that were already recorded.
func (s *Scanner) handleDeposit(ctx context.Context, lg ledger.DepositLog) *domain.DepositRecord {
	qualifying := lg.Assets != nil && lg.Assets.Cmp(s.cfg.Threshold) >= 0

	record := &domain.DepositRecord{
		BlockNumber:        lg.BlockNumber,
		TxHash:             lg.TxHash,
		LogIndex:           lg.LogIndex,
		SenderAddress:      lg.Sender,
		OwnerAddress:       lg.Owner,
		AssetsAmount:       lg.Assets,
		SharesAmount:       lg.Shares,
		ObservedAt:         s.now().Unix(),
		RebalanceTriggered: qualifying,
	}

	log := s.log.With().
		Uint64("block", record.BlockNumber).
		Str("tx_hash", record.TxHash).
		Uint("log_index", record.LogIndex).
		Logger()

	err := s.deposits.Insert(ctx, record)
	switch {
	case errors.Is(err, storage.ErrDuplicateKey):
		log.Debug().Msg("deposit already recorded")
		return nil
	case err != nil:
		s.stats.RecordError()
		log.Error().Err(err).Msg("failed to record deposit")
	}

	s.stats.RecordDeposit(s.now())
	observability.RecordDeposit(qualifying)
	log.Info().
		Str("owner", record.OwnerAddress).
		Str("assets", record.AssetsAmount.String()).
		Bool("rebalance", qualifying).
		Msg("deposit detected")

	if qualifying {
		if _, err := s.rebalancer.TriggerRebalance(ctx, record.BlockNumber, record.AssetsAmount); err != nil {
			log.Warn().Err(err).Msg("deposit rebalance failed")
		}
	}
	return record
}
