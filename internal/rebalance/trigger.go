// Package rebalance drives the vault rebalance transaction.
package rebalance

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"allocation-keeper/internal/domain"
	"allocation-keeper/internal/ledger"
	"allocation-keeper/internal/observability"
	"allocation-keeper/internal/safety"
	"allocation-keeper/internal/stats"
	"allocation-keeper/internal/storage"
)

// Outcome is the result category of a rebalance attempt.
type Outcome string

const (
	OutcomeSkipped  Outcome = "skipped"
	OutcomeDeferred Outcome = "deferred"
	OutcomeExecuted Outcome = "executed"
	OutcomeFailed   Outcome = "failed"
)

// Result describes a rebalance attempt.
type Result struct {
	Outcome Outcome
	Reason  string                  // skip, defer or failure reason
	Record  *domain.RebalanceRecord // set when executed
}

// Ledger is the subset of the ledger client the trigger uses.
type Ledger interface {
	EstimateRebalance(ctx context.Context) (uint64, error)
	Rebalance(ctx context.Context, gasLimit uint64) (string, error)
	WaitForReceipt(ctx context.Context, txHash string) (*ledger.Receipt, error)
	AllAllocations(ctx context.Context) ([]uint64, error)
}

// GasChecker reports whether the gas price allows sending a transaction.
type GasChecker interface {
	CheckGas(ctx context.Context) (safety.GasCheck, error)
}

// Trigger sends at most one rebalance transaction at a time per process.
// The in-progress flag lives in memory only and does not survive a restart.
type Trigger struct {
	ledger Ledger
	gas    GasChecker
	store  storage.RebalanceStore
	stats  *stats.Stats
	now    func() time.Time
	log    zerolog.Logger

	inProgress atomic.Bool
}

// Option configures Trigger.
type Option func(*Trigger)

// WithClock sets the time source for ObservedAt.
func WithClock(now func() time.Time) Option {
	return func(t *Trigger) {
		t.now = now
	}
}

// WithLogger sets the trigger logger.
func WithLogger(log zerolog.Logger) Option {
	return func(t *Trigger) {
		t.log = log
	}
}

// NewTrigger creates a rebalance trigger.
func NewTrigger(l Ledger, gas GasChecker, store storage.RebalanceStore, st *stats.Stats, opts ...Option) *Trigger {
	t := &Trigger{
		ledger: l,
		gas:    gas,
		store:  store,
		stats:  st,
		now:    time.Now,
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// InProgress reports whether a rebalance is currently being executed.
func (t *Trigger) InProgress() bool {
	return t.inProgress.Load()
}

// TriggerRebalance sends a vault rebalance caused by originBlock.
// depositAmount is nil when the cause is an allocation update.
// A concurrent call returns OutcomeSkipped without touching the ledger.
func (t *Trigger) TriggerRebalance(ctx context.Context, originBlock uint64, depositAmount *big.Int) (Result, error) {
	source := domain.TriggerAllocationUpdate
	if depositAmount != nil {
		source = domain.TriggerDepositEvent
	}

	if !t.inProgress.CompareAndSwap(false, true) {
		t.log.Info().Uint64("origin_block", originBlock).Str("triggered_by", string(source)).Msg("rebalance already in progress, skipping")
		return t.finish(Result{Outcome: OutcomeSkipped, Reason: "in_progress"}, source), nil
	}
	defer t.inProgress.Store(false)

	result, err := t.execute(ctx, originBlock, depositAmount, source)
	if err != nil {
		t.stats.RecordError()
		t.log.Error().Err(err).Uint64("origin_block", originBlock).Str("triggered_by", string(source)).Msg("rebalance failed")
	}
	return t.finish(result, source), err
}

func (t *Trigger) execute(ctx context.Context, originBlock uint64, depositAmount *big.Int, source domain.TriggerSource) (Result, error) {
	gas, err := t.gas.CheckGas(ctx)
	if err != nil {
		return Result{Outcome: OutcomeFailed, Reason: err.Error()}, err
	}
	if !gas.OK {
		t.log.Info().Uint64("origin_block", originBlock).Str("gas_price_wei", gas.GasPrice.String()).Msg("gas price above ceiling, deferring rebalance")
		return Result{Outcome: OutcomeDeferred, Reason: safety.ReasonGasTooHigh}, nil
	}

	estimate, err := t.ledger.EstimateRebalance(ctx)
	if err != nil {
		return failed(fmt.Errorf("estimate rebalance: %w", err))
	}
	gasLimit := ledger.GasLimitWithMargin(estimate)

	txHash, err := t.ledger.Rebalance(ctx, gasLimit)
	if errors.Is(err, ledger.ErrGasPriceAboveCeiling) {
		t.log.Info().Err(err).Uint64("origin_block", originBlock).Msg("gas price above ceiling at send time, deferring rebalance")
		return Result{Outcome: OutcomeDeferred, Reason: safety.ReasonGasTooHigh}, nil
	}
	if err != nil {
		return failed(fmt.Errorf("send rebalance: %w", err))
	}

	receipt, err := t.ledger.WaitForReceipt(ctx, txHash)
	if err != nil {
		return failed(fmt.Errorf("rebalance %s: %w", txHash, err))
	}

	snapshot, err := t.ledger.AllAllocations(ctx)
	if err != nil {
		t.log.Warn().Err(err).Str("tx_hash", txHash).Msg("failed to read allocations snapshot")
		snapshot = []uint64{}
	}

	now := t.now()
	record := &domain.RebalanceRecord{
		TriggerBlock:        originBlock,
		TxHash:              receipt.TxHash,
		ConfirmedBlock:      receipt.BlockNumber,
		GasUsed:             receipt.GasUsed,
		ObservedAt:          now.Unix(),
		TriggeredBy:         source,
		AllocationsSnapshot: snapshot,
	}
	if depositAmount != nil {
		record.TriggerDepositAmount = new(big.Int).Set(depositAmount)
	}

	t.stats.RecordRebalance(now)
	t.log.Info().
		Str("tx_hash", record.TxHash).
		Uint64("confirmed_block", record.ConfirmedBlock).
		Uint64("gas_used", record.GasUsed).
		Uint64("gas_limit", gasLimit).
		Str("triggered_by", string(source)).
		Msg("rebalance executed")

	result := Result{Outcome: OutcomeExecuted, Record: record}
	if err := t.store.Insert(ctx, record); err != nil {
		return result, fmt.Errorf("record rebalance %s: %w", record.TxHash, err)
	}
	return result, nil
}

func (t *Trigger) finish(r Result, source domain.TriggerSource) Result {
	observability.RecordRebalance(string(r.Outcome), string(source), t.now().Unix())
	return r
}

func failed(err error) (Result, error) {
	return Result{Outcome: OutcomeFailed, Reason: ledger.FailureReason(err)}, err
}
