// Package submission moves pending recommendations onto the ledger.
package submission

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
	"allocation-keeper/internal/safety"
	"allocation-keeper/internal/stats"
	"allocation-keeper/internal/storage"
)

// Outcome is the result category of ProcessNextPending.
type Outcome string

const (
	OutcomeIdle     Outcome = "idle"     // no eligible recommendation
	OutcomeDeferred Outcome = "deferred" // gate deferred, status untouched
	OutcomeExpired  Outcome = "expired"  // deadline passed
	OutcomeRejected Outcome = "rejected" // malformed, marked failed
	OutcomeExecuted Outcome = "executed"
	OutcomeFailed   Outcome = "failed"
)

// Result describes one ProcessNextPending call.
type Result struct {
	Outcome          Outcome
	RecommendationID string
	TxHash           string
	BlockNumber      uint64
	Reason           string
	Rebalance        *rebalance.Result // set after an executed submission
}

// Gate evaluates a recommendation before submission.
type Gate interface {
	Evaluate(ctx context.Context, rec *domain.Recommendation) (safety.Decision, error)
}

// Ledger is the subset of the ledger client the pipeline uses.
type Ledger interface {
	EstimateSubmitRecommendation(ctx context.Context, call *ledger.RecommendationCall) (uint64, error)
	SubmitRecommendation(ctx context.Context, call *ledger.RecommendationCall, gasLimit uint64) (string, error)
	WaitForReceipt(ctx context.Context, txHash string) (*ledger.Receipt, error)
}

// Rebalancer is invoked after every executed recommendation.
type Rebalancer interface {
	TriggerRebalance(ctx context.Context, originBlock uint64, depositAmount *big.Int) (rebalance.Result, error)
}

// Pipeline processes at most one pending recommendation per call.
type Pipeline struct {
	store      storage.RecommendationStore
	gate       Gate
	ledger     Ledger
	rebalancer Rebalancer
	stats      *stats.Stats
	now        func() time.Time
	log        zerolog.Logger
}

// Option configures Pipeline.
type Option func(*Pipeline)

// WithClock sets the time source used for candidate selection.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		p.now = now
	}
}

// WithLogger sets the pipeline logger.
func WithLogger(log zerolog.Logger) Option {
	return func(p *Pipeline) {
		p.log = log
	}
}

// NewPipeline creates a submission pipeline.
func NewPipeline(store storage.RecommendationStore, gate Gate, l Ledger, rebalancer Rebalancer, st *stats.Stats, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:      store,
		gate:       gate,
		ledger:     l,
		rebalancer: rebalancer,
		stats:      st,
		now:        time.Now,
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ProcessNextPending selects the newest eligible recommendation, runs the
// safety gate and, if allowed, submits it and waits for the receipt.
//
// The candidate's document is updated exactly once with its terminal status,
// or not at all when the gate defers. Returned errors are transient failures
// that leave the candidate pending for the next tick.
func (p *Pipeline) ProcessNextPending(ctx context.Context) (Result, error) {
	rec, err := p.store.NextPending(ctx, p.now())
	if errors.Is(err, storage.ErrNotFound) {
		return Result{Outcome: OutcomeIdle}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("load next pending recommendation: %w", err)
	}

	log := p.log.With().Str("recommendation_id", rec.ID).Str("signer", rec.SignerAddress).Logger()

	decision, err := p.gate.Evaluate(ctx, rec)
	if err != nil {
		return Result{}, fmt.Errorf("evaluate recommendation %s: %w", rec.ID, err)
	}

	switch decision.Action {
	case safety.ActionDefer:
		log.Info().Str("reason", decision.Reason).Msg("submission deferred")
		return p.done(Result{Outcome: OutcomeDeferred, RecommendationID: rec.ID, Reason: decision.Reason}), nil

	case safety.ActionReject:
		return p.reject(ctx, log, rec, decision.Reason)
	}

	return p.submit(ctx, log, rec)
}

func (p *Pipeline) reject(ctx context.Context, log zerolog.Logger, rec *domain.Recommendation, reason string) (Result, error) {
	if reason == safety.ReasonExpired {
		if err := p.store.MarkExpired(ctx, rec.ID); err != nil {
			return Result{}, fmt.Errorf("mark %s expired: %w", rec.ID, err)
		}
		log.Info().Msg("recommendation expired")
		return p.done(Result{Outcome: OutcomeExpired, RecommendationID: rec.ID, Reason: reason}), nil
	}

	if err := p.store.MarkFailed(ctx, rec.ID, reason, ""); err != nil {
		return Result{}, fmt.Errorf("mark %s failed: %w", rec.ID, err)
	}
	log.Warn().Str("reason", reason).Msg("recommendation rejected")
	return p.done(Result{Outcome: OutcomeRejected, RecommendationID: rec.ID, Reason: reason}), nil
}

func (p *Pipeline) submit(ctx context.Context, log zerolog.Logger, rec *domain.Recommendation) (Result, error) {
	call := CallFromRecommendation(rec)

	estimate, err := p.ledger.EstimateSubmitRecommendation(ctx, call)
	if err != nil {
		return p.fail(ctx, log, rec, "", fmt.Errorf("estimate gas: %w", err))
	}
	gasLimit := ledger.GasLimitWithMargin(estimate)

	txHash, err := p.ledger.SubmitRecommendation(ctx, call, gasLimit)
	if errors.Is(err, ledger.ErrGasPriceAboveCeiling) {
		// Gas rose between the gate check and signing; nothing was broadcast.
		log.Info().Err(err).Msg("gas price above ceiling at send time, deferring")
		return p.done(Result{Outcome: OutcomeDeferred, RecommendationID: rec.ID, Reason: safety.ReasonGasTooHigh}), nil
	}
	if err != nil {
		return p.fail(ctx, log, rec, "", fmt.Errorf("send transaction: %w", err))
	}
	log.Info().Str("tx_hash", txHash).Uint64("nonce", call.Nonce).Uint64("gas_limit", gasLimit).Msg("recommendation submitted")

	receipt, err := p.ledger.WaitForReceipt(ctx, txHash)
	if err != nil {
		return p.fail(ctx, log, rec, txHash, err)
	}

	markErr := p.store.MarkExecuted(ctx, rec.ID, storage.SubmissionResult{
		TxHash:      receipt.TxHash,
		BlockNumber: receipt.BlockNumber,
		GasUsed:     receipt.GasUsed,
	})
	if markErr != nil {
		// The transaction is confirmed but the store still says pending; the
		// next tick would select and resend it. Needs manual reconciliation.
		log.Error().
			Err(markErr).
			Str("tx_hash", receipt.TxHash).
			Uint64("block", receipt.BlockNumber).
			Uint64("gas_used", receipt.GasUsed).
			Msg("recommendation confirmed on-chain but not recorded as executed; reconcile manually")
		markErr = fmt.Errorf("mark %s executed (tx %s): %w", rec.ID, receipt.TxHash, markErr)
	}

	now := p.now()
	p.stats.RecordSubmission(now)
	observability.RecordSubmission(now.Unix())
	log.Info().
		Str("tx_hash", receipt.TxHash).
		Uint64("block", receipt.BlockNumber).
		Uint64("gas_used", receipt.GasUsed).
		Msg("recommendation executed")

	result := Result{
		Outcome:          OutcomeExecuted,
		RecommendationID: rec.ID,
		TxHash:           receipt.TxHash,
		BlockNumber:      receipt.BlockNumber,
	}

	// New weights are live; push them to deployed capital right away.
	rb, err := p.rebalancer.TriggerRebalance(ctx, receipt.BlockNumber, nil)
	if err != nil {
		log.Warn().Err(err).Msg("post-submission rebalance failed")
	}
	result.Rebalance = &rb

	return p.done(result), markErr
}

// fail records a terminal failure. txHash is empty when nothing was broadcast.
func (p *Pipeline) fail(ctx context.Context, log zerolog.Logger, rec *domain.Recommendation, txHash string, cause error) (Result, error) {
	reason := ledger.FailureReason(cause)

	var revertErr *ledger.RevertError
	if txHash == "" && errors.As(cause, &revertErr) {
		txHash = revertErr.TxHash
	}

	if err := p.store.MarkFailed(ctx, rec.ID, reason, txHash); err != nil {
		return Result{}, fmt.Errorf("mark %s failed: %w", rec.ID, err)
	}

	log.Error().Err(cause).Str("tx_hash", txHash).Str("reason", reason).Msg("recommendation failed")
	return p.done(Result{Outcome: OutcomeFailed, RecommendationID: rec.ID, TxHash: txHash, Reason: reason}), nil
}

func (p *Pipeline) done(r Result) Result {
	if r.Outcome != OutcomeIdle {
		observability.RecordRecommendationOutcome(string(r.Outcome))
	}
	return r
}

// CallFromRecommendation builds the submitRecommendation payload.
func CallFromRecommendation(rec *domain.Recommendation) *ledger.RecommendationCall {
	var confidence *big.Int
	if rec.Confidence != nil {
		confidence = new(big.Int).Set(rec.Confidence)
	}

	return &ledger.RecommendationCall{
		Manager:         rec.SignerAddress,
		Nonce:           rec.Nonce,
		Deadline:        rec.Deadline,
		StrategyIndices: append([]uint64(nil), rec.AllocationIndices...),
		Weights:         append([]uint64(nil), rec.AllocationWeights...),
		Timestamp:       rec.CreatedAt,
		ModelVersion:    rec.ModelVersion,
		Confidence:      confidence,
		Signature:       append([]byte(nil), rec.Signature...),
	}
}
