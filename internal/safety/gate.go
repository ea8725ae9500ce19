// Package safety decides whether a pending recommendation may be submitted.
package safety

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/rs/zerolog"

	"allocation-keeper/internal/domain"
	"allocation-keeper/internal/observability"
	"allocation-keeper/internal/units"
)

// Action is the gate verdict.
type Action string

const (
	ActionSubmit Action = "submit"
	ActionDefer  Action = "defer"
	ActionReject Action = "reject"
)

// Decision reasons.
const (
	ReasonExpired               = "expired"
	ReasonGasTooHigh            = "gas_too_high"
	ReasonInvalidRecommendation = "invalid_recommendation"
)

// Decision is the result of evaluating a recommendation.
type Decision struct {
	Action         Action
	Reason         string   // empty for Submit
	GasPrice       *big.Int // observed gas price, nil if not read
	NonceCorrected bool     // recommendation nonce was replaced by the ledger value
}

// GasCheck is the result of comparing the network gas price to the ceiling.
type GasCheck struct {
	OK       bool
	GasPrice *big.Int
}

// Ledger is the subset of the ledger client the gate reads.
type Ledger interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	AgentNonce(ctx context.Context, signer string) (uint64, error)
}

// NonceStore persists nonce corrections.
type NonceStore interface {
	UpdateNonce(ctx context.Context, id string, nonce uint64) error
}

// Gate evaluates deadline, gas price and nonce before submission.
type Gate struct {
	ledger      Ledger
	store       NonceStore
	maxGasPrice *big.Int
	now         func() time.Time
	log         zerolog.Logger
}

// Option configures Gate.
type Option func(*Gate)

// WithClock sets the time source used for deadline checks.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) {
		g.now = now
	}
}

// WithLogger sets the gate logger.
func WithLogger(log zerolog.Logger) Option {
	return func(g *Gate) {
		g.log = log
	}
}

// NewGate creates a gate with the given gas price ceiling in wei.
func NewGate(ledger Ledger, store NonceStore, maxGasPrice *big.Int, opts ...Option) *Gate {
	g := &Gate{
		ledger:      ledger,
		store:       store,
		maxGasPrice: new(big.Int).Set(maxGasPrice),
		now:         time.Now,
		log:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// MaxGasPrice returns the configured ceiling in wei.
func (g *Gate) MaxGasPrice() *big.Int {
	return new(big.Int).Set(g.maxGasPrice)
}

// Evaluate runs the checks in order: structure, deadline, gas price, nonce.
// A nonce mismatch is corrected on rec and persisted before Submit is returned.
// Errors are transient ledger or store failures; rec is left untouched in the store.
func (g *Gate) Evaluate(ctx context.Context, rec *domain.Recommendation) (Decision, error) {
	if err := rec.Validate(); err != nil {
		g.log.Warn().Err(err).Str("recommendation_id", rec.ID).Msg("rejecting malformed recommendation")
		return g.decide(Decision{Action: ActionReject, Reason: ReasonInvalidRecommendation}), nil
	}

	now := g.now().Unix()
	if rec.IsExpired(now) {
		g.log.Info().
			Str("recommendation_id", rec.ID).
			Int64("deadline", rec.Deadline).
			Int64("now", now).
			Msg("recommendation deadline passed")
		return g.decide(Decision{Action: ActionReject, Reason: ReasonExpired}), nil
	}

	gas, err := g.CheckGas(ctx)
	if err != nil {
		return Decision{}, err
	}
	if !gas.OK {
		g.log.Info().
			Str("recommendation_id", rec.ID).
			Str("gas_price_gwei", units.WeiToGwei(gas.GasPrice).String()).
			Str("max_gas_price_gwei", units.WeiToGwei(g.maxGasPrice).String()).
			Msg("gas price above ceiling, deferring")
		return g.decide(Decision{Action: ActionDefer, Reason: ReasonGasTooHigh, GasPrice: gas.GasPrice}), nil
	}

	decision := Decision{Action: ActionSubmit, GasPrice: gas.GasPrice}

	onChain, err := g.ledger.AgentNonce(ctx, rec.SignerAddress)
	if err != nil {
		return Decision{}, fmt.Errorf("read agent nonce: %w", err)
	}
	if onChain != rec.Nonce {
		// The signature was computed over the recorded nonce; the contract
		// decides whether the corrected payload is still acceptable.
		g.log.Warn().
			Str("recommendation_id", rec.ID).
			Str("signer", rec.SignerAddress).
			Uint64("recorded_nonce", rec.Nonce).
			Uint64("ledger_nonce", onChain).
			Msg("correcting stale recommendation nonce; signature was produced for the recorded nonce")

		if err := g.store.UpdateNonce(ctx, rec.ID, onChain); err != nil {
			return Decision{}, fmt.Errorf("persist corrected nonce: %w", err)
		}
		rec.Nonce = onChain
		decision.NonceCorrected = true
		observability.RecordNonceCorrection()
	}

	return g.decide(decision), nil
}

// CheckGas reads the network gas price and compares it with the ceiling.
func (g *Gate) CheckGas(ctx context.Context) (GasCheck, error) {
	price, err := g.ledger.SuggestGasPrice(ctx)
	if err != nil {
		return GasCheck{}, fmt.Errorf("read gas price: %w", err)
	}

	gwei, _ := units.WeiToGwei(price).Float64()
	observability.UpdateGasPrice(gwei)

	return GasCheck{OK: price.Cmp(g.maxGasPrice) <= 0, GasPrice: price}, nil
}

func (g *Gate) decide(d Decision) Decision {
	observability.RecordGateDecision(string(d.Action), d.Reason)
	return d
}
