package submission

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"allocation-keeper/internal/domain"
	"allocation-keeper/internal/ledger"
	"allocation-keeper/internal/ledger/stub"
	"allocation-keeper/internal/rebalance"
	"allocation-keeper/internal/safety"
	"allocation-keeper/internal/stats"
	"allocation-keeper/internal/storage"
	"allocation-keeper/internal/storage/memory"
)

const signer = "0x2222222222222222222222222222222222222222"

var (
	now    = time.Unix(1_700_000_000, 0)
	maxGas = big.NewInt(100_000_000_000)
)

type fixture struct {
	pipeline   *Pipeline
	ledger     *stub.Ledger
	store      *memory.RecommendationStore
	rebalances *memory.RebalanceStore
	stats      *stats.Stats
}

// newFixture wires a pipeline whose gate sees gateNow, so deadline races
// between selection and evaluation can be simulated.
func newFixture(gateNow time.Time) *fixture {
	l := stub.NewLedger(1000)
	l.Allocations = []uint64{5000, 5000}

	store := memory.NewRecommendationStore()
	rebalances := memory.NewRebalanceStore()
	st := stats.New(now)

	gate := safety.NewGate(l, store, maxGas, safety.WithClock(func() time.Time { return gateNow }))
	trigger := rebalance.NewTrigger(l, gate, rebalances, st)

	return &fixture{
		pipeline:   NewPipeline(store, gate, l, trigger, st, WithClock(func() time.Time { return now })),
		ledger:     l,
		store:      store,
		rebalances: rebalances,
		stats:      st,
	}
}

func (f *fixture) insert(t *testing.T, id string, nonce uint64, createdAt, deadline int64) {
	t.Helper()
	require.NoError(t, f.store.Insert(context.Background(), &domain.Recommendation{
		ID:                id,
		SignerAddress:     signer,
		Nonce:             nonce,
		Deadline:          deadline,
		AllocationIndices: []uint64{0, 1},
		AllocationWeights: []uint64{5000, 5000},
		Confidence:        big.NewInt(800000000000000000),
		ModelVersion:      "v3",
		CreatedAt:         createdAt,
		Signature:         []byte{0xaa, 0xbb},
	}))
}

func (f *fixture) get(t *testing.T, id string) *domain.Recommendation {
	t.Helper()
	rec, err := f.store.GetByID(context.Background(), id)
	require.NoError(t, err)
	return rec
}

func TestProcessNextPending_Idle(t *testing.T) {
	f := newFixture(now)

	result, err := f.pipeline.ProcessNextPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeIdle, result.Outcome)
	assert.Empty(t, f.ledger.Submitted())
}

func TestProcessNextPending_Executed(t *testing.T) {
	f := newFixture(now)
	f.insert(t, "old", 0, now.Unix()-120, now.Unix()+3600)
	f.insert(t, "new", 0, now.Unix()-60, now.Unix()+3600)

	result, err := f.pipeline.ProcessNextPending(context.Background())
	require.NoError(t, err)

	assert.Equal(t, OutcomeExecuted, result.Outcome)
	assert.Equal(t, "new", result.RecommendationID)
	assert.Equal(t, uint64(1001), result.BlockNumber)

	submitted := f.ledger.Submitted()
	require.Len(t, submitted, 1)
	assert.Equal(t, uint64(120_000), submitted[0].GasLimit)
	assert.Equal(t, signer, submitted[0].Call.Manager)
	assert.Equal(t, now.Unix()-60, submitted[0].Call.Timestamp)
	assert.Equal(t, []byte{0xaa, 0xbb}, submitted[0].Call.Signature)

	rec := f.get(t, "new")
	assert.Equal(t, domain.StatusExecuted, rec.Status)
	assert.True(t, rec.Submitted)
	assert.Equal(t, submitted[0].TxHash, rec.TxHash)
	assert.Equal(t, uint64(1001), rec.BlockNumber)
	assert.Equal(t, uint64(80_000), rec.GasUsed)

	assert.Equal(t, domain.StatusPending, f.get(t, "old").Status)

	// Executed submission always triggers an allocation-update rebalance.
	require.NotNil(t, result.Rebalance)
	assert.Equal(t, rebalance.OutcomeExecuted, result.Rebalance.Outcome)
	assert.Equal(t, domain.TriggerAllocationUpdate, result.Rebalance.Record.TriggeredBy)
	assert.Equal(t, uint64(1001), result.Rebalance.Record.TriggerBlock)
	assert.Equal(t, 1, f.ledger.RebalanceCount())

	snap := f.stats.Snapshot()
	assert.Equal(t, uint64(1), snap.RecommendationsSubmitted)
	assert.Equal(t, uint64(1), snap.RebalancesTriggered)
}

func TestProcessNextPending_OneMutationPerCandidate(t *testing.T) {
	f := newFixture(now)
	f.insert(t, "a", 0, now.Unix()-10, now.Unix()+3600)
	f.insert(t, "b", 0, now.Unix()-20, now.Unix()+3600)

	before := f.store.Writes()
	_, err := f.pipeline.ProcessNextPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, before+1, f.store.Writes())
	assert.Len(t, f.ledger.Submitted(), 1)

	// Deferral leaves the store untouched.
	f.ledger.SetGasPrice(big.NewInt(150_000_000_000))
	before = f.store.Writes()
	result, err := f.pipeline.ProcessNextPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeferred, result.Outcome)
	assert.Equal(t, before, f.store.Writes())
}

func TestProcessNextPending_ExpiredNeverSubmitted(t *testing.T) {
	// Deadline is in the future at selection time but past when the gate runs.
	f := newFixture(now.Add(2 * time.Minute))
	f.insert(t, "r1", 0, now.Unix()-60, now.Unix()+60)

	result, err := f.pipeline.ProcessNextPending(context.Background())
	require.NoError(t, err)

	assert.Equal(t, OutcomeExpired, result.Outcome)
	assert.Empty(t, f.ledger.Submitted())

	rec := f.get(t, "r1")
	assert.Equal(t, domain.StatusExpired, rec.Status)
	assert.False(t, rec.Submitted)
}

func TestProcessNextPending_GasTooHighDefers(t *testing.T) {
	f := newFixture(now)
	f.ledger.SetGasPrice(big.NewInt(150_000_000_000))
	f.insert(t, "r1", 0, now.Unix()-60, now.Unix()+3600)

	result, err := f.pipeline.ProcessNextPending(context.Background())
	require.NoError(t, err)

	assert.Equal(t, OutcomeDeferred, result.Outcome)
	assert.Equal(t, safety.ReasonGasTooHigh, result.Reason)
	assert.Empty(t, f.ledger.Submitted())

	rec := f.get(t, "r1")
	assert.Equal(t, domain.StatusPending, rec.Status)
	assert.False(t, rec.Submitted)
}

func TestProcessNextPending_CeilingAtSendTimeDefers(t *testing.T) {
	f := newFixture(now)
	f.insert(t, "r1", 0, now.Unix()-60, now.Unix()+3600)
	// The gate saw an acceptable price; it rose before signing.
	f.ledger.SubmitErr = ledger.ErrGasPriceAboveCeiling

	before := f.store.Writes()
	result, err := f.pipeline.ProcessNextPending(context.Background())
	require.NoError(t, err)

	assert.Equal(t, OutcomeDeferred, result.Outcome)
	assert.Equal(t, safety.ReasonGasTooHigh, result.Reason)
	assert.Equal(t, before, f.store.Writes())
	assert.Equal(t, domain.StatusPending, f.get(t, "r1").Status)
	assert.Zero(t, f.stats.Snapshot().Errors)
}

// unrecordedStore confirms nothing: MarkExecuted always fails.
type unrecordedStore struct {
	*memory.RecommendationStore
}

func (s unrecordedStore) MarkExecuted(context.Context, string, storage.SubmissionResult) error {
	return errors.New("conn closed")
}

func TestProcessNextPending_MarkExecutedFailureSurfaces(t *testing.T) {
	f := newFixture(now)
	f.insert(t, "r1", 0, now.Unix()-60, now.Unix()+3600)

	store := unrecordedStore{f.store}
	gate := safety.NewGate(f.ledger, store, maxGas, safety.WithClock(func() time.Time { return now }))
	trigger := rebalance.NewTrigger(f.ledger, gate, f.rebalances, f.stats)
	p := NewPipeline(store, gate, f.ledger, trigger, f.stats, WithClock(func() time.Time { return now }))

	result, err := p.ProcessNextPending(context.Background())
	require.Error(t, err)

	submitted := f.ledger.Submitted()
	require.Len(t, submitted, 1)
	assert.Contains(t, err.Error(), submitted[0].TxHash)
	assert.Contains(t, err.Error(), "conn closed")

	// The transaction is on-chain, so the result still reports it.
	assert.Equal(t, OutcomeExecuted, result.Outcome)
	assert.Equal(t, submitted[0].TxHash, result.TxHash)
	assert.Equal(t, 1, f.ledger.RebalanceCount())

	// The store could not record it; the row stays pending for reconciliation.
	assert.Equal(t, domain.StatusPending, f.get(t, "r1").Status)
}

func TestProcessNextPending_NonceCorrectedBeforeSubmission(t *testing.T) {
	f := newFixture(now)
	f.ledger.SetNonce(signer, 9)
	f.insert(t, "r1", 4, now.Unix()-60, now.Unix()+3600)

	result, err := f.pipeline.ProcessNextPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeExecuted, result.Outcome)

	submitted := f.ledger.Submitted()
	require.Len(t, submitted, 1)
	assert.Equal(t, uint64(9), submitted[0].Call.Nonce)
	assert.Equal(t, uint64(9), f.get(t, "r1").Nonce)
}

func TestProcessNextPending_RevertReasonRecorded(t *testing.T) {
	f := newFixture(now)
	f.ledger.SubmitRevert = "Invalid signature"
	f.insert(t, "r1", 0, now.Unix()-60, now.Unix()+3600)

	result, err := f.pipeline.ProcessNextPending(context.Background())
	require.NoError(t, err)

	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Equal(t, "Invalid signature", result.Reason)

	rec := f.get(t, "r1")
	assert.Equal(t, domain.StatusFailed, rec.Status)
	assert.Equal(t, "Invalid signature", rec.ErrorReason)
	assert.Equal(t, result.TxHash, rec.TxHash)
	assert.True(t, rec.Submitted)

	assert.Equal(t, 0, f.ledger.RebalanceCount())
}

func TestProcessNextPending_EstimationFailure(t *testing.T) {
	f := newFixture(now)
	f.ledger.EstimateErr = errors.New("execution reverted: Nonce already used")
	f.insert(t, "r1", 0, now.Unix()-60, now.Unix()+3600)

	result, err := f.pipeline.ProcessNextPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, result.Outcome)

	rec := f.get(t, "r1")
	assert.Equal(t, domain.StatusFailed, rec.Status)
	assert.Equal(t, "Nonce already used", rec.ErrorReason)
	assert.False(t, rec.Submitted)
	assert.Empty(t, f.ledger.Submitted())
}

func TestProcessNextPending_SendFailure(t *testing.T) {
	f := newFixture(now)
	f.ledger.SubmitErr = errors.New("insufficient funds for gas * price + value")
	f.insert(t, "r1", 0, now.Unix()-60, now.Unix()+3600)

	result, err := f.pipeline.ProcessNextPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Equal(t, "send transaction: insufficient funds for gas * price + value", f.get(t, "r1").ErrorReason)
}

func TestProcessNextPending_InvalidRecommendationRejected(t *testing.T) {
	f := newFixture(now)
	require.NoError(t, f.store.Insert(context.Background(), &domain.Recommendation{
		ID:                "bad",
		SignerAddress:     signer,
		Deadline:          now.Unix() + 3600,
		AllocationIndices: []uint64{0, 1, 2},
		AllocationWeights: []uint64{10000},
		Confidence:        big.NewInt(1),
		CreatedAt:         now.Unix(),
		Signature:         []byte{0x01},
	}))

	result, err := f.pipeline.ProcessNextPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, result.Outcome)
	assert.Equal(t, safety.ReasonInvalidRecommendation, f.get(t, "bad").ErrorReason)
	assert.Empty(t, f.ledger.Submitted())
}

func TestProcessNextPending_TransientGateErrorLeavesPending(t *testing.T) {
	f := newFixture(now)
	f.ledger.GasPriceErr = errors.New("rpc timeout")
	f.insert(t, "r1", 0, now.Unix()-60, now.Unix()+3600)

	_, err := f.pipeline.ProcessNextPending(context.Background())
	require.Error(t, err)
	assert.Equal(t, domain.StatusPending, f.get(t, "r1").Status)
}

func TestCallFromRecommendation(t *testing.T) {
	rec := &domain.Recommendation{
		SignerAddress:     signer,
		Nonce:             3,
		Deadline:          100,
		AllocationIndices: []uint64{1},
		AllocationWeights: []uint64{10000},
		Confidence:        big.NewInt(5),
		ModelVersion:      "m",
		CreatedAt:         50,
		Signature:         []byte{0x09},
	}

	call := CallFromRecommendation(rec)
	rec.AllocationWeights[0] = 1
	rec.Confidence.SetInt64(6)

	assert.Equal(t, []uint64{10000}, call.Weights)
	assert.Equal(t, int64(5), call.Confidence.Int64())
	assert.Equal(t, int64(50), call.Timestamp)
}
