package stub

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"allocation-keeper/internal/ledger"
)

// ErrUnknownTx is returned when a receipt is requested for a hash the stub never issued.
var ErrUnknownTx = errors.New("unknown transaction")

// Ledger implements ledger.Client for testing.
// Exported fields script the responses; they must be set before use.
type Ledger struct {
	mu sync.Mutex

	Head        uint64
	GasPrice    *big.Int
	Nonces      map[string]uint64
	Allocations []uint64
	Assets      *big.Int
	Deposits    []ledger.DepositLog

	// FilterErrs fails FilterDeposits for ranges starting at the key block.
	FilterErrs map[uint64]error

	HeadErr         error
	GasPriceErr     error
	NonceErr        error
	AllocationsErr  error
	AssetsErr       error
	EstimateErr     error
	SubmitErr       error
	RebalanceErr    error
	ReceiptErr      error
	SubmitRevert    string // non-empty: submitted transactions revert with this reason
	RebalanceRevert string

	GasEstimate  uint64
	GasUsed      uint64
	ReceiptDelay uint64 // blocks between send and confirmation

	// RebalanceStarted receives a value when Rebalance is entered.
	// RebalanceRelease, when non-nil, blocks Rebalance until it is closed.
	RebalanceStarted chan struct{}
	RebalanceRelease chan struct{}

	txSeq      int
	receipts   map[string]*txRecord
	submitted  []SubmittedCall
	rebalances []uint64
	filters    [][2]uint64
}

// SubmittedCall records a submitRecommendation transaction.
type SubmittedCall struct {
	TxHash   string
	Call     ledger.RecommendationCall
	GasLimit uint64
}

type txRecord struct {
	receipt ledger.Receipt
	revert  string
}

// Compile-time interface check.
var _ ledger.Client = (*Ledger)(nil)

// NewLedger creates a stub ledger at the given head with a 10 gwei gas price.
func NewLedger(head uint64) *Ledger {
	return &Ledger{
		Head:         head,
		GasPrice:     big.NewInt(10_000_000_000),
		Nonces:       make(map[string]uint64),
		Assets:       new(big.Int),
		FilterErrs:   make(map[uint64]error),
		GasEstimate:  100_000,
		GasUsed:      80_000,
		ReceiptDelay: 1,
		receipts:     make(map[string]*txRecord),
	}
}

// ChainID returns 1.
func (l *Ledger) ChainID(_ context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

// BlockNumber returns the scripted head.
func (l *Ledger) BlockNumber(_ context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.HeadErr != nil {
		return 0, l.HeadErr
	}
	return l.Head, nil
}

// SetHead moves the chain head.
func (l *Ledger) SetHead(head uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Head = head
}

// SetGasPrice changes the suggested gas price.
func (l *Ledger) SetGasPrice(price *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.GasPrice = price
}

// SuggestGasPrice returns the scripted gas price.
func (l *Ledger) SuggestGasPrice(_ context.Context) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.GasPriceErr != nil {
		return nil, l.GasPriceErr
	}
	return new(big.Int).Set(l.GasPrice), nil
}

// AgentNonce returns the scripted nonce for signer (case-insensitive).
func (l *Ledger) AgentNonce(_ context.Context, signer string) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.NonceErr != nil {
		return 0, l.NonceErr
	}
	return l.Nonces[strings.ToLower(signer)], nil
}

// SetNonce scripts the on-chain nonce of signer.
func (l *Ledger) SetNonce(signer string, nonce uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Nonces[strings.ToLower(signer)] = nonce
}

// AllAllocations returns the scripted allocations.
func (l *Ledger) AllAllocations(_ context.Context) ([]uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.AllocationsErr != nil {
		return nil, l.AllocationsErr
	}
	return append([]uint64(nil), l.Allocations...), nil
}

// TotalAssets returns the scripted vault assets.
func (l *Ledger) TotalAssets(_ context.Context) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.AssetsErr != nil {
		return nil, l.AssetsErr
	}
	return new(big.Int).Set(l.Assets), nil
}

// EstimateSubmitRecommendation returns GasEstimate or EstimateErr.
func (l *Ledger) EstimateSubmitRecommendation(_ context.Context, _ *ledger.RecommendationCall) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.EstimateErr != nil {
		return 0, l.EstimateErr
	}
	return l.GasEstimate, nil
}

// SubmitRecommendation records the call and issues a transaction hash.
func (l *Ledger) SubmitRecommendation(_ context.Context, call *ledger.RecommendationCall, gasLimit uint64) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.SubmitErr != nil {
		return "", l.SubmitErr
	}

	hash := l.issue(l.SubmitRevert)
	l.submitted = append(l.submitted, SubmittedCall{TxHash: hash, Call: *call, GasLimit: gasLimit})
	return hash, nil
}

// EstimateRebalance returns GasEstimate or EstimateErr.
func (l *Ledger) EstimateRebalance(_ context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.EstimateErr != nil {
		return 0, l.EstimateErr
	}
	return l.GasEstimate, nil
}

// Rebalance records the call and issues a transaction hash.
func (l *Ledger) Rebalance(ctx context.Context, gasLimit uint64) (string, error) {
	l.mu.Lock()
	started, release := l.RebalanceStarted, l.RebalanceRelease
	l.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.RebalanceErr != nil {
		return "", l.RebalanceErr
	}

	hash := l.issue(l.RebalanceRevert)
	l.rebalances = append(l.rebalances, gasLimit)
	return hash, nil
}

// WaitForReceipt returns the receipt of an issued transaction.
func (l *Ledger) WaitForReceipt(_ context.Context, txHash string) (*ledger.Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ReceiptErr != nil {
		return nil, l.ReceiptErr
	}

	rec, ok := l.receipts[txHash]
	if !ok {
		return nil, ErrUnknownTx
	}
	receipt := rec.receipt
	if !receipt.Success {
		return &receipt, &ledger.RevertError{Reason: rec.revert, TxHash: txHash}
	}
	return &receipt, nil
}

// FilterDeposits returns scripted deposits within [from, to].
func (l *Ledger) FilterDeposits(_ context.Context, from, to uint64) ([]ledger.DepositLog, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.filters = append(l.filters, [2]uint64{from, to})
	if err, ok := l.FilterErrs[from]; ok {
		return nil, err
	}

	var result []ledger.DepositLog
	for _, d := range l.Deposits {
		if d.BlockNumber >= from && d.BlockNumber <= to {
			result = append(result, d)
		}
	}
	return result, nil
}

// AddDeposit scripts a Deposit log.
func (l *Ledger) AddDeposit(d ledger.DepositLog) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Deposits = append(l.Deposits, d)
}

// Submitted returns the recorded submitRecommendation transactions.
func (l *Ledger) Submitted() []SubmittedCall {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]SubmittedCall(nil), l.submitted...)
}

// RebalanceCount returns the number of rebalance transactions sent.
func (l *Ledger) RebalanceCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.rebalances)
}

// RebalanceGasLimits returns the gas limits of sent rebalances.
func (l *Ledger) RebalanceGasLimits() []uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]uint64(nil), l.rebalances...)
}

// FilterCalls returns the [from, to] ranges queried so far.
func (l *Ledger) FilterCalls() [][2]uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][2]uint64(nil), l.filters...)
}

// issue creates a transaction confirmed ReceiptDelay blocks after head.
// Caller must hold l.mu.
func (l *Ledger) issue(revert string) string {
	l.txSeq++
	hash := fmt.Sprintf("0x%064x", l.txSeq)
	l.receipts[hash] = &txRecord{
		receipt: ledger.Receipt{
			TxHash:      hash,
			BlockNumber: l.Head + l.ReceiptDelay,
			GasUsed:     l.GasUsed,
			Success:     revert == "",
		},
		revert: revert,
	}
	return hash
}
