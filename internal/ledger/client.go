package ledger

import (
	"context"
	"math/big"
)

// Client defines the ledger operations the keeper depends on.
type Client interface {
	// ChainID returns the chain identifier of the connected network.
	ChainID(ctx context.Context) (*big.Int, error)

	// BlockNumber returns the current head block.
	BlockNumber(ctx context.Context) (uint64, error)

	// SuggestGasPrice returns the network gas price in wei.
	SuggestGasPrice(ctx context.Context) (*big.Int, error)

	// AgentNonce reads the allocation contract's current nonce for a signer.
	AgentNonce(ctx context.Context, signer string) (uint64, error)

	// AllAllocations reads the current strategy weights from the allocation contract.
	AllAllocations(ctx context.Context) ([]uint64, error)

	// TotalAssets reads the vault's total managed assets.
	TotalAssets(ctx context.Context) (*big.Int, error)

	// EstimateSubmitRecommendation estimates gas for a submitRecommendation call.
	EstimateSubmitRecommendation(ctx context.Context, call *RecommendationCall) (uint64, error)

	// SubmitRecommendation sends a submitRecommendation transaction and returns its hash.
	SubmitRecommendation(ctx context.Context, call *RecommendationCall, gasLimit uint64) (string, error)

	// EstimateRebalance estimates gas for a vault rebalance call.
	EstimateRebalance(ctx context.Context) (uint64, error)

	// Rebalance sends a vault rebalance transaction and returns its hash.
	Rebalance(ctx context.Context, gasLimit uint64) (string, error)

	// WaitForReceipt blocks until the transaction is mined.
	// A reverted transaction returns its receipt together with a *RevertError.
	WaitForReceipt(ctx context.Context, txHash string) (*Receipt, error)

	// FilterDeposits returns vault Deposit logs within [from, to] (inclusive).
	FilterDeposits(ctx context.Context, from, to uint64) ([]DepositLog, error)
}

// RecommendationCall is the on-chain payload of submitRecommendation.
type RecommendationCall struct {
	Manager         string   // signer address
	Nonce           uint64   // agent nonce
	Deadline        int64    // unix seconds
	StrategyIndices []uint64 // ordered strategy indices
	Weights         []uint64 // basis points, positional with StrategyIndices
	Timestamp       int64    // recommendation creation time
	ModelVersion    string
	Confidence      *big.Int // 1e18 = 100%
	Signature       []byte   // opaque, forwarded as-is
}

// Receipt contains the confirmation details of a mined transaction.
type Receipt struct {
	TxHash      string
	BlockNumber uint64
	GasUsed     uint64
	Success     bool
}

// DepositLog is a decoded vault Deposit event.
type DepositLog struct {
	BlockNumber uint64
	TxHash      string
	LogIndex    uint
	Sender      string
	Owner       string
	Assets      *big.Int
	Shares      *big.Int
}

// GasMarginPercent is the safety margin added to every gas estimate.
const GasMarginPercent = 20

// GasLimitWithMargin returns estimate plus GasMarginPercent, rounded down.
func GasLimitWithMargin(estimate uint64) uint64 {
	return estimate * (100 + GasMarginPercent) / 100
}
