package ledger

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const allocationABIJSON = `[
	{
		"type": "function",
		"name": "submitRecommendation",
		"stateMutability": "nonpayable",
		"inputs": [
			{
				"name": "rec",
				"type": "tuple",
				"components": [
					{"name": "manager", "type": "address"},
					{"name": "nonce", "type": "uint256"},
					{"name": "deadline", "type": "uint256"},
					{"name": "strategyIndices", "type": "uint256[]"},
					{"name": "weights", "type": "uint256[]"},
					{"name": "timestamp", "type": "uint256"},
					{"name": "modelVersion", "type": "string"},
					{"name": "confidence", "type": "uint256"}
				]
			},
			{"name": "signature", "type": "bytes"}
		],
		"outputs": []
	},
	{
		"type": "function",
		"name": "nonces",
		"stateMutability": "view",
		"inputs": [{"name": "agent", "type": "address"}],
		"outputs": [{"name": "", "type": "uint256"}]
	},
	{
		"type": "function",
		"name": "getAllAllocations",
		"stateMutability": "view",
		"inputs": [],
		"outputs": [{"name": "", "type": "uint256[]"}]
	}
]`

const vaultABIJSON = `[
	{
		"type": "function",
		"name": "rebalance",
		"stateMutability": "nonpayable",
		"inputs": [],
		"outputs": []
	},
	{
		"type": "function",
		"name": "totalAssets",
		"stateMutability": "view",
		"inputs": [],
		"outputs": [{"name": "", "type": "uint256"}]
	},
	{
		"type": "event",
		"name": "Deposit",
		"anonymous": false,
		"inputs": [
			{"name": "sender", "type": "address", "indexed": true},
			{"name": "owner", "type": "address", "indexed": true},
			{"name": "assets", "type": "uint256", "indexed": false},
			{"name": "shares", "type": "uint256", "indexed": false}
		]
	}
]`

var (
	allocationABI = mustParseABI(allocationABIJSON)
	vaultABI      = mustParseABI(vaultABIJSON)

	// DepositTopic is the topic0 of the vault Deposit event.
	DepositTopic = vaultABI.Events["Deposit"].ID
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("parse abi: %v", err))
	}
	return parsed
}

// recommendationTuple mirrors the submitRecommendation tuple for ABI packing.
type recommendationTuple struct {
	Manager         common.Address
	Nonce           *big.Int
	Deadline        *big.Int
	StrategyIndices []*big.Int
	Weights         []*big.Int
	Timestamp       *big.Int
	ModelVersion    string
	Confidence      *big.Int
}

func packSubmitRecommendation(call *RecommendationCall) ([]byte, error) {
	if call == nil {
		return nil, fmt.Errorf("nil recommendation call")
	}
	if !common.IsHexAddress(call.Manager) {
		return nil, fmt.Errorf("invalid manager address %q", call.Manager)
	}

	confidence := call.Confidence
	if confidence == nil {
		confidence = new(big.Int)
	}

	rec := recommendationTuple{
		Manager:         common.HexToAddress(call.Manager),
		Nonce:           new(big.Int).SetUint64(call.Nonce),
		Deadline:        big.NewInt(call.Deadline),
		StrategyIndices: toBigInts(call.StrategyIndices),
		Weights:         toBigInts(call.Weights),
		Timestamp:       big.NewInt(call.Timestamp),
		ModelVersion:    call.ModelVersion,
		Confidence:      confidence,
	}

	data, err := allocationABI.Pack("submitRecommendation", rec, call.Signature)
	if err != nil {
		return nil, fmt.Errorf("pack submitRecommendation: %w", err)
	}
	return data, nil
}

func packNonces(signer string) ([]byte, error) {
	if !common.IsHexAddress(signer) {
		return nil, fmt.Errorf("invalid signer address %q", signer)
	}
	return allocationABI.Pack("nonces", common.HexToAddress(signer))
}

func unpackUint(contract abi.ABI, method string, out []byte) (*big.Int, error) {
	values, err := contract.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("unpack %s: expected 1 value, got %d", method, len(values))
	}
	v, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unpack %s: unexpected type %T", method, values[0])
	}
	return v, nil
}

func unpackAllocations(out []byte) ([]uint64, error) {
	values, err := allocationABI.Unpack("getAllAllocations", out)
	if err != nil {
		return nil, fmt.Errorf("unpack getAllAllocations: %w", err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("unpack getAllAllocations: expected 1 value, got %d", len(values))
	}
	weights, ok := values[0].([]*big.Int)
	if !ok {
		return nil, fmt.Errorf("unpack getAllAllocations: unexpected type %T", values[0])
	}

	result := make([]uint64, len(weights))
	for i, w := range weights {
		if !w.IsUint64() {
			return nil, fmt.Errorf("allocation %d overflows uint64", i)
		}
		result[i] = w.Uint64()
	}
	return result, nil
}

// decodeDepositLog decodes a raw vault log into a DepositLog.
func decodeDepositLog(lg types.Log) (DepositLog, error) {
	if len(lg.Topics) != 3 || lg.Topics[0] != DepositTopic {
		return DepositLog{}, fmt.Errorf("log %s:%d is not a Deposit event", lg.TxHash.Hex(), lg.Index)
	}

	values, err := vaultABI.Unpack("Deposit", lg.Data)
	if err != nil {
		return DepositLog{}, fmt.Errorf("unpack Deposit data: %w", err)
	}
	if len(values) != 2 {
		return DepositLog{}, fmt.Errorf("unpack Deposit data: expected 2 values, got %d", len(values))
	}
	assets, ok1 := values[0].(*big.Int)
	shares, ok2 := values[1].(*big.Int)
	if !ok1 || !ok2 {
		return DepositLog{}, fmt.Errorf("unpack Deposit data: unexpected types %T, %T", values[0], values[1])
	}

	return DepositLog{
		BlockNumber: lg.BlockNumber,
		TxHash:      lg.TxHash.Hex(),
		LogIndex:    lg.Index,
		Sender:      common.BytesToAddress(lg.Topics[1].Bytes()).Hex(),
		Owner:       common.BytesToAddress(lg.Topics[2].Bytes()).Hex(),
		Assets:      assets,
		Shares:      shares,
	}, nil
}

func toBigInts(vs []uint64) []*big.Int {
	out := make([]*big.Int, len(vs))
	for i, v := range vs {
		out[i] = new(big.Int).SetUint64(v)
	}
	return out
}
