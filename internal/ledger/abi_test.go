package ledger

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPackSubmitRecommendation(t *testing.T) {
	call := &RecommendationCall{
		Manager:         "0x2222222222222222222222222222222222222222",
		Nonce:           7,
		Deadline:        1700003600,
		StrategyIndices: []uint64{0, 2},
		Weights:         []uint64{6000, 4000},
		Timestamp:       1700000000,
		ModelVersion:    "lstm-v2",
		Confidence:      big.NewInt(850000000000000000),
		Signature:       []byte{0x01, 0x02, 0x03},
	}

	data, err := packSubmitRecommendation(call)
	require.NoError(t, err)

	method := allocationABI.Methods["submitRecommendation"]
	assert.Equal(t, method.ID, data[:4])

	args, err := method.Inputs.Unpack(data[4:])
	require.NoError(t, err)
	require.Len(t, args, 2)
	assert.Equal(t, call.Signature, args[1])
}

func TestPackSubmitRecommendation_InvalidManager(t *testing.T) {
	_, err := packSubmitRecommendation(&RecommendationCall{Manager: "not-an-address"})
	assert.Error(t, err)

	_, err = packSubmitRecommendation(nil)
	assert.Error(t, err)
}

func TestUnpackAllocations(t *testing.T) {
	out, err := allocationABI.Methods["getAllAllocations"].Outputs.Pack([]*big.Int{big.NewInt(5000), big.NewInt(3000), big.NewInt(2000)})
	require.NoError(t, err)

	weights, err := unpackAllocations(out)
	require.NoError(t, err)
	assert.Equal(t, []uint64{5000, 3000, 2000}, weights)
}

func TestDecodeDepositLog(t *testing.T) {
	sender := common.HexToAddress("0x1111111111111111111111111111111111111111")
	owner := common.HexToAddress("0x3333333333333333333333333333333333333333")

	data, err := vaultABI.Events["Deposit"].Inputs.NonIndexed().Pack(big.NewInt(1500_000000), big.NewInt(1490_000000))
	require.NoError(t, err)

	lg := types.Log{
		Topics: []common.Hash{
			DepositTopic,
			common.BytesToHash(sender.Bytes()),
			common.BytesToHash(owner.Bytes()),
		},
		Data:        data,
		BlockNumber: 19_500_010,
		TxHash:      common.HexToHash("0xabc"),
		Index:       3,
	}

	d, err := decodeDepositLog(lg)
	require.NoError(t, err)

	assert.Equal(t, uint64(19_500_010), d.BlockNumber)
	assert.Equal(t, uint(3), d.LogIndex)
	assert.Equal(t, sender.Hex(), d.Sender)
	assert.Equal(t, owner.Hex(), d.Owner)
	assert.Equal(t, int64(1500_000000), d.Assets.Int64())
	assert.Equal(t, int64(1490_000000), d.Shares.Int64())
}

func TestDecodeDepositLog_WrongTopic(t *testing.T) {
	_, err := decodeDepositLog(types.Log{Topics: []common.Hash{common.HexToHash("0x01")}})
	assert.Error(t, err)
}

func TestGasLimitWithMargin(t *testing.T) {
	assert.Equal(t, uint64(120_000), GasLimitWithMargin(100_000))
	assert.Equal(t, uint64(25), GasLimitWithMargin(21))
	assert.Equal(t, uint64(0), GasLimitWithMargin(0))
}
