package ledger

import (
	"errors"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// dataError mimics the JSON-RPC error a node returns for a reverted call.
type dataError struct {
	msg  string
	data any
}

func (e *dataError) Error() string  { return e.msg }
func (e *dataError) ErrorData() any { return e.data }

func encodeRevert(t *testing.T, reason string) string {
	t.Helper()

	stringType, err := abi.NewType("string", "", nil)
	require.NoError(t, err)

	packed, err := abi.Arguments{{Type: stringType}}.Pack(reason)
	require.NoError(t, err)

	selector := crypto.Keccak256([]byte("Error(string)"))[:4]
	return hexutil.Encode(append(selector, packed...))
}

func TestFailureReason(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "nil",
			err:  nil,
			want: "",
		},
		{
			name: "revert error",
			err:  &RevertError{Reason: "Invalid signature", TxHash: "0x01"},
			want: "Invalid signature",
		},
		{
			name: "wrapped revert error",
			err:  fmt.Errorf("wait for receipt: %w", &RevertError{Reason: "Invalid signature"}),
			want: "Invalid signature",
		},
		{
			name: "revert without reason",
			err:  &RevertError{TxHash: "0x01"},
			want: "transaction reverted",
		},
		{
			name: "revert message text",
			err:  errors.New("estimate gas: execution reverted: Deadline passed"),
			want: "Deadline passed",
		},
		{
			name: "plain error",
			err:  errors.New("connection refused"),
			want: "connection refused",
		},
		{
			name: "undecodable data falls back to text",
			err:  &dataError{msg: "execution reverted", data: "0x1234"},
			want: "execution reverted",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FailureReason(tt.err))
		})
	}
}

func TestFailureReason_DataError(t *testing.T) {
	err := fmt.Errorf("estimate gas: %w", &dataError{
		msg:  "execution reverted",
		data: encodeRevert(t, "Invalid signature"),
	})

	assert.Equal(t, "Invalid signature", FailureReason(err))
}
