package ledger

import (
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

const revertPrefix = "execution reverted: "

// RevertError is returned when a mined transaction has a failed status.
type RevertError struct {
	Reason string // decoded revert string, empty if unavailable
	TxHash string
}

func (e *RevertError) Error() string {
	if e.Reason == "" {
		return "transaction reverted"
	}
	return revertPrefix + e.Reason
}

// FailureReason extracts the most specific human-readable reason from a
// ledger error: a decoded revert string when one is available, otherwise
// the error text.
func FailureReason(err error) string {
	if err == nil {
		return ""
	}

	var revertErr *RevertError
	if errors.As(err, &revertErr) && revertErr.Reason != "" {
		return revertErr.Reason
	}

	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if reason := decodeRevertData(dataErr.ErrorData()); reason != "" {
			return reason
		}
	}

	msg := err.Error()
	if i := strings.Index(msg, revertPrefix); i >= 0 {
		return msg[i+len(revertPrefix):]
	}
	return msg
}

// decodeRevertData decodes Error(string) revert data returned by a node.
func decodeRevertData(data any) string {
	s, ok := data.(string)
	if !ok {
		return ""
	}
	raw, err := hexutil.Decode(s)
	if err != nil {
		return ""
	}
	reason, err := abi.UnpackRevert(raw)
	if err != nil {
		return ""
	}
	return reason
}
