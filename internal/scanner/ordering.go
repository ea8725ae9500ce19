package scanner

import (
	"cmp"
	"slices"

	"allocation-keeper/internal/ledger"
)

// SortDeposits orders logs by (block ASC, log_index ASC), the order the
// ledger emitted them in, and drops repeated (block, log_index) entries.
// The returned slice shares the backing array of logs.
func SortDeposits(logs []ledger.DepositLog) []ledger.DepositLog {
	slices.SortStableFunc(logs, compareDeposits)
	return slices.CompactFunc(logs, func(a, b ledger.DepositLog) bool {
		return compareDeposits(a, b) == 0
	})
}

func compareDeposits(a, b ledger.DepositLog) int {
	if c := cmp.Compare(a.BlockNumber, b.BlockNumber); c != 0 {
		return c
	}
	return cmp.Compare(a.LogIndex, b.LogIndex)
}
