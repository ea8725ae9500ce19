package domain

import "math/big"

// RebalanceRecord is an executed vault rebalance.
// Corresponds to rebalance_events table in PostgreSQL. Write-once.
type RebalanceRecord struct {
	TriggerBlock         uint64        // block of the originating event
	TriggerDepositAmount *big.Int      // nil when triggered by an allocation update
	TxHash               string        // UNIQUE
	ConfirmedBlock       uint64        // receipt block
	GasUsed              uint64        // receipt gas used
	ObservedAt           int64         // unix seconds
	TriggeredBy          TriggerSource // deposit_event | allocation_update
	AllocationsSnapshot  []uint64      // weights read after confirmation
}
