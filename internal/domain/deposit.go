package domain

import "math/big"

// DepositRecord is an observed vault Deposit event.
// Corresponds to deposit_events table in PostgreSQL. Write-once.
type DepositRecord struct {
	BlockNumber        uint64   // block containing the log
	TxHash             string   // UNIQUE with LogIndex
	LogIndex           uint     // position of the log within the block
	SenderAddress      string   // indexed sender
	OwnerAddress       string   // indexed owner
	AssetsAmount       *big.Int // assets deposited, native decimals
	SharesAmount       *big.Int // shares minted
	ObservedAt         int64    // unix seconds
	RebalanceTriggered bool     // assets >= threshold at observation time
}
