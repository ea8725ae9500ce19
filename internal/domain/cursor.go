package domain

// Cursor is the last block fully processed by the deposit scanner.
// Corresponds to the singleton row of keeper_state table in PostgreSQL.
type Cursor struct {
	LastProcessedBlock uint64
	UpdatedAt          int64 // unix seconds
}
