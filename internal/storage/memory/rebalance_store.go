package memory

import (
	"context"
	"math/big"
	"sync"

	"allocation-keeper/internal/domain"
	"allocation-keeper/internal/storage"
)

// RebalanceStore is an in-memory implementation of storage.RebalanceStore.
type RebalanceStore struct {
	mu     sync.RWMutex
	data   []*domain.RebalanceRecord
	hashes map[string]struct{}
}

// NewRebalanceStore creates a new in-memory rebalance store.
func NewRebalanceStore() *RebalanceStore {
	return &RebalanceStore{
		hashes: make(map[string]struct{}),
	}
}

// Insert adds a rebalance record. Returns ErrDuplicateKey if tx_hash exists.
func (s *RebalanceStore) Insert(_ context.Context, r *domain.RebalanceRecord) error {
	if r == nil || r.TxHash == "" || !r.TriggeredBy.IsValid() {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.hashes[r.TxHash]; exists {
		return storage.ErrDuplicateKey
	}

	s.hashes[r.TxHash] = struct{}{}
	s.data = append(s.data, copyRebalance(r))
	return nil
}

// GetRecent retrieves the latest rebalances, newest first.
func (s *RebalanceStore) GetRecent(_ context.Context, limit int) ([]*domain.RebalanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.RebalanceRecord
	for i := len(s.data) - 1; i >= 0; i-- {
		if limit > 0 && len(result) >= limit {
			break
		}
		result = append(result, copyRebalance(s.data[i]))
	}
	return result, nil
}

func copyRebalance(r *domain.RebalanceRecord) *domain.RebalanceRecord {
	c := *r
	if r.TriggerDepositAmount != nil {
		c.TriggerDepositAmount = new(big.Int).Set(r.TriggerDepositAmount)
	}
	c.AllocationsSnapshot = append([]uint64(nil), r.AllocationsSnapshot...)
	return &c
}
