package memory

import (
	"context"
	"math/big"
	"sort"
	"sync"

	"allocation-keeper/internal/domain"
	"allocation-keeper/internal/storage"
)

// DepositStore is an in-memory implementation of storage.DepositStore.
type DepositStore struct {
	mu   sync.RWMutex
	data []*domain.DepositRecord
	keys map[depositKey]struct{}
}

type depositKey struct {
	txHash   string
	logIndex uint
}

// NewDepositStore creates a new in-memory deposit store.
func NewDepositStore() *DepositStore {
	return &DepositStore{
		keys: make(map[depositKey]struct{}),
	}
}

// Insert adds a deposit record. Returns ErrDuplicateKey if (tx_hash, log_index) exists.
func (s *DepositStore) Insert(_ context.Context, d *domain.DepositRecord) error {
	if d == nil || d.TxHash == "" || d.AssetsAmount == nil {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := depositKey{txHash: d.TxHash, logIndex: d.LogIndex}
	if _, exists := s.keys[key]; exists {
		return storage.ErrDuplicateKey
	}

	s.keys[key] = struct{}{}
	s.data = append(s.data, copyDeposit(d))
	return nil
}

// GetByBlockRange retrieves deposits within [from, to] (inclusive).
func (s *DepositStore) GetByBlockRange(_ context.Context, from, to uint64) ([]*domain.DepositRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.DepositRecord
	for _, d := range s.data {
		if d.BlockNumber >= from && d.BlockNumber <= to {
			result = append(result, copyDeposit(d))
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].BlockNumber != result[j].BlockNumber {
			return result[i].BlockNumber < result[j].BlockNumber
		}
		return result[i].LogIndex < result[j].LogIndex
	})
	return result, nil
}

// All returns every stored deposit in insertion order.
func (s *DepositStore) All() []*domain.DepositRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.DepositRecord, len(s.data))
	for i, d := range s.data {
		result[i] = copyDeposit(d)
	}
	return result
}

func copyDeposit(d *domain.DepositRecord) *domain.DepositRecord {
	c := *d
	if d.AssetsAmount != nil {
		c.AssetsAmount = new(big.Int).Set(d.AssetsAmount)
	}
	if d.SharesAmount != nil {
		c.SharesAmount = new(big.Int).Set(d.SharesAmount)
	}
	return &c
}
