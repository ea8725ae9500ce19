package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"allocation-keeper/internal/domain"
	"allocation-keeper/internal/storage"
)

// RecommendationStore is an in-memory implementation of storage.RecommendationStore.
type RecommendationStore struct {
	mu     sync.RWMutex
	data   map[string]*domain.Recommendation // keyed by id
	writes int                               // successful status or field updates
}

// NewRecommendationStore creates a new in-memory recommendation store.
func NewRecommendationStore() *RecommendationStore {
	return &RecommendationStore{
		data: make(map[string]*domain.Recommendation),
	}
}

// Insert adds a new recommendation. An empty ID is filled with a random UUID.
func (s *RecommendationStore) Insert(_ context.Context, r *domain.Recommendation) error {
	if r == nil {
		return storage.ErrInvalidInput
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Status == "" {
		r.Status = domain.StatusPending
	}
	if !r.Status.IsValid() {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[r.ID]; exists {
		return storage.ErrDuplicateKey
	}

	s.data[r.ID] = r.Clone()
	return nil
}

// GetByID retrieves a recommendation by its ID.
func (s *RecommendationStore) GetByID(_ context.Context, id string) (*domain.Recommendation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, exists := s.data[id]
	if !exists {
		return nil, storage.ErrNotFound
	}
	return r.Clone(), nil
}

// NextPending returns the newest eligible pending recommendation.
func (s *RecommendationStore) NextPending(_ context.Context, now time.Time) (*domain.Recommendation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	nowUnix := now.Unix()
	var best *domain.Recommendation
	for _, r := range s.data {
		if r.Status != domain.StatusPending || r.Submitted || r.Deadline <= nowUnix {
			continue
		}
		if best == nil || newer(r, best) {
			best = r
		}
	}

	if best == nil {
		return nil, storage.ErrNotFound
	}
	return best.Clone(), nil
}

// ListByStatus retrieves recommendations with the given status, newest first.
func (s *RecommendationStore) ListByStatus(_ context.Context, status domain.RecommendationStatus, limit int) ([]*domain.Recommendation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Recommendation
	for _, r := range s.data {
		if r.Status == status {
			result = append(result, r.Clone())
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return newer(result[i], result[j])
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// UpdateNonce overwrites the recorded nonce of a pending recommendation.
func (s *RecommendationStore) UpdateNonce(_ context.Context, id string, nonce uint64) error {
	return s.mutatePending(id, func(r *domain.Recommendation) {
		r.Nonce = nonce
	})
}

// MarkExecuted records a confirmed submission.
func (s *RecommendationStore) MarkExecuted(_ context.Context, id string, result storage.SubmissionResult) error {
	return s.mutatePending(id, func(r *domain.Recommendation) {
		r.Status = domain.StatusExecuted
		r.Submitted = true
		r.TxHash = result.TxHash
		r.BlockNumber = result.BlockNumber
		r.GasUsed = result.GasUsed
	})
}

// MarkFailed records a terminal failure. A non-empty txHash marks the
// recommendation as submitted.
func (s *RecommendationStore) MarkFailed(_ context.Context, id string, reason string, txHash string) error {
	return s.mutatePending(id, func(r *domain.Recommendation) {
		r.Status = domain.StatusFailed
		r.ErrorReason = reason
		if txHash != "" {
			r.TxHash = txHash
			r.Submitted = true
		}
	})
}

// MarkExpired records a deadline rejection.
func (s *RecommendationStore) MarkExpired(_ context.Context, id string) error {
	return s.mutatePending(id, func(r *domain.Recommendation) {
		r.Status = domain.StatusExpired
		r.ErrorReason = "expired"
	})
}

// ExpireStale marks stale pending recommendations as expired.
func (s *RecommendationStore) ExpireStale(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nowUnix := now.Unix()
	count := 0
	for _, r := range s.data {
		if r.Status == domain.StatusPending && !r.Submitted && r.Deadline < nowUnix {
			r.Status = domain.StatusExpired
			r.ErrorReason = "expired"
			r.UpdatedAt = time.Now().Unix()
			count++
			s.writes++
		}
	}
	return count, nil
}

// Writes returns the number of document updates applied since creation.
// Inserts are not counted.
func (s *RecommendationStore) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}

// Len returns the number of stored recommendations.
func (s *RecommendationStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

func (s *RecommendationStore) mutatePending(id string, fn func(r *domain.Recommendation)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, exists := s.data[id]
	if !exists {
		return storage.ErrNotFound
	}
	if r.Status != domain.StatusPending {
		return storage.ErrNotPending
	}

	fn(r)
	r.UpdatedAt = time.Now().Unix()
	s.writes++
	return nil
}

// newer orders by created_at DESC, id DESC.
func newer(a, b *domain.Recommendation) bool {
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt > b.CreatedAt
	}
	return a.ID > b.ID
}
