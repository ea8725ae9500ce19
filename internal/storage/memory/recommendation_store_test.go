package memory

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"allocation-keeper/internal/domain"
	"allocation-keeper/internal/storage"
)

func newRecommendation(id string, createdAt, deadline int64) *domain.Recommendation {
	return &domain.Recommendation{
		ID:                id,
		SignerAddress:     "0x1111111111111111111111111111111111111111",
		Nonce:             1,
		Deadline:          deadline,
		AllocationIndices: []uint64{0, 1},
		AllocationWeights: []uint64{6000, 4000},
		Confidence:        big.NewInt(9e17),
		ModelVersion:      "v1",
		CreatedAt:         createdAt,
		Signature:         []byte{0x01, 0x02},
		Status:            domain.StatusPending,
	}
}

func TestRecommendationStore_InsertAndGet(t *testing.T) {
	store := NewRecommendationStore()
	ctx := context.Background()

	r := newRecommendation("rec-1", 100, 2000)
	if err := store.Insert(ctx, r); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	got, err := store.GetByID(ctx, "rec-1")
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got.Nonce != 1 || got.Confidence.Cmp(big.NewInt(9e17)) != 0 {
		t.Errorf("unexpected recommendation: %+v", got)
	}

	// Mutating the returned copy must not leak into the store
	got.AllocationWeights[0] = 1
	again, _ := store.GetByID(ctx, "rec-1")
	if again.AllocationWeights[0] != 6000 {
		t.Errorf("store was mutated through returned copy")
	}
}

func TestRecommendationStore_InsertGeneratesID(t *testing.T) {
	store := NewRecommendationStore()
	r := newRecommendation("", 100, 2000)

	if err := store.Insert(context.Background(), r); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if r.ID == "" {
		t.Fatal("expected generated id")
	}
}

func TestRecommendationStore_DuplicateKey(t *testing.T) {
	store := NewRecommendationStore()
	ctx := context.Background()

	if err := store.Insert(ctx, newRecommendation("dup", 100, 2000)); err != nil {
		t.Fatalf("First insert failed: %v", err)
	}
	err := store.Insert(ctx, newRecommendation("dup", 100, 2000))
	if !errors.Is(err, storage.ErrDuplicateKey) {
		t.Errorf("Expected ErrDuplicateKey, got %v", err)
	}
}

func TestRecommendationStore_NextPendingNewestFirst(t *testing.T) {
	store := NewRecommendationStore()
	ctx := context.Background()
	now := time.Unix(1000, 0)

	_ = store.Insert(ctx, newRecommendation("old", 100, 2000))
	_ = store.Insert(ctx, newRecommendation("new", 300, 2000))
	_ = store.Insert(ctx, newRecommendation("past-deadline", 500, 900))

	submitted := newRecommendation("submitted", 400, 2000)
	submitted.Submitted = true
	_ = store.Insert(ctx, submitted)

	executed := newRecommendation("executed", 450, 2000)
	executed.Status = domain.StatusExecuted
	_ = store.Insert(ctx, executed)

	got, err := store.NextPending(ctx, now)
	if err != nil {
		t.Fatalf("NextPending failed: %v", err)
	}
	if got.ID != "new" {
		t.Errorf("NextPending = %s, want new", got.ID)
	}
}

func TestRecommendationStore_NextPendingEmpty(t *testing.T) {
	store := NewRecommendationStore()

	_, err := store.NextPending(context.Background(), time.Unix(1000, 0))
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestRecommendationStore_Lifecycle(t *testing.T) {
	store := NewRecommendationStore()
	ctx := context.Background()
	_ = store.Insert(ctx, newRecommendation("rec", 100, 2000))

	if err := store.UpdateNonce(ctx, "rec", 7); err != nil {
		t.Fatalf("UpdateNonce failed: %v", err)
	}
	if err := store.MarkExecuted(ctx, "rec", storage.SubmissionResult{TxHash: "0xabc", BlockNumber: 10, GasUsed: 21000}); err != nil {
		t.Fatalf("MarkExecuted failed: %v", err)
	}

	got, _ := store.GetByID(ctx, "rec")
	if got.Status != domain.StatusExecuted || !got.Submitted || got.Nonce != 7 || got.TxHash != "0xabc" {
		t.Errorf("unexpected state: %+v", got)
	}

	// Terminal documents reject further transitions
	if err := store.MarkFailed(ctx, "rec", "boom", ""); !errors.Is(err, storage.ErrNotPending) {
		t.Errorf("Expected ErrNotPending, got %v", err)
	}
	if err := store.MarkExpired(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestRecommendationStore_MarkFailedWithoutTx(t *testing.T) {
	store := NewRecommendationStore()
	ctx := context.Background()
	_ = store.Insert(ctx, newRecommendation("rec", 100, 2000))

	if err := store.MarkFailed(ctx, "rec", "estimate failed", ""); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}

	got, _ := store.GetByID(ctx, "rec")
	if got.Status != domain.StatusFailed || got.Submitted || got.ErrorReason != "estimate failed" {
		t.Errorf("unexpected state: %+v", got)
	}
}

func TestRecommendationStore_ExpireStale(t *testing.T) {
	store := NewRecommendationStore()
	ctx := context.Background()

	_ = store.Insert(ctx, newRecommendation("stale-1", 100, 500))
	_ = store.Insert(ctx, newRecommendation("stale-2", 100, 900))
	_ = store.Insert(ctx, newRecommendation("fresh", 100, 2000))

	n, err := store.ExpireStale(ctx, time.Unix(1000, 0))
	if err != nil {
		t.Fatalf("ExpireStale failed: %v", err)
	}
	if n != 2 {
		t.Errorf("ExpireStale = %d, want 2", n)
	}

	expired, _ := store.ListByStatus(ctx, domain.StatusExpired, 0)
	if len(expired) != 2 {
		t.Errorf("expected 2 expired, got %d", len(expired))
	}
	pending, _ := store.ListByStatus(ctx, domain.StatusPending, 0)
	if len(pending) != 1 || pending[0].ID != "fresh" {
		t.Errorf("unexpected pending set: %+v", pending)
	}
}
