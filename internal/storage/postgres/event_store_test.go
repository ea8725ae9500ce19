package postgres

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"allocation-keeper/internal/domain"
	"allocation-keeper/internal/storage"
)

func TestDepositStore(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewDepositStore(pool)

	t.Run("InsertAndRange", func(t *testing.T) {
		cleanTables(t, pool)

		large, _ := new(big.Int).SetString("123456789012345678901234567890", 10)
		deposits := []*domain.DepositRecord{
			{BlockNumber: 12, TxHash: "0x02", LogIndex: 0, SenderAddress: "0xs", OwnerAddress: "0xo", AssetsAmount: big.NewInt(500_000000), SharesAmount: big.NewInt(499), ObservedAt: 1},
			{BlockNumber: 10, TxHash: "0x01", LogIndex: 4, SenderAddress: "0xs", OwnerAddress: "0xo", AssetsAmount: large, SharesAmount: big.NewInt(1), ObservedAt: 1, RebalanceTriggered: true},
			{BlockNumber: 30, TxHash: "0x03", LogIndex: 0, SenderAddress: "0xs", OwnerAddress: "0xo", AssetsAmount: big.NewInt(1), SharesAmount: big.NewInt(1), ObservedAt: 1},
		}
		for _, d := range deposits {
			require.NoError(t, store.Insert(ctx, d))
		}

		got, err := store.GetByBlockRange(ctx, 10, 20)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, uint64(10), got[0].BlockNumber)
		assert.Equal(t, uint(4), got[0].LogIndex)
		assert.Equal(t, 0, large.Cmp(got[0].AssetsAmount))
		assert.True(t, got[0].RebalanceTriggered)
		assert.Equal(t, uint64(12), got[1].BlockNumber)
		assert.False(t, got[1].RebalanceTriggered)
	})

	t.Run("DuplicateLog", func(t *testing.T) {
		cleanTables(t, pool)

		d := &domain.DepositRecord{BlockNumber: 1, TxHash: "0xdup", LogIndex: 2, AssetsAmount: big.NewInt(1), SharesAmount: big.NewInt(1)}
		require.NoError(t, store.Insert(ctx, d))
		assert.ErrorIs(t, store.Insert(ctx, d), storage.ErrDuplicateKey)
	})
}

func TestRebalanceStore(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewRebalanceStore(pool)

	t.Run("InsertAndRecent", func(t *testing.T) {
		cleanTables(t, pool)

		require.NoError(t, store.Insert(ctx, &domain.RebalanceRecord{
			TriggerBlock:         100,
			TriggerDepositAmount: big.NewInt(1500_000000),
			TxHash:               "0xr1",
			ConfirmedBlock:       102,
			GasUsed:              250000,
			ObservedAt:           1700000000,
			TriggeredBy:          domain.TriggerDepositEvent,
			AllocationsSnapshot:  []uint64{6000, 4000},
		}))
		require.NoError(t, store.Insert(ctx, &domain.RebalanceRecord{
			TriggerBlock:        110,
			TxHash:              "0xr2",
			ConfirmedBlock:      111,
			ObservedAt:          1700000100,
			TriggeredBy:         domain.TriggerAllocationUpdate,
			AllocationsSnapshot: []uint64{10000},
		}))

		got, err := store.GetRecent(ctx, 10)
		require.NoError(t, err)
		require.Len(t, got, 2)

		assert.Equal(t, "0xr2", got[0].TxHash)
		assert.Nil(t, got[0].TriggerDepositAmount)
		assert.Equal(t, domain.TriggerAllocationUpdate, got[0].TriggeredBy)

		assert.Equal(t, "0xr1", got[1].TxHash)
		assert.Equal(t, int64(1500_000000), got[1].TriggerDepositAmount.Int64())
		assert.Equal(t, []uint64{6000, 4000}, got[1].AllocationsSnapshot)
	})

	t.Run("DuplicateHash", func(t *testing.T) {
		cleanTables(t, pool)

		r := &domain.RebalanceRecord{TxHash: "0xsame", TriggeredBy: domain.TriggerDepositEvent, AllocationsSnapshot: []uint64{}}
		require.NoError(t, store.Insert(ctx, r))
		assert.ErrorIs(t, store.Insert(ctx, r), storage.ErrDuplicateKey)
	})
}
