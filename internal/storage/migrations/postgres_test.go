package migrations

import (
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFiles_Ordered(t *testing.T) {
	files, err := Files()
	require.NoError(t, err)
	require.NotEmpty(t, files)
	assert.Equal(t, "001_keeper.sql", files[0])
	assert.IsIncreasing(t, files)
}

func TestSchema_DeclaresKeeperCollections(t *testing.T) {
	data, err := fs.ReadFile(PostgresFS, "postgres/001_keeper.sql")
	require.NoError(t, err)

	sql := string(data)
	for _, table := range []string{"recommendations", "keeper_state", "deposit_events", "rebalance_events"} {
		assert.Contains(t, sql, "CREATE TABLE IF NOT EXISTS "+table)
	}
}
