package statedb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nearview/keys"
	"nearview/storage"
	"nearview/storage/storagetest"
)

func openTestDB(t *testing.T, backend string) *DB {
	t.Helper()
	db, err := New(Config{
		Backend:         backend,
		DataDir:         t.TempDir(),
		MaxSubKeyLength: storagetest.MaxSubKeyLength,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestEngineConformance(t *testing.T) {
	for _, backend := range []string{BackendPebble, BackendBadger, BackendLevelDB} {
		t.Run(backend, func(t *testing.T) {
			storagetest.Run(t, func(t *testing.T) storage.Engine {
				return openTestDB(t, backend)
			})
		})
	}
}

func TestUnknownBackend(t *testing.T) {
	_, err := New(Config{Backend: "rocks", DataDir: t.TempDir()})
	require.Error(t, err)
}

func TestReopenKeepsData(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	db, err := New(Config{Backend: BackendPebble, DataDir: dir})
	require.NoError(t, err)
	require.NoError(t, db.WriteBatch(ctx, func(b storage.Batch) error {
		return b.SetData(keys.ScopeData, "r.near", []byte("k"), 3, []byte("v"))
	}))
	require.NoError(t, db.SetLatestBlockHeight(ctx, 3))
	require.NoError(t, db.Close())

	db, err = New(Config{Backend: BackendPebble, DataDir: dir})
	require.NoError(t, err)
	defer db.Close()

	h, ok, err := db.GetLatestBlockHeight(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(3), h)

	v, err := db.GetLatestData(ctx, keys.DataKey("r.near", []byte("k")), 10)
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
}

func TestClosedEngine(t *testing.T) {
	db, err := New(Config{Backend: BackendPebble, DataDir: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, db.Close())
	require.NoError(t, db.Close())

	_, _, err = db.GetLatestBlockHeight(context.Background())
	assert.ErrorIs(t, err, storage.ErrClosed)
}

func TestCompactAccount(t *testing.T) {
	db := openTestDB(t, BackendPebble)
	ctx := context.Background()
	require.NoError(t, db.WriteBatch(ctx, func(b storage.Batch) error {
		for h := uint64(1); h <= 5; h++ {
			if err := b.SetData(keys.ScopeData, "c.near", []byte("k"), h, []byte{byte(h)}); err != nil {
				return err
			}
		}
		return nil
	}))
	require.NoError(t, db.WriteBatch(ctx, func(b storage.Batch) error {
		return b.CleanOlderData(keys.DataKey("c.near", []byte("k")), 5)
	}))
	require.NoError(t, db.CompactAccount("c.near"))
	require.NoError(t, db.Compact())
	require.Error(t, db.CompactAccount(" "))

	v, err := db.GetLatestData(ctx, keys.DataKey("c.near", []byte("k")), 5)
	require.NoError(t, err)
	assert.Equal(t, []byte{5}, v)
}
