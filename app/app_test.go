package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nearview/cache"
	"nearview/config"
	"nearview/fault"
	"nearview/ingest"
	"nearview/keys"
	"nearview/shards"
	"nearview/types"
)

func testConfig(t *testing.T, backend string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Storage.Backend = backend
	cfg.Storage.DataDir = t.TempDir()
	cfg.Sandbox.Workers = 2
	cfg.Log.Level = "error"
	return cfg
}

func seed(t *testing.T, a *App, height uint64, changes ...types.StateChange) {
	t.Helper()
	require.NoError(t, a.Ingest.HandleBlock(context.Background(), &ingest.Block{
		Height:    height,
		Timestamp: height,
		Shards:    []ingest.ShardChanges{{Changes: changes}},
	}))
}

func accountChange(id string, amount uint64) types.StateChange {
	return types.StateChange{
		Type:      types.ChangeAccountUpdate,
		AccountID: id,
		Account:   &types.Account{Amount: uint256.NewInt(amount), Locked: new(uint256.Int)},
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t, "tape")
	_, err := New(context.Background(), cfg, Options{})
	assert.ErrorContains(t, err, "unknown storage backend")
}

func TestFileBackend(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, config.BackendFile)
	cfg.Cache.Enabled = false
	a, err := New(ctx, cfg, Options{Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)
	defer a.Close()

	require.NotNil(t, a.Sandbox)
	require.NotNil(t, a.Pool)
	seed(t, a, 1, accountChange("alice.near", 42))

	view, err := a.Query.ViewAccount(ctx, "alice.near", nil)
	require.NoError(t, err)
	assert.Equal(t, "42", view.Amount)

	_, err = a.Query.RunContract(ctx, "alice.near", "main", nil, nil)
	assert.True(t, fault.Is(err, fault.CodeCodeNotFound))
}

func TestReopenKeepsState(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, config.BackendPebble)

	a, err := New(ctx, cfg, Options{StateOnly: true})
	require.NoError(t, err)
	seed(t, a, 5, accountChange("bob.near", 7))
	require.NoError(t, a.Close())

	a, err = New(ctx, cfg, Options{StateOnly: true})
	require.NoError(t, err)
	defer a.Close()
	assert.Nil(t, a.Sandbox)
	assert.Nil(t, a.Pool)

	view, err := a.Query.ViewAccount(ctx, "bob.near", nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), view.BlockHeight)

	_, err = a.Query.RunContract(ctx, "bob.near", "main", nil, nil)
	assert.True(t, fault.Is(err, fault.CodeHostError))
}

func TestShardedCachedStorage(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, config.BackendFile)
	cfg.Storage.Shards = 3
	a, err := New(ctx, cfg, Options{StateOnly: true})
	require.NoError(t, err)
	defer a.Close()

	require.IsType(t, &cache.Engine{}, a.Engine)
	for i := 0; i < 3; i++ {
		_, err := os.Stat(filepath.Join(cfg.Storage.DataDir, fmt.Sprintf("shard-%02d", i)))
		require.NoError(t, err)
	}

	ids := []string{"a.near", "b.near", "c.near", "d.near", "e.near", "f.near"}
	var changes []types.StateChange
	for i, id := range ids {
		changes = append(changes, accountChange(id, uint64(i+1)))
	}
	seed(t, a, 1, changes...)

	for i, id := range ids {
		view, err := a.Query.ViewAccount(ctx, id, nil)
		require.NoError(t, err, id)
		assert.Equal(t, fmt.Sprint(i+1), view.Amount)
	}
}

func TestRedisBackend(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	cfg := testConfig(t, config.BackendRedis)
	cfg.Storage.RedisAddr = mr.Addr()
	cfg.Storage.Shards = 2
	cfg.Cache.Enabled = false
	a, err := New(ctx, cfg, Options{StateOnly: true})
	require.NoError(t, err)
	defer a.Close()

	require.IsType(t, &shards.Router{}, a.Engine)

	seed(t, a, 3, accountChange("r.near", 9))
	view, err := a.Query.ViewAccount(ctx, "r.near", nil)
	require.NoError(t, err)
	assert.Equal(t, "9", view.Amount)
}

func TestCompact(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, config.BackendPebble)
	a, err := New(ctx, cfg, Options{StateOnly: true})
	require.NoError(t, err)
	defer a.Close()

	for h := uint64(1); h <= 4; h++ {
		seed(t, a, h, types.StateChange{
			Type: types.ChangeDataUpdate, AccountID: "c.near",
			Key: []byte("k"), Value: []byte{byte('0' + h)},
		})
	}
	require.NoError(t, a.Compact(ctx, keys.ScopeData, "c.near", []byte("k"), 3))

	key := keys.DataKey("c.near", []byte("k"))
	_, ok, err := a.Engine.GetLatestDataBlockHeight(ctx, key, 2)
	require.NoError(t, err)
	assert.False(t, ok)
	v, err := a.Engine.GetLatestData(ctx, key, 3)
	require.NoError(t, err)
	assert.Equal(t, "3", string(v))
	v, err = a.Engine.GetLatestData(ctx, key, 4)
	require.NoError(t, err)
	assert.Equal(t, "4", string(v))

	assert.Error(t, a.Compact(ctx, keys.Scope('z'), "c.near", nil, 3))
}
