package shards

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nearview/filestore"
	"nearview/keys"
	"nearview/storage"
	"nearview/storage/storagetest"
)

func openEngines(t *testing.T, n int) []storage.Engine {
	t.Helper()
	out := make([]storage.Engine, n)
	for i := range out {
		s, err := filestore.Open(filestore.Config{Dir: t.TempDir(), MaxSubKeyLength: storagetest.MaxSubKeyLength})
		require.NoError(t, err)
		out[i] = s
	}
	return out
}

func openRouter(t *testing.T, n int) (*Router, []storage.Engine) {
	t.Helper()
	engines := openEngines(t, n)
	r, err := New(engines...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r, engines
}

func TestEngineConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Engine {
		r, _ := openRouter(t, 4)
		return r
	})
}

func TestNoEngines(t *testing.T) {
	_, err := New()
	require.Error(t, err)
}

func TestRoutingIsStableAndSpread(t *testing.T) {
	r, engines := openRouter(t, 4)
	ctx := context.Background()

	seen := map[int]bool{}
	for i := 0; i < 64; i++ {
		account := fmt.Sprintf("acct%d.near", i)
		assert.Equal(t, r.ShardOf(account), r.ShardOf(account))
		seen[r.ShardOf(account)] = true
	}
	assert.Len(t, seen, 4)

	require.NoError(t, r.WriteBatch(ctx, func(b storage.Batch) error {
		return b.SetData(keys.ScopeData, "test.near", []byte("k"), 1, []byte("v"))
	}))
	owner := r.ShardOf("test.near")
	for i, e := range engines {
		v, err := e.GetLatestData(ctx, keys.DataKey("test.near", []byte("k")), 1)
		require.NoError(t, err)
		if i == owner {
			assert.Equal(t, []byte("v"), v)
		} else {
			assert.Nil(t, v)
		}
	}
}

func TestMetaWrittenToAllShards(t *testing.T) {
	r, engines := openRouter(t, 3)
	ctx := context.Background()
	require.NoError(t, r.SetLatestBlockHeight(ctx, 42))
	for _, e := range engines {
		h, ok, err := e.GetLatestBlockHeight(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, uint64(42), h)
	}
}

func TestFailedBatchTouchesNoShard(t *testing.T) {
	r, _ := openRouter(t, 2)
	ctx := context.Background()
	boom := errors.New("boom")
	err := r.WriteBatch(ctx, func(b storage.Batch) error {
		for i := 0; i < 8; i++ {
			if err := b.SetData(keys.ScopeData, fmt.Sprintf("a%d.near", i), []byte("k"), 1, []byte("v")); err != nil {
				return err
			}
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	for i := 0; i < 8; i++ {
		v, err := r.GetLatestData(ctx, keys.DataKey(fmt.Sprintf("a%d.near", i), []byte("k")), 1)
		require.NoError(t, err)
		assert.Nil(t, v)
	}
}

func TestMalformedKey(t *testing.T) {
	r, _ := openRouter(t, 2)
	_, err := r.GetData(context.Background(), []byte("x"), 1)
	require.ErrorIs(t, err, keys.ErrMalformedKey)
}

// spyEngine 记录分片实际收到的 SetData 值
type spyEngine struct {
	storage.Engine
	values [][]byte
}

type spyBatch struct {
	storage.Batch
	e *spyEngine
}

func (b spyBatch) SetData(scope keys.Scope, account string, subKey []byte, height uint64, value []byte) error {
	b.e.values = append(b.e.values, value)
	return b.Batch.SetData(scope, account, subKey, height, value)
}

func (e *spyEngine) WriteBatch(ctx context.Context, fn func(storage.Batch) error) error {
	return e.Engine.WriteBatch(ctx, func(b storage.Batch) error {
		return fn(spyBatch{Batch: b, e: e})
	})
}

func TestEmptyValueReachesShard(t *testing.T) {
	spy := &spyEngine{Engine: openEngines(t, 1)[0]}
	r, err := New(spy)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	ctx := context.Background()

	require.NoError(t, r.WriteBatch(ctx, func(b storage.Batch) error {
		return b.SetData(keys.ScopeData, "e.near", []byte("k"), 1, []byte{})
	}))
	require.Len(t, spy.values, 1)
	assert.NotNil(t, spy.values[0])
	assert.Empty(t, spy.values[0])

	v, err := r.GetData(ctx, keys.DataKey("e.near", []byte("k")), 1)
	require.NoError(t, err)
	assert.NotNil(t, v)
	assert.Empty(t, v)
}
