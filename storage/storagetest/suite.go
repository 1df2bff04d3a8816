// Package storagetest is a conformance suite run by every storage.Engine
// implementation's tests.
package storagetest

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nearview/keys"
	"nearview/storage"
)

// MaxSubKeyLength is the truncation threshold engines under test must be
// opened with.
const MaxSubKeyLength = keys.DefaultMaxSubKeyLength

// Opener returns a fresh, empty engine. It should register its own cleanup.
type Opener func(t *testing.T) storage.Engine

// Run executes every conformance check against engines from open.
func Run(t *testing.T, open Opener) {
	tests := []struct {
		name string
		fn   func(t *testing.T, e storage.Engine)
	}{
		{"LatestBlockHeight", testLatestBlockHeight},
		{"BlockTimestamp", testBlockTimestamp},
		{"VersionedReads", testVersionedReads},
		{"Tombstones", testTombstones},
		{"EmptyValues", testEmptyValues},
		{"BatchAtomicity", testBatchAtomicity},
		{"CleanOlderData", testCleanOlderData},
		{"Blobs", testBlobs},
		{"ScanDataKeys", testScanDataKeys},
		{"ScanPaging", testScanPaging},
		{"LongKeys", testLongKeys},
		{"ScopesWithoutSubKey", testScopesWithoutSubKey},
		{"ClearDatabase", testClearDatabase},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, open(t))
		})
	}
}

func write(t *testing.T, e storage.Engine, fn func(b storage.Batch) error) {
	t.Helper()
	require.NoError(t, e.WriteBatch(context.Background(), fn))
}

func setData(t *testing.T, e storage.Engine, account string, key string, h uint64, value string) {
	t.Helper()
	write(t, e, func(b storage.Batch) error {
		return b.SetData(keys.ScopeData, account, []byte(key), h, []byte(value))
	})
}

func deleteData(t *testing.T, e storage.Engine, account string, key string, h uint64) {
	t.Helper()
	write(t, e, func(b storage.Batch) error {
		return b.DeleteData(keys.ScopeData, account, []byte(key), h)
	})
}

func latest(t *testing.T, e storage.Engine, key []byte, h uint64) []byte {
	t.Helper()
	v, err := e.GetLatestData(context.Background(), key, h)
	require.NoError(t, err)
	return v
}

func testLatestBlockHeight(t *testing.T, e storage.Engine) {
	ctx := context.Background()
	_, ok, err := e.GetLatestBlockHeight(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, e.SetLatestBlockHeight(ctx, 5))
	h, ok, err := e.GetLatestBlockHeight(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(5), h)

	require.NoError(t, e.SetLatestBlockHeight(ctx, 7))
	h, _, err = e.GetLatestBlockHeight(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), h)
}

func testBlockTimestamp(t *testing.T, e storage.Engine) {
	ctx := context.Background()
	require.NoError(t, e.SetBlockTimestamp(ctx, 10, 1_700_000_000_000))

	ts, ok, err := e.GetBlockTimestamp(ctx, 10)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(1_700_000_000_000), ts)

	_, ok, err = e.GetBlockTimestamp(ctx, 11)
	require.NoError(t, err)
	assert.False(t, ok)
}

func testVersionedReads(t *testing.T, e storage.Engine) {
	ctx := context.Background()
	key := keys.DataKey("test.near", []byte("k"))
	setData(t, e, "test.near", "k", 1, "A")
	setData(t, e, "test.near", "k", 2, "B")
	setData(t, e, "test.near", "k", 3, "C")

	assert.Nil(t, latest(t, e, key, 0))
	assert.Equal(t, []byte("A"), latest(t, e, key, 1))
	assert.Equal(t, []byte("B"), latest(t, e, key, 2))
	assert.Equal(t, []byte("C"), latest(t, e, key, 3))
	assert.Equal(t, []byte("C"), latest(t, e, key, 1000))

	h, ok, err := e.GetLatestDataBlockHeight(ctx, key, 2)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(2), h)

	v, err := e.GetData(ctx, key, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte("B"), v)

	v, err = e.GetData(ctx, key, 4)
	require.NoError(t, err)
	assert.Nil(t, v)

	// neighbouring keys do not bleed into each other
	assert.Nil(t, latest(t, e, keys.DataKey("test.near", []byte("k2")), 10))
	assert.Nil(t, latest(t, e, keys.DataKey("test.nea", []byte("k")), 10))
	assert.Nil(t, latest(t, e, keys.DataKey("test.near", []byte("")), 10))
}

func testTombstones(t *testing.T, e storage.Engine) {
	ctx := context.Background()
	key := keys.DataKey("test.near", []byte("t"))
	setData(t, e, "test.near", "t", 5, "v")
	deleteData(t, e, "test.near", "t", 7)
	setData(t, e, "test.near", "t", 9, "v2")

	assert.Equal(t, []byte("v"), latest(t, e, key, 6))
	assert.Nil(t, latest(t, e, key, 7))
	assert.Nil(t, latest(t, e, key, 8))
	assert.Equal(t, []byte("v2"), latest(t, e, key, 9))

	h, ok, err := e.GetLatestDataBlockHeight(ctx, key, 8)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(7), h)

	v, err := e.GetData(ctx, key, 7)
	require.NoError(t, err)
	assert.Nil(t, v)
}

// An empty value is a present value, never a tombstone.
func testEmptyValues(t *testing.T, e storage.Engine) {
	ctx := context.Background()
	key := keys.DataKey("test.near", []byte("e"))
	setData(t, e, "test.near", "e", 1, "")
	deleteData(t, e, "test.near", "e", 2)
	setData(t, e, "test.near", "e", 3, "")
	require.NoError(t, e.SetLatestBlockHeight(ctx, 3))

	// twice, so caching engines serve the second read themselves
	for i := 0; i < 2; i++ {
		v, err := e.GetData(ctx, key, 1)
		require.NoError(t, err)
		assert.NotNil(t, v)
		assert.Empty(t, v)

		v = latest(t, e, key, 1)
		assert.NotNil(t, v)
		assert.Empty(t, v)

		assert.Nil(t, latest(t, e, key, 2))

		v = latest(t, e, key, 3)
		assert.NotNil(t, v)
		assert.Empty(t, v)
	}

	items := scanAll(t, e, "test.near", 3, "*", 10)
	require.Len(t, items, 1)
	assert.Equal(t, []byte("e"), items[0].Key)
	assert.NotNil(t, items[0].Value)
	assert.Empty(t, items[0].Value)

	assert.Empty(t, scanAll(t, e, "test.near", 2, "*", 10))
}

func testBatchAtomicity(t *testing.T, e storage.Engine) {
	ctx := context.Background()
	boom := errors.New("boom")
	err := e.WriteBatch(ctx, func(b storage.Batch) error {
		if err := b.SetData(keys.ScopeData, "a.near", []byte("x"), 1, []byte("1")); err != nil {
			return err
		}
		if _, err := b.SetBlob([]byte("blob")); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Nil(t, latest(t, e, keys.DataKey("a.near", []byte("x")), 1))
	blob, err := e.GetBlob(ctx, storage.HashBlob([]byte("blob")))
	require.NoError(t, err)
	assert.Nil(t, blob)

	write(t, e, func(b storage.Batch) error {
		for _, k := range []string{"x", "y", "z"} {
			if err := b.SetData(keys.ScopeData, "a.near", []byte(k), 2, []byte(k)); err != nil {
				return err
			}
		}
		return nil
	})
	for _, k := range []string{"x", "y", "z"} {
		assert.Equal(t, []byte(k), latest(t, e, keys.DataKey("a.near", []byte(k)), 2))
	}
}

func testCleanOlderData(t *testing.T, e storage.Engine) {
	ctx := context.Background()
	key := keys.DataKey("c.near", []byte("k"))
	for _, h := range []uint64{1, 3, 5, 7, 9} {
		setData(t, e, "c.near", "k", h, string(rune('a'+h)))
	}
	before := map[uint64][]byte{}
	for h := uint64(5); h <= 12; h++ {
		before[h] = latest(t, e, key, h)
	}

	write(t, e, func(b storage.Batch) error { return b.CleanOlderData(key, 6) })

	for h := uint64(5); h <= 12; h++ {
		assert.Equal(t, before[h], latest(t, e, key, h), "height %d", h)
	}
	for _, h := range []uint64{1, 3} {
		v, err := e.GetData(ctx, key, h)
		require.NoError(t, err)
		assert.Nil(t, v, "version %d should be gone", h)
	}
	_, ok, err := e.GetLatestDataBlockHeight(ctx, key, 4)
	require.NoError(t, err)
	assert.False(t, ok)

	// a tombstone is the surviving version
	dkey := keys.DataKey("c.near", []byte("gone"))
	setData(t, e, "c.near", "gone", 1, "x")
	deleteData(t, e, "c.near", "gone", 2)
	write(t, e, func(b storage.Batch) error { return b.CleanOlderData(dkey, 10) })
	assert.Nil(t, latest(t, e, dkey, 10))
	v, err := e.GetData(ctx, dkey, 1)
	require.NoError(t, err)
	assert.Nil(t, v)

	// cleaning a key that never existed is a no-op
	write(t, e, func(b storage.Batch) error { return b.CleanOlderData(keys.DataKey("c.near", []byte("none")), 10) })
}

func testBlobs(t *testing.T, e storage.Engine) {
	ctx := context.Background()
	code := []byte("\x00asm\x01\x00\x00\x00")
	var hash [32]byte
	write(t, e, func(b storage.Batch) error {
		var err error
		hash, err = b.SetBlob(code)
		return err
	})
	assert.Equal(t, storage.HashBlob(code), hash)

	got, err := e.GetBlob(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, code, got)

	missing, err := e.GetBlob(ctx, storage.HashBlob([]byte("nope")))
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func scanAll(t *testing.T, e storage.Engine, account string, h uint64, pattern string, limit int) []storage.KeyValue {
	t.Helper()
	var (
		out    []storage.KeyValue
		cursor []byte
	)
	for i := 0; i < 100; i++ {
		res, err := e.ScanDataKeys(context.Background(), account, h, pattern, cursor, limit)
		require.NoError(t, err)
		out = append(out, res.Items...)
		if res.Cursor == nil {
			return out
		}
		cursor = res.Cursor
	}
	t.Fatal("scan did not terminate")
	return nil
}

func keysOf(items []storage.KeyValue) []string {
	out := make([]string, 0, len(items))
	for _, kv := range items {
		out = append(out, string(kv.Key))
	}
	return out
}

func testScanDataKeys(t *testing.T, e storage.Engine) {
	setData(t, e, "a.near", "user:1", 1, "x")
	setData(t, e, "a.near", "user:2", 1, "y")
	setData(t, e, "a.near", "user:3", 1, "gone")
	setData(t, e, "a.near", "other", 1, "z")
	deleteData(t, e, "a.near", "user:3", 2)
	setData(t, e, "a.near", "user:4", 3, "w")
	setData(t, e, "a.near", "user:1", 3, "x2")
	setData(t, e, "b.near", "user:9", 1, "not mine")
	setData(t, e, "a.near.sub", "user:8", 1, "not mine either")

	got := scanAll(t, e, "a.near", 2, "user:*", 10)
	assert.Equal(t, []string{"user:1", "user:2"}, keysOf(got))
	assert.Equal(t, []byte("x"), got[0].Value)

	got = scanAll(t, e, "a.near", 3, "user:*", 10)
	assert.Equal(t, []string{"user:1", "user:2", "user:4"}, keysOf(got))
	assert.Equal(t, []byte("x2"), got[0].Value)

	got = scanAll(t, e, "a.near", 3, "*", 10)
	assert.Equal(t, []string{"other", "user:1", "user:2", "user:4"}, keysOf(got))

	got = scanAll(t, e, "a.near", 3, "user:?", 10)
	assert.Len(t, got, 3)

	got = scanAll(t, e, "a.near", 0, "*", 10)
	assert.Empty(t, got)

	got = scanAll(t, e, "nobody.near", 3, "*", 10)
	assert.Empty(t, got)
}

func testScanPaging(t *testing.T, e storage.Engine) {
	write(t, e, func(b storage.Batch) error {
		for i := 0; i < 25; i++ {
			k := []byte{'k', byte('a' + i)}
			if err := b.SetData(keys.ScopeData, "p.near", k, 1, k); err != nil {
				return err
			}
		}
		return nil
	})
	res, err := e.ScanDataKeys(context.Background(), "p.near", 1, "k*", nil, 10)
	require.NoError(t, err)
	assert.Len(t, res.Items, 10)
	assert.NotNil(t, res.Cursor)

	all := scanAll(t, e, "p.near", 1, "k*", 10)
	require.Len(t, all, 25)
	for i := 1; i < len(all); i++ {
		assert.Equal(t, -1, bytes.Compare(all[i-1].Key, all[i].Key))
	}

	exact, err := e.ScanDataKeys(context.Background(), "p.near", 1, "*", nil, 25)
	require.NoError(t, err)
	assert.Len(t, exact.Items, 25)
	assert.Nil(t, exact.Cursor)
}

func testLongKeys(t *testing.T, e storage.Engine) {
	ctx := context.Background()
	long1 := append(bytes.Repeat([]byte("L"), 300), '1')
	long2 := append(bytes.Repeat([]byte("L"), 300), '2')
	exact := bytes.Repeat([]byte("E"), MaxSubKeyLength)

	write(t, e, func(b storage.Batch) error {
		if err := b.SetData(keys.ScopeData, "long.near", long1, 1, []byte("one")); err != nil {
			return err
		}
		if err := b.SetData(keys.ScopeData, "long.near", long2, 1, []byte("two")); err != nil {
			return err
		}
		return b.SetData(keys.ScopeData, "long.near", exact, 1, []byte("exact"))
	})

	assert.Equal(t, []byte("one"), latest(t, e, keys.DataKey("long.near", long1), 1))
	assert.Equal(t, []byte("two"), latest(t, e, keys.DataKey("long.near", long2), 1))
	assert.Equal(t, []byte("exact"), latest(t, e, keys.DataKey("long.near", exact), 1))

	v, err := e.GetData(ctx, keys.DataKey("long.near", long1), 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), v)

	got := scanAll(t, e, "long.near", 1, "L*", 10)
	require.Len(t, got, 2)
	assert.ElementsMatch(t, []string{string(long1), string(long2)}, keysOf(got))

	got = scanAll(t, e, "long.near", 1, "*", 10)
	assert.Len(t, got, 3)

	deleteData(t, e, "long.near", string(long1), 2)
	assert.Nil(t, latest(t, e, keys.DataKey("long.near", long1), 2))
	assert.Len(t, scanAll(t, e, "long.near", 2, "L*", 10), 1)
}

func testScopesWithoutSubKey(t *testing.T, e storage.Engine) {
	write(t, e, func(b storage.Batch) error {
		if err := b.SetData(keys.ScopeAccount, "s.near", nil, 4, []byte("acct")); err != nil {
			return err
		}
		if err := b.SetData(keys.ScopeCode, "s.near", nil, 4, []byte("hash")); err != nil {
			return err
		}
		return b.SetData(keys.ScopeAccessKey, "s.near", []byte{0, 1}, 4, []byte("ak"))
	})
	assert.Equal(t, []byte("acct"), latest(t, e, keys.AccountKey("s.near"), 4))
	assert.Equal(t, []byte("hash"), latest(t, e, keys.CodeKey("s.near"), 5))
	assert.Equal(t, []byte("ak"), latest(t, e, keys.AccessKeyKey("s.near", []byte{0, 1}), 4))
	assert.Nil(t, latest(t, e, keys.AccountKey("s.near"), 3))

	// access keys never show up in data scans
	assert.Empty(t, scanAll(t, e, "s.near", 4, "*", 10))

	write(t, e, func(b storage.Batch) error {
		return b.DeleteData(keys.ScopeAccount, "s.near", nil, 6)
	})
	assert.Nil(t, latest(t, e, keys.AccountKey("s.near"), 6))
	assert.Equal(t, []byte("acct"), latest(t, e, keys.AccountKey("s.near"), 5))
}

func testClearDatabase(t *testing.T, e storage.Engine) {
	ctx := context.Background()
	setData(t, e, "x.near", "k", 1, "v")
	require.NoError(t, e.SetLatestBlockHeight(ctx, 1))

	require.NoError(t, e.ClearDatabase(ctx))

	_, ok, err := e.GetLatestBlockHeight(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, latest(t, e, keys.DataKey("x.near", []byte("k")), 1))

	// still usable afterwards
	setData(t, e, "x.near", "k", 2, "again")
	assert.Equal(t, []byte("again"), latest(t, e, keys.DataKey("x.near", []byte("k")), 2))
}
