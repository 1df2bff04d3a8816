package filestore

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nearview/changes"
	"nearview/keys"
	"nearview/storage"
	"nearview/storage/storagetest"
)

func openStore(t *testing.T, dir string) *Store {
	t.Helper()
	s, err := Open(Config{Dir: dir, MaxSubKeyLength: storagetest.MaxSubKeyLength})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestEngineConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Engine {
		return openStore(t, t.TempDir())
	})
}

func TestReplay(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	key := keys.DataKey("r.near", []byte("k"))
	long := bytes.Repeat([]byte("x"), 400)

	s := openStore(t, dir)
	for h := uint64(1); h <= 4; h++ {
		require.NoError(t, s.WriteBatch(ctx, func(b storage.Batch) error {
			return b.SetData(keys.ScopeData, "r.near", []byte("k"), h, []byte{byte(h)})
		}))
	}
	require.NoError(t, s.WriteBatch(ctx, func(b storage.Batch) error {
		if err := b.DeleteData(keys.ScopeData, "r.near", []byte("k"), 5); err != nil {
			return err
		}
		if err := b.SetData(keys.ScopeData, "r.near", long, 5, []byte("long")); err != nil {
			return err
		}
		return b.CleanOlderData(key, 3)
	}))
	require.NoError(t, s.SetLatestBlockHeight(ctx, 5))
	require.NoError(t, s.SetBlockTimestamp(ctx, 5, 555))
	require.NoError(t, s.Close())

	s = openStore(t, dir)
	h, ok, err := s.GetLatestBlockHeight(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(5), h)

	ts, ok, err := s.GetBlockTimestamp(ctx, 5)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(555), ts)

	v, err := s.GetLatestData(ctx, key, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{4}, v)
	v, err = s.GetLatestData(ctx, key, 5)
	require.NoError(t, err)
	assert.Nil(t, v)
	v, err = s.GetData(ctx, key, 1)
	require.NoError(t, err)
	assert.Nil(t, v, "cleaned version must stay gone after replay")
	v, err = s.GetLatestData(ctx, key, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte{3}, v)

	res, err := s.ScanDataKeys(ctx, "r.near", 5, "x*", nil, 10)
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, long, res.Items[0].Key)
}

func TestTornTailIsDropped(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s := openStore(t, dir)
	require.NoError(t, s.WriteBatch(ctx, func(b storage.Batch) error {
		return b.SetData(keys.ScopeData, "t.near", []byte("a"), 1, []byte("ok"))
	}))
	require.NoError(t, s.Close())

	path := filepath.Join(dir, logFileName)
	fi, err := os.Stat(path)
	require.NoError(t, err)
	good := fi.Size()

	// 一条没有 commit 记录的 set，再加半条记录
	tail := appendRecord(nil, logRecord{Op: opSet, Height: 2, Key: keys.DataKey("t.near", []byte("a")), Value: []byte("lost")})
	tail = append(tail, appendRecord(nil, logRecord{Op: opCommit})[:5]...)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.Write(tail)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s = openStore(t, dir)
	v, err := s.GetLatestData(ctx, keys.DataKey("t.near", []byte("a")), 10)
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), v)

	fi, err = os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, good, fi.Size())

	// the store keeps appending after the truncated tail
	require.NoError(t, s.WriteBatch(ctx, func(b storage.Batch) error {
		return b.SetData(keys.ScopeData, "t.near", []byte("a"), 3, []byte("new"))
	}))
	v, err = s.GetLatestData(ctx, keys.DataKey("t.near", []byte("a")), 10)
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), v)
}

func TestCorruptRecordInsideLogFailsOpen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s := openStore(t, dir)
	for h := uint64(1); h <= 3; h++ {
		require.NoError(t, s.WriteBatch(ctx, func(b storage.Batch) error {
			return b.SetData(keys.ScopeData, "c.near", []byte("a"), h, []byte("value"))
		}))
	}
	require.NoError(t, s.Close())

	path := filepath.Join(dir, logFileName)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	// 第一条记录的 value 里翻转一个字节
	first := logRecord{Key: keys.DataKey("c.near", []byte("a"))}
	raw[first.valueOffset()] ^= 0xff
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	_, err = Open(Config{Dir: dir, MaxSubKeyLength: storagetest.MaxSubKeyLength})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCorrupt)

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(len(raw)), fi.Size(), "later commits must not be truncated")
}

func TestBadFinalRecordIsTornTail(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s := openStore(t, dir)
	require.NoError(t, s.WriteBatch(ctx, func(b storage.Batch) error {
		return b.SetData(keys.ScopeData, "t.near", []byte("a"), 1, []byte("ok"))
	}))
	require.NoError(t, s.Close())

	path := filepath.Join(dir, logFileName)
	fi, err := os.Stat(path)
	require.NoError(t, err)
	good := fi.Size()

	// a complete record whose checksum does not match, with nothing after it
	tail := appendRecord(nil, logRecord{Op: opSet, Height: 2, Key: keys.DataKey("t.near", []byte("a")), Value: []byte("bad")})
	tail[len(tail)-1] ^= 0xff
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.Write(tail)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s = openStore(t, dir)
	v, err := s.GetLatestData(ctx, keys.DataKey("t.near", []byte("a")), 10)
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), v)
	fi, err = os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, good, fi.Size())
}

func TestExportChanges(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, t.TempDir())
	require.NoError(t, s.WriteBatch(ctx, func(b storage.Batch) error {
		for _, h := range []uint64{10, 30, 50} {
			if err := b.SetData(keys.ScopeData, "test.near", []byte("k"), h, []byte("v")); err != nil {
				return err
			}
		}
		if err := b.SetData(keys.ScopeAccount, "test.near", nil, 10, []byte("acct")); err != nil {
			return err
		}
		return b.SetData(keys.ScopeData, "alice.near", []byte("z"), 7, []byte("v"))
	}))

	var buf bytes.Buffer
	require.NoError(t, s.ExportChanges(&buf))

	r := changes.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	dataKey := []byte{byte(keys.ScopeData), 'k'}
	h, ok, err := r.LatestHeight("test.near", dataKey, 40)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(30), h)

	_, ok, err = r.LatestHeight("test.near", dataKey, 5)
	require.NoError(t, err)
	assert.False(t, ok)

	entries, err := changes.ReadChangesFile(bytes.NewReader(buf.Bytes()), int64(buf.Len()), nil)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "alice.near", entries[0].AccountID)
	assert.Equal(t, []byte{byte(keys.ScopeAccount)}, entries[1].Key)
	assert.Equal(t, []uint64{50, 30, 10}, entries[2].Changes)
}

func TestEntryPut(t *testing.T) {
	e := &entry{}
	for _, h := range []uint64{5, 1, 3, 3} {
		e.put(version{height: h})
	}
	require.Len(t, e.versions, 3)
	assert.Equal(t, uint64(1), e.versions[0].height)
	assert.Equal(t, uint64(5), e.versions[2].height)
	assert.Equal(t, -1, e.latest(0))
	assert.Equal(t, 1, e.latest(4))
}
