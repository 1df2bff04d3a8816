// Package filestore is a storage engine that keeps every version in one
// append-only log file and indexes it in memory with a btree. Opening the
// store replays the log.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/btree"

	"nearview/keys"
	"nearview/logs"
	"nearview/storage"
)

const (
	logFileName = "state.log"
	btreeDegree = 32
)

var (
	metaLatestHeight = []byte("latest_height")
	metaTimestamp    = []byte("ts")
)

type Config struct {
	Dir             string
	MaxSubKeyLength int
}

type version struct {
	height uint64
	off    int64
	size   uint32
	tomb   bool
}

type entry struct {
	key      string
	versions []version // 按高度升序
}

// latest 返回 height 及以下的最新版本下标，没有时返回 -1。
func (e *entry) latest(height uint64) int {
	i := sort.Search(len(e.versions), func(i int) bool { return e.versions[i].height > height })
	return i - 1
}

func (e *entry) put(v version) {
	i := sort.Search(len(e.versions), func(i int) bool { return e.versions[i].height >= v.height })
	if i < len(e.versions) && e.versions[i].height == v.height {
		e.versions[i] = v
		return
	}
	e.versions = append(e.versions, version{})
	copy(e.versions[i+1:], e.versions[i:])
	e.versions[i] = v
}

type blobRef struct {
	off  int64
	size uint32
}

type Store struct {
	conf Config
	log  logs.Logger

	mu         sync.RWMutex
	f          *os.File
	size       int64
	index      *btree.BTreeG[*entry]
	blobs      map[[32]byte]blobRef
	latest     uint64
	hasLatest  bool
	timestamps map[uint64]uint64
	closed     bool
}

var _ storage.Engine = (*Store)(nil)

func entryLess(a, b *entry) bool { return a.key < b.key }

func Open(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, errors.New("filestore: empty dir")
	}
	if cfg.MaxSubKeyLength <= 0 {
		cfg.MaxSubKeyLength = keys.DefaultMaxSubKeyLength
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(cfg.Dir, logFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	s := &Store{conf: cfg, log: logs.Named("filestore"), f: f}
	s.reset()

	committed, err := replayLog(f, func(recs []logRecord, offs []int64) error {
		for i := range recs {
			if err := s.apply(&recs[i], offs[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("filestore: replay %s: %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if fi.Size() > committed {
		s.log.Warn("dropping %d bytes of uncommitted log tail in %s", fi.Size()-committed, path)
		if err := f.Truncate(committed); err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	s.size = committed
	s.log.Info("opened %s: %d keys, %d blobs", path, s.index.Len(), len(s.blobs))
	return s, nil
}

func (s *Store) reset() {
	s.index = btree.NewG[*entry](btreeDegree, entryLess)
	s.blobs = make(map[[32]byte]blobRef)
	s.timestamps = make(map[uint64]uint64)
	s.latest, s.hasLatest = 0, false
}

// apply 把一条已落盘的记录应用到内存索引。off 是记录在文件中的起始位置。
func (s *Store) apply(rec *logRecord, off int64) error {
	switch rec.Op {
	case opSet, opDel:
		key := string(rec.Key)
		e, ok := s.index.Get(&entry{key: key})
		if !ok {
			e = &entry{key: key}
			s.index.ReplaceOrInsert(e)
		}
		e.put(version{
			height: rec.Height,
			off:    off + rec.valueOffset(),
			size:   uint32(len(rec.Value)),
			tomb:   rec.Op == opDel,
		})
	case opClean:
		e, ok := s.index.Get(&entry{key: string(rec.Key)})
		if !ok {
			return nil
		}
		if i := e.latest(rec.Height); i > 0 {
			e.versions = append([]version(nil), e.versions[i:]...)
		}
	case opBlob:
		if len(rec.Key) != 32 {
			return fmt.Errorf("filestore: blob key length %d", len(rec.Key))
		}
		var h [32]byte
		copy(h[:], rec.Key)
		s.blobs[h] = blobRef{off: off + rec.valueOffset(), size: uint32(len(rec.Value))}
	case opMeta:
		if len(rec.Value) != 8 {
			return fmt.Errorf("filestore: meta value length %d", len(rec.Value))
		}
		v := enc.Uint64(rec.Value)
		switch string(rec.Key) {
		case string(metaLatestHeight):
			s.latest, s.hasLatest = v, true
		case string(metaTimestamp):
			s.timestamps[rec.Height] = v
		default:
			return fmt.Errorf("filestore: unknown meta key %q", rec.Key)
		}
	default:
		return fmt.Errorf("filestore: unknown record op %d", rec.Op)
	}
	return nil
}

// commit 追加一批记录并 fsync，成功后再更新索引。
func (s *Store) commit(recs []logRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	if len(recs) == 0 {
		return nil
	}

	var buf []byte
	offs := make([]int64, len(recs))
	for i, r := range recs {
		offs[i] = s.size + int64(len(buf))
		buf = appendRecord(buf, r)
	}
	buf = appendRecord(buf, logRecord{Op: opCommit})

	if _, err := s.f.WriteAt(buf, s.size); err != nil {
		_ = s.f.Truncate(s.size)
		s.log.Error("append failed: %v", err)
		return err
	}
	if err := s.f.Sync(); err != nil {
		_ = s.f.Truncate(s.size)
		s.log.Error("fsync failed: %v", err)
		return err
	}
	s.size += int64(len(buf))
	for i := range recs {
		if err := s.apply(&recs[i], offs[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) rlock(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return storage.ErrClosed
	}
	return nil
}

func (s *Store) readAt(off int64, size uint32) ([]byte, error) {
	buf := make([]byte, size)
	if _, err := s.f.ReadAt(buf, off); err != nil {
		return nil, fmt.Errorf("filestore: read at %d: %w", off, err)
	}
	return buf, nil
}

func (s *Store) valueOf(v version) ([]byte, error) {
	if v.tomb {
		return nil, nil
	}
	return s.readAt(v.off, v.size)
}

func (s *Store) lookup(compKey []byte) (*entry, bool) {
	return s.index.Get(&entry{key: string(keys.Normalize(compKey, s.conf.MaxSubKeyLength))})
}

func (s *Store) GetLatestBlockHeight(ctx context.Context) (uint64, bool, error) {
	if err := s.rlock(ctx); err != nil {
		return 0, false, err
	}
	defer s.mu.RUnlock()
	return s.latest, s.hasLatest, nil
}

func (s *Store) SetLatestBlockHeight(ctx context.Context, height uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.commit([]logRecord{{Op: opMeta, Key: metaLatestHeight, Value: enc.AppendUint64(nil, height)}})
}

func (s *Store) GetBlockTimestamp(ctx context.Context, height uint64) (uint64, bool, error) {
	if err := s.rlock(ctx); err != nil {
		return 0, false, err
	}
	defer s.mu.RUnlock()
	ts, ok := s.timestamps[height]
	return ts, ok, nil
}

func (s *Store) SetBlockTimestamp(ctx context.Context, height, timestamp uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.commit([]logRecord{{Op: opMeta, Key: metaTimestamp, Height: height, Value: enc.AppendUint64(nil, timestamp)}})
}

func (s *Store) GetLatestDataBlockHeight(ctx context.Context, compKey []byte, height uint64) (uint64, bool, error) {
	if err := s.rlock(ctx); err != nil {
		return 0, false, err
	}
	defer s.mu.RUnlock()
	e, ok := s.lookup(compKey)
	if !ok {
		return 0, false, nil
	}
	i := e.latest(height)
	if i < 0 {
		return 0, false, nil
	}
	return e.versions[i].height, true, nil
}

func (s *Store) GetData(ctx context.Context, compKey []byte, height uint64) ([]byte, error) {
	if err := s.rlock(ctx); err != nil {
		return nil, err
	}
	defer s.mu.RUnlock()
	e, ok := s.lookup(compKey)
	if !ok {
		return nil, nil
	}
	i := e.latest(height)
	if i < 0 || e.versions[i].height != height {
		return nil, nil
	}
	return s.valueOf(e.versions[i])
}

func (s *Store) GetLatestData(ctx context.Context, compKey []byte, height uint64) ([]byte, error) {
	if err := s.rlock(ctx); err != nil {
		return nil, err
	}
	defer s.mu.RUnlock()
	e, ok := s.lookup(compKey)
	if !ok {
		return nil, nil
	}
	i := e.latest(height)
	if i < 0 {
		return nil, nil
	}
	return s.valueOf(e.versions[i])
}

func (s *Store) GetBlob(ctx context.Context, hash [32]byte) ([]byte, error) {
	if err := s.rlock(ctx); err != nil {
		return nil, err
	}
	defer s.mu.RUnlock()
	return s.blobLocked(hash)
}

func (s *Store) blobLocked(hash [32]byte) ([]byte, error) {
	ref, ok := s.blobs[hash]
	if !ok {
		return nil, nil
	}
	return s.readAt(ref.off, ref.size)
}

func (s *Store) WriteBatch(ctx context.Context, fn func(storage.Batch) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b := &batch{maxSubKey: s.conf.MaxSubKeyLength}
	if err := fn(b); err != nil {
		return err
	}
	return s.commit(b.recs)
}

func (s *Store) ScanDataKeys(ctx context.Context, account string, height uint64, pattern string, cursor []byte, limit int) (storage.ScanResult, error) {
	if err := s.rlock(ctx); err != nil {
		return storage.ScanResult{}, err
	}
	defer s.mu.RUnlock()

	maxKey := s.conf.MaxSubKeyLength
	col := storage.NewCollector(pattern, cursor, limit, maxKey)
	dataPrefix := string(keys.DataPrefix(account))
	start := dataPrefix + string(col.RangePrefix())
	pivot := start
	if after := col.After(); after != nil && dataPrefix+string(after) > pivot {
		pivot = dataPrefix + string(after)
	}

	getBlob := func(_ context.Context, hash [32]byte) ([]byte, error) { return s.blobLocked(hash) }
	var scanErr error
	s.index.AscendGreaterOrEqual(&entry{key: pivot}, func(e *entry) bool {
		if !strings.HasPrefix(e.key, start) {
			return false
		}
		stored := []byte(e.key[len(dataPrefix):])
		if col.Skip(stored) {
			return true
		}
		i := e.latest(height)
		if i < 0 {
			return true
		}
		value, err := s.valueOf(e.versions[i])
		if err != nil {
			scanErr = err
			return false
		}
		original := stored
		if value != nil {
			if original, err = storage.ResolveSubKey(ctx, stored, maxKey, getBlob); err != nil {
				scanErr = err
				return false
			}
		}
		return col.Add(stored, original, value)
	})
	if scanErr != nil {
		return storage.ScanResult{}, scanErr
	}
	return col.Result(), nil
}

func (s *Store) ClearDatabase(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	if err := s.f.Truncate(0); err != nil {
		return err
	}
	if err := s.f.Sync(); err != nil {
		return err
	}
	s.size = 0
	s.reset()
	s.log.Warn("cleared %s", s.conf.Dir)
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.f.Close()
}

// ====== Batch ======

type batch struct {
	maxSubKey int
	recs      []logRecord
}

func (b *batch) put(op byte, scope keys.Scope, account string, subKey []byte, height uint64, value []byte) error {
	stored, overflow, digest, err := storage.PrepareWrite(scope, account, subKey, b.maxSubKey)
	if err != nil {
		return err
	}
	if overflow != nil {
		b.recs = append(b.recs, logRecord{Op: opBlob, Key: digest[:], Value: append([]byte(nil), overflow...)})
	}
	b.recs = append(b.recs, logRecord{
		Op:     op,
		Height: height,
		Key:    keys.Composite(scope, account, stored),
		Value:  append([]byte(nil), value...),
	})
	return nil
}

func (b *batch) SetData(scope keys.Scope, account string, subKey []byte, height uint64, value []byte) error {
	return b.put(opSet, scope, account, subKey, height, value)
}

func (b *batch) DeleteData(scope keys.Scope, account string, subKey []byte, height uint64) error {
	return b.put(opDel, scope, account, subKey, height, nil)
}

func (b *batch) CleanOlderData(compKey []byte, threshold uint64) error {
	b.recs = append(b.recs, logRecord{
		Op:     opClean,
		Height: threshold,
		Key:    append([]byte(nil), keys.Normalize(compKey, b.maxSubKey)...),
	})
	return nil
}

func (b *batch) SetBlob(data []byte) ([32]byte, error) {
	hash := storage.HashBlob(data)
	b.recs = append(b.recs, logRecord{Op: opBlob, Key: hash[:], Value: append([]byte(nil), data...)})
	return hash, nil
}
