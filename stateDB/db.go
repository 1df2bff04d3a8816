// Package statedb is the embedded ordered-KV storage engine. Every version
// of every composite key is its own row, so reads at a height are a single
// reverse seek.
package statedb

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"nearview/keys"
	"nearview/logs"
	"nearview/storage"
)

type Config struct {
	Backend         string
	DataDir         string
	MaxSubKeyLength int
	ReadOnly        bool
}

func (c *Config) applyDefaults() {
	if c.Backend == "" {
		c.Backend = BackendPebble
	}
	if c.MaxSubKeyLength <= 0 {
		c.MaxSubKeyLength = keys.DefaultMaxSubKeyLength
	}
}

// ====== StateDB 主体 ======

type DB struct {
	conf  Config
	store kvStore
	log   logs.Logger

	mu     sync.RWMutex
	closed bool
}

var _ storage.Engine = (*DB)(nil)

func New(cfg Config) (*DB, error) {
	cfg.applyDefaults()
	if cfg.DataDir == "" {
		return nil, errors.New("statedb: empty data dir")
	}
	if !cfg.ReadOnly {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, err
		}
	}

	var (
		store kvStore
		err   error
	)
	switch cfg.Backend {
	case BackendPebble:
		store, err = newPebbleStore(cfg.DataDir, cfg.ReadOnly)
	case BackendBadger:
		store, err = newBadgerStore(cfg.DataDir, cfg.ReadOnly)
	case BackendLevelDB:
		store, err = newLevelStore(cfg.DataDir, cfg.ReadOnly)
	default:
		return nil, fmt.Errorf("statedb: unknown backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("statedb: open %s at %s: %w", cfg.Backend, cfg.DataDir, err)
	}

	s := &DB{conf: cfg, store: store, log: logs.Named("statedb")}
	s.log.Info("opened %s store at %s (max subkey %d)", cfg.Backend, cfg.DataDir, cfg.MaxSubKeyLength)
	return s, nil
}

func (s *DB) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.store.Close()
}

// acquire 返回时持有读锁；调用方必须 release。
func (s *DB) acquire(ctx context.Context) error {
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

func (s *DB) release() { s.mu.RUnlock() }

func (s *DB) getU64(key []byte) (uint64, bool, error) {
	raw, err := s.store.Get(key)
	if err != nil {
		if s.store.IsNotFound(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	v, err := decodeU64(raw)
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

func (s *DB) setU64(key []byte, v uint64) error {
	return s.store.Update(func(tx kvWriter) error {
		return tx.Set(key, encodeU64(v))
	})
}

func (s *DB) GetLatestBlockHeight(ctx context.Context) (uint64, bool, error) {
	if err := s.acquire(ctx); err != nil {
		return 0, false, err
	}
	defer s.release()
	return s.getU64(kLatestHeight)
}

func (s *DB) SetLatestBlockHeight(ctx context.Context, height uint64) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()
	return s.setU64(kLatestHeight, height)
}

func (s *DB) GetBlockTimestamp(ctx context.Context, height uint64) (uint64, bool, error) {
	if err := s.acquire(ctx); err != nil {
		return 0, false, err
	}
	defer s.release()
	return s.getU64(timestampKey(height))
}

func (s *DB) SetBlockTimestamp(ctx context.Context, height, timestamp uint64) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()
	return s.setU64(timestampKey(height), timestamp)
}

// latestVersion 找 comp 在 height 及以下的最新版本。
func latestVersion(tx kvReader, comp []byte, height uint64) (uint64, []byte, bool, error) {
	k, raw, err := tx.LastInRange(versionPrefix(comp), versionUpper(comp, height))
	if err != nil {
		if errors.Is(err, ErrKVNotFound) {
			return 0, nil, false, nil
		}
		return 0, nil, false, err
	}
	_, h, err := parseVersionKey(k)
	if err != nil {
		return 0, nil, false, err
	}
	return h, raw, true, nil
}

func (s *DB) GetLatestDataBlockHeight(ctx context.Context, compKey []byte, height uint64) (uint64, bool, error) {
	if err := s.acquire(ctx); err != nil {
		return 0, false, err
	}
	defer s.release()

	comp := keys.Normalize(compKey, s.conf.MaxSubKeyLength)
	var (
		h  uint64
		ok bool
	)
	err := s.store.View(func(tx kvReader) error {
		var err error
		h, _, ok, err = latestVersion(tx, comp, height)
		return err
	})
	return h, ok, err
}

func (s *DB) GetData(ctx context.Context, compKey []byte, height uint64) ([]byte, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	comp := keys.Normalize(compKey, s.conf.MaxSubKeyLength)
	raw, err := s.store.Get(versionKey(comp, height))
	if err != nil {
		if s.store.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return decodeValue(raw)
}

func (s *DB) GetLatestData(ctx context.Context, compKey []byte, height uint64) ([]byte, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	comp := keys.Normalize(compKey, s.conf.MaxSubKeyLength)
	var out []byte
	err := s.store.View(func(tx kvReader) error {
		_, raw, ok, err := latestVersion(tx, comp, height)
		if err != nil || !ok {
			return err
		}
		out, err = decodeValue(raw)
		return err
	})
	return out, err
}

func (s *DB) GetBlob(ctx context.Context, hash [32]byte) ([]byte, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	v, err := s.store.Get(blobKey(hash))
	if err != nil {
		if s.store.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return v, nil
}

func (s *DB) WriteBatch(ctx context.Context, fn func(storage.Batch) error) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	return s.store.Update(func(tx kvWriter) error {
		return fn(&batch{tx: tx, maxSubKey: s.conf.MaxSubKeyLength})
	})
}

func (s *DB) ScanDataKeys(ctx context.Context, account string, height uint64, pattern string, cursor []byte, limit int) (storage.ScanResult, error) {
	if err := s.acquire(ctx); err != nil {
		return storage.ScanResult{}, err
	}
	defer s.release()

	maxKey := s.conf.MaxSubKeyLength
	col := storage.NewCollector(pattern, cursor, limit, maxKey)
	dataPrefix := keys.DataPrefix(account)

	start := escapedPrefix(append(append([]byte(nil), dataPrefix...), col.RangePrefix()...))
	upper := prefixUpperBound(start)
	lower := start
	if after := col.After(); after != nil {
		resume := prefixUpperBound(versionPrefix(append(append([]byte(nil), dataPrefix...), after...)))
		if string(resume) > string(lower) {
			lower = resume
		}
	}

	err := s.store.View(func(tx kvReader) error {
		getBlob := func(_ context.Context, hash [32]byte) ([]byte, error) {
			v, err := tx.Get(blobKey(hash))
			if errors.Is(err, ErrKVNotFound) {
				return nil, nil
			}
			return v, err
		}
		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			k, _, err := tx.FirstInRange(lower, upper)
			if err != nil {
				if errors.Is(err, ErrKVNotFound) {
					return nil
				}
				return err
			}
			comp, _, err := parseVersionKey(k)
			if err != nil {
				return err
			}
			vp := versionPrefix(comp)
			lower = prefixUpperBound(vp)

			stored := comp[len(dataPrefix):]
			if col.Skip(stored) {
				continue
			}
			_, raw, ok, err := latestVersion(tx, comp, height)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			value, err := decodeValue(raw)
			if err != nil {
				return err
			}
			original := stored
			if value != nil {
				if original, err = storage.ResolveSubKey(ctx, stored, maxKey, getBlob); err != nil {
					return err
				}
			}
			if !col.Add(stored, original, value) {
				return nil
			}
		}
	})
	if err != nil {
		return storage.ScanResult{}, err
	}
	return col.Result(), nil
}

func (s *DB) ClearDatabase(ctx context.Context) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()
	s.log.Warn("clearing database at %s", s.conf.DataDir)
	return s.store.DropAll()
}

// ====== Batch ======

type batch struct {
	tx        kvWriter
	maxSubKey int
}

func (b *batch) put(scope keys.Scope, account string, subKey []byte, height uint64, raw []byte) error {
	stored, overflow, digest, err := storage.PrepareWrite(scope, account, subKey, b.maxSubKey)
	if err != nil {
		return err
	}
	if overflow != nil {
		if err := b.tx.Set(blobKey(digest), overflow); err != nil {
			return err
		}
	}
	return b.tx.Set(versionKey(keys.Composite(scope, account, stored), height), raw)
}

func (b *batch) SetData(scope keys.Scope, account string, subKey []byte, height uint64, value []byte) error {
	return b.put(scope, account, subKey, height, encodeValue(value))
}

func (b *batch) DeleteData(scope keys.Scope, account string, subKey []byte, height uint64) error {
	return b.put(scope, account, subKey, height, []byte{valTombstone})
}

var errStopIter = errors.New("stop")

func (b *batch) CleanOlderData(compKey []byte, threshold uint64) error {
	comp := keys.Normalize(compKey, b.maxSubKey)
	vp := versionPrefix(comp)
	keep, _, err := b.tx.LastInRange(vp, versionUpper(comp, threshold))
	if err != nil {
		if errors.Is(err, ErrKVNotFound) {
			return nil
		}
		return err
	}

	var stale [][]byte
	err = b.tx.IteratePrefix(vp, nil, func(k, _ []byte) error {
		if string(k) >= string(keep) {
			return errStopIter
		}
		stale = append(stale, k)
		return nil
	})
	if err != nil && !errors.Is(err, errStopIter) {
		return err
	}
	for _, k := range stale {
		if err := b.tx.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func (b *batch) SetBlob(data []byte) ([32]byte, error) {
	hash := storage.HashBlob(data)
	return hash, b.tx.Set(blobKey(hash), data)
}
