// Package cache decorates a storage.Engine with LRU caches. What may be
// cached is decided per operation by an explicit policy table.
package cache

import (
	"context"
	"encoding/hex"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"nearview/keys"
	"nearview/logs"
	"nearview/stats"
	"nearview/storage"
)

// Op names one cached engine operation.
type Op string

const (
	OpLatestBlockHeight     Op = "get_latest_block_height"
	OpBlockTimestamp        Op = "get_block_timestamp"
	OpLatestDataBlockHeight Op = "get_latest_data_block_height"
	OpData                  Op = "get_data"
	OpLatestData            Op = "get_latest_data"
	OpBlob                  Op = "get_blob"
	OpScanDataKeys          Op = "scan_data_keys"
)

// Policy says whether an operation is cached and for how long. A zero TTL
// means until evicted. ImmutableOnly restricts caching to heights at or
// below the known latest block height, where history no longer changes.
type Policy struct {
	Cacheable     bool
	TTL           time.Duration
	ImmutableOnly bool
}

// DefaultPolicies returns the policy table used when Config.Policies is nil.
func DefaultPolicies(latestTTL time.Duration) map[Op]Policy {
	return map[Op]Policy{
		OpLatestBlockHeight:     {Cacheable: true, TTL: latestTTL},
		OpBlockTimestamp:        {Cacheable: true, ImmutableOnly: true},
		OpLatestDataBlockHeight: {Cacheable: true, ImmutableOnly: true},
		OpData:                  {Cacheable: true, ImmutableOnly: true},
		OpLatestData:            {Cacheable: true, ImmutableOnly: true},
		OpBlob:                  {Cacheable: true},
		OpScanDataKeys:          {Cacheable: false},
	}
}

type Config struct {
	Size      int
	LatestTTL time.Duration
	Policies  map[Op]Policy
	Metrics   *stats.Metrics
}

type entry struct {
	height uint64
	ok     bool
	value  []byte
}

type latestEntry struct {
	height uint64
	ok     bool
}

const latestKey = "latest"

// Engine is the caching decorator.
type Engine struct {
	inner    storage.Engine
	policies map[Op]Policy
	metrics  *stats.Metrics
	log      logs.Logger

	history *lru.Cache[string, entry]
	latest  *expirable.LRU[string, latestEntry]

	mu          sync.RWMutex
	knownLatest uint64
	hasLatest   bool
}

var _ storage.Engine = (*Engine)(nil)

func New(inner storage.Engine, cfg Config) (*Engine, error) {
	if cfg.Size <= 0 {
		cfg.Size = 10000
	}
	if cfg.LatestTTL <= 0 {
		cfg.LatestTTL = time.Second
	}
	if cfg.Policies == nil {
		cfg.Policies = DefaultPolicies(cfg.LatestTTL)
	}
	history, err := lru.New[string, entry](cfg.Size)
	if err != nil {
		return nil, err
	}
	ttl := cfg.Policies[OpLatestBlockHeight].TTL
	if ttl <= 0 {
		ttl = cfg.LatestTTL
	}
	return &Engine{
		inner:    inner,
		policies: cfg.Policies,
		metrics:  cfg.Metrics,
		log:      logs.Named("cache"),
		history:  history,
		latest:   expirable.NewLRU[string, latestEntry](1, nil, ttl),
	}, nil
}

// cacheKey 由操作名和十六进制参数拼成
func cacheKey(op Op, args ...[]byte) string {
	var sb strings.Builder
	sb.WriteString(string(op))
	for _, a := range args {
		sb.WriteByte('|')
		sb.WriteString(hex.EncodeToString(a))
	}
	return sb.String()
}

func heightArg(h uint64) []byte { return []byte(strconv.FormatUint(h, 10)) }

func (c *Engine) observeLatest(h uint64) {
	c.mu.Lock()
	if !c.hasLatest || h > c.knownLatest {
		c.knownLatest, c.hasLatest = h, true
	}
	c.mu.Unlock()
}

// cacheable reports whether a result for op at height may be stored.
func (c *Engine) cacheable(op Op, height uint64) bool {
	p, ok := c.policies[op]
	if !ok || !p.Cacheable {
		return false
	}
	if !p.ImmutableOnly {
		return true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hasLatest && height <= c.knownLatest
}

func (c *Engine) lookup(op Op, key string) (entry, bool) {
	e, ok := c.history.Get(key)
	c.metrics.CacheRequest(string(op), ok)
	return e, ok
}

func (c *Engine) GetLatestBlockHeight(ctx context.Context) (uint64, bool, error) {
	if p := c.policies[OpLatestBlockHeight]; p.Cacheable {
		if e, ok := c.latest.Get(latestKey); ok {
			c.metrics.CacheRequest(string(OpLatestBlockHeight), true)
			return e.height, e.ok, nil
		}
		c.metrics.CacheRequest(string(OpLatestBlockHeight), false)
	}
	h, ok, err := c.inner.GetLatestBlockHeight(ctx)
	if err != nil {
		return 0, false, err
	}
	if ok {
		c.observeLatest(h)
	}
	if c.policies[OpLatestBlockHeight].Cacheable {
		c.latest.Add(latestKey, latestEntry{height: h, ok: ok})
	}
	return h, ok, nil
}

// SetLatestBlockHeight drops the cached latest height before returning.
func (c *Engine) SetLatestBlockHeight(ctx context.Context, height uint64) error {
	err := c.inner.SetLatestBlockHeight(ctx, height)
	c.latest.Remove(latestKey)
	if err != nil {
		return err
	}
	c.observeLatest(height)
	return nil
}

func (c *Engine) GetBlockTimestamp(ctx context.Context, height uint64) (uint64, bool, error) {
	key := cacheKey(OpBlockTimestamp, heightArg(height))
	cacheable := c.cacheable(OpBlockTimestamp, height)
	if cacheable {
		if e, ok := c.lookup(OpBlockTimestamp, key); ok {
			return e.height, e.ok, nil
		}
	}
	ts, ok, err := c.inner.GetBlockTimestamp(ctx, height)
	if err == nil && cacheable {
		c.history.Add(key, entry{height: ts, ok: ok})
	}
	return ts, ok, err
}

func (c *Engine) SetBlockTimestamp(ctx context.Context, height, timestamp uint64) error {
	err := c.inner.SetBlockTimestamp(ctx, height, timestamp)
	c.history.Remove(cacheKey(OpBlockTimestamp, heightArg(height)))
	return err
}

func (c *Engine) GetLatestDataBlockHeight(ctx context.Context, compKey []byte, height uint64) (uint64, bool, error) {
	key := cacheKey(OpLatestDataBlockHeight, compKey, heightArg(height))
	cacheable := c.cacheable(OpLatestDataBlockHeight, height)
	if cacheable {
		if e, ok := c.lookup(OpLatestDataBlockHeight, key); ok {
			return e.height, e.ok, nil
		}
	}
	h, ok, err := c.inner.GetLatestDataBlockHeight(ctx, compKey, height)
	if err == nil && cacheable {
		c.history.Add(key, entry{height: h, ok: ok})
	}
	return h, ok, err
}

// getValue decides cacheability from the latest height known before load
// runs; a load racing an advancing latest height is never stored.
func (c *Engine) getValue(ctx context.Context, op Op, compKey []byte, height uint64, load func() ([]byte, error)) ([]byte, error) {
	key := cacheKey(op, compKey, heightArg(height))
	cacheable := c.cacheable(op, height)
	if cacheable {
		if e, ok := c.lookup(op, key); ok {
			return e.value, nil
		}
	}
	v, err := load()
	if err == nil && cacheable {
		c.history.Add(key, entry{value: v})
	}
	return v, err
}

func (c *Engine) GetData(ctx context.Context, compKey []byte, height uint64) ([]byte, error) {
	return c.getValue(ctx, OpData, compKey, height, func() ([]byte, error) {
		return c.inner.GetData(ctx, compKey, height)
	})
}

func (c *Engine) GetLatestData(ctx context.Context, compKey []byte, height uint64) ([]byte, error) {
	return c.getValue(ctx, OpLatestData, compKey, height, func() ([]byte, error) {
		return c.inner.GetLatestData(ctx, compKey, height)
	})
}

// GetBlob caches hits only; a missing blob may be written later.
func (c *Engine) GetBlob(ctx context.Context, hash [32]byte) ([]byte, error) {
	key := cacheKey(OpBlob, hash[:])
	p := c.policies[OpBlob]
	if p.Cacheable {
		if e, ok := c.lookup(OpBlob, key); ok {
			return e.value, nil
		}
	}
	v, err := c.inner.GetBlob(ctx, hash)
	if err == nil && v != nil && p.Cacheable {
		c.history.Add(key, entry{value: v})
	}
	return v, err
}

func (c *Engine) ScanDataKeys(ctx context.Context, account string, height uint64, pattern string, cursor []byte, limit int) (storage.ScanResult, error) {
	return c.inner.ScanDataKeys(ctx, account, height, pattern, cursor, limit)
}

// WriteBatch purges the history cache after committing a batch that
// rewrote history: one that cleaned versions or wrote at or below the
// known latest height.
func (c *Engine) WriteBatch(ctx context.Context, fn func(storage.Batch) error) error {
	var tb *trackingBatch
	err := c.inner.WriteBatch(ctx, func(b storage.Batch) error {
		tb = &trackingBatch{Batch: b}
		return fn(tb)
	})
	if err != nil || tb == nil {
		return err
	}

	c.mu.RLock()
	rewrote := tb.cleaned || (tb.wrote && c.hasLatest && tb.minHeight <= c.knownLatest)
	c.mu.RUnlock()
	if rewrote {
		c.log.Debug("history rewritten, purging %d cached entries", c.history.Len())
		c.history.Purge()
	}
	return nil
}

func (c *Engine) ClearDatabase(ctx context.Context) error {
	err := c.inner.ClearDatabase(ctx)
	c.Purge()
	return err
}

// Purge drops every cached entry and forgets the known latest height.
func (c *Engine) Purge() {
	c.history.Purge()
	c.latest.Purge()
	c.mu.Lock()
	c.knownLatest, c.hasLatest = 0, false
	c.mu.Unlock()
}

func (c *Engine) Close() error {
	c.Purge()
	return c.inner.Close()
}

type trackingBatch struct {
	storage.Batch
	cleaned   bool
	wrote     bool
	minHeight uint64
}

func (b *trackingBatch) note(height uint64) {
	if !b.wrote || height < b.minHeight {
		b.minHeight = height
	}
	b.wrote = true
}

func (b *trackingBatch) SetData(scope keys.Scope, account string, subKey []byte, height uint64, value []byte) error {
	b.note(height)
	return b.Batch.SetData(scope, account, subKey, height, value)
}

func (b *trackingBatch) DeleteData(scope keys.Scope, account string, subKey []byte, height uint64) error {
	b.note(height)
	return b.Batch.DeleteData(scope, account, subKey, height)
}

func (b *trackingBatch) CleanOlderData(compKey []byte, threshold uint64) error {
	b.cleaned = true
	return b.Batch.CleanOlderData(compKey, threshold)
}
