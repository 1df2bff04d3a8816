package storage

import (
	"bytes"
	"context"

	"nearview/keys"
)

// DefaultScanLimit applies when a caller passes a non-positive limit.
const DefaultScanLimit = 100

// Collector accumulates scan hits in stored-key order and decides where the
// next page starts. Backends feed it candidates; it filters by pattern,
// drops tombstones and stops once one hit beyond the limit proves more
// results exist.
type Collector struct {
	pattern Pattern
	cursor  []byte
	limit   int
	maxKey  int
	items   []KeyValue
	last    []byte
	hasMore bool
}

func NewCollector(pattern string, cursor []byte, limit, maxSubKey int) *Collector {
	if limit <= 0 {
		limit = DefaultScanLimit
	}
	return &Collector{
		pattern: CompilePattern(pattern),
		cursor:  cursor,
		limit:   limit,
		maxKey:  maxSubKey,
	}
}

// RangePrefix is the stored-subKey prefix to range over.
func (c *Collector) RangePrefix() []byte {
	return keys.ScanPrefix(c.pattern.Prefix(), c.maxKey)
}

// After is the exclusive lower bound on stored subKeys (the cursor), or nil.
func (c *Collector) After() []byte { return c.cursor }

// Skip reports whether a stored subKey is at or before the cursor.
func (c *Collector) Skip(stored []byte) bool {
	return c.cursor != nil && bytes.Compare(stored, c.cursor) <= 0
}

// Add offers one candidate. original is the resolved subKey, value nil
// means deleted at the scanned height. It returns false when the scan can
// stop.
func (c *Collector) Add(stored, original, value []byte) bool {
	if value == nil || !c.pattern.Match(original) {
		return true
	}
	if len(c.items) == c.limit {
		c.hasMore = true
		return false
	}
	c.items = append(c.items, KeyValue{Key: append([]byte(nil), original...), Value: value})
	c.last = append(c.last[:0], stored...)
	return true
}

func (c *Collector) Result() ScanResult {
	res := ScanResult{Items: c.items}
	if c.hasMore {
		res.Cursor = append([]byte(nil), c.last...)
	}
	if res.Items == nil {
		res.Items = []KeyValue{}
	}
	return res
}

// ResolveSubKey maps a stored subKey back to the original through the blob
// store when it is a truncated form.
func ResolveSubKey(ctx context.Context, stored []byte, maxSubKey int, getBlob func(context.Context, [32]byte) ([]byte, error)) ([]byte, error) {
	if !keys.IsTruncated(stored, maxSubKey) {
		return stored, nil
	}
	orig, err := getBlob(ctx, keys.TruncatedDigest(stored))
	if err != nil {
		return nil, err
	}
	if orig == nil {
		return stored, nil
	}
	return orig, nil
}
