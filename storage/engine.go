// Package storage defines the block-versioned key-value engine shared by
// every backend.
//
// Entries are addressed by composite keys (see package keys) and versioned
// by block height. A read "at height H" sees the greatest recorded version
// at or below H. Deletions are tombstone versions.
package storage

import (
	"context"
	"crypto/sha256"
	"errors"

	"nearview/keys"
)

// ErrClosed is returned by engines after Close.
var ErrClosed = errors.New("storage: engine closed")

// Engine is implemented by every backend and by the cache and shard
// wrappers. Absence is reported as (zero, false, nil) or (nil, nil), never
// as an error.
type Engine interface {
	GetLatestBlockHeight(ctx context.Context) (uint64, bool, error)
	SetLatestBlockHeight(ctx context.Context, height uint64) error

	GetBlockTimestamp(ctx context.Context, height uint64) (uint64, bool, error)
	SetBlockTimestamp(ctx context.Context, height, timestamp uint64) error

	// GetLatestDataBlockHeight returns the greatest height <= height at
	// which compKey was written or deleted.
	GetLatestDataBlockHeight(ctx context.Context, compKey []byte, height uint64) (uint64, bool, error)
	// GetData returns the value written at exactly height; nil for a
	// tombstone or a missing version.
	GetData(ctx context.Context, compKey []byte, height uint64) ([]byte, error)
	// GetLatestData returns the newest value at or below height; nil when
	// absent or deleted.
	GetLatestData(ctx context.Context, compKey []byte, height uint64) ([]byte, error)

	// WriteBatch runs fn and commits everything it wrote atomically if fn
	// returns nil. Nothing is visible when fn fails.
	WriteBatch(ctx context.Context, fn func(Batch) error) error

	GetBlob(ctx context.Context, hash [32]byte) ([]byte, error)

	// ScanDataKeys lists data keys of account matching a glob pattern with
	// their newest value at or below height, ascending by key.
	ScanDataKeys(ctx context.Context, account string, height uint64, pattern string, cursor []byte, limit int) (ScanResult, error)

	ClearDatabase(ctx context.Context) error
	Close() error
}

// Batch collects writes for one atomic commit.
type Batch interface {
	SetData(scope keys.Scope, account string, subKey []byte, height uint64, value []byte) error
	DeleteData(scope keys.Scope, account string, subKey []byte, height uint64) error
	// CleanOlderData drops every version of compKey older than the newest
	// version at or below threshold.
	CleanOlderData(compKey []byte, threshold uint64) error
	SetBlob(data []byte) ([32]byte, error)
}

// KeyValue is one scan hit. Key is the original (untruncated) subKey.
type KeyValue struct {
	Key   []byte
	Value []byte
}

// ScanResult holds one page of a scan. Cursor is nil when the scan is
// exhausted; otherwise pass it back to continue.
type ScanResult struct {
	Items  []KeyValue
	Cursor []byte
}

// HashBlob is the content address used by SetBlob/GetBlob.
func HashBlob(data []byte) [32]byte {
	return sha256.Sum256(data)
}

type versionReader interface {
	GetLatestDataBlockHeight(ctx context.Context, compKey []byte, height uint64) (uint64, bool, error)
	GetData(ctx context.Context, compKey []byte, height uint64) ([]byte, error)
}

// LatestData composes GetLatestDataBlockHeight and GetData. Backends that
// cannot answer in one lookup use it for GetLatestData.
func LatestData(ctx context.Context, e versionReader, compKey []byte, height uint64) ([]byte, error) {
	h, ok, err := e.GetLatestDataBlockHeight(ctx, compKey, height)
	if err != nil || !ok {
		return nil, err
	}
	return e.GetData(ctx, compKey, h)
}

// PrepareWrite validates a batch write and returns the stored subKey plus
// the overflow blob to persist when the subKey had to be truncated.
func PrepareWrite(scope keys.Scope, account string, subKey []byte, maxSubKey int) (stored []byte, overflow []byte, digest [32]byte, err error) {
	if !scope.Valid() {
		return nil, nil, digest, errors.New("storage: invalid scope")
	}
	if account == "" {
		return nil, nil, digest, errors.New("storage: empty account id")
	}
	if subKey == nil {
		return nil, nil, digest, nil
	}
	stored, digest, truncated := keys.Truncate(subKey, maxSubKey)
	if truncated {
		overflow = subKey
	}
	return stored, overflow, digest, nil
}
