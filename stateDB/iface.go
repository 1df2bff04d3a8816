package statedb

import "errors"

const (
	BackendPebble  = "pebble"
	BackendBadger  = "badger"
	BackendLevelDB = "leveldb"
)

var ErrKVNotFound = errors.New("kv key not found")

type kvReader interface {
	Get(key []byte) ([]byte, error)
	IteratePrefix(prefix []byte, startAfter []byte, fn func(key []byte, value []byte) error) error
	// FirstInRange / LastInRange return the smallest / greatest key in
	// [lower, upper) with its value, or ErrKVNotFound. A nil upper is
	// unbounded.
	FirstInRange(lower, upper []byte) ([]byte, []byte, error)
	LastInRange(lower, upper []byte) ([]byte, []byte, error)
}

type kvWriter interface {
	kvReader
	Set(key []byte, value []byte) error
	Delete(key []byte) error
}

type kvStore interface {
	Get(key []byte) ([]byte, error)
	View(fn func(tx kvReader) error) error
	Update(fn func(tx kvWriter) error) error
	// DropAll removes every key.
	DropAll() error
	// CompactRange asks the engine to physically reclaim [start, end).
	CompactRange(start, end []byte) error
	IsNotFound(err error) bool
	Close() error
}

func prefixUpperBound(prefix []byte) []byte {
	upper := append([]byte(nil), prefix...)
	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper[:i+1]
		}
	}
	return nil
}
