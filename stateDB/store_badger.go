package statedb

import (
	"bytes"
	"errors"

	"github.com/dgraph-io/badger/v4"
)

type badgerStore struct {
	db *badger.DB
}

func newBadgerStore(path string, readOnly bool) (kvStore, error) {
	opts := badger.DefaultOptions(path).
		WithNumVersionsToKeep(1).
		WithSyncWrites(true).
		WithReadOnly(readOnly).
		WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &badgerStore{db: db}, nil
}

type badgerReader struct {
	txn *badger.Txn
}

func (r *badgerReader) Get(key []byte) ([]byte, error) {
	item, err := r.txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrKVNotFound
		}
		return nil, err
	}
	return item.ValueCopy(nil)
}

func (r *badgerReader) IteratePrefix(prefix []byte, startAfter []byte, fn func(key []byte, value []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := r.txn.NewIterator(opts)
	defer it.Close()

	seek := append(append([]byte(nil), prefix...), startAfter...)
	skipExact := len(startAfter) > 0
	for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		k := item.KeyCopy(nil)
		if skipExact && bytes.Equal(k, seek) {
			skipExact = false
			continue
		}
		skipExact = false
		v, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

func (r *badgerReader) FirstInRange(lower, upper []byte) ([]byte, []byte, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := r.txn.NewIterator(opts)
	defer it.Close()

	it.Seek(lower)
	if !it.Valid() {
		return nil, nil, ErrKVNotFound
	}
	item := it.Item()
	if upper != nil && bytes.Compare(item.Key(), upper) >= 0 {
		return nil, nil, ErrKVNotFound
	}
	v, err := item.ValueCopy(nil)
	if err != nil {
		return nil, nil, err
	}
	return item.KeyCopy(nil), v, nil
}

// LastInRange uses a reverse iterator; in reverse mode Seek lands on the
// greatest key <= the target, so an exact hit on upper is skipped.
func (r *badgerReader) LastInRange(lower, upper []byte) ([]byte, []byte, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Reverse = true
	it := r.txn.NewIterator(opts)
	defer it.Close()

	if upper == nil {
		it.Rewind()
	} else {
		it.Seek(upper)
		if it.Valid() && bytes.Equal(it.Item().Key(), upper) {
			it.Next()
		}
	}
	if !it.Valid() {
		return nil, nil, ErrKVNotFound
	}
	item := it.Item()
	if bytes.Compare(item.Key(), lower) < 0 {
		return nil, nil, ErrKVNotFound
	}
	v, err := item.ValueCopy(nil)
	if err != nil {
		return nil, nil, err
	}
	return item.KeyCopy(nil), v, nil
}

type badgerWriter struct {
	*badgerReader
}

func (w *badgerWriter) Set(key []byte, value []byte) error {
	return w.txn.Set(append([]byte(nil), key...), append([]byte(nil), value...))
}

func (w *badgerWriter) Delete(key []byte) error {
	return w.txn.Delete(append([]byte(nil), key...))
}

func (s *badgerStore) Get(key []byte) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		v, err := (&badgerReader{txn: txn}).Get(key)
		out = v
		return err
	})
	return out, err
}

func (s *badgerStore) View(fn func(tx kvReader) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		return fn(&badgerReader{txn: txn})
	})
}

func (s *badgerStore) Update(fn func(tx kvWriter) error) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return fn(&badgerWriter{badgerReader: &badgerReader{txn: txn}})
	})
}

func (s *badgerStore) DropAll() error {
	return s.db.DropAll()
}

// CompactRange is a no-op: badger reclaims space through value-log GC.
func (s *badgerStore) CompactRange(start, end []byte) error {
	err := s.db.RunValueLogGC(0.5)
	if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrRejected) {
		return nil
	}
	return err
}

func (s *badgerStore) IsNotFound(err error) bool {
	return errors.Is(err, ErrKVNotFound) || errors.Is(err, badger.ErrKeyNotFound)
}

func (s *badgerStore) Close() error {
	return s.db.Close()
}
