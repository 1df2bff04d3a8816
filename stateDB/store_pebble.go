package statedb

import (
	"bytes"
	"errors"
	"io"

	"github.com/cockroachdb/pebble"
)

type pebbleReadable interface {
	Get(key []byte) ([]byte, io.Closer, error)
	NewIter(o *pebble.IterOptions) (*pebble.Iterator, error)
}

type pebbleStore struct {
	db *pebble.DB
}

func newPebbleStore(path string, readOnly bool) (kvStore, error) {
	db, err := pebble.Open(path, &pebble.Options{
		MaxOpenFiles: 500,
		ReadOnly:     readOnly,
	})
	if err != nil {
		return nil, err
	}
	return &pebbleStore{db: db}, nil
}

type pebbleReader struct {
	src pebbleReadable
}

func (r *pebbleReader) Get(key []byte) ([]byte, error) {
	v, closer, err := r.src.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrKVNotFound
		}
		return nil, err
	}
	defer closer.Close()
	out := append([]byte(nil), v...)
	return out, nil
}

func (r *pebbleReader) IteratePrefix(prefix []byte, startAfter []byte, fn func(key []byte, value []byte) error) error {
	opts := &pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	}
	iter, err := r.src.NewIter(opts)
	if err != nil {
		return err
	}
	defer iter.Close()

	seek := append([]byte(nil), prefix...)
	if len(startAfter) > 0 {
		seek = append(seek, startAfter...)
	}
	skipExact := len(startAfter) > 0

	for ok := iter.SeekGE(seek); ok; ok = iter.Next() {
		k := iter.Key()
		if skipExact && bytes.Equal(k, seek) {
			skipExact = false
			continue
		}
		skipExact = false

		key := append([]byte(nil), k...)
		val := append([]byte(nil), iter.Value()...)
		if err := fn(key, val); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (r *pebbleReader) edge(lower, upper []byte, last bool) ([]byte, []byte, error) {
	iter, err := r.src.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, nil, err
	}
	defer iter.Close()

	var ok bool
	if last {
		ok = iter.Last()
	} else {
		ok = iter.First()
	}
	if !ok {
		if err := iter.Error(); err != nil {
			return nil, nil, err
		}
		return nil, nil, ErrKVNotFound
	}
	return append([]byte(nil), iter.Key()...), append([]byte(nil), iter.Value()...), nil
}

func (r *pebbleReader) FirstInRange(lower, upper []byte) ([]byte, []byte, error) {
	return r.edge(lower, upper, false)
}

func (r *pebbleReader) LastInRange(lower, upper []byte) ([]byte, []byte, error) {
	return r.edge(lower, upper, true)
}

type pebbleWriter struct {
	*pebbleReader
	batch *pebble.Batch
}

func (w *pebbleWriter) Set(key []byte, value []byte) error {
	return w.batch.Set(key, value, pebble.NoSync)
}

func (w *pebbleWriter) Delete(key []byte) error {
	return w.batch.Delete(key, pebble.NoSync)
}

func (s *pebbleStore) Get(key []byte) ([]byte, error) {
	return (&pebbleReader{src: s.db}).Get(key)
}

func (s *pebbleStore) View(fn func(tx kvReader) error) error {
	snap := s.db.NewSnapshot()
	defer snap.Close()
	return fn(&pebbleReader{src: snap})
}

func (s *pebbleStore) Update(fn func(tx kvWriter) error) error {
	batch := s.db.NewIndexedBatch()
	defer batch.Close()

	writer := &pebbleWriter{
		pebbleReader: &pebbleReader{src: batch},
		batch:        batch,
	}
	if err := fn(writer); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

func (s *pebbleStore) DropAll() error {
	// 所有业务键都以可打印前缀开头，[0x00, 0xff) 覆盖整个键空间
	if err := s.db.DeleteRange([]byte{0x00}, []byte{0xff}, pebble.Sync); err != nil {
		return err
	}
	return s.db.Compact([]byte{0x00}, []byte{0xff}, true)
}

func (s *pebbleStore) CompactRange(start, end []byte) error {
	return s.db.Compact(start, end, true)
}

func (s *pebbleStore) IsNotFound(err error) bool {
	return errors.Is(err, ErrKVNotFound) || errors.Is(err, pebble.ErrNotFound)
}

func (s *pebbleStore) Close() error {
	return s.db.Close()
}
