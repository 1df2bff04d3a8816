package statedb

import (
	"bytes"
	"errors"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

type levelStore struct {
	db *leveldb.DB
}

func newLevelStore(path string, readOnly bool) (kvStore, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{
		ReadOnly:               readOnly,
		OpenFilesCacheCapacity: 500,
	})
	if err != nil {
		return nil, err
	}
	return &levelStore{db: db}, nil
}

// levelReadable is satisfied by *leveldb.Snapshot and *leveldb.Transaction.
type levelReadable interface {
	Get(key []byte, ro *opt.ReadOptions) ([]byte, error)
	NewIterator(slice *util.Range, ro *opt.ReadOptions) iterator.Iterator
}

type levelReader struct {
	src levelReadable
}

func (r *levelReader) Get(key []byte) ([]byte, error) {
	v, err := r.src.Get(key, nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, ErrKVNotFound
		}
		return nil, err
	}
	return v, nil
}

func (r *levelReader) IteratePrefix(prefix []byte, startAfter []byte, fn func(key []byte, value []byte) error) error {
	it := r.src.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	seek := append(append([]byte(nil), prefix...), startAfter...)
	skipExact := len(startAfter) > 0
	for ok := it.Seek(seek); ok; ok = it.Next() {
		if skipExact && bytes.Equal(it.Key(), seek) {
			skipExact = false
			continue
		}
		skipExact = false
		key := append([]byte(nil), it.Key()...)
		val := append([]byte(nil), it.Value()...)
		if err := fn(key, val); err != nil {
			return err
		}
	}
	return it.Error()
}

func (r *levelReader) edge(lower, upper []byte, last bool) ([]byte, []byte, error) {
	it := r.src.NewIterator(&util.Range{Start: lower, Limit: upper}, nil)
	defer it.Release()

	var ok bool
	if last {
		ok = it.Last()
	} else {
		ok = it.First()
	}
	if !ok {
		if err := it.Error(); err != nil {
			return nil, nil, err
		}
		return nil, nil, ErrKVNotFound
	}
	return append([]byte(nil), it.Key()...), append([]byte(nil), it.Value()...), nil
}

func (r *levelReader) FirstInRange(lower, upper []byte) ([]byte, []byte, error) {
	return r.edge(lower, upper, false)
}

func (r *levelReader) LastInRange(lower, upper []byte) ([]byte, []byte, error) {
	return r.edge(lower, upper, true)
}

type levelWriter struct {
	*levelReader
	tr *leveldb.Transaction
}

func (w *levelWriter) Set(key []byte, value []byte) error {
	return w.tr.Put(key, value, nil)
}

func (w *levelWriter) Delete(key []byte) error {
	return w.tr.Delete(key, nil)
}

func (s *levelStore) Get(key []byte) ([]byte, error) {
	return (&levelReader{src: s.db}).Get(key)
}

func (s *levelStore) View(fn func(tx kvReader) error) error {
	snap, err := s.db.GetSnapshot()
	if err != nil {
		return err
	}
	defer snap.Release()
	return fn(&levelReader{src: snap})
}

// Update runs fn inside a leveldb transaction, which gives the batch
// read-your-writes semantics like pebble's indexed batch.
func (s *levelStore) Update(fn func(tx kvWriter) error) error {
	tr, err := s.db.OpenTransaction()
	if err != nil {
		return err
	}
	if err := fn(&levelWriter{levelReader: &levelReader{src: tr}, tr: tr}); err != nil {
		tr.Discard()
		return err
	}
	return tr.Commit()
}

func (s *levelStore) DropAll() error {
	it := s.db.NewIterator(nil, nil)
	defer it.Release()
	batch := new(leveldb.Batch)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
		if batch.Len() >= 10000 {
			if err := s.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
				return err
			}
			batch.Reset()
		}
	}
	if err := it.Error(); err != nil {
		return err
	}
	return s.db.Write(batch, &opt.WriteOptions{Sync: true})
}

func (s *levelStore) CompactRange(start, end []byte) error {
	return s.db.CompactRange(util.Range{Start: start, Limit: end})
}

func (s *levelStore) IsNotFound(err error) bool {
	return errors.Is(err, ErrKVNotFound) || errors.Is(err, leveldb.ErrNotFound)
}

func (s *levelStore) Close() error {
	return s.db.Close()
}
