package changes

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/edsrzf/mmap-go"
)

// Filter narrows a read to one account, optionally to keys with a prefix
// and to heights at or below BlockHeight.
type Filter struct {
	AccountID   string
	KeyPrefix   []byte
	BlockHeight *uint64
}

// Reader reads a change-index file through io.ReaderAt.
type Reader struct {
	r     io.ReaderAt
	size  int64
	close func() error
}

func NewReader(r io.ReaderAt, size int64) *Reader {
	return &Reader{r: r, size: size}
}

// OpenFile memory-maps path.
func OpenFile(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if st.Size() == 0 {
		_ = f.Close()
		return &Reader{r: bytes.NewReader(nil)}, nil
	}
	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}
	return &Reader{
		r:    bytes.NewReader(m),
		size: st.Size(),
		close: func() error {
			uerr := m.Unmap()
			cerr := f.Close()
			if uerr != nil {
				return uerr
			}
			return cerr
		},
	}, nil
}

func (r *Reader) Close() error {
	if r.close == nil {
		return nil
	}
	c := r.close
	r.close = nil
	return c()
}

func (r *Reader) Size() int64 { return r.size }

func (r *Reader) NumPages() int {
	return int((r.size + PageSize - 1) / PageSize)
}

func (r *Reader) readPage(i int) ([]byte, error) {
	start := int64(i) * PageSize
	end := start + PageSize
	if end > r.size {
		end = r.size
	}
	buf := make([]byte, end-start)
	if _, err := r.r.ReadAt(buf, start); err != nil && err != io.EOF {
		return nil, err
	}
	return buf, nil
}

func (r *Reader) parse(i int, prevAccount string) ([]record, error) {
	buf, err := r.readPage(i)
	if err != nil {
		return nil, err
	}
	return parsePage(i, buf, prevAccount)
}

// firstRecord is the first key record of page i; a page with no records
// sorts after everything.
func (r *Reader) firstRecord(i int) (record, bool, error) {
	recs, err := r.parse(i, "")
	if err != nil {
		return record{}, false, err
	}
	if len(recs) == 0 {
		return record{}, false, nil
	}
	return recs[0], true, nil
}

// seek finds the page to start a filtered scan from: the page before the
// first one ordered at or after the target.
func (r *Reader) seek(f *Filter) (int, error) {
	var searchErr error
	n := r.NumPages()
	first := sort.Search(n, func(i int) bool {
		if searchErr != nil {
			return true
		}
		rec, ok, err := r.firstRecord(i)
		if err != nil {
			searchErr = err
			return true
		}
		if !ok {
			return true
		}
		return compareToTarget(rec, f) >= 0
	})
	if searchErr != nil {
		return 0, searchErr
	}
	if first > 0 {
		first--
	}
	return first, nil
}

// compareToTarget orders a page's first record against the filter target.
func compareToTarget(rec record, f *Filter) int {
	if c := compareStrings(rec.account, f.AccountID); c != 0 {
		return c
	}
	if len(f.KeyPrefix) == 0 {
		return 0
	}
	if !bytes.HasPrefix(rec.key, f.KeyPrefix) {
		return bytes.Compare(rec.key, f.KeyPrefix)
	}
	// heights only refine the search inside an exact key's run, where they
	// strictly descend page to page
	if f.BlockHeight != nil && bytes.Equal(rec.key, f.KeyPrefix) && rec.changes[0] > *f.BlockHeight {
		return -1
	}
	return 0
}

func compareStrings(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Scan calls fn for every entry matching f (all entries when f is nil).
// Records of one key that were split across chunks or pages are merged.
func (r *Reader) Scan(f *Filter, fn func(Entry) error) error {
	start := 0
	if f != nil {
		var err error
		if start, err = r.seek(f); err != nil {
			return err
		}
	}
	it := newIterator(r, start)
	for {
		e, ok, err := it.next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if f == nil {
			if err := fn(e); err != nil {
				return err
			}
			continue
		}
		if e.AccountID < f.AccountID {
			continue
		}
		if e.AccountID > f.AccountID {
			return nil
		}
		if len(f.KeyPrefix) > 0 && !bytes.HasPrefix(e.Key, f.KeyPrefix) {
			if bytes.Compare(e.Key, f.KeyPrefix) > 0 {
				return nil
			}
			continue
		}
		if f.BlockHeight != nil {
			e.Changes = truncateAbove(e.Changes, *f.BlockHeight)
			if len(e.Changes) == 0 {
				continue
			}
		}
		if err := fn(e); err != nil {
			return err
		}
	}
}

// LatestHeight returns the newest change of (account, key) at or below h.
func (r *Reader) LatestHeight(account string, key []byte, h uint64) (uint64, bool, error) {
	var (
		found  bool
		height uint64
	)
	err := r.Scan(&Filter{AccountID: account, KeyPrefix: key, BlockHeight: &h}, func(e Entry) error {
		if bytes.Equal(e.Key, key) {
			found, height = true, e.Changes[0]
			return errStop
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStop) {
		return 0, false, err
	}
	return height, found, nil
}

var errStop = errors.New("stop")

// ReadChangesFile collects every matching entry.
func ReadChangesFile(r io.ReaderAt, size int64, f *Filter) ([]Entry, error) {
	var out []Entry
	err := NewReader(r, size).Scan(f, func(e Entry) error {
		out = append(out, e)
		return nil
	})
	return out, err
}

func truncateAbove(desc []uint64, h uint64) []uint64 {
	i := sort.Search(len(desc), func(i int) bool { return desc[i] <= h })
	return desc[i:]
}

// iterator yields merged entries in file order.
type iterator struct {
	r        *Reader
	page     int
	recs     []record
	idx      int
	lastAcct string
	pending  *Entry
	done     bool
}

func newIterator(r *Reader, startPage int) *iterator {
	return &iterator{r: r, page: startPage}
}

func (it *iterator) nextRecord() (record, bool, error) {
	for it.idx >= len(it.recs) {
		if it.page >= it.r.NumPages() {
			return record{}, false, nil
		}
		recs, err := it.r.parse(it.page, it.lastAcct)
		if err != nil {
			return record{}, false, err
		}
		it.page++
		it.recs, it.idx = recs, 0
		if len(recs) > 0 {
			it.lastAcct = recs[len(recs)-1].account
		}
	}
	rec := it.recs[it.idx]
	it.idx++
	return rec, true, nil
}

func (it *iterator) next() (Entry, bool, error) {
	if it.done {
		return Entry{}, false, nil
	}
	for {
		rec, ok, err := it.nextRecord()
		if err != nil {
			return Entry{}, false, err
		}
		if !ok {
			it.done = true
			if it.pending == nil {
				return Entry{}, false, nil
			}
			e := *it.pending
			it.pending = nil
			return e, true, nil
		}
		if p := it.pending; p != nil && p.AccountID == rec.account && bytes.Equal(p.Key, rec.key) {
			if last := p.Changes[len(p.Changes)-1]; rec.changes[0] >= last {
				return Entry{}, false, corrupt(it.page-1, "key %x heights not descending across records", rec.key)
			}
			p.Changes = append(p.Changes, rec.changes...)
			continue
		}
		prev := it.pending
		it.pending = &Entry{AccountID: rec.account, Key: rec.key, Changes: rec.changes}
		if prev != nil {
			if prev.AccountID == rec.account && bytes.Compare(rec.key, prev.Key) < 0 {
				return Entry{}, false, corrupt(it.page-1, "key %x after %x", rec.key, prev.Key)
			}
			return *prev, true, nil
		}
	}
}
