package changes

import (
	"bytes"
	"fmt"
	"io"
	"sort"
)

// Writer streams records into pages. Add must be called in ascending
// (account, key) order.
type Writer struct {
	w         io.Writer
	page      []byte
	account   string // account open on the current page
	inAccount bool
	lastAcct  string
	lastKey   []byte
	started   bool
	pages     int
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w, page: make([]byte, 0, PageSize)}
}

// Pages returns how many pages have been flushed so far.
func (w *Writer) Pages() int { return w.pages }

// Add appends one key's heights. Heights may arrive in any order and with
// duplicates; they are written newest first, split into chunks of at most
// MaxChangesPerRecord.
func (w *Writer) Add(account string, key []byte, heights []uint64) error {
	if account == "" {
		return fmt.Errorf("changes: empty account id")
	}
	if len(key) == 0 {
		return fmt.Errorf("changes: empty key for %s", account)
	}
	if w.started {
		if account < w.lastAcct || (account == w.lastAcct && bytes.Compare(key, w.lastKey) <= 0) {
			return fmt.Errorf("%w: %s/%x after %s/%x", ErrOrder, account, key, w.lastAcct, w.lastKey)
		}
	}
	hs := sortDesc(heights)
	if len(hs) == 0 {
		return nil
	}
	w.started = true
	w.lastAcct = account
	w.lastKey = append(w.lastKey[:0], key...)

	for len(hs) > 0 {
		n := len(hs)
		if n > MaxChangesPerRecord {
			n = MaxChangesPerRecord
		}
		if err := w.addRecord(account, appendKeyRecord(nil, key, hs[:n])); err != nil {
			return err
		}
		hs = hs[n:]
	}
	return nil
}

func (w *Writer) addRecord(account string, rec []byte) error {
	if w.inAccount && w.account != account {
		// 关闭上一个账户的 key 列表
		w.page = append(w.page, 0)
		w.inAccount = false
	}

	need := len(rec) + 2 // sentinel + terminator
	if !w.inAccount {
		need += len(appendAccountRecord(nil, account))
	}
	if len(w.page)+need > PageSize {
		if len(w.page) > 0 {
			if err := w.flushPage(true); err != nil {
				return err
			}
		}
		need = len(rec) + 2 + len(appendAccountRecord(nil, account))
		if need > PageSize {
			return fmt.Errorf("%w: %d bytes for %s", ErrTooBig, len(rec), account)
		}
	}

	if !w.inAccount {
		w.page = appendAccountRecord(w.page, account)
		w.account = account
		w.inAccount = true
	}
	w.page = append(w.page, rec...)
	return nil
}

// flushPage terminates the current page; interior pages are padded.
func (w *Writer) flushPage(pad bool) error {
	if w.inAccount {
		w.page = append(w.page, 0)
		w.inAccount = false
	}
	w.page = append(w.page, 0)
	if pad {
		w.page = append(w.page, make([]byte, PageSize-len(w.page))...)
	}
	if _, err := w.w.Write(w.page); err != nil {
		return err
	}
	w.pages++
	w.page = w.page[:0]
	return nil
}

// Close writes the final, unpadded page.
func (w *Writer) Close() error {
	if len(w.page) == 0 {
		return nil
	}
	return w.flushPage(false)
}

// WriteChangesFile writes a complete file from an in-memory index.
func WriteChangesFile(out io.Writer, byAccount map[string][]KeyChanges) error {
	accounts := make([]string, 0, len(byAccount))
	for a := range byAccount {
		accounts = append(accounts, a)
	}
	sort.Strings(accounts)

	w := NewWriter(out)
	for _, a := range accounts {
		kcs := append([]KeyChanges(nil), byAccount[a]...)
		sort.Slice(kcs, func(i, j int) bool { return bytes.Compare(kcs[i].Key, kcs[j].Key) < 0 })
		for _, kc := range kcs {
			if err := w.Add(a, kc.Key, kc.Changes); err != nil {
				return err
			}
		}
	}
	return w.Close()
}

// sortDesc returns a descending, deduplicated copy of hs.
func sortDesc(hs []uint64) []uint64 {
	out := append([]uint64(nil), hs...)
	sort.Slice(out, func(i, j int) bool { return out[i] > out[j] })
	n := 0
	for i, h := range out {
		if i > 0 && h == out[n-1] {
			continue
		}
		out[n] = h
		n++
	}
	return out[:n]
}
