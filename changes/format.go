// Package changes reads and writes change-index files: per shard, a list of
// accounts sorted ascending, each with its keys and the block heights at
// which those keys changed, newest first.
//
// The file is a sequence of fixed 64 KiB pages:
//
//	page    := { account keys* sentinel } terminator padding
//	account := varint(len) bytes            (len > 0)
//	keys    := varint(len) bytes varint(n) height delta*(n-1)
//	sentinel, terminator := varint(0)
//
// Interior pages are zero padded, the last page is not. An account whose
// keys overflow a page is repeated at the top of the next page. A key with
// more than MaxChangesPerRecord heights is split across consecutive records.
package changes

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	PageSize            = 64 << 10
	MaxChangesPerRecord = 255
)

var (
	ErrCorrupt = errors.New("changes: corrupt page")
	ErrOrder   = errors.New("changes: records out of order")
	ErrTooBig  = errors.New("changes: record does not fit in a page")
)

// KeyChanges is one key's change list, heights newest first.
type KeyChanges struct {
	Key     []byte
	Changes []uint64
}

// Entry is a KeyChanges attributed to its account.
type Entry struct {
	AccountID string
	Key       []byte
	Changes   []uint64
}

// record is one physical key record inside a page.
type record struct {
	account string
	key     []byte
	changes []uint64
}

func corrupt(page int, format string, args ...any) error {
	return fmt.Errorf("%w: page %d: %s", ErrCorrupt, page, fmt.Sprintf(format, args...))
}

// parsePage decodes every key record in one page. prevAccount is the last
// account of the previous page, used to detect order violations.
func parsePage(idx int, buf []byte, prevAccount string) ([]record, error) {
	var out []record
	off := 0
	readVarint := func(what string) (uint64, error) {
		if off >= len(buf) {
			return 0, corrupt(idx, "%s: unexpected end of page", what)
		}
		v, n := protowire.ConsumeVarint(buf[off:])
		if n < 0 {
			return 0, corrupt(idx, "%s: %v", what, protowire.ParseError(n))
		}
		off += n
		return v, nil
	}
	readBytes := func(n uint64, what string) ([]byte, error) {
		if n > uint64(len(buf)-off) {
			return nil, corrupt(idx, "%s: length %d past page end", what, n)
		}
		b := buf[off : off+int(n)]
		off += int(n)
		return b, nil
	}

	last := prevAccount
	for {
		alen, err := readVarint("account length")
		if err != nil {
			return nil, err
		}
		if alen == 0 {
			return out, nil
		}
		ab, err := readBytes(alen, "account")
		if err != nil {
			return nil, err
		}
		account := string(ab)
		if account < last {
			return nil, corrupt(idx, "account %q after %q", account, last)
		}
		last = account

		for {
			klen, err := readVarint("key length")
			if err != nil {
				return nil, err
			}
			if klen == 0 {
				break
			}
			key, err := readBytes(klen, "key")
			if err != nil {
				return nil, err
			}
			count, err := readVarint("change count")
			if err != nil {
				return nil, err
			}
			if count == 0 || count > MaxChangesPerRecord {
				return nil, corrupt(idx, "change count %d", count)
			}
			heights := make([]uint64, 0, count)
			h, err := readVarint("height")
			if err != nil {
				return nil, err
			}
			heights = append(heights, h)
			for i := uint64(1); i < count; i++ {
				d, err := readVarint("height delta")
				if err != nil {
					return nil, err
				}
				if d == 0 || d > h {
					return nil, corrupt(idx, "height delta %d from %d", d, h)
				}
				h -= d
				heights = append(heights, h)
			}
			out = append(out, record{
				account: account,
				key:     append([]byte(nil), key...),
				changes: heights,
			})
		}
	}
}

func appendAccountRecord(b []byte, account string) []byte {
	b = protowire.AppendVarint(b, uint64(len(account)))
	return append(b, account...)
}

// appendKeyRecord writes heights (already descending, deduplicated) as the
// first absolute value followed by deltas.
func appendKeyRecord(b []byte, key []byte, heights []uint64) []byte {
	b = protowire.AppendVarint(b, uint64(len(key)))
	b = append(b, key...)
	b = protowire.AppendVarint(b, uint64(len(heights)))
	b = protowire.AppendVarint(b, heights[0])
	for i := 1; i < len(heights); i++ {
		b = protowire.AppendVarint(b, heights[i-1]-heights[i])
	}
	return b
}
