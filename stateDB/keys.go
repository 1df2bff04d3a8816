package statedb

import (
	"encoding/binary"
	"errors"
)

// ====== 落盘键布局 ======
//
// v | escape(compKey) | 0x00 0x01 | BE64(height) -> 0x00 (tombstone) / 0x01 ‖ value
// b | sha256                                    -> blob
// m | "latest_height"                           -> BE64(height)
// m | "ts" | BE64(height)                       -> BE64(timestamp)
//
// escape 把 0x00 写成 0x00 0xFF，0x00 0x01 作为结束符，保证同一 compKey 的所有
// 版本连续、不同 compKey 之间按字节序排列且互不为前缀。

const (
	pfxVersion = 'v'
	pfxBlob    = 'b'
	pfxMeta    = 'm'
)

const (
	valTombstone byte = 0x00
	valPresent   byte = 0x01
)

var (
	errBadVersionKey = errors.New("statedb: malformed version key")
	errBadValue      = errors.New("statedb: malformed value")

	kLatestHeight = []byte{pfxMeta, 'l', 'a', 't', 'e', 's', 't', '_', 'h', 'e', 'i', 'g', 'h', 't'}
)

func appendEscaped(dst, src []byte) []byte {
	for _, c := range src {
		dst = append(dst, c)
		if c == 0x00 {
			dst = append(dst, 0xFF)
		}
	}
	return dst
}

// escapedPrefix covers every compKey starting with comp.
func escapedPrefix(comp []byte) []byte {
	out := make([]byte, 0, len(comp)+8)
	out = append(out, pfxVersion)
	return appendEscaped(out, comp)
}

// versionPrefix covers exactly the versions of comp.
func versionPrefix(comp []byte) []byte {
	return append(escapedPrefix(comp), 0x00, 0x01)
}

func versionKey(comp []byte, height uint64) []byte {
	return binary.BigEndian.AppendUint64(versionPrefix(comp), height)
}

// versionUpper is the exclusive upper bound for versions of comp at or
// below height.
func versionUpper(comp []byte, height uint64) []byte {
	if height == ^uint64(0) {
		return prefixUpperBound(versionPrefix(comp))
	}
	return versionKey(comp, height+1)
}

func parseVersionKey(k []byte) (comp []byte, height uint64, err error) {
	if len(k) < 1+2+8 || k[0] != pfxVersion {
		return nil, 0, errBadVersionKey
	}
	height = binary.BigEndian.Uint64(k[len(k)-8:])
	body := k[1 : len(k)-8]
	comp = make([]byte, 0, len(body))
	for i := 0; i < len(body); i++ {
		if body[i] != 0x00 {
			comp = append(comp, body[i])
			continue
		}
		if i+1 >= len(body) {
			return nil, 0, errBadVersionKey
		}
		switch body[i+1] {
		case 0xFF:
			comp = append(comp, 0x00)
			i++
		case 0x01:
			if i+2 != len(body) {
				return nil, 0, errBadVersionKey
			}
			return comp, height, nil
		default:
			return nil, 0, errBadVersionKey
		}
	}
	return nil, 0, errBadVersionKey
}

func blobKey(hash [32]byte) []byte {
	return append([]byte{pfxBlob}, hash[:]...)
}

func timestampKey(height uint64) []byte {
	return binary.BigEndian.AppendUint64([]byte{pfxMeta, 't', 's'}, height)
}

func encodeValue(v []byte) []byte {
	out := make([]byte, 0, len(v)+1)
	out = append(out, valPresent)
	return append(out, v...)
}

// decodeValue returns nil for a tombstone and a non-nil slice otherwise.
func decodeValue(raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return nil, errBadValue
	}
	switch raw[0] {
	case valTombstone:
		return nil, nil
	case valPresent:
		return append(make([]byte, 0, len(raw)-1), raw[1:]...), nil
	}
	return nil, errBadValue
}

func encodeU64(v uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, v)
}

func decodeU64(raw []byte) (uint64, error) {
	if len(raw) != 8 {
		return 0, errBadValue
	}
	return binary.BigEndian.Uint64(raw), nil
}
