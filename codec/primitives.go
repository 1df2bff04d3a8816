package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"
)

var (
	ErrDecode = errors.New("codec: decode")
	ErrEncode = errors.New("codec: encode")
)

var maxU128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))

func decodeErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrDecode, fmt.Sprintf(format, args...))
}

func encodeErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrEncode, fmt.Sprintf(format, args...))
}

// Writer appends little-endian fixed-width integers and varint-prefixed
// sequences to an in-memory buffer.
type Writer struct {
	buf []byte
}

func NewWriter(capacity int) *Writer { return &Writer{buf: make([]byte, 0, capacity)} }

func (w *Writer) Bytes() []byte { return w.buf }
func (w *Writer) Len() int      { return len(w.buf) }

func (w *Writer) PutU8(v uint8)   { w.buf = append(w.buf, v) }
func (w *Writer) PutU16(v uint16) { w.buf = binary.LittleEndian.AppendUint16(w.buf, v) }
func (w *Writer) PutU32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }
func (w *Writer) PutU64(v uint64) { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }

func (w *Writer) PutBool(v bool) {
	if v {
		w.PutU8(1)
		return
	}
	w.PutU8(0)
}

// PutU128 writes v as 16 little-endian bytes. v must be in [0, 2^128).
func (w *Writer) PutU128(v *big.Int) error {
	if v == nil {
		return encodeErr("u128 is nil")
	}
	if v.Sign() < 0 || v.Cmp(maxU128) > 0 {
		return encodeErr("u128 out of range: %s", v)
	}
	var be [16]byte
	v.FillBytes(be[:])
	for i := 15; i >= 0; i-- {
		w.buf = append(w.buf, be[i])
	}
	return nil
}

func (w *Writer) PutVarint(v uint64) { w.buf = protowire.AppendVarint(w.buf, v) }

// PutRaw appends b without a length prefix (fixed-size arrays).
func (w *Writer) PutRaw(b []byte) { w.buf = append(w.buf, b...) }

func (w *Writer) PutBytes(b []byte) {
	w.PutVarint(uint64(len(b)))
	w.PutRaw(b)
}

func (w *Writer) PutString(s string) {
	w.PutVarint(uint64(len(s)))
	w.buf = append(w.buf, s...)
}

// Reader consumes a buffer written by Writer. Every accessor fails with an
// ErrDecode-wrapped error instead of reading past the end.
type Reader struct {
	buf []byte
	off int
}

func NewReader(b []byte) *Reader { return &Reader{buf: b} }

func (r *Reader) Remaining() int { return len(r.buf) - r.off }

// Done reports trailing bytes as an error.
func (r *Reader) Done() error {
	if n := r.Remaining(); n != 0 {
		return decodeErr("%d trailing bytes", n)
	}
	return nil
}

func (r *Reader) take(n int, what string) ([]byte, error) {
	if n < 0 || r.Remaining() < n {
		return nil, decodeErr("%s: need %d bytes, have %d", what, n, r.Remaining())
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *Reader) U8() (uint8, error) {
	b, err := r.take(1, "u8")
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) U16() (uint16, error) {
	b, err := r.take(2, "u16")
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *Reader) U32() (uint32, error) {
	b, err := r.take(4, "u32")
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *Reader) U64() (uint64, error) {
	b, err := r.take(8, "u64")
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *Reader) Bool() (bool, error) {
	b, err := r.U8()
	if err != nil {
		return false, err
	}
	switch b {
	case 0:
		return false, nil
	case 1:
		return true, nil
	}
	return false, decodeErr("bool byte %d", b)
}

func (r *Reader) U128() (*big.Int, error) {
	b, err := r.take(16, "u128")
	if err != nil {
		return nil, err
	}
	var be [16]byte
	for i := 0; i < 16; i++ {
		be[i] = b[15-i]
	}
	return new(big.Int).SetBytes(be[:]), nil
}

func (r *Reader) Varint() (uint64, error) {
	v, n := protowire.ConsumeVarint(r.buf[r.off:])
	if n < 0 {
		return 0, decodeErr("varint: %v", protowire.ParseError(n))
	}
	r.off += n
	return v, nil
}

func (r *Reader) Fixed(n int) ([]byte, error) {
	b, err := r.take(n, "fixed array")
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), b...), nil
}

func (r *Reader) ReadBytes() ([]byte, error) {
	n, err := r.Varint()
	if err != nil {
		return nil, err
	}
	if n > uint64(r.Remaining()) {
		return nil, decodeErr("length %d exceeds remaining %d", n, r.Remaining())
	}
	return r.Fixed(int(n))
}

func (r *Reader) ReadString() (string, error) {
	b, err := r.ReadBytes()
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", decodeErr("string is not valid utf-8")
	}
	return string(b), nil
}
