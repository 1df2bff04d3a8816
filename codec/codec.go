package codec

import (
	"fmt"
	"math"
	"math/big"
	"strconv"
	"unicode/utf8"
)

// Encode serializes v as the schema type typeName.
func (s Schema) Encode(typeName string, v any) ([]byte, error) {
	t, err := s.lookup(typeName)
	if err != nil {
		return nil, encodeErr("%v", err)
	}
	w := NewWriter(64)
	if err := s.encode(w, t, v, typeName); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

// Decode parses data as the schema type typeName. The whole buffer must be
// consumed.
func (s Schema) Decode(typeName string, data []byte) (any, error) {
	t, err := s.lookup(typeName)
	if err != nil {
		return nil, decodeErr("%v", err)
	}
	r := NewReader(data)
	v, err := s.decode(r, t, typeName)
	if err != nil {
		return nil, err
	}
	if err := r.Done(); err != nil {
		return nil, err
	}
	return v, nil
}

// Encode and Decode are convenience wrappers for a one-off schema.
func Encode(s Schema, typeName string, v any) ([]byte, error) { return s.Encode(typeName, v) }
func Decode(s Schema, typeName string, data []byte) (any, error) {
	return s.Decode(typeName, data)
}

func (s Schema) encode(w *Writer, t *Type, v any, path string) error {
	t, err := s.resolve(t)
	if err != nil {
		return encodeErr("%s: %v", path, err)
	}
	switch t.Kind {
	case KindU8, KindU16, KindU32, KindU64:
		n, err := toUint(v, t.Kind)
		if err != nil {
			return encodeErr("%s: %v", path, err)
		}
		switch t.Kind {
		case KindU8:
			w.PutU8(uint8(n))
		case KindU16:
			w.PutU16(uint16(n))
		case KindU32:
			w.PutU32(uint32(n))
		default:
			w.PutU64(n)
		}
	case KindU128:
		b, err := toBig(v)
		if err != nil {
			return encodeErr("%s: %v", path, err)
		}
		if err := w.PutU128(b); err != nil {
			return err
		}
	case KindBool:
		b, ok := v.(bool)
		if !ok {
			return encodeErr("%s: want bool, got %T", path, v)
		}
		w.PutBool(b)
	case KindString:
		str, ok := v.(string)
		if !ok {
			return encodeErr("%s: want string, got %T", path, v)
		}
		if !utf8.ValidString(str) {
			return encodeErr("%s: string is not valid utf-8", path)
		}
		w.PutString(str)
	case KindBytes:
		b, ok := v.([]byte)
		if !ok {
			return encodeErr("%s: want []byte, got %T", path, v)
		}
		w.PutBytes(b)
	case KindFixed:
		b, ok := v.([]byte)
		if !ok {
			return encodeErr("%s: want []byte, got %T", path, v)
		}
		if len(b) != t.Len {
			return encodeErr("%s: fixed array wants %d bytes, got %d", path, t.Len, len(b))
		}
		w.PutRaw(b)
	case KindVec:
		items, ok := v.([]any)
		if !ok {
			return encodeErr("%s: want []any, got %T", path, v)
		}
		w.PutVarint(uint64(len(items)))
		for i, item := range items {
			if err := s.encode(w, t.Elem, item, indexPath(path, i)); err != nil {
				return err
			}
		}
	case KindOption:
		if v == nil {
			w.PutU8(0)
			return nil
		}
		w.PutU8(1)
		return s.encode(w, t.Elem, v, path)
	case KindStruct:
		fields, ok := asStruct(v)
		if !ok {
			return encodeErr("%s: want codec.Struct, got %T", path, v)
		}
		if len(fields) != len(t.Fields) {
			return encodeErr("%s: struct has %d fields, schema declares %d", path, len(fields), len(t.Fields))
		}
		for _, f := range t.Fields {
			fv, ok := fields[f.Name]
			if !ok {
				return encodeErr("%s: missing field %q", path, f.Name)
			}
			if err := s.encode(w, f.Type, fv, path+"."+f.Name); err != nil {
				return err
			}
		}
	case KindEnum:
		e, ok := asEnum(v)
		if !ok {
			return encodeErr("%s: want codec.Enum, got %T", path, v)
		}
		for i, variant := range t.Variants {
			if variant.Name != e.Tag {
				continue
			}
			if i > math.MaxUint8 {
				return encodeErr("%s: variant %s has tag %d, past one byte", path, e.Tag, i)
			}
			w.PutU8(uint8(i))
			if variant.Type == nil {
				if e.Value != nil {
					return encodeErr("%s: unit variant %s carries a value", path, e.Tag)
				}
				return nil
			}
			return s.encode(w, variant.Type, e.Value, path+"::"+e.Tag)
		}
		return encodeErr("%s: unknown variant %q", path, e.Tag)
	default:
		return encodeErr("%s: unsupported kind %s", path, t.Kind)
	}
	return nil
}

func (s Schema) decode(r *Reader, t *Type, path string) (any, error) {
	t, err := s.resolve(t)
	if err != nil {
		return nil, decodeErr("%s: %v", path, err)
	}
	switch t.Kind {
	case KindU8:
		return r.U8()
	case KindU16:
		return r.U16()
	case KindU32:
		return r.U32()
	case KindU64:
		return r.U64()
	case KindU128:
		return r.U128()
	case KindBool:
		return r.Bool()
	case KindString:
		return r.ReadString()
	case KindBytes:
		return r.ReadBytes()
	case KindFixed:
		return r.Fixed(t.Len)
	case KindVec:
		n, err := r.Varint()
		if err != nil {
			return nil, err
		}
		if least := s.minSize(t.Elem, 0); least > 0 && n > uint64(r.Remaining()/least) {
			return nil, decodeErr("%s: vec count %d exceeds remaining input", path, n)
		}
		items := make([]any, 0, capHint(n))
		for i := uint64(0); i < n; i++ {
			item, err := s.decode(r, t.Elem, indexPath(path, int(i)))
			if err != nil {
				return nil, err
			}
			items = append(items, item)
		}
		return items, nil
	case KindOption:
		tag, err := r.U8()
		if err != nil {
			return nil, err
		}
		switch tag {
		case 0:
			return nil, nil
		case 1:
			return s.decode(r, t.Elem, path)
		}
		return nil, decodeErr("%s: option tag %d", path, tag)
	case KindStruct:
		out := make(Struct, len(t.Fields))
		for _, f := range t.Fields {
			fv, err := s.decode(r, f.Type, path+"."+f.Name)
			if err != nil {
				return nil, err
			}
			out[f.Name] = fv
		}
		return out, nil
	case KindEnum:
		tag, err := r.U8()
		if err != nil {
			return nil, err
		}
		if int(tag) >= len(t.Variants) {
			return nil, decodeErr("%s: unknown enum tag %d", path, tag)
		}
		variant := t.Variants[tag]
		if variant.Type == nil {
			return Enum{Tag: variant.Name}, nil
		}
		payload, err := s.decode(r, variant.Type, path+"::"+variant.Name)
		if err != nil {
			return nil, err
		}
		return Enum{Tag: variant.Name, Value: payload}, nil
	}
	return nil, decodeErr("%s: unsupported kind %s", path, t.Kind)
}

func capHint(n uint64) int {
	if n > 1024 {
		return 1024
	}
	return int(n)
}

func indexPath(path string, i int) string {
	return path + "[" + strconv.Itoa(i) + "]"
}

func asStruct(v any) (map[string]any, bool) {
	switch x := v.(type) {
	case Struct:
		return x, true
	case map[string]any:
		return x, true
	}
	return nil, false
}

func asEnum(v any) (Enum, bool) {
	switch x := v.(type) {
	case Enum:
		return x, true
	case *Enum:
		if x != nil {
			return *x, true
		}
	}
	return Enum{}, false
}

// bigConvertible covers fixed-width integer types such as uint256.Int.
type bigConvertible interface {
	ToBig() *big.Int
}

func toBig(v any) (*big.Int, error) {
	switch x := v.(type) {
	case *big.Int:
		return x, nil
	case big.Int:
		return &x, nil
	case bigConvertible:
		return x.ToBig(), nil
	}
	n, err := toUint(v, KindU64)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetUint64(n), nil
}

func toUint(v any, kind Kind) (uint64, error) {
	var n uint64
	switch x := v.(type) {
	case uint8:
		n = uint64(x)
	case uint16:
		n = uint64(x)
	case uint32:
		n = uint64(x)
	case uint64:
		n = x
	case uint:
		n = uint64(x)
	case int:
		if x < 0 {
			return 0, fmt.Errorf("negative value %d", x)
		}
		n = uint64(x)
	case int64:
		if x < 0 {
			return 0, fmt.Errorf("negative value %d", x)
		}
		n = uint64(x)
	case int32:
		if x < 0 {
			return 0, fmt.Errorf("negative value %d", x)
		}
		n = uint64(x)
	default:
		return 0, fmt.Errorf("want unsigned integer, got %T", v)
	}
	limit := uint64(1<<64 - 1)
	switch kind {
	case KindU8:
		limit = 1<<8 - 1
	case KindU16:
		limit = 1<<16 - 1
	case KindU32:
		limit = 1<<32 - 1
	}
	if n > limit {
		return 0, fmt.Errorf("%d overflows %s", n, kind)
	}
	return n, nil
}
