package codec

import (
	"fmt"
	"math"
	"strings"
)

type Kind uint8

const (
	KindU8 Kind = iota + 1
	KindU16
	KindU32
	KindU64
	KindU128
	KindBool
	KindString
	KindBytes  // vec<u8> surfaced as []byte
	KindFixed  // [u8; N]
	KindVec    // varint count, then elements
	KindOption // presence byte, then value
	KindStruct
	KindEnum
	KindRef // named reference into the schema
)

var kindNames = map[Kind]string{
	KindU8: "u8", KindU16: "u16", KindU32: "u32", KindU64: "u64", KindU128: "u128",
	KindBool: "bool", KindString: "string", KindBytes: "bytes", KindFixed: "fixed",
	KindVec: "vec", KindOption: "option", KindStruct: "struct", KindEnum: "enum", KindRef: "ref",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

type Field struct {
	Name string
	Type *Type
}

// Variant is one enum arm. A nil Type marks a unit variant with no payload.
type Variant struct {
	Name string
	Type *Type
}

type Type struct {
	Kind     Kind
	Len      int // KindFixed
	Elem     *Type
	Fields   []Field
	Variants []Variant
	Name     string // KindRef
}

var (
	U8     = &Type{Kind: KindU8}
	U16    = &Type{Kind: KindU16}
	U32    = &Type{Kind: KindU32}
	U64    = &Type{Kind: KindU64}
	U128   = &Type{Kind: KindU128}
	Bool   = &Type{Kind: KindBool}
	String = &Type{Kind: KindString}
	Bytes  = &Type{Kind: KindBytes}
)

func Fixed(n int) *Type            { return &Type{Kind: KindFixed, Len: n} }
func VecOf(elem *Type) *Type       { return &Type{Kind: KindVec, Elem: elem} }
func OptionOf(elem *Type) *Type    { return &Type{Kind: KindOption, Elem: elem} }
func Ref(name string) *Type        { return &Type{Kind: KindRef, Name: name} }
func F(name string, t *Type) Field { return Field{Name: name, Type: t} }
func V(name string, t *Type) Variant {
	return Variant{Name: name, Type: t}
}

func StructOf(fields ...Field) *Type { return &Type{Kind: KindStruct, Fields: fields} }
func EnumOf(variants ...Variant) *Type {
	return &Type{Kind: KindEnum, Variants: variants}
}

// Struct is the dynamic value of a struct type, keyed by field name.
type Struct map[string]any

// Enum is the dynamic value of an enum type. Value is nil for unit variants.
type Enum struct {
	Tag   string
	Value any
}

// Schema is a declarative table of named types. Message catalogs are data:
// adding a message means adding an entry, not code.
type Schema map[string]*Type

// Validate checks that every reference resolves and every enum fits a tag byte.
func (s Schema) Validate() error {
	var errs []string
	for name, t := range s {
		if err := s.validate(t); err != nil {
			errs = append(errs, name+": "+err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("codec: invalid schema: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (s Schema) validate(t *Type) error {
	if t == nil {
		return fmt.Errorf("nil type")
	}
	switch t.Kind {
	case KindRef:
		if _, ok := s[t.Name]; !ok {
			return fmt.Errorf("unknown type %q", t.Name)
		}
	case KindFixed:
		if t.Len < 0 {
			return fmt.Errorf("negative fixed length")
		}
	case KindVec, KindOption:
		return s.validate(t.Elem)
	case KindStruct:
		seen := make(map[string]bool, len(t.Fields))
		for _, f := range t.Fields {
			if seen[f.Name] {
				return fmt.Errorf("duplicate field %q", f.Name)
			}
			seen[f.Name] = true
			if err := s.validate(f.Type); err != nil {
				return fmt.Errorf("field %s: %w", f.Name, err)
			}
		}
	case KindEnum:
		if len(t.Variants) > math.MaxUint8+1 {
			return fmt.Errorf("enum has %d variants, a tag byte holds %d", len(t.Variants), math.MaxUint8+1)
		}
		seen := make(map[string]bool, len(t.Variants))
		for _, v := range t.Variants {
			if seen[v.Name] {
				return fmt.Errorf("duplicate variant %q", v.Name)
			}
			seen[v.Name] = true
			if v.Type == nil {
				continue
			}
			if err := s.validate(v.Type); err != nil {
				return fmt.Errorf("variant %s: %w", v.Name, err)
			}
		}
	}
	return nil
}

func (s Schema) resolve(t *Type) (*Type, error) {
	for depth := 0; t.Kind == KindRef; depth++ {
		next, ok := s[t.Name]
		if !ok {
			return nil, fmt.Errorf("unknown type %q", t.Name)
		}
		if depth > 64 {
			return nil, fmt.Errorf("reference cycle at %q", t.Name)
		}
		t = next
	}
	return t, nil
}

func (s Schema) lookup(typeName string) (*Type, error) {
	t, ok := s[typeName]
	if !ok {
		return nil, fmt.Errorf("unknown type %q", typeName)
	}
	return t, nil
}

// minSize is the smallest encoding of t, used to reject absurd vec counts
// before allocating.
func (s Schema) minSize(t *Type, depth int) int {
	if depth > 16 {
		return 0
	}
	switch t.Kind {
	case KindU8, KindBool, KindOption, KindEnum, KindString, KindBytes, KindVec:
		return 1
	case KindU16:
		return 2
	case KindU32:
		return 4
	case KindU64:
		return 8
	case KindU128:
		return 16
	case KindFixed:
		return t.Len
	case KindStruct:
		n := 0
		for _, f := range t.Fields {
			n += s.minSize(f.Type, depth+1)
		}
		return n
	case KindRef:
		if r, ok := s[t.Name]; ok {
			return s.minSize(r, depth+1)
		}
	}
	return 0
}
