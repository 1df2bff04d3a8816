package codec

import (
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSchema() Schema {
	return Schema{
		"Inner": StructOf(
			F("flag", Bool),
			F("tag", Fixed(4)),
		),
		"Shape": EnumOf(
			V("Empty", nil),
			V("Point", StructOf(F("x", U16), F("y", U16))),
			V("Label", String),
		),
		"Outer": StructOf(
			F("id", U64),
			F("amount", U128),
			F("small", U8),
			F("mid", U32),
			F("name", String),
			F("blob", Bytes),
			F("maybe", OptionOf(U128)),
			F("inner", Ref("Inner")),
			F("shapes", VecOf(Ref("Shape"))),
			F("names", VecOf(String)),
		),
	}
}

func TestRoundTripNested(t *testing.T) {
	s := testSchema()
	require.NoError(t, s.Validate())

	amount, ok := new(big.Int).SetString("340282366920938463463374607431768211455", 10) // 2^128-1
	require.True(t, ok)

	in := Struct{
		"id":     uint64(7),
		"amount": amount,
		"small":  uint8(255),
		"mid":    uint32(70000),
		"name":   "test.near",
		"blob":   []byte{1, 2, 3},
		"maybe":  nil,
		"inner":  Struct{"flag": true, "tag": []byte("abcd")},
		"shapes": []any{
			Enum{Tag: "Empty"},
			Enum{Tag: "Point", Value: Struct{"x": uint16(1), "y": uint16(2)}},
			Enum{Tag: "Label", Value: "hi"},
		},
		"names": []any{"a", "b"},
	}

	data, err := s.Encode("Outer", in)
	require.NoError(t, err)

	out, err := s.Decode("Outer", data)
	require.NoError(t, err)
	got := out.(Struct)

	assert.Equal(t, uint64(7), got["id"])
	assert.Equal(t, 0, amount.Cmp(got["amount"].(*big.Int)))
	assert.Equal(t, uint8(255), got["small"])
	assert.Equal(t, uint32(70000), got["mid"])
	assert.Equal(t, "test.near", got["name"])
	assert.Equal(t, []byte{1, 2, 3}, got["blob"])
	assert.Nil(t, got["maybe"])
	assert.Equal(t, Struct{"flag": true, "tag": []byte("abcd")}, got["inner"])
	assert.Equal(t, in["shapes"], got["shapes"])
	assert.Equal(t, []any{"a", "b"}, got["names"])

	again, err := s.Encode("Outer", got)
	require.NoError(t, err)
	assert.Equal(t, data, again)
}

func TestWireLayout(t *testing.T) {
	s := Schema{
		"Msg": StructOf(
			F("a", U16),
			F("b", OptionOf(U8)),
			F("c", String),
			F("e", EnumOf(V("X", nil), V("Y", U8))),
		),
	}
	data, err := s.Encode("Msg", Struct{
		"a": uint16(0x0102),
		"b": uint8(9),
		"c": "hi",
		"e": Enum{Tag: "Y", Value: uint8(5)},
	})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x02, 0x01, 1, 9, 2, 'h', 'i', 1, 5}, data)
}

func TestU128LittleEndian(t *testing.T) {
	w := NewWriter(16)
	require.NoError(t, w.PutU128(big.NewInt(0x0102)))
	assert.Equal(t, []byte{0x02, 0x01, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}, w.Bytes())

	over := new(big.Int).Lsh(big.NewInt(1), 128)
	assert.ErrorIs(t, NewWriter(16).PutU128(over), ErrEncode)
	assert.ErrorIs(t, NewWriter(16).PutU128(big.NewInt(-1)), ErrEncode)
}

func TestU128AcceptsUint256(t *testing.T) {
	s := Schema{"N": U128}
	a, err := s.Encode("N", uint256.NewInt(500))
	require.NoError(t, err)
	b, err := s.Encode("N", big.NewInt(500))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestDecodeErrors(t *testing.T) {
	s := testSchema()
	s["Pair"] = StructOf(F("a", U32), F("b", String))

	cases := map[string]struct {
		typ  string
		data []byte
	}{
		"unknown enum tag": {"Shape", []byte{3}},
		"short u32":        {"Pair", []byte{1, 0}},
		"short string":     {"Pair", []byte{1, 0, 0, 0, 5, 'a'}},
		"trailing bytes":   {"Pair", []byte{1, 0, 0, 0, 0, 0xff}},
		"bad utf8":         {"Pair", []byte{1, 0, 0, 0, 1, 0xff}},
		"bad option":       {"Outer", append(make([]byte, 8+16+1+4), 0, 0, 7)},
		"short payload":    {"Shape", []byte{1, 0}},
	}
	for name, c := range cases {
		_, err := s.Decode(c.typ, c.data)
		assert.ErrorIs(t, err, ErrDecode, name)
	}

	_, err := s.Decode("Nope", nil)
	assert.True(t, errors.Is(err, ErrDecode))
}

func TestVecCountBounded(t *testing.T) {
	s := Schema{"L": VecOf(U64)}
	// claims 2^20 elements but carries 8 bytes
	_, err := s.Decode("L", []byte{0x80, 0x80, 0x40, 1, 2, 3, 4, 5, 6, 7, 8})
	assert.ErrorIs(t, err, ErrDecode)
}

func TestEncodeErrors(t *testing.T) {
	s := testSchema()
	s["Pair"] = StructOf(F("a", U8), F("b", String))

	cases := map[string]any{
		"missing field": Struct{"a": uint8(1)},
		"extra field":   Struct{"a": uint8(1), "b": "x", "c": 1},
		"overflow":      Struct{"a": 300, "b": "x"},
		"wrong type":    Struct{"a": uint8(1), "b": 5},
		"not a struct":  "x",
	}
	for name, v := range cases {
		_, err := s.Encode("Pair", v)
		assert.ErrorIs(t, err, ErrEncode, name)
	}

	_, err := s.Encode("Shape", Enum{Tag: "Circle"})
	assert.ErrorIs(t, err, ErrEncode)
	_, err = s.Encode("Shape", Enum{Tag: "Empty", Value: 1})
	assert.ErrorIs(t, err, ErrEncode)

	_, err = s.Encode("Inner", Struct{"flag": true, "tag": []byte("abc")})
	assert.ErrorIs(t, err, ErrEncode)
}

func TestValidateSchema(t *testing.T) {
	bad := Schema{"A": StructOf(F("b", Ref("Missing")))}
	assert.Error(t, bad.Validate())

	dup := Schema{"A": StructOf(F("x", U8), F("x", U8))}
	assert.Error(t, dup.Validate())

	dupVariant := Schema{"A": EnumOf(V("x", nil), V("x", U8))}
	assert.Error(t, dupVariant.Validate())
}

func wideEnum(n int) *Type {
	variants := make([]Variant, n)
	for i := range variants {
		variants[i] = V(fmt.Sprintf("v%d", i), nil)
	}
	return EnumOf(variants...)
}

func TestEnumTagFitsOneByte(t *testing.T) {
	full := Schema{"E": wideEnum(256)}
	require.NoError(t, full.Validate())
	b, err := full.Encode("E", Enum{Tag: "v255"})
	require.NoError(t, err)
	assert.Equal(t, []byte{255}, b)

	wide := Schema{"E": wideEnum(257)}
	assert.Error(t, wide.Validate())

	// without Validate the encoder still refuses to wrap the tag
	_, err = wide.Encode("E", Enum{Tag: "v256"})
	assert.ErrorIs(t, err, ErrEncode)
	b, err = wide.Encode("E", Enum{Tag: "v1"})
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, b)
}
