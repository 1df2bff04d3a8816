package statedb

import (
	"bytes"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionKeyRoundTrip(t *testing.T) {
	for _, comp := range [][]byte{
		[]byte("dtest.near:k"),
		{'d', 'a', ':', 0x00},
		{'d', 'a', ':', 0x00, 0xFF, 0x00, 0x01},
		[]byte("atest.near"),
	} {
		k := versionKey(comp, 42)
		got, h, err := parseVersionKey(k)
		require.NoError(t, err)
		assert.Equal(t, comp, got)
		assert.Equal(t, uint64(42), h)
		assert.True(t, bytes.HasPrefix(k, versionPrefix(comp)))
	}
}

func TestVersionKeyOrdering(t *testing.T) {
	comps := [][]byte{
		[]byte("da:"),
		{'d', 'a', ':', 0x00},
		{'d', 'a', ':', 0x00, 0x00},
		{'d', 'a', ':', 0x01},
		[]byte("da:a"),
		[]byte("da:ab"),
		[]byte("da:b"),
	}
	var encoded [][]byte
	for _, c := range comps {
		for _, h := range []uint64{1, 1 << 40} {
			encoded = append(encoded, versionKey(c, h))
		}
	}
	sorted := append([][]byte(nil), encoded...)
	sort.Slice(sorted, func(i, j int) bool { return bytes.Compare(sorted[i], sorted[j]) < 0 })
	assert.Equal(t, encoded, sorted)

	// versions of one key never fall inside another key's version range
	for _, c := range comps {
		vp := versionPrefix(c)
		for _, other := range comps {
			if bytes.Equal(c, other) {
				continue
			}
			assert.False(t, bytes.HasPrefix(versionKey(other, 7), vp))
		}
	}
}

func TestParseVersionKeyRejectsGarbage(t *testing.T) {
	for _, k := range [][]byte{
		nil,
		[]byte("x"),
		append([]byte{pfxBlob}, make([]byte, 12)...),
		append([]byte{pfxVersion, 'a', 'b', 'c'}, make([]byte, 8)...),
	} {
		_, _, err := parseVersionKey(k)
		assert.Error(t, err)
	}
}

func TestValueEncoding(t *testing.T) {
	v, err := decodeValue(encodeValue([]byte("x")))
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), v)

	v, err = decodeValue(encodeValue(nil))
	require.NoError(t, err)
	assert.NotNil(t, v)
	assert.Empty(t, v)

	v, err = decodeValue([]byte{valTombstone})
	require.NoError(t, err)
	assert.Nil(t, v)

	_, err = decodeValue([]byte{7})
	assert.Error(t, err)
}

func TestPrefixUpperBound(t *testing.T) {
	assert.Equal(t, []byte{0x62}, prefixUpperBound([]byte{0x61, 0xff}))
	assert.Equal(t, []byte{0x61, 0x03}, prefixUpperBound([]byte{0x61, 0x02}))
	assert.Nil(t, prefixUpperBound([]byte{0xff, 0xff}))
}
