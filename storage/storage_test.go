package storage

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nearview/keys"
)

func TestPatternMatch(t *testing.T) {
	cases := []struct {
		pattern string
		input   string
		want    bool
	}{
		{"*", "", true},
		{"", "anything", true},
		{"abc", "abc", true},
		{"abc", "abcd", false},
		{"a*", "a", true},
		{"a*c", "abbbc", true},
		{"a*c", "abbb", false},
		{"a?c", "abc", true},
		{"a?c", "ac", false},
		{"*b*d", "abxcd", true},
		{"*.near", "x.near", true},
		{`a\*`, "a*", true},
		{`a\*`, "ab", false},
		{`a\?c`, "a?c", true},
		{"**a", "bba", true},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, CompilePattern(c.pattern).Match([]byte(c.input)), "%q vs %q", c.pattern, c.input)
	}
}

func TestPatternPrefix(t *testing.T) {
	assert.Equal(t, []byte("user:"), CompilePattern("user:*").Prefix())
	assert.Equal(t, []byte("a*b"), CompilePattern(`a\*b?`).Prefix())
	assert.Empty(t, CompilePattern("*x").Prefix())
	assert.Equal(t, []byte("exact"), CompilePattern("exact").Prefix())
}

func TestCollectorPaging(t *testing.T) {
	c := NewCollector("k*", nil, 2, 64)
	assert.True(t, c.Add([]byte("k1"), []byte("k1"), []byte("v1")))
	assert.True(t, c.Add([]byte("k2"), []byte("k2"), nil)) // tombstone
	assert.True(t, c.Add([]byte("x"), []byte("x"), []byte("v")))
	assert.True(t, c.Add([]byte("k3"), []byte("k3"), []byte("v3")))
	assert.False(t, c.Add([]byte("k4"), []byte("k4"), []byte("v4")))

	res := c.Result()
	require.Len(t, res.Items, 2)
	assert.Equal(t, []byte("k3"), res.Cursor)

	next := NewCollector("k*", res.Cursor, 2, 64)
	assert.True(t, next.Skip([]byte("k3")))
	assert.False(t, next.Skip([]byte("k4")))
	assert.True(t, next.Add([]byte("k4"), []byte("k4"), []byte("v4")))
	assert.Nil(t, next.Result().Cursor)
}

func TestCollectorRangePrefix(t *testing.T) {
	long := bytes.Repeat([]byte("p"), 50)
	c := NewCollector(string(long)+"*", nil, 0, 64)
	assert.Len(t, c.RangePrefix(), 64-keys.HashLen)
	assert.Equal(t, DefaultScanLimit, c.limit)
}

func TestResolveSubKey(t *testing.T) {
	const maxLen = 64
	orig := bytes.Repeat([]byte("o"), 100)
	stored, digest, ok := keys.Truncate(orig, maxLen)
	require.True(t, ok)

	blobs := map[[32]byte][]byte{digest: orig}
	get := func(_ context.Context, h [32]byte) ([]byte, error) { return blobs[h], nil }

	got, err := ResolveSubKey(context.Background(), stored, maxLen, get)
	require.NoError(t, err)
	assert.Equal(t, orig, got)

	got, err = ResolveSubKey(context.Background(), []byte("short"), maxLen, get)
	require.NoError(t, err)
	assert.Equal(t, []byte("short"), got)
}

func TestPrepareWrite(t *testing.T) {
	stored, overflow, _, err := PrepareWrite(keys.ScopeData, "a.near", []byte("k"), 64)
	require.NoError(t, err)
	assert.Equal(t, []byte("k"), stored)
	assert.Nil(t, overflow)

	long := bytes.Repeat([]byte("z"), 64)
	stored, overflow, digest, err := PrepareWrite(keys.ScopeData, "a.near", long, 64)
	require.NoError(t, err)
	assert.Len(t, stored, 64)
	assert.Equal(t, long, overflow)
	assert.Equal(t, HashBlob(long), digest)

	_, _, _, err = PrepareWrite(keys.Scope('x'), "a.near", nil, 64)
	assert.Error(t, err)
	_, _, _, err = PrepareWrite(keys.ScopeAccount, "", nil, 64)
	assert.Error(t, err)
}
