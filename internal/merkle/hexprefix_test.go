package merkle

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gopaprika/paprika/internal/nibble"
)

func TestHexPrefixRoundTripsEvenLeaf(t *testing.T) {
	p := path(1, 2, 3, 4)
	got, isLeaf, ok := DecodeHexPrefix(HexPrefix(p, true))
	require.True(t, ok)
	require.True(t, isLeaf)
	require.True(t, p.Equal(got))
}

func TestHexPrefixRoundTripsOddExtension(t *testing.T) {
	p := path(0xa, 0xb, 0xc)
	got, isLeaf, ok := DecodeHexPrefix(HexPrefix(p, false))
	require.True(t, ok)
	require.False(t, isLeaf)
	require.True(t, p.Equal(got))
}

func TestHexPrefixRoundTripsEmptyPath(t *testing.T) {
	p := nibble.Empty
	got, isLeaf, ok := DecodeHexPrefix(HexPrefix(p, true))
	require.True(t, ok)
	require.True(t, isLeaf)
	require.True(t, p.Equal(got))
}

func TestHexPrefixDiffersByLeafFlag(t *testing.T) {
	p := path(5, 6)
	leaf := HexPrefix(p, true)
	ext := HexPrefix(p, false)
	require.NotEqual(t, leaf, ext)
}

func TestDecodeHexPrefixRejectsEmptyInput(t *testing.T) {
	_, _, ok := DecodeHexPrefix(nil)
	require.False(t, ok)
}
