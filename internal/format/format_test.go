package format

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAlign(t *testing.T) {
	require.Equal(t, 16, Align16(1))
	require.Equal(t, 32, Align16(17))
	require.Equal(t, 4096, AlignPage(1))
	require.Equal(t, 8192, AlignPage(4097))
	require.Equal(t, 16, Align16(16))
}

func TestPageOf(t *testing.T) {
	require.Equal(t, 0, PageOf(0x10000, 0x10000))
	require.Equal(t, 1, PageOf(0x10000, 0x11000))
	require.Equal(t, 1, PageOf(0x10000, 0x11fff))
}

func TestEncodingRoundTrip(t *testing.T) {
	b := make([]byte, 16)
	PutU32(b, 0, 0xdeadbeef)
	PutU64(b, 8, 0x0102030405060708)
	require.Equal(t, uint32(0xdeadbeef), ReadU32(b, 0))
	require.Equal(t, uint64(0x0102030405060708), ReadU64(b, 8))
	require.Equal(t, byte(0x08), b[8], "little-endian low byte first")
}

func TestFlagsDistinct(t *testing.T) {
	all := []uint32{FlagWriteBarrier, FlagOverflow, FlagCardsSet, FlagMoved, FlagPrebuilt}
	var seen uint32
	for _, f := range all {
		require.Zero(t, seen&f)
		seen |= f
	}
}
