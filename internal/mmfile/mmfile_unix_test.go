//go:build unix

package mmfile

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReserveZeroed(t *testing.T) {
	data, release, err := Reserve(1 << 20)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, release())
	}()
	require.Len(t, data, 1<<20)
	for i := 0; i < len(data); i += 4096 {
		require.Zero(t, data[i])
	}
	data[0] = 0x42
	data[len(data)-1] = 0x43
	require.Equal(t, byte(0x42), data[0])
}

func TestReserveInvalidSize(t *testing.T) {
	_, _, err := Reserve(0)
	require.Error(t, err)
}

func TestReleaseTwice(t *testing.T) {
	_, release, err := Reserve(4096)
	require.NoError(t, err)
	require.NoError(t, release())
	require.NoError(t, release())
}

func TestDiscardLargeRegion(t *testing.T) {
	data, release, err := Reserve(1 << 20)
	require.NoError(t, err)
	defer release() //nolint:errcheck // test cleanup

	for i := range data {
		data[i] = 0xAB
	}
	// Unaligned slice exercises both the madvise path and the edge clearing.
	Discard(data[100 : len(data)-100])
	require.Equal(t, byte(0xAB), data[99])
	require.Equal(t, byte(0xAB), data[len(data)-100])
	for i := 100; i < len(data)-100; i++ {
		if data[i] != 0 {
			t.Fatalf("byte %d not discarded: 0x%x", i, data[i])
		}
	}
}

func TestDiscardSmallRegion(t *testing.T) {
	b := []byte{1, 2, 3, 4}
	Discard(b)
	require.Equal(t, []byte{0, 0, 0, 0}, b)
}
