package arena

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocFreeRoundTrip(t *testing.T) {
	a, err := NewAnon(4 * PageSize)
	require.NoError(t, err)
	defer a.Close()

	require.Equal(t, uint64(4), a.NumPages())
	require.Equal(t, uint64(4), a.NumFree())

	bn, err := a.AllocPage()
	require.NoError(t, err)
	require.Equal(t, uint64(3), a.NumFree())

	require.NoError(t, a.FreePage(bn))
	require.Equal(t, uint64(4), a.NumFree())
}

func TestAllocExhaustion(t *testing.T) {
	a, err := NewAnon(2 * PageSize)
	require.NoError(t, err)
	defer a.Close()

	_, err = a.AllocPage()
	require.NoError(t, err)
	_, err = a.AllocPage()
	require.NoError(t, err)

	_, err = a.AllocPage()
	require.Error(t, err)
}

func TestReservedPagesExcludedFromFreeList(t *testing.T) {
	mem := make([]byte, 4*PageSize)
	a, err := New(mem, false, 2)
	require.NoError(t, err)

	require.Equal(t, uint64(2), a.NumFree())
}

func TestBytesAreStableAcrossAllocations(t *testing.T) {
	a, err := NewAnon(2 * PageSize)
	require.NoError(t, err)
	defer a.Close()

	bn, err := a.AllocPage()
	require.NoError(t, err)

	b := a.Bytes(bn)
	b[0] = 0x42
	require.Equal(t, byte(0x42), a.Bytes(bn)[0])
}
