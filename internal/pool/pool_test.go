package pool

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/allmad/toyfs/internal/arena"
)

func newTestPool(t *testing.T, pages int) *Pool {
	a, err := arena.NewAnon(pages * arena.PageSize)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return New(a)
}

func TestCarveOnDemand(t *testing.T) {
	p := newTestPool(t, 8)

	ino, err := p.AllocInode()
	require.NoError(t, err)
	require.NotNil(t, ino)
	require.Equal(t, uint64(1), p.PagesInUse())

	ino2, err := p.AllocInode()
	require.NoError(t, err)
	require.NotNil(t, ino2)
	require.Equal(t, uint64(1), p.PagesInUse(), "second inode should come from the same carved slab")
}

func TestFreeInodeReturnsToFreelist(t *testing.T) {
	p := newTestPool(t, 8)

	ino, err := p.AllocInode()
	require.NoError(t, err)
	ino.Ino = 7
	p.FreeInode(ino)

	ino2, err := p.AllocInode()
	require.NoError(t, err)
	require.Equal(t, uint64(0), ino2.Ino, "freed records must be zeroed before reuse")
}

func TestDataPageAccounting(t *testing.T) {
	p := newTestPool(t, 4)

	bn, err := p.AllocDataPage()
	require.NoError(t, err)
	require.Equal(t, uint64(1), p.PagesInUse())

	require.NoError(t, p.FreeDataPage(bn))
	require.Equal(t, uint64(0), p.PagesInUse())
}

func TestOutOfSpaceOnExhaustedArena(t *testing.T) {
	p := newTestPool(t, 1)

	_, err := p.AllocDataPage()
	require.NoError(t, err)

	_, err = p.AllocDataPage()
	require.Error(t, err)
}
