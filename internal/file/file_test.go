package file

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/allmad/toyfs/internal/arena"
	"github.com/allmad/toyfs/internal/pool"
)

func newRegInode(t *testing.T, pages int) (*pool.Pool, *pool.Inode) {
	a, err := arena.NewAnon(pages * arena.PageSize)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	p := pool.New(a)
	rec, err := p.AllocInode()
	require.NoError(t, err)
	rec.Kind = pool.ModeReg
	rec.Reg = &pool.RegPayload{}
	return p, rec
}

func TestWriteThenRead(t *testing.T) {
	p, rec := newRegInode(t, 16)

	data := []byte("hello, toyfs")
	n, err := Write(p, rec, 0, data)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.Equal(t, int64(len(data)), rec.Size)

	buf := make([]byte, len(data))
	n, err = Read(p, rec, 0, buf)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.Equal(t, data, buf)
}

func TestReadHoleReturnsZeros(t *testing.T) {
	p, rec := newRegInode(t, 16)
	rec.Size = pageSize

	buf := make([]byte, 16)
	n, err := Read(p, rec, 0, buf)
	require.NoError(t, err)
	require.Equal(t, 16, n)
	for _, b := range buf {
		require.Equal(t, byte(0), b)
	}
}

func TestWriteAcrossPageBoundaryAllocatesTwoBlocks(t *testing.T) {
	p, rec := newRegInode(t, 16)

	buf := make([]byte, 10)
	for i := range buf {
		buf[i] = byte(i)
	}
	_, err := Write(p, rec, pageSize-5, buf)
	require.NoError(t, err)
	require.Len(t, rec.Reg.Blocks, 2)
}

func TestTruncateShrinkDropsBlocks(t *testing.T) {
	p, rec := newRegInode(t, 16)
	_, err := Write(p, rec, 0, make([]byte, 3*pageSize))
	require.NoError(t, err)
	require.Len(t, rec.Reg.Blocks, 3)

	require.NoError(t, Truncate(p, rec, pageSize))
	require.Len(t, rec.Reg.Blocks, 1)
	require.Equal(t, int64(pageSize), rec.Size)
}

func TestPunchHoleInMiddleFreesWholeBlock(t *testing.T) {
	p, rec := newRegInode(t, 16)
	_, err := Write(p, rec, 0, make([]byte, 3*pageSize))
	require.NoError(t, err)

	err = Fallocate(p, rec, pageSize, pageSize, FallocPunchHole|FallocKeepSize)
	require.NoError(t, err)
	require.Len(t, rec.Reg.Blocks, 2)
	require.Equal(t, int64(3*pageSize), rec.Size, "punch hole with KEEP_SIZE must not shrink i_size")
}

func TestFallocateGrowsSizeWithoutWriting(t *testing.T) {
	p, rec := newRegInode(t, 16)

	err := Fallocate(p, rec, 0, 2*pageSize, 0)
	require.NoError(t, err)
	require.Equal(t, int64(2*pageSize), rec.Size)
	require.Len(t, rec.Reg.Blocks, 2)
}

func TestCopyOnWriteForksSharedBlock(t *testing.T) {
	p, rec := newRegInode(t, 16)
	_, err := Write(p, rec, 0, []byte("original"))
	require.NoError(t, err)

	ib := rec.Reg.Blocks[0]
	ib.Ref.Refcount = 2 // simulate a clone sharing this page
	shared := ib.Ref

	_, err = Write(p, rec, 0, []byte("modified"))
	require.NoError(t, err)
	require.Equal(t, uint32(1), rec.Reg.Blocks[0].Ref.Refcount)
	require.NotEqual(t, shared, rec.Reg.Blocks[0].Ref)
}

func TestSeekDataAndHole(t *testing.T) {
	p, rec := newRegInode(t, 16)
	_, err := Write(p, rec, 0, make([]byte, 10))
	require.NoError(t, err)
	rec.Size = 3 * pageSize

	require.Equal(t, int64(0), SeekData(rec, 0))
	require.Equal(t, int64(pageSize), SeekHole(rec, 0))
}

func TestGetBlockMissing(t *testing.T) {
	p, rec := newRegInode(t, 16)
	_, ok, err := GetBlock(p, rec, 0)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCheckIORejectsZeroLength(t *testing.T) {
	p, rec := newRegInode(t, 4)
	_, err := Write(p, rec, 0, nil)
	require.Error(t, err)
}
