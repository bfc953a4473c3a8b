package itable

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/allmad/toyfs/internal/pool"
)

func TestInsertFindRemove(t *testing.T) {
	tbl := New(8)
	info := NewInfo(5, &pool.Inode{Ino: 5})

	require.Nil(t, tbl.Find(5))
	tbl.Insert(info)
	require.Equal(t, info, tbl.Find(5))
	require.Equal(t, 1, tbl.Count())

	tbl.Remove(info)
	require.Nil(t, tbl.Find(5))
	require.Equal(t, 0, tbl.Count())
}

func TestInsertDuplicateIsProgrammingError(t *testing.T) {
	tbl := New(8)
	info := NewInfo(1, &pool.Inode{Ino: 1})
	tbl.Insert(info)

	require.Panics(t, func() { tbl.Insert(info) })
}

func TestRemoveNonMemberIsProgrammingError(t *testing.T) {
	tbl := New(8)
	info := NewInfo(1, &pool.Inode{Ino: 1})

	require.Panics(t, func() { tbl.Remove(info) })
}

func TestResizeRehashesEveryEntry(t *testing.T) {
	tbl := New(4)
	for ino := uint64(0); ino < 20; ino++ {
		tbl.Insert(NewInfo(ino, &pool.Inode{Ino: ino}))
	}
	require.Equal(t, 20, tbl.Count())

	tbl.Resize(37)
	require.Equal(t, 20, tbl.Count())
	for ino := uint64(0); ino < 20; ino++ {
		info := tbl.Find(ino)
		require.NotNil(t, info)
		require.Equal(t, ino, info.Ino)
	}
}

func TestInfoValid(t *testing.T) {
	info := NewInfo(1, &pool.Inode{})
	require.True(t, info.Valid())
	require.False(t, (&Info{}).Valid())
}
