package node

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/allmad/toyfs/internal/arena"
	"github.com/allmad/toyfs/internal/itable"
	"github.com/allmad/toyfs/internal/pool"
)

type fixture struct {
	p  *pool.Pool
	it *itable.Table
}

func newFixture(t *testing.T) *fixture {
	a, err := arena.NewAnon(64 * arena.PageSize)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return &fixture{p: pool.New(a), it: itable.New(8)}
}

func TestNewRootDirectory(t *testing.T) {
	fx := newFixture(t)

	root, err := NewRoot(fx.p, fx.it, 1)
	require.NoError(t, err)
	require.Equal(t, uint32(2), root.Record.Nlink)
	require.True(t, root.Record.Kind.IsDir())
	require.Equal(t, int64(2), root.Record.Dir.OffMax)
}

func TestAddAndLookupDentry(t *testing.T) {
	fx := newFixture(t)
	dir, err := NewRoot(fx.p, fx.it, 1)
	require.NoError(t, err)

	child, err := New(fx.p, fx.it, 2, 1, pool.ModeReg, 0644, 0)
	require.NoError(t, err)

	require.NoError(t, AddDentry(fx.p, dir, child, "hello"))
	ino, found := Lookup(dir, "hello")
	require.True(t, found)
	require.Equal(t, uint64(2), ino)
	require.Equal(t, uint32(1), child.Record.Nlink)
	require.Equal(t, 1, dir.Record.Dir.NDentry)
}

func TestRemoveDentryRejectsNonEmptyDir(t *testing.T) {
	fx := newFixture(t)
	root, err := NewRoot(fx.p, fx.it, 1)
	require.NoError(t, err)
	sub, err := New(fx.p, fx.it, 2, 1, pool.ModeDir, 0755, 1)
	require.NoError(t, err)
	require.NoError(t, AddDentry(fx.p, root, sub, "sub"))

	leaf, err := New(fx.p, fx.it, 3, 2, pool.ModeReg, 0644, 0)
	require.NoError(t, err)
	require.NoError(t, AddDentry(fx.p, sub, leaf, "leaf"))

	err = RemoveDentry(fx.p, root, "sub", fx.it.Find)
	require.Error(t, err)
	require.Contains(t, err.Error(), "not empty")
}

func TestRemoveDentrySucceedsOnEmptyDir(t *testing.T) {
	fx := newFixture(t)
	root, err := NewRoot(fx.p, fx.it, 1)
	require.NoError(t, err)
	sub, err := New(fx.p, fx.it, 2, 1, pool.ModeDir, 0755, 1)
	require.NoError(t, err)
	require.NoError(t, AddDentry(fx.p, root, sub, "sub"))

	require.NoError(t, RemoveDentry(fx.p, root, "sub", fx.it.Find))
	_, found := Lookup(root, "sub")
	require.False(t, found)
	require.Equal(t, 0, root.Record.Dir.NDentry)
}

func TestIterateEmitsDotAndDotDotFirst(t *testing.T) {
	fx := newFixture(t)
	root, err := NewRoot(fx.p, fx.it, 1)
	require.NoError(t, err)
	child, err := New(fx.p, fx.it, 2, 1, pool.ModeReg, 0644, 0)
	require.NoError(t, err)
	require.NoError(t, AddDentry(fx.p, root, child, "a"))

	var names []string
	next, hasMore := Iterate(root, 0, func(name string, ino uint64, kind pool.Mode, off int64) bool {
		names = append(names, name)
		return true
	})
	require.False(t, hasMore)
	require.Equal(t, []string{".", "..", "a"}, names)
	require.Greater(t, next, int64(0))
}

func TestRenameMovesAcrossDirectories(t *testing.T) {
	fx := newFixture(t)
	root, err := NewRoot(fx.p, fx.it, 1)
	require.NoError(t, err)
	dst, err := New(fx.p, fx.it, 2, 1, pool.ModeDir, 0755, 1)
	require.NoError(t, err)
	require.NoError(t, AddDentry(fx.p, root, dst, "dst"))

	leaf, err := New(fx.p, fx.it, 3, 1, pool.ModeReg, 0644, 0)
	require.NoError(t, err)
	require.NoError(t, AddDentry(fx.p, root, leaf, "old"))

	require.NoError(t, Rename(fx.p, root, dst, leaf, nil, "old", "new"))

	_, found := Lookup(root, "old")
	require.False(t, found)
	ino, found := Lookup(dst, "new")
	require.True(t, found)
	require.Equal(t, uint64(3), ino)
}

func TestRenameUninitializedErrCaseIsInval(t *testing.T) {
	fx := newFixture(t)
	root, err := NewRoot(fx.p, fx.it, 1)
	require.NoError(t, err)
	leaf, err := New(fx.p, fx.it, 2, 1, pool.ModeReg, 0644, 0)
	require.NoError(t, err)
	existing, err := New(fx.p, fx.it, 3, 1, pool.ModeReg, 0644, 0)
	require.NoError(t, err)

	err = Rename(fx.p, root, root, leaf, existing, "", "new")
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid")
}

func TestSetAndGetSymlinkInline(t *testing.T) {
	fx := newFixture(t)
	link, err := New(fx.p, fx.it, 2, 1, pool.ModeSymlink, 0777, 1)
	require.NoError(t, err)

	require.NoError(t, SetSymlink(fx.p, link, "short"))
	got, err := GetSymlink(fx.p, link)
	require.NoError(t, err)
	require.Equal(t, "short", got)
}

func TestSetAndGetSymlinkLongPage(t *testing.T) {
	fx := newFixture(t)
	link, err := New(fx.p, fx.it, 2, 1, pool.ModeSymlink, 0777, 1)
	require.NoError(t, err)

	target := ""
	for len(target) <= pool.SymlinkInlineMax {
		target += "/long/path/segment"
	}
	require.NoError(t, SetSymlink(fx.p, link, target))
	require.NotNil(t, link.Record.Symlink.LongPage)

	got, err := GetSymlink(fx.p, link)
	require.NoError(t, err)
	require.Equal(t, target, got)
}

func TestFreeNonEmptyDirFails(t *testing.T) {
	fx := newFixture(t)
	root, err := NewRoot(fx.p, fx.it, 1)
	require.NoError(t, err)
	child, err := New(fx.p, fx.it, 2, 1, pool.ModeReg, 0644, 0)
	require.NoError(t, err)
	require.NoError(t, AddDentry(fx.p, root, child, "a"))

	err = Free(fx.p, fx.it, root)
	require.Error(t, err)
	require.Contains(t, err.Error(), "not empty")
}
