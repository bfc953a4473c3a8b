// Package node implements inode lifecycle (4.2) and the directory
// engine (4.3): allocation/freeing of inode objects, and the
// add/remove/lookup/iterate operations over a directory's owned
// dirent list.
package node

import (
	"github.com/chzyer/logex"

	"github.com/allmad/toyfs/internal/itable"
	"github.com/allmad/toyfs/internal/pool"
)

var (
	ErrNoEnt       = logex.Define("no such entry")
	ErrNotEmpty    = logex.Define("directory not empty")
	ErrIsDir       = logex.Define("is a directory")
	ErrNotSup      = logex.Define("operation not supported for this inode type")
	ErrNameTooLong = logex.Define("name exceeds maximum length")
	ErrInval       = logex.Define("invalid arguments")
)

// NameMax is the maximum byte length of one directory entry name.
const NameMax = 255

// New allocates a fresh inode record of the given kind, binds it to an
// Info under ino, and inserts it into the table. The caller supplies
// ino (allocated by the mount's top_ino counter) and parentIno.
func New(p *pool.Pool, it *itable.Table, ino, parentIno uint64, kind pool.Mode, perm uint32, nlink uint32) (*itable.Info, error) {
	rec, err := p.AllocInode()
	if err != nil {
		return nil, logex.Trace(err)
	}
	rec.Ino = ino
	rec.Kind = kind
	rec.Perm = perm
	rec.Nlink = nlink
	rec.ParentIno = parentIno

	switch kind {
	case pool.ModeDir:
		rec.Dir = &pool.DirPayload{OffMax: 2}
	case pool.ModeReg:
		rec.Reg = &pool.RegPayload{FirstParent: parentIno}
	case pool.ModeSymlink:
		rec.Symlink = &pool.SymlinkPayload{}
	}

	info := itable.NewInfo(ino, rec)
	it.Insert(info)
	return info, nil
}

// NewRoot builds the bootstrap root directory inode (ino=1, mode
// 0755|DIR, nlink=2, parent=self) the way sbi_init does at mount.
func NewRoot(p *pool.Pool, it *itable.Table, ino uint64) (*itable.Info, error) {
	info, err := New(p, it, ino, ino, pool.ModeDir, 0755, 2)
	if err != nil {
		return nil, err
	}
	return info, nil
}

// Free drops an inode's payload and removes it from the table. A
// directory inode cannot be freed while its child count is nonzero;
// a regular file's data blocks are released (equivalent to truncate
// to zero); a symlink's long-link page, if any, is released.
func Free(p *pool.Pool, it *itable.Table, info *itable.Info) error {
	rec := info.Record
	switch {
	case rec.Kind.IsDir():
		if rec.Dir.NDentry > 0 {
			return logex.Trace(ErrNotEmpty)
		}
	case rec.Kind.IsReg():
		for _, ib := range rec.Reg.Blocks {
			releaseIblkref(p, ib)
		}
		rec.Reg.Blocks = nil
	case rec.Kind.IsSymlink():
		if rec.Symlink.LongPage != nil {
			releaseDblkref(p, rec.Symlink.LongPage)
			rec.Symlink.LongPage = nil
		}
	}
	it.Remove(info)
	p.FreeInode(rec)
	return nil
}

func releaseIblkref(p *pool.Pool, ib *pool.Iblkref) {
	ref := ib.Ref
	ref.Refcount--
	if ref.Refcount == 0 {
		_ = p.FreeDataPage(ref.BN)
		p.FreeDblkref(ref)
	}
	p.FreeIblkref(ib)
}

func releaseDblkref(p *pool.Pool, ref *pool.Dblkref) {
	ref.Refcount--
	if ref.Refcount == 0 {
		_ = p.FreeDataPage(ref.BN)
		p.FreeDblkref(ref)
	}
}

// hasName reports whether a dirent matches the byte-exact name.
func hasName(d *pool.Dirent, name string) bool {
	return d.Name == name
}

// AddDentry appends a new dirent to dir, bumping dir's offset counter
// and observable size, and link-counting the way standard VFS
// semantics require (directories gain a nlink on a child directory;
// every insert bumps the child's own nlink count by the caller's
// convention at the call site — this function only manages the
// directory's own bookkeeping and the child's nlink increment).
func AddDentry(p *pool.Pool, dirInfo, childInfo *itable.Info, name string) error {
	if len(name) > NameMax {
		return logex.Trace(ErrNameTooLong)
	}
	dir := dirInfo.Record
	if !dir.Kind.IsDir() {
		return logex.Trace(ErrNotSup)
	}

	dirent, err := p.AllocDirent()
	if err != nil {
		return logex.Trace(err)
	}

	off := dir.Dir.OffMax * pageSize
	dir.Dir.OffMax++

	dirent.Off = off
	dirent.Ino = childInfo.Record.Ino
	dirent.Kind = childInfo.Record.Kind
	dirent.Name = name

	dir.Dir.Children = append(dir.Dir.Children, dirent)
	dir.Dir.NDentry++
	dir.Size = off + pageSize + 2

	childInfo.Record.Nlink++
	if childInfo.Record.Kind.IsDir() {
		dir.Nlink++
	}
	return nil
}

// RemoveDentry detaches the dirent named name from dir. It refuses
// with ErrNotEmpty if the target is a non-empty directory, and
// forces the target directory's nlink to 0 once its last link and
// last child are both gone — a deliberate simplification matching
// the reference implementation, which lets the shim's free_inode
// cleanup pick it up (see DESIGN.md open question).
func RemoveDentry(p *pool.Pool, dirInfo *itable.Info, name string, find func(ino uint64) *itable.Info) error {
	dir := dirInfo.Record
	children := dir.Dir.Children
	idx := -1
	for i, d := range children {
		if hasName(d, name) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return logex.Trace(ErrNoEnt)
	}
	dirent := children[idx]

	childInfo := find(dirent.Ino)
	if childInfo == nil {
		return logex.Trace(ErrNoEnt)
	}
	child := childInfo.Record
	if child.Kind.IsDir() && child.Dir.NDentry > 0 {
		return logex.Trace(ErrNotEmpty)
	}

	dir.Dir.Children = append(children[:idx], children[idx+1:]...)
	dir.Dir.NDentry--
	if child.Kind.IsDir() {
		dir.Nlink--
	}
	child.Nlink--
	p.FreeDirent(dirent)

	if child.Kind.IsDir() && child.Nlink == 1 && child.Dir.NDentry == 0 {
		child.Nlink = 0
	}
	return nil
}

// Lookup scans dir's child list for name, returning its ino.
func Lookup(dirInfo *itable.Info, name string) (uint64, bool) {
	for _, d := range dirInfo.Record.Dir.Children {
		if hasName(d, name) {
			return d.Ino, true
		}
	}
	return 0, false
}

// Iterate resumes readdir from cursor: 0 emits ".", 1 emits "..", and
// cursor >= 2 walks the dirent list emitting every entry whose offset
// is >= cursor. emit may reject (return false) to signal a full
// buffer; iteration stops at the first rejection, returning the cursor
// of the rejected entry as next and hasMore = true.
//
// emit receives (name, ino, kind, off).
func Iterate(dirInfo *itable.Info, cursor int64, emit func(name string, ino uint64, kind pool.Mode, off int64) bool) (next int64, hasMore bool) {
	dir := dirInfo.Record
	pos := cursor

	if pos == 0 {
		if !emit(".", dir.Ino, pool.ModeDir, 0) {
			return pos, true
		}
		pos = 1
	}
	if pos == 1 {
		if !emit("..", dir.ParentIno, pool.ModeDir, 1) {
			return pos, true
		}
		pos = 2
	}

	for _, d := range dir.Dir.Children {
		if d.Off >= pos {
			if !emit(d.Name, d.Ino, d.Kind, d.Off) {
				return pos, true
			}
			pos = d.Off + 1
		}
	}
	return pos, false
}

// Rename moves movedInfo from oldDirInfo/oldName to newDirInfo/newName,
// composing AddDentry and RemoveDentry the way toyfs_rename does:
// link the new name first (skipped if existingInfo, the inode already
// occupying the destination name, is non-nil — the caller is
// responsible for having unlinked it), then unlink the old name
// (skipped if oldName is empty, e.g. a link-only rename).
//
// The reference implementation leaves its "err" variable uninitialized
// when both steps are skipped (existingInfo non-nil and oldName
// empty) and returns whatever garbage was on the stack; that
// programming-error case is reported here as ErrInval instead.
func Rename(p *pool.Pool, oldDirInfo, newDirInfo, movedInfo, existingInfo *itable.Info, oldName, newName string) error {
	linked := false
	if existingInfo == nil {
		if err := AddDentry(p, newDirInfo, movedInfo, newName); err != nil {
			return err
		}
		linked = true
	}
	if oldName != "" {
		find := func(ino uint64) *itable.Info {
			if ino == movedInfo.Ino {
				return movedInfo
			}
			return nil
		}
		if err := RemoveDentry(p, oldDirInfo, oldName, find); err != nil {
			return err
		}
		return nil
	}
	if !linked {
		return logex.Trace(ErrInval)
	}
	return nil
}

// SetSymlink stores target as info's symlink value: inline if it fits
// in SymlinkInlineMax bytes, otherwise in one owned data page, the way
// new_inode's symlink branch and toyfs_release_symlink together
// manage the payload. Any previously owned long-link page is released
// first.
func SetSymlink(p *pool.Pool, info *itable.Info, target string) error {
	rec := info.Record
	if !rec.Kind.IsSymlink() {
		return logex.Trace(ErrNotSup)
	}
	if len(target) >= pageSize {
		return logex.Trace(ErrInval)
	}

	sl := rec.Symlink
	if sl.LongPage != nil {
		releaseDblkref(p, sl.LongPage)
		sl.LongPage = nil
	}
	sl.Inline = nil

	if len(target) <= pool.SymlinkInlineMax {
		sl.Inline = append([]byte(nil), target...)
	} else {
		bn, err := p.AllocDataPage()
		if err != nil {
			return logex.Trace(err)
		}
		ref, err := p.AllocDblkref()
		if err != nil {
			_ = p.FreeDataPage(bn)
			return logex.Trace(err)
		}
		ref.BN = bn
		ref.Refcount = 1
		copy(p.PageBytes(bn), target)
		sl.LongPage = ref
	}
	rec.Size = int64(len(target))
	return nil
}

// GetSymlink returns info's symlink value, read back from the inline
// bytes or the owned long-link page per toyfs_symlink_value.
func GetSymlink(p *pool.Pool, info *itable.Info) (string, error) {
	rec := info.Record
	if !rec.Kind.IsSymlink() {
		return "", logex.Trace(ErrNotSup)
	}
	sl := rec.Symlink
	if rec.Size > int64(pool.SymlinkInlineMax) {
		if sl.LongPage == nil {
			return "", logex.Trace(ErrInval)
		}
		page := p.PageBytes(sl.LongPage.BN)
		return string(page[:rec.Size]), nil
	}
	return string(sl.Inline), nil
}

const pageSize = 4096
