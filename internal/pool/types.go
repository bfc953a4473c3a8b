package pool

import "github.com/allmad/toyfs/internal/arena"

// Mode discriminates the inode payload: one flag value per kind, enough
// to answer isdir/isreg/islnk/isfifo. It does not carry POSIX mode bits.
type Mode uint32

const (
	ModeDir Mode = 1 << iota
	ModeReg
	ModeSymlink
	ModeFifo
	ModeOther
)

func (m Mode) IsDir() bool     { return m == ModeDir }
func (m Mode) IsReg() bool     { return m == ModeReg }
func (m Mode) IsSymlink() bool { return m == ModeSymlink }
func (m Mode) IsFifo() bool    { return m == ModeFifo }

// Inode is the fixed-shape inode record. Only one of Dir/Reg/Symlink
// is populated, selected by Kind.
type Inode struct {
	Ino        uint64
	Kind       Mode
	Perm       uint32
	Nlink      uint32
	Uid        uint32
	Gid        uint32
	Size       int64
	Blocks     int64
	Generation uint64
	Rdev       uint64
	ParentIno  uint64
	Atime      int64
	Mtime      int64
	Ctime      int64

	Dir     *DirPayload
	Reg     *RegPayload
	Symlink *SymlinkPayload
}

// DirPayload is the directory-type inode payload: an ordered list of
// owned dirents, tail-appended, with a monotonic offset counter.
type DirPayload struct {
	Children []*Dirent
	NDentry  int
	OffMax   int64 // starts at 2; "." and ".." occupy 0 and 1
}

// RegPayload is the regular-file inode payload: a block map sorted
// ascending by page-aligned file offset.
type RegPayload struct {
	Blocks      []*Iblkref
	FirstParent uint64
}

// SymlinkPayload holds either a short inline target or a pointer to
// one owned long-link data page.
type SymlinkPayload struct {
	Inline   []byte // len <= SymlinkInlineMax
	LongPage *Dblkref
}

const SymlinkInlineMax = 40

// Dirent is one directory entry: a name bound to a child ino.
type Dirent struct {
	Off  int64
	Ino  uint64
	Kind Mode
	Name string
}

// Dblkref is a reference-counted handle to one data page. Every data
// page referenced by a regular file is owned by exactly one Dblkref;
// refcount > 1 means the page is shared across multiple Iblkrefs.
type Dblkref struct {
	BN       arena.BlockNum
	Refcount uint32
}

// Iblkref maps one page-aligned file offset to a Dblkref.
type Iblkref struct {
	Off int64
	Ref *Dblkref
}
