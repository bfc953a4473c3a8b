// Package super implements the mount lifecycle (4.6): sbi alloc/init/
// fini, ino allocation, and statvfs accounting over a Pool+Table pair.
package super

import (
	"sync"

	"github.com/chzyer/logex"

	"github.com/allmad/toyfs/internal/arena"
	"github.com/allmad/toyfs/internal/itable"
	"github.com/allmad/toyfs/internal/node"
	"github.com/allmad/toyfs/internal/pool"
)

// RootIno is the fixed inode number of the filesystem root directory.
const RootIno = 1

// NameMax mirrors the reference implementation's ZUFS_NAME_LEN.
const NameMax = 255

var ErrNotMounted = logex.Define("superblock is not initialized")

// Statvfs reports the subset of struct statvfs toyfs_statfs fills in.
type Statvfs struct {
	Bsize   uint64
	Frsize  uint64
	Blocks  uint64
	Bfree   uint64
	Bavail  uint64
	Files   uint64
	Ffree   uint64
	Favail  uint64
	Namemax uint64
}

// SB is one mounted filesystem instance: the arena/pool/itable triple
// plus the ino counter and the statvfs-facing bookkeeping wrapped
// under sb's own mutex (mirroring the reference sbi's own lock, used
// for statfs snapshots and top_ino allocation — Pool remains the sole
// owner of all page/slab accounting).
type SB struct {
	mu      sync.Mutex
	Arena   *arena.Arena
	Pool    *pool.Pool
	Itable  *itable.Table
	topIno  uint64
	mounted bool
	root    *itable.Info
}

// Alloc constructs an unmounted SB wrapping a to-be-attached arena.
func Alloc() *SB {
	return &SB{}
}

// Init mounts sb over a, building the typed pool, inode table, and
// root directory inode (ino=1, mode 0755|DIR, nlink=2).
func (sb *SB) Init(a *arena.Arena, buckets int) error {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	sb.Arena = a
	sb.Pool = pool.New(a)
	sb.Itable = itable.New(buckets)
	sb.topIno = RootIno + 1

	root, err := node.NewRoot(sb.Pool, sb.Itable, RootIno)
	if err != nil {
		return logex.Trace(err)
	}
	sb.root = root
	sb.mounted = true
	return nil
}

// Fini unmounts sb, releasing the backing arena mapping.
func (sb *SB) Fini() error {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	sb.mounted = false
	if sb.Arena != nil {
		return logex.Trace(sb.Arena.Close())
	}
	return nil
}

// Root returns the root directory's inode-table entry.
func (sb *SB) Root() *itable.Info {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.root
}

// Find looks up a live inode by number.
func (sb *SB) Find(ino uint64) *itable.Info {
	return sb.Itable.Find(ino)
}

// NextIno hands out the next inode number, the way __atomic_fetch_add
// does over s_top_ino.
func (sb *SB) NextIno() uint64 {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	ino := sb.topIno
	sb.topIno++
	return ino
}

// NewInode allocates and inserts a fresh inode of the given kind as a
// child of parentIno, assigning it the next available ino.
func (sb *SB) NewInode(parentIno uint64, kind pool.Mode, perm uint32, nlink uint32) (*itable.Info, error) {
	ino := sb.NextIno()
	return node.New(sb.Pool, sb.Itable, ino, parentIno, kind, perm, nlink)
}

// FreeInode tears down an inode and removes it from the table.
func (sb *SB) FreeInode(info *itable.Info) error {
	return node.Free(sb.Pool, sb.Itable, info)
}

// Statfs snapshots the mount's capacity counters. f_bsize/f_frsize are
// always the arena page size; f_blocks/f_bfree/f_bavail are derived
// from Pool's page accounting so that f_blocks == f_bfree +
// pool.PagesInUse() always holds (see DESIGN.md for why this
// supersedes the reference implementation's asymmetric accounting).
// f_files mirrors toyfs_statfs's choice of the total block count as
// the inode-capacity proxy; f_ffree/f_favail are derived from the
// inode table's live count so that f_files == f_ffree +
// itable.Count() always holds.
func (sb *SB) Statfs() Statvfs {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	free := sb.Pool.NumFree()
	files := sb.Pool.NumPages()
	inUse := uint64(sb.Itable.Count())
	ffree := files - inUse
	return Statvfs{
		Bsize:   arena.PageSize,
		Frsize:  arena.PageSize,
		Blocks:  files,
		Bfree:   free,
		Bavail:  free,
		Files:   files,
		Ffree:   ffree,
		Favail:  ffree,
		Namemax: NameMax,
	}
}
