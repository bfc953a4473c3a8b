// Package pool implements the typed slab allocator described by the
// page-arena & typed-pool component: a single mutex per pool guards
// four typed free-lists (inode, dirent, dblkref, iblkref) that are
// carved lazily, one arena page at a time. The raw page stack is not
// under this mutex; it is guarded by the arena's own mutex, which a
// carve takes while the pool's mutex is held and a data-page
// alloc/free takes without it.
//
// Typed records never return to the raw free-list once carved; this
// is enforced simply by never handing arena pages back except through
// the typed free-lists that consumed them.
package pool

import (
	"sync"

	"github.com/chzyer/logex"

	"github.com/allmad/toyfs/internal/arena"
)

var (
	ErrOutOfSpace = logex.Define("no free slab slot available")
)

// Record-per-page counts. Each typed record is given a fixed byte
// budget; how many fit in one PageSize page determines the slab size
// carved on a cache miss. The exact sizes are a Go-native choice (see
// design notes: owned containers rather than intrusive C unions), not
// a wire format, since typed slabs are pure in-memory bookkeeping.
const (
	InodeRecordSize   = 128
	DirentRecordSize  = 288
	DblkrefRecordSize = 16
	IblkrefRecordSize = 24

	InodesPerPage   = arena.PageSize / InodeRecordSize
	DirentsPerPage  = arena.PageSize / DirentRecordSize
	DblkrefsPerPage = arena.PageSize / DblkrefRecordSize
	IblkrefsPerPage = arena.PageSize / IblkrefRecordSize
)

// Pool is the typed slab allocator for one mount.
type Pool struct {
	mu    sync.Mutex
	arena *arena.Arena

	freeInode   []*Inode
	freeDirent  []*Dirent
	freeDblkref []*Dblkref
	freeIblkref []*Iblkref

	pagesInUse uint64 // metadata slabs + data pages, never decremented on slab carve
}

// New wraps an arena with a typed slab pool.
func New(a *arena.Arena) *Pool {
	return &Pool{arena: a}
}

// NumPages returns the arena's total page count.
func (p *Pool) NumPages() uint64 { return p.arena.NumPages() }

// NumFree returns the count of pages still on the raw free-list.
func (p *Pool) NumFree() uint64 { return p.arena.NumFree() }

// PagesInUse returns the count of pages carved into slabs plus data
// pages currently allocated, which — together with NumFree — satisfies
// f_blocks = f_bfree + pages_in_use.
func (p *Pool) PagesInUse() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pagesInUse
}

// AllocDataPage hands out one raw page for use as file data, tracked
// as in-use for statvfs accounting.
func (p *Pool) AllocDataPage() (arena.BlockNum, error) {
	bn, err := p.arena.AllocPage()
	if err != nil {
		return 0, logex.Trace(err)
	}
	p.mu.Lock()
	p.pagesInUse++
	p.mu.Unlock()
	return bn, nil
}

// FreeDataPage returns a data page to the arena's raw free-list. This
// is the only path by which a page re-enters the raw stack: pages
// that were carved into typed slabs are never freed this way.
func (p *Pool) FreeDataPage(bn arena.BlockNum) error {
	if err := p.arena.FreePage(bn); err != nil {
		return logex.Trace(err)
	}
	p.mu.Lock()
	p.pagesInUse--
	p.mu.Unlock()
	return nil
}

// PageBytes returns the backing bytes of data page bn.
func (p *Pool) PageBytes(bn arena.BlockNum) []byte {
	return p.arena.Bytes(bn)
}

// carvePageLocked pops one raw arena page and accounts it as
// permanently in-use metadata. Must be called with p.mu held.
func (p *Pool) carvePageLocked() error {
	bn, err := p.arena.AllocPage()
	if err != nil {
		return logex.Trace(ErrOutOfSpace)
	}
	p.pagesInUse++
	_ = bn // the carved page's storage itself is not reused by Go objects
	return nil
}

// AllocInode pops a free inode record, carving a fresh slab of
// InodesPerPage records from one arena page if the free-list is empty.
func (p *Pool) AllocInode() (*Inode, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.freeInode) == 0 {
		if err := p.carvePageLocked(); err != nil {
			return nil, err
		}
		for i := 0; i < InodesPerPage; i++ {
			p.freeInode = append(p.freeInode, new(Inode))
		}
	}
	n := len(p.freeInode) - 1
	ino := p.freeInode[n]
	p.freeInode = p.freeInode[:n]
	*ino = Inode{}
	return ino, nil
}

// FreeInode returns an inode record to the free-list.
func (p *Pool) FreeInode(ino *Inode) {
	*ino = Inode{}
	p.mu.Lock()
	p.freeInode = append(p.freeInode, ino)
	p.mu.Unlock()
}

// AllocDirent pops a free dirent record.
func (p *Pool) AllocDirent() (*Dirent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.freeDirent) == 0 {
		if err := p.carvePageLocked(); err != nil {
			return nil, err
		}
		for i := 0; i < DirentsPerPage; i++ {
			p.freeDirent = append(p.freeDirent, new(Dirent))
		}
	}
	n := len(p.freeDirent) - 1
	d := p.freeDirent[n]
	p.freeDirent = p.freeDirent[:n]
	*d = Dirent{}
	return d, nil
}

// FreeDirent returns a dirent record to the free-list.
func (p *Pool) FreeDirent(d *Dirent) {
	*d = Dirent{}
	p.mu.Lock()
	p.freeDirent = append(p.freeDirent, d)
	p.mu.Unlock()
}

// AllocDblkref pops a free dblkref record.
func (p *Pool) AllocDblkref() (*Dblkref, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.freeDblkref) == 0 {
		if err := p.carvePageLocked(); err != nil {
			return nil, err
		}
		for i := 0; i < DblkrefsPerPage; i++ {
			p.freeDblkref = append(p.freeDblkref, new(Dblkref))
		}
	}
	n := len(p.freeDblkref) - 1
	d := p.freeDblkref[n]
	p.freeDblkref = p.freeDblkref[:n]
	*d = Dblkref{}
	return d, nil
}

// FreeDblkref returns a dblkref record to the free-list. The caller
// must have already released the data page it referenced.
func (p *Pool) FreeDblkref(d *Dblkref) {
	*d = Dblkref{}
	p.mu.Lock()
	p.freeDblkref = append(p.freeDblkref, d)
	p.mu.Unlock()
}

// AllocIblkref pops a free iblkref record.
func (p *Pool) AllocIblkref() (*Iblkref, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.freeIblkref) == 0 {
		if err := p.carvePageLocked(); err != nil {
			return nil, err
		}
		for i := 0; i < IblkrefsPerPage; i++ {
			p.freeIblkref = append(p.freeIblkref, new(Iblkref))
		}
	}
	n := len(p.freeIblkref) - 1
	b := p.freeIblkref[n]
	p.freeIblkref = p.freeIblkref[:n]
	*b = Iblkref{}
	return b, nil
}

// FreeIblkref returns an iblkref record to the free-list.
func (p *Pool) FreeIblkref(b *Iblkref) {
	*b = Iblkref{}
	p.mu.Lock()
	p.freeIblkref = append(p.freeIblkref, b)
	p.mu.Unlock()
}
