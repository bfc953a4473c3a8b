// Package arena carves a flat region of memory into fixed-size pages.
//
// An Arena is either backed by a pmem mapping (the caller owns the
// descriptor and reserves the first two pages for the superblock
// mirrors and root inode) or by an anonymous mapping when no pmem
// device is attached. Raw pages are handed out through a LIFO
// free-list kept in a side table indexed by block number; the page
// bytes themselves carry no free-list links.
package arena

import (
	"sync"

	"github.com/chzyer/logex"
	"golang.org/x/sys/unix"
)

const (
	// PageSize is the fixed unit of allocation from the arena.
	PageSize = 4096

	// AnonSize is the size of the anonymous mapping used when no pmem
	// device is attached.
	AnonSize = 1 << 30 // 1 GiB
)

var (
	ErrOutOfSpace  = logex.Define("out of space")
	ErrBadBlockNum = logex.Define("block number out of range")
)

// Page is one fixed-size slot of the arena, addressed by block number.
type Page [PageSize]byte

// BlockNum is the index of a page within the arena.
type BlockNum uint64

// Arena is a contiguous region of N pages. Page addresses (as Go
// slices into the backing mapping) are stable for the life of the
// mount; BlockNum indices are the storage-facing handle.
type Arena struct {
	mu       sync.Mutex
	mem      []byte
	pmem     bool
	npages   uint64
	freeTop  BlockNum
	freeNext []BlockNum // freeNext[bn] = next free block in the stack, or sentinel
	onStack  []bool
}

const noNext = ^BlockNum(0)

// New wraps an already-mapped byte region (either a pmem mapping or an
// anonymous one) as an Arena of whole pages. reserved is the count of
// leading pages (superblock mirrors + root inode) excluded from the
// free-list.
func New(mem []byte, pmem bool, reserved uint64) (*Arena, error) {
	if len(mem) < PageSize {
		return nil, logex.Trace(ErrOutOfSpace)
	}
	npages := uint64(len(mem)) / PageSize
	if reserved > npages {
		return nil, logex.Trace(ErrOutOfSpace)
	}

	a := &Arena{
		mem:      mem,
		pmem:     pmem,
		npages:   npages,
		freeTop:  BlockNum(noNext),
		freeNext: make([]BlockNum, npages),
		onStack:  make([]bool, npages),
	}
	for bn := npages; bn > reserved; bn-- {
		a.pushLocked(BlockNum(bn - 1))
	}
	return a, nil
}

// NewAnon creates an arena backed by an anonymous mapping, used when
// no pmem device is attached.
func NewAnon(size int) (*Arena, error) {
	if size <= 0 {
		size = AnonSize
	}
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, logex.Trace(err)
	}
	return New(mem, false, 0)
}

// NewPmem maps fd (sized sz bytes) as the backing pmem region.
func NewPmem(fd int, sz int64) (*Arena, error) {
	mem, err := unix.Mmap(fd, 0, int(sz), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, logex.Trace(err)
	}
	return New(mem, true, 2)
}

// Close releases the backing mapping.
func (a *Arena) Close() error {
	if a.mem == nil {
		return nil
	}
	err := unix.Munmap(a.mem)
	a.mem = nil
	if err != nil {
		return logex.Trace(err)
	}
	return nil
}

// NumPages returns the total number of whole pages in the arena.
func (a *Arena) NumPages() uint64 {
	return a.npages
}

// IsPmem reports whether the arena is backed by a real pmem mapping
// rather than an anonymous one.
func (a *Arena) IsPmem() bool {
	return a.pmem
}

func (a *Arena) pushLocked(bn BlockNum) {
	a.freeNext[bn] = a.freeTop
	a.freeTop = bn
	a.onStack[bn] = true
}

// AllocPage pops one raw page off the free-list. Returns ErrOutOfSpace
// when the stack is empty.
func (a *Arena) AllocPage() (BlockNum, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.freeTop == BlockNum(noNext) {
		return 0, logex.Trace(ErrOutOfSpace)
	}
	bn := a.freeTop
	a.freeTop = a.freeNext[bn]
	a.onStack[bn] = false
	return bn, nil
}

// FreePage returns a raw page to the free-list. Freeing a page that
// was carved into a typed slab is forbidden by the pool layer above
// (the pool never returns carved records here); this call only
// validates the block number range.
func (a *Arena) FreePage(bn BlockNum) error {
	if uint64(bn) >= a.npages {
		return logex.Trace(ErrBadBlockNum)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pushLocked(bn)
	return nil
}

// NumFree returns the count of pages still on the raw free-list.
func (a *Arena) NumFree() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := uint64(0)
	for bn := a.freeTop; bn != BlockNum(noNext); bn = a.freeNext[bn] {
		n++
	}
	return n
}

// Page returns the backing bytes for block bn.
func (a *Arena) Page(bn BlockNum) *Page {
	off := uint64(bn) * PageSize
	return (*Page)(a.mem[off : off+PageSize])
}

// Bytes returns the raw backing bytes for block bn without the Page
// type wrapper, used by the pool to hand out data page bytes.
func (a *Arena) Bytes(bn BlockNum) []byte {
	off := uint64(bn) * PageSize
	return a.mem[off : off+PageSize]
}
