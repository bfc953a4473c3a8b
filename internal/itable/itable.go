// Package itable implements the inode table: a fixed-size bucket array
// mapping inode number to live inode-info via separate chaining, the
// way the reference toyfs_itable does, generalized to a tunable
// (and resizable) bucket count per the open question in spec §9.
package itable

import (
	"sync"

	"github.com/chzyer/logex"

	"github.com/allmad/toyfs/internal/pool"
)

// DefaultBuckets is the bucket count used when none is supplied,
// matching the reference implementation's hard-coded 33377.
const DefaultBuckets = 33377

const imagicSentinel = 0x11E11F5

// Info is the heap-allocated, per-live-inode control block binding an
// inode record to its owning table slot.
type Info struct {
	Ino    uint64
	Record *pool.Inode
	imagic uint64
	next   *Info
}

// Valid reports whether the imagic sentinel is intact, guarding
// against use of a stale or zeroed Info.
func (i *Info) Valid() bool { return i.imagic == imagicSentinel }

// NewInfo binds a freshly allocated inode record to an Info handle.
func NewInfo(ino uint64, rec *pool.Inode) *Info {
	return &Info{Ino: ino, Record: rec, imagic: imagicSentinel}
}

var (
	ErrNotFound    = logex.Define("inode is not found")
	errDuplicate   = logex.Define("insert of already-present inode is a programming error")
	errNotMember   = logex.Define("remove of non-member inode is a programming error")
)

// Table is the inode table: find/insert/remove under a single mutex.
type Table struct {
	mu      sync.Mutex
	buckets []*Info
	count   int
}

// New creates a table with the given bucket count (DefaultBuckets if
// n <= 0).
func New(n int) *Table {
	if n <= 0 {
		n = DefaultBuckets
	}
	return &Table{buckets: make([]*Info, n)}
}

func (t *Table) slot(ino uint64) int {
	return int(ino % uint64(len(t.buckets)))
}

// Find returns the live Info for ino, or nil if absent.
func (t *Table) Find(ino uint64) *Info {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := t.buckets[t.slot(ino)]; i != nil; i = i.next {
		if i.Ino == ino {
			return i
		}
	}
	return nil
}

// Insert prepends info to its bucket's chain. Inserting an Info that
// is already a member (by identity) is a programming error.
func (t *Table) Insert(info *Info) {
	t.mu.Lock()
	defer t.mu.Unlock()

	slot := t.slot(info.Ino)
	for i := t.buckets[slot]; i != nil; i = i.next {
		if i == info {
			panic(errDuplicate.Format())
		}
	}
	info.next = t.buckets[slot]
	t.buckets[slot] = info
	t.count++
}

// Remove detaches info from its bucket's chain. info must be a member;
// calling Remove on a non-member is a programming error.
func (t *Table) Remove(info *Info) {
	t.mu.Lock()
	defer t.mu.Unlock()

	slot := t.slot(info.Ino)
	ent := &t.buckets[slot]
	for *ent != nil {
		if *ent == info {
			*ent = info.next
			info.next = nil
			t.count--
			return
		}
		ent = &(*ent).next
	}
	panic(errNotMember.Format())
}

// Count returns the number of live inodes tracked by the table.
func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// Resize rebuilds the table with n buckets, rehashing every live
// entry. Supports the "runtime resize on high load" improvement noted
// in spec §9.
func (t *Table) Resize(n int) {
	if n <= 0 {
		n = DefaultBuckets
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	old := t.buckets
	t.buckets = make([]*Info, n)
	for _, head := range old {
		for i := head; i != nil; {
			next := i.next
			slot := t.slot(i.Ino)
			i.next = t.buckets[slot]
			t.buckets[slot] = i
			i = next
		}
	}
}
