// Package clone implements the reflink engine (4.5): whole-file clone
// and page-aligned sub-range clone, sharing data pages by refcount
// rather than copying, with copy-on-write deferred to the next write.
package clone

import (
	"github.com/chzyer/logex"

	"github.com/allmad/toyfs/internal/pool"
)

const pageSize = 4096

var (
	ErrNotSup = logex.Define("clone range is not page-aligned")
	ErrNoSpc  = logex.Define("no free data page available")
)

func offToBlock(off int64) int64 { return (off / pageSize) * pageSize }
func offInPage(off int64) int64  { return off % pageSize }
func nextPage(off int64) int64   { return ((off + pageSize) / pageSize) * pageSize }

func isPageAligned(off int64, n int) bool {
	end := off + int64(n)
	return end == offToBlock(end)
}

func nBytesInRange(off, next, end int64) int {
	if next < end {
		return int(next - off)
	}
	return int(end - off)
}

func findIblkref(blocks []*pool.Iblkref, boff int64) (int, bool) {
	lo, hi := 0, len(blocks)
	for lo < hi {
		mid := (lo + hi) / 2
		if blocks[mid].Off < boff {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(blocks) && blocks[lo].Off == boff {
		return lo, true
	}
	return lo, false
}

func fetchIblkref(reg *pool.RegPayload, off int64) *pool.Iblkref {
	if i, ok := findIblkref(reg.Blocks, offToBlock(off)); ok {
		return reg.Blocks[i]
	}
	return nil
}

func freeIblkrefAt(p *pool.Pool, rec *pool.Inode, idx int) {
	ib := rec.Reg.Blocks[idx]
	ib.Ref.Refcount--
	if ib.Ref.Refcount == 0 {
		_ = p.FreeDataPage(ib.Ref.BN)
		p.FreeDblkref(ib.Ref)
	}
	p.FreeIblkref(ib)
	rec.Blocks--
	rec.Reg.Blocks = append(rec.Reg.Blocks[:idx], rec.Reg.Blocks[idx+1:]...)
}

// dropRange releases every block at or beyond pos rounded up to a page
// boundary, used to clear dst before a whole-file clone overwrites it.
func dropRange(p *pool.Pool, rec *pool.Inode, pos int64) {
	if pos%pageSize != 0 {
		pos = nextPage(pos)
	}
	i := 0
	for i < len(rec.Reg.Blocks) {
		if rec.Reg.Blocks[i].Off >= pos {
			freeIblkrefAt(p, rec, i)
			continue
		}
		i++
	}
}

func newIblkrefShared(p *pool.Pool, boff int64, ref *pool.Dblkref) (*pool.Iblkref, error) {
	ib, err := p.AllocIblkref()
	if err != nil {
		return nil, logex.Trace(ErrNoSpc)
	}
	ib.Off = boff
	ib.Ref = ref
	ref.Refcount++
	return ib, nil
}

func insertSorted(reg *pool.RegPayload, ib *pool.Iblkref) {
	idx, _ := findIblkref(reg.Blocks, ib.Off)
	reg.Blocks = append(reg.Blocks, nil)
	copy(reg.Blocks[idx+1:], reg.Blocks[idx:])
	reg.Blocks[idx] = ib
}

// EntireFile makes dst a full reflink of src: every src block is
// shared (refcount++) into dst, replacing whatever dst held before.
func EntireFile(p *pool.Pool, src, dst *pool.Inode) error {
	dropRange(p, dst, 0)

	for _, sib := range src.Reg.Blocks {
		dib, err := newIblkrefShared(p, sib.Off, sib.Ref)
		if err != nil {
			return err
		}
		dst.Reg.Blocks = append(dst.Reg.Blocks, dib)
		dst.Blocks++
	}
	dst.Size = src.Size
	return nil
}

func requireIblkref(p *pool.Pool, rec *pool.Inode, off int64) (*pool.Iblkref, error) {
	reg := rec.Reg
	boff := offToBlock(off)
	idx, ok := findIblkref(reg.Blocks, boff)
	if ok {
		return reg.Blocks[idx], nil
	}
	bn, err := p.AllocDataPage()
	if err != nil {
		return nil, logex.Trace(ErrNoSpc)
	}
	ref, err := p.AllocDblkref()
	if err != nil {
		_ = p.FreeDataPage(bn)
		return nil, logex.Trace(ErrNoSpc)
	}
	ref.BN = bn
	ref.Refcount = 1
	ib, err := p.AllocIblkref()
	if err != nil {
		ref.Refcount = 0
		_ = p.FreeDataPage(bn)
		p.FreeDblkref(ref)
		return nil, logex.Trace(ErrNoSpc)
	}
	ib.Off = boff
	ib.Ref = ref
	rec.Blocks++
	insertSorted(reg, ib)
	return ib, nil
}

// sharePage points dst's block at src's backing page, dropping dst's
// previous reference.
func sharePage(p *pool.Pool, srcIb, dstIb *pool.Iblkref) {
	old := dstIb.Ref
	old.Refcount--
	if old.Refcount == 0 {
		_ = p.FreeDataPage(old.BN)
		p.FreeDblkref(old)
	}
	dstIb.Ref = srcIb.Ref
	dstIb.Ref.Refcount++
}

// uniquePage forks dst's backing page if it is shared, returning the
// (now privately owned) page bytes.
func uniquePage(p *pool.Pool, dstIb *pool.Iblkref) ([]byte, error) {
	page := p.PageBytes(dstIb.Ref.BN)
	if dstIb.Ref.Refcount <= 1 {
		return page, nil
	}
	newRef, err := p.AllocDblkref()
	if err != nil {
		return nil, logex.Trace(ErrNoSpc)
	}
	bn, err := p.AllocDataPage()
	if err != nil {
		p.FreeDblkref(newRef)
		return nil, logex.Trace(ErrNoSpc)
	}
	newPage := p.PageBytes(bn)
	copy(newPage, page)
	newRef.BN = bn
	newRef.Refcount = 1

	dstIb.Ref.Refcount--
	dstIb.Ref = newRef
	return newPage, nil
}

func isEntirePage(srcOff, dstOff int64, n int) bool {
	return n == pageSize && offInPage(srcOff) == 0 && offInPage(dstOff) == 0
}

// rangeOnePage clones exactly one full page from src_off to dst_off:
// share it if src has data there, else punch a hole in dst by zeroing
// its now-unique copy.
func rangeOnePage(p *pool.Pool, src, dst *pool.Inode, srcOff, dstOff int64, n int) error {
	if !isEntirePage(srcOff, dstOff, n) {
		panic("clone: sub-range clone called with a non-page-aligned chunk")
	}
	srcIb := fetchIblkref(src.Reg, srcOff)

	if srcIb != nil {
		dstIb, err := requireIblkref(p, dst, dstOff)
		if err != nil {
			return err
		}
		sharePage(p, srcIb, dstIb)
	} else {
		dstIb := fetchIblkref(dst.Reg, dstOff)
		if dstIb == nil {
			size := dstOff + int64(n)
			if size > dst.Size {
				dst.Size = size
			}
			return nil
		}
		page, err := uniquePage(p, dstIb)
		if err != nil {
			return err
		}
		for i := range page {
			page[i] = 0
		}
	}
	size := dstOff + int64(n)
	if size > dst.Size {
		dst.Size = size
	}
	return nil
}

// SubFileRange clones the page-aligned range [srcPos, srcPos+n) of
// src onto [dstPos, dstPos+n) of dst, one page at a time.
func SubFileRange(p *pool.Pool, src, dst *pool.Inode, srcPos, dstPos int64, n int) error {
	srcOff, srcEnd := srcPos, srcPos+int64(n)
	dstOff, dstEnd := dstPos, dstPos+int64(n)

	for srcOff < srcEnd && dstOff < dstEnd {
		srcLen := nBytesInRange(srcOff, nextPage(srcOff), srcEnd)
		dstLen := nBytesInRange(dstOff, nextPage(dstOff), dstEnd)
		step := srcLen
		if dstLen < step {
			step = dstLen
		}
		if err := rangeOnePage(p, src, dst, srcOff, dstOff, step); err != nil {
			return err
		}
		srcOff += int64(step)
		dstOff += int64(step)
	}
	return nil
}

// Range is the entry point mirroring toyfs_clone: a (posIn=0, len=0,
// posOut=0) triple means "clone the whole file", otherwise the range
// must be page-aligned at both ends on both files.
func Range(p *pool.Pool, src, dst *pool.Inode, posIn, posOut int64, n int) error {
	if !src.Kind.IsReg() || !dst.Kind.IsReg() {
		return logex.Trace(ErrNotSup)
	}
	if src == dst {
		return nil
	}
	if posIn == 0 && n == 0 && posOut == 0 {
		return EntireFile(p, src, dst)
	}
	if !isPageAligned(posIn, 0) || !isPageAligned(posIn, n) ||
		!isPageAligned(posOut, 0) || !isPageAligned(posOut, n) {
		return logex.Trace(ErrNotSup)
	}
	return SubFileRange(p, src, dst, posIn, posOut, n)
}
