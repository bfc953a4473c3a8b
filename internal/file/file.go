// Package file implements the regular-file data engine (4.4):
// read/write/truncate/fallocate/seek/get_block over a page-mapped
// block list, with copy-on-write triggered whenever a write targets a
// shared page.
package file

import (
	"github.com/chzyer/logex"

	"github.com/allmad/toyfs/internal/pool"
)

const pageSize = 4096

// IsizeMax mirrors the reference implementation's 2^50 file-size cap.
const IsizeMax = 1 << 50

var (
	ErrInval  = logex.Define("invalid offset or length")
	ErrFbig   = logex.Define("offset exceeds maximum file size")
	ErrNoSpc  = logex.Define("no free data page available")
	ErrNotSup = logex.Define("operation not supported")
)

func offToBlock(off int64) int64  { return (off / pageSize) * pageSize }
func offInPage(off int64) int64   { return off % pageSize }
func nextPage(off int64) int64    { return ((off + pageSize) / pageSize) * pageSize }
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

func maxOffset(off int64, n int, isize int64) int64 {
	end := off + int64(n)
	if end > isize {
		return end
	}
	return isize
}

func minOffset(off int64, n int, isize int64) int64 {
	end := off + int64(n)
	if end < isize {
		return end
	}
	return isize
}

// checkIO validates an I/O range the way _check_io does: no negative
// offsets, no zero-length requests, and nothing beyond IsizeMax.
func checkIO(off int64, n int) error {
	if off < 0 {
		return logex.Trace(ErrInval)
	}
	if n == 0 {
		return logex.Trace(ErrInval)
	}
	if off > IsizeMax || off+int64(n) > IsizeMax {
		return logex.Trace(ErrFbig)
	}
	return nil
}

// findIblkref returns the index of the block-aligned iblkref covering
// off, and whether it exists, in the sorted Blocks slice.
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
	boff := offToBlock(off)
	if i, ok := findIblkref(reg.Blocks, boff); ok {
		return reg.Blocks[i]
	}
	return nil
}

func fetchPage(p *pool.Pool, reg *pool.RegPayload, off int64) []byte {
	ib := fetchIblkref(reg, off)
	if ib == nil {
		return nil
	}
	return p.PageBytes(ib.Ref.BN)
}

func newIblkref(p *pool.Pool, boff int64) (*pool.Iblkref, error) {
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
	return ib, nil
}

// requireIblkref returns the iblkref covering off, allocating a fresh
// page-backed one if absent, and forking a private copy (CoW) if the
// existing one's backing page is shared.
func requireIblkref(p *pool.Pool, rec *pool.Inode, off int64) (*pool.Iblkref, error) {
	reg := rec.Reg
	boff := offToBlock(off)
	idx, ok := findIblkref(reg.Blocks, boff)
	if !ok {
		ib, err := newIblkref(p, boff)
		if err != nil {
			return nil, err
		}
		reg.Blocks = append(reg.Blocks, nil)
		copy(reg.Blocks[idx+1:], reg.Blocks[idx:])
		reg.Blocks[idx] = ib
		rec.Blocks++
		return ib, nil
	}
	ib := reg.Blocks[idx]
	if ib.Ref.Refcount > 1 {
		newRef, err := p.AllocDblkref()
		if err != nil {
			return nil, logex.Trace(ErrNoSpc)
		}
		bn, err := p.AllocDataPage()
		if err != nil {
			p.FreeDblkref(newRef)
			return nil, logex.Trace(ErrNoSpc)
		}
		copy(p.PageBytes(bn), p.PageBytes(ib.Ref.BN))
		newRef.BN = bn
		newRef.Refcount = 1

		ib.Ref.Refcount--
		ib.Ref = newRef
	}
	return ib, nil
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

// dropRange releases every block whose page-aligned offset is >= pos
// rounded up to a page boundary; a partially covered page is kept.
func dropRange(p *pool.Pool, rec *pool.Inode, pos int64) {
	if pos%pageSize != 0 {
		pos = nextPage(pos)
	}
	reg := rec.Reg
	i := 0
	for i < len(reg.Blocks) {
		if reg.Blocks[i].Off >= pos {
			freeIblkrefAt(p, rec, i)
			continue
		}
		i++
	}
}

// Read copies min(len, isize-off) bytes starting at off into buf,
// zero-filling any hole, and returns the number of bytes copied.
func Read(p *pool.Pool, rec *pool.Inode, off int64, buf []byte) (int, error) {
	if err := checkIO(off, len(buf)); err != nil {
		return 0, err
	}
	end := minOffset(off, len(buf), rec.Size)
	cnt := 0
	for off < end {
		page := fetchPage(p, rec.Reg, off)
		nxt := nextPage(off)
		n := nBytesInRange(off, nxt, end)
		dst := buf[cnt : cnt+n]
		if page != nil {
			copy(dst, page[offInPage(off):])
		} else {
			for i := range dst {
				dst[i] = 0
			}
		}
		cnt += n
		off = nxt
	}
	return cnt, nil
}

// Write copies buf into the file starting at off, forking any shared
// page it touches, and grows i_size to cover the write.
func Write(p *pool.Pool, rec *pool.Inode, off int64, buf []byte) (int, error) {
	if err := checkIO(off, len(buf)); err != nil {
		return 0, err
	}
	from := off
	end := off + int64(len(buf))
	cnt := 0
	for off < end {
		ib, err := requireIblkref(p, rec, off)
		if err != nil {
			rec.Size = maxOffset(from, cnt, rec.Size)
			return cnt, err
		}
		page := p.PageBytes(ib.Ref.BN)
		nxt := nextPage(off)
		n := nBytesInRange(off, nxt, end)
		copy(page[offInPage(off):], buf[cnt:cnt+n])

		cnt += n
		off = nxt
	}
	rec.Size = maxOffset(from, cnt, rec.Size)
	return cnt, nil
}

// GetBlock resolves the page backing blkidx*PageSize, returning
// (blockNum, true) if the range has an allocated page.
func GetBlock(p *pool.Pool, rec *pool.Inode, blkidx uint64) (uint64, bool, error) {
	if !rec.Kind.IsReg() {
		return 0, false, logex.Trace(ErrNotSup)
	}
	off := int64(blkidx) * pageSize
	ib := fetchIblkref(rec.Reg, off)
	if ib == nil {
		return 0, false, nil
	}
	return uint64(ib.Ref.BN), true, nil
}

func zeroRangeAt(p *pool.Pool, rec *pool.Inode, off int64, n int) {
	ib := fetchIblkref(rec.Reg, off)
	if ib == nil {
		return
	}
	page := p.PageBytes(ib.Ref.BN)
	dst := page[offInPage(off) : offInPage(off)+int64(n)]
	for i := range dst {
		dst[i] = 0
	}
}

func punchHoleAt(p *pool.Pool, rec *pool.Inode, off int64, n int) {
	idx, ok := findIblkref(rec.Reg.Blocks, offToBlock(off))
	if !ok {
		return
	}
	if n < pageSize {
		zeroRangeAt(p, rec, off, n)
		return
	}
	freeIblkrefAt(p, rec, idx)
}

func punchHole(p *pool.Pool, rec *pool.Inode, from int64, n int) {
	off := from
	end := off + int64(n)
	for off < end {
		nxt := nextPage(off)
		punchHoleAt(p, rec, off, nBytesInRange(off, nxt, end))
		off = nxt
	}
}

func zeroRange(p *pool.Pool, rec *pool.Inode, from int64, n int) {
	off := from
	end := off + int64(n)
	for off < end {
		nxt := nextPage(off)
		zeroRangeAt(p, rec, off, nBytesInRange(off, nxt, end))
		off = nxt
	}
}

func fallocRange(p *pool.Pool, rec *pool.Inode, from int64, n int) error {
	off := from
	end := off + int64(n)
	cnt := 0
	for off < end {
		if _, err := requireIblkref(p, rec, off); err != nil {
			rec.Size = maxOffset(from, cnt, rec.Size)
			return err
		}
		nxt := nextPage(off)
		cnt += nBytesInRange(off, nxt, end)
		off = nxt
	}
	rec.Size = maxOffset(from, cnt, rec.Size)
	return nil
}

// Falloc flag bits, matching linux/falloc.h's subset the reference
// implementation honors.
const (
	FallocKeepSize  = 0x01
	FallocPunchHole = 0x02
	FallocZeroRange = 0x10
)

// Fallocate dispatches to punch-hole / zero-range / default-grow
// behavior per flags, rejecting any unsupported flag combination.
func Fallocate(p *pool.Pool, rec *pool.Inode, off int64, n int, flags int) error {
	if err := checkIO(off, n); err != nil {
		return err
	}
	if flags&^(FallocKeepSize|FallocPunchHole|FallocZeroRange) != 0 {
		return logex.Trace(ErrNotSup)
	}
	if flags&FallocPunchHole != 0 && flags&FallocKeepSize == 0 {
		return logex.Trace(ErrNotSup)
	}
	switch {
	case flags&FallocPunchHole != 0:
		punchHole(p, rec, off, n)
	case flags&FallocZeroRange != 0:
		zeroRange(p, rec, off, n)
	default:
		return fallocRange(p, rec, off, n)
	}
	return nil
}

// Truncate resizes a regular file, dropping any block wholly beyond
// the new size.
func Truncate(p *pool.Pool, rec *pool.Inode, size int64) error {
	if rec.Kind.IsDir() {
		return logex.Trace(ErrIsDir)
	}
	if !rec.Kind.IsReg() {
		return logex.Trace(ErrInval)
	}
	if size < rec.Size {
		dropRange(p, rec, size)
	}
	rec.Size = size
	return nil
}

var ErrIsDir = logex.Define("is a directory")

// SeekData and SeekHole implement lseek(2)'s SEEK_DATA/SEEK_HOLE:
// from itself if its page has (resp. lacks) an allocated page,
// otherwise the first later page boundary that does, or i_size if
// none is found.
func SeekData(rec *pool.Inode, from int64) int64 { return seekBlock(rec, from, true) }
func SeekHole(rec *pool.Inode, from int64) int64 { return seekBlock(rec, from, false) }

func seekBlock(rec *pool.Inode, from int64, seekExist bool) int64 {
	off := from
	end := rec.Size
	for off < end {
		_, has := findIblkref(rec.Reg.Blocks, offToBlock(off))
		if has == seekExist {
			return off
		}
		off = nextPage(off)
	}
	return end
}
