// Package format implements the on-media layout writer (4.7): a
// mirrored two-part superblock carrying one device-table record each,
// CRC-16 checksummed, followed by a root directory inode record at
// page 1 — the layout toyfs-mkfs.c lays down before a volume is ever
// mounted.
package format

import (
	"time"

	"github.com/chzyer/logex"
	"github.com/google/uuid"
	"github.com/sigurn/crc16"

	"github.com/allmad/toyfs/internal/bio"
)

// PageSize matches arena.PageSize; format does not import arena to
// keep the on-media layout package free of the runtime mount stack.
const PageSize = 4096

// RootIno is the fixed root directory inode number.
const RootIno = 1

const (
	magic        = 0x544f5946 // "TOYF"
	majorVersion = 1
	minorVersion = 0
)

var (
	ErrBadUUID = logex.Define("malformed device uuid")
)

var crcTable = crc16.MakeTable(crc16.CRC16_MODBUS)

// DeviceTable is one mirrored half of the superblock: identity,
// geometry, and a checksum over every field from Version up to Sum
// (SuperUUID is not covered).
type DeviceTable struct {
	SuperUUID uuid.UUID
	Version   uint32
	Magic     uint32
	Flags     uint32
	T1Blocks  uint64
	DevUUID   uuid.UUID
	DevBlocks uint64
	Wtime     int64
	Sum       uint16
}

// Size is the fixed on-media record size of one DeviceTable half,
// padded out for forward-compatible growth the way the typed pool
// records are.
func (t *DeviceTable) Size() int { return 128 }

func (t *DeviceTable) writeFields(w bio.DiskWriter, sum uint16) {
	w.Byte(t.SuperUUID[:])
	w.Int32(int32(t.Version))
	w.Int32(int32(t.Magic))
	w.Int32(int32(t.Flags))
	w.Int64(int64(t.T1Blocks))
	w.Byte(t.DevUUID[:])
	w.Int64(int64(t.DevBlocks))
	w.Int64(t.Wtime)
	w.Int32(int32(sum))
	w.Skip(t.Size() - 16 - 4*4 - 8 - 16 - 8 - 8)
}

// computeSum recomputes Sum over the record's fields with the
// checksum slot itself zeroed, mirroring toyfs_calc_csum: the checksum
// covers the static region starting at s_version, up to but not
// including s_sum itself — s_uuid is excluded.
func (t *DeviceTable) computeSum() {
	buf := make([]byte, t.Size())
	t.writeFields(bio.NewWriter(buf), 0)
	t.Sum = crc16.Checksum(buf[16:len(buf)-t.reservedTail()-4], crcTable)
}

func (t *DeviceTable) reservedTail() int {
	return t.Size() - 16 - 4*4 - 8 - 16 - 8 - 8
}

// VerifySum reports whether t.Sum matches a freshly computed checksum
// over its own fields, the way a mount-time fsck would confirm the
// superblock wasn't torn.
func (t *DeviceTable) VerifySum() bool {
	want := t.Sum
	cp := *t
	cp.computeSum()
	return cp.Sum == want
}

func (t *DeviceTable) WriteDisk(w bio.DiskWriter) {
	t.writeFields(w, t.Sum)
}

func (t *DeviceTable) ReadDisk(r bio.DiskReader) error {
	t.SuperUUID = [16]byte{}
	copy(t.SuperUUID[:], readRawFallback(r, 16))
	t.Version = uint32(r.Int32())
	t.Magic = uint32(r.Int32())
	t.Flags = uint32(r.Int32())
	t.T1Blocks = uint64(r.Int64())
	t.DevUUID = [16]byte{}
	copy(t.DevUUID[:], readRawFallback(r, 16))
	t.DevBlocks = uint64(r.Int64())
	t.Wtime = r.Int64()
	t.Sum = uint16(r.Int32())
	r.Skip(t.reservedTail())
	return nil
}

// readRawFallback recovers n raw bytes through the DiskReader
// interface, which only exposes Int32/Int64/Verify/Skip. It reads via
// repeated Int64/Int32 calls and reassembles big-endian bytes, since
// DiskReader carries no generic byte accessor.
func readRawFallback(r bio.DiskReader, n int) []byte {
	out := make([]byte, 0, n)
	for n >= 8 {
		v := r.Int64()
		out = appendBE64(out, uint64(v))
		n -= 8
	}
	for n >= 4 {
		v := r.Int32()
		out = appendBE32(out, uint32(v))
		n -= 4
	}
	return out
}

func appendBE64(dst []byte, v uint64) []byte {
	return append(dst, byte(v>>56), byte(v>>48), byte(v>>40), byte(v>>32),
		byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func appendBE32(dst []byte, v uint32) []byte {
	return append(dst, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

// SuperBlock is the mirrored pair written at the start of the volume:
// part2 is always a byte-identical copy of part1, so a torn write to
// one half can be recovered from the other.
type SuperBlock struct {
	Part1 DeviceTable
	Part2 DeviceTable
}

func (s *SuperBlock) Size() int { return s.Part1.Size() + s.Part2.Size() }

func (s *SuperBlock) WriteDisk(w bio.DiskWriter) {
	s.Part1.WriteDisk(w)
	s.Part2.WriteDisk(w)
}

func (s *SuperBlock) ReadDisk(r bio.DiskReader) error {
	if err := s.Part1.ReadDisk(r); err != nil {
		return logex.Trace(err)
	}
	return logex.Trace(s.Part2.ReadDisk(r))
}

// Mirror copies part1 over part2, the way toyfs_mirror_parts does
// right before the superblock is written out.
func (s *SuperBlock) Mirror() { s.Part2 = s.Part1 }

// RootInode is the on-media record for the bootstrap root directory,
// written at page 1 right after the superblock.
type RootInode struct {
	Ino       uint64
	Nlink     uint32
	FileSize  int64
	ParentIno uint64
	DirOffMax int64
}

func (r *RootInode) Size() int { return 128 }

func (r *RootInode) WriteDisk(w bio.DiskWriter) {
	w.Int64(int64(r.Ino))
	w.Int32(int32(r.Nlink))
	w.Int64(r.FileSize)
	w.Int64(int64(r.ParentIno))
	w.Int64(r.DirOffMax)
	w.Skip(r.Size() - 8 - 4 - 8 - 8 - 8)
}

func (r *RootInode) ReadDisk(rd bio.DiskReader) error {
	r.Ino = uint64(rd.Int64())
	r.Nlink = uint32(rd.Int32())
	r.FileSize = rd.Int64()
	r.ParentIno = uint64(rd.Int64())
	r.DirOffMax = rd.Int64()
	rd.Skip(r.Size() - 8 - 4 - 8 - 8 - 8)
	return nil
}

// NewRootInode builds the bootstrap root directory record, the way
// toyfs_fill_root_inode does: ino=1, nlink=2, empty, d_off_max=2.
func NewRootInode() *RootInode {
	return &RootInode{
		Ino:       RootIno,
		Nlink:     2,
		ParentIno: RootIno,
		DirOffMax: 2,
	}
}

// NewSuperBlock builds a mirrored superblock for a freshly created
// volume of devSize bytes, identified by devUUID (the caller-supplied
// device identity; the super-level UUID is generated fresh, the way
// uuid_generate()/uuid_parse() split the two in toyfs_fill_dev_table).
func NewSuperBlock(devSize int64, devUUID string) (*SuperBlock, error) {
	du, err := uuid.Parse(devUUID)
	if err != nil {
		return nil, logex.Trace(ErrBadUUID)
	}
	su := uuid.New()
	blocks := uint64(devSize) / PageSize

	part1 := DeviceTable{
		SuperUUID: su,
		Version:   majorVersion*1000 + minorVersion,
		Magic:     magic,
		T1Blocks:  blocks,
		DevUUID:   du,
		DevBlocks: blocks,
		Wtime:     time.Now().UnixNano(),
	}
	part1.computeSum()

	sb := &SuperBlock{Part1: part1}
	sb.Mirror()
	return sb, nil
}
