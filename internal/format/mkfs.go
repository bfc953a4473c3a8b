package format

import (
	"os"
	"unsafe"

	"github.com/chzyer/logex"
	"golang.org/x/sys/unix"

	"github.com/allmad/toyfs/internal/bio"
)

// MinDeviceSize mirrors toyfs-mkfs.c's minimum accepted volume size.
const MinDeviceSize = 1 << 20 // 1 MiB

var (
	ErrDeviceTooSmall = logex.Define("device is smaller than the minimum volume size")
	ErrNotBlockOrFile = logex.Define("path is neither a block device nor a regular file")
)

// OpenDevice opens path for mkfs, validating it is a regular file or
// block device of at least MinDeviceSize bytes, and returns its size.
func OpenDevice(path string) (*os.File, int64, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, 0, logex.Trace(err)
	}

	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		f.Close()
		return nil, 0, logex.Trace(err)
	}

	isBlk := st.Mode&unix.S_IFMT == unix.S_IFBLK
	isReg := st.Mode&unix.S_IFMT == unix.S_IFREG

	var size int64
	switch {
	case isBlk:
		sz, err := blockDeviceSize(f.Fd())
		if err != nil {
			f.Close()
			return nil, 0, logex.Trace(err)
		}
		size = sz
	case isReg:
		size = st.Size
	default:
		f.Close()
		return nil, 0, logex.Trace(ErrNotBlockOrFile)
	}

	if size < MinDeviceSize {
		f.Close()
		return nil, 0, logex.Trace(ErrDeviceTooSmall)
	}
	return f, size, nil
}

// blockDeviceSize reads a block device's byte size via BLKGETSIZE64,
// which reports a 64-bit value the stdlib's Stat_t.Size does not
// carry for block-special files.
func blockDeviceSize(fd uintptr) (int64, error) {
	var sz uint64
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(unix.BLKGETSIZE64),
		uintptr(unsafe.Pointer(&sz)))
	if errno != 0 {
		return 0, errno
	}
	return int64(sz), nil
}

// Format lays down a fresh mirrored superblock and root inode on dev,
// the way toyfs-mkfs.c's main() sequences
// fill_dev_table/mirror_parts/fill_root_inode/write_super_block/
// write_root_inode.
func Format(dev *os.File, devSize int64, devUUID string) error {
	sb, err := NewSuperBlock(devSize, devUUID)
	if err != nil {
		return logex.Trace(err)
	}
	root := NewRootInode()

	if err := bio.WriteAt(dev, 0, sb); err != nil {
		return logex.Trace(err)
	}
	if err := dev.Sync(); err != nil {
		return logex.Trace(err)
	}

	if err := bio.WriteAt(dev, PageSize, root); err != nil {
		return logex.Trace(err)
	}
	return logex.Trace(dev.Sync())
}
