// Package hostdisk backs a simulated block device with a disk image file on
// the host.
package hostdisk

import (
	"fmt"

	"github.com/tchajed/goose/machine/disk"
	"golang.org/x/sys/unix"

	"github.com/Virtual-Machine/corrosion/util"
)

// FileDisk is a disk image addressed in disk.BlockSize blocks. I/O errors on
// an open image are fatal.
type FileDisk struct {
	fd        int
	numBlocks uint64
	readOnly  bool
}

// NewFileDisk opens or creates the image at path and sizes it to numBlocks.
func NewFileDisk(path string, numBlocks uint64) (*FileDisk, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT, 0666)
	if err != nil {
		return nil, fmt.Errorf("(hostdisk) open %s: %w", path, err)
	}
	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("(hostdisk) stat %s: %w", path, err)
	}
	if stat.Mode&unix.S_IFMT == unix.S_IFREG &&
		uint64(stat.Size) != numBlocks*disk.BlockSize {
		if err := unix.Ftruncate(fd, int64(numBlocks*disk.BlockSize)); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("(hostdisk) truncate %s: %w", path, err)
		}
	}
	return &FileDisk{fd: fd, numBlocks: numBlocks}, nil
}

// OpenImage opens an existing image. Its size is rounded up to whole blocks;
// the tail of the last block reads as zeros.
func OpenImage(path string, readOnly bool) (*FileDisk, error) {
	flags := unix.O_RDWR
	if readOnly {
		flags = unix.O_RDONLY
	}
	fd, err := unix.Open(path, flags, 0)
	if err != nil {
		return nil, fmt.Errorf("(hostdisk) open %s: %w", path, err)
	}
	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("(hostdisk) stat %s: %w", path, err)
	}
	n := util.RoundUp(uint64(stat.Size), disk.BlockSize)
	util.DPrintf(1, "hostdisk: %s has %d blocks\n", path, n)
	return &FileDisk{fd: fd, numBlocks: n, readOnly: readOnly}, nil
}

func (d *FileDisk) ReadTo(a uint64, buf disk.Block) {
	if uint64(len(buf)) != disk.BlockSize {
		panic("buffer is not block-sized")
	}
	if a >= d.numBlocks {
		panic(fmt.Errorf("out-of-bounds read at %v", a))
	}
	n, err := unix.Pread(d.fd, buf, int64(a*disk.BlockSize))
	if err != nil {
		panic("read failed: " + err.Error())
	}
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
}

func (d *FileDisk) Read(a uint64) disk.Block {
	buf := make([]byte, disk.BlockSize)
	d.ReadTo(a, buf)
	return buf
}

func (d *FileDisk) Write(a uint64, v disk.Block) {
	if uint64(len(v)) != disk.BlockSize {
		panic(fmt.Errorf("v is not block sized (%d bytes)", len(v)))
	}
	if a >= d.numBlocks {
		panic(fmt.Errorf("out-of-bounds write at %v", a))
	}
	if d.readOnly {
		panic("write to read-only image")
	}
	_, err := unix.Pwrite(d.fd, v, int64(a*disk.BlockSize))
	if err != nil {
		panic("write failed: " + err.Error())
	}
}

func (d *FileDisk) Size() uint64 {
	return d.numBlocks
}

func (d *FileDisk) ReadOnly() bool {
	return d.readOnly
}

func (d *FileDisk) Barrier() {
	if d.readOnly {
		return
	}
	err := unix.Fsync(d.fd)
	if err != nil {
		panic("file sync failed: " + err.Error())
	}
}

func (d *FileDisk) Close() {
	err := unix.Close(d.fd)
	if err != nil {
		panic(err)
	}
}
