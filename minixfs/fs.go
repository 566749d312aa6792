// Package minixfs is a read-only Minix v3 filesystem served over a block
// device.
//
// Mount reads the superblock and walks the directory tree once, caching every
// regular file's inode under its absolute path. The cache never changes
// afterwards.
package minixfs

import (
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"

	"github.com/Virtual-Machine/corrosion/addr"
	"github.com/Virtual-Machine/corrosion/alloc"
	"github.com/Virtual-Machine/corrosion/buf"
	"github.com/Virtual-Machine/corrosion/common"
	"github.com/Virtual-Machine/corrosion/util"
)

var (
	ErrBadMagic     = errors.New("bad minix superblock magic")
	ErrBadBlockSize = errors.New("unsupported block size")
	ErrBadInode     = errors.New("inode number out of range")
	ErrNotFound     = errors.New("no such file")
	ErrNotDir       = errors.New("not a directory")
)

// BlockReader reads size bytes at byte offset of the device into guest
// memory at dst.
type BlockReader interface {
	Read(dst common.Paddr, size uint32, offset uint64) error
}

type FileSystem struct {
	dev   BlockReader
	a     *alloc.Alloc
	sb    Superblock
	bs    uint64
	cache map[string]Inode
	paths []string
}

// Mount reads the superblock of dev and builds the path cache.
func Mount(dev BlockReader, a *alloc.Alloc) (*FileSystem, error) {
	fs := &FileSystem{dev: dev, a: a}
	b := buf.MkBuf(a, common.SECTORSIZE)
	defer b.Free()
	if err := dev.Read(b.Addr, uint32(common.SECTORSIZE), SUPEROFF); err != nil {
		return nil, fmt.Errorf("read superblock: %w", err)
	}
	fs.sb = DecodeSuperblock(b.Bytes())
	if fs.sb.Magic != MAGIC {
		return nil, fmt.Errorf("%w: %#x", ErrBadMagic, fs.sb.Magic)
	}
	fs.bs = uint64(fs.sb.BlockSize)
	if fs.bs < MINBLOCK || fs.bs%common.SECTORSIZE != 0 || fs.sb.LogZoneSize != 0 {
		return nil, fmt.Errorf("%w: %d (log zone size %d)", ErrBadBlockSize,
			fs.bs, fs.sb.LogZoneSize)
	}
	util.DPrintf(1, "minixfs: %v\n", fs.sb)

	fs.cache = make(map[string]Inode)
	visited := make(map[common.Inum]bool)
	if err := fs.cacheTree("/", common.ROOTINUM, visited); err != nil {
		return nil, err
	}
	for p := range fs.cache {
		fs.paths = append(fs.paths, p)
	}
	sort.Strings(fs.paths)
	slog.Info("minixfs mounted", "files", len(fs.paths), "inodes", fs.sb.Ninodes,
		"blocksize", fs.bs)
	return fs, nil
}

func (fs *FileSystem) Superblock() Superblock {
	return fs.sb
}

func (fs *FileSystem) BlockSize() uint64 {
	return fs.bs
}

func (fs *FileSystem) cacheTree(cwd string, inum common.Inum, visited map[common.Inum]bool) error {
	visited[inum] = true
	dir, err := fs.GetInode(inum)
	if err != nil {
		return err
	}
	ents, err := fs.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read directory %s: %w", cwd, err)
	}
	for _, de := range ents {
		p := path.Join(cwd, de.Name)
		ino, err := fs.GetInode(de.Inum)
		if err != nil {
			slog.Warn("minixfs: skipping bad directory entry", "path", p,
				"inum", de.Inum, "err", err)
			continue
		}
		if ino.IsDir() {
			if visited[de.Inum] {
				slog.Warn("minixfs: directory cycle", "path", p)
				continue
			}
			if err := fs.cacheTree(p, de.Inum, visited); err != nil {
				return err
			}
		} else if ino.IsRegular() {
			fs.cache[p] = ino
		} else {
			util.DPrintf(3, "minixfs: %s mode %#o not cached\n", p, ino.Mode)
		}
	}
	return nil
}

// ReadDir returns the entries of dir, without "." and ".." and without free
// slots.
func (fs *FileSystem) ReadDir(dir Inode) ([]DirEntry, error) {
	if !dir.IsDir() {
		return nil, ErrNotDir
	}
	data := make([]byte, dir.Size)
	n, err := fs.Read(dir, data, 0)
	if err != nil {
		return nil, err
	}
	var ents []DirEntry
	for i := uint64(0); (i+1)*DIRENTSZ <= uint64(n); i++ {
		if i < DIRENTSTART {
			continue
		}
		de := DecodeDirEntry(data[i*DIRENTSZ:])
		if de.Inum == common.NULLINUM || de.Name == "" {
			continue
		}
		ents = append(ents, de)
	}
	return ents, nil
}

func (fs *FileSystem) inodeAddr(inum common.Inum) addr.Addr {
	ipb := fs.sb.InodesPerBlock()
	i := uint64(inum) - 1
	return addr.MkByteAddr(fs.sb.InodeStart()+i/ipb, (i%ipb)*INODESZ)
}

// GetInode reads inode inum from the inode table.
func (fs *FileSystem) GetInode(inum common.Inum) (Inode, error) {
	if inum == common.NULLINUM || uint64(inum) > uint64(fs.sb.Ninodes) {
		return Inode{}, fmt.Errorf("%w: %d", ErrBadInode, inum)
	}
	a := fs.inodeAddr(inum)
	b := buf.MkBuf(fs.a, fs.bs)
	defer b.Free()
	if err := fs.readBlock(b, a.Blkno); err != nil {
		return Inode{}, err
	}
	raw := make([]byte, INODESZ)
	b.CopyTo(raw, a.Off/8)
	return DecodeInode(raw, inum), nil
}

func (fs *FileSystem) readBlock(b *buf.Buf, blkno uint64) error {
	return fs.dev.Read(b.Addr, uint32(fs.bs), blkno*fs.bs)
}

// Lookup returns the cached inode of the regular file at path.
func (fs *FileSystem) Lookup(p string) (Inode, bool) {
	ino, ok := fs.cache[p]
	return ino, ok
}

// Paths lists every cached path in sorted order.
func (fs *FileSystem) Paths() []string {
	return append([]string(nil), fs.paths...)
}

// ReadFile reads the file at path into dst starting at offset. A path that
// is not cached reads nothing.
func (fs *FileSystem) ReadFile(p string, dst []byte, offset uint32) (uint32, error) {
	ino, ok := fs.cache[p]
	if !ok {
		slog.Warn("minixfs: file not found", "path", p)
		return 0, fmt.Errorf("%s: %w", p, ErrNotFound)
	}
	return fs.Read(ino, dst, offset)
}

// Write panics: the filesystem is read-only.
func (fs *FileSystem) Write(ino Inode, src []byte, offset uint32) (uint32, error) {
	panic("minixfs: write not supported")
}
