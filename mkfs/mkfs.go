// Package mkfs builds Minix v3 filesystem images in memory.
package mkfs

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/tchajed/goose/machine/disk"

	"github.com/Virtual-Machine/corrosion/addr"
	"github.com/Virtual-Machine/corrosion/common"
	"github.com/Virtual-Machine/corrosion/minixfs"
	"github.com/Virtual-Machine/corrosion/util"
)

var (
	ErrNoSpace  = errors.New("image full")
	ErrNoInodes = errors.New("out of inodes")
	ErrExists   = errors.New("path exists")
	ErrNoParent = errors.New("parent directory missing")
	ErrFinished = errors.New("image already finished")
	ErrTooLarge = errors.New("file too large")
)

const (
	DirMode  = minixfs.S_IFDIR | 0755
	FileMode = minixfs.S_IFREG | 0644
)

// Slot names a zone pointer. Tree is 0 for the inode's direct zones and the
// indirection depth (1..3) for the indirect trees. Path holds the index at
// each level, starting below the inode; it is empty for the root pointer of
// an indirect tree.
type Slot struct {
	Tree uint64
	Path []uint64
}

// HoleFunc reports whether the pointer at s is left as a hole.
type HoleFunc func(s Slot) bool

func noHoles(Slot) bool { return false }

type Image struct {
	bs         uint64
	nblocks    uint64
	ninodes    uint64
	imapBlocks uint64
	zmapBlocks uint64
	firstData  uint64
	data       []byte

	nextInum common.Inum
	nextZone uint64
	inodes   map[common.Inum]*minixfs.Inode
	dirs     map[string]common.Inum
	ents     map[common.Inum][]minixfs.DirEntry
	finished bool
}

// New lays out an empty image of nblocks 1024-byte blocks with room for
// ninodes inodes. The root directory is inode 1.
func New(nblocks uint64, ninodes uint64) *Image {
	return NewWithBlockSize(minixfs.MINBLOCK, nblocks, ninodes)
}

func NewWithBlockSize(bs uint64, nblocks uint64, ninodes uint64) *Image {
	if bs < minixfs.MINBLOCK || bs%common.SECTORSIZE != 0 {
		panic(fmt.Errorf("mkfs: bad block size %d", bs))
	}
	bitsPerBlock := bs * 8
	im := &Image{
		bs:         bs,
		nblocks:    nblocks,
		ninodes:    ninodes,
		imapBlocks: util.RoundUp(ninodes+1, bitsPerBlock),
		inodes:     make(map[common.Inum]*minixfs.Inode),
		dirs:       make(map[string]common.Inum),
		ents:       make(map[common.Inum][]minixfs.DirEntry),
		nextInum:   common.ROOTINUM,
	}
	itable := util.RoundUp(ninodes, bs/minixfs.INODESZ)
	meta := 2 + im.imapBlocks + itable
	if meta >= nblocks {
		panic("mkfs: image too small for metadata")
	}
	im.zmapBlocks = util.RoundUp(nblocks-meta+1, bitsPerBlock)
	im.firstData = meta + im.zmapBlocks
	if im.firstData >= nblocks {
		panic("mkfs: image too small for data")
	}
	im.nextZone = im.firstData
	im.data = make([]byte, nblocks*bs)

	root, err := im.allocInode(DirMode)
	if err != nil {
		panic(err)
	}
	im.dirs["/"] = root.Inum
	im.ents[root.Inum] = []minixfs.DirEntry{
		{Inum: root.Inum, Name: "."},
		{Inum: root.Inum, Name: ".."},
	}
	root.Nlinks = 2
	return im
}

func (im *Image) BlockSize() uint64 {
	return im.bs
}

func (im *Image) Superblock() minixfs.Superblock {
	return minixfs.Superblock{
		Ninodes:       uint32(im.ninodes),
		ImapBlocks:    uint16(im.imapBlocks),
		ZmapBlocks:    uint16(im.zmapBlocks),
		FirstDataZone: uint16(im.firstData),
		MaxSize:       0x7fffffff,
		Zones:         uint32(im.nblocks),
		Magic:         minixfs.MAGIC,
		BlockSize:     uint16(im.bs),
	}
}

func (im *Image) setBit(start uint64, n uint64) {
	a := addr.MkBitAddr(start, n, im.bs)
	im.data[a.ByteOffset(im.bs)] |= 1 << (a.Off % 8)
}

func (im *Image) allocInode(mode uint16) (*minixfs.Inode, error) {
	if uint64(im.nextInum) > im.ninodes {
		return nil, ErrNoInodes
	}
	ino := &minixfs.Inode{Inum: im.nextInum, Mode: mode, Nlinks: 1}
	im.inodes[ino.Inum] = ino
	im.setBit(2, uint64(ino.Inum))
	im.nextInum++
	return ino, nil
}

func (im *Image) allocZone() (common.Zone, error) {
	if im.nextZone >= im.nblocks {
		return common.NULLZONE, ErrNoSpace
	}
	z := im.nextZone
	im.nextZone++
	im.setBit(2+im.imapBlocks, z-im.firstData+1)
	return common.Zone(z), nil
}

func (im *Image) block(z common.Zone) []byte {
	return im.data[uint64(z)*im.bs : (uint64(z)+1)*im.bs]
}

// parent resolves the directory that will hold p and returns it with the
// entry name.
func (im *Image) parent(p string) (common.Inum, string, error) {
	if im.finished {
		return 0, "", ErrFinished
	}
	p = path.Clean("/" + p)
	if p == "/" {
		return 0, "", ErrExists
	}
	dir, name := path.Split(p)
	dir = path.Clean(dir)
	dinum, ok := im.dirs[dir]
	if !ok {
		return 0, "", fmt.Errorf("%s: %w", dir, ErrNoParent)
	}
	if uint64(len(name)) > minixfs.NAMELEN {
		return 0, "", fmt.Errorf("name %q longer than %d bytes", name, minixfs.NAMELEN)
	}
	for _, de := range im.ents[dinum] {
		if de.Name == name {
			return 0, "", fmt.Errorf("%s: %w", p, ErrExists)
		}
	}
	return dinum, name, nil
}

func (im *Image) link(dir common.Inum, name string, inum common.Inum) {
	im.ents[dir] = append(im.ents[dir], minixfs.DirEntry{Inum: inum, Name: name})
}

func (im *Image) Mkdir(p string) (common.Inum, error) {
	dinum, name, err := im.parent(p)
	if err != nil {
		return 0, err
	}
	ino, err := im.allocInode(DirMode)
	if err != nil {
		return 0, err
	}
	ino.Nlinks = 2
	im.inodes[dinum].Nlinks++
	im.link(dinum, name, ino.Inum)
	im.ents[ino.Inum] = []minixfs.DirEntry{
		{Inum: ino.Inum, Name: "."},
		{Inum: dinum, Name: ".."},
	}
	im.dirs[path.Clean("/"+p)] = ino.Inum
	return ino.Inum, nil
}

// MkdirAll creates p and any missing parents.
func (im *Image) MkdirAll(p string) error {
	p = path.Clean("/" + p)
	if _, ok := im.dirs[p]; ok {
		return nil
	}
	if err := im.MkdirAll(path.Dir(p)); err != nil {
		return err
	}
	_, err := im.Mkdir(p)
	return err
}

func (im *Image) WriteFile(p string, data []byte) (common.Inum, error) {
	var blocks [][]byte
	for off := uint64(0); off < uint64(len(data)); off += im.bs {
		end := util.Min(off+im.bs, uint64(len(data)))
		blocks = append(blocks, data[off:end])
	}
	return im.WriteSparse(p, blocks, uint64(len(data)), noHoles)
}

// WriteSparse creates a regular file of the given size whose data blocks,
// in traversal order, are blocks. Pointers for which hole reports true are
// left zero and the next block goes to the following pointer.
func (im *Image) WriteSparse(p string, blocks [][]byte, size uint64, hole HoleFunc) (common.Inum, error) {
	if size > 0x7fffffff {
		return 0, ErrTooLarge
	}
	dinum, name, err := im.parent(p)
	if err != nil {
		return 0, err
	}
	ino, err := im.allocInode(FileMode)
	if err != nil {
		return 0, err
	}
	ino.Size = uint32(size)
	if err := im.place(ino, blocks, hole); err != nil {
		return 0, err
	}
	im.link(dinum, name, ino.Inum)
	return ino.Inum, nil
}

// AddSpecial creates an inode with an arbitrary mode and no data.
func (im *Image) AddSpecial(p string, mode uint16) (common.Inum, error) {
	dinum, name, err := im.parent(p)
	if err != nil {
		return 0, err
	}
	ino, err := im.allocInode(mode)
	if err != nil {
		return 0, err
	}
	im.link(dinum, name, ino.Inum)
	return ino.Inum, nil
}

// Link adds a second name for the file at target.
func (im *Image) Link(p string, target common.Inum) error {
	dinum, name, err := im.parent(p)
	if err != nil {
		return err
	}
	ino, ok := im.inodes[target]
	if !ok || ino.IsDir() {
		return fmt.Errorf("link to inode %d: not a file", target)
	}
	ino.Nlinks++
	im.link(dinum, name, target)
	return nil
}

type placer struct {
	im   *Image
	rem  [][]byte
	hole HoleFunc
}

func (pl *placer) data() (common.Zone, error) {
	z, err := pl.im.allocZone()
	if err != nil {
		return 0, err
	}
	copy(pl.im.block(z), pl.rem[0])
	pl.rem = pl.rem[1:]
	return z, nil
}

func (pl *placer) tree(tree uint64, depth uint64, p []uint64) (common.Zone, error) {
	z, err := pl.im.allocZone()
	if err != nil {
		return 0, err
	}
	nptr := pl.im.bs / minixfs.ZONESZ
	zones := make([]common.Zone, nptr)
	for i := uint64(0); i < nptr && len(pl.rem) > 0; i++ {
		sub := append(append([]uint64(nil), p...), i)
		if pl.hole(Slot{Tree: tree, Path: sub}) {
			continue
		}
		if depth == 1 {
			zones[i], err = pl.data()
		} else {
			zones[i], err = pl.tree(tree, depth-1, sub)
		}
		if err != nil {
			return 0, err
		}
	}
	copy(pl.im.block(z), minixfs.EncodeZones(zones))
	return z, nil
}

func (im *Image) place(ino *minixfs.Inode, blocks [][]byte, hole HoleFunc) error {
	for _, b := range blocks {
		if uint64(len(b)) > im.bs {
			return fmt.Errorf("block of %d bytes: %w", len(b), ErrTooLarge)
		}
	}
	pl := &placer{im: im, rem: blocks, hole: hole}
	var err error
	for i := uint64(0); i < minixfs.NDIRECT && len(pl.rem) > 0; i++ {
		if hole(Slot{Tree: 0, Path: []uint64{i}}) {
			continue
		}
		if ino.Zones[i], err = pl.data(); err != nil {
			return err
		}
	}
	for depth := uint64(1); depth <= 3 && len(pl.rem) > 0; depth++ {
		if hole(Slot{Tree: depth}) {
			continue
		}
		z, err := pl.tree(depth, depth, nil)
		if err != nil {
			return err
		}
		ino.Zones[minixfs.INDIRECT+depth-1] = z
	}
	if len(pl.rem) > 0 {
		return ErrTooLarge
	}
	return nil
}

// Finish writes directories, the inode table, the bitmaps and the
// superblock. The image cannot be changed afterwards.
func (im *Image) Finish() error {
	if im.finished {
		return ErrFinished
	}
	inums := make([]common.Inum, 0, len(im.ents))
	for inum := range im.ents {
		inums = append(inums, inum)
	}
	sort.Slice(inums, func(i, j int) bool { return inums[i] < inums[j] })
	for _, inum := range inums {
		var data []byte
		for _, de := range im.ents[inum] {
			data = append(data, de.Encode()...)
		}
		ino := im.inodes[inum]
		ino.Size = uint32(len(data))
		var blocks [][]byte
		for off := uint64(0); off < uint64(len(data)); off += im.bs {
			blocks = append(blocks, data[off:util.Min(off+im.bs, uint64(len(data)))])
		}
		if err := im.place(ino, blocks, noHoles); err != nil {
			return err
		}
	}

	sb := im.Superblock()
	ipb := sb.InodesPerBlock()
	for inum, ino := range im.inodes {
		i := uint64(inum) - 1
		a := addr.MkByteAddr(sb.InodeStart()+i/ipb, (i%ipb)*minixfs.INODESZ)
		copy(im.data[a.ByteOffset(im.bs):], ino.Encode())
	}
	im.setBit(2, 0)
	im.setBit(2+im.imapBlocks, 0)
	copy(im.data[minixfs.SUPEROFF:], sb.Encode())
	im.finished = true
	return nil
}

// Used is how many blocks hold metadata or data.
func (im *Image) Used() uint64 {
	return im.nextZone
}

func (im *Image) Bytes() []byte {
	return im.data
}

func (im *Image) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(im.data)
	return int64(n), err
}

// MemDisk copies the image onto an in-memory disk and returns it with its
// size in disk.BlockSize blocks.
func (im *Image) MemDisk() (disk.Disk, uint64) {
	n := util.RoundUp(uint64(len(im.data)), disk.BlockSize)
	d := disk.NewMemDisk(n)
	for i := uint64(0); i < n; i++ {
		blk := make([]byte, disk.BlockSize)
		copy(blk, im.data[i*disk.BlockSize:])
		d.Write(i, blk)
	}
	return d, n
}

// Dirs lists the directories of the image, sorted.
func (im *Image) Dirs() []string {
	var ds []string
	for d := range im.dirs {
		ds = append(ds, d)
	}
	sort.Strings(ds)
	return ds
}

// AddHostDir copies the regular files and directories under root on the
// host into the image, keeping their relative paths.
func (im *Image) AddHostDir(root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		name := "/" + filepath.ToSlash(rel)
		switch {
		case d.IsDir():
			return im.MkdirAll(name)
		case d.Type().IsRegular():
			data, err := os.ReadFile(p)
			if err != nil {
				return err
			}
			if _, err := im.WriteFile(name, data); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
		default:
			util.DPrintf(1, "mkfs: skipping %s\n", p)
		}
		return nil
	})
}
