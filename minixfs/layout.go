package minixfs

import (
	"bytes"
	"fmt"

	"github.com/tchajed/marshal"

	"github.com/Virtual-Machine/corrosion/common"
)

const (
	MAGIC     uint16 = 0x4d5a // V3
	SUPEROFF  uint64 = 1024   // byte offset of the superblock
	SUPERSZ   uint64 = 32
	MINBLOCK  uint64 = 1024
	INODESZ   uint64 = 64
	DIRENTSZ  uint64 = 64
	NAMELEN   uint64 = 60
	ZONESZ    uint64 = 4
	NDIRECT   uint64 = 7
	NZONES    uint64 = 10
	INDIRECT  uint64 = 7
	DINDIRECT uint64 = 8
	TINDIRECT uint64 = 9

	// dirents before this index are "." and ".."
	DIRENTSTART uint64 = 2
)

// Mode bits.
const (
	S_IFMT   uint16 = 0170000
	S_IFSOCK uint16 = 0140000
	S_IFLNK  uint16 = 0120000
	S_IFREG  uint16 = 0100000
	S_IFBLK  uint16 = 0060000
	S_IFDIR  uint16 = 0040000
	S_IFCHR  uint16 = 0020000
	S_IFIFO  uint16 = 0010000
)

type Superblock struct {
	Ninodes       uint32
	ImapBlocks    uint16
	ZmapBlocks    uint16
	FirstDataZone uint16
	LogZoneSize   uint16
	MaxSize       uint32
	Zones         uint32
	Magic         uint16
	BlockSize     uint16
	DiskVersion   uint8
}

func DecodeSuperblock(b []byte) Superblock {
	dec := marshal.NewDec(b[:SUPERSZ])
	w := dec.GetInts(4)
	return Superblock{
		Ninodes:       uint32(w[0]),
		ImapBlocks:    uint16(w[0] >> 48),
		ZmapBlocks:    uint16(w[1]),
		FirstDataZone: uint16(w[1] >> 16),
		LogZoneSize:   uint16(w[1] >> 32),
		MaxSize:       uint32(w[2]),
		Zones:         uint32(w[2] >> 32),
		Magic:         uint16(w[3]),
		BlockSize:     uint16(w[3] >> 32),
		DiskVersion:   uint8(w[3] >> 48),
	}
}

func (sb Superblock) Encode() []byte {
	enc := marshal.NewEnc(SUPERSZ)
	enc.PutInts([]uint64{
		uint64(sb.Ninodes) | uint64(sb.ImapBlocks)<<48,
		uint64(sb.ZmapBlocks) | uint64(sb.FirstDataZone)<<16 |
			uint64(sb.LogZoneSize)<<32,
		uint64(sb.MaxSize) | uint64(sb.Zones)<<32,
		uint64(sb.Magic) | uint64(sb.BlockSize)<<32 | uint64(sb.DiskVersion)<<48,
	})
	return enc.Finish()
}

// InodesPerBlock is how many inodes fit in one filesystem block.
func (sb Superblock) InodesPerBlock() uint64 {
	return uint64(sb.BlockSize) / INODESZ
}

// InodeStart is the first block of the inode table.
func (sb Superblock) InodeStart() uint64 {
	return 2 + uint64(sb.ImapBlocks) + uint64(sb.ZmapBlocks)
}

func (sb Superblock) String() string {
	return fmt.Sprintf("ninodes %d imap %d zmap %d firstdata %d zones %d bs %d",
		sb.Ninodes, sb.ImapBlocks, sb.ZmapBlocks, sb.FirstDataZone, sb.Zones,
		sb.BlockSize)
}

type Inode struct {
	Inum   common.Inum // not on disk
	Mode   uint16
	Nlinks uint16
	Uid    uint16
	Gid    uint16
	Size   uint32
	Atime  uint32
	Mtime  uint32
	Ctime  uint32
	Zones  [NZONES]common.Zone
}

func DecodeInode(b []byte, inum common.Inum) Inode {
	dec := marshal.NewDec(b[:INODESZ])
	w := dec.GetInts(3)
	ino := Inode{
		Inum:   inum,
		Mode:   uint16(w[0]),
		Nlinks: uint16(w[0] >> 16),
		Uid:    uint16(w[0] >> 32),
		Gid:    uint16(w[0] >> 48),
		Size:   uint32(w[1]),
		Atime:  uint32(w[1] >> 32),
		Mtime:  uint32(w[2]),
		Ctime:  uint32(w[2] >> 32),
	}
	zs := DecodeZones(b[24:INODESZ])
	copy(ino.Zones[:], zs)
	return ino
}

func (ino Inode) Encode() []byte {
	enc := marshal.NewEnc(INODESZ)
	enc.PutInts([]uint64{
		uint64(ino.Mode) | uint64(ino.Nlinks)<<16 | uint64(ino.Uid)<<32 |
			uint64(ino.Gid)<<48,
		uint64(ino.Size) | uint64(ino.Atime)<<32,
		uint64(ino.Mtime) | uint64(ino.Ctime)<<32,
	})
	b := enc.Finish()
	return append(b[:24], EncodeZones(ino.Zones[:])...)
}

func (ino Inode) Type() uint16 {
	return ino.Mode & S_IFMT
}

func (ino Inode) IsDir() bool {
	return ino.Type() == S_IFDIR
}

func (ino Inode) IsRegular() bool {
	return ino.Type() == S_IFREG
}

// DecodeZones decodes little-endian 32-bit zone numbers. len(b) must be a
// multiple of 8.
func DecodeZones(b []byte) []common.Zone {
	n := uint64(len(b)) / 8
	dec := marshal.NewDec(b)
	words := dec.GetInts(n)
	zs := make([]common.Zone, 0, 2*n)
	for _, w := range words {
		zs = append(zs, common.Zone(w), common.Zone(w>>32))
	}
	return zs
}

// EncodeZones is the inverse of DecodeZones; an odd trailing zone is padded
// with zero.
func EncodeZones(zs []common.Zone) []byte {
	n := (uint64(len(zs)) + 1) / 2
	words := make([]uint64, n)
	for i, z := range zs {
		words[i/2] |= uint64(z) << (32 * uint64(i%2))
	}
	enc := marshal.NewEnc(n * 8)
	enc.PutInts(words)
	return enc.Finish()
}

type DirEntry struct {
	Inum common.Inum
	Name string
}

func DecodeDirEntry(b []byte) DirEntry {
	dec := marshal.NewDec(b[:8])
	w := dec.GetInt()
	name := b[ZONESZ:DIRENTSZ]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	return DirEntry{Inum: common.Inum(uint32(w)), Name: string(name)}
}

func (de DirEntry) Encode() []byte {
	if uint64(len(de.Name)) > NAMELEN {
		panic(fmt.Errorf("dirent name %q too long", de.Name))
	}
	b := make([]byte, DIRENTSZ)
	enc := marshal.NewEnc(8)
	enc.PutInt(uint64(de.Inum))
	copy(b, enc.Finish()[:ZONESZ])
	copy(b[ZONESZ:], de.Name)
	return b
}
