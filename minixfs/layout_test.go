package minixfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInodeOffsets(t *testing.T) {
	assert := assert.New(t)
	ino := Inode{Mode: S_IFREG | 0644, Nlinks: 1, Size: 0x01020304}
	ino.Zones[0] = 0xaabbccdd
	ino.Zones[9] = 77
	b := ino.Encode()
	assert.Len(b, int(INODESZ))
	assert.Equal([]byte{0xa4, 0x81}, b[0:2], "mode")
	assert.Equal([]byte{4, 3, 2, 1}, b[8:12], "size")
	assert.Equal([]byte{0xdd, 0xcc, 0xbb, 0xaa}, b[24:28], "first zone")
	assert.Equal(byte(77), b[60], "triple-indirect zone")

	dec := DecodeInode(b, 5)
	ino.Inum = 5
	assert.Equal(ino, dec)
	assert.True(dec.IsRegular())
	assert.False(dec.IsDir())
}

func TestDirectoryModeMask(t *testing.T) {
	assert := assert.New(t)
	assert.True(Inode{Mode: S_IFDIR | 0755}.IsDir())
	// a socket shares the directory bit but is not a directory
	assert.False(Inode{Mode: S_IFSOCK | 0755}.IsDir())
	assert.False(Inode{Mode: S_IFBLK}.IsDir())
}

func TestDirEntry(t *testing.T) {
	assert := assert.New(t)
	b := DirEntry{Inum: 12, Name: "hello.txt"}.Encode()
	assert.Len(b, int(DIRENTSZ))
	assert.Equal(byte(12), b[0])
	assert.Equal(byte('h'), b[4])
	de := DecodeDirEntry(b)
	assert.Equal(DirEntry{Inum: 12, Name: "hello.txt"}, de)

	long := make([]byte, NAMELEN)
	for i := range long {
		long[i] = 'x'
	}
	de = DecodeDirEntry(DirEntry{Inum: 1, Name: string(long)}.Encode())
	assert.Equal(string(long), de.Name, "names may fill the field")
}

func TestSuperblockOffsets(t *testing.T) {
	assert := assert.New(t)
	sb := Superblock{Ninodes: 64, ImapBlocks: 1, ZmapBlocks: 2, FirstDataZone: 9,
		Zones: 1024, Magic: MAGIC, BlockSize: 1024}
	b := sb.Encode()
	assert.Equal([]byte{0x5a, 0x4d}, b[24:26])
	assert.Equal([]byte{0x00, 0x04}, b[28:30])
	assert.Equal(byte(2), b[8])
	assert.Equal(uint64(5), sb.InodeStart())
	assert.Equal(uint64(16), sb.InodesPerBlock())
	assert.Equal(sb, DecodeSuperblock(b))
}
