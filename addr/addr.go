package addr

// Addr identifies the start of an on-disk object.
//
// Blkno is the filesystem block containing the object, and Off is the
// location of the object within the block (expressed as a bit offset). The
// size of the object is determined by the context in which Addr is used.
type Addr struct {
	Blkno uint64
	Off   uint64 // offset in bits
}

// Flatid is the object's absolute bit position on a disk with blocks of bsz
// bytes.
func (a Addr) Flatid(bsz uint64) uint64 {
	return a.Blkno*(bsz*8) + a.Off
}

// ByteOffset is the object's absolute byte position on the disk.
func (a Addr) ByteOffset(bsz uint64) uint64 {
	return a.Blkno*bsz + a.Off/8
}

func MkAddr(blkno uint64, off uint64) Addr {
	return Addr{Blkno: blkno, Off: off}
}

// MkByteAddr addresses the byte at off within block blkno.
func MkByteAddr(blkno uint64, off uint64) Addr {
	return MkAddr(blkno, off*8)
}

// MkBitAddr addresses bit n of a bitmap that starts at block start.
func MkBitAddr(start uint64, n uint64, bsz uint64) Addr {
	nbitblock := bsz * 8
	bit := n % nbitblock
	i := n / nbitblock
	return MkAddr(start+i, bit)
}
