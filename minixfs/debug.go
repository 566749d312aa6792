package minixfs

import (
	"fmt"
	"io"
	"math/bits"

	"github.com/dustin/go-humanize"

	"github.com/Virtual-Machine/corrosion/addr"
	"github.com/Virtual-Machine/corrosion/buf"
)

// Usage summarizes the inode and zone bitmaps.
type Usage struct {
	InodesUsed     uint64
	InodesTotal    uint64
	FirstFreeInode uint64 // 0 if none
	ZonesUsed      uint64
	ZonesTotal     uint64
	FirstFreeZone  uint64 // bitmap index; 0 if none
}

// bitmap reads the first nbits bits of the bitmap in blocks
// [start, start+nblocks) and returns how many are set and the first clear
// one. Bit 0 is reserved.
func (fs *FileSystem) bitmap(start uint64, nblocks uint64, nbits uint64) (uint64, uint64, error) {
	b := buf.MkBuf(fs.a, fs.bs)
	defer b.Free()
	var used, free uint64
	for rel := uint64(0); rel < nblocks; rel++ {
		if addr.MkAddr(rel, 0).Flatid(fs.bs) >= nbits {
			break
		}
		if err := fs.readBlock(b, start+rel); err != nil {
			return 0, 0, err
		}
		for i, v := range b.Bytes() {
			bit := addr.MkByteAddr(rel, uint64(i)).Flatid(fs.bs)
			if bit >= nbits {
				break
			}
			if nbits-bit < 8 {
				v &= byte(1)<<(nbits-bit) - 1
			}
			used += uint64(bits.OnesCount8(v))
			for j := uint64(0); free == 0 && j < 8 && bit+j < nbits; j++ {
				if v&(1<<j) == 0 && bit+j != 0 {
					free = bit + j
				}
			}
		}
	}
	return used, free, nil
}

func (fs *FileSystem) Usage() (Usage, error) {
	sb := fs.sb
	u := Usage{
		InodesTotal: uint64(sb.Ninodes),
		ZonesTotal:  uint64(sb.Zones) - uint64(sb.FirstDataZone),
	}
	var err error
	u.InodesUsed, u.FirstFreeInode, err = fs.bitmap(2, uint64(sb.ImapBlocks),
		u.InodesTotal+1)
	if err != nil {
		return Usage{}, err
	}
	u.ZonesUsed, u.FirstFreeZone, err = fs.bitmap(2+uint64(sb.ImapBlocks),
		uint64(sb.ZmapBlocks), u.ZonesTotal+1)
	if err != nil {
		return Usage{}, err
	}
	// bit 0 of each map is reserved and always set
	if u.InodesUsed > 0 {
		u.InodesUsed--
	}
	if u.ZonesUsed > 0 {
		u.ZonesUsed--
	}
	return u, nil
}

// Dump prints the superblock and the path cache.
func (fs *FileSystem) Dump(w io.Writer) {
	sb := fs.sb
	fmt.Fprintf(w, "Minix v3 filesystem\n")
	fmt.Fprintf(w, "- inodes:     %d (%d map blocks)\n", sb.Ninodes, sb.ImapBlocks)
	fmt.Fprintf(w, "- zones:      %d (%d map blocks, data from %d)\n", sb.Zones,
		sb.ZmapBlocks, sb.FirstDataZone)
	fmt.Fprintf(w, "- block size: %s\n", humanize.IBytes(fs.bs))
	fmt.Fprintf(w, "- capacity:   %s\n", humanize.IBytes(uint64(sb.Zones)*fs.bs))
	fmt.Fprintf(w, "\nPath cache\n")
	fmt.Fprintf(w, "----------------------------------------------\n")
	for _, p := range fs.paths {
		ino := fs.cache[p]
		fmt.Fprintf(w, "%6d  %06o  %10s  %s\n", ino.Inum, ino.Mode,
			humanize.IBytes(uint64(ino.Size)), p)
	}
	fmt.Fprintf(w, "----------------------------------------------\n")
	fmt.Fprintf(w, "%d files\n", len(fs.paths))
}
