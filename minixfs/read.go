package minixfs

import (
	"github.com/Virtual-Machine/corrosion/buf"
	"github.com/Virtual-Machine/corrosion/common"
	"github.com/Virtual-Machine/corrosion/util"
)

// cursor tracks one Read. Blocks are counted in traversal order, skipping
// holes; data is copied once the count reaches start.
type cursor struct {
	dst   []byte
	read  uint64
	left  uint64
	seen  uint64
	start uint64 // first block to copy
	intra uint64 // byte offset into the first copied block

	data  *buf.Buf
	index [3]*buf.Buf // one scratch block per indirection level
}

func (fs *FileSystem) mkCursor(dst []byte, size uint64, offset uint64) *cursor {
	c := &cursor{
		dst:   dst,
		left:  size,
		start: offset / fs.bs,
		intra: offset % fs.bs,
		data:  buf.MkBuf(fs.a, fs.bs),
	}
	for i := range c.index {
		c.index[i] = buf.MkBuf(fs.a, fs.bs)
	}
	return c
}

func (c *cursor) free() {
	c.data.Free()
	for _, b := range c.index {
		b.Free()
	}
}

func (c *cursor) done() bool {
	return c.left == 0
}

// visit counts data zone z and copies from it if the cursor has reached the
// starting block.
func (fs *FileSystem) visit(c *cursor, z common.Zone) error {
	if c.seen >= c.start {
		if err := fs.readBlock(c.data, uint64(z)); err != nil {
			return err
		}
		n := util.Min(c.left, fs.bs-c.intra)
		c.data.CopyTo(c.dst[c.read:c.read+n], c.intra)
		c.read += n
		c.left -= n
		c.intra = 0
	}
	c.seen++
	return nil
}

type frame struct {
	depth uint64 // levels of indirection below this index block
	zones []common.Zone
	pos   uint64
}

// walk visits the data zones under the index block z, which has the given
// depth (1 for single-indirect). The tree is walked with an explicit stack.
func (fs *FileSystem) walk(c *cursor, z common.Zone, depth uint64) error {
	load := func(z common.Zone, depth uint64) (frame, error) {
		b := c.index[3-depth]
		if err := fs.readBlock(b, uint64(z)); err != nil {
			return frame{}, err
		}
		return frame{depth: depth, zones: DecodeZones(b.Bytes())}, nil
	}

	f, err := load(z, depth)
	if err != nil {
		return err
	}
	stack := []frame{f}
	for len(stack) > 0 && !c.done() {
		top := &stack[len(stack)-1]
		if top.pos == uint64(len(top.zones)) {
			stack = stack[:len(stack)-1]
			continue
		}
		z := top.zones[top.pos]
		top.pos++
		if z == common.NULLZONE {
			continue
		}
		if top.depth == 1 {
			if err := fs.visit(c, z); err != nil {
				return err
			}
			continue
		}
		f, err := load(z, top.depth-1)
		if err != nil {
			return err
		}
		stack = append(stack, f)
	}
	return nil
}

// Read copies up to len(dst) bytes of ino starting at offset into dst and
// returns the number of bytes copied. Reads are clamped to the file size.
func (fs *FileSystem) Read(ino Inode, dst []byte, offset uint32) (uint32, error) {
	if offset >= ino.Size {
		return 0, nil
	}
	size := util.Min(uint64(len(dst)), uint64(ino.Size-offset))
	if size == 0 {
		return 0, nil
	}
	c := fs.mkCursor(dst, size, uint64(offset))
	defer c.free()

	for i := uint64(0); i < NDIRECT && !c.done(); i++ {
		if ino.Zones[i] == common.NULLZONE {
			continue
		}
		if err := fs.visit(c, ino.Zones[i]); err != nil {
			return uint32(c.read), err
		}
	}
	for depth := uint64(1); depth <= 3 && !c.done(); depth++ {
		z := ino.Zones[INDIRECT+depth-1]
		if z == common.NULLZONE {
			continue
		}
		if err := fs.walk(c, z, depth); err != nil {
			return uint32(c.read), err
		}
	}
	util.DPrintf(10, "minixfs: read inode %d off %d: %d bytes\n", ino.Inum,
		offset, c.read)
	return uint32(c.read), nil
}
