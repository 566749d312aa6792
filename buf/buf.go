// buf manages kernel scratch buffers carved out of the byte allocator
package buf

import (
	"github.com/Virtual-Machine/corrosion/alloc"
	"github.com/Virtual-Machine/corrosion/common"
	"github.com/Virtual-Machine/corrosion/util"
)

// A Buf is Sz bytes of physical memory at Addr, owned until Free.
type Buf struct {
	a    *alloc.Alloc
	Addr common.Paddr
	Sz   uint64
}

// MkBuf allocates a zeroed buffer of sz bytes. Running out of memory panics.
func MkBuf(a *alloc.Alloc, sz uint64) *Buf {
	b := &Buf{
		a:    a,
		Addr: a.MustAllocBytes(sz),
		Sz:   sz,
	}
	util.DPrintf(15, "MkBuf: %d bytes at %#x\n", sz, b.Addr)
	return b
}

func (buf *Buf) check(off, n uint64) {
	if util.SumOverflows(off, n) || off+n > buf.Sz {
		panic("buf: access past end of buffer")
	}
}

// Bytes returns a copy of the buffer contents.
func (buf *Buf) Bytes() []byte {
	b := make([]byte, buf.Sz)
	buf.a.Mem().Read(buf.Addr, b)
	return b
}

// CopyTo copies bytes starting at off into dst and returns how many were
// copied.
func (buf *Buf) CopyTo(dst []byte, off uint64) uint64 {
	if off >= buf.Sz {
		return 0
	}
	n := util.Min(uint64(len(dst)), buf.Sz-off)
	buf.a.Mem().Read(buf.Addr+off, dst[:n])
	return n
}

// Load overwrites the start of the buffer with src.
func (buf *Buf) Load(src []byte) {
	buf.check(0, uint64(len(src)))
	buf.a.Mem().Write(buf.Addr, src)
}

// Free returns the buffer to the byte allocator. The buffer must not be used
// afterwards.
func (buf *Buf) Free() {
	buf.a.FreeBytes(buf.Addr)
	buf.Addr = common.NULLADDR
	buf.Sz = 0
}
