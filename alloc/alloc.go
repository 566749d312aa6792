// Package alloc manages all physical memory past the heap start.
//
// The heap begins with one page record (a flag byte) per page, followed by
// the allocatable pages themselves, starting at the first page boundary after
// the records. Pages are handed out in contiguous runs by a first-fit scan.
//
// A byte-grain pool is carved out of BYTEPOOLPAGES pages at init. Every chunk
// in the pool starts with an 8-byte header holding the chunk size (header
// included) and a taken bit; the chunks tile the pool, so the next chunk is
// always at this + size.
package alloc

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/tchajed/marshal"

	"github.com/Virtual-Machine/corrosion/common"
	"github.com/Virtual-Machine/corrosion/phys"
	"github.com/Virtual-Machine/corrosion/util"
)

const (
	BYTEPOOLPAGES uint64 = 512
	HDRSZ         uint64 = 8
	ALIGN         uint64 = 8

	chunkTaken uint64 = 1 << 63

	pageEmpty byte = 0
	pageTaken byte = 1
	pageLast  byte = 2
)

// Alloc is the page and byte allocator for one heap.
type Alloc struct {
	lock      *sync.Mutex // protects page records and the chunk list
	mem       *phys.Memory
	heapStart common.Paddr
	heapSize  uint64
	start     common.Paddr // first allocatable page
	npages    uint64
	pool      common.Paddr
	poolSize  uint64
}

// MkAlloc formats the heap [heapStart, heapStart+heapSize) and carves out the
// byte pool.
func MkAlloc(mem *phys.Memory, heapStart common.Paddr, heapSize uint64) *Alloc {
	if !mem.Contains(heapStart, heapSize) {
		panic(fmt.Errorf("MkAlloc: heap [%#x, %#x) outside memory",
			heapStart, heapStart+heapSize))
	}
	nrec := heapSize / common.PAGESIZE
	start := util.AlignUp(heapStart+nrec, common.PAGESIZE)
	end := heapStart + heapSize
	var npages uint64
	if start < end {
		npages = (end - start) / common.PAGESIZE
	}
	a := &Alloc{
		lock:      new(sync.Mutex),
		mem:       mem,
		heapStart: heapStart,
		heapSize:  heapSize,
		start:     start,
		npages:    npages,
	}
	mem.Zero(heapStart, nrec)
	util.DPrintf(1, "MkAlloc: %d records at %#x, %d pages at %#x\n",
		nrec, heapStart, npages, start)

	a.poolSize = BYTEPOOLPAGES * common.PAGESIZE
	a.pool = a.AllocPagesZeroed(BYTEPOOLPAGES)
	if a.pool == common.NULLADDR {
		panic("MkAlloc: heap too small for byte pool")
	}
	a.putHdr(a.pool, mkHdr(a.poolSize, false))
	return a
}

func (a *Alloc) Mem() *phys.Memory {
	return a.mem
}

// PoolSize is the total size of the byte pool, headers included.
func (a *Alloc) PoolSize() uint64 {
	return a.poolSize
}

//
// Page grain
//

func (a *Alloc) records() []byte {
	recs := make([]byte, a.npages)
	a.mem.Read(a.heapStart, recs)
	return recs
}

func (a *Alloc) pageAddr(i uint64) common.Paddr {
	return a.start + i*common.PAGESIZE
}

// findRun returns the index of the first run of n free records.
func findRun(recs []byte, n uint64) (uint64, bool) {
	total := uint64(len(recs))
	if n > total {
		return 0, false
	}
	var i uint64
	for i <= total-n {
		found := true
		for j := i; j < i+n; j++ {
			if recs[j]&pageTaken != 0 {
				found = false
				i = j
				break
			}
		}
		if found {
			return i, true
		}
		i++
	}
	return 0, false
}

// AllocPages returns the base of n contiguous free pages, or NULLADDR if no
// such run exists.
func (a *Alloc) AllocPages(n uint64) common.Paddr {
	if n == 0 {
		panic("AllocPages: zero pages")
	}
	a.lock.Lock()
	defer a.lock.Unlock()

	recs := a.records()
	i, ok := findRun(recs, n)
	if !ok {
		util.DPrintf(5, "AllocPages: no run of %d pages\n", n)
		return common.NULLADDR
	}
	for k := i; k < i+n; k++ {
		recs[k] = pageTaken
	}
	recs[i+n-1] |= pageLast
	a.mem.Write(a.heapStart+i, recs[i:i+n])
	util.DPrintf(5, "AllocPages: %d pages at %#x\n", n, a.pageAddr(i))
	return a.pageAddr(i)
}

func (a *Alloc) AllocPagesZeroed(n uint64) common.Paddr {
	p := a.AllocPages(n)
	if p != common.NULLADDR {
		a.mem.Zero(p, n*common.PAGESIZE)
	}
	return p
}

// pageFlags returns the record of the page holding p.
func (a *Alloc) pageFlags(p common.Paddr) byte {
	if p < a.start || p >= a.pageAddr(a.npages) {
		panic("pageFlags: address outside heap")
	}
	return a.mem.Read8(a.heapStart + (p-a.start)/common.PAGESIZE)
}

//
// Byte grain
//

type hdr uint64

func mkHdr(size uint64, taken bool) hdr {
	h := hdr(size &^ chunkTaken)
	if taken {
		h |= hdr(chunkTaken)
	}
	return h
}

func (h hdr) size() uint64 {
	return uint64(h) &^ chunkTaken
}

func (h hdr) taken() bool {
	return uint64(h)&chunkTaken != 0
}

func (a *Alloc) getHdr(p common.Paddr) hdr {
	b := make([]byte, HDRSZ)
	a.mem.Read(p, b)
	dec := marshal.NewDec(b)
	return hdr(dec.GetInt())
}

func (a *Alloc) putHdr(p common.Paddr, h hdr) {
	enc := marshal.NewEnc(HDRSZ)
	enc.PutInt(uint64(h))
	a.mem.Write(p, enc.Finish())
}

func (a *Alloc) poolEnd() common.Paddr {
	return a.pool + a.poolSize
}

// AllocBytes returns a pointer to at least sz bytes from the byte pool, or
// NULLADDR if no free chunk is large enough.
func (a *Alloc) AllocBytes(sz uint64) common.Paddr {
	if sz > a.poolSize-HDRSZ {
		util.DPrintf(5, "AllocBytes: %d bytes exceeds pool\n", sz)
		return common.NULLADDR
	}
	size := util.AlignUp(sz, ALIGN) + HDRSZ
	a.lock.Lock()
	defer a.lock.Unlock()

	head := a.pool
	tail := a.poolEnd()
	for head < tail {
		h := a.getHdr(head)
		if h.size() == 0 {
			panic("AllocBytes: zero-sized chunk")
		}
		if !h.taken() && size <= h.size() {
			rem := h.size() - size
			if rem > HDRSZ {
				a.putHdr(head+size, mkHdr(rem, false))
				a.putHdr(head, mkHdr(size, true))
			} else {
				a.putHdr(head, mkHdr(h.size(), true))
			}
			util.DPrintf(10, "AllocBytes: %d bytes at %#x\n", sz, head+HDRSZ)
			return head + HDRSZ
		}
		head += h.size()
	}
	return common.NULLADDR
}

func (a *Alloc) AllocBytesZeroed(sz uint64) common.Paddr {
	p := a.AllocBytes(sz)
	if p != common.NULLADDR {
		a.mem.Zero(p, util.AlignUp(sz, ALIGN))
	}
	return p
}

// FreeBytes releases a chunk returned by AllocBytes. Freeing NULLADDR or an
// already-free chunk does nothing.
func (a *Alloc) FreeBytes(p common.Paddr) {
	if p == common.NULLADDR {
		return
	}
	if p < a.pool+HDRSZ || p >= a.poolEnd() {
		panic(fmt.Errorf("FreeBytes: %#x outside pool", p))
	}
	a.lock.Lock()
	defer a.lock.Unlock()

	h := a.getHdr(p - HDRSZ)
	if h.taken() {
		a.putHdr(p-HDRSZ, mkHdr(h.size(), false))
		util.DPrintf(10, "FreeBytes: %d bytes at %#x\n", h.size(), p)
	}
	a.coalesce()
}

// coalesce merges adjacent free chunks until none remain.
func (a *Alloc) coalesce() {
	head := a.pool
	tail := a.poolEnd()
	for head < tail {
		h := a.getHdr(head)
		if h.size() == 0 {
			break
		}
		next := head + h.size()
		if next >= tail {
			break
		}
		n := a.getHdr(next)
		if !h.taken() && !n.taken() {
			a.putHdr(head, mkHdr(h.size()+n.size(), false))
			continue
		}
		head = next
	}
}

//
// Process-level entry points
//

// MustAllocBytes is the kernel-wide allocation entry point. Running out of
// memory aborts.
func (a *Alloc) MustAllocBytes(sz uint64) common.Paddr {
	p := a.AllocBytesZeroed(sz)
	if p == common.NULLADDR {
		slog.Error("Kernel byte allocator exhausted.", "bytes", sz)
		panic(fmt.Errorf("alloc: failed to allocate %d bytes", sz))
	}
	return p
}

func (a *Alloc) MustAllocPages(n uint64) common.Paddr {
	p := a.AllocPagesZeroed(n)
	if p == common.NULLADDR {
		slog.Error("Kernel page allocator exhausted.", "pages", n)
		panic(fmt.Errorf("alloc: failed to allocate %d pages", n))
	}
	return p
}
