package alloc

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Virtual-Machine/corrosion/common"
	"github.com/Virtual-Machine/corrosion/phys"
)

const (
	memBase  common.Paddr = 0x80000000
	memSize  uint64       = 8 << 20
	heapBase common.Paddr = memBase + 0x10000
)

func mkTestAlloc() *Alloc {
	mem := phys.MkMemory(memBase, memSize)
	return MkAlloc(mem, heapBase, memSize-(heapBase-memBase))
}

func TestInit(t *testing.T) {
	assert := assert.New(t)
	a := mkTestAlloc()
	assert.Equal(uint64(0), a.start%common.PAGESIZE, "pages are page aligned")
	assert.True(a.start >= heapBase+a.heapSize/common.PAGESIZE,
		"pages start after the records")
	assert.Equal(a.start, a.pool, "byte pool is the first run")

	u := a.Usage()
	assert.Equal(BYTEPOOLPAGES, u.PagesTaken)
	assert.Equal(uint64(0), u.BytesTaken)
	assert.Equal(uint64(1), u.Chunks, "pool starts as one free chunk")
	assert.Equal(BYTEPOOLPAGES*common.PAGESIZE, u.BytesTotal)
}

func TestPageRunMarking(t *testing.T) {
	assert := assert.New(t)
	a := mkTestAlloc()
	p := a.AllocPages(3)
	assert.NotEqual(common.NULLADDR, p)
	assert.Equal(pageTaken, a.pageFlags(p))
	assert.Equal(pageTaken, a.pageFlags(p+common.PAGESIZE))
	assert.Equal(pageTaken|pageLast, a.pageFlags(p+2*common.PAGESIZE),
		"only the final page is last")
	assert.Equal(pageEmpty, a.pageFlags(p+3*common.PAGESIZE))
	assert.Equal(BYTEPOOLPAGES+3, a.Usage().PagesTaken)
}

func TestAllocPagesZero(t *testing.T) {
	a := mkTestAlloc()
	assert.Panics(t, func() { a.AllocPages(0) })
}

func TestAllocPagesExhausted(t *testing.T) {
	assert := assert.New(t)
	a := mkTestAlloc()
	free := a.npages - BYTEPOOLPAGES
	assert.Equal(common.NULLADDR, a.AllocPages(free+1))
	p := a.AllocPages(free)
	assert.NotEqual(common.NULLADDR, p)
	assert.Equal(common.NULLADDR, a.AllocPages(1), "heap is full")
}

func TestAllocPagesFirstFit(t *testing.T) {
	assert := assert.New(t)
	a := mkTestAlloc()
	p1 := a.AllocPages(1)
	p2 := a.AllocPages(2)
	assert.Equal(p1+common.PAGESIZE, p2)
	assert.Equal(a.pool+BYTEPOOLPAGES*common.PAGESIZE, p1)
}

func TestAllocPagesZeroed(t *testing.T) {
	a := mkTestAlloc()
	p := a.AllocPagesZeroed(2)
	b := make([]byte, 2*common.PAGESIZE)
	a.Mem().Read(p, b)
	assert.Equal(t, make([]byte, 2*common.PAGESIZE), b)
}

func TestSplit(t *testing.T) {
	assert := assert.New(t)
	a := mkTestAlloc()
	p1 := a.AllocBytes(1)
	p2 := a.AllocBytes(8)
	p3 := a.AllocBytes(9)
	assert.Equal(a.pool+HDRSZ, p1)
	assert.Equal(p1+8+HDRSZ, p2, "1 byte rounds up to 8")
	assert.Equal(p2+8+HDRSZ, p3)
	assert.Equal(uint64(4), a.Usage().Chunks)

	a.FreeBytes(p2)
	p4 := a.AllocBytes(8)
	assert.Equal(p2, p4, "first fit reuses the hole")
}

func TestTakeWholeChunk(t *testing.T) {
	assert := assert.New(t)
	a := mkTestAlloc()
	p1 := a.AllocBytes(16)
	p2 := a.AllocBytes(8)
	a.FreeBytes(p1)
	// 8 bytes of data leave exactly one header of room in the 24-byte
	// hole, which is not enough for a chunk.
	p3 := a.AllocBytes(8)
	assert.Equal(p1, p3)
	assert.Equal(uint64(16+HDRSZ), a.getHdr(p3-HDRSZ).size())
	assert.Equal(p3+16+HDRSZ, p2)
}

func TestFreeNoop(t *testing.T) {
	assert := assert.New(t)
	a := mkTestAlloc()
	a.FreeBytes(common.NULLADDR)
	p := a.AllocBytes(64)
	a.FreeBytes(p)
	before := a.Usage()
	a.FreeBytes(p)
	assert.Equal(before, a.Usage(), "double free is a no-op")
	assert.Panics(func() { a.FreeBytes(a.pool - 8) })
}

func TestZeroed(t *testing.T) {
	a := mkTestAlloc()
	p := a.AllocBytes(32)
	a.Mem().Write(p, bytes.Repeat([]byte{0xff}, 32))
	a.FreeBytes(p)
	p2 := a.AllocBytesZeroed(30)
	assert.Equal(t, p, p2)
	b := make([]byte, 32)
	a.Mem().Read(p2, b)
	assert.Equal(t, make([]byte, 32), b)
}

func TestExhaustBytes(t *testing.T) {
	assert := assert.New(t)
	a := mkTestAlloc()
	assert.Equal(common.NULLADDR, a.AllocBytes(a.PoolSize()))
	assert.Panics(func() { a.MustAllocBytes(a.PoolSize()) })
	p := a.AllocBytes(a.PoolSize() - HDRSZ)
	assert.NotEqual(common.NULLADDR, p)
	assert.Equal(common.NULLADDR, a.AllocBytes(1))
}

func TestHugeBytes(t *testing.T) {
	assert := assert.New(t)
	a := mkTestAlloc()
	for _, sz := range []uint64{^uint64(0), ^uint64(0) - 7, ^uint64(0) - 8,
		a.PoolSize() - HDRSZ + 1} {
		assert.Equal(common.NULLADDR, a.AllocBytes(sz), "size %#x", sz)
		assert.Equal(common.NULLADDR, a.AllocBytesZeroed(sz), "size %#x", sz)
	}
	assert.Panics(func() { a.MustAllocBytes(^uint64(0)) })

	u := a.Usage()
	assert.Equal(uint64(1), u.Chunks, "pool untouched")
	assert.Equal(uint64(0), u.BytesTaken)
	p := a.AllocBytes(16)
	assert.Equal(a.pool+HDRSZ, p)
	assert.NotEqual(common.NULLADDR, a.AllocBytes(a.PoolSize()-2*HDRSZ-16))
}

type span struct {
	start, end common.Paddr
}

func overlaps(x, y span) bool {
	return x.start < y.end && y.start < x.end
}

func assertDisjoint(t *testing.T, live map[common.Paddr]span) {
	t.Helper()
	var spans []span
	for _, s := range live {
		spans = append(spans, s)
	}
	for i := range spans {
		for j := i + 1; j < len(spans); j++ {
			if overlaps(spans[i], spans[j]) {
				t.Fatalf("allocations overlap: %v %v", spans[i], spans[j])
			}
		}
	}
}

// Random allocate/free sequences must never hand out overlapping memory,
// and freeing everything must coalesce the pool back into one chunk.
func TestRoundTrip(t *testing.T) {
	assert := assert.New(t)
	a := mkTestAlloc()
	rnd := rand.New(rand.NewSource(1))
	live := make(map[common.Paddr]span)

	for i := 0; i < 2000; i++ {
		if len(live) > 0 && rnd.Intn(3) == 0 {
			for p := range live {
				a.FreeBytes(p)
				delete(live, p)
				break
			}
			continue
		}
		sz := uint64(rnd.Intn(4096) + 1)
		p := a.AllocBytes(sz)
		if p == common.NULLADDR {
			continue
		}
		assert.True(p >= a.pool && p+sz <= a.poolEnd(), "inside the pool")
		live[p] = span{start: p, end: p + sz}
		if i%100 == 0 {
			assertDisjoint(t, live)
		}
	}
	assertDisjoint(t, live)

	for p := range live {
		a.FreeBytes(p)
	}
	assert.Equal(uint64(1), a.Usage().Chunks, "fully coalesced")
	p := a.AllocBytes(a.PoolSize() - HDRSZ)
	assert.NotEqual(common.NULLADDR, p)
}

func TestPagesDisjoint(t *testing.T) {
	a := mkTestAlloc()
	rnd := rand.New(rand.NewSource(2))
	live := map[common.Paddr]span{
		a.pool: {start: a.pool, end: a.poolEnd()},
	}
	for i := 0; i < 40; i++ {
		n := uint64(rnd.Intn(16) + 1)
		p := a.AllocPages(n)
		if p == common.NULLADDR {
			break
		}
		live[p] = span{start: p, end: p + n*common.PAGESIZE}
	}
	assertDisjoint(t, live)
}

func TestDump(t *testing.T) {
	assert := assert.New(t)
	a := mkTestAlloc()
	a.AllocBytes(100)
	a.AllocPages(2)
	var b bytes.Buffer
	a.Dump(&b)
	out := b.String()
	assert.Contains(out, "BGA")
	assert.Contains(out, "TAKEN")
	assert.Contains(out, "2.0 MiB")
}
