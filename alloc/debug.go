package alloc

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"

	"github.com/Virtual-Machine/corrosion/common"
)

// Usage is a snapshot of heap occupancy.
type Usage struct {
	PagesTaken uint64
	PagesTotal uint64
	BytesTaken uint64 // byte pool, headers included
	BytesTotal uint64
	Chunks     uint64
}

type pageRun struct {
	start common.Paddr
	n     uint64
}

type chunk struct {
	at    common.Paddr
	size  uint64
	taken bool
}

func (a *Alloc) runs() []pageRun {
	recs := a.records()
	var runs []pageRun
	var i uint64
	for i < uint64(len(recs)) {
		if recs[i]&pageTaken == 0 {
			i++
			continue
		}
		j := i
		for j < uint64(len(recs)) && recs[j]&pageLast == 0 {
			j++
		}
		runs = append(runs, pageRun{start: a.pageAddr(i), n: j - i + 1})
		i = j + 1
	}
	return runs
}

func (a *Alloc) chunks() []chunk {
	var cs []chunk
	head := a.pool
	for head < a.poolEnd() {
		h := a.getHdr(head)
		if h.size() == 0 {
			break
		}
		cs = append(cs, chunk{at: head, size: h.size(), taken: h.taken()})
		head += h.size()
	}
	return cs
}

func (a *Alloc) Usage() Usage {
	a.lock.Lock()
	defer a.lock.Unlock()
	u := Usage{PagesTotal: a.npages, BytesTotal: a.poolSize}
	for _, r := range a.runs() {
		u.PagesTaken += r.n
	}
	for _, c := range a.chunks() {
		u.Chunks++
		if c.taken {
			u.BytesTaken += c.size
		}
	}
	return u
}

// Dump prints the page runs and the byte pool's chunk table.
func (a *Alloc) Dump(w io.Writer) {
	a.lock.Lock()
	defer a.lock.Unlock()

	fmt.Fprintf(w, "Kernel Allocator Memory Map\n")
	fmt.Fprintf(w, "- METADATA:  %#x -> %#x: %7d\n", a.heapStart, a.start,
		(a.start-a.heapStart)/common.PAGESIZE)
	fmt.Fprintf(w, "- PAGES:     %#x -> %#x: %7d\n", a.start,
		a.pageAddr(a.npages), a.npages)

	fmt.Fprintf(w, "\nPage Grain Allocator\n")
	fmt.Fprintf(w, "----------------------------------------------\n")
	var taken uint64
	for _, r := range a.runs() {
		name := "   "
		if r.start == a.pool {
			name = "BGA"
		}
		end := r.start + r.n*common.PAGESIZE - 1
		fmt.Fprintf(w, "- %s  %#x => %#x: %7d (%s)\n", name, r.start, end, r.n,
			humanize.IBytes(r.n*common.PAGESIZE))
		taken += r.n
	}
	fmt.Fprintf(w, "----------------------------------------------\n")
	fmt.Fprintf(w, "Allocated: %6d/%6d pages %d%%\n", taken, a.npages,
		taken*100/a.npages)

	fmt.Fprintf(w, "\nByte Grain Allocator (BGA)\n")
	fmt.Fprintf(w, "----------------------------------------------\n")
	var used uint64
	for _, c := range a.chunks() {
		tag := "     "
		if c.taken {
			tag = "TAKEN"
			used += c.size
		}
		fmt.Fprintf(w, "- %s  %#x => %#x: %7d\n", tag, c.at, c.at+c.size, c.size)
	}
	fmt.Fprintf(w, "----------------------------------------------\n")
	fmt.Fprintf(w, "Allocated: %s/%s\n", humanize.IBytes(used),
		humanize.IBytes(a.poolSize))
}
