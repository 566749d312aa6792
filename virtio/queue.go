package virtio

import (
	"fmt"

	"github.com/tchajed/marshal"

	"github.com/Virtual-Machine/corrosion/common"
	"github.com/Virtual-Machine/corrosion/phys"
	"github.com/Virtual-Machine/corrosion/util"
)

const RING_SIZE uint64 = 128

// Descriptor flags.
const (
	DescFNext  uint16 = 1
	DescFWrite uint16 = 2
)

// Queue layout, relative to the queue base. The used ring starts on the
// page after the descriptor table and available ring.
const (
	DESCSZ      uint64 = 16
	AVAILOFF    uint64 = RING_SIZE * DESCSZ
	USEDOFF     uint64 = common.PAGESIZE
	USEDELEMSZ  uint64 = 8
	ringHdrSize uint64 = 4
)

// QueueBytes is the size of one queue, used ring included.
func QueueBytes() uint64 {
	return USEDOFF + ringHdrSize + RING_SIZE*USEDELEMSZ + 2
}

// QueuePages is how many pages a queue occupies.
func QueuePages() uint64 {
	return util.RoundUp(QueueBytes(), common.PAGESIZE)
}

type Desc struct {
	Addr  common.Paddr
	Len   uint32
	Flags uint16
	Next  uint16
}

func (d Desc) encode() []byte {
	enc := marshal.NewEnc(DESCSZ)
	enc.PutInts([]uint64{
		d.Addr,
		uint64(d.Len) | uint64(d.Flags)<<32 | uint64(d.Next)<<48,
	})
	return enc.Finish()
}

func decodeDesc(b []byte) Desc {
	dec := marshal.NewDec(b)
	w := dec.GetInts(2)
	return Desc{
		Addr:  w[0],
		Len:   uint32(w[1]),
		Flags: uint16(w[1] >> 32),
		Next:  uint16(w[1] >> 48),
	}
}

// UsedElem is one completion in the used ring.
type UsedElem struct {
	ID  uint32
	Len uint32
}

// Queue is a view of a split virtqueue laid out in physical memory at Base.
// Descriptor ids are checked against the ring size; ring positions wrap.
type Queue struct {
	mem  *phys.Memory
	Base common.Paddr
}

func MkQueue(mem *phys.Memory, base common.Paddr) *Queue {
	if base%common.PAGESIZE != 0 {
		panic(fmt.Errorf("MkQueue: base %#x not page aligned", base))
	}
	if !mem.Contains(base, QueueBytes()) {
		panic(fmt.Errorf("MkQueue: queue at %#x outside memory", base))
	}
	return &Queue{mem: mem, Base: base}
}

func checkID(id uint64) {
	if id >= RING_SIZE {
		panic(fmt.Errorf("virtio: descriptor id %d out of range", id))
	}
}

func (q *Queue) descAddr(id uint64) common.Paddr {
	checkID(id)
	return q.Base + id*DESCSZ
}

func (q *Queue) Desc(id uint64) Desc {
	b := make([]byte, DESCSZ)
	q.mem.Read(q.descAddr(id), b)
	return decodeDesc(b)
}

func (q *Queue) SetDesc(id uint64, d Desc) {
	q.mem.Write(q.descAddr(id), d.encode())
}

func (q *Queue) AvailIdx() uint16 {
	return q.mem.Read16(q.Base + AVAILOFF + 2)
}

func (q *Queue) SetAvailIdx(v uint16) {
	q.mem.Write16(q.Base+AVAILOFF+2, v)
}

// AvailRing returns the head stored at ring position i mod RING_SIZE.
func (q *Queue) AvailRing(i uint64) uint16 {
	return q.mem.Read16(q.Base + AVAILOFF + ringHdrSize + (i%RING_SIZE)*2)
}

func (q *Queue) SetAvailRing(i uint64, head uint16) {
	checkID(uint64(head))
	q.mem.Write16(q.Base+AVAILOFF+ringHdrSize+(i%RING_SIZE)*2, head)
}

func (q *Queue) UsedIdx() uint16 {
	return q.mem.Read16(q.Base + USEDOFF + 2)
}

func (q *Queue) SetUsedIdx(v uint16) {
	q.mem.Write16(q.Base+USEDOFF+2, v)
}

func (q *Queue) usedElemAddr(i uint64) common.Paddr {
	return q.Base + USEDOFF + ringHdrSize + (i%RING_SIZE)*USEDELEMSZ
}

func (q *Queue) UsedRing(i uint64) UsedElem {
	a := q.usedElemAddr(i)
	return UsedElem{ID: q.mem.Read32(a), Len: q.mem.Read32(a + 4)}
}

func (q *Queue) SetUsedRing(i uint64, e UsedElem) {
	checkID(uint64(e.ID))
	a := q.usedElemAddr(i)
	q.mem.Write32(a, e.ID)
	q.mem.Write32(a+4, e.Len)
}
