package vmm

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/tchajed/goose/machine/disk"

	"github.com/Virtual-Machine/corrosion/common"
	"github.com/Virtual-Machine/corrosion/phys"
	"github.com/Virtual-Machine/corrosion/util"
	"github.com/Virtual-Machine/corrosion/virtio"
)

// Backing is the host storage behind a simulated block device, addressed in
// disk.BlockSize blocks.
type Backing interface {
	Read(a uint64) disk.Block
	Write(a uint64, v disk.Block)
}

type DeviceMode int

const (
	// ModeSync completes requests inside the doorbell write.
	ModeSync DeviceMode = iota
	// ModeAsync completes requests on a device goroutine.
	ModeAsync
	// ModeStall accepts requests but completes them only on Kick.
	ModeStall
)

func (m DeviceMode) String() string {
	switch m {
	case ModeSync:
		return "sync"
	case ModeAsync:
		return "async"
	case ModeStall:
		return "stall"
	}
	return fmt.Sprintf("DeviceMode(%d)", int(m))
}

type BlockOpts struct {
	Mode           DeviceMode
	ReadOnly       bool
	RejectFeatures bool   // never accept FEATURES_OK
	QueueNumMax    uint32 // 0 means 1024
}

// BlockDevice models a legacy virtio-mmio block device. It reads the queue
// the driver publishes in guest memory, moves sector data between guest
// memory and the backing store and raises its interrupt line.
type BlockDevice struct {
	mu      *sync.Mutex
	mem     *phys.Memory
	raise   func()
	d       Backing
	nblocks uint64
	opts    BlockOpts

	status        uint32
	guestFeatures uint32
	pageSize      uint32
	queueSel      uint32
	queueNum      uint32
	pfn           uint32
	intStatus     uint32
	lastAvail     uint16
	queue         *virtio.Queue
	served        uint64
	notifies      uint64

	work chan struct{}
	done chan struct{}
}

func MkBlockDevice(mem *phys.Memory, d Backing, nblocks uint64, opts BlockOpts, raise func()) *BlockDevice {
	if opts.QueueNumMax == 0 {
		opts.QueueNumMax = 1024
	}
	dev := &BlockDevice{
		mu:      new(sync.Mutex),
		mem:     mem,
		raise:   raise,
		d:       d,
		nblocks: nblocks,
		opts:    opts,
	}
	if opts.Mode == ModeAsync {
		dev.work = make(chan struct{}, 1)
		dev.done = make(chan struct{})
		go dev.run()
	}
	return dev
}

// Close stops the device goroutine of an asynchronous device.
func (dev *BlockDevice) Close() {
	if dev.work != nil {
		close(dev.work)
		<-dev.done
		dev.work = nil
	}
}

func (dev *BlockDevice) run() {
	defer close(dev.done)
	for range dev.work {
		dev.complete()
	}
}

func (dev *BlockDevice) capacity() uint64 {
	return dev.nblocks * disk.BlockSize / common.SECTORSIZE
}

func (dev *BlockDevice) Read32(off uint64) uint32 {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	switch off {
	case virtio.MagicValue:
		return virtio.MAGIC
	case virtio.Version:
		return 1
	case virtio.DeviceID:
		return uint32(virtio.DevBlock)
	case virtio.VendorID:
		return 0x554d4551
	case virtio.HostFeatures:
		if dev.opts.ReadOnly {
			return virtio.BlkFRO
		}
		return 0
	case virtio.QueueNumMax:
		if dev.queueSel != 0 {
			return 0
		}
		return dev.opts.QueueNumMax
	case virtio.QueuePFN:
		return dev.pfn
	case virtio.InterruptStat:
		return dev.intStatus
	case virtio.Status:
		return dev.status
	case virtio.Config:
		return uint32(dev.capacity())
	case virtio.Config + 4:
		return uint32(dev.capacity() >> 32)
	}
	return 0
}

func (dev *BlockDevice) Write32(off uint64, v uint32) {
	if off == virtio.QueueNotify {
		dev.notify()
		return
	}
	dev.mu.Lock()
	defer dev.mu.Unlock()
	switch off {
	case virtio.GuestFeatures:
		dev.guestFeatures = v
	case virtio.GuestPageSize:
		dev.pageSize = v
	case virtio.QueueSel:
		dev.queueSel = v
	case virtio.QueueNum:
		dev.queueNum = v
	case virtio.QueuePFN:
		dev.pfn = v
		dev.lastAvail = 0
		if v == 0 {
			dev.queue = nil
			return
		}
		dev.queue = virtio.MkQueue(dev.mem, uint64(v)*uint64(dev.pageSize))
	case virtio.InterruptACK:
		dev.intStatus &^= v
	case virtio.Status:
		if v == 0 {
			dev.reset()
			return
		}
		if dev.opts.RejectFeatures {
			v &^= virtio.StatusFeaturesOK
		}
		dev.status = v
	}
}

func (dev *BlockDevice) reset() {
	dev.status = 0
	dev.guestFeatures = 0
	dev.queueNum = 0
	dev.pfn = 0
	dev.intStatus = 0
	dev.lastAvail = 0
	dev.queue = nil
}

func (dev *BlockDevice) notify() {
	dev.mu.Lock()
	dev.notifies++
	dev.mu.Unlock()
	switch dev.opts.Mode {
	case ModeSync:
		dev.complete()
	case ModeAsync:
		select {
		case dev.work <- struct{}{}:
		default:
		}
	}
}

// Kick completes whatever the driver has published. Stalled devices only
// make progress through Kick.
func (dev *BlockDevice) Kick() {
	dev.complete()
}

// complete serves every pending request and raises the interrupt once. The
// device lock is dropped before raising since the handler reads the
// interrupt registers.
func (dev *BlockDevice) complete() {
	dev.mu.Lock()
	n := dev.serve()
	dev.mu.Unlock()
	if n > 0 {
		dev.raise()
	}
}

func (dev *BlockDevice) serve() uint64 {
	q := dev.queue
	if q == nil || dev.status&virtio.StatusDriverOK == 0 {
		return 0
	}
	var n uint64
	for dev.lastAvail != q.AvailIdx() {
		head := q.AvailRing(uint64(dev.lastAvail))
		written := dev.request(q, head)
		used := q.UsedIdx()
		q.SetUsedRing(uint64(used), virtio.UsedElem{ID: uint32(head), Len: written})
		q.SetUsedIdx(used + 1)
		dev.lastAvail++
		n++
	}
	if n > 0 {
		dev.intStatus |= 1
		dev.served += n
	}
	return n
}

// request executes the chain starting at head and returns the number of
// bytes written into guest memory.
func (dev *BlockDevice) request(q *virtio.Queue, head uint16) uint32 {
	hdr := q.Desc(uint64(head))
	if hdr.Flags&virtio.DescFNext == 0 {
		slog.Warn("virtio-blk: request without data", "head", head)
		return 0
	}
	typ := dev.mem.Read32(hdr.Addr)
	sector := dev.mem.Read64(hdr.Addr + 8)

	data := q.Desc(uint64(hdr.Next))
	status := data
	if data.Flags&virtio.DescFNext != 0 {
		status = q.Desc(uint64(data.Next))
	} else {
		data = virtio.Desc{}
	}

	st := virtio.BlkSOK
	var written uint32
	switch typ {
	case virtio.BlkTIn:
		if data.Flags&virtio.DescFWrite == 0 {
			st = virtio.BlkSIOErr
		} else if b, ok := dev.readAt(sector, uint64(data.Len)); ok {
			dev.mem.Write(data.Addr, b)
			written = data.Len
		} else {
			st = virtio.BlkSIOErr
		}
	case virtio.BlkTOut:
		if dev.opts.ReadOnly {
			st = virtio.BlkSIOErr
			break
		}
		b := make([]byte, data.Len)
		dev.mem.Read(data.Addr, b)
		if !dev.writeAt(sector, b) {
			st = virtio.BlkSIOErr
		}
	case virtio.BlkTFlush:
	default:
		st = virtio.BlkSUnsupp
	}
	dev.mem.Write8(status.Addr, st)
	util.DPrintf(5, "virtio-blk: head %d type %d sector %d len %d -> %d\n",
		head, typ, sector, data.Len, st)
	return written + 1
}

func (dev *BlockDevice) inRange(sector uint64, n uint64) bool {
	off := sector * common.SECTORSIZE
	if sector >= dev.capacity() || util.SumOverflows(off, n) {
		return false
	}
	return off+n <= dev.nblocks*disk.BlockSize
}

func (dev *BlockDevice) readAt(sector uint64, n uint64) ([]byte, bool) {
	if !dev.inRange(sector, n) {
		return nil, false
	}
	off := sector * common.SECTORSIZE
	b := make([]byte, 0, n)
	for uint64(len(b)) < n {
		blkno := off / disk.BlockSize
		boff := off % disk.BlockSize
		m := util.Min(n-uint64(len(b)), disk.BlockSize-boff)
		blk := dev.d.Read(blkno)
		b = append(b, blk[boff:boff+m]...)
		off += m
	}
	return b, true
}

func (dev *BlockDevice) writeAt(sector uint64, src []byte) bool {
	n := uint64(len(src))
	if !dev.inRange(sector, n) {
		return false
	}
	off := sector * common.SECTORSIZE
	for len(src) > 0 {
		blkno := off / disk.BlockSize
		boff := off % disk.BlockSize
		m := util.Min(uint64(len(src)), disk.BlockSize-boff)
		blk := util.CloneByteSlice(dev.d.Read(blkno))
		copy(blk[boff:], src[:m])
		dev.d.Write(blkno, blk)
		src = src[m:]
		off += m
	}
	return true
}

type DeviceStats struct {
	Served   uint64
	Notifies uint64
}

func (dev *BlockDevice) Stats() DeviceStats {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	return DeviceStats{Served: dev.served, Notifies: dev.notifies}
}
