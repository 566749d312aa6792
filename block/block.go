// Package block is the driver for a legacy virtio-mmio block device.
//
// A request is three chained descriptors: a 16-byte header the device reads,
// the data buffer, and a one-byte status the device writes. The header,
// status and head index live in one 32-byte request record taken from the
// byte allocator; the record is owned by the driver until the interrupt
// handler drains the completion and frees it.
package block

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tchajed/marshal"

	"github.com/Virtual-Machine/corrosion/alloc"
	"github.com/Virtual-Machine/corrosion/arch"
	"github.com/Virtual-Machine/corrosion/common"
	"github.com/Virtual-Machine/corrosion/util"
	"github.com/Virtual-Machine/corrosion/virtio"
)

var (
	ErrNotBlock   = errors.New("not a virtio block device")
	ErrFeatures   = errors.New("device rejected features")
	ErrQueueSize  = errors.New("device queue too small")
	ErrNotReady   = errors.New("block device not ready")
	ErrReadOnly   = errors.New("block device is read-only")
	ErrTimeout    = errors.New("block request timed out")
	ErrIO         = errors.New("block request failed")
	ErrBadRequest = errors.New("bad block request")
	ErrBusy       = errors.New("block descriptors still in flight")
)

type State int32

const (
	StateUninitialized State = iota
	StateNegotiating
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateNegotiating:
		return "negotiating"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// WaitMode selects what a request returns when the device does not complete
// it within the spin budget.
type WaitMode int

const (
	// WaitStrict reports timeouts and device errors.
	WaitStrict WaitMode = iota
	// WaitBestEffort logs them and returns success; the buffer holds
	// whatever the device wrote so far.
	WaitBestEffort
)

type Opts struct {
	SpinBudget uint64
	Mode       WaitMode
	Relax      func() // called once per spin; arch.NoOperation if nil
}

const DefaultSpinBudget uint64 = 1000000

func DefaultOpts() Opts {
	return Opts{
		SpinBudget: DefaultSpinBudget,
		Mode:       WaitStrict,
		Relax:      arch.NoOperation,
	}
}

// Request record layout.
const (
	REQSZ       uint64 = 32
	reqStatus   uint64 = 24
	reqHead     uint64 = 26
	reqHdrSz    uint32 = 16
	statusUnset uint8  = 111
)

// Descriptors per request.
const chainLen uint64 = 3

type Stats struct {
	Reads      uint64
	Writes     uint64
	Interrupts uint64
	Drained    uint64
	Timeouts   uint64
}

type Device struct {
	mu       *sync.Mutex // protects queue bookkeeping
	regs     virtio.Regs
	a        *alloc.Alloc
	opts     Opts
	state    atomic.Int32
	readOnly bool
	capacity uint64 // in sectors

	queue    *virtio.Queue
	idx      uint16 // next free descriptor
	availIdx uint16
	ackUsed  uint16
	reqs     [virtio.RING_SIZE]common.Paddr
	ready    [virtio.RING_SIZE]atomic.Bool
	status   [virtio.RING_SIZE]atomic.Uint32

	reads, writes, interrupts, drained, timeouts atomic.Uint64
}

func (d *Device) State() State {
	return State(d.state.Load())
}

func (d *Device) setState(s State) {
	d.state.Store(int32(s))
}

// ReadOnly reports whether the host advertised a read-only device.
func (d *Device) ReadOnly() bool {
	return d.readOnly
}

// Capacity is the device size in 512-byte sectors.
func (d *Device) Capacity() uint64 {
	return d.capacity
}

func (d *Device) Stats() Stats {
	return Stats{
		Reads:      d.reads.Load(),
		Writes:     d.writes.Load(),
		Interrupts: d.interrupts.Load(),
		Drained:    d.drained.Load(),
		Timeouts:   d.timeouts.Load(),
	}
}

func (d *Device) fail(status uint32, err error) (*Device, error) {
	d.regs.Write32(virtio.Status, status|virtio.StatusFailed)
	d.setState(StateFailed)
	slog.Error("virtio-blk negotiation failed", "err", err)
	return d, err
}

// Init negotiates with the device behind regs and sets up its request queue.
// When negotiation fails the device is returned in StateFailed together with
// the error; every request on it returns ErrNotReady.
func Init(regs virtio.Regs, a *alloc.Alloc, opts Opts) (*Device, error) {
	if opts.Relax == nil {
		opts.Relax = arch.NoOperation
	}
	d := &Device{
		mu:   new(sync.Mutex),
		regs: regs,
		a:    a,
		opts: opts,
	}
	if regs.Read32(virtio.MagicValue) != virtio.MAGIC ||
		virtio.DeviceType(regs.Read32(virtio.DeviceID)) != virtio.DevBlock {
		return nil, ErrNotBlock
	}

	regs.Write32(virtio.Status, 0)
	status := virtio.StatusAcknowledge
	regs.Write32(virtio.Status, status)
	status |= virtio.StatusDriver
	regs.Write32(virtio.Status, status)
	d.setState(StateNegotiating)

	host := regs.Read32(virtio.HostFeatures)
	d.readOnly = host&virtio.BlkFRO != 0
	regs.Write32(virtio.GuestFeatures, host&^virtio.BlkFRO)
	status |= virtio.StatusFeaturesOK
	regs.Write32(virtio.Status, status)
	if regs.Read32(virtio.Status)&virtio.StatusFeaturesOK == 0 {
		return d.fail(status, ErrFeatures)
	}

	qmax := regs.Read32(virtio.QueueNumMax)
	if uint64(qmax) < virtio.RING_SIZE {
		return d.fail(status, fmt.Errorf("%w: max %d, need %d", ErrQueueSize,
			qmax, virtio.RING_SIZE))
	}
	regs.Write32(virtio.QueueNum, uint32(virtio.RING_SIZE))
	regs.Write32(virtio.QueueSel, 0)

	base := a.MustAllocPages(virtio.QueuePages())
	d.queue = virtio.MkQueue(a.Mem(), base)
	regs.Write32(virtio.GuestPageSize, uint32(common.PAGESIZE))
	regs.Write32(virtio.QueuePFN, uint32(base/common.PAGESIZE))

	d.capacity = uint64(regs.Read32(virtio.Config)) |
		uint64(regs.Read32(virtio.Config+4))<<32

	status |= virtio.StatusDriverOK
	regs.Write32(virtio.Status, status)
	d.setState(StateReady)
	slog.Info("virtio-blk ready", "queue", fmt.Sprintf("%#x", base),
		"sectors", d.capacity, "readonly", d.readOnly)
	return d, nil
}

// Read fills size bytes at guest address buf from the disk starting at byte
// offset, which is rounded down to a sector.
func (d *Device) Read(buf common.Paddr, size uint32, offset uint64) error {
	return d.submit(buf, size, offset, false)
}

// Write stores size bytes from guest address buf at byte offset.
func (d *Device) Write(buf common.Paddr, size uint32, offset uint64) error {
	return d.submit(buf, size, offset, true)
}

func (d *Device) next() uint16 {
	d.idx = uint16((uint64(d.idx) + 1) % virtio.RING_SIZE)
	return d.idx
}

// inflight returns the head of an outstanding request whose chain covers
// one of the chainLen descriptors starting at idx. Caller holds d.mu.
func (d *Device) inflight(idx uint16) (uint16, bool) {
	for i := uint64(0); i < 2*chainLen-1; i++ {
		h := uint16((uint64(idx) + virtio.RING_SIZE - (chainLen - 1) + i) % virtio.RING_SIZE)
		if d.reqs[h] != common.NULLADDR {
			return h, true
		}
	}
	return 0, false
}

func (d *Device) submit(buf common.Paddr, size uint32, offset uint64, write bool) error {
	if d.State() != StateReady {
		return ErrNotReady
	}
	if write && d.readOnly {
		slog.Error("write to read-only block device", "offset", offset, "size", size)
		return ErrReadOnly
	}
	if size == 0 || !d.a.Mem().Contains(buf, uint64(size)) {
		return fmt.Errorf("%w: buffer %#x size %d", ErrBadRequest, buf, size)
	}

	typ := virtio.BlkTIn
	if write {
		typ = virtio.BlkTOut
		d.writes.Add(1)
	} else {
		d.reads.Add(1)
	}
	sector := offset / common.SECTORSIZE
	rq := d.a.MustAllocBytes(REQSZ)
	enc := marshal.NewEnc(REQSZ)
	enc.PutInts([]uint64{uint64(typ), sector, buf})
	mem := d.a.Mem()
	mem.Write(rq, enc.Finish())
	mem.Write8(rq+reqStatus, statusUnset)

	dataFlags := virtio.DescFNext
	if !write {
		dataFlags |= virtio.DescFWrite
	}

	d.mu.Lock()
	if h, busy := d.inflight(d.idx); busy {
		d.mu.Unlock()
		d.a.FreeBytes(rq)
		slog.Warn("virtio-blk descriptors still owned by the device", "head", h)
		return fmt.Errorf("head %d: %w", h, ErrBusy)
	}
	q := d.queue
	head := d.idx
	q.SetDesc(uint64(head), virtio.Desc{Addr: rq, Len: reqHdrSz,
		Flags: virtio.DescFNext, Next: d.next()})
	dataIdx := d.idx
	q.SetDesc(uint64(dataIdx), virtio.Desc{Addr: buf, Len: size,
		Flags: dataFlags, Next: d.next()})
	statusIdx := d.idx
	q.SetDesc(uint64(statusIdx), virtio.Desc{Addr: rq + reqStatus, Len: 1,
		Flags: virtio.DescFWrite})
	d.next()

	mem.Write16(rq+reqHead, head)
	d.reqs[head] = rq
	d.ready[head].Store(false)
	q.SetAvailRing(uint64(d.availIdx), head)
	d.availIdx++
	q.SetAvailIdx(d.availIdx)
	d.mu.Unlock()

	util.DPrintf(5, "block: submit head %d type %d sector %d size %d\n",
		head, typ, sector, size)
	d.regs.Write32(virtio.QueueNotify, 0)
	return d.wait(head, sector)
}

func (d *Device) wait(head uint16, sector uint64) error {
	done := d.ready[head].Load()
	for i := uint64(0); !done && i < d.opts.SpinBudget; i++ {
		d.opts.Relax()
		done = d.ready[head].Load()
	}
	if !done {
		d.timeouts.Add(1)
		if d.opts.Mode == WaitBestEffort {
			slog.Warn("virtio-blk request still pending", "head", head, "sector", sector)
			return nil
		}
		return fmt.Errorf("sector %d: %w", sector, ErrTimeout)
	}
	if st := uint8(d.status[head].Load()); st != virtio.BlkSOK {
		if d.opts.Mode == WaitBestEffort {
			slog.Warn("virtio-blk request failed", "sector", sector, "status", st)
			return nil
		}
		return fmt.Errorf("sector %d: status %d: %w", sector, st, ErrIO)
	}
	return nil
}

// InterruptHandler acknowledges the device interrupt and retires every
// request the device has completed since the last call.
func (d *Device) InterruptHandler() {
	d.interrupts.Add(1)
	st := d.regs.Read32(virtio.InterruptStat)
	d.regs.Write32(virtio.InterruptACK, st)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.queue == nil {
		return
	}
	mem := d.a.Mem()
	for d.ackUsed != d.queue.UsedIdx() {
		e := d.queue.UsedRing(uint64(d.ackUsed))
		d.ackUsed++
		if uint64(e.ID) >= virtio.RING_SIZE {
			slog.Warn("virtio-blk bad used id", "id", e.ID)
			continue
		}
		head := uint16(e.ID)
		rq := d.reqs[head]
		if rq == common.NULLADDR {
			slog.Warn("virtio-blk completion for idle descriptor", "head", head)
			continue
		}
		if h := mem.Read16(rq + reqHead); h != head {
			slog.Warn("virtio-blk request record head mismatch", "head", head, "record", h)
		}
		d.status[head].Store(uint32(mem.Read8(rq + reqStatus)))
		d.reqs[head] = common.NULLADDR
		d.a.FreeBytes(rq)
		d.drained.Add(1)
		d.ready[head].Store(true)
		util.DPrintf(5, "block: drained head %d\n", head)
	}
}
