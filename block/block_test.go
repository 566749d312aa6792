package block

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/suite"
	"github.com/tchajed/goose/machine/disk"

	"github.com/Virtual-Machine/corrosion/alloc"
	"github.com/Virtual-Machine/corrosion/buf"
	"github.com/Virtual-Machine/corrosion/common"
	"github.com/Virtual-Machine/corrosion/virtio"
	"github.com/Virtual-Machine/corrosion/vmm"
)

const (
	memBase common.Paddr = 0x80000000
	memSize uint64       = 8 << 20
	nblocks uint64       = 64
)

type BlockSuite struct {
	suite.Suite
	m   *vmm.Machine
	a   *alloc.Alloc
	d   disk.Disk
	dev *vmm.BlockDevice
	drv *Device
}

func (suite *BlockSuite) SetupTest() {
	suite.m = vmm.MkMachine(memBase, memSize)
	suite.a = alloc.MkAlloc(suite.m.Mem, memBase+0x100000, memSize-0x100000)
	suite.d = disk.NewMemDisk(nblocks)
	for i := uint64(0); i < nblocks; i++ {
		suite.d.Write(i, bytes.Repeat([]byte{byte(i)}, int(disk.BlockSize)))
	}
	suite.dev = nil
	suite.drv = nil
}

func (suite *BlockSuite) TearDownTest() {
	if suite.dev != nil {
		suite.dev.Close()
	}
}

func (suite *BlockSuite) attach(dopts vmm.BlockOpts, opts Opts) (*Device, error) {
	suite.dev = suite.m.AttachBlock(0, suite.d, nblocks, dopts)
	suite.m.Plic.Register(virtio.SlotLine(0), func() {
		if suite.drv != nil {
			suite.drv.InterruptHandler()
		}
	})
	drv, err := Init(suite.m.Regs(virtio.SlotAddr(0)), suite.a, opts)
	suite.drv = drv
	return drv, err
}

func (suite *BlockSuite) mustAttach(dopts vmm.BlockOpts, opts Opts) *Device {
	drv, err := suite.attach(dopts, opts)
	suite.Require().NoError(err)
	suite.Equal(StateReady, drv.State())
	return drv
}

func (suite *BlockSuite) TestInit() {
	drv := suite.mustAttach(vmm.BlockOpts{}, DefaultOpts())
	suite.False(drv.ReadOnly())
	suite.Equal(nblocks*disk.BlockSize/common.SECTORSIZE, drv.Capacity())
	st := suite.dev.Read32(virtio.Status)
	suite.Equal(virtio.StatusAcknowledge|virtio.StatusDriver|
		virtio.StatusFeaturesOK|virtio.StatusDriverOK, st)
	suite.Equal(uint32(drv.queue.Base/common.PAGESIZE), suite.dev.Read32(virtio.QueuePFN))
}

func (suite *BlockSuite) TestRead() {
	drv := suite.mustAttach(vmm.BlockOpts{}, DefaultOpts())
	b := buf.MkBuf(suite.a, 512)
	err := drv.Read(b.Addr, 512, 3*disk.BlockSize+1024)
	suite.Require().NoError(err)
	suite.Equal(bytes.Repeat([]byte{3}, 512), b.Bytes())
	suite.Equal(uint64(1), drv.Stats().Reads)
	suite.Equal(uint64(1), drv.Stats().Drained)
}

func (suite *BlockSuite) TestDescriptorChain() {
	drv := suite.mustAttach(vmm.BlockOpts{}, DefaultOpts())
	b := buf.MkBuf(suite.a, 512)
	suite.Require().NoError(drv.Read(b.Addr, 512, 0))

	q := drv.queue
	hdr := q.Desc(0)
	suite.Equal(uint32(16), hdr.Len)
	suite.Equal(virtio.DescFNext, hdr.Flags)
	suite.Equal(uint16(1), hdr.Next)
	data := q.Desc(1)
	suite.Equal(b.Addr, data.Addr)
	suite.Equal(virtio.DescFNext|virtio.DescFWrite, data.Flags)
	suite.Equal(uint16(2), data.Next)
	status := q.Desc(2)
	suite.Equal(virtio.DescFWrite, status.Flags)
	suite.Equal(uint16(0), status.Next, "last descriptor is not chained")
	suite.Equal(hdr.Addr+24, status.Addr)

	suite.Require().NoError(drv.Write(b.Addr, 512, 0))
	suite.Equal(uint16(3), q.AvailRing(1), "second request starts after the first")
	suite.Equal(virtio.DescFNext, q.Desc(4).Flags, "writes hand the device a readable buffer")
	suite.Equal(uint16(2), q.AvailIdx())
}

func (suite *BlockSuite) TestRingWraps() {
	drv := suite.mustAttach(vmm.BlockOpts{}, DefaultOpts())
	b := buf.MkBuf(suite.a, 512)
	for i := uint64(0); i < 2*virtio.RING_SIZE; i++ {
		sector := i % (nblocks * 8)
		suite.Require().NoError(drv.Read(b.Addr, 512, sector*512))
		suite.Equal(byte(sector/8), b.Bytes()[0])
	}
}

func (suite *BlockSuite) TestWriteReadRoundTrip() {
	drv := suite.mustAttach(vmm.BlockOpts{}, DefaultOpts())
	before := suite.a.Usage()
	w := buf.MkBuf(suite.a, 1024)
	data := make([]byte, 1024)
	for i := range data {
		data[i] = byte(i * 7)
	}
	w.Load(data)
	off := 5*disk.BlockSize + 3584 // straddles two backing blocks
	suite.Require().NoError(drv.Write(w.Addr, 1024, off))

	r := buf.MkBuf(suite.a, 1024)
	suite.Require().NoError(drv.Read(r.Addr, 1024, off))
	suite.Equal(data, r.Bytes())
	suite.Equal(data[:512], suite.d.Read(5)[3584:])
	suite.Equal(bytes.Repeat([]byte{5}, 3584), suite.d.Read(5)[:3584], "neighbours untouched")

	w.Free()
	r.Free()
	suite.Equal(before, suite.a.Usage(), "request records are freed at drain")
}

func (suite *BlockSuite) TestReadOnly() {
	drv := suite.mustAttach(vmm.BlockOpts{ReadOnly: true}, DefaultOpts())
	suite.True(drv.ReadOnly())
	b := buf.MkBuf(suite.a, 512)
	err := drv.Write(b.Addr, 512, 0)
	suite.True(errors.Is(err, ErrReadOnly))
	suite.Equal(uint64(0), suite.dev.Stats().Notifies, "nothing submitted")
	suite.NoError(drv.Read(b.Addr, 512, 0))
}

func (suite *BlockSuite) TestFeaturesRejected() {
	drv, err := suite.attach(vmm.BlockOpts{RejectFeatures: true}, DefaultOpts())
	suite.True(errors.Is(err, ErrFeatures))
	suite.Equal(StateFailed, drv.State())
	suite.NotZero(suite.dev.Read32(virtio.Status) & virtio.StatusFailed)
	b := buf.MkBuf(suite.a, 512)
	suite.Equal(ErrNotReady, drv.Read(b.Addr, 512, 0))
}

func (suite *BlockSuite) TestQueueTooSmall() {
	drv, err := suite.attach(vmm.BlockOpts{QueueNumMax: 64}, DefaultOpts())
	suite.True(errors.Is(err, ErrQueueSize))
	suite.Equal(StateFailed, drv.State())
}

func (suite *BlockSuite) TestNotBlock() {
	_, err := Init(suite.m.Regs(virtio.SlotAddr(3)), suite.a, DefaultOpts())
	suite.Equal(ErrNotBlock, err)
}

func (suite *BlockSuite) TestStrictTimeout() {
	opts := DefaultOpts()
	opts.SpinBudget = 10
	drv := suite.mustAttach(vmm.BlockOpts{Mode: vmm.ModeStall}, opts)
	b := buf.MkBuf(suite.a, 512)
	err := drv.Read(b.Addr, 512, 2*disk.BlockSize)
	suite.True(errors.Is(err, ErrTimeout))
	suite.Equal(uint64(1), drv.Stats().Timeouts)
	suite.Equal(make([]byte, 512), b.Bytes())

	suite.dev.Kick()
	suite.Equal(uint64(1), drv.Stats().Drained, "late completion is still drained")
	suite.Equal(bytes.Repeat([]byte{2}, 512), b.Bytes())
}

func (suite *BlockSuite) TestBestEffort() {
	opts := DefaultOpts()
	opts.SpinBudget = 10
	opts.Mode = WaitBestEffort
	spins := 0
	opts.Relax = func() { spins++ }
	drv := suite.mustAttach(vmm.BlockOpts{Mode: vmm.ModeStall}, opts)
	b := buf.MkBuf(suite.a, 512)
	suite.NoError(drv.Read(b.Addr, 512, 0))
	suite.Equal(10, spins)
	suite.Equal(uint64(1), drv.Stats().Timeouts)
}

func (suite *BlockSuite) TestBusyDescriptors() {
	opts := DefaultOpts()
	opts.SpinBudget = 1
	opts.Mode = WaitBestEffort
	drv := suite.mustAttach(vmm.BlockOpts{Mode: vmm.ModeStall}, opts)
	b := buf.MkBuf(suite.a, 512)

	// Chains start at 0, 3, ... 123; the chain at 126 wraps onto head 0.
	pending := virtio.RING_SIZE / chainLen
	for i := uint64(0); i < pending; i++ {
		suite.Require().NoError(drv.Read(b.Addr, 512, i*512))
	}
	before := suite.a.Usage()
	err := drv.Read(b.Addr, 512, 0)
	suite.True(errors.Is(err, ErrBusy))
	suite.Equal(before, suite.a.Usage(), "refused request record is freed")

	suite.dev.Kick()
	suite.Equal(pending, drv.Stats().Drained)
	suite.NoError(drv.Read(b.Addr, 512, disk.BlockSize))
	suite.dev.Kick()
	suite.Equal(pending+1, drv.Stats().Drained)
	suite.Equal(bytes.Repeat([]byte{1}, 512), b.Bytes())
}

func (suite *BlockSuite) TestIOError() {
	drv := suite.mustAttach(vmm.BlockOpts{}, DefaultOpts())
	b := buf.MkBuf(suite.a, 512)
	err := drv.Read(b.Addr, 512, nblocks*disk.BlockSize)
	suite.True(errors.Is(err, ErrIO))

	opts := DefaultOpts()
	opts.Mode = WaitBestEffort
	drv.opts = opts
	suite.NoError(drv.Read(b.Addr, 512, nblocks*disk.BlockSize))
}

func (suite *BlockSuite) TestBadBuffer() {
	drv := suite.mustAttach(vmm.BlockOpts{}, DefaultOpts())
	err := drv.Read(0x1000, 512, 0)
	suite.True(errors.Is(err, ErrBadRequest))
	b := buf.MkBuf(suite.a, 8)
	suite.True(errors.Is(drv.Read(b.Addr, 0, 0), ErrBadRequest))
}

func (suite *BlockSuite) TestAsync() {
	drv := suite.mustAttach(vmm.BlockOpts{Mode: vmm.ModeAsync}, DefaultOpts())
	b := buf.MkBuf(suite.a, 512)
	for i := uint64(0); i < 32; i++ {
		suite.Require().NoError(drv.Read(b.Addr, 512, i*disk.BlockSize))
		suite.Equal(byte(i), b.Bytes()[511])
	}
	suite.Equal(uint64(32), drv.Stats().Drained)
}

func TestBlockSuite(t *testing.T) {
	suite.Run(t, new(BlockSuite))
}
