// Package kernel owns the kernel's state and brings it up on a machine.
//
// Everything the storage stack needs (allocator, interrupt routing, block
// device, mounted filesystem) hangs off one Kernel value built by Boot.
package kernel

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/Virtual-Machine/corrosion/alloc"
	"github.com/Virtual-Machine/corrosion/arch"
	"github.com/Virtual-Machine/corrosion/block"
	"github.com/Virtual-Machine/corrosion/common"
	"github.com/Virtual-Machine/corrosion/config"
	"github.com/Virtual-Machine/corrosion/minixfs"
	"github.com/Virtual-Machine/corrosion/virtio"
	"github.com/Virtual-Machine/corrosion/vmm"
)

var ErrNoDisk = errors.New("no usable block device")

type Kernel struct {
	cfg   config.Config
	m     *vmm.Machine
	a     *alloc.Alloc
	table *virtio.Table
	blk   *block.Device
	fs    *minixfs.FileSystem
}

// MkMachine builds a machine for cfg with d plugged into the first virtio
// slot.
func MkMachine(cfg config.Config, d vmm.Backing, nblocks uint64) (*vmm.Machine, *vmm.BlockDevice) {
	m := vmm.MkMachine(cfg.MemoryBase, cfg.MemorySize)
	dev := m.AttachBlock(0, d, nblocks, vmm.BlockOpts{
		Mode:     cfg.DeviceMode,
		ReadOnly: cfg.ReadOnly,
	})
	return m, dev
}

func blockOpts(cfg config.Config) block.Opts {
	return block.Opts{
		SpinBudget: cfg.SpinBudget,
		Mode:       cfg.WaitMode,
		Relax:      arch.NoOperation,
	}
}

// Boot brings the kernel up: allocator, interrupt routing, virtio devices,
// then the filesystem on the first block device that negotiates.
func Boot(m *vmm.Machine, cfg config.Config) (*Kernel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	k := &Kernel{cfg: cfg, m: m}
	k.a = alloc.MkAlloc(m.Mem, cfg.HeapStart, cfg.HeapSize)
	slog.Info("allocator ready", "heap", fmt.Sprintf("%#x", cfg.HeapStart),
		"size", cfg.HeapSize)

	k.table = virtio.MkTable()
	slots := virtio.Probe(m)
	for _, s := range slots {
		line := s.Line
		m.Plic.Register(line, func() { k.table.Interrupt(line) })
	}

	for _, s := range slots {
		if s.Type != virtio.DevBlock {
			slog.Info("no driver for virtio device", "slot", s.Index, "type", s.Type.String())
			continue
		}
		dev, err := block.Init(s.Regs, k.a, blockOpts(cfg))
		if err != nil {
			slog.Warn("block device unusable", "slot", s.Index, "err", err)
			continue
		}
		k.table.Attach(s, dev.InterruptHandler)
		if k.blk == nil {
			k.blk = dev
		}
	}
	if k.blk == nil {
		return nil, ErrNoDisk
	}

	fs, err := minixfs.Mount(k.blk, k.a)
	if err != nil {
		return nil, fmt.Errorf("mount: %w", err)
	}
	k.fs = fs
	return k, nil
}

func (k *Kernel) Config() config.Config {
	return k.cfg
}

func (k *Kernel) Alloc() *alloc.Alloc {
	return k.a
}

func (k *Kernel) Block() *block.Device {
	return k.blk
}

func (k *Kernel) FS() *minixfs.FileSystem {
	return k.fs
}

func (k *Kernel) BlockRead(buf common.Paddr, size uint32, offset uint64) error {
	return k.blk.Read(buf, size, offset)
}

func (k *Kernel) BlockWrite(buf common.Paddr, size uint32, offset uint64) error {
	return k.blk.Write(buf, size, offset)
}

// BlockInterruptHandler retires completed requests on the boot disk.
func (k *Kernel) BlockInterruptHandler() {
	k.blk.InterruptHandler()
}

func (k *Kernel) FilesystemReadFile(path string, dst []byte, offset uint32) (uint32, error) {
	return k.fs.ReadFile(path, dst, offset)
}

func (k *Kernel) AllocatePages(n uint64) common.Paddr {
	return k.a.MustAllocPages(n)
}

func (k *Kernel) AllocateBytes(n uint64) common.Paddr {
	return k.a.MustAllocBytes(n)
}

func (k *Kernel) FreeBytes(p common.Paddr) {
	k.a.FreeBytes(p)
}

// Dump writes the heap map and the filesystem summary.
func (k *Kernel) Dump(w io.Writer) {
	k.a.Dump(w)
	fmt.Fprintln(w)
	k.fs.Dump(w)
	st := k.blk.Stats()
	fmt.Fprintf(w, "\nblock: %d reads, %d writes, %d interrupts, %d drained, %d timeouts\n",
		st.Reads, st.Writes, st.Interrupts, st.Drained, st.Timeouts)
}
