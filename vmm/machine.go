// Package vmm is the simulated RISC-V virt machine the kernel runs against:
// physical memory, the interrupt controller and the virtio MMIO bus.
package vmm

import (
	"fmt"
	"sync"

	"github.com/Virtual-Machine/corrosion/common"
	"github.com/Virtual-Machine/corrosion/phys"
	"github.com/Virtual-Machine/corrosion/plic"
	"github.com/Virtual-Machine/corrosion/util"
	"github.com/Virtual-Machine/corrosion/virtio"
)

type Machine struct {
	Mem  *phys.Memory
	Plic *plic.Controller

	mu    *sync.Mutex
	slots [virtio.NSLOTS]virtio.Regs
}

func MkMachine(memBase common.Paddr, memSize uint64) *Machine {
	return &Machine{
		Mem:  phys.MkMemory(memBase, memSize),
		Plic: plic.MkController(),
		mu:   new(sync.Mutex),
	}
}

// Attach plugs a device into MMIO slot i.
func (m *Machine) Attach(i uint64, r virtio.Regs) {
	if i >= virtio.NSLOTS {
		panic(fmt.Errorf("Attach: no slot %d", i))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.slots[i] != nil {
		panic(fmt.Errorf("Attach: slot %d in use", i))
	}
	m.slots[i] = r
	util.DPrintf(1, "vmm: slot %d at %#x attached\n", i, virtio.SlotAddr(i))
}

// AttachBlock plugs a block device backed by d into slot i and wires its
// interrupt to the slot's line.
func (m *Machine) AttachBlock(i uint64, d Backing, nblocks uint64, opts BlockOpts) *BlockDevice {
	line := virtio.SlotLine(i)
	dev := MkBlockDevice(m.Mem, d, nblocks, opts, func() { m.Plic.Raise(line) })
	m.Attach(i, dev)
	return dev
}

// Regs returns the register window at addr. Empty slots answer like QEMU's
// placeholder transport: a valid magic and device id 0.
func (m *Machine) Regs(addr uint64) virtio.Regs {
	if addr < virtio.MMIOStart || addr > virtio.MMIOEnd ||
		(addr-virtio.MMIOStart)%virtio.MMIOStride != 0 {
		return nil
	}
	i := (addr - virtio.MMIOStart) / virtio.MMIOStride
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.slots[i] == nil {
		return emptySlot{}
	}
	return m.slots[i]
}

type emptySlot struct{}

func (emptySlot) Read32(off uint64) uint32 {
	switch off {
	case virtio.MagicValue:
		return virtio.MAGIC
	case virtio.Version:
		return 1
	}
	return 0
}

func (emptySlot) Write32(off uint64, v uint32) {}
