package virtio

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/Virtual-Machine/corrosion/util"
)

// Bus maps an MMIO slot address to the device registers behind it.
type Bus interface {
	Regs(addr uint64) Regs
}

// A Slot is one populated MMIO window found by Probe.
type Slot struct {
	Index uint64
	Addr  uint64
	Line  uint32
	Type  DeviceType
	Regs  Regs
}

func (s Slot) String() string {
	return fmt.Sprintf("virtio%d(%s @ %#x irq %d)", s.Index, s.Type, s.Addr, s.Line)
}

// Probe scans every MMIO slot and returns those holding a device. Slots with
// a bad magic value or device id 0 are empty.
func Probe(bus Bus) []Slot {
	var slots []Slot
	for i := uint64(0); i < NSLOTS; i++ {
		a := SlotAddr(i)
		regs := bus.Regs(a)
		if regs == nil {
			continue
		}
		if m := regs.Read32(MagicValue); m != MAGIC {
			util.DPrintf(1, "Probe: %#x bad magic %#x\n", a, m)
			continue
		}
		t := DeviceType(regs.Read32(DeviceID))
		if t == DevNone {
			continue
		}
		s := Slot{Index: i, Addr: a, Line: SlotLine(i), Type: t, Regs: regs}
		slog.Info("virtio device found", "slot", i, "addr", fmt.Sprintf("%#x", a),
			"type", t.String(), "line", s.Line)
		slots = append(slots, s)
	}
	return slots
}

// Table records the device type of each slot and routes interrupt lines to
// the driver attached to the slot.
type Table struct {
	mu       *sync.Mutex
	types    [NSLOTS]DeviceType
	handlers [NSLOTS]func()
}

func MkTable() *Table {
	return &Table{mu: new(sync.Mutex)}
}

// Attach installs h as the interrupt handler of s.
func (t *Table) Attach(s Slot, h func()) {
	if s.Index >= NSLOTS {
		panic("Attach: slot out of range")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.types[s.Index] = s.Type
	t.handlers[s.Index] = h
}

func (t *Table) Type(index uint64) DeviceType {
	if index >= NSLOTS {
		return DevNone
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.types[index]
}

// Interrupt dispatches line to its slot's handler. It reports false for
// lines with no driver attached.
func (t *Table) Interrupt(line uint32) bool {
	if line == 0 || uint64(line) > NSLOTS {
		slog.Warn("virtio interrupt on unknown line", "line", line)
		return false
	}
	i := uint64(line) - 1
	t.mu.Lock()
	h := t.handlers[i]
	typ := t.types[i]
	t.mu.Unlock()
	if h == nil {
		slog.Warn("virtio interrupt with no driver", "line", line, "type", typ.String())
		return false
	}
	h()
	return true
}
