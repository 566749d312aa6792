// Package virtio holds the legacy virtio MMIO register map and the split
// virtqueue layout shared by drivers and device models.
package virtio

// Register byte offsets within a device's MMIO window.
const (
	MagicValue     uint64 = 0x000
	Version        uint64 = 0x004
	DeviceID       uint64 = 0x008
	VendorID       uint64 = 0x00c
	HostFeatures   uint64 = 0x010
	HostFeaturesS  uint64 = 0x014
	GuestFeatures  uint64 = 0x020
	GuestFeaturesS uint64 = 0x024
	GuestPageSize  uint64 = 0x028
	QueueSel       uint64 = 0x030
	QueueNumMax    uint64 = 0x034
	QueueNum       uint64 = 0x038
	QueueAlign     uint64 = 0x03c
	QueuePFN       uint64 = 0x040
	QueueNotify    uint64 = 0x050
	InterruptStat  uint64 = 0x060
	InterruptACK   uint64 = 0x064
	Status         uint64 = 0x070
	Config         uint64 = 0x100
)

const MAGIC uint32 = 0x74726976 // "virt"

// Device status bits.
const (
	StatusAcknowledge uint32 = 1
	StatusDriver      uint32 = 2
	StatusDriverOK    uint32 = 4
	StatusFeaturesOK  uint32 = 8
	StatusNeedsReset  uint32 = 64
	StatusFailed      uint32 = 128
)

// Block device feature bits.
const (
	BlkFSizeMax  uint32 = 1 << 1
	BlkFSegMax   uint32 = 1 << 2
	BlkFGeometry uint32 = 1 << 4
	BlkFRO       uint32 = 1 << 5
	BlkFBlkSize  uint32 = 1 << 6
	BlkFFlush    uint32 = 1 << 9
)

type DeviceType uint32

const (
	DevNone    DeviceType = 0
	DevNetwork DeviceType = 1
	DevBlock   DeviceType = 2
	DevConsole DeviceType = 3
	DevEntropy DeviceType = 4
	DevGPU     DeviceType = 16
	DevInput   DeviceType = 18
)

func (t DeviceType) String() string {
	switch t {
	case DevNone:
		return "none"
	case DevNetwork:
		return "network"
	case DevBlock:
		return "block"
	case DevConsole:
		return "console"
	case DevEntropy:
		return "entropy"
	case DevGPU:
		return "gpu"
	case DevInput:
		return "input"
	}
	return "unknown"
}

// MMIO device slots on the virt platform.
const (
	MMIOStart  uint64 = 0x10001000
	MMIOEnd    uint64 = 0x10008000
	MMIOStride uint64 = 0x1000
	NSLOTS     uint64 = (MMIOEnd-MMIOStart)/MMIOStride + 1
)

// SlotAddr is the base of the MMIO window of slot i.
func SlotAddr(i uint64) uint64 {
	return MMIOStart + i*MMIOStride
}

// SlotLine is the interrupt line of slot i.
func SlotLine(i uint64) uint32 {
	return uint32(i) + 1
}

// Regs is one device's register window, addressed by byte offset.
type Regs interface {
	Read32(off uint64) uint32
	Write32(off uint64, v uint32)
}

// Block request types and completion status.
const (
	BlkTIn    uint32 = 0
	BlkTOut   uint32 = 1
	BlkTFlush uint32 = 4

	BlkSOK     uint8 = 0
	BlkSIOErr  uint8 = 1
	BlkSUnsupp uint8 = 2
)
