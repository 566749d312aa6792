// Package phys models guest physical memory.
//
// Memory is one contiguous region [base, base+size). Every access goes through
// an accessor that checks the range, so neither the kernel nor a device model
// can touch bytes outside the region. Device models run on their own
// goroutines, so accesses are serialized by a lock; callers never get a slice
// that aliases the region.
package phys

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/tchajed/marshal"

	"github.com/Virtual-Machine/corrosion/common"
)

type Memory struct {
	mu   *sync.RWMutex
	base common.Paddr
	data []byte
}

func MkMemory(base common.Paddr, size uint64) *Memory {
	return &Memory{
		mu:   new(sync.RWMutex),
		base: base,
		data: make([]byte, size),
	}
}

func (m *Memory) Base() common.Paddr {
	return m.base
}

func (m *Memory) Size() uint64 {
	return uint64(len(m.data))
}

func (m *Memory) End() common.Paddr {
	return m.base + uint64(len(m.data))
}

// Contains reports whether [a, a+n) lies inside the region.
func (m *Memory) Contains(a common.Paddr, n uint64) bool {
	if a < m.base || a+n < a {
		return false
	}
	return a+n <= m.End()
}

func (m *Memory) off(a common.Paddr, n uint64) uint64 {
	if !m.Contains(a, n) {
		panic(fmt.Errorf("phys: access [%#x, %#x) outside [%#x, %#x)",
			a, a+n, m.base, m.End()))
	}
	return a - m.base
}

// Read copies len(dst) bytes starting at a into dst.
func (m *Memory) Read(a common.Paddr, dst []byte) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o := m.off(a, uint64(len(dst)))
	copy(dst, m.data[o:])
}

// Write copies src into memory starting at a.
func (m *Memory) Write(a common.Paddr, src []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o := m.off(a, uint64(len(src)))
	copy(m.data[o:], src)
}

func (m *Memory) Zero(a common.Paddr, n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o := m.off(a, n)
	d := m.data[o : o+n]
	for i := range d {
		d[i] = 0
	}
}

func (m *Memory) Read8(a common.Paddr) uint8 {
	var b [1]byte
	m.Read(a, b[:])
	return b[0]
}

func (m *Memory) Write8(a common.Paddr, v uint8) {
	m.Write(a, []byte{v})
}

func (m *Memory) Read16(a common.Paddr) uint16 {
	var b [2]byte
	m.Read(a, b[:])
	return binary.LittleEndian.Uint16(b[:])
}

func (m *Memory) Write16(a common.Paddr, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	m.Write(a, b[:])
}

func (m *Memory) Read32(a common.Paddr) uint32 {
	var b [4]byte
	m.Read(a, b[:])
	return binary.LittleEndian.Uint32(b[:])
}

func (m *Memory) Write32(a common.Paddr, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	m.Write(a, b[:])
}

func (m *Memory) Read64(a common.Paddr) uint64 {
	b := make([]byte, 8)
	m.Read(a, b)
	dec := marshal.NewDec(b)
	return dec.GetInt()
}

func (m *Memory) Write64(a common.Paddr, v uint64) {
	enc := marshal.NewEnc(8)
	enc.PutInt(v)
	m.Write(a, enc.Finish())
}
