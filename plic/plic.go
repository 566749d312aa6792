// Package plic is the platform interrupt controller: it maps interrupt lines
// to handlers and delivers one interrupt at a time.
package plic

import (
	"log/slog"
	"sync"

	"github.com/Virtual-Machine/corrosion/util"
)

const NLINES uint32 = 54

type Controller struct {
	mu       *sync.Mutex // held while a handler runs; interrupts are masked
	hmu      *sync.RWMutex
	handlers map[uint32]func()
	counts   map[uint32]uint64
}

func MkController() *Controller {
	return &Controller{
		mu:       new(sync.Mutex),
		hmu:      new(sync.RWMutex),
		handlers: make(map[uint32]func()),
		counts:   make(map[uint32]uint64),
	}
}

// Register enables line and routes it to h.
func (c *Controller) Register(line uint32, h func()) {
	if line == 0 || line >= NLINES {
		panic("Register: bad interrupt line")
	}
	c.hmu.Lock()
	defer c.hmu.Unlock()
	c.handlers[line] = h
	util.DPrintf(1, "plic: line %d enabled\n", line)
}

// Raise claims line, runs its handler and completes the interrupt. Lines
// without a handler are logged and dropped.
func (c *Controller) Raise(line uint32) {
	c.hmu.RLock()
	h, ok := c.handlers[line]
	c.hmu.RUnlock()
	if !ok {
		slog.Warn("spurious interrupt", "line", line)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[line]++
	h()
}

// Count is the number of interrupts delivered on line.
func (c *Controller) Count(line uint32) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[line]
}
