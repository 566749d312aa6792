// Package config loads the machine and kernel settings from dotenv files.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/Virtual-Machine/corrosion/alloc"
	"github.com/Virtual-Machine/corrosion/block"
	"github.com/Virtual-Machine/corrosion/common"
	"github.com/Virtual-Machine/corrosion/vmm"
)

const (
	KeyMemoryBase = "CORROSION_MEMORY_BASE"
	KeyMemorySize = "CORROSION_MEMORY_SIZE"
	KeyHeapStart  = "CORROSION_HEAP_START"
	KeyHeapSize   = "CORROSION_HEAP_SIZE"
	KeySpinBudget = "CORROSION_SPIN_BUDGET"
	KeyWaitMode   = "CORROSION_WAIT_MODE"
	KeyDeviceMode = "CORROSION_DEVICE_MODE"
	KeyDiskImage  = "CORROSION_DISK_IMAGE"
	KeyReadOnly   = "CORROSION_READ_ONLY"
	KeyDebug      = "CORROSION_DEBUG"
)

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	MemoryBase common.Paddr
	MemorySize uint64
	HeapStart  common.Paddr
	HeapSize   uint64
	SpinBudget uint64
	WaitMode   block.WaitMode
	DeviceMode vmm.DeviceMode
	DiskImage  string
	ReadOnly   bool
	Debug      uint64
}

// Default is a 128 MiB virt machine with the first MiB left to the kernel
// image.
func Default() Config {
	return Config{
		MemoryBase: 0x80000000,
		MemorySize: 128 << 20,
		HeapStart:  0x80100000,
		HeapSize:   127 << 20,
		SpinBudget: block.DefaultSpinBudget,
		WaitMode:   block.WaitStrict,
		DeviceMode: vmm.ModeSync,
	}
}

// Load reads the given dotenv files over the defaults.
func Load(filenames ...string) (Config, error) {
	env, err := godotenv.Read(filenames...)
	if err != nil {
		return Config{}, fmt.Errorf("(config-godotenv) %w", err)
	}
	return FromMap(env)
}

// Parse reads dotenv text over the defaults.
func Parse(s string) (Config, error) {
	env, err := godotenv.Unmarshal(s)
	if err != nil {
		return Config{}, fmt.Errorf("(config-godotenv) %w", err)
	}
	return FromMap(env)
}

func parseUint(env map[string]string, key string, dst *uint64) error {
	v, ok := env[key]
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.ParseUint(strings.ReplaceAll(v, "_", ""), 0, 64)
	if err != nil {
		return fmt.Errorf("%w: %s=%q: %v", ErrInvalid, key, v, err)
	}
	*dst = n
	return nil
}

func FromMap(env map[string]string) (Config, error) {
	c := Default()
	for _, f := range []struct {
		key string
		dst *uint64
	}{
		{KeyMemoryBase, &c.MemoryBase},
		{KeyMemorySize, &c.MemorySize},
		{KeyHeapStart, &c.HeapStart},
		{KeyHeapSize, &c.HeapSize},
		{KeySpinBudget, &c.SpinBudget},
		{KeyDebug, &c.Debug},
	} {
		if err := parseUint(env, f.key, f.dst); err != nil {
			return Config{}, err
		}
	}

	switch v := strings.ToLower(env[KeyWaitMode]); v {
	case "":
	case "strict":
		c.WaitMode = block.WaitStrict
	case "besteffort", "best-effort":
		c.WaitMode = block.WaitBestEffort
	default:
		return Config{}, fmt.Errorf("%w: %s=%q", ErrInvalid, KeyWaitMode, v)
	}

	switch v := strings.ToLower(env[KeyDeviceMode]); v {
	case "":
	case "sync":
		c.DeviceMode = vmm.ModeSync
	case "async":
		c.DeviceMode = vmm.ModeAsync
	default:
		return Config{}, fmt.Errorf("%w: %s=%q", ErrInvalid, KeyDeviceMode, v)
	}

	c.DiskImage = env[KeyDiskImage]
	if v, ok := env[KeyReadOnly]; ok && v != "" {
		ro, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("%w: %s=%q", ErrInvalid, KeyReadOnly, v)
		}
		c.ReadOnly = ro
	}
	return c, c.Validate()
}

// Validate checks that the heap lies inside memory and can hold the byte
// pool.
func (c Config) Validate() error {
	end := c.MemoryBase + c.MemorySize
	if end < c.MemoryBase {
		return fmt.Errorf("%w: memory wraps the address space", ErrInvalid)
	}
	if c.HeapStart < c.MemoryBase || c.HeapStart+c.HeapSize > end ||
		c.HeapStart+c.HeapSize < c.HeapStart {
		return fmt.Errorf("%w: heap [%#x, %#x) outside memory [%#x, %#x)",
			ErrInvalid, c.HeapStart, c.HeapStart+c.HeapSize, c.MemoryBase, end)
	}
	min := (alloc.BYTEPOOLPAGES + 2) * common.PAGESIZE
	if c.HeapSize < min {
		return fmt.Errorf("%w: heap of %d bytes is smaller than %d", ErrInvalid,
			c.HeapSize, min)
	}
	if c.SpinBudget == 0 {
		return fmt.Errorf("%w: zero spin budget", ErrInvalid)
	}
	return nil
}
