package common

const (
	PAGESIZE   uint64 = 4096
	SECTORSIZE uint64 = 512
)

// Paddr is a guest physical address.
type Paddr = uint64

const NULLADDR Paddr = 0

type Inum uint32
type Zone = uint32

const (
	NULLINUM Inum = 0
	ROOTINUM Inum = 1
	NULLZONE Zone = 0
)
