package buf

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Virtual-Machine/corrosion/alloc"
	"github.com/Virtual-Machine/corrosion/common"
	"github.com/Virtual-Machine/corrosion/phys"
)

func mkAlloc() *alloc.Alloc {
	mem := phys.MkMemory(0x80000000, 4<<20)
	return alloc.MkAlloc(mem, 0x80000000, 4<<20)
}

func TestLoadBytes(t *testing.T) {
	assert := assert.New(t)
	b := MkBuf(mkAlloc(), 16)
	assert.Equal(make([]byte, 16), b.Bytes(), "zeroed")

	b.Load([]byte("hi\n!"))
	assert.Equal([]byte("hi\n!"), b.Bytes()[:4])

	dst := make([]byte, 32)
	n := b.CopyTo(dst, 1)
	assert.Equal(uint64(15), n)
	assert.Equal([]byte("i\n!"), dst[:3])
	assert.Equal(uint64(0), b.CopyTo(dst, 16))

	assert.Panics(func() { b.Load(make([]byte, 17)) })
}

func TestFree(t *testing.T) {
	assert := assert.New(t)
	a := mkAlloc()
	before := a.Usage()
	b := MkBuf(a, 24)
	c := MkBuf(a, 24)
	assert.NotEqual(b.Addr, c.Addr)
	b.Free()
	c.Free()
	assert.Equal(before, a.Usage())
	assert.Equal(common.NULLADDR, b.Addr)
}
