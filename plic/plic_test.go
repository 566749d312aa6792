package plic

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRaise(t *testing.T) {
	assert := assert.New(t)
	c := MkController()
	n := 0
	c.Register(1, func() { n++ })
	c.Raise(1)
	c.Raise(2)
	assert.Equal(1, n)
	assert.Equal(uint64(1), c.Count(1))
	assert.Equal(uint64(0), c.Count(2), "spurious lines are dropped")
	assert.Panics(func() { c.Register(0, func() {}) })
}

func TestMasked(t *testing.T) {
	c := MkController()
	inside := 0
	max := 0
	c.Register(3, func() {
		inside++
		if inside > max {
			max = inside
		}
		inside--
	})
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Raise(3)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, max, "handlers never nest")
	assert.Equal(t, uint64(16), c.Count(3))
}
