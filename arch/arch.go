// Package arch holds the architecture primitives the kernel relies on. On the
// simulated machine they yield the processor to the goroutines that model
// devices.
package arch

import (
	"runtime"
	"time"
)

// NoOperation burns one spin iteration.
func NoOperation() {
	runtime.Gosched()
}

// WaitForInterrupt parks the hart until some device may have made progress.
func WaitForInterrupt() {
	time.Sleep(time.Microsecond)
}
