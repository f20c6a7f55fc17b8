package common

import (
	"sync/atomic"
)

var runningGRs int64

// Go spawns a goroutine and keeps track of the number of running GRs so that tests can check the runtime's
// background workers have all exited after destroy.
func Go(f func()) {
	atomic.AddInt64(&runningGRs, 1)
	go func() {
		defer atomic.AddInt64(&runningGRs, -1)
		f()
	}()
}

func RunningGRCount() int64 {
	return atomic.LoadInt64(&runningGRs)
}
