package common

import (
	"go.uber.org/atomic"
	"sync"
)

// SafeWaitGroup tolerates extra Done calls and exposes the in-flight count.
type SafeWaitGroup struct {
	sync.WaitGroup
	count atomic.Int32
}

func (wg *SafeWaitGroup) Add(delta int) {
	wg.count.Add(int32(delta))
	wg.WaitGroup.Add(delta)
}

func (wg *SafeWaitGroup) Done() {
	if wg.count.Dec() >= 0 {
		wg.WaitGroup.Done()
	} else {
		wg.count.Inc()
	}
}

func (wg *SafeWaitGroup) Count() int {
	return int(wg.count.Load())
}
