package clock

import (
	"sync/atomic"
	"time"
)

// AtomicClock hands out strictly increasing versions. Values follow the wall
// clock in nanoseconds but never go backwards, even if the wall clock does.
type AtomicClock struct {
	last atomic.Int64
	now  func() time.Time
}

func NewAtomic(init int64) *AtomicClock {
	ac := AtomicClock{now: time.Now}
	ac.Set(init)
	return &ac
}

// Val returns the last issued version.
func (ac *AtomicClock) Val() int64 {
	return ac.last.Load()
}

// Next returns a version greater than every version issued before.
func (ac *AtomicClock) Next() int64 {
	for {
		last := ac.last.Load()
		next := ac.now().UnixNano()
		if next <= last {
			next = last + 1
		}
		if ac.last.CompareAndSwap(last, next) {
			return next
		}
	}
}

// Observe moves the clock forward so later versions exceed v.
func (ac *AtomicClock) Observe(v int64) {
	for {
		last := ac.last.Load()
		if v <= last || ac.last.CompareAndSwap(last, v) {
			return
		}
	}
}

func (ac *AtomicClock) Set(t int64) {
	ac.last.Store(t)
}
