package arena

import (
	"sync/atomic"
	"time"
)

// Semaphore is a process-shared POSIX-style counting semaphore living at a
// 4-byte offset inside an arena Region (spec §4.A). The work container
// uses three of these per channel: free_slots, acquirable, completable.
type Semaphore struct {
	word *int32
}

// NewSemaphore binds a Semaphore to offset and, if create is true,
// initializes its count. Both sides of a channel must agree on which one
// calls with create=true (the side that built the region).
func NewSemaphore(r *Region, offset uint32, create bool, initial int32) (*Semaphore, error) {
	w, err := r.Int32Ptr(offset)
	if err != nil {
		return nil, err
	}
	if create {
		atomic.StoreInt32(w, initial)
	}
	return &Semaphore{word: w}, nil
}

// Wait blocks until the count is positive, then decrements it.
func (s *Semaphore) Wait() {
	for {
		v := atomic.LoadInt32(s.word)
		if v > 0 {
			if atomic.CompareAndSwapInt32(s.word, v, v-1) {
				return
			}
			continue
		}
		_ = futexWait(s.word, v, nil)
	}
}

// TimedWait blocks until the count is positive or the timeout elapses.
// It reports ok=false on timeout.
func (s *Semaphore) TimedWait(d time.Duration) (ok bool, err error) {
	deadline := time.Now().Add(d)
	for {
		v := atomic.LoadInt32(s.word)
		if v > 0 {
			if atomic.CompareAndSwapInt32(s.word, v, v-1) {
				return true, nil
			}
			continue
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}
		if werr := futexWait(s.word, v, &remaining); werr == errTimedOut {
			return false, nil
		}
	}
}

// TryWait decrements the count without blocking iff it is positive.
func (s *Semaphore) TryWait() bool {
	for {
		v := atomic.LoadInt32(s.word)
		if v <= 0 {
			return false
		}
		if atomic.CompareAndSwapInt32(s.word, v, v-1) {
			return true
		}
	}
}

// Signal increments the count and wakes one waiter.
func (s *Semaphore) Signal() {
	atomic.AddInt32(s.word, 1)
	_ = futexWake(s.word, 1)
}

// SignalN increments the count by n and wakes up to n waiters.
func (s *Semaphore) SignalN(n int32) {
	atomic.AddInt32(s.word, n)
	_ = futexWake(s.word, n)
}

// Value returns the current count, primarily for diagnostics/metrics.
func (s *Semaphore) Value() int32 {
	return atomic.LoadInt32(s.word)
}
