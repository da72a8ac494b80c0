package arena

import (
	"errors"
	"sync/atomic"
)

var errTimedOut = errors.New("arena: futex wait timed out")

const (
	mutexUnlocked    int32 = 0
	mutexLocked      int32 = 1
	mutexContested   int32 = 2 // locked, at least one waiter parked
)

// Mutex is a process-shared mutual exclusion lock living at a 4-byte
// offset inside an arena Region (spec §4.A: "process-shared mutex,
// initialized with the process-shared attribute"). It implements the
// classic three-state futex mutex so uncontended lock/unlock never enter
// the kernel.
type Mutex struct {
	word *int32
}

// NewMutex binds a Mutex to offset, which must be pre-zeroed (unlocked)
// by whichever side creates the region.
func NewMutex(r *Region, offset uint32) (*Mutex, error) {
	w, err := r.Int32Ptr(offset)
	if err != nil {
		return nil, err
	}
	return &Mutex{word: w}, nil
}

// Lock blocks until the mutex is acquired.
func (m *Mutex) Lock() {
	if atomic.CompareAndSwapInt32(m.word, mutexUnlocked, mutexLocked) {
		return
	}
	for {
		old := atomic.SwapInt32(m.word, mutexContested)
		if old == mutexUnlocked {
			return
		}
		_ = futexWait(m.word, mutexContested, nil)
	}
}

// TryLock attempts to acquire the mutex without blocking.
func (m *Mutex) TryLock() bool {
	return atomic.CompareAndSwapInt32(m.word, mutexUnlocked, mutexLocked)
}

// Unlock releases the mutex, waking one waiter if any were contesting it.
func (m *Mutex) Unlock() {
	if atomic.AddInt32(m.word, -1) != mutexUnlocked {
		atomic.StoreInt32(m.word, mutexUnlocked)
		_ = futexWake(m.word, 1)
	}
}
