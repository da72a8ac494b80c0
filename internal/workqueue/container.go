// Package workqueue implements the bounded, lock-free work container that
// carries requests and responses across the dispatcher↔worker boundary
// (spec §4.B). It is laid out directly inside an arena.Region at a fixed
// offset past the allocator's superblock (internal/ipc places it after
// the superblock and the code-cache header), so that the dispatcher and a worker
// process observe the exact same ring through their independent mappings
// of the same shared memory.
//
// The container itself holds only fixed-size index/flag bookkeeping and a
// ring of item descriptors; the variable-length request/response payloads
// are separately allocated from the region's block allocator and
// referenced by offset, keeping every ring slot a constant size.
package workqueue

import (
	"errors"
	"fmt"

	"github.com/sandboxrt/kernel/internal/arena"
)

// DefaultCapacity is the default ring size (spec §4.B).
const DefaultCapacity = 1024

// ErrStopped is returned by GetRequest/GetCompleted after ReleaseLocks has
// been called, per the stop-flag contract in spec §4.B.
var ErrStopped = errors.New("workqueue: container stopped")

// ErrNoSlot names the ring-full condition. TryAcquireAdd does not return
// it; it reports a full ring by returning false.
var ErrNoSlot = errors.New("workqueue: no free slot")

// container header, placed at a fixed offset inside the region:
//
//	+0  capacity      uint32
//	+4  addIndex      uint32  atomic
//	+8  acquireIndex  uint32  atomic
//	+12 completeIndex uint32  atomic
//	+16 size          uint32  atomic
//	+20 stopFlag      uint32  atomic, 0/1
//	+24 producerMutex uint32  guards add()
//	+28 freeSlots     int32   semaphore word
//	+32 acquirable    int32   semaphore word
//	+36 completable   int32   semaphore word
const (
	hdrCapacity      = 0
	hdrAddIndex      = 4
	hdrAcquireIndex  = 8
	hdrCompleteIndex = 12
	hdrSize          = 16
	hdrStopFlag      = 20
	hdrProducerMutex = 24
	hdrFreeSlots     = 28
	hdrAcquirable    = 32
	hdrCompletable   = 36

	headerSize = 40
)

// itemSize is the fixed size of one ring slot:
//
//	+0  requestOffset  uint32  0 = empty
//	+4  responseOffset uint32  0 = not yet completed
//	+8  hasBeenWorked  uint32  0/1
//	+12 reserved       uint32
const itemSize = 16

// Container is a bounded ring of work items (spec §4.B "Work container").
type Container struct {
	region    *arena.Region
	base      uint32 // offset of the header
	itemsBase uint32 // offset of the ring array
	capacity  uint32

	producerMu  *arena.Mutex
	freeSlots   *arena.Semaphore
	acquirable  *arena.Semaphore
	completable *arena.Semaphore
}

// Size reports the number of bytes a Container occupies at a given
// capacity, so callers can reserve that much space before handing the
// remainder of the region to arena.InitAt.
func Size(capacity uint32) uint32 {
	return headerSize + capacity*itemSize
}

// Create formats a new work container at offset base, sized for capacity
// items, and returns a Container bound to it. Only the side that owns the
// region (the dispatcher) calls Create; the worker side calls Open.
func Create(region *arena.Region, base, capacity uint32) (*Container, error) {
	if capacity == 0 {
		capacity = DefaultCapacity
	}
	if err := region.StoreU32(base+hdrCapacity, capacity); err != nil {
		return nil, err
	}
	for _, off := range []uint32{hdrAddIndex, hdrAcquireIndex, hdrCompleteIndex, hdrSize, hdrStopFlag, hdrProducerMutex} {
		if err := region.StoreU32(base+off, 0); err != nil {
			return nil, err
		}
	}
	return attach(region, base, capacity, true)
}

// Open binds a Container to a work container previously formatted with
// Create, reading its capacity from the header.
func Open(region *arena.Region, base uint32) (*Container, error) {
	capacity, err := region.LoadU32(base + hdrCapacity)
	if err != nil {
		return nil, err
	}
	if capacity == 0 {
		return nil, fmt.Errorf("workqueue: container at offset %d is not initialized", base)
	}
	return attach(region, base, capacity, false)
}

func attach(region *arena.Region, base, capacity uint32, create bool) (*Container, error) {
	producerMu, err := arena.NewMutex(region, base+hdrProducerMutex)
	if err != nil {
		return nil, err
	}
	freeSlots, err := arena.NewSemaphore(region, base+hdrFreeSlots, create, int32(capacity))
	if err != nil {
		return nil, err
	}
	acquirable, err := arena.NewSemaphore(region, base+hdrAcquirable, create, 0)
	if err != nil {
		return nil, err
	}
	completable, err := arena.NewSemaphore(region, base+hdrCompletable, create, 0)
	if err != nil {
		return nil, err
	}
	return &Container{
		region:      region,
		base:        base,
		itemsBase:   base + headerSize,
		capacity:    capacity,
		producerMu:  producerMu,
		freeSlots:   freeSlots,
		acquirable:  acquirable,
		completable: completable,
	}, nil
}

func (c *Container) itemOffset(index uint32) uint32 {
	return c.itemsBase + (index%c.capacity)*itemSize
}

func (c *Container) stopped() (bool, error) {
	v, err := c.region.LoadU32(c.base + hdrStopFlag)
	return v != 0, err
}

// TryAcquireAdd non-blockingly reserves a slot for a future Add. Callers
// must pair a successful TryAcquireAdd with exactly one Add.
func (c *Container) TryAcquireAdd() bool {
	return c.freeSlots.TryWait()
}

// Add places requestOffset (the offset of a block already holding the
// serialized request) into the slot reserved by a prior TryAcquireAdd,
// and returns the slot index it landed in. The dispatcher does not key
// anything by this value; it pairs callbacks with responses by the ring's
// FIFO order.
func (c *Container) Add(requestOffset uint32) (uint32, error) {
	c.producerMu.Lock()
	defer c.producerMu.Unlock()

	addIdx, err := c.region.LoadU32(c.base + hdrAddIndex)
	if err != nil {
		return 0, err
	}
	off := c.itemOffset(addIdx)
	if err := c.region.StoreU32(off+0, requestOffset); err != nil {
		return 0, err
	}
	if err := c.region.StoreU32(off+4, 0); err != nil {
		return 0, err
	}
	if err := c.region.StoreU32(off+8, 0); err != nil {
		return 0, err
	}
	if _, err := c.region.AddU32(c.base+hdrAddIndex, 1); err != nil {
		return 0, err
	}
	if _, err := c.region.AddU32(c.base+hdrSize, 1); err != nil {
		return 0, err
	}
	c.acquirable.Signal()
	return addIdx % c.capacity, nil
}

// GetRequest waits for a request to become available and returns the
// index of its acquired slot along with the request payload offset and
// whether the slot had already been marked has_been_worked before this
// call observed it. The caller must follow up with Complete.
func (c *Container) GetRequest() (slotIndex, requestOffset uint32, hadBeenWorked bool, err error) {
	if stopped, serr := c.stopped(); serr != nil {
		return 0, 0, false, serr
	} else if stopped {
		return 0, 0, false, ErrStopped
	}

	c.acquirable.Wait()

	if stopped, serr := c.stopped(); serr != nil {
		return 0, 0, false, serr
	} else if stopped {
		return 0, 0, false, ErrStopped
	}

	idx, err := c.region.LoadU32(c.base + hdrAcquireIndex)
	if err != nil {
		return 0, 0, false, err
	}
	off := c.itemOffset(idx)
	reqOff, err := c.region.LoadU32(off + 0)
	if err != nil {
		return 0, 0, false, err
	}
	worked, err := c.region.LoadU32(off + 8)
	if err != nil {
		return 0, 0, false, err
	}
	if err := c.region.StoreU32(off+8, 1); err != nil {
		return 0, 0, false, err
	}
	if _, err := c.region.AddU32(c.base+hdrAcquireIndex, 1); err != nil {
		return 0, 0, false, err
	}
	return idx, reqOff, worked != 0, nil
}

// Complete records responseOffset for the slot returned by a prior
// GetRequest and signals the completable semaphore.
func (c *Container) Complete(slotIndex, responseOffset uint32) error {
	off := c.itemOffset(slotIndex)
	if err := c.region.StoreU32(off+4, responseOffset); err != nil {
		return err
	}
	c.completable.Signal()
	return nil
}

// GetCompleted waits for a completed response and returns its slot index
// and the response payload offset, then frees the slot.
func (c *Container) GetCompleted() (slotIndex, responseOffset uint32, err error) {
	if stopped, serr := c.stopped(); serr != nil {
		return 0, 0, serr
	} else if stopped {
		return 0, 0, ErrStopped
	}

	c.completable.Wait()

	if stopped, serr := c.stopped(); serr != nil {
		return 0, 0, serr
	} else if stopped {
		return 0, 0, ErrStopped
	}

	idx, err := c.region.LoadU32(c.base + hdrCompleteIndex)
	if err != nil {
		return 0, 0, err
	}
	off := c.itemOffset(idx)
	respOff, err := c.region.LoadU32(off + 4)
	if err != nil {
		return 0, 0, err
	}
	if _, err := c.region.AddU32(c.base+hdrCompleteIndex, 1); err != nil {
		return 0, 0, err
	}
	if _, err := c.region.AddU32(c.base+hdrSize, ^uint32(0)); err != nil { // -1
		return 0, 0, err
	}
	c.freeSlots.Signal()
	return idx, respOff, nil
}

// HasBeenWorked reports the slot's has_been_worked flag without blocking,
// used by a restarted worker replaying a request it may have died on.
func (c *Container) HasBeenWorked(slotIndex uint32) (bool, error) {
	v, err := c.region.LoadU32(c.itemOffset(slotIndex) + 8)
	return v != 0, err
}

// HasPendingAcquire reports whether a request has been acquired but not
// yet completed, i.e. the most recently acquired slot has no response
// offset recorded yet (spec §4.C "has_pending_request(): true iff the last acquire has not
// yet been completed"). A restarted worker checks this to know whether
// its predecessor died mid-request.
func (c *Container) HasPendingAcquire() (bool, error) {
	acquireIdx, err := c.region.LoadU32(c.base + hdrAcquireIndex)
	if err != nil {
		return false, err
	}
	completeIdx, err := c.region.LoadU32(c.base + hdrCompleteIndex)
	if err != nil {
		return false, err
	}
	if acquireIdx == completeIdx {
		return false, nil
	}
	respOff, err := c.region.LoadU32(c.itemOffset(acquireIdx-1) + 4)
	if err != nil {
		return false, err
	}
	return respOff == 0, nil
}

// LastAcquiredSlot returns the slot index one before the current acquire
// index, the slot a pending acquire (per HasPendingAcquire) refers to.
func (c *Container) LastAcquiredSlot() (uint32, error) {
	acquireIdx, err := c.region.LoadU32(c.base + hdrAcquireIndex)
	if err != nil {
		return 0, err
	}
	return (acquireIdx - 1) % c.capacity, nil
}

// ReleaseLocks sets the stop flag and wakes every waiter on acquirable and
// completable so they observe ErrStopped (spec §4.B "release_locks").
func (c *Container) ReleaseLocks() error {
	if err := c.region.StoreU32(c.base+hdrStopFlag, 1); err != nil {
		return err
	}
	c.acquirable.SignalN(int32(c.capacity) + 1)
	c.completable.SignalN(int32(c.capacity) + 1)
	return nil
}

// ReleaseAcquireLock unblocks a worker parked in GetRequest without
// stopping the whole container, used to let a restarted worker resume a
// request slot it had already acquired before crashing (spec §4.C
// "release_acquire_lock").
func (c *Container) ReleaseAcquireLock() {
	c.acquirable.Signal()
}

// Len returns the current number of occupied slots.
func (c *Container) Len() (uint32, error) {
	return c.region.LoadU32(c.base + hdrSize)
}

// Capacity returns the ring's fixed capacity.
func (c *Container) Capacity() uint32 { return c.capacity }
