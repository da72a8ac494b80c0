package arena

import (
	"errors"
	"fmt"
)

// ErrNoSpace is returned by Alloc when no block is large enough.
var ErrNoSpace = errors.New("arena: no space")

// block header layout, 16 bytes, 4-byte aligned fields:
//
//	+0  next     uint32  offset of the next contiguous block, 0 if tail
//	+4  dataSize uint32  usable bytes following the header
//	+8  flags    uint32  bit 0 set => free
//	+12 reserved uint32  padding, reserved for future use
const (
	headerSize = 16
	hdrNext    = 0
	hdrSize    = 4
	hdrFlags   = 8

	flagFree uint32 = 1 << 0
)

// superblock layout, placed at the start of the region:
//
//	+0  magic          uint32
//	+4  firstBlock     uint32  offset of the first block header
//	+8  firstFreeHint  uint32  offset of a block believed free, 0 = unknown
//	+12 lastBlock      uint32  offset of the tail block header
//	+16 mutexWord      uint32  region-wide allocator mutex
//	+20 allocatedBytes uint32  low 32 bits of the running total (see Allocator.AllocatedBytes)
//	+24 allocatedHigh  uint32  high 32 bits
//	+28 reserved       uint32
const (
	superblockMagic         = 0x41524E41 // "ARNA"
	sbMagic                 = 0
	sbFirstBlock            = 4
	sbFirstFreeHint         = 8
	sbLastBlock             = 12
	sbMutexWord             = 16
	sbAllocatedLow          = 20
	sbAllocatedHigh         = 24
	SuperblockSize   uint32 = 32
)

// Allocator is the region-wide block allocator described in spec §4.A.
// Allocation takes the allocator mutex. Deallocation flips the free bit
// and moves the first-free hint without it, but still takes the mutex
// briefly to update the allocated-bytes counter.
type Allocator struct {
	region *Region
	mu     *Mutex
}

// Init formats a freshly-created region: writes the superblock and a
// single free block spanning the remainder of the region. Only the side
// that creates the region (the dispatcher) calls Init; the worker side
// calls Attach to bind to the already-initialized layout.
func Init(region *Region) (*Allocator, error) {
	return InitAt(region, SuperblockSize)
}

// InitAt is Init, but the allocator's heap begins at dataStart instead of
// immediately after the superblock. Callers that place their own
// fixed-layout structures (e.g. a work container's ring and semaphores)
// between the superblock and the heap use this to reserve that space.
func InitAt(region *Region, dataStart uint32) (*Allocator, error) {
	size := region.Size()
	if size <= dataStart+headerSize {
		return nil, fmt.Errorf("arena: region too small (%d bytes)", size)
	}
	if err := region.StoreU32(sbMagic, superblockMagic); err != nil {
		return nil, err
	}
	firstBlock := dataStart
	if err := region.StoreU32(sbFirstBlock, firstBlock); err != nil {
		return nil, err
	}
	if err := region.StoreU32(sbFirstFreeHint, firstBlock); err != nil {
		return nil, err
	}
	if err := region.StoreU32(sbLastBlock, firstBlock); err != nil {
		return nil, err
	}
	if err := region.StoreU32(sbMutexWord, 0); err != nil {
		return nil, err
	}
	if err := region.StoreU32(sbAllocatedLow, 0); err != nil {
		return nil, err
	}
	if err := region.StoreU32(sbAllocatedHigh, 0); err != nil {
		return nil, err
	}

	dataSize := size - firstBlock - headerSize
	if err := writeHeader(region, firstBlock, 0, dataSize, flagFree); err != nil {
		return nil, err
	}

	return Attach(region)
}

// Attach binds an Allocator to a region whose superblock was already
// written by Init (used by the worker side, and by the dispatcher itself
// after the initial Init call).
func Attach(region *Region) (*Allocator, error) {
	magic, err := region.LoadU32(sbMagic)
	if err != nil {
		return nil, err
	}
	if magic != superblockMagic {
		return nil, fmt.Errorf("arena: bad superblock magic %#x", magic)
	}
	mu, err := NewMutex(region, sbMutexWord)
	if err != nil {
		return nil, err
	}
	return &Allocator{region: region, mu: mu}, nil
}

func writeHeader(r *Region, off, next, dataSize, flags uint32) error {
	if err := r.StoreU32(off+hdrNext, next); err != nil {
		return err
	}
	if err := r.StoreU32(off+hdrSize, dataSize); err != nil {
		return err
	}
	return r.StoreU32(off+hdrFlags, flags)
}

func (a *Allocator) readHeader(off uint32) (next, dataSize, flags uint32, err error) {
	if next, err = a.region.LoadU32(off + hdrNext); err != nil {
		return
	}
	if dataSize, err = a.region.LoadU32(off + hdrSize); err != nil {
		return
	}
	flags, err = a.region.LoadU32(off + hdrFlags)
	return
}

func (a *Allocator) isFree(off uint32) (bool, error) {
	flags, err := a.region.LoadU32(off + hdrFlags)
	if err != nil {
		return false, err
	}
	return flags&flagFree != 0, nil
}

// coalesceForward merges block off with however many immediately
// following contiguous blocks are free, returning the merged data size.
func (a *Allocator) coalesceForward(off uint32) (dataSize uint32, err error) {
	next, size, _, err := a.readHeader(off)
	if err != nil {
		return 0, err
	}
	for next != 0 {
		free, err := a.isFree(next)
		if err != nil {
			return 0, err
		}
		if !free {
			break
		}
		nNext, nSize, _, err := a.readHeader(next)
		if err != nil {
			return 0, err
		}
		size += headerSize + nSize
		next = nNext
	}
	if err := a.region.StoreU32(off+hdrNext, next); err != nil {
		return 0, err
	}
	if err := a.region.StoreU32(off+hdrSize, size); err != nil {
		return 0, err
	}
	if next == 0 {
		if err := a.region.StoreU32(sbLastBlock, off); err != nil {
			return 0, err
		}
	}
	return size, nil
}

// consumeOrSplit allocates `need` bytes from a free block at off with
// dataSize available bytes, splitting off a new free block when the
// surplus is at least one header.
func (a *Allocator) consumeOrSplit(off, dataSize, need uint32) error {
	surplus := dataSize - need
	if surplus >= headerSize {
		newOff := off + headerSize + need
		next, _, _, err := a.readHeader(off)
		if err != nil {
			return err
		}
		newDataSize := surplus - headerSize
		if err := writeHeader(a.region, newOff, next, newDataSize, flagFree); err != nil {
			return err
		}
		if next == 0 {
			if err := a.region.StoreU32(sbLastBlock, newOff); err != nil {
				return err
			}
		}
		if err := a.region.StoreU32(off+hdrNext, newOff); err != nil {
			return err
		}
		if err := a.region.StoreU32(off+hdrSize, need); err != nil {
			return err
		}
	}
	return a.region.StoreU32(off+hdrFlags, 0) // clear free bit
}

// Alloc reserves `size` bytes and returns the offset of the usable data
// region (i.e. past the block header). Implements the three-step policy
// of spec §4.A under the allocator mutex.
func (a *Allocator) Alloc(size uint32) (uint32, error) {
	if size == 0 {
		size = 1
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	// Step 1: recorded first-free block.
	hint, err := a.region.LoadU32(sbFirstFreeHint)
	if err != nil {
		return 0, err
	}
	if hint != 0 {
		free, err := a.isFree(hint)
		if err != nil {
			return 0, err
		}
		if free {
			dataSize, err := a.coalesceForward(hint)
			if err != nil {
				return 0, err
			}
			if dataSize >= size {
				if err := a.consumeOrSplit(hint, dataSize, size); err != nil {
					return 0, err
				}
				if err := a.advanceFreeHintPastAllocation(hint); err != nil {
					return 0, err
				}
				a.bumpAllocatedLocked(int64(headerSize) + int64(size))
				return hint + headerSize, nil
			}
		}
	}

	// Step 2: tail block.
	last, err := a.region.LoadU32(sbLastBlock)
	if err != nil {
		return 0, err
	}
	if last != 0 {
		free, err := a.isFree(last)
		if err != nil {
			return 0, err
		}
		if free {
			_, dataSize, _, err := a.readHeader(last)
			if err != nil {
				return 0, err
			}
			if dataSize >= size {
				if err := a.consumeOrSplit(last, dataSize, size); err != nil {
					return 0, err
				}
				a.bumpAllocatedLocked(int64(headerSize) + int64(size))
				return last + headerSize, nil
			}
		}
	}

	// Step 3: linear scan from the start, coalescing as we go, first fit.
	first, err := a.region.LoadU32(sbFirstBlock)
	if err != nil {
		return 0, err
	}
	cur := first
	for cur != 0 {
		free, err := a.isFree(cur)
		if err != nil {
			return 0, err
		}
		if free {
			dataSize, err := a.coalesceForward(cur)
			if err != nil {
				return 0, err
			}
			if dataSize >= size {
				if err := a.consumeOrSplit(cur, dataSize, size); err != nil {
					return 0, err
				}
				if err := a.advanceFreeHintPastAllocation(cur); err != nil {
					return 0, err
				}
				a.bumpAllocatedLocked(int64(headerSize) + int64(size))
				return cur + headerSize, nil
			}
		}
		next, _, _, err := a.readHeader(cur)
		if err != nil {
			return 0, err
		}
		cur = next
	}

	return 0, ErrNoSpace
}

// advanceFreeHintPastAllocation moves the first-free hint to the block
// that follows an allocation made at allocatedOff, or clears it to
// "unknown" (0) if that block is not free or doesn't exist; the next
// Alloc call falls through to the linear scan in that case.
func (a *Allocator) advanceFreeHintPastAllocation(allocatedOff uint32) error {
	next, _, _, err := a.readHeader(allocatedOff)
	if err != nil {
		return err
	}
	hint := uint32(0)
	if next != 0 {
		free, err := a.isFree(next)
		if err != nil {
			return err
		}
		if free {
			hint = next
		}
	}
	return a.region.StoreU32(sbFirstFreeHint, hint)
}

// DataSize returns the usable byte count of the block owning dataOffset,
// so callers that only stored a start offset (e.g. a self-describing
// wire message) can recover how much to read without a separate
// length-prefix of their own.
func (a *Allocator) DataSize(dataOffset uint32) (uint32, error) {
	if dataOffset < headerSize {
		return 0, fmt.Errorf("arena: invalid offset %d: programming error", dataOffset)
	}
	_, dataSize, _, err := a.readHeader(dataOffset - headerSize)
	return dataSize, err
}

// Free marks the block owning dataOffset as free and, if it precedes the
// recorded first-free hint, advances that hint backward via
// compare-and-swap so the next allocation finds it without a full scan.
// The mark-free store and hint CAS run without the allocator mutex; only
// the allocated-bytes counter update takes it, briefly.
func (a *Allocator) Free(dataOffset uint32) error {
	if dataOffset < headerSize {
		return fmt.Errorf("arena: invalid offset %d: programming error", dataOffset)
	}
	off := dataOffset - headerSize
	_, dataSize, flags, err := a.readHeader(off)
	if err != nil {
		return fmt.Errorf("arena: invalid block at offset %d: %w", off, err)
	}
	if flags&flagFree != 0 {
		return fmt.Errorf("arena: double free at offset %d: programming error", off)
	}
	if err := a.region.StoreU32(off+hdrFlags, flags|flagFree); err != nil {
		return err
	}
	a.bumpAllocated(-(int64(headerSize) + int64(dataSize)))

	for {
		cur, err := a.region.LoadU32(sbFirstFreeHint)
		if err != nil {
			return err
		}
		if cur != 0 && cur <= off {
			return nil
		}
		ok, err := a.region.CASU32(sbFirstFreeHint, cur, off)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
}

// bumpAllocated adjusts the 64-bit allocated-bytes counter, taking the
// allocator mutex itself. Free (which runs without the mutex held) calls
// this.
func (a *Allocator) bumpAllocated(delta int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bumpAllocatedLocked(delta)
}

// bumpAllocatedLocked is bumpAllocated's body, for call sites within Alloc
// that already hold a.mu — calling bumpAllocated there would re-lock the
// non-recursive mutex and deadlock.
func (a *Allocator) bumpAllocatedLocked(delta int64) {
	lo, _ := a.region.LoadU32(sbAllocatedLow)
	hi, _ := a.region.LoadU32(sbAllocatedHigh)
	total := int64(uint64(hi)<<32|uint64(lo)) + delta
	if total < 0 {
		total = 0
	}
	u := uint64(total)
	_ = a.region.StoreU32(sbAllocatedLow, uint32(u))
	_ = a.region.StoreU32(sbAllocatedHigh, uint32(u>>32))
}

// AllocatedBytes returns the current live-allocation total, including
// block headers, for the testable round-trip property of spec §8.
func (a *Allocator) AllocatedBytes() uint64 {
	lo, _ := a.region.LoadU32(sbAllocatedLow)
	hi, _ := a.region.LoadU32(sbAllocatedHigh)
	return uint64(hi)<<32 | uint64(lo)
}

// WriteAt and ReadAt copy bytes to/from a previously allocated block.
func (a *Allocator) WriteAt(dataOffset uint32, src []byte) error {
	dst, err := a.region.Bytes(dataOffset, uint32(len(src)))
	if err != nil {
		return err
	}
	copy(dst, src)
	return nil
}

func (a *Allocator) ReadAt(dataOffset, length uint32) ([]byte, error) {
	src, err := a.region.Bytes(dataOffset, length)
	if err != nil {
		return nil, err
	}
	out := make([]byte, length)
	copy(out, src)
	return out, nil
}
