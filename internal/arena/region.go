// Package arena implements the shared-memory region and block allocator
// that back one dispatcher↔worker IPC channel (spec §4.A).
//
// A Region is a fixed-size, process-shared, file-backed mapping created by
// the dispatcher before it forks (re-execs, in this Go port — see
// internal/pool) the worker process that will share it. Because both
// processes map the same backing file with MAP_SHARED, offsets into
// the region name the same bytes in both processes; the region never
// hands out raw pointers, only uint32 offsets from its own base, per the
// design notes's guidance for languages without manual pointer control.
package arena

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// DefaultSize is the fixed per-worker arena size (spec §4.A, §6).
const DefaultSize = 64 * 1024 * 1024

// Region is one process-shared, file-backed mapping.
type Region struct {
	path string
	file *os.File
	data []byte
}

// Create maps a new shared region of size bytes backed by a
// file under dir (conventionally /dev/shm) so that a child process can
// inherit the same mapping across exec by reopening the same path.
func Create(dir string, name string, size uint32) (*Region, error) {
	if size == 0 {
		return nil, fmt.Errorf("arena: size must be non-zero")
	}
	path := dir + "/" + name
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("arena: create backing file: %w", err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("arena: truncate backing file: %w", err)
	}
	return mapRegion(path, f, size)
}

// Open maps an existing region by its backing path (used by a worker
// process after it re-execs and inherits the arena's identity through its
// environment, not through fork's copied address space).
func Open(path string, size uint32) (*Region, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("arena: open backing file: %w", err)
	}
	return mapRegion(path, f, size)
}

func mapRegion(path string, f *os.File, size uint32) (*Region, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("arena: mmap: %w", err)
	}
	return &Region{path: path, file: f, data: data}, nil
}

// Path returns the backing file path, passed to workers so they can Open
// the same region after being re-exec'd.
func (r *Region) Path() string { return r.path }

// Size returns the region's total size in bytes.
func (r *Region) Size() uint32 { return uint32(len(r.data)) }

// Close unmaps the region. The dispatcher additionally removes the
// backing file; a worker that is merely switching roles must not.
func (r *Region) Close() error {
	var err error
	if r.data != nil {
		if e := unix.Munmap(r.data); e != nil {
			err = e
		}
		r.data = nil
	}
	if r.file != nil {
		if e := r.file.Close(); e != nil && err == nil {
			err = e
		}
		r.file = nil
	}
	return err
}

// Destroy closes the region and removes its backing file. Only the side
// that created the region (the dispatcher) should call this.
func (r *Region) Destroy() error {
	path := r.path
	if err := r.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}

// Bytes returns a slice over [offset, offset+length) for bulk copies.
// Callers must not retain the slice past the region's lifetime.
func (r *Region) Bytes(offset, length uint32) ([]byte, error) {
	if uint64(offset)+uint64(length) > uint64(len(r.data)) {
		return nil, fmt.Errorf("arena: range [%d,%d) out of bounds (size %d)", offset, offset+length, len(r.data))
	}
	return r.data[offset : offset+length], nil
}

func (r *Region) checkAligned(offset uint32) (*uint32, error) {
	if uint64(offset)+4 > uint64(len(r.data)) {
		return nil, fmt.Errorf("arena: offset %d out of bounds", offset)
	}
	if offset%4 != 0 {
		return nil, fmt.Errorf("arena: offset %d is not 4-byte aligned", offset)
	}
	return (*uint32)(unsafe.Pointer(&r.data[offset])), nil
}

// LoadU32 reads a uint32 with sequentially-consistent semantics.
func (r *Region) LoadU32(offset uint32) (uint32, error) {
	p, err := r.checkAligned(offset)
	if err != nil {
		return 0, err
	}
	return atomic.LoadUint32(p), nil
}

// StoreU32 writes a uint32 with sequentially-consistent semantics.
func (r *Region) StoreU32(offset, val uint32) error {
	p, err := r.checkAligned(offset)
	if err != nil {
		return err
	}
	atomic.StoreUint32(p, val)
	return nil
}

// AddU32 atomically adds delta (two's-complement for subtraction) and
// returns the new value.
func (r *Region) AddU32(offset, delta uint32) (uint32, error) {
	p, err := r.checkAligned(offset)
	if err != nil {
		return 0, err
	}
	return atomic.AddUint32(p, delta), nil
}

// CASU32 atomically compares-and-swaps a uint32.
func (r *Region) CASU32(offset, old, new uint32) (bool, error) {
	p, err := r.checkAligned(offset)
	if err != nil {
		return false, err
	}
	return atomic.CompareAndSwapUint32(p, old, new), nil
}

// Int32Ptr exposes the raw address of a 4-byte slot for use as a futex
// word by Mutex/Semaphore. It is only ever used on addresses inside this
// region's mapping, which is valid in both the dispatcher and the worker
// that shares it because both mapped the same file MAP_SHARED.
func (r *Region) Int32Ptr(offset uint32) (*int32, error) {
	if uint64(offset)+4 > uint64(len(r.data)) {
		return nil, fmt.Errorf("arena: offset %d out of bounds", offset)
	}
	if offset%4 != 0 {
		return nil, fmt.Errorf("arena: offset %d is not 4-byte aligned", offset)
	}
	return (*int32)(unsafe.Pointer(&r.data[offset])), nil
}
