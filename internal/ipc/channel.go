package ipc

import (
	"github.com/sandboxrt/kernel/internal/arena"
	"github.com/sandboxrt/kernel/internal/workqueue"
)

// defaultContainerCapacity is the ring capacity used when CreateChannel or
// OpenChannel is given a capacity of 0 (spec §4.C "wraps one arena,
// exposes the work container").
const defaultContainerCapacity = workqueue.DefaultCapacity

// codeCacheHeader is a small fixed record living in the arena itself,
// right after the allocator superblock, so the cache survives a worker
// crash and restart (spec §4.C/§9: the replacement process, a brand-new
// Go struct, must still see what the dead one last loaded). It holds a
// process-shared mutex word, the cached version split lo/hi the same way
// the allocator's own byte counter is, and the arena offset of the
// serialized CodeCache blob (0 = no entry yet).
//
//	+0  mutexWord    uint32
//	+4  versionLo    uint32
//	+8  versionHi    uint32
//	+12 dataOffset   uint32
const (
	codeCacheHeaderSize uint32 = 16
	ccHdrMutex          uint32 = 0
	ccHdrVersionLo      uint32 = 4
	ccHdrVersionHi      uint32 = 8
	ccHdrDataOffset     uint32 = 12
)

// CodeCache is the per-channel "last loaded code object" record (spec
// §4.C, §3 "Code cache"): at most one entry, replaced only by a strictly
// newer version carrying non-empty code.
type CodeCache struct {
	ID      string
	Version uint64
	JS      string
	WASM    []byte
	Tags    map[string]string
}

// Channel is one duplex dispatcher<->worker pipe: one arena, one work
// container, one code cache (spec §4.C). The cache itself lives in the
// arena (codeCacheBase/codeCacheMu below), not as a Go-heap field, so a
// restarted worker attaching to the same region sees what its dead
// predecessor last loaded.
type Channel struct {
	Index int

	region    *arena.Region
	alloc     *arena.Allocator
	container *workqueue.Container

	codeCacheBase uint32
	codeCacheMu   *arena.Mutex
}

// CreateChannel formats a brand-new arena region at path/name, sized
// size, and lays the work container and allocator heap out inside it.
// Only the dispatcher (the side that owns the region) calls this.
func CreateChannel(index int, dir, name string, size uint32, capacity uint32) (*Channel, error) {
	if capacity == 0 {
		capacity = defaultContainerCapacity
	}
	region, err := arena.Create(dir, name, size)
	if err != nil {
		return nil, err
	}
	codeCacheBase := arena.SuperblockSize
	containerBase := codeCacheBase + codeCacheHeaderSize
	container, err := workqueue.Create(region, containerBase, capacity)
	if err != nil {
		region.Destroy()
		return nil, err
	}
	codeCacheMu, err := arena.NewMutex(region, codeCacheBase+ccHdrMutex)
	if err != nil {
		region.Destroy()
		return nil, err
	}
	heapStart := containerBase + workqueue.Size(capacity)
	alloc, err := arena.InitAt(region, heapStart)
	if err != nil {
		region.Destroy()
		return nil, err
	}
	return &Channel{
		Index: index, region: region, alloc: alloc, container: container,
		codeCacheBase: codeCacheBase, codeCacheMu: codeCacheMu,
	}, nil
}

// OpenChannel attaches to an existing channel's region by path (used by
// worker processes after re-exec, and by the dispatcher itself after a
// worker restart to reattach without reformatting).
func OpenChannel(index int, path string, size uint32, capacity uint32) (*Channel, error) {
	if capacity == 0 {
		capacity = defaultContainerCapacity
	}
	region, err := arena.Open(path, size)
	if err != nil {
		return nil, err
	}
	codeCacheBase := arena.SuperblockSize
	containerBase := codeCacheBase + codeCacheHeaderSize
	container, err := workqueue.Open(region, containerBase)
	if err != nil {
		region.Close()
		return nil, err
	}
	codeCacheMu, err := arena.NewMutex(region, codeCacheBase+ccHdrMutex)
	if err != nil {
		region.Close()
		return nil, err
	}
	alloc, err := arena.Attach(region)
	if err != nil {
		region.Close()
		return nil, err
	}
	return &Channel{
		Index: index, region: region, alloc: alloc, container: container,
		codeCacheBase: codeCacheBase, codeCacheMu: codeCacheMu,
	}, nil
}

// Path returns the backing region's path, passed to a re-exec'd worker
// through its environment.
func (c *Channel) Path() string { return c.region.Path() }

// Close unmaps the channel's region without destroying the backing file.
func (c *Channel) Close() error { return c.region.Close() }

// Destroy closes and removes the channel's backing file; only the owning
// dispatcher calls this, at service stop.
func (c *Channel) Destroy() error { return c.region.Destroy() }

// TryAcquireAdd reserves a work-container slot without blocking.
func (c *Channel) TryAcquireAdd() bool { return c.container.TryAcquireAdd() }

// AddRequest allocates req inside the arena and places it in the slot
// reserved by a prior TryAcquireAdd, returning that slot's index.
func (c *Channel) AddRequest(req Request) (uint32, error) {
	encoded := EncodeRequest(req)
	off, err := c.alloc.Alloc(uint32(len(encoded)))
	if err != nil {
		return 0, err
	}
	if err := c.alloc.WriteAt(off, encoded); err != nil {
		return 0, err
	}
	return c.container.Add(off)
}

// AcquiredRequest is a request handed back by GetRequest along with the
// bookkeeping the worker loop needs to respond and record cache updates.
type AcquiredRequest struct {
	SlotIndex     uint32
	Request       Request
	HadBeenWorked bool
}

// GetRequest blocks for the next request and decodes it, then calls
// recordLastCodeObject per spec §4.G step 2 ("Query
// channel.get_last_code_object()" happens once at startup; this ongoing
// per-acquire update is spec §4.C's "record_last_code_object(request):
// invoked after each acquire").
func (c *Channel) GetRequest() (AcquiredRequest, error) {
	slot, reqOff, hadBeenWorked, err := c.container.GetRequest()
	if err != nil {
		return AcquiredRequest{}, err
	}
	n, err := c.alloc.DataSize(reqOff)
	if err != nil {
		return AcquiredRequest{}, err
	}
	raw, err := c.region.Bytes(reqOff, n)
	if err != nil {
		return AcquiredRequest{}, err
	}
	req, err := DecodeRequest(raw)
	if err != nil {
		return AcquiredRequest{}, err
	}
	c.recordLastCodeObject(req)
	return AcquiredRequest{SlotIndex: slot, Request: req, HadBeenWorked: hadBeenWorked}, nil
}

// CompleteResponse allocates and writes resp, then marks slotIndex
// completed.
func (c *Channel) CompleteResponse(slotIndex uint32, resp Response) error {
	encoded := EncodeResponse(resp)
	off, err := c.alloc.Alloc(uint32(len(encoded)))
	if err != nil {
		return err
	}
	if err := c.alloc.WriteAt(off, encoded); err != nil {
		return err
	}
	return c.container.Complete(slotIndex, off)
}

// GetCompleted blocks for the next completed response and decodes it.
func (c *Channel) GetCompleted() (Response, error) {
	_, respOff, err := c.container.GetCompleted()
	if err != nil {
		return Response{}, err
	}
	n, err := c.alloc.DataSize(respOff)
	if err != nil {
		return Response{}, err
	}
	raw, err := c.region.Bytes(respOff, n)
	if err != nil {
		return Response{}, err
	}
	return DecodeResponse(raw)
}

// Occupancy returns the number of work items currently occupying the
// channel's ring (spec SPEC_FULL.md §4.I "channel occupancy" metric).
func (c *Channel) Occupancy() (uint32, error) { return c.container.Len() }

// HasPendingRequest implements spec §4.C "has_pending_request()".
func (c *Channel) HasPendingRequest() (bool, error) { return c.container.HasPendingAcquire() }

// ReleaseAcquireLock implements spec §4.C "release_acquire_lock()".
func (c *Channel) ReleaseAcquireLock() { c.container.ReleaseAcquireLock() }

// ReleaseLocks implements spec §4.B "release_locks" at the channel
// level, used at service stop.
func (c *Channel) ReleaseLocks() error { return c.container.ReleaseLocks() }

// recordLastCodeObject implements spec §4.C: replace the cache only when
// the popped request is a code-load, its code is non-empty, and its
// version exceeds the cached version. The cache lives in the arena
// itself (codeCacheBase's header plus an allocator-owned blob), not on
// the Go heap, so a replacement worker process that OpenChannels the
// same region after a crash sees exactly what its predecessor last
// loaded (spec §4.G step 2, §9) instead of starting from "not found".
func (c *Channel) recordLastCodeObject(req Request) {
	if req.Kind != KindLoad {
		return
	}
	if req.JS == "" && len(req.WASM) == 0 {
		return
	}
	c.codeCacheMu.Lock()
	defer c.codeCacheMu.Unlock()

	if _, cur, ok, err := c.readCodeCacheHeader(); err == nil && ok && req.Version <= cur {
		return
	}

	blob := EncodeRequest(Request{Kind: KindLoad, Version: req.Version, ID: req.ID, JS: req.JS, WASM: req.WASM, Tags: req.Tags})
	off, err := c.alloc.Alloc(uint32(len(blob)))
	if err != nil {
		return
	}
	if err := c.alloc.WriteAt(off, blob); err != nil {
		return
	}

	verLo := uint32(req.Version)
	verHi := uint32(req.Version >> 32)
	_ = c.region.StoreU32(c.codeCacheBase+ccHdrVersionLo, verLo)
	_ = c.region.StoreU32(c.codeCacheBase+ccHdrVersionHi, verHi)
	_ = c.region.StoreU32(c.codeCacheBase+ccHdrDataOffset, off)
}

// readCodeCacheHeader reads the header's cached version and data offset
// without taking codeCacheMu; callers under the lock use this directly,
// GetLastCodeObject takes the lock itself first.
func (c *Channel) readCodeCacheHeader() (dataOffset uint32, version uint64, ok bool, err error) {
	dataOffset, err = c.region.LoadU32(c.codeCacheBase + ccHdrDataOffset)
	if err != nil {
		return 0, 0, false, err
	}
	if dataOffset == 0 {
		return 0, 0, false, nil
	}
	lo, err := c.region.LoadU32(c.codeCacheBase + ccHdrVersionLo)
	if err != nil {
		return 0, 0, false, err
	}
	hi, err := c.region.LoadU32(c.codeCacheBase + ccHdrVersionHi)
	if err != nil {
		return 0, 0, false, err
	}
	return dataOffset, uint64(hi)<<32 | uint64(lo), true, nil
}

// GetLastCodeObject implements spec §4.C "get_last_code_object() ->
// code | not_found".
func (c *Channel) GetLastCodeObject() (CodeCache, bool) {
	c.codeCacheMu.Lock()
	defer c.codeCacheMu.Unlock()

	off, _, ok, err := c.readCodeCacheHeader()
	if err != nil || !ok {
		return CodeCache{}, false
	}
	n, err := c.alloc.DataSize(off)
	if err != nil {
		return CodeCache{}, false
	}
	raw, err := c.region.Bytes(off, n)
	if err != nil {
		return CodeCache{}, false
	}
	req, err := DecodeRequest(raw)
	if err != nil {
		return CodeCache{}, false
	}
	return CodeCache{ID: req.ID, Version: req.Version, JS: req.JS, WASM: req.WASM, Tags: req.Tags}, true
}
