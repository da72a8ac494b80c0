// Package dispatcher implements the single, multi-threaded dispatcher
// process of spec §4.I: round-robin single dispatch, fan-out/fan-in
// batch dispatch, first-failure-wins broadcast, and one response-poller
// goroutine per channel.
package dispatcher

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/sandboxrt/kernel/internal/engine"
	"github.com/sandboxrt/kernel/internal/ipc"
	"github.com/sandboxrt/kernel/internal/metrics"
	"github.com/sandboxrt/kernel/kernel/utils"
)

// ErrChannelFull is returned by Dispatch when the round-robin channel has
// no free slot (spec §4.I "return failure if no slot is free").
var ErrChannelFull = fmt.Errorf("dispatcher: channel full")

// Callback receives one response once its matching request completes.
type Callback func(ipc.Response)

// Dispatcher owns the IPC manager and runs one response-poller goroutine
// per channel for the lifetime of the service.
type Dispatcher struct {
	manager *ipc.Manager
	log     *utils.Logger
	metrics *metrics.Metrics

	rrCounter atomic.Uint64

	pending []*callbackQueue // one per channel

	stopped atomic.Bool
	wg      sync.WaitGroup
}

// callbackQueue is one channel's FIFO of callbacks awaiting a completed
// response. A plain slice-backed queue is enough because a channel's own
// work container already guarantees add order corresponds to
// get_request order and complete order corresponds to get_completed
// order (spec §4.B): the n-th callback queued for a channel always
// matches the n-th response that channel's poller observes.
type callbackQueue struct {
	mu    sync.Mutex
	order []Callback
}

func newCallbackQueue() *callbackQueue {
	return &callbackQueue{}
}

func (q *callbackQueue) append(cb Callback) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.order = append(q.order, cb)
}

func (q *callbackQueue) takeOldest() (Callback, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.order) == 0 {
		return nil, false
	}
	cb := q.order[0]
	q.order = q.order[1:]
	return cb, true
}

// New constructs a Dispatcher over manager and starts one response-poller
// goroutine per channel. m may be nil, in which case metrics recording is
// skipped (tests construct Dispatchers without a live Metrics instance).
func New(manager *ipc.Manager, log *utils.Logger, m *metrics.Metrics) *Dispatcher {
	channels := manager.Channels()
	d := &Dispatcher{
		manager: manager,
		log:     log,
		metrics: m,
		pending: make([]*callbackQueue, len(channels)),
	}
	for i, ch := range channels {
		d.pending[i] = newCallbackQueue()
		d.wg.Add(1)
		go d.poll(i, ch)
	}
	return d
}

// poll implements spec §4.I's "response poller": loop get_completed and
// invoke the matching callback, exiting once the channel reports stopped.
func (d *Dispatcher) poll(index int, ch *ipc.Channel) {
	defer d.wg.Done()
	for {
		resp, err := ch.GetCompleted()
		if err != nil {
			if d.stopped.Load() {
				return
			}
			d.log.Error("dispatcher: poller error", utils.Int("channel", index), utils.Err(err))
			return
		}
		d.recordOccupancy(index, ch)
		if resp.Kind == uint32(engine.ExecutionTimeout) && d.metrics != nil {
			d.metrics.ExecutionTimeout.Inc()
		}
		if cb, ok := d.pending[index].takeOldest(); ok {
			cb(resp)
		} else {
			d.log.Warn("dispatcher: completed response with no waiting callback", utils.Int("channel", index))
		}
	}
}

// recordOccupancy refreshes the channel-occupancy gauge for index; a
// read failure is not worth failing the poll loop over, so it is logged
// and skipped.
func (d *Dispatcher) recordOccupancy(index int, ch *ipc.Channel) {
	if d.metrics == nil {
		return
	}
	n, err := ch.Occupancy()
	if err != nil {
		return
	}
	d.metrics.ChannelOccupancy.WithLabelValues(strconv.Itoa(index)).Set(float64(n))
}

// recordDispatchFailure increments the dispatch-failures counter under
// reason, a no-op when metrics is nil.
func (d *Dispatcher) recordDispatchFailure(reason string) {
	if d.metrics != nil {
		d.metrics.DispatchFailures.WithLabelValues(reason).Inc()
	}
}

// channelIndex picks the next channel via the atomic round-robin
// counter (spec §4.I "increments an atomic round-robin counter; modulo N
// yields a channel index").
func (d *Dispatcher) channelIndex() int {
	n := uint64(len(d.pending))
	return int(d.rrCounter.Add(1) % n)
}

// Dispatch implements spec §4.I's `dispatch(exec_request, cb)`.
func (d *Dispatcher) Dispatch(req ipc.Request, cb Callback) error {
	index := d.channelIndex()
	ctx := ipc.WithThreadRole(context.Background(), index)
	ch, err := d.manager.GetChannel(ctx)
	if err != nil {
		d.recordDispatchFailure("get_channel")
		return err
	}

	if !ch.TryAcquireAdd() {
		d.recordDispatchFailure("channel_full")
		return ErrChannelFull
	}
	d.pending[index].append(cb)
	if _, err := ch.AddRequest(req); err != nil {
		d.recordDispatchFailure("add_request")
		return err
	}
	d.recordOccupancy(index, ch)
	return nil
}

// Batch implements spec §4.I's `batch(vec, cb)`: fan out every request,
// write each response into its slot of a shared result vector, and fire
// cb exactly once all have arrived.
func (d *Dispatcher) Batch(reqs []ipc.Request, cb func([]ipc.Response)) error {
	n := len(reqs)
	results := make([]ipc.Response, n)
	var remaining atomic.Int64
	remaining.Store(int64(n))

	for i, req := range reqs {
		i := i
		if err := d.Dispatch(req, func(resp ipc.Response) {
			results[i] = resp
			if remaining.Add(-1) == 0 {
				cb(results)
			}
		}); err != nil {
			return fmt.Errorf("dispatcher: batch item %d: %w", i, err)
		}
	}
	return nil
}

// Broadcast implements spec §4.I's `broadcast(code, cb)`: add the
// code-load request to every channel; the aggregate callback receives
// the first failure observed, or the first response if none failed.
func (d *Dispatcher) Broadcast(req ipc.Request, cb Callback) error {
	n := len(d.pending)
	responses := make([]ipc.Response, n)
	var remaining atomic.Int64
	remaining.Store(int64(n))
	var once sync.Once

	for i := range d.pending {
		ctx := ipc.WithThreadRole(context.Background(), i)
		ch, err := d.manager.GetChannel(ctx)
		if err != nil {
			d.recordDispatchFailure("get_channel")
			return err
		}
		if !ch.TryAcquireAdd() {
			d.recordDispatchFailure("channel_full")
			return ErrChannelFull
		}
		i := i
		d.pending[i].append(func(resp ipc.Response) {
			responses[i] = resp
			if resp.Kind != uint32(engine.Success) {
				once.Do(func() { cb(resp) })
			}
			if remaining.Add(-1) == 0 {
				once.Do(func() { cb(responses[0]) })
			}
		})
		if _, err := ch.AddRequest(req); err != nil {
			d.recordDispatchFailure("add_request")
			return err
		}
		d.recordOccupancy(i, ch)
	}
	return nil
}

// Stop implements spec §4.I's cancellation note: "stop tears down
// pollers by releasing channel locks." The IPC manager's own channels
// are released by whatever owns shutdown sequencing (the pool or the
// top-level Runtime); Stop here only waits for the poller goroutines to
// observe that and exit.
func (d *Dispatcher) Stop() {
	d.stopped.Store(true)
	d.wg.Wait()
}
