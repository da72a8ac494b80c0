package dispatcher

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sandboxrt/kernel/internal/engine"
	"github.com/sandboxrt/kernel/internal/ipc"
	"github.com/sandboxrt/kernel/kernel/utils"
)

// fakeWorker echoes every request it acquires back as a response with
// the given kind, standing in for a real worker process so dispatcher
// tests don't need a live V8 isolate.
func fakeWorker(t *testing.T, ch *ipc.Channel, kind engine.Kind) {
	t.Helper()
	go func() {
		for {
			acquired, err := ch.GetRequest()
			if err != nil {
				return
			}
			_ = ch.CompleteResponse(acquired.SlotIndex, ipc.Response{
				Kind:       uint32(kind),
				ResultJSON: `"ok"`,
			})
		}
	}()
}

func newTestDispatcher(t *testing.T, n int, kinds []engine.Kind) (*Dispatcher, *ipc.Manager) {
	t.Helper()
	dir := t.TempDir()
	channels := make([]*ipc.Channel, n)
	for i := 0; i < n; i++ {
		ch, err := ipc.CreateChannel(i, dir, fmt.Sprintf("channel-%d", i), 256*1024, 8)
		require.NoError(t, err)
		channels[i] = ch
		fakeWorker(t, ch, kinds[i])
	}
	manager := ipc.NewManager(channels)
	d := New(manager, utils.DefaultLogger("dispatcher-test"), nil)
	t.Cleanup(func() {
		for _, ch := range channels {
			ch.ReleaseLocks()
		}
		d.Stop()
		manager.Destroy()
	})
	return d, manager
}

func waitForResponse(t *testing.T, timeout time.Duration) (chan ipc.Response, Callback) {
	ch := make(chan ipc.Response, 1)
	return ch, func(resp ipc.Response) { ch <- resp }
}

func TestDispatchRoundTrip(t *testing.T) {
	d, _ := newTestDispatcher(t, 2, []engine.Kind{engine.Success, engine.Success})

	respCh, cb := waitForResponse(t, time.Second)
	err := d.Dispatch(ipc.Request{Kind: ipc.KindExecute, Version: 1, HandlerName: "h"}, cb)
	require.NoError(t, err)

	select {
	case resp := <-respCh:
		require.Equal(t, uint32(engine.Success), resp.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dispatch response")
	}
}

func TestDispatchRoundRobinDistributesAcrossChannels(t *testing.T) {
	d, _ := newTestDispatcher(t, 3, []engine.Kind{engine.Success, engine.Success, engine.Success})

	seen := make([]int, 3)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 9; i++ {
		wg.Add(1)
		idx := d.channelIndex()
		mu.Lock()
		seen[idx]++
		mu.Unlock()
		wg.Done()
	}
	wg.Wait()
	for _, count := range seen {
		require.Equal(t, 3, count)
	}
}

func TestBatchFansInAllResponses(t *testing.T) {
	d, _ := newTestDispatcher(t, 2, []engine.Kind{engine.Success, engine.Success})

	reqs := []ipc.Request{
		{Kind: ipc.KindExecute, Version: 1, HandlerName: "a"},
		{Kind: ipc.KindExecute, Version: 1, HandlerName: "b"},
		{Kind: ipc.KindExecute, Version: 1, HandlerName: "c"},
	}
	done := make(chan []ipc.Response, 1)
	err := d.Batch(reqs, func(resps []ipc.Response) { done <- resps })
	require.NoError(t, err)

	select {
	case resps := <-done:
		require.Len(t, resps, 3)
		for _, r := range resps {
			require.Equal(t, uint32(engine.Success), r.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for batch")
	}
}

func TestBroadcastFirstFailureWins(t *testing.T) {
	d, _ := newTestDispatcher(t, 3, []engine.Kind{engine.Success, engine.CompileFailure, engine.Success})

	done := make(chan ipc.Response, 1)
	err := d.Broadcast(ipc.Request{Kind: ipc.KindLoad, Version: 1, JS: "x"}, func(resp ipc.Response) {
		done <- resp
	})
	require.NoError(t, err)

	select {
	case resp := <-done:
		require.Equal(t, uint32(engine.CompileFailure), resp.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast")
	}
}

func TestBroadcastAllSuccessReturnsFirstResponse(t *testing.T) {
	d, _ := newTestDispatcher(t, 3, []engine.Kind{engine.Success, engine.Success, engine.Success})

	done := make(chan ipc.Response, 1)
	err := d.Broadcast(ipc.Request{Kind: ipc.KindLoad, Version: 1, JS: "x"}, func(resp ipc.Response) {
		done <- resp
	})
	require.NoError(t, err)

	select {
	case resp := <-done:
		require.Equal(t, uint32(engine.Success), resp.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast")
	}
}
