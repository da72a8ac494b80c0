package worker

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sandboxrt/kernel/internal/engine"
	"github.com/sandboxrt/kernel/internal/ipc"
	"github.com/sandboxrt/kernel/kernel/utils"
)

func newTestLoop(t *testing.T) (*Loop, *ipc.Channel) {
	t.Helper()
	ch, err := ipc.CreateChannel(0, t.TempDir(), "channel-0", 256*1024, 8)
	require.NoError(t, err)
	t.Cleanup(func() { ch.Destroy() })
	mgr := engine.NewManager(nil)
	log := utils.DefaultLogger("worker-test")
	return New(ch, mgr, log), ch
}

func TestRecoverWithNoPriorState(t *testing.T) {
	loop, _ := newTestLoop(t)
	require.NoError(t, loop.Recover())
}

func TestRecoverReleasesAcquireLockWhenPending(t *testing.T) {
	loop, ch := newTestLoop(t)

	require.True(t, ch.TryAcquireAdd())
	_, addErr := ch.AddRequest(ipc.Request{Kind: ipc.KindExecute, Version: 1, Tags: map[string]string{}})
	require.NoError(t, addErr)
	_, err := ch.GetRequest() // simulate the crashed incarnation acquiring but not completing
	require.NoError(t, err)

	pending, err := ch.HasPendingRequest()
	require.NoError(t, err)
	require.True(t, pending)

	require.NoError(t, loop.Recover())

	// ReleaseAcquireLock only wakes a GetRequest waiter; it does not
	// itself clear the pending flag (only a matching Complete does), so
	// this just verifies Recover did not error and the flag is
	// unaffected until the replay completes the slot.
	pending, err = ch.HasPendingRequest()
	require.NoError(t, err)
	require.True(t, pending)
}

func TestHandleRejectsAlreadyWorkedRequest(t *testing.T) {
	loop, _ := newTestLoop(t)
	resp := loop.handle(ipc.AcquiredRequest{
		Request:       ipc.Request{Kind: ipc.KindExecute, HandlerName: "h"},
		HadBeenWorked: true,
	})
	require.Equal(t, uint32(engine.WorkedOnBefore), resp.Kind)
}

func TestHandleLoadThenExecute(t *testing.T) {
	loop, _ := newTestLoop(t)

	loadResp := loop.handle(ipc.AcquiredRequest{
		Request: ipc.Request{
			Kind: ipc.KindLoad, Version: 1,
			JS:   "function handle(x){ return x + 1; }",
			Tags: map[string]string{},
		},
	})
	require.Equal(t, uint32(engine.Success), loadResp.Kind)

	execResp := loop.handle(ipc.AcquiredRequest{
		Request: ipc.Request{
			Kind: ipc.KindExecute, Version: 1, HandlerName: "handle", Input: []string{"41"},
		},
	})
	require.Equal(t, uint32(engine.Success), execResp.Kind)
	require.Equal(t, "42", execResp.ResultJSON)
}

func TestHandleUnrecognizedKind(t *testing.T) {
	loop, _ := newTestLoop(t)
	resp := loop.handle(ipc.AcquiredRequest{Request: ipc.Request{Kind: ipc.RequestKind(99)}})
	require.Equal(t, uint32(engine.InvalidArgument), resp.Kind)
}
