package ipc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestChannel(t *testing.T) *Channel {
	t.Helper()
	ch, err := CreateChannel(0, t.TempDir(), "channel-0", 256*1024, 8)
	require.NoError(t, err)
	t.Cleanup(func() { ch.Destroy() })
	return ch
}

func TestChannelAddGetCompleteRoundTrip(t *testing.T) {
	ch := newTestChannel(t)

	req := Request{Kind: KindExecute, Version: 1, HandlerName: "handle", Input: []string{"1"}, Tags: map[string]string{}}
	require.True(t, ch.TryAcquireAdd())
	_, err := ch.AddRequest(req)
	require.NoError(t, err)

	acquired, err := ch.GetRequest()
	require.NoError(t, err)
	require.Equal(t, req.HandlerName, acquired.Request.HandlerName)
	require.False(t, acquired.HadBeenWorked)

	resp := Response{ID: "1", ResultJSON: `{"v":1}`, Kind: 1}
	require.NoError(t, ch.CompleteResponse(acquired.SlotIndex, resp))

	got, err := ch.GetCompleted()
	require.NoError(t, err)
	require.Equal(t, resp, got)
}

func TestChannelRecordLastCodeObject(t *testing.T) {
	ch := newTestChannel(t)

	_, ok := ch.GetLastCodeObject()
	require.False(t, ok)

	require.True(t, ch.TryAcquireAdd())
	_, err := ch.AddRequest(Request{
		Kind: KindLoad, Version: 1, ID: "code-1", JS: "function handle(){}", Tags: map[string]string{},
	})
	require.NoError(t, err)
	_, err = ch.GetRequest()
	require.NoError(t, err)

	cached, ok := ch.GetLastCodeObject()
	require.True(t, ok)
	require.Equal(t, uint64(1), cached.Version)
	require.Equal(t, "code-1", cached.ID)

	// An equal (not strictly greater) version must not replace the cache.
	require.True(t, ch.TryAcquireAdd())
	_, err = ch.AddRequest(Request{
		Kind: KindLoad, Version: 1, JS: "function other(){}", Tags: map[string]string{},
	})
	require.NoError(t, err)
	_, err = ch.GetRequest()
	require.NoError(t, err)
	cached, ok = ch.GetLastCodeObject()
	require.True(t, ok)
	require.Equal(t, "function handle(){}", cached.JS)

	// Strictly greater version replaces it.
	require.True(t, ch.TryAcquireAdd())
	_, err = ch.AddRequest(Request{
		Kind: KindLoad, Version: 2, JS: "function newer(){}", Tags: map[string]string{},
	})
	require.NoError(t, err)
	_, err = ch.GetRequest()
	require.NoError(t, err)
	cached, ok = ch.GetLastCodeObject()
	require.True(t, ok)
	require.Equal(t, uint64(2), cached.Version)
	require.Equal(t, "function newer(){}", cached.JS)
}

func TestChannelHasPendingRequest(t *testing.T) {
	ch := newTestChannel(t)

	pending, err := ch.HasPendingRequest()
	require.NoError(t, err)
	require.False(t, pending)

	require.True(t, ch.TryAcquireAdd())
	_, err = ch.AddRequest(Request{Kind: KindExecute, Version: 1, Tags: map[string]string{}})
	require.NoError(t, err)
	acquired, err := ch.GetRequest()
	require.NoError(t, err)

	pending, err = ch.HasPendingRequest()
	require.NoError(t, err)
	require.True(t, pending)

	require.NoError(t, ch.CompleteResponse(acquired.SlotIndex, Response{ID: "1"}))
	_, err = ch.GetCompleted()
	require.NoError(t, err)

	pending, err = ch.HasPendingRequest()
	require.NoError(t, err)
	require.False(t, pending)
}

func TestOpenChannelSharesState(t *testing.T) {
	dir := t.TempDir()
	owner, err := CreateChannel(0, dir, "channel-0", 256*1024, 8)
	require.NoError(t, err)
	defer owner.Destroy()

	require.True(t, owner.TryAcquireAdd())
	_, err = owner.AddRequest(Request{Kind: KindExecute, Version: 1, HandlerName: "h", Tags: map[string]string{}})
	require.NoError(t, err)

	reopened, err := OpenChannel(0, owner.Path(), 256*1024, 8)
	require.NoError(t, err)
	defer reopened.Close()

	acquired, err := reopened.GetRequest()
	require.NoError(t, err)
	require.Equal(t, "h", acquired.Request.HandlerName)
}
