package workqueue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sandboxrt/kernel/internal/arena"
)

func newTestContainer(t *testing.T, capacity uint32) (*arena.Region, *Container) {
	t.Helper()
	dir := t.TempDir()
	r, err := arena.Create(dir, "workqueue-test.region", 1<<20)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Destroy() })

	c, err := Create(r, arena.SuperblockSize, capacity)
	require.NoError(t, err)
	return r, c
}

func TestAddAcquireCompleteRoundTrip(t *testing.T) {
	_, c := newTestContainer(t, 4)

	require.True(t, c.TryAcquireAdd())
	_, err := c.Add(100)
	require.NoError(t, err)

	idx, reqOff, worked, err := c.GetRequest()
	require.NoError(t, err)
	require.EqualValues(t, 100, reqOff)
	require.False(t, worked)

	require.NoError(t, c.Complete(idx, 200))

	cidx, respOff, err := c.GetCompleted()
	require.NoError(t, err)
	require.Equal(t, idx, cidx)
	require.EqualValues(t, 200, respOff)

	n, err := c.Len()
	require.NoError(t, err)
	require.EqualValues(t, 0, n)
}

func TestTryAcquireAddRespectsCapacity(t *testing.T) {
	_, c := newTestContainer(t, 2)
	require.True(t, c.TryAcquireAdd())
	require.True(t, c.TryAcquireAdd())
	require.False(t, c.TryAcquireAdd())
}

func TestHasBeenWorkedSetByGetRequest(t *testing.T) {
	_, c := newTestContainer(t, 4)
	require.True(t, c.TryAcquireAdd())
	_, err := c.Add(42)
	require.NoError(t, err)

	idx, _, worked, err := c.GetRequest()
	require.NoError(t, err)
	require.False(t, worked)

	got, err := c.HasBeenWorked(idx)
	require.NoError(t, err)
	require.True(t, got)
}

func TestReleaseLocksUnblocksWaiters(t *testing.T) {
	_, c := newTestContainer(t, 4)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _, _, err := c.GetRequest()
		errs <- err
	}()
	go func() {
		defer wg.Done()
		_, _, err := c.GetCompleted()
		errs <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, c.ReleaseLocks())
	wg.Wait()
	close(errs)
	for err := range errs {
		require.ErrorIs(t, err, ErrStopped)
	}
}

func TestGetRequestFailsFastAfterStop(t *testing.T) {
	_, c := newTestContainer(t, 4)
	require.NoError(t, c.ReleaseLocks())
	_, _, _, err := c.GetRequest()
	require.ErrorIs(t, err, ErrStopped)
}

func TestOpenReadsExistingCapacity(t *testing.T) {
	r, c := newTestContainer(t, 8)
	require.EqualValues(t, 8, c.Capacity())

	opened, err := Open(r, arena.SuperblockSize)
	require.NoError(t, err)
	require.EqualValues(t, 8, opened.Capacity())
}

func TestFIFOOrdering(t *testing.T) {
	_, c := newTestContainer(t, 4)

	for i := uint32(1); i <= 3; i++ {
		require.True(t, c.TryAcquireAdd())
		_, err := c.Add(i * 10)
		require.NoError(t, err)
	}
	for i := uint32(1); i <= 3; i++ {
		_, reqOff, _, err := c.GetRequest()
		require.NoError(t, err)
		require.EqualValues(t, i*10, reqOff)
	}
}
