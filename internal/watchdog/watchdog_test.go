package watchdog

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStartTimerFiresAfterDeadline(t *testing.T) {
	var fired atomic.Bool
	w := New(func() { fired.Store(true) })
	defer w.Stop()

	w.StartTimer(20)
	require.Eventually(t, fired.Load, time.Second, time.Millisecond)
	require.True(t, w.Terminated())
}

func TestEndTimerCancelsTermination(t *testing.T) {
	var fired atomic.Bool
	w := New(func() { fired.Store(true) })
	defer w.Stop()

	w.StartTimer(50)
	w.EndTimer()
	time.Sleep(100 * time.Millisecond)
	require.False(t, fired.Load())
	require.False(t, w.Terminated())
}

func TestStartTimerResetsPriorDeadline(t *testing.T) {
	var count atomic.Int32
	w := New(func() { count.Add(1) })
	defer w.Stop()

	w.StartTimer(200)
	w.StartTimer(20)
	require.Eventually(t, func() bool { return count.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(250 * time.Millisecond)
	require.EqualValues(t, 1, count.Load())
}

func TestStopPreventsFurtherArming(t *testing.T) {
	var fired atomic.Bool
	w := New(func() { fired.Store(true) })
	w.Stop()
	w.StartTimer(10)
	time.Sleep(50 * time.Millisecond)
	require.False(t, fired.Load())
}
