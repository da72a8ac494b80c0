package pool

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sandboxrt/kernel/internal/ipc"
	"github.com/sandboxrt/kernel/internal/workqueue"
	"github.com/sandboxrt/kernel/kernel/utils"
)

// TestMain re-purposes this test binary as the worker executable the pool
// re-execs, the same "helper process" pattern os/exec's own test suite
// uses: a re-exec'd invocation carries WorkerRoleEnv, so it runs a bare
// acquire/stop loop against its channel instead of go test's own flags.
func TestMain(m *testing.M) {
	if os.Getenv(WorkerRoleEnv) != "" {
		os.Exit(runFakeWorker())
	}
	os.Exit(m.Run())
}

func runFakeWorker() int {
	index, err := strconv.Atoi(os.Getenv(WorkerIndexEnv))
	if err != nil {
		return 1
	}
	size, err := strconv.ParseUint(os.Getenv(ChannelSizeEnv), 10, 32)
	if err != nil {
		return 1
	}
	ch, err := ipc.OpenChannel(index, os.Getenv(ChannelPathEnv), uint32(size), 0)
	if err != nil {
		return 1
	}
	defer ch.Close()

	for {
		_, err := ch.GetRequest()
		if err != nil {
			if errors.Is(err, workqueue.ErrStopped) {
				return 0
			}
			continue
		}
	}
}

func newTestChannels(t *testing.T, n int) []*ipc.Channel {
	t.Helper()
	dir := t.TempDir()
	channels := make([]*ipc.Channel, n)
	for i := 0; i < n; i++ {
		ch, err := ipc.CreateChannel(i, dir, fmt.Sprintf("pool-test-%d", i), 256*1024, 8)
		require.NoError(t, err)
		channels[i] = ch
	}
	t.Cleanup(func() {
		for _, ch := range channels {
			ch.Destroy()
		}
	})
	return channels
}

func TestPoolStartSpawnsOneWorkerPerChannelAndStopWaits(t *testing.T) {
	channels := newTestChannels(t, 2)

	p, err := New(Config{RestartRetries: 3, RestartBackoff: 10 * time.Millisecond}, channels, nil, utils.DefaultLogger("pool-test"), nil)
	require.NoError(t, err)
	require.NoError(t, p.Start())

	require.Eventually(t, func() bool {
		for _, pid := range p.Pids() {
			if pid == 0 {
				return false
			}
		}
		return true
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, p.Stop())
}

func TestPoolRestartsCrashedWorker(t *testing.T) {
	channels := newTestChannels(t, 1)

	p, err := New(Config{RestartRetries: 3, RestartBackoff: 10 * time.Millisecond}, channels, nil, utils.DefaultLogger("pool-restart-test"), nil)
	require.NoError(t, err)
	require.NoError(t, p.Start())
	t.Cleanup(func() { p.Stop() })

	require.Eventually(t, func() bool { return p.Pids()[0] != 0 }, time.Second, 10*time.Millisecond)
	firstPid := p.Pids()[0]

	proc, err := os.FindProcess(int(firstPid))
	require.NoError(t, err)
	require.NoError(t, proc.Kill())

	require.Eventually(t, func() bool {
		pid := p.Pids()[0]
		return pid != 0 && pid != firstPid
	}, 2*time.Second, 20*time.Millisecond)
}
