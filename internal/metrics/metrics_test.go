package metrics

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewRegistersEveryMetricWithoutPanicking(t *testing.T) {
	m := New()
	m.ChannelOccupancy.WithLabelValues("channel-0").Set(3)
	m.ActiveWorkers.Set(4)
	m.WorkerRestarts.Inc()
	m.ExecutionTimeout.Inc()
	m.DispatchFailures.WithLabelValues("channel_full").Inc()
}

func TestServeWithEmptyAddrIsNoop(t *testing.T) {
	m := New()
	require.NoError(t, m.Serve(""))
	require.NoError(t, m.Shutdown(context.Background()))
}

func TestServeExposesMetricsEndpoint(t *testing.T) {
	m := New()
	m.WorkerRestarts.Inc()
	require.NoError(t, m.Serve("127.0.0.1:19273"))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		require.NoError(t, m.Shutdown(ctx))
	}()

	resp, err := http.Get("http://127.0.0.1:19273/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "sandboxrt_worker_restarts_total")
}
