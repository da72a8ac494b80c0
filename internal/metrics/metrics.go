// Package metrics publishes the dispatcher and pool's Prometheus gauges
// and counters (spec SPEC_FULL.md §4.I): channel occupancy, active
// workers, restarts, and timeouts. Metrics plumbing itself is explicitly
// out of the core's responsibility (spec.md §1), so this package has no
// behavioral coupling — callers increment/set these from their own
// control flow and nothing here calls back into the runtime.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every gauge/counter the runtime publishes.
type Metrics struct {
	ChannelOccupancy *prometheus.GaugeVec
	ActiveWorkers    prometheus.Gauge
	WorkerRestarts   prometheus.Counter
	ExecutionTimeout prometheus.Counter
	DispatchFailures *prometheus.CounterVec

	registry *prometheus.Registry
	server   *http.Server
}

// New registers every metric against a fresh registry (not the global
// default one, so multiple runtimes in one process/test binary don't
// collide).
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ChannelOccupancy: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sandboxrt_channel_occupancy",
			Help: "Number of in-flight work items per channel.",
		}, []string{"channel"}),
		ActiveWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sandboxrt_active_workers",
			Help: "Number of currently running worker processes.",
		}),
		WorkerRestarts: factory.NewCounter(prometheus.CounterOpts{
			Name: "sandboxrt_worker_restarts_total",
			Help: "Total number of worker process restarts.",
		}),
		ExecutionTimeout: factory.NewCounter(prometheus.CounterOpts{
			Name: "sandboxrt_execution_timeouts_total",
			Help: "Total number of invocations terminated by the watchdog.",
		}),
		DispatchFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sandboxrt_dispatch_failures_total",
			Help: "Total number of dispatch/broadcast/batch failures by reason.",
		}, []string{"reason"}),
	}
}

// Serve starts the metrics HTTP listener at addr. An empty addr disables
// the listener entirely (spec §6 "MetricsAddr ... empty disables the
// metrics HTTP listener"), in which case Serve is a no-op returning nil.
func (m *Metrics) Serve(addr string) error {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	m.server = &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- m.server.ListenAndServe() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-time.After(50 * time.Millisecond):
		return nil
	}
}

// Shutdown stops the metrics HTTP listener, if one was started.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
