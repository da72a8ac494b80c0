// Package kernel is the embeddable sandboxed execution runtime itself
// (spec §1): a host process creates one Runtime, loads code objects into
// it, and dispatches invocation requests against a pool of isolated
// worker processes.
package kernel

import (
	"context"
	"fmt"
	"time"

	"github.com/sandboxrt/kernel/internal/config"
	"github.com/sandboxrt/kernel/internal/dispatcher"
	"github.com/sandboxrt/kernel/internal/engine"
	"github.com/sandboxrt/kernel/internal/ipc"
	"github.com/sandboxrt/kernel/internal/metrics"
	"github.com/sandboxrt/kernel/internal/pool"
	"github.com/sandboxrt/kernel/kernel/utils"
)

// shutdownTimeout bounds how long Stop waits for the dispatcher, pool,
// metrics listener, and arenas to tear down in order before giving up.
const shutdownTimeout = 10 * time.Second

// Runtime is the host-facing entry point (spec §6 "API surface"): Init
// once, Load code, Execute/BatchExecute/Broadcast invocations, Stop when
// done. All calls are safe for concurrent use.
type Runtime struct {
	cfg        config.Config
	log        *utils.Logger
	manager    *ipc.Manager
	pool       *pool.Pool
	dispatcher *dispatcher.Dispatcher
	metrics    *metrics.Metrics
	channels   []*ipc.Channel
	shutdown   *utils.GracefulShutdown
}

// Init brings up N arena-backed channels, starts the worker pool, the
// dispatcher, and (if Config.MetricsAddr is set) the metrics listener.
// bindings is the native-callback registry every worker's isolate is
// constructed with (spec §4.F "function_bindings").
func Init(cfg config.Config, arenaName string, bindings []engine.Binding) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := utils.DefaultLogger("sandboxrt")

	channels := make([]*ipc.Channel, cfg.NumberOfWorkers)
	for i := 0; i < cfg.NumberOfWorkers; i++ {
		ch, err := ipc.CreateChannel(i, cfg.ArenaDir, fmt.Sprintf("%s-%d", arenaName, i), cfg.ArenaSizeBytes, 0)
		if err != nil {
			for _, created := range channels[:i] {
				created.Destroy()
			}
			return nil, utils.WrapError(err, fmt.Sprintf("runtime: create channel %d", i))
		}
		channels[i] = ch
	}

	manager := ipc.NewManager(channels)
	m := metrics.New()

	p, err := pool.New(pool.Config{
		RestartRetries: cfg.WorkerRestartRetries,
		RestartBackoff: cfg.WorkerRestartBackoff,
		ArenaSizeBytes: cfg.ArenaSizeBytes,
	}, channels, bindings, log, m)
	if err != nil {
		for _, ch := range channels {
			ch.Destroy()
		}
		return nil, err
	}
	if err := p.Start(); err != nil {
		for _, ch := range channels {
			ch.Destroy()
		}
		return nil, err
	}

	d := dispatcher.New(manager, log, m)
	if err := m.Serve(cfg.MetricsAddr); err != nil {
		log.Warn("runtime: metrics listener failed to start", utils.Err(err))
	}

	r := &Runtime{cfg: cfg, log: log, manager: manager, pool: p, dispatcher: d, metrics: m, channels: channels}

	// Registered in dependency order (deepest first) so Shutdown's LIFO
	// walk stops the dispatcher before the pool it routes to, the pool
	// before the metrics listener reporting on it, and the metrics
	// listener before the arenas are unmapped out from under everything.
	r.shutdown = utils.NewGracefulShutdown(shutdownTimeout, log)
	r.shutdown.Register(func() error {
		var firstErr error
		for _, ch := range r.channels {
			if err := ch.Destroy(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	})
	r.shutdown.Register(func() error { return r.metrics.Shutdown(context.Background()) })
	r.shutdown.Register(func() error { return r.pool.Stop() })
	r.shutdown.Register(func() error {
		// The pollers stay parked in GetCompleted until the channels'
		// locks are released; Pool.Stop releasing them again is harmless.
		for _, ch := range r.channels {
			_ = ch.ReleaseLocks()
		}
		r.dispatcher.Stop()
		return nil
	})

	return r, nil
}

// Stop tears the runtime down in dependency order: every channel's locks
// are released and the dispatcher's pollers joined, then the worker pool
// is stopped, then the metrics listener, then the backing arenas.
func (r *Runtime) Stop() error {
	return r.shutdown.Shutdown(context.Background())
}

// Load broadcasts a code object to every worker (spec §4.F "Load"). cb
// receives the first failing worker's status, or the first worker's
// status if none failed. Execute calls are not gated on the outcome; each
// worker checks a request's version against the code it loaded.
func (r *Runtime) Load(code engine.CodeObject, cb func(engine.Status)) error {
	if code.Version == 0 {
		return invalidArgument("version must be greater than zero")
	}
	if code.IsEmpty() {
		return invalidArgument("at least one of js or wasm must be non-empty")
	}
	id := code.ID
	if id == "" {
		id = utils.GenerateID()
	}
	req := ipc.Request{
		Kind:    ipc.KindLoad,
		Version: code.Version,
		ID:      id,
		JS:      code.JS,
		WASM:    code.WASM,
		Tags:    code.Tags,
	}
	return r.dispatcher.Broadcast(req, func(resp ipc.Response) {
		cb(engine.Status{Kind: engine.Kind(resp.Kind), Message: resp.Message})
	})
}

// Execute routes one invocation request to a single worker chosen by the
// dispatcher's round-robin policy (spec §4.F "Execute").
func (r *Runtime) Execute(inv engine.Invocation, cb func(engine.Result)) error {
	if inv.Version == 0 {
		return invalidArgument("version must be greater than zero")
	}
	if inv.HandlerName == "" {
		return invalidArgument("handler_name must be non-empty")
	}
	req := toExecuteRequest(inv)
	return r.dispatcher.Dispatch(req, func(resp ipc.Response) {
		cb(toResult(resp))
	})
}

// BatchExecute fans a set of invocation requests out across the worker
// pool and fans their responses back in as a single callback (spec §6
// "batch execute").
func (r *Runtime) BatchExecute(invs []engine.Invocation, cb func([]engine.Result)) error {
	reqs := make([]ipc.Request, len(invs))
	for i, inv := range invs {
		if inv.Version == 0 {
			return invalidArgument("version must be greater than zero")
		}
		if inv.HandlerName == "" {
			return invalidArgument("handler_name must be non-empty")
		}
		reqs[i] = toExecuteRequest(inv)
	}
	return r.dispatcher.Batch(reqs, func(resps []ipc.Response) {
		results := make([]engine.Result, len(resps))
		for i, resp := range resps {
			results[i] = toResult(resp)
		}
		cb(results)
	})
}

func toExecuteRequest(inv engine.Invocation) ipc.Request {
	return ipc.Request{
		Kind:           ipc.KindExecute,
		Version:        inv.Version,
		HandlerName:    inv.HandlerName,
		WasmReturnType: wasmReturnTypeTag(inv.WasmReturnType),
		TimeoutMs:      inv.TimeoutMs,
		Input:          inv.Input,
	}
}

func toResult(resp ipc.Response) engine.Result {
	return engine.Result{
		Status:     engine.Status{Kind: engine.Kind(resp.Kind), Message: resp.Message},
		ResultJSON: resp.ResultJSON,
	}
}

func wasmReturnTypeTag(rt engine.WasmReturnType) string {
	switch rt {
	case engine.ReturnU32:
		return "u32"
	case engine.ReturnString:
		return "string"
	case engine.ReturnListOfString:
		return "list_of_string"
	default:
		return ""
	}
}

func invalidArgument(format string, args ...any) error {
	return engine.Fail(engine.InvalidArgument, format, args...)
}
