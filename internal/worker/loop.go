// Package worker implements the per-process worker loop of spec §4.G: one
// process bound exclusively to one channel, running a single execution
// manager and responding to load/execute requests until the channel's
// stop flag is raised.
package worker

import (
	"errors"
	"sync/atomic"

	"github.com/sandboxrt/kernel/internal/engine"
	"github.com/sandboxrt/kernel/internal/ipc"
	"github.com/sandboxrt/kernel/internal/workqueue"
	"github.com/sandboxrt/kernel/kernel/utils"
)

// Loop drives one worker process's run sequence against a single
// channel, matching spec §4.G step-for-step.
type Loop struct {
	channel *ipc.Channel
	manager *engine.Manager
	log     *utils.Logger

	pid atomic.Int64 // set by RecordPid; local to this process
}

// New constructs a Loop bound to channel, driving manager. The pool does
// not read the Loop's pid; it tracks each worker's pid from its own
// exec.Cmd.
func New(channel *ipc.Channel, manager *engine.Manager, log *utils.Logger) *Loop {
	return &Loop{channel: channel, manager: manager, log: log}
}

// Pid returns the pid this Loop last recorded via RecordPid.
func (l *Loop) Pid() int64 { return l.pid.Load() }

// RecordPid implements spec §4.G step 1.
func (l *Loop) RecordPid(pid int) { l.pid.Store(int64(pid)) }

// Recover implements spec §4.G steps 2–3: resume from whatever state a
// crashed predecessor left the channel in. Called once, before Run.
func (l *Loop) Recover() error {
	if cached, ok := l.channel.GetLastCodeObject(); ok {
		status := l.manager.Load(engine.CodeObject{
			ID:      cached.ID,
			Version: cached.Version,
			JS:      cached.JS,
			WASM:    cached.WASM,
			Tags:    cached.Tags,
		})
		if !status.OK() {
			// A genuinely broken cached code object is not this worker's
			// problem to solve; the next request will surface the same
			// failure through a normal load response.
			l.log.Warn("recover: cached code object failed to load", utils.Err(status))
		}
	}

	pending, err := l.channel.HasPendingRequest()
	if err != nil {
		return err
	}
	if pending {
		// The previous incarnation acquired a request but died before
		// completing it; release the acquire lock so this worker can
		// re-pop the same slot instead of waiting on a semaphore count
		// that already accounts for it.
		l.channel.ReleaseAcquireLock()
	}
	return nil
}

// Run executes spec §4.G step 4, looping until the channel reports it has
// been stopped.
func (l *Loop) Run() error {
	for {
		acquired, err := l.channel.GetRequest()
		if err != nil {
			if errors.Is(err, workqueue.ErrStopped) {
				return nil
			}
			// Any other failure re-checks the stop flag on the next
			// iteration rather than tearing the loop down outright,
			// matching "on stop-induced failure, continue to re-check
			// the stop flag".
			continue
		}

		resp := l.handle(acquired)
		if cerr := l.channel.CompleteResponse(acquired.SlotIndex, resp); cerr != nil {
			l.log.Error("worker: failed to complete response", utils.Err(cerr), utils.String("handler", acquired.Request.HandlerName))
		}
	}
}

func (l *Loop) handle(acquired ipc.AcquiredRequest) ipc.Response {
	req := acquired.Request

	if acquired.HadBeenWorked {
		status := engine.Fail(engine.WorkedOnBefore, "request already claimed by a prior worker incarnation")
		return toResponse(req, status, "")
	}

	switch req.Kind {
	case ipc.KindLoad:
		status := l.manager.Load(engine.CodeObject{
			ID:      req.ID,
			Version: req.Version,
			JS:      req.JS,
			WASM:    req.WASM,
			Tags:    req.Tags,
		})
		return toResponse(req, status, "")
	case ipc.KindExecute:
		result := l.manager.Execute(engine.Invocation{
			Version:        req.Version,
			HandlerName:    req.HandlerName,
			Input:          req.Input,
			WasmReturnType: engine.ParseWasmReturnType(req.WasmReturnType),
			TimeoutMs:      req.TimeoutMs,
		})
		return toResponse(req, result.Status, result.ResultJSON)
	default:
		status := engine.Fail(engine.InvalidArgument, "unrecognized request kind %d", req.Kind)
		return toResponse(req, status, "")
	}
}

func toResponse(req ipc.Request, status engine.Status, resultJSON string) ipc.Response {
	return ipc.Response{
		ID:         req.ID,
		ResultJSON: resultJSON,
		Kind:       uint32(status.Kind),
		Message:    status.Message,
	}
}
