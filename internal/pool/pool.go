// Package pool implements the worker pool process model of spec §4.H:
// given N, start N worker processes (this Go port re-execs its own binary
// per worker rather than forking, since Go cannot safely fork() a
// multi-threaded runtime — see DESIGN.md), detect their death, and refork
// them with bounded retries while preserving the native-binding
// registrations across restarts.
package pool

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sandboxrt/kernel/internal/engine"
	"github.com/sandboxrt/kernel/internal/ipc"
	"github.com/sandboxrt/kernel/internal/metrics"
	"github.com/sandboxrt/kernel/kernel/utils"
)

// WorkerRoleEnv is the environment variable a re-exec'd process checks at
// startup to learn it should run the worker loop instead of the
// dispatcher (spec §4.H "an environment variable identifying the worker
// index and role").
const WorkerRoleEnv = "SANDBOXRT_WORKER_ROLE"

// WorkerIndexEnv carries the channel index the re-exec'd worker binds to.
const WorkerIndexEnv = "SANDBOXRT_WORKER_INDEX"

// ChannelPathEnv carries the path of the arena region the re-exec'd
// worker should attach to with ipc.OpenChannel.
const ChannelPathEnv = "SANDBOXRT_CHANNEL_PATH"

// ChannelSizeEnv carries the byte size of the arena region the re-exec'd
// worker should map with ipc.OpenChannel (the mapping size must match
// what the dispatcher originally created it with).
const ChannelSizeEnv = "SANDBOXRT_CHANNEL_SIZE"

// BindingNamesEnv carries the comma-joined names of the bindings the
// worker should resolve from its own copy of the engine's binding
// registry at startup (see engine.RegisterBinding) — the Go closures
// themselves cannot cross exec(2), only their names can.
const BindingNamesEnv = "SANDBOXRT_BINDING_NAMES"

// Config configures the pool's restart policy (spec §6 external config
// additions).
type Config struct {
	RestartRetries int
	RestartBackoff time.Duration
	ArenaSizeBytes uint32
}

// DefaultConfig matches spec §4.H's stated defaults.
func DefaultConfig() Config {
	return Config{RestartRetries: 5, RestartBackoff: 20 * time.Millisecond, ArenaSizeBytes: 64 * 1024 * 1024}
}

// workerProc tracks one supervised worker process.
type workerProc struct {
	index int
	cmd   *exec.Cmd
	pid   atomic.Int64
}

// Pool supervises one worker process per channel (spec §4.H). It folds
// the spec's separate "supervisor process" into this struct's own
// goroutines rather than forking a second OS process for it: each
// worker's exit is observed by a dedicated goroutine blocked in
// cmd.Wait(), which is Go's equivalent of a dedicated waiter thread
// without needing process-level isolation for something that never
// touches an isolate (see DESIGN.md Open Question).
type Pool struct {
	cfg      Config
	channels []*ipc.Channel
	bindings []engine.Binding
	log      *utils.Logger
	metrics  *metrics.Metrics

	selfPath string

	mu      sync.Mutex
	workers []*workerProc
	stopped atomic.Bool
	wg      sync.WaitGroup
}

// New constructs a Pool bound to one channel per worker. bindings is the
// set of native callbacks every worker installs into its isolate (spec
// §4.H "the pool stores all native-binding registrations so restarted
// workers receive them"); since these are Go closures, spawn passes their
// names (not the closures) to the re-exec'd child through BindingNamesEnv,
// and the child resolves them back to Fn values against its own copy of
// the engine registry (see engine.RegisterBinding) — the same mechanism a
// restart uses, since it is just another spawn.
// m may be nil, in which case metrics recording is skipped (tests
// construct Pools without a live Metrics instance).
func New(cfg Config, channels []*ipc.Channel, bindings []engine.Binding, log *utils.Logger, m *metrics.Metrics) (*Pool, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("pool: resolve self executable: %w", err)
	}
	return &Pool{cfg: cfg, channels: channels, bindings: bindings, log: log, metrics: m, selfPath: self}, nil
}

// Start launches one worker process per channel and begins supervising
// each for unexpected exit.
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.workers = make([]*workerProc, len(p.channels))
	for i, ch := range p.channels {
		w, err := p.spawn(i, ch)
		if err != nil {
			return fmt.Errorf("pool: spawn worker %d: %w", i, err)
		}
		p.workers[i] = w
		p.wg.Add(1)
		go p.supervise(w)
	}
	p.setActiveWorkers(len(p.workers))
	return nil
}

// setActiveWorkers updates the active-workers gauge, a no-op when
// metrics is nil.
func (p *Pool) setActiveWorkers(n int) {
	if p.metrics != nil {
		p.metrics.ActiveWorkers.Set(float64(n))
	}
}

func (p *Pool) spawn(index int, ch *ipc.Channel) (*workerProc, error) {
	cmd := exec.Command(p.selfPath)
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("%s=1", WorkerRoleEnv),
		fmt.Sprintf("%s=%d", WorkerIndexEnv, index),
		fmt.Sprintf("%s=%s", ChannelPathEnv, ch.Path()),
		fmt.Sprintf("%s=%d", ChannelSizeEnv, p.cfg.ArenaSizeBytes),
		fmt.Sprintf("%s=%s", BindingNamesEnv, strings.Join(engine.BindingNames(p.bindings), ",")),
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	w := &workerProc{index: index, cmd: cmd}
	w.pid.Store(int64(cmd.Process.Pid))
	p.log.Info("pool: worker started", utils.Int("index", index), utils.Int64("pid", w.pid.Load()))
	return w, nil
}

// supervise implements spec §4.H's reap-and-refork loop for one worker
// slot: wait-for-child, and on an unexpected death (the pool has not
// itself been stopped) identify the index and refork with bounded
// retries.
func (p *Pool) supervise(w *workerProc) {
	defer p.wg.Done()
	for {
		err := w.cmd.Wait()
		if p.stopped.Load() {
			return
		}
		p.log.Warn("pool: worker exited unexpectedly", utils.Int("index", w.index), utils.Err(err))

		replacement, rerr := p.restart(w.index)
		if rerr != nil {
			p.log.Error("pool: failed to restart worker after retries", utils.Int("index", w.index), utils.Err(rerr))
			return
		}
		w = replacement
	}
}

// restart reforks the worker at index, retrying up to cfg.RestartRetries
// times with cfg.RestartBackoff between attempts, and blocks until the
// new process's pid is recorded (spec §4.H "block until its recorded pid
// updates").
func (p *Pool) restart(index int) (*workerProc, error) {
	var lastErr error
	for attempt := 0; attempt < p.cfg.RestartRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(p.cfg.RestartBackoff)
		}
		w, err := p.spawn(index, p.channels[index])
		if err != nil {
			lastErr = err
			continue
		}
		p.mu.Lock()
		p.workers[index] = w
		p.mu.Unlock()
		if p.metrics != nil {
			p.metrics.WorkerRestarts.Inc()
		}
		return w, nil
	}
	return nil, fmt.Errorf("pool: exhausted %d restart attempts for worker %d: %w", p.cfg.RestartRetries, index, lastErr)
}

// Pids returns the currently recorded pid for each worker slot, for
// metrics/diagnostics.
func (p *Pool) Pids() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]int64, len(p.workers))
	for i, w := range p.workers {
		if w != nil {
			out[i] = w.pid.Load()
		}
	}
	return out
}

// Stop implements spec §4.H's stop sequence: set the stop flag, release
// every channel's locks so blocked workers return from their acquire
// waits and exit cleanly, then wait for every supervisor goroutine (and
// therefore every worker process) to finish.
func (p *Pool) Stop() error {
	p.stopped.Store(true)
	var firstErr error
	for _, ch := range p.channels {
		if err := ch.ReleaseLocks(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.wg.Wait()
	p.setActiveWorkers(0)
	return firstErr
}
