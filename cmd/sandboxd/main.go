// Command sandboxd is the runtime's single re-exec'd binary (spec §4.H):
// started normally it brings up a Runtime and blocks until signaled;
// re-exec'd by the pool with SANDBOXRT_WORKER_ROLE set, the same binary
// instead attaches to one arena channel and runs the worker loop.
package main

import (
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/sandboxrt/kernel/internal/config"
	"github.com/sandboxrt/kernel/internal/engine"
	"github.com/sandboxrt/kernel/internal/ipc"
	"github.com/sandboxrt/kernel/internal/pool"
	"github.com/sandboxrt/kernel/internal/worker"
	"github.com/sandboxrt/kernel/kernel/utils"

	"github.com/sandboxrt/kernel"
)

// registerBindings installs the native callbacks this deployment exposes
// to sandboxed code. It runs unconditionally at startup in both the host
// process and every re-exec'd worker, so the worker's copy of the
// registry matches the host's without the closures themselves ever
// needing to cross exec(2). A real deployment would list its actual
// my_cool_func-style handlers here.
func registerBindings() {
}

func main() {
	registerBindings()
	if os.Getenv(pool.WorkerRoleEnv) != "" {
		runWorker()
		return
	}
	runHost()
}

// runWorker implements the worker side of spec §4.G: attach to the
// channel named by the pool, recover any in-flight state left by a prior
// incarnation, then loop acquiring and completing requests until the
// pool releases the channel's locks on shutdown.
func runWorker() {
	log := utils.DefaultLogger("sandboxrt-worker")

	index, err := strconv.Atoi(os.Getenv(pool.WorkerIndexEnv))
	if err != nil {
		log.Fatal("worker: invalid worker index", utils.Err(err))
	}
	size, err := strconv.ParseUint(os.Getenv(pool.ChannelSizeEnv), 10, 32)
	if err != nil {
		log.Fatal("worker: invalid channel size", utils.Err(err))
	}
	path := os.Getenv(pool.ChannelPathEnv)

	channel, err := ipc.OpenChannel(index, path, uint32(size), 0)
	if err != nil {
		log.Fatal("worker: failed to attach channel", utils.Err(err))
	}
	defer channel.Close()

	var names []string
	if raw := os.Getenv(pool.BindingNamesEnv); raw != "" {
		names = strings.Split(raw, ",")
	}
	bindings, missing := engine.BindingsByName(names)
	for _, n := range missing {
		log.Warn("worker: binding name from pool has no local registrant", utils.String("name", n))
	}

	manager := engine.NewManager(bindings)
	loop := worker.New(channel, manager, log)
	loop.RecordPid(os.Getpid())

	if err := loop.Recover(); err != nil {
		log.Warn("worker: recovery step failed", utils.Err(err))
	}
	if err := loop.Run(); err != nil {
		log.Fatal("worker: run loop exited with an error", utils.Err(err))
	}
}

// runHost brings up a Runtime using layered configuration (spec §6) and
// blocks until SIGINT/SIGTERM, then shuts down cleanly.
func runHost() {
	log := utils.DefaultLogger("sandboxrt")

	cfg, err := config.Load(os.Getenv("SANDBOXRT_CONFIG_FILE"))
	if err != nil {
		log.Fatal("host: failed to load configuration", utils.Err(err))
	}

	rt, err := kernel.Init(cfg, "sandboxrt", engine.AllRegistered())
	if err != nil {
		log.Fatal("host: failed to initialize runtime", utils.Err(err))
	}

	log.Info("host: runtime started", utils.Int("workers", cfg.NumberOfWorkers))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("host: shutting down")
	if err := rt.Stop(); err != nil {
		log.Error("host: shutdown reported an error", utils.Err(err))
	}
}
