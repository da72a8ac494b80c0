// Package config assembles the runtime's Config (spec §6 "Configuration")
// from defaults, an optional file, and environment variables, with
// explicit precedence env > file > default (flags are not exposed; this
// runtime is embedded, not a standalone CLI service).
package config

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/sandboxrt/kernel/kernel/utils"
)

// Config is the runtime's external configuration surface (spec §6, plus
// SPEC_FULL.md's ambient additions for arena sizing and worker
// restart/metrics policy).
type Config struct {
	NumberOfWorkers    int    `mapstructure:"number_of_workers"`
	MaxWasmMemoryPages uint32 `mapstructure:"max_wasm_memory_pages"`

	ArenaSizeBytes uint32 `mapstructure:"arena_size_bytes"`
	ArenaDir       string `mapstructure:"arena_dir"`

	WorkerRestartRetries int           `mapstructure:"worker_restart_retries"`
	WorkerRestartBackoff time.Duration `mapstructure:"worker_restart_backoff"`

	MetricsAddr string `mapstructure:"metrics_addr"`
}

// maxWasmMemoryPagesLimit is the hard cap spec §6 names regardless of
// what a config file or environment variable requests.
const maxWasmMemoryPagesLimit = 65536

// Default returns the spec's stated defaults.
func Default() Config {
	return Config{
		NumberOfWorkers:      runtime.NumCPU(),
		MaxWasmMemoryPages:   0,
		ArenaSizeBytes:       64 * 1024 * 1024,
		ArenaDir:             "/dev/shm",
		WorkerRestartRetries: 5,
		WorkerRestartBackoff: 20 * time.Millisecond,
		MetricsAddr:          "",
	}
}

// Load assembles a Config starting from Default, optionally overlaying a
// config file at path (if non-empty), then environment variables
// prefixed SANDBOXRT_ (e.g. SANDBOXRT_NUMBER_OF_WORKERS), which always
// win over the file.
func Load(path string) (Config, error) {
	def := Default()

	v := viper.New()
	v.SetEnvPrefix("sandboxrt")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("number_of_workers", def.NumberOfWorkers)
	v.SetDefault("max_wasm_memory_pages", def.MaxWasmMemoryPages)
	v.SetDefault("arena_size_bytes", def.ArenaSizeBytes)
	v.SetDefault("arena_dir", def.ArenaDir)
	v.SetDefault("worker_restart_retries", def.WorkerRestartRetries)
	v.SetDefault("worker_restart_backoff", def.WorkerRestartBackoff)
	v.SetDefault("metrics_addr", def.MetricsAddr)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, utils.WrapError(err, fmt.Sprintf("config: read %s", path))
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, utils.WrapError(err, "config: unmarshal")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate enforces the invariants spec §6 states as hard limits.
func (c Config) Validate() error {
	if c.NumberOfWorkers <= 0 {
		return fmt.Errorf("config: number_of_workers must be positive, got %d", c.NumberOfWorkers)
	}
	if c.MaxWasmMemoryPages > maxWasmMemoryPagesLimit {
		return fmt.Errorf("config: max_wasm_memory_pages %d exceeds limit %d", c.MaxWasmMemoryPages, maxWasmMemoryPagesLimit)
	}
	if c.ArenaSizeBytes == 0 {
		return fmt.Errorf("config: arena_size_bytes must be positive")
	}
	if c.WorkerRestartRetries <= 0 {
		return fmt.Errorf("config: worker_restart_retries must be positive, got %d", c.WorkerRestartRetries)
	}
	return nil
}
