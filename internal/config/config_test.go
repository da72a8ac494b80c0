package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadWithNoFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default().ArenaDir, cfg.ArenaDir)
	require.Equal(t, Default().WorkerRestartRetries, cfg.WorkerRestartRetries)
}

func TestLoadFromFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("number_of_workers: 3\narena_dir: /tmp/arenas\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 3, cfg.NumberOfWorkers)
	require.Equal(t, "/tmp/arenas", cfg.ArenaDir)
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("number_of_workers: 3\n"), 0o600))

	t.Setenv("SANDBOXRT_NUMBER_OF_WORKERS", "7")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 7, cfg.NumberOfWorkers)
}

func TestValidateRejectsExcessiveWasmPages(t *testing.T) {
	cfg := Default()
	cfg.MaxWasmMemoryPages = 70000
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsNonPositiveWorkers(t *testing.T) {
	cfg := Default()
	cfg.NumberOfWorkers = 0
	require.Error(t, cfg.Validate())
}

func TestDefaultRestartBackoffIsTwentyMillis(t *testing.T) {
	require.Equal(t, 20*time.Millisecond, Default().WorkerRestartBackoff)
}
