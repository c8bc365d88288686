package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Setenv("RAGVAULT_MASTER_KEY", "dGVzdC1tYXN0ZXIta2V5LTMyLWJ5dGVzLWxvbmchIQ==")
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 8090, cfg.Port)
	require.Equal(t, "pgvector", cfg.Vector.Backend)
	require.Equal(t, 3200, cfg.Chunking.Size)
	require.Equal(t, runtime.NumCPU(), cfg.Scheduler.Workers)
}

func TestLoadMissingMasterKeyFails(t *testing.T) {
	t.Setenv("RAGVAULT_MASTER_KEY", "")
	os.Unsetenv("RAGVAULT_MASTER_KEY")
	_, err := Load("")
	require.Error(t, err)
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 9100\nchunking:\n  size: 1000\n  overlap: 200\n"), 0o644))

	t.Setenv("RAGVAULT_MASTER_KEY", "dGVzdC1tYXN0ZXIta2V5LTMyLWJ5dGVzLWxvbmchIQ==")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9100, cfg.Port)
	require.Equal(t, 1000, cfg.Chunking.Size)
	require.Equal(t, 200, cfg.Chunking.Overlap)
}

func TestEnvOverridesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 9100\n"), 0o644))

	t.Setenv("RAGVAULT_MASTER_KEY", "dGVzdC1tYXN0ZXIta2V5LTMyLWJ5dGVzLWxvbmchIQ==")
	t.Setenv("RAGVAULT_PORT", "9200")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9200, cfg.Port)
}
