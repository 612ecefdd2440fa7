package bus

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_OverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bus.yaml")
	contents := `
name: checkout-bus
worker_threads: 8
queue_capacity: 1024
publish_mode: exact_with_super_types
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "checkout-bus", cfg.Name)
	assert.Equal(t, 8, cfg.WorkerThreads)
	assert.Equal(t, 1024, cfg.QueueCapacity)
	assert.Equal(t, ModeExactWithSuperTypes, cfg.PublishMode)
	assert.Equal(t, "On", cfg.HandlerPrefix, "unset handler_prefix should fall back to DefaultConfig")
}

func TestLoadConfig_UnknownPublishModeErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bus.yaml")
	require.NoError(t, os.WriteFile(path, []byte("publish_mode: bogus\n"), 0o644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfig_MissingFileErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	assert.Error(t, err)
}
