package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drewcsillag/notecove/pkg/fsadapter"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.True(t, cfg.CompressPacks)
	assert.NotEmpty(t, cfg.DataDir)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
dataDir: /tmp/nc-test
logLevel: debug
compressPacks: false
sds:
  - path: /tmp/nc-sd1
    name: primary
  - path: /tmp/nc-sd2
    name: shared
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/nc-test", cfg.DataDir)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.False(t, cfg.CompressPacks)
	require.Len(t, cfg.SDs, 2)
	assert.Equal(t, "primary", cfg.SDs[0].Name)
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("dataDir: [unclosed"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestTestStorageDirOverride(t *testing.T) {
	t.Setenv("TEST_STORAGE_DIR", "/tmp/nc-test-sd")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	require.Len(t, cfg.SDs, 1)
	assert.Equal(t, "/tmp/nc-test-sd", cfg.SDs[0].Path)
	assert.Equal(t, "/tmp/nc-test-sd", cfg.DefaultSDPath())
}

func TestDBPathOverride(t *testing.T) {
	cfg := Default()
	assert.Equal(t, filepath.Join(cfg.DataDir, "metacache.db"), cfg.DBPath())

	t.Setenv("TEST_DB_PATH", "/tmp/nc.db")
	assert.Equal(t, "/tmp/nc.db", cfg.DBPath())
}

func TestEnsureInstanceIDPersists(t *testing.T) {
	fs := fsadapter.New()
	dir := t.TempDir()

	id1, err := EnsureInstanceID(fs, dir)
	require.NoError(t, err)
	assert.NotEmpty(t, id1)

	id2, err := EnsureInstanceID(fs, dir)
	require.NoError(t, err)
	assert.Equal(t, id1, id2, "instance id is minted once")
}

func TestEnsureInstanceIDEnvOverride(t *testing.T) {
	t.Setenv("INSTANCE_ID", "6BA7B810-9DAD-11D1-80B4-00C04FD430C8")

	id, err := EnsureInstanceID(fsadapter.New(), t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "6ba7b810-9dad-11d1-80b4-00c04fd430c8", id)

	t.Setenv("INSTANCE_ID", "not-a-uuid")
	_, err = EnsureInstanceID(fsadapter.New(), t.TempDir())
	assert.Error(t, err)
}
