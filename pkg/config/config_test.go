package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWithNoConfigFile(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load("", dir)
	require.NoError(t, err)

	assert.Equal(t, 100*time.Second, cfg.UpdatePeriod)
	assert.Equal(t, 90*24*time.Hour, cfg.NullificationPeriod)
	assert.Equal(t, 30*time.Second, cfg.TransactionCommitPeriod)
	assert.Equal(t, 24*time.Hour, cfg.SessionTTL)
	assert.Equal(t, int64(200), cfg.SchedulerPoolSize)
	assert.Equal(t, int64(10), cfg.SchedulerMiscQuota)
	assert.Equal(t, dir, cfg.DBDir)
}

func TestLoad_ReadsDBDirConfigFile(t *testing.T) {
	dir := t.TempDir()
	confPath := filepath.Join(dir, "server.conf")
	require.NoError(t, os.WriteFile(confPath, []byte("update_period: 50s\n"), 0o644))

	cfg, err := Load("", dir)
	require.NoError(t, err)

	assert.Equal(t, 50*time.Second, cfg.UpdatePeriod)
	assert.Equal(t, 90*24*time.Hour, cfg.NullificationPeriod)
}

func TestLoad_ExplicitConfigFlagTakesPrecedence(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "server.conf"), []byte("update_period: 50s\n"), 0o644))

	explicit := filepath.Join(dir, "custom.conf")
	require.NoError(t, os.WriteFile(explicit, []byte("update_period: 77s\n"), 0o644))

	cfg, err := Load(explicit, dir)
	require.NoError(t, err)

	assert.Equal(t, 77*time.Second, cfg.UpdatePeriod)
}

func TestLoad_EnvVarOverridesDefault(t *testing.T) {
	t.Setenv("HYDRUS_NULLIFICATION_PERIOD", "48h")

	cfg, err := Load("", t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 48*time.Hour, cfg.NullificationPeriod)
}

func TestLoad_MissingExplicitConfigIsError(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(filepath.Join(dir, "does-not-exist.conf"), dir)
	assert.Error(t, err)
}
