package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDirectories(t *testing.T) {
	dirs, err := parseDirectories("/mnt/media=/media, /home/u/iso=/archives/iso")
	require.NoError(t, err)
	require.Len(t, dirs, 2)
	assert.Equal(t, "/mnt/media", dirs[0].LocalPath)
	assert.Equal(t, "/media", dirs[0].RemotePrefix)
	assert.Equal(t, "/archives/iso", dirs[1].RemotePrefix)
}

func TestParseDirectoriesRejectsMalformedPair(t *testing.T) {
	_, err := parseDirectories("/mnt/media")
	require.Error(t, err)
}

func TestLoadDefaultsAndClamps(t *testing.T) {
	t.Setenv("SYNCBOX_DIRECTORIES", "/data=/remote")
	t.Setenv("SYNCBOX_CONCURRENCY_LIMIT", "8")
	t.Setenv("SYNCBOX_POOL_SIZE", "3")

	cfg, err := Load()
	require.NoError(t, err)
	// PoolSize can never be below the execution concurrency limit.
	assert.Equal(t, 8, cfg.ConcurrencyLimit)
	assert.Equal(t, 8, cfg.PoolSize)
	assert.Equal(t, int64(2<<20), cfg.MinSizeBytes())
	assert.Equal(t, TransportFTP, cfg.PreferredTransport)
	assert.Equal(t, 40*time.Second, cfg.ReconcileBackoff)
}

func TestLoadRejectsUnknownTransport(t *testing.T) {
	t.Setenv("SYNCBOX_PREFERRED_TRANSPORT", "carrier-pigeon")
	_, err := Load()
	require.Error(t, err)
}

func TestMappingFor(t *testing.T) {
	cfg := &Config{Directories: []DirectoryMapping{
		{LocalPath: "/data", RemotePrefix: "/remote"},
	}}
	m, ok := cfg.MappingFor("/data")
	require.True(t, ok)
	assert.Equal(t, "/remote", m.RemotePrefix)

	_, ok = cfg.MappingFor("/gone")
	assert.False(t, ok)
}
