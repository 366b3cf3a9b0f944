package scanner

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nroche/syncbox/internal/config"
	"github.com/nroche/syncbox/internal/repository"
)

func writeFile(t *testing.T, dir, name string, size int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
	return path
}

func newScanner(t *testing.T, dir string, minMB int64) (*Scanner, *repository.MemoryCatalog) {
	t.Helper()
	cfg := &config.Config{
		Directories:      []config.DirectoryMapping{{LocalPath: dir, RemotePrefix: "/backup"}},
		MinSizeMegaBytes: minMB,
	}
	catalog := repository.NewMemoryCatalog()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return New(cfg, catalog, log), catalog
}

func TestRefreshIndexThresholdBoundary(t *testing.T) {
	dir := t.TempDir()
	const oneMB = 1 << 20
	writeFile(t, dir, "exact.bin", 2*oneMB)   // exactly at threshold: excluded
	writeFile(t, dir, "above.bin", 2*oneMB+1) // one byte over: included
	writeFile(t, dir, "small.bin", oneMB)

	s, catalog := newScanner(t, dir, 2)
	require.NoError(t, s.RefreshIndex(context.Background()))

	assert.Equal(t, 1, catalog.Len())
	rec, ok := catalog.Get("above.bin")
	require.True(t, ok)
	assert.Equal(t, int64(2*oneMB+1), rec.FileSizeByte)
	assert.Equal(t, dir, rec.DirectoryBasePath)
}

func TestRefreshIndexIdempotent(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "movies/big.mkv", 3<<20)

	s, catalog := newScanner(t, dir, 2)
	require.NoError(t, s.RefreshIndex(context.Background()))
	first, ok := catalog.Get("big.mkv")
	require.True(t, ok)

	require.NoError(t, s.RefreshIndex(context.Background()))
	assert.Equal(t, 1, catalog.Len())
	second, ok := catalog.Get("big.mkv")
	require.True(t, ok)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.FullPath, second.FullPath)
}

func TestRefreshIndexCataloguesExpectedFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.iso", 1<<20)
	writeFile(t, dir, "b.iso", 5<<20)
	writeFile(t, dir, "c.iso", 10<<20)

	s, catalog := newScanner(t, dir, 2)
	require.NoError(t, s.RefreshIndex(context.Background()))

	// 1MB excluded, 5MB and 10MB catalogued.
	assert.Equal(t, 2, catalog.Len())
	n, err := catalog.CountUnsynced(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	total, err := catalog.SumUnsyncedBytes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(15<<20), total)
}

func TestRefreshIndexToleratesUnreadableRoot(t *testing.T) {
	good := t.TempDir()
	writeFile(t, good, "keep.iso", 3<<20)
	missing := filepath.Join(t.TempDir(), "unmounted")

	cfg := &config.Config{
		Directories: []config.DirectoryMapping{
			{LocalPath: missing, RemotePrefix: "/gone"},
			{LocalPath: good, RemotePrefix: "/backup"},
		},
		MinSizeMegaBytes: 2,
	}
	catalog := repository.NewMemoryCatalog()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	s := New(cfg, catalog, log)

	// A root that cannot be read is logged and skipped; the remaining
	// directories are still catalogued.
	require.NoError(t, s.RefreshIndex(context.Background()))
	assert.Equal(t, 1, catalog.Len())
	_, ok := catalog.Get("keep.iso")
	assert.True(t, ok)
}

func TestRefreshIndexLastScannedWinsOnNameCollision(t *testing.T) {
	dirA := t.TempDir()
	dirB := t.TempDir()
	writeFile(t, dirA, "dup.bin", 3<<20)
	writeFile(t, dirB, "dup.bin", 4<<20)

	cfg := &config.Config{
		Directories: []config.DirectoryMapping{
			{LocalPath: dirA, RemotePrefix: "/a"},
			{LocalPath: dirB, RemotePrefix: "/b"},
		},
		MinSizeMegaBytes: 2,
	}
	catalog := repository.NewMemoryCatalog()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	s := New(cfg, catalog, log)
	require.NoError(t, s.RefreshIndex(context.Background()))

	assert.Equal(t, 1, catalog.Len())
	rec, ok := catalog.Get("dup.bin")
	require.True(t, ok)
	assert.Equal(t, dirB, rec.DirectoryBasePath)
	assert.Equal(t, int64(4<<20), rec.FileSizeByte)
}
