package remote

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFolderAPI struct {
	folders     map[string]int64
	nextID      int64
	createErr   error
	findCalls   []string
	createCalls []string
}

func newFakeFolderAPI() *fakeFolderAPI {
	return &fakeFolderAPI{folders: map[string]int64{}, nextID: 100}
}

func (f *fakeFolderAPI) FindFolder(_ context.Context, remotePath string) (int64, error) {
	f.findCalls = append(f.findCalls, remotePath)
	return f.folders[remotePath], nil
}

func (f *fakeFolderAPI) CreateFolder(_ context.Context, remotePath string) error {
	f.createCalls = append(f.createCalls, remotePath)
	if f.createErr != nil {
		return f.createErr
	}
	f.nextID++
	f.folders[remotePath] = f.nextID
	return nil
}

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func TestEnsureFolderCreatesMissingSegments(t *testing.T) {
	api := newFakeFolderAPI()
	r := NewResolver(api, testLogger())

	id, err := r.EnsureFolder(context.Background(), "/backup/movies/2024")
	require.NoError(t, err)
	assert.Equal(t, api.folders["/backup/movies/2024"], id)
	assert.Equal(t, []string{"/backup", "/backup/movies", "/backup/movies/2024"}, api.createCalls)
}

func TestEnsureFolderIdempotent(t *testing.T) {
	api := newFakeFolderAPI()
	r := NewResolver(api, testLogger())

	first, err := r.EnsureFolder(context.Background(), "/backup/movies")
	require.NoError(t, err)
	creates := len(api.createCalls)

	second, err := r.EnsureFolder(context.Background(), "/backup/movies")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, creates, len(api.createCalls), "no extra creates on second resolution")
}

func TestEnsureFolderToleratesCreateRace(t *testing.T) {
	api := newFakeFolderAPI()
	// Create always fails as if a concurrent caller had already made the
	// folder, but the folder turns out to exist on re-lookup.
	api.createErr = errors.New("already exists")
	api.folders["/backup"] = 7
	raced := false
	r := NewResolver(&racingFolderAPI{fakeFolderAPI: api, raced: &raced}, testLogger())

	id, err := r.EnsureFolder(context.Background(), "/backup/movies")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
}

// racingFolderAPI makes the folder appear between the failed create and the
// second lookup, as a concurrent uploader would.
type racingFolderAPI struct {
	*fakeFolderAPI
	raced *bool
}

func (r *racingFolderAPI) CreateFolder(ctx context.Context, remotePath string) error {
	err := r.fakeFolderAPI.CreateFolder(ctx, remotePath)
	if !*r.raced {
		r.folders["/backup/movies"] = 42
		*r.raced = true
	}
	return err
}

func TestEnsureFolderRejectsRelativePath(t *testing.T) {
	r := NewResolver(newFakeFolderAPI(), testLogger())
	_, err := r.EnsureFolder(context.Background(), "backup/movies")
	assert.ErrorIs(t, err, ErrInvalidPath)
}

func TestEnsureFolderFailsWhenFolderNeverAppears(t *testing.T) {
	api := newFakeFolderAPI()
	api.createErr = errors.New("remote refused")
	r := NewResolver(api, testLogger())

	_, err := r.EnsureFolder(context.Background(), "/backup")
	require.Error(t, err)
	var apiErr *APIError
	assert.ErrorAs(t, err, &apiErr)
}
