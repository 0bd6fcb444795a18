package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/3leaps/stashd/internal/server/handlers"
	"github.com/3leaps/stashd/internal/server/middleware"
	"github.com/3leaps/stashd/pkg/cache"
	"github.com/3leaps/stashd/pkg/cleaner"
	"github.com/3leaps/stashd/pkg/dedupe"
	"github.com/3leaps/stashd/pkg/jobs"
	"github.com/3leaps/stashd/pkg/sharedstore"
)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()

	store := sharedstore.NewMemory()
	root := t.TempDir()

	registry := jobs.NewRegistry(store, jobs.Config{
		WorkerCommand:    "sh",
		WorkerArgs:       []string{"-c"},
		TTL:              time.Minute,
		ProgressInterval: 10 * time.Millisecond,
	}, zap.NewNop())
	guard := dedupe.NewGuard(store, time.Minute, true, zap.NewNop())
	launcher := jobs.NewLauncher(registry, guard, zap.NewNop())

	manager, err := cache.NewManager(store, cache.Config{Root: root, TTL: time.Minute}, zap.NewNop())
	require.NoError(t, err)
	sched := cleaner.NewScheduler(cleaner.New(manager, cleaner.Config{}, zap.NewNop()), time.Hour, time.Minute, zap.NewNop())

	srv := New("127.0.0.1", 0, &handlers.Handlers{
		Launcher:  launcher,
		Registry:  registry,
		Cache:     manager,
		Scheduler: sched,
		Store:     store,
		Version:   "test",
	})
	return srv, root
}

func doJSON(t *testing.T, srv *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServerNotFoundEnvelope(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var body middleware.ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "NOT_FOUND", body.Error.Code)
	assert.NotEmpty(t, body.Error.RequestID)
}

func TestServerMethodNotAllowed(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/version", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	var body middleware.ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "METHOD_NOT_ALLOWED", body.Error.Code)
}

func TestHealthAndVersion(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var health map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&health))
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, true, health["store_available"])

	rec = doJSON(t, srv, http.MethodGet, "/version", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var version map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&version))
	assert.Equal(t, "test", version["version"])
}

func TestStartJobValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/jobs", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var body middleware.ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "INVALID_REQUEST", body.Error.Code)
}

func TestJobLifecycle(t *testing.T) {
	srv, _ := newTestServer(t)

	// The registry runs `sh -c <args...>`, so the URL doubles as the script.
	rec := doJSON(t, srv, http.MethodPost, "/jobs", jobs.Request{URL: "echo served"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var started jobs.LaunchResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&started))
	require.NotNil(t, started.Summary)
	id := started.Summary.ID

	var final jobs.Summary
	deadline := time.Now().Add(5 * time.Second)
	for {
		rec = doJSON(t, srv, http.MethodGet, "/jobs/"+id, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&final))
		if final.Status.Terminal() {
			break
		}
		require.True(t, time.Now().Before(deadline), "job never finished")
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, jobs.StatusCompleted, final.Status)

	rec = doJSON(t, srv, http.MethodGet, "/jobs/"+id+"/logs", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "served")

	rec = doJSON(t, srv, http.MethodDelete, "/jobs/"+id, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/jobs/", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestJobNotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/jobs/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var body middleware.ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "JOB_NOT_FOUND", body.Error.Code)
}

func TestCacheEndpoints(t *testing.T) {
	srv, root := newTestServer(t)

	dir := filepath.Join(root, "Artist", "Album")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "track.m4a"), bytes.Repeat([]byte{'x'}, 100), 0o644))

	rec := doJSON(t, srv, http.MethodPost, "/cache/directories", map[string]string{"path": "Artist/Album"})
	require.Equal(t, http.StatusOK, rec.Code)
	var entry cache.Entry
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&entry))
	assert.Equal(t, int64(100), entry.SizeBytes)

	rec = doJSON(t, srv, http.MethodGet, "/cache/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats cache.Stats
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&stats))
	assert.Equal(t, int64(100), stats.TotalBytes)
	assert.Equal(t, int64(1), stats.Directories)

	rec = doJSON(t, srv, http.MethodPost, "/cache/directories/touch", map[string]string{"path": "Artist/Album"})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/cache/directory?path=Artist%2FAlbum", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/cache/directories", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Without delete_files, only the tracking goes.
	rec = doJSON(t, srv, http.MethodDelete, "/cache/directories?path=Artist%2FAlbum", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	_, err := os.Stat(dir)
	assert.NoError(t, err)

	rec = doJSON(t, srv, http.MethodPost, "/cache/directories", map[string]string{"path": "Artist/Album"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodDelete, "/cache/directories?path=Artist%2FAlbum&delete_files=true", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
}

func TestCachePathOutsideRoot(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/cache/directories", map[string]string{"path": "../escape"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var body middleware.ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "PATH_OUTSIDE_ROOT", body.Error.Code)
}

func TestCacheTouchUnknown(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/cache/directories/touch", map[string]string{"path": "nope"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var body middleware.ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "DIRECTORY_NOT_REGISTERED", body.Error.Code)
}

func TestCleanerEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/cleaner/run", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats cleaner.Stats
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&stats))
	assert.Equal(t, 0, stats.Errors)

	rec = doJSON(t, srv, http.MethodGet, "/cleaner/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status cleaner.Status
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	assert.False(t, status.LastRun.IsZero())
}
