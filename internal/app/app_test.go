package app

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/utafrali/identity/internal/config"
)

func newTestApp(t *testing.T, vars map[string]string) *App {
	t.Helper()
	cfg, err := config.LoadFrom(vars)
	require.NoError(t, err)

	a, err := NewApp(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Shutdown() })
	return a
}

func TestNewApp_MemoryStorage(t *testing.T) {
	a := newTestApp(t, map[string]string{
		"STORAGE_DRIVER":       "memory",
		"HASH_MAX_CONCURRENCY": "2",
	})

	assert.Nil(t, a.pool)
	assert.Nil(t, a.redis)
	assert.Nil(t, a.producer, "events are disabled by default")

	srv := httptest.NewServer(a.httpServer.Handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, _ := json.Marshal(map[string]string{"name": "Ann", "email": "ann@x.com", "password": "secret1"})
	resp, err = http.Post(srv.URL+"/api/auth/register", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	metrics, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(metrics), "identity_reconcile_total")
}

func TestNewApp_UserDirectoryRoute(t *testing.T) {
	a := newTestApp(t, map[string]string{
		"STORAGE_DRIVER":         "memory",
		"USER_DIRECTORY_ENABLED": "true",
	})

	srv := httptest.NewServer(a.httpServer.Handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/users")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
