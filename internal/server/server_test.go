package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/CapBus/internal/ipc"
	"github.com/GriffinCanCode/CapBus/internal/logging"
	"github.com/GriffinCanCode/CapBus/internal/nameservice"
	"github.com/GriffinCanCode/CapBus/internal/transport"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	hub := transport.NewHub(logging.NewNop())
	t.Cleanup(hub.Close)

	ep, err := hub.Attach(1, 0)
	require.NoError(t, err)
	rt, err := ipc.New(ipc.Options{PID: 1, Channel: ep, Logger: logging.NewNop()})
	require.NoError(t, err)
	dir := nameservice.NewDirectory(rt, logging.NewNop())
	rt.ServeRoot(dir, 0)

	return New(rt, hub, dir, logging.NewNop())
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	rec := get(t, s, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestRoot(t *testing.T) {
	s := newTestServer(t)
	rec := get(t, s, "/")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "capbusd")
}

func TestStats(t *testing.T) {
	s := newTestServer(t)
	rec := get(t, s, "/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body, "runtime")
	assert.Contains(t, body, "hub")
}

func TestServices(t *testing.T) {
	s := newTestServer(t)
	rec := get(t, s, "/services")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"services":[]}`, rec.Body.String())
}
