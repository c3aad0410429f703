package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/syncbridge/core/internal/logging"
)

func TestHealthzReturnsOK(t *testing.T) {
	router := newRouter(nil, logging.NewComponentLoggerAt("test", logging.LevelError))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestReadyzOKWhenNoPostgresConfigured(t *testing.T) {
	router := newRouter(nil, logging.NewComponentLoggerAt("test", logging.LevelError))

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpointServesPrometheusFormat(t *testing.T) {
	router := newRouter(nil, logging.NewComponentLoggerAt("test", logging.LevelError))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
}

func TestCORSHeaderPresentOnResponse(t *testing.T) {
	router := newRouter(nil, logging.NewComponentLoggerAt("test", logging.LevelError))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://dashboard.example.com")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.NotEmpty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
