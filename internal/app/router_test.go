package app

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpserver "github.com/fairyhunter13/ai-agent-runner/internal/adapter/httpserver"
	"github.com/fairyhunter13/ai-agent-runner/internal/config"
)

func TestParseOrigins(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []string{"*"}, ParseOrigins(""))
	assert.Equal(t, []string{"*"}, ParseOrigins("*"))
	assert.Equal(t, []string{"*"}, ParseOrigins(" , ,"))
	assert.Equal(t, []string{"https://a.example", "https://b.example"},
		ParseOrigins(" https://a.example, https://b.example "))
}

func TestBuildRouter_HealthAndSecurityHeaders(t *testing.T) {
	t.Parallel()
	cfg := config.Config{AppEnv: "test", RateLimitPerMin: 30}
	srv := &httpserver.Server{Cfg: cfg}
	h := BuildRouter(cfg, srv)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBuildRouter_GuardsMutatingRoutes(t *testing.T) {
	t.Parallel()
	hash, err := httpserver.HashAPIKey("k", httpserver.Argon2Params{Memory: 8 * 1024, Iterations: 1, Parallelism: 1, SaltLen: 16, KeyLen: 32})
	require.NoError(t, err)
	cfg := config.Config{AppEnv: "test", RateLimitPerMin: 30, APIKeyHashes: []string{hash}}
	srv := &httpserver.Server{Cfg: cfg}
	h := BuildRouter(cfg, srv)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/jobs", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
