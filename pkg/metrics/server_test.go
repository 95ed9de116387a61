package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestServerIndexListsRoutes(t *testing.T) {
	srv := NewServer("extractor", 0, map[string]http.Handler{
		"/health/live": http.NotFoundHandler(),
	})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "extractor\n  /health/live\n  /metrics\n", rec.Body.String())
}

func TestServerUnknownPath(t *testing.T) {
	srv := NewServer("bot", 0, nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServerServesMetrics(t *testing.T) {
	srv := NewServer("bot", 0, nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
}
