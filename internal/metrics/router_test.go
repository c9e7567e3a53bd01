package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouter_Healthz(t *testing.T) {
	r := NewRouter(func(context.Context) (any, error) {
		return map[string]int{"connected": 2}, nil
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","bridge":{"connected":2}}`, rec.Body.String())
}

func TestRouter_HealthzUnhealthy(t *testing.T) {
	r := NewRouter(func(context.Context) (any, error) {
		return nil, errors.New("database is locked")
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "database is locked")
}

func TestRouter_Metrics(t *testing.T) {
	MessagesIngested.WithLabelValues("inbound", MediaLabel("")).Inc()

	rec := httptest.NewRecorder()
	NewRouter(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `wainbox_messages_ingested_total{direction="inbound",media="none"}`)
}
