package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthzAlwaysOK(t *testing.T) {
	h := NewHealthHandler("test", nil)
	h.AddCheck(CheckFunc{CheckName: "broken", Fn: func(context.Context) error {
		return errors.New("down")
	}})

	mux := http.NewServeMux()
	h.Register(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyReflectsChecks(t *testing.T) {
	h := NewHealthHandler("test", nil)
	h.AddCheck(CheckFunc{CheckName: "store", Fn: func(context.Context) error { return nil }})

	mux := http.NewServeMux()
	h.Register(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	h.AddCheck(CheckFunc{CheckName: "redis", Fn: func(context.Context) error {
		return errors.New("connection refused")
	}})

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealthReportsPerCheckResults(t *testing.T) {
	h := NewHealthHandler("1.2.3", nil)
	h.AddCheck(CheckFunc{CheckName: "store", Fn: func(context.Context) error { return nil }})
	h.AddCheck(CheckFunc{CheckName: "redis", Fn: func(context.Context) error {
		return errors.New("connection refused")
	}})

	mux := http.NewServeMux()
	h.Register(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	data, ok := resp.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "degraded", data["status"])
	assert.Equal(t, "1.2.3", data["version"])

	checks, ok := data["checks"].(map[string]any)
	require.True(t, ok)
	store, _ := checks["store"].(map[string]any)
	redis, _ := checks["redis"].(map[string]any)
	assert.Equal(t, "pass", store["status"])
	assert.Equal(t, "fail", redis["status"])
	assert.Contains(t, redis["error"], "connection refused")
}
