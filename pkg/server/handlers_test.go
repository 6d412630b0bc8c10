package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nicktill/tinyvitals/pkg/config"
	"github.com/nicktill/tinyvitals/pkg/server/monitor"
)

func newTestServer(t *testing.T) (*mux.Router, *Handlers) {
	t.Helper()
	cfg := testConfig(t)
	stores, err := InitializeStorage(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = stores.Close() })
	require.NoError(t, SeedCatalog(context.Background(), cfg, stores.Primary, zap.NewNop()))

	h := InitializeHandlers(cfg, stores, zap.NewNop())
	router := mux.NewRouter()
	SetupRoutes(router, h, cfg.Port, zap.NewNop())
	return router, h
}

func serve(router http.Handler, method, target string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestHealth(t *testing.T) {
	router, h := newTestServer(t)

	rr := serve(router, http.MethodGet, "/v1/health", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var health HealthResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, Version, health.Version)

	for i := 0; i < config.RollupUnhealthyStreak; i++ {
		h.RollupMonitor.RecordFailure(errors.New("merge conflict"))
	}

	rr = serve(router, http.MethodGet, "/v1/health", nil)
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &health))
	assert.Equal(t, "degraded", health.Status)
	assert.Equal(t, config.RollupUnhealthyStreak, health.Rollups.ConsecutiveErrors)
	assert.Equal(t, "merge conflict", health.Rollups.LastError)

	h.RollupMonitor.RecordSuccess()
	rr = serve(router, http.MethodGet, "/v1/health", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestStorageUsage(t *testing.T) {
	router, _ := newTestServer(t)

	rr := serve(router, http.MethodGet, "/v1/storage", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var usage monitor.Usage
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &usage))
	assert.EqualValues(t, 1<<30, usage.MaxBytes)
	assert.False(t, usage.Exceeded)
}

func TestStats(t *testing.T) {
	router, _ := newTestServer(t)

	rr := serve(router, http.MethodGet, "/v1/stats", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var stats StatsResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &stats))
	require.NotNil(t, stats.Storage)
	assert.Zero(t, stats.Storage.Observations)
	assert.Zero(t, stats.Ingest.Requests)
}

func TestRoutes(t *testing.T) {
	router, _ := newTestServer(t)

	tests := []struct {
		name   string
		method string
		target string
		status int
	}{
		{"ingest requires POST", http.MethodGet, "/v1/ingest", http.StatusMethodNotAllowed},
		{"trend of unknown stream", http.MethodGet, "/v1/streams/nope/trend?userId=u&startDate=2026-01-01&endDate=2026-01-02", http.StatusNotFound},
		{"history without streams", http.MethodGet, "/v1/users/u/metrics/glucose/history", http.StatusOK},
		{"recent without streams", http.MethodGet, "/v1/users/u/recent", http.StatusOK},
		{"prometheus", http.MethodGet, "/metrics", http.StatusOK},
		{"unknown route", http.MethodGet, "/v1/nope", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := serve(router, tt.method, tt.target, nil)
			assert.Equal(t, tt.status, rr.Code, rr.Body.String())
		})
	}
}

func TestIngestRoute(t *testing.T) {
	router, h := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/ingest", strings.NewReader(`{
		"userId": "user-1", "deviceId": "cgm-unknown", "manufacturerId": "dexcom", "payloadFormat": "egv",
		"payload": {"systemTime": "2026-01-30T00:00:00Z", "value": 105, "unit": "mg/dL"}
	}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.EqualValues(t, 1, h.Coordinator.Stats().Snapshot().Requests)
}

func TestRequestID(t *testing.T) {
	router, _ := newTestServer(t)

	rr := serve(router, http.MethodGet, "/v1/health", http.Header{RequestIDHeader: {"abc-123"}})
	assert.Equal(t, "abc-123", rr.Header().Get(RequestIDHeader))

	rr = serve(router, http.MethodGet, "/v1/health", nil)
	assert.Len(t, rr.Header().Get(RequestIDHeader), 36)

	rr = serve(router, http.MethodGet, "/v1/health", http.Header{RequestIDHeader: {strings.Repeat("x", 200)}})
	assert.Len(t, rr.Header().Get(RequestIDHeader), 36)
}

func TestCORS(t *testing.T) {
	router, _ := newTestServer(t)

	tests := []struct {
		origin  string
		allowed bool
	}{
		{"http://localhost:8080", true},
		{"http://127.0.0.1:3000", true},
		{"http://evil.example.com", false},
	}
	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			rr := serve(router, http.MethodGet, "/v1/health", http.Header{"Origin": {tt.origin}})
			if tt.allowed {
				assert.Equal(t, tt.origin, rr.Header().Get("Access-Control-Allow-Origin"))
			} else {
				assert.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))
			}
		})
	}
}

func TestMetrics_HTTPRequests(t *testing.T) {
	router, _ := newTestServer(t)

	serve(router, http.MethodGet, "/v1/health", nil)
	serve(router, http.MethodGet, "/v1/health", nil)
	serve(router, http.MethodGet, "/v1/users/u-1/recent", nil)
	serve(router, http.MethodGet, "/v1/users/u-2/recent", nil)

	rr := serve(router, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()

	assert.Contains(t, body, "tinyvitals_ingest_requests_total 0")
	assert.Contains(t, body, `tinyvitals_http_requests_total{method="GET",route="/v1/health",status="200"} 2`)
	assert.Contains(t, body, `tinyvitals_http_requests_total{method="GET",route="/v1/users/{userId}/recent",status="200"} 2`)
	assert.NotContains(t, body, "u-1")
}
