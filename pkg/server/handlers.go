package server

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/nicktill/tinyvitals/pkg/config"
	"github.com/nicktill/tinyvitals/pkg/httpx"
	"github.com/nicktill/tinyvitals/pkg/ingest"
	"github.com/nicktill/tinyvitals/pkg/logging"
	"github.com/nicktill/tinyvitals/pkg/server/monitor"
	"github.com/nicktill/tinyvitals/pkg/storage"
)

// Version is reported by /v1/health.
const Version = "1.0.0"

var startTime = time.Now()

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status  string               `json:"status"`
	Version string               `json:"version"`
	Uptime  string               `json:"uptime"`
	Rollups monitor.RollupStatus `json:"rollups"`
}

// handleHealth reports degraded while rollup merges keep failing.
func handleHealth(rm *monitor.RollupMonitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := rm.Status()
		response := HealthResponse{
			Status:  "healthy",
			Version: Version,
			Uptime:  time.Since(startTime).Round(time.Second).String(),
			Rollups: status,
		}

		code := http.StatusOK
		if !status.Healthy {
			response.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
		httpx.RespondJSON(w, code, response)
	}
}

// handleStorageUsage returns current storage usage.
func handleStorageUsage(sm *monitor.StorageMonitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		usage, err := sm.Usage()
		if err != nil {
			httpx.RespondError(w, http.StatusInternalServerError, err)
			return
		}
		httpx.RespondJSON(w, http.StatusOK, usage)
	}
}

// StatsResponse is the payload of /v1/stats.
type StatsResponse struct {
	Ingest  ingest.StatsSnapshot `json:"ingest"`
	Storage *storage.Stats       `json:"storage"`
}

func handleStats(coordinator *ingest.Coordinator, store storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), config.IngestStatsTimeout)
		defer cancel()

		stats, err := store.Stats(ctx)
		if err != nil {
			httpx.RespondAppError(w, err)
			return
		}
		httpx.RespondJSON(w, http.StatusOK, StatsResponse{
			Ingest:  coordinator.Stats().Snapshot(),
			Storage: stats,
		})
	}
}

// SetupRoutes configures all HTTP routes for the server.
func SetupRoutes(router *mux.Router, h *Handlers, port string, logger *zap.Logger) {
	requests := newRequestMetrics()
	router.Use(requestIDMiddleware(logger))
	router.Use(requests.middleware)
	router.Use(corsMiddleware(port))

	api := router.PathPrefix("/v1").Subrouter()

	// Ingestion
	api.HandleFunc("/ingest", h.Ingest.HandleIngest).Methods(http.MethodPost)

	// Retrieval
	api.HandleFunc("/streams/{streamId}/trend", h.Query.HandleTrend).Methods(http.MethodGet)
	api.HandleFunc("/users/{userId}/metrics/{metricCode}/history", h.Query.HandleHistory).Methods(http.MethodGet)
	api.HandleFunc("/users/{userId}/recent", h.Query.HandleRecent).Methods(http.MethodGet)

	// Health and stats
	api.HandleFunc("/health", handleHealth(h.RollupMonitor)).Methods(http.MethodGet)
	api.HandleFunc("/storage", handleStorageUsage(h.StorageMonitor)).Methods(http.MethodGet)
	api.HandleFunc("/stats", handleStats(h.Coordinator, h.Store)).Methods(http.MethodGet)

	// Live ingest feed
	api.HandleFunc("/ws", h.Hub.HandleWebSocket).Methods(http.MethodGet)

	router.HandleFunc("/metrics", handleMetrics(h.Ingest, requests)).Methods(http.MethodGet)
}

// RequestIDHeader carries the request ID in both directions.
const RequestIDHeader = "X-Request-ID"

// requestIDMiddleware tags each request with an ID (the caller's, or a new
// UUID) and puts a logger carrying it into the request context.
func requestIDMiddleware(logger *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(RequestIDHeader)
			if id == "" || len(id) > 128 {
				id = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, id)

			reqLogger := logger.With(
				zap.String("request_id", id),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
			)
			ctx := logging.WithLogger(r.Context(), reqLogger)

			start := time.Now()
			next.ServeHTTP(w, r.WithContext(ctx))
			reqLogger.Debug("request served", zap.Duration("took", time.Since(start)))
		})
	}
}

// corsMiddleware creates CORS middleware that restricts to localhost origins only.
func corsMiddleware(port string) mux.MiddlewareFunc {
	allowedOrigins := map[string]bool{
		"http://localhost:" + port: true,
		"http://127.0.0.1:" + port: true,
		"http://localhost:3000":    true,
		"http://127.0.0.1:3000":    true,
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := r.Header.Get("Origin"); allowedOrigins[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+RequestIDHeader)
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
