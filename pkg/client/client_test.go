package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nicktill/tinyvitals/pkg/ingest"
	"github.com/nicktill/tinyvitals/pkg/normalize"
	"github.com/nicktill/tinyvitals/pkg/query"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		endpoint string
		wantErr  bool
	}{
		{"default endpoint", "", false},
		{"trailing slash", "http://localhost:8080/", false},
		{"https", "https://vitals.example.com", false},
		{"bad scheme", "ftp://localhost", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(Config{Endpoint: tt.endpoint})
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, DefaultTimeout, c.http.Timeout)
		})
	}
}

func TestClient_Ingest(t *testing.T) {
	var (
		gotBody map[string]any
		gotAuth string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/ingest", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		gotAuth = r.Header.Get("Authorization")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(ingest.Result{Success: true, Ingested: 1})
	}))
	defer srv.Close()

	c, err := New(Config{Endpoint: srv.URL, APIKey: "secret"})
	require.NoError(t, err)

	res, err := c.Ingest(context.Background(), ingest.Request{
		UserID: "user-1", DeviceID: "cgm-1", ManufacturerID: "dexcom", PayloadFormat: "egv",
		Payload: []normalize.Sample{{"systemTime": "2026-01-30T00:00:00Z", "value": 105, "unit": "mg/dL"}},
	})
	require.NoError(t, err)
	assert.Equal(t, &ingest.Result{Success: true, Ingested: 1}, res)

	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "user-1", gotBody["userId"])
	assert.Equal(t, "egv", gotBody["payloadFormat"])
	assert.Len(t, gotBody["payload"], 1)
}

func TestClient_Errors(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantErrors []string
		wantMsg    string
	}{
		{"unprocessable batch", http.StatusUnprocessableEntity, `{"success":false,"ingested":0,"duplicates":0,"errors":["Metric mapping not found"]}`, []string{"Metric mapping not found"}, "Metric mapping not found"},
		{"not found", http.StatusNotFound, `{"error":"Not Found","message":"device cgm-9 not found"}`, nil, "device cgm-9 not found"},
		{"no body", http.StatusBadGateway, ``, nil, "Bad Gateway"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c, err := New(Config{Endpoint: srv.URL})
			require.NoError(t, err)

			_, err = c.Ingest(context.Background(), ingest.Request{UserID: "user-1"})
			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr), "got %v", err)
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, tt.wantErrors, apiErr.Errors)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestClient_Trend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/streams/user-1_cgm-1_glucose/trend", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "user-1", q.Get("userId"))
		assert.Equal(t, "2026-01-05T00:00:00Z", q.Get("startDate"))
		assert.Equal(t, "week", q.Get("period"))
		assert.Equal(t, "7", q.Get("rollingWindowDays"))

		_ = json.NewEncoder(w).Encode(query.TrendResult{StreamID: "user-1_cgm-1_glucose", Period: query.PeriodWeek, Trend: []query.TrendPoint{{Count: 3}}})
	}))
	defer srv.Close()

	c, err := New(Config{Endpoint: srv.URL})
	require.NoError(t, err)

	res, err := c.Trend(context.Background(), query.TrendQuery{
		UserID:            "user-1",
		StreamID:          "user-1_cgm-1_glucose",
		StartDate:         time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC),
		EndDate:           time.Date(2026, 1, 14, 0, 0, 0, 0, time.UTC),
		Period:            query.PeriodWeek,
		RollingWindowDays: 7,
	})
	require.NoError(t, err)
	require.Len(t, res.Trend, 1)
	assert.EqualValues(t, 3, res.Trend[0].Count)
}

func TestClient_HistoryAndRecent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/users/user-1/metrics/glucose/history":
			assert.Equal(t, "50", r.URL.Query().Get("limit"))
			_ = json.NewEncoder(w).Encode(query.HistoryResult{Statistics: query.HistoryStatistics{Count: 2}})
		case "/v1/users/user-1/recent":
			_ = json.NewEncoder(w).Encode(query.RecentResult{Summaries: []query.StreamSummary{{StreamID: "s"}}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c, err := New(Config{Endpoint: srv.URL})
	require.NoError(t, err)

	hist, err := c.History(context.Background(), query.HistoryQuery{UserID: "user-1", MetricCode: "glucose", Limit: 50})
	require.NoError(t, err)
	assert.Equal(t, 2, hist.Statistics.Count)

	recent, err := c.Recent(context.Background(), "user-1", 0)
	require.NoError(t, err)
	require.Len(t, recent.Summaries, 1)
}

// ingestRecorder is a fake ingest endpoint that records batch sizes.
type ingestRecorder struct {
	mu      sync.Mutex
	batches []int
	status  int
}

func (s *ingestRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Payload []map[string]any `json:"payload"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	s.mu.Lock()
	status := s.status
	if status == 0 {
		status = http.StatusCreated
	}
	if status == http.StatusCreated {
		s.batches = append(s.batches, len(body.Payload))
	}
	s.mu.Unlock()

	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ingest.Result{Success: status == http.StatusCreated, Ingested: len(body.Payload)})
}

func (s *ingestRecorder) setStatus(code int) {
	s.mu.Lock()
	s.status = code
	s.mu.Unlock()
}

func newBatcher(t *testing.T, rec *ingestRecorder, size int) *Batcher {
	t.Helper()
	srv := httptest.NewServer(rec)
	t.Cleanup(srv.Close)
	c, err := New(Config{Endpoint: srv.URL})
	require.NoError(t, err)
	return NewBatcher(c, Source{UserID: "user-1", DeviceID: "watch-1", ManufacturerID: "apple_health", PayloadFormat: "healthkit_v1"},
		BatchConfig{MaxBatchSize: size, FlushEvery: time.Hour}, zap.NewNop())
}

func sample(i int) normalize.Sample {
	return normalize.Sample{"type": "HKQuantityTypeIdentifierHeartRate", "value": 60 + i, "unit": "count/min"}
}

func TestBatcher_FlushesWhenFull(t *testing.T) {
	rec := &ingestRecorder{}
	b := newBatcher(t, rec, 3)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		require.NoError(t, b.Add(ctx, sample(i)))
	}
	assert.Equal(t, []int{3, 3}, rec.batches)
	assert.Equal(t, 1, b.Pending())

	require.NoError(t, b.Stop(ctx))
	assert.Equal(t, []int{3, 3, 1}, rec.batches)
	assert.Zero(t, b.Pending())
}

func TestBatcher_KeepsSamplesOnServerError(t *testing.T) {
	rec := &ingestRecorder{status: http.StatusServiceUnavailable}
	b := newBatcher(t, rec, 10)
	ctx := context.Background()

	require.NoError(t, b.Add(ctx, sample(1)))
	require.NoError(t, b.Add(ctx, sample(2)))

	_, err := b.Flush(ctx)
	require.Error(t, err)
	assert.Equal(t, 2, b.Pending())

	rec.setStatus(http.StatusCreated)
	res, err := b.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Ingested)
	assert.Zero(t, b.Pending())
}

func TestBatcher_DropsRejectedBatch(t *testing.T) {
	rec := &ingestRecorder{status: http.StatusNotFound}
	b := newBatcher(t, rec, 10)
	ctx := context.Background()

	require.NoError(t, b.Add(ctx, sample(1)))
	_, err := b.Flush(ctx)
	require.Error(t, err)
	assert.Zero(t, b.Pending())
}

func TestBatcher_PeriodicFlush(t *testing.T) {
	rec := &ingestRecorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()
	c, err := New(Config{Endpoint: srv.URL})
	require.NoError(t, err)

	b := NewBatcher(c, Source{UserID: "user-1"}, BatchConfig{MaxBatchSize: 100, FlushEvery: 10 * time.Millisecond}, zap.NewNop())
	b.Start(context.Background())
	require.NoError(t, b.Add(context.Background(), sample(1)))

	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.batches) == 1
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, b.Stop(context.Background()))
	assert.Zero(t, b.Pending())
}
