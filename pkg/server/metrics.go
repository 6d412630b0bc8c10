package server

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/nicktill/tinyvitals/pkg/ingest"
)

type requestKey struct {
	method string
	route  string
	status string
}

type requestTotals struct {
	count   int64
	seconds float64
}

// requestMetrics counts served requests by method, route template and status.
// Route templates keep label cardinality bounded regardless of IDs in paths.
type requestMetrics struct {
	mu     sync.Mutex
	totals map[requestKey]*requestTotals
}

func newRequestMetrics() *requestMetrics {
	return &requestMetrics{totals: make(map[requestKey]*requestTotals)}
}

func (m *requestMetrics) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		m.observe(requestKey{
			method: r.Method,
			route:  routeTemplate(r),
			status: strconv.Itoa(rw.statusCode),
		}, time.Since(start))
	})
}

func (m *requestMetrics) observe(k requestKey, took time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.totals[k]
	if !ok {
		t = &requestTotals{}
		m.totals[k] = t
	}
	t.count++
	t.seconds += took.Seconds()
}

// writeTo appends the HTTP families in Prometheus text format.
func (m *requestMetrics) writeTo(w io.Writer) {
	m.mu.Lock()
	keys := make([]requestKey, 0, len(m.totals))
	for k := range m.totals {
		keys = append(keys, k)
	}
	snapshot := make(map[requestKey]requestTotals, len(keys))
	for k, t := range m.totals {
		snapshot[k] = *t
	}
	m.mu.Unlock()

	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.route != b.route {
			return a.route < b.route
		}
		if a.method != b.method {
			return a.method < b.method
		}
		return a.status < b.status
	})

	fmt.Fprintln(w, "# HELP tinyvitals_http_requests_total HTTP requests served")
	fmt.Fprintln(w, "# TYPE tinyvitals_http_requests_total counter")
	for _, k := range keys {
		fmt.Fprintf(w, "tinyvitals_http_requests_total{%s} %d\n", k.labels(), snapshot[k].count)
	}
	fmt.Fprintln(w, "# HELP tinyvitals_http_request_duration_seconds_total Time spent serving HTTP requests")
	fmt.Fprintln(w, "# TYPE tinyvitals_http_request_duration_seconds_total counter")
	for _, k := range keys {
		fmt.Fprintf(w, "tinyvitals_http_request_duration_seconds_total{%s} %g\n", k.labels(), snapshot[k].seconds)
	}
}

func (k requestKey) labels() string {
	return fmt.Sprintf("method=%q,route=%q,status=%q", k.method, k.route, k.status)
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// handleMetrics serves the pipeline families followed by the HTTP families.
func handleMetrics(h *ingest.Handler, m *requestMetrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.HandlePrometheusMetrics(w, r)
		m.writeTo(w)
	}
}

// statusRecorder captures the status code written by the wrapped handler.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack keeps websocket upgrades working through the recorder.
func (rw *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (rw *statusRecorder) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
