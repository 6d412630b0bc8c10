package ingest

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Stats counts ingestion outcomes since process start.
type Stats struct {
	requests            atomic.Int64
	rejected            atomic.Int64
	ingested            atomic.Int64
	duplicates          atomic.Int64
	normalizationErrors atomic.Int64
	storeFailures       atomic.Int64

	mu       sync.Mutex
	bySource map[sourceKey]int64
}

type sourceKey struct {
	manufacturer string
	metric       string
}

// SourceCount is the number of observations ingested for one manufacturer and metric.
type SourceCount struct {
	Manufacturer string `json:"manufacturer"`
	Metric       string `json:"metric"`
	Ingested     int64  `json:"ingested"`
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Requests            int64         `json:"requests"`
	Rejected            int64         `json:"rejected"`
	Ingested            int64         `json:"ingested"`
	Duplicates          int64         `json:"duplicates"`
	NormalizationErrors int64         `json:"normalization_errors"`
	StoreFailures       int64         `json:"store_failures"`
	BySource            []SourceCount `json:"by_source"`
}

// NewStats creates an empty counter set.
func NewStats() *Stats {
	return &Stats{bySource: make(map[sourceKey]int64)}
}

func (s *Stats) recordIngested(manufacturer, metric string, n int) {
	if n == 0 {
		return
	}
	s.ingested.Add(int64(n))
	s.mu.Lock()
	s.bySource[sourceKey{manufacturer, metric}] += int64(n)
	s.mu.Unlock()
}

// Snapshot returns the current counter values, sources sorted by manufacturer then metric.
func (s *Stats) Snapshot() StatsSnapshot {
	snap := StatsSnapshot{
		Requests:            s.requests.Load(),
		Rejected:            s.rejected.Load(),
		Ingested:            s.ingested.Load(),
		Duplicates:          s.duplicates.Load(),
		NormalizationErrors: s.normalizationErrors.Load(),
		StoreFailures:       s.storeFailures.Load(),
	}

	s.mu.Lock()
	for k, n := range s.bySource {
		snap.BySource = append(snap.BySource, SourceCount{Manufacturer: k.manufacturer, Metric: k.metric, Ingested: n})
	}
	s.mu.Unlock()

	sort.Slice(snap.BySource, func(i, j int) bool {
		a, b := snap.BySource[i], snap.BySource[j]
		if a.Manufacturer != b.Manufacturer {
			return a.Manufacturer < b.Manufacturer
		}
		return a.Metric < b.Metric
	})
	return snap
}
