package storage

import (
	"context"
	"errors"
	"time"

	"github.com/nicktill/tinyvitals/pkg/model"
)

// ErrNotFound is returned by Get* methods when the key does not exist.
var ErrNotFound = errors.New("not found")

// MaxBatchSize caps the number of records submitted in one write request.
const MaxBatchSize = 500

// ReferenceStore holds seeded reference data and device bookkeeping.
type ReferenceStore interface {
	GetDevice(ctx context.Context, id string) (*model.Device, error)
	PutDevice(ctx context.Context, d model.Device) error

	// TouchDevice advances the device's last-seen time (never moves it back).
	TouchDevice(ctx context.Context, id string, at time.Time) error

	GetManufacturer(ctx context.Context, id string) (*model.Manufacturer, error)
	PutManufacturer(ctx context.Context, m model.Manufacturer) error

	GetMetric(ctx context.Context, code string) (*model.Metric, error)
	PutMetric(ctx context.Context, m model.Metric) error

	GetMetricMapping(ctx context.Context, id string) (*model.MetricMapping, error)
	PutMetricMapping(ctx context.Context, m model.MetricMapping) error
}

// StreamUpdate is a monotonic merge into a stream summary.
type StreamUpdate struct {
	// Template is stored when the stream does not exist yet.
	Template          model.Stream
	Added             int64
	LastObservationAt time.Time
}

// StreamStore holds stream summaries.
type StreamStore interface {
	GetStream(ctx context.Context, id string) (*model.Stream, error)

	// MergeStreams applies count += Added and
	// lastObservationAt = max(existing, LastObservationAt) per update.
	MergeStreams(ctx context.Context, updates []StreamUpdate) error

	// ListStreamsByUser returns the user's streams, most recently observed first.
	ListStreamsByUser(ctx context.Context, userID string, limit int) ([]model.Stream, error)
}

// ObservationQuery selects observations either by stream or by user + metric.
type ObservationQuery struct {
	StreamID string

	UserID     string
	MetricCode string

	// Inclusive bounds; zero means unbounded.
	Start time.Time
	End   time.Time

	// Descending orders newest first (default oldest first).
	Descending bool

	// Limit number of results (0 = no limit)
	Limit int
}

// ObservationStore holds immutable observations keyed by content hash.
type ObservationStore interface {
	// CreateObservations creates each observation only if its ID is absent
	// and returns the IDs that already existed. Implementations apply one
	// call atomically; callers keep calls at or below MaxBatchSize.
	CreateObservations(ctx context.Context, obs []model.Observation) (duplicates []string, err error)

	QueryObservations(ctx context.Context, q ObservationQuery) ([]model.Observation, error)
}

// RawPayloadStore holds provenance records.
type RawPayloadStore interface {
	// MergeRawPayloads creates records or appends derived observation IDs
	// to existing ones.
	MergeRawPayloads(ctx context.Context, payloads []model.RawPayload) error
	GetRawPayload(ctx context.Context, id string) (*model.RawPayload, error)
}

// RollupStore holds daily rollups.
type RollupStore interface {
	GetRollup(ctx context.Context, streamID, day string) (*model.DailyRollup, error)
	PutRollup(ctx context.Context, r model.DailyRollup) error

	// GetRollups returns the existing rollups among days, in day order.
	GetRollups(ctx context.Context, streamID string, days []string) ([]model.DailyRollup, error)
}

// Store is the full persistence contract of the pipeline.
// Implementations: memory (testing), badger (production)
type Store interface {
	ReferenceStore
	StreamStore
	ObservationStore
	RawPayloadStore
	RollupStore

	// Stats returns storage statistics
	Stats(ctx context.Context) (*Stats, error)

	// Close cleanly shuts down the storage
	Close() error
}

// Stats provides storage health and usage info
type Stats struct {
	Devices      uint64 `json:"devices"`
	Streams      uint64 `json:"streams"`
	Observations uint64 `json:"observations"`
	RawPayloads  uint64 `json:"raw_payloads"`
	Rollups      uint64 `json:"rollups"`

	// Storage size in bytes (0 for memory)
	SizeBytes uint64 `json:"size_bytes"`
}

// InRange reports whether t lies within the query's inclusive bounds.
func (q ObservationQuery) InRange(t time.Time) bool {
	if !q.Start.IsZero() && t.Before(q.Start) {
		return false
	}
	if !q.End.IsZero() && t.After(q.End) {
		return false
	}
	return true
}

// Matches reports whether o satisfies the query's filters.
func (q ObservationQuery) Matches(o model.Observation) bool {
	if q.StreamID != "" && o.StreamID != q.StreamID {
		return false
	}
	if q.UserID != "" && o.UserID != q.UserID {
		return false
	}
	if q.MetricCode != "" && o.MetricCode != q.MetricCode {
		return false
	}
	return q.InRange(o.ObservedAt)
}

// MergeStream applies u to existing (nil when absent) and returns the result.
func MergeStream(existing *model.Stream, u StreamUpdate) model.Stream {
	var s model.Stream
	if existing != nil {
		s = *existing
	} else {
		s = u.Template
		s.ObservationCount = 0
		s.LastObservationAt = time.Time{}
	}
	if u.Added > 0 {
		s.ObservationCount += u.Added
	}
	if u.LastObservationAt.After(s.LastObservationAt) {
		s.LastObservationAt = u.LastObservationAt
	}
	return s
}

// MergeRawPayload appends ids from incoming to existing without duplicates.
func MergeRawPayload(existing *model.RawPayload, incoming model.RawPayload) model.RawPayload {
	if existing == nil {
		return incoming
	}
	merged := *existing
	merged.DerivedObservationIDs = append([]string(nil), existing.DerivedObservationIDs...)
	seen := make(map[string]struct{}, len(merged.DerivedObservationIDs))
	for _, id := range merged.DerivedObservationIDs {
		seen[id] = struct{}{}
	}
	for _, id := range incoming.DerivedObservationIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		merged.DerivedObservationIDs = append(merged.DerivedObservationIDs, id)
	}
	return merged
}
