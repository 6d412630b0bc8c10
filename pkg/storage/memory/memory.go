package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nicktill/tinyvitals/pkg/model"
	"github.com/nicktill/tinyvitals/pkg/storage"
)

// Storage keeps everything in maps. Data is lost on restart.
// Useful for testing and development.
type Storage struct {
	mu sync.RWMutex

	devices       map[string]model.Device
	manufacturers map[string]model.Manufacturer
	metrics       map[string]model.Metric
	mappings      map[string]model.MetricMapping
	streams       map[string]model.Stream
	observations  map[string]model.Observation
	rawPayloads   map[string]model.RawPayload
	rollups       map[string]model.DailyRollup
}

// New creates an in-memory storage backend
func New() *Storage {
	return &Storage{
		devices:       make(map[string]model.Device),
		manufacturers: make(map[string]model.Manufacturer),
		metrics:       make(map[string]model.Metric),
		mappings:      make(map[string]model.MetricMapping),
		streams:       make(map[string]model.Stream),
		observations:  make(map[string]model.Observation, 10000),
		rawPayloads:   make(map[string]model.RawPayload),
		rollups:       make(map[string]model.DailyRollup),
	}
}

func get[T any](s *Storage, m map[string]T, key string) (*T, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := m[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &v, nil
}

func put[T any](s *Storage, m map[string]T, key string, v T) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m[key] = v
	return nil
}

func (s *Storage) GetDevice(ctx context.Context, id string) (*model.Device, error) {
	return get(s, s.devices, id)
}

func (s *Storage) PutDevice(ctx context.Context, d model.Device) error {
	return put(s, s.devices, d.ID, d)
}

// TouchDevice advances LastSeenAt
func (s *Storage) TouchDevice(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id]
	if !ok {
		return storage.ErrNotFound
	}
	if d.LastSeenAt == nil || at.After(*d.LastSeenAt) {
		d.LastSeenAt = &at
		s.devices[id] = d
	}
	return nil
}

func (s *Storage) GetManufacturer(ctx context.Context, id string) (*model.Manufacturer, error) {
	return get(s, s.manufacturers, id)
}

func (s *Storage) PutManufacturer(ctx context.Context, m model.Manufacturer) error {
	return put(s, s.manufacturers, m.ID, m)
}

func (s *Storage) GetMetric(ctx context.Context, code string) (*model.Metric, error) {
	return get(s, s.metrics, code)
}

func (s *Storage) PutMetric(ctx context.Context, m model.Metric) error {
	return put(s, s.metrics, m.Code, m)
}

func (s *Storage) GetMetricMapping(ctx context.Context, id string) (*model.MetricMapping, error) {
	return get(s, s.mappings, id)
}

func (s *Storage) PutMetricMapping(ctx context.Context, m model.MetricMapping) error {
	return put(s, s.mappings, m.ID, m)
}

func (s *Storage) GetStream(ctx context.Context, id string) (*model.Stream, error) {
	return get(s, s.streams, id)
}

// MergeStreams applies monotonic stream updates
func (s *Storage) MergeStreams(ctx context.Context, updates []storage.StreamUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range updates {
		var existing *model.Stream
		if cur, ok := s.streams[u.Template.ID]; ok {
			existing = &cur
		}
		merged := storage.MergeStream(existing, u)
		s.streams[merged.ID] = merged
	}
	return nil
}

// ListStreamsByUser returns the user's streams, most recently observed first
func (s *Storage) ListStreamsByUser(ctx context.Context, userID string, limit int) ([]model.Stream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []model.Stream
	for _, st := range s.streams {
		if st.UserID == userID {
			results = append(results, st)
		}
	}
	sortStreams(results)
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// CreateObservations stores observations whose IDs are not present yet
func (s *Storage) CreateObservations(ctx context.Context, obs []model.Observation) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var duplicates []string
	for _, o := range obs {
		if _, exists := s.observations[o.ID]; exists {
			duplicates = append(duplicates, o.ID)
			continue
		}
		s.observations[o.ID] = o
	}
	return duplicates, nil
}

// QueryObservations retrieves observations matching the query
func (s *Storage) QueryObservations(ctx context.Context, q storage.ObservationQuery) ([]model.Observation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []model.Observation
	for _, o := range s.observations {
		if q.Matches(o) {
			results = append(results, o)
		}
	}

	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if !a.ObservedAt.Equal(b.ObservedAt) {
			if q.Descending {
				return a.ObservedAt.After(b.ObservedAt)
			}
			return a.ObservedAt.Before(b.ObservedAt)
		}
		return a.ID < b.ID
	})

	if q.Limit > 0 && len(results) > q.Limit {
		results = results[:q.Limit]
	}
	return results, nil
}

// MergeRawPayloads creates or extends provenance records
func (s *Storage) MergeRawPayloads(ctx context.Context, payloads []model.RawPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range payloads {
		var existing *model.RawPayload
		if cur, ok := s.rawPayloads[p.ID]; ok {
			existing = &cur
		}
		s.rawPayloads[p.ID] = storage.MergeRawPayload(existing, p)
	}
	return nil
}

func (s *Storage) GetRawPayload(ctx context.Context, id string) (*model.RawPayload, error) {
	return get(s, s.rawPayloads, id)
}

func (s *Storage) GetRollup(ctx context.Context, streamID, day string) (*model.DailyRollup, error) {
	return get(s, s.rollups, model.RollupID(streamID, day))
}

func (s *Storage) PutRollup(ctx context.Context, r model.DailyRollup) error {
	return put(s, s.rollups, r.ID, r)
}

// GetRollups returns the rollups that exist among days
func (s *Storage) GetRollups(ctx context.Context, streamID string, days []string) ([]model.DailyRollup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]model.DailyRollup, 0, len(days))
	for _, day := range days {
		if r, ok := s.rollups[model.RollupID(streamID, day)]; ok {
			results = append(results, r)
		}
	}
	return results, nil
}

// Close is a no-op for memory storage
func (s *Storage) Close() error {
	return nil
}

// Stats returns storage statistics
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return &storage.Stats{
		Devices:      uint64(len(s.devices)),
		Streams:      uint64(len(s.streams)),
		Observations: uint64(len(s.observations)),
		RawPayloads:  uint64(len(s.rawPayloads)),
		Rollups:      uint64(len(s.rollups)),
	}, nil
}

// sortStreams orders by LastObservationAt desc, then ID for stable output.
func sortStreams(streams []model.Stream) {
	sort.Slice(streams, func(i, j int) bool {
		a, b := streams[i], streams[j]
		if !a.LastObservationAt.Equal(b.LastObservationAt) {
			return a.LastObservationAt.After(b.LastObservationAt)
		}
		return a.ID < b.ID
	})
}
