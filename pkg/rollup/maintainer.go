package rollup

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/nicktill/tinyvitals/pkg/group"
	"github.com/nicktill/tinyvitals/pkg/model"
	"github.com/nicktill/tinyvitals/pkg/storage"
)

// lockStripes bounds the number of per-(stream, day) mutexes.
const lockStripes = 256

// AtomicMerger is implemented by rollup stores that can apply a Delta
// server-side in one atomic step.
type AtomicMerger interface {
	MergeRollup(ctx context.Context, seed model.DailyRollup, d Delta) error
}

// Recorder receives the outcome of every merge (see monitor.RollupMonitor).
type Recorder interface {
	RecordSuccess()
	RecordFailure(err error)
}

// Group is the new observations of one stream on one UTC day.
type Group struct {
	StreamID     string
	Day          string
	UserID       string
	DeviceID     string
	Metric       model.Metric
	Observations []model.Observation
}

// GroupByStreamDay partitions observations by (stream, UTC day of observedAt),
// in order of first occurrence.
func GroupByStreamDay(obs []model.Observation, metric model.Metric) []Group {
	type streamDay struct{ stream, day string }

	parts := group.By(obs, func(o model.Observation) streamDay {
		return streamDay{o.StreamID, DayKey(o.ObservedAt)}
	})

	groups := make([]Group, 0, len(parts))
	for _, p := range parts {
		first := p.Items[0]
		groups = append(groups, Group{
			StreamID:     p.Key.stream,
			Day:          p.Key.day,
			UserID:       first.UserID,
			DeviceID:     first.DeviceID,
			Metric:       metric,
			Observations: p.Items,
		})
	}
	return groups
}

// Maintainer merges observation batches into daily rollups.
//
// Without an AtomicMerger the merge is read-merge-write, serialized in
// process per (stream, day). That protects concurrent ingestion within one
// server; multiple servers sharing a store need an AtomicMerger backend.
type Maintainer struct {
	store    storage.RollupStore
	atomic   AtomicMerger
	retry    storage.RetryPolicy
	recorder Recorder
	logger   *zap.Logger

	locks [lockStripes]sync.Mutex
}

// Option configures a Maintainer.
type Option func(*Maintainer)

// WithRecorder reports merge outcomes to r.
func WithRecorder(r Recorder) Option {
	return func(m *Maintainer) { m.recorder = r }
}

// WithRetry overrides the retry policy for transient store failures.
func WithRetry(p storage.RetryPolicy) Option {
	return func(m *Maintainer) { m.retry = p }
}

// New creates a Maintainer. If store implements AtomicMerger it is used.
func New(store storage.RollupStore, logger *zap.Logger, opts ...Option) *Maintainer {
	m := &Maintainer{
		store:  store,
		retry:  storage.DefaultRetry,
		logger: logger,
	}
	if a, ok := store.(AtomicMerger); ok {
		m.atomic = a
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Store returns the rollup store the maintainer writes to.
func (m *Maintainer) Store() storage.RollupStore {
	return m.store
}

// MergeDay folds g's observations into the rollup for (g.StreamID, g.Day).
func (m *Maintainer) MergeDay(ctx context.Context, g Group) error {
	if len(g.Observations) == 0 {
		return nil
	}

	d := Summarize(g.Observations)
	seed := Seed(g.StreamID, g.Day, g.UserID, g.DeviceID, g.Metric)

	err := m.retry.Do(ctx, func(ctx context.Context) error {
		if m.atomic != nil {
			return m.atomic.MergeRollup(ctx, seed, d)
		}
		return m.mergeLocked(ctx, seed, d)
	})
	if err != nil {
		if m.recorder != nil {
			m.recorder.RecordFailure(err)
		}
		m.logger.Error("rollup merge failed",
			zap.String("rollup_id", seed.ID),
			zap.Int64("count", d.Count),
			zap.Error(err))
		return fmt.Errorf("failed to merge rollup %s: %w", seed.ID, err)
	}

	if m.recorder != nil {
		m.recorder.RecordSuccess()
	}
	m.logger.Debug("rollup merged",
		zap.String("rollup_id", seed.ID),
		zap.Int64("count", d.Count),
		zap.Float64("sum", d.Sum))
	return nil
}

func (m *Maintainer) mergeLocked(ctx context.Context, seed model.DailyRollup, d Delta) error {
	mu := &m.locks[xxhash.Sum64String(seed.ID)%lockStripes]
	mu.Lock()
	defer mu.Unlock()

	existing, err := m.store.GetRollup(ctx, seed.StreamID, seed.Day)
	if errors.Is(err, storage.ErrNotFound) {
		existing = nil
	} else if err != nil {
		return err
	}

	return m.store.PutRollup(ctx, Apply(existing, seed, d))
}
