// Package ingest turns vendor payloads into deduplicated observations,
// stream summaries, provenance records and daily rollups.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nicktill/tinyvitals/pkg/apperr"
	"github.com/nicktill/tinyvitals/pkg/config"
	"github.com/nicktill/tinyvitals/pkg/group"
	"github.com/nicktill/tinyvitals/pkg/model"
	"github.com/nicktill/tinyvitals/pkg/normalize"
	"github.com/nicktill/tinyvitals/pkg/observation"
	"github.com/nicktill/tinyvitals/pkg/rollup"
	"github.com/nicktill/tinyvitals/pkg/storage"
)

// Validation messages returned to callers.
const (
	MsgDeviceNotFound       = "Device not found"
	MsgDeviceNotAssigned    = "Device is not assigned to user"
	MsgManufacturerNotFound = "Manufacturer not found"
	MsgManufacturerInactive = "Manufacturer is not active"
	MsgFormatNotSupported   = "Payload format is not supported for this manufacturer"
	MsgUnknownPayloadType   = "Unable to identify the type of payload for this manufacturer."
	MsgMappingNotFound      = "Unable to process this type of data for this specific manufacturer at this moment."
	MsgNoValidObservations  = "No valid observations found in payload"
)

// Store is the subset of storage.Store the coordinator writes to.
// Rollups go through the rollup.Maintainer.
type Store interface {
	storage.ReferenceStore
	storage.StreamStore
	storage.ObservationStore
	storage.RawPayloadStore
}

// Request is one ingestion call. Payload holds one or more vendor samples
// (or envelopes of samples).
type Request struct {
	UserID         string
	DeviceID       string
	ManufacturerID string
	PayloadFormat  string
	Payload        []normalize.Sample
}

// Result is the outcome of an ingestion call.
type Result struct {
	Success    bool     `json:"success"`
	Ingested   int      `json:"ingested"`
	Duplicates int      `json:"duplicates"`
	Errors     []string `json:"errors,omitempty"`
}

// Coordinator drives one ingestion batch through normalization, dedup and
// rollup maintenance.
type Coordinator struct {
	store      Store
	normalizer *normalize.Normalizer
	rollups    *rollup.Maintainer
	retry      storage.RetryPolicy
	now        func() time.Time
	publisher  Publisher
	stats      *Stats
	logger     *zap.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock overrides the batch receive-time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithRetry overrides the retry policy for transient store failures.
func WithRetry(p storage.RetryPolicy) Option {
	return func(c *Coordinator) { c.retry = p }
}

// WithPublisher sends an Event after every accepted batch.
func WithPublisher(p Publisher) Option {
	return func(c *Coordinator) { c.publisher = p }
}

// WithStats records outcomes into s instead of a private counter set.
func WithStats(s *Stats) Option {
	return func(c *Coordinator) { c.stats = s }
}

// NewCoordinator wires a coordinator. The normalizer's clock is independent
// of WithClock.
func NewCoordinator(store Store, normalizer *normalize.Normalizer, rollups *rollup.Maintainer, logger *zap.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:      store,
		normalizer: normalizer,
		rollups:    rollups,
		retry:      storage.DefaultRetry,
		now:        time.Now,
		stats:      NewStats(),
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Stats returns the coordinator's counters.
func (c *Coordinator) Stats() *Stats {
	return c.stats
}

// resolved is the reference data a request was validated against.
type resolved struct {
	device       *model.Device
	manufacturer *model.Manufacturer
	metric       *model.Metric
}

// Ingest processes one batch. Precondition failures return a classified
// error and write nothing. A batch in which no sample normalizes returns a
// Result with Success false. Otherwise the Result carries the new and
// duplicate counts plus any per-sample errors.
func (c *Coordinator) Ingest(ctx context.Context, req Request) (*Result, error) {
	c.stats.requests.Add(1)

	if err := ValidateRequest(req); err != nil {
		c.stats.rejected.Add(1)
		return nil, err
	}

	ref, res, err := c.resolve(ctx, req)
	if err != nil || res != nil {
		c.stats.rejected.Add(1)
		return res, err
	}

	norm := c.normalizer.Normalize(req.Payload, req.PayloadFormat, *ref.metric, *ref.manufacturer)
	c.stats.normalizationErrors.Add(int64(len(norm.Errors)))
	if len(norm.Observations) == 0 {
		c.stats.rejected.Add(1)
		errs := norm.Errors
		if len(errs) == 0 {
			errs = []string{MsgNoValidObservations}
		}
		return &Result{Success: false, Errors: errs}, nil
	}

	receivedAt := c.now().UTC()
	res, err = c.ingestNormalized(ctx, req, *ref.metric, norm.Observations, receivedAt)
	if err != nil {
		return nil, err
	}
	if len(norm.Errors) > 0 {
		res.Errors = append(norm.Errors, res.Errors...)
	}

	if c.publisher != nil && res.Ingested > 0 {
		c.publisher.Publish(NewEvent(req, ref.metric.Code, res, receivedAt))
	}

	c.logger.Info("batch ingested",
		zap.String("user_id", req.UserID),
		zap.String("device_id", req.DeviceID),
		zap.String("manufacturer_id", req.ManufacturerID),
		zap.String("metric", ref.metric.Code),
		zap.Int("ingested", res.Ingested),
		zap.Int("duplicates", res.Duplicates),
		zap.Int("errors", len(res.Errors)))
	return res, nil
}

// resolve checks the device, manufacturer and mapping. Unresolvable payload
// types are reported as an unsuccessful Result rather than an error.
func (c *Coordinator) resolve(ctx context.Context, req Request) (*resolved, *Result, error) {
	device, err := c.store.GetDevice(ctx, req.DeviceID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil, apperr.NotFoundf(MsgDeviceNotFound)
	} else if err != nil {
		return nil, nil, fmt.Errorf("failed to load device: %w", err)
	}
	if !device.IsAssignedTo(req.UserID) {
		return nil, nil, apperr.Validationf(MsgDeviceNotAssigned)
	}

	mfr, err := c.store.GetManufacturer(ctx, req.ManufacturerID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil, apperr.NotFoundf(MsgManufacturerNotFound)
	} else if err != nil {
		return nil, nil, fmt.Errorf("failed to load manufacturer: %w", err)
	}
	if !mfr.IsActive() {
		return nil, nil, apperr.Validationf(MsgManufacturerInactive)
	}
	if !mfr.AcceptsFormat(req.PayloadFormat) {
		return nil, nil, apperr.Validationf(MsgFormatNotSupported)
	}

	code := c.normalizer.ExternalCode(mfr.ID, req.Payload)
	if code == "" {
		return nil, &Result{Success: false, Errors: []string{MsgUnknownPayloadType}}, nil
	}

	mapping, err := c.store.GetMetricMapping(ctx, model.MetricMappingID(mfr.ID, req.PayloadFormat, code))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, &Result{Success: false, Errors: []string{MsgMappingNotFound}}, nil
	} else if err != nil {
		return nil, nil, fmt.Errorf("failed to load metric mapping: %w", err)
	}

	metric, err := c.store.GetMetric(ctx, mapping.MetricCode)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil, apperr.Defectf("Metric not found: mapping %s points at %q", mapping.ID, mapping.MetricCode)
	} else if err != nil {
		return nil, nil, fmt.Errorf("failed to load metric: %w", err)
	}

	return &resolved{device: device, manufacturer: mfr, metric: metric}, nil, nil
}

// batch is the derived state of one ingestion call.
type batch struct {
	observations []model.Observation // unique by ID, first occurrence wins
	repeats      int                 // in-batch copies of an observation already in the batch
	streams      map[string]model.Stream
	rawPayloads  []model.RawPayload
}

func (c *Coordinator) build(req Request, normalized []normalize.Normalized, receivedAt time.Time) (*batch, error) {
	id := observation.Identity{UserID: req.UserID, DeviceID: req.DeviceID, ManufacturerID: req.ManufacturerID}
	b := &batch{streams: make(map[string]model.Stream)}

	seen := make(map[string]struct{}, len(normalized))
	rawIndex := make(map[string]int)

	for _, n := range normalized {
		obs, stream, err := observation.Build(id, n, receivedAt)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindDefect, "failed to hash observation", err)
		}
		rawID, err := observation.RawPayloadHash(req.ManufacturerID, receivedAt, n.RawPayload)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindDefect, "failed to hash raw payload", err)
		}
		obs.RawPayloadID = rawID

		if i, ok := rawIndex[rawID]; ok {
			if !containsID(b.rawPayloads[i].DerivedObservationIDs, obs.ID) {
				b.rawPayloads[i].DerivedObservationIDs = append(b.rawPayloads[i].DerivedObservationIDs, obs.ID)
			}
		} else {
			rawIndex[rawID] = len(b.rawPayloads)
			b.rawPayloads = append(b.rawPayloads, model.RawPayload{
				ID:                    rawID,
				UserID:                req.UserID,
				DeviceID:              req.DeviceID,
				ManufacturerID:        req.ManufacturerID,
				PayloadFormat:         req.PayloadFormat,
				ReceivedAt:            receivedAt,
				Payload:               n.RawPayload,
				DerivedObservationIDs: []string{obs.ID},
			})
		}

		if _, ok := seen[obs.ID]; ok {
			b.repeats++
			continue
		}
		seen[obs.ID] = struct{}{}
		b.observations = append(b.observations, obs)
		if _, ok := b.streams[stream.ID]; !ok {
			b.streams[stream.ID] = stream
		}
	}
	return b, nil
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// createOutcome collects the results of concurrent conditional-create chunks.
type createOutcome struct {
	mu         sync.Mutex
	duplicates map[string]struct{}
	failed     map[string]struct{}
	errs       []string
	firstErr   error
}

func (c *Coordinator) ingestNormalized(ctx context.Context, req Request, metric model.Metric, normalized []normalize.Normalized, receivedAt time.Time) (*Result, error) {
	b, err := c.build(req, normalized, receivedAt)
	if err != nil {
		return nil, err
	}

	out := c.createObservations(ctx, b.observations)
	if len(out.failed) == len(b.observations) {
		c.stats.storeFailures.Add(1)
		return nil, fmt.Errorf("failed to store observations: %w", out.firstErr)
	}

	var fresh []model.Observation
	for _, o := range b.observations {
		if _, dup := out.duplicates[o.ID]; dup {
			continue
		}
		if _, failed := out.failed[o.ID]; failed {
			continue
		}
		fresh = append(fresh, o)
	}

	res := &Result{
		Success:    true,
		Ingested:   len(fresh),
		Duplicates: len(out.duplicates) + b.repeats,
		Errors:     out.errs,
	}

	if len(fresh) > 0 {
		if err := c.mergeStreams(ctx, b.streams, fresh); err != nil {
			res.Errors = append(res.Errors, c.storeFailure("Failed to update stream summaries", err))
		}
	}
	if err := c.mergeRawPayloads(ctx, b.rawPayloads); err != nil {
		res.Errors = append(res.Errors, c.storeFailure("Failed to record raw payloads", err))
	}
	if len(fresh) > 0 {
		res.Errors = append(res.Errors, c.maintainRollups(ctx, fresh, metric)...)

		err := c.retry.Do(ctx, func(ctx context.Context) error {
			return c.store.TouchDevice(ctx, req.DeviceID, receivedAt)
		})
		if err != nil {
			c.logger.Warn("failed to update device last-seen", zap.String("device_id", req.DeviceID), zap.Error(err))
		}
	}

	c.stats.recordIngested(req.ManufacturerID, metric.Code, res.Ingested)
	c.stats.duplicates.Add(int64(res.Duplicates))
	return res, nil
}

// createObservations submits each stream's observations in chunks of at
// most storage.MaxBatchSize. Chunks run concurrently and fail independently.
func (c *Coordinator) createObservations(ctx context.Context, obs []model.Observation) *createOutcome {
	out := &createOutcome{
		duplicates: make(map[string]struct{}),
		failed:     make(map[string]struct{}),
	}

	var g errgroup.Group
	g.SetLimit(config.IngestMaxConcurrency)

	for _, stream := range group.By(obs, func(o model.Observation) string { return o.StreamID }) {
		for _, chunk := range group.Chunk(stream.Items, storage.MaxBatchSize) {
			chunk := chunk
			streamID := stream.Key
			g.Go(func() error {
				var dups []string
				err := c.retry.Do(ctx, func(ctx context.Context) error {
					var err error
					dups, err = c.store.CreateObservations(ctx, chunk)
					return err
				})

				out.mu.Lock()
				defer out.mu.Unlock()
				if err != nil {
					c.logger.Error("observation chunk failed",
						zap.String("stream_id", streamID),
						zap.Int("size", len(chunk)),
						zap.Error(err))
					for _, o := range chunk {
						out.failed[o.ID] = struct{}{}
					}
					if out.firstErr == nil {
						out.firstErr = err
					}
					out.errs = append(out.errs, fmt.Sprintf("Failed to store %d observations for stream %s: %v", len(chunk), streamID, err))
					return nil
				}
				for _, id := range dups {
					out.duplicates[id] = struct{}{}
				}
				return nil
			})
		}
	}
	_ = g.Wait()
	return out
}

func (c *Coordinator) mergeStreams(ctx context.Context, templates map[string]model.Stream, fresh []model.Observation) error {
	parts := group.By(fresh, func(o model.Observation) string { return o.StreamID })
	updates := make([]storage.StreamUpdate, 0, len(parts))
	for _, p := range parts {
		u := storage.StreamUpdate{Template: templates[p.Key], Added: int64(len(p.Items))}
		for _, o := range p.Items {
			if o.ObservedAt.After(u.LastObservationAt) {
				u.LastObservationAt = o.ObservedAt
			}
		}
		updates = append(updates, u)
	}

	return c.retry.Do(ctx, func(ctx context.Context) error {
		return c.store.MergeStreams(ctx, updates)
	})
}

func (c *Coordinator) mergeRawPayloads(ctx context.Context, payloads []model.RawPayload) error {
	for _, chunk := range group.Chunk(payloads, storage.MaxBatchSize) {
		err := c.retry.Do(ctx, func(ctx context.Context) error {
			return c.store.MergeRawPayloads(ctx, chunk)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// maintainRollups merges fresh observations into their (stream, day)
// rollups concurrently and returns one message per failed group.
func (c *Coordinator) maintainRollups(ctx context.Context, fresh []model.Observation, metric model.Metric) []string {
	groups := rollup.GroupByStreamDay(fresh, metric)

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []string
	)
	g.SetLimit(config.IngestMaxConcurrency)
	for _, grp := range groups {
		grp := grp
		g.Go(func() error {
			if err := c.rollups.MergeDay(ctx, grp); err != nil {
				c.stats.storeFailures.Add(1)
				mu.Lock()
				errs = append(errs, fmt.Sprintf("Failed to update rollup for %s on %s", grp.StreamID, grp.Day))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

func (c *Coordinator) storeFailure(msg string, err error) string {
	c.stats.storeFailures.Add(1)
	c.logger.Error(msg, zap.Error(err))
	return msg
}
