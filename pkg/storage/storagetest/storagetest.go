// Package storagetest is a conformance suite shared by storage backends.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinyvitals/pkg/model"
	"github.com/nicktill/tinyvitals/pkg/storage"
)

var base = time.Date(2026, 1, 30, 0, 0, 0, 0, time.UTC)

// Run exercises every storage.Store capability against fresh stores from newStore.
func Run(t *testing.T, newStore func(t *testing.T) storage.Store) {
	t.Run("ReferenceData", func(t *testing.T) { testReferenceData(t, newStore(t)) })
	t.Run("TouchDevice", func(t *testing.T) { testTouchDevice(t, newStore(t)) })
	t.Run("ConditionalCreate", func(t *testing.T) { testConditionalCreate(t, newStore(t)) })
	t.Run("ConcurrentCreate", func(t *testing.T) { testConcurrentCreate(t, newStore(t)) })
	t.Run("QueryByStream", func(t *testing.T) { testQueryByStream(t, newStore(t)) })
	t.Run("QueryByUserMetric", func(t *testing.T) { testQueryByUserMetric(t, newStore(t)) })
	t.Run("MergeStreams", func(t *testing.T) { testMergeStreams(t, newStore(t)) })
	t.Run("RawPayloads", func(t *testing.T) { testRawPayloads(t, newStore(t)) })
	t.Run("Rollups", func(t *testing.T) { testRollups(t, newStore(t)) })
	t.Run("Stats", func(t *testing.T) { testStats(t, newStore(t)) })
}

// Observation builds a numeric test observation.
func Observation(id, streamID, userID, metric string, at time.Time, v float64) model.Observation {
	return model.Observation{
		ID:         id,
		UserID:     userID,
		StreamID:   streamID,
		MetricCode: metric,
		ObservedAt: at,
		ReceivedAt: base,
		Value:      model.NumericValue(v),
		Unit:       "mg/dL",
		Source:     model.SourceDevice,
	}
}

func testReferenceData(t *testing.T, s storage.Store) {
	ctx := context.Background()

	_, err := s.GetDevice(ctx, "missing")
	require.True(t, errors.Is(err, storage.ErrNotFound))

	require.NoError(t, s.PutDevice(ctx, model.Device{ID: "d1", ManufacturerID: "dexcom",
		CurrentAssignment: &model.Assignment{UserID: "u1", AssignedAt: base}}))
	require.NoError(t, s.PutManufacturer(ctx, model.Manufacturer{ID: "dexcom", Status: model.ManufacturerActive,
		AcceptedPayloadFormats: []string{"egv"}}))
	require.NoError(t, s.PutMetric(ctx, model.Metric{Code: "glucose", DataType: model.DataTypeNumeric, CanonicalUnit: "mg/dL"}))
	require.NoError(t, s.PutMetricMapping(ctx, model.MetricMapping{ID: "dexcom_egv_egv", MetricCode: "glucose", NativeUnit: "mg/dL"}))

	d, err := s.GetDevice(ctx, "d1")
	require.NoError(t, err)
	assert.True(t, d.IsAssignedTo("u1"))

	m, err := s.GetManufacturer(ctx, "dexcom")
	require.NoError(t, err)
	assert.True(t, m.AcceptsFormat("egv"))

	metric, err := s.GetMetric(ctx, "glucose")
	require.NoError(t, err)
	assert.Equal(t, "mg/dL", metric.CanonicalUnit)

	mapping, err := s.GetMetricMapping(ctx, "dexcom_egv_egv")
	require.NoError(t, err)
	assert.Equal(t, "glucose", mapping.MetricCode)

	_, err = s.GetMetric(ctx, "weight")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func testTouchDevice(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.PutDevice(ctx, model.Device{ID: "d1"}))

	require.NoError(t, s.TouchDevice(ctx, "d1", base.Add(time.Hour)))
	require.NoError(t, s.TouchDevice(ctx, "d1", base))

	d, err := s.GetDevice(ctx, "d1")
	require.NoError(t, err)
	require.NotNil(t, d.LastSeenAt)
	assert.True(t, d.LastSeenAt.Equal(base.Add(time.Hour)))

	require.ErrorIs(t, s.TouchDevice(ctx, "nope", base), storage.ErrNotFound)
}

func testConditionalCreate(t *testing.T, s storage.Store) {
	ctx := context.Background()
	batch := []model.Observation{
		Observation("a", "s1", "u1", "glucose", base, 100),
		Observation("b", "s1", "u1", "glucose", base.Add(time.Minute), 101),
	}

	dups, err := s.CreateObservations(ctx, batch)
	require.NoError(t, err)
	assert.Empty(t, dups)

	batch = append(batch, Observation("c", "s1", "u1", "glucose", base.Add(2*time.Minute), 102))
	dups, err = s.CreateObservations(ctx, batch)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, dups)

	// an existing observation is never overwritten
	changed := Observation("a", "s1", "u1", "glucose", base, 999)
	dups, err = s.CreateObservations(ctx, []model.Observation{changed})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, dups)

	got, err := s.QueryObservations(ctx, storage.ObservationQuery{StreamID: "s1"})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, 100.0, *got[0].Value.Numeric)
}

func testConcurrentCreate(t *testing.T, s storage.Store) {
	ctx := context.Background()
	batch := make([]model.Observation, 50)
	for i := range batch {
		batch[i] = Observation(fmt.Sprintf("obs-%02d", i), "s1", "u1", "glucose", base.Add(time.Duration(i)*time.Minute), float64(i))
	}

	const writers = 4
	var wg sync.WaitGroup
	created := make([]int, writers)
	errs := make([]error, writers)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			err := storage.RetryPolicy{Attempts: 10, BaseDelay: time.Millisecond}.Do(ctx, func(ctx context.Context) error {
				dups, err := s.CreateObservations(ctx, batch)
				if err != nil {
					return err
				}
				created[w] = len(batch) - len(dups)
				return nil
			})
			errs[w] = err
		}(w)
	}
	wg.Wait()

	total := 0
	for w := 0; w < writers; w++ {
		require.NoError(t, errs[w])
		total += created[w]
	}
	assert.Equal(t, len(batch), total, "each observation is created exactly once")
}

func testQueryByStream(t *testing.T, s storage.Store) {
	ctx := context.Background()
	_, err := s.CreateObservations(ctx, []model.Observation{
		Observation("a", "s1", "u1", "glucose", base.Add(2*time.Hour), 3),
		Observation("b", "s1", "u1", "glucose", base, 1),
		Observation("c", "s1", "u1", "glucose", base.Add(time.Hour), 2),
		Observation("d", "s2", "u1", "glucose", base.Add(time.Hour), 9),
	})
	require.NoError(t, err)

	got, err := s.QueryObservations(ctx, storage.ObservationQuery{StreamID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c", "a"}, ids(got))

	got, err = s.QueryObservations(ctx, storage.ObservationQuery{
		StreamID: "s1",
		Start:    base.Add(time.Hour),
		End:      base.Add(2 * time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a"}, ids(got))

	got, err = s.QueryObservations(ctx, storage.ObservationQuery{StreamID: "s1", Descending: true, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, ids(got))
}

func testQueryByUserMetric(t *testing.T, s storage.Store) {
	ctx := context.Background()
	_, err := s.CreateObservations(ctx, []model.Observation{
		Observation("a", "u1_d1_glucose", "u1", "glucose", base, 1),
		Observation("b", "u1_d2_glucose", "u1", "glucose", base.Add(time.Hour), 2),
		Observation("c", "u1_d1_heart_rate", "u1", "heart_rate", base.Add(30*time.Minute), 60),
		Observation("d", "u2_d3_glucose", "u2", "glucose", base.Add(time.Minute), 5),
	})
	require.NoError(t, err)

	got, err := s.QueryObservations(ctx, storage.ObservationQuery{UserID: "u1", MetricCode: "glucose", Descending: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, ids(got))

	got, err = s.QueryObservations(ctx, storage.ObservationQuery{UserID: "u1", MetricCode: "glucose", End: base.Add(time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids(got))
}

func testMergeStreams(t *testing.T, s storage.Store) {
	ctx := context.Background()
	tmpl := model.Stream{ID: "u1_d1_glucose", UserID: "u1", DeviceID: "d1", MetricCode: "glucose",
		Type: model.StreamContinuous, Status: model.StreamActive, CreatedAt: base}

	require.NoError(t, s.MergeStreams(ctx, []storage.StreamUpdate{{Template: tmpl, Added: 3, LastObservationAt: base.Add(time.Hour)}}))
	require.NoError(t, s.MergeStreams(ctx, []storage.StreamUpdate{{Template: tmpl, Added: 2, LastObservationAt: base}}))

	st, err := s.GetStream(ctx, tmpl.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), st.ObservationCount)
	assert.True(t, st.LastObservationAt.Equal(base.Add(time.Hour)))
	assert.Equal(t, model.StreamContinuous, st.Type)

	other := tmpl
	other.ID = "u1_d1_heart_rate"
	other.MetricCode = "heart_rate"
	require.NoError(t, s.MergeStreams(ctx, []storage.StreamUpdate{{Template: other, Added: 1, LastObservationAt: base.Add(2 * time.Hour)}}))
	foreign := tmpl
	foreign.ID = "u2_d9_glucose"
	foreign.UserID = "u2"
	require.NoError(t, s.MergeStreams(ctx, []storage.StreamUpdate{{Template: foreign, Added: 1, LastObservationAt: base}}))

	list, err := s.ListStreamsByUser(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "u1_d1_heart_rate", list[0].ID)
	assert.Equal(t, "u1_d1_glucose", list[1].ID)

	list, err = s.ListStreamsByUser(ctx, "u1", 1)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func testRawPayloads(t *testing.T, s storage.Store) {
	ctx := context.Background()
	p := model.RawPayload{ID: "p1", ManufacturerID: "dexcom", ReceivedAt: base,
		Payload: map[string]any{"value": 105.0}, DerivedObservationIDs: []string{"a"}}

	require.NoError(t, s.MergeRawPayloads(ctx, []model.RawPayload{p}))
	p.DerivedObservationIDs = []string{"a", "b"}
	require.NoError(t, s.MergeRawPayloads(ctx, []model.RawPayload{p}))

	got, err := s.GetRawPayload(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got.DerivedObservationIDs)
	assert.Equal(t, 105.0, got.Payload["value"])
}

func testRollups(t *testing.T, s storage.Store) {
	ctx := context.Background()
	_, err := s.GetRollup(ctx, "s1", "2026-01-30")
	require.ErrorIs(t, err, storage.ErrNotFound)

	for _, day := range []string{"2026-01-30", "2026-02-01"} {
		require.NoError(t, s.PutRollup(ctx, model.DailyRollup{
			ID: model.RollupID("s1", day), StreamID: "s1", Day: day, Count: 2, Sum: 210,
		}))
	}

	r, err := s.GetRollup(ctx, "s1", "2026-01-30")
	require.NoError(t, err)
	assert.Equal(t, int64(2), r.Count)

	got, err := s.GetRollups(ctx, "s1", []string{"2026-01-30", "2026-01-31", "2026-02-01"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "2026-01-30", got[0].Day)
	assert.Equal(t, "2026-02-01", got[1].Day)
}

func testStats(t *testing.T, s storage.Store) {
	ctx := context.Background()
	_, err := s.CreateObservations(ctx, []model.Observation{
		Observation("a", "s1", "u1", "glucose", base, 1),
		Observation("b", "s1", "u1", "glucose", base.Add(time.Minute), 2),
	})
	require.NoError(t, err)
	require.NoError(t, s.PutDevice(ctx, model.Device{ID: "d1"}))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), stats.Observations)
	assert.Equal(t, uint64(1), stats.Devices)
}

func ids(obs []model.Observation) []string {
	out := make([]string, len(obs))
	for i, o := range obs {
		out[i] = o.ID
	}
	return out
}
