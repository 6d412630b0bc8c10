// Package rollup maintains one aggregate per (stream, UTC day).
//
// Rollups are accumulators: a batch of new observations is summarized into a
// Delta and merged into the stored record. Nothing is ever recomputed from raw
// observations, so count and sum only grow.
package rollup

import (
	"sort"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/nicktill/tinyvitals/pkg/model"
)

// DayLayout is the format of rollup day keys.
const DayLayout = "2006-01-02"

// DayKey returns the UTC calendar day t falls in.
func DayKey(t time.Time) string {
	return t.UTC().Format(DayLayout)
}

// Delta is the summary of one batch of new observations for one (stream, day).
type Delta struct {
	Count           int64
	Sum             float64
	Min             *float64
	Max             *float64
	Latest          *float64
	LatestAt        *time.Time
	FirstObservedAt time.Time
	LastObservedAt  time.Time
	LastReceivedAt  time.Time

	// Token identifies the batch by its observation IDs so a store can
	// recognize a replayed merge. Empty when no observation carries an ID.
	Token string
}

// Summarize folds observations into a Delta. Values without a numeric
// equivalent (composite) are counted but do not contribute to sum/min/max.
func Summarize(obs []model.Observation) Delta {
	var d Delta
	for i, o := range obs {
		d.Count++
		if i == 0 || o.ObservedAt.Before(d.FirstObservedAt) {
			d.FirstObservedAt = o.ObservedAt
		}
		if i == 0 || o.ObservedAt.After(d.LastObservedAt) {
			d.LastObservedAt = o.ObservedAt
		}
		if o.ReceivedAt.After(d.LastReceivedAt) {
			d.LastReceivedAt = o.ReceivedAt
		}

		v, ok := o.Value.NumericEquivalent()
		if !ok {
			continue
		}
		d.Sum += v
		if d.Min == nil || v < *d.Min {
			d.Min = ptr(v)
		}
		if d.Max == nil || v > *d.Max {
			d.Max = ptr(v)
		}
		if d.LatestAt == nil || o.ObservedAt.After(*d.LatestAt) {
			d.Latest = ptr(v)
			d.LatestAt = ptr(o.ObservedAt)
		}
	}
	d.Token = batchToken(obs)
	return d
}

// batchToken hashes the sorted observation IDs of a batch.
func batchToken(obs []model.Observation) string {
	ids := make([]string, 0, len(obs))
	for _, o := range obs {
		if o.ID != "" {
			ids = append(ids, o.ID)
		}
	}
	if len(ids) == 0 {
		return ""
	}
	sort.Strings(ids)

	h := xxhash.New()
	for _, id := range ids {
		_, _ = h.WriteString(id)
		_, _ = h.Write([]byte{0})
	}
	return strconv.FormatUint(h.Sum64(), 16)
}

// Seed returns the empty rollup a (stream, day) starts from.
func Seed(streamID, day, userID, deviceID string, metric model.Metric) model.DailyRollup {
	return model.DailyRollup{
		ID:         model.RollupID(streamID, day),
		StreamID:   streamID,
		UserID:     userID,
		DeviceID:   deviceID,
		MetricCode: metric.Code,
		Day:        day,
		DataType:   metric.DataType,
		Unit:       metric.CanonicalUnit,
	}
}

// Apply merges d into existing, or into seed when existing is nil.
func Apply(existing *model.DailyRollup, seed model.DailyRollup, d Delta) model.DailyRollup {
	if existing == nil {
		r := seed
		r.Count = d.Count
		r.Sum = d.Sum
		r.Min, r.Max = d.Min, d.Max
		r.Latest, r.LatestAt = d.Latest, d.LatestAt
		r.FirstObservedAt = d.FirstObservedAt
		r.LastObservedAt = d.LastObservedAt
		r.LastReceivedAt = d.LastReceivedAt
		return r
	}

	r := *existing
	r.Count += d.Count
	r.Sum += d.Sum
	if d.Min != nil && (r.Min == nil || *d.Min < *r.Min) {
		r.Min = ptr(*d.Min)
	}
	if d.Max != nil && (r.Max == nil || *d.Max > *r.Max) {
		r.Max = ptr(*d.Max)
	}
	if d.LatestAt != nil && (r.LatestAt == nil || d.LatestAt.After(*r.LatestAt)) {
		r.Latest, r.LatestAt = ptr(*d.Latest), ptr(*d.LatestAt)
	}
	if r.FirstObservedAt.IsZero() || (!d.FirstObservedAt.IsZero() && d.FirstObservedAt.Before(r.FirstObservedAt)) {
		r.FirstObservedAt = d.FirstObservedAt
	}
	if d.LastObservedAt.After(r.LastObservedAt) {
		r.LastObservedAt = d.LastObservedAt
	}
	if d.LastReceivedAt.After(r.LastReceivedAt) {
		r.LastReceivedAt = d.LastReceivedAt
	}
	return r
}

func ptr[T any](v T) *T { return &v }
