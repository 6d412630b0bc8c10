package query

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/nicktill/tinyvitals/pkg/apperr"
	"github.com/nicktill/tinyvitals/pkg/config"
	"github.com/nicktill/tinyvitals/pkg/model"
)

// LatestValue is the newest numeric reading seen in the window.
type LatestValue struct {
	Value      float64 `json:"value"`
	Unit       string  `json:"unit"`
	ObservedAt string  `json:"observedAt"`
}

// RecentWindow aggregates a stream's rollups over the recent days.
type RecentWindow struct {
	FromDay  string   `json:"fromDay"`
	ToDay    string   `json:"toDay"`
	Count    int64    `json:"count"`
	Sum      *float64 `json:"sum,omitempty"`
	Min      *float64 `json:"min,omitempty"`
	Max      *float64 `json:"max,omitempty"`
	Latest   *float64 `json:"latest,omitempty"`
	LatestAt string   `json:"latestAt,omitempty"`
}

// StreamSummary is one stream's recent activity.
type StreamSummary struct {
	StreamID       string       `json:"streamId"`
	MetricCode     string       `json:"metricCode"`
	ManufacturerID string       `json:"manufacturerId"`
	DeviceID       string       `json:"deviceId"`
	Latest         *LatestValue `json:"latest,omitempty"`
	Window         RecentWindow `json:"window"`
}

// RecentResult lists summaries for the user's most recently observed streams.
type RecentResult struct {
	Summaries []StreamSummary `json:"summaries"`
}

// Recent summarizes the user's most recently observed streams over the last
// few UTC days of rollups.
func (a *Aggregator) Recent(ctx context.Context, userID string, limit int) (*RecentResult, error) {
	if userID == "" {
		return nil, apperr.Validationf("userId is required")
	}
	switch {
	case limit < 0:
		return nil, apperr.Validationf("limit must not be negative")
	case limit == 0:
		limit = config.RecentDefaultLimit
	case limit > config.RecentMaxLimit:
		limit = config.RecentMaxLimit
	}

	streams, err := a.store.ListStreamsByUser(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list streams: %w", err)
	}
	days := RecentDays(a.now(), config.RecentWindowDays)

	summaries := make([]StreamSummary, len(streams))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(config.QueryMaxConcurrency)
	for i, s := range streams {
		i, s := i, s
		g.Go(func() error {
			rollups, err := a.rollups.GetRollups(gctx, s.ID, days)
			if err != nil {
				return fmt.Errorf("failed to load rollups for %s: %w", s.ID, err)
			}
			summaries[i] = summarizeStream(s, rollups, days)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &RecentResult{Summaries: summaries}, nil
}

// summarizeStream expects days newest first.
func summarizeStream(s model.Stream, rollups []model.DailyRollup, days []string) StreamSummary {
	window := RecentWindow{
		FromDay: days[len(days)-1],
		ToDay:   days[0],
	}

	var acc accumulator
	var latest *model.DailyRollup
	for i := range rollups {
		r := &rollups[i]
		acc.add(r.Count, r.Sum, r.Min, r.Max)
		if r.Latest != nil && r.LatestAt != nil && (latest == nil || r.LatestAt.After(*latest.LatestAt)) {
			latest = r
		}
	}
	window.Count = acc.count
	window.Min, window.Max = acc.min, acc.max
	if len(rollups) > 0 {
		window.Sum = ptr(acc.sum)
	}

	summary := StreamSummary{
		StreamID:       s.ID,
		MetricCode:     s.MetricCode,
		ManufacturerID: s.ManufacturerID,
		DeviceID:       s.DeviceID,
	}
	if latest != nil {
		window.Latest = ptr(*latest.Latest)
		window.LatestAt = FormatTime(*latest.LatestAt)
		summary.Latest = &LatestValue{
			Value:      *latest.Latest,
			Unit:       latest.Unit,
			ObservedAt: window.LatestAt,
		}
	}
	summary.Window = window
	return summary
}
