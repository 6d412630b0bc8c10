package query

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nicktill/tinyvitals/pkg/apperr"
	"github.com/nicktill/tinyvitals/pkg/config"
	"github.com/nicktill/tinyvitals/pkg/model"
	"github.com/nicktill/tinyvitals/pkg/storage"
)

// HistoryQuery selects a user's observations of one metric across all of
// their streams.
type HistoryQuery struct {
	UserID     string
	MetricCode string
	StartDate  time.Time
	EndDate    time.Time
	Limit      int
}

// HistoryStatistics summarizes the returned observations. First is the
// oldest value returned, Last the newest.
type HistoryStatistics struct {
	Count int      `json:"count"`
	Min   *float64 `json:"min,omitempty"`
	Max   *float64 `json:"max,omitempty"`
	Avg   *float64 `json:"avg,omitempty"`
	First *float64 `json:"first,omitempty"`
	Last  *float64 `json:"last,omitempty"`
}

// HistoryResult lists observations newest first.
type HistoryResult struct {
	TimeRange    TimeRange           `json:"timeRange"`
	Observations []model.Observation `json:"observations"`
	Statistics   HistoryStatistics   `json:"statistics"`
}

// History returns up to Limit observations of the metric, newest first.
func (a *Aggregator) History(ctx context.Context, q HistoryQuery) (*HistoryResult, error) {
	if q.UserID == "" {
		return nil, apperr.Validationf("userId is required")
	}
	if q.MetricCode == "" {
		return nil, apperr.Validationf("metricCode is required")
	}
	if !q.StartDate.IsZero() && !q.EndDate.IsZero() && q.StartDate.After(q.EndDate) {
		return nil, apperr.Validationf("startDate must not be after endDate")
	}
	switch {
	case q.Limit < 0:
		return nil, apperr.Validationf("limit must not be negative")
	case q.Limit == 0:
		q.Limit = config.HistoryDefaultLimit
	case q.Limit > config.HistoryMaxLimit:
		q.Limit = config.HistoryMaxLimit
	}

	obs, err := a.store.QueryObservations(ctx, storage.ObservationQuery{
		UserID:     q.UserID,
		MetricCode: q.MetricCode,
		Start:      q.StartDate,
		End:        q.EndDate,
		Descending: true,
		Limit:      q.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query observations: %w", err)
	}
	if obs == nil {
		obs = []model.Observation{}
	}

	a.logger.Debug("history query",
		zap.String("user_id", q.UserID),
		zap.String("metric", q.MetricCode),
		zap.Int("returned", len(obs)),
	)

	return &HistoryResult{
		TimeRange:    TimeRange{Start: formatBound(q.StartDate), End: formatBound(q.EndDate)},
		Observations: obs,
		Statistics:   historyStatistics(obs),
	}, nil
}

// historyStatistics expects obs newest first.
func historyStatistics(obs []model.Observation) HistoryStatistics {
	stats := HistoryStatistics{Count: len(obs)}

	var (
		acc    accumulator
		values []float64
	)
	for _, o := range obs {
		if v, ok := o.Value.NumericEquivalent(); ok {
			acc.add(1, v, &v, &v)
			values = append(values, v)
		}
	}
	if len(values) == 0 {
		return stats
	}
	stats.Min, stats.Max = acc.min, acc.max
	stats.Avg = ptr(acc.sum / float64(acc.count))
	stats.Last = ptr(values[0])
	stats.First = ptr(values[len(values)-1])
	return stats
}

func formatBound(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return FormatTime(t)
}
