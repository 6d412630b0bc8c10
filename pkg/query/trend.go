// Package query answers read-side questions over ingested data: trends over a
// stream, a user's history for one metric, and recent per-stream summaries.
//
// Day-based trends are served from daily rollups; only hourly trends touch
// raw observations.
package query

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/nicktill/tinyvitals/pkg/apperr"
	"github.com/nicktill/tinyvitals/pkg/config"
	"github.com/nicktill/tinyvitals/pkg/model"
	"github.com/nicktill/tinyvitals/pkg/storage"
)

// Period is the bucket size of a trend.
type Period string

const (
	PeriodHour  Period = "hour"
	PeriodDay   Period = "day"
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
)

// ParsePeriod validates a period name. An empty name means day.
func ParsePeriod(s string) (Period, error) {
	switch p := Period(s); p {
	case PeriodHour, PeriodDay, PeriodWeek, PeriodMonth:
		return p, nil
	case "":
		return PeriodDay, nil
	}
	return "", apperr.Validationf("period must be one of hour, day, week, month (got %q)", s)
}

// Store is the read side of storage used by queries.
type Store interface {
	GetStream(ctx context.Context, id string) (*model.Stream, error)
	ListStreamsByUser(ctx context.Context, userID string, limit int) ([]model.Stream, error)
	QueryObservations(ctx context.Context, q storage.ObservationQuery) ([]model.Observation, error)
}

// RollupSource serves daily rollups. It is the rollup maintainer's store,
// which may live outside the primary store.
type RollupSource interface {
	GetRollups(ctx context.Context, streamID string, days []string) ([]model.DailyRollup, error)
}

// TrendQuery selects a stream and time range to aggregate.
type TrendQuery struct {
	UserID            string    `json:"userId"`
	StreamID          string    `json:"streamId"`
	StartDate         time.Time `json:"startDate"`
	EndDate           time.Time `json:"endDate"`
	Period            Period    `json:"period"`
	RollingWindowDays int       `json:"rollingWindowDays,omitempty"`
}

// TimeRange echoes the queried bounds.
type TimeRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// TrendPoint is one bucket of a trend.
type TrendPoint struct {
	PeriodStart string   `json:"periodStart"`
	PeriodEnd   string   `json:"periodEnd"`
	Count       int64    `json:"count"`
	Sum         *float64 `json:"sum,omitempty"`
	Avg         *float64 `json:"avg,omitempty"`
	Min         *float64 `json:"min,omitempty"`
	Max         *float64 `json:"max,omitempty"`
}

// OverallStatistics summarizes a whole trend series.
type OverallStatistics struct {
	TotalDataPoints int64    `json:"totalDataPoints"`
	OverallAvg      *float64 `json:"overallAvg,omitempty"`
	OverallMin      *float64 `json:"overallMin,omitempty"`
	OverallMax      *float64 `json:"overallMax,omitempty"`
	Change          *float64 `json:"change,omitempty"`
	ChangePercent   *float64 `json:"changePercent,omitempty"`
}

// TrendResult is the answer to a TrendQuery.
type TrendResult struct {
	UserID            string            `json:"userId"`
	StreamID          string            `json:"streamId"`
	Period            Period            `json:"period"`
	TimeRange         TimeRange         `json:"timeRange"`
	Trend             []TrendPoint      `json:"trend"`
	OverallStatistics OverallStatistics `json:"overallStatistics"`
}

// Aggregator executes read queries.
type Aggregator struct {
	store   Store
	rollups RollupSource
	now     func() time.Time
	logger  *zap.Logger
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithClock overrides the clock used for recent-day windows.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// NewAggregator creates an aggregator reading streams and observations from
// store and daily rollups from rollups.
func NewAggregator(store Store, rollups RollupSource, logger *zap.Logger, opts ...Option) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Aggregator{
		store:   store,
		rollups: rollups,
		now:     time.Now,
		logger:  logger.Named("query"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Aggregate builds the trend of one stream over [StartDate, EndDate].
func (a *Aggregator) Aggregate(ctx context.Context, q TrendQuery) (*TrendResult, error) {
	if err := validateTrend(&q); err != nil {
		return nil, err
	}

	stream, err := a.store.GetStream(ctx, q.StreamID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && stream.UserID != q.UserID) {
		return nil, apperr.NotFoundf("stream %s not found for user %s", q.StreamID, q.UserID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load stream: %w", err)
	}

	var trend []TrendPoint
	if q.Period == PeriodHour {
		trend, err = a.hourlyTrend(ctx, q)
	} else {
		trend, err = a.rollupTrend(ctx, q)
	}
	if err != nil {
		return nil, err
	}
	if trend == nil {
		trend = []TrendPoint{}
	}

	return &TrendResult{
		UserID:            q.UserID,
		StreamID:          q.StreamID,
		Period:            q.Period,
		TimeRange:         TimeRange{Start: FormatTime(q.StartDate), End: FormatTime(q.EndDate)},
		Trend:             trend,
		OverallStatistics: overallStatistics(trend),
	}, nil
}

func validateTrend(q *TrendQuery) error {
	if q.UserID == "" {
		return apperr.Validationf("userId is required")
	}
	if q.StreamID == "" {
		return apperr.Validationf("streamId is required")
	}
	if q.StartDate.IsZero() || q.EndDate.IsZero() {
		return apperr.Validationf("startDate and endDate are required")
	}
	if q.StartDate.After(q.EndDate) {
		return apperr.Validationf("startDate must not be after endDate")
	}
	p, err := ParsePeriod(string(q.Period))
	if err != nil {
		return err
	}
	q.Period = p
	if q.RollingWindowDays < 0 {
		return apperr.Validationf("rollingWindowDays must not be negative")
	}
	if q.RollingWindowDays > config.RollingWindowMaxDays {
		return apperr.Validationf("rollingWindowDays must be at most %d", config.RollingWindowMaxDays)
	}

	span := q.EndDate.Sub(q.StartDate)
	if q.Period == PeriodHour && span > config.QueryMaxHourRange {
		return apperr.Validationf("hourly trends are limited to %d days", int(config.QueryMaxHourRange.Hours()/24))
	}
	if span > config.QueryMaxRange {
		return apperr.Validationf("time range is limited to %d days", int(config.QueryMaxRange.Hours()/24))
	}
	return nil
}

// hourlyTrend buckets raw observations by the top of their UTC hour.
func (a *Aggregator) hourlyTrend(ctx context.Context, q TrendQuery) ([]TrendPoint, error) {
	obs, err := a.store.QueryObservations(ctx, storage.ObservationQuery{
		StreamID: q.StreamID,
		Start:    q.StartDate,
		End:      q.EndDate,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query observations: %w", err)
	}
	sort.SliceStable(obs, func(i, j int) bool { return obs[i].ObservedAt.Before(obs[j].ObservedAt) })

	var (
		points []TrendPoint
		hour   time.Time
		acc    accumulator
	)
	flush := func() {
		if hour.IsZero() {
			return
		}
		points = append(points, acc.point(hour, hour.Add(time.Hour)))
	}
	for _, o := range obs {
		h := o.ObservedAt.UTC().Truncate(time.Hour)
		if !h.Equal(hour) {
			flush()
			hour, acc = h, accumulator{}
		}
		if v, ok := o.Value.NumericEquivalent(); ok {
			acc.add(1, v, &v, &v)
		}
	}
	flush()
	return points, nil
}

// daily is one calendar day of a rollup series; zero count when absent.
type daily struct {
	start time.Time
	count int64
	sum   float64
	min   *float64
	max   *float64
}

func (a *Aggregator) rollupTrend(ctx context.Context, q TrendQuery) ([]TrendPoint, error) {
	series, err := a.dailySeries(ctx, q.StreamID, q.StartDate, q.EndDate)
	if err != nil {
		return nil, err
	}

	switch {
	case q.RollingWindowDays > 0:
		return rollingWindow(series, q.RollingWindowDays), nil
	case q.Period == PeriodDay:
		points := make([]TrendPoint, len(series))
		for i, d := range series {
			var acc accumulator
			acc.add(d.count, d.sum, d.min, d.max)
			points[i] = acc.point(d.start, endOfDay(d.start))
		}
		return points, nil
	case q.Period == PeriodWeek:
		return groupCalendar(series, ISOWeekBounds), nil
	default:
		return groupCalendar(series, MonthBounds), nil
	}
}

func (a *Aggregator) dailySeries(ctx context.Context, streamID string, start, end time.Time) ([]daily, error) {
	days := calendarDays(start, end)
	keys := DayKeys(start, end)

	rollups, err := a.rollups.GetRollups(ctx, streamID, keys)
	if err != nil {
		return nil, fmt.Errorf("failed to load rollups: %w", err)
	}
	byDay := make(map[string]model.DailyRollup, len(rollups))
	for _, r := range rollups {
		byDay[r.Day] = r
	}

	series := make([]daily, len(days))
	for i, d := range days {
		series[i] = daily{start: d}
		if r, ok := byDay[keys[i]]; ok {
			series[i].count = r.Count
			series[i].sum = r.Sum
			series[i].min = r.Min
			series[i].max = r.Max
		}
	}
	return series, nil
}

// rollingWindow emits one point per fully formed window of n consecutive
// days. Count and sum slide; min and max are rescanned per window.
func rollingWindow(series []daily, n int) []TrendPoint {
	var (
		points []TrendPoint
		count  int64
		sum    float64
	)
	for i, d := range series {
		count += d.count
		sum += d.sum
		if i >= n {
			count -= series[i-n].count
			sum -= series[i-n].sum
		}
		if i < n-1 {
			continue
		}

		first := i - n + 1
		var lo, hi *float64
		for _, w := range series[first : i+1] {
			lo = minPtr(lo, w.min)
			hi = maxPtr(hi, w.max)
		}
		acc := accumulator{count: count, sum: sum, min: lo, max: hi}
		points = append(points, acc.point(series[first].start, endOfDay(d.start)))
	}
	return points
}

// groupCalendar folds consecutive days sharing the same bucket.
func groupCalendar(series []daily, bounds func(time.Time) (time.Time, time.Time)) []TrendPoint {
	var (
		points     []TrendPoint
		start, end time.Time
		acc        accumulator
	)
	for i, d := range series {
		s, e := bounds(d.start)
		if i == 0 || !s.Equal(start) {
			if i > 0 {
				points = append(points, acc.point(start, end))
			}
			start, end, acc = s, e, accumulator{}
		}
		acc.add(d.count, d.sum, d.min, d.max)
	}
	if len(series) > 0 {
		points = append(points, acc.point(start, end))
	}
	return points
}

type accumulator struct {
	count int64
	sum   float64
	min   *float64
	max   *float64
}

func (a *accumulator) add(count int64, sum float64, lo, hi *float64) {
	a.count += count
	a.sum += sum
	a.min = minPtr(a.min, lo)
	a.max = maxPtr(a.max, hi)
}

func (a accumulator) point(start, end time.Time) TrendPoint {
	p := TrendPoint{
		PeriodStart: FormatTime(start),
		PeriodEnd:   FormatTime(end),
		Count:       a.count,
		Sum:         ptr(a.sum),
		Min:         a.min,
		Max:         a.max,
	}
	if a.count > 0 {
		p.Avg = ptr(a.sum / float64(a.count))
	}
	return p
}

func overallStatistics(trend []TrendPoint) OverallStatistics {
	var (
		stats OverallStatistics
		sum   float64
		lo    *float64
		hi    *float64
	)
	for _, p := range trend {
		stats.TotalDataPoints += p.Count
		if p.Sum != nil {
			sum += *p.Sum
		}
		lo = minPtr(lo, p.Min)
		hi = maxPtr(hi, p.Max)
	}
	if stats.TotalDataPoints == 0 {
		return stats
	}

	stats.OverallAvg = ptr(sum / float64(stats.TotalDataPoints))
	stats.OverallMin, stats.OverallMax = lo, hi

	if len(trend) >= 2 {
		first, last := trend[0].Avg, trend[len(trend)-1].Avg
		if first != nil && last != nil {
			stats.Change = ptr(*last - *first)
			if *first != 0 {
				stats.ChangePercent = ptr((*last - *first) / *first * 100)
			}
		}
	}
	return stats
}

func minPtr(cur, v *float64) *float64 {
	if v == nil || (cur != nil && *cur <= *v) {
		return cur
	}
	return ptr(*v)
}

func maxPtr(cur, v *float64) *float64 {
	if v == nil || (cur != nil && *cur >= *v) {
		return cur
	}
	return ptr(*v)
}

func ptr[T any](v T) *T { return &v }
