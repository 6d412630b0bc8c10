package normalize

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinyvitals/pkg/model"
)

var (
	fixedNow = time.Date(2026, 1, 30, 12, 0, 0, 0, time.UTC)

	glucose   = model.Metric{Code: "glucose", DataType: model.DataTypeNumeric, CanonicalUnit: UnitMgDL}
	heartRate = model.Metric{Code: "heart_rate", DataType: model.DataTypeNumeric, CanonicalUnit: UnitBPM}
	steps     = model.Metric{Code: "steps", DataType: model.DataTypeCount, CanonicalUnit: "count"}
	sleep     = model.Metric{Code: "sleep_duration", DataType: model.DataTypeDuration, CanonicalUnit: UnitMinutes}
	bp        = model.Metric{Code: "blood_pressure", DataType: model.DataTypeComposite, CanonicalUnit: "mmHg"}

	dexcom = model.Manufacturer{ID: "dexcom", Status: model.ManufacturerActive, AcceptedPayloadFormats: []string{"egv"}}
	apple  = model.Manufacturer{ID: "apple_health", Status: model.ManufacturerActive, AcceptedPayloadFormats: []string{"healthkit_v1"}}
)

func newTestNormalizer() *Normalizer {
	return New(WithClock(func() time.Time { return fixedNow }))
}

func TestNormalize_DexcomRecords(t *testing.T) {
	n := newTestNormalizer()
	payload := []Sample{{
		"recordType": "egv",
		"records": []any{
			map[string]any{"systemTime": "2026-01-30T00:00:00Z", "value": 105.0, "unit": "mg/dL"},
			map[string]any{"displayTime": "2026-01-29T17:00:00-08:00", "value": 112.0, "unit": "mg/dL"},
		},
	}}

	res := n.Normalize(payload, "egv", glucose, dexcom)

	require.Empty(t, res.Errors)
	require.Len(t, res.Observations, 2)

	first := res.Observations[0]
	assert.Equal(t, "glucose", first.MetricCode)
	assert.Equal(t, time.Date(2026, 1, 30, 0, 0, 0, 0, time.UTC), first.ObservedAt)
	assert.Equal(t, model.SourceDevice, first.Source)
	assert.Equal(t, UnitMgDL, first.Unit)
	require.NotNil(t, first.Value.Numeric)
	assert.Equal(t, 105.0, *first.Value.Numeric)
	assert.Equal(t, 105.0, first.RawPayload["value"])

	// displayTime is used when systemTime is absent and is normalized to UTC
	assert.Equal(t, time.Date(2026, 1, 30, 1, 0, 0, 0, time.UTC), res.Observations[1].ObservedAt)
}

func TestNormalize_SingleSampleEnvelope(t *testing.T) {
	n := newTestNormalizer()
	payload := []Sample{{"recordType": "egv", "systemTime": "2026-01-30T00:00:00Z", "value": 6.0, "unit": "mmol/L"}}

	res := n.Normalize(payload, "egv", glucose, dexcom)

	require.Empty(t, res.Errors)
	require.Len(t, res.Observations, 1)
	assert.InDelta(t, 108.0, *res.Observations[0].Value.Numeric, 1e-9)
}

func TestNormalize_PartialSuccess(t *testing.T) {
	n := newTestNormalizer()
	payload := []Sample{{
		"egvs": []any{
			map[string]any{"systemTime": "2026-01-30T00:00:00Z", "value": 100.0, "unit": "mg/dL"},
			map[string]any{"systemTime": "2026-01-30T00:05:00Z", "value": 101.0},
			map[string]any{"systemTime": "not-a-date", "value": 102.0, "unit": "mg/dL"},
			map[string]any{"systemTime": "2026-01-30T12:06:00Z", "value": 103.0, "unit": "mg/dL"},
			map[string]any{"systemTime": "2026-01-30T00:15:00Z", "value": 104.0, "unit": "furlongs"},
		},
	}}

	res := n.Normalize(payload, "egv", glucose, dexcom)

	require.Len(t, res.Observations, 1)
	require.Len(t, res.Errors, 4)
	assert.Contains(t, res.Errors[0], "missing value or unit")
	assert.Equal(t, "Invalid observation date: not-a-date", res.Errors[1])
	assert.Equal(t, "Invalid observation date: 2026-01-30T12:06:00Z", res.Errors[2])
	assert.Contains(t, res.Errors[3], "Failed to normalize Dexcom sample: unable to find proper conversion")
}

func TestNormalize_FutureTolerance(t *testing.T) {
	tests := []struct {
		name   string
		offset time.Duration
		ok     bool
	}{
		{"past", -time.Hour, true},
		{"within skew", 4 * time.Minute, true},
		{"exactly at tolerance", 5 * time.Minute, true},
		{"beyond tolerance", 5*time.Minute + time.Second, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := newTestNormalizer()
			at := fixedNow.Add(tt.offset).Format(time.RFC3339)
			res := n.Normalize([]Sample{{"systemTime": at, "value": 90.0, "unit": "mg/dL"}}, "egv", glucose, dexcom)
			if tt.ok {
				assert.Len(t, res.Observations, 1)
				assert.Empty(t, res.Errors)
			} else {
				assert.Empty(t, res.Observations)
				assert.Len(t, res.Errors, 1)
			}
		})
	}
}

func TestNormalize_MissingTimestampRejected(t *testing.T) {
	sample := Sample{"value": 90.0, "unit": "mg/dL"}

	for _, now := range []time.Time{fixedNow, fixedNow.Add(time.Hour)} {
		n := New(WithClock(func() time.Time { return now }))
		res := n.Normalize([]Sample{sample}, "egv", glucose, dexcom)
		assert.Empty(t, res.Observations)
		assert.Equal(t, []string{"Invalid observation date: <missing>"}, res.Errors)
	}
}

func TestNormalize_HealthKitHeartRate(t *testing.T) {
	n := newTestNormalizer()
	payload := []Sample{{
		"type": "HKQuantityTypeIdentifierHeartRate",
		"samples": []any{
			map[string]any{"startDate": "2026-01-30 08:00:00 -0500", "value": 72.0, "unit": "count/min"},
		},
	}}

	assert.Equal(t, "HKQuantityTypeIdentifierHeartRate", n.ExternalCode("apple_health", payload))

	res := n.Normalize(payload, "healthkit_v1", heartRate, apple)

	require.Empty(t, res.Errors)
	require.Len(t, res.Observations, 1)
	assert.Equal(t, UnitBPM, res.Observations[0].Unit)
	assert.Equal(t, 72.0, *res.Observations[0].Value.Numeric)
	assert.Equal(t, time.Date(2026, 1, 30, 13, 0, 0, 0, time.UTC), res.Observations[0].ObservedAt)
}

func TestNormalize_UnsupportedFormatAndVendor(t *testing.T) {
	n := newTestNormalizer()
	sample := []Sample{{"systemTime": "2026-01-30T00:00:00Z", "value": 90.0, "unit": "mg/dL"}}

	res := n.Normalize(sample, "csv", glucose, dexcom)
	require.Empty(t, res.Observations)
	require.Len(t, res.Errors, 1)

	res = n.Normalize(sample, "egv", glucose, model.Manufacturer{ID: "acme"})
	require.Equal(t, []string{"Unable to find manufacturer handler"}, res.Errors)
}

func TestNormalize_CustomVariant(t *testing.T) {
	n := New(WithClock(func() time.Time { return fixedNow }), WithVariant(HealthKit{}))
	_, ok := n.Variant("apple_health")
	require.True(t, ok)
	_, ok = n.Variant("fitbit")
	require.False(t, ok)
}

func TestParseTime(t *testing.T) {
	tests := []struct {
		in   any
		want time.Time
	}{
		{"2026-01-30T00:00:00Z", time.Date(2026, 1, 30, 0, 0, 0, 0, time.UTC)},
		{"2026-01-30T00:00:00.250Z", time.Date(2026, 1, 30, 0, 0, 0, 250e6, time.UTC)},
		{"2026-01-30T00:00:00", time.Date(2026, 1, 30, 0, 0, 0, 0, time.UTC)},
		{"2026-01-30", time.Date(2026, 1, 30, 0, 0, 0, 0, time.UTC)},
		{float64(1769731200000), time.Date(2026, 1, 30, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		got, err := ParseTime(tt.in)
		require.NoError(t, err, "%v", tt.in)
		assert.True(t, tt.want.Equal(got), "ParseTime(%v) = %v, want %v", tt.in, got, tt.want)
	}

	_, err := ParseTime(true)
	require.Error(t, err)
}
