// Package normalize converts vendor samples into canonical observation values.
//
// Normalization never fails a batch: each bad sample contributes one entry to
// Result.Errors and the rest of the batch proceeds.
package normalize

import (
	"fmt"
	"strings"
	"time"

	"github.com/nicktill/tinyvitals/pkg/model"
)

// FutureTolerance is how far past "now" an event time may be (clock skew).
const FutureTolerance = 5 * time.Minute

// Normalized is a sample converted to the metric's canonical unit and shape.
type Normalized struct {
	MetricCode string
	ObservedAt time.Time
	Source     string
	Value      model.ObservationValue
	Unit       string
	RawPayload Sample
}

// Result holds the successes and per-sample errors of one Normalize call.
type Result struct {
	Observations []Normalized
	Errors       []string
}

// Normalizer dispatches samples to the registered vendor variant.
type Normalizer struct {
	variants  map[string]Variant
	now       func() time.Time
	tolerance time.Duration
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithClock overrides the processing-time source.
func WithClock(now func() time.Time) Option {
	return func(n *Normalizer) { n.now = now }
}

// WithVariant registers (or replaces) a vendor variant.
func WithVariant(v Variant) Option {
	return func(n *Normalizer) { n.variants[v.Manufacturer()] = v }
}

// New creates a Normalizer with the built-in Dexcom and Apple Health variants.
func New(opts ...Option) *Normalizer {
	n := &Normalizer{
		variants:  make(map[string]Variant),
		now:       time.Now,
		tolerance: FutureTolerance,
	}
	for _, v := range []Variant{DexcomEGV{}, HealthKit{}} {
		n.variants[v.Manufacturer()] = v
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Variant returns the variant registered for a manufacturer key.
func (n *Normalizer) Variant(manufacturerID string) (Variant, bool) {
	v, ok := n.variants[manufacturerID]
	return v, ok
}

// ExternalCode resolves the vendor type code of a payload from its first element.
func (n *Normalizer) ExternalCode(manufacturerID string, payload []Sample) string {
	v, ok := n.variants[manufacturerID]
	if !ok || len(payload) == 0 {
		return ""
	}
	return v.ExternalCode(payload[0])
}

// Normalize converts every sample of every payload element.
func (n *Normalizer) Normalize(payload []Sample, format string, metric model.Metric, mfr model.Manufacturer) Result {
	var res Result

	v, ok := n.variants[mfr.ID]
	if !ok {
		res.Errors = append(res.Errors, "Unable to find manufacturer handler")
		return res
	}
	if !v.Accepts(format) {
		res.Errors = append(res.Errors, fmt.Sprintf("Payload format %q is not handled for %s", format, v.Label()))
		return res
	}

	now := n.now()
	for _, envelope := range payload {
		for _, sample := range v.Samples(envelope) {
			obs, errMsg := n.normalizeSample(v, sample, metric, now)
			if errMsg != "" {
				res.Errors = append(res.Errors, errMsg)
				continue
			}
			res.Observations = append(res.Observations, obs)
		}
	}
	return res
}

const errMissingTime = "Invalid observation date: <missing>"

func (n *Normalizer) normalizeSample(v Variant, sample Sample, metric model.Metric, now time.Time) (Normalized, string) {
	rawValue, hasValue := sample["value"]
	unit, _ := sample["unit"].(string)
	if !hasValue || rawValue == nil || unit == "" {
		return Normalized{}, fmt.Sprintf("Failed to normalize %s sample: missing value or unit", v.Label())
	}

	// No fallback to the clock: the observation ID hashes observedAt.
	rawTime, ok := v.EventTime(sample)
	if !ok {
		return Normalized{}, errMissingTime
	}
	observedAt, err := ParseTime(rawTime)
	if err != nil || observedAt.After(now.Add(n.tolerance)) {
		return Normalized{}, fmt.Sprintf("Invalid observation date: %v", rawTime)
	}

	value, err := Coerce(metric, rawValue)
	if err == nil {
		value, err = ConvertUnit(metric, value, unit)
	}
	if err != nil {
		return Normalized{}, fmt.Sprintf("Failed to normalize %s sample: %v", v.Label(), err)
	}

	return Normalized{
		MetricCode: metric.Code,
		ObservedAt: observedAt.UTC(),
		Source:     model.SourceDevice,
		Value:      value,
		Unit:       metric.CanonicalUnit,
		RawPayload: sample,
	}, ""
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05 -0700",
	"2006-01-02",
}

// ParseTime accepts RFC 3339 strings (zone optional, UTC assumed) and
// epoch milliseconds.
func ParseTime(raw any) (time.Time, error) {
	switch v := raw.(type) {
	case time.Time:
		return v, nil
	case string:
		s := strings.TrimSpace(v)
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t, nil
			}
		}
		return time.Time{}, fmt.Errorf("unparsable time %q", v)
	default:
		if ms, ok := toFloat(raw); ok {
			return time.UnixMilli(int64(ms)).UTC(), nil
		}
		return time.Time{}, fmt.Errorf("unsupported time value %v", raw)
	}
}
