package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/nicktill/tinyvitals/pkg/model"
)

// Units with built-in conversions.
const (
	UnitMgDL      = "mg/dL"
	UnitMmolL     = "mmol/L"
	UnitBPM       = "bpm"
	UnitCountMin  = "count/min"
	UnitSeconds   = "s"
	UnitMinutes   = "min"
	UnitHours     = "h"
	GlucoseFactor = 18.0
)

var (
	errCompositeConversion = errors.New("cannot convert composite metric to canonical unit")
	errNoConversion        = errors.New("unable to find proper conversion")
)

// secondsPer is the duration conversion table.
var secondsPer = map[string]float64{
	UnitSeconds: 1,
	UnitMinutes: 60,
	UnitHours:   3600,
}

type shape int

const (
	shapeNumeric shape = iota
	shapeCount
	shapeDuration
)

// shapeFor picks the value slot a raw number lands in, by metric code.
func shapeFor(metricCode string) shape {
	switch metricCode {
	case "steps":
		return shapeCount
	case "sleep_duration":
		return shapeDuration
	default:
		return shapeNumeric
	}
}

// Coerce turns a raw sample value into the value shape of metric.DataType.
func Coerce(metric model.Metric, raw any) (model.ObservationValue, error) {
	if obj, ok := raw.(map[string]any); ok {
		if metric.DataType != model.DataTypeComposite {
			return model.ObservationValue{}, fmt.Errorf("expected %s value, got object", metric.DataType)
		}
		composite := make(map[string]float64, len(obj))
		for k, v := range obj {
			f, ok := toFloat(v)
			if !ok {
				return model.ObservationValue{}, fmt.Errorf("composite component %q is not numeric", k)
			}
			composite[k] = f
		}
		return model.ObservationValue{Composite: composite}, nil
	}

	v, ok := toFloat(raw)
	if !ok {
		return model.ObservationValue{}, fmt.Errorf("expected %s value", metric.DataType)
	}

	sh := shapeFor(metric.Code)
	switch metric.DataType {
	case model.DataTypeNumeric:
		if sh != shapeNumeric {
			return model.ObservationValue{}, errors.New("expected numeric value")
		}
		return model.NumericValue(v), nil
	case model.DataTypeCount:
		if sh == shapeDuration {
			return model.ObservationValue{}, errors.New("expected count value")
		}
		return model.CountValue(int64(math.Trunc(v))), nil
	case model.DataTypeDuration:
		if sh == shapeCount {
			return model.ObservationValue{}, errors.New("expected duration value")
		}
		return model.DurationValue(v), nil
	case model.DataTypeComposite:
		return model.ObservationValue{}, errors.New("expected composite value")
	default:
		return model.ObservationValue{}, fmt.Errorf("unhandled data type %q", metric.DataType)
	}
}

// ConvertUnit converts value from fromUnit into metric's canonical unit.
func ConvertUnit(metric model.Metric, value model.ObservationValue, fromUnit string) (model.ObservationValue, error) {
	to := metric.CanonicalUnit
	if fromUnit == to {
		return value, nil
	}
	if metric.DataType == model.DataTypeComposite {
		return model.ObservationValue{}, errCompositeConversion
	}

	if metric.Code == "glucose" {
		n, ok := firstOf(value.Numeric, countAsFloat(value.Count))
		if !ok {
			return model.ObservationValue{}, errors.New("glucose conversion requires a numeric value")
		}
		switch {
		case fromUnit == UnitMgDL && to == UnitMmolL:
			return model.NumericValue(n / GlucoseFactor), nil
		case fromUnit == UnitMmolL && to == UnitMgDL:
			return model.NumericValue(n * GlucoseFactor), nil
		}
	}

	if metric.DataType == model.DataTypeDuration {
		d, ok := firstOf(value.Duration, value.Numeric)
		if !ok {
			return model.ObservationValue{}, errors.New("duration conversion requires a value")
		}
		fromF, fromOK := secondsPer[fromUnit]
		toF, toOK := secondsPer[to]
		if fromOK && toOK {
			return model.DurationValue(d * fromF / toF), nil
		}
	}

	if (fromUnit == UnitCountMin && to == UnitBPM) || (fromUnit == UnitBPM && to == UnitCountMin) {
		n, ok := firstOf(value.Numeric, countAsFloat(value.Count))
		if !ok {
			return model.ObservationValue{}, errors.New("rate conversion requires a numeric value")
		}
		return model.NumericValue(n), nil
	}

	return model.ObservationValue{}, fmt.Errorf("%w from %q to %q", errNoConversion, fromUnit, to)
}

func firstOf(vals ...*float64) (float64, bool) {
	for _, v := range vals {
		if v != nil {
			return *v, true
		}
	}
	return 0, false
}

func countAsFloat(c *int64) *float64 {
	if c == nil {
		return nil
	}
	f := float64(*c)
	return &f
}

func toFloat(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case int32:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
