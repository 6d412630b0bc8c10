// Package catalog seeds the read-only reference data ingestion validates
// against: metrics, manufacturers, metric mappings and pre-assigned devices.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/nicktill/tinyvitals/pkg/model"
	"github.com/nicktill/tinyvitals/pkg/normalize"
	"github.com/nicktill/tinyvitals/pkg/storage"
)

// Catalog is a set of reference records.
type Catalog struct {
	Metrics       []model.Metric        `json:"metrics"`
	Manufacturers []model.Manufacturer  `json:"manufacturers"`
	Mappings      []model.MetricMapping `json:"mappings"`
	Devices       []model.Device        `json:"devices"`
}

// Report counts what Seed created and what already existed.
type Report struct {
	Created int
	Skipped int
}

// Builtin returns the metrics, vendors and mappings the server always knows.
func Builtin() Catalog {
	dexcomFormats := []string{"egv", "dexcom-egv-samples", "egv_samples"}

	c := Catalog{
		Metrics: []model.Metric{
			{
				Code:          "glucose",
				DisplayName:   "Blood Glucose",
				DataType:      model.DataTypeNumeric,
				CanonicalUnit: normalize.UnitMgDL,
				ReferenceRanges: []model.ReferenceRange{
					{Label: "fasting", Min: 70, Max: 99},
					{Label: "postprandial", Min: 70, Max: 140},
				},
				AggregationMethods: []string{"average", "min", "max", "latest"},
			},
			{
				Code:          "heart_rate",
				DisplayName:   "Heart Rate",
				DataType:      model.DataTypeNumeric,
				CanonicalUnit: normalize.UnitBPM,
				ReferenceRanges: []model.ReferenceRange{
					{Label: "resting", Min: 60, Max: 100},
					{Label: "resting_athlete", Min: 50, Max: 85},
				},
				AggregationMethods: []string{"average", "min", "max", "latest"},
			},
			{
				Code:               "sleep_duration",
				DisplayName:        "Sleep Duration",
				DataType:           model.DataTypeDuration,
				CanonicalUnit:      normalize.UnitSeconds,
				AggregationMethods: []string{"sum", "average"},
			},
			{
				Code:               "steps",
				DisplayName:        "Steps",
				DataType:           model.DataTypeCount,
				CanonicalUnit:      "count",
				AggregationMethods: []string{"sum"},
			},
		},
		Manufacturers: []model.Manufacturer{
			{
				ID:                     "dexcom",
				Name:                   "Dexcom",
				Status:                 model.ManufacturerActive,
				AcceptedPayloadFormats: dexcomFormats,
				SupportedMetrics:       []string{"glucose"},
			},
			{
				ID:                     "apple_health",
				Name:                   "Apple Health",
				Status:                 model.ManufacturerActive,
				AcceptedPayloadFormats: []string{"healthkit_v1"},
				SupportedMetrics:       []string{"heart_rate", "sleep_duration", "steps"},
			},
		},
		Mappings: []model.MetricMapping{
			mapping("apple_health", "healthkit_v1", "HKQuantityTypeIdentifierHeartRate", "heart_rate", normalize.UnitCountMin),
			mapping("apple_health", "healthkit_v1", "HKCategoryTypeIdentifierSleepAnalysis", "sleep_duration", normalize.UnitMinutes),
			mapping("apple_health", "healthkit_v1", "HKQuantityTypeIdentifierStepCount", "steps", "count"),
		},
	}
	for _, f := range dexcomFormats {
		c.Mappings = append(c.Mappings, mapping("dexcom", f, "egv", "glucose", normalize.UnitMgDL))
	}
	return c
}

func mapping(manufacturer, format, code, metric, unit string) model.MetricMapping {
	return model.MetricMapping{
		ID:             model.MetricMappingID(manufacturer, format, code),
		ManufacturerID: manufacturer,
		PayloadFormat:  format,
		ExternalCode:   code,
		MetricCode:     metric,
		NativeUnit:     unit,
	}
}

// Load reads a catalog from a JSON file. Mapping IDs are derived when omitted.
func Load(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("failed to read catalog: %w", err)
	}

	var c Catalog
	if err := json.Unmarshal(data, &c); err != nil {
		return Catalog{}, fmt.Errorf("failed to parse catalog %s: %w", path, err)
	}
	for i, m := range c.Mappings {
		if m.ID == "" {
			c.Mappings[i].ID = model.MetricMappingID(m.ManufacturerID, m.PayloadFormat, m.ExternalCode)
		}
	}
	if err := c.Validate(); err != nil {
		return Catalog{}, fmt.Errorf("invalid catalog %s: %w", path, err)
	}
	return c, nil
}

// Merge returns c followed by other's records.
func (c Catalog) Merge(other Catalog) Catalog {
	return Catalog{
		Metrics:       append(append([]model.Metric(nil), c.Metrics...), other.Metrics...),
		Manufacturers: append(append([]model.Manufacturer(nil), c.Manufacturers...), other.Manufacturers...),
		Mappings:      append(append([]model.MetricMapping(nil), c.Mappings...), other.Mappings...),
		Devices:       append(append([]model.Device(nil), c.Devices...), other.Devices...),
	}
}

// Validate checks that every record has its key fields.
func (c Catalog) Validate() error {
	for _, m := range c.Metrics {
		if m.Code == "" || m.DataType == "" || m.CanonicalUnit == "" {
			return fmt.Errorf("metric %q needs code, dataType and canonicalUnit", m.Code)
		}
	}
	for _, m := range c.Manufacturers {
		if m.ID == "" {
			return errors.New("manufacturer without id")
		}
	}
	for _, m := range c.Mappings {
		if m.ManufacturerID == "" || m.PayloadFormat == "" || m.ExternalCode == "" || m.MetricCode == "" {
			return fmt.Errorf("mapping %q needs manufacturerId, payloadFormat, externalCode and metricCode", m.ID)
		}
	}
	for _, d := range c.Devices {
		if d.ID == "" || d.ManufacturerID == "" {
			return fmt.Errorf("device %q needs id and manufacturerId", d.ID)
		}
	}
	return nil
}

// Seed writes every record that does not exist yet. Existing records are
// never overwritten.
func Seed(ctx context.Context, store storage.ReferenceStore, c Catalog, logger *zap.Logger) (Report, error) {
	var r Report

	for _, m := range c.Metrics {
		if err := seedOne(ctx, &r,
			func() error { _, err := store.GetMetric(ctx, m.Code); return err },
			func() error { return store.PutMetric(ctx, m) }); err != nil {
			return r, fmt.Errorf("failed to seed metric %s: %w", m.Code, err)
		}
	}
	for _, m := range c.Manufacturers {
		if err := seedOne(ctx, &r,
			func() error { _, err := store.GetManufacturer(ctx, m.ID); return err },
			func() error { return store.PutManufacturer(ctx, m) }); err != nil {
			return r, fmt.Errorf("failed to seed manufacturer %s: %w", m.ID, err)
		}
	}
	for _, m := range c.Mappings {
		if err := seedOne(ctx, &r,
			func() error { _, err := store.GetMetricMapping(ctx, m.ID); return err },
			func() error { return store.PutMetricMapping(ctx, m) }); err != nil {
			return r, fmt.Errorf("failed to seed mapping %s: %w", m.ID, err)
		}
	}
	for _, d := range c.Devices {
		if err := seedOne(ctx, &r,
			func() error { _, err := store.GetDevice(ctx, d.ID); return err },
			func() error { return store.PutDevice(ctx, d) }); err != nil {
			return r, fmt.Errorf("failed to seed device %s: %w", d.ID, err)
		}
	}

	logger.Info("catalog seeded", zap.Int("created", r.Created), zap.Int("skipped", r.Skipped))
	return r, nil
}

func seedOne(ctx context.Context, r *Report, get, put func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := get()
	if err == nil {
		r.Skipped++
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if err := put(); err != nil {
		return err
	}
	r.Created++
	return nil
}
