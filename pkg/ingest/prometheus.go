package ingest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/nicktill/tinyvitals/pkg/config"
)

// family is one Prometheus metric family.
type family struct {
	name    string
	help    string
	typ     string
	samples []sample
}

type sample struct {
	labels map[string]string
	value  float64
}

// HandlePrometheusMetrics exports pipeline counters and storage gauges in
// Prometheus text format.
//
// Format: https://prometheus.io/docs/instrumenting/exposition_formats/
func (h *Handler) HandlePrometheusMetrics(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), config.IngestStatsTimeout)
	defer cancel()

	families := counterFamilies(h.coordinator.Stats().Snapshot())

	if h.storage != nil {
		stats, err := h.storage.Stats(ctx)
		if err != nil {
			// Counters are still useful without storage gauges
			h.logger.Warn("storage stats unavailable for /metrics", zap.Error(err))
		} else {
			families = append(families,
				gauge("tinyvitals_store_devices", "Devices in the store", float64(stats.Devices)),
				gauge("tinyvitals_store_streams", "Streams in the store", float64(stats.Streams)),
				gauge("tinyvitals_store_observations", "Observations in the store", float64(stats.Observations)),
				gauge("tinyvitals_store_raw_payloads", "Raw payload records in the store", float64(stats.RawPayloads)),
				gauge("tinyvitals_store_rollups", "Daily rollups in the store", float64(stats.Rollups)),
				gauge("tinyvitals_store_size_bytes", "On-disk size of the store", float64(stats.SizeBytes)),
			)
		}
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	writeFamilies(w, families)
}

func counterFamilies(s StatsSnapshot) []family {
	bySource := family{
		name: "tinyvitals_ingested_observations_by_source_total",
		help: "New observations accepted per manufacturer and metric",
		typ:  "counter",
	}
	for _, src := range s.BySource {
		bySource.samples = append(bySource.samples, sample{
			labels: map[string]string{"manufacturer": src.Manufacturer, "metric": src.Metric},
			value:  float64(src.Ingested),
		})
	}

	return []family{
		counter("tinyvitals_ingest_requests_total", "Ingestion requests received", s.Requests),
		counter("tinyvitals_ingest_rejected_total", "Ingestion requests rejected before any write", s.Rejected),
		counter("tinyvitals_ingested_observations_total", "New observations accepted", s.Ingested),
		counter("tinyvitals_duplicate_observations_total", "Observations rejected as duplicates", s.Duplicates),
		counter("tinyvitals_normalization_errors_total", "Samples that failed normalization", s.NormalizationErrors),
		counter("tinyvitals_store_failures_total", "Store writes that failed after retries", s.StoreFailures),
		bySource,
	}
}

func counter(name, help string, v int64) family {
	return family{name: name, help: help, typ: "counter", samples: []sample{{value: float64(v)}}}
}

func gauge(name, help string, v float64) family {
	return family{name: name, help: help, typ: "gauge", samples: []sample{{value: v}}}
}

func writeFamilies(w io.Writer, families []family) {
	for _, f := range families {
		fmt.Fprintf(w, "# HELP %s %s\n", f.name, f.help)
		fmt.Fprintf(w, "# TYPE %s %s\n", f.name, f.typ)
		for _, s := range f.samples {
			fmt.Fprintf(w, "%s%s %v\n", f.name, formatPrometheusLabels(s.labels), s.value)
		}
		fmt.Fprintf(w, "\n")
	}
}

// formatPrometheusLabels formats labels in Prometheus format: {key="value",key2="value2"}
func formatPrometheusLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}

	// Sort keys for deterministic output
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, fmt.Sprintf(`%s="%s"`, k, escapePrometheusValue(labels[k])))
	}
	return "{" + strings.Join(pairs, ",") + "}"
}

// escapePrometheusValue escapes backslash, double-quote and line feed in label values
func escapePrometheusValue(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	return s
}
