/*
Package model defines the canonical records of the TinyVitals pipeline.

Reference data (Metric, Manufacturer, MetricMapping, Device) is seeded at
startup and read-only at runtime. Time-series data (Stream, Observation,
RawPayload, DailyRollup) is produced by ingestion:

	vendor sample -> Observation -> Stream summary
	                            \-> DailyRollup (stream, UTC day)

Identifiers are deterministic so repeated ingestion of the same fact lands on
the same record:

	MetricMappingID = manufacturer_format_externalCode
	StreamID        = user_device_metric
	DailyRollup.ID  = streamId_YYYY-MM-DD
*/
package model
