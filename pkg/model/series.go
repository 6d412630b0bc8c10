package model

import "time"

// SourceDevice marks observations reported by a device (as opposed to manual entry).
const SourceDevice = "device"

// StreamType describes how often a stream is expected to produce data.
type StreamType string

const (
	StreamContinuous   StreamType = "continuous"
	StreamPeriodic     StreamType = "periodic"
	StreamDailySummary StreamType = "daily_summary"
	StreamOnDemand     StreamType = "on_demand"
)

// StreamStatus is the lifecycle state of a stream.
type StreamStatus string

const (
	StreamActive StreamStatus = "active"
	StreamClosed StreamStatus = "closed"
)

// Stream is the logical time series for one (user, device, metric).
type Stream struct {
	ID                string       `json:"id"`
	UserID            string       `json:"userId"`
	DeviceID          string       `json:"deviceId"`
	ManufacturerID    string       `json:"manufacturerId"`
	MetricCode        string       `json:"metricCode"`
	Type              StreamType   `json:"type"`
	Status            StreamStatus `json:"status"`
	ObservationCount  int64        `json:"observationCount"`
	LastObservationAt time.Time    `json:"lastObservationAt"`
	CreatedAt         time.Time    `json:"createdAt"`
}

// StreamID builds the deterministic stream key.
func StreamID(userID, deviceID, metricCode string) string {
	return userID + "_" + deviceID + "_" + metricCode
}

// ObservationValue holds exactly one of the value shapes.
type ObservationValue struct {
	Numeric   *float64           `json:"numeric,omitempty"`
	Count     *int64             `json:"count,omitempty"`
	Duration  *float64           `json:"duration,omitempty"`
	Composite map[string]float64 `json:"composite,omitempty"`
}

func NumericValue(v float64) ObservationValue  { return ObservationValue{Numeric: &v} }
func CountValue(v int64) ObservationValue      { return ObservationValue{Count: &v} }
func DurationValue(v float64) ObservationValue { return ObservationValue{Duration: &v} }

// NumericEquivalent returns the value used for sums and averages:
// numeric, else count, else duration. Composite values have none.
func (v ObservationValue) NumericEquivalent() (float64, bool) {
	switch {
	case v.Numeric != nil:
		return *v.Numeric, true
	case v.Count != nil:
		return float64(*v.Count), true
	case v.Duration != nil:
		return *v.Duration, true
	}
	return 0, false
}

// Observation is one normalized measurement. Immutable once stored.
type Observation struct {
	ID             string           `json:"id"`
	UserID         string           `json:"userId"`
	DeviceID       string           `json:"deviceId"`
	ManufacturerID string           `json:"manufacturerId"`
	StreamID       string           `json:"streamId"`
	MetricCode     string           `json:"metricCode"`
	ObservedAt     time.Time        `json:"observedAt"`
	ReceivedAt     time.Time        `json:"receivedAt"`
	Value          ObservationValue `json:"value"`
	Unit           string           `json:"unit"`
	Source         string           `json:"source"`
	RawPayloadID   string           `json:"rawPayloadId,omitempty"`
}

// RawPayload records which observations were derived from one vendor sample body.
type RawPayload struct {
	ID                    string         `json:"id"`
	UserID                string         `json:"userId"`
	DeviceID              string         `json:"deviceId"`
	ManufacturerID        string         `json:"manufacturerId"`
	PayloadFormat         string         `json:"payloadFormat"`
	ReceivedAt            time.Time      `json:"receivedAt"`
	Payload               map[string]any `json:"payload"`
	DerivedObservationIDs []string       `json:"derivedObservationIds"`
}

// DailyRollup aggregates one stream over one UTC calendar day.
// Count and Sum only grow.
type DailyRollup struct {
	ID              string     `json:"id"`
	StreamID        string     `json:"streamId"`
	UserID          string     `json:"userId"`
	DeviceID        string     `json:"deviceId"`
	MetricCode      string     `json:"metricCode"`
	Day             string     `json:"day"`
	DataType        DataType   `json:"dataType"`
	Unit            string     `json:"unit"`
	Count           int64      `json:"count"`
	Sum             float64    `json:"sum"`
	Min             *float64   `json:"min,omitempty"`
	Max             *float64   `json:"max,omitempty"`
	Latest          *float64   `json:"latest,omitempty"`
	LatestAt        *time.Time `json:"latestAt,omitempty"`
	FirstObservedAt time.Time  `json:"firstObservedAt"`
	LastObservedAt  time.Time  `json:"lastObservedAt"`
	LastReceivedAt  time.Time  `json:"lastReceivedAt"`
}

// RollupID builds the deterministic rollup key.
func RollupID(streamID, day string) string {
	return streamID + "_" + day
}
