// Package observation turns normalized samples into content-addressed
// observations and the stream skeletons they belong to.
package observation

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nicktill/tinyvitals/pkg/model"
	"github.com/nicktill/tinyvitals/pkg/normalize"
)

// HashLength is the number of hex characters kept from the SHA-256 digest (64 bits).
const HashLength = 16

// Identity is who an ingestion call is acting for.
type Identity struct {
	UserID         string
	DeviceID       string
	ManufacturerID string
}

// observationKey is the canonical form hashed into an observation ID.
// Field order is part of the format.
type observationKey struct {
	UserID     string                 `json:"userId"`
	MetricCode string                 `json:"metricCode"`
	ObservedAt int64                  `json:"observedAt"`
	Value      model.ObservationValue `json:"value"`
}

type rawPayloadKey struct {
	ManufacturerID string         `json:"manufacturerId"`
	ReceivedAt     int64          `json:"receivedAt"`
	Payload        map[string]any `json:"payload"`
}

// Hash returns the observation ID for (user, metric, observedAt to the second, value).
func Hash(userID, metricCode string, observedAt time.Time, value model.ObservationValue) (string, error) {
	return digest(observationKey{
		UserID:     userID,
		MetricCode: metricCode,
		ObservedAt: observedAt.Unix(),
		Value:      value,
	})
}

// RawPayloadHash returns the provenance record ID for one sample body in one batch.
func RawPayloadHash(manufacturerID string, receivedAt time.Time, payload map[string]any) (string, error) {
	return digest(rawPayloadKey{
		ManufacturerID: manufacturerID,
		ReceivedAt:     receivedAt.Unix(),
		Payload:        payload,
	})
}

func digest(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode hash input: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])[:HashLength], nil
}

// InferStreamType maps a metric code to its expected cadence.
func InferStreamType(metricCode string) model.StreamType {
	switch metricCode {
	case "glucose", "heart_rate":
		return model.StreamContinuous
	case "steps", "calories":
		return model.StreamPeriodic
	case "sleep_duration", "weight":
		return model.StreamDailySummary
	default:
		return model.StreamOnDemand
	}
}

// NewStream returns the skeleton used when a stream is seen for the first time.
func NewStream(id Identity, metricCode string, createdAt time.Time) model.Stream {
	return model.Stream{
		ID:             model.StreamID(id.UserID, id.DeviceID, metricCode),
		UserID:         id.UserID,
		DeviceID:       id.DeviceID,
		ManufacturerID: id.ManufacturerID,
		MetricCode:     metricCode,
		Type:           InferStreamType(metricCode),
		Status:         model.StreamActive,
		CreatedAt:      createdAt,
	}
}

// Build derives the observation and its stream skeleton.
func Build(id Identity, n normalize.Normalized, receivedAt time.Time) (model.Observation, model.Stream, error) {
	hash, err := Hash(id.UserID, n.MetricCode, n.ObservedAt, n.Value)
	if err != nil {
		return model.Observation{}, model.Stream{}, err
	}

	stream := NewStream(id, n.MetricCode, receivedAt)
	obs := model.Observation{
		ID:             hash,
		UserID:         id.UserID,
		DeviceID:       id.DeviceID,
		ManufacturerID: id.ManufacturerID,
		StreamID:       stream.ID,
		MetricCode:     n.MetricCode,
		ObservedAt:     n.ObservedAt,
		ReceivedAt:     receivedAt,
		Value:          n.Value,
		Unit:           n.Unit,
		Source:         n.Source,
	}
	return obs, stream, nil
}
