package ingest

import (
	"errors"
	"fmt"

	"github.com/nicktill/tinyvitals/pkg/apperr"
	"github.com/nicktill/tinyvitals/pkg/config"
)

// Request validation limits
const (
	MaxSamplesPerRequest = config.IngestMaxSamples   // Maximum payload elements in a single ingest request
	MaxBodyBytes         = config.IngestMaxBodyBytes // Maximum request body size
	MaxIDLength          = config.IngestMaxIDLength  // Maximum length of any identifier field
)

var (
	// ErrTooManySamples is returned when an ingest request carries too many payload elements
	ErrTooManySamples = apperr.Validationf("too many samples in request (max %d)", MaxSamplesPerRequest)

	// ErrBodyTooLarge is returned when the request body exceeds MaxBodyBytes
	ErrBodyTooLarge = apperr.Validationf("request body too large (max %d bytes)", MaxBodyBytes)

	// ErrIDTooLong is returned when an identifier exceeds MaxIDLength
	ErrIDTooLong = apperr.Validationf("identifier too long (max %d chars)", MaxIDLength)

	// ErrEmptyPayload is returned when the payload carries no samples
	ErrEmptyPayload = apperr.Validationf("payload cannot be empty")

	// ErrStorageFull is returned when disk usage has reached the configured limit
	ErrStorageFull = errors.New("storage limit reached")
)

// ValidateRequest checks identifier fields and payload size before any store access.
func ValidateRequest(req Request) error {
	fields := []struct {
		name  string
		value string
	}{
		{"userId", req.UserID},
		{"deviceId", req.DeviceID},
		{"manufacturerId", req.ManufacturerID},
		{"payloadFormat", req.PayloadFormat},
	}
	for _, f := range fields {
		if f.value == "" {
			return apperr.Validationf("%s is required", f.name)
		}
		if len(f.value) > MaxIDLength {
			return fmt.Errorf("%w: %s has %d chars", ErrIDTooLong, f.name, len(f.value))
		}
	}

	if len(req.Payload) == 0 {
		return ErrEmptyPayload
	}
	if len(req.Payload) > MaxSamplesPerRequest {
		return fmt.Errorf("%w: got %d", ErrTooManySamples, len(req.Payload))
	}
	return nil
}
