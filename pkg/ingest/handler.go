package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/nicktill/tinyvitals/pkg/apperr"
	"github.com/nicktill/tinyvitals/pkg/config"
	"github.com/nicktill/tinyvitals/pkg/httpx"
	"github.com/nicktill/tinyvitals/pkg/logging"
	"github.com/nicktill/tinyvitals/pkg/normalize"
	"github.com/nicktill/tinyvitals/pkg/storage"
)

// StatsSource reports storage usage for the /metrics endpoint.
type StatsSource interface {
	Stats(ctx context.Context) (*storage.Stats, error)
}

// StorageChecker reports disk usage against the configured limit.
type StorageChecker interface {
	GetUsage() (int64, error)
	GetLimit() int64
}

// Handler serves the ingestion endpoints.
type Handler struct {
	coordinator    *Coordinator
	storage        StatsSource
	storageChecker StorageChecker
	logger         *zap.Logger
}

// NewHandler creates a new ingest handler
func NewHandler(coordinator *Coordinator, store StatsSource, logger *zap.Logger) *Handler {
	return &Handler{
		coordinator: coordinator,
		storage:     store,
		logger:      logger,
	}
}

// SetStorageChecker rejects ingestion once disk usage reaches the limit.
func (h *Handler) SetStorageChecker(c StorageChecker) {
	h.storageChecker = c
}

// IngestRequest is the JSON body of POST /v1/ingest. Payload is one sample
// object or an array of them.
type IngestRequest struct {
	UserID         string          `json:"userId"`
	DeviceID       string          `json:"deviceId"`
	ManufacturerID string          `json:"manufacturerId"`
	PayloadFormat  string          `json:"payloadFormat"`
	Payload        json.RawMessage `json:"payload"`
}

// HandleIngest handles the /v1/ingest endpoint
func (h *Handler) HandleIngest(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), config.IngestTimeout)
	defer cancel()
	logger := logging.FromContext(ctx, h.logger)

	if h.storageChecker != nil {
		if used, err := h.storageChecker.GetUsage(); err != nil {
			logger.Warn("storage usage check failed", zap.Error(err))
		} else if limit := h.storageChecker.GetLimit(); limit > 0 && used >= limit {
			h.coordinator.stats.rejected.Add(1)
			h.reject(w, http.StatusInsufficientStorage, fmt.Sprintf("%s: %d of %d bytes used", ErrStorageFull, used, limit))
			return
		}
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	var body IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.coordinator.stats.rejected.Add(1)
			h.reject(w, http.StatusRequestEntityTooLarge, ErrBodyTooLarge.Error())
			return
		}
		h.coordinator.stats.rejected.Add(1)
		h.reject(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
		return
	}

	payload, err := decodePayload(body.Payload)
	if err != nil {
		h.coordinator.stats.rejected.Add(1)
		h.reject(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.coordinator.Ingest(ctx, Request{
		UserID:         body.UserID,
		DeviceID:       body.DeviceID,
		ManufacturerID: body.ManufacturerID,
		PayloadFormat:  body.PayloadFormat,
		Payload:        payload,
	})
	if err != nil {
		kind := apperr.KindOf(err)
		if kind == apperr.KindValidation || kind == apperr.KindNotFound {
			logger.Info("ingest rejected", zap.Error(err))
			h.reject(w, httpx.StatusFor(kind), err.Error())
			return
		}
		httpx.RespondAppError(w, err)
		return
	}
	if !res.Success {
		httpx.RespondJSON(w, http.StatusUnprocessableEntity, res)
		return
	}
	httpx.RespondJSON(w, http.StatusCreated, res)
}

func (h *Handler) reject(w http.ResponseWriter, status int, msg string) {
	httpx.RespondJSON(w, status, Result{Success: false, Errors: []string{msg}})
}

// decodePayload accepts a single sample object or an array of them.
// Numbers are kept as json.Number so hashing sees the sender's literal.
func decodePayload(raw json.RawMessage) ([]normalize.Sample, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, apperr.Validationf("payload is required")
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	switch raw[0] {
	case '{':
		var sample normalize.Sample
		if err := dec.Decode(&sample); err != nil {
			return nil, apperr.Validationf("invalid payload: %v", err)
		}
		return []normalize.Sample{sample}, nil
	case '[':
		var samples []normalize.Sample
		if err := dec.Decode(&samples); err != nil {
			return nil, apperr.Validationf("invalid payload: %v", err)
		}
		return samples, nil
	default:
		return nil, apperr.Validationf("payload must be an object or an array of objects")
	}
}
