package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestHandler(t *testing.T) (*Handler, *fixture) {
	f := newFixture(t)
	return NewHandler(f.coord, f.store, zap.NewNop()), f
}

func postIngest(t *testing.T, h *Handler, body string) (*httptest.ResponseRecorder, Result) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/ingest", strings.NewReader(body))
	rr := httptest.NewRecorder()
	h.HandleIngest(rr, req)

	var res Result
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res), rr.Body.String())
	return rr, res
}

func TestHandleIngest_SingleObject(t *testing.T) {
	h, f := newTestHandler(t)

	rr, res := postIngest(t, h, `{
		"userId": "user-1", "deviceId": "cgm-1", "manufacturerId": "dexcom", "payloadFormat": "egv",
		"payload": {"recordType": "egv", "systemTime": "2026-01-30T00:00:00Z", "value": 105, "unit": "mg/dL"}
	}`)

	require.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, Result{Success: true, Ingested: 1}, res)

	r, err := f.store.GetRollup(context.Background(), glucoseID, "2026-01-30")
	require.NoError(t, err)
	assert.Equal(t, 105.0, r.Sum)
}

func TestHandleIngest_Array(t *testing.T) {
	h, _ := newTestHandler(t)

	body := `{
		"userId": "user-1", "deviceId": "watch-1", "manufacturerId": "apple_health", "payloadFormat": "healthkit_v1",
		"payload": [
			{"type": "HKQuantityTypeIdentifierHeartRate", "startDate": "2026-01-30T08:00:00Z", "value": 61, "unit": "count/min"},
			{"type": "HKQuantityTypeIdentifierHeartRate", "startDate": "2026-01-30T08:01:00Z", "value": 64, "unit": "count/min"}
		]
	}`
	rr, res := postIngest(t, h, body)
	require.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, 2, res.Ingested)

	rr, res = postIngest(t, h, body)
	require.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, 0, res.Ingested)
	assert.Equal(t, 2, res.Duplicates)
}

func TestHandleIngest_Errors(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		status  int
		message string
	}{
		{
			name:    "invalid json",
			body:    `{"userId":`,
			status:  http.StatusBadRequest,
			message: "Invalid JSON",
		},
		{
			name:    "scalar payload",
			body:    `{"userId": "user-1", "deviceId": "cgm-1", "manufacturerId": "dexcom", "payloadFormat": "egv", "payload": 5}`,
			status:  http.StatusBadRequest,
			message: "payload must be an object",
		},
		{
			name:    "unknown device",
			body:    `{"userId": "user-1", "deviceId": "x", "manufacturerId": "dexcom", "payloadFormat": "egv", "payload": {"recordType": "egv"}}`,
			status:  http.StatusNotFound,
			message: MsgDeviceNotFound,
		},
		{
			name:    "wrong user",
			body:    `{"userId": "user-9", "deviceId": "cgm-1", "manufacturerId": "dexcom", "payloadFormat": "egv", "payload": {"recordType": "egv"}}`,
			status:  http.StatusBadRequest,
			message: MsgDeviceNotAssigned,
		},
		{
			name:    "nothing normalizes",
			body:    `{"userId": "user-1", "deviceId": "cgm-1", "manufacturerId": "dexcom", "payloadFormat": "egv", "payload": {"recordType": "egv", "systemTime": "2026-01-30T00:00:00Z"}}`,
			status:  http.StatusUnprocessableEntity,
			message: "missing value or unit",
		},
		{
			name:    "unknown type code",
			body:    `{"userId": "user-1", "deviceId": "cgm-1", "manufacturerId": "dexcom", "payloadFormat": "egv", "payload": {"value": 1}}`,
			status:  http.StatusUnprocessableEntity,
			message: MsgUnknownPayloadType,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, f := newTestHandler(t)
			rr, res := postIngest(t, h, tt.body)

			require.Equal(t, tt.status, rr.Code)
			assert.False(t, res.Success)
			require.NotEmpty(t, res.Errors)
			assert.Contains(t, res.Errors[0], tt.message)
			assertNoWrites(t, f.store)
		})
	}
}

func TestHandleIngest_TooManySamples(t *testing.T) {
	h, _ := newTestHandler(t)

	samples := make([]map[string]any, MaxSamplesPerRequest+1)
	for i := range samples {
		samples[i] = map[string]any{"recordType": "egv"}
	}
	body, err := json.Marshal(map[string]any{
		"userId": "user-1", "deviceId": "cgm-1", "manufacturerId": "dexcom", "payloadFormat": "egv",
		"payload": samples,
	})
	require.NoError(t, err)

	rr, res := postIngest(t, h, string(body))
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, res.Errors[0], "too many samples")
}

func TestHandleIngest_BodyTooLarge(t *testing.T) {
	h, _ := newTestHandler(t)

	big := bytes.Repeat([]byte("a"), MaxBodyBytes)
	body := `{"userId": "` + string(big) + `"}`

	rr, res := postIngest(t, h, body)
	require.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
	assert.Contains(t, res.Errors[0], "too large")
}

func TestHandleIngest_LongIdentifier(t *testing.T) {
	h, _ := newTestHandler(t)

	long := strings.Repeat("d", MaxIDLength+1)
	rr, res := postIngest(t, h, `{"userId": "user-1", "deviceId": "`+long+`", "manufacturerId": "dexcom", "payloadFormat": "egv", "payload": {}}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, res.Errors[0], "identifier too long")
}

type fixedUsage struct{ used, limit int64 }

func (u fixedUsage) GetUsage() (int64, error) { return u.used, nil }
func (u fixedUsage) GetLimit() int64          { return u.limit }

func TestHandleIngest_StorageFull(t *testing.T) {
	h, f := newTestHandler(t)
	h.SetStorageChecker(fixedUsage{used: 2048, limit: 1024})

	rr, res := postIngest(t, h, `{
		"userId": "user-1", "deviceId": "cgm-1", "manufacturerId": "dexcom", "payloadFormat": "egv",
		"payload": {"recordType": "egv", "systemTime": "2026-01-30T00:00:00Z", "value": 105, "unit": "mg/dL"}
	}`)

	require.Equal(t, http.StatusInsufficientStorage, rr.Code)
	assert.False(t, res.Success)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "storage limit reached")

	_, err := f.store.GetRollup(context.Background(), glucoseID, "2026-01-30")
	assert.Error(t, err)
}
