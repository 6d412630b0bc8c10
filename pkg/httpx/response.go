package httpx

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/nicktill/tinyvitals/pkg/apperr"
)

// RespondJSON writes a JSON response with the given status code and data.
func RespondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		zap.L().Warn("failed to encode JSON response", zap.Error(err))
	}
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// RespondError writes an error response with the given status code and error message.
func RespondError(w http.ResponseWriter, status int, err error) {
	RespondErrorString(w, status, err.Error())
}

// RespondErrorString writes an error response with the given status code and error message string.
func RespondErrorString(w http.ResponseWriter, status int, message string) {
	response := ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
	}
	RespondJSON(w, status, response)
}

// StatusFor maps an error kind to the HTTP status returned to clients.
func StatusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation, apperr.KindNormalization:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// RespondAppError writes err with the status of its kind. Defects and
// unclassified errors are logged and reported without internal detail.
func RespondAppError(w http.ResponseWriter, err error) {
	status := StatusFor(apperr.KindOf(err))
	if status >= http.StatusInternalServerError {
		zap.L().Error("request failed", zap.Error(err), zap.Stringer("kind", apperr.KindOf(err)))
		if status == http.StatusInternalServerError {
			RespondErrorString(w, status, "internal error")
			return
		}
	}
	RespondError(w, status, err)
}
