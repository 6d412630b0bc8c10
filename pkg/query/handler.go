package query

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/nicktill/tinyvitals/pkg/apperr"
	"github.com/nicktill/tinyvitals/pkg/config"
	"github.com/nicktill/tinyvitals/pkg/httpx"
	"github.com/nicktill/tinyvitals/pkg/rollup"
)

// Handler serves read queries over HTTP.
type Handler struct {
	aggregator *Aggregator
	logger     *zap.Logger
}

// NewHandler creates a new query handler
func NewHandler(aggregator *Aggregator, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{aggregator: aggregator, logger: logger}
}

// HandleTrend handles GET /v1/streams/{streamId}/trend.
//
// Query parameters: userId, startDate, endDate (RFC 3339 or YYYY-MM-DD),
// period (hour|day|week|month, default day), rollingWindowDays.
func (h *Handler) HandleTrend(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()

	q := TrendQuery{
		UserID:   params.Get("userId"),
		StreamID: mux.Vars(r)["streamId"],
		Period:   Period(params.Get("period")),
	}
	var err error
	if q.StartDate, err = parseTimeParam(params, "startDate", true); err != nil {
		httpx.RespondAppError(w, err)
		return
	}
	if q.EndDate, err = parseTimeParam(params, "endDate", true); err != nil {
		httpx.RespondAppError(w, err)
		return
	}
	if q.RollingWindowDays, err = parseIntParam(params, "rollingWindowDays"); err != nil {
		httpx.RespondAppError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
	defer cancel()

	result, err := h.aggregator.Aggregate(ctx, q)
	if err != nil {
		httpx.RespondAppError(w, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, result)
}

// HandleHistory handles GET /v1/users/{userId}/metrics/{metricCode}/history.
func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	params := r.URL.Query()

	q := HistoryQuery{
		UserID:     vars["userId"],
		MetricCode: vars["metricCode"],
	}
	var err error
	if q.StartDate, err = parseTimeParam(params, "startDate", false); err != nil {
		httpx.RespondAppError(w, err)
		return
	}
	if q.EndDate, err = parseTimeParam(params, "endDate", false); err != nil {
		httpx.RespondAppError(w, err)
		return
	}
	if q.Limit, err = parseIntParam(params, "limit"); err != nil {
		httpx.RespondAppError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
	defer cancel()

	result, err := h.aggregator.History(ctx, q)
	if err != nil {
		httpx.RespondAppError(w, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, result)
}

// HandleRecent handles GET /v1/users/{userId}/recent.
func (h *Handler) HandleRecent(w http.ResponseWriter, r *http.Request) {
	limit, err := parseIntParam(r.URL.Query(), "limit")
	if err != nil {
		httpx.RespondAppError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
	defer cancel()

	result, err := h.aggregator.Recent(ctx, mux.Vars(r)["userId"], limit)
	if err != nil {
		httpx.RespondAppError(w, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, result)
}

// parseTimeParam accepts RFC 3339 timestamps or bare UTC dates.
func parseTimeParam(params url.Values, name string, required bool) (time.Time, error) {
	raw := params.Get(name)
	if raw == "" {
		if required {
			return time.Time{}, apperr.Validationf("%s is required", name)
		}
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(rollup.DayLayout, raw); err == nil {
		return t, nil
	}
	return time.Time{}, apperr.Validationf("invalid %s %q: expected RFC 3339 or YYYY-MM-DD", name, raw)
}

func parseIntParam(params url.Values, name string) (int, error) {
	raw := params.Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.Validationf("invalid %s %q: must be an integer", name, raw)
	}
	return n, nil
}
