// Package client is a Go client for the tinyvitals HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nicktill/tinyvitals/pkg/ingest"
	"github.com/nicktill/tinyvitals/pkg/normalize"
	"github.com/nicktill/tinyvitals/pkg/query"
)

// DefaultTimeout bounds each HTTP request.
const DefaultTimeout = 10 * time.Second

// Config holds client configuration.
type Config struct {
	// Endpoint is the server base URL, e.g. http://localhost:8080.
	Endpoint string
	// APIKey is sent as a bearer token when set.
	APIKey  string
	Timeout time.Duration
	// HTTPClient overrides the default client (Timeout is then ignored).
	HTTPClient *http.Client
}

// Client talks to one tinyvitals server.
type Client struct {
	base   *url.URL
	apiKey string
	http   *http.Client
}

// New creates a client for cfg.Endpoint.
func New(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://localhost:8080"
	}
	base, err := url.Parse(strings.TrimRight(cfg.Endpoint, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid endpoint %q: scheme must be http or https", cfg.Endpoint)
	}

	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = DefaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{base: base, apiKey: cfg.APIKey, http: hc}, nil
}

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
	// Errors holds the ingestion error list when the server sent one.
	Errors []string
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" && len(e.Errors) > 0 {
		msg = strings.Join(e.Errors, "; ")
	}
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("request failed with status %d: %s", e.StatusCode, msg)
}

type ingestBody struct {
	UserID         string             `json:"userId"`
	DeviceID       string             `json:"deviceId"`
	ManufacturerID string             `json:"manufacturerId"`
	PayloadFormat  string             `json:"payloadFormat"`
	Payload        []normalize.Sample `json:"payload"`
}

// Ingest posts one batch of vendor samples. A batch the server could not
// ingest at all is returned as an *APIError.
func (c *Client) Ingest(ctx context.Context, req ingest.Request) (*ingest.Result, error) {
	body, err := json.Marshal(ingestBody{
		UserID:         req.UserID,
		DeviceID:       req.DeviceID,
		ManufacturerID: req.ManufacturerID,
		PayloadFormat:  req.PayloadFormat,
		Payload:        req.Payload,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ingest request: %w", err)
	}

	var res ingest.Result
	if err := c.do(ctx, http.MethodPost, "/v1/ingest", nil, body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Trend fetches the trend of one stream.
func (c *Client) Trend(ctx context.Context, q query.TrendQuery) (*query.TrendResult, error) {
	params := url.Values{}
	params.Set("userId", q.UserID)
	params.Set("startDate", q.StartDate.UTC().Format(time.RFC3339Nano))
	params.Set("endDate", q.EndDate.UTC().Format(time.RFC3339Nano))
	if q.Period != "" {
		params.Set("period", string(q.Period))
	}
	if q.RollingWindowDays > 0 {
		params.Set("rollingWindowDays", strconv.Itoa(q.RollingWindowDays))
	}

	var res query.TrendResult
	if err := c.do(ctx, http.MethodGet, "/v1/streams/"+url.PathEscape(q.StreamID)+"/trend", params, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// History fetches a user's observations of one metric, newest first.
func (c *Client) History(ctx context.Context, q query.HistoryQuery) (*query.HistoryResult, error) {
	params := url.Values{}
	if !q.StartDate.IsZero() {
		params.Set("startDate", q.StartDate.UTC().Format(time.RFC3339Nano))
	}
	if !q.EndDate.IsZero() {
		params.Set("endDate", q.EndDate.UTC().Format(time.RFC3339Nano))
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}

	path := "/v1/users/" + url.PathEscape(q.UserID) + "/metrics/" + url.PathEscape(q.MetricCode) + "/history"
	var res query.HistoryResult
	if err := c.do(ctx, http.MethodGet, path, params, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Recent fetches summaries of the user's most recently observed streams.
func (c *Client) Recent(ctx context.Context, userID string, limit int) (*query.RecentResult, error) {
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	var res query.RecentResult
	if err := c.do(ctx, http.MethodGet, "/v1/users/"+url.PathEscape(userID)+"/recent", params, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, body []byte, out any) error {
	u := *c.base
	u.Path += path
	u.RawQuery = params.Encode()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp.StatusCode, data)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// decodeAPIError understands both the generic error body and the ingestion
// result body.
func decodeAPIError(status int, data []byte) error {
	apiErr := &APIError{StatusCode: status}
	var body struct {
		Message string   `json:"message"`
		Errors  []string `json:"errors"`
	}
	if json.Unmarshal(data, &body) == nil {
		apiErr.Message = body.Message
		apiErr.Errors = body.Errors
	}
	return apiErr
}
