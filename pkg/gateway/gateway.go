// Package gateway provides uniform request execution against the feed API
// with error normalization, credential attachment, and retry handling.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/walletpulse/feedsync/pkg/logging"
)

// Prometheus metrics for gateway operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedsync_requests_total",
		Help: "Total feed API requests by endpoint and status",
	}, []string{"endpoint", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "feedsync_request_duration_seconds",
		Help:    "Feed API request duration in seconds by endpoint",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10},
	}, []string{"endpoint"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedsync_errors_total",
		Help: "Total feed API errors by class",
	}, []string{"class"})
)

// Config holds the gateway configuration.
type Config struct {
	// BaseURL is the feed API base URL (e.g. "https://api.walletpulse.io").
	BaseURL string

	// AuthToken is attached as a bearer credential when present.
	AuthToken string

	// UserAgent header sent with every request.
	UserAgent string

	// HTTPClient allows injecting a custom client (tests). Defaults to a
	// client with a 30s transport-level timeout; the gateway imposes no
	// deadline of its own beyond that.
	HTTPClient *http.Client

	// Retry controls backoff for network and 5xx failures.
	Retry RetryConfig
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:   baseURL,
		UserAgent: "feedsync/0.1.0",
		Retry:     DefaultRetryConfig(),
	}
}

// Client executes requests against the feed API.
type Client struct {
	httpClient *http.Client
	config     Config
	logger     zerolog.Logger
}

// New creates a new gateway client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryConfig()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &Client{
		httpClient: httpClient,
		config:     cfg,
		logger:     logging.NewLogger("gateway"),
	}, nil
}

// errorEnvelope is the structured error body the feed API returns on non-2xx.
type errorEnvelope struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Do executes a request and returns the raw JSON payload.
// Success statuses (including 204 No Content) return a nil error; 204 and
// empty bodies yield a nil payload. Non-2xx statuses return an *APIError
// carrying the decoded error body when present, falling back to the status
// text. Errors are returned, never swallowed; callers decide what to retry
// beyond the gateway's own network/5xx backoff.
func (c *Client) Do(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	endpoint := endpointLabel(path)

	startTime := time.Now()
	defer func() {
		requestDuration.WithLabelValues(endpoint).Observe(time.Since(startTime).Seconds())
	}()

	var reqBody []byte
	if body != nil {
		var err error
		reqBody, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
	}

	var payload json.RawMessage

	retryErr := retryWithBackoff(ctx, c.config.Retry, func(err error) ErrorClass {
		var e *APIError
		if errors.As(err, &e) {
			return e.ErrorClass
		}
		return ErrorClassNetwork
	}, func() error {
		payload = nil

		req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, bytes.NewReader(reqBody))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}

		req.Header.Set("Accept", "application/json")
		if c.config.UserAgent != "" {
			req.Header.Set("User-Agent", c.config.UserAgent)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.config.AuthToken != "" {
			req.Header.Set("Authorization", "Bearer "+c.config.AuthToken)
		}

		resp, reqErr := c.httpClient.Do(req)
		if reqErr != nil {
			c.logger.Error().Err(reqErr).Str("endpoint", endpoint).Msg("HTTP request failed")
			errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
			requestsTotal.WithLabelValues(endpoint, "network_error").Inc()
			return reqErr
		}
		defer resp.Body.Close()

		respBody, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
			return fmt.Errorf("read response body: %w", readErr)
		}

		requestsTotal.WithLabelValues(endpoint, fmt.Sprintf("%d", resp.StatusCode)).Inc()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if resp.StatusCode == http.StatusNoContent || len(respBody) == 0 {
				return nil
			}
			payload = json.RawMessage(respBody)
			return nil
		}

		errClass := classifyStatus(resp.StatusCode)
		errorsTotal.WithLabelValues(string(errClass)).Inc()

		apiErr := &APIError{
			StatusCode: resp.StatusCode,
			ErrorClass: errClass,
			Message:    decodeErrorMessage(respBody, resp.Status),
		}
		if len(respBody) > 0 && json.Valid(respBody) {
			apiErr.Payload = json.RawMessage(respBody)
		}

		c.logger.Warn().
			Str("endpoint", endpoint).
			Int("status", resp.StatusCode).
			Str("error_class", string(errClass)).
			Msg("Feed API request error")

		return apiErr
	})

	if retryErr != nil {
		// The *APIError stays in the chain, wrapped or not, so callers can
		// classify with errors.As regardless of how retry gave up.
		return nil, retryErr
	}

	return payload, nil
}

// Get performs a GET request.
func (c *Client) Get(ctx context.Context, path string) (json.RawMessage, error) {
	return c.Do(ctx, http.MethodGet, path, nil)
}

// Post performs a POST request with a JSON body.
func (c *Client) Post(ctx context.Context, path string, body any) (json.RawMessage, error) {
	return c.Do(ctx, http.MethodPost, path, body)
}

// Patch performs a PATCH request with a JSON body.
func (c *Client) Patch(ctx context.Context, path string, body any) (json.RawMessage, error) {
	return c.Do(ctx, http.MethodPatch, path, body)
}

// Delete performs a DELETE request.
func (c *Client) Delete(ctx context.Context, path string) (json.RawMessage, error) {
	return c.Do(ctx, http.MethodDelete, path, nil)
}

// decodeErrorMessage extracts a human-readable message from an error body,
// falling back to the HTTP status text.
func decodeErrorMessage(body []byte, statusText string) string {
	if len(body) > 0 {
		var envelope errorEnvelope
		if err := json.Unmarshal(body, &envelope); err == nil {
			if envelope.Error != "" {
				return envelope.Error
			}
			if envelope.Message != "" {
				return envelope.Message
			}
		}
	}
	return statusText
}

// endpointLabel strips the query string so metric labels stay low-cardinality.
func endpointLabel(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		return path[:i]
	}
	return path
}
