// Package crm provides the HTTP client for the upstream CRM API.
//
// The client is deliberately thin: one bounded GET per call, bearer auth,
// typed envelope decoding and error classification. Retries and pacing are
// the callers' concern; a failed request surfaces as a single unit failure
// to the layers above.
package crm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for upstream API operations.
var (
	apiRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crmsync_api_requests_total",
		Help: "Total upstream API requests by endpoint and status",
	}, []string{"endpoint", "status"})

	apiRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "crmsync_api_request_duration_seconds",
		Help:    "Upstream API request duration in seconds by endpoint",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"endpoint"})
)

// Config holds the client configuration.
type Config struct {
	// BaseURL is the upstream API origin, e.g. "https://api.example-crm.com".
	BaseURL string

	// Token is the bearer token sent on every request.
	Token string

	// UserAgent identifies this service to the upstream API.
	UserAgent string

	// Timeout bounds a single request.
	Timeout time.Duration

	// PageSize is the limit used on dataset endpoints.
	PageSize int
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(baseURL, token string) Config {
	return Config{
		BaseURL:   baseURL,
		Token:     token,
		UserAgent: "crmsync/1.0",
		Timeout:   15 * time.Second,
		PageSize:  250,
	}
}

// Client is the upstream CRM API client.
type Client struct {
	httpClient *http.Client
	config     Config
	logger     zerolog.Logger
}

// New creates a new CRM API client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("API token is required")
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "crmsync/1.0"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 250
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	logger := log.With().Str("component", "crm-client").Logger()

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		config: cfg,
		logger: logger,
	}, nil
}

// PageSize returns the configured dataset page size.
func (c *Client) PageSize() int {
	return c.config.PageSize
}

// FetchPage fetches one page of a dataset endpoint. When the upstream
// omits meta.total the page length stands in for it, which is only correct
// on single-page datasets and is treated as such by the callers.
func (c *Client) FetchPage(ctx context.Context, endpoint string, limit, offset int) (Page, error) {
	query := url.Values{}
	query.Set("limit", strconv.Itoa(limit))
	query.Set("offset", strconv.Itoa(offset))

	var env recordEnvelope
	if err := c.get(ctx, endpoint, query, &env); err != nil {
		return Page{}, err
	}

	total := env.Meta.Total
	if total == 0 {
		total = len(env.Data)
	}

	return Page{Records: env.Data, Total: total}, nil
}

// FetchUsers fetches the full account user list in one bounded call.
func (c *Client) FetchUsers(ctx context.Context) ([]User, error) {
	var env userEnvelope
	if err := c.get(ctx, EndpointUsers, nil, &env); err != nil {
		return nil, err
	}
	return env.Data, nil
}

// FetchStages fetches all pipeline stages in one bounded call.
func (c *Client) FetchStages(ctx context.Context) ([]Stage, error) {
	var env stageEnvelope
	if err := c.get(ctx, EndpointStages, nil, &env); err != nil {
		return nil, err
	}
	return env.Data, nil
}

// FetchFields fetches all custom-field definitions in one bounded call.
func (c *Client) FetchFields(ctx context.Context) ([]FieldDef, error) {
	var env fieldEnvelope
	if err := c.get(ctx, EndpointFields, nil, &env); err != nil {
		return nil, err
	}
	return env.Data, nil
}

// get performs one GET request and decodes the JSON envelope into out.
func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	u := c.config.BaseURL + endpoint
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.config.Token)
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	apiRequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())

	if err != nil {
		apiRequestsTotal.WithLabelValues(endpoint, "network_error").Inc()
		c.logger.Error().
			Err(err).
			Str("endpoint", endpoint).
			Msg("Request failed")
		return &APIError{Endpoint: endpoint, Class: ErrorClassNetwork, Err: err}
	}
	defer resp.Body.Close()

	apiRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode != http.StatusOK {
		class := classifyStatus(resp.StatusCode)
		c.logger.Warn().
			Str("endpoint", endpoint).
			Int("status_code", resp.StatusCode).
			Str("error_class", string(class)).
			Msg("Upstream error response")
		return &APIError{
			StatusCode: resp.StatusCode,
			Endpoint:   endpoint,
			Class:      class,
			Message:    resp.Status,
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", endpoint, err)
	}

	return nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}
