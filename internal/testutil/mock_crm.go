// Package testutil provides testing utilities for the CRM sync service.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"
)

// MockCRMResponse defines the behavior for a mock CRM endpoint response.
type MockCRMResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// pageFailure makes a specific page of an endpoint fail a number of times.
type pageFailure struct {
	remaining int
	status    int
}

// MockCRM is a configurable mock CRM API server for testing. Dataset
// endpoints serve the standard paginated envelope; individual pages can
// be primed to fail.
type MockCRM struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]func(w http.ResponseWriter, r *http.Request)
	datasets map[string][]json.RawMessage
	failures map[string]*pageFailure

	// Tracking
	RequestCount      int
	PathCounts        map[string]int
	LastRequestHeader http.Header
}

// NewMockCRM creates a new mock CRM server.
func NewMockCRM() *MockCRM {
	mock := &MockCRM{
		handlers:   make(map[string]func(w http.ResponseWriter, r *http.Request)),
		datasets:   make(map[string][]json.RawMessage),
		failures:   make(map[string]*pageFailure),
		PathCounts: make(map[string]int),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.RequestCount++
		mock.PathCounts[r.URL.Path]++
		mock.LastRequestHeader = r.Header.Clone()
		mock.mu.Unlock()

		// Check for custom handler
		mock.mu.RLock()
		handler, exists := mock.handlers[r.URL.Path]
		mock.mu.RUnlock()

		if exists {
			handler(w, r)
			return
		}

		mock.datasetHandler(w, r)
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockCRM) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockCRM) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockCRM) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount = 0
	m.PathCounts = make(map[string]int)
	m.LastRequestHeader = nil
}

// SetDataset registers the records served by an endpoint. records is any
// slice that marshals to a JSON array; the handler paginates it by the
// limit and offset query parameters.
func (m *MockCRM) SetDataset(endpoint string, records any) error {
	raw, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("marshal dataset for %s: %w", endpoint, err)
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return fmt.Errorf("dataset for %s is not a JSON array: %w", endpoint, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.datasets[endpoint] = items
	return nil
}

// FailPage primes one page of an endpoint to respond with the given
// status for the next times requests. Page numbers start at 1.
func (m *MockCRM) FailPage(endpoint string, page, times, status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[failureKey(endpoint, page)] = &pageFailure{remaining: times, status: status}
}

func failureKey(endpoint string, page int) string {
	return fmt.Sprintf("%s#%d", endpoint, page)
}

// SetHandler sets a custom handler for a specific path.
func (m *MockCRM) SetHandler(path string, handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a fixed response for a path.
func (m *MockCRM) SetResponse(path string, resp MockCRMResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}

		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}

		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			w.Write([]byte(resp.Body))
		}
	})
}

// PathCount returns the number of requests made to a path.
func (m *MockCRM) PathCount(path string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.PathCounts[path]
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockCRM) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// datasetHandler serves registered datasets with the standard envelope.
// Without a limit parameter the full dataset is returned, which is how
// the reference endpoints behave.
func (m *MockCRM) datasetHandler(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	items, ok := m.datasets[r.URL.Path]
	if !ok {
		m.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error": "not found"}`))
		return
	}

	limit := len(items)
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	offset := 0
	if v := r.URL.Query().Get("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	page := 1
	if limit > 0 {
		page = offset/limit + 1
	}
	if failure, ok := m.failures[failureKey(r.URL.Path, page)]; ok && failure.remaining > 0 {
		failure.remaining--
		status := failure.status
		m.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(`{"error": "injected failure"}`))
		return
	}
	m.mu.Unlock()

	start := offset
	if start > len(items) {
		start = len(items)
	}
	end := start + limit
	if end > len(items) {
		end = len(items)
	}

	envelope := struct {
		Data []json.RawMessage `json:"data"`
		Meta struct {
			Total int `json:"total"`
		} `json:"meta"`
	}{Data: items[start:end]}
	envelope.Meta.Total = len(items)
	if envelope.Data == nil {
		envelope.Data = []json.RawMessage{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(envelope)
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
func NewRateLimitResponse() MockCRMResponse {
	return MockCRMResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"error": "Rate limit exceeded"}`,
		Headers: map[string]string{
			"Content-Type": "application/json",
		},
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockCRMResponse {
	return MockCRMResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"error": "Internal server error"}`,
		Headers: map[string]string{
			"Content-Type": "application/json",
		},
	}
}

// NewUnauthorizedResponse creates a 401 Unauthorized response.
func NewUnauthorizedResponse() MockCRMResponse {
	return MockCRMResponse{
		StatusCode: http.StatusUnauthorized,
		Body:       `{"error": "Invalid token"}`,
		Headers: map[string]string{
			"Content-Type": "application/json",
		},
	}
}
