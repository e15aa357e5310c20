package crm

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name        string
		config      Config
		expectError bool
		errorMsg    string
	}{
		{
			name:        "valid config",
			config:      Config{BaseURL: "https://api.example-crm.com", Token: "secret"},
			expectError: false,
		},
		{
			name:        "missing base URL",
			config:      Config{Token: "secret"},
			expectError: true,
			errorMsg:    "base URL is required",
		},
		{
			name:        "missing token",
			config:      Config{BaseURL: "https://api.example-crm.com"},
			expectError: true,
			errorMsg:    "API token is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := New(tt.config)

			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got nil")
					return
				}
				if tt.errorMsg != "" && err.Error() != tt.errorMsg {
					t.Errorf("Error message = %q, want %q", err.Error(), tt.errorMsg)
				}
				return
			}
			if err != nil {
				t.Errorf("Unexpected error: %v", err)
				return
			}
			if client == nil {
				t.Error("Client is nil")
			}
		})
	}
}

func TestNew_FillsDefaults(t *testing.T) {
	client, err := New(Config{BaseURL: "https://api.example-crm.com/", Token: "secret"})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	if client.config.UserAgent == "" {
		t.Error("UserAgent should be defaulted")
	}
	if client.config.Timeout != 15*time.Second {
		t.Errorf("Timeout = %v, want 15s", client.config.Timeout)
	}
	if client.PageSize() != 250 {
		t.Errorf("PageSize = %d, want 250", client.PageSize())
	}
	// Trailing slash trimmed so endpoint joins stay clean.
	if client.config.BaseURL != "https://api.example-crm.com" {
		t.Errorf("BaseURL = %q, want trimmed", client.config.BaseURL)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("https://api.example-crm.com", "secret")

	if cfg.BaseURL != "https://api.example-crm.com" {
		t.Errorf("BaseURL = %q, want base URL", cfg.BaseURL)
	}
	if cfg.Token != "secret" {
		t.Errorf("Token = %q, want %q", cfg.Token, "secret")
	}
	if cfg.PageSize != 250 {
		t.Errorf("PageSize = %d, want 250", cfg.PageSize)
	}
	if cfg.Timeout != 15*time.Second {
		t.Errorf("Timeout = %v, want 15s", cfg.Timeout)
	}
}

func TestFetchPage(t *testing.T) {
	var gotAuth, gotUA, gotLimit, gotOffset string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotUA = r.Header.Get("User-Agent")
		gotLimit = r.URL.Query().Get("limit")
		gotOffset = r.URL.Query().Get("offset")

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{
			"data": [
				{"id": 101, "name": "Acme Corp", "owner_id": 7,
				 "custom_fields": [{"field_id": 3, "values": ["web"]}]},
				{"id": 102, "name": "Globex", "owner_id": 8}
			],
			"meta": {"total": 250}
		}`))
	}))
	defer server.Close()

	client, err := New(Config{BaseURL: server.URL, Token: "secret", UserAgent: "crmsync-test/1.0"})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	page, err := client.FetchPage(context.Background(), EndpointContacts, 100, 200)
	if err != nil {
		t.Fatalf("FetchPage() failed: %v", err)
	}

	if gotAuth != "Bearer secret" {
		t.Errorf("Authorization = %q, want %q", gotAuth, "Bearer secret")
	}
	if gotUA != "crmsync-test/1.0" {
		t.Errorf("User-Agent = %q, want %q", gotUA, "crmsync-test/1.0")
	}
	if gotLimit != "100" || gotOffset != "200" {
		t.Errorf("Query limit=%s offset=%s, want limit=100 offset=200", gotLimit, gotOffset)
	}

	if page.Total != 250 {
		t.Errorf("Total = %d, want 250", page.Total)
	}
	if len(page.Records) != 2 {
		t.Fatalf("Records = %d, want 2", len(page.Records))
	}
	if page.Records[0].ID != 101 || page.Records[0].Name != "Acme Corp" {
		t.Errorf("Record[0] = %+v, want id 101 Acme Corp", page.Records[0])
	}
	if len(page.Records[0].Fields) != 1 || page.Records[0].Fields[0].FieldID != 3 {
		t.Errorf("Record[0].Fields = %+v, want one value for field 3", page.Records[0].Fields)
	}
}

func TestFetchPage_MetaTotalAbsent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"data": [{"id": 1, "name": "Only"}, {"id": 2, "name": "Two"}]}`))
	}))
	defer server.Close()

	client, err := New(Config{BaseURL: server.URL, Token: "secret"})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	page, err := client.FetchPage(context.Background(), EndpointDeals, 250, 0)
	if err != nil {
		t.Fatalf("FetchPage() failed: %v", err)
	}

	// Page length stands in for the missing total.
	if page.Total != 2 {
		t.Errorf("Total = %d, want 2", page.Total)
	}
}

func TestFetchPage_ErrorStatus(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		wantClass  ErrorClass
	}{
		{"server error", http.StatusInternalServerError, ErrorClassServer},
		{"throttled", http.StatusTooManyRequests, ErrorClassRateLimit},
		{"unauthorized", http.StatusUnauthorized, ErrorClassClient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.statusCode)
			}))
			defer server.Close()

			client, err := New(Config{BaseURL: server.URL, Token: "secret"})
			if err != nil {
				t.Fatalf("New() failed: %v", err)
			}

			_, err = client.FetchPage(context.Background(), EndpointContacts, 10, 0)
			if err == nil {
				t.Fatal("Expected error, got nil")
			}

			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("Expected APIError, got %T: %v", err, err)
			}
			if apiErr.StatusCode != tt.statusCode {
				t.Errorf("StatusCode = %d, want %d", apiErr.StatusCode, tt.statusCode)
			}
			if apiErr.Class != tt.wantClass {
				t.Errorf("Class = %q, want %q", apiErr.Class, tt.wantClass)
			}
			if apiErr.Endpoint != EndpointContacts {
				t.Errorf("Endpoint = %q, want %q", apiErr.Endpoint, EndpointContacts)
			}
		})
	}
}

func TestFetchReferences(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		switch r.URL.Path {
		case EndpointUsers:
			w.Write([]byte(`{"data": [{"id": 7, "name": "Dana Reed", "email": "dana@example.com", "role": "admin", "active": true}]}`))
		case EndpointStages:
			w.Write([]byte(`{"data": [{"id": 31, "name": "Negotiation", "pipeline_id": 5, "sort_order": 2}]}`))
		case EndpointFields:
			w.Write([]byte(`{"data": [{"id": 3, "tag": "utm_source", "name": "UTM Source", "type": "text"}]}`))
		default:
			w.Write([]byte(`{"data": []}`))
		}
	}))
	defer server.Close()

	client, err := New(Config{BaseURL: server.URL, Token: "secret"})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	ctx := context.Background()

	users, err := client.FetchUsers(ctx)
	if err != nil {
		t.Fatalf("FetchUsers() failed: %v", err)
	}
	if len(users) != 1 || users[0].ID != 7 || users[0].Email != "dana@example.com" {
		t.Errorf("Users = %+v, want one user with id 7", users)
	}

	stages, err := client.FetchStages(ctx)
	if err != nil {
		t.Fatalf("FetchStages() failed: %v", err)
	}
	if len(stages) != 1 || stages[0].PipelineID != 5 {
		t.Errorf("Stages = %+v, want one stage in pipeline 5", stages)
	}

	fields, err := client.FetchFields(ctx)
	if err != nil {
		t.Fatalf("FetchFields() failed: %v", err)
	}
	if len(fields) != 1 || fields[0].Tag != "utm_source" {
		t.Errorf("Fields = %+v, want one field tagged utm_source", fields)
	}
}

func TestGet_NetworkError(t *testing.T) {
	// Server is closed before the request, so the dial fails.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	client, err := New(Config{BaseURL: url, Token: "secret", Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	_, err = client.FetchUsers(context.Background())
	if err == nil {
		t.Fatal("Expected error, got nil")
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Expected APIError, got %T: %v", err, err)
	}
	if apiErr.Class != ErrorClassNetwork {
		t.Errorf("Class = %q, want %q", apiErr.Class, ErrorClassNetwork)
	}
}
