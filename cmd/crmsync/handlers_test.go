package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/crmtools/crmsync/pkg/crm"
	"github.com/crmtools/crmsync/pkg/enrich"
	"github.com/crmtools/crmsync/pkg/runlock"
	"github.com/crmtools/crmsync/pkg/snapstore"
	"github.com/crmtools/crmsync/pkg/syncer"
)

type fakeSyncer struct {
	datasets  []syncer.Dataset
	summaries []syncer.Summary
	err       error
	syncedAll bool
	syncedOne string
}

func (f *fakeSyncer) Datasets() []syncer.Dataset { return f.datasets }

func (f *fakeSyncer) SyncDataset(_ context.Context, ds syncer.Dataset) (syncer.Summary, error) {
	f.syncedOne = ds.Category
	if f.err != nil {
		return syncer.Summary{Category: ds.Category}, f.err
	}
	return f.summaries[0], nil
}

func (f *fakeSyncer) SyncAll(context.Context) ([]syncer.Summary, error) {
	f.syncedAll = true
	return f.summaries, f.err
}

type fakeSnapshots struct {
	records  map[string][]enrich.Record
	runs     map[string][]snapstore.SyncRun
	gotLimit int
}

func (f *fakeSnapshots) LoadLatest(_ context.Context, category string) ([]enrich.Record, error) {
	return f.records[category], nil
}

func (f *fakeSnapshots) RecentRuns(_ context.Context, category string, limit int) ([]snapstore.SyncRun, error) {
	f.gotLimit = limit
	return f.runs[category], nil
}

type fakeLastRuns struct {
	infos map[string]*runlock.RunInfo
}

func (f *fakeLastRuns) LastRun(_ context.Context, category string) (*runlock.RunInfo, error) {
	return f.infos[category], nil
}

func testApp() (*app, *fakeSyncer, *fakeSnapshots, *fakeLastRuns) {
	s := &fakeSyncer{
		datasets: syncer.DefaultDatasets(),
		summaries: []syncer.Summary{
			{Category: "contacts", GenerationID: "gen-1", RecordCount: 250, PagesTotal: 3},
			{Category: "deals", GenerationID: "gen-2", RecordCount: 40, PagesTotal: 1},
		},
	}
	snapshots := &fakeSnapshots{
		records: map[string][]enrich.Record{
			"contacts": {
				{Record: crm.Record{ID: 1, Name: "Dana Reed"}},
				{Record: crm.Record{ID: 2, Name: "Lee Park"}},
			},
		},
		runs: map[string][]snapstore.SyncRun{
			"contacts": {
				{ID: "run-1", Category: "contacts", Success: true, RecordCount: 250},
			},
		},
	}
	lastRuns := &fakeLastRuns{
		infos: map[string]*runlock.RunInfo{
			"contacts": {RunID: "run-1", GenerationID: "gen-1", Success: true, RecordCount: 250},
		},
	}

	a := &app{
		syncer:      s,
		snapshots:   snapshots,
		lastRuns:    lastRuns,
		cronSecret:  "cron-secret",
		syncTimeout: time.Minute,
	}
	return a, s, snapshots, lastRuns
}

func doRequest(a *app, method, target, bearer string) *http.Response {
	req := httptest.NewRequest(method, target, nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	newRouter(a).ServeHTTP(w, req)
	return w.Result()
}

func TestHealthEndpoint(t *testing.T) {
	a, _, _, _ := testApp()

	resp := doRequest(a, "GET", "/healthz", "")
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	if string(body) != "OK" {
		t.Errorf("Expected body 'OK', got %s", string(body))
	}
}

func TestSyncEndpoint_Unauthorized(t *testing.T) {
	a, s, _, _ := testApp()

	tests := []struct {
		name   string
		bearer string
	}{
		{"missing token", ""},
		{"wrong token", "not-the-secret"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doRequest(a, "POST", "/api/v1/sync", tt.bearer)

			if resp.StatusCode != http.StatusUnauthorized {
				t.Errorf("Expected status 401, got %d", resp.StatusCode)
			}
			if s.syncedAll {
				t.Error("Sync ran despite failed authorization")
			}
		})
	}
}

func TestSyncEndpoint_EmptySecretLeavesEndpointOpen(t *testing.T) {
	a, s, _, _ := testApp()
	a.cronSecret = ""

	resp := doRequest(a, "POST", "/api/v1/sync", "")

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	if !s.syncedAll {
		t.Error("Sync did not run")
	}
}

func TestSyncEndpoint_AllDatasets(t *testing.T) {
	a, s, _, _ := testApp()

	resp := doRequest(a, "POST", "/api/v1/sync", "cron-secret")

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	if !s.syncedAll {
		t.Error("SyncAll was not called")
	}

	var decoded syncResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(decoded.Summaries) != 2 {
		t.Fatalf("Got %d summaries, want 2", len(decoded.Summaries))
	}
	if decoded.Summaries[0].GenerationID != "gen-1" || decoded.Summaries[1].RecordCount != 40 {
		t.Errorf("Summaries = %+v, want fake summaries", decoded.Summaries)
	}
	if decoded.Error != "" {
		t.Errorf("Error = %q, want empty", decoded.Error)
	}
}

func TestSyncEndpoint_SingleCategory(t *testing.T) {
	a, s, _, _ := testApp()

	resp := doRequest(a, "POST", "/api/v1/sync?category=deals", "cron-secret")

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	if s.syncedOne != "deals" {
		t.Errorf("Synced category %q, want deals", s.syncedOne)
	}
	if s.syncedAll {
		t.Error("SyncAll was called for a single-category request")
	}
}

func TestSyncEndpoint_UnknownCategory(t *testing.T) {
	a, s, _, _ := testApp()

	resp := doRequest(a, "POST", "/api/v1/sync?category=invoices", "cron-secret")

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", resp.StatusCode)
	}
	if s.syncedAll || s.syncedOne != "" {
		t.Error("Sync ran for unknown category")
	}
}

func TestSyncEndpoint_SkipIsNotAFailure(t *testing.T) {
	a, s, _, _ := testApp()
	s.err = syncer.ErrAlreadyRunning

	resp := doRequest(a, "POST", "/api/v1/sync?category=contacts", "cron-secret")

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200 for skipped run, got %d", resp.StatusCode)
	}
}

func TestSyncEndpoint_FailureReturns500(t *testing.T) {
	a, s, _, _ := testApp()
	s.err = errors.New("fetch first page of contacts: retry attempts exhausted")

	resp := doRequest(a, "POST", "/api/v1/sync", "cron-secret")

	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("Expected status 500, got %d", resp.StatusCode)
	}

	var decoded syncResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if !strings.Contains(decoded.Error, "first page") {
		t.Errorf("Error = %q, want first-page failure", decoded.Error)
	}
}

func TestSnapshotEndpoint(t *testing.T) {
	a, _, _, _ := testApp()

	resp := doRequest(a, "GET", "/api/v1/snapshots/contacts", "")

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}

	var decoded snapshotResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if decoded.Category != "contacts" || decoded.Count != 2 {
		t.Errorf("Response = %+v, want 2 contacts", decoded)
	}
	if len(decoded.Records) != 2 || decoded.Records[1].Name != "Lee Park" {
		t.Errorf("Records = %+v, want stored records", decoded.Records)
	}
}

func TestSnapshotEndpoint_UnknownCategory(t *testing.T) {
	a, _, _, _ := testApp()

	resp := doRequest(a, "GET", "/api/v1/snapshots/invoices", "")

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", resp.StatusCode)
	}
}

func TestRunsEndpoint(t *testing.T) {
	a, _, snapshots, _ := testApp()

	resp := doRequest(a, "GET", "/api/v1/runs/contacts?limit=5", "")

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	if snapshots.gotLimit != 5 {
		t.Errorf("Limit = %d, want 5", snapshots.gotLimit)
	}

	var decoded runsResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(decoded.Runs) != 1 || decoded.Runs[0].ID != "run-1" {
		t.Errorf("Runs = %+v, want the recorded run", decoded.Runs)
	}
}

func TestRunsEndpoint_InvalidLimit(t *testing.T) {
	a, _, _, _ := testApp()

	for _, limit := range []string{"abc", "0", "-3"} {
		resp := doRequest(a, "GET", "/api/v1/runs/contacts?limit="+limit, "")
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("limit=%s: expected status 400, got %d", limit, resp.StatusCode)
		}
	}
}

func TestStatusEndpoint(t *testing.T) {
	a, _, _, _ := testApp()

	resp := doRequest(a, "GET", "/api/v1/status", "")

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}

	var decoded statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(decoded.Datasets) != 2 {
		t.Fatalf("Got %d datasets, want 2", len(decoded.Datasets))
	}
	if decoded.Datasets[0].LastRun == nil || decoded.Datasets[0].LastRun.RunID != "run-1" {
		t.Errorf("Contacts last run = %+v, want run-1", decoded.Datasets[0].LastRun)
	}
	// Deals never synced
	if decoded.Datasets[1].LastRun != nil {
		t.Errorf("Deals last run = %+v, want nil", decoded.Datasets[1].LastRun)
	}
}

func TestSyncEndpoint_RequiresPost(t *testing.T) {
	a, _, _, _ := testApp()

	resp := doRequest(a, "GET", "/api/v1/sync", "cron-secret")

	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", resp.StatusCode)
	}
}
