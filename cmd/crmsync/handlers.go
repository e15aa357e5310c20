package main

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/crmtools/crmsync/pkg/enrich"
	"github.com/crmtools/crmsync/pkg/runlock"
	"github.com/crmtools/crmsync/pkg/snapstore"
	"github.com/crmtools/crmsync/pkg/syncer"
)

// syncRunner triggers dataset syncs.
type syncRunner interface {
	Datasets() []syncer.Dataset
	SyncDataset(ctx context.Context, ds syncer.Dataset) (syncer.Summary, error)
	SyncAll(ctx context.Context) ([]syncer.Summary, error)
}

// snapshotReader serves stored snapshots and the run log.
type snapshotReader interface {
	LoadLatest(ctx context.Context, category string) ([]enrich.Record, error)
	RecentRuns(ctx context.Context, category string, limit int) ([]snapstore.SyncRun, error)
}

// lastRunReader serves the per-category last-run records.
type lastRunReader interface {
	LastRun(ctx context.Context, category string) (*runlock.RunInfo, error)
}

var (
	_ syncRunner     = (*syncer.Syncer)(nil)
	_ snapshotReader = (*snapstore.Store)(nil)
	_ lastRunReader  = (*runlock.Coordinator)(nil)
)

// app wires the HTTP handlers to the service components.
type app struct {
	syncer      syncRunner
	snapshots   snapshotReader
	lastRuns    lastRunReader
	db          *sql.DB
	redis       *redis.Client
	cronSecret  string
	syncTimeout time.Duration
}

func newRouter(a *app) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", a.handleHealth).Methods("GET")
	r.HandleFunc("/readyz", a.handleReady).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.HandleFunc("/api/v1/sync", a.handleSync).Methods("POST")
	r.HandleFunc("/api/v1/snapshots/{category}", a.handleSnapshot).Methods("GET")
	r.HandleFunc("/api/v1/runs/{category}", a.handleRuns).Methods("GET")
	r.HandleFunc("/api/v1/status", a.handleStatus).Methods("GET")
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (a *app) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

// handleReady reports readiness: the service is ready when both backing
// stores answer.
func (a *app) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := a.db.PingContext(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	if err := a.redis.Ping(r.Context()).Err(); err != nil {
		writeError(w, http.StatusServiceUnavailable, "redis unavailable")
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

// authorized checks the bearer token against CRON_SECRET. An empty
// secret leaves the endpoint open, which is only acceptable locally.
func (a *app) authorized(r *http.Request) bool {
	if a.cronSecret == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(a.cronSecret)) == 1
}

// handleSync triggers a sync run and responds once it finished. With a
// category query parameter only that dataset is synced; otherwise all
// configured datasets run.
func (a *app) handleSync(w http.ResponseWriter, r *http.Request) {
	if !a.authorized(r) {
		writeError(w, http.StatusUnauthorized, "invalid or missing bearer token")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), a.syncTimeout)
	defer cancel()

	var (
		summaries []syncer.Summary
		err       error
	)

	if category := r.URL.Query().Get("category"); category != "" {
		ds, ok := a.findDataset(category)
		if !ok {
			writeError(w, http.StatusNotFound, "unknown category: "+category)
			return
		}
		var summary syncer.Summary
		summary, err = a.syncer.SyncDataset(ctx, ds)
		if errors.Is(err, syncer.ErrAlreadyRunning) {
			err = nil
		}
		summaries = []syncer.Summary{summary}
	} else {
		summaries, err = a.syncer.SyncAll(ctx)
	}

	resp := syncResponse{Summaries: summaries}
	status := http.StatusOK
	if err != nil {
		resp.Error = err.Error()
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, resp)
}

type syncResponse struct {
	Summaries []syncer.Summary `json:"summaries"`
	Error     string           `json:"error,omitempty"`
}

func (a *app) findDataset(category string) (syncer.Dataset, bool) {
	for _, ds := range a.syncer.Datasets() {
		if ds.Category == category {
			return ds, true
		}
	}
	return syncer.Dataset{}, false
}

// handleSnapshot serves the latest stored generation of a category.
func (a *app) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	category := mux.Vars(r)["category"]
	if _, ok := a.findDataset(category); !ok {
		writeError(w, http.StatusNotFound, "unknown category: "+category)
		return
	}

	records, err := a.snapshots.LoadLatest(r.Context(), category)
	if err != nil {
		log.Error().Err(err).Str("category", category).Msg("Failed to load snapshot")
		writeError(w, http.StatusInternalServerError, "failed to load snapshot")
		return
	}

	writeJSON(w, http.StatusOK, snapshotResponse{
		Category: category,
		Count:    len(records),
		Records:  records,
	})
}

type snapshotResponse struct {
	Category string          `json:"category"`
	Count    int             `json:"count"`
	Records  []enrich.Record `json:"records"`
}

// handleRuns serves the recent run-log rows of a category.
func (a *app) handleRuns(w http.ResponseWriter, r *http.Request) {
	category := mux.Vars(r)["category"]
	if _, ok := a.findDataset(category); !ok {
		writeError(w, http.StatusNotFound, "unknown category: "+category)
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit: "+v)
			return
		}
		limit = parsed
	}

	runs, err := a.snapshots.RecentRuns(r.Context(), category, limit)
	if err != nil {
		log.Error().Err(err).Str("category", category).Msg("Failed to list runs")
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}

	writeJSON(w, http.StatusOK, runsResponse{Category: category, Runs: runs})
}

type runsResponse struct {
	Category string              `json:"category"`
	Runs     []snapstore.SyncRun `json:"runs"`
}

// handleStatus reports the last-run outcome of every configured dataset.
func (a *app) handleStatus(w http.ResponseWriter, r *http.Request) {
	datasets := a.syncer.Datasets()
	statuses := make([]datasetStatus, 0, len(datasets))

	for _, ds := range datasets {
		info, err := a.lastRuns.LastRun(r.Context(), ds.Category)
		if err != nil {
			log.Error().Err(err).Str("category", ds.Category).Msg("Failed to read last run")
			writeError(w, http.StatusInternalServerError, "failed to read last run")
			return
		}
		statuses = append(statuses, datasetStatus{Category: ds.Category, LastRun: info})
	}

	writeJSON(w, http.StatusOK, statusResponse{Datasets: statuses})
}

type datasetStatus struct {
	Category string           `json:"category"`
	LastRun  *runlock.RunInfo `json:"last_run"`
}

type statusResponse struct {
	Datasets []datasetStatus `json:"datasets"`
}
