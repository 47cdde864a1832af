// Package adminapi implements the JSON admin API (spec §6): read-only
// overview and run/log query endpoints backed by the run journal and the
// app registry, plus a Prometheus /metrics endpoint.
package adminapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/pennyhq/penny/internal/controller"
	"github.com/pennyhq/penny/internal/journal"
)

// hostLookup is the subset of *registry.Registry the admin API needs.
type hostLookup interface {
	Lookup(host string) *controller.Controller
	All() map[string]*controller.Controller
}

// API is the admin HTTP handler.
type API struct {
	version  string
	password string
	registry hostLookup
	journal  *journal.Journal
	log      *logrus.Entry
}

// New constructs an API. password may be empty, disabling auth entirely
// (spec §6: "when a password is configured ..." implies no auth when it
// isn't).
func New(version, password string, registry hostLookup, j *journal.Journal, log *logrus.Entry) *API {
	return &API{version: version, password: password, registry: registry, journal: j, log: log}
}

// Router builds the complete http.Handler: every /api/* route behind auth
// (except /api/auth/status), plus /metrics unauthenticated.
func (a *API) Router() http.Handler {
	mux := newNormalizedServeMux()

	mux.HandleFunc("GET /api/version", a.requireAuth(a.handleVersion))
	mux.HandleFunc("GET /api/auth/status", a.handleAuthStatus)
	mux.HandleFunc("GET /api/total-overview", a.requireAuth(a.handleTotalOverview))
	mux.HandleFunc("GET /api/apps-overview", a.requireAuth(a.handleAppsOverview))
	mux.HandleFunc("GET /api/app-overview/{host}", a.requireAuth(a.handleAppOverview))
	mux.HandleFunc("GET /api/app-runs/{host}", a.requireAuth(a.handleAppRuns))
	mux.HandleFunc("GET /api/run-logs/{run_id}", a.requireAuth(a.handleRunLogs))
	mux.Handle("/metrics", promhttp.Handler())

	return corsMiddleware(nil, mux)
}

func (a *API) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": a.version})
}

func (a *API) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"auth_required": a.password != ""})
}

func (a *API) handleTotalOverview(w http.ResponseWriter, r *http.Request) {
	start, end, err := parseRange(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	totals, err := a.journal.Totals(r.Context(), start, end)
	if err != nil {
		a.log.WithError(err).Warn("total-overview query failed")
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, totals)
}

type appSummary struct {
	Host  string `json:"host"`
	State string `json:"state"`
	journal.Overview
}

func (a *API) handleAppsOverview(w http.ResponseWriter, r *http.Request) {
	start, end, err := parseRange(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	out := make([]appSummary, 0)
	for host, ctrl := range a.registry.All() {
		overview, err := a.journal.Overview(r.Context(), host, start, end)
		if err != nil {
			a.log.WithField("host", host).WithError(err).Warn("apps-overview query failed")
			continue
		}
		out = append(out, appSummary{Host: host, State: ctrl.State().String(), Overview: overview})
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleAppOverview(w http.ResponseWriter, r *http.Request) {
	host := r.PathValue("host")
	ctrl := a.registry.Lookup(host)
	if ctrl == nil {
		http.Error(w, "no such app", http.StatusNotFound)
		return
	}
	start, end, err := parseRange(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	overview, err := a.journal.Overview(r.Context(), host, start, end)
	if err != nil {
		a.log.WithField("host", host).WithError(err).Warn("app-overview query failed")
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, appSummary{Host: host, State: ctrl.State().String(), Overview: overview})
}

type runsPage struct {
	Runs       []journal.RunSummary `json:"runs"`
	NextCursor *int64               `json:"next_cursor"`
}

func (a *API) handleAppRuns(w http.ResponseWriter, r *http.Request) {
	host := r.PathValue("host")
	if a.registry.Lookup(host) == nil {
		http.Error(w, "no such app", http.StatusNotFound)
		return
	}
	start, end, err := parseRange(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	cursor, _ := strconv.ParseInt(r.URL.Query().Get("cursor"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	runs, next, err := a.journal.ListRuns(r.Context(), host, start, end, cursor, limit)
	if err != nil {
		a.log.WithField("host", host).WithError(err).Warn("app-runs query failed")
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, runsPage{Runs: runs, NextCursor: next})
}

type runLogsResponse struct {
	Stdout []journal.LogLine `json:"stdout"`
	Stderr []journal.LogLine `json:"stderr"`
}

func (a *API) handleRunLogs(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	stdout, stderr, err := a.journal.Logs(r.Context(), runID)
	if err != nil {
		a.log.WithField("run_id", runID).WithError(err).Warn("run-logs query failed")
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, runLogsResponse{Stdout: stdout, Stderr: stderr})
}

// parseRange reads the start/end unix-millisecond query parameters spec §6
// defines, defaulting to the last 24 hours when absent.
func parseRange(r *http.Request) (start, end time.Time, err error) {
	end = time.Now()
	start = end.Add(-24 * time.Hour)

	if s := r.URL.Query().Get("start"); s != "" {
		ms, convErr := strconv.ParseInt(s, 10, 64)
		if convErr != nil {
			return time.Time{}, time.Time{}, convErr
		}
		start = time.UnixMilli(ms)
	}
	if e := r.URL.Query().Get("end"); e != "" {
		ms, convErr := strconv.ParseInt(e, 10, 64)
		if convErr != nil {
			return time.Time{}, time.Time{}, convErr
		}
		end = time.UnixMilli(ms)
	}
	return start, end, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
