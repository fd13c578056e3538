package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"opspilot/internal/catalog"
	"opspilot/internal/lifecycle"
	"opspilot/internal/metrics"
	"opspilot/internal/refstore"
	"opspilot/internal/search"
	"opspilot/internal/syncer"
)

const maxRequestBody = 1 << 20 // 1 MB

// Store is the reference-store surface the handlers need.
type Store interface {
	PutScript(ctx context.Context, script catalog.Script) error
	PutPlaybook(ctx context.Context, p catalog.Playbook) error
	GetPlaybook(ctx context.Context, playbookID, version string) (catalog.Playbook, error)
	GetLatestPlaybook(ctx context.Context, playbookID string) (catalog.Playbook, error)
	ListPlaybooks(ctx context.Context, tenantID string, limit, offset int) ([]refstore.PlaybookSummary, int, error)
	DeletePlaybook(ctx context.Context, playbookID, version string) error
}

// Searcher runs the retrieval pipeline.
type Searcher interface {
	Search(ctx context.Context, req search.Request) (search.Response, error)
}

// SyncTrigger starts an explicit sync run.
type SyncTrigger interface {
	Sync(ctx context.Context) (syncer.Report, error)
}

// StatusManager owns lifecycle transitions and execution reports.
type StatusManager interface {
	Transition(ctx context.Context, playbookID, version string, next lifecycle.Status, reason string) error
	RecordExecution(ctx context.Context, playbookID, version string, success bool) error
}

type Server struct {
	Mux       *http.ServeMux
	Store     Store
	Searcher  Searcher
	Publisher *Publisher
	Lifecycle StatusManager
	Sync      SyncTrigger
	Log       *slog.Logger
}

func NewServer(store Store, searcher Searcher) *Server {
	s := &Server{
		Mux:      http.NewServeMux(),
		Store:    store,
		Searcher: searcher,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.Mux.HandleFunc("/healthz", s.handleHealthz)
	s.Mux.Handle("/metrics", metrics.Handler())

	s.Mux.Handle("/v1/search", metrics.Middleware(http.HandlerFunc(s.handleSearch)))
	s.Mux.Handle("/v1/playbooks", metrics.Middleware(http.HandlerFunc(s.handlePlaybooks)))
	s.Mux.Handle("/v1/playbooks/", metrics.Middleware(http.HandlerFunc(s.handlePlaybookByID)))
	s.Mux.Handle("/v1/playbooks/status", metrics.Middleware(http.HandlerFunc(s.handleStatus)))
	s.Mux.Handle("/v1/playbooks/executions", metrics.Middleware(http.HandlerFunc(s.handleExecutions)))
	s.Mux.Handle("/v1/sync", metrics.Middleware(http.HandlerFunc(s.handleSync)))
}

func (s *Server) log() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("write json response", "error", err)
	}
}

// writeError emits a structured error payload. Publish-time failures
// carry actionable detail, never a bare code.
func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	body := map[string]any{"error": code, "message": message}
	if details != nil {
		body["details"] = details
	}
	writeJSON(w, status, body)
}

func decodeBody(w http.ResponseWriter, r *http.Request, into any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(into); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "request body is not valid JSON: "+err.Error(), nil)
		return false
	}
	return true
}

func resolveTenant(bodyTenant, headerTenant string) (string, error) {
	bodyTenant = strings.TrimSpace(bodyTenant)
	headerTenant = strings.TrimSpace(headerTenant)
	if bodyTenant == "" {
		bodyTenant = headerTenant
	} else if headerTenant != "" && headerTenant != bodyTenant {
		return "", errors.New("tenant_id mismatch")
	}
	return bodyTenant, nil
}
