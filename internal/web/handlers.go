package web

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"opspilot/internal/lifecycle"
	"opspilot/internal/refstore"
	"opspilot/internal/search"
	"opspilot/internal/syncer"
)

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST", nil)
		return
	}
	if s.Searcher == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "search engine not configured", nil)
		return
	}
	var req search.Request
	if !decodeBody(w, r, &req) {
		return
	}
	tenantID, err := resolveTenant(req.TenantID, r.Header.Get("X-Tenant-Id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_tenant", err.Error(), nil)
		return
	}
	req.TenantID = tenantID

	resp, err := s.Searcher.Search(r.Context(), req)
	if err != nil {
		s.log().Error("search failed", "error", err)
		writeError(w, http.StatusBadGateway, "search_failed", "search could not be served: "+err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePlaybooks(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		s.listPlaybooks(w, r)
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET or POST", nil)
		return
	}
	if s.Publisher == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "publishing not configured", nil)
		return
	}
	var req PublishRequest
	if !decodeBody(w, r, &req) {
		return
	}
	tenantID, err := resolveTenant(req.TenantID, r.Header.Get("X-Tenant-Id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_tenant", err.Error(), nil)
		return
	}
	req.TenantID = tenantID
	if strings.TrimSpace(req.Playbook.PlaybookID) == "" || strings.TrimSpace(req.Playbook.Version) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "playbook_id and version required", nil)
		return
	}

	resp, err := s.Publisher.Publish(r.Context(), req)
	var rejected *ErrRejected
	switch {
	case errors.As(err, &rejected):
		// The draft failed the gate; the feedback tells the author what
		// to fix.
		writeJSON(w, http.StatusUnprocessableEntity, resp)
	case errors.Is(err, refstore.ErrVersionConflict):
		writeError(w, http.StatusConflict, "version_conflict",
			"this version already exists; re-fetch, bump the version, and retry", nil)
	case err != nil:
		s.log().Error("publish failed", "error", err)
		writeError(w, http.StatusInternalServerError, "publish_failed", err.Error(), nil)
	default:
		writeJSON(w, http.StatusCreated, resp)
	}
}

func (s *Server) listPlaybooks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	tenantID, err := resolveTenant(q.Get("tenant_id"), r.Header.Get("X-Tenant-Id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_tenant", err.Error(), nil)
		return
	}
	items, total, err := s.Store.ListPlaybooks(r.Context(), tenantID, limit, offset)
	if err != nil {
		s.log().Error("list playbooks failed", "error", err)
		writeError(w, http.StatusInternalServerError, "list_failed", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"playbooks": items, "total": total})
}

func (s *Server) handlePlaybookByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/playbooks/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "playbook id required", nil)
		return
	}
	id := parts[0]
	version := ""
	if len(parts) > 1 {
		version = parts[1]
	}

	switch r.Method {
	case http.MethodGet:
		if s.Store == nil {
			writeError(w, http.StatusServiceUnavailable, "unavailable", "store not configured", nil)
			return
		}
		pb, err := s.getPlaybook(r, id, version)
		if errors.Is(err, refstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", err.Error(), nil)
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "store_error", err.Error(), nil)
			return
		}
		writeJSON(w, http.StatusOK, pb)

	case http.MethodDelete:
		if s.Store == nil {
			writeError(w, http.StatusServiceUnavailable, "unavailable", "store not configured", nil)
			return
		}
		if version == "" {
			writeError(w, http.StatusBadRequest, "bad_request", "version required for delete", nil)
			return
		}
		err := s.Store.DeletePlaybook(r.Context(), id, version)
		switch {
		case errors.Is(err, refstore.ErrStillReferenced):
			writeError(w, http.StatusConflict, "still_referenced", err.Error(), nil)
		case errors.Is(err, refstore.ErrNotFound):
			writeError(w, http.StatusNotFound, "not_found", err.Error(), nil)
		case err != nil:
			writeError(w, http.StatusInternalServerError, "store_error", err.Error(), nil)
		default:
			writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
		}

	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET or DELETE", nil)
	}
}

func (s *Server) getPlaybook(r *http.Request, id, version string) (any, error) {
	if version == "" {
		return s.Store.GetLatestPlaybook(r.Context(), id)
	}
	return s.Store.GetPlaybook(r.Context(), id, version)
}

type statusRequest struct {
	TenantID   string `json:"tenant_id,omitempty"`
	PlaybookID string `json:"playbook_id"`
	Version    string `json:"version"`
	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST", nil)
		return
	}
	if s.Lifecycle == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "lifecycle manager not configured", nil)
		return
	}
	var req statusRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.PlaybookID == "" || req.Version == "" || req.Status == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "playbook_id, version, and status required", nil)
		return
	}

	err := s.Lifecycle.Transition(r.Context(), req.PlaybookID, req.Version, lifecycle.Status(req.Status), req.Reason)
	switch {
	case errors.Is(err, refstore.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, lifecycle.ErrUnknownStatus), errors.Is(err, lifecycle.ErrInvalidTransition):
		writeError(w, http.StatusUnprocessableEntity, "invalid_transition", err.Error(), nil)
	case err != nil:
		s.log().Error("status update failed", "error", err)
		writeError(w, http.StatusInternalServerError, "status_failed", err.Error(), nil)
	default:
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

type executionRequest struct {
	PlaybookID string `json:"playbook_id"`
	Version    string `json:"version"`
	Success    bool   `json:"success"`
}

func (s *Server) handleExecutions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST", nil)
		return
	}
	if s.Lifecycle == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "lifecycle manager not configured", nil)
		return
	}
	var req executionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.PlaybookID == "" || req.Version == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "playbook_id and version required", nil)
		return
	}
	err := s.Lifecycle.RecordExecution(r.Context(), req.PlaybookID, req.Version, req.Success)
	switch {
	case errors.Is(err, refstore.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), nil)
	case err != nil:
		writeError(w, http.StatusInternalServerError, "execution_failed", err.Error(), nil)
	default:
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST", nil)
		return
	}
	if s.Sync == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "sync not configured", nil)
		return
	}
	report, err := s.Sync.Sync(r.Context())
	switch {
	case errors.Is(err, syncer.ErrSyncInFlight):
		writeError(w, http.StatusConflict, "sync_in_flight", "a sync is already running; retry later", nil)
	case err != nil:
		s.log().Error("sync failed", "error", err)
		writeError(w, http.StatusInternalServerError, "sync_failed", err.Error(), nil)
	default:
		writeJSON(w, http.StatusOK, report)
	}
}
