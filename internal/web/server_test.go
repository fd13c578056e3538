package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"

	"opspilot/internal/catalog"
	"opspilot/internal/lifecycle"
	"opspilot/internal/refstore"
	"opspilot/internal/search"
	"opspilot/internal/syncer"
)

type fakeStore struct {
	scripts   map[string]catalog.Script
	playbooks map[string]catalog.Playbook
	putErr    error
	deleteErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{scripts: map[string]catalog.Script{}, playbooks: map[string]catalog.Playbook{}}
}

func (f *fakeStore) PutScript(_ context.Context, script catalog.Script) error {
	key := script.ScriptID + "@" + script.Version
	if _, ok := f.scripts[key]; ok {
		return fmt.Errorf("%w: script %s", refstore.ErrVersionConflict, key)
	}
	f.scripts[key] = script
	return nil
}

func (f *fakeStore) PutPlaybook(_ context.Context, p catalog.Playbook) error {
	if f.putErr != nil {
		return f.putErr
	}
	key := p.PlaybookID + "@" + p.Version
	if _, ok := f.playbooks[key]; ok {
		return fmt.Errorf("%w: playbook %s", refstore.ErrVersionConflict, key)
	}
	f.playbooks[key] = p
	return nil
}

func (f *fakeStore) GetPlaybook(_ context.Context, id, version string) (catalog.Playbook, error) {
	pb, ok := f.playbooks[id+"@"+version]
	if !ok {
		return catalog.Playbook{}, fmt.Errorf("%w: playbook %s@%s", refstore.ErrNotFound, id, version)
	}
	return pb, nil
}

func (f *fakeStore) GetLatestPlaybook(_ context.Context, id string) (catalog.Playbook, error) {
	var latest catalog.Playbook
	found := false
	for _, pb := range f.playbooks {
		if pb.PlaybookID != id {
			continue
		}
		if !found || catalog.CompareVersions(pb.Version, latest.Version) > 0 {
			latest = pb
			found = true
		}
	}
	if !found {
		return catalog.Playbook{}, fmt.Errorf("%w: playbook %s", refstore.ErrNotFound, id)
	}
	return latest, nil
}

func (f *fakeStore) ListPlaybooks(_ context.Context, tenantID string, limit, offset int) ([]refstore.PlaybookSummary, int, error) {
	var out []refstore.PlaybookSummary
	for _, pb := range f.playbooks {
		if tenantID != "" && pb.TenantID != tenantID {
			continue
		}
		out = append(out, refstore.PlaybookSummary{
			PlaybookID:   pb.PlaybookID,
			Version:      pb.Version,
			TenantID:     pb.TenantID,
			Name:         pb.Name,
			Status:       string(pb.Status),
			QualityScore: pb.QualityScore,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlaybookID < out[j].PlaybookID })
	total := len(out)
	if offset > len(out) {
		offset = len(out)
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, total, nil
}

func (f *fakeStore) DeletePlaybook(_ context.Context, id, version string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	key := id + "@" + version
	if _, ok := f.playbooks[key]; !ok {
		return fmt.Errorf("%w: playbook %s", refstore.ErrNotFound, key)
	}
	delete(f.playbooks, key)
	return nil
}

type fakeSearcher struct {
	resp search.Response
	err  error
	last search.Request
}

func (f *fakeSearcher) Search(_ context.Context, req search.Request) (search.Response, error) {
	f.last = req
	return f.resp, f.err
}

type transitionCall struct {
	id, version string
	next        lifecycle.Status
}

type fakeLifecycle struct {
	transitions []transitionCall
	executions  int
	err         error
}

func (f *fakeLifecycle) Transition(_ context.Context, id, version string, next lifecycle.Status, _ string) error {
	if f.err != nil {
		return f.err
	}
	f.transitions = append(f.transitions, transitionCall{id: id, version: version, next: next})
	return nil
}

func (f *fakeLifecycle) RecordExecution(_ context.Context, _, _ string, _ bool) error {
	f.executions++
	return f.err
}

type fakeSyncTrigger struct {
	report syncer.Report
	err    error
}

func (f *fakeSyncTrigger) Sync(_ context.Context) (syncer.Report, error) {
	return f.report, f.err
}

type fakeChecker struct{ err error }

func (f *fakeChecker) CheckReferences(_ context.Context, _ catalog.Playbook) error { return f.err }

func publishableDraft() catalog.Playbook {
	return catalog.Playbook{
		PlaybookID: "restart-payments",
		Version:    "1.0.0",
		Name:       "restart payments service",
		Description: "Performs a rolling restart of the payments deployment after draining traffic, " +
			"verifying pod health before restoring the load balancer target group.",
		Keywords:      []string{"restart", "payments", "deployment", "rolling", "recovery"},
		UseCases:      []string{"crashlooping pods", "memory leak mitigation"},
		Prerequisites: []string{"kubectl access"},
		Steps: []catalog.Step{{
			Name:          "restart deployment",
			ScriptRef:     &catalog.ScriptRef{ScriptID: "restart", Version: "1.0.0", Implementation: "shell"},
			FailureAction: "stop",
		}},
		ExplainPlan: catalog.ExplainPlan{
			Rationale:        "A rolling restart clears wedged worker state without dropping in-flight requests, because traffic is drained first.",
			Risks:            []string{"brief capacity reduction"},
			RollbackStrategy: "kubectl rollout undo",
		},
		TestPlan: "Run against the staging cluster with --dry-run, then one canary pod.",
	}
}

func newTestServer(store *fakeStore) (*Server, *fakeLifecycle) {
	lc := &fakeLifecycle{}
	s := NewServer(store, &fakeSearcher{})
	s.Lifecycle = lc
	s.Publisher = &Publisher{Store: store, Checker: &fakeChecker{}, Lifecycle: lc}
	s.Sync = &fakeSyncTrigger{}
	return s, lc
}

func postJSON(t *testing.T, s *Server, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	w := httptest.NewRecorder()
	s.Mux.ServeHTTP(w, req)
	return w
}

func TestPublishHappyPath(t *testing.T) {
	store := newFakeStore()
	s, lc := newTestServer(store)

	w := postJSON(t, s, "/v1/playbooks", PublishRequest{
		TenantID: "acme",
		Playbook: publishableDraft(),
		Scripts: []catalog.Script{{
			ScriptID: "restart", Version: "1.0.0", Name: "restart",
			Implementations: map[string]catalog.Implementation{
				"shell": {Type: "shell", Source: "echo restart", EntryPoint: "main.sh"},
			},
		}},
		Activate: true,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status: %d body: %s", w.Code, w.Body.String())
	}
	var resp PublishResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "published" || resp.QualityScore < 90 {
		t.Fatalf("resp: %+v", resp)
	}
	stored, ok := store.playbooks["restart-payments@1.0.0"]
	if !ok {
		t.Fatal("playbook not stored")
	}
	if stored.TenantID != "acme" || stored.QualityScore != resp.QualityScore {
		t.Fatalf("stored: %+v", stored)
	}
	if len(lc.transitions) != 1 || lc.transitions[0].next != lifecycle.StatusActive {
		t.Fatalf("transitions: %+v", lc.transitions)
	}
	if _, ok := store.scripts["restart@1.0.0"]; !ok {
		t.Fatal("uploaded script not stored")
	}
}

func TestPublishRejectsLowQuality(t *testing.T) {
	s, _ := newTestServer(newFakeStore())
	draft := catalog.Playbook{
		PlaybookID: "bare",
		Version:    "1.0.0",
		Name:       "bare",
		Steps: []catalog.Step{{
			Name:      "do",
			ScriptRef: &catalog.ScriptRef{ScriptID: "s", Version: "1.0.0", Implementation: "shell"},
		}},
	}
	w := postJSON(t, s, "/v1/playbooks", PublishRequest{TenantID: "acme", Playbook: draft})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status: %d", w.Code)
	}
	var resp PublishResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "rejected" || len(resp.Feedback.BlockingIssues) == 0 {
		t.Fatalf("resp: %+v", resp)
	}
}

func TestPublishRejectsBadReferences(t *testing.T) {
	store := newFakeStore()
	s, _ := newTestServer(store)
	s.Publisher.Checker = &fakeChecker{err: errors.New("step 1 references x@1.0.0: cyclic reference detected")}

	w := postJSON(t, s, "/v1/playbooks", PublishRequest{TenantID: "acme", Playbook: publishableDraft()})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status: %d body: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "cyclic reference") {
		t.Fatalf("body: %s", w.Body.String())
	}
	if len(store.playbooks) != 0 {
		t.Fatal("rejected draft must not be stored")
	}
}

func TestPublishVersionConflict(t *testing.T) {
	store := newFakeStore()
	s, _ := newTestServer(store)
	first := postJSON(t, s, "/v1/playbooks", PublishRequest{TenantID: "acme", Playbook: publishableDraft()})
	if first.Code != http.StatusCreated {
		t.Fatalf("first publish: %d", first.Code)
	}
	second := postJSON(t, s, "/v1/playbooks", PublishRequest{TenantID: "acme", Playbook: publishableDraft()})
	if second.Code != http.StatusConflict {
		t.Fatalf("second publish: %d body: %s", second.Code, second.Body.String())
	}
	if !strings.Contains(second.Body.String(), "version_conflict") {
		t.Fatalf("body: %s", second.Body.String())
	}
}

func TestSearchEndpoint(t *testing.T) {
	searcher := &fakeSearcher{resp: search.Response{Results: []search.Result{{Rank: 1, PlaybookID: "fix", Version: "1.0.0"}}}}
	s := NewServer(newFakeStore(), searcher)

	body := map[string]any{"intent": map[string]any{"action": "restart"}, "tenant_id": "acme"}
	w := postJSON(t, s, "/v1/search", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d body: %s", w.Code, w.Body.String())
	}
	if searcher.last.TenantID != "acme" {
		t.Fatalf("tenant: %q", searcher.last.TenantID)
	}
	var resp search.Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Results) != 1 || resp.Results[0].PlaybookID != "fix" {
		t.Fatalf("resp: %+v", resp)
	}
}

func TestSearchTenantHeaderMismatch(t *testing.T) {
	s := NewServer(newFakeStore(), &fakeSearcher{})
	payload, _ := json.Marshal(map[string]any{"intent": map[string]any{"action": "restart"}, "tenant_id": "acme"})
	req := httptest.NewRequest(http.MethodPost, "/v1/search", bytes.NewReader(payload))
	req.Header.Set("X-Tenant-Id", "other")
	w := httptest.NewRecorder()
	s.Mux.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status: %d", w.Code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	s, lc := newTestServer(newFakeStore())
	w := postJSON(t, s, "/v1/playbooks/status", statusRequest{
		PlaybookID: "fix", Version: "1.0.0", Status: "active", Reason: "reviewed",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d body: %s", w.Code, w.Body.String())
	}
	if len(lc.transitions) != 1 || lc.transitions[0].next != lifecycle.StatusActive {
		t.Fatalf("transitions: %+v", lc.transitions)
	}
}

func TestStatusEndpointInvalidTransition(t *testing.T) {
	s, lc := newTestServer(newFakeStore())
	lc.err = fmt.Errorf("%w: archived -> active", lifecycle.ErrInvalidTransition)
	w := postJSON(t, s, "/v1/playbooks/status", statusRequest{
		PlaybookID: "fix", Version: "1.0.0", Status: "active",
	})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status: %d", w.Code)
	}
}

func TestExecutionsEndpoint(t *testing.T) {
	s, lc := newTestServer(newFakeStore())
	w := postJSON(t, s, "/v1/playbooks/executions", executionRequest{
		PlaybookID: "fix", Version: "1.0.0", Success: false,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d", w.Code)
	}
	if lc.executions != 1 {
		t.Fatalf("executions: %d", lc.executions)
	}
}

func TestSyncEndpointConflictWhenInFlight(t *testing.T) {
	s, _ := newTestServer(newFakeStore())
	s.Sync = &fakeSyncTrigger{err: syncer.ErrSyncInFlight}
	w := postJSON(t, s, "/v1/sync", map[string]any{})
	if w.Code != http.StatusConflict {
		t.Fatalf("status: %d", w.Code)
	}

	s.Sync = &fakeSyncTrigger{report: syncer.Report{Synced: 3}}
	w = postJSON(t, s, "/v1/sync", map[string]any{})
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"synced":3`) {
		t.Fatalf("body: %s", w.Body.String())
	}
}

func TestGetPlaybookLatestAndByVersion(t *testing.T) {
	store := newFakeStore()
	older := publishableDraft()
	newer := publishableDraft()
	newer.Version = "1.1.0"
	store.playbooks["restart-payments@1.0.0"] = older
	store.playbooks["restart-payments@1.1.0"] = newer
	s, _ := newTestServer(store)

	req := httptest.NewRequest(http.MethodGet, "/v1/playbooks/restart-payments", nil)
	w := httptest.NewRecorder()
	s.Mux.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"version":"1.1.0"`) {
		t.Fatalf("latest body: %s", w.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/playbooks/restart-payments/1.0.0", nil)
	w = httptest.NewRecorder()
	s.Mux.ServeHTTP(w, req)
	if !strings.Contains(w.Body.String(), `"version":"1.0.0"`) {
		t.Fatalf("versioned body: %s", w.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/playbooks/missing", nil)
	w = httptest.NewRecorder()
	s.Mux.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("missing status: %d", w.Code)
	}
}

func TestDeletePlaybookStillReferenced(t *testing.T) {
	store := newFakeStore()
	store.playbooks["child@1.0.0"] = publishableDraft()
	store.deleteErr = fmt.Errorf("%w: child@1.0.0 has 2 referencing playbooks", refstore.ErrStillReferenced)
	s, _ := newTestServer(store)

	req := httptest.NewRequest(http.MethodDelete, "/v1/playbooks/child/1.0.0", nil)
	w := httptest.NewRecorder()
	s.Mux.ServeHTTP(w, req)
	if w.Code != http.StatusConflict {
		t.Fatalf("status: %d", w.Code)
	}
}

func TestHealthz(t *testing.T) {
	s := NewServer(newFakeStore(), &fakeSearcher{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	s.Mux.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d", w.Code)
	}
}

type fakeBlobStore struct {
	puts map[string][]byte
}

func (f *fakeBlobStore) Enabled() bool { return true }

func (f *fakeBlobStore) PutScriptSource(ctx context.Context, scriptID, version, impl string, data []byte) (string, error) {
	if f.puts == nil {
		f.puts = map[string][]byte{}
	}
	key := "scripts/" + scriptID + "/" + version + "/" + impl
	f.puts[key] = data
	return "s3://playbooks/" + key, nil
}

func TestPublishOffloadsLargeSources(t *testing.T) {
	store := newFakeStore()
	blobs := &fakeBlobStore{}
	s, _ := newTestServer(store)
	s.Publisher.Blobs = blobs

	big := strings.Repeat("x", maxInlineSource+1)
	w := postJSON(t, s, "/v1/playbooks", PublishRequest{
		TenantID: "acme",
		Playbook: publishableDraft(),
		Scripts: []catalog.Script{{
			ScriptID: "restart", Version: "1.0.0", Name: "restart",
			Implementations: map[string]catalog.Implementation{
				"shell":  {Type: "shell", Source: big, EntryPoint: "main.sh"},
				"python": {Type: "python", Source: "print('ok')", EntryPoint: "main.py"},
			},
		}},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status: %d body: %s", w.Code, w.Body.String())
	}
	stored := store.scripts["restart@1.0.0"]
	shell := stored.Implementations["shell"]
	if shell.Source != "" || shell.SourceRef != "s3://playbooks/scripts/restart/1.0.0/shell" {
		t.Fatalf("shell impl: %+v", shell)
	}
	if stored.Implementations["python"].SourceRef != "" {
		t.Fatalf("small source offloaded: %+v", stored.Implementations["python"])
	}
	if len(blobs.puts) != 1 {
		t.Fatalf("puts: %d", len(blobs.puts))
	}
}

func TestListPlaybooks(t *testing.T) {
	store := newFakeStore()
	a := publishableDraft()
	a.TenantID = "acme"
	b := publishableDraft()
	b.PlaybookID = "scale-workers"
	b.TenantID = "globex"
	store.playbooks["restart-payments@1.0.0"] = a
	store.playbooks["scale-workers@1.0.0"] = b
	s, _ := newTestServer(store)

	req := httptest.NewRequest(http.MethodGet, "/v1/playbooks?tenant_id=acme", nil)
	w := httptest.NewRecorder()
	s.Mux.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d body: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Playbooks []refstore.PlaybookSummary `json:"playbooks"`
		Total     int                        `json:"total"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Total != 1 || len(resp.Playbooks) != 1 || resp.Playbooks[0].PlaybookID != "restart-payments" {
		t.Fatalf("resp: %+v", resp)
	}
}

func TestListPlaybooksAllTenants(t *testing.T) {
	store := newFakeStore()
	store.playbooks["restart-payments@1.0.0"] = publishableDraft()
	s, _ := newTestServer(store)

	req := httptest.NewRequest(http.MethodGet, "/v1/playbooks", nil)
	w := httptest.NewRecorder()
	s.Mux.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"total":1`) {
		t.Fatalf("body: %s", w.Body.String())
	}
}
