package refstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"opspilot/internal/catalog"
	"opspilot/internal/lifecycle"
)

type fakeResult struct {
	affected int64
}

func (fakeResult) LastInsertId() (int64, error)   { return 0, nil }
func (r fakeResult) RowsAffected() (int64, error) { return r.affected, nil }

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i := range dest {
		if i >= len(r.values) {
			break
		}
		switch d := dest[i].(type) {
		case *string:
			*d = r.values[i].(string)
		case *[]byte:
			*d = r.values[i].([]byte)
		case *time.Time:
			*d = r.values[i].(time.Time)
		case *int:
			*d = r.values[i].(int)
		}
	}
	return nil
}

type fakeConn struct {
	row           rowScanner
	rows          []rowScanner
	rowCalls      int
	execErr       error
	execCalls     int
	lastQuery     string
	lastArgs      []any
	lastExecQuery string
	lastExecArgs  []any
	execQueries   []string
	affected      int64
}

func (c *fakeConn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	c.lastExecQuery = query
	c.lastExecArgs = args
	c.execQueries = append(c.execQueries, query)
	c.execCalls++
	if c.execErr != nil {
		return fakeResult{}, c.execErr
	}
	// affected: 0 means "report one row", -1 means "report zero rows".
	affected := c.affected
	switch affected {
	case 0:
		affected = 1
	case -1:
		affected = 0
	}
	return fakeResult{affected: affected}, nil
}

func (c *fakeConn) QueryRowContext(ctx context.Context, query string, args ...any) rowScanner {
	c.lastQuery = query
	c.lastArgs = args
	if len(c.rows) > 0 {
		row := c.rows[c.rowCalls%len(c.rows)]
		c.rowCalls++
		return row
	}
	return c.row
}

func testScript() catalog.Script {
	return catalog.Script{
		ScriptID: "scr-restart",
		Version:  "1.0.0",
		Name:     "Restart deployment",
		Implementations: map[string]catalog.Implementation{
			"shell": {Type: "shell", Source: "kubectl rollout restart deploy/$1", EntryPoint: "run.sh"},
		},
	}
}

func testPlaybook() catalog.Playbook {
	return catalog.Playbook{
		PlaybookID:  "pb-restart",
		Version:     "1.0.0",
		Name:        "Restart service",
		Description: "Rolling restart",
		Status:      lifecycle.StatusDraft,
		Steps: []catalog.Step{
			{Name: "restart", ScriptRef: &catalog.ScriptRef{ScriptID: "scr-restart", Version: "1.0.0", Implementation: "shell"}},
			{Name: "verify", PlaybookRef: &catalog.PlaybookRef{PlaybookID: "pb-verify", Version: "1.0.0"}},
		},
	}
}

func TestPutScript(t *testing.T) {
	conn := &fakeConn{}
	s := &Store{conn: conn}
	if err := s.PutScript(context.Background(), testScript()); err != nil {
		t.Fatalf("err: %v", err)
	}
	if !strings.Contains(conn.lastExecQuery, "INSERT INTO assets") {
		t.Fatalf("query: %s", conn.lastExecQuery)
	}
}

func TestPutScriptMissingID(t *testing.T) {
	s := &Store{conn: &fakeConn{}}
	script := testScript()
	script.ScriptID = ""
	if err := s.PutScript(context.Background(), script); err == nil {
		t.Fatal("expected error")
	}
}

func TestPutScriptNoImplementations(t *testing.T) {
	s := &Store{conn: &fakeConn{}}
	script := testScript()
	script.Implementations = nil
	if err := s.PutScript(context.Background(), script); err == nil {
		t.Fatal("expected error")
	}
}

func TestPutPlaybookRecordsRefs(t *testing.T) {
	conn := &fakeConn{}
	s := &Store{conn: conn}
	if err := s.PutPlaybook(context.Background(), testPlaybook()); err != nil {
		t.Fatalf("err: %v", err)
	}
	if len(conn.execQueries) != 2 {
		t.Fatalf("exec calls: %d", len(conn.execQueries))
	}
	if !strings.Contains(conn.execQueries[1], "INSERT INTO asset_refs") {
		t.Fatalf("query: %s", conn.execQueries[1])
	}
}

func TestGetPlaybookNotFound(t *testing.T) {
	conn := &fakeConn{row: fakeRow{err: sql.ErrNoRows}}
	s := &Store{conn: conn}
	_, err := s.GetPlaybook(context.Background(), "pb", "1.0.0")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err: %v", err)
	}
}

func TestGetPlaybookOK(t *testing.T) {
	payload, _ := json.Marshal(testPlaybook())
	now := time.Now().UTC()
	conn := &fakeConn{row: fakeRow{values: []any{payload, "active", 85, 10, 9, 0, now}}}
	s := &Store{conn: conn}
	p, err := s.GetPlaybook(context.Background(), "pb-restart", "1.0.0")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if p.Status != lifecycle.StatusActive {
		t.Fatalf("status column should win: %s", p.Status)
	}
	if p.QualityScore != 85 || p.Stats.ExecutionCount != 10 || p.Stats.SuccessCount != 9 {
		t.Fatalf("stats: %+v score=%d", p.Stats, p.QualityScore)
	}
}

func TestGetScriptNotFound(t *testing.T) {
	conn := &fakeConn{row: fakeRow{err: sql.ErrNoRows}}
	s := &Store{conn: conn}
	if _, err := s.GetScript(context.Background(), "scr", "1.0.0"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err: %v", err)
	}
}

func TestGetLatestPlaybook(t *testing.T) {
	playbookPayload, _ := json.Marshal(testPlaybook())
	versions, _ := json.Marshal([]string{"1.0.0", "1.2.0", "1.1.5"})
	conn := &fakeConn{rows: []rowScanner{
		fakeRow{values: []any{versions}},
		fakeRow{values: []any{playbookPayload, "active", 80, 0, 0, 0, time.Now().UTC()}},
	}}
	s := &Store{conn: conn}
	if _, err := s.GetLatestPlaybook(context.Background(), "pb-restart"); err != nil {
		t.Fatalf("err: %v", err)
	}
	if len(conn.lastArgs) != 3 || conn.lastArgs[2] != "1.2.0" {
		t.Fatalf("expected highest semver fetch, args: %v", conn.lastArgs)
	}
}

func TestGetLatestPlaybookNone(t *testing.T) {
	versions, _ := json.Marshal([]string{})
	conn := &fakeConn{row: fakeRow{values: []any{versions}}}
	s := &Store{conn: conn}
	if _, err := s.GetLatestPlaybook(context.Background(), "pb"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err: %v", err)
	}
}

func TestListChangedSince(t *testing.T) {
	objs := []ChangedObject{{Kind: catalog.KindPlaybook, ID: "pb-restart", Version: "1.0.0", Status: "active"}}
	data, _ := json.Marshal(objs)
	conn := &fakeConn{row: fakeRow{values: []any{data}}}
	s := &Store{conn: conn}
	out, err := s.ListChangedSince(context.Background(), Marker{}, 100)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if len(out) != 1 || out[0].ID != "pb-restart" {
		t.Fatalf("out: %+v", out)
	}
}

func TestDeletePlaybookGuard(t *testing.T) {
	conn := &fakeConn{row: fakeRow{values: []any{2}}}
	s := &Store{conn: conn}
	err := s.DeletePlaybook(context.Background(), "pb", "1.0.0")
	if !errors.Is(err, ErrStillReferenced) {
		t.Fatalf("err: %v", err)
	}
	if len(conn.execQueries) != 0 {
		t.Fatalf("should not delete: %v", conn.execQueries)
	}
}

func TestDeletePlaybookOK(t *testing.T) {
	conn := &fakeConn{row: fakeRow{values: []any{0}}}
	s := &Store{conn: conn}
	if err := s.DeletePlaybook(context.Background(), "pb", "1.0.0"); err != nil {
		t.Fatalf("err: %v", err)
	}
	if len(conn.execQueries) != 2 {
		t.Fatalf("exec queries: %v", conn.execQueries)
	}
	if !strings.Contains(conn.execQueries[1], "DELETE FROM assets") {
		t.Fatalf("query: %s", conn.execQueries[1])
	}
}

func TestSetStatusNotFound(t *testing.T) {
	conn := &fakeConn{affected: -1}
	s := &Store{conn: conn}
	err := s.SetStatus(context.Background(), "pb", "1.0.0", lifecycle.StatusActive, "")
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestGetStatus(t *testing.T) {
	conn := &fakeConn{row: fakeRow{values: []any{"active"}}}
	s := &Store{conn: conn}
	status, err := s.GetStatus(context.Background(), "pb", "1.0.0")
	if err != nil || status != lifecycle.StatusActive {
		t.Fatalf("status=%s err=%v", status, err)
	}
}

func TestListVersionsByStatus(t *testing.T) {
	data, _ := json.Marshal([]string{"1.0.0", "1.1.0"})
	conn := &fakeConn{row: fakeRow{values: []any{data}}}
	s := &Store{conn: conn}
	versions, err := s.ListVersionsByStatus(context.Background(), "pb", lifecycle.StatusActive)
	if err != nil || len(versions) != 2 {
		t.Fatalf("versions=%v err=%v", versions, err)
	}
}

func TestRecordExecution(t *testing.T) {
	conn := &fakeConn{row: fakeRow{values: []any{3}}}
	s := &Store{conn: conn}
	failures, err := s.RecordExecution(context.Background(), "pb", "1.0.0", false)
	if err != nil || failures != 3 {
		t.Fatalf("failures=%d err=%v", failures, err)
	}
	if !strings.Contains(conn.lastQuery, "RETURNING consecutive_failures") {
		t.Fatalf("query: %s", conn.lastQuery)
	}
}

func TestClampLimit(t *testing.T) {
	if clampLimit(0) != 100 || clampLimit(-1) != 100 {
		t.Fatal("default")
	}
	if clampLimit(1000) != 500 {
		t.Fatal("max")
	}
	if clampLimit(42) != 42 {
		t.Fatal("passthrough")
	}
}

func TestListPlaybooks(t *testing.T) {
	summaries := []PlaybookSummary{{PlaybookID: "pb-restart", Version: "1.0.0", Name: "restart", Status: "active"}}
	data, _ := json.Marshal(summaries)
	conn := &fakeConn{row: fakeRow{values: []any{data, 7}}}
	s := &Store{conn: conn}
	out, total, err := s.ListPlaybooks(context.Background(), "acme", 0, -3)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if total != 7 || len(out) != 1 || out[0].PlaybookID != "pb-restart" {
		t.Fatalf("out: %+v total: %d", out, total)
	}
	if len(conn.lastArgs) != 4 || conn.lastArgs[1] != "acme" || conn.lastArgs[2] != 50 || conn.lastArgs[3] != 0 {
		t.Fatalf("args: %v", conn.lastArgs)
	}
}

func TestClampPagination(t *testing.T) {
	if l, o := clampPagination(0, -1); l != 50 || o != 0 {
		t.Fatal("defaults")
	}
	if l, _ := clampPagination(1000, 0); l != 200 {
		t.Fatal("max")
	}
}
