package refstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"opspilot/internal/catalog"
	"opspilot/internal/lifecycle"
)

var nowFunc = time.Now

// PutScript stores a script version. An existing (id, version) is a
// conflict, never an overwrite.
func (s *Store) PutScript(ctx context.Context, script catalog.Script) error {
	if strings.TrimSpace(script.ScriptID) == "" || strings.TrimSpace(script.Version) == "" {
		return errors.New("script id and version required")
	}
	if len(script.Implementations) == 0 {
		return errors.New("script requires at least one implementation")
	}
	payload, err := json.Marshal(script)
	if err != nil {
		return err
	}
	now := nowFunc().UTC()
	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO assets(kind, asset_id, version, tenant_id, status, author_class, payload, updated_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
	`, catalog.KindScript, script.ScriptID, script.Version, "", "", "", payload, now)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: script %s@%s", ErrVersionConflict, script.ScriptID, script.Version)
		}
		return err
	}
	return nil
}

// PutPlaybook stores a playbook version and records its playbook_ref
// edges for the delete guard. Insert and edges commit atomically.
func (s *Store) PutPlaybook(ctx context.Context, p catalog.Playbook) error {
	if strings.TrimSpace(p.PlaybookID) == "" || strings.TrimSpace(p.Version) == "" {
		return errors.New("playbook id and version required")
	}
	now := nowFunc().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	payload, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(conn dbConn) error {
		_, err := conn.ExecContext(ctx, `
			INSERT INTO assets(kind, asset_id, version, tenant_id, status, author_class, payload,
				quality_score, execution_count, success_count, consecutive_failures, updated_at, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		`, catalog.KindPlaybook, p.PlaybookID, p.Version, p.TenantID, string(p.Status), string(p.AuthorClass),
			payload, p.QualityScore, p.Stats.ExecutionCount, p.Stats.SuccessCount,
			p.Stats.ConsecutiveFailures, now, p.CreatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: playbook %s@%s", ErrVersionConflict, p.PlaybookID, p.Version)
			}
			return err
		}
		for _, step := range p.Steps {
			if step.PlaybookRef == nil {
				continue
			}
			_, err := conn.ExecContext(ctx, `
				INSERT INTO asset_refs(parent_id, parent_version, child_id, child_version)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT DO NOTHING
			`, p.PlaybookID, p.Version, step.PlaybookRef.PlaybookID, step.PlaybookRef.Version)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// GetScript fetches a script by (id, version).
func (s *Store) GetScript(ctx context.Context, scriptID, version string) (catalog.Script, error) {
	var payload []byte
	row := s.conn.QueryRowContext(ctx, `
		SELECT payload FROM assets WHERE kind=$1 AND asset_id=$2 AND version=$3
	`, catalog.KindScript, scriptID, version)
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return catalog.Script{}, fmt.Errorf("%w: script %s@%s", ErrNotFound, scriptID, version)
		}
		return catalog.Script{}, err
	}
	var script catalog.Script
	if err := json.Unmarshal(payload, &script); err != nil {
		return catalog.Script{}, err
	}
	return script, nil
}

// GetPlaybook fetches a playbook by (id, version). Status and stats come
// from their columns so lifecycle updates are visible without rewriting
// the payload.
func (s *Store) GetPlaybook(ctx context.Context, playbookID, version string) (catalog.Playbook, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT payload, status, quality_score, execution_count, success_count, consecutive_failures, updated_at
		FROM assets WHERE kind=$1 AND asset_id=$2 AND version=$3
	`, catalog.KindPlaybook, playbookID, version)
	return scanPlaybook(row, playbookID, version)
}

// GetLatestPlaybook fetches the highest semver version of a playbook id.
func (s *Store) GetLatestPlaybook(ctx context.Context, playbookID string) (catalog.Playbook, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT COALESCE(jsonb_agg(version), '[]'::jsonb)
		FROM assets WHERE kind=$1 AND asset_id=$2
	`, catalog.KindPlaybook, playbookID)
	var data []byte
	if err := row.Scan(&data); err != nil {
		return catalog.Playbook{}, err
	}
	var versions []string
	if err := json.Unmarshal(data, &versions); err != nil {
		return catalog.Playbook{}, err
	}
	latest := ""
	for _, v := range versions {
		if latest == "" || catalog.CompareVersions(v, latest) > 0 {
			latest = v
		}
	}
	if latest == "" {
		return catalog.Playbook{}, fmt.Errorf("%w: playbook %s", ErrNotFound, playbookID)
	}
	return s.GetPlaybook(ctx, playbookID, latest)
}

func scanPlaybook(row rowScanner, playbookID, version string) (catalog.Playbook, error) {
	var payload []byte
	var status string
	var qualityScore, executions, successes, failures int
	var updatedAt time.Time
	if err := row.Scan(&payload, &status, &qualityScore, &executions, &successes, &failures, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return catalog.Playbook{}, fmt.Errorf("%w: playbook %s@%s", ErrNotFound, playbookID, version)
		}
		return catalog.Playbook{}, err
	}
	var p catalog.Playbook
	if err := json.Unmarshal(payload, &p); err != nil {
		return catalog.Playbook{}, err
	}
	p.Status = lifecycle.Status(status)
	p.QualityScore = qualityScore
	p.Stats.ExecutionCount = executions
	p.Stats.SuccessCount = successes
	p.Stats.ConsecutiveFailures = failures
	p.UpdatedAt = updatedAt
	return p, nil
}

// ChangedObject is one reference-store object the sync engine must
// process.
type ChangedObject struct {
	Kind      string          `json:"kind"`
	ID        string          `json:"id"`
	Version   string          `json:"version"`
	TenantID  string          `json:"tenant_id"`
	Status    string          `json:"status"`
	Payload   json.RawMessage `json:"payload"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ListChangedSince returns objects modified strictly after the marker,
// ordered by (updated_at, asset_id, version) so a crash mid-batch can
// resume from the old marker without skipping anything.
func (s *Store) ListChangedSince(ctx context.Context, marker Marker, limit int) ([]ChangedObject, error) {
	limit = clampLimit(limit)
	row := s.conn.QueryRowContext(ctx, `
		SELECT COALESCE(jsonb_agg(jsonb_build_object(
			'kind', kind,
			'id', asset_id,
			'version', version,
			'tenant_id', tenant_id,
			'status', status,
			'payload', payload,
			'updated_at', updated_at
		) ORDER BY updated_at, asset_id, version), '[]'::jsonb)
		FROM (
			SELECT * FROM assets
			WHERE (updated_at, asset_id) > ($1, $2)
			ORDER BY updated_at, asset_id, version
			LIMIT $3
		) AS sub
	`, marker.UpdatedAt, marker.LastID, limit)
	var data []byte
	if err := row.Scan(&data); err != nil {
		return nil, err
	}
	var out []ChangedObject
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DeletePlaybook removes a playbook version. Refused while another
// playbook still references it.
func (s *Store) DeletePlaybook(ctx context.Context, playbookID, version string) error {
	if s == nil || s.conn == nil {
		return errors.New("store not available")
	}
	return s.withTx(ctx, func(conn dbConn) error {
		row := conn.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM asset_refs WHERE child_id=$1 AND child_version=$2
		`, playbookID, version)
		var refs int
		if err := row.Scan(&refs); err != nil {
			return err
		}
		if refs > 0 {
			return fmt.Errorf("%w: %s@%s has %d referencing playbooks", ErrStillReferenced, playbookID, version, refs)
		}
		if _, err := conn.ExecContext(ctx, `
			DELETE FROM asset_refs WHERE parent_id=$1 AND parent_version=$2
		`, playbookID, version); err != nil {
			return err
		}
		_, err := conn.ExecContext(ctx, `
			DELETE FROM assets WHERE kind=$1 AND asset_id=$2 AND version=$3
		`, catalog.KindPlaybook, playbookID, version)
		return err
	})
}

// PlaybookSummary is one row of a catalog listing.
type PlaybookSummary struct {
	PlaybookID   string    `json:"playbook_id"`
	Version      string    `json:"version"`
	TenantID     string    `json:"tenant_id,omitempty"`
	Name         string    `json:"name"`
	Status       string    `json:"status"`
	AuthorClass  string    `json:"author_class,omitempty"`
	QualityScore int       `json:"quality_score"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// clampPagination normalises limit/offset for list queries.
// Default limit=50, max limit=200, offset>=0.
func clampPagination(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// ListPlaybooks pages through playbook versions, newest change first.
// An empty tenantID lists every tenant.
func (s *Store) ListPlaybooks(ctx context.Context, tenantID string, limit, offset int) ([]PlaybookSummary, int, error) {
	limit, offset = clampPagination(limit, offset)
	query := `WITH total AS (SELECT COUNT(*) AS cnt FROM assets WHERE kind=$1 AND ($2='' OR tenant_id=$2))
	SELECT COALESCE(jsonb_agg(
		jsonb_build_object(
			'playbook_id', asset_id,
			'version', version,
			'tenant_id', tenant_id,
			'name', payload->>'name',
			'status', status,
			'author_class', author_class,
			'quality_score', quality_score,
			'updated_at', updated_at
		) ORDER BY updated_at DESC
	), '[]'::jsonb),
	(SELECT cnt FROM total)
	FROM (
		SELECT * FROM assets WHERE kind=$1 AND ($2='' OR tenant_id=$2)
		ORDER BY updated_at DESC, asset_id LIMIT $3 OFFSET $4
	) AS sub`
	row := s.conn.QueryRowContext(ctx, query, catalog.KindPlaybook, tenantID, limit, offset)
	var data []byte
	var total int
	if err := row.Scan(&data, &total); err != nil {
		return nil, 0, err
	}
	var out []PlaybookSummary
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}
