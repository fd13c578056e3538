package refstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"opspilot/internal/catalog"
	"opspilot/internal/lifecycle"
)

// GetStatus implements lifecycle.Store.
func (s *Store) GetStatus(ctx context.Context, playbookID, version string) (lifecycle.Status, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT status FROM assets WHERE kind=$1 AND asset_id=$2 AND version=$3
	`, catalog.KindPlaybook, playbookID, version)
	var status string
	if err := row.Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("%w: playbook %s@%s", ErrNotFound, playbookID, version)
		}
		return "", err
	}
	return lifecycle.Status(status), nil
}

// SetStatus implements lifecycle.Store. The status column and the
// payload copy are updated together so retrieval never sees a stale
// status.
func (s *Store) SetStatus(ctx context.Context, playbookID, version string, status lifecycle.Status, reason string) error {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE assets
		SET status=$4,
		    status_reason=$5,
		    payload=jsonb_set(payload, '{status}', to_jsonb($4::text)),
		    updated_at=NOW()
		WHERE kind=$1 AND asset_id=$2 AND version=$3
	`, catalog.KindPlaybook, playbookID, version, string(status), strings.TrimSpace(reason))
	if err != nil {
		return err
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return fmt.Errorf("%w: playbook %s@%s", ErrNotFound, playbookID, version)
	}
	return nil
}

// ListVersionsByStatus implements lifecycle.Store.
func (s *Store) ListVersionsByStatus(ctx context.Context, playbookID string, status lifecycle.Status) ([]string, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT COALESCE(jsonb_agg(version ORDER BY version), '[]'::jsonb)
		FROM assets WHERE kind=$1 AND asset_id=$2 AND status=$3
	`, catalog.KindPlaybook, playbookID, string(status))
	var data []byte
	if err := row.Scan(&data); err != nil {
		return nil, err
	}
	var versions []string
	if err := json.Unmarshal(data, &versions); err != nil {
		return nil, err
	}
	return versions, nil
}

// RecordExecution implements lifecycle.Store: bumps the running
// counters and returns the consecutive-failure count after the update.
func (s *Store) RecordExecution(ctx context.Context, playbookID, version string, success bool) (int, error) {
	successInc := 0
	if success {
		successInc = 1
	}
	row := s.conn.QueryRowContext(ctx, `
		UPDATE assets
		SET execution_count = execution_count + 1,
		    success_count = success_count + $4,
		    consecutive_failures = CASE WHEN $4 = 1 THEN 0 ELSE consecutive_failures + 1 END,
		    last_executed_at = NOW()
		WHERE kind=$1 AND asset_id=$2 AND version=$3
		RETURNING consecutive_failures
	`, catalog.KindPlaybook, playbookID, version, successInc)
	var failures int
	if err := row.Scan(&failures); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("%w: playbook %s@%s", ErrNotFound, playbookID, version)
		}
		return 0, err
	}
	return failures, nil
}
