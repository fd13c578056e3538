package refstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Marker is the durable sync watermark for one collection. It orders by
// (UpdatedAt, LastID) to match ListChangedSince, so advancing it past a
// batch can never skip an object sharing the boundary timestamp.
type Marker struct {
	UpdatedAt time.Time
	LastID    string
}

func (m Marker) IsZero() bool {
	return m.UpdatedAt.IsZero() && m.LastID == ""
}

func (m Marker) String() string {
	return fmt.Sprintf("%s/%s", m.UpdatedAt.UTC().Format(time.RFC3339Nano), m.LastID)
}

// Before reports whether m orders strictly before other.
func (m Marker) Before(other Marker) bool {
	if !m.UpdatedAt.Equal(other.UpdatedAt) {
		return m.UpdatedAt.Before(other.UpdatedAt)
	}
	return m.LastID < other.LastID
}

// LoadMarker returns the stored marker for a collection, or a zero
// marker when the collection has never synced.
func (s *Store) LoadMarker(ctx context.Context, collection string) (Marker, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT marker_ts, marker_id FROM sync_markers WHERE collection=$1
	`, collection)
	var m Marker
	if err := row.Scan(&m.UpdatedAt, &m.LastID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Marker{}, nil
		}
		return Marker{}, err
	}
	return m, nil
}

// StoreMarker persists a marker. A marker only moves forward: writing
// one that orders before the stored value is a no-op, so a lagging
// retry cannot rewind a collection that already advanced.
func (s *Store) StoreMarker(ctx context.Context, collection string, m Marker) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO sync_markers(collection, marker_ts, marker_id, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (collection) DO UPDATE
		SET marker_ts=EXCLUDED.marker_ts, marker_id=EXCLUDED.marker_id, updated_at=NOW()
		WHERE (sync_markers.marker_ts, sync_markers.marker_id) < (EXCLUDED.marker_ts, EXCLUDED.marker_id)
	`, collection, m.UpdatedAt.UTC(), m.LastID)
	return err
}
