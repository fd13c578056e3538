package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"opspilot/internal/catalog"
	"opspilot/internal/lifecycle"
	"opspilot/internal/metrics"
	"opspilot/internal/refstore"
)

// ErrSyncInFlight is returned when a sync is triggered while one is
// already running. Both would write the same marker; the caller retries
// later.
var ErrSyncInFlight = errors.New("sync already in flight")

// markerKey is the sync watermark's storage key. All collections share
// one watermark because the change feed is a single ordered stream.
const markerKey = "assets"

// Source is the reference-store surface the sync engine reads from.
type Source interface {
	LoadMarker(ctx context.Context, key string) (refstore.Marker, error)
	StoreMarker(ctx context.Context, key string, m refstore.Marker) error
	ListChangedSince(ctx context.Context, marker refstore.Marker, limit int) ([]refstore.ChangedObject, error)
	GetScript(ctx context.Context, id, version string) (catalog.Script, error)
}

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Index is the vector-index surface the sync engine writes to.
type Index interface {
	EnsureCollection(ctx context.Context, name string, dims int) error
	Upsert(ctx context.Context, collection, id string, vector []float32, payload any) error
	Delete(ctx context.Context, collection, id string) error
}

// Failure records one object that could not be mirrored. It stays ahead
// of the marker and is retried on the next run.
type Failure struct {
	Kind    string `json:"kind"`
	ID      string `json:"id"`
	Version string `json:"version"`
	Reason  string `json:"reason"`
}

// Report summarizes one sync run.
type Report struct {
	Synced      int             `json:"synced"`
	Deleted     int             `json:"deleted"`
	Skipped     int             `json:"skipped"`
	Failures    []Failure       `json:"failures,omitempty"`
	StartMarker refstore.Marker `json:"-"`
	EndMarker   refstore.Marker `json:"-"`
}

// Partial reports whether some objects failed while the batch continued.
func (r Report) Partial() bool { return len(r.Failures) > 0 }

// Syncer incrementally mirrors the reference store into the vector
// index: one global collection for curated playbooks, one private
// collection per tenant.
type Syncer struct {
	Source           Source
	Embedder         Embedder
	Index            Index
	GlobalCollection string
	TenantPrefix     string
	Dims             int
	BatchSize        int
	Parallelism      int
	Log              *slog.Logger

	mu      sync.Mutex
	running bool
}

func (s *Syncer) tryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false
	}
	s.running = true
	return true
}

func (s *Syncer) release() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// Sync processes the change feed from the durable marker forward.
// Re-running with an unchanged feed is a no-op: upserts are keyed by
// "<id>-<version>" and the marker only moves past fully-processed
// objects. A single object failing is recorded and does not abort the
// batch; the marker stops just short of it so the next run retries.
func (s *Syncer) Sync(ctx context.Context) (Report, error) {
	if !s.tryAcquire() {
		metrics.SyncRunsTotal.WithLabelValues("rejected").Inc()
		return Report{}, ErrSyncInFlight
	}
	defer s.release()

	log := s.Log
	if log == nil {
		log = slog.Default()
	}

	var report Report
	marker, err := s.Source.LoadMarker(ctx, markerKey)
	if err != nil {
		metrics.SyncRunsTotal.WithLabelValues("failed").Inc()
		return report, fmt.Errorf("load marker: %w", err)
	}
	report.StartMarker = marker

	batchSize := s.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	ensured := map[string]bool{}
	for {
		objs, err := s.Source.ListChangedSince(ctx, marker, batchSize)
		if err != nil {
			metrics.SyncRunsTotal.WithLabelValues("failed").Inc()
			return report, fmt.Errorf("list changes: %w", err)
		}
		if len(objs) == 0 {
			break
		}

		failed := s.processBatch(ctx, objs, ensured, &report, log)

		// Advance only past the prefix of fully-processed objects; a
		// failed object stays ahead of the marker for the next run.
		advanceTo := len(objs)
		if failed >= 0 {
			advanceTo = failed
		}
		if advanceTo == 0 {
			break
		}
		last := objs[advanceTo-1]
		marker = refstore.Marker{UpdatedAt: last.UpdatedAt, LastID: last.ID}
		if err := s.Source.StoreMarker(ctx, markerKey, marker); err != nil {
			metrics.SyncRunsTotal.WithLabelValues("failed").Inc()
			return report, fmt.Errorf("store marker: %w", err)
		}
		if advanceTo < len(objs) || len(objs) < batchSize {
			break
		}
	}
	report.EndMarker = marker

	outcome := "ok"
	if report.Partial() {
		outcome = "partial"
	}
	metrics.SyncRunsTotal.WithLabelValues(outcome).Inc()
	log.Info("sync finished",
		"synced", report.Synced,
		"deleted", report.Deleted,
		"skipped", report.Skipped,
		"failures", len(report.Failures),
		"marker", marker.String())
	return report, nil
}

// processBatch mirrors one batch, bounding concurrent upserts. It
// returns the index of the earliest failed object, or -1 when every
// object processed cleanly.
func (s *Syncer) processBatch(ctx context.Context, objs []refstore.ChangedObject, ensured map[string]bool, report *Report, log *slog.Logger) int {
	parallelism := s.Parallelism
	if parallelism <= 0 {
		parallelism = 4
	}

	// Collections are created serially up front so the parallel phase
	// only does upserts.
	for _, obj := range objs {
		if obj.Kind != catalog.KindPlaybook {
			continue
		}
		name := s.collectionFor(obj.TenantID)
		if ensured[name] {
			continue
		}
		if err := s.Index.EnsureCollection(ctx, name, s.Dims); err != nil {
			log.Warn("ensure collection failed", "collection", name, "error", err)
			continue
		}
		ensured[name] = true
	}

	var mu sync.Mutex
	firstFailed := -1
	fail := func(i int, obj refstore.ChangedObject, err error) {
		mu.Lock()
		defer mu.Unlock()
		report.Failures = append(report.Failures, Failure{
			Kind: obj.Kind, ID: obj.ID, Version: obj.Version, Reason: err.Error(),
		})
		if firstFailed == -1 || i < firstFailed {
			firstFailed = i
		}
		metrics.SyncObjectsTotal.WithLabelValues(obj.Kind, "failed").Inc()
		log.Warn("sync object failed", "kind", obj.Kind, "id", obj.ID, "version", obj.Version, "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for i, obj := range objs {
		// Scripts reach the index only denormalized inside playbooks.
		if obj.Kind != catalog.KindPlaybook {
			mu.Lock()
			report.Skipped++
			mu.Unlock()
			metrics.SyncObjectsTotal.WithLabelValues(obj.Kind, "skipped").Inc()
			continue
		}
		i, obj := i, obj
		g.Go(func() error {
			deleted, err := s.syncPlaybook(gctx, obj)
			if err != nil {
				fail(i, obj, err)
				return nil
			}
			mu.Lock()
			if deleted {
				report.Deleted++
			} else {
				report.Synced++
			}
			mu.Unlock()
			metrics.SyncObjectsTotal.WithLabelValues(obj.Kind, "ok").Inc()
			return nil
		})
	}
	g.Wait()
	return firstFailed
}

// syncPlaybook mirrors a single playbook version: non-searchable
// statuses are removed from the index, everything else is denormalized,
// embedded, and upserted under "<id>-<version>".
func (s *Syncer) syncPlaybook(ctx context.Context, obj refstore.ChangedObject) (deleted bool, err error) {
	collection := s.collectionFor(obj.TenantID)

	var pb catalog.Playbook
	if err := json.Unmarshal(obj.Payload, &pb); err != nil {
		return false, fmt.Errorf("decode payload: %w", err)
	}
	if pb.Status == "" {
		pb.Status = lifecycle.Status(obj.Status)
	}

	if !pb.Status.Searchable() {
		if err := s.Index.Delete(ctx, collection, pb.PointID()); err != nil {
			return false, fmt.Errorf("delete point: %w", err)
		}
		return true, nil
	}

	if err := s.denormalize(ctx, &pb); err != nil {
		return false, err
	}
	vector, err := s.Embedder.Embed(ctx, pb.EmbeddingText())
	if err != nil {
		return false, fmt.Errorf("embed: %w", err)
	}
	if err := s.Index.Upsert(ctx, collection, pb.PointID(), vector, pb); err != nil {
		return false, fmt.Errorf("upsert: %w", err)
	}
	return false, nil
}

// denormalize attaches each referenced script's chosen implementation
// directly to its step, so retrieval needs no second round-trip.
func (s *Syncer) denormalize(ctx context.Context, pb *catalog.Playbook) error {
	for i, step := range pb.Steps {
		if step.ScriptRef == nil || step.EmbeddedScript != nil {
			continue
		}
		script, err := s.Source.GetScript(ctx, step.ScriptRef.ScriptID, step.ScriptRef.Version)
		if err != nil {
			return fmt.Errorf("script %s@%s: %w", step.ScriptRef.ScriptID, step.ScriptRef.Version, err)
		}
		if impl, ok := script.Implementations[step.ScriptRef.Implementation]; ok {
			script.Implementations = map[string]catalog.Implementation{
				step.ScriptRef.Implementation: impl,
			}
		}
		pb.Steps[i].EmbeddedScript = &script
	}
	return nil
}

func (s *Syncer) collectionFor(tenantID string) string {
	if tenantID == "" {
		return s.GlobalCollection
	}
	return s.TenantPrefix + tenantID
}
