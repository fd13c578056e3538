package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"opspilot/internal/catalog"
	"opspilot/internal/lifecycle"
	"opspilot/internal/metrics"
	"opspilot/internal/quality"
	"opspilot/internal/refstore"
)

// RefChecker walks a draft's reference graph before it is stored.
type RefChecker interface {
	CheckReferences(ctx context.Context, p catalog.Playbook) error
}

// BlobStore offloads oversized script sources out of the row payload.
type BlobStore interface {
	Enabled() bool
	PutScriptSource(ctx context.Context, scriptID, version, impl string, data []byte) (string, error)
}

// Sources above this stay in object storage; the row keeps a source_ref.
const maxInlineSource = 32 << 10

// PublishRequest is the inbound publish payload: the draft plus any
// scripts it references that are uploaded alongside it.
type PublishRequest struct {
	TenantID string           `json:"tenant_id,omitempty"`
	Playbook catalog.Playbook `json:"playbook"`
	Scripts  []catalog.Script `json:"scripts,omitempty"`
	Activate bool             `json:"activate,omitempty"`
}

// PublishResponse reports the gate's verdict with actionable feedback.
type PublishResponse struct {
	Status       string                   `json:"status"` // published | rejected
	PlaybookID   string                   `json:"playbook_id,omitempty"`
	Version      string                   `json:"version,omitempty"`
	QualityScore int                      `json:"quality_score"`
	Featured     bool                     `json:"featured,omitempty"`
	Feedback     quality.ValidationResult `json:"feedback"`
}

// ErrRejected wraps the validation feedback for a draft that failed the
// quality or structural gate.
type ErrRejected struct {
	Reason   string
	Feedback quality.ValidationResult
}

func (e *ErrRejected) Error() string { return "publish rejected: " + e.Reason }

// Publisher runs the publish pipeline: quality gate, reference checks,
// versioned store write, lifecycle notification.
type Publisher struct {
	Store     Store
	Checker   RefChecker
	Lifecycle StatusManager
	Blobs     BlobStore
	Log       *slog.Logger
}

func (p *Publisher) log() *slog.Logger {
	if p.Log != nil {
		return p.Log
	}
	return slog.Default()
}

// Publish validates and stores one playbook version. Uploaded scripts
// are stored first so reference checks can see them. A rejected draft
// returns *ErrRejected with the full feedback; a duplicate version
// returns refstore.ErrVersionConflict.
func (p *Publisher) Publish(ctx context.Context, req PublishRequest) (PublishResponse, error) {
	pb := req.Playbook
	pb.TenantID = req.TenantID
	if pb.Status == "" {
		pb.Status = lifecycle.StatusReady
	}

	result := quality.Validate(pb)
	pb.QualityScore = result.Score
	resp := PublishResponse{
		PlaybookID:   pb.PlaybookID,
		Version:      pb.Version,
		QualityScore: result.Score,
		Featured:     result.Featured(),
		Feedback:     result,
	}
	if !result.Publishable() {
		metrics.PublishTotal.WithLabelValues("rejected").Inc()
		resp.Status = "rejected"
		return resp, &ErrRejected{Reason: "quality gate not met", Feedback: result}
	}

	for i := range req.Scripts {
		if err := p.offloadSources(ctx, &req.Scripts[i]); err != nil {
			metrics.PublishTotal.WithLabelValues("error").Inc()
			return resp, fmt.Errorf("offload script %s@%s: %w", req.Scripts[i].ScriptID, req.Scripts[i].Version, err)
		}
	}
	for _, script := range req.Scripts {
		if err := p.Store.PutScript(ctx, script); err != nil {
			// A re-upload of an identical version is fine; the stored
			// copy is canonical.
			if !errors.Is(err, refstore.ErrVersionConflict) {
				metrics.PublishTotal.WithLabelValues("error").Inc()
				return resp, fmt.Errorf("store script %s@%s: %w", script.ScriptID, script.Version, err)
			}
		}
	}

	if p.Checker != nil {
		if err := p.Checker.CheckReferences(ctx, pb); err != nil {
			metrics.PublishTotal.WithLabelValues("rejected").Inc()
			result.BlockingIssues = append(result.BlockingIssues, err.Error())
			resp.Status = "rejected"
			resp.Feedback = result
			return resp, &ErrRejected{Reason: err.Error(), Feedback: result}
		}
	}

	if err := p.Store.PutPlaybook(ctx, pb); err != nil {
		if errors.Is(err, refstore.ErrVersionConflict) {
			metrics.PublishTotal.WithLabelValues("conflict").Inc()
		} else {
			metrics.PublishTotal.WithLabelValues("error").Inc()
		}
		return resp, err
	}

	if req.Activate && p.Lifecycle != nil {
		if err := p.Lifecycle.Transition(ctx, pb.PlaybookID, pb.Version, lifecycle.StatusActive, "activated on publish"); err != nil {
			metrics.PublishTotal.WithLabelValues("error").Inc()
			return resp, fmt.Errorf("activate %s@%s: %w", pb.PlaybookID, pb.Version, err)
		}
	}

	metrics.PublishTotal.WithLabelValues("published").Inc()
	p.log().Info("playbook published",
		"playbook_id", pb.PlaybookID,
		"version", pb.Version,
		"tenant", pb.TenantID,
		"quality_score", result.Score,
		"featured", result.Featured())
	resp.Status = "published"
	return resp, nil
}

// offloadSources moves implementation sources over the inline limit to
// the blob store, leaving a source_ref behind.
func (p *Publisher) offloadSources(ctx context.Context, script *catalog.Script) error {
	if p.Blobs == nil || !p.Blobs.Enabled() {
		return nil
	}
	for name, impl := range script.Implementations {
		if len(impl.Source) <= maxInlineSource {
			continue
		}
		ref, err := p.Blobs.PutScriptSource(ctx, script.ScriptID, script.Version, name, []byte(impl.Source))
		if err != nil {
			return err
		}
		impl.Source = ""
		impl.SourceRef = ref
		script.Implementations[name] = impl
	}
	return nil
}
