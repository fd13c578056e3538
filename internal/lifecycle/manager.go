package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

var ErrUnknownStatus = errors.New("unknown status")
var ErrInvalidTransition = errors.New("invalid status transition")

// Store is the persistence surface the manager needs. The reference
// store implements it.
type Store interface {
	GetStatus(ctx context.Context, playbookID, version string) (Status, error)
	SetStatus(ctx context.Context, playbookID, version string, status Status, reason string) error
	ListVersionsByStatus(ctx context.Context, playbookID string, status Status) ([]string, error)
	RecordExecution(ctx context.Context, playbookID, version string, success bool) (consecutiveFailures int, err error)
}

// Manager owns status transitions for playbook versions. All transitions
// are caller-driven except auto-deprecation of a superseded active
// version and the auto-broken trip after repeated execution failures.
type Manager struct {
	Store           Store
	BrokenThreshold int
}

func (m *Manager) threshold() int {
	if m.BrokenThreshold > 0 {
		return m.BrokenThreshold
	}
	return 3
}

// Transition moves a playbook version to next, validating against the
// transition table. Activating a version auto-deprecates any other
// active version of the same playbook id.
func (m *Manager) Transition(ctx context.Context, playbookID, version string, next Status, reason string) error {
	if m == nil || m.Store == nil {
		return errors.New("store required")
	}
	if strings.TrimSpace(playbookID) == "" || strings.TrimSpace(version) == "" {
		return errors.New("playbook id and version required")
	}
	if !next.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownStatus, next)
	}
	current, err := m.Store.GetStatus(ctx, playbookID, version)
	if err != nil {
		return err
	}
	if current == next {
		return nil
	}
	if !current.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, next)
	}
	if next == StatusActive {
		if err := m.deprecatePriorActive(ctx, playbookID, version); err != nil {
			return err
		}
	}
	return m.Store.SetStatus(ctx, playbookID, version, next, reason)
}

func (m *Manager) deprecatePriorActive(ctx context.Context, playbookID, version string) error {
	versions, err := m.Store.ListVersionsByStatus(ctx, playbookID, StatusActive)
	if err != nil {
		return err
	}
	for _, v := range versions {
		if v == version {
			continue
		}
		reason := "superseded by version " + version
		if err := m.Store.SetStatus(ctx, playbookID, v, StatusDeprecated, reason); err != nil {
			return err
		}
		slog.Info("auto-deprecated playbook version",
			"playbook_id", playbookID, "version", v, "superseded_by", version)
	}
	return nil
}

// RecordExecution records an execution outcome reported by the external
// execution engine. Enough consecutive failures trip an active version
// to broken.
func (m *Manager) RecordExecution(ctx context.Context, playbookID, version string, success bool) error {
	if m == nil || m.Store == nil {
		return errors.New("store required")
	}
	failures, err := m.Store.RecordExecution(ctx, playbookID, version, success)
	if err != nil {
		return err
	}
	if success || failures < m.threshold() {
		return nil
	}
	current, err := m.Store.GetStatus(ctx, playbookID, version)
	if err != nil {
		return err
	}
	if current != StatusActive {
		return nil
	}
	reason := fmt.Sprintf("%d consecutive execution failures", failures)
	if err := m.Store.SetStatus(ctx, playbookID, version, StatusBroken, reason); err != nil {
		return err
	}
	slog.Warn("playbook version marked broken",
		"playbook_id", playbookID, "version", version, "consecutive_failures", failures)
	return nil
}
