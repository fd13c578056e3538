package syncer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Runner triggers periodic syncs on a cron expression. It polls rather
// than sleeping until the next activation so a changed wall clock never
// strands it.
type Runner struct {
	Syncer       *Syncer
	Cron         string
	PollInterval time.Duration
	Now          func() time.Time
	Parser       *cron.Parser
	Log          *slog.Logger

	lastRun time.Time
}

func (r *Runner) Run(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.Syncer == nil {
		return errors.New("syncer required")
	}
	if r.Now == nil {
		r.Now = time.Now
	}
	if r.Parser == nil {
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
		r.Parser = &parser
	}
	if r.PollInterval <= 0 {
		r.PollInterval = 30 * time.Second
	}
	if _, err := r.RunOnce(ctx); err != nil {
		return err
	}
	ticker := time.NewTicker(r.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				return err
			}
		}
	}
}

// RunOnce triggers a sync if the cron schedule has an activation due
// since the last run. A sync already in flight is not an error; the
// activation is simply skipped.
func (r *Runner) RunOnce(ctx context.Context) (bool, error) {
	if r.Parser == nil {
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
		r.Parser = &parser
	}
	if r.Now == nil {
		r.Now = time.Now
	}
	sched, err := r.Parser.Parse(r.Cron)
	if err != nil {
		return false, err
	}
	now := r.Now()
	last := r.lastRun
	if last.IsZero() {
		last = now.Add(-time.Minute)
	}
	if sched.Next(last).After(now) {
		return false, nil
	}
	r.lastRun = now

	log := r.Log
	if log == nil {
		log = slog.Default()
	}
	report, err := r.Syncer.Sync(ctx)
	if errors.Is(err, ErrSyncInFlight) {
		log.Info("sync activation skipped", "reason", "already running")
		return false, nil
	}
	if err != nil {
		log.Error("scheduled sync failed", "error", err)
		return true, nil
	}
	if report.Partial() {
		log.Warn("scheduled sync partial", "failures", len(report.Failures))
	}
	return true, nil
}
