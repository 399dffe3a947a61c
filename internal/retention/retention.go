// Package retention permanently removes sessions that have been
// soft-deleted for longer than a configured period. It is the only
// automatic path that deletes rows; everything else in the store is
// append-only.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"chatsync/pkg/config"
	"chatsync/pkg/logger"
	"chatsync/pkg/store"
)

// Runner executes purge passes on a cron schedule.
type Runner struct {
	cron   string
	period time.Duration
	dryRun bool
	gron   *gronx.Gronx
}

// NewRunner validates the schedule and period up front.
func NewRunner(cfg config.RetentionConfig) (*Runner, error) {
	g := gronx.New()
	if !g.IsValid(cfg.Cron) {
		return nil, fmt.Errorf("invalid retention cron %q", cfg.Cron)
	}
	period, err := time.ParseDuration(cfg.Period)
	if err != nil {
		return nil, fmt.Errorf("invalid retention period %q: %w", cfg.Period, err)
	}
	if period <= 0 {
		return nil, fmt.Errorf("retention period must be positive")
	}
	return &Runner{cron: cfg.Cron, period: period, dryRun: cfg.DryRun, gron: g}, nil
}

// Run blocks until ctx is canceled, checking the schedule once a minute.
func (r *Runner) Run(ctx context.Context) {
	logger.Info("retention_started", "cron", r.cron, "period", r.period.String(), "dry_run", r.dryRun)
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("retention_stopped")
			return
		case <-ticker.C:
			due, err := r.gron.IsDue(r.cron, time.Now())
			if err != nil || !due {
				continue
			}
			r.purgePass()
		}
	}
}

// purgePass removes sessions soft-deleted before the cutoff.
func (r *Runner) purgePass() {
	cutoff := time.Now().Add(-r.period).UTC().UnixNano()
	sessions, err := store.AllSessions()
	if err != nil {
		logger.Error("retention_list_failed", "error", err)
		return
	}
	purged := 0
	for _, s := range sessions {
		if s.Active || s.DeletedTS == 0 || s.DeletedTS > cutoff {
			continue
		}
		if r.dryRun {
			logger.Info("retention_would_purge", "session", s.ID, "deleted_ts", s.DeletedTS)
			continue
		}
		if err := store.PurgeSession(s.ID); err != nil {
			logger.Error("retention_purge_failed", "session", s.ID, "error", err)
			continue
		}
		purged++
	}
	logger.Info("retention_pass_done", "candidates", len(sessions), "purged", purged)
}
