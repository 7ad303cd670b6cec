// Package maintenance runs periodic housekeeping jobs.
package maintenance

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// ActionPruner deletes action records older than a cutoff.
type ActionPruner interface {
	DeleteActionsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Retention prunes old action records on a cron schedule. The action log is
// append-only; this is the only path that removes rows from it.
type Retention struct {
	pruner   ActionPruner
	maxAge   time.Duration
	cronSpec string
	logger   zerolog.Logger
	cron     *cron.Cron
}

// NewRetention constructs the retention job.
func NewRetention(pruner ActionPruner, maxAge time.Duration, cronSpec string, logger zerolog.Logger) *Retention {
	if cronSpec == "" {
		cronSpec = "0 3 * * *"
	}
	return &Retention{
		pruner:   pruner,
		maxAge:   maxAge,
		cronSpec: cronSpec,
		logger:   logger.With().Str("component", "retention").Logger(),
	}
}

// Start schedules the job. Returns an error for an invalid cron spec.
func (r *Retention) Start(ctx context.Context) error {
	c := cron.New()
	_, err := c.AddFunc(r.cronSpec, func() {
		runCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
		defer cancel()
		r.RunOnce(runCtx)
	})
	if err != nil {
		return err
	}

	c.Start()
	r.cron = c
	r.logger.Info().Str("cron", r.cronSpec).Dur("max_age", r.maxAge).Msg("retention job scheduled")
	return nil
}

// Stop halts the schedule and waits for a running job to finish.
func (r *Retention) Stop() {
	if r.cron == nil {
		return
	}
	<-r.cron.Stop().Done()
}

// RunOnce prunes immediately.
func (r *Retention) RunOnce(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-r.maxAge)
	deleted, err := r.pruner.DeleteActionsBefore(ctx, cutoff)
	if err != nil {
		r.logger.Error().Err(err).Msg("action log pruning failed")
		return
	}
	if deleted > 0 {
		r.logger.Info().Int64("deleted", deleted).Time("cutoff", cutoff).Msg("pruned old action records")
	}
}
