package monitor

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"driftwatch/internal/storage"
)

// forceRequest carries an on-demand cycle request into a worker and its
// result back out.
type forceRequest struct {
	reply chan forceResult
}

type forceResult struct {
	outcome CycleOutcome
	err     error
}

// worker owns one wallet's monitoring loop. Cycles are strictly serialized:
// a scheduled tick and a force-check can never run concurrently for the same
// wallet because both are handled by this single goroutine.
type worker struct {
	wallet          string
	runner          *Runner
	logger          zerolog.Logger
	force           chan forceRequest
	defaultInterval time.Duration
}

func newWorker(wallet string, runner *Runner, defaultInterval time.Duration, logger zerolog.Logger) *worker {
	if defaultInterval <= 0 {
		defaultInterval = 15 * time.Minute
	}
	return &worker{
		wallet:          wallet,
		runner:          runner,
		logger:          logger.With().Str("component", "wallet_worker").Str("wallet", wallet).Logger(),
		force:           make(chan forceRequest),
		defaultInterval: defaultInterval,
	}
}

// run loops until ctx is cancelled or the wallet's config disappears.
// Scheduling resumes from the stored last_check, so a restart mid-interval
// does not reset the wallet's cadence.
func (w *worker) run(ctx context.Context, initial storage.MonitoringConfig) {
	w.logger.Info().
		Dur("check_interval", initial.CheckInterval).
		Str("risk_profile", string(initial.RiskProfile)).
		Msg("wallet worker started")
	defer w.logger.Info().Msg("wallet worker stopped")

	cfg := initial
	for {
		timer := time.NewTimer(w.nextWait(cfg))

		select {
		case <-ctx.Done():
			timer.Stop()
			return

		case <-timer.C:
			outcome, err := w.runner.RunCycle(ctx, w.wallet)
			if w.absorb(&cfg, outcome, err) {
				return
			}

		case req := <-w.force:
			timer.Stop()
			outcome, err := w.runner.RunCycle(ctx, w.wallet)
			req.reply <- forceResult{outcome: outcome, err: err}
			if w.absorb(&cfg, outcome, err) {
				return
			}
		}
	}
}

// absorb folds a cycle result into the scheduling state. Returns true when
// the worker should exit.
func (w *worker) absorb(cfg *storage.MonitoringConfig, outcome CycleOutcome, err error) bool {
	if err == nil {
		*cfg = outcome.Config
		return false
	}
	if errors.Is(err, storage.ErrNotFound) {
		w.logger.Info().Msg("config removed, exiting worker")
		return true
	}
	if errors.Is(err, context.Canceled) {
		return true
	}

	// Store trouble: pretend the check happened so the loop waits a full
	// interval instead of spinning against a broken backend.
	w.logger.Error().Err(err).Msg("cycle failed")
	now := time.Now()
	cfg.LastCheck = &now
	return false
}

// nextWait computes the delay until the wallet's next due check.
func (w *worker) nextWait(cfg storage.MonitoringConfig) time.Duration {
	interval := cfg.CheckInterval
	if interval <= 0 {
		interval = w.defaultInterval
	}
	if cfg.LastCheck == nil {
		// Never checked: due now.
		return 0
	}
	wait := time.Until(cfg.LastCheck.Add(interval))
	if wait < 0 {
		return 0
	}
	return wait
}
