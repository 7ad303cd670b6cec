package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"driftwatch/internal/metrics"
	"driftwatch/internal/storage"
)

// SupervisorOptions tune worker reconciliation.
type SupervisorOptions struct {
	ReconcileInterval    time.Duration
	DefaultCheckInterval time.Duration
}

// Supervisor keeps the running worker set converged on the stored configs:
// one worker per enabled wallet, started and stopped as subscriptions come
// and go. Each wallet keeps its own cadence; the supervisor never runs
// cycles itself.
type Supervisor struct {
	opts    SupervisorOptions
	runner  *Runner
	store   Store
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu      sync.Mutex
	workers map[string]*workerHandle
	wg      sync.WaitGroup
}

type workerHandle struct {
	worker *worker
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSupervisor constructs a worker supervisor.
func NewSupervisor(opts SupervisorOptions, runner *Runner, store Store, m *metrics.Metrics, logger zerolog.Logger) *Supervisor {
	if opts.ReconcileInterval <= 0 {
		opts.ReconcileInterval = time.Minute
	}
	return &Supervisor{
		opts:    opts,
		runner:  runner,
		store:   store,
		metrics: m,
		logger:  logger.With().Str("component", "supervisor").Logger(),
		workers: make(map[string]*workerHandle),
	}
}

// Run blocks, reconciling workers until ctx is cancelled, then stops every
// worker and waits for all of them to exit.
func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.Info().Dur("reconcile_interval", s.opts.ReconcileInterval).Msg("supervisor started")

	if err := s.Reconcile(ctx); err != nil {
		s.logger.Error().Err(err).Msg("initial reconcile failed")
	}

	ticker := time.NewTicker(s.opts.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.stopAll()
			s.wg.Wait()
			s.logger.Info().Msg("supervisor stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := s.Reconcile(ctx); err != nil {
				s.logger.Error().Err(err).Msg("reconcile failed")
			}
		}
	}
}

// Reconcile converges the worker set on the currently stored configs.
func (s *Supervisor) Reconcile(ctx context.Context) error {
	configs, err := s.store.ListConfigs(ctx)
	if err != nil {
		return err
	}

	desired := make(map[string]storage.MonitoringConfig, len(configs))
	for _, cfg := range configs {
		if cfg.Enabled {
			desired[cfg.WalletAddress] = cfg
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for wallet, handle := range s.workers {
		select {
		case <-handle.done:
			// Worker exited on its own (config removed mid-flight).
			delete(s.workers, wallet)
			continue
		default:
		}
		if _, ok := desired[wallet]; !ok {
			s.logger.Info().Str("wallet", wallet).Msg("stopping worker")
			handle.cancel()
			delete(s.workers, wallet)
		}
	}

	for wallet, cfg := range desired {
		if _, ok := s.workers[wallet]; ok {
			continue
		}
		s.startWorkerLocked(ctx, wallet, cfg)
	}

	s.metrics.ActiveWorkers.Set(float64(len(s.workers)))
	return nil
}

func (s *Supervisor) startWorkerLocked(ctx context.Context, wallet string, cfg storage.MonitoringConfig) {
	w := newWorker(wallet, s.runner, s.opts.DefaultCheckInterval, s.logger)
	workerCtx, cancel := context.WithCancel(ctx)
	handle := &workerHandle{worker: w, cancel: cancel, done: make(chan struct{})}
	s.workers[wallet] = handle

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(handle.done)
		w.run(workerCtx, cfg)
	}()
}

func (s *Supervisor) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for wallet, handle := range s.workers {
		handle.cancel()
		delete(s.workers, wallet)
	}
	s.metrics.ActiveWorkers.Set(0)
}

// WorkerCount reports the number of running workers.
func (s *Supervisor) WorkerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

// ForceCheck runs one immediate cycle for a wallet. When the wallet has a
// running worker the cycle is routed through it, preserving per-wallet
// serialization; otherwise (disabled wallet, service idle) a one-off cycle
// runs inline.
func (s *Supervisor) ForceCheck(ctx context.Context, wallet string) (CycleOutcome, error) {
	s.mu.Lock()
	handle, ok := s.workers[wallet]
	s.mu.Unlock()

	if !ok {
		return s.runner.RunCycle(ctx, wallet)
	}

	req := forceRequest{reply: make(chan forceResult, 1)}
	select {
	case handle.worker.force <- req:
	case <-handle.done:
		return s.runner.RunCycle(ctx, wallet)
	case <-ctx.Done():
		return CycleOutcome{}, ctx.Err()
	}

	select {
	case res := <-req.reply:
		return res.outcome, res.err
	case <-ctx.Done():
		return CycleOutcome{}, ctx.Err()
	}
}
