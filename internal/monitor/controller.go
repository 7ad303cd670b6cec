package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"driftwatch/internal/storage"
)

// Lifecycle errors surfaced to the control API.
var (
	ErrAlreadyRunning = errors.New("monitoring service already running")
	ErrNotRunning     = errors.New("monitoring service not running")
	ErrLockHeld       = errors.New("another instance holds the monitor lock")
)

// Controller drives the monitoring service lifecycle. Stop is cooperative:
// worker contexts are cancelled and in-flight cycles run to completion, so a
// wallet is never left with a submitted trade but no logged record.
type Controller struct {
	supervisor *Supervisor
	locker     storage.AdvisoryLocker
	lockKey    int64
	logger     zerolog.Logger

	mu        sync.Mutex
	running   bool
	startedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}
	unlock    func()
}

// Status is the lifecycle view exposed over the API.
type Status struct {
	Running       bool      `json:"running"`
	StartedAt     time.Time `json:"started_at,omitzero"`
	ActiveWorkers int       `json:"active_workers"`
}

// NewController wires the supervisor behind lifecycle control. locker may be
// nil when single-instance locking is not wanted (tests, ephemeral runs).
func NewController(supervisor *Supervisor, locker storage.AdvisoryLocker, lockKey int64, logger zerolog.Logger) *Controller {
	return &Controller{
		supervisor: supervisor,
		locker:     locker,
		lockKey:    lockKey,
		logger:     logger.With().Str("component", "controller").Logger(),
	}
}

// Start launches the supervisor. Fails when already running or when another
// process holds the advisory lock.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return ErrAlreadyRunning
	}

	if c.locker != nil {
		unlock, acquired, err := c.locker.TryAdvisoryLock(ctx, c.lockKey)
		if err != nil {
			return err
		}
		if !acquired {
			return ErrLockHeld
		}
		c.unlock = unlock
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	c.running = true
	c.startedAt = time.Now().UTC()

	go func(done chan struct{}) {
		defer close(done)
		if err := c.supervisor.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error().Err(err).Msg("supervisor exited with error")
		}
	}(c.done)

	c.logger.Info().Msg("monitoring service started")
	return nil
}

// Stop cancels the supervisor and waits for workers to drain, bounded by ctx.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopLocked(ctx)
}

func (c *Controller) stopLocked(ctx context.Context) error {
	if !c.running {
		return ErrNotRunning
	}

	c.cancel()
	select {
	case <-c.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if c.unlock != nil {
		c.unlock()
		c.unlock = nil
	}
	c.running = false
	c.logger.Info().Msg("monitoring service stopped")
	return nil
}

// Restart stops and immediately starts the service. The running state is
// re-read from storage on start, so a restart picks up config changes made
// while stopped.
func (c *Controller) Restart(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		if err := c.stopLocked(ctx); err != nil {
			c.mu.Unlock()
			return err
		}
	}
	c.mu.Unlock()
	return c.Start(ctx)
}

// ForceCheck triggers one immediate cycle for a wallet.
func (c *Controller) ForceCheck(ctx context.Context, wallet string) (CycleOutcome, error) {
	return c.supervisor.ForceCheck(ctx, wallet)
}

// Status reports the current lifecycle state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	status := Status{Running: c.running}
	if c.running {
		status.StartedAt = c.startedAt
		status.ActiveWorkers = c.supervisor.WorkerCount()
	}
	return status
}
