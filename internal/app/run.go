package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"driftwatch/internal/maintenance"
	"driftwatch/internal/metrics"
	"driftwatch/internal/monitor"
	"driftwatch/internal/server"
)

// Run starts the full service: market assessor, wallet supervisor, HTTP API,
// and the retention job, until SIGINT/SIGTERM.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database.dsn is required to run the monitoring service")
	}
	defer closeStore()

	m := metrics.NewDefault()

	feed := a.newMarketFeed()
	assessor := a.newAssessor(feed)

	runner := monitor.NewRunner(monitor.RunnerDeps{
		Store:        store,
		Fetcher:      a.newPortfolioFetcher(feed),
		Market:       assessor,
		Gateway:      a.newGateway(),
		Notifier:     a.newNotifier(),
		Metrics:      m,
		Logger:       a.Logger,
		FetchTimeout: a.Config.Monitor.FetchTimeout,
	})

	supervisor := monitor.NewSupervisor(monitor.SupervisorOptions{
		ReconcileInterval:    a.Config.Monitor.ReconcileInterval,
		DefaultCheckInterval: a.Config.Monitor.DefaultCheckInterval,
	}, runner, store, m, a.Logger)

	controller := monitor.NewController(supervisor, store, a.Config.Monitor.AdvisoryLockKey, a.Logger)

	retention := maintenance.NewRetention(store,
		a.Config.Retention.ActionsMaxAge, a.Config.Retention.CronSpec, a.Logger)
	if err := retention.Start(ctx); err != nil {
		return err
	}
	defer retention.Stop()

	httpServer := server.New(a.Config.Server, server.Defaults{
		CheckInterval:        a.Config.Monitor.DefaultCheckInterval,
		MinPortfolioValueUSD: a.Config.Monitor.MinPortfolioValueUSD,
	}, store, controller, assessor, a.Logger)

	if err := controller.Start(ctx); err != nil {
		if errors.Is(err, monitor.ErrLockHeld) {
			return err
		}
		a.Logger.Error().Err(err).Msg("monitoring service failed to start")
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return assessor.Run(groupCtx)
	})
	group.Go(func() error {
		return httpServer.Run(groupCtx)
	})

	a.Logger.Info().Msg("driftwatch service started")
	err = group.Wait()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
	defer stopCancel()
	if stopErr := controller.Stop(stopCtx); stopErr != nil && !errors.Is(stopErr, monitor.ErrNotRunning) {
		a.Logger.Error().Err(stopErr).Msg("monitoring service stop failed")
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("driftwatch service stopped")
	return nil
}
