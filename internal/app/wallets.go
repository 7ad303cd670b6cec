package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"driftwatch/internal/drift"
	"driftwatch/internal/policy"
	"driftwatch/internal/storage"
)

// WalletOptions describe a subscription managed from the CLI.
type WalletOptions struct {
	Address              string
	CheckInterval        time.Duration
	DriftThresholdPct    float64
	MaxDailyTrades       int
	Profile              string
	AutoExecute          bool
	SlippageTolerancePct float64
	MinPortfolioValueUSD float64
	TargetAllocation     map[string]float64
	Disabled             bool
}

// AddWallet creates or replaces a wallet subscription.
func (a *App) AddWallet(ctx context.Context, opts WalletOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot manage wallets")
	}
	defer closeStore()

	profile := opts.Profile
	if profile == "" {
		profile = string(policy.ProfileBalanced)
	}

	interval := opts.CheckInterval
	if interval <= 0 {
		interval = a.Config.Monitor.DefaultCheckInterval
	}

	slippage := opts.SlippageTolerancePct
	if slippage == 0 {
		slippage = 1
	}

	minValue := opts.MinPortfolioValueUSD
	if minValue == 0 {
		minValue = a.Config.Monitor.MinPortfolioValueUSD
	}

	target := make(drift.Allocation, len(opts.TargetAllocation))
	for symbol, pct := range opts.TargetAllocation {
		target[symbol] = decimal.NewFromFloat(pct)
	}

	cfg := storage.MonitoringConfig{
		WalletAddress:        opts.Address,
		Enabled:              !opts.Disabled,
		CheckInterval:        interval,
		DriftThresholdPct:    decimal.NewFromFloat(opts.DriftThresholdPct),
		MaxDailyTrades:       opts.MaxDailyTrades,
		RiskProfile:          policy.Profile(profile),
		AutoExecute:          opts.AutoExecute,
		SlippageTolerancePct: decimal.NewFromFloat(slippage),
		MinPortfolioValueUSD: decimal.NewFromFloat(minValue),
		TargetAllocation:     target,
	}
	cfg.ApplyProfileDefaults()

	if err := cfg.Validate(); err != nil {
		return err
	}

	saved, err := store.UpsertConfig(ctx, cfg)
	if err != nil {
		return err
	}

	a.Logger.Info().
		Str("wallet", saved.WalletAddress).
		Str("risk_profile", string(saved.RiskProfile)).
		Bool("auto_execute", saved.AutoExecute).
		Msg("wallet subscription saved")
	return nil
}

// RemoveWallet deletes a subscription.
func (a *App) RemoveWallet(ctx context.Context, address string) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot manage wallets")
	}
	defer closeStore()

	if err := store.RemoveConfig(ctx, address); err != nil {
		return err
	}
	a.Logger.Info().Str("wallet", address).Msg("wallet subscription removed")
	return nil
}

// ListWallets prints all subscriptions.
func (a *App) ListWallets(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot manage wallets")
	}
	defer closeStore()

	configs, err := store.ListConfigs(ctx)
	if err != nil {
		return err
	}
	if len(configs) == 0 {
		fmt.Fprintln(os.Stdout, "no wallets monitored")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Wallet\tEnabled\tInterval\tThreshold%\tProfile\tAuto\tTrades Today\tLast Check (UTC)")

	now := time.Now()
	for _, cfg := range configs {
		lastCheck := "never"
		if cfg.LastCheck != nil {
			lastCheck = cfg.LastCheck.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(
			writer,
			"%s\t%t\t%s\t%s\t%s\t%t\t%d/%d\t%s\n",
			cfg.WalletAddress,
			cfg.Enabled,
			cfg.CheckInterval,
			cfg.DriftThresholdPct.StringFixed(2),
			cfg.RiskProfile,
			cfg.AutoExecute,
			cfg.DailyTradesUsed(now),
			cfg.MaxDailyTrades,
			lastCheck,
		)
	}

	writer.Flush()
	return nil
}
