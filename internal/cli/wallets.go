package cli

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"driftwatch/internal/app"
)

var (
	walletAddress     string
	walletInterval    time.Duration
	walletThreshold   float64
	walletMaxTrades   int
	walletProfile     string
	walletAutoExecute bool
	walletSlippage    float64
	walletMinValue    float64
	walletTarget      []string
	walletDisabled    bool
)

var walletsCmd = &cobra.Command{
	Use:   "wallets",
	Short: "Manage wallet subscriptions",
}

var walletsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create or replace a wallet subscription",
	RunE: func(cmd *cobra.Command, args []string) error {
		if walletAddress == "" {
			return errors.New("--wallet is required")
		}

		target := make(map[string]float64, len(walletTarget))
		for _, pair := range walletTarget {
			symbol, raw, ok := strings.Cut(pair, "=")
			if !ok {
				return fmt.Errorf("expected SYMBOL=PCT, got %q", pair)
			}
			pct, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return fmt.Errorf("parse %q: %w", pair, err)
			}
			target[strings.ToUpper(strings.TrimSpace(symbol))] = pct
		}

		return getApp().AddWallet(cmd.Context(), app.WalletOptions{
			Address:              strings.ToLower(walletAddress),
			CheckInterval:        walletInterval,
			DriftThresholdPct:    walletThreshold,
			MaxDailyTrades:       walletMaxTrades,
			Profile:              walletProfile,
			AutoExecute:          walletAutoExecute,
			SlippageTolerancePct: walletSlippage,
			MinPortfolioValueUSD: walletMinValue,
			TargetAllocation:     target,
			Disabled:             walletDisabled,
		})
	},
}

var walletsRemoveCmd = &cobra.Command{
	Use:   "remove",
	Short: "Delete a wallet subscription",
	RunE: func(cmd *cobra.Command, args []string) error {
		if walletAddress == "" {
			return errors.New("--wallet is required")
		}
		return getApp().RemoveWallet(cmd.Context(), strings.ToLower(walletAddress))
	},
}

var walletsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List wallet subscriptions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ListWallets(cmd.Context())
	},
}

func init() {
	for _, cmd := range []*cobra.Command{walletsAddCmd, walletsRemoveCmd} {
		cmd.Flags().StringVar(&walletAddress, "wallet", "", "Wallet address")
	}

	walletsAddCmd.Flags().DurationVar(&walletInterval, "interval", 0, "Check interval (defaults to config)")
	walletsAddCmd.Flags().Float64Var(&walletThreshold, "threshold", 0, "Drift threshold percent (defaults to profile preset)")
	walletsAddCmd.Flags().IntVar(&walletMaxTrades, "max-trades", 0, "Daily trade cap (defaults to profile preset)")
	walletsAddCmd.Flags().StringVar(&walletProfile, "profile", "balanced", "Risk profile: conservative/balanced/aggressive")
	walletsAddCmd.Flags().BoolVar(&walletAutoExecute, "auto-execute", false, "Execute rebalances automatically")
	walletsAddCmd.Flags().Float64Var(&walletSlippage, "slippage", 0, "Slippage tolerance percent")
	walletsAddCmd.Flags().Float64Var(&walletMinValue, "min-value", 0, "Minimum portfolio USD value to act on")
	walletsAddCmd.Flags().StringSliceVar(&walletTarget, "target", nil, "Target allocation, SYMBOL=PCT (repeatable)")
	walletsAddCmd.Flags().BoolVar(&walletDisabled, "disabled", false, "Create the subscription disabled")

	walletsCmd.AddCommand(walletsAddCmd)
	walletsCmd.AddCommand(walletsRemoveCmd)
	walletsCmd.AddCommand(walletsListCmd)
}
