package app

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/shopspring/decimal"

	"driftwatch/internal/drift"
	"driftwatch/internal/policy"
)

// SimulateOptions 描述一次离线决策模拟的输入。
type SimulateOptions struct {
	Current           drift.Allocation
	Target            drift.Allocation
	Profile           string
	DriftThresholdPct float64
	AutoExecute       bool
	MarketRiskScore   float64
	PortfolioValueUSD float64
	DailyTradesUsed   int
}

// SimulateDecision 在不连接数据库和链的情况下, 用给定输入跑一遍完整的
// 决策规则并打印结果。用于调参和验证配置。
func (a *App) SimulateDecision(_ context.Context, opts SimulateOptions) error {
	profile, err := policy.ParseProfile(opts.Profile)
	if err != nil {
		return err
	}

	params := policy.ParamsFor(profile)
	threshold := decimal.NewFromFloat(opts.DriftThresholdPct)
	if threshold.IsZero() {
		threshold = params.DriftThreshold
	}

	result := drift.Compute(opts.Current, opts.Target)

	decision := policy.Decide(policy.Input{
		Enabled:              true,
		PortfolioValueUSD:    decimal.NewFromFloat(opts.PortfolioValueUSD),
		MinPortfolioValueUSD: decimal.NewFromFloat(a.Config.Monitor.MinPortfolioValueUSD),
		Drift:                result,
		DriftThresholdPct:    threshold,
		Profile:              profile,
		MarketRiskScore:      opts.MarketRiskScore,
		DailyTradesUsed:      opts.DailyTradesUsed,
		MaxDailyTrades:       params.MaxDailyTrades,
		AutoExecute:          opts.AutoExecute,
	})

	fmt.Fprintf(os.Stdout, "total drift: %s%% (%s)\n", result.Total.StringFixed(2), result.Urgency)
	for _, asset := range sortedAssets(result.PerAsset) {
		fmt.Fprintf(os.Stdout, "  %s: %s%%\n", asset, result.PerAsset[asset].StringFixed(2))
	}
	fmt.Fprintf(os.Stdout, "decision: %s\nreason: %s\n", decision.Action, decision.Reason)
	return nil
}

func sortedAssets(perAsset map[string]decimal.Decimal) []string {
	assets := make([]string, 0, len(perAsset))
	for asset := range perAsset {
		assets = append(assets, asset)
	}
	sort.Strings(assets)
	return assets
}
