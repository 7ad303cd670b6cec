package cli

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"driftwatch/internal/app"
	"driftwatch/internal/drift"
)

var (
	simulateCurrent     []string
	simulateTarget      []string
	simulateProfile     string
	simulateThreshold   float64
	simulateAutoExecute bool
	simulateRisk        float64
	simulateValue       float64
	simulateTradesUsed  int
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "模拟一次决策: 给定当前/目标配比, 输出 skip/suggest/execute",
	RunE: func(cmd *cobra.Command, args []string) error {
		current, err := parseAllocation(simulateCurrent)
		if err != nil {
			return fmt.Errorf("invalid --current value: %w", err)
		}
		target, err := parseAllocation(simulateTarget)
		if err != nil {
			return fmt.Errorf("invalid --target value: %w", err)
		}
		if len(current) == 0 || len(target) == 0 {
			return errors.New("--current 与 --target 均不能为空")
		}

		return getApp().SimulateDecision(cmd.Context(), app.SimulateOptions{
			Current:           current,
			Target:            target,
			Profile:           simulateProfile,
			DriftThresholdPct: simulateThreshold,
			AutoExecute:       simulateAutoExecute,
			MarketRiskScore:   simulateRisk,
			PortfolioValueUSD: simulateValue,
			DailyTradesUsed:   simulateTradesUsed,
		})
	},
}

// parseAllocation turns repeated SYMBOL=PCT pairs into an allocation.
func parseAllocation(pairs []string) (drift.Allocation, error) {
	allocation := make(drift.Allocation, len(pairs))
	for _, pair := range pairs {
		symbol, raw, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("expected SYMBOL=PCT, got %q", pair)
		}
		pct, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("parse %q: %w", pair, err)
		}
		allocation[strings.ToUpper(strings.TrimSpace(symbol))] = decimal.NewFromFloat(pct)
	}
	return allocation, nil
}

func init() {
	simulateCmd.Flags().StringSliceVar(&simulateCurrent, "current", nil, "当前配比, 形如 ETH=68 (可重复)")
	simulateCmd.Flags().StringSliceVar(&simulateTarget, "target", nil, "目标配比, 形如 ETH=60 (可重复)")
	simulateCmd.Flags().StringVar(&simulateProfile, "profile", "balanced", "风险画像: conservative/balanced/aggressive")
	simulateCmd.Flags().Float64Var(&simulateThreshold, "threshold", 0, "漂移阈值百分比 (默认取画像预设)")
	simulateCmd.Flags().BoolVar(&simulateAutoExecute, "auto-execute", false, "是否允许自动执行")
	simulateCmd.Flags().Float64Var(&simulateRisk, "market-risk", 50, "市场风险分 [0,100]")
	simulateCmd.Flags().Float64Var(&simulateValue, "portfolio-value", 10000, "组合美元价值")
	simulateCmd.Flags().IntVar(&simulateTradesUsed, "trades-used", 0, "今日已用交易次数")
}
