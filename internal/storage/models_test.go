package storage

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"driftwatch/internal/drift"
	"driftwatch/internal/policy"
)

func validConfig() MonitoringConfig {
	return MonitoringConfig{
		WalletAddress:        "0x742d35cc6634c0532925a3b844bc454e4438f44e",
		Enabled:              true,
		CheckInterval:        15 * time.Minute,
		DriftThresholdPct:    decimal.NewFromInt(5),
		MaxDailyTrades:       3,
		RiskProfile:          policy.ProfileBalanced,
		SlippageTolerancePct: decimal.NewFromInt(1),
		MinPortfolioValueUSD: decimal.NewFromInt(100),
		TargetAllocation: drift.Allocation{
			"ETH":  decimal.NewFromInt(60),
			"USDC": decimal.NewFromInt(25),
			"LINK": decimal.NewFromInt(15),
		},
	}
}

func TestValidateAcceptsReferenceConfig(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("合法配置不应报错: %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*MonitoringConfig)
		wantSub string
	}{
		{"missing wallet", func(c *MonitoringConfig) { c.WalletAddress = "" }, "wallet_address"},
		{"zero interval", func(c *MonitoringConfig) { c.CheckInterval = 0 }, "check_interval"},
		{"negative threshold", func(c *MonitoringConfig) { c.DriftThresholdPct = decimal.NewFromInt(-1) }, "drift_threshold"},
		{"zero cap", func(c *MonitoringConfig) { c.MaxDailyTrades = 0 }, "max_daily_trades"},
		{"unknown profile", func(c *MonitoringConfig) { c.RiskProfile = "yolo" }, "risk profile"},
		{"negative slippage", func(c *MonitoringConfig) { c.SlippageTolerancePct = decimal.NewFromInt(-1) }, "slippage"},
		{"negative floor", func(c *MonitoringConfig) { c.MinPortfolioValueUSD = decimal.NewFromInt(-1) }, "min_portfolio_value"},
		{"empty target", func(c *MonitoringConfig) { c.TargetAllocation = nil }, "target_allocation"},
		{"negative weight", func(c *MonitoringConfig) {
			c.TargetAllocation["ETH"] = decimal.NewFromInt(-10)
		}, "cannot be negative"},
		{"sum not 100", func(c *MonitoringConfig) {
			c.TargetAllocation["ETH"] = decimal.NewFromInt(50)
		}, "sum to 100"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("期望校验失败")
			}
			if !strings.Contains(err.Error(), tc.wantSub) {
				t.Fatalf("错误信息不匹配: %v", err)
			}
		})
	}
}

func TestValidateToleratesRoundedSum(t *testing.T) {
	cfg := validConfig()
	cfg.TargetAllocation = drift.Allocation{
		"ETH":  decimal.NewFromFloat(33.33),
		"USDC": decimal.NewFromFloat(33.33),
		"LINK": decimal.NewFromFloat(33.34),
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("0.01 以内的舍入误差应被接受: %v", err)
	}
}

func TestApplyProfileDefaults(t *testing.T) {
	cfg := MonitoringConfig{RiskProfile: policy.ProfileConservative}
	cfg.ApplyProfileDefaults()
	if !cfg.DriftThresholdPct.Equal(decimal.NewFromInt(8)) {
		t.Fatalf("conservative 默认阈值应为 8, 实际 %s", cfg.DriftThresholdPct)
	}
	if cfg.MaxDailyTrades != 2 {
		t.Fatalf("conservative 默认交易上限应为 2, 实际 %d", cfg.MaxDailyTrades)
	}

	// Explicit settings win over the preset.
	cfg = MonitoringConfig{
		RiskProfile:       policy.ProfileAggressive,
		DriftThresholdPct: decimal.NewFromInt(7),
		MaxDailyTrades:    1,
	}
	cfg.ApplyProfileDefaults()
	if !cfg.DriftThresholdPct.Equal(decimal.NewFromInt(7)) || cfg.MaxDailyTrades != 1 {
		t.Fatalf("显式配置不应被覆盖: %+v", cfg)
	}
}

func TestDailyTradesUsed(t *testing.T) {
	now := time.Date(2024, 6, 2, 9, 30, 0, 0, time.UTC)

	cfg := MonitoringConfig{
		DailyTradesCount: 2,
		LastTradeReset:   time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC),
	}
	if used := cfg.DailyTradesUsed(now); used != 2 {
		t.Fatalf("同一 UTC 日计数应保留, 实际 %d", used)
	}

	cfg.LastTradeReset = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	if used := cfg.DailyTradesUsed(now); used != 0 {
		t.Fatalf("跨 UTC 日后计数应视为 0, 实际 %d", used)
	}
}

func TestMidnightUTC(t *testing.T) {
	loc := time.FixedZone("UTC+8", 8*3600)
	// 2024-06-02 02:00 +08:00 is still 2024-06-01 in UTC.
	local := time.Date(2024, 6, 2, 2, 0, 0, 0, loc)
	got := MidnightUTC(local)
	want := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("期望 %s, 实际 %s", want, got)
	}
}

func TestAllocationRoundTrip(t *testing.T) {
	original := drift.Allocation{
		"ETH":  decimal.NewFromFloat(60.5),
		"USDC": decimal.NewFromFloat(39.5),
	}
	payload, err := marshalAllocation(original)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	restored, err := unmarshalAllocation(payload)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for symbol, pct := range original {
		if !restored[symbol].Equal(pct) {
			t.Fatalf("%s 不一致: 期望 %s, 实际 %s", symbol, pct, restored[symbol])
		}
	}
}
