package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"driftwatch/internal/drift"
	"driftwatch/internal/policy"
)

// MonitoringConfig is one wallet's durable monitoring settings plus its
// daily trade counters. The store owns all instances; decision cycles read a
// copy and write back through ApplyCycleResult only.
type MonitoringConfig struct {
	WalletAddress        string
	Enabled              bool
	CheckInterval        time.Duration
	DriftThresholdPct    decimal.Decimal
	MaxDailyTrades       int
	RiskProfile          policy.Profile
	AutoExecute          bool
	SlippageTolerancePct decimal.Decimal
	MinPortfolioValueUSD decimal.Decimal
	TargetAllocation     drift.Allocation

	DailyTradesCount int
	LastTradeReset   time.Time
	LastCheck        *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// allocationSumTolerance allows for rounding in user-supplied targets.
var allocationSumTolerance = decimal.NewFromFloat(0.01)

// Validate rejects invalid settings synchronously, before anything is stored.
func (c *MonitoringConfig) Validate() error {
	if c.WalletAddress == "" {
		return fmt.Errorf("wallet_address is required")
	}
	if c.CheckInterval <= 0 {
		return fmt.Errorf("check_interval must be greater than zero")
	}
	if c.DriftThresholdPct.IsNegative() {
		return fmt.Errorf("drift_threshold_percent cannot be negative")
	}
	if c.MaxDailyTrades < 1 {
		return fmt.Errorf("max_daily_trades must be at least 1")
	}
	if _, err := policy.ParseProfile(string(c.RiskProfile)); err != nil {
		return err
	}
	if c.SlippageTolerancePct.IsNegative() {
		return fmt.Errorf("slippage_tolerance_percent cannot be negative")
	}
	if c.MinPortfolioValueUSD.IsNegative() {
		return fmt.Errorf("min_portfolio_value_usd cannot be negative")
	}
	if len(c.TargetAllocation) == 0 {
		return fmt.Errorf("target_allocation is required")
	}

	sum := decimal.Zero
	for symbol, pct := range c.TargetAllocation {
		if pct.IsNegative() {
			return fmt.Errorf("target_allocation[%s] cannot be negative", symbol)
		}
		sum = sum.Add(pct)
	}
	if sum.Sub(decimal.NewFromInt(100)).Abs().GreaterThan(allocationSumTolerance) {
		return fmt.Errorf("target_allocation must sum to 100, got %s", sum)
	}

	return nil
}

// ApplyProfileDefaults fills unset threshold and trade-cap fields from the
// risk-profile preset table.
func (c *MonitoringConfig) ApplyProfileDefaults() {
	params := policy.ParamsFor(c.RiskProfile)
	if c.DriftThresholdPct.IsZero() {
		c.DriftThresholdPct = params.DriftThreshold
	}
	if c.MaxDailyTrades == 0 {
		c.MaxDailyTrades = params.MaxDailyTrades
	}
}

// DailyTradesUsed returns the counter as of now, treating a counter from a
// previous UTC day as already reset.
func (c *MonitoringConfig) DailyTradesUsed(now time.Time) int {
	if c.LastTradeReset.Before(MidnightUTC(now)) {
		return 0
	}
	return c.DailyTradesCount
}

// MidnightUTC truncates a timestamp to its UTC day boundary.
func MidnightUTC(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// CycleResult is the delta a finished monitoring cycle writes back.
type CycleResult struct {
	IncrementTrade bool
	CheckedAt      time.Time
}

// Action types recorded per evaluated cycle.
const (
	ActionSkip    = "skip"
	ActionSuggest = "suggest"
	ActionExecute = "execute"
	ActionError   = "error"
)

// ActionRecord is one append-only audit entry: a decision, its inputs, and
// (for executions) the gateway's result reference. Created once, never
// mutated.
type ActionRecord struct {
	ActionID      string
	WalletAddress string
	ActionType    string
	Reason        string
	TotalDriftPct decimal.Decimal
	Urgency       string

	// Snapshots of the cycle's inputs, stored verbatim for auditing.
	Drift            json.RawMessage
	TargetAllocation json.RawMessage
	ConfigUsed       json.RawMessage
	Market           json.RawMessage

	ExecutionID     *string
	TxHash          *string
	ExecutionStatus *string
	Error           *string

	CreatedAt time.Time
}

// StatusCounts aggregates service status for operators.
type StatusCounts struct {
	TotalWallets    int64
	ActiveWallets   int64
	ActionsByType   map[string]int64
	RecentExecuted  int64
	RecentSuggested int64
}
