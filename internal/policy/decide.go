// Package policy is the decision engine: it combines drift metrics, the
// market snapshot, and a wallet's monitoring settings into a single action.
package policy

import (
	"fmt"

	"github.com/shopspring/decimal"

	"driftwatch/internal/drift"
)

// Action is the outcome of one evaluated cycle.
type Action string

const (
	ActionSkip    Action = "skip"
	ActionSuggest Action = "suggest"
	ActionExecute Action = "execute"
)

// Input carries everything one decision needs. The market risk score must
// already include the cautious-floor substitution for stale snapshots.
type Input struct {
	Enabled              bool
	PortfolioValueUSD    decimal.Decimal
	MinPortfolioValueUSD decimal.Decimal
	Drift                drift.Result
	DriftThresholdPct    decimal.Decimal
	Profile              Profile
	MarketRiskScore      float64
	MarketStale          bool
	DailyTradesUsed      int
	MaxDailyTrades       int
	AutoExecute          bool
}

// Decision pairs the action with the reasoning that is logged verbatim.
type Decision struct {
	Action Action
	Reason string
}

// Decide evaluates the policy rules in fixed order; the first matching rule
// wins. Value and drift gates come before market gates so a wallet with
// nothing to do never produces market-related log volume, and cap exhaustion
// degrades to suggest so drift is never hidden from the user.
func Decide(in Input) Decision {
	if !in.Enabled {
		return Decision{Action: ActionSkip, Reason: "monitoring disabled"}
	}

	if in.PortfolioValueUSD.LessThan(in.MinPortfolioValueUSD) {
		return Decision{
			Action: ActionSkip,
			Reason: fmt.Sprintf("portfolio value $%s below minimum $%s",
				in.PortfolioValueUSD.StringFixed(2), in.MinPortfolioValueUSD.StringFixed(2)),
		}
	}

	if in.Drift.Total.LessThan(in.DriftThresholdPct) {
		return Decision{
			Action: ActionSkip,
			Reason: fmt.Sprintf("total drift %s%% below threshold %s%%",
				in.Drift.Total.StringFixed(2), in.DriftThresholdPct.StringFixed(2)),
		}
	}

	params := ParamsFor(in.Profile)
	if in.Drift.Urgency < params.MinUrgency {
		return Decision{
			Action: ActionSkip,
			Reason: fmt.Sprintf("urgency %s below %s floor for %s profile",
				in.Drift.Urgency, params.MinUrgency, in.Profile),
		}
	}

	if in.MarketRiskScore > params.RiskCeiling {
		reason := fmt.Sprintf("market risk %.0f above %s ceiling %.0f; suggesting only",
			in.MarketRiskScore, in.Profile, params.RiskCeiling)
		if in.MarketStale {
			reason += " (snapshot stale, cautious floor applied)"
		}
		return Decision{Action: ActionSuggest, Reason: reason}
	}

	if in.DailyTradesUsed >= in.MaxDailyTrades {
		return Decision{
			Action: ActionSuggest,
			Reason: fmt.Sprintf("daily trade cap reached (%d/%d); suggesting only",
				in.DailyTradesUsed, in.MaxDailyTrades),
		}
	}

	if !in.AutoExecute {
		return Decision{
			Action: ActionSuggest,
			Reason: fmt.Sprintf("drift %s%% (%s) qualifies but auto-execute is off",
				in.Drift.Total.StringFixed(2), in.Drift.Urgency),
		}
	}

	return Decision{
		Action: ActionExecute,
		Reason: fmt.Sprintf("drift %s%% (%s) exceeds threshold %s%% with market risk %.0f; executing rebalance",
			in.Drift.Total.StringFixed(2), in.Drift.Urgency, in.DriftThresholdPct.StringFixed(2), in.MarketRiskScore),
	}
}
