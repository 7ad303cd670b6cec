// Package monitor runs the autonomous monitoring loops: one worker per
// wallet, each evaluating fetch -> drift -> decide -> act -> log as a single
// serialized cycle, under a supervisor that reconciles workers against the
// stored configs.
package monitor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"driftwatch/internal/drift"
	"driftwatch/internal/executor"
	"driftwatch/internal/fetcher"
	"driftwatch/internal/market"
	"driftwatch/internal/metrics"
	"driftwatch/internal/policy"
	"driftwatch/internal/storage"
)

// Store is the persistence surface the monitor needs.
type Store interface {
	GetConfig(ctx context.Context, wallet string) (storage.MonitoringConfig, error)
	ListConfigs(ctx context.Context) ([]storage.MonitoringConfig, error)
	ApplyCycleResult(ctx context.Context, wallet string, result storage.CycleResult) (storage.MonitoringConfig, error)
	InsertAction(ctx context.Context, record *storage.ActionRecord) error
}

// MarketViewer supplies the current effective market view.
type MarketViewer interface {
	CurrentView() market.View
}

// Notification is the operator-facing summary of an actionable decision.
type Notification struct {
	Wallet        string
	Action        string
	Reason        string
	TotalDriftPct decimal.Decimal
	Urgency       string
	ExecutionID   string
	TxHash        string
}

// Notifier routes actionable decisions to alert channels. Implementations
// must not block the cycle for long.
type Notifier interface {
	NotifyDecision(ctx context.Context, n Notification)
}

// RunnerDeps wires the cycle runner's collaborators.
type RunnerDeps struct {
	Store        Store
	Fetcher      fetcher.PortfolioFetcher
	Market       MarketViewer
	Gateway      executor.Gateway
	Notifier     Notifier
	Metrics      *metrics.Metrics
	Logger       zerolog.Logger
	FetchTimeout time.Duration
}

// cycleCompletionBudget bounds a cycle after it detaches from worker
// cancellation, so a hung backend cannot wedge shutdown forever.
const cycleCompletionBudget = 3 * time.Minute

// executionStatusFailed marks an execute decision whose submission failed
// after the retry budget.
const executionStatusFailed = "failed"

// Runner executes single monitoring cycles. It holds no per-wallet state;
// serialization per wallet is the worker's job.
type Runner struct {
	store        Store
	fetcher      fetcher.PortfolioFetcher
	market       MarketViewer
	gateway      executor.Gateway
	notifier     Notifier
	metrics      *metrics.Metrics
	logger       zerolog.Logger
	fetchTimeout time.Duration
	now          func() time.Time
}

// NewRunner constructs a cycle runner.
func NewRunner(deps RunnerDeps) *Runner {
	timeout := deps.FetchTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Runner{
		store:        deps.Store,
		fetcher:      deps.Fetcher,
		market:       deps.Market,
		gateway:      deps.Gateway,
		notifier:     deps.Notifier,
		metrics:      deps.Metrics,
		logger:       deps.Logger.With().Str("component", "monitor").Logger(),
		fetchTimeout: timeout,
		now:          time.Now,
	}
}

// CycleOutcome is what one finished cycle produced.
type CycleOutcome struct {
	// Config is the wallet's post-cycle state, including the updated trade
	// counter and last_check.
	Config storage.MonitoringConfig
	// Record is the logged action; nil when the wallet was disabled and the
	// cycle skipped without logging.
	Record *storage.ActionRecord
}

// RunCycle evaluates one wallet once: load config, fetch the portfolio,
// compute drift, decide, act, log, and persist the counters. A portfolio
// fetch failure produces an error record and stamps last_check so the wallet
// simply waits for its next interval; only infrastructure failures (config
// missing, store unreachable) return an error.
func (r *Runner) RunCycle(ctx context.Context, wallet string) (CycleOutcome, error) {
	start := r.now()
	logger := r.logger.With().Str("wallet", wallet).Logger()

	cfg, err := r.store.GetConfig(ctx, wallet)
	if err != nil {
		return CycleOutcome{}, err
	}

	// Disabled wallets skip silently: no record, no last_check stamp.
	if !cfg.Enabled {
		logger.Debug().Msg("wallet disabled, skipping cycle")
		return CycleOutcome{Config: cfg}, nil
	}

	r.metrics.CyclesTotal.WithLabelValues(wallet).Inc()

	// Past this point the cycle runs to completion even while the service
	// is stopping: an in-flight submission must finish, be logged, and be
	// counted. Stop waits at the cycle boundary instead.
	var cancelCycle context.CancelFunc
	ctx, cancelCycle = context.WithTimeout(context.WithoutCancel(ctx), cycleCompletionBudget)
	defer cancelCycle()

	fetchCtx, cancel := context.WithTimeout(ctx, r.fetchTimeout)
	portfolio, fetchErr := r.fetcher.FetchPortfolio(fetchCtx, wallet)
	cancel()
	if fetchErr != nil {
		logger.Error().Err(fetchErr).Msg("portfolio fetch failed")
		r.metrics.CycleErrorsTotal.WithLabelValues("fetch").Inc()
		return r.finishCycle(ctx, wallet, r.errorRecord(wallet, cfg, fetchErr), false, start)
	}

	result := drift.Compute(portfolio.Weights, cfg.TargetAllocation)
	view := r.market.CurrentView()
	r.metrics.MarketRiskScore.Set(view.RiskScore)
	if view.Snapshot != nil {
		r.metrics.MarketSnapshotAge.Set(r.now().Sub(view.Snapshot.AssessedAt).Seconds())
	}

	decision := policy.Decide(policy.Input{
		Enabled:              cfg.Enabled,
		PortfolioValueUSD:    portfolio.TotalValueUSD,
		MinPortfolioValueUSD: cfg.MinPortfolioValueUSD,
		Drift:                result,
		DriftThresholdPct:    cfg.DriftThresholdPct,
		Profile:              cfg.RiskProfile,
		MarketRiskScore:      view.RiskScore,
		MarketStale:          view.Stale,
		DailyTradesUsed:      cfg.DailyTradesUsed(start),
		MaxDailyTrades:       cfg.MaxDailyTrades,
		AutoExecute:          cfg.AutoExecute,
	})

	record := &storage.ActionRecord{
		WalletAddress:    wallet,
		ActionType:       string(decision.Action),
		Reason:           decision.Reason,
		TotalDriftPct:    result.Total,
		Urgency:          result.Urgency.String(),
		Drift:            mustJSON(result.PerAsset),
		TargetAllocation: mustJSON(cfg.TargetAllocation),
		ConfigUsed:       mustJSON(configSnapshot(cfg)),
		Market:           mustJSON(marketSnapshot(view)),
	}

	traded := false
	if decision.Action == policy.ActionExecute {
		exec, execErr := r.gateway.Submit(ctx, wallet, cfg.TargetAllocation, cfg.SlippageTolerancePct)
		if execErr != nil {
			// The decision stays "execute" in the audit log; the failure
			// lives in execution_status/error so a gateway failure is
			// distinguishable from a cycle that never decided.
			logger.Error().Err(execErr).Msg("rebalance submission failed")
			r.metrics.ExecutionsTotal.WithLabelValues("failure").Inc()
			status := executionStatusFailed
			record.ExecutionStatus = &status
			msg := execErr.Error()
			record.Error = &msg
		} else {
			logger.Info().
				Str("execution_id", exec.ExecutionID).
				Str("tx_hash", exec.TxHash).
				Str("reason", decision.Reason).
				Msg("rebalance submitted")
			r.metrics.ExecutionsTotal.WithLabelValues("success").Inc()
			record.ExecutionID = &exec.ExecutionID
			record.ExecutionStatus = &exec.Status
			if exec.TxHash != "" {
				record.TxHash = &exec.TxHash
			}
			traded = true
		}
	} else {
		logger.Info().
			Str("action", record.ActionType).
			Str("reason", decision.Reason).
			Str("urgency", record.Urgency).
			Msg("cycle decided")
	}

	r.metrics.DecisionsTotal.WithLabelValues(record.ActionType).Inc()
	return r.finishCycle(ctx, wallet, record, traded, start)
}

// finishCycle appends the record and writes back the counters in that order,
// so an audit entry always exists for a counted trade.
func (r *Runner) finishCycle(ctx context.Context, wallet string, record *storage.ActionRecord, traded bool, start time.Time) (CycleOutcome, error) {
	if err := r.store.InsertAction(ctx, record); err != nil {
		r.logger.Error().Err(err).Str("wallet", wallet).Msg("failed to append action record")
		r.metrics.CycleErrorsTotal.WithLabelValues("log").Inc()
	}

	updated, err := r.store.ApplyCycleResult(ctx, wallet, storage.CycleResult{
		IncrementTrade: traded,
		CheckedAt:      start.UTC(),
	})
	if err != nil {
		return CycleOutcome{Record: record}, err
	}

	r.notify(ctx, record)
	r.metrics.CycleDuration.Observe(r.now().Sub(start).Seconds())
	return CycleOutcome{Config: updated, Record: record}, nil
}

func (r *Runner) notify(ctx context.Context, record *storage.ActionRecord) {
	if r.notifier == nil {
		return
	}
	if record.ActionType != storage.ActionSuggest && record.ActionType != storage.ActionExecute {
		return
	}
	if record.ActionType == storage.ActionExecute && record.ExecutionID == nil {
		// Submission failed; that belongs in the error log, not a
		// success alert.
		return
	}

	n := Notification{
		Wallet:        record.WalletAddress,
		Action:        record.ActionType,
		Reason:        record.Reason,
		TotalDriftPct: record.TotalDriftPct,
		Urgency:       record.Urgency,
	}
	if record.ExecutionID != nil {
		n.ExecutionID = *record.ExecutionID
	}
	if record.TxHash != nil {
		n.TxHash = *record.TxHash
	}
	r.notifier.NotifyDecision(ctx, n)
}

func (r *Runner) errorRecord(wallet string, cfg storage.MonitoringConfig, cause error) *storage.ActionRecord {
	msg := cause.Error()
	return &storage.ActionRecord{
		WalletAddress:    wallet,
		ActionType:       storage.ActionError,
		Reason:           "portfolio fetch failed",
		TotalDriftPct:    decimal.Zero,
		Urgency:          drift.UrgencyLow.String(),
		TargetAllocation: mustJSON(cfg.TargetAllocation),
		ConfigUsed:       mustJSON(configSnapshot(cfg)),
		Error:            &msg,
	}
}

type configSnapshotPayload struct {
	CheckIntervalSeconds int64  `json:"check_interval_seconds"`
	DriftThresholdPct    string `json:"drift_threshold_percent"`
	MaxDailyTrades       int    `json:"max_daily_trades"`
	RiskProfile          string `json:"risk_profile"`
	AutoExecute          bool   `json:"auto_execute"`
	SlippageTolerancePct string `json:"slippage_tolerance_percent"`
	MinPortfolioValueUSD string `json:"min_portfolio_value_usd"`
	DailyTradesCount     int    `json:"daily_trades_count"`
}

func configSnapshot(cfg storage.MonitoringConfig) configSnapshotPayload {
	return configSnapshotPayload{
		CheckIntervalSeconds: int64(cfg.CheckInterval / time.Second),
		DriftThresholdPct:    cfg.DriftThresholdPct.String(),
		MaxDailyTrades:       cfg.MaxDailyTrades,
		RiskProfile:          string(cfg.RiskProfile),
		AutoExecute:          cfg.AutoExecute,
		SlippageTolerancePct: cfg.SlippageTolerancePct.String(),
		MinPortfolioValueUSD: cfg.MinPortfolioValueUSD.String(),
		DailyTradesCount:     cfg.DailyTradesCount,
	}
}

type marketSnapshotPayload struct {
	RiskScore            float64 `json:"risk_score"`
	Stale                bool    `json:"stale"`
	TrendDirection       string  `json:"trend_direction,omitempty"`
	VolatilityHigh       bool    `json:"volatility_high"`
	VolumeSpike          bool    `json:"volume_spike"`
	CorrelationBreakdown bool    `json:"correlation_breakdown"`
	AssessedAt           string  `json:"assessed_at,omitempty"`
}

func marketSnapshot(view market.View) marketSnapshotPayload {
	payload := marketSnapshotPayload{
		RiskScore: view.RiskScore,
		Stale:     view.Stale,
	}
	if view.Snapshot != nil {
		payload.TrendDirection = view.Snapshot.TrendDirection
		payload.VolatilityHigh = view.Snapshot.VolatilityHigh
		payload.VolumeSpike = view.Snapshot.VolumeSpike
		payload.CorrelationBreakdown = view.Snapshot.CorrelationBreakdown
		payload.AssessedAt = view.Snapshot.AssessedAt.Format(time.RFC3339)
	}
	return payload
}

func mustJSON(v interface{}) json.RawMessage {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return payload
}
