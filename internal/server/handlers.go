package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"driftwatch/internal/drift"
	"driftwatch/internal/monitor"
	"driftwatch/internal/policy"
	"driftwatch/internal/storage"
)

type walletRequest struct {
	WalletAddress        string             `json:"wallet_address"`
	Enabled              *bool              `json:"enabled"`
	CheckIntervalSeconds int64              `json:"check_interval_seconds"`
	DriftThresholdPct    float64            `json:"drift_threshold_percent"`
	MaxDailyTrades       int                `json:"max_daily_trades"`
	RiskProfile          string             `json:"risk_profile"`
	AutoExecute          bool               `json:"auto_execute"`
	SlippageTolerancePct float64            `json:"slippage_tolerance_percent"`
	MinPortfolioValueUSD float64            `json:"min_portfolio_value_usd"`
	TargetAllocation     map[string]float64 `json:"target_allocation"`
}

type walletResponse struct {
	WalletAddress        string             `json:"wallet_address"`
	Enabled              bool               `json:"enabled"`
	CheckIntervalSeconds int64              `json:"check_interval_seconds"`
	DriftThresholdPct    string             `json:"drift_threshold_percent"`
	MaxDailyTrades       int                `json:"max_daily_trades"`
	RiskProfile          string             `json:"risk_profile"`
	AutoExecute          bool               `json:"auto_execute"`
	SlippageTolerancePct string             `json:"slippage_tolerance_percent"`
	MinPortfolioValueUSD string             `json:"min_portfolio_value_usd"`
	TargetAllocation     map[string]string  `json:"target_allocation"`
	DailyTradesCount     int                `json:"daily_trades_count"`
	LastCheck            *time.Time         `json:"last_check,omitempty"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

type actionResponse struct {
	ActionID        string          `json:"action_id"`
	WalletAddress   string          `json:"wallet_address"`
	ActionType      string          `json:"action_type"`
	Reason          string          `json:"reason"`
	TotalDriftPct   string          `json:"total_drift_percent"`
	Urgency         string          `json:"urgency"`
	Drift           json.RawMessage `json:"drift,omitempty"`
	Market          json.RawMessage `json:"market,omitempty"`
	ExecutionID     *string         `json:"execution_id,omitempty"`
	TxHash          *string         `json:"tx_hash,omitempty"`
	ExecutionStatus *string         `json:"execution_status,omitempty"`
	Error           *string         `json:"error,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

type serviceStatusResponse struct {
	Running       bool             `json:"running"`
	StartedAt     *time.Time       `json:"started_at,omitempty"`
	ActiveWorkers int              `json:"active_workers"`
	TotalWallets  int64            `json:"total_wallets"`
	ActiveWallets int64            `json:"active_wallets"`
	Actions24h    map[string]int64 `json:"actions_24h"`
	MarketRisk    float64          `json:"market_risk_score"`
	MarketStale   bool             `json:"market_stale"`
}

type marketResponse struct {
	RiskScore            float64 `json:"risk_score"`
	Stale                bool    `json:"stale"`
	TrendDirection       string  `json:"trend_direction,omitempty"`
	VolatilityHigh       bool    `json:"volatility_high"`
	VolumeSpike          bool    `json:"volume_spike"`
	CorrelationBreakdown bool    `json:"correlation_breakdown"`
	AssessedAt           string  `json:"assessed_at,omitempty"`
}

func toWalletResponse(cfg storage.MonitoringConfig) walletResponse {
	target := make(map[string]string, len(cfg.TargetAllocation))
	for symbol, pct := range cfg.TargetAllocation {
		target[symbol] = pct.String()
	}
	return walletResponse{
		WalletAddress:        cfg.WalletAddress,
		Enabled:              cfg.Enabled,
		CheckIntervalSeconds: int64(cfg.CheckInterval / time.Second),
		DriftThresholdPct:    cfg.DriftThresholdPct.String(),
		MaxDailyTrades:       cfg.MaxDailyTrades,
		RiskProfile:          string(cfg.RiskProfile),
		AutoExecute:          cfg.AutoExecute,
		SlippageTolerancePct: cfg.SlippageTolerancePct.String(),
		MinPortfolioValueUSD: cfg.MinPortfolioValueUSD.String(),
		TargetAllocation:     target,
		DailyTradesCount:     cfg.DailyTradesUsed(time.Now()),
		LastCheck:            cfg.LastCheck,
		CreatedAt:            cfg.CreatedAt,
		UpdatedAt:            cfg.UpdatedAt,
	}
}

func toActionResponse(record storage.ActionRecord) actionResponse {
	return actionResponse{
		ActionID:        record.ActionID,
		WalletAddress:   record.WalletAddress,
		ActionType:      record.ActionType,
		Reason:          record.Reason,
		TotalDriftPct:   record.TotalDriftPct.String(),
		Urgency:         record.Urgency,
		Drift:           record.Drift,
		Market:          record.Market,
		ExecutionID:     record.ExecutionID,
		TxHash:          record.TxHash,
		ExecutionStatus: record.ExecutionStatus,
		Error:           record.Error,
		CreatedAt:       record.CreatedAt,
	}
}

// handleSubscribe creates or replaces a wallet's monitoring config.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req walletRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	profile := req.RiskProfile
	if profile == "" {
		profile = string(policy.ProfileBalanced)
	}

	interval := time.Duration(req.CheckIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = s.defaults.CheckInterval
	}
	if interval <= 0 {
		interval = 15 * time.Minute
	}

	slippage := req.SlippageTolerancePct
	if slippage == 0 {
		slippage = 1
	}

	minValue := req.MinPortfolioValueUSD
	if minValue == 0 {
		minValue = s.defaults.MinPortfolioValueUSD
	}

	target := make(drift.Allocation, len(req.TargetAllocation))
	for symbol, pct := range req.TargetAllocation {
		target[strings.ToUpper(symbol)] = decimal.NewFromFloat(pct)
	}

	cfg := storage.MonitoringConfig{
		WalletAddress:        strings.ToLower(strings.TrimSpace(req.WalletAddress)),
		Enabled:              enabled,
		CheckInterval:        interval,
		DriftThresholdPct:    decimal.NewFromFloat(req.DriftThresholdPct),
		MaxDailyTrades:       req.MaxDailyTrades,
		RiskProfile:          policy.Profile(profile),
		AutoExecute:          req.AutoExecute,
		SlippageTolerancePct: decimal.NewFromFloat(slippage),
		MinPortfolioValueUSD: decimal.NewFromFloat(minValue),
		TargetAllocation:     target,
	}
	cfg.ApplyProfileDefaults()

	if err := cfg.Validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	saved, err := s.store.UpsertConfig(r.Context(), cfg)
	if err != nil {
		s.logger.Error().Err(err).Str("wallet", cfg.WalletAddress).Msg("subscribe failed")
		writeError(w, http.StatusInternalServerError, "failed to save monitoring config")
		return
	}

	writeJSON(w, http.StatusCreated, toWalletResponse(saved))
}

func (s *Server) handleListWallets(w http.ResponseWriter, r *http.Request) {
	configs, err := s.store.ListConfigs(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("list wallets failed")
		writeError(w, http.StatusInternalServerError, "failed to list wallets")
		return
	}

	out := make([]walletResponse, 0, len(configs))
	for _, cfg := range configs {
		out = append(out, toWalletResponse(cfg))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleWalletStatus(w http.ResponseWriter, r *http.Request) {
	wallet := chi.URLParam(r, "address")
	cfg, err := s.store.GetConfig(r.Context(), wallet)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "wallet not monitored")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("wallet", wallet).Msg("wallet status failed")
		writeError(w, http.StatusInternalServerError, "failed to load wallet")
		return
	}
	writeJSON(w, http.StatusOK, toWalletResponse(cfg))
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	wallet := chi.URLParam(r, "address")
	err := s.store.RemoveConfig(r.Context(), wallet)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "wallet not monitored")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("wallet", wallet).Msg("unsubscribe failed")
		writeError(w, http.StatusInternalServerError, "failed to remove wallet")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWalletActions(w http.ResponseWriter, r *http.Request) {
	wallet := chi.URLParam(r, "address")

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 500 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = parsed
	}

	records, err := s.store.ListRecentActions(r.Context(), wallet, limit)
	if err != nil {
		s.logger.Error().Err(err).Str("wallet", wallet).Msg("list actions failed")
		writeError(w, http.StatusInternalServerError, "failed to list actions")
		return
	}

	out := make([]actionResponse, 0, len(records))
	for _, record := range records {
		out = append(out, toActionResponse(record))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleForceCheck runs one immediate cycle for a wallet and returns the
// decision that was logged.
func (s *Server) handleForceCheck(w http.ResponseWriter, r *http.Request) {
	wallet := chi.URLParam(r, "address")

	outcome, err := s.monitor.ForceCheck(r.Context(), wallet)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "wallet not monitored")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("wallet", wallet).Msg("force check failed")
		writeError(w, http.StatusInternalServerError, "force check failed")
		return
	}
	if outcome.Record == nil {
		// Disabled wallet: nothing evaluated, nothing logged.
		writeJSON(w, http.StatusOK, map[string]string{
			"wallet_address": wallet,
			"action":         storage.ActionSkip,
			"reason":         "monitoring disabled",
		})
		return
	}
	writeJSON(w, http.StatusOK, toActionResponse(*outcome.Record))
}

func (s *Server) handleServiceStatus(w http.ResponseWriter, r *http.Request) {
	status := s.monitor.Status()

	resp := serviceStatusResponse{
		Running:       status.Running,
		ActiveWorkers: status.ActiveWorkers,
	}
	if status.Running {
		startedAt := status.StartedAt
		resp.StartedAt = &startedAt
	}

	total, active, err := s.store.CountConfigs(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("count configs failed")
		writeError(w, http.StatusInternalServerError, "failed to load service status")
		return
	}
	resp.TotalWallets = total
	resp.ActiveWallets = active

	counts, err := s.store.CountActionsByType(r.Context(), time.Now().Add(-24*time.Hour))
	if err != nil {
		s.logger.Error().Err(err).Msg("count actions failed")
		writeError(w, http.StatusInternalServerError, "failed to load service status")
		return
	}
	resp.Actions24h = counts

	view := s.market.CurrentView()
	resp.MarketRisk = view.RiskScore
	resp.MarketStale = view.Stale

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleServiceStart(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.monitor.Start, "started")
}

func (s *Server) handleServiceStop(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.monitor.Stop, "stopped")
}

func (s *Server) handleServiceRestart(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.monitor.Restart, "restarted")
}

func (s *Server) lifecycle(w http.ResponseWriter, r *http.Request, op func(context.Context) error, verb string) {
	err := op(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": verb})
	case errors.Is(err, monitor.ErrAlreadyRunning), errors.Is(err, monitor.ErrNotRunning):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, monitor.ErrLockHeld):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error().Err(err).Msg("service lifecycle operation failed")
		writeError(w, http.StatusInternalServerError, "lifecycle operation failed")
	}
}
