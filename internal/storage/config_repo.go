package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"driftwatch/internal/drift"
	"driftwatch/internal/policy"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrNotFound indicates the wallet has no monitoring config.
	ErrNotFound = errors.New("storage: monitoring config not found")
)

const (
	configColumns = `wallet_address,
        enabled,
        check_interval_seconds,
        drift_threshold_pct,
        max_daily_trades,
        risk_profile,
        auto_execute,
        slippage_tolerance_pct,
        min_portfolio_value_usd,
        target_allocation,
        daily_trades_count,
        last_trade_reset,
        last_check,
        created_at,
        updated_at`

	upsertConfigSQL = `INSERT INTO monitoring_configs (
        wallet_address,
        enabled,
        check_interval_seconds,
        drift_threshold_pct,
        max_daily_trades,
        risk_profile,
        auto_execute,
        slippage_tolerance_pct,
        min_portfolio_value_usd,
        target_allocation,
        last_trade_reset
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
    )
    ON CONFLICT (wallet_address) DO UPDATE
    SET
        enabled                 = EXCLUDED.enabled,
        check_interval_seconds  = EXCLUDED.check_interval_seconds,
        drift_threshold_pct     = EXCLUDED.drift_threshold_pct,
        max_daily_trades        = EXCLUDED.max_daily_trades,
        risk_profile            = EXCLUDED.risk_profile,
        auto_execute            = EXCLUDED.auto_execute,
        slippage_tolerance_pct  = EXCLUDED.slippage_tolerance_pct,
        min_portfolio_value_usd = EXCLUDED.min_portfolio_value_usd,
        target_allocation       = EXCLUDED.target_allocation,
        updated_at              = now()
    RETURNING ` + configColumns + `;`

	getConfigSQL = `SELECT ` + configColumns + `
    FROM monitoring_configs
    WHERE wallet_address = $1;`

	listConfigsSQL = `SELECT ` + configColumns + `
    FROM monitoring_configs
    ORDER BY wallet_address;`

	removeConfigSQL = `DELETE FROM monitoring_configs WHERE wallet_address = $1;`

	countConfigsSQL = `SELECT COUNT(*), COUNT(*) FILTER (WHERE enabled) FROM monitoring_configs;`

	applyCycleResultSQL = `UPDATE monitoring_configs
    SET
        daily_trades_count = (CASE WHEN last_trade_reset < $2 THEN 0 ELSE daily_trades_count END) + $3,
        last_trade_reset   = (CASE WHEN last_trade_reset < $2 THEN $2 ELSE last_trade_reset END),
        last_check         = $4,
        updated_at         = now()
    WHERE wallet_address = $1
    RETURNING ` + configColumns + `;`
)

// ConfigStore defines operations for monitoring-config persistence.
type ConfigStore interface {
	GetConfig(ctx context.Context, wallet string) (MonitoringConfig, error)
	UpsertConfig(ctx context.Context, cfg MonitoringConfig) (MonitoringConfig, error)
	RemoveConfig(ctx context.Context, wallet string) error
	ListConfigs(ctx context.Context) ([]MonitoringConfig, error)
	// ApplyCycleResult performs the day-boundary reset and the counter
	// increment as one atomic unit per wallet, and stamps last_check.
	ApplyCycleResult(ctx context.Context, wallet string, result CycleResult) (MonitoringConfig, error)
	CountConfigs(ctx context.Context) (total, active int64, err error)
}

// GetConfig loads a wallet's monitoring config.
func (s *Store) GetConfig(ctx context.Context, wallet string) (MonitoringConfig, error) {
	pool, err := s.getPool()
	if err != nil {
		return MonitoringConfig{}, err
	}

	row := pool.QueryRow(ctx, getConfigSQL, wallet)
	cfg, err := scanConfig(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return MonitoringConfig{}, ErrNotFound
	}
	return cfg, err
}

// UpsertConfig inserts or replaces a wallet's settings. Counters and
// last_check survive updates; only the user-facing settings are replaced.
func (s *Store) UpsertConfig(ctx context.Context, cfg MonitoringConfig) (MonitoringConfig, error) {
	pool, err := s.getPool()
	if err != nil {
		return MonitoringConfig{}, err
	}

	targetJSON, err := marshalAllocation(cfg.TargetAllocation)
	if err != nil {
		return MonitoringConfig{}, err
	}

	row := pool.QueryRow(ctx, upsertConfigSQL,
		cfg.WalletAddress,
		cfg.Enabled,
		int64(cfg.CheckInterval/time.Second),
		cfg.DriftThresholdPct.String(),
		cfg.MaxDailyTrades,
		string(cfg.RiskProfile),
		cfg.AutoExecute,
		cfg.SlippageTolerancePct.String(),
		cfg.MinPortfolioValueUSD.String(),
		targetJSON,
		MidnightUTC(time.Now()),
	)

	updated, err := scanConfig(row)
	if err != nil {
		return MonitoringConfig{}, fmt.Errorf("upsert monitoring config: %w", err)
	}
	return updated, nil
}

// RemoveConfig deletes a wallet's monitoring config.
func (s *Store) RemoveConfig(ctx context.Context, wallet string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	cmdTag, execErr := pool.Exec(ctx, removeConfigSQL, wallet)
	if execErr != nil {
		return fmt.Errorf("remove monitoring config: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListConfigs returns all monitoring configs ordered by wallet.
func (s *Store) ListConfigs(ctx context.Context) ([]MonitoringConfig, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listConfigsSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list monitoring configs: %w", queryErr)
	}
	defer rows.Close()

	configs := make([]MonitoringConfig, 0)
	for rows.Next() {
		cfg, scanErr := scanConfig(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		configs = append(configs, cfg)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return configs, nil
}

// ApplyCycleResult writes back one finished cycle: day-boundary reset,
// optional trade increment, and the last_check stamp, atomically. Cycles for
// one wallet are serialized by the supervisor, so this is a single-writer
// update; the table's CHECK constraint still fails loudly if the cap
// invariant is ever violated.
func (s *Store) ApplyCycleResult(ctx context.Context, wallet string, result CycleResult) (MonitoringConfig, error) {
	pool, err := s.getPool()
	if err != nil {
		return MonitoringConfig{}, err
	}

	increment := 0
	if result.IncrementTrade {
		increment = 1
	}

	checkedAt := result.CheckedAt
	if checkedAt.IsZero() {
		checkedAt = time.Now().UTC()
	}

	row := pool.QueryRow(ctx, applyCycleResultSQL,
		wallet,
		MidnightUTC(checkedAt),
		increment,
		checkedAt,
	)

	cfg, err := scanConfig(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return MonitoringConfig{}, ErrNotFound
	}
	if err != nil {
		return MonitoringConfig{}, fmt.Errorf("apply cycle result: %w", err)
	}
	return cfg, nil
}

// CountConfigs returns total and enabled wallet counts.
func (s *Store) CountConfigs(ctx context.Context) (int64, int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, 0, err
	}
	var total, active int64
	if scanErr := pool.QueryRow(ctx, countConfigsSQL).Scan(&total, &active); scanErr != nil {
		return 0, 0, fmt.Errorf("count monitoring configs: %w", scanErr)
	}
	return total, active, nil
}

func marshalAllocation(a drift.Allocation) ([]byte, error) {
	stringly := make(map[string]string, len(a))
	for symbol, pct := range a {
		stringly[symbol] = pct.String()
	}
	payload, err := json.Marshal(stringly)
	if err != nil {
		return nil, fmt.Errorf("marshal target allocation: %w", err)
	}
	return payload, nil
}

func unmarshalAllocation(payload []byte) (drift.Allocation, error) {
	var stringly map[string]string
	if err := json.Unmarshal(payload, &stringly); err != nil {
		return nil, fmt.Errorf("unmarshal target allocation: %w", err)
	}
	a := make(drift.Allocation, len(stringly))
	for symbol, raw := range stringly {
		pct, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("parse target allocation for %s: %w", symbol, err)
		}
		a[symbol] = pct
	}
	return a, nil
}

func scanConfig(row pgx.Row) (MonitoringConfig, error) {
	var (
		cfg             MonitoringConfig
		intervalSeconds int64
		thresholdStr    string
		profileStr      string
		slippageStr     string
		minValueStr     string
		targetJSON      []byte
		lastCheck       sql.NullTime
	)

	if err := row.Scan(
		&cfg.WalletAddress,
		&cfg.Enabled,
		&intervalSeconds,
		&thresholdStr,
		&cfg.MaxDailyTrades,
		&profileStr,
		&cfg.AutoExecute,
		&slippageStr,
		&minValueStr,
		&targetJSON,
		&cfg.DailyTradesCount,
		&cfg.LastTradeReset,
		&lastCheck,
		&cfg.CreatedAt,
		&cfg.UpdatedAt,
	); err != nil {
		return MonitoringConfig{}, err
	}

	cfg.CheckInterval = time.Duration(intervalSeconds) * time.Second
	cfg.RiskProfile = policy.Profile(profileStr)

	var convErr error
	cfg.DriftThresholdPct, convErr = decimal.NewFromString(thresholdStr)
	if convErr != nil {
		return MonitoringConfig{}, fmt.Errorf("parse drift threshold: %w", convErr)
	}
	cfg.SlippageTolerancePct, convErr = decimal.NewFromString(slippageStr)
	if convErr != nil {
		return MonitoringConfig{}, fmt.Errorf("parse slippage tolerance: %w", convErr)
	}
	cfg.MinPortfolioValueUSD, convErr = decimal.NewFromString(minValueStr)
	if convErr != nil {
		return MonitoringConfig{}, fmt.Errorf("parse min portfolio value: %w", convErr)
	}

	cfg.TargetAllocation, convErr = unmarshalAllocation(targetJSON)
	if convErr != nil {
		return MonitoringConfig{}, convErr
	}

	if lastCheck.Valid {
		t := lastCheck.Time
		cfg.LastCheck = &t
	}

	return cfg, nil
}

var _ ConfigStore = (*Store)(nil)
