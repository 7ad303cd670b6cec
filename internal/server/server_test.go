package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"driftwatch/internal/config"
	"driftwatch/internal/market"
	"driftwatch/internal/monitor"
	"driftwatch/internal/storage"
)

const testWallet = "0x742d35cc6634c0532925a3b844bc454e4438f44e"

type stubStore struct {
	configs map[string]storage.MonitoringConfig
	actions map[string][]storage.ActionRecord
}

func newStubStore() *stubStore {
	return &stubStore{
		configs: make(map[string]storage.MonitoringConfig),
		actions: make(map[string][]storage.ActionRecord),
	}
}

func (s *stubStore) GetConfig(_ context.Context, wallet string) (storage.MonitoringConfig, error) {
	cfg, ok := s.configs[wallet]
	if !ok {
		return storage.MonitoringConfig{}, storage.ErrNotFound
	}
	return cfg, nil
}

func (s *stubStore) UpsertConfig(_ context.Context, cfg storage.MonitoringConfig) (storage.MonitoringConfig, error) {
	now := time.Now().UTC()
	cfg.CreatedAt = now
	cfg.UpdatedAt = now
	cfg.LastTradeReset = storage.MidnightUTC(now)
	s.configs[cfg.WalletAddress] = cfg
	return cfg, nil
}

func (s *stubStore) RemoveConfig(_ context.Context, wallet string) error {
	if _, ok := s.configs[wallet]; !ok {
		return storage.ErrNotFound
	}
	delete(s.configs, wallet)
	return nil
}

func (s *stubStore) ListConfigs(context.Context) ([]storage.MonitoringConfig, error) {
	out := make([]storage.MonitoringConfig, 0, len(s.configs))
	for _, cfg := range s.configs {
		out = append(out, cfg)
	}
	return out, nil
}

func (s *stubStore) CountConfigs(context.Context) (int64, int64, error) {
	var active int64
	for _, cfg := range s.configs {
		if cfg.Enabled {
			active++
		}
	}
	return int64(len(s.configs)), active, nil
}

func (s *stubStore) ListRecentActions(_ context.Context, wallet string, limit int) ([]storage.ActionRecord, error) {
	records := s.actions[wallet]
	if len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (s *stubStore) CountActionsByType(context.Context, time.Time) (map[string]int64, error) {
	return map[string]int64{"skip": 5, "suggest": 2}, nil
}

type stubMonitor struct {
	running  bool
	startErr error
	outcome  monitor.CycleOutcome
	forceErr error
}

func (m *stubMonitor) Start(context.Context) error {
	if m.startErr != nil {
		return m.startErr
	}
	m.running = true
	return nil
}

func (m *stubMonitor) Stop(context.Context) error {
	if !m.running {
		return monitor.ErrNotRunning
	}
	m.running = false
	return nil
}

func (m *stubMonitor) Restart(ctx context.Context) error {
	m.running = true
	return nil
}

func (m *stubMonitor) Status() monitor.Status {
	return monitor.Status{Running: m.running, StartedAt: time.Now(), ActiveWorkers: 1}
}

func (m *stubMonitor) ForceCheck(context.Context, string) (monitor.CycleOutcome, error) {
	if m.forceErr != nil {
		return monitor.CycleOutcome{}, m.forceErr
	}
	return m.outcome, nil
}

type stubMarket struct {
	view market.View
}

func (m *stubMarket) CurrentView() market.View { return m.view }

func newTestServer(store *stubStore, mon *stubMonitor) *Server {
	defaults := Defaults{CheckInterval: 15 * time.Minute, MinPortfolioValueUSD: 100}
	return New(config.ServerConfig{ListenAddr: ":0"}, defaults, store, mon,
		&stubMarket{view: market.View{RiskScore: 45}}, zerolog.Nop())
}

func subscribeBody() map[string]interface{} {
	return map[string]interface{}{
		"wallet_address":          testWallet,
		"check_interval_seconds":  900,
		"drift_threshold_percent": 5.0,
		"max_daily_trades":        3,
		"risk_profile":            "balanced",
		"auto_execute":            true,
		"target_allocation": map[string]float64{
			"ETH": 60, "USDC": 25, "LINK": 15,
		},
	}
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("编码请求体失败: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestSubscribeAndFetchWallet(t *testing.T) {
	store := newStubStore()
	srv := newTestServer(store, &stubMonitor{})

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/v1/wallets", subscribeBody())
	if rec.Code != http.StatusCreated {
		t.Fatalf("期望 201, 实际 %d: %s", rec.Code, rec.Body.String())
	}

	var created walletResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if created.WalletAddress != testWallet {
		t.Fatalf("wallet 不匹配: %s", created.WalletAddress)
	}
	if created.RiskProfile != "balanced" || created.MaxDailyTrades != 3 {
		t.Fatalf("unexpected config: %+v", created)
	}

	rec = doJSON(t, srv.Handler(), http.MethodGet, "/api/v1/wallets/"+testWallet, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("期望 200, 实际 %d", rec.Code)
	}
}

func TestSubscribeAppliesProfileDefaults(t *testing.T) {
	store := newStubStore()
	srv := newTestServer(store, &stubMonitor{})

	body := subscribeBody()
	body["risk_profile"] = "conservative"
	delete(body, "drift_threshold_percent")
	delete(body, "max_daily_trades")

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/v1/wallets", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("期望 201, 实际 %d: %s", rec.Code, rec.Body.String())
	}

	var created walletResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &created)
	if created.DriftThresholdPct != "8" {
		t.Fatalf("conservative 默认阈值应为 8, 实际 %s", created.DriftThresholdPct)
	}
	if created.MaxDailyTrades != 2 {
		t.Fatalf("conservative 默认上限应为 2, 实际 %d", created.MaxDailyTrades)
	}
}

func TestSubscribeDefaultsMinPortfolioValue(t *testing.T) {
	store := newStubStore()
	srv := newTestServer(store, &stubMonitor{})

	body := subscribeBody()
	delete(body, "min_portfolio_value_usd")
	delete(body, "check_interval_seconds")

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/v1/wallets", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("期望 201, 实际 %d: %s", rec.Code, rec.Body.String())
	}

	var created walletResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &created)
	if created.MinPortfolioValueUSD != "100" {
		t.Fatalf("缺省价值下限应取配置默认 100, 实际 %s", created.MinPortfolioValueUSD)
	}
	if created.CheckIntervalSeconds != 900 {
		t.Fatalf("缺省检查间隔应取配置默认 900s, 实际 %d", created.CheckIntervalSeconds)
	}
}

func TestSubscribeRejectsBadAllocation(t *testing.T) {
	srv := newTestServer(newStubStore(), &stubMonitor{})

	body := subscribeBody()
	body["target_allocation"] = map[string]float64{"ETH": 60, "USDC": 20}

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/v1/wallets", body)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("配比不足 100 应返回 422, 实际 %d", rec.Code)
	}
}

func TestSubscribeRejectsUnknownProfile(t *testing.T) {
	srv := newTestServer(newStubStore(), &stubMonitor{})

	body := subscribeBody()
	body["risk_profile"] = "reckless"

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/v1/wallets", body)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("未知 profile 应返回 422, 实际 %d", rec.Code)
	}
}

func TestWalletNotFound(t *testing.T) {
	srv := newTestServer(newStubStore(), &stubMonitor{})

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/api/v1/wallets/0xdead", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("期望 404, 实际 %d", rec.Code)
	}

	rec = doJSON(t, srv.Handler(), http.MethodDelete, "/api/v1/wallets/0xdead", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("期望 404, 实际 %d", rec.Code)
	}
}

func TestForceCheckReturnsDecision(t *testing.T) {
	record := storage.ActionRecord{
		ActionID:      "action_1",
		WalletAddress: testWallet,
		ActionType:    storage.ActionSuggest,
		Reason:        "drift 16.00% (high) qualifies but auto-execute is off",
		TotalDriftPct: decimal.NewFromInt(16),
		Urgency:       "high",
		CreatedAt:     time.Now(),
	}
	mon := &stubMonitor{outcome: monitor.CycleOutcome{Record: &record}}
	srv := newTestServer(newStubStore(), mon)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/v1/wallets/"+testWallet+"/check", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("期望 200, 实际 %d: %s", rec.Code, rec.Body.String())
	}

	var resp actionResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.ActionType != storage.ActionSuggest || resp.TotalDriftPct != "16" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestForceCheckUnknownWallet(t *testing.T) {
	mon := &stubMonitor{forceErr: storage.ErrNotFound}
	srv := newTestServer(newStubStore(), mon)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/v1/wallets/0xdead/check", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("期望 404, 实际 %d", rec.Code)
	}
}

func TestActionsLimitValidation(t *testing.T) {
	srv := newTestServer(newStubStore(), &stubMonitor{})

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/api/v1/wallets/"+testWallet+"/actions?limit=9999", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("超限 limit 应返回 400, 实际 %d", rec.Code)
	}
}

func TestServiceLifecycleEndpoints(t *testing.T) {
	mon := &stubMonitor{}
	srv := newTestServer(newStubStore(), mon)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/v1/service/stop", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("未运行时 stop 应返回 409, 实际 %d", rec.Code)
	}

	rec = doJSON(t, srv.Handler(), http.MethodPost, "/api/v1/service/start", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("start 应返回 200, 实际 %d", rec.Code)
	}

	rec = doJSON(t, srv.Handler(), http.MethodGet, "/api/v1/service/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status 应返回 200, 实际 %d", rec.Code)
	}
	var status serviceStatusResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &status)
	if !status.Running || status.MarketRisk != 45 {
		t.Fatalf("unexpected status: %+v", status)
	}

	rec = doJSON(t, srv.Handler(), http.MethodPost, "/api/v1/service/stop", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stop 应返回 200, 实际 %d", rec.Code)
	}
}

func TestLockHeldConflict(t *testing.T) {
	mon := &stubMonitor{startErr: monitor.ErrLockHeld}
	srv := newTestServer(newStubStore(), mon)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/v1/service/start", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("锁被占用应返回 409, 实际 %d", rec.Code)
	}
}

func TestHealthAndMarket(t *testing.T) {
	srv := newTestServer(newStubStore(), &stubMonitor{})

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz 应返回 200, 实际 %d", rec.Code)
	}

	rec = doJSON(t, srv.Handler(), http.MethodGet, "/api/v1/market", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("market 应返回 200, 实际 %d", rec.Code)
	}
	var resp marketResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.RiskScore != 45 {
		t.Fatalf("risk score 期望 45, 实际 %v", resp.RiskScore)
	}
}
