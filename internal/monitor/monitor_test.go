package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
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

const testWallet = "0x742d35cc6634c0532925a3b844bc454e4438f44e"

type fakeStore struct {
	mu      sync.Mutex
	configs map[string]storage.MonitoringConfig
	actions []storage.ActionRecord

	applyErr error
}

func newFakeStore(configs ...storage.MonitoringConfig) *fakeStore {
	f := &fakeStore{configs: make(map[string]storage.MonitoringConfig)}
	for _, cfg := range configs {
		f.configs[cfg.WalletAddress] = cfg
	}
	return f
}

func (f *fakeStore) GetConfig(_ context.Context, wallet string) (storage.MonitoringConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cfg, ok := f.configs[wallet]
	if !ok {
		return storage.MonitoringConfig{}, storage.ErrNotFound
	}
	return cfg, nil
}

func (f *fakeStore) ListConfigs(_ context.Context) ([]storage.MonitoringConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]storage.MonitoringConfig, 0, len(f.configs))
	for _, cfg := range f.configs {
		out = append(out, cfg)
	}
	return out, nil
}

func (f *fakeStore) ApplyCycleResult(ctx context.Context, wallet string, result storage.CycleResult) (storage.MonitoringConfig, error) {
	if err := ctx.Err(); err != nil {
		return storage.MonitoringConfig{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applyErr != nil {
		return storage.MonitoringConfig{}, f.applyErr
	}
	cfg, ok := f.configs[wallet]
	if !ok {
		return storage.MonitoringConfig{}, storage.ErrNotFound
	}

	day := storage.MidnightUTC(result.CheckedAt)
	if cfg.LastTradeReset.Before(day) {
		cfg.DailyTradesCount = 0
		cfg.LastTradeReset = day
	}
	if result.IncrementTrade {
		cfg.DailyTradesCount++
	}
	checked := result.CheckedAt
	cfg.LastCheck = &checked

	f.configs[wallet] = cfg
	return cfg, nil
}

func (f *fakeStore) InsertAction(ctx context.Context, record *storage.ActionRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	record.ActionID = fmt.Sprintf("action_%d", len(f.actions)+1)
	record.CreatedAt = time.Now().UTC()
	f.actions = append(f.actions, *record)
	return nil
}

func (f *fakeStore) lastAction(t *testing.T) storage.ActionRecord {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.actions) == 0 {
		t.Fatal("期望至少一条 action 记录")
	}
	return f.actions[len(f.actions)-1]
}

func (f *fakeStore) actionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.actions)
}

type fakeFetcher struct {
	portfolio fetcher.Portfolio
	err       error
}

func (f *fakeFetcher) FetchPortfolio(context.Context, string) (fetcher.Portfolio, error) {
	if f.err != nil {
		return fetcher.Portfolio{}, f.err
	}
	return f.portfolio, nil
}

type fakeMarket struct {
	view market.View
}

func (f *fakeMarket) CurrentView() market.View { return f.view }

type fakeGateway struct {
	mu       sync.Mutex
	calls    int
	exec     executor.Execution
	err      error
	onSubmit func()
}

func (f *fakeGateway) Submit(context.Context, string, drift.Allocation, decimal.Decimal) (executor.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.onSubmit != nil {
		f.onSubmit()
	}
	if f.err != nil {
		return executor.Execution{}, f.err
	}
	return f.exec, nil
}

func (f *fakeGateway) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testConfig() storage.MonitoringConfig {
	return storage.MonitoringConfig{
		WalletAddress:        testWallet,
		Enabled:              true,
		CheckInterval:        15 * time.Minute,
		DriftThresholdPct:    decimal.NewFromInt(5),
		MaxDailyTrades:       3,
		RiskProfile:          policy.ProfileBalanced,
		AutoExecute:          true,
		SlippageTolerancePct: decimal.NewFromInt(1),
		MinPortfolioValueUSD: decimal.NewFromInt(100),
		TargetAllocation: drift.Allocation{
			"ETH":  decimal.NewFromInt(60),
			"USDC": decimal.NewFromInt(25),
			"LINK": decimal.NewFromInt(15),
		},
		LastTradeReset: storage.MidnightUTC(time.Now()),
	}
}

func driftedPortfolio() fetcher.Portfolio {
	return fetcher.Portfolio{
		Weights: drift.Allocation{
			"ETH":  decimal.NewFromInt(68),
			"USDC": decimal.NewFromInt(20),
			"LINK": decimal.NewFromInt(12),
		},
		TotalValueUSD: decimal.NewFromInt(10000),
		FetchedAt:     time.Now(),
	}
}

func newTestRunner(store Store, pf *fakeFetcher, mv MarketViewer, gw executor.Gateway) *Runner {
	return NewRunner(RunnerDeps{
		Store:        store,
		Fetcher:      pf,
		Market:       mv,
		Gateway:      gw,
		Metrics:      metrics.New(prometheus.NewRegistry()),
		Logger:       zerolog.Nop(),
		FetchTimeout: time.Second,
	})
}

func TestRunCycleExecutes(t *testing.T) {
	store := newFakeStore(testConfig())
	gateway := &fakeGateway{exec: executor.Execution{ExecutionID: "exec_1", Status: "pending", TxHash: "0xabc"}}
	runner := newTestRunner(store, &fakeFetcher{portfolio: driftedPortfolio()},
		&fakeMarket{view: market.View{RiskScore: 45}}, gateway)

	outcome, err := runner.RunCycle(context.Background(), testWallet)
	if err != nil {
		t.Fatalf("RunCycle 失败: %v", err)
	}

	record := store.lastAction(t)
	if record.ActionType != storage.ActionExecute {
		t.Fatalf("期望 execute, 实际 %s (%s)", record.ActionType, record.Reason)
	}
	if record.ExecutionID == nil || *record.ExecutionID != "exec_1" {
		t.Fatalf("execution_id 未记录: %+v", record)
	}
	if !record.TotalDriftPct.Equal(decimal.NewFromInt(16)) {
		t.Fatalf("total drift 期望 16, 实际 %s", record.TotalDriftPct)
	}
	if record.Urgency != "high" {
		t.Fatalf("urgency 期望 high, 实际 %s", record.Urgency)
	}
	if outcome.Config.DailyTradesCount != 1 {
		t.Fatalf("执行后计数应为 1, 实际 %d", outcome.Config.DailyTradesCount)
	}
	if outcome.Config.LastCheck == nil {
		t.Fatal("last_check 应被更新")
	}
}

func TestRunCycleDisabledSkipsUnlogged(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	store := newFakeStore(cfg)
	gateway := &fakeGateway{}
	runner := newTestRunner(store, &fakeFetcher{portfolio: driftedPortfolio()},
		&fakeMarket{view: market.View{RiskScore: 45}}, gateway)

	outcome, err := runner.RunCycle(context.Background(), testWallet)
	if err != nil {
		t.Fatalf("RunCycle 失败: %v", err)
	}
	if outcome.Record != nil {
		t.Fatalf("禁用钱包不应写入记录: %+v", outcome.Record)
	}
	if store.actionCount() != 0 {
		t.Fatalf("禁用钱包不应产生 action, 实际 %d 条", store.actionCount())
	}
	if gateway.callCount() != 0 {
		t.Fatal("禁用钱包不应触发执行")
	}
}

func TestRunCycleSuggestDoesNotSubmit(t *testing.T) {
	cfg := testConfig()
	cfg.AutoExecute = false
	store := newFakeStore(cfg)
	gateway := &fakeGateway{}
	runner := newTestRunner(store, &fakeFetcher{portfolio: driftedPortfolio()},
		&fakeMarket{view: market.View{RiskScore: 45}}, gateway)

	_, err := runner.RunCycle(context.Background(), testWallet)
	if err != nil {
		t.Fatalf("RunCycle 失败: %v", err)
	}
	record := store.lastAction(t)
	if record.ActionType != storage.ActionSuggest {
		t.Fatalf("期望 suggest, 实际 %s (%s)", record.ActionType, record.Reason)
	}
	if gateway.callCount() != 0 {
		t.Fatal("suggest 不应调用执行网关")
	}

	updated, _ := store.GetConfig(context.Background(), testWallet)
	if updated.DailyTradesCount != 0 {
		t.Fatalf("suggest 不应消耗交易额度, 实际 %d", updated.DailyTradesCount)
	}
}

func TestRunCycleFetchFailureLogsErrorRecord(t *testing.T) {
	store := newFakeStore(testConfig())
	gateway := &fakeGateway{}
	runner := newTestRunner(store, &fakeFetcher{err: errors.New("rpc unreachable")},
		&fakeMarket{view: market.View{RiskScore: 45}}, gateway)

	outcome, err := runner.RunCycle(context.Background(), testWallet)
	if err != nil {
		t.Fatalf("fetch 失败不应冒泡为 cycle 错误: %v", err)
	}

	record := store.lastAction(t)
	if record.ActionType != storage.ActionError {
		t.Fatalf("期望 error 记录, 实际 %s", record.ActionType)
	}
	if record.Error == nil {
		t.Fatal("error 记录应包含原因")
	}
	if gateway.callCount() != 0 {
		t.Fatal("fetch 失败不应触发执行")
	}
	// last_check 仍应更新, 等待下一个完整间隔而不是快速重试
	if outcome.Config.LastCheck == nil {
		t.Fatal("fetch 失败后 last_check 仍应更新")
	}
	if outcome.Config.DailyTradesCount != 0 {
		t.Fatal("fetch 失败不应消耗交易额度")
	}
}

func TestRunCycleExecutionFailureDoesNotCount(t *testing.T) {
	store := newFakeStore(testConfig())
	gateway := &fakeGateway{err: errors.New("gateway down")}
	runner := newTestRunner(store, &fakeFetcher{portfolio: driftedPortfolio()},
		&fakeMarket{view: market.View{RiskScore: 45}}, gateway)

	outcome, err := runner.RunCycle(context.Background(), testWallet)
	if err != nil {
		t.Fatalf("RunCycle 失败: %v", err)
	}
	// 决策仍是 execute, 失败体现在 execution_status/error 上,
	// 与 fetch 阶段的 error 记录区分开
	record := store.lastAction(t)
	if record.ActionType != storage.ActionExecute {
		t.Fatalf("执行失败应保留 execute 类型, 实际 %s", record.ActionType)
	}
	if record.ExecutionStatus == nil || *record.ExecutionStatus != "failed" {
		t.Fatalf("execution_status 期望 failed, 实际 %+v", record.ExecutionStatus)
	}
	if record.Error == nil {
		t.Fatal("失败的执行应记录 error 原因")
	}
	if record.ExecutionID != nil {
		t.Fatalf("失败的执行不应有 execution_id: %s", *record.ExecutionID)
	}
	if outcome.Config.DailyTradesCount != 0 {
		t.Fatalf("失败的执行不应计入额度, 实际 %d", outcome.Config.DailyTradesCount)
	}
}

func TestRunCycleCompletesBookkeepingAfterStop(t *testing.T) {
	store := newFakeStore(testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 服务在提交进行中被停止: 取消发生在 Submit 内部
	gateway := &fakeGateway{
		exec:     executor.Execution{ExecutionID: "exec_1", Status: "pending", TxHash: "0xabc"},
		onSubmit: cancel,
	}
	runner := newTestRunner(store, &fakeFetcher{portfolio: driftedPortfolio()},
		&fakeMarket{view: market.View{RiskScore: 45}}, gateway)

	outcome, err := runner.RunCycle(ctx, testWallet)
	if err != nil {
		t.Fatalf("停止中的 cycle 应完整收尾: %v", err)
	}

	record := store.lastAction(t)
	if record.ActionType != storage.ActionExecute {
		t.Fatalf("已提交的交易必须记入日志, 实际 %s", record.ActionType)
	}
	if record.ExecutionID == nil || *record.ExecutionID != "exec_1" {
		t.Fatalf("execution_id 未记录: %+v", record)
	}
	if outcome.Config.DailyTradesCount != 1 {
		t.Fatalf("已提交的交易必须计入额度, 实际 %d", outcome.Config.DailyTradesCount)
	}
	if outcome.Config.LastCheck == nil {
		t.Fatal("last_check 应被更新")
	}
}

func TestRunCycleHighMarketRiskSuggests(t *testing.T) {
	store := newFakeStore(testConfig())
	gateway := &fakeGateway{}
	runner := newTestRunner(store, &fakeFetcher{portfolio: driftedPortfolio()},
		&fakeMarket{view: market.View{RiskScore: 95}}, gateway)

	_, err := runner.RunCycle(context.Background(), testWallet)
	if err != nil {
		t.Fatalf("RunCycle 失败: %v", err)
	}
	record := store.lastAction(t)
	if record.ActionType != storage.ActionSuggest {
		t.Fatalf("高市场风险应降级为 suggest, 实际 %s", record.ActionType)
	}
	if gateway.callCount() != 0 {
		t.Fatal("高风险下不应执行")
	}
}

func TestRunCycleMissingConfig(t *testing.T) {
	store := newFakeStore()
	runner := newTestRunner(store, &fakeFetcher{portfolio: driftedPortfolio()},
		&fakeMarket{}, &fakeGateway{})

	_, err := runner.RunCycle(context.Background(), testWallet)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("期望 ErrNotFound, 实际 %v", err)
	}
}

func TestWorkerNextWait(t *testing.T) {
	runner := newTestRunner(newFakeStore(), &fakeFetcher{}, &fakeMarket{}, &fakeGateway{})
	w := newWorker(testWallet, runner, 15*time.Minute, zerolog.Nop())

	cfg := testConfig()
	cfg.LastCheck = nil
	if wait := w.nextWait(cfg); wait != 0 {
		t.Fatalf("从未检查过的钱包应立即到期, 实际等待 %s", wait)
	}

	recent := time.Now().Add(-5 * time.Minute)
	cfg.LastCheck = &recent
	wait := w.nextWait(cfg)
	if wait < 9*time.Minute || wait > 10*time.Minute {
		t.Fatalf("期望约 10 分钟, 实际 %s", wait)
	}

	stale := time.Now().Add(-time.Hour)
	cfg.LastCheck = &stale
	if wait := w.nextWait(cfg); wait != 0 {
		t.Fatalf("逾期检查应立即到期, 实际 %s", wait)
	}
}

func newTestSupervisor(store *fakeStore) *Supervisor {
	runner := newTestRunner(store, &fakeFetcher{portfolio: driftedPortfolio()},
		&fakeMarket{view: market.View{RiskScore: 45}}, &fakeGateway{})
	return NewSupervisor(SupervisorOptions{
		ReconcileInterval:    50 * time.Millisecond,
		DefaultCheckInterval: time.Hour,
	}, runner, store, metrics.New(prometheus.NewRegistry()), zerolog.Nop())
}

func TestSupervisorReconcile(t *testing.T) {
	cfgA := testConfig()
	cfgB := testConfig()
	cfgB.WalletAddress = "0x0000000000000000000000000000000000000002"
	cfgC := testConfig()
	cfgC.WalletAddress = "0x0000000000000000000000000000000000000003"
	cfgC.Enabled = false

	// 避免 worker 启动后立即触发 cycle
	now := time.Now()
	cfgA.LastCheck = &now
	cfgB.LastCheck = &now

	store := newFakeStore(cfgA, cfgB, cfgC)
	sup := newTestSupervisor(store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sup.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile 失败: %v", err)
	}
	if got := sup.WorkerCount(); got != 2 {
		t.Fatalf("期望 2 个 worker, 实际 %d", got)
	}

	// 移除一个钱包后 reconcile 应停掉对应 worker
	store.mu.Lock()
	delete(store.configs, cfgB.WalletAddress)
	store.mu.Unlock()

	if err := sup.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile 失败: %v", err)
	}
	if got := sup.WorkerCount(); got != 1 {
		t.Fatalf("期望 1 个 worker, 实际 %d", got)
	}

	cancel()
	sup.wg.Wait()
}

func TestSupervisorForceCheckIdleWallet(t *testing.T) {
	cfg := testConfig()
	cfg.AutoExecute = false
	store := newFakeStore(cfg)
	sup := newTestSupervisor(store)

	// 没有 worker 在跑, force-check 仍应内联执行一个 cycle
	outcome, err := sup.ForceCheck(context.Background(), testWallet)
	if err != nil {
		t.Fatalf("force check 失败: %v", err)
	}
	if outcome.Record == nil || outcome.Record.ActionType != storage.ActionSuggest {
		t.Fatalf("unexpected outcome: %+v", outcome.Record)
	}
}

func TestSupervisorForceCheckThroughWorker(t *testing.T) {
	cfg := testConfig()
	cfg.AutoExecute = false
	now := time.Now()
	cfg.LastCheck = &now
	store := newFakeStore(cfg)
	sup := newTestSupervisor(store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sup.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile 失败: %v", err)
	}

	callCtx, callCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer callCancel()
	outcome, err := sup.ForceCheck(callCtx, testWallet)
	if err != nil {
		t.Fatalf("force check 失败: %v", err)
	}
	if outcome.Record == nil || outcome.Record.ActionType != storage.ActionSuggest {
		t.Fatalf("unexpected outcome: %+v", outcome.Record)
	}

	cancel()
	sup.wg.Wait()
}

func TestControllerLifecycle(t *testing.T) {
	cfg := testConfig()
	now := time.Now()
	cfg.LastCheck = &now
	store := newFakeStore(cfg)
	sup := newTestSupervisor(store)
	ctrl := NewController(sup, nil, 0, zerolog.Nop())

	ctx := context.Background()

	if status := ctrl.Status(); status.Running {
		t.Fatal("初始状态不应为 running")
	}
	if err := ctrl.Stop(ctx); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("未启动时 Stop 应返回 ErrNotRunning, 实际 %v", err)
	}

	if err := ctrl.Start(ctx); err != nil {
		t.Fatalf("Start 失败: %v", err)
	}
	if err := ctrl.Start(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("重复 Start 应返回 ErrAlreadyRunning, 实际 %v", err)
	}
	if status := ctrl.Status(); !status.Running || status.StartedAt.IsZero() {
		t.Fatalf("unexpected status: %+v", status)
	}

	if err := ctrl.Restart(ctx); err != nil {
		t.Fatalf("Restart 失败: %v", err)
	}
	if status := ctrl.Status(); !status.Running {
		t.Fatal("Restart 后应为 running")
	}

	stopCtx, stopCancel := context.WithTimeout(ctx, 2*time.Second)
	defer stopCancel()
	if err := ctrl.Stop(stopCtx); err != nil {
		t.Fatalf("Stop 失败: %v", err)
	}
	if status := ctrl.Status(); status.Running {
		t.Fatal("Stop 后不应为 running")
	}
}
