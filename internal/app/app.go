package app

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"driftwatch/internal/alerting"
	"driftwatch/internal/config"
	"driftwatch/internal/executor"
	"driftwatch/internal/fetcher"
	"driftwatch/internal/market"
	"driftwatch/internal/monitor"
	"driftwatch/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newPortfolioFetcher(prices fetcher.PriceSource) fetcher.PortfolioFetcher {
	tokens := make(map[string]fetcher.Token, len(a.Config.Ethereum.Tokens))
	for symbol, token := range a.Config.Ethereum.Tokens {
		tokens[symbol] = fetcher.Token{Address: token.Address, Decimals: token.Decimals}
	}

	return fetcher.NewChain(fetcher.ChainOptions{
		RPCURL:  a.Config.Ethereum.RPCURL,
		Timeout: a.Config.Ethereum.RequestTimeout,
		Tokens:  tokens,
	}, prices, a.Logger)
}

func (a *App) newMarketFeed() *market.Feed {
	feedCfg := a.Config.Market.Feed
	return market.NewFeed(market.FeedOptions{
		BaseURL:        feedCfg.BaseURL,
		Timeout:        feedCfg.RequestTimeout,
		UserAgent:      feedCfg.UserAgent,
		RateLimitRPS:   feedCfg.RateLimitRPS,
		RateLimitBurst: feedCfg.RateLimitBurst,
	}, a.Logger)
}

func (a *App) newAssessor(feed *market.Feed) *market.Assessor {
	return market.NewAssessor(market.AssessorOptions{
		Interval:            a.Config.Market.AssessInterval,
		StaleFactor:         a.Config.Market.StaleFactor,
		CautiousRiskFloor:   a.Config.Market.CautiousRiskFloor,
		VolatilityThreshold: a.Config.Market.VolatilityThreshold,
		VolumeSpikeRatio:    a.Config.Market.VolumeSpikeRatio,
		Symbols:             a.Config.Market.Symbols,
	}, feed, a.Logger)
}

func (a *App) newGateway() executor.Gateway {
	return executor.NewHTTPGateway(executor.Options{
		BaseURL:        a.Config.Executor.BaseURL,
		Timeout:        a.Config.Executor.RequestTimeout,
		UserAgent:      a.Config.Executor.UserAgent,
		RetryAttempts:  a.Config.Executor.RetryAttempts,
		RetryBaseDelay: a.Config.Executor.RetryBaseDelay,
	}, a.Logger)
}

func (a *App) newNotifier() monitor.Notifier {
	if a.Config.Alerting.Enabled && a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	if err := storage.Migrate(ctx, pool, a.Config.Database.MigrationsPath); err != nil {
		pool.Close()
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// ExportOptions hold parameters for exporting a wallet's action history.
type ExportOptions struct {
	Wallet    string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Wallet string
	Limit  int
}
