package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"driftwatch/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Server    ServerConfig    `mapstructure:"server"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Market    MarketConfig    `mapstructure:"market"`
	Ethereum  EthereumConfig  `mapstructure:"ethereum"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Retention RetentionConfig `mapstructure:"retention"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// ServerConfig governs the HTTP API surface.
type ServerConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// MonitorConfig governs the wallet supervisor.
type MonitorConfig struct {
	ReconcileInterval    time.Duration `mapstructure:"reconcile_interval"`
	DefaultCheckInterval time.Duration `mapstructure:"default_check_interval"`
	MinPortfolioValueUSD float64       `mapstructure:"min_portfolio_value_usd"`
	AdvisoryLockKey      int64         `mapstructure:"advisory_lock_key"`
	FetchTimeout         time.Duration `mapstructure:"fetch_timeout"`
}

// MarketConfig governs the market assessor cadence and feed access.
type MarketConfig struct {
	AssessInterval      time.Duration `mapstructure:"assess_interval"`
	StaleFactor         int           `mapstructure:"stale_factor"`
	CautiousRiskFloor   float64       `mapstructure:"cautious_risk_floor"`
	VolatilityThreshold float64       `mapstructure:"volatility_threshold"`
	VolumeSpikeRatio    float64       `mapstructure:"volume_spike_ratio"`
	Symbols             []string      `mapstructure:"symbols"`
	Feed                FeedConfig    `mapstructure:"feed"`
}

// FeedConfig captures the price/volatility feed endpoint.
type FeedConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
	RateLimitRPS   float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
}

// EthereumConfig covers on-chain balance access.
type EthereumConfig struct {
	RPCURL         string                 `mapstructure:"rpc_url"`
	RequestTimeout time.Duration          `mapstructure:"request_timeout"`
	Tokens         map[string]TokenConfig `mapstructure:"tokens"`
}

// TokenConfig describes an ERC-20 token tracked in allocations.
type TokenConfig struct {
	Address  string `mapstructure:"address"`
	Decimals int    `mapstructure:"decimals"`
}

// ExecutorConfig captures execution-service connectivity and retry policy.
type ExecutorConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
	RetryAttempts  int           `mapstructure:"retry_attempts"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
}

// AlertingConfig defines decision notification routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Channels []string       `mapstructure:"channels"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// RetentionConfig governs action-log pruning.
type RetentionConfig struct {
	ActionsMaxAge time.Duration `mapstructure:"actions_max_age"`
	CronSpec      string        `mapstructure:"cron_spec"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DRIFTWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "driftwatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("server.listen_addr", ":8085")
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("monitor.reconcile_interval", "1m")
	v.SetDefault("monitor.default_check_interval", "15m")
	v.SetDefault("monitor.min_portfolio_value_usd", 100.0)
	v.SetDefault("monitor.advisory_lock_key", int64(0x64726674))
	v.SetDefault("monitor.fetch_timeout", "30s")

	v.SetDefault("market.assess_interval", "5m")
	v.SetDefault("market.stale_factor", 3)
	v.SetDefault("market.cautious_risk_floor", 80.0)
	v.SetDefault("market.volatility_threshold", 15.0)
	v.SetDefault("market.volume_spike_ratio", 2.0)
	v.SetDefault("market.symbols", []string{"ETH", "USDC", "LINK"})
	v.SetDefault("market.feed.base_url", "https://api.coingecko.com/api/v3")
	v.SetDefault("market.feed.request_timeout", "10s")
	v.SetDefault("market.feed.user_agent", "driftwatch/1.0")
	v.SetDefault("market.feed.rate_limit_rps", 0.5)
	v.SetDefault("market.feed.rate_limit_burst", 2)

	v.SetDefault("ethereum.request_timeout", "10s")

	v.SetDefault("executor.request_timeout", "30s")
	v.SetDefault("executor.user_agent", "driftwatch/1.0")
	v.SetDefault("executor.retry_attempts", 3)
	v.SetDefault("executor.retry_base_delay", "1s")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("retention.actions_max_age", "2160h")
	v.SetDefault("retention.cron_spec", "0 3 * * *")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Monitor.ReconcileInterval <= 0 {
		return fmt.Errorf("monitor.reconcile_interval must be greater than zero")
	}
	if c.Monitor.DefaultCheckInterval <= 0 {
		return fmt.Errorf("monitor.default_check_interval must be greater than zero")
	}
	if c.Monitor.MinPortfolioValueUSD < 0 {
		return fmt.Errorf("monitor.min_portfolio_value_usd cannot be negative")
	}
	if c.Market.AssessInterval <= 0 {
		return fmt.Errorf("market.assess_interval must be greater than zero")
	}
	if c.Market.StaleFactor < 1 {
		return fmt.Errorf("market.stale_factor must be at least 1")
	}
	if c.Market.CautiousRiskFloor < 0 || c.Market.CautiousRiskFloor > 100 {
		return fmt.Errorf("market.cautious_risk_floor must be within [0,100]")
	}
	if c.Executor.RetryAttempts < 1 {
		return fmt.Errorf("executor.retry_attempts must be at least 1")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Retention.ActionsMaxAge <= 0 {
		return fmt.Errorf("retention.actions_max_age must be greater than zero")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
