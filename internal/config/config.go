package config

import (
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Binance   Binance   `mapstructure:"binance"`
	Indicator Indicator `mapstructure:"indicator"`
	Trading   Trading   `mapstructure:"trading"`
	Alerts    Alerts    `mapstructure:"alerts"`
	Logger    Logger    `mapstructure:"logger"`
	Server    Server    `mapstructure:"server"`
	Database  Database  `mapstructure:"database"`
}

// Binance holds the configuration for the Binance API.
type Binance struct {
	ApiKey         string  `mapstructure:"apiKey"`
	SecretKey      string  `mapstructure:"secretKey"`
	Testnet        bool    `mapstructure:"testnet"`
	RateLimit      float64 `mapstructure:"rate_limit"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
	TimeoutSecs    int     `mapstructure:"timeout_secs"`
}

// Indicator holds the configuration for the market-data/indicator provider.
type Indicator struct {
	BaseURL     string `mapstructure:"base_url"`
	TimeoutSecs int    `mapstructure:"timeout_secs"`
	StaleSecs   int    `mapstructure:"stale_secs"`
}

// Server holds the configuration for the HTTP API server.
type Server struct {
	Port int `mapstructure:"port"`
}

// Database holds the configuration for the database.
type Database struct {
	DSN string `mapstructure:"dsn"`
}

// Trading holds the configuration for the admission and order lifecycle core.
type Trading struct {
	Exchange          string   `mapstructure:"exchange"`
	Symbols           []string `mapstructure:"symbols"`
	Quantity          float64  `mapstructure:"quantity"`
	TickInterval      int      `mapstructure:"tick_interval"`       // seconds between evaluation sweeps
	ReconcileInterval int      `mapstructure:"reconcile_interval"`  // seconds between reconciliation sweeps
	MaxWorkers        int      `mapstructure:"max_workers"`         // parallel symbol evaluations per sweep
	MinSignalInterval int      `mapstructure:"min_signal_interval"` // seconds, throttle default
	MinPriceDeltaPct  float64  `mapstructure:"min_price_delta_pct"` // fractional, throttle default
	OrderCooldown     int      `mapstructure:"order_cooldown"`      // seconds since last order for a symbol
	MaxOpenPositions  int      `mapstructure:"max_open_positions"`  // per-symbol default cap
	PortfolioCeiling  float64  `mapstructure:"portfolio_ceiling"`   // aggregate exposure in quote currency
	StopLossPct       float64  `mapstructure:"stop_loss_pct"`
	TakeProfitPct     float64  `mapstructure:"take_profit_pct"`
	AggressiveFactor  float64  `mapstructure:"aggressive_factor"` // widens SL/TP in AGGRESSIVE mode
	AutoProtectAge    int      `mapstructure:"auto_protect_age"`  // seconds; older unprotected fills alert instead
	ProtectLookback   int      `mapstructure:"protect_lookback"`  // seconds of fill history the sweep scans
	SettleDelay       int      `mapstructure:"settle_delay"`      // seconds before re-reading a suspect cancellation
	IntentExpiry      int      `mapstructure:"intent_expiry"`     // seconds before an unconfirmed intent expires
	DryRun            bool     `mapstructure:"dry_run"`
}

// Alerts holds the configuration for the outbound alert channel.
type Alerts struct {
	WebhookURL       string `mapstructure:"webhook_url"`
	Origin           string `mapstructure:"origin"`            // this runtime's declared origin
	ProductionOrigin string `mapstructure:"production_origin"` // the single origin allowed to deliver
	QueueSize        int    `mapstructure:"queue_size"`
	TimeoutSecs      int    `mapstructure:"timeout_secs"`
}

// Logger holds the configuration for the logger.
type Logger struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("config") // name of config file (without extension)
	viper.SetConfigType("yml")

	// Allow environment variables to override config file
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("binance.rate_limit", 20) // requests per second
	viper.SetDefault("binance.rate_limit_burst", 5)
	viper.SetDefault("binance.timeout_secs", 10)
	viper.SetDefault("indicator.timeout_secs", 10)
	viper.SetDefault("indicator.stale_secs", 90)
	viper.SetDefault("trading.exchange", "BINANCE")
	viper.SetDefault("trading.tick_interval", 30)
	viper.SetDefault("trading.reconcile_interval", 300)
	viper.SetDefault("trading.max_workers", 4)
	viper.SetDefault("trading.min_signal_interval", 60)
	viper.SetDefault("trading.min_price_delta_pct", 0.01)
	viper.SetDefault("trading.order_cooldown", 120)
	viper.SetDefault("trading.max_open_positions", 3)
	viper.SetDefault("trading.stop_loss_pct", 0.02)
	viper.SetDefault("trading.take_profit_pct", 0.04)
	viper.SetDefault("trading.aggressive_factor", 1.5)
	viper.SetDefault("trading.auto_protect_age", 3600)
	viper.SetDefault("trading.protect_lookback", 14400)
	viper.SetDefault("trading.settle_delay", 5)
	viper.SetDefault("trading.intent_expiry", 600)
	viper.SetDefault("alerts.queue_size", 64)
	viper.SetDefault("alerts.timeout_secs", 10)

	err = viper.ReadInConfig()
	if err != nil {
		return
	}

	err = viper.Unmarshal(&config)
	return
}
