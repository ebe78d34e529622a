package config

import (
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Logger    Logger    `mapstructure:"logger"`
	Server    Server    `mapstructure:"server"`
	Database  Database  `mapstructure:"database"`
	Market    Market    `mapstructure:"market"`
	Brokers   Brokers   `mapstructure:"brokers"`
	Scheduler Scheduler `mapstructure:"scheduler"`
	Bots      Bots      `mapstructure:"bots"`
}

// Logger holds the configuration for the logger.
type Logger struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Server holds the configuration for the HTTP API server.
type Server struct {
	Port int `mapstructure:"port"`
}

// Database holds the configuration for the sqlite trade store.
type Database struct {
	DSN string `mapstructure:"dsn"`
}

// Market holds the configuration for the shared market data cache and its
// upstream provider.
type Market struct {
	BaseURL             string  `mapstructure:"base_url"`
	CacheTTLSeconds     int     `mapstructure:"cache_ttl_seconds"`
	MaxConcurrentFetch  int     `mapstructure:"max_concurrent_fetch"`
	FetchTimeoutSeconds int     `mapstructure:"fetch_timeout_seconds"`
	RateLimit           float64 `mapstructure:"rate_limit"`
	RateLimitBurst      int     `mapstructure:"rate_limit_burst"`
}

// Brokers holds the configuration for the broker registry and its
// health-monitor loop.
type Brokers struct {
	HealthCheckIntervalSeconds int `mapstructure:"health_check_interval_seconds"`
	MaxReconnectAttempts       int `mapstructure:"max_reconnect_attempts"`
	ReconnectBackoffSeconds    int `mapstructure:"reconnect_backoff_seconds"`
	CallTimeoutSeconds         int `mapstructure:"call_timeout_seconds"`
	EventLogSize               int `mapstructure:"event_log_size"`
}

// Scheduler holds the market-calendar configuration. Session times are
// "HH:MM" strings interpreted in Timezone.
type Scheduler struct {
	TickIntervalSeconds int      `mapstructure:"tick_interval_seconds"`
	Timezone            string   `mapstructure:"timezone"`
	MarketOpen          string   `mapstructure:"market_open"`
	MarketClose         string   `mapstructure:"market_close"`
	PreMarketOpen       string   `mapstructure:"pre_market_open"`
	AfterHoursClose     string   `mapstructure:"after_hours_close"`
	Holidays            []string `mapstructure:"holidays"`
}

// Bots holds the defaults applied to every bot instance.
type Bots struct {
	MaxBots              int `mapstructure:"max_bots"`
	CycleIntervalSeconds int `mapstructure:"cycle_interval_seconds"`
	CallTimeoutSeconds   int `mapstructure:"call_timeout_seconds"`
	StopTimeoutSeconds   int `mapstructure:"stop_timeout_seconds"`
	TradeHistorySize     int `mapstructure:"trade_history_size"`
	ActivityLogSize      int `mapstructure:"activity_log_size"`
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
	viper.SetDefault("logger.level", "info")
	viper.SetDefault("logger.format", "json")
	viper.SetDefault("server.port", 8090)
	viper.SetDefault("database.dsn", "xfactor.db")

	viper.SetDefault("market.cache_ttl_seconds", 60)
	viper.SetDefault("market.max_concurrent_fetch", 3)
	viper.SetDefault("market.fetch_timeout_seconds", 15)
	viper.SetDefault("market.rate_limit", 10) // requests per second
	viper.SetDefault("market.rate_limit_burst", 5)

	viper.SetDefault("brokers.health_check_interval_seconds", 60)
	viper.SetDefault("brokers.max_reconnect_attempts", 10)
	viper.SetDefault("brokers.reconnect_backoff_seconds", 30)
	viper.SetDefault("brokers.call_timeout_seconds", 10)
	viper.SetDefault("brokers.event_log_size", 100)

	viper.SetDefault("scheduler.tick_interval_seconds", 30)
	viper.SetDefault("scheduler.timezone", "America/New_York")
	viper.SetDefault("scheduler.market_open", "09:30")
	viper.SetDefault("scheduler.market_close", "16:00")
	viper.SetDefault("scheduler.pre_market_open", "04:00")
	viper.SetDefault("scheduler.after_hours_close", "20:00")

	viper.SetDefault("bots.max_bots", 100)
	viper.SetDefault("bots.cycle_interval_seconds", 30)
	viper.SetDefault("bots.call_timeout_seconds", 10)
	viper.SetDefault("bots.stop_timeout_seconds", 10)
	viper.SetDefault("bots.trade_history_size", 200)
	viper.SetDefault("bots.activity_log_size", 1000)

	err = viper.ReadInConfig()
	if err != nil {
		return
	}

	err = viper.Unmarshal(&config)
	return
}
