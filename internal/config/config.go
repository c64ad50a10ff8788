package config

import (
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Logger   Logger   `mapstructure:"logger"`
	Alpaca   Alpaca   `mapstructure:"alpaca"`
	Coinbase Coinbase `mapstructure:"coinbase"`
	Store    Store    `mapstructure:"store"`
	Telegram Telegram `mapstructure:"telegram"`
	Trading  Trading  `mapstructure:"trading"`
	Server   Server   `mapstructure:"server"`
}

// Alpaca holds the configuration for the Alpaca stock brokerage API.
type Alpaca struct {
	ApiKey         string  `mapstructure:"api_key"`
	SecretKey      string  `mapstructure:"secret_key"`
	BaseURL        string  `mapstructure:"base_url"`
	DataBaseURL    string  `mapstructure:"data_base_url"`
	RateLimit      float64 `mapstructure:"rate_limit"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

// Coinbase holds the configuration for the Coinbase brokerage API.
// SecretKey is the PEM-encoded EC private key used for request JWTs.
type Coinbase struct {
	ApiKey         string  `mapstructure:"api_key"`
	SecretKey      string  `mapstructure:"secret_key"`
	BaseURL        string  `mapstructure:"base_url"`
	RateLimit      float64 `mapstructure:"rate_limit"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

// Store holds the configuration for the ledger store.
// Driver selects the backend: "mongo" for production, "sqlite" for
// local/dry-run operation.
type Store struct {
	Driver   string `mapstructure:"driver"`
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
	DSN      string `mapstructure:"dsn"`
}

// Telegram holds the configuration for the alert channel.
type Telegram struct {
	BotID     string `mapstructure:"bot_id"`
	ChannelID string `mapstructure:"channel_id"`
}

// Trading holds the knobs for the decision engine.
type Trading struct {
	StrictPDT      bool    `mapstructure:"strict_pdt"`
	OverrideEntry  bool    `mapstructure:"override_entry"`
	EntryTolerance float64 `mapstructure:"entry_tolerance"`
	RebuyDrop      float64 `mapstructure:"rebuy_drop"`
	SwingWindow    int     `mapstructure:"swing_window"`
	HistoryDays    int     `mapstructure:"history_days"`
	DryRun         bool    `mapstructure:"dry_run"`
}

// Server holds the configuration for the HTTP trigger surface.
type Server struct {
	Port int `mapstructure:"port"`
}

// Logger holds the configuration for the logger.
type Logger struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("config")
	viper.SetConfigType("yml")

	// Allow environment variables to override config file
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("alpaca.base_url", "https://paper-api.alpaca.markets")
	viper.SetDefault("alpaca.data_base_url", "https://data.alpaca.markets")
	viper.SetDefault("alpaca.rate_limit", 3) // requests per second
	viper.SetDefault("alpaca.rate_limit_burst", 5)
	viper.SetDefault("coinbase.base_url", "https://api.coinbase.com")
	viper.SetDefault("coinbase.rate_limit", 3)
	viper.SetDefault("coinbase.rate_limit_burst", 5)
	viper.SetDefault("store.driver", "mongo")
	viper.SetDefault("store.database", "crowemi-trades")
	viper.SetDefault("trading.strict_pdt", true)
	viper.SetDefault("trading.override_entry", true)
	viper.SetDefault("trading.entry_tolerance", 1.0) // percent below window high
	viper.SetDefault("trading.rebuy_drop", 0.025)
	viper.SetDefault("trading.swing_window", 30)
	viper.SetDefault("trading.history_days", 45)
	viper.SetDefault("server.port", 8080)

	err = viper.ReadInConfig()
	if err != nil {
		return
	}

	err = viper.Unmarshal(&config)
	return
}
