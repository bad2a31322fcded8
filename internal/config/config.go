package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Coinbase Coinbase `mapstructure:"coinbase"`
	Trading  Trading  `mapstructure:"trading"`
	Logger   Logger   `mapstructure:"logger"`
	Server   Server   `mapstructure:"server"`
	Database Database `mapstructure:"database"`
}

// Coinbase holds the configuration for the Coinbase Advanced Trade API.
type Coinbase struct {
	ApiKey         string  `mapstructure:"apiKey"`
	SecretKey      string  `mapstructure:"secretKey"`
	BaseURL        string  `mapstructure:"base_url"`
	RateLimit      float64 `mapstructure:"rate_limit"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

// Server holds the configuration for the status HTTP server.
type Server struct {
	Port int `mapstructure:"port"`
}

// Database holds the configuration for the journal database.
type Database struct {
	DSN string `mapstructure:"dsn"`
}

// Trading holds the configuration for the cycle trading logic.
type Trading struct {
	ProductID        string  `mapstructure:"product_id"`
	StartingSizeB    float64 `mapstructure:"starting_size_b"`
	StartingSizeQ    float64 `mapstructure:"starting_size_q"`
	ProfitPercent    float64 `mapstructure:"profit_percent"`
	MakerFee         float64 `mapstructure:"maker_fee"`
	TakerFee         float64 `mapstructure:"taker_fee"`
	CompoundPercent  float64 `mapstructure:"compound_percent"`
	CompoundingMode  string  `mapstructure:"compounding_mode"`
	ChartInterval    int     `mapstructure:"chart_interval"`
	NumIntervals     int     `mapstructure:"num_intervals"`
	WindowSize       int     `mapstructure:"window_size"`
	RSIPeriod        int     `mapstructure:"rsi_period"`
	WaitPeriodUnit   string  `mapstructure:"wait_period_unit"`
	WaitPeriodAmount int     `mapstructure:"wait_period_amount"`
	PricePollSeconds int     `mapstructure:"price_poll_seconds"`
	MaxIterations    int     `mapstructure:"max_iterations"`
	SearchTimeoutSec int     `mapstructure:"search_timeout_seconds"`
}

// Logger holds the configuration for the logger.
type Logger struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// WaitPeriod converts the configured wait period unit and amount into a
// duration. It is used as the delay between order fill checks.
func (t *Trading) WaitPeriod() time.Duration {
	amount := time.Duration(t.WaitPeriodAmount)
	switch t.WaitPeriodUnit {
	case "hour", "hours":
		return amount * time.Hour
	case "minute", "minutes":
		return amount * time.Minute
	default:
		return amount * time.Second
	}
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("config") // name of config file (without extension)
	viper.SetConfigType("yml")    // or yaml, json

	// Allow environment variables to override config file
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("coinbase.base_url", "https://api.coinbase.com")
	viper.SetDefault("coinbase.rate_limit", 10)      // requests per second
	viper.SetDefault("coinbase.rate_limit_burst", 5) // burst size
	viper.SetDefault("trading.chart_interval", 300)
	viper.SetDefault("trading.num_intervals", 300)
	viper.SetDefault("trading.window_size", 20)
	viper.SetDefault("trading.rsi_period", 14)
	viper.SetDefault("trading.wait_period_unit", "second")
	viper.SetDefault("trading.wait_period_amount", 5)
	viper.SetDefault("trading.price_poll_seconds", 90)
	viper.SetDefault("trading.max_iterations", 10)
	viper.SetDefault("trading.search_timeout_seconds", 600)

	err = viper.ReadInConfig()
	if err != nil {
		return
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	err = config.validate()
	return
}

func (c *Config) validate() error {
	if c.Trading.ProductID == "" {
		return fmt.Errorf("trading.product_id must be set")
	}
	if c.Trading.StartingSizeB <= 0 && c.Trading.StartingSizeQ <= 0 {
		return fmt.Errorf("at least one of trading.starting_size_b and trading.starting_size_q must be greater than zero")
	}
	if c.Trading.WindowSize < 2 {
		return fmt.Errorf("trading.window_size must be at least 2")
	}
	return nil
}
