// Package config defines all configuration for the trading server.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// deployment settings overridable via environment variables: DATABASE_PATH,
// PORT, PHX_HOST, SECRET_KEY_BASE.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	API         APIConfig         `mapstructure:"api"`
	CopyTrading CopyTradingConfig `mapstructure:"copy_trading"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig controls the HTTP surface the UI consumes.
type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	Host           string   `mapstructure:"host"`
	SecretKeyBase  string   `mapstructure:"secret_key_base"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// DatabaseConfig sets where the embedded sqlite file lives.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// APIConfig holds the venue endpoints. Defaults point at Polymarket mainnet.
type APIConfig struct {
	CLOBBaseURL   string `mapstructure:"clob_base_url"`
	DataBaseURL   string `mapstructure:"data_base_url"`
	GammaBaseURL  string `mapstructure:"gamma_base_url"`
	SearchBaseURL string `mapstructure:"search_base_url"`
	WSMarketURL   string `mapstructure:"ws_market_url"`
}

// CopyTradingConfig tunes the wallet watcher.
//
//   - BasePollInterval: floor for the per-address polling cadence.
//   - PollBudgetShare: fraction of the Data-API bucket the watcher may consume.
type CopyTradingConfig struct {
	BasePollInterval time.Duration `mapstructure:"base_poll_interval"`
	PollBudgetShare  float64       `mapstructure:"poll_budget_share"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides. A missing file is
// not an error — every field has a usable default, so the server boots with an
// empty directory and just the env contract.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("POLY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Deployment env contract
	if p := os.Getenv("DATABASE_PATH"); p != "" {
		cfg.Database.Path = p
	}
	if p := os.Getenv("PORT"); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("parse PORT: %w", err)
		}
		cfg.Server.Port = port
	}
	if h := os.Getenv("PHX_HOST"); h != "" {
		cfg.Server.Host = h
	}
	if s := os.Getenv("SECRET_KEY_BASE"); s != "" {
		cfg.Server.SecretKeyBase = s
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 4000)
	v.SetDefault("server.host", "localhost")
	v.SetDefault("database.path", "poly_copy.db")
	v.SetDefault("api.clob_base_url", "https://clob.polymarket.com")
	v.SetDefault("api.data_base_url", "https://data-api.polymarket.com")
	v.SetDefault("api.gamma_base_url", "https://gamma-api.polymarket.com")
	v.SetDefault("api.search_base_url", "https://search-api.polymarket.com")
	v.SetDefault("api.ws_market_url", "wss://ws-subscriptions-clob.polymarket.com/ws/market")
	v.SetDefault("copy_trading.base_poll_interval", "3s")
	v.SetDefault("copy_trading.poll_budget_share", 0.5)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in (0, 65535]")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required (set DATABASE_PATH)")
	}
	if c.API.CLOBBaseURL == "" {
		return fmt.Errorf("api.clob_base_url is required")
	}
	if c.API.DataBaseURL == "" {
		return fmt.Errorf("api.data_base_url is required")
	}
	if c.API.GammaBaseURL == "" {
		return fmt.Errorf("api.gamma_base_url is required")
	}
	if c.API.WSMarketURL == "" {
		return fmt.Errorf("api.ws_market_url is required")
	}
	if c.CopyTrading.BasePollInterval < time.Second {
		return fmt.Errorf("copy_trading.base_poll_interval must be >= 1s")
	}
	if c.CopyTrading.PollBudgetShare <= 0 || c.CopyTrading.PollBudgetShare > 1 {
		return fmt.Errorf("copy_trading.poll_budget_share must be in (0, 1]")
	}
	return nil
}
