// Package config loads the server configuration from a YAML file, with
// .env and environment variables taking precedence.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/ticker"
)

// Config is the full server configuration.
type Config struct {
	Server  ServerConfig   `yaml:"server"`
	Storage StorageConfig  `yaml:"storage"`
	NATS    NATSConfig     `yaml:"nats"`
	Log     LogConfig      `yaml:"log"`
	Engine  EngineConfig   `yaml:"engine"`
	Markets []MarketConfig `yaml:"markets"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Port           string  `yaml:"port"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
	RateLimit      float64 `yaml:"rate_limit"` // requests per second per client on write routes
	RateBurst      int     `yaml:"rate_burst"`
}

// StorageConfig selects the KV backend: memory, sqlite or postgres.
type StorageConfig struct {
	Driver          string `yaml:"driver"`
	DSN             string `yaml:"dsn"`
	RedisURL        string `yaml:"redis_url"`
	CacheTTLSeconds int    `yaml:"cache_ttl_seconds"`
}

// NATSConfig enables event publishing when URL is set.
type NATSConfig struct {
	URL    string `yaml:"url"`
	Prefix string `yaml:"prefix"`
}

// LogConfig controls the format and level of logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// EngineConfig holds exchange-wide parameters and the accounts granted
// keeper and admin roles at startup.
type EngineConfig struct {
	Global           model.GlobalParams `yaml:"global"`
	Keepers          []string           `yaml:"keepers"`
	Admins           []string           `yaml:"admins"`
	DisabledFeatures []string           `yaml:"disabled_features"`
}

// MarketConfig declares a market to create at startup. Params start from
// model.DefaultMarketParams and are overridden field by field.
type MarketConfig struct {
	Ticker string             `yaml:"ticker"`
	Params model.MarketParams `yaml:"params"`
	// DepthUsd, when set, derives both impact factors so that an imbalance
	// of DepthUsd costs ImpactCost of its size.
	DepthUsd   decimal.Decimal `yaml:"depth_usd"`
	ImpactCost decimal.Decimal `yaml:"impact_cost"`
}

func (m *MarketConfig) UnmarshalYAML(n *yaml.Node) error {
	type plain MarketConfig
	p := plain{Params: model.DefaultMarketParams()}
	if err := n.Decode(&p); err != nil {
		return err
	}
	*m = MarketConfig(p)
	return nil
}

// Resolve parses the ticker and returns the market with its parameters,
// deriving impact factors from DepthUsd when it is set.
func (m MarketConfig) Resolve() (*model.Market, model.MarketParams, error) {
	t, err := ticker.Parse(m.Ticker)
	if err != nil {
		return nil, model.MarketParams{}, err
	}
	p := m.Params
	if m.DepthUsd.IsPositive() {
		cost := m.ImpactCost
		if !cost.IsPositive() {
			cost = decimal.RequireFromString("0.01")
		}
		swap, err := ticker.DeriveImpactFactor(m.DepthUsd, p.SwapImpactExponent, cost)
		if err != nil {
			return nil, model.MarketParams{}, fmt.Errorf("market %s: %w", m.Ticker, err)
		}
		pos, err := ticker.DeriveImpactFactor(m.DepthUsd, p.PositionImpactExponent, cost)
		if err != nil {
			return nil, model.MarketParams{}, fmt.Errorf("market %s: %w", m.Ticker, err)
		}
		// Positive impact is paid at half the rate of negative impact.
		p.SwapImpactNegativeFactor = swap
		p.SwapImpactPositiveFactor = swap.Div(decimal.NewFromInt(2))
		p.PositionImpactNegativeFactor = pos
		p.PositionImpactPositiveFactor = pos.Div(decimal.NewFromInt(2))
	}
	return t.Market(), p, nil
}

// Load reads the YAML file at path and the .env file if present. Values
// from the environment override the YAML ones for the keys they cover.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Config{Engine: EngineConfig{Global: model.DefaultGlobalParams()}}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)
	return &cfg, nil
}

// Timeout returns the per-request timeout.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.Server.TimeoutSeconds) * time.Second
}

// CacheTTL returns the Redis read-through cache lifetime.
func (s StorageConfig) CacheTTL() time.Duration {
	return time.Duration(s.CacheTTLSeconds) * time.Second
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.Driver = "postgres"
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" && cfg.Storage.Driver != "postgres" {
		cfg.Storage.Driver = "sqlite"
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Storage.RedisURL = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

func setDefaults(cfg *Config) {
	if cfg.Server.Port == "" {
		cfg.Server.Port = "8080"
	}
	if cfg.Server.TimeoutSeconds <= 0 {
		cfg.Server.TimeoutSeconds = 30
	}
	if cfg.Server.RateLimit <= 0 {
		cfg.Server.RateLimit = 20
	}
	if cfg.Server.RateBurst <= 0 {
		cfg.Server.RateBurst = 40
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "memory"
	}
	if cfg.Storage.CacheTTLSeconds <= 0 {
		cfg.Storage.CacheTTLSeconds = 30
	}
	if cfg.NATS.Prefix == "" {
		cfg.NATS.Prefix = "engine"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Engine.Global.MaxSwapPathLength <= 0 {
		cfg.Engine.Global.MaxSwapPathLength = model.DefaultGlobalParams().MaxSwapPathLength
	}
}

// SetupLogger installs the default slog logger described by cfg.
func SetupLogger(cfg LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
