// Package config loads vaultd settings from a YAML file, an optional .env
// file and environment overrides, in that order of precedence (lowest first).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/atmx/vault-lending/internal/engine"
	"github.com/atmx/vault-lending/internal/vault"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is the complete runtime configuration of vaultd.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Lending   LendingConfig   `yaml:"lending"`
	Pools     PoolsConfig     `yaml:"pools"`
	Assets    []string        `yaml:"assets"`
	Genesis   []Allocation    `yaml:"genesis"`
	Roles     RolesConfig     `yaml:"roles"`
	Keeper    KeeperConfig    `yaml:"keeper"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	JWTSecret       string        `yaml:"jwt_secret"`
	JWTIssuer       string        `yaml:"jwt_issuer"`
	RateLimit       float64       `yaml:"rate_limit"` // requests per second per caller
	RateBurst       int           `yaml:"rate_burst"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StoreConfig selects the journal backend. RedisURL adds a read-through
// cache in front of any driver.
type StoreConfig struct {
	Driver      string        `yaml:"driver"`
	DatabaseURL string        `yaml:"database_url"`
	SQLitePath  string        `yaml:"sqlite_path"`
	RedisURL    string        `yaml:"redis_url"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type TelemetryConfig struct {
	ServiceName string  `yaml:"service_name"`
	Environment string  `yaml:"environment"`
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	Headers     string  `yaml:"headers"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// LendingConfig holds the economic constants. Caps are decimal token
// strings; empty or "0" disables a cap.
type LendingConfig struct {
	LTVBps            uint64        `yaml:"ltv_bps"`
	FeeBps            uint64        `yaml:"fee_bps"`
	LiquidationWindow time.Duration `yaml:"liquidation_window"`
	MaxPerLoan        string        `yaml:"max_per_loan"`
	MaxOutstanding    string        `yaml:"max_outstanding"`
	SelfServiceBorrow bool          `yaml:"self_service_borrow"`
}

type PoolsConfig struct {
	Lending    PoolConfig `yaml:"lending"`
	Collateral PoolConfig `yaml:"collateral"`
}

type PoolConfig struct {
	ID     string `yaml:"id"`
	Name   string `yaml:"name"`
	Symbol string `yaml:"symbol"`
	Asset  string `yaml:"asset"`
}

// Allocation mints Amount (decimal token string) of Asset to Account at
// bootstrap.
type Allocation struct {
	Asset   string `yaml:"asset"`
	Account string `yaml:"account"`
	Amount  string `yaml:"amount"`
}

type RolesConfig struct {
	Admins    []string `yaml:"admins"`
	Operators []string `yaml:"operators"`
}

type KeeperConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Operator string        `yaml:"operator"`
}

// Default returns the built-in configuration: one asset shared by both
// pools, 90% LTV, 10% fee and a seven day liquidation window.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			JWTIssuer:       "vaultd",
			RateLimit:       20,
			RateBurst:       40,
			ShutdownTimeout: 5 * time.Second,
		},
		Store: StoreConfig{
			Driver:     DriverMemory,
			SQLitePath: "data/vaultd.db",
			CacheTTL:   30 * time.Second,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "vaultd",
			Environment: "development",
			SampleRatio: 1,
		},
		Lending: LendingConfig{
			LTVBps:            9000,
			FeeBps:            1000,
			LiquidationWindow: 7 * 24 * time.Hour,
		},
		Pools: PoolsConfig{
			Lending:    PoolConfig{ID: "pool-a", Name: "Lending Pool", Symbol: "vTKN-A", Asset: "TKN"},
			Collateral: PoolConfig{ID: "pool-b", Name: "Collateral Pool", Symbol: "vTKN-B", Asset: "TKN"},
		},
		Assets: []string{"TKN"},
		Keeper: KeeperConfig{Interval: time.Minute},
	}
}

// Load builds the configuration. path may be empty, in which case only
// defaults and the environment apply. A missing .env file is not an error.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("decode config: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT: %w", err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Server.JWTSecret = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Store.DatabaseURL = v
		c.Store.Driver = DriverPostgres
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		c.Store.SQLitePath = v
		if c.Store.DatabaseURL == "" {
			c.Store.Driver = DriverSQLite
		}
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Store.RedisURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"); v != "" {
		c.Telemetry.Headers = v
	}
	return nil
}

func (c *Config) normalize() {
	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	if c.Store.Driver == "" {
		c.Store.Driver = DriverMemory
	}
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Server.JWTSecret = strings.TrimSpace(c.Server.JWTSecret)
	c.Keeper.Operator = strings.TrimSpace(c.Keeper.Operator)
	if c.Keeper.Operator == "" && len(c.Roles.Operators) > 0 {
		c.Keeper.Operator = c.Roles.Operators[0]
	}
}

// Validate checks settings that do not need the engine to be built. The
// engine validates the genesis itself.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.RateLimit < 0 || c.Server.RateBurst < 0 {
		errs = append(errs, errors.New("server.rate_limit and server.rate_burst must not be negative"))
	}
	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Store.SQLitePath == "" {
			errs = append(errs, errors.New("store.sqlite_path is required for the sqlite driver"))
		}
	case DriverPostgres:
		if c.Store.DatabaseURL == "" {
			errs = append(errs, errors.New("store.database_url is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not one of memory, sqlite, postgres", c.Store.Driver))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_ratio %v must be within [0, 1]", c.Telemetry.SampleRatio))
	}
	if c.Lending.LiquidationWindow <= 0 {
		errs = append(errs, errors.New("lending.liquidation_window must be positive"))
	}
	for name, raw := range map[string]string{
		"lending.max_per_loan":    c.Lending.MaxPerLoan,
		"lending.max_outstanding": c.Lending.MaxOutstanding,
	} {
		if _, err := parseCap(raw); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if c.Pools.Lending.Asset != c.Pools.Collateral.Asset {
		errs = append(errs, fmt.Errorf("pools.lending.asset %q and pools.collateral.asset %q must match",
			c.Pools.Lending.Asset, c.Pools.Collateral.Asset))
	}
	for i, a := range c.Genesis {
		if _, err := decimal.NewFromString(a.Amount); err != nil {
			errs = append(errs, fmt.Errorf("genesis[%d].amount %q: %w", i, a.Amount, err))
		}
	}
	if c.Keeper.Enabled {
		if c.Keeper.Operator == "" {
			errs = append(errs, errors.New("keeper.operator is required when the keeper is enabled"))
		}
		if c.Keeper.Interval <= 0 {
			errs = append(errs, errors.New("keeper.interval must be positive"))
		}
	}
	return errors.Join(errs...)
}

// RequireSecret fails unless a JWT signing secret of at least 32 bytes is
// configured. Only commands that verify or mint tokens need one.
func (c *Config) RequireSecret() error {
	if len(c.Server.JWTSecret) < 32 {
		return errors.New("server.jwt_secret (or JWT_SECRET) must be at least 32 bytes")
	}
	return nil
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string { return ":" + strconv.Itoa(c.Server.Port) }

// Engine converts the configuration into the engine's bootstrap config.
func (c *Config) Engine() (engine.Config, error) {
	perLoan, err := parseCap(c.Lending.MaxPerLoan)
	if err != nil {
		return engine.Config{}, fmt.Errorf("lending.max_per_loan: %w", err)
	}
	outstanding, err := parseCap(c.Lending.MaxOutstanding)
	if err != nil {
		return engine.Config{}, fmt.Errorf("lending.max_outstanding: %w", err)
	}
	allocs := make([]engine.Allocation, 0, len(c.Genesis))
	for i, a := range c.Genesis {
		amt, err := decimal.NewFromString(a.Amount)
		if err != nil {
			return engine.Config{}, fmt.Errorf("genesis[%d].amount: %w", i, err)
		}
		allocs = append(allocs, engine.Allocation{Asset: a.Asset, Account: a.Account, Amount: amt})
	}
	return engine.Config{
		Assets:            c.Assets,
		Allocations:       allocs,
		LendingPool:       vault.Config(c.Pools.Lending),
		CollateralPool:    vault.Config(c.Pools.Collateral),
		LTVBps:            c.Lending.LTVBps,
		FeeBps:            c.Lending.FeeBps,
		LiquidationWindow: c.Lending.LiquidationWindow,
		Admins:            c.Roles.Admins,
		Operators:         c.Roles.Operators,
		MaxPerLoan:        perLoan,
		MaxOutstanding:    outstanding,
		SelfServiceBorrow: c.Lending.SelfServiceBorrow,
	}, nil
}

func parseCap(raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, err
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("%s must not be negative", raw)
	}
	return d, nil
}
