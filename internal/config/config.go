package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/danmuck/edgemart/internal/address"
	"github.com/danmuck/edgemart/internal/factory"
)

// EnvPrefix scopes every environment override.
const EnvPrefix = "EDGEMART_"

// AccountSeed credits a development ledger account at startup.
type AccountSeed struct {
	Account   string `toml:"account"`
	Balance   uint64 `toml:"balance"`
	Allowance uint64 `toml:"allowance"`
}

// MarketConfig is the resolved marketd runtime configuration.
type MarketConfig struct {
	Name        string   `env:"NAME"`
	Self        string   `env:"SELF"`
	FactorySelf string   `env:"FACTORY_SELF"`
	HTTPAddr    string   `env:"HTTP_ADDR"`
	ControlAddr string   `env:"CONTROL_ADDR"`
	CorsOrigins []string `env:"CORS_ORIGINS"`
	// TrustedProxies may forward client addresses to the HTTP API. Empty trusts loopback only.
	TrustedProxies []string `env:"TRUSTED_PROXIES"`

	DataDir    string `env:"DATA_DIR"`
	SQLitePath string `env:"SQLITE_PATH"`

	JWTSecret    string            `env:"JWT_SECRET"`
	JWTIssuer    string            `env:"JWT_ISSUER"`
	StaticTokens map[string]string `env:"STATIC_TOKENS"`

	HostCapacity   uint64 `env:"HOST_CAPACITY"`
	RegistryBudget uint64 `env:"REGISTRY_BUDGET"`
	Compensator    string `env:"COMPENSATOR"`

	ReservationTTL      time.Duration `env:"RESERVATION_TTL"`
	RetryAfter          time.Duration `env:"RETRY_AFTER"`
	SweepInterval       time.Duration `env:"SWEEP_INTERVAL"`
	SweepBatch          int           `env:"SWEEP_BATCH"`
	MaxTransferAttempts int           `env:"MAX_TRANSFER_ATTEMPTS"`
	MaxSupplyCap        uint64        `env:"MAX_SUPPLY_CAP"`

	LedgerFee  uint64 `env:"LEDGER_FEE"`
	LedgerSeed []AccountSeed
}

func DefaultMarketConfig() MarketConfig {
	return MarketConfig{
		Name:                "marketd",
		Self:                "market",
		FactorySelf:         "factory",
		HTTPAddr:            ":9300",
		ControlAddr:         "127.0.0.1:9301",
		DataDir:             "data",
		JWTIssuer:           "edgemart",
		HostCapacity:        100_000_000_000_000,
		RegistryBudget:      factory.DefaultBudget,
		Compensator:         "leak",
		ReservationTTL:      2 * time.Minute,
		RetryAfter:          30 * time.Second,
		SweepInterval:       15 * time.Second,
		SweepBatch:          50,
		MaxTransferAttempts: 5,
		MaxSupplyCap:        10_000,
		LedgerFee:           10_000,
	}
}

// ParseEnv overlays EDGEMART_* variables onto target. Unset variables leave fields untouched.
func ParseEnv(target any) error {
	if err := env.ParseWithOptions(target, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Path joins a relative file name onto DataDir.
func (c MarketConfig) Path(name string) string {
	name = strings.TrimSpace(name)
	if name == "" || filepath.IsAbs(name) || c.DataDir == "" {
		return name
	}
	return filepath.Join(c.DataDir, name)
}

func ValidateMarketConfig(cfg MarketConfig) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("market config missing name")
	}
	if strings.TrimSpace(cfg.HTTPAddr) == "" {
		return fmt.Errorf("market config missing http_addr")
	}
	for field, raw := range map[string]string{"self": cfg.Self, "factory_self": cfg.FactorySelf} {
		id, err := address.Parse(raw)
		if err != nil {
			return fmt.Errorf("market config %s: %w", field, err)
		}
		if id.IsAnonymous() {
			return fmt.Errorf("market config %s cannot be anonymous", field)
		}
	}
	if cfg.Self == cfg.FactorySelf {
		return fmt.Errorf("market config self and factory_self must differ")
	}
	if cfg.HostCapacity < cfg.RegistryBudget {
		return fmt.Errorf("market config host_capacity below registry_budget")
	}
	if _, ok := factory.CompensatorByName(cfg.Compensator); !ok {
		return fmt.Errorf("market config unknown compensator %q", cfg.Compensator)
	}
	if cfg.MaxTransferAttempts < 1 {
		return fmt.Errorf("market config max_transfer_attempts must be positive")
	}
	if cfg.MaxSupplyCap == 0 {
		return fmt.Errorf("market config max_supply_cap must be positive")
	}
	if cfg.ReservationTTL <= 0 || cfg.RetryAfter <= 0 || cfg.SweepInterval <= 0 {
		return fmt.Errorf("market config durations must be positive")
	}
	if cfg.JWTSecret == "" && len(cfg.StaticTokens) == 0 {
		return fmt.Errorf("market config needs jwt_secret or static_tokens")
	}
	for token, id := range cfg.StaticTokens {
		if strings.TrimSpace(token) == "" {
			return fmt.Errorf("static token for %q is empty", id)
		}
		if _, err := address.Parse(id); err != nil {
			return fmt.Errorf("static token identity: %w", err)
		}
	}
	for i, seed := range cfg.LedgerSeed {
		if _, err := address.Parse(seed.Account); err != nil {
			return fmt.Errorf("ledger_seed[%d] invalid: %w", i, err)
		}
	}
	return nil
}
