package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// marketd.toml key mapping to runtime settings.
type fileConfig struct {
	Name                string            `toml:"name"`
	Self                string            `toml:"self"`
	FactorySelf         string            `toml:"factory_self"`
	HTTPAddr            string            `toml:"http_addr"`
	ControlAddr         string            `toml:"control_addr"`
	CorsOrigins         []string          `toml:"cors_origins"`
	TrustedProxies      []string          `toml:"trusted_proxies"`
	DataDir             string            `toml:"data_dir"`
	SQLitePath          string            `toml:"sqlite_path"`
	JWTSecret           string            `toml:"jwt_secret"`
	JWTIssuer           string            `toml:"jwt_issuer"`
	StaticTokens        map[string]string `toml:"static_tokens"`
	HostCapacity        uint64            `toml:"host_capacity"`
	RegistryBudget      uint64            `toml:"registry_budget"`
	Compensator         string            `toml:"compensator"`
	ReservationTTL      string            `toml:"reservation_ttl"`
	RetryAfter          string            `toml:"retry_after"`
	SweepInterval       string            `toml:"sweep_interval"`
	SweepBatch          int               `toml:"sweep_batch"`
	MaxTransferAttempts int               `toml:"max_transfer_attempts"`
	MaxSupplyCap        uint64            `toml:"max_supply_cap"`
	LedgerFee           uint64            `toml:"ledger_fee"`
	LedgerSeed          []AccountSeed     `toml:"ledger_seed"`
}

// LoadMarketConfig overlays the TOML file (if any) and then EDGEMART_* variables onto defaults.
func LoadMarketConfig(path string) (MarketConfig, error) {
	cfg := DefaultMarketConfig()

	if strings.TrimSpace(path) != "" {
		var raw fileConfig
		meta, err := toml.DecodeFile(path, &raw)
		if err != nil {
			return MarketConfig{}, fmt.Errorf("load market config: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return MarketConfig{}, fmt.Errorf("load market config: unknown key %q", undecoded[0].String())
		}
		if err := overlayFile(&cfg, raw, meta); err != nil {
			return MarketConfig{}, err
		}
	}

	if err := ParseEnv(&cfg); err != nil {
		return MarketConfig{}, fmt.Errorf("load market config: %w", err)
	}
	if err := ValidateMarketConfig(cfg); err != nil {
		return MarketConfig{}, fmt.Errorf("load market config: %w", err)
	}
	return cfg, nil
}

func overlayFile(cfg *MarketConfig, raw fileConfig, meta toml.MetaData) error {
	if meta.IsDefined("name") {
		cfg.Name = strings.TrimSpace(raw.Name)
	}
	if meta.IsDefined("self") {
		cfg.Self = strings.TrimSpace(raw.Self)
	}
	if meta.IsDefined("factory_self") {
		cfg.FactorySelf = strings.TrimSpace(raw.FactorySelf)
	}
	if meta.IsDefined("http_addr") {
		cfg.HTTPAddr = strings.TrimSpace(raw.HTTPAddr)
	}
	if meta.IsDefined("control_addr") {
		cfg.ControlAddr = strings.TrimSpace(raw.ControlAddr)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = raw.CorsOrigins
	}
	if meta.IsDefined("trusted_proxies") {
		cfg.TrustedProxies = raw.TrustedProxies
	}
	if meta.IsDefined("data_dir") {
		cfg.DataDir = strings.TrimSpace(raw.DataDir)
	}
	if meta.IsDefined("sqlite_path") {
		cfg.SQLitePath = strings.TrimSpace(raw.SQLitePath)
	}
	if meta.IsDefined("jwt_secret") {
		cfg.JWTSecret = raw.JWTSecret
	}
	if meta.IsDefined("jwt_issuer") {
		cfg.JWTIssuer = strings.TrimSpace(raw.JWTIssuer)
	}
	if meta.IsDefined("static_tokens") {
		cfg.StaticTokens = raw.StaticTokens
	}
	if meta.IsDefined("host_capacity") {
		cfg.HostCapacity = raw.HostCapacity
	}
	if meta.IsDefined("registry_budget") {
		cfg.RegistryBudget = raw.RegistryBudget
	}
	if meta.IsDefined("compensator") {
		cfg.Compensator = strings.TrimSpace(raw.Compensator)
	}
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"reservation_ttl", raw.ReservationTTL, &cfg.ReservationTTL},
		{"retry_after", raw.RetryAfter, &cfg.RetryAfter},
		{"sweep_interval", raw.SweepInterval, &cfg.SweepInterval},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		parsed, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = parsed
	}
	if meta.IsDefined("sweep_batch") {
		cfg.SweepBatch = raw.SweepBatch
	}
	if meta.IsDefined("max_transfer_attempts") {
		cfg.MaxTransferAttempts = raw.MaxTransferAttempts
	}
	if meta.IsDefined("max_supply_cap") {
		cfg.MaxSupplyCap = raw.MaxSupplyCap
	}
	if meta.IsDefined("ledger_fee") {
		cfg.LedgerFee = raw.LedgerFee
	}
	if meta.IsDefined("ledger_seed") {
		cfg.LedgerSeed = raw.LedgerSeed
	}
	return nil
}
