package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/edgemart/internal/testutil/testlog"
)

func validConfig() MarketConfig {
	cfg := DefaultMarketConfig()
	cfg.StaticTokens = map[string]string{"dev-alice": "alice"}
	return cfg
}

func TestDefaultMarketConfigNeedsCredentials(t *testing.T) {
	testlog.Start(t)

	if err := ValidateMarketConfig(DefaultMarketConfig()); err == nil {
		t.Fatalf("expected missing credentials error")
	}
	if err := ValidateMarketConfig(validConfig()); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestParseEnvOverlaysSetVariables(t *testing.T) {
	testlog.Start(t)

	t.Setenv("EDGEMART_HTTP_ADDR", "127.0.0.1:8080")
	t.Setenv("EDGEMART_SWEEP_INTERVAL", "3s")
	t.Setenv("EDGEMART_MAX_TRANSFER_ATTEMPTS", "9")
	t.Setenv("EDGEMART_STATIC_TOKENS", "tok-a:alice,tok-b:bob")

	cfg := validConfig()
	if err := ParseEnv(&cfg); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.HTTPAddr != "127.0.0.1:8080" {
		t.Fatalf("http addr = %q", cfg.HTTPAddr)
	}
	if cfg.SweepInterval != 3*time.Second || cfg.MaxTransferAttempts != 9 {
		t.Fatalf("sweep = %s attempts = %d", cfg.SweepInterval, cfg.MaxTransferAttempts)
	}
	if cfg.StaticTokens["tok-b"] != "bob" || len(cfg.StaticTokens) != 2 {
		t.Fatalf("static tokens = %v", cfg.StaticTokens)
	}
	// Unset variables keep the defaults.
	if cfg.Self != "market" || cfg.ReservationTTL != 2*time.Minute {
		t.Fatalf("defaults lost: self=%q ttl=%s", cfg.Self, cfg.ReservationTTL)
	}
}

func TestParseEnvRejectsMalformedValue(t *testing.T) {
	testlog.Start(t)

	t.Setenv("EDGEMART_SWEEP_INTERVAL", "often")
	cfg := validConfig()
	if err := ParseEnv(&cfg); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestValidateMarketConfigRejects(t *testing.T) {
	testlog.Start(t)

	cases := map[string]func(*MarketConfig){
		"same identities":    func(c *MarketConfig) { c.FactorySelf = c.Self },
		"anonymous self":     func(c *MarketConfig) { c.Self = "anonymous" },
		"uppercase identity": func(c *MarketConfig) { c.FactorySelf = "Factory" },
		"capacity too small": func(c *MarketConfig) { c.HostCapacity = 1 },
		"unknown compensator": func(c *MarketConfig) {
			c.Compensator = "refund"
		},
		"no attempts":       func(c *MarketConfig) { c.MaxTransferAttempts = 0 },
		"no supply cap":     func(c *MarketConfig) { c.MaxSupplyCap = 0 },
		"zero sweep":        func(c *MarketConfig) { c.SweepInterval = 0 },
		"bad seed account":  func(c *MarketConfig) { c.LedgerSeed = []AccountSeed{{Account: "Bad Account"}} },
		"bad token subject": func(c *MarketConfig) { c.StaticTokens = map[string]string{"t": ""} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := validConfig()
			mutate(&cfg)
			if err := ValidateMarketConfig(cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestPathJoinsDataDir(t *testing.T) {
	testlog.Start(t)

	cfg := MarketConfig{DataDir: "var/edgemart"}
	if got := cfg.Path("market.db"); got != filepath.Join("var/edgemart", "market.db") {
		t.Fatalf("relative path = %q", got)
	}
	if got := cfg.Path("/tmp/market.db"); got != "/tmp/market.db" {
		t.Fatalf("absolute path = %q", got)
	}
}

func TestWriteTemplateRefusesOverwrite(t *testing.T) {
	testlog.Start(t)

	path := filepath.Join(t.TempDir(), "marketd.toml")
	if err := WriteTemplate(path, "market", false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	if err := WriteTemplate(path, "market", false); err == nil {
		t.Fatalf("expected existing config error")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read template: %v", err)
	}
	if !strings.Contains(string(data), `self = "market"`) {
		t.Fatalf("template content unexpected")
	}
	if _, err := Template("registry"); err == nil {
		t.Fatalf("expected unknown kind error")
	}
}
