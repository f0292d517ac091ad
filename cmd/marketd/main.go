package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/edgemart/internal/address"
	"github.com/danmuck/edgemart/internal/api"
	"github.com/danmuck/edgemart/internal/auth"
	"github.com/danmuck/edgemart/internal/config"
	"github.com/danmuck/edgemart/internal/factory"
	"github.com/danmuck/edgemart/internal/host"
	"github.com/danmuck/edgemart/internal/kvstore"
	"github.com/danmuck/edgemart/internal/ledger"
	"github.com/danmuck/edgemart/internal/market"
	"github.com/danmuck/edgemart/internal/market/storage/sqlite"
	"github.com/danmuck/edgemart/internal/observability"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "", "path to marketd.toml")
	issue := flag.String("issue", "", "print a signed bearer token for this identity and exit")
	ttl := flag.Duration("ttl", 24*time.Hour, "lifetime of a token printed by -issue")
	flag.Parse()

	if err := run(*configPath, *issue, *ttl); err != nil {
		fmt.Fprintf(os.Stderr, "marketd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, issue string, ttl time.Duration) error {
	observability.InitLogger("marketd")

	cfg, err := config.LoadMarketConfig(configPath)
	if err != nil {
		return err
	}
	if issue != "" {
		return issueToken(cfg, issue, ttl)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return serve(ctx, cfg)
}

func issueToken(cfg config.MarketConfig, subject string, ttl time.Duration) error {
	id, err := address.Parse(subject)
	if err != nil {
		return err
	}
	signer, err := auth.NewJWT(cfg.JWTSecret, cfg.JWTIssuer)
	if err != nil {
		return err
	}
	token, err := signer.Issue(id, ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func authenticator(cfg config.MarketConfig) (auth.Authenticator, error) {
	var chain auth.Chain
	if cfg.JWTSecret != "" {
		signer, err := auth.NewJWT(cfg.JWTSecret, cfg.JWTIssuer)
		if err != nil {
			return nil, err
		}
		chain = append(chain, signer)
	}
	if len(cfg.StaticTokens) > 0 {
		tokens := make(auth.StaticTokens, len(cfg.StaticTokens))
		for token, raw := range cfg.StaticTokens {
			id, err := address.Parse(raw)
			if err != nil {
				return nil, err
			}
			tokens[token] = id
		}
		chain = append(chain, tokens)
		log.Warn().Int("tokens", len(tokens)).Msg("marketd static bearer tokens enabled")
	}
	if len(chain) == 0 {
		return nil, errors.New("no authenticator configured")
	}
	return chain, nil
}

// seedLedger credits configured dev accounts and approves the market to spend for them.
func seedLedger(pay *ledger.Memory, spender address.Address, seeds []config.AccountSeed) error {
	for _, seed := range seeds {
		id, err := address.Parse(seed.Account)
		if err != nil {
			return err
		}
		if err := pay.Credit(id, ledger.NewAmount(seed.Balance)); err != nil {
			return fmt.Errorf("seed %s: %w", id, err)
		}
		if seed.Allowance > 0 {
			pay.Approve(id, spender, ledger.NewAmount(seed.Allowance))
		}
	}
	return nil
}

func serve(ctx context.Context, cfg config.MarketConfig) error {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	self := address.Address(cfg.Self)

	h := host.New(host.Config{DataRoot: cfg.Path("registries"), Capacity: cfg.HostCapacity})
	defer h.Close()
	if _, err := h.Restore(ctx); err != nil {
		return fmt.Errorf("restore registries: %w", err)
	}

	kv, err := kvstore.Open(kvstore.Options{Path: cfg.Path("factory")})
	if err != nil {
		return fmt.Errorf("open factory store: %w", err)
	}
	defer kv.Close()
	compensator, _ := factory.CompensatorByName(cfg.Compensator)
	fac, err := factory.New(h, kv, factory.Config{
		Self:        address.Address(cfg.FactorySelf),
		Budget:      cfg.RegistryBudget,
		Compensator: compensator,
	})
	if err != nil {
		return err
	}

	sqlitePath := cfg.SQLitePath
	if sqlitePath == "" {
		sqlitePath = "market.db"
	}
	store, err := sqlite.Open(ctx, cfg.Path(sqlitePath))
	if err != nil {
		return fmt.Errorf("open market store: %w", err)
	}
	defer store.Close()

	pay := ledger.NewMemory(ledger.NewAmount(cfg.LedgerFee))
	if err := seedLedger(pay, self, cfg.LedgerSeed); err != nil {
		return err
	}

	regs := host.NewLocal(h)
	svc, err := market.New(store, fac, regs, pay, market.Config{
		Self:                self,
		ReservationTTL:      cfg.ReservationTTL,
		RetryAfter:          cfg.RetryAfter,
		MaxTransferAttempts: cfg.MaxTransferAttempts,
		MaxSupplyCap:        cfg.MaxSupplyCap,
		SweepInterval:       cfg.SweepInterval,
		SweepBatch:          cfg.SweepBatch,
	})
	if err != nil {
		return err
	}

	authn, err := authenticator(cfg)
	if err != nil {
		return err
	}
	srv, err := api.New(svc, regs, authn, api.Options{
		Name:           cfg.Name,
		CorsOrigins:    cfg.CorsOrigins,
		TrustedProxies: cfg.TrustedProxies,
	})
	if err != nil {
		return err
	}

	log.Info().
		Str("self", cfg.Self).
		Str("factory", cfg.FactorySelf).
		Str("data_dir", cfg.DataDir).
		Int("registries", len(h.Instances())).
		Msg("marketd starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(gctx, cfg.HTTPAddr) })
	if cfg.ControlAddr != "" {
		control := host.NewControlServer(h, authn)
		g.Go(func() error { return control.ListenAndServe(gctx, cfg.ControlAddr) })
	}
	g.Go(func() error { return svc.RunSweeper(gctx) })

	err = g.Wait()
	log.Info().Err(err).Msg("marketd stopped")
	return err
}
