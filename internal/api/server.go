// Package api exposes the marketplace commands over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/danmuck/edgemart/internal/address"
	"github.com/danmuck/edgemart/internal/auth"
	"github.com/danmuck/edgemart/internal/factory"
	"github.com/danmuck/edgemart/internal/host"
	"github.com/danmuck/edgemart/internal/ledger"
	"github.com/danmuck/edgemart/internal/market"
	"github.com/danmuck/edgemart/internal/market/storage"
	"github.com/danmuck/edgemart/internal/observability"
	"github.com/danmuck/edgemart/internal/registry"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const shutdownTimeout = 5 * time.Second

// Marketplace is the command set served under /v1. *market.Service implements it.
type Marketplace interface {
	CreateCollection(ctx context.Context, caller address.Address, arg market.CreateCollectionArg) (address.Address, error)
	GetCollectionIDs(ctx context.Context, caller address.Address, owner *address.Address) ([]address.Address, error)
	GetCollectionViability(ctx context.Context, id address.Address) (bool, error)
	GetCollectionsByOwner(ctx context.Context, owner address.Address, offset, limit int) ([]storage.Collection, error)
	GetAllCollections(ctx context.Context, offset, limit int) ([]storage.Collection, error)
	GetAllSaleRecords(ctx context.Context, offset, limit int) ([]storage.SaleRecord, error)
	SetListing(ctx context.Context, caller, collectionID address.Address, tokenID registry.TokenID, price *ledger.Amount) (storage.SaleRecord, error)
	CheckBalance(ctx context.Context, caller address.Address, arg market.CheckBalanceArg) (ledger.Amount, error)
	TransferNFT(ctx context.Context, caller address.Address, arg market.TransferNFTArg) (market.Purchase, error)
	Purchase(ctx context.Context, caller address.Address, id string) (market.Purchase, error)
	Registries(ctx context.Context, caller, owner address.Address) ([]factory.Record, error)
}

var _ Marketplace = (*market.Service)(nil)

type Options struct {
	Name        string
	CorsOrigins []string
	// TrustedProxies may set the client address from forwarding headers. Empty trusts loopback.
	TrustedProxies []string
}

type Server struct {
	name       string
	market     Marketplace
	registries host.Registries
	authn      auth.Authenticator
	router     *gin.Engine
	appeared   time.Time
}

func New(m Marketplace, regs host.Registries, authn auth.Authenticator, opts Options) (*Server, error) {
	if m == nil || regs == nil || authn == nil {
		return nil, errors.New("api: marketplace, registries and authenticator required")
	}
	if opts.Name == "" {
		opts.Name = "marketd"
	}
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestID())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(opts.Name))
	r.Use(cors.New(cors.Config{
		AllowOrigins:  normalizeOrigins(opts.CorsOrigins),
		AllowMethods:  []string{"GET", "POST", "PUT"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", observability.RequestIDHeader},
		ExposeHeaders: []string{observability.RequestIDHeader},
		MaxAge:        12 * time.Hour,
	}))
	proxies := opts.TrustedProxies
	if len(proxies) == 0 {
		proxies = []string{"127.0.0.1", "::1"}
	}
	if err := r.SetTrustedProxies(proxies); err != nil {
		return nil, fmt.Errorf("api: trusted proxies: %w", err)
	}

	s := &Server{
		name:       opts.Name,
		market:     m,
		registries: regs,
		authn:      authn,
		router:     r,
		appeared:   time.Now(),
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe runs the HTTP server until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ListenAndServe()
	}()
	log.Info().Str("addr", addr).Str("service", s.name).Msg("api.server listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		err := srv.Shutdown(shutdownCtx)
		cancel()
		<-serveErr
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.appeared).String(),
			"service": s.name,
			"version": "0.1.0",
		})
	})
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/v1")
	v1.Use(s.authenticate)

	v1.GET("/collections", s.listCollections)
	v1.GET("/collections/:id/viability", s.collectionViability)
	v1.GET("/sales", s.listSales)

	v1.GET("/registries/:addr/info", s.registryInfo)
	v1.GET("/registries/:addr/owners", s.registryOwners)
	v1.GET("/registries/:addr/balance", s.registryBalance)
	v1.GET("/registries/:addr/tokens", s.registryTokens)
	v1.GET("/registries/:addr/tokens_of/:owner", s.registryTokensOf)
	v1.GET("/registries/:addr/metadata", s.registryMetadata)
	v1.GET("/registries/:addr/supply", s.registrySupply)
	v1.GET("/registries/:addr/standards", s.registryStandards)
	v1.GET("/registries/:addr/txlog", s.registryTxLog)

	authed := v1.Group("", requireCaller)
	authed.POST("/collections", s.createCollection)
	authed.GET("/collections/ids", s.collectionIDs)
	authed.PUT("/collections/:id/tokens/:token/listing", s.setListing)
	authed.POST("/purchases/quote", s.quotePurchase)
	authed.POST("/purchases", s.createPurchase)
	authed.GET("/purchases/:id", s.getPurchase)
	authed.GET("/registries", s.listRegistries)
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
