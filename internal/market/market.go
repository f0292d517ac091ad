// Package market is the marketplace orchestrator. It provisions a registry per collection, mints
// the collection into it, and sells tokens through a durable purchase saga: reserve, pay, transfer,
// record. Sagas that stall between payment and transfer are finished or refunded by the sweeper.
package market

import (
	"context"
	"errors"
	"time"

	"github.com/danmuck/edgemart/internal/address"
	"github.com/danmuck/edgemart/internal/backoff"
	"github.com/danmuck/edgemart/internal/factory"
	"github.com/danmuck/edgemart/internal/ledger"
	"github.com/danmuck/edgemart/internal/market/storage"
	"github.com/danmuck/edgemart/internal/registry"
)

var (
	ErrInvalidExpiry         = errors.New("market: expire date must be in the future")
	ErrInvalidDiscountWindow = errors.New("market: invalid discount window")
	ErrSupplyMismatch        = errors.New("market: quantities do not sum to supply cap")
	ErrInvalidCollection     = errors.New("market: invalid collection")
	ErrIdempotencyConflict   = errors.New("market: idempotency key reused with a different request")
	ErrNoCollections         = errors.New("market: owner has no collections")
	ErrNotOnSale             = errors.New("market: token not on sale")
	ErrCollectionExpired     = errors.New("market: collection expired")
	ErrInsufficientBalance   = errors.New("market: insufficient balance")
	ErrSaleReserved          = errors.New("market: sale reserved by another purchase")
	ErrPriceChanged          = errors.New("market: price changed")
	ErrSelfPurchase          = errors.New("market: buyer already holds the token")
	ErrAssetTransferPending  = errors.New("market: payment taken, asset transfer pending")
	ErrPurchaseFailed        = errors.New("market: purchase failed")
	ErrPurchaseRefunded      = errors.New("market: purchase refunded")
	ErrNotSeller             = errors.New("market: caller does not hold the token")
	ErrListingChanged        = errors.New("market: sale record changed while the listing was checked")
	ErrCreationInProgress    = errors.New("market: collection creation in progress")
	ErrSupplyCapTooLarge     = errors.New("market: supply cap above the marketplace maximum")
)

// CodeProvisionFailed is the generic error code attached to a failed provisioning.
const CodeProvisionFailed uint64 = 400

// Provisioner creates registries. *factory.Factory satisfies it.
type Provisioner interface {
	Provision(ctx context.Context, caller address.Address, arg registry.InitArg) (address.Address, error)
	ListByOwner(ctx context.Context, owner address.Address) ([]factory.Record, error)
}

// Registries is the registry surface the orchestrator calls. host.Local and host.Client satisfy it.
type Registries interface {
	Mint(ctx context.Context, addr address.Address, call registry.Call, arg registry.MintArg) (registry.TokenID, error)
	Transfer(ctx context.Context, addr address.Address, call registry.Call, args []registry.TransferArg) ([]registry.TransferResult, error)
	OwnerOf(ctx context.Context, addr address.Address, ids []registry.TokenID) ([]*address.Address, error)
}

type Config struct {
	// Self is the marketplace identity: minting authority of its registries and ledger spender.
	Self address.Address
	// ReservationTTL is how long an initiated saga may sit before the sweeper re-issues its payment.
	ReservationTTL time.Duration
	// RetryAfter spaces sweeper retries of paid and refund_pending sagas.
	RetryAfter          time.Duration
	MaxTransferAttempts int
	// MaxSupplyCap bounds the tokens one collection may mint.
	MaxSupplyCap  uint64
	SweepInterval time.Duration
	SweepBatch    int
	Backoff       backoff.Config
	Clock         func() time.Time
}

const (
	DefaultReservationTTL      = 2 * time.Minute
	DefaultRetryAfter          = 30 * time.Second
	DefaultMaxTransferAttempts = 5
	DefaultMaxSupplyCap        = 10_000
	DefaultSweepInterval       = 15 * time.Second
	DefaultSweepBatch          = 50
)

func (c Config) withDefaults() Config {
	if c.ReservationTTL <= 0 {
		c.ReservationTTL = DefaultReservationTTL
	}
	if c.RetryAfter <= 0 {
		c.RetryAfter = DefaultRetryAfter
	}
	if c.MaxTransferAttempts <= 0 {
		c.MaxTransferAttempts = DefaultMaxTransferAttempts
	}
	if c.MaxSupplyCap == 0 {
		c.MaxSupplyCap = DefaultMaxSupplyCap
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.SweepBatch <= 0 {
		c.SweepBatch = DefaultSweepBatch
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = backoff.Config{
			InitialDelay: time.Second,
			Multiplier:   2,
			MaxDelay:     c.SweepInterval * 8,
			Jitter:       true,
		}
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

// Service owns the marketplace state. All operations take the caller explicitly.
type Service struct {
	store      storage.Store
	factory    Provisioner
	registries Registries
	ledger     ledger.Ledger
	cfg        Config
}

func New(store storage.Store, prov Provisioner, regs Registries, pay ledger.Ledger, cfg Config) (*Service, error) {
	if store == nil || prov == nil || regs == nil || pay == nil {
		return nil, errors.New("market: store, provisioner, registries and ledger required")
	}
	if cfg.Self.IsAnonymous() {
		return nil, errors.New("market: self identity required")
	}
	return &Service{
		store:      store,
		factory:    prov,
		registries: regs,
		ledger:     pay,
		cfg:        cfg.withDefaults(),
	}, nil
}

// Self returns the marketplace identity.
func (s *Service) Self() address.Address {
	return s.cfg.Self
}

func (s *Service) now() time.Time {
	return s.cfg.Clock().UTC()
}
