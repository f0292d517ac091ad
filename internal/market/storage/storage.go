// Package storage defines persistence contracts for marketplace state: collection records, sale
// records and the durable saga records that make creation and purchase resumable.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/edgemart/internal/address"
	"github.com/danmuck/edgemart/internal/ledger"
	"github.com/danmuck/edgemart/internal/registry"
)

var (
	// ErrNotFound indicates a requested record is missing.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyExists indicates a uniqueness-constrained record already exists.
	ErrAlreadyExists = errors.New("record already exists")
	// ErrReserved indicates another active purchase saga holds the token.
	ErrReserved = errors.New("sale record reserved")
	// ErrStale indicates a record changed since it was read.
	ErrStale = errors.New("record is stale")
	// ErrInvalidRecord indicates a record that violates a storage invariant.
	ErrInvalidRecord = errors.New("invalid record")
)

// MaxPageSize caps offset/limit listings.
const MaxPageSize = 100

// DiscountWindow reduces the creator's price by Percent until ExpireDate.
type DiscountWindow struct {
	ExpireDate time.Time `json:"expire_date" msgpack:"expire_date"`
	Percent    uint8     `json:"discount_percent" msgpack:"percent"`
}

// NFTMetadata describes one kind of token in a collection and how many units of it exist.
type NFTMetadata struct {
	registry.TokenMetadata
	Quantity  uint64        `json:"quantity"`
	UnitPrice ledger.Amount `json:"unit_price"`
}

// CollectionItem pairs metadata with the token ids minted for it.
type CollectionItem struct {
	Metadata NFTMetadata        `json:"metadata"`
	TokenIDs []registry.TokenID `json:"token_ids"`
}

// Collection is keyed by the address of the collection's registry.
type Collection struct {
	ID              address.Address  `json:"id"`
	Owner           address.Address  `json:"owner"`
	ExpireDate      time.Time        `json:"expire_date"`
	DiscountWindows []DiscountWindow `json:"discount_windows"`
	Items           []CollectionItem `json:"items"`
	CreatedAt       time.Time        `json:"created_at"`
}

// SaleRecord is the marketplace's cached view of one token's saleability.
type SaleRecord struct {
	CollectionID address.Address  `json:"collection_id"`
	TokenID      registry.TokenID `json:"token_id"`
	Seller       address.Address  `json:"seller"`
	Price        *ledger.Amount   `json:"price,omitempty"`
	OnSale       bool             `json:"on_sale"`
	Version      int64            `json:"version"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// Validate enforces that a record off sale carries no price and a record on sale has one.
func (r SaleRecord) Validate() error {
	if r.OnSale && r.Price == nil {
		return fmt.Errorf("%w: on sale without price", ErrInvalidRecord)
	}
	if !r.OnSale && r.Price != nil {
		return fmt.Errorf("%w: price set while off sale", ErrInvalidRecord)
	}
	if r.TokenID == 0 || r.CollectionID == "" {
		return fmt.Errorf("%w: collection and token required", ErrInvalidRecord)
	}
	return nil
}

// SagaState is the purchase saga state.
type SagaState string

const (
	SagaInitiated     SagaState = "initiated"
	SagaPaid          SagaState = "paid"
	SagaCompleted     SagaState = "completed"
	SagaFailed        SagaState = "failed"
	SagaRefundPending SagaState = "refund_pending"
	SagaRefunded      SagaState = "refunded"
)

// Active reports whether the saga still holds its token's reservation.
func (s SagaState) Active() bool {
	switch s {
	case SagaInitiated, SagaPaid, SagaRefundPending:
		return true
	default:
		return false
	}
}

// PurchaseSaga is the durable record of one purchase attempt.
type PurchaseSaga struct {
	ID             string             `json:"id"`
	IdempotencyKey string             `json:"idempotency_key"`
	CollectionID   address.Address    `json:"collection_id"`
	TokenID        registry.TokenID   `json:"token_id"`
	Buyer          address.Address    `json:"buyer"`
	Seller         address.Address    `json:"seller"`
	Price          ledger.Amount      `json:"price"`
	State          SagaState          `json:"state"`
	PaymentBlock   *ledger.BlockIndex `json:"payment_block,omitempty"`
	RefundBlock    *ledger.BlockIndex `json:"refund_block,omitempty"`
	TransferIndex  *uint64            `json:"transfer_index,omitempty"`
	Attempts       int                `json:"attempts"`
	LastError      string             `json:"last_error,omitempty"`
	Version        int64              `json:"version"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// CreationStage is the collection creation saga stage.
type CreationStage string

const (
	CreationInitiated   CreationStage = "initiated"
	CreationProvisioned CreationStage = "provisioned"
	CreationMinting     CreationStage = "minting"
	CreationCompleted   CreationStage = "completed"
	CreationFailed      CreationStage = "failed"
)

// CreationSaga is the durable record of one collection creation, keyed by idempotency key.
type CreationSaga struct {
	IdempotencyKey string           `json:"idempotency_key"`
	Creator        address.Address  `json:"creator"`
	RequestHash    string           `json:"request_hash"`
	Registry       address.Address  `json:"registry,omitempty"`
	LastMinted     registry.TokenID `json:"last_minted"`
	Stage          CreationStage    `json:"stage"`
	LastError      string           `json:"last_error,omitempty"`
	Version        int64            `json:"version"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// Store persists marketplace state. Listings iterate in key order.
type Store interface {
	GetCollection(ctx context.Context, id address.Address) (Collection, error)
	ListCollections(ctx context.Context, offset, limit int) ([]Collection, error)
	ListCollectionsByOwner(ctx context.Context, owner address.Address, offset, limit int) ([]Collection, error)
	CollectionIDsByOwner(ctx context.Context, owner address.Address) ([]address.Address, error)

	GetSaleRecord(ctx context.Context, collectionID address.Address, tokenID registry.TokenID) (SaleRecord, error)
	ListSaleRecords(ctx context.Context, offset, limit int) ([]SaleRecord, error)
	// UpdateListing replaces a sale record whose stored version still equals rec.Version and
	// returns it with the bumped version. It fails with ErrReserved while an active saga holds the
	// token and ErrStale when the record changed since it was read.
	UpdateListing(ctx context.Context, rec SaleRecord) (SaleRecord, error)

	GetCreationSaga(ctx context.Context, key string) (CreationSaga, error)
	// CreateCreationSaga fails with ErrAlreadyExists when the key is taken.
	CreateCreationSaga(ctx context.Context, saga CreationSaga) error
	// UpdateCreationSaga writes saga if the stored version still equals saga.Version and returns it
	// with the bumped version. A mismatch yields ErrStale.
	UpdateCreationSaga(ctx context.Context, saga CreationSaga) (CreationSaga, error)
	// CompleteCreation writes the collection, its sale records and the completed saga together,
	// under the same version check as UpdateCreationSaga.
	CompleteCreation(ctx context.Context, col Collection, sales []SaleRecord, saga CreationSaga) error

	// CreatePurchaseSaga inserts saga only while listing is current: the stored sale record still
	// has listing.Version, is on sale and names saga.Seller. Otherwise it fails with ErrStale. It
	// fails with ErrAlreadyExists on a reused idempotency key and ErrReserved when an active saga
	// holds the same token.
	CreatePurchaseSaga(ctx context.Context, saga PurchaseSaga, listing SaleRecord) error
	GetPurchaseSaga(ctx context.Context, id string) (PurchaseSaga, error)
	GetPurchaseSagaByKey(ctx context.Context, key string) (PurchaseSaga, error)
	// UpdatePurchaseSaga writes saga if the stored version still equals saga.Version, then bumps
	// the version. A mismatch yields ErrStale.
	UpdatePurchaseSaga(ctx context.Context, saga PurchaseSaga) (PurchaseSaga, error)
	// CompletePurchase applies UpdatePurchaseSaga and the sale record in one transaction.
	CompletePurchase(ctx context.Context, saga PurchaseSaga, sale SaleRecord) (PurchaseSaga, error)
	// ListPurchaseSagas returns sagas in any of states last updated before cutoff, oldest first.
	ListPurchaseSagas(ctx context.Context, states []SagaState, cutoff time.Time, limit int) ([]PurchaseSaga, error)

	Close() error
}

// ClampPage normalizes offset/limit for listings.
func ClampPage(offset, limit int) (int, int) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 || limit > MaxPageSize {
		limit = MaxPageSize
	}
	return offset, limit
}
