package market

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/edgemart/internal/address"
	"github.com/danmuck/edgemart/internal/factory"
	"github.com/danmuck/edgemart/internal/failure"
	"github.com/danmuck/edgemart/internal/guard"
	"github.com/danmuck/edgemart/internal/ledger"
	"github.com/danmuck/edgemart/internal/market/storage"
	"github.com/danmuck/edgemart/internal/observability"
	"github.com/danmuck/edgemart/internal/registry"
	"github.com/rs/zerolog/log"
)

// ErrZeroPrice rejects a listing at price zero.
var ErrZeroPrice = errors.New("market: listing price must be positive")

// GetCollectionIDs lists the collections owned by owner, or by caller when owner is nil.
func (s *Service) GetCollectionIDs(ctx context.Context, caller address.Address, owner *address.Address) ([]address.Address, error) {
	const op = "market.get_collection_ids"
	if err := guard.Check(guard.RoleAuthenticated, caller, guard.Subject{}); err != nil {
		return nil, failure.Unauthorized(op, err)
	}
	who := caller
	if owner != nil && !owner.IsAnonymous() {
		who = *owner
	}
	ids, err := s.store.CollectionIDsByOwner(ctx, who)
	if err != nil {
		return nil, storeFailure(op, err)
	}
	if len(ids) == 0 {
		return nil, failure.NotFound(op, fmt.Errorf("%w: %s", ErrNoCollections, who))
	}
	return ids, nil
}

// GetCollectionViability reports whether the collection has not yet expired.
func (s *Service) GetCollectionViability(ctx context.Context, id address.Address) (bool, error) {
	const op = "market.get_collection_viability"
	col, err := s.store.GetCollection(ctx, id)
	if err != nil {
		return false, storeFailure(op, err)
	}
	return col.ExpireDate.After(s.now()), nil
}

func (s *Service) GetCollectionsByOwner(ctx context.Context, owner address.Address, offset, limit int) ([]storage.Collection, error) {
	offset, limit = storage.ClampPage(offset, limit)
	cols, err := s.store.ListCollectionsByOwner(ctx, owner, offset, limit)
	if err != nil {
		return nil, storeFailure("market.get_collections_by_owner", err)
	}
	return cols, nil
}

func (s *Service) GetAllCollections(ctx context.Context, offset, limit int) ([]storage.Collection, error) {
	offset, limit = storage.ClampPage(offset, limit)
	cols, err := s.store.ListCollections(ctx, offset, limit)
	if err != nil {
		return nil, storeFailure("market.get_all_collections", err)
	}
	return cols, nil
}

func (s *Service) GetAllSaleRecords(ctx context.Context, offset, limit int) ([]storage.SaleRecord, error) {
	offset, limit = storage.ClampPage(offset, limit)
	sales, err := s.store.ListSaleRecords(ctx, offset, limit)
	if err != nil {
		return nil, storeFailure("market.get_all_sale_records", err)
	}
	return sales, nil
}

// Registries lists what the factory provisioned for owner, including registries whose
// collection never completed.
func (s *Service) Registries(ctx context.Context, caller, owner address.Address) ([]factory.Record, error) {
	const op = "market.registries"
	if err := guard.Check(guard.RoleAuthenticated, caller, guard.Subject{}); err != nil {
		return nil, failure.Unauthorized(op, err)
	}
	if owner.IsAnonymous() {
		owner = caller
	}
	recs, err := s.factory.ListByOwner(ctx, owner)
	if err != nil {
		return nil, failure.Internal(op, err)
	}
	return recs, nil
}

// SetListing lists a token at price, or delists it when price is nil. Only the recorded seller
// may do so, and only while the registry still shows them as owner.
func (s *Service) SetListing(ctx context.Context, caller, collectionID address.Address, tokenID registry.TokenID, price *ledger.Amount) (storage.SaleRecord, error) {
	const op = "market.set_listing"
	if err := guard.Check(guard.RoleAuthenticated, caller, guard.Subject{}); err != nil {
		return storage.SaleRecord{}, failure.Unauthorized(op, err)
	}
	if price != nil && price.IsZero() {
		return storage.SaleRecord{}, failure.Validation(op, ErrZeroPrice)
	}
	sale, err := s.store.GetSaleRecord(ctx, collectionID, tokenID)
	if err != nil {
		return storage.SaleRecord{}, storeFailure(op, err)
	}
	if sale.Seller != caller {
		return storage.SaleRecord{}, failure.Unauthorized(op, fmt.Errorf("%w: %s/%d", ErrNotSeller, collectionID, tokenID))
	}

	started := time.Now()
	owners, err := s.registries.OwnerOf(ctx, collectionID, []registry.TokenID{tokenID})
	observability.RecordRemoteCall("registry", "owner_of", time.Since(started), err == nil)
	if err != nil {
		return storage.SaleRecord{}, failure.Remote(op, fmt.Errorf("owner of %s/%d: %w", collectionID, tokenID, err))
	}
	if len(owners) != 1 || owners[0] == nil || *owners[0] != caller {
		return storage.SaleRecord{}, failure.Unauthorized(op, fmt.Errorf("%w: registry owner differs for %s/%d", ErrNotSeller, collectionID, tokenID))
	}

	sale.OnSale = price != nil
	sale.Price = nil
	if price != nil {
		p := *price
		sale.Price = &p
	}
	sale.UpdatedAt = s.now()
	// sale still carries the version read before OwnerOf; a purchase completed since then wins.
	saved, err := s.store.UpdateListing(ctx, sale)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrReserved):
			return storage.SaleRecord{}, failure.Conflict(op, fmt.Errorf("%w: %s/%d", ErrSaleReserved, collectionID, tokenID))
		case errors.Is(err, storage.ErrStale):
			return storage.SaleRecord{}, failure.Conflict(op, fmt.Errorf("%w: %s/%d", ErrListingChanged, collectionID, tokenID))
		}
		return storage.SaleRecord{}, storeFailure(op, err)
	}
	sale = saved
	log.Info().
		Str("collection", collectionID.String()).
		Uint64("token", uint64(tokenID)).
		Bool("on_sale", sale.OnSale).
		Msg("market.set_listing")
	return sale, nil
}
