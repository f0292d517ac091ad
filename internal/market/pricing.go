package market

import (
	"context"
	"errors"
	"time"

	"github.com/danmuck/edgemart/internal/address"
	"github.com/danmuck/edgemart/internal/failure"
	"github.com/danmuck/edgemart/internal/ledger"
	"github.com/danmuck/edgemart/internal/market/storage"
)

// EffectivePrice applies the creator's nearest upcoming discount window to base. Resales by
// anyone other than the collection owner are never discounted.
func EffectivePrice(base ledger.Amount, col storage.Collection, holder address.Address, now time.Time) (ledger.Amount, error) {
	if holder != col.Owner {
		return base, nil
	}
	if now.After(col.ExpireDate) {
		return ledger.Amount{}, ErrCollectionExpired
	}
	var nearest *storage.DiscountWindow
	for i := range col.DiscountWindows {
		w := &col.DiscountWindows[i]
		if !w.ExpireDate.After(now) {
			continue
		}
		if nearest == nil || w.ExpireDate.Before(nearest.ExpireDate) {
			nearest = w
		}
	}
	if nearest == nil {
		return base, nil
	}
	off, err := base.Percent(uint64(nearest.Percent))
	if err != nil {
		return ledger.Amount{}, err
	}
	return base.Sub(off)
}

// ComputeEffectivePrice prices base for a token of collectionID currently held by holder.
func (s *Service) ComputeEffectivePrice(ctx context.Context, base ledger.Amount, collectionID, holder address.Address) (ledger.Amount, error) {
	const op = "market.compute_effective_price"
	col, err := s.store.GetCollection(ctx, collectionID)
	if err != nil {
		return ledger.Amount{}, storeFailure(op, err)
	}
	price, err := EffectivePrice(base, col, holder, s.now())
	if err != nil {
		return ledger.Amount{}, priceFailure(op, err)
	}
	return price, nil
}

func priceFailure(op string, err error) error {
	if errors.Is(err, ErrCollectionExpired) {
		return failure.Domain(op, err)
	}
	return failure.Internal(op, err)
}

// storeFailure classifies a storage error.
func storeFailure(op string, err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return failure.NotFound(op, err)
	case errors.Is(err, storage.ErrReserved), errors.Is(err, storage.ErrStale), errors.Is(err, storage.ErrAlreadyExists):
		return failure.Conflict(op, err)
	default:
		return failure.Internal(op, err)
	}
}
