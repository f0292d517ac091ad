package market

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/edgemart/internal/address"
	"github.com/danmuck/edgemart/internal/failure"
	"github.com/danmuck/edgemart/internal/guard"
	"github.com/danmuck/edgemart/internal/ledger"
	"github.com/danmuck/edgemart/internal/market/storage"
	"github.com/danmuck/edgemart/internal/observability"
	"github.com/danmuck/edgemart/internal/registry"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ErrPurchaseInProgress is returned for a saga another request or the sweeper is still driving.
var ErrPurchaseInProgress = errors.New("market: purchase in progress")

// Purchase is the caller-facing view of a purchase saga.
type Purchase = storage.PurchaseSaga

type CheckBalanceArg struct {
	// Owner is the buyer to check; empty means the caller.
	Owner        *address.Address `json:"owner,omitempty"`
	TokenID      registry.TokenID `json:"token_id"`
	CollectionID address.Address  `json:"collection_id"`
}

type TransferNFTArg struct {
	CollectionID address.Address  `json:"collection_id"`
	TokenID      registry.TokenID `json:"token_id"`
	// Amount, when set, must equal the current effective price.
	Amount         *ledger.Amount `json:"amount,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

// CheckBalance returns price plus ledger fee when the buyer can cover it. It changes nothing.
func (s *Service) CheckBalance(ctx context.Context, caller address.Address, arg CheckBalanceArg) (ledger.Amount, error) {
	const op = "market.check_balance"
	if err := guard.Check(guard.RoleAuthenticated, caller, guard.Subject{}); err != nil {
		return ledger.Amount{}, failure.Unauthorized(op, err)
	}
	buyer := caller
	if arg.Owner != nil && !arg.Owner.IsAnonymous() {
		buyer = *arg.Owner
	}
	_, price, err := s.quoteSale(ctx, op, arg.CollectionID, arg.TokenID)
	if err != nil {
		return ledger.Amount{}, err
	}
	return s.affordable(ctx, op, buyer, price)
}

// TransferNFT buys a listed token for caller. The saga reserves the token, pays the seller
// through the ledger, then transfers the token. A payment that lands without the transfer leaves
// the saga paid for the sweeper to finish.
func (s *Service) TransferNFT(ctx context.Context, caller address.Address, arg TransferNFTArg) (Purchase, error) {
	const op = "market.transfer_nft"
	if err := guard.Check(guard.RoleAuthenticated, caller, guard.Subject{}); err != nil {
		return Purchase{}, failure.Unauthorized(op, err)
	}
	key := strings.TrimSpace(arg.IdempotencyKey)
	if key == "" {
		key = uuid.NewString()
	} else {
		existing, err := s.store.GetPurchaseSagaByKey(ctx, key)
		switch {
		case err == nil:
			return s.retry(ctx, op, caller, arg, existing)
		case !errors.Is(err, storage.ErrNotFound):
			return Purchase{}, storeFailure(op, err)
		}
	}

	sale, price, err := s.quoteSale(ctx, op, arg.CollectionID, arg.TokenID)
	if err != nil {
		return Purchase{}, err
	}
	if sale.Seller == caller {
		return Purchase{}, failure.Validation(op, ErrSelfPurchase)
	}
	if arg.Amount != nil && !arg.Amount.Equal(price) {
		return Purchase{}, failure.Conflict(op, fmt.Errorf("%w: offered %s, price %s", ErrPriceChanged, arg.Amount, price))
	}

	now := s.now()
	saga := storage.PurchaseSaga{
		ID:             uuid.NewString(),
		IdempotencyKey: key,
		CollectionID:   arg.CollectionID,
		TokenID:        arg.TokenID,
		Buyer:          caller,
		Seller:         sale.Seller,
		Price:          price,
		State:          storage.SagaInitiated,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreatePurchaseSaga(ctx, saga, sale); err != nil {
		switch {
		case errors.Is(err, storage.ErrReserved):
			return Purchase{}, failure.Conflict(op, fmt.Errorf("%w: %s/%d", ErrSaleReserved, arg.CollectionID, arg.TokenID))
		case errors.Is(err, storage.ErrAlreadyExists), errors.Is(err, storage.ErrStale):
			// A stale listing may have been sold by a request carrying the same key.
			existing, gerr := s.store.GetPurchaseSagaByKey(ctx, key)
			if gerr == nil {
				return s.retry(ctx, op, caller, arg, existing)
			}
			if errors.Is(err, storage.ErrStale) && errors.Is(gerr, storage.ErrNotFound) {
				return Purchase{}, failure.Domain(op, fmt.Errorf("%w: %s/%d changed before it could be reserved", ErrNotOnSale, arg.CollectionID, arg.TokenID))
			}
			return Purchase{}, storeFailure(op, gerr)
		default:
			return Purchase{}, storeFailure(op, err)
		}
	}
	observability.RecordSagaTransition("purchase", string(saga.State))
	log.Info().
		Str("saga", saga.ID).
		Str("collection", saga.CollectionID.String()).
		Uint64("token", uint64(saga.TokenID)).
		Str("buyer", saga.Buyer.String()).
		Str("price", saga.Price.String()).
		Msg("market.purchase initiated")

	if _, err := s.affordable(ctx, op, caller, price); err != nil {
		return s.failPurchase(ctx, saga, err), err
	}
	return s.pay(ctx, op, saga)
}

// Purchase returns a saga visible to its buyer or seller.
func (s *Service) Purchase(ctx context.Context, caller address.Address, id string) (Purchase, error) {
	const op = "market.purchase"
	if err := guard.Check(guard.RoleAuthenticated, caller, guard.Subject{}); err != nil {
		return Purchase{}, failure.Unauthorized(op, err)
	}
	saga, err := s.store.GetPurchaseSaga(ctx, id)
	if err != nil {
		return Purchase{}, storeFailure(op, err)
	}
	if caller != saga.Buyer && caller != saga.Seller && caller != s.cfg.Self {
		return Purchase{}, failure.Unauthorized(op, fmt.Errorf("%w: %s is not a party to %s", guard.ErrUnauthorized, caller, id))
	}
	return saga, nil
}

// retry answers a repeated idempotency key by driving the existing saga forward.
func (s *Service) retry(ctx context.Context, op string, caller address.Address, arg TransferNFTArg, saga Purchase) (Purchase, error) {
	if saga.Buyer != caller || saga.CollectionID != arg.CollectionID || saga.TokenID != arg.TokenID {
		return Purchase{}, failure.Conflict(op, fmt.Errorf("%w: %s", ErrIdempotencyConflict, saga.IdempotencyKey))
	}
	switch saga.State {
	case storage.SagaInitiated:
		return s.pay(ctx, op, saga)
	case storage.SagaPaid:
		return s.deliver(ctx, op, saga)
	default:
		return outcome(op, saga)
	}
}

func (s *Service) quoteSale(ctx context.Context, op string, collectionID address.Address, tokenID registry.TokenID) (storage.SaleRecord, ledger.Amount, error) {
	sale, err := s.store.GetSaleRecord(ctx, collectionID, tokenID)
	if err != nil {
		return storage.SaleRecord{}, ledger.Amount{}, storeFailure(op, err)
	}
	if !sale.OnSale || sale.Price == nil {
		return storage.SaleRecord{}, ledger.Amount{}, failure.Domain(op, fmt.Errorf("%w: %s/%d", ErrNotOnSale, collectionID, tokenID))
	}
	col, err := s.store.GetCollection(ctx, collectionID)
	if err != nil {
		return storage.SaleRecord{}, ledger.Amount{}, storeFailure(op, err)
	}
	price, err := EffectivePrice(*sale.Price, col, sale.Seller, s.now())
	if err != nil {
		return storage.SaleRecord{}, ledger.Amount{}, priceFailure(op, err)
	}
	return sale, price, nil
}

// affordable returns price+fee when buyer's balance covers it.
func (s *Service) affordable(ctx context.Context, op string, buyer address.Address, price ledger.Amount) (ledger.Amount, error) {
	started := time.Now()
	balance, err := s.ledger.BalanceOf(ctx, buyer)
	observability.RecordRemoteCall("ledger", "balance_of", time.Since(started), err == nil)
	if err != nil {
		return ledger.Amount{}, failure.Remote(op, fmt.Errorf("balance of %s: %w", buyer, err))
	}
	started = time.Now()
	fee, err := s.ledger.Fee(ctx)
	observability.RecordRemoteCall("ledger", "fee", time.Since(started), err == nil)
	if err != nil {
		return ledger.Amount{}, failure.Remote(op, fmt.Errorf("ledger fee: %w", err))
	}
	total, err := price.Add(fee)
	if err != nil {
		return ledger.Amount{}, failure.Internal(op, err)
	}
	if balance.Less(total) {
		return ledger.Amount{}, failure.Domain(op, fmt.Errorf("%w: balance %s, need %s", ErrInsufficientBalance, balance, total))
	}
	return total, nil
}

// pay moves the price from buyer to seller. The memo and created_at are fixed per saga, so a
// re-issued payment is answered with the original block.
func (s *Service) pay(ctx context.Context, op string, saga Purchase) (Purchase, error) {
	block, err := s.transferPayment(ctx, saga)
	if err != nil {
		if paymentRejected(err) {
			if errors.Is(err, ledger.ErrInsufficientFunds) {
				err = fmt.Errorf("%w: %w", ErrInsufficientBalance, err)
			}
			return s.failPurchase(ctx, saga, err), failure.Domain(op, fmt.Errorf("payment rejected: %w", err))
		}
		saga = s.noteAttempt(ctx, saga, err)
		return saga, failure.Remote(op, fmt.Errorf("payment for %s: %w", saga.ID, err))
	}

	saga.State = storage.SagaPaid
	saga.PaymentBlock = &block
	saga.LastError = ""
	saga.UpdatedAt = s.now()
	saved, err := s.store.UpdatePurchaseSaga(ctx, saga)
	if err != nil {
		if errors.Is(err, storage.ErrStale) {
			return s.reload(ctx, op, saga.ID)
		}
		return saga, storeFailure(op, err)
	}
	observability.RecordSagaTransition("purchase", string(saved.State))
	log.Info().Str("saga", saved.ID).Uint64("block", uint64(block)).Msg("market.purchase paid")
	return s.deliver(ctx, op, saved)
}

func (s *Service) transferPayment(ctx context.Context, saga Purchase) (ledger.BlockIndex, error) {
	createdAt := saga.CreatedAt
	started := time.Now()
	block, err := s.ledger.TransferFrom(ctx, ledger.TransferFromArg{
		From:      saga.Buyer,
		To:        saga.Seller,
		Amount:    saga.Price,
		Spender:   s.cfg.Self,
		Memo:      []byte(saga.ID),
		CreatedAt: &createdAt,
	})
	var dup *ledger.DuplicateError
	if errors.As(err, &dup) {
		block, err = dup.Of, nil
	}
	observability.RecordRemoteCall("ledger", "transfer_from", time.Since(started), err == nil)
	return block, err
}

func paymentRejected(err error) bool {
	return errors.Is(err, ledger.ErrInsufficientFunds) ||
		errors.Is(err, ledger.ErrInsufficientAllowance) ||
		errors.Is(err, ledger.ErrInvalidAccount)
}

// deliver transfers the token to the buyer and completes the saga.
func (s *Service) deliver(ctx context.Context, op string, saga Purchase) (Purchase, error) {
	index, err := s.transferAsset(ctx, saga)
	if err != nil {
		saga = s.noteAttempt(ctx, saga, err)
		log.Warn().Err(err).Str("saga", saga.ID).Int("attempts", saga.Attempts).Msg("market.purchase transfer failed")
		return saga, failure.Remote(op, fmt.Errorf("%w: saga %s: %w", ErrAssetTransferPending, saga.ID, err))
	}
	return s.complete(ctx, op, saga, index)
}

func (s *Service) transferAsset(ctx context.Context, saga Purchase) (uint64, error) {
	arg := registry.TransferArg{To: saga.Buyer, TokenID: saga.TokenID, Memo: sagaMemo(saga.ID)}
	createdAt := saga.CreatedAt
	arg.CreatedAt = &createdAt
	call := registry.Call{Caller: s.cfg.Self, Acting: saga.Seller}

	index, err := s.transferOnce(ctx, saga.CollectionID, call, arg)
	if errors.Is(err, registry.ErrTooOld) {
		// Past the dedup window. A token already delivered fails the seller ownership check instead.
		arg.CreatedAt = nil
		index, err = s.transferOnce(ctx, saga.CollectionID, call, arg)
	}
	return index, err
}

func (s *Service) transferOnce(ctx context.Context, collection address.Address, call registry.Call, arg registry.TransferArg) (uint64, error) {
	started := time.Now()
	results, err := s.registries.Transfer(ctx, collection, call, []registry.TransferArg{arg})
	if err == nil {
		if len(results) != 1 {
			err = fmt.Errorf("registry returned %d results for one transfer", len(results))
		} else {
			err = results[0].Err
		}
	}
	var dup *registry.DuplicateError
	if errors.As(err, &dup) {
		observability.RecordRemoteCall("registry", "transfer", time.Since(started), true)
		return dup.Of, nil
	}
	observability.RecordRemoteCall("registry", "transfer", time.Since(started), err == nil)
	if err != nil {
		return 0, err
	}
	return results[0].Index, nil
}

// sagaMemo is the 16-byte form of a saga id, short enough for any registry memo limit.
func sagaMemo(id string) []byte {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return []byte(id)
	}
	return parsed[:]
}

// complete records the buyer as holder and closes the saga in one write.
func (s *Service) complete(ctx context.Context, op string, saga Purchase, index uint64) (Purchase, error) {
	now := s.now()
	saga.State = storage.SagaCompleted
	saga.TransferIndex = &index
	saga.LastError = ""
	saga.UpdatedAt = now
	sale := storage.SaleRecord{
		CollectionID: saga.CollectionID,
		TokenID:      saga.TokenID,
		Seller:       saga.Buyer,
		OnSale:       false,
		UpdatedAt:    now,
	}
	saved, err := s.store.CompletePurchase(ctx, saga, sale)
	if err != nil {
		if errors.Is(err, storage.ErrStale) {
			return s.reload(ctx, op, saga.ID)
		}
		return saga, storeFailure(op, err)
	}
	observability.RecordSagaTransition("purchase", string(saved.State))
	log.Info().
		Str("saga", saved.ID).
		Str("collection", saved.CollectionID.String()).
		Uint64("token", uint64(saved.TokenID)).
		Str("buyer", saved.Buyer.String()).
		Uint64("transfer", index).
		Msg("market.purchase completed")
	return saved, nil
}

// noteAttempt records a failed step without changing state.
func (s *Service) noteAttempt(ctx context.Context, saga Purchase, cause error) Purchase {
	saga.Attempts++
	saga.LastError = cause.Error()
	saga.UpdatedAt = s.now()
	saved, err := s.store.UpdatePurchaseSaga(ctx, saga)
	if err != nil {
		log.Warn().Err(err).Str("saga", saga.ID).Msg("market.purchase record attempt failed")
		return saga
	}
	return saved
}

func (s *Service) failPurchase(ctx context.Context, saga Purchase, cause error) Purchase {
	saga.State = storage.SagaFailed
	saga.LastError = cause.Error()
	saga.UpdatedAt = s.now()
	saved, err := s.store.UpdatePurchaseSaga(ctx, saga)
	if err != nil {
		log.Error().Err(err).Str("saga", saga.ID).Msg("market.purchase record failure failed")
		return saga
	}
	observability.RecordSagaTransition("purchase", string(saved.State))
	log.Warn().Err(cause).Str("saga", saved.ID).Msg("market.purchase failed")
	return saved
}

func (s *Service) reload(ctx context.Context, op string, id string) (Purchase, error) {
	saga, err := s.store.GetPurchaseSaga(ctx, id)
	if err != nil {
		return Purchase{}, storeFailure(op, err)
	}
	return outcome(op, saga)
}

// outcome maps a saga's state to what the caller of a purchase sees.
func outcome(op string, saga Purchase) (Purchase, error) {
	switch saga.State {
	case storage.SagaCompleted:
		return saga, nil
	case storage.SagaPaid:
		return saga, failure.Remote(op, fmt.Errorf("%w: saga %s", ErrAssetTransferPending, saga.ID))
	case storage.SagaInitiated:
		return saga, failure.Conflict(op, fmt.Errorf("%w: saga %s", ErrPurchaseInProgress, saga.ID))
	case storage.SagaFailed:
		return saga, failure.Domain(op, fmt.Errorf("%w: %s", ErrPurchaseFailed, saga.LastError))
	default:
		return saga, failure.Domain(op, fmt.Errorf("%w: saga %s is %s", ErrPurchaseRefunded, saga.ID, saga.State))
	}
}
