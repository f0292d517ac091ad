package market

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/edgemart/internal/address"
	"github.com/danmuck/edgemart/internal/failure"
	"github.com/danmuck/edgemart/internal/guard"
	"github.com/danmuck/edgemart/internal/market/storage"
	"github.com/danmuck/edgemart/internal/observability"
	"github.com/danmuck/edgemart/internal/registry"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// CreateCollectionArg describes a collection to provision and mint. Registry.Owner, minting
// authority and controllers are assigned by the marketplace.
type CreateCollectionArg struct {
	IdempotencyKey  string                   `json:"idempotency_key,omitempty"`
	Registry        registry.InitArg         `json:"registry"`
	ExpireDate      time.Time                `json:"expire_date"`
	DiscountWindows []storage.DiscountWindow `json:"discount_windows"`
	NFTs            []storage.NFTMetadata    `json:"nfts"`
}

// Validate checks arg against now and the marketplace's supply bound. It runs before any remote
// call.
func (a CreateCollectionArg) Validate(now time.Time, maxSupply uint64) error {
	if !a.ExpireDate.After(now) {
		return ErrInvalidExpiry
	}
	for i, w := range a.DiscountWindows {
		if !w.ExpireDate.After(now) || !w.ExpireDate.Before(a.ExpireDate) {
			return fmt.Errorf("%w: window %d must expire after now and before the collection", ErrInvalidDiscountWindow, i)
		}
		if w.Percent == 0 || w.Percent > 100 {
			return fmt.Errorf("%w: window %d percent %d outside 1..100", ErrInvalidDiscountWindow, i, w.Percent)
		}
	}
	if strings.TrimSpace(a.Registry.Symbol) == "" || strings.TrimSpace(a.Registry.Name) == "" {
		return fmt.Errorf("%w: name and symbol are required", ErrInvalidCollection)
	}
	if len(a.NFTs) == 0 {
		return fmt.Errorf("%w: no nfts", ErrInvalidCollection)
	}
	if a.Registry.SupplyCap > maxSupply {
		return fmt.Errorf("%w: %d > %d", ErrSupplyCapTooLarge, a.Registry.SupplyCap, maxSupply)
	}
	var total uint64
	for i, nft := range a.NFTs {
		if nft.Quantity == 0 {
			return fmt.Errorf("%w: nft %d has zero quantity", ErrInvalidCollection, i)
		}
		if strings.TrimSpace(nft.Name) == "" {
			return fmt.Errorf("%w: nft %d has no name", ErrInvalidCollection, i)
		}
		if total+nft.Quantity < total {
			return fmt.Errorf("%w: quantity overflow", ErrSupplyMismatch)
		}
		total += nft.Quantity
	}
	if total != a.Registry.SupplyCap {
		return fmt.Errorf("%w: sum %d, supply cap %d", ErrSupplyMismatch, total, a.Registry.SupplyCap)
	}
	return nil
}

// requestHash fingerprints a creation request so a reused idempotency key can be told apart
// from a retry.
func requestHash(creator address.Address, arg CreateCollectionArg) (string, error) {
	arg.IdempotencyKey = ""
	arg.ExpireDate = arg.ExpireDate.UTC()
	raw, err := json.Marshal(arg)
	if err != nil {
		return "", err
	}
	sum := sha256.New()
	sum.Write([]byte(creator))
	sum.Write([]byte{0})
	sum.Write(raw)
	return hex.EncodeToString(sum.Sum(nil)), nil
}

// CreateCollection provisions a registry for caller, mints every unit with ids 1..supply cap and
// records the collection with each token on sale at its unit price. Progress is durable: a retry
// with the same idempotency key resumes where the previous attempt stopped.
func (s *Service) CreateCollection(ctx context.Context, caller address.Address, arg CreateCollectionArg) (address.Address, error) {
	const op = "market.create_collection"
	if err := guard.Check(guard.RoleAuthenticated, caller, guard.Subject{}); err != nil {
		return "", failure.Unauthorized(op, err)
	}
	now := s.now()
	if err := arg.Validate(now, s.cfg.MaxSupplyCap); err != nil {
		return "", failure.Validation(op, err)
	}
	hash, err := requestHash(caller, arg)
	if err != nil {
		return "", failure.Internal(op, err)
	}
	key := strings.TrimSpace(arg.IdempotencyKey)
	if key == "" {
		key = uuid.NewString()
	}

	saga, fresh, err := s.loadOrStartCreation(ctx, key, caller, hash, now)
	if err != nil {
		return "", failure.New(failure.KindOf(err), op, err)
	}
	if saga.Creator != caller || saga.RequestHash != hash {
		return "", failure.Conflict(op, fmt.Errorf("%w: %s", ErrIdempotencyConflict, key))
	}
	if saga.Stage == storage.CreationCompleted {
		return saga.Registry, nil
	}
	if !fresh {
		if saga, err = s.claimCreation(ctx, saga); err != nil {
			return "", failure.New(failure.KindOf(err), op, err)
		}
	}

	if saga.Registry == "" {
		addr, err := s.provision(ctx, caller, arg)
		if addr != "" {
			// A live registry comes back even when indexing it failed; keep it for the retry.
			saga.Registry = addr
			saga.Stage = storage.CreationProvisioned
		}
		if err != nil {
			s.failCreation(ctx, saga, err)
			return "", failure.New(failure.KindOf(err), op, fmt.Errorf("%w: %w", &registry.GenericError{
				Code:    CodeProvisionFailed,
				Message: "provision collection registry",
			}, err))
		}
		saga.LastError = ""
		saga.UpdatedAt = s.now()
		if saga, err = s.saveCreation(ctx, saga); err != nil {
			return "", failure.New(failure.KindOf(err), op, err)
		}
		observability.RecordSagaTransition("creation", string(saga.Stage))
	}

	col, sales, err := s.mintCollection(ctx, &saga, caller, arg)
	if err != nil {
		if failure.KindOf(err) != failure.KindConflict {
			s.failCreation(ctx, saga, err)
		}
		return "", failure.New(failure.KindOf(err), op, err)
	}

	saga.Stage = storage.CreationCompleted
	saga.LastError = ""
	saga.UpdatedAt = s.now()
	col.CreatedAt = saga.UpdatedAt
	if err := s.store.CompleteCreation(ctx, col, sales, saga); err != nil {
		if errors.Is(err, storage.ErrStale) {
			return "", failure.Conflict(op, fmt.Errorf("%w: %s", ErrCreationInProgress, key))
		}
		return "", failure.Internal(op, err)
	}
	observability.RecordSagaTransition("creation", string(saga.Stage))
	log.Info().
		Str("registry", saga.Registry.String()).
		Str("creator", caller.String()).
		Int("tokens", len(sales)).
		Str("key", key).
		Msg("market.create_collection")
	return saga.Registry, nil
}

// loadOrStartCreation returns the saga for key. fresh reports that this call inserted it and so
// already owns it.
func (s *Service) loadOrStartCreation(ctx context.Context, key string, caller address.Address, hash string, now time.Time) (storage.CreationSaga, bool, error) {
	saga, err := s.store.GetCreationSaga(ctx, key)
	if err == nil {
		return saga, false, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return storage.CreationSaga{}, false, failure.Internal("", err)
	}
	saga = storage.CreationSaga{
		IdempotencyKey: key,
		Creator:        caller,
		RequestHash:    hash,
		Stage:          storage.CreationInitiated,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateCreationSaga(ctx, saga); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			// Lost a race with a concurrent request for the same key.
			saga, err = s.store.GetCreationSaga(ctx, key)
			if err != nil {
				return storage.CreationSaga{}, false, failure.Internal("", err)
			}
			return saga, false, nil
		}
		return storage.CreationSaga{}, false, failure.Internal("", err)
	}
	observability.RecordSagaTransition("creation", string(saga.Stage))
	return saga, true, nil
}

// claimCreation takes over a saga an earlier request left behind. A failed saga is taken at once;
// one still in progress only after it has gone ReservationTTL without an update. The claim moves
// the saga back to the stage it resumes from, so a concurrent claimer sees it in progress.
func (s *Service) claimCreation(ctx context.Context, saga storage.CreationSaga) (storage.CreationSaga, error) {
	now := s.now()
	if saga.Stage != storage.CreationFailed && now.Sub(saga.UpdatedAt) < s.cfg.ReservationTTL {
		return saga, failure.Conflict("", fmt.Errorf("%w: %s", ErrCreationInProgress, saga.IdempotencyKey))
	}
	switch {
	case saga.Registry == "":
		saga.Stage = storage.CreationInitiated
	case saga.LastMinted == 0:
		saga.Stage = storage.CreationProvisioned
	default:
		saga.Stage = storage.CreationMinting
	}
	saga.UpdatedAt = now
	claimed, err := s.saveCreation(ctx, saga)
	if err != nil {
		return saga, err
	}
	log.Info().
		Str("key", claimed.IdempotencyKey).
		Str("stage", string(claimed.Stage)).
		Str("registry", claimed.Registry.String()).
		Msg("market.create_collection resumed")
	return claimed, nil
}

// saveCreation writes saga under its version. Losing the race means another request owns it.
func (s *Service) saveCreation(ctx context.Context, saga storage.CreationSaga) (storage.CreationSaga, error) {
	saved, err := s.store.UpdateCreationSaga(ctx, saga)
	if errors.Is(err, storage.ErrStale) {
		return saga, failure.Conflict("", fmt.Errorf("%w: %s", ErrCreationInProgress, saga.IdempotencyKey))
	}
	if err != nil {
		return saga, failure.Internal("", err)
	}
	return saved, nil
}

func (s *Service) provision(ctx context.Context, creator address.Address, arg CreateCollectionArg) (address.Address, error) {
	self := s.cfg.Self
	initArg := arg.Registry
	initArg.Owner = creator
	initArg.MintingAuthority = &self
	initArg.Controllers = []address.Address{self}
	started := time.Now()
	addr, err := s.factory.Provision(ctx, self, initArg)
	observability.RecordRemoteCall("factory", "provision", time.Since(started), err == nil)
	return addr, err
}

// mintCollection mints ids LastMinted+1..cap in order and returns the records to persist.
func (s *Service) mintCollection(ctx context.Context, saga *storage.CreationSaga, creator address.Address, arg CreateCollectionArg) (storage.Collection, []storage.SaleRecord, error) {
	col := storage.Collection{
		ID:              saga.Registry,
		Owner:           creator,
		ExpireDate:      arg.ExpireDate,
		DiscountWindows: arg.DiscountWindows,
	}
	var sales []storage.SaleRecord
	call := registry.Call{Caller: s.cfg.Self, Acting: creator}

	var next registry.TokenID = 1
	for _, nft := range arg.NFTs {
		item := storage.CollectionItem{Metadata: nft}
		for n := uint64(0); n < nft.Quantity; n++ {
			id := next
			next++
			if id > saga.LastMinted {
				if err := s.mintOne(ctx, saga, call, creator, id, nft.TokenMetadata); err != nil {
					return storage.Collection{}, nil, err
				}
			}
			item.TokenIDs = append(item.TokenIDs, id)
			price := nft.UnitPrice
			sales = append(sales, storage.SaleRecord{
				CollectionID: saga.Registry,
				TokenID:      id,
				Seller:       creator,
				Price:        &price,
				OnSale:       true,
			})
		}
		col.Items = append(col.Items, item)
	}
	now := s.now()
	for i := range sales {
		sales[i].UpdatedAt = now
	}
	return col, sales, nil
}

func (s *Service) mintOne(ctx context.Context, saga *storage.CreationSaga, call registry.Call, to address.Address, id registry.TokenID, meta registry.TokenMetadata) error {
	started := time.Now()
	_, err := s.registries.Mint(ctx, saga.Registry, call, registry.MintArg{To: to, TokenID: id, Metadata: meta})
	observability.RecordRemoteCall("registry", "mint", time.Since(started), err == nil)
	if err != nil && !errors.Is(err, registry.ErrTokenIDAlreadyExists) {
		return failure.Remote("", fmt.Errorf("mint token %d into %s: %w", id, saga.Registry, err))
	}
	saga.LastMinted = id
	if saga.Stage != storage.CreationMinting {
		saga.Stage = storage.CreationMinting
		observability.RecordSagaTransition("creation", string(saga.Stage))
	}
	saga.LastError = ""
	saga.UpdatedAt = s.now()
	saved, err := s.saveCreation(ctx, *saga)
	if err != nil {
		return err
	}
	*saga = saved
	return nil
}

func (s *Service) failCreation(ctx context.Context, saga storage.CreationSaga, cause error) {
	saga.Stage = storage.CreationFailed
	saga.LastError = cause.Error()
	saga.UpdatedAt = s.now()
	if _, err := s.store.UpdateCreationSaga(ctx, saga); err != nil {
		log.Error().Err(err).Str("key", saga.IdempotencyKey).Msg("market.create_collection record failure")
	}
	observability.RecordSagaTransition("creation", string(saga.Stage))
	log.Warn().
		Err(cause).
		Str("key", saga.IdempotencyKey).
		Str("registry", saga.Registry.String()).
		Uint64("last_minted", uint64(saga.LastMinted)).
		Msg("market.create_collection failed")
}
