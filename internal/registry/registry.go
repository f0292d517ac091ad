// Package registry is the per-collection asset registry: token ownership, metadata and an
// append-only transaction log, all persisted in the instance's own key/value store.
//
// A Registry executes one update at a time. It never calls out to other services, so updates
// hold the instance lock for their full duration.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/edgemart/internal/address"
	"github.com/danmuck/edgemart/internal/guard"
	"github.com/danmuck/edgemart/internal/kvstore"
	"github.com/rs/zerolog/log"
)

var errAbortBatch = errors.New("registry: abort batch")

type Registry struct {
	mu    sync.RWMutex
	addr  address.Address
	store *kvstore.Store
	now   func() time.Time

	installed bool
	cfg       InitArg
	stats     stats
}

type Option func(*Registry)

// WithClock overrides the registry clock.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// Open attaches a registry to its store, restoring configuration and counters when the store
// was installed before.
func Open(ctx context.Context, addr address.Address, store *kvstore.Store, opts ...Option) (*Registry, error) {
	r := &Registry{addr: addr, store: store, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	err := store.View(ctx, func(txn *kvstore.Txn) error {
		ok, err := getRecord(txn, []byte(keyConfig), &r.cfg)
		if err != nil || !ok {
			return err
		}
		r.installed = true
		_, err = getRecord(txn, []byte(keyStats), &r.stats)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("registry open %s: %w", addr, err)
	}
	if r.installed {
		log.Debug().Str("registry", addr.String()).Uint64("supply", r.stats.supply()).Msg("registry.restore")
	}
	return r, nil
}

func (r *Registry) Address() address.Address {
	return r.addr
}

func (r *Registry) Installed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.installed
}

// Install writes the initial configuration. It can run once per registry.
func (r *Registry) Install(ctx context.Context, arg InitArg) error {
	if err := arg.Validate(); err != nil {
		return err
	}
	arg = arg.WithDefaults()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.installed {
		return ErrAlreadyInstalled
	}
	st := stats{}
	err := r.store.Update(ctx, func(txn *kvstore.Txn) error {
		if err := putRecord(txn, []byte(keyConfig), &arg); err != nil {
			return err
		}
		return putRecord(txn, []byte(keyStats), &st)
	})
	if err != nil {
		return err
	}
	r.cfg = arg
	r.stats = st
	r.installed = true
	log.Info().
		Str("registry", r.addr.String()).
		Str("symbol", arg.Symbol).
		Str("owner", arg.Owner.String()).
		Uint64("supply_cap", arg.SupplyCap).
		Msg("registry.install")
	return nil
}

func (r *Registry) subject() guard.Subject {
	return guard.Subject{
		Owner:            r.cfg.Owner,
		MintingAuthority: r.cfg.MintingAuthority,
		Controllers:      r.cfg.Controllers,
	}
}

// resolveActing returns the identity an update is performed for.
func (r *Registry) resolveActing(call Call) (address.Address, error) {
	if err := guard.Check(guard.RoleAuthenticated, call.Caller, r.subject()); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if call.Acting == "" || call.Acting == call.Caller {
		return call.Caller, nil
	}
	if call.Acting.IsAnonymous() || !address.Contains(r.cfg.Controllers, call.Caller) {
		return "", fmt.Errorf("%w: %s cannot act for %s", ErrUnauthorized, call.Caller, call.Acting)
	}
	return call.Acting, nil
}

func (r *Registry) Mint(ctx context.Context, call Call, arg MintArg) (TokenID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.installed {
		return 0, ErrNotInstalled
	}
	acting, err := r.resolveActing(call)
	if err != nil {
		return 0, err
	}
	if err := guard.Check(guard.RoleMintingAuthority, call.Caller, r.subject()); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if arg.TokenID == 0 {
		return 0, ErrTokenIDMinimum
	}
	if len(arg.Memo) > r.cfg.MaxMemoSize {
		return 0, genericf(CodeMemoTooLong, "memo exceeds %d bytes", r.cfg.MaxMemoSize)
	}
	if arg.To.IsAnonymous() {
		return 0, ErrInvalidRecipient
	}
	if r.cfg.SupplyCap > 0 && r.stats.Minted >= r.cfg.SupplyCap {
		return 0, ErrSupplyCapReached
	}

	now := r.now()
	st := r.stats
	err = r.store.Update(ctx, func(txn *kvstore.Txn) error {
		existing, err := readToken(txn, arg.TokenID)
		if err != nil {
			return err
		}
		if existing != nil {
			return ErrTokenIDAlreadyExists
		}
		rec := &tokenRecord{ID: arg.TokenID, Owner: arg.To, Metadata: arg.Metadata, MintedAt: now}
		if err := writeOwnership(txn, rec, ""); err != nil {
			return err
		}
		if _, err := appendTx(txn, &st, Transaction{
			Kind:      TxMint,
			TokenID:   arg.TokenID,
			From:      acting,
			To:        arg.To,
			Timestamp: now,
			Memo:      arg.Memo,
		}); err != nil {
			return err
		}
		st.Minted++
		return putRecord(txn, []byte(keyStats), &st)
	})
	if err != nil {
		return 0, err
	}
	r.stats = st
	log.Debug().
		Str("registry", r.addr.String()).
		Uint64("token", uint64(arg.TokenID)).
		Str("to", arg.To.String()).
		Msg("registry.mint")
	return arg.TokenID, nil
}

// Transfer moves tokens owned by the acting identity. With atomic batches enabled, any failing
// item aborts the whole batch and the other items report ErrBatchAborted.
func (r *Registry) Transfer(ctx context.Context, call Call, args []TransferArg) ([]TransferResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	acting, err := r.prepareBatch(call, len(args))
	if err != nil {
		return nil, err
	}
	now := r.now()
	return r.runBatch(ctx, len(args), func(txn *kvstore.Txn, st *stats, i int) (TransferResult, error) {
		return r.applyTransfer(txn, st, acting, args[i], now)
	})
}

func (r *Registry) Burn(ctx context.Context, call Call, args []BurnArg) ([]BurnResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	acting, err := r.prepareBatch(call, len(args))
	if err != nil {
		return nil, err
	}
	now := r.now()
	return r.runBatch(ctx, len(args), func(txn *kvstore.Txn, st *stats, i int) (TransferResult, error) {
		return r.applyBurn(txn, st, acting, args[i], now)
	})
}

// SetMintingAuthority assigns the minting authority. Only the owner may call it, and only once.
func (r *Registry) SetMintingAuthority(ctx context.Context, call Call, authority address.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.installed {
		return ErrNotInstalled
	}
	acting, err := r.resolveActing(call)
	if err != nil {
		return err
	}
	if err := guard.Check(guard.RoleOwner, acting, r.subject()); err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if r.cfg.MintingAuthority != nil {
		return ErrAuthorityAlreadySet
	}
	if authority.IsAnonymous() {
		return genericf(CodeInvalidConfig, "minting authority must be an identity")
	}
	cfg := r.cfg
	cfg.MintingAuthority = &authority
	if err := r.store.Update(ctx, func(txn *kvstore.Txn) error {
		return putRecord(txn, []byte(keyConfig), &cfg)
	}); err != nil {
		return err
	}
	r.cfg = cfg
	log.Info().Str("registry", r.addr.String()).Str("authority", authority.String()).Msg("registry.set_minting_authority")
	return nil
}

func (r *Registry) prepareBatch(call Call, n int) (address.Address, error) {
	if !r.installed {
		return "", ErrNotInstalled
	}
	acting, err := r.resolveActing(call)
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", batchf(CodeEmptyBatch, "empty batch")
	}
	if n > r.cfg.MaxUpdateBatchSize {
		return "", batchf(CodeBatchTooLarge, "batch of %d exceeds %d", n, r.cfg.MaxUpdateBatchSize)
	}
	return acting, nil
}

// runBatch applies n items in one store transaction. An error from apply (as opposed to the
// result's Err) fails the whole call.
func (r *Registry) runBatch(
	ctx context.Context,
	n int,
	apply func(txn *kvstore.Txn, st *stats, i int) (TransferResult, error),
) ([]TransferResult, error) {
	results := make([]TransferResult, n)
	st := r.stats
	failed := false
	err := r.store.Update(ctx, func(txn *kvstore.Txn) error {
		for i := 0; i < n; i++ {
			res, err := apply(txn, &st, i)
			if err != nil {
				return err
			}
			results[i] = res
			if res.Err != nil {
				failed = true
			}
		}
		if failed && r.cfg.AtomicBatchTransfers {
			return errAbortBatch
		}
		return putRecord(txn, []byte(keyStats), &st)
	})
	if errors.Is(err, errAbortBatch) {
		for i := range results {
			if results[i].Err == nil {
				results[i] = TransferResult{Err: ErrBatchAborted}
			}
		}
		return results, nil
	}
	if err != nil {
		return nil, err
	}
	r.stats = st
	return results, nil
}

func (r *Registry) checkCreatedAt(createdAt, now time.Time) error {
	if createdAt.Before(now.Add(-(r.cfg.TxWindow + r.cfg.PermittedDrift))) {
		return ErrTooOld
	}
	if createdAt.After(now.Add(r.cfg.PermittedDrift)) {
		return &CreatedInFutureError{LedgerTime: now}
	}
	return nil
}

// checkDedup returns the dedup key to record, or a DuplicateError when an identical
// transaction is still inside the window.
func (r *Registry) checkDedup(txn *kvstore.Txn, key []byte, now time.Time) error {
	var prev dedupRecord
	ok, err := getRecord(txn, key, &prev)
	if err != nil {
		return err
	}
	if ok && now.Sub(prev.At) <= r.cfg.TxWindow+r.cfg.PermittedDrift {
		return &DuplicateError{Of: prev.Index}
	}
	return nil
}

func (r *Registry) applyTransfer(
	txn *kvstore.Txn,
	st *stats,
	acting address.Address,
	arg TransferArg,
	now time.Time,
) (TransferResult, error) {
	if len(arg.Memo) > r.cfg.MaxMemoSize {
		return TransferResult{Err: genericf(CodeMemoTooLong, "memo exceeds %d bytes", r.cfg.MaxMemoSize)}, nil
	}
	var dkey []byte
	if arg.CreatedAt != nil {
		if err := r.checkCreatedAt(*arg.CreatedAt, now); err != nil {
			return TransferResult{Err: err}, nil
		}
		dkey = dedupKey(TxTransfer, arg.TokenID, acting, arg.To, arg.Memo, *arg.CreatedAt)
		if err := r.checkDedup(txn, dkey, now); err != nil {
			var dup *DuplicateError
			if errors.As(err, &dup) {
				return TransferResult{Err: err}, nil
			}
			return TransferResult{}, err
		}
	}
	rec, err := readToken(txn, arg.TokenID)
	if err != nil {
		return TransferResult{}, err
	}
	if rec == nil || rec.Burned {
		return TransferResult{Err: ErrNonExistingToken}, nil
	}
	if rec.Owner != acting {
		return TransferResult{Err: ErrUnauthorized}, nil
	}
	if arg.To.IsAnonymous() || arg.To == acting {
		return TransferResult{Err: ErrInvalidRecipient}, nil
	}

	rec.Owner = arg.To
	if err := writeOwnership(txn, rec, acting); err != nil {
		return TransferResult{}, err
	}
	index, err := appendTx(txn, st, Transaction{
		Kind:      TxTransfer,
		TokenID:   arg.TokenID,
		From:      acting,
		To:        arg.To,
		Timestamp: now,
		Memo:      arg.Memo,
	})
	if err != nil {
		return TransferResult{}, err
	}
	if dkey != nil {
		if err := putRecord(txn, dkey, &dedupRecord{Index: index, At: now}); err != nil {
			return TransferResult{}, err
		}
	}
	log.Debug().
		Str("registry", r.addr.String()).
		Uint64("token", uint64(arg.TokenID)).
		Str("from", acting.String()).
		Str("to", arg.To.String()).
		Uint64("index", index).
		Msg("registry.transfer")
	return TransferResult{Index: index}, nil
}

func (r *Registry) applyBurn(
	txn *kvstore.Txn,
	st *stats,
	acting address.Address,
	arg BurnArg,
	now time.Time,
) (TransferResult, error) {
	if len(arg.Memo) > r.cfg.MaxMemoSize {
		return TransferResult{Err: genericf(CodeMemoTooLong, "memo exceeds %d bytes", r.cfg.MaxMemoSize)}, nil
	}
	var dkey []byte
	if arg.CreatedAt != nil {
		if err := r.checkCreatedAt(*arg.CreatedAt, now); err != nil {
			return TransferResult{Err: err}, nil
		}
		dkey = dedupKey(TxBurn, arg.TokenID, acting, "", arg.Memo, *arg.CreatedAt)
		if err := r.checkDedup(txn, dkey, now); err != nil {
			var dup *DuplicateError
			if errors.As(err, &dup) {
				return TransferResult{Err: err}, nil
			}
			return TransferResult{}, err
		}
	}
	rec, err := readToken(txn, arg.TokenID)
	if err != nil {
		return TransferResult{}, err
	}
	if rec == nil || rec.Burned {
		return TransferResult{Err: ErrNonExistingToken}, nil
	}
	if rec.Owner != acting {
		return TransferResult{Err: ErrUnauthorized}, nil
	}

	rec.Owner = ""
	rec.Burned = true
	if err := writeOwnership(txn, rec, acting); err != nil {
		return TransferResult{}, err
	}
	index, err := appendTx(txn, st, Transaction{
		Kind:      TxBurn,
		TokenID:   arg.TokenID,
		From:      acting,
		Timestamp: now,
		Memo:      arg.Memo,
	})
	if err != nil {
		return TransferResult{}, err
	}
	st.Burned++
	if dkey != nil {
		if err := putRecord(txn, dkey, &dedupRecord{Index: index, At: now}); err != nil {
			return TransferResult{}, err
		}
	}
	log.Debug().Str("registry", r.addr.String()).Uint64("token", uint64(arg.TokenID)).Msg("registry.burn")
	return TransferResult{Index: index}, nil
}
