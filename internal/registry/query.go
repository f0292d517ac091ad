package registry

import (
	"context"

	"github.com/danmuck/edgemart/internal/address"
	"github.com/danmuck/edgemart/internal/kvstore"
)

func (r *Registry) checkQueryBatch(n int) error {
	if !r.installed {
		return ErrNotInstalled
	}
	if n > r.cfg.MaxQueryBatchSize {
		return batchf(CodeBatchTooLarge, "query of %d exceeds %d", n, r.cfg.MaxQueryBatchSize)
	}
	return nil
}

func (r *Registry) resolveTake(take int) int {
	if take <= 0 {
		return r.cfg.DefaultTakeValue
	}
	if take > r.cfg.MaxTakeValue {
		return r.cfg.MaxTakeValue
	}
	return take
}

// OwnerOf returns the owner of each id, nil for unknown or burned tokens.
func (r *Registry) OwnerOf(ctx context.Context, ids []TokenID) ([]*address.Address, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.checkQueryBatch(len(ids)); err != nil {
		return nil, err
	}
	out := make([]*address.Address, len(ids))
	err := r.store.View(ctx, func(txn *kvstore.Txn) error {
		for i, id := range ids {
			rec, err := readToken(txn, id)
			if err != nil {
				return err
			}
			if rec != nil && !rec.Burned {
				owner := rec.Owner
				out[i] = &owner
			}
		}
		return nil
	})
	return out, err
}

func (r *Registry) BalanceOf(ctx context.Context, owners []address.Address) ([]uint64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.checkQueryBatch(len(owners)); err != nil {
		return nil, err
	}
	out := make([]uint64, len(owners))
	err := r.store.View(ctx, func(txn *kvstore.Txn) error {
		for i, owner := range owners {
			var n uint64
			if err := txn.ScanKeys(ownerPrefix(owner), func([]byte) (bool, error) {
				n++
				return true, nil
			}); err != nil {
				return err
			}
			out[i] = n
		}
		return nil
	})
	return out, err
}

// Tokens lists live token ids in ascending order, starting after prev.
func (r *Registry) Tokens(ctx context.Context, prev *TokenID, take int) ([]TokenID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.installed {
		return nil, ErrNotInstalled
	}
	take = r.resolveTake(take)
	prefix := []byte(prefixToken)
	var after []byte
	if prev != nil {
		after = tokenKey(*prev)
	}
	out := make([]TokenID, 0, take)
	err := r.store.View(ctx, func(txn *kvstore.Txn) error {
		return txn.Scan(prefix, after, func(key, val []byte) (bool, error) {
			var rec tokenRecord
			if err := decodeRecord(val, &rec); err != nil {
				return false, err
			}
			if !rec.Burned {
				out = append(out, rec.ID)
			}
			return len(out) < take, nil
		})
	})
	return out, err
}

// TokensOf lists ids owned by owner in ascending order, starting after prev.
func (r *Registry) TokensOf(ctx context.Context, owner address.Address, prev *TokenID, take int) ([]TokenID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.installed {
		return nil, ErrNotInstalled
	}
	take = r.resolveTake(take)
	prefix := ownerPrefix(owner)
	var after []byte
	if prev != nil {
		after = ownerKey(owner, *prev)
	}
	out := make([]TokenID, 0, take)
	err := r.store.View(ctx, func(txn *kvstore.Txn) error {
		return txn.Scan(prefix, after, func(key, _ []byte) (bool, error) {
			out = append(out, tokenIDFromKey(prefix, key))
			return len(out) < take, nil
		})
	})
	return out, err
}

func (r *Registry) TokenMetadata(ctx context.Context, ids []TokenID) ([]*TokenMetadata, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.checkQueryBatch(len(ids)); err != nil {
		return nil, err
	}
	out := make([]*TokenMetadata, len(ids))
	err := r.store.View(ctx, func(txn *kvstore.Txn) error {
		for i, id := range ids {
			rec, err := readToken(txn, id)
			if err != nil {
				return err
			}
			if rec != nil && !rec.Burned {
				md := rec.Metadata
				out[i] = &md
			}
		}
		return nil
	})
	return out, err
}

// TxLogs returns one page of the transaction log. Pages are numbered from 0.
func (r *Registry) TxLogs(ctx context.Context, pageNumber, pageSize int) ([]Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.installed {
		return nil, ErrNotInstalled
	}
	if pageNumber < 0 {
		pageNumber = 0
	}
	pageSize = r.resolveTake(pageSize)
	start := uint64(pageNumber) * uint64(pageSize)
	if start >= r.stats.NextTx {
		return []Transaction{}, nil
	}
	var after []byte
	if start > 0 {
		after = txKey(start - 1)
	}
	out := make([]Transaction, 0, pageSize)
	err := r.store.View(ctx, func(txn *kvstore.Txn) error {
		return txn.Scan([]byte(prefixTx), after, func(_, val []byte) (bool, error) {
			var tx Transaction
			if err := decodeRecord(val, &tx); err != nil {
				return false, err
			}
			out = append(out, tx)
			return len(out) < pageSize, nil
		})
	})
	return out, err
}

func (r *Registry) TotalSupply() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats.supply()
}

func (r *Registry) SupplyCap() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg.SupplyCap
}

func (r *Registry) SupportedStandards() []Standard {
	out := make([]Standard, len(supportedStandards))
	copy(out, supportedStandards)
	return out
}

func (r *Registry) Controllers() []address.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]address.Address(nil), r.cfg.Controllers...)
}

func (r *Registry) Info() (Info, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.installed {
		return Info{}, ErrNotInstalled
	}
	return Info{
		Address:              r.addr,
		Symbol:               r.cfg.Symbol,
		Name:                 r.cfg.Name,
		Description:          r.cfg.Description,
		Logo:                 r.cfg.Logo,
		Owner:                r.cfg.Owner,
		MintingAuthority:     r.cfg.MintingAuthority,
		SupplyCap:            r.cfg.SupplyCap,
		TotalSupply:          r.stats.supply(),
		MaxQueryBatchSize:    r.cfg.MaxQueryBatchSize,
		MaxUpdateBatchSize:   r.cfg.MaxUpdateBatchSize,
		DefaultTakeValue:     r.cfg.DefaultTakeValue,
		MaxTakeValue:         r.cfg.MaxTakeValue,
		MaxMemoSize:          r.cfg.MaxMemoSize,
		AtomicBatchTransfers: r.cfg.AtomicBatchTransfers,
	}, nil
}
