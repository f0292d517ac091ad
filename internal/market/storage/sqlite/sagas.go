package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/edgemart/internal/address"
	"github.com/danmuck/edgemart/internal/ledger"
	"github.com/danmuck/edgemart/internal/market/storage"
	"github.com/danmuck/edgemart/internal/registry"
)

const creationColumns = `idempotency_key, creator, request_hash, registry, last_minted, stage, last_error, version, created_at, updated_at`

func scanCreation(row rowScanner) (storage.CreationSaga, error) {
	var (
		saga                storage.CreationSaga
		creator, reg, stage string
		lastMinted          int64
		created, updated    int64
	)
	if err := row.Scan(&saga.IdempotencyKey, &creator, &saga.RequestHash, &reg, &lastMinted, &stage,
		&saga.LastError, &saga.Version, &created, &updated); err != nil {
		return storage.CreationSaga{}, err
	}
	saga.Creator = address.Address(creator)
	saga.Registry = address.Address(reg)
	saga.LastMinted = registry.TokenID(lastMinted)
	saga.Stage = storage.CreationStage(stage)
	saga.CreatedAt = fromMillis(created)
	saga.UpdatedAt = fromMillis(updated)
	return saga, nil
}

// GetCreationSaga loads a creation saga by idempotency key.
func (s *Store) GetCreationSaga(ctx context.Context, key string) (storage.CreationSaga, error) {
	if err := s.ready(ctx); err != nil {
		return storage.CreationSaga{}, err
	}
	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+creationColumns+` FROM creation_sagas WHERE idempotency_key = ?`, key)
	saga, err := scanCreation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.CreationSaga{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.CreationSaga{}, fmt.Errorf("get creation saga: %w", err)
	}
	return saga, nil
}

// CreateCreationSaga inserts a new creation saga.
func (s *Store) CreateCreationSaga(ctx context.Context, saga storage.CreationSaga) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(saga.IdempotencyKey) == "" {
		return fmt.Errorf("%w: idempotency key required", storage.ErrInvalidRecord)
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO creation_sagas (`+creationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		saga.IdempotencyKey, saga.Creator.String(), saga.RequestHash, saga.Registry.String(),
		int64(saga.LastMinted), string(saga.Stage), saga.LastError, saga.Version,
		toMillis(saga.CreatedAt), toMillis(saga.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("create creation saga: %w", err)
	}
	return nil
}

// UpdateCreationSaga writes the mutable fields of a creation saga when its version still
// matches and returns it with the bumped version.
func (s *Store) UpdateCreationSaga(ctx context.Context, saga storage.CreationSaga) (storage.CreationSaga, error) {
	if err := s.ready(ctx); err != nil {
		return storage.CreationSaga{}, err
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		return updateCreation(ctx, tx, saga)
	})
	if err != nil {
		return storage.CreationSaga{}, err
	}
	saga.Version++
	return saga, nil
}

func updateCreation(ctx context.Context, tx *sql.Tx, saga storage.CreationSaga) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE creation_sagas SET registry = ?, last_minted = ?, stage = ?, last_error = ?,
		   version = version + 1, updated_at = ?
		  WHERE idempotency_key = ? AND version = ?`,
		saga.Registry.String(), int64(saga.LastMinted), string(saga.Stage), saga.LastError,
		toMillis(saga.UpdatedAt), saga.IdempotencyKey, saga.Version,
	)
	if err != nil {
		return fmt.Errorf("update creation saga: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var exists int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM creation_sagas WHERE idempotency_key = ?`, saga.IdempotencyKey,
	).Scan(&exists); err != nil {
		return fmt.Errorf("update creation saga: %w", err)
	}
	if exists == 0 {
		return storage.ErrNotFound
	}
	return storage.ErrStale
}

// CompleteCreation persists the collection, every sale record and the completed saga atomically.
func (s *Store) CompleteCreation(ctx context.Context, col storage.Collection, sales []storage.SaleRecord, saga storage.CreationSaga) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	items, err := encodeItems(col.Items)
	if err != nil {
		return err
	}
	windows, err := encodeWindows(col.DiscountWindows)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO collections (id, owner, expire_date, schema_version, items, discounts, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			col.ID.String(), col.Owner.String(), toMillis(col.ExpireDate), blobVersion, items, windows,
			toMillis(col.CreatedAt),
		); err != nil {
			if isUniqueViolation(err) {
				return storage.ErrAlreadyExists
			}
			return fmt.Errorf("insert collection: %w", err)
		}
		for _, rec := range sales {
			if err := writeSale(ctx, tx, rec); err != nil {
				return err
			}
		}
		return updateCreation(ctx, tx, saga)
	})
}

const purchaseColumns = `id, idempotency_key, collection_id, token_id, buyer, seller, price, state,
	payment_block, refund_block, transfer_index, attempts, last_error, version, created_at, updated_at`

func scanPurchase(row rowScanner) (storage.PurchaseSaga, error) {
	var (
		saga                               storage.PurchaseSaga
		collectionID, buyer, seller, state string
		price                              string
		tokenID, created, updated          int64
		payment, refund, transfer          sql.NullInt64
	)
	if err := row.Scan(&saga.ID, &saga.IdempotencyKey, &collectionID, &tokenID, &buyer, &seller, &price,
		&state, &payment, &refund, &transfer, &saga.Attempts, &saga.LastError, &saga.Version,
		&created, &updated); err != nil {
		return storage.PurchaseSaga{}, err
	}
	amount, err := ledger.ParseAmount(price)
	if err != nil {
		return storage.PurchaseSaga{}, fmt.Errorf("decode saga %s price: %w", saga.ID, err)
	}
	saga.CollectionID = address.Address(collectionID)
	saga.TokenID = registry.TokenID(tokenID)
	saga.Buyer = address.Address(buyer)
	saga.Seller = address.Address(seller)
	saga.Price = amount
	saga.State = storage.SagaState(state)
	saga.PaymentBlock = blockIndex(payment)
	saga.RefundBlock = blockIndex(refund)
	saga.TransferIndex = scanUint(transfer)
	saga.CreatedAt = fromMillis(created)
	saga.UpdatedAt = fromMillis(updated)
	return saga, nil
}

func blockIndex(ni sql.NullInt64) *ledger.BlockIndex {
	if !ni.Valid {
		return nil
	}
	b := ledger.BlockIndex(ni.Int64)
	return &b
}

func nullableBlock(b *ledger.BlockIndex) sql.NullInt64 {
	if b == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*b), Valid: true}
}

// CreatePurchaseSaga inserts a saga in the same statement that checks the listing it was priced
// from, so a token sold or relisted since the read cannot be reserved. The reservation index
// rejects a second active saga for the same token.
func (s *Store) CreatePurchaseSaga(ctx context.Context, saga storage.PurchaseSaga, listing storage.SaleRecord) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if saga.ID == "" || saga.IdempotencyKey == "" {
		return fmt.Errorf("%w: saga id and idempotency key required", storage.ErrInvalidRecord)
	}
	if listing.CollectionID != saga.CollectionID || listing.TokenID != saga.TokenID {
		return fmt.Errorf("%w: listing does not match saga token", storage.ErrInvalidRecord)
	}
	res, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO purchase_sagas (`+purchaseColumns+`)
		 SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		   FROM sale_records
		  WHERE collection_id = ? AND token_id = ? AND on_sale = 1 AND seller = ? AND version = ?`,
		saga.ID, saga.IdempotencyKey, saga.CollectionID.String(), int64(saga.TokenID),
		saga.Buyer.String(), saga.Seller.String(), saga.Price.String(), string(saga.State),
		nullableBlock(saga.PaymentBlock), nullableBlock(saga.RefundBlock), nullableInt(saga.TransferIndex),
		saga.Attempts, saga.LastError, saga.Version, toMillis(saga.CreatedAt), toMillis(saga.UpdatedAt),
		saga.CollectionID.String(), int64(saga.TokenID), saga.Seller.String(), listing.Version,
	)
	if err != nil {
		if isUniqueViolation(err) {
			msg := err.Error()
			if strings.Contains(msg, "idempotency_key") || strings.Contains(msg, "purchase_sagas.id") {
				return storage.ErrAlreadyExists
			}
			return storage.ErrReserved
		}
		return fmt.Errorf("create purchase saga: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrStale
	}
	return nil
}

// GetPurchaseSaga loads a saga by id.
func (s *Store) GetPurchaseSaga(ctx context.Context, id string) (storage.PurchaseSaga, error) {
	return s.getPurchase(ctx, `id = ?`, id)
}

// GetPurchaseSagaByKey loads a saga by idempotency key.
func (s *Store) GetPurchaseSagaByKey(ctx context.Context, key string) (storage.PurchaseSaga, error) {
	return s.getPurchase(ctx, `idempotency_key = ?`, key)
}

func (s *Store) getPurchase(ctx context.Context, where string, arg string) (storage.PurchaseSaga, error) {
	if err := s.ready(ctx); err != nil {
		return storage.PurchaseSaga{}, err
	}
	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+purchaseColumns+` FROM purchase_sagas WHERE `+where, arg)
	saga, err := scanPurchase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.PurchaseSaga{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.PurchaseSaga{}, fmt.Errorf("get purchase saga: %w", err)
	}
	return saga, nil
}

// UpdatePurchaseSaga writes the saga when its version still matches and returns it with the
// bumped version.
func (s *Store) UpdatePurchaseSaga(ctx context.Context, saga storage.PurchaseSaga) (storage.PurchaseSaga, error) {
	if err := s.ready(ctx); err != nil {
		return storage.PurchaseSaga{}, err
	}
	var out storage.PurchaseSaga
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		out, err = updatePurchase(ctx, tx, saga)
		return err
	})
	return out, err
}

// CompletePurchase writes the saga and the sale record in one transaction.
func (s *Store) CompletePurchase(ctx context.Context, saga storage.PurchaseSaga, sale storage.SaleRecord) (storage.PurchaseSaga, error) {
	if err := s.ready(ctx); err != nil {
		return storage.PurchaseSaga{}, err
	}
	var out storage.PurchaseSaga
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if out, err = updatePurchase(ctx, tx, saga); err != nil {
			return err
		}
		return writeSale(ctx, tx, sale)
	})
	return out, err
}

func updatePurchase(ctx context.Context, tx *sql.Tx, saga storage.PurchaseSaga) (storage.PurchaseSaga, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE purchase_sagas SET
		   state = ?, payment_block = ?, refund_block = ?, transfer_index = ?,
		   attempts = ?, last_error = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		string(saga.State), nullableBlock(saga.PaymentBlock), nullableBlock(saga.RefundBlock),
		nullableInt(saga.TransferIndex), saga.Attempts, saga.LastError, toMillis(saga.UpdatedAt),
		saga.ID, saga.Version,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.PurchaseSaga{}, storage.ErrReserved
		}
		return storage.PurchaseSaga{}, fmt.Errorf("update purchase saga: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.PurchaseSaga{}, storage.ErrStale
	}
	saga.Version++
	return saga, nil
}

// ListPurchaseSagas returns up to limit sagas in the given states that were last updated before
// cutoff, oldest first.
func (s *Store) ListPurchaseSagas(ctx context.Context, states []storage.SagaState, cutoff time.Time, limit int) ([]storage.PurchaseSaga, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if len(states) == 0 {
		return nil, nil
	}
	_, limit = storage.ClampPage(0, limit)
	args := make([]any, 0, len(states)+2)
	marks := make([]string, len(states))
	for i, st := range states {
		marks[i] = "?"
		args = append(args, string(st))
	}
	args = append(args, toMillis(cutoff), limit)
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT `+purchaseColumns+` FROM purchase_sagas
		  WHERE state IN (`+strings.Join(marks, ", ")+`) AND updated_at < ?
		  ORDER BY updated_at, id LIMIT ?`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("list purchase sagas: %w", err)
	}
	defer rows.Close()
	out := make([]storage.PurchaseSaga, 0)
	for rows.Next() {
		saga, err := scanPurchase(rows)
		if err != nil {
			return nil, fmt.Errorf("list purchase sagas: %w", err)
		}
		out = append(out, saga)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list purchase sagas: %w", err)
	}
	return out, nil
}
