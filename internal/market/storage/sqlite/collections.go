package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/danmuck/edgemart/internal/address"
	"github.com/danmuck/edgemart/internal/ledger"
	"github.com/danmuck/edgemart/internal/market/storage"
	"github.com/danmuck/edgemart/internal/registry"
	"github.com/vmihailenco/msgpack/v4"
)

const (
	blobVersion = 1
	maxBlobSize = 1 << 20
)

var (
	errBlobTooLarge = errors.New("collection blob exceeds size limit")
	errBlobVersion  = errors.New("unsupported collection blob version")
)

type itemBlob struct {
	Name        string   `msgpack:"name"`
	Description string   `msgpack:"description"`
	Logo        string   `msgpack:"logo"`
	Privilege   uint8    `msgpack:"privilege"`
	Quantity    uint64   `msgpack:"quantity"`
	UnitPrice   string   `msgpack:"unit_price"`
	TokenIDs    []uint64 `msgpack:"token_ids"`
}

type windowBlob struct {
	ExpireDate int64 `msgpack:"expire_date"`
	Percent    uint8 `msgpack:"percent"`
}

func encodeBlob(v any) ([]byte, error) {
	body, err := msgpack.Marshal(v)
	if err != nil {
		return nil, err
	}
	if len(body)+1 > maxBlobSize {
		return nil, fmt.Errorf("%w: %d bytes", errBlobTooLarge, len(body)+1)
	}
	return append([]byte{blobVersion}, body...), nil
}

func decodeBlob(raw []byte, v any) error {
	if len(raw) == 0 || raw[0] != blobVersion {
		return errBlobVersion
	}
	return msgpack.Unmarshal(raw[1:], v)
}

func encodeItems(items []storage.CollectionItem) ([]byte, error) {
	out := make([]itemBlob, len(items))
	for i, item := range items {
		ids := make([]uint64, len(item.TokenIDs))
		for j, id := range item.TokenIDs {
			ids[j] = uint64(id)
		}
		out[i] = itemBlob{
			Name:        item.Metadata.Name,
			Description: item.Metadata.Description,
			Logo:        item.Metadata.Logo,
			Privilege:   item.Metadata.Privilege,
			Quantity:    item.Metadata.Quantity,
			UnitPrice:   item.Metadata.UnitPrice.String(),
			TokenIDs:    ids,
		}
	}
	return encodeBlob(out)
}

func decodeItems(raw []byte) ([]storage.CollectionItem, error) {
	var blobs []itemBlob
	if err := decodeBlob(raw, &blobs); err != nil {
		return nil, err
	}
	out := make([]storage.CollectionItem, len(blobs))
	for i, b := range blobs {
		price, err := ledger.ParseAmount(b.UnitPrice)
		if err != nil {
			return nil, err
		}
		ids := make([]registry.TokenID, len(b.TokenIDs))
		for j, id := range b.TokenIDs {
			ids[j] = registry.TokenID(id)
		}
		out[i] = storage.CollectionItem{
			Metadata: storage.NFTMetadata{
				TokenMetadata: registry.TokenMetadata{
					Name:        b.Name,
					Description: b.Description,
					Logo:        b.Logo,
					Privilege:   b.Privilege,
				},
				Quantity:  b.Quantity,
				UnitPrice: price,
			},
			TokenIDs: ids,
		}
	}
	return out, nil
}

func encodeWindows(windows []storage.DiscountWindow) ([]byte, error) {
	out := make([]windowBlob, len(windows))
	for i, w := range windows {
		out[i] = windowBlob{ExpireDate: toMillis(w.ExpireDate), Percent: w.Percent}
	}
	return encodeBlob(out)
}

func decodeWindows(raw []byte) ([]storage.DiscountWindow, error) {
	var blobs []windowBlob
	if err := decodeBlob(raw, &blobs); err != nil {
		return nil, err
	}
	out := make([]storage.DiscountWindow, len(blobs))
	for i, b := range blobs {
		out[i] = storage.DiscountWindow{ExpireDate: fromMillis(b.ExpireDate), Percent: b.Percent}
	}
	return out, nil
}

const collectionColumns = `id, owner, expire_date, items, discounts, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCollection(row rowScanner) (storage.Collection, error) {
	var (
		col                  storage.Collection
		id, owner            string
		expire, created      int64
		itemsRaw, windowsRaw []byte
	)
	if err := row.Scan(&id, &owner, &expire, &itemsRaw, &windowsRaw, &created); err != nil {
		return storage.Collection{}, err
	}
	items, err := decodeItems(itemsRaw)
	if err != nil {
		return storage.Collection{}, fmt.Errorf("decode collection %s items: %w", id, err)
	}
	windows, err := decodeWindows(windowsRaw)
	if err != nil {
		return storage.Collection{}, fmt.Errorf("decode collection %s discounts: %w", id, err)
	}
	col.ID = address.Address(id)
	col.Owner = address.Address(owner)
	col.ExpireDate = fromMillis(expire)
	col.Items = items
	col.DiscountWindows = windows
	col.CreatedAt = fromMillis(created)
	return col, nil
}

// GetCollection loads one collection by registry address.
func (s *Store) GetCollection(ctx context.Context, id address.Address) (storage.Collection, error) {
	if err := s.ready(ctx); err != nil {
		return storage.Collection{}, err
	}
	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+collectionColumns+` FROM collections WHERE id = ?`, id.String())
	col, err := scanCollection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Collection{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Collection{}, fmt.Errorf("get collection: %w", err)
	}
	return col, nil
}

// ListCollections pages over all collections in id order.
func (s *Store) ListCollections(ctx context.Context, offset, limit int) ([]storage.Collection, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	offset, limit = storage.ClampPage(offset, limit)
	return s.queryCollections(ctx,
		`SELECT `+collectionColumns+` FROM collections ORDER BY id LIMIT ? OFFSET ?`,
		limit, offset,
	)
}

// ListCollectionsByOwner pages over one owner's collections in id order.
func (s *Store) ListCollectionsByOwner(ctx context.Context, owner address.Address, offset, limit int) ([]storage.Collection, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	offset, limit = storage.ClampPage(offset, limit)
	return s.queryCollections(ctx,
		`SELECT `+collectionColumns+` FROM collections WHERE owner = ? ORDER BY id LIMIT ? OFFSET ?`,
		owner.String(), limit, offset,
	)
}

func (s *Store) queryCollections(ctx context.Context, query string, args ...any) ([]storage.Collection, error) {
	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	defer rows.Close()
	out := make([]storage.Collection, 0)
	for rows.Next() {
		col, err := scanCollection(rows)
		if err != nil {
			return nil, fmt.Errorf("list collections: %w", err)
		}
		out = append(out, col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	return out, nil
}

// CollectionIDsByOwner returns every collection id the owner created.
func (s *Store) CollectionIDsByOwner(ctx context.Context, owner address.Address) ([]address.Address, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT id FROM collections WHERE owner = ? ORDER BY id`, owner.String())
	if err != nil {
		return nil, fmt.Errorf("collection ids: %w", err)
	}
	defer rows.Close()
	out := make([]address.Address, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("collection ids: %w", err)
		}
		out = append(out, address.Address(id))
	}
	return out, rows.Err()
}

const saleColumns = `collection_id, token_id, seller, price, on_sale, version, updated_at`

func scanSale(row rowScanner) (storage.SaleRecord, error) {
	var (
		rec                  storage.SaleRecord
		collectionID, seller string
		tokenID, updated     int64
		onSale               int
		price                sql.NullString
	)
	if err := row.Scan(&collectionID, &tokenID, &seller, &price, &onSale, &rec.Version, &updated); err != nil {
		return storage.SaleRecord{}, err
	}
	amount, err := scanAmount(price)
	if err != nil {
		return storage.SaleRecord{}, err
	}
	rec.CollectionID = address.Address(collectionID)
	rec.TokenID = registry.TokenID(tokenID)
	rec.Seller = address.Address(seller)
	rec.Price = amount
	rec.OnSale = onSale == 1
	rec.UpdatedAt = fromMillis(updated)
	return rec, nil
}

// GetSaleRecord loads one sale record.
func (s *Store) GetSaleRecord(ctx context.Context, collectionID address.Address, tokenID registry.TokenID) (storage.SaleRecord, error) {
	if err := s.ready(ctx); err != nil {
		return storage.SaleRecord{}, err
	}
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT `+saleColumns+` FROM sale_records WHERE collection_id = ? AND token_id = ?`,
		collectionID.String(), int64(tokenID),
	)
	rec, err := scanSale(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.SaleRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.SaleRecord{}, fmt.Errorf("get sale record: %w", err)
	}
	return rec, nil
}

// ListSaleRecords pages over sale records in (collection, token) order.
func (s *Store) ListSaleRecords(ctx context.Context, offset, limit int) ([]storage.SaleRecord, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	offset, limit = storage.ClampPage(offset, limit)
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT `+saleColumns+` FROM sale_records ORDER BY collection_id, token_id LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list sale records: %w", err)
	}
	defer rows.Close()
	out := make([]storage.SaleRecord, 0)
	for rows.Next() {
		rec, err := scanSale(rows)
		if err != nil {
			return nil, fmt.Errorf("list sale records: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sale records: %w", err)
	}
	return out, nil
}

// UpdateListing replaces a sale record's seller, price and on_sale flag when its version still
// equals rec.Version. It fails with ErrReserved while an active purchase saga holds the token and
// with ErrStale when the record moved on.
func (s *Store) UpdateListing(ctx context.Context, rec storage.SaleRecord) (storage.SaleRecord, error) {
	if err := s.ready(ctx); err != nil {
		return storage.SaleRecord{}, err
	}
	if err := rec.Validate(); err != nil {
		return storage.SaleRecord{}, err
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var reserved int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM purchase_sagas
			  WHERE collection_id = ? AND token_id = ? AND state IN ('initiated', 'paid', 'refund_pending')`,
			rec.CollectionID.String(), int64(rec.TokenID),
		).Scan(&reserved)
		if err != nil {
			return fmt.Errorf("check reservation: %w", err)
		}
		if reserved > 0 {
			return storage.ErrReserved
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE sale_records SET seller = ?, price = ?, on_sale = ?, version = version + 1, updated_at = ?
			  WHERE collection_id = ? AND token_id = ? AND version = ?`,
			rec.Seller.String(), nullableAmount(rec.Price), boolInt(rec.OnSale), toMillis(rec.UpdatedAt),
			rec.CollectionID.String(), int64(rec.TokenID), rec.Version,
		)
		if err != nil {
			return fmt.Errorf("update listing: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
		var exists int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM sale_records WHERE collection_id = ? AND token_id = ?`,
			rec.CollectionID.String(), int64(rec.TokenID),
		).Scan(&exists); err != nil {
			return fmt.Errorf("update listing: %w", err)
		}
		if exists == 0 {
			return storage.ErrNotFound
		}
		return storage.ErrStale
	})
	if err != nil {
		return storage.SaleRecord{}, err
	}
	rec.Version++
	return rec, nil
}

func writeSale(ctx context.Context, tx *sql.Tx, rec storage.SaleRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO sale_records (`+saleColumns+`) VALUES (?, ?, ?, ?, ?, 0, ?)
		 ON CONFLICT (collection_id, token_id) DO UPDATE SET
		   seller = excluded.seller,
		   price = excluded.price,
		   on_sale = excluded.on_sale,
		   version = sale_records.version + 1,
		   updated_at = excluded.updated_at`,
		rec.CollectionID.String(), int64(rec.TokenID), rec.Seller.String(),
		nullableAmount(rec.Price), boolInt(rec.OnSale), toMillis(rec.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("write sale record %s/%d: %w", rec.CollectionID, rec.TokenID, err)
	}
	return nil
}
