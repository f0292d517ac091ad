package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/edgemart/internal/address"
	"github.com/danmuck/edgemart/internal/ledger"
	"github.com/danmuck/edgemart/internal/market/storage"
	"github.com/danmuck/edgemart/internal/registry"
	"github.com/danmuck/edgemart/internal/testutil/testlog"
)

var testNow = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

func openTempStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "market.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func price(n uint64) *ledger.Amount {
	a := ledger.NewAmount(n)
	return &a
}

func seedCollection(t *testing.T, store *Store, id, owner address.Address, tokens int) {
	t.Helper()
	ctx := context.Background()
	key := "create-" + id.String()
	saga := storage.CreationSaga{
		IdempotencyKey: key,
		Creator:        owner,
		RequestHash:    "hash",
		Stage:          storage.CreationInitiated,
		CreatedAt:      testNow,
		UpdatedAt:      testNow,
	}
	if err := store.CreateCreationSaga(ctx, saga); err != nil {
		t.Fatalf("create creation saga: %v", err)
	}
	ids := make([]registry.TokenID, tokens)
	sales := make([]storage.SaleRecord, tokens)
	for i := range ids {
		ids[i] = registry.TokenID(i + 1)
		sales[i] = storage.SaleRecord{
			CollectionID: id,
			TokenID:      ids[i],
			Seller:       owner,
			Price:        price(100),
			OnSale:       true,
			UpdatedAt:    testNow,
		}
	}
	col := storage.Collection{
		ID:         id,
		Owner:      owner,
		ExpireDate: testNow.Add(72 * time.Hour),
		DiscountWindows: []storage.DiscountWindow{
			{ExpireDate: testNow.Add(24 * time.Hour), Percent: 20},
		},
		Items: []storage.CollectionItem{{
			Metadata: storage.NFTMetadata{
				TokenMetadata: registry.TokenMetadata{Name: "piece", Privilege: 2},
				Quantity:      uint64(tokens),
				UnitPrice:     ledger.NewAmount(100),
			},
			TokenIDs: ids,
		}},
		CreatedAt: testNow,
	}
	saga.Registry = id
	saga.LastMinted = ids[len(ids)-1]
	saga.Stage = storage.CreationCompleted
	if err := store.CompleteCreation(ctx, col, sales, saga); err != nil {
		t.Fatalf("complete creation: %v", err)
	}
}

func listing(t *testing.T, store *Store, id address.Address, token registry.TokenID) storage.SaleRecord {
	t.Helper()
	rec, err := store.GetSaleRecord(context.Background(), id, token)
	if err != nil {
		t.Fatalf("get sale record %s/%d: %v", id, token, err)
	}
	return rec
}

func newPurchase(id, key string, collection address.Address, token registry.TokenID) storage.PurchaseSaga {
	return storage.PurchaseSaga{
		ID:             id,
		IdempotencyKey: key,
		CollectionID:   collection,
		TokenID:        token,
		Buyer:          "buyer",
		Seller:         "creator",
		Price:          ledger.NewAmount(80),
		State:          storage.SagaInitiated,
		CreatedAt:      testNow,
		UpdatedAt:      testNow,
	}
}

func TestOpenRequiresPath(t *testing.T) {
	testlog.Start(t)

	if _, err := Open(context.Background(), ""); err == nil {
		t.Fatal("expected empty path error")
	}
}

func TestCompleteCreationRoundTrip(t *testing.T) {
	testlog.Start(t)

	ctx := context.Background()
	store := openTempStore(t)
	seedCollection(t, store, "registry-a", "creator", 3)

	col, err := store.GetCollection(ctx, "registry-a")
	if err != nil {
		t.Fatalf("get collection: %v", err)
	}
	if col.Owner != "creator" || !col.ExpireDate.Equal(testNow.Add(72*time.Hour)) {
		t.Fatalf("unexpected collection: %+v", col)
	}
	if len(col.DiscountWindows) != 1 || col.DiscountWindows[0].Percent != 20 {
		t.Fatalf("unexpected windows: %+v", col.DiscountWindows)
	}
	if len(col.Items) != 1 || len(col.Items[0].TokenIDs) != 3 || col.Items[0].Metadata.Privilege != 2 {
		t.Fatalf("unexpected items: %+v", col.Items)
	}
	if !col.Items[0].Metadata.UnitPrice.Equal(ledger.NewAmount(100)) {
		t.Fatalf("unit price = %s", col.Items[0].Metadata.UnitPrice)
	}

	sale, err := store.GetSaleRecord(ctx, "registry-a", 2)
	if err != nil {
		t.Fatalf("get sale record: %v", err)
	}
	if !sale.OnSale || sale.Price == nil || sale.Price.String() != "100" || sale.Seller != "creator" {
		t.Fatalf("unexpected sale record: %+v", sale)
	}
	saga, err := store.GetCreationSaga(ctx, "create-registry-a")
	if err != nil {
		t.Fatalf("get creation saga: %v", err)
	}
	if saga.Stage != storage.CreationCompleted || saga.LastMinted != 3 {
		t.Fatalf("unexpected saga: %+v", saga)
	}

	if _, err := store.GetCollection(ctx, "registry-missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := store.GetSaleRecord(ctx, "registry-a", 9); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCreateCreationSagaRejectsReusedKey(t *testing.T) {
	testlog.Start(t)

	store := openTempStore(t)
	saga := storage.CreationSaga{IdempotencyKey: "k", Creator: "creator", Stage: storage.CreationInitiated, CreatedAt: testNow, UpdatedAt: testNow}
	if err := store.CreateCreationSaga(context.Background(), saga); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.CreateCreationSaga(context.Background(), saga); !errors.Is(err, storage.ErrAlreadyExists) {
		t.Fatalf("expected already exists, got %v", err)
	}
}

func TestCompleteCreationIsAtomic(t *testing.T) {
	testlog.Start(t)

	ctx := context.Background()
	store := openTempStore(t)
	saga := storage.CreationSaga{IdempotencyKey: "k", Creator: "creator", Stage: storage.CreationMinting, CreatedAt: testNow, UpdatedAt: testNow}
	if err := store.CreateCreationSaga(ctx, saga); err != nil {
		t.Fatalf("create: %v", err)
	}
	col := storage.Collection{ID: "registry-b", Owner: "creator", ExpireDate: testNow, CreatedAt: testNow}
	sales := []storage.SaleRecord{
		{CollectionID: "registry-b", TokenID: 1, Seller: "creator", Price: price(5), OnSale: true, UpdatedAt: testNow},
		{CollectionID: "registry-b", TokenID: 2, Seller: "creator", OnSale: true, UpdatedAt: testNow},
	}
	saga.Stage = storage.CreationCompleted
	if err := store.CompleteCreation(ctx, col, sales, saga); !errors.Is(err, storage.ErrInvalidRecord) {
		t.Fatalf("expected invalid record, got %v", err)
	}
	if _, err := store.GetCollection(ctx, "registry-b"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("collection must not persist after failed completion, got %v", err)
	}
	got, err := store.GetCreationSaga(ctx, "k")
	if err != nil {
		t.Fatalf("get saga: %v", err)
	}
	if got.Stage != storage.CreationMinting {
		t.Fatalf("stage = %s, want minting", got.Stage)
	}
}

func TestListCollectionsPagesArePrefixes(t *testing.T) {
	testlog.Start(t)

	ctx := context.Background()
	store := openTempStore(t)
	for i := 0; i < 5; i++ {
		owner := address.Address("creator")
		if i%2 == 1 {
			owner = "other"
		}
		seedCollection(t, store, address.Address(fmt.Sprintf("registry-%d", i)), owner, 1)
	}

	small, err := store.ListCollections(ctx, 0, 2)
	if err != nil {
		t.Fatalf("list small: %v", err)
	}
	large, err := store.ListCollections(ctx, 0, 10)
	if err != nil {
		t.Fatalf("list large: %v", err)
	}
	if len(small) != 2 || len(large) != 5 {
		t.Fatalf("lengths = %d, %d", len(small), len(large))
	}
	for i := range small {
		if small[i].ID != large[i].ID {
			t.Fatalf("page is not a prefix at %d: %s vs %s", i, small[i].ID, large[i].ID)
		}
	}
	tail, err := store.ListCollections(ctx, 4, 10)
	if err != nil {
		t.Fatalf("list tail: %v", err)
	}
	if len(tail) != 1 || tail[0].ID != "registry-4" {
		t.Fatalf("unexpected tail: %+v", tail)
	}

	owned, err := store.ListCollectionsByOwner(ctx, "creator", 1, 10)
	if err != nil {
		t.Fatalf("list by owner: %v", err)
	}
	if len(owned) != 2 || owned[0].ID != "registry-2" {
		t.Fatalf("unexpected owned page: %+v", owned)
	}
	ids, err := store.CollectionIDsByOwner(ctx, "other")
	if err != nil {
		t.Fatalf("ids by owner: %v", err)
	}
	if len(ids) != 2 || ids[0] != "registry-1" || ids[1] != "registry-3" {
		t.Fatalf("unexpected ids: %v", ids)
	}

	sales, err := store.ListSaleRecords(ctx, 0, 3)
	if err != nil {
		t.Fatalf("list sales: %v", err)
	}
	if len(sales) != 3 || sales[0].CollectionID != "registry-0" {
		t.Fatalf("unexpected sales: %+v", sales)
	}
}

func TestReservationAllowsOneActiveSaga(t *testing.T) {
	testlog.Start(t)

	ctx := context.Background()
	store := openTempStore(t)
	seedCollection(t, store, "registry-a", "creator", 2)
	one := listing(t, store, "registry-a", 1)
	two := listing(t, store, "registry-a", 2)

	first := newPurchase("saga-1", "key-1", "registry-a", 1)
	if err := store.CreatePurchaseSaga(ctx, first, one); err != nil {
		t.Fatalf("create first: %v", err)
	}
	if err := store.CreatePurchaseSaga(ctx, newPurchase("saga-2", "key-2", "registry-a", 1), one); !errors.Is(err, storage.ErrReserved) {
		t.Fatalf("expected reserved, got %v", err)
	}
	if err := store.CreatePurchaseSaga(ctx, newPurchase("saga-3", "key-1", "registry-a", 2), two); !errors.Is(err, storage.ErrAlreadyExists) {
		t.Fatalf("expected already exists for reused key, got %v", err)
	}
	if err := store.CreatePurchaseSaga(ctx, newPurchase("saga-4", "key-4", "registry-a", 2), two); err != nil {
		t.Fatalf("other token must not be reserved: %v", err)
	}

	first.State = storage.SagaFailed
	first.LastError = "insufficient balance"
	if _, err := store.UpdatePurchaseSaga(ctx, first); err != nil {
		t.Fatalf("fail first: %v", err)
	}
	if err := store.CreatePurchaseSaga(ctx, newPurchase("saga-5", "key-5", "registry-a", 1), one); err != nil {
		t.Fatalf("terminal saga must release the reservation: %v", err)
	}
}

func TestCreatePurchaseSagaRequiresCurrentListing(t *testing.T) {
	testlog.Start(t)

	ctx := context.Background()
	store := openTempStore(t)
	seedCollection(t, store, "registry-a", "creator", 2)
	read := listing(t, store, "registry-a", 1)

	// The seller reprices after the buyer read the listing.
	relist := read
	relist.Price = price(500)
	relisted, err := store.UpdateListing(ctx, relist)
	if err != nil {
		t.Fatalf("relist: %v", err)
	}
	if relisted.Version != read.Version+1 {
		t.Fatalf("version = %d, want %d", relisted.Version, read.Version+1)
	}
	if err := store.CreatePurchaseSaga(ctx, newPurchase("saga-1", "key-1", "registry-a", 1), read); !errors.Is(err, storage.ErrStale) {
		t.Fatalf("expected stale for outdated listing, got %v", err)
	}
	if _, err := store.GetPurchaseSagaByKey(ctx, "key-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("stale reservation must not persist, got %v", err)
	}
	if err := store.CreatePurchaseSaga(ctx, newPurchase("saga-1", "key-1", "registry-a", 1), relisted); err != nil {
		t.Fatalf("create against current listing: %v", err)
	}

	// A completed sale takes the token off sale for every later reservation.
	saga := newPurchase("saga-2", "key-2", "registry-a", 2)
	current := listing(t, store, "registry-a", 2)
	if err := store.CreatePurchaseSaga(ctx, saga, current); err != nil {
		t.Fatalf("create second: %v", err)
	}
	saga.State = storage.SagaCompleted
	if _, err := store.CompletePurchase(ctx, saga, storage.SaleRecord{CollectionID: "registry-a", TokenID: 2, Seller: "buyer", UpdatedAt: testNow}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := store.CreatePurchaseSaga(ctx, newPurchase("saga-3", "key-3", "registry-a", 2), current); !errors.Is(err, storage.ErrStale) {
		t.Fatalf("expected stale for sold token, got %v", err)
	}

	mismatched := newPurchase("saga-4", "key-4", "registry-a", 1)
	if err := store.CreatePurchaseSaga(ctx, mismatched, current); !errors.Is(err, storage.ErrInvalidRecord) {
		t.Fatalf("expected invalid record for mismatched listing, got %v", err)
	}
}

func TestUpdatePurchaseSagaChecksVersion(t *testing.T) {
	testlog.Start(t)

	ctx := context.Background()
	store := openTempStore(t)
	seedCollection(t, store, "registry-a", "creator", 1)
	saga := newPurchase("saga-1", "key-1", "registry-a", 1)
	if err := store.CreatePurchaseSaga(ctx, saga, listing(t, store, "registry-a", 1)); err != nil {
		t.Fatalf("create: %v", err)
	}
	block := ledger.BlockIndex(7)
	saga.State = storage.SagaPaid
	saga.PaymentBlock = &block
	updated, err := store.UpdatePurchaseSaga(ctx, saga)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Version != 1 {
		t.Fatalf("version = %d, want 1", updated.Version)
	}
	if _, err := store.UpdatePurchaseSaga(ctx, saga); !errors.Is(err, storage.ErrStale) {
		t.Fatalf("expected stale, got %v", err)
	}

	got, err := store.GetPurchaseSagaByKey(ctx, "key-1")
	if err != nil {
		t.Fatalf("get by key: %v", err)
	}
	if got.State != storage.SagaPaid || got.PaymentBlock == nil || *got.PaymentBlock != 7 || got.Version != 1 {
		t.Fatalf("unexpected saga: %+v", got)
	}
	if !got.Price.Equal(ledger.NewAmount(80)) {
		t.Fatalf("price = %s", got.Price)
	}
}

func TestCompletePurchaseWritesSaleRecord(t *testing.T) {
	testlog.Start(t)

	ctx := context.Background()
	store := openTempStore(t)
	seedCollection(t, store, "registry-a", "creator", 1)
	before := listing(t, store, "registry-a", 1)
	saga := newPurchase("saga-1", "key-1", "registry-a", 1)
	if err := store.CreatePurchaseSaga(ctx, saga, before); err != nil {
		t.Fatalf("create: %v", err)
	}
	delist := storage.SaleRecord{CollectionID: "registry-a", TokenID: 1, Seller: "creator", Version: before.Version, UpdatedAt: testNow}
	if _, err := store.UpdateListing(ctx, delist); !errors.Is(err, storage.ErrReserved) {
		t.Fatalf("expected listing change to be blocked by reservation, got %v", err)
	}

	saga.State = storage.SagaCompleted
	sale := storage.SaleRecord{CollectionID: "registry-a", TokenID: 1, Seller: "buyer", UpdatedAt: testNow}
	if _, err := store.CompletePurchase(ctx, saga, sale); err != nil {
		t.Fatalf("complete: %v", err)
	}
	got := listing(t, store, "registry-a", 1)
	if got.Seller != "buyer" || got.OnSale || got.Price != nil {
		t.Fatalf("unexpected sale record: %+v", got)
	}
	if got.Version <= before.Version {
		t.Fatalf("completed sale must bump the version: %d -> %d", before.Version, got.Version)
	}

	relist := storage.SaleRecord{CollectionID: "registry-a", TokenID: 1, Seller: "buyer", Price: price(300), OnSale: true, Version: got.Version, UpdatedAt: testNow}
	saved, err := store.UpdateListing(ctx, relist)
	if err != nil {
		t.Fatalf("relist: %v", err)
	}
	if saved.Version != got.Version+1 {
		t.Fatalf("version = %d, want %d", saved.Version, got.Version+1)
	}
	// A write from the version read before the relist loses.
	relist.Price = price(1)
	if _, err := store.UpdateListing(ctx, relist); !errors.Is(err, storage.ErrStale) {
		t.Fatalf("expected stale, got %v", err)
	}
	if now := listing(t, store, "registry-a", 1); now.Price == nil || now.Price.String() != "300" {
		t.Fatalf("stale write must not apply: %+v", now)
	}
	if _, err := store.UpdateListing(ctx, storage.SaleRecord{CollectionID: "registry-a", TokenID: 1, Seller: "buyer", Price: price(1), UpdatedAt: testNow}); !errors.Is(err, storage.ErrInvalidRecord) {
		t.Fatalf("expected priced off-sale record to be rejected, got %v", err)
	}
	missing := storage.SaleRecord{CollectionID: "registry-a", TokenID: 9, Seller: "buyer", UpdatedAt: testNow}
	if _, err := store.UpdateListing(ctx, missing); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestUpdateCreationSagaChecksVersion(t *testing.T) {
	testlog.Start(t)

	ctx := context.Background()
	store := openTempStore(t)
	saga := storage.CreationSaga{IdempotencyKey: "k", Creator: "creator", Stage: storage.CreationInitiated, CreatedAt: testNow, UpdatedAt: testNow}
	if err := store.CreateCreationSaga(ctx, saga); err != nil {
		t.Fatalf("create: %v", err)
	}

	first := saga
	first.Registry = "registry-a"
	first.Stage = storage.CreationProvisioned
	saved, err := store.UpdateCreationSaga(ctx, first)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if saved.Version != 1 {
		t.Fatalf("version = %d, want 1", saved.Version)
	}

	second := saga
	second.Registry = "registry-b"
	second.Stage = storage.CreationProvisioned
	if _, err := store.UpdateCreationSaga(ctx, second); !errors.Is(err, storage.ErrStale) {
		t.Fatalf("expected stale, got %v", err)
	}
	col := storage.Collection{ID: "registry-b", Owner: "creator", ExpireDate: testNow, CreatedAt: testNow}
	second.Stage = storage.CreationCompleted
	if err := store.CompleteCreation(ctx, col, nil, second); !errors.Is(err, storage.ErrStale) {
		t.Fatalf("expected stale completion, got %v", err)
	}
	if _, err := store.GetCollection(ctx, "registry-b"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("stale completion must not persist the collection, got %v", err)
	}

	got, err := store.GetCreationSaga(ctx, "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Registry != "registry-a" || got.Version != 1 {
		t.Fatalf("unexpected saga: %+v", got)
	}
	if _, err := store.UpdateCreationSaga(ctx, storage.CreationSaga{IdempotencyKey: "missing", Stage: storage.CreationFailed}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListPurchaseSagasFiltersByStateAndAge(t *testing.T) {
	testlog.Start(t)

	ctx := context.Background()
	store := openTempStore(t)
	seedCollection(t, store, "registry-a", "creator", 3)
	old := newPurchase("saga-old", "key-old", "registry-a", 1)
	old.State = storage.SagaPaid
	fresh := newPurchase("saga-new", "key-new", "registry-a", 2)
	fresh.UpdatedAt = testNow.Add(time.Hour)
	done := newPurchase("saga-done", "key-done", "registry-a", 3)
	done.State = storage.SagaCompleted
	for _, s := range []storage.PurchaseSaga{old, fresh, done} {
		if err := store.CreatePurchaseSaga(ctx, s, listing(t, store, "registry-a", s.TokenID)); err != nil {
			t.Fatalf("create %s: %v", s.ID, err)
		}
	}
	got, err := store.ListPurchaseSagas(ctx, []storage.SagaState{storage.SagaInitiated, storage.SagaPaid}, testNow.Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].ID != "saga-old" {
		t.Fatalf("unexpected sagas: %+v", got)
	}
}
