package market

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"

	"github.com/danmuck/edgemart/internal/address"
	"github.com/danmuck/edgemart/internal/failure"
	"github.com/danmuck/edgemart/internal/ledger"
	"github.com/danmuck/edgemart/internal/market/storage"
	"github.com/danmuck/edgemart/internal/registry"
	"github.com/danmuck/edgemart/internal/testutil/testlog"
)

// hookedStore runs beforeReserve once, just before the first purchase saga is inserted.
type hookedStore struct {
	storage.Store
	once          sync.Once
	beforeReserve func()
}

func (s *hookedStore) CreatePurchaseSaga(ctx context.Context, saga storage.PurchaseSaga, listing storage.SaleRecord) error {
	s.once.Do(s.beforeReserve)
	return s.Store.CreatePurchaseSaga(ctx, saga, listing)
}

// hookedRegistries runs afterOwnerOf once the first OwnerOf answer is in hand, and beforeMint
// before the first mint.
type hookedRegistries struct {
	Registries
	ownerOnce    sync.Once
	afterOwnerOf func()
	mintOnce     sync.Once
	beforeMint   func()
}

func (r *hookedRegistries) OwnerOf(ctx context.Context, addr address.Address, ids []registry.TokenID) ([]*address.Address, error) {
	owners, err := r.Registries.OwnerOf(ctx, addr, ids)
	if r.afterOwnerOf != nil {
		r.ownerOnce.Do(r.afterOwnerOf)
	}
	return owners, err
}

func (r *hookedRegistries) Mint(ctx context.Context, addr address.Address, call registry.Call, arg registry.MintArg) (registry.TokenID, error) {
	if r.beforeMint != nil {
		r.mintOnce.Do(r.beforeMint)
	}
	return r.Registries.Mint(ctx, addr, call, arg)
}

// hookedProvisioner runs duringProvision once before the first registry is provisioned.
type hookedProvisioner struct {
	Provisioner
	once            sync.Once
	duringProvision func()
}

func (p *hookedProvisioner) Provision(ctx context.Context, caller address.Address, arg registry.InitArg) (address.Address, error) {
	p.once.Do(p.duringProvision)
	return p.Provisioner.Provision(ctx, caller, arg)
}

var errIndexDown = errors.New("index unavailable")

// partialProvisioner provisions for real but reports an index failure the first n times.
type partialProvisioner struct {
	Provisioner
	mu sync.Mutex
	n  int
}

func (p *partialProvisioner) Provision(ctx context.Context, caller address.Address, arg registry.InitArg) (address.Address, error) {
	addr, err := p.Provisioner.Provision(ctx, caller, arg)
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil && p.n > 0 {
		p.n--
		return addr, failure.Internal("factory.provision", errIndexDown)
	}
	return addr, err
}

func TestTransferNFTRejectsTokenSoldAfterQuote(t *testing.T) {
	testlog.Start(t)

	env := newTestEnv(t, Config{})
	ctx := context.Background()
	col := env.createCollection(t, testCollectionArg())
	env.fund(t, testBuyer, 150, 90)
	env.fund(t, testRival, 150, 90)

	// The buyer's purchase completes between the rival's quote and reservation.
	store := &hookedStore{Store: env.store}
	store.beforeReserve = func() {
		if _, err := env.svc.TransferNFT(ctx, testBuyer, TransferNFTArg{CollectionID: col, TokenID: 2}); err != nil {
			t.Errorf("buyer purchase: %v", err)
		}
	}
	rival := env.serviceWith(t, store, nil, nil)

	_, err := rival.TransferNFT(ctx, testRival, TransferNFTArg{CollectionID: col, TokenID: 2, IdempotencyKey: "rival-1"})
	if !failure.Is(err, failure.KindDomain) || !errors.Is(err, ErrNotOnSale) {
		t.Fatalf("expected not on sale, got %v", err)
	}
	if _, err := env.store.GetPurchaseSagaByKey(ctx, "rival-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("rival saga recorded: %v", err)
	}
	if n := env.pay.transferCalls(); n != 1 {
		t.Fatalf("ledger transfers = %d, want 1", n)
	}
	env.pay.assertBalance(t, testRival, 150)
	env.pay.assertBalance(t, testBuyer, 60)
	if owner := env.ownerOf(t, col, 2); owner != testBuyer {
		t.Fatalf("owner = %s, want buyer", owner)
	}
}

func TestSetListingLosesToPurchaseDuringOwnerCheck(t *testing.T) {
	testlog.Start(t)

	env := newTestEnv(t, Config{})
	ctx := context.Background()
	col := env.createCollection(t, testCollectionArg())
	env.fund(t, testBuyer, 150, 90)

	// The registry still names the creator when the buyer's purchase lands.
	regs := &hookedRegistries{Registries: env.regs}
	regs.afterOwnerOf = func() {
		if _, err := env.svc.TransferNFT(ctx, testBuyer, TransferNFTArg{CollectionID: col, TokenID: 2}); err != nil {
			t.Errorf("buyer purchase: %v", err)
		}
	}
	creator := env.serviceWith(t, nil, nil, regs)

	price := ledger.NewAmount(500)
	_, err := creator.SetListing(ctx, testCreator, col, 2, &price)
	if !failure.Is(err, failure.KindConflict) || !errors.Is(err, ErrListingChanged) {
		t.Fatalf("expected listing changed conflict, got %v", err)
	}
	sale := env.saleRecord(t, col, 2)
	if sale.Seller != testBuyer || sale.OnSale || sale.Price != nil {
		t.Fatalf("sale record = %+v", sale)
	}

	relisted, err := env.svc.SetListing(ctx, testBuyer, col, 2, &price)
	if err != nil {
		t.Fatalf("buyer relist: %v", err)
	}
	if !relisted.OnSale || relisted.Version != sale.Version+1 {
		t.Fatalf("relisted = %+v", relisted)
	}
}

func TestCreateCollectionSameKeyWhileProvisioning(t *testing.T) {
	testlog.Start(t)

	env := newTestEnv(t, Config{})
	ctx := context.Background()
	arg := testCollectionArg()
	arg.IdempotencyKey = "drop-1"

	var innerErr error
	prov := &hookedProvisioner{Provisioner: env.fac}
	prov.duringProvision = func() {
		_, innerErr = env.svc.CreateCollection(ctx, testCreator, arg)
	}
	col, err := env.serviceWith(t, nil, prov, nil).CreateCollection(ctx, testCreator, arg)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !failure.Is(innerErr, failure.KindConflict) || !errors.Is(innerErr, ErrCreationInProgress) {
		t.Fatalf("expected in-progress conflict for the second request, got %v", innerErr)
	}
	if n := len(env.host.Instances()); n != 1 {
		t.Fatalf("instances = %d, want 1", n)
	}
	cols, err := env.store.ListCollections(ctx, 0, 10)
	if err != nil {
		t.Fatalf("list collections: %v", err)
	}
	if len(cols) != 1 || cols[0].ID != col {
		t.Fatalf("collections = %+v", cols)
	}

	again, err := env.svc.CreateCollection(ctx, testCreator, arg)
	if err != nil || again != col {
		t.Fatalf("completed retry = %s, %v", again, err)
	}
}

func TestCreateCollectionSameKeyWhileResumingMint(t *testing.T) {
	testlog.Start(t)

	env := newTestEnv(t, Config{})
	ctx := context.Background()
	arg := testCollectionArg()
	arg.IdempotencyKey = "drop-1"
	env.regs.failMintAt = 2
	if _, err := env.svc.CreateCollection(ctx, testCreator, arg); !failure.Is(err, failure.KindRemoteCall) {
		t.Fatalf("expected remote call failure, got %v", err)
	}

	// Both retries see the failed saga; the first to claim it resumes minting.
	var innerErr error
	regs := &hookedRegistries{Registries: env.regs}
	regs.beforeMint = func() {
		_, innerErr = env.svc.CreateCollection(ctx, testCreator, arg)
	}
	col, err := env.serviceWith(t, nil, nil, regs).CreateCollection(ctx, testCreator, arg)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if !errors.Is(innerErr, ErrCreationInProgress) {
		t.Fatalf("expected in-progress conflict for the second retry, got %v", innerErr)
	}
	if got := env.regs.mintCalls(); !reflect.DeepEqual(got, []registry.TokenID{1, 2, 2, 3}) {
		t.Fatalf("mint calls = %v", got)
	}
	saga, err := env.store.GetCreationSaga(ctx, "drop-1")
	if err != nil {
		t.Fatalf("get saga: %v", err)
	}
	if saga.Stage != storage.CreationCompleted || saga.Registry != col {
		t.Fatalf("saga = %+v", saga)
	}
}

func TestCreateCollectionTakesOverAbandonedSaga(t *testing.T) {
	testlog.Start(t)

	env := newTestEnv(t, Config{})
	ctx := context.Background()
	arg := testCollectionArg()
	arg.IdempotencyKey = "drop-1"
	hash, err := requestHash(testCreator, arg)
	if err != nil {
		t.Fatalf("request hash: %v", err)
	}
	// A request that started the saga and then went away.
	if err := env.store.CreateCreationSaga(ctx, storage.CreationSaga{
		IdempotencyKey: "drop-1",
		Creator:        testCreator,
		RequestHash:    hash,
		Stage:          storage.CreationInitiated,
		CreatedAt:      testEpoch,
		UpdatedAt:      testEpoch,
	}); err != nil {
		t.Fatalf("seed saga: %v", err)
	}

	_, err = env.svc.CreateCollection(ctx, testCreator, arg)
	if !failure.Is(err, failure.KindConflict) || !errors.Is(err, ErrCreationInProgress) {
		t.Fatalf("expected in-progress conflict, got %v", err)
	}
	if n := len(env.host.Instances()); n != 0 {
		t.Fatalf("instances = %d, want 0", n)
	}

	env.clock.Advance(env.svc.cfg.ReservationTTL)
	col, err := env.svc.CreateCollection(ctx, testCreator, arg)
	if err != nil {
		t.Fatalf("take over: %v", err)
	}
	if n := len(env.host.Instances()); n != 1 {
		t.Fatalf("instances = %d, want 1", n)
	}
	if _, err := env.store.GetCollection(ctx, col); err != nil {
		t.Fatalf("get collection: %v", err)
	}
}

func TestCreateCollectionKeepsRegistryFromPartialProvision(t *testing.T) {
	testlog.Start(t)

	env := newTestEnv(t, Config{})
	ctx := context.Background()
	arg := testCollectionArg()
	arg.IdempotencyKey = "drop-1"
	svc := env.serviceWith(t, nil, &partialProvisioner{Provisioner: env.fac, n: 1}, nil)

	_, err := svc.CreateCollection(ctx, testCreator, arg)
	if !failure.Is(err, failure.KindInternal) || !errors.Is(err, errIndexDown) {
		t.Fatalf("expected index failure, got %v", err)
	}
	saga, err := env.store.GetCreationSaga(ctx, "drop-1")
	if err != nil {
		t.Fatalf("get saga: %v", err)
	}
	if saga.Stage != storage.CreationFailed || saga.Registry == "" || saga.LastMinted != 0 {
		t.Fatalf("saga after failure = %+v", saga)
	}

	col, err := svc.CreateCollection(ctx, testCreator, arg)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if col != saga.Registry {
		t.Fatalf("retry returned %s, want %s", col, saga.Registry)
	}
	if n := len(env.host.Instances()); n != 1 {
		t.Fatalf("instances = %d, want 1", n)
	}
	if got := env.regs.mintCalls(); !reflect.DeepEqual(got, []registry.TokenID{1, 2, 3}) {
		t.Fatalf("mint calls = %v", got)
	}
}
