package market

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/edgemart/internal/address"
	"github.com/danmuck/edgemart/internal/failure"
	"github.com/danmuck/edgemart/internal/ledger"
	"github.com/danmuck/edgemart/internal/market/storage"
	"github.com/danmuck/edgemart/internal/testutil/testlog"
)

func TestCheckBalanceReturnsPriceAndFee(t *testing.T) {
	testlog.Start(t)

	env := newTestEnv(t, Config{})
	col := env.createCollection(t, testCollectionArg())
	env.fund(t, testBuyer, 150, 0)

	total, err := env.svc.CheckBalance(context.Background(), testBuyer, CheckBalanceArg{CollectionID: col, TokenID: 2})
	if err != nil {
		t.Fatalf("check balance: %v", err)
	}
	if !total.Equal(ledger.NewAmount(90)) {
		t.Fatalf("total = %s, want 90", total)
	}
}

func TestCheckBalanceInsufficient(t *testing.T) {
	testlog.Start(t)

	env := newTestEnv(t, Config{})
	col := env.createCollection(t, testCollectionArg())
	env.fund(t, testBuyer, 50, 0)
	env.fund(t, testRival, 500, 0)
	ctx := context.Background()

	_, err := env.svc.CheckBalance(ctx, testBuyer, CheckBalanceArg{CollectionID: col, TokenID: 2})
	if !failure.Is(err, failure.KindDomain) || !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}

	// An explicit owner is checked instead of the caller.
	rival := testRival
	if _, err := env.svc.CheckBalance(ctx, testBuyer, CheckBalanceArg{Owner: &rival, CollectionID: col, TokenID: 2}); err != nil {
		t.Fatalf("check balance for owner: %v", err)
	}
	if env.pay.transferCalls() != 0 {
		t.Fatalf("check balance moved funds")
	}
}

func TestTransferNFTCompletesPurchase(t *testing.T) {
	testlog.Start(t)

	env := newTestEnv(t, Config{})
	ctx := context.Background()
	col := env.createCollection(t, testCollectionArg())
	env.fund(t, testBuyer, 150, 90)

	price := ledger.NewAmount(80)
	saga, err := env.svc.TransferNFT(ctx, testBuyer, TransferNFTArg{CollectionID: col, TokenID: 2, Amount: &price})
	if err != nil {
		t.Fatalf("transfer nft: %v", err)
	}
	if saga.State != storage.SagaCompleted || saga.PaymentBlock == nil || saga.TransferIndex == nil {
		t.Fatalf("saga = %+v", saga)
	}
	env.pay.assertBalance(t, testBuyer, 60)
	env.pay.assertBalance(t, testCreator, 80)
	if owner := env.ownerOf(t, col, 2); owner != testBuyer {
		t.Fatalf("owner = %s, want buyer", owner)
	}
	sale := env.saleRecord(t, col, 2)
	if sale.Seller != testBuyer || sale.OnSale || sale.Price != nil {
		t.Fatalf("sale record after purchase = %+v", sale)
	}

	got, err := env.svc.Purchase(ctx, testBuyer, saga.ID)
	if err != nil || got.State != storage.SagaCompleted {
		t.Fatalf("purchase lookup = %+v, %v", got, err)
	}
	if _, err := env.svc.Purchase(ctx, testRival, saga.ID); !failure.Is(err, failure.KindUnauthorized) {
		t.Fatalf("expected unauthorized lookup, got %v", err)
	}

	_, err = env.svc.TransferNFT(ctx, testRival, TransferNFTArg{CollectionID: col, TokenID: 2})
	if !errors.Is(err, ErrNotOnSale) {
		t.Fatalf("expected not on sale after purchase, got %v", err)
	}
}

func TestTransferNFTInsufficientBalanceMakesNoLedgerCall(t *testing.T) {
	testlog.Start(t)

	env := newTestEnv(t, Config{})
	ctx := context.Background()
	col := env.createCollection(t, testCollectionArg())
	env.fund(t, testBuyer, 50, 500)
	before := env.saleRecord(t, col, 2)

	saga, err := env.svc.TransferNFT(ctx, testBuyer, TransferNFTArg{CollectionID: col, TokenID: 2})
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	if saga.State != storage.SagaFailed {
		t.Fatalf("saga state = %s, want failed", saga.State)
	}
	if n := env.pay.transferCalls(); n != 0 {
		t.Fatalf("ledger transfers = %d, want 0", n)
	}
	after := env.saleRecord(t, col, 2)
	if after.Seller != before.Seller || after.OnSale != before.OnSale || !after.Price.Equal(*before.Price) {
		t.Fatalf("sale record changed: %+v -> %+v", before, after)
	}

	// The failed saga released the reservation.
	env.fund(t, testRival, 100, 90)
	if _, err := env.svc.TransferNFT(ctx, testRival, TransferNFTArg{CollectionID: col, TokenID: 2}); err != nil {
		t.Fatalf("purchase after failed saga: %v", err)
	}
}

func TestTransferNFTAppliesCreatorDiscount(t *testing.T) {
	testlog.Start(t)

	env := newTestEnv(t, Config{})
	arg := testCollectionArg()
	arg.DiscountWindows = []storage.DiscountWindow{{ExpireDate: testEpoch.Add(24 * time.Hour), Percent: 20}}
	col := env.createCollection(t, arg)
	env.fund(t, testBuyer, 200, 90)

	saga, err := env.svc.TransferNFT(context.Background(), testBuyer, TransferNFTArg{CollectionID: col, TokenID: 1})
	if err != nil {
		t.Fatalf("transfer nft: %v", err)
	}
	if !saga.Price.Equal(ledger.NewAmount(80)) {
		t.Fatalf("price = %s, want 80", saga.Price)
	}
	env.pay.assertBalance(t, testCreator, 80)
	env.pay.assertBalance(t, testBuyer, 110)
}

func TestTransferNFTRejectsStaleAmount(t *testing.T) {
	testlog.Start(t)

	env := newTestEnv(t, Config{})
	col := env.createCollection(t, testCollectionArg())
	env.fund(t, testBuyer, 150, 90)

	offered := ledger.NewAmount(70)
	_, err := env.svc.TransferNFT(context.Background(), testBuyer, TransferNFTArg{CollectionID: col, TokenID: 2, Amount: &offered})
	if !failure.Is(err, failure.KindConflict) || !errors.Is(err, ErrPriceChanged) {
		t.Fatalf("expected price changed, got %v", err)
	}
	if env.pay.transferCalls() != 0 {
		t.Fatalf("stale amount reached the ledger")
	}
}

func TestTransferNFTRejectsSelfPurchaseAndMissingToken(t *testing.T) {
	testlog.Start(t)

	env := newTestEnv(t, Config{})
	ctx := context.Background()
	col := env.createCollection(t, testCollectionArg())

	if _, err := env.svc.TransferNFT(ctx, testCreator, TransferNFTArg{CollectionID: col, TokenID: 1}); !errors.Is(err, ErrSelfPurchase) {
		t.Fatalf("expected self purchase rejection, got %v", err)
	}
	if _, err := env.svc.TransferNFT(ctx, testBuyer, TransferNFTArg{CollectionID: col, TokenID: 9}); !failure.Is(err, failure.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := env.svc.TransferNFT(ctx, address.Address(""), TransferNFTArg{CollectionID: col, TokenID: 1}); !failure.Is(err, failure.KindUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestTransferNFTReservesTokenWhileTransferPending(t *testing.T) {
	testlog.Start(t)

	env := newTestEnv(t, Config{})
	ctx := context.Background()
	col := env.createCollection(t, testCollectionArg())
	env.fund(t, testBuyer, 150, 90)
	env.fund(t, testRival, 150, 90)
	env.regs.setTransferFailures(1, 0)

	saga, err := env.svc.TransferNFT(ctx, testBuyer, TransferNFTArg{CollectionID: col, TokenID: 2})
	if !failure.Is(err, failure.KindRemoteCall) || !errors.Is(err, ErrAssetTransferPending) {
		t.Fatalf("expected asset transfer pending, got %v", err)
	}
	if saga.State != storage.SagaPaid || saga.Attempts != 1 || saga.LastError == "" {
		t.Fatalf("saga = %+v", saga)
	}
	env.pay.assertBalance(t, testCreator, 80)

	if _, err := env.svc.TransferNFT(ctx, testRival, TransferNFTArg{CollectionID: col, TokenID: 2}); !errors.Is(err, ErrSaleReserved) {
		t.Fatalf("expected reservation conflict, got %v", err)
	}
	price := ledger.NewAmount(500)
	if _, err := env.svc.SetListing(ctx, testCreator, col, 2, &price); !errors.Is(err, ErrSaleReserved) {
		t.Fatalf("expected relisting to be blocked, got %v", err)
	}
	env.pay.assertBalance(t, testRival, 150)
}

func TestTransferNFTRetryWithKeyFinishesPendingTransfer(t *testing.T) {
	testlog.Start(t)

	env := newTestEnv(t, Config{})
	ctx := context.Background()
	col := env.createCollection(t, testCollectionArg())
	env.fund(t, testBuyer, 150, 90)
	env.regs.setTransferFailures(1, 0)

	arg := TransferNFTArg{CollectionID: col, TokenID: 3, IdempotencyKey: "order-7"}
	first, err := env.svc.TransferNFT(ctx, testBuyer, arg)
	if !errors.Is(err, ErrAssetTransferPending) {
		t.Fatalf("expected pending, got %v", err)
	}

	second, err := env.svc.TransferNFT(ctx, testBuyer, arg)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if second.ID != first.ID || second.State != storage.SagaCompleted {
		t.Fatalf("retry saga = %+v", second)
	}
	if n := env.pay.transferCalls(); n != 1 {
		t.Fatalf("ledger transfers = %d, want 1", n)
	}
	env.pay.assertBalance(t, testBuyer, 60)

	third, err := env.svc.TransferNFT(ctx, testBuyer, arg)
	if err != nil || third.ID != first.ID {
		t.Fatalf("completed retry = %+v, %v", third, err)
	}
	if n := env.regs.transferCalls(); n != 2 {
		t.Fatalf("registry transfers = %d, want 2", n)
	}

	if _, err := env.svc.TransferNFT(ctx, testRival, arg); !errors.Is(err, ErrIdempotencyConflict) {
		t.Fatalf("expected key conflict for another buyer, got %v", err)
	}
}

func TestTransferNFTResaleIsNotDiscounted(t *testing.T) {
	testlog.Start(t)

	env := newTestEnv(t, Config{})
	ctx := context.Background()
	arg := testCollectionArg()
	arg.DiscountWindows = []storage.DiscountWindow{{ExpireDate: testEpoch.Add(24 * time.Hour), Percent: 50}}
	col := env.createCollection(t, arg)
	env.fund(t, testBuyer, 200, 60)

	if _, err := env.svc.TransferNFT(ctx, testBuyer, TransferNFTArg{CollectionID: col, TokenID: 1}); err != nil {
		t.Fatalf("first sale: %v", err)
	}
	price := ledger.NewAmount(120)
	if _, err := env.svc.SetListing(ctx, testBuyer, col, 1, &price); err != nil {
		t.Fatalf("relist: %v", err)
	}

	env.fund(t, testRival, 200, 130)
	saga, err := env.svc.TransferNFT(ctx, testRival, TransferNFTArg{CollectionID: col, TokenID: 1})
	if err != nil {
		t.Fatalf("resale: %v", err)
	}
	if saga.Seller != testBuyer || !saga.Price.Equal(price) {
		t.Fatalf("resale saga = %+v", saga)
	}
	if owner := env.ownerOf(t, col, 1); owner != testRival {
		t.Fatalf("owner = %s, want rival", owner)
	}
}
