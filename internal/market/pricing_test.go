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

func pricedCollection(windows ...storage.DiscountWindow) storage.Collection {
	return storage.Collection{
		ID:              "registry-a",
		Owner:           testCreator,
		ExpireDate:      testEpoch.Add(30 * 24 * time.Hour),
		DiscountWindows: windows,
	}
}

func TestEffectivePrice(t *testing.T) {
	testlog.Start(t)

	base := ledger.NewAmount(100)
	day := 24 * time.Hour
	t1 := testEpoch.Add(day)
	t2 := testEpoch.Add(2 * day)

	cases := []struct {
		name   string
		col    storage.Collection
		holder address.Address
		want   uint64
	}{
		{
			name:   "active window",
			col:    pricedCollection(storage.DiscountWindow{ExpireDate: t1, Percent: 20}),
			holder: testCreator,
			want:   80,
		},
		{
			name:   "no window",
			col:    pricedCollection(),
			holder: testCreator,
			want:   100,
		},
		{
			name:   "only lapsed windows",
			col:    pricedCollection(storage.DiscountWindow{ExpireDate: testEpoch.Add(-time.Hour), Percent: 50}),
			holder: testCreator,
			want:   100,
		},
		{
			name:   "resale is never discounted",
			col:    pricedCollection(storage.DiscountWindow{ExpireDate: t1, Percent: 20}),
			holder: testBuyer,
			want:   100,
		},
		{
			name: "nearest window wins",
			col: pricedCollection(
				storage.DiscountWindow{ExpireDate: t2, Percent: 50},
				storage.DiscountWindow{ExpireDate: t1, Percent: 20},
			),
			holder: testCreator,
			want:   80,
		},
		{
			name: "window expiring now is lapsed",
			col: pricedCollection(
				storage.DiscountWindow{ExpireDate: testEpoch, Percent: 90},
				storage.DiscountWindow{ExpireDate: t2, Percent: 10},
			),
			holder: testCreator,
			want:   90,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := EffectivePrice(base, tc.col, tc.holder, testEpoch)
			if err != nil {
				t.Fatalf("effective price: %v", err)
			}
			if !got.Equal(ledger.NewAmount(tc.want)) {
				t.Fatalf("price = %s, want %d", got, tc.want)
			}
		})
	}
}

func TestEffectivePriceExpiredCollection(t *testing.T) {
	testlog.Start(t)

	col := pricedCollection()
	after := col.ExpireDate.Add(time.Second)
	if _, err := EffectivePrice(ledger.NewAmount(100), col, testCreator, after); !errors.Is(err, ErrCollectionExpired) {
		t.Fatalf("expected collection expired, got %v", err)
	}
	// Resale skips the expiry rule.
	got, err := EffectivePrice(ledger.NewAmount(100), col, testBuyer, after)
	if err != nil || !got.Equal(ledger.NewAmount(100)) {
		t.Fatalf("resale price = %s, %v", got, err)
	}
}

func TestComputeEffectivePriceClassifiesErrors(t *testing.T) {
	testlog.Start(t)

	env := newTestEnv(t, Config{})
	ctx := context.Background()
	if _, err := env.svc.ComputeEffectivePrice(ctx, ledger.NewAmount(100), "missing", testCreator); !failure.Is(err, failure.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	arg := testCollectionArg()
	arg.DiscountWindows = []storage.DiscountWindow{{ExpireDate: testEpoch.Add(time.Hour), Percent: 25}}
	col := env.createCollection(t, arg)

	got, err := env.svc.ComputeEffectivePrice(ctx, ledger.NewAmount(100), col, testCreator)
	if err != nil || !got.Equal(ledger.NewAmount(75)) {
		t.Fatalf("price = %s, %v", got, err)
	}

	env.clock.Advance(31 * 24 * time.Hour)
	_, err = env.svc.ComputeEffectivePrice(ctx, ledger.NewAmount(100), col, testCreator)
	if !failure.Is(err, failure.KindDomain) || !errors.Is(err, ErrCollectionExpired) {
		t.Fatalf("expected domain collection expired, got %v", err)
	}
}
