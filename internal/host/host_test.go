package host

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/edgemart/internal/address"
	"github.com/danmuck/edgemart/internal/registry"
	"github.com/danmuck/edgemart/internal/testutil/testlog"
)

const (
	testMarket  address.Address = "market"
	testCreator address.Address = "creator"
	testBuyer   address.Address = "buyer"
)

func newTestHost(t *testing.T, cfg Config) *Host {
	t.Helper()
	if cfg.Clock == nil {
		now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		cfg.Clock = func() time.Time { return now }
	}
	h := New(cfg)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func testInitArg() registry.InitArg {
	authority := testMarket
	return registry.InitArg{
		Symbol:           "ART",
		Name:             "Art Drop",
		SupplyCap:        10,
		Owner:            testCreator,
		MintingAuthority: &authority,
		Controllers:      []address.Address{testMarket},
	}
}

func TestAllocateReservesCapacity(t *testing.T) {
	testlog.Start(t)

	h := newTestHost(t, Config{Capacity: 100})
	addr, err := h.Allocate(context.Background(), AllocateRequest{Controllers: []address.Address{testMarket}, Budget: 60})
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if _, err := address.Parse(addr.String()); err != nil {
		t.Fatalf("allocated address is not valid: %v", err)
	}
	if got := h.Remaining(); got != 40 {
		t.Fatalf("remaining = %d, want 40", got)
	}
	_, err = h.Allocate(context.Background(), AllocateRequest{Controllers: []address.Address{testMarket}, Budget: 41})
	if !errors.Is(err, ErrInsufficientCapacity) {
		t.Fatalf("expected insufficient capacity, got %v", err)
	}
	if got := len(h.Instances()); got != 1 {
		t.Fatalf("instances = %d, want 1", got)
	}
}

func TestAllocateRejectsMissingControllers(t *testing.T) {
	testlog.Start(t)

	h := newTestHost(t, Config{Capacity: 100})
	if _, err := h.Allocate(context.Background(), AllocateRequest{Budget: 1}); !errors.Is(err, ErrInvalidAllocation) {
		t.Fatalf("expected invalid allocation, got %v", err)
	}
	if _, err := h.Allocate(context.Background(), AllocateRequest{Controllers: []address.Address{address.Anonymous}}); !errors.Is(err, ErrInvalidAllocation) {
		t.Fatalf("expected invalid allocation for anonymous controller, got %v", err)
	}
}

func TestInstallRequiresController(t *testing.T) {
	testlog.Start(t)

	ctx := context.Background()
	h := newTestHost(t, Config{})
	addr, err := h.Allocate(ctx, AllocateRequest{Controllers: []address.Address{testMarket}})
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if err := h.Install(ctx, testBuyer, addr, testInitArg()); !errors.Is(err, ErrNotController) {
		t.Fatalf("expected not controller, got %v", err)
	}
	if err := h.Install(ctx, testMarket, addr, testInitArg()); err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := h.Install(ctx, testMarket, addr, testInitArg()); !errors.Is(err, registry.ErrAlreadyInstalled) {
		t.Fatalf("expected already installed, got %v", err)
	}
	if err := h.Install(ctx, testMarket, "registry-missing", testInitArg()); !errors.Is(err, ErrUnknownInstance) {
		t.Fatalf("expected unknown instance, got %v", err)
	}
}

func TestReclaimReleasesBudget(t *testing.T) {
	testlog.Start(t)

	ctx := context.Background()
	h := newTestHost(t, Config{Capacity: 50})
	addr, err := h.Allocate(ctx, AllocateRequest{Controllers: []address.Address{testMarket}, Budget: 50})
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if err := h.Reclaim(ctx, testBuyer, addr); !errors.Is(err, ErrNotController) {
		t.Fatalf("expected not controller, got %v", err)
	}
	if err := h.Reclaim(ctx, testMarket, addr); err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if got := h.Remaining(); got != 50 {
		t.Fatalf("remaining = %d, want 50", got)
	}
	if _, err := h.Registry(addr); !errors.Is(err, ErrUnknownInstance) {
		t.Fatalf("expected unknown instance after reclaim, got %v", err)
	}
}

func TestRestoreReopensInstances(t *testing.T) {
	testlog.Start(t)

	ctx := context.Background()
	root := t.TempDir()
	first := New(Config{DataRoot: root, Capacity: 100})
	addr, err := first.Allocate(ctx, AllocateRequest{Controllers: []address.Address{testMarket}, Budget: 30})
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if err := first.Install(ctx, testMarket, addr, testInitArg()); err != nil {
		t.Fatalf("install: %v", err)
	}
	local := NewLocal(first)
	call := registry.Call{Caller: testMarket, Acting: testCreator}
	if _, err := local.Mint(ctx, addr, call, registry.MintArg{To: testCreator, TokenID: 1}); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	second := newTestHost(t, Config{DataRoot: root, Capacity: 100})
	n, err := second.Restore(ctx)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if n != 1 {
		t.Fatalf("restored = %d, want 1", n)
	}
	if got := second.Remaining(); got != 70 {
		t.Fatalf("remaining = %d, want 70", got)
	}
	supply, err := NewLocal(second).TotalSupply(ctx, addr)
	if err != nil {
		t.Fatalf("total supply: %v", err)
	}
	if supply != 1 {
		t.Fatalf("supply = %d, want 1", supply)
	}
	if err := second.Install(ctx, testMarket, addr, testInitArg()); !errors.Is(err, registry.ErrAlreadyInstalled) {
		t.Fatalf("expected restored instance to stay installed, got %v", err)
	}
}
