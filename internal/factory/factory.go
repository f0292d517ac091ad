// Package factory provisions registry instances: allocate an instance with a fixed budget, then
// install its configuration. The two steps have no shared commit, so an install failure leaves an
// allocated instance behind; a Compensator decides what happens to it.
package factory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/edgemart/internal/address"
	"github.com/danmuck/edgemart/internal/failure"
	"github.com/danmuck/edgemart/internal/guard"
	"github.com/danmuck/edgemart/internal/host"
	"github.com/danmuck/edgemart/internal/kvstore"
	"github.com/danmuck/edgemart/internal/observability"
	"github.com/danmuck/edgemart/internal/registry"
	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v4"
)

var (
	ErrResourceAllocation = errors.New("factory: resource allocation failed")
	ErrInstall            = errors.New("factory: install failed")
)

// DefaultBudget is the cycle budget given to each new registry.
const DefaultBudget uint64 = 1_000_000_000_000

const (
	prefixOwner  = "FACTORY:OWNER:"
	prefixOrphan = "FACTORY:ORPHAN:"
)

// Allocator is the host side of provisioning. *host.Host and *host.Client satisfy it.
type Allocator interface {
	Allocate(ctx context.Context, req host.AllocateRequest) (address.Address, error)
	Install(ctx context.Context, caller, addr address.Address, arg registry.InitArg) error
	Reclaim(ctx context.Context, caller, addr address.Address) error
}

// Record is one provisioned registry in the owner index.
type Record struct {
	Registry  address.Address `json:"registry" msgpack:"registry"`
	Owner     address.Address `json:"owner" msgpack:"owner"`
	Symbol    string          `json:"symbol" msgpack:"symbol"`
	CreatedAt time.Time       `json:"created_at" msgpack:"created_at"`
}

// Orphan is an allocated instance whose install failed and which was not reclaimed.
type Orphan struct {
	Registry address.Address `json:"registry" msgpack:"registry"`
	Owner    address.Address `json:"owner" msgpack:"owner"`
	Cause    string          `json:"cause" msgpack:"cause"`
	At       time.Time       `json:"at" msgpack:"at"`
}

type Config struct {
	// Self is the identity the factory allocates and installs as.
	Self        address.Address
	Budget      uint64
	Compensator Compensator
	Clock       func() time.Time
}

type Factory struct {
	alloc Allocator
	store *kvstore.Store
	cfg   Config
}

func New(alloc Allocator, store *kvstore.Store, cfg Config) (*Factory, error) {
	if alloc == nil || store == nil {
		return nil, errors.New("factory: allocator and store required")
	}
	if cfg.Self.IsAnonymous() {
		return nil, errors.New("factory: self identity required")
	}
	if cfg.Budget == 0 {
		cfg.Budget = DefaultBudget
	}
	if cfg.Compensator == nil {
		cfg.Compensator = LeakRecorder{}
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Factory{alloc: alloc, store: store, cfg: cfg}, nil
}

// Provision allocates and installs a registry for arg.Owner. An empty owner defaults to caller.
func (f *Factory) Provision(ctx context.Context, caller address.Address, arg registry.InitArg) (address.Address, error) {
	const op = "factory.provision"
	if err := guard.Check(guard.RoleAuthenticated, caller, guard.Subject{}); err != nil {
		return "", failure.Unauthorized(op, err)
	}
	if arg.Owner == "" {
		arg.Owner = caller
	}
	if !address.Contains(arg.Controllers, f.cfg.Self) {
		arg.Controllers = append(append([]address.Address(nil), arg.Controllers...), f.cfg.Self)
	}
	arg = arg.WithDefaults()
	if err := arg.Validate(); err != nil {
		return "", failure.Validation(op, err)
	}

	addr, err := f.alloc.Allocate(ctx, host.AllocateRequest{
		Controllers: []address.Address{f.cfg.Self},
		Budget:      f.cfg.Budget,
	})
	if err != nil {
		observability.RecordProvision("allocate_failed")
		log.Warn().Err(err).Str("owner", arg.Owner.String()).Msg("factory.provision allocate failed")
		return "", failure.New(failure.KindResourceAllocation, op, fmt.Errorf("%w: %w", ErrResourceAllocation, err))
	}

	if err := f.alloc.Install(ctx, f.cfg.Self, addr, arg); err != nil {
		observability.RecordProvision("install_failed")
		log.Error().Err(err).Str("registry", addr.String()).Str("owner", arg.Owner.String()).Msg("factory.provision install failed")
		f.compensate(ctx, addr, arg.Owner, err)
		return "", failure.Remote(op, fmt.Errorf("%w: %s: %w", ErrInstall, addr, err))
	}

	rec := Record{Registry: addr, Owner: arg.Owner, Symbol: arg.Symbol, CreatedAt: f.cfg.Clock()}
	if err := f.putRecord(ctx, ownerKey(rec.Owner, addr), &rec); err != nil {
		// The registry is live; only the index entry is missing.
		log.Error().Err(err).Str("registry", addr.String()).Msg("factory.provision index write failed")
		return addr, failure.Internal(op, err)
	}
	observability.RecordProvision("ok")
	log.Info().Str("registry", addr.String()).Str("owner", arg.Owner.String()).Msg("factory.provision")
	return addr, nil
}

func (f *Factory) compensate(ctx context.Context, addr, owner address.Address, cause error) {
	reclaimed, err := f.cfg.Compensator.Compensate(ctx, f.alloc, f.cfg.Self, addr)
	if err != nil {
		log.Error().Err(err).Str("registry", addr.String()).Msg("factory.compensate failed")
	}
	if reclaimed {
		log.Info().Str("registry", addr.String()).Msg("factory.compensate reclaimed")
		return
	}
	orphan := Orphan{Registry: addr, Owner: owner, Cause: cause.Error(), At: f.cfg.Clock()}
	if err := f.putRecord(ctx, []byte(prefixOrphan+addr.String()), &orphan); err != nil {
		log.Error().Err(err).Str("registry", addr.String()).Msg("factory.compensate record orphan failed")
		return
	}
	log.Warn().Str("registry", addr.String()).Msg("factory.compensate orphan recorded")
}

// ListByOwner returns the registries provisioned for owner, ordered by address.
func (f *Factory) ListByOwner(ctx context.Context, owner address.Address) ([]Record, error) {
	out := make([]Record, 0)
	err := f.store.View(ctx, func(txn *kvstore.Txn) error {
		return txn.Scan(ownerPrefix(owner), nil, func(_, val []byte) (bool, error) {
			var rec Record
			if err := msgpack.Unmarshal(val, &rec); err != nil {
				return false, err
			}
			out = append(out, rec)
			return true, nil
		})
	})
	return out, err
}

// Orphans lists instances left allocated after a failed install.
func (f *Factory) Orphans(ctx context.Context) ([]Orphan, error) {
	out := make([]Orphan, 0)
	err := f.store.View(ctx, func(txn *kvstore.Txn) error {
		return txn.Scan([]byte(prefixOrphan), nil, func(_, val []byte) (bool, error) {
			var orphan Orphan
			if err := msgpack.Unmarshal(val, &orphan); err != nil {
				return false, err
			}
			out = append(out, orphan)
			return true, nil
		})
	})
	return out, err
}

func (f *Factory) putRecord(ctx context.Context, key []byte, v any) error {
	raw, err := msgpack.Marshal(v)
	if err != nil {
		return err
	}
	return f.store.Update(ctx, func(txn *kvstore.Txn) error {
		return txn.Set(key, raw)
	})
}

func ownerPrefix(owner address.Address) []byte {
	return []byte(prefixOwner + owner.String() + "/")
}

func ownerKey(owner, addr address.Address) []byte {
	return append(ownerPrefix(owner), addr.String()...)
}
