// Package host runs registry instances. Each instance owns a private store and a fixed slice of
// the host's capacity; the host allocates, installs, restores and reclaims them.
package host

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/edgemart/internal/address"
	"github.com/danmuck/edgemart/internal/kvstore"
	"github.com/danmuck/edgemart/internal/registry"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v4"
)

var (
	ErrInsufficientCapacity = errors.New("host: insufficient capacity")
	ErrUnknownInstance      = errors.New("host: unknown instance")
	ErrNotController        = errors.New("host: caller is not a controller")
	ErrInvalidAllocation    = errors.New("host: invalid allocation request")
)

const (
	keyAllocation   = "HOST:ALLOCATION"
	instancePrefix  = "registry-"
	defaultCapacity = 100_000_000_000_000
)

// AllocateRequest asks for one registry instance controlled by Controllers.
type AllocateRequest struct {
	Controllers []address.Address `json:"controllers"`
	Budget      uint64            `json:"budget"`
}

type Config struct {
	// DataRoot holds one store directory per instance. Empty keeps instances in memory.
	DataRoot string
	// Capacity is the total budget, in cycles, shared by all instances.
	Capacity uint64
	Clock    func() time.Time
}

func DefaultConfig() Config {
	return Config{Capacity: defaultCapacity}
}

type allocation struct {
	Controllers []address.Address `msgpack:"controllers"`
	Budget      uint64            `msgpack:"budget"`
	CreatedAt   time.Time         `msgpack:"created_at"`
}

type instance struct {
	addr  address.Address
	alloc allocation
	dir   string
	store *kvstore.Store
	reg   *registry.Registry
}

type Host struct {
	mu        sync.Mutex
	cfg       Config
	used      uint64
	instances map[address.Address]*instance
}

func New(cfg Config) *Host {
	if cfg.Capacity == 0 {
		cfg.Capacity = defaultCapacity
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Host{
		cfg:       cfg,
		instances: make(map[address.Address]*instance),
	}
}

func (h *Host) ephemeral() bool {
	return strings.TrimSpace(h.cfg.DataRoot) == ""
}

// Allocate reserves budget and opens an empty instance. The instance serves nothing until a
// controller installs its configuration.
func (h *Host) Allocate(ctx context.Context, req AllocateRequest) (address.Address, error) {
	if len(req.Controllers) == 0 {
		return "", fmt.Errorf("%w: controllers required", ErrInvalidAllocation)
	}
	for _, c := range req.Controllers {
		if c.IsAnonymous() {
			return "", fmt.Errorf("%w: anonymous controller", ErrInvalidAllocation)
		}
	}

	h.mu.Lock()
	if h.cfg.Capacity-h.used < req.Budget {
		remaining := h.cfg.Capacity - h.used
		h.mu.Unlock()
		log.Warn().Uint64("budget", req.Budget).Uint64("remaining", remaining).Msg("host.allocate rejected")
		return "", fmt.Errorf("%w: need %d, have %d", ErrInsufficientCapacity, req.Budget, remaining)
	}
	h.used += req.Budget
	h.mu.Unlock()

	addr := address.Address(instancePrefix + uuid.NewString())
	alloc := allocation{
		Controllers: append([]address.Address(nil), req.Controllers...),
		Budget:      req.Budget,
		CreatedAt:   h.cfg.Clock(),
	}
	inst, err := h.openInstance(ctx, addr, alloc, true)
	if err != nil {
		h.release(req.Budget)
		return "", err
	}

	h.mu.Lock()
	h.instances[addr] = inst
	h.mu.Unlock()
	log.Info().Str("registry", addr.String()).Uint64("budget", req.Budget).Msg("host.allocate")
	return addr, nil
}

func (h *Host) release(budget uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if budget > h.used {
		h.used = 0
		return
	}
	h.used -= budget
}

func (h *Host) openInstance(ctx context.Context, addr address.Address, alloc allocation, fresh bool) (*instance, error) {
	opts := kvstore.Options{InMemory: h.ephemeral()}
	var dir string
	if !h.ephemeral() {
		dir = filepath.Join(h.cfg.DataRoot, addr.String())
		opts.Path = dir
	}
	store, err := kvstore.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("host: open store %s: %w", addr, err)
	}
	if fresh {
		raw, err := msgpack.Marshal(&alloc)
		if err == nil {
			err = store.Update(ctx, func(txn *kvstore.Txn) error {
				return txn.Set([]byte(keyAllocation), raw)
			})
		}
		if err != nil {
			_ = store.Close()
			return nil, err
		}
	}
	reg, err := registry.Open(ctx, addr, store, registry.WithClock(h.cfg.Clock))
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return &instance{addr: addr, alloc: alloc, dir: dir, store: store, reg: reg}, nil
}

func (h *Host) lookup(addr address.Address) (*instance, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	inst, ok := h.instances[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownInstance, addr)
	}
	return inst, nil
}

func (h *Host) controlled(caller, addr address.Address) (*instance, error) {
	inst, err := h.lookup(addr)
	if err != nil {
		return nil, err
	}
	if !address.Contains(inst.alloc.Controllers, caller) {
		return nil, fmt.Errorf("%w: %s on %s", ErrNotController, caller, addr)
	}
	return inst, nil
}

// Install writes the initial registry configuration. Only a controller may install, and only
// once per instance.
func (h *Host) Install(ctx context.Context, caller, addr address.Address, arg registry.InitArg) error {
	inst, err := h.controlled(caller, addr)
	if err != nil {
		return err
	}
	if err := inst.reg.Install(ctx, arg); err != nil {
		return err
	}
	log.Info().Str("registry", addr.String()).Str("caller", caller.String()).Msg("host.install")
	return nil
}

// Reclaim stops an instance, deletes its state and returns its budget.
func (h *Host) Reclaim(ctx context.Context, caller, addr address.Address) error {
	inst, err := h.controlled(caller, addr)
	if err != nil {
		return err
	}
	h.mu.Lock()
	delete(h.instances, addr)
	h.mu.Unlock()

	if err := inst.store.Close(); err != nil {
		log.Warn().Err(err).Str("registry", addr.String()).Msg("host.reclaim close")
	}
	if inst.dir != "" {
		if err := os.RemoveAll(inst.dir); err != nil {
			return fmt.Errorf("host: remove %s: %w", inst.dir, err)
		}
	}
	h.release(inst.alloc.Budget)
	log.Info().Str("registry", addr.String()).Uint64("budget", inst.alloc.Budget).Msg("host.reclaim")
	return ctx.Err()
}

// Registry returns the running instance at addr.
func (h *Host) Registry(addr address.Address) (*registry.Registry, error) {
	inst, err := h.lookup(addr)
	if err != nil {
		return nil, err
	}
	return inst.reg, nil
}

// Instances lists running instance addresses in order.
func (h *Host) Instances() []address.Address {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]address.Address, 0, len(h.instances))
	for addr := range h.instances {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Remaining reports unallocated capacity.
func (h *Host) Remaining() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cfg.Capacity - h.used
}

// Restore reopens every instance directory under the data root.
func (h *Host) Restore(ctx context.Context) (int, error) {
	if h.ephemeral() {
		return 0, nil
	}
	if err := os.MkdirAll(h.cfg.DataRoot, 0o755); err != nil {
		return 0, err
	}
	entries, err := os.ReadDir(h.cfg.DataRoot)
	if err != nil {
		return 0, err
	}
	restored := 0
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), instancePrefix) {
			continue
		}
		addr := address.Address(entry.Name())
		if _, err := h.lookup(addr); err == nil {
			continue
		}
		inst, err := h.restoreInstance(ctx, addr)
		if err != nil {
			log.Error().Err(err).Str("registry", addr.String()).Msg("host.restore failed")
			continue
		}
		h.mu.Lock()
		h.instances[addr] = inst
		h.used += inst.alloc.Budget
		h.mu.Unlock()
		restored++
	}
	log.Info().Int("restored", restored).Str("root", h.cfg.DataRoot).Msg("host.restore")
	return restored, nil
}

func (h *Host) restoreInstance(ctx context.Context, addr address.Address) (*instance, error) {
	inst, err := h.openInstance(ctx, addr, allocation{}, false)
	if err != nil {
		return nil, err
	}
	err = inst.store.View(ctx, func(txn *kvstore.Txn) error {
		raw, ok, err := txn.Get([]byte(keyAllocation))
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("host: %s has no allocation record", addr)
		}
		return msgpack.Unmarshal(raw, &inst.alloc)
	})
	if err != nil {
		_ = inst.store.Close()
		return nil, err
	}
	return inst, nil
}

// Close stops every instance.
func (h *Host) Close() error {
	h.mu.Lock()
	instances := make([]*instance, 0, len(h.instances))
	for _, inst := range h.instances {
		instances = append(instances, inst)
	}
	h.instances = make(map[address.Address]*instance)
	h.used = 0
	h.mu.Unlock()

	var errs []error
	for _, inst := range instances {
		if err := inst.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", inst.addr, err))
		}
	}
	return errors.Join(errs...)
}
