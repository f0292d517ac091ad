package factory

import (
	"context"

	"github.com/danmuck/edgemart/internal/address"
)

// Compensator handles an instance that was allocated but failed to install. It reports whether
// the instance was reclaimed; unreclaimed instances are recorded as orphans.
type Compensator interface {
	Compensate(ctx context.Context, alloc Allocator, self, addr address.Address) (bool, error)
}

// LeakRecorder leaves the instance allocated. This is the default.
type LeakRecorder struct{}

func (LeakRecorder) Compensate(context.Context, Allocator, address.Address, address.Address) (bool, error) {
	return false, nil
}

// Reclaimer returns the instance's budget to the host.
type Reclaimer struct{}

func (Reclaimer) Compensate(ctx context.Context, alloc Allocator, self, addr address.Address) (bool, error) {
	if err := alloc.Reclaim(ctx, self, addr); err != nil {
		return false, err
	}
	return true, nil
}

// CompensatorByName maps a config value to a Compensator.
func CompensatorByName(name string) (Compensator, bool) {
	switch name {
	case "", "leak":
		return LeakRecorder{}, true
	case "reclaim":
		return Reclaimer{}, true
	default:
		return nil, false
	}
}
