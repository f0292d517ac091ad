package host

import (
	"context"

	"github.com/danmuck/edgemart/internal/address"
	"github.com/danmuck/edgemart/internal/registry"
)

// Registries reaches registry instances by address. Local and Client implement it.
type Registries interface {
	Info(ctx context.Context, addr address.Address) (registry.Info, error)
	Mint(ctx context.Context, addr address.Address, call registry.Call, arg registry.MintArg) (registry.TokenID, error)
	Transfer(ctx context.Context, addr address.Address, call registry.Call, args []registry.TransferArg) ([]registry.TransferResult, error)
	Burn(ctx context.Context, addr address.Address, call registry.Call, args []registry.BurnArg) ([]registry.BurnResult, error)
	OwnerOf(ctx context.Context, addr address.Address, ids []registry.TokenID) ([]*address.Address, error)
	BalanceOf(ctx context.Context, addr address.Address, owners []address.Address) ([]uint64, error)
	Tokens(ctx context.Context, addr address.Address, prev *registry.TokenID, take int) ([]registry.TokenID, error)
	TokensOf(ctx context.Context, addr address.Address, owner address.Address, prev *registry.TokenID, take int) ([]registry.TokenID, error)
	TokenMetadata(ctx context.Context, addr address.Address, ids []registry.TokenID) ([]*registry.TokenMetadata, error)
	TotalSupply(ctx context.Context, addr address.Address) (uint64, error)
	SupportedStandards(ctx context.Context, addr address.Address) ([]registry.Standard, error)
	TxLogs(ctx context.Context, addr address.Address, pageNumber, pageSize int) ([]registry.Transaction, error)
}

// Local serves Registries from instances running in this process.
type Local struct {
	host *Host
}

func NewLocal(h *Host) *Local {
	return &Local{host: h}
}

func (l *Local) Info(_ context.Context, addr address.Address) (registry.Info, error) {
	reg, err := l.host.Registry(addr)
	if err != nil {
		return registry.Info{}, err
	}
	return reg.Info()
}

func (l *Local) Mint(ctx context.Context, addr address.Address, call registry.Call, arg registry.MintArg) (registry.TokenID, error) {
	reg, err := l.host.Registry(addr)
	if err != nil {
		return 0, err
	}
	return reg.Mint(ctx, call, arg)
}

func (l *Local) Transfer(ctx context.Context, addr address.Address, call registry.Call, args []registry.TransferArg) ([]registry.TransferResult, error) {
	reg, err := l.host.Registry(addr)
	if err != nil {
		return nil, err
	}
	return reg.Transfer(ctx, call, args)
}

func (l *Local) Burn(ctx context.Context, addr address.Address, call registry.Call, args []registry.BurnArg) ([]registry.BurnResult, error) {
	reg, err := l.host.Registry(addr)
	if err != nil {
		return nil, err
	}
	return reg.Burn(ctx, call, args)
}

func (l *Local) OwnerOf(ctx context.Context, addr address.Address, ids []registry.TokenID) ([]*address.Address, error) {
	reg, err := l.host.Registry(addr)
	if err != nil {
		return nil, err
	}
	return reg.OwnerOf(ctx, ids)
}

func (l *Local) BalanceOf(ctx context.Context, addr address.Address, owners []address.Address) ([]uint64, error) {
	reg, err := l.host.Registry(addr)
	if err != nil {
		return nil, err
	}
	return reg.BalanceOf(ctx, owners)
}

func (l *Local) Tokens(ctx context.Context, addr address.Address, prev *registry.TokenID, take int) ([]registry.TokenID, error) {
	reg, err := l.host.Registry(addr)
	if err != nil {
		return nil, err
	}
	return reg.Tokens(ctx, prev, take)
}

func (l *Local) TokensOf(ctx context.Context, addr address.Address, owner address.Address, prev *registry.TokenID, take int) ([]registry.TokenID, error) {
	reg, err := l.host.Registry(addr)
	if err != nil {
		return nil, err
	}
	return reg.TokensOf(ctx, owner, prev, take)
}

func (l *Local) TokenMetadata(ctx context.Context, addr address.Address, ids []registry.TokenID) ([]*registry.TokenMetadata, error) {
	reg, err := l.host.Registry(addr)
	if err != nil {
		return nil, err
	}
	return reg.TokenMetadata(ctx, ids)
}

func (l *Local) TotalSupply(_ context.Context, addr address.Address) (uint64, error) {
	reg, err := l.host.Registry(addr)
	if err != nil {
		return 0, err
	}
	return reg.TotalSupply(), nil
}

func (l *Local) SupportedStandards(_ context.Context, addr address.Address) ([]registry.Standard, error) {
	reg, err := l.host.Registry(addr)
	if err != nil {
		return nil, err
	}
	return reg.SupportedStandards(), nil
}

func (l *Local) TxLogs(ctx context.Context, addr address.Address, pageNumber, pageSize int) ([]registry.Transaction, error) {
	reg, err := l.host.Registry(addr)
	if err != nil {
		return nil, err
	}
	return reg.TxLogs(ctx, pageNumber, pageSize)
}
