package host

import (
	"encoding/json"
	"errors"

	"github.com/danmuck/edgemart/internal/address"
	"github.com/danmuck/edgemart/internal/auth"
	"github.com/danmuck/edgemart/internal/registry"
)

// Control actions.
const (
	ActionAllocate           = "allocate"
	ActionInstall            = "install"
	ActionReclaim            = "reclaim"
	ActionInfo               = "info"
	ActionMint               = "mint"
	ActionTransfer           = "transfer"
	ActionBurn               = "burn"
	ActionOwnerOf            = "owner_of"
	ActionBalanceOf          = "balance_of"
	ActionTokens             = "tokens"
	ActionTokensOf           = "tokens_of"
	ActionTokenMetadata      = "token_metadata"
	ActionTotalSupply        = "total_supply"
	ActionSupportedStandards = "supported_standards"
	ActionTxLogs             = "tx_logs"
)

// controlRequest is one action envelope; one JSON object per line.
type controlRequest struct {
	Action   string                 `json:"action"`
	Token    string                 `json:"token"`
	Registry address.Address        `json:"registry,omitempty"`
	Acting   address.Address        `json:"acting,omitempty"`
	Allocate *AllocateRequest       `json:"allocate,omitempty"`
	Install  *registry.InitArg      `json:"install,omitempty"`
	Mint     *registry.MintArg      `json:"mint,omitempty"`
	Transfer []registry.TransferArg `json:"transfer,omitempty"`
	Burn     []registry.BurnArg     `json:"burn,omitempty"`
	IDs      []registry.TokenID     `json:"ids,omitempty"`
	Owners   []address.Address      `json:"owners,omitempty"`
	Owner    address.Address        `json:"owner,omitempty"`
	Prev     *registry.TokenID      `json:"prev,omitempty"`
	Take     int                    `json:"take,omitempty"`
	Page     int                    `json:"page,omitempty"`
}

type controlResponse struct {
	OK    bool                `json:"ok"`
	Error *registry.WireError `json:"error,omitempty"`
	Data  any                 `json:"data,omitempty"`
}

type clientResponse struct {
	OK    bool                `json:"ok"`
	Error *registry.WireError `json:"error,omitempty"`
	Data  json.RawMessage     `json:"data,omitempty"`
}

type wireResult struct {
	Index uint64              `json:"index,omitempty"`
	Error *registry.WireError `json:"error,omitempty"`
}

func encodeResults(results []registry.TransferResult) []wireResult {
	out := make([]wireResult, len(results))
	for i, r := range results {
		out[i] = wireResult{Index: r.Index, Error: encodeError(r.Err)}
	}
	return out
}

func decodeResults(in []wireResult) []registry.TransferResult {
	out := make([]registry.TransferResult, len(in))
	for i, r := range in {
		out[i] = registry.TransferResult{Index: r.Index, Err: r.Error.Err()}
	}
	return out
}

var hostSentinels = map[string]error{
	"insufficient_capacity": ErrInsufficientCapacity,
	"unknown_instance":      ErrUnknownInstance,
	"not_controller":        ErrNotController,
	"invalid_allocation":    ErrInvalidAllocation,
	"unauthenticated":       auth.ErrUnauthorized,
}

func encodeError(err error) *registry.WireError {
	if err == nil {
		return nil
	}
	for code, sentinel := range hostSentinels {
		if errors.Is(err, sentinel) {
			return &registry.WireError{Code: code, Message: err.Error()}
		}
	}
	return registry.EncodeError(err)
}

func decodeError(w *registry.WireError) error {
	if w == nil {
		return nil
	}
	if sentinel, ok := hostSentinels[w.Code]; ok {
		return &remoteError{sentinel: sentinel, message: w.Message}
	}
	return w.Err()
}

// remoteError keeps the server's message while matching the local sentinel.
type remoteError struct {
	sentinel error
	message  string
}

func (e *remoteError) Error() string {
	if e.message == "" {
		return e.sentinel.Error()
	}
	return e.message
}

func (e *remoteError) Unwrap() error { return e.sentinel }
