package registry

import (
	"strings"
	"time"

	"github.com/danmuck/edgemart/internal/address"
)

// TokenID is a positive token identifier, unique within one registry.
type TokenID uint64

const (
	DefaultMaxQueryBatchSize  = 100
	DefaultMaxUpdateBatchSize = 20
	DefaultDefaultTakeValue   = 10
	DefaultMaxTakeValue       = 100
	DefaultMaxMemoSize        = 32
	DefaultTxWindow           = 24 * time.Hour
	DefaultPermittedDrift     = 2 * time.Minute
)

// InitArg is the configuration installed into a freshly allocated registry.
type InitArg struct {
	Symbol               string            `json:"symbol" msgpack:"symbol"`
	Name                 string            `json:"name" msgpack:"name"`
	Description          string            `json:"description,omitempty" msgpack:"description"`
	Logo                 string            `json:"logo,omitempty" msgpack:"logo"`
	SupplyCap            uint64            `json:"supply_cap" msgpack:"supply_cap"`
	MaxQueryBatchSize    int               `json:"max_query_batch_size,omitempty" msgpack:"max_query_batch_size"`
	MaxUpdateBatchSize   int               `json:"max_update_batch_size,omitempty" msgpack:"max_update_batch_size"`
	DefaultTakeValue     int               `json:"default_take_value,omitempty" msgpack:"default_take_value"`
	MaxTakeValue         int               `json:"max_take_value,omitempty" msgpack:"max_take_value"`
	MaxMemoSize          int               `json:"max_memo_size,omitempty" msgpack:"max_memo_size"`
	AtomicBatchTransfers bool              `json:"atomic_batch_transfers,omitempty" msgpack:"atomic_batch_transfers"`
	TxWindow             time.Duration     `json:"tx_window,omitempty" msgpack:"tx_window"`
	PermittedDrift       time.Duration     `json:"permitted_drift,omitempty" msgpack:"permitted_drift"`
	Owner                address.Address   `json:"owner" msgpack:"owner"`
	MintingAuthority     *address.Address  `json:"minting_authority,omitempty" msgpack:"minting_authority"`
	Controllers          []address.Address `json:"controllers,omitempty" msgpack:"controllers"`
}

// WithDefaults fills unset limits.
func (a InitArg) WithDefaults() InitArg {
	if a.MaxQueryBatchSize <= 0 {
		a.MaxQueryBatchSize = DefaultMaxQueryBatchSize
	}
	if a.MaxUpdateBatchSize <= 0 {
		a.MaxUpdateBatchSize = DefaultMaxUpdateBatchSize
	}
	if a.DefaultTakeValue <= 0 {
		a.DefaultTakeValue = DefaultDefaultTakeValue
	}
	if a.MaxTakeValue <= 0 {
		a.MaxTakeValue = DefaultMaxTakeValue
	}
	if a.DefaultTakeValue > a.MaxTakeValue {
		a.DefaultTakeValue = a.MaxTakeValue
	}
	if a.MaxMemoSize <= 0 {
		a.MaxMemoSize = DefaultMaxMemoSize
	}
	if a.TxWindow <= 0 {
		a.TxWindow = DefaultTxWindow
	}
	if a.PermittedDrift <= 0 {
		a.PermittedDrift = DefaultPermittedDrift
	}
	return a
}

// Validate checks the fields a registry cannot run without.
func (a InitArg) Validate() error {
	if strings.TrimSpace(a.Symbol) == "" {
		return genericf(CodeInvalidConfig, "symbol is required")
	}
	if strings.TrimSpace(a.Name) == "" {
		return genericf(CodeInvalidConfig, "name is required")
	}
	if a.Owner.IsAnonymous() {
		return genericf(CodeInvalidConfig, "owner is required")
	}
	return nil
}

// TokenMetadata is the per-token descriptive payload.
type TokenMetadata struct {
	Name        string `json:"name" msgpack:"name"`
	Description string `json:"description,omitempty" msgpack:"description"`
	Logo        string `json:"logo,omitempty" msgpack:"logo"`
	Privilege   uint8  `json:"privilege_code" msgpack:"privilege"`
}

type TxKind string

const (
	TxMint     TxKind = "mint"
	TxTransfer TxKind = "transfer"
	TxBurn     TxKind = "burn"
)

// Transaction is one entry of the append-only log.
type Transaction struct {
	Index     uint64          `json:"index" msgpack:"index"`
	Kind      TxKind          `json:"kind" msgpack:"kind"`
	TokenID   TokenID         `json:"token_id" msgpack:"token_id"`
	From      address.Address `json:"from,omitempty" msgpack:"from"`
	To        address.Address `json:"to,omitempty" msgpack:"to"`
	Timestamp time.Time       `json:"timestamp" msgpack:"timestamp"`
	Memo      []byte          `json:"memo,omitempty" msgpack:"memo"`
}

// Call carries the transport identity and the identity the operation acts for. An empty Acting
// means the caller acts for itself; a different Acting requires the caller to be a controller.
type Call struct {
	Caller address.Address `json:"caller"`
	Acting address.Address `json:"acting,omitempty"`
}

// Direct is a Call where the caller acts for itself.
func Direct(caller address.Address) Call {
	return Call{Caller: caller}
}

type MintArg struct {
	To       address.Address `json:"to"`
	TokenID  TokenID         `json:"token_id"`
	Metadata TokenMetadata   `json:"metadata"`
	Memo     []byte          `json:"memo,omitempty"`
}

type TransferArg struct {
	To        address.Address `json:"to"`
	TokenID   TokenID         `json:"token_id"`
	Memo      []byte          `json:"memo,omitempty"`
	CreatedAt *time.Time      `json:"created_at_time,omitempty"`
}

// TransferResult holds either the log index of the applied transfer or its error.
type TransferResult struct {
	Index uint64
	Err   error
}

type BurnArg struct {
	TokenID   TokenID    `json:"token_id"`
	Memo      []byte     `json:"memo,omitempty"`
	CreatedAt *time.Time `json:"created_at_time,omitempty"`
}

type BurnResult = TransferResult

// Standard names a supported token standard.
type Standard struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

var supportedStandards = []Standard{
	{Name: "ICRC-7", URL: "https://github.com/dfinity/ICRC/tree/main/ICRCs/ICRC-7"},
	{Name: "ICRC-10", URL: "https://github.com/dfinity/ICRC/tree/main/ICRCs/ICRC-10"},
	{Name: "ICRC-37", URL: "https://github.com/dfinity/ICRC/tree/main/ICRCs/ICRC-37"},
	{Name: "ICRC-3", URL: "https://github.com/dfinity/ICRC/tree/main/ICRCs/ICRC-3"},
}

// Info is the static description of an installed registry.
type Info struct {
	Address              address.Address  `json:"address"`
	Symbol               string           `json:"symbol"`
	Name                 string           `json:"name"`
	Description          string           `json:"description,omitempty"`
	Logo                 string           `json:"logo,omitempty"`
	Owner                address.Address  `json:"owner"`
	MintingAuthority     *address.Address `json:"minting_authority,omitempty"`
	SupplyCap            uint64           `json:"supply_cap"`
	TotalSupply          uint64           `json:"total_supply"`
	MaxQueryBatchSize    int              `json:"max_query_batch_size"`
	MaxUpdateBatchSize   int              `json:"max_update_batch_size"`
	DefaultTakeValue     int              `json:"default_take_value"`
	MaxTakeValue         int              `json:"max_take_value"`
	MaxMemoSize          int              `json:"max_memo_size"`
	AtomicBatchTransfers bool             `json:"atomic_batch_transfers"`
}
