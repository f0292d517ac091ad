// Package ledger is the payment ledger boundary and an in-memory ledger implementing it.
//
// The ledger follows an allowance model: a spender can move funds out of an account only up to
// what the account approved for it. Transfers that carry CreatedAt are deduplicated, which is
// what lets callers retry a payment with the same memo safely.
package ledger

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/edgemart/internal/address"
	"github.com/rs/zerolog/log"
)

var (
	ErrInsufficientFunds     = errors.New("ledger: insufficient funds")
	ErrInsufficientAllowance = errors.New("ledger: insufficient allowance")
	ErrDuplicate             = errors.New("ledger: duplicate transfer")
	ErrBadFee                = errors.New("ledger: bad fee")
	ErrInvalidAccount        = errors.New("ledger: invalid account")
)

type BlockIndex uint64

// DuplicateError carries the block of the transfer that already succeeded.
type DuplicateError struct {
	Of BlockIndex
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("%v (of=%d)", ErrDuplicate, e.Of)
}

func (e *DuplicateError) Is(target error) bool { return target == ErrDuplicate }

type TransferFromArg struct {
	From      address.Address
	To        address.Address
	Amount    Amount
	Spender   address.Address
	Memo      []byte
	CreatedAt *time.Time
}

// Ledger is the payment service used by the marketplace.
type Ledger interface {
	BalanceOf(ctx context.Context, account address.Address) (Amount, error)
	Fee(ctx context.Context) (Amount, error)
	TransferFrom(ctx context.Context, arg TransferFromArg) (BlockIndex, error)
}

type allowanceKey struct {
	owner   address.Address
	spender address.Address
}

type Block struct {
	Index     BlockIndex
	From      address.Address
	To        address.Address
	Spender   address.Address
	Amount    Amount
	Fee       Amount
	Memo      []byte
	Timestamp time.Time
}

// Memory is a single-process ledger for development and tests.
type Memory struct {
	mu         sync.Mutex
	fee        Amount
	now        func() time.Time
	balances   map[address.Address]Amount
	allowances map[allowanceKey]Amount
	dedup      map[[sha256.Size]byte]BlockIndex
	blocks     []Block
}

func NewMemory(fee Amount) *Memory {
	return &Memory{
		fee:        fee,
		now:        time.Now,
		balances:   make(map[address.Address]Amount),
		allowances: make(map[allowanceKey]Amount),
		dedup:      make(map[[sha256.Size]byte]BlockIndex),
	}
}

// Credit adds funds to an account, as a mint would.
func (m *Memory) Credit(account address.Address, amount Amount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	next, err := m.balances[account].Add(amount)
	if err != nil {
		return err
	}
	m.balances[account] = next
	return nil
}

// Approve sets the amount spender may move out of owner's account.
func (m *Memory) Approve(owner, spender address.Address, amount Amount) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allowances[allowanceKey{owner: owner, spender: spender}] = amount
}

func (m *Memory) Allowance(owner, spender address.Address) Amount {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allowances[allowanceKey{owner: owner, spender: spender}]
}

func (m *Memory) BalanceOf(ctx context.Context, account address.Address) (Amount, error) {
	if err := ctx.Err(); err != nil {
		return Amount{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[account], nil
}

func (m *Memory) Fee(ctx context.Context) (Amount, error) {
	if err := ctx.Err(); err != nil {
		return Amount{}, err
	}
	return m.fee, nil
}

// TransferFrom moves Amount from From to To on behalf of Spender. The fee is charged to From
// and both amount and fee count against the allowance.
func (m *Memory) TransferFrom(ctx context.Context, arg TransferFromArg) (BlockIndex, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if arg.From.IsAnonymous() || arg.To.IsAnonymous() || arg.Spender.IsAnonymous() {
		return 0, ErrInvalidAccount
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var key [sha256.Size]byte
	if arg.CreatedAt != nil {
		key = transferKey(arg)
		if of, ok := m.dedup[key]; ok {
			return 0, &DuplicateError{Of: of}
		}
	}

	total, err := arg.Amount.Add(m.fee)
	if err != nil {
		return 0, err
	}
	balance := m.balances[arg.From]
	if balance.Less(total) {
		return 0, fmt.Errorf("%w: balance %s, need %s", ErrInsufficientFunds, balance, total)
	}
	ak := allowanceKey{owner: arg.From, spender: arg.Spender}
	allowance := m.allowances[ak]
	if arg.Spender != arg.From && allowance.Less(total) {
		return 0, fmt.Errorf("%w: allowance %s, need %s", ErrInsufficientAllowance, allowance, total)
	}

	fromNext, _ := balance.Sub(total)
	toNext, err := m.balances[arg.To].Add(arg.Amount)
	if err != nil {
		return 0, err
	}
	m.balances[arg.From] = fromNext
	m.balances[arg.To] = toNext
	if arg.Spender != arg.From {
		m.allowances[ak], _ = allowance.Sub(total)
	}

	index := BlockIndex(len(m.blocks))
	m.blocks = append(m.blocks, Block{
		Index:     index,
		From:      arg.From,
		To:        arg.To,
		Spender:   arg.Spender,
		Amount:    arg.Amount,
		Fee:       m.fee,
		Memo:      append([]byte(nil), arg.Memo...),
		Timestamp: m.now(),
	})
	if arg.CreatedAt != nil {
		m.dedup[key] = index
	}
	log.Debug().
		Uint64("block", uint64(index)).
		Str("from", arg.From.String()).
		Str("to", arg.To.String()).
		Str("amount", arg.Amount.String()).
		Msg("ledger.transfer_from")
	return index, nil
}

// Blocks returns a copy of the block log.
func (m *Memory) Blocks() []Block {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Block(nil), m.blocks...)
}

func transferKey(arg TransferFromArg) [sha256.Size]byte {
	h := sha256.New()
	for _, part := range []string{string(arg.From), string(arg.To), string(arg.Spender), arg.Amount.String()} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	h.Write(arg.Memo)
	h.Write([]byte{0})
	h.Write([]byte(arg.CreatedAt.UTC().Format(time.RFC3339Nano)))
	var out [sha256.Size]byte
	copy(out[:], h.Sum(nil))
	return out
}
