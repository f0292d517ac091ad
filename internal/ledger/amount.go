package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

var (
	ErrAmountOverflow = errors.New("ledger: amount overflow")
	ErrAmountInvalid  = errors.New("ledger: invalid amount")
)

// Amount is a non-negative token quantity in the ledger's smallest unit. It marshals to JSON
// as a decimal string.
type Amount struct {
	v uint256.Int
}

func NewAmount(n uint64) Amount {
	var a Amount
	a.v.SetUint64(n)
	return a
}

// ParseAmount reads a base-10 amount.
func ParseAmount(raw string) (Amount, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Amount{}, fmt.Errorf("%w: empty", ErrAmountInvalid)
	}
	v, err := uint256.FromDecimal(raw)
	if err != nil {
		return Amount{}, fmt.Errorf("%w: %q: %v", ErrAmountInvalid, raw, err)
	}
	return Amount{v: *v}, nil
}

func MustAmount(raw string) Amount {
	a, err := ParseAmount(raw)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Amount) String() string {
	return a.v.Dec()
}

func (a Amount) IsZero() bool {
	return a.v.IsZero()
}

func (a Amount) Cmp(b Amount) int {
	return a.v.Cmp(&b.v)
}

func (a Amount) Less(b Amount) bool {
	return a.v.Lt(&b.v)
}

func (a Amount) Equal(b Amount) bool {
	return a.v.Eq(&b.v)
}

func (a Amount) Add(b Amount) (Amount, error) {
	var out Amount
	if _, overflow := out.v.AddOverflow(&a.v, &b.v); overflow {
		return Amount{}, ErrAmountOverflow
	}
	return out, nil
}

// Sub returns a-b, or an error when b exceeds a.
func (a Amount) Sub(b Amount) (Amount, error) {
	if a.v.Lt(&b.v) {
		return Amount{}, fmt.Errorf("%w: %s - %s", ErrAmountOverflow, a, b)
	}
	var out Amount
	out.v.Sub(&a.v, &b.v)
	return out, nil
}

// Percent returns a*pct/100, truncated.
func (a Amount) Percent(pct uint64) (Amount, error) {
	var out Amount
	if _, overflow := out.v.MulOverflow(&a.v, uint256.NewInt(pct)); overflow {
		return Amount{}, ErrAmountOverflow
	}
	out.v.Div(&out.v, uint256.NewInt(100))
	return out, nil
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		var n json.Number
		if err2 := json.Unmarshal(data, &n); err2 != nil {
			return fmt.Errorf("%w: %s", ErrAmountInvalid, data)
		}
		raw = n.String()
	}
	parsed, err := ParseAmount(raw)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

func (a Amount) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Amount) UnmarshalText(text []byte) error {
	parsed, err := ParseAmount(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
