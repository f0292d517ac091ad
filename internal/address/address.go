// Package address defines the opaque identity shared by callers and service instances.
package address

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalid = errors.New("address: invalid")

// Anonymous is the identity of an unauthenticated caller.
const Anonymous Address = "anonymous"

// Address identifies a caller or a service instance. Values compare with == and order with <.
type Address string

// Parse validates raw text and returns the address.
func Parse(raw string) (Address, error) {
	id := strings.TrimSpace(raw)
	if id == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalid)
	}
	if !isValidID(id) {
		return "", fmt.Errorf("%w: %q", ErrInvalid, raw)
	}
	return Address(id), nil
}

// MustParse is Parse for constants and tests.
func MustParse(raw string) Address {
	a, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return a
}

// IsAnonymous reports whether a carries no authenticated identity.
func (a Address) IsAnonymous() bool {
	return a == "" || a == Anonymous
}

func (a Address) String() string {
	return string(a)
}

// Less orders addresses for use as sorted map keys.
func (a Address) Less(b Address) bool {
	return a < b
}

// Contains reports whether list holds a.
func Contains(list []Address, a Address) bool {
	for _, v := range list {
		if v == a {
			return true
		}
	}
	return false
}

// lowercase alnum segments joined by single '.', '-' or '_' separators.
func isValidID(id string) bool {
	lastSep := false
	for i := 0; i < len(id); i++ {
		c := id[i]
		isLower := c >= 'a' && c <= 'z'
		isDigit := c >= '0' && c <= '9'
		isSep := c == '.' || c == '-' || c == '_'
		if !(isLower || isDigit || isSep) {
			return false
		}
		if (i == 0 || i == len(id)-1) && isSep {
			return false
		}
		if isSep && lastSep {
			return false
		}
		lastSep = isSep
	}
	return true
}
