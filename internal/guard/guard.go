// Package guard holds the per-operation authorization pre-check.
package guard

import (
	"errors"
	"fmt"

	"github.com/danmuck/edgemart/internal/address"
)

var (
	ErrAnonymousCaller = errors.New("guard: anonymous caller")
	ErrUnauthorized    = errors.New("guard: unauthorized")
)

// Role is the identity an operation requires of its caller.
type Role int

const (
	RoleNone Role = iota
	RoleAuthenticated
	RoleOwner
	RoleMintingAuthority
)

func (r Role) String() string {
	switch r {
	case RoleNone:
		return "none"
	case RoleAuthenticated:
		return "authenticated"
	case RoleOwner:
		return "owner"
	case RoleMintingAuthority:
		return "minting_authority"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// Subject describes the identities an instance recognizes for owner and minting checks.
type Subject struct {
	Owner            address.Address
	MintingAuthority *address.Address
	Controllers      []address.Address
}

// Check runs before an operation body. Controllers pass the minting check; the operation body
// then verifies the identity they act for.
func Check(role Role, caller address.Address, subject Subject) error {
	if role == RoleNone {
		return nil
	}
	if caller.IsAnonymous() {
		return ErrAnonymousCaller
	}
	switch role {
	case RoleAuthenticated:
		return nil
	case RoleOwner:
		if caller == subject.Owner {
			return nil
		}
	case RoleMintingAuthority:
		if subject.MintingAuthority != nil && caller == *subject.MintingAuthority {
			return nil
		}
		if address.Contains(subject.Controllers, caller) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s required", ErrUnauthorized, role)
}
