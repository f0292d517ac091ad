// Package auth resolves bearer tokens into caller identities.
//
// It avoids policy decisions: role checks live in guard, and the operations decide what an
// identity may do.
package auth

import (
	"crypto/subtle"
	"errors"
	"strings"

	"github.com/danmuck/edgemart/internal/address"
)

var ErrUnauthorized = errors.New("auth: unauthorized")

// Authenticator maps a bearer token to the identity it proves.
type Authenticator interface {
	Authenticate(token string) (address.Address, error)
}

// StaticTokens maps fixed tokens to identities.
// It is intended only for development and proofs of concept.
type StaticTokens map[string]address.Address

func (s StaticTokens) Authenticate(token string) (address.Address, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrUnauthorized
	}
	for candidate, id := range s {
		if candidate == "" {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
			return id, nil
		}
	}
	return "", ErrUnauthorized
}

// FuncAuthenticator adapts a function into an Authenticator.
type FuncAuthenticator func(token string) (address.Address, error)

func (f FuncAuthenticator) Authenticate(token string) (address.Address, error) {
	return f(token)
}

// Chain tries each authenticator in order and returns the first identity.
type Chain []Authenticator

func (c Chain) Authenticate(token string) (address.Address, error) {
	for _, a := range c {
		if a == nil {
			continue
		}
		if id, err := a.Authenticate(token); err == nil {
			return id, nil
		}
	}
	return "", ErrUnauthorized
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}
