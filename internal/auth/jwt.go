package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/edgemart/internal/address"
	"github.com/golang-jwt/jwt/v5"
)

var ErrNoSecret = errors.New("auth: jwt secret required")

type callerClaims struct {
	jwt.RegisteredClaims
}

// JWT issues and verifies HS256 tokens whose subject is the caller address.
type JWT struct {
	secret []byte
	issuer string
	now    func() time.Time
}

func NewJWT(secret, issuer string) (*JWT, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, ErrNoSecret
	}
	return &JWT{secret: []byte(secret), issuer: strings.TrimSpace(issuer), now: time.Now}, nil
}

// Issue signs a token for subject valid for ttl.
func (j *JWT) Issue(subject address.Address, ttl time.Duration) (string, error) {
	if subject.IsAnonymous() {
		return "", fmt.Errorf("%w: anonymous subject", ErrUnauthorized)
	}
	now := j.now()
	claims := callerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    j.issuer,
			Subject:   subject.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secret)
}

func (j *JWT) Authenticate(token string) (address.Address, error) {
	var claims callerClaims
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(j.now),
		jwt.WithExpirationRequired(),
	}
	if j.issuer != "" {
		opts = append(opts, jwt.WithIssuer(j.issuer))
	}
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return j.secret, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	id, err := address.Parse(claims.Subject)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return id, nil
}
