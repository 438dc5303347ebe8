// Package token issues the session tokens returned on a successful
// login. Verification of presented tokens is the resource side's job,
// not this server's.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Issuer mints a session token for a verified identity.
type Issuer interface {
	Issue(identityID, username, role string) (string, error)
}

// Config parameterizes the JWT issuer.
type Config struct {
	Secret string        `yaml:"secret"`
	TTL    time.Duration `yaml:"ttl"`
	Issuer string        `yaml:"issuer"`
}

// Claims carried by issued tokens.
type Claims struct {
	Username string `json:"username"`
	Role     string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// JWTIssuer signs HS256 tokens.
type JWTIssuer struct {
	secret []byte
	ttl    time.Duration
	issuer string
	now    func() time.Time
}

// NewJWTIssuer validates the secret up front. A weak signing key is a
// deployment mistake, caught at startup rather than on the first login.
func NewJWTIssuer(config Config) (*JWTIssuer, error) {
	if len(config.Secret) < 32 {
		return nil, errors.New("token secret must be at least 32 bytes")
	}
	if config.TTL <= 0 {
		config.TTL = 15 * time.Minute
	}
	if config.Issuer == "" {
		config.Issuer = "torii"
	}
	return &JWTIssuer{
		secret: []byte(config.Secret),
		ttl:    config.TTL,
		issuer: config.Issuer,
		now:    time.Now,
	}, nil
}

// Issue mints a token for the identity.
func (i *JWTIssuer) Issue(identityID, username, role string) (string, error) {
	now := i.now()
	claims := Claims{
		Username: username,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   identityID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			NotBefore: jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
