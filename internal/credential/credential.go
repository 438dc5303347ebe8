// Package credential implements the salted commitment scheme that binds an
// identity to its secret. The commitment is the only credential material the
// server ever stores; the secret itself never leaves the client.
package credential

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"golang.org/x/crypto/argon2"
)

// SaltLength is the size of the per-identity salt in bytes.
const SaltLength = 16

// Argon2id parameters. Changing these changes every derived commitment, so
// they are fixed rather than configurable.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
)

var (
	ErrEmptyUsername = errors.New("username must not be empty")
	ErrEmptySecret   = errors.New("secret must not be empty")
	ErrBadSalt       = errors.New("salt must be exactly 16 bytes")
)

// GenerateSalt returns a fresh random salt. One salt is generated per
// identity at enrollment and reused for every derivation afterwards.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// DeriveCommitment derives the public commitment for a username and secret
// under the given salt. The derivation is deterministic: the same three
// inputs always produce the same commitment, and the same secret under a
// different salt produces an unrelated one.
//
// The Argon2id output is reduced into the BN254 scalar field and rendered
// as a canonical decimal string, so the value is directly comparable to the
// first public signal of a proof.
func DeriveCommitment(username, secret string, salt []byte) (string, error) {
	if username == "" {
		return "", ErrEmptyUsername
	}
	if secret == "" {
		return "", ErrEmptySecret
	}
	if len(salt) != SaltLength {
		return "", ErrBadSalt
	}

	material := username + ":" + secret
	hash := argon2.IDKey([]byte(material), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	var e fr.Element
	e.SetBytes(hash)
	return e.String(), nil
}

// Equal reports whether two commitment strings denote the same field
// element. Non-canonical encodings (leading zeros, values above the field
// modulus) compare by value, and strings that do not parse never match.
func Equal(a, b string) bool {
	var ea, eb fr.Element
	if _, err := ea.SetString(a); err != nil {
		return false
	}
	if _, err := eb.SetString(b); err != nil {
		return false
	}
	return ea.Equal(&eb)
}
