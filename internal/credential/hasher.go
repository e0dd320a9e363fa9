// Package credential derives and verifies salted password hashes.
package credential

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	DefaultIterations = 100000
	DefaultSaltLength = 16
	KeyLength         = 32
)

var (
	// ErrInvalidInput is returned when no password is supplied.
	ErrInvalidInput = errors.New("credential: password is required")
	// ErrInvalidSalt is returned when a supplied salt is not valid hex.
	ErrInvalidSalt = errors.New("credential: salt is not valid hex")
)

// Credential is a derived hash and the salt it was derived with, both
// hex-encoded.
type Credential struct {
	Hash string `json:"hash"`
	Salt string `json:"salt"`
}

// Hasher derives PBKDF2-HMAC-SHA256 credentials. The zero value is not
// usable; construct with NewHasher.
type Hasher struct {
	iterations int
	saltLength int
	entropy    io.Reader
}

// Option configures a Hasher.
type Option func(*Hasher)

// WithEntropy replaces the salt source. Intended for tests.
func WithEntropy(r io.Reader) Option {
	return func(h *Hasher) {
		h.entropy = r
	}
}

// NewHasher returns a Hasher. Non-positive iterations or saltLength fall
// back to the defaults.
func NewHasher(iterations, saltLength int, opts ...Option) *Hasher {
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	if saltLength <= 0 {
		saltLength = DefaultSaltLength
	}
	h := &Hasher{
		iterations: iterations,
		saltLength: saltLength,
		entropy:    rand.Reader,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Hash derives a credential from password. When saltHex is empty a fresh
// random salt is generated; otherwise the decoded salt is reused, which
// reproduces the original hash for the same password.
func (h *Hasher) Hash(password, saltHex string) (Credential, error) {
	if password == "" {
		return Credential{}, ErrInvalidInput
	}

	var salt []byte
	if saltHex == "" {
		salt = make([]byte, h.saltLength)
		if _, err := io.ReadFull(h.entropy, salt); err != nil {
			return Credential{}, fmt.Errorf("credential: generate salt: %w", err)
		}
	} else {
		decoded, err := hex.DecodeString(saltHex)
		if err != nil {
			return Credential{}, fmt.Errorf("%w: %v", ErrInvalidSalt, err)
		}
		salt = decoded
	}

	key := pbkdf2.Key([]byte(password), salt, h.iterations, KeyLength, sha256.New)
	return Credential{
		Hash: hex.EncodeToString(key),
		Salt: hex.EncodeToString(salt),
	}, nil
}

// Verify recomputes the hash of password with the stored salt and compares
// it to the stored hash in constant time.
func (h *Hasher) Verify(password string, stored Credential) (bool, error) {
	if stored.Salt == "" {
		return false, ErrInvalidSalt
	}
	got, err := h.Hash(password, stored.Salt)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare([]byte(got.Hash), []byte(stored.Hash)) == 1, nil
}
