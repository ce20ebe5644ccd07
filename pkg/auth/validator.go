package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
)

// ErrEmptyToken is returned when the expected token is not configured.
var ErrEmptyToken = errors.New("auth: expected token must not be empty")

// Validator checks presented tokens against the single expected token.
// It is immutable after construction and safe for concurrent use.
type Validator struct {
	expected [sha256.Size]byte
}

// NewValidator creates a validator for the expected token
func NewValidator(expected string) (*Validator, error) {
	if expected == "" {
		return nil, ErrEmptyToken
	}
	return &Validator{expected: sha256.Sum256([]byte(expected))}, nil
}

// Validate reports whether presented equals the expected token.
// Both sides are reduced to fixed-size digests first so the comparison
// time depends on neither content nor length.
func (v *Validator) Validate(presented string) bool {
	if presented == "" {
		return false
	}
	got := sha256.Sum256([]byte(presented))
	return subtle.ConstantTimeCompare(got[:], v.expected[:]) == 1
}
