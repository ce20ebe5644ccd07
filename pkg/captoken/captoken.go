// Package captoken mints and verifies window capability tokens: short-lived
// Ed25519-signed assertions that a window is open for one target. Backends
// verify them offline with the gateway's public key, without calling back
// into the window manager.
//
// Wire format: deterministic CBOR payload followed by a 64-byte signature,
// base64url encoded (no padding) for transport in HTTP headers.
package captoken

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/vx11/vx11/pkg/types"
)

const signatureSize = ed25519.SignatureSize

// Header is the request header carrying a capability token to a backend.
const Header = "X-VX11-Capability"

// Token is the signed payload. Integer keys keep the encoding compact.
type Token struct {
	Target    types.Target `cbor:"1,keyasint"`
	WindowID  string       `cbor:"2,keyasint"`
	Deadline  int64        `cbor:"3,keyasint,omitempty"` // window deadline, unix seconds; 0 for hold
	ID        string       `cbor:"4,keyasint"`
	IssuedAt  int64        `cbor:"5,keyasint"`
	ExpiresAt int64        `cbor:"6,keyasint"`
}

var (
	ErrTokenTooShort    = errors.New("captoken: token too short for signature")
	ErrInvalidSignature = errors.New("captoken: invalid Ed25519 signature")
	ErrTokenExpired     = errors.New("captoken: token has expired")
	ErrTargetMismatch   = errors.New("captoken: target does not match")
	ErrMalformed        = errors.New("captoken: malformed token")
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("captoken: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("captoken: CBOR decoder initialization failed: " + err.Error())
	}
}

// Mint signs token and returns payload||signature.
func Mint(privateKey ed25519.PrivateKey, token *Token) ([]byte, error) {
	payload, err := encMode.Marshal(token)
	if err != nil {
		return nil, fmt.Errorf("captoken: encoding token payload: %w", err)
	}
	signature := ed25519.Sign(privateKey, payload)

	out := make([]byte, len(payload)+signatureSize)
	copy(out, payload)
	copy(out[len(payload):], signature)
	return out, nil
}

// VerifyAt checks the signature and expiry of raw token bytes at now.
func VerifyAt(publicKey ed25519.PublicKey, raw []byte, now time.Time) (*Token, error) {
	if len(raw) <= signatureSize {
		return nil, ErrTokenTooShort
	}
	split := len(raw) - signatureSize
	payload, signature := raw[:split], raw[split:]

	if !ed25519.Verify(publicKey, payload, signature) {
		return nil, ErrInvalidSignature
	}

	var token Token
	if err := decMode.Unmarshal(payload, &token); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if now.Unix() >= token.ExpiresAt {
		return nil, ErrTokenExpired
	}
	return &token, nil
}

// VerifyForTargetAt additionally requires the token to name target.
func VerifyForTargetAt(publicKey ed25519.PublicKey, raw []byte, target types.Target, now time.Time) (*Token, error) {
	token, err := VerifyAt(publicKey, raw, now)
	if err != nil {
		return nil, err
	}
	if token.Target != target {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrTargetMismatch, token.Target, target)
	}
	return token, nil
}

// Encode renders token bytes for an HTTP header.
func Encode(raw []byte) string {
	return base64.RawURLEncoding.EncodeToString(raw)
}

// Decode parses the header form produced by Encode.
func Decode(s string) ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return raw, nil
}

// Signer issues tokens for the window manager.
type Signer struct {
	private ed25519.PrivateKey
	public  ed25519.PublicKey
	maxTTL  time.Duration
}

// NewSigner wraps a private key. Tokens never outlive maxTTL, even for
// windows held open indefinitely.
func NewSigner(private ed25519.PrivateKey, maxTTL time.Duration) *Signer {
	return &Signer{
		private: private,
		public:  private.Public().(ed25519.PublicKey),
		maxTTL:  maxTTL,
	}
}

// PublicKey returns the verification key backends need
func (s *Signer) PublicKey() ed25519.PublicKey { return s.public }

// Issue mints an encoded token for one target of a window. deadline is nil
// for a hold window.
func (s *Signer) Issue(target types.Target, windowID string, deadline *time.Time, now time.Time) (string, *Token, error) {
	expires := now.Add(s.maxTTL)
	token := &Token{
		Target:   target,
		WindowID: windowID,
		ID:       uuid.NewString(),
		IssuedAt: now.Unix(),
	}
	if deadline != nil {
		token.Deadline = deadline.Unix()
		if deadline.Before(expires) {
			expires = *deadline
		}
	}
	token.ExpiresAt = expires.Unix()

	raw, err := Mint(s.private, token)
	if err != nil {
		return "", nil, err
	}
	return Encode(raw), token, nil
}

// Verify decodes and verifies an encoded token at now.
func (s *Signer) Verify(encoded string, now time.Time) (*Token, error) {
	raw, err := Decode(encoded)
	if err != nil {
		return nil, err
	}
	return VerifyAt(s.public, raw, now)
}
