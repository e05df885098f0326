// ABOUTME: Derives the relay's connection identity from a raw agent token
// ABOUTME: HMAC-SHA256 keyed by an HKDF expansion of the server secret

package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const identityKeyInfo = "dbrelay connection identity v1"

// ErrEmptySecret is returned when no identity secret is configured.
var ErrEmptySecret = errors.New("identity secret is empty")

// IdentityDeriver maps raw tokens to registry keys. The same token always yields the
// same identity, and the identity cannot be computed without the server secret.
type IdentityDeriver struct {
	key []byte
}

// NewIdentityDeriver expands secret into a dedicated HMAC key.
func NewIdentityDeriver(secret []byte) (*IdentityDeriver, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}

	key := make([]byte, sha256.Size)
	r := hkdf.New(sha256.New, secret, nil, []byte(identityKeyInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("deriving identity key: %w", err)
	}
	return &IdentityDeriver{key: key}, nil
}

// Derive returns the lowercase hex HMAC of rawToken.
func (d *IdentityDeriver) Derive(rawToken string) string {
	mac := hmac.New(sha256.New, d.key)
	mac.Write([]byte(rawToken))
	return hex.EncodeToString(mac.Sum(nil))
}
