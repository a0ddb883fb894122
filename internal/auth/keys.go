// Package auth checks the bearer token callers present to the gateway.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// HashKey returns a SHA-256 hash of the key.
func HashKey(key string) string {
	key = strings.TrimSpace(key)

	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}

// Verifier compares presented tokens against a configured one.
// Only the hash is kept, so comparisons take the same time for any token length.
type Verifier struct {
	hash string
}

// NewVerifier returns a Verifier for token. An empty token yields nil (auth disabled).
func NewVerifier(token string) *Verifier {
	if strings.TrimSpace(token) == "" {
		return nil
	}
	return &Verifier{hash: HashKey(token)}
}

// Verify reports whether presented matches the configured token.
func (v *Verifier) Verify(presented string) bool {
	if v == nil {
		return true
	}
	if presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(HashKey(presented)), []byte(v.hash)) == 1
}
