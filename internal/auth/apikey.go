// Package auth protects the tool surface with a single API key. The key
// itself is never stored; configuration carries its bcrypt hash.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// APIKeyPrefix distinguishes generated keys from other bearer tokens.
const APIKeyPrefix = "cs_"

// apiKeyBytes is the amount of randomness in a generated key.
const apiKeyBytes = 32

// GenerateAPIKey returns a new random key with APIKeyPrefix.
func GenerateAPIKey() (string, error) {
	b := make([]byte, apiKeyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating api key: %w", err)
	}

	return APIKeyPrefix + hex.EncodeToString(b), nil
}

// HashAPIKey returns the bcrypt hash to put in MCP_API_KEY_HASH.
func HashAPIKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("api key is empty")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing api key: %w", err)
	}

	return string(hash), nil
}

// KeyVerifier checks presented keys against a bcrypt hash. bcrypt runs
// once per distinct valid key; afterwards the SHA-256 digest of the
// accepted key is compared in constant time.
type KeyVerifier struct {
	hash []byte

	mu       sync.Mutex
	accepted []byte
}

// NewKeyVerifier creates a verifier for the given bcrypt hash.
func NewKeyVerifier(hash string) (*KeyVerifier, error) {
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return nil, fmt.Errorf("invalid api key hash: %w", err)
	}

	return &KeyVerifier{hash: []byte(hash)}, nil
}

// Verify reports whether key matches the configured hash.
func (v *KeyVerifier) Verify(key string) bool {
	if key == "" {
		return false
	}

	digest := sha256.Sum256([]byte(key))

	v.mu.Lock()
	accepted := v.accepted
	v.mu.Unlock()

	if accepted != nil {
		return subtle.ConstantTimeCompare(accepted, digest[:]) == 1
	}

	if bcrypt.CompareHashAndPassword(v.hash, []byte(key)) != nil {
		return false
	}

	v.mu.Lock()
	v.accepted = digest[:]
	v.mu.Unlock()

	return true
}
