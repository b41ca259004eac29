// Package auth implements the API-key and rate-limit substrate used to
// authenticate and throttle callers of the storage core: key generation,
// bcrypt hashing and verification, and a sliding-window rate limiter.
// Identity federation, sessions, and role-based access control are treated
// as external concerns and are out of scope here.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base32"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidKey = errors.New("auth: invalid api key")
	ErrMalformed  = errors.New("auth: malformed api key")
)

const keyPrefix = "nx_"

// GenerateAPIKey returns a new random API key and its bcrypt hash. Only
// the hash should ever be persisted; the plaintext key is shown to the
// caller exactly once.
func GenerateAPIKey(cost int) (plaintext string, hash string, err error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("generate api key: %w", err)
	}
	plaintext = keyPrefix + strings.ToLower(base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(raw))

	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	h, err := bcrypt.GenerateFromPassword([]byte(plaintext), cost)
	if err != nil {
		return "", "", fmt.Errorf("hash api key: %w", err)
	}
	return plaintext, string(h), nil
}

// VerifyAPIKey reports whether plaintext matches hash. It is intentionally
// slow (bcrypt) to resist brute force, and uses a constant-time compare
// internally (bcrypt.CompareHashAndPassword already does this; the
// explicit prefix check below uses subtle.ConstantTimeCompare so that key
// format rejection doesn't leak timing either).
func VerifyAPIKey(plaintext, hash string) error {
	if len(plaintext) < len(keyPrefix) || subtle.ConstantTimeCompare([]byte(plaintext[:len(keyPrefix)]), []byte(keyPrefix)) != 1 {
		return ErrMalformed
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)); err != nil {
		return ErrInvalidKey
	}
	return nil
}
