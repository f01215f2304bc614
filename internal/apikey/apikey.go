// Package apikey generates raw API keys and derives their stored form.
//
// Raw keys look like cda_<tier>_<64 hex chars>. Only Hash(raw) is persisted;
// there is no way back from a hash to the raw key.
package apikey

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	keyPrefix   = "cda_"
	randomBytes = 32
	displayLen  = 12
)

// Generate returns a new raw key for tier.
func Generate(tier string) (string, error) {
	b := make([]byte, randomBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("couldn't read random bytes: %w", err)
	}
	return keyPrefix + tier + "_" + hex.EncodeToString(b), nil
}

// Hash is the lookup form of a raw key.
func Hash(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Prefix is the display form of a raw key, safe to log.
func Prefix(raw string) string {
	if len(raw) <= displayLen {
		return raw
	}
	return raw[:displayLen]
}

// WellFormed does a cheap shape check before any store lookup.
func WellFormed(raw string) bool {
	if !strings.HasPrefix(raw, keyPrefix) || len(raw) > 128 {
		return false
	}
	i := strings.LastIndexByte(raw, '_')
	if i < len(keyPrefix) {
		return false
	}
	secret := raw[i+1:]
	if len(secret) != 2*randomBytes {
		return false
	}
	_, err := hex.DecodeString(secret)
	return err == nil
}
