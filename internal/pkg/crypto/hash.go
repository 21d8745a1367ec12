// Package crypto provides integrity helpers for stored payloads.
package crypto

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// ComputeSHA256 computes the hex-encoded SHA-256 hash of a byte slice.
func ComputeSHA256(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// VerifySHA256 reports whether data hashes to the expected hex digest.
// The comparison is case-insensitive and constant-time.
func VerifySHA256(data []byte, expected string) bool {
	if !ValidateSHA256(expected) {
		return false
	}
	actual := ComputeSHA256(data)
	return subtle.ConstantTimeCompare([]byte(actual), []byte(strings.ToLower(expected))) == 1
}

// ValidateSHA256 reports whether s is a 64 character hex digest.
func ValidateSHA256(s string) bool {
	if len(s) != 2*sha256.Size {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
