// Package util provides small helpers shared across mtd-connect packages.
package util

import (
	"crypto/sha256"
	"encoding/hex"
)

// SafeTruncate returns at most maxLen bytes of s. A negative maxLen yields "".
// Used when a token prefix must appear in a debug log.
//
//	SafeTruncate("very-long-token-abc123", 8) // "very-lon"
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// HashForLogging returns the first 16 hex characters of sha256(s) so user
// identifiers can be correlated across log lines without being disclosed.
// The empty string maps to "<empty>".
func HashForLogging(s string) string {
	if s == "" {
		return "<empty>"
	}
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:16]
}
