// Package cpf handles the Brazilian CPF identifier used as the staff
// credential: normalization, validation, display masking and a deterministic
// fingerprint for duplicate detection.
package cpf

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Normalize strips everything but digits.
func Normalize(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			out = append(out, s[i])
		}
	}
	return string(out)
}

// ValidDigits reports whether s is exactly 11 digits.
func ValidDigits(s string) bool {
	if len(s) != 11 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// Mask formats an 11-digit CPF as 123.456.789-01 for display. Anything that
// is not 11 digits after normalization is returned as its bare digits.
func Mask(s string) string {
	c := Normalize(s)
	if len(c) != 11 {
		return c
	}
	return fmt.Sprintf("%s.%s.%s-%s", c[:3], c[3:6], c[6:9], c[9:])
}

// Fingerprint returns the salted SHA-256 of the normalized CPF. Unlike the
// bcrypt credential hash, the fingerprint is deterministic, which allows the
// store to enforce CPF uniqueness with an index lookup.
func Fingerprint(salt, s string) string {
	sum := sha256.Sum256([]byte(salt + Normalize(s)))
	return hex.EncodeToString(sum[:])
}
