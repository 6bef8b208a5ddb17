// Package checksum computes the content hashes that identify signed
// documents. The full SHA-256 digest deduplicates uploads; its first ten hex
// characters form the short verification code embedded in the stamp.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"regexp"
)

// ShortCodeLen is the number of leading hex characters used as the public
// verification code.
const ShortCodeLen = 10

var lookupCodeRe = regexp.MustCompile(`^[0-9a-f]{8,64}$`)

// Reader streams r through SHA-256 in 8 KiB chunks and returns the full
// lowercase hex digest.
func Reader(r io.Reader) (string, error) {
	h := sha256.New()
	buf := make([]byte, 8192)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("read for hashing: %w", err)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ShortCode derives the public verification code from a full digest.
func ShortCode(fullHash string) string {
	if len(fullHash) < ShortCodeLen {
		return fullHash
	}
	return fullHash[:ShortCodeLen]
}

// ValidLookupCode reports whether s is acceptable as a verification lookup:
// 8 to 64 lowercase hex characters. Anything else is rejected before it can
// reach the index or the filesystem.
func ValidLookupCode(s string) bool {
	return lookupCodeRe.MatchString(s)
}
