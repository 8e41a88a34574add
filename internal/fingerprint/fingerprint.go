// Package fingerprint computes the stable intra-job deduplication key for
// extracted records.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const contentPrefixLen = 500

// Compute returns the fingerprint for a record identified by author plus
// either a canonical link (preferred) or the first 500 characters of its
// content (fallback, when no canonical link was extracted).
func Compute(author, canonicalLink, content string) string {
	h := sha256.New()
	h.Write([]byte(strings.ToLower(strings.TrimSpace(author))))
	h.Write([]byte{0})

	if canonicalLink != "" {
		h.Write([]byte("link:"))
		h.Write([]byte(canonicalLink))
	} else {
		h.Write([]byte("content:"))
		h.Write([]byte(truncate(content, contentPrefixLen)))
	}

	return hex.EncodeToString(h.Sum(nil))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
