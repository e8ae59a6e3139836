package wechat

import (
	"crypto/sha1"
	"crypto/subtle"
	"encoding/hex"
	"sort"
	"strings"
)

// ValidateSignature checks the Official Account query-string signature:
// SHA-1 over the sorted concatenation of token, timestamp, and nonce. An
// empty configured token disables verification and accepts everything; that
// escape hatch is for webhook bring-up only and must not be left on in
// production.
func ValidateSignature(token, signature, timestamp, nonce string) bool {
	if token == "" {
		return true
	}

	parts := []string{token, timestamp, nonce}
	sort.Strings(parts)

	sum := sha1.Sum([]byte(strings.Join(parts, "")))
	expected := hex.EncodeToString(sum[:])

	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}
