package feishu

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
)

// Signature headers set by the platform on event deliveries.
const (
	HeaderTimestamp = "X-Lark-Request-Timestamp"
	HeaderSignature = "X-Lark-Signature"
)

// ValidateSignature checks the event-delivery signature: HMAC-SHA-256 keyed
// by timestamp + "\n" + secret over an empty message, base64-encoded. An
// empty configured secret disables the check, same bring-up escape hatch as
// the Official Account side.
func ValidateSignature(secret, timestamp, signature string) bool {
	if secret == "" {
		return true
	}

	mac := hmac.New(sha256.New, []byte(timestamp+"\n"+secret))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(signature))
}

// ValidateToken compares the static verification token carried in the event
// header against the configured one. Either side being empty skips the check.
func ValidateToken(configured, received string) bool {
	if configured == "" || received == "" {
		return true
	}
	return hmac.Equal([]byte(configured), []byte(received))
}
