// Package relayerr defines the error taxonomy shared across the relay
// pipeline. Handlers map these to HTTP statuses: authentication and parse
// failures terminate the request, provider and store failures degrade into
// a fallback reply so the platform still receives an acknowledgment.
package relayerr

import "errors"

var (
	// ErrAuth indicates a signature or verification token mismatch.
	// Never retried; handlers answer 401.
	ErrAuth = errors.New("authentication failed")

	// ErrParse indicates a malformed inbound envelope.
	ErrParse = errors.New("malformed envelope")

	// ErrProvider indicates a language-model backend call failed for a
	// non-retryable reason.
	ErrProvider = errors.New("provider call failed")

	// ErrRateLimited indicates the backend rejected the call due to rate
	// limiting. This is the only provider failure class that is retried.
	ErrRateLimited = errors.New("provider rate limited")

	// ErrStore indicates a conversation history read or write failed.
	// Always non-fatal for the request.
	ErrStore = errors.New("history store failure")
)

// IsRateLimited reports whether err belongs to the retryable rate-limit class.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}
