// Package shape normalizes generated replies before they are handed back to a
// platform adapter. Backends that receive unlabeled conversation context
// sometimes echo a role label into their output, and every platform enforces
// its own message length cap.
package shape

import (
	"regexp"
	"strings"
)

// Platform reply length caps, in characters.
const (
	WeChatLimit = 2000
	FeishuLimit = 4000
)

const ellipsis = "..."

// rolePrefix matches a leading role label such as "AI:", "Assistant:" or
// "机器人：", with an ASCII or fullwidth colon, case-insensitive.
var rolePrefix = regexp.MustCompile(`(?i)^(AI|Assistant|机器人)[:：]\s*`)

// Shape strips a leaked leading role label and truncates text to limit
// characters, replacing the final three with an ellipsis marker when
// truncation occurs. Limits are counted in runes so multibyte replies are
// never cut mid-character. A non-positive limit disables truncation.
func Shape(text string, limit int) string {
	text = strings.TrimSpace(rolePrefix.ReplaceAllString(strings.TrimSpace(text), ""))
	if limit <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	// Limits no wider than the marker itself leave no room for it.
	if limit <= len(ellipsis) {
		return string(runes[:limit])
	}
	return string(runes[:limit-len(ellipsis)]) + ellipsis
}
