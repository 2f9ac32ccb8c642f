package messaging

import (
	"regexp"
	"strings"

	"github.com/relaypoint-ai/wa-gateway/internal/errmap"
)

// transportPrefix is what the vendor prepends to chat-channel addresses.
const transportPrefix = "whatsapp:"

var (
	phonePattern = regexp.MustCompile(`^\+?\d{10,15}$`)
	digitRe      = regexp.MustCompile(`[0-9]+`)
)

// NormalizeNumber canonicalizes a transport address to +digits form. The
// vendor's channel prefix is stripped first; anything outside 10-15 digits
// is rejected.
func NormalizeNumber(raw string) (string, error) {
	value := strings.TrimSpace(raw)
	value = strings.TrimPrefix(value, transportPrefix)
	if !phonePattern.MatchString(value) {
		return "", errmap.New(errmap.CodeInvalidPhone, "messaging.normalize_number",
			"phone number must be 10-15 digits with optional leading +")
	}
	return "+" + strings.TrimPrefix(value, "+"), nil
}

// NormalizeE164 is the lenient form used for display and key building: it
// keeps whatever digits the value holds and prefixes +, returning "" for
// values with no digits at all.
func NormalizeE164(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	digits := digitRe.FindAllString(value, -1)
	if len(digits) == 0 {
		return ""
	}
	return "+" + strings.Join(digits, "")
}
