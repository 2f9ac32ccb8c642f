package conversation

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// maxMessageBytes bounds what the gateway relays in either direction.
const maxMessageBytes = 4096

// Sanitize strips control characters (newline and tab survive) and anything
// unprintable, then truncates to maxMessageBytes on a rune boundary.
func Sanitize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	size := 0
	for _, r := range text {
		if r != '\n' && r != '\t' && !unicode.IsPrint(r) {
			continue
		}
		n := utf8.RuneLen(r)
		if size+n > maxMessageBytes {
			break
		}
		b.WriteRune(r)
		size += n
	}
	return strings.TrimSpace(b.String())
}
