package registration

import "regexp"

var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

// ValidEmail reports whether s looks like a deliverable address. The check
// is deliberately shallow; the OTP round-trip is the real proof of ownership.
func ValidEmail(s string) bool {
	return emailPattern.MatchString(s)
}
