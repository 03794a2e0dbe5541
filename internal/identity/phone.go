package identity

import "strings"

// minimizedLength is the canonical suffix length used for phone equality and
// hashing. Two numbers that agree on this many trailing digits are the same
// line regardless of country-code or separator formatting.
const minimizedLength = 7

// IsPhoneAccount reports whether a local account id belongs to a telephony
// connection. Telephony accounts carry "ring" as their connection manager
// segment ("ring/tel/account0").
func IsPhoneAccount(localUID string) bool {
	return strings.HasPrefix(localUID, "ring/") || strings.Contains(localUID, "/ring/")
}

// MinimizePhoneNumber reduces a raw phone address to its canonical suffix:
// digits only (one leading "+" and visual separators ignored), trailing
// minimizedLength digits kept. Returns "" for addresses with no digits;
// empty canonical forms never participate in phone equality.
func MinimizePhoneNumber(address string) string {
	var b strings.Builder
	for _, r := range address {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) > minimizedLength {
		digits = digits[len(digits)-minimizedLength:]
	}
	return digits
}
