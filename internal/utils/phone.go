package utils

import "strings"

// NormalizePhone reduces a gateway-supplied MSISDN to a canonical form:
// leading "+" kept, everything except digits stripped, "00" international
// prefix rewritten to "+". Returns "" when no digits remain.
func NormalizePhone(raw string) string {
	raw = strings.TrimSpace(raw)
	plus := strings.HasPrefix(raw, "+")
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteByte(byte(r))
		}
	}
	digits := b.String()
	if digits == "" {
		return ""
	}
	if !plus && strings.HasPrefix(digits, "00") {
		digits = digits[2:]
		plus = true
		if digits == "" {
			return ""
		}
	}
	if plus {
		return "+" + digits
	}
	return digits
}
