package domain

// NormalizePhone reduces a human-formatted phone number to the canonical
// digits-only form used everywhere numbers are compared or dialed:
// "+1 (402) 431-2303", "402.431.2303" and "14024312303" all normalize to
// "4024312303". A leading US country code is stripped. Returns ok=false
// when the input does not contain a plausible number (fewer than 10 digits,
// or a 10-digit number whose area code starts with 0 or 1).
func NormalizePhone(raw string) (string, bool) {
	digits := make([]byte, 0, len(raw))
	for i := 0; i < len(raw); i++ {
		if raw[i] >= '0' && raw[i] <= '9' {
			digits = append(digits, raw[i])
		}
	}
	if len(digits) == 11 && digits[0] == '1' {
		digits = digits[1:]
	}
	if len(digits) < 10 {
		return "", false
	}
	if len(digits) == 10 && (digits[0] == '0' || digits[0] == '1') {
		return "", false
	}
	return string(digits), true
}
