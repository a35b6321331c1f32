package parser

import (
	"regexp"
	"strings"
)

var (
	nonDigitRegex = regexp.MustCompile(`\D`)
	phoneRegex    = regexp.MustCompile(`(?:\+|00)?\d[\d\s/().-]{5,}\d`)
)

// NormalizePhone maps German phone notations onto the national format used as
// cache and dedup key: "+49 40 123-456", "0049 40/123456" and "040 123456" all
// become "040123456". Numbers with fewer than 6 digits are rejected.
func NormalizePhone(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	international := strings.HasPrefix(raw, "+") || strings.HasPrefix(raw, "00")
	digits := nonDigitRegex.ReplaceAllString(raw, "")

	if international {
		digits = strings.TrimPrefix(digits, "00")
		if strings.HasPrefix(digits, "49") {
			digits = "0" + strings.TrimPrefix(digits, "49")
			// "+49 (0)40 ..." keeps a redundant trunk zero.
			digits = "0" + strings.TrimLeft(digits, "0")
		} else {
			digits = "+" + digits
		}
	}

	if len(strings.TrimPrefix(digits, "+")) < 6 {
		return ""
	}
	return digits
}

// FindPhone returns the first phone-looking substring of text.
func FindPhone(text string) string {
	return strings.TrimSpace(phoneRegex.FindString(text))
}
