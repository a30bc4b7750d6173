package util

import (
	"strings"
)

const (
	minPhoneDigits = 5
	maxPhoneDigits = 15
)

// IsPlausiblePhone rejects values that look like chat platform identifiers rather than phone numbers:
// anything containing '@' or '_', anything that is not digits after an optional leading '+',
// and anything outside 5..15 digits.
func IsPlausiblePhone(s string) bool {
	if s == "" || strings.ContainsAny(s, "@_") {
		return false
	}
	digits := strings.TrimPrefix(s, "+")
	if len(digits) < minPhoneDigits || len(digits) > maxPhoneDigits {
		return false
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// PhoneFromSenderID extracts the phone part of a raw platform sender id such as
// "79001234567@c.us" or "79001234567:12@s.whatsapp.net". It returns "" when no plausible phone is found.
func PhoneFromSenderID(senderID string) string {
	candidate := strings.TrimSpace(senderID)
	if i := strings.IndexByte(candidate, '@'); i >= 0 {
		candidate = candidate[:i]
	}
	if i := strings.IndexByte(candidate, ':'); i >= 0 {
		candidate = candidate[:i]
	}
	if !IsPlausiblePhone(candidate) {
		return ""
	}
	return candidate
}
