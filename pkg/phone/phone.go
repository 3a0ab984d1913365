// Package phone normalizes carrier-supplied numbers to E.164.
package phone

import (
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// DefaultRegion is used when a number carries no country prefix.
const DefaultRegion = "US"

// NormalizeE164 formats a phone number to E.164. Non-numbers such as
// "anonymous", SIP URIs and client identities are returned trimmed.
func NormalizeE164(input string) string {
	return NormalizeE164Region(input, DefaultRegion)
}

// NormalizeE164Region is NormalizeE164 with an explicit fallback region.
func NormalizeE164Region(input, region string) string {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" || strings.Contains(trimmed, ":") {
		return trimmed
	}

	number, err := phonenumbers.Parse(trimmed, region)
	if err != nil {
		return trimmed
	}
	if !phonenumbers.IsValidNumber(number) {
		return trimmed
	}
	return phonenumbers.Format(number, phonenumbers.E164)
}

// IsE164 reports whether s is already a valid E.164 number.
func IsE164(s string) bool {
	if !strings.HasPrefix(s, "+") {
		return false
	}
	number, err := phonenumbers.Parse(s, "")
	if err != nil {
		return false
	}
	return phonenumbers.IsValidNumber(number) && phonenumbers.Format(number, phonenumbers.E164) == s
}
