// Package normalize provides address canonicalization for matching.
package normalize

import "strings"

// Address returns the canonical form of a raw address: lowercased, with
// every run of whitespace collapsed to a single space and no leading or
// trailing whitespace. Empty and all-whitespace inputs normalize to "".
// The function is total and idempotent.
func Address(raw string) string {
	return strings.Join(strings.Fields(strings.ToLower(raw)), " ")
}

// Building returns the building-level portion of a normalized address:
// everything before the first hyphen, trimmed. Addresses without a hyphen
// yield themselves, so unit-less addresses pass through unchanged.
func Building(normalized string) string {
	base, _, _ := strings.Cut(normalized, "-")
	return strings.TrimSpace(base)
}
