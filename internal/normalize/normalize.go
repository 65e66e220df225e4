// Package normalize applies the naming policy for identities imported from
// an external directory: username casing, attribute truncation and the
// validity rules enforced by the local identity store.
package normalize

import (
	"fmt"
	"strings"
	"unicode"
)

const (
	// MaxNameLength is the maximum length of a first or last name, measured
	// in characters rather than bytes so multi-byte names are never split.
	MaxNameLength = 30

	// MaxUsernameLength matches the username column constraint of the
	// identity store. Longer names are reported as per-user import failures.
	MaxUsernameLength = 150
)

// CasePolicy controls how usernames coming from the directory are cased
// before they are stored locally.
//
// Precedence: ForceUppercase > ForceLowercase > IgnoreCase > unchanged.
// IgnoreCase stores the canonical lowercase form so that lookups against the
// (case-sensitive) store behave case-insensitively.
type CasePolicy struct {
	ForceUppercase bool
	ForceLowercase bool
	IgnoreCase     bool
}

// Apply returns the username cased according to the policy.
func (p CasePolicy) Apply(username string) string {
	switch {
	case p.ForceUppercase:
		return strings.ToUpper(username)
	case p.ForceLowercase:
		return strings.ToLower(username)
	case p.IgnoreCase:
		return strings.ToLower(username)
	default:
		return username
	}
}

// TruncateName clips a first/last name to MaxNameLength characters. The
// input is never split inside a multi-byte character: truncation operates on
// the decoded rune sequence and re-encodes the surviving prefix.
func TruncateName(name string) string {
	runes := []rune(name)
	if len(runes) <= MaxNameLength {
		return name
	}
	return string(runes[:MaxNameLength])
}

// StripDomain removes a trailing "@domain" qualifier from a directory
// identity, returning the bare username to persist locally. The original
// qualified value should still be used for directory lookups.
func StripDomain(username string) string {
	if i := strings.LastIndex(username, "@"); i > 0 {
		return username[:i]
	}
	return username
}

// ValidateUsername reports whether a username satisfies the store's
// constraints: non-empty, at most MaxUsernameLength characters, no colons,
// no whitespace, and no leading '-'.
func ValidateUsername(username string) error {
	if username == "" {
		return fmt.Errorf("username must not be empty")
	}
	if n := len([]rune(username)); n > MaxUsernameLength {
		return fmt.Errorf("username exceeds %d characters (%d)", MaxUsernameLength, n)
	}
	if strings.HasPrefix(username, "-") {
		return fmt.Errorf("username must not start with '-'")
	}
	for _, r := range username {
		if r == ':' || unicode.IsSpace(r) {
			return fmt.Errorf("username must not contain whitespace or ':'")
		}
	}
	return nil
}
