package session

import (
	"crypto/sha256"
	"fmt"
	"strings"
)

// PrivacyFilter controls how account identifiers appear in logs. The zero
// value logs them verbatim.
type PrivacyFilter struct {
	MaskIdentifiers bool
}

// ID returns s as it should be logged. Masked identifiers keep the server
// suffix of a JID so group and user chats stay distinguishable.
func (f PrivacyFilter) ID(s string) string {
	if !f.MaskIdentifiers || s == "" {
		return s
	}
	user, server, found := strings.Cut(s, "@")
	if !found {
		return shortHash(user)
	}
	return shortHash(user) + "@" + server
}

// IsNoop reports whether the filter does nothing.
func (f PrivacyFilter) IsNoop() bool {
	return !f.MaskIdentifiers
}

// shortHash returns a truncated SHA-256 hex digest for an opaque identifier.
func shortHash(s string) string {
	h := sha256.Sum256([]byte(s))
	return fmt.Sprintf("%x", h[:6])
}
