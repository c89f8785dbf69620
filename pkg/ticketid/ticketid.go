// Package ticketid mints and inspects the opaque ticket identifiers handed
// to clients. Tickets are bearer secrets: whoever holds the id holds the
// capability, so the random suffix has to be unguessable within any
// ticket's maximum lifetime.
package ticketid

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
)

// Ticket id prefixes, following CAS protocol conventions.
const (
	PrefixGranting      = "TGT"
	PrefixService       = "ST"
	PrefixProxyGranting = "PGT"
)

// SuffixSizeBytes is the entropy of the random suffix before encoding.
// 32 bytes gives 256 bits, comfortably above the 128-bit design floor, and
// encodes to 43 base64url characters.
const SuffixSizeBytes = 32

// New mints a ticket id of the form "<prefix>-<base64url suffix>" using a
// cryptographically secure random source. It returns an error only if the
// platform's random source fails, which is not a recoverable condition for
// an auth server.
func New(prefix string) (string, error) {
	buf := make([]byte, SuffixSizeBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("ticketid: failed to read random source: %w", err)
	}
	return prefix + "-" + base64.RawURLEncoding.EncodeToString(buf), nil
}

// HasPrefix reports whether id carries the given kind prefix.
func HasPrefix(id, prefix string) bool {
	return strings.HasPrefix(id, prefix+"-")
}

// IsGranting reports whether id names a granting ticket (direct or proxy).
func IsGranting(id string) bool {
	return HasPrefix(id, PrefixGranting) || HasPrefix(id, PrefixProxyGranting)
}

// IsService reports whether id names a service ticket.
func IsService(id string) bool {
	return HasPrefix(id, PrefixService)
}
