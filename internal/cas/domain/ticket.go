package domain

import "time"

// Kind discriminates the two ticket variants stored in the registry.
type Kind string

const (
	// KindGranting is a ticket-granting ticket (TGT or PGT). It represents a
	// login session and is used to mint service tickets without the user
	// re-presenting credentials.
	KindGranting Kind = "granting"

	// KindService is a short-lived, single-use ticket scoped to exactly one
	// relying service.
	KindService Kind = "service"
)

// ExpiryParams are the expiration policy parameters bound to a ticket at
// creation time. They travel with the record so every registry read can
// re-evaluate expiry without any out-of-band policy lookup.
type ExpiryParams struct {
	// MaxTimeToLive bounds the ticket's total lifetime from CreatedAt.
	// Zero means the ticket is already dead; use a negative value for "no
	// lifetime bound" is not supported - granting tickets always carry one.
	MaxTimeToLive time.Duration

	// TimeToIdle expires the ticket after this long without a validating
	// use. Zero disables the idle check.
	TimeToIdle time.Duration

	// UsageCap expires the ticket once UsageCount reaches it. Zero disables
	// the cap. Granting tickets use this to limit service-ticket issuance.
	UsageCap int

	// HardOnce marks the ticket consumed after its first validating use.
	// Set for service tickets.
	HardOnce bool
}

// GrantingTicket is a long-lived ticket representing a successful
// authentication. Proxy-granting tickets are granting tickets with a
// non-empty ParentID. The ids of service tickets it has issued are tracked
// by the registry in a parent index, not on the ticket itself, so cascading
// deletion is an index walk rather than pointer chasing.
type GrantingTicket struct {
	ID         string
	Principal  Principal
	Expiry     ExpiryParams
	CreatedAt  time.Time
	LastUsedAt time.Time
	UsageCount int

	// ParentID links a proxy-granting ticket to the granting ticket at the
	// root of its chain's previous hop. Empty for a direct login.
	ParentID string

	// ProxyDepth is 0 for a direct login and parent depth + 1 for each
	// proxy hop.
	ProxyDepth int
}

// ServiceTicket is minted from a granting ticket, scoped to a single
// relying service, and consumed by exactly one successful validation.
type ServiceTicket struct {
	ID               string
	GrantingTicketID string
	Service          string
	Principal        Principal
	Expiry           ExpiryParams
	CreatedAt        time.Time
	LastUsedAt       time.Time
	UsageCount       int

	// FromNewLogin distinguishes a ticket minted right after credential
	// verification from one minted off an existing SSO session. Relying
	// services may insist on the former.
	FromNewLogin bool

	// ConsumedAt is set by the registry's atomic consume. A consumed ticket
	// is kept as a tombstone until swept so replay attempts can be told
	// apart from expiry.
	ConsumedAt *time.Time
}

// Consumed reports whether the ticket has already been used for a
// successful validation.
func (t ServiceTicket) Consumed() bool { return t.ConsumedAt != nil }
