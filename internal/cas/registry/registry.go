// Package registry defines the authoritative store of live tickets. The
// registry is the only shared mutable state in the server; every
// correctness property the protocol promises (single-use validation,
// cascading logout, lazy expiry) is enforced behind this contract so that
// the drivers - in-process or persistent - carry the synchronization
// discipline exactly once.
package registry

import (
	"context"
	"errors"
	"time"

	"github.com/castlegate/casd/internal/cas/domain"
)

var (
	// ErrNotFound reports a ticket that is absent or has been hard-deleted.
	// Lookups and deletes tolerate this as a normal outcome - a ticket
	// swept or destroyed concurrently is not a crash.
	ErrNotFound = errors.New("registry: ticket not found")

	// ErrExpired reports a ticket that is present but dead per its
	// expiration policy or its parent's. The read that observed this also
	// schedules the ticket for lazy deletion.
	ErrExpired = errors.New("registry: ticket expired")

	// ErrAlreadyConsumed reports a second consuming validation of a
	// service ticket. Distinct from ErrNotFound so relying services can
	// tell replay from expiry.
	ErrAlreadyConsumed = errors.New("registry: ticket already consumed")

	// ErrWrongType reports an id that exists but names the other ticket
	// variant than the one requested.
	ErrWrongType = errors.New("registry: wrong ticket type")

	// ErrDuplicateID reports an id collision on add. Ids carry 256 bits of
	// randomness, so this is a broken invariant - callers treat it as
	// fatal and alert, never as a retryable error.
	ErrDuplicateID = errors.New("registry: duplicate ticket id")

	// ErrUnavailable reports a backend failure (connection refused, query
	// timeout). Transient: callers may retry with backoff inside their
	// request deadline.
	ErrUnavailable = errors.New("registry: backend unavailable")
)

// Registry stores and mutates tickets. All methods are safe for arbitrary
// concurrent use, including from multiple server processes sharing one
// persistent backend.
//
// Expiration is evaluated lazily on every read against the policy carried
// by the record, so correctness never depends on the background cleaner.
// The two mutation primitives are conditional updates, not read-then-write:
// IncrementGrantingUsage enforces the usage cap and ConsumeServiceTicket
// enforces single use in the same atomic step that performs the write.
type Registry interface {
	// AddGrantingTicket stores a new granting (or proxy-granting) ticket.
	// Fails with ErrDuplicateID if the id exists under either kind.
	AddGrantingTicket(ctx context.Context, t domain.GrantingTicket) error

	// AddServiceTicket stores a new service ticket. The owning granting
	// ticket id is recorded in the parent index for cascading deletion.
	AddServiceTicket(ctx context.Context, t domain.ServiceTicket) error

	// GetGrantingTicket returns a live granting ticket. ErrExpired covers
	// both the ticket's own policy and an expired ancestor in a proxy
	// chain; ErrWrongType reports a service ticket id.
	GetGrantingTicket(ctx context.Context, id string) (domain.GrantingTicket, error)

	// GetServiceTicket returns a live, unconsumed service ticket, with the
	// same transitive expiry semantics. A consumed but unswept ticket
	// returns ErrAlreadyConsumed.
	GetServiceTicket(ctx context.Context, id string) (domain.ServiceTicket, error)

	// IncrementGrantingUsage atomically records a validating use of a
	// granting ticket: bumps the usage count and last-used timestamp
	// subject to the ticket's usage cap. The cap check and the increment
	// are one conditional update, so two racing grants at cap-1 produce
	// exactly one success. Returns the updated ticket.
	IncrementGrantingUsage(ctx context.Context, id string, now time.Time) (domain.GrantingTicket, error)

	// ConsumeServiceTicket atomically marks a service ticket consumed.
	// Exactly one of any number of concurrent calls for the same id
	// succeeds; the rest fail ErrAlreadyConsumed. Returns the ticket as it
	// was at the moment of consumption.
	ConsumeServiceTicket(ctx context.Context, id string, now time.Time) (domain.ServiceTicket, error)

	// DeleteTicket removes a ticket. Deleting a granting ticket cascades
	// through the parent index to every descendant service and
	// proxy-granting ticket. Returns the number of tickets removed;
	// deleting an absent id returns ErrNotFound.
	DeleteTicket(ctx context.Context, id string) (int, error)

	// DeleteExpired removes every ticket whose policy (or ancestry)
	// reports it expired at now. Storage reclamation only - reads never
	// depend on it. Returns the number removed.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)

	// DeleteAll clears the registry. Administrative use.
	DeleteAll(ctx context.Context) error

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
