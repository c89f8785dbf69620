// Package factory constructs tickets: unguessable ids, policy binding,
// and proxy ancestry. It never talks to storage; the protocol engine
// stores what the factory builds.
package factory

import (
	"time"

	"github.com/castlegate/casd/internal/cas/domain"
	"github.com/castlegate/casd/internal/cas/expiry"
	"github.com/castlegate/casd/internal/cas/registry"
	"github.com/castlegate/casd/pkg/ticketid"
)

// Factory mints tickets with the deployment's expiry policies bound in.
// Now is swappable for tests and defaults to the wall clock.
type Factory struct {
	GrantingPolicy domain.ExpiryParams
	ServicePolicy  domain.ExpiryParams
	Now            func() time.Time
}

// New returns a Factory with the given granting and service policies.
func New(tgtMaxTTL, tgtIdle time.Duration, tgtUsageCap int, stTTL time.Duration) *Factory {
	return &Factory{
		GrantingPolicy: expiry.GrantingPolicy(tgtMaxTTL, tgtIdle, tgtUsageCap),
		ServicePolicy:  expiry.ServicePolicy(stTTL),
		Now:            time.Now,
	}
}

func (f *Factory) now() time.Time {
	if f.Now != nil {
		return f.Now().UTC()
	}
	return time.Now().UTC()
}

// NewGrantingTicket builds a root granting ticket for an authenticated
// principal.
func (f *Factory) NewGrantingTicket(principal domain.Principal) (domain.GrantingTicket, error) {
	id, err := ticketid.New(ticketid.PrefixGranting)
	if err != nil {
		return domain.GrantingTicket{}, err
	}

	now := f.now()
	return domain.GrantingTicket{
		ID:         id,
		Principal:  principal,
		Expiry:     f.GrantingPolicy,
		CreatedAt:  now,
		LastUsedAt: now,
	}, nil
}

// NewProxyGrantingTicket builds a granting ticket chained below parent,
// one level deeper. Expired parents cannot extend the chain.
func (f *Factory) NewProxyGrantingTicket(parent domain.GrantingTicket) (domain.GrantingTicket, error) {
	now := f.now()
	if expiry.GrantingExpired(parent, now) {
		return domain.GrantingTicket{}, registry.ErrExpired
	}

	id, err := ticketid.New(ticketid.PrefixProxyGranting)
	if err != nil {
		return domain.GrantingTicket{}, err
	}

	return domain.GrantingTicket{
		ID:         id,
		Principal:  parent.Principal,
		Expiry:     f.GrantingPolicy,
		CreatedAt:  now,
		LastUsedAt: now,
		ParentID:   parent.ID,
		ProxyDepth: parent.ProxyDepth + 1,
	}, nil
}

// NewServiceTicket builds a single-use service ticket scoped to service
// and owned by gt. Issuing against a clock-expired granting ticket fails.
// The usage cap is not re-checked here: gt arrives post-increment from the
// registry, which already refused the over-cap use, and on the last
// allowed use the snapshot's count equals the cap.
func (f *Factory) NewServiceTicket(gt domain.GrantingTicket, service string, fromNewLogin bool) (domain.ServiceTicket, error) {
	now := f.now()
	if expiry.GrantingClockExpired(gt, now) {
		return domain.ServiceTicket{}, registry.ErrExpired
	}

	id, err := ticketid.New(ticketid.PrefixService)
	if err != nil {
		return domain.ServiceTicket{}, err
	}

	return domain.ServiceTicket{
		ID:               id,
		GrantingTicketID: gt.ID,
		Service:          service,
		Principal:        gt.Principal,
		Expiry:           f.ServicePolicy,
		CreatedAt:        now,
		LastUsedAt:       now,
		FromNewLogin:     fromNewLogin,
	}, nil
}
