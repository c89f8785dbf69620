package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/castlegate/casd/internal/cas/audit"
	"github.com/castlegate/casd/internal/cas/domain"
	"github.com/castlegate/casd/internal/cas/factory"
	"github.com/castlegate/casd/internal/cas/registry"
	"github.com/castlegate/casd/internal/cas/services"
	"github.com/castlegate/casd/pkg/slogx"

	"github.com/sethvargo/go-retry"
)

var (
	ErrServiceMismatch     = errors.New("ticket was issued for a different service")
	ErrUnauthorizedService = errors.New("service is not authorized for this deployment")
	ErrProxyDepthExceeded  = errors.New("proxy chain depth limit exceeded")
)

// GrantResult is the outcome of a successful service-ticket grant.
type GrantResult struct {
	TicketID     string
	FromNewLogin bool
}

// ValidationResult is what a relying application learns from a successful
// consuming validation.
type ValidationResult struct {
	Principal    domain.Principal
	Service      string
	FromNewLogin bool
}

// TicketService is the protocol engine: it orchestrates the factory and
// registry and owns every protocol-level rule that spans both. Transient
// registry failures are retried with capped backoff; every other failure
// is surfaced typed to the caller.
type TicketService struct {
	Registry registry.Registry
	Factory  *factory.Factory
	Services *services.Allowlist
	Audit    *audit.Trail

	// ProxyDepthLimit caps proxy chain length; 0 disables the cap.
	ProxyDepthLimit int
}

// withRetry runs fn, retrying only ErrUnavailable with fibonacci backoff.
// The caller's context bounds the total time spent.
func (s *TicketService) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(50*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if errors.Is(err, registry.ErrUnavailable) {
			return retry.RetryableError(err)
		}
		return err
	})
}

// IssueGrantingTicket mints and stores a granting ticket for a principal
// whose credentials were already verified upstream.
func (s *TicketService) IssueGrantingTicket(ctx context.Context, principal domain.Principal) (string, error) {
	log := slogx.FromContext(ctx)

	gt, err := s.Factory.NewGrantingTicket(principal)
	if err != nil {
		log.Error("failed to mint granting ticket", slog.Any("error", err))
		return "", err
	}

	err = s.withRetry(ctx, func(ctx context.Context) error {
		return s.Registry.AddGrantingTicket(ctx, gt)
	})
	if err != nil {
		if errors.Is(err, registry.ErrDuplicateID) {
			// Id generation is broken if this ever fires.
			log.Error("duplicate granting ticket id", slog.String("ticket_id", gt.ID))
		} else {
			log.Error("failed to store granting ticket", slog.Any("error", err))
		}
		return "", err
	}

	s.Audit.TicketCreated(ctx, gt.ID, principal.ID)
	return gt.ID, nil
}

// GrantServiceTicket issues a single-use service ticket against a granting
// ticket, for an authorized service. The granting ticket's usage count is
// incremented in the same conditional update that enforces its cap, so two
// racing grants cannot both squeeze past a cap of one.
func (s *TicketService) GrantServiceTicket(ctx context.Context, grantingTicketID, service string) (GrantResult, error) {
	log := slogx.FromContext(ctx)

	if !s.Services.IsAuthorized(service) {
		log.Warn("grant attempted for unauthorized service",
			slog.String("service", service),
		)
		return GrantResult{}, ErrUnauthorizedService
	}

	var gt domain.GrantingTicket
	err := s.withRetry(ctx, func(ctx context.Context) error {
		var err error
		gt, err = s.Registry.IncrementGrantingUsage(ctx, grantingTicketID, time.Now().UTC())
		return err
	})
	if err != nil {
		if errors.Is(err, registry.ErrExpired) {
			s.Audit.ExpiredOnRead(ctx, grantingTicketID)
		}
		return GrantResult{}, err
	}

	// First use of a fresh granting ticket is the login that created it;
	// later uses are SSO reuse.
	fromNewLogin := gt.UsageCount == 1 && gt.ParentID == ""

	st, err := s.Factory.NewServiceTicket(gt, service, fromNewLogin)
	if err != nil {
		return GrantResult{}, err
	}

	err = s.withRetry(ctx, func(ctx context.Context) error {
		return s.Registry.AddServiceTicket(ctx, st)
	})
	if err != nil {
		if errors.Is(err, registry.ErrDuplicateID) {
			log.Error("duplicate service ticket id", slog.String("ticket_id", st.ID))
		}
		return GrantResult{}, err
	}

	s.Audit.TicketCreated(ctx, st.ID, gt.Principal.ID)
	s.Audit.GrantingUsed(ctx, gt.ID, gt.UsageCount, service)

	return GrantResult{TicketID: st.ID, FromNewLogin: fromNewLogin}, nil
}

// ValidateServiceTicket consumes a service ticket on behalf of a relying
// application. The service must match the one the ticket was scoped to;
// a mismatched caller does not burn the ticket. Consumption itself is a
// single registry compare-and-set, so exactly one of N concurrent
// validations succeeds.
func (s *TicketService) ValidateServiceTicket(ctx context.Context, serviceTicketID, service string) (ValidationResult, error) {
	res, st, err := s.validateAndConsume(ctx, serviceTicketID, service)
	if err != nil {
		return ValidationResult{}, err
	}

	s.Audit.Validated(ctx, st.ID, st.Service, st.Principal.ID)
	return res, nil
}

func (s *TicketService) validateAndConsume(ctx context.Context, serviceTicketID, service string) (ValidationResult, domain.ServiceTicket, error) {
	log := slogx.FromContext(ctx)

	var st domain.ServiceTicket
	err := s.withRetry(ctx, func(ctx context.Context) error {
		var err error
		st, err = s.Registry.GetServiceTicket(ctx, serviceTicketID)
		return err
	})
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrAlreadyConsumed):
			s.Audit.ReplayDetected(ctx, serviceTicketID, service)
		case errors.Is(err, registry.ErrExpired):
			s.Audit.ExpiredOnRead(ctx, serviceTicketID)
		}
		return ValidationResult{}, domain.ServiceTicket{}, err
	}

	// Mismatch is checked before consumption: a confused or malicious
	// caller must not burn someone else's valid ticket.
	if st.Service != service {
		log.Warn("validation attempted with mismatched service",
			slog.String("ticket_id", st.ID),
			slog.String("expected", st.Service),
			slog.String("got", service),
		)
		return ValidationResult{}, domain.ServiceTicket{}, ErrServiceMismatch
	}

	err = s.withRetry(ctx, func(ctx context.Context) error {
		var err error
		st, err = s.Registry.ConsumeServiceTicket(ctx, serviceTicketID, time.Now().UTC())
		return err
	})
	if err != nil {
		if errors.Is(err, registry.ErrAlreadyConsumed) {
			s.Audit.ReplayDetected(ctx, serviceTicketID, service)
		}
		return ValidationResult{}, domain.ServiceTicket{}, err
	}

	return ValidationResult{
		Principal:    st.Principal,
		Service:      st.Service,
		FromNewLogin: st.FromNewLogin,
	}, st, nil
}

// CreateProxyGrantingTicket consumes a service ticket and mints a granting
// ticket chained below the ticket's owner, letting the relying service act
// on the user's behalf. Chain depth is capped by configuration.
func (s *TicketService) CreateProxyGrantingTicket(ctx context.Context, serviceTicketID string) (string, error) {
	log := slogx.FromContext(ctx)

	var st domain.ServiceTicket
	err := s.withRetry(ctx, func(ctx context.Context) error {
		var err error
		st, err = s.Registry.GetServiceTicket(ctx, serviceTicketID)
		return err
	})
	if err != nil {
		if errors.Is(err, registry.ErrAlreadyConsumed) {
			// Proxy callers supply only the ticket id; the scoped
			// service is unknown when the lookup itself fails.
			s.Audit.ReplayDetected(ctx, serviceTicketID, "")
		}
		return "", err
	}

	var parent domain.GrantingTicket
	err = s.withRetry(ctx, func(ctx context.Context) error {
		var err error
		parent, err = s.Registry.GetGrantingTicket(ctx, st.GrantingTicketID)
		return err
	})
	if err != nil {
		return "", err
	}

	if s.ProxyDepthLimit > 0 && parent.ProxyDepth+1 > s.ProxyDepthLimit {
		log.Warn("proxy chain depth limit reached",
			slog.String("ticket_id", st.ID),
			slog.Int("depth", parent.ProxyDepth+1),
			slog.Int("limit", s.ProxyDepthLimit),
		)
		return "", ErrProxyDepthExceeded
	}

	// The service ticket is burned whether or not the proxy ticket lands;
	// consuming first preserves single-use even if the add below fails.
	err = s.withRetry(ctx, func(ctx context.Context) error {
		_, err := s.Registry.ConsumeServiceTicket(ctx, serviceTicketID, time.Now().UTC())
		return err
	})
	if err != nil {
		if errors.Is(err, registry.ErrAlreadyConsumed) {
			s.Audit.ReplayDetected(ctx, serviceTicketID, st.Service)
		}
		return "", err
	}

	pgt, err := s.Factory.NewProxyGrantingTicket(parent)
	if err != nil {
		return "", err
	}

	err = s.withRetry(ctx, func(ctx context.Context) error {
		return s.Registry.AddGrantingTicket(ctx, pgt)
	})
	if err != nil {
		return "", err
	}

	s.Audit.TicketCreated(ctx, pgt.ID, pgt.Principal.ID)
	return pgt.ID, nil
}

// DestroyGrantingTicket implements logout: a cascading delete of the
// ticket and everything granted through it. Destroying an absent ticket
// succeeds with a zero count, so logout is idempotent.
func (s *TicketService) DestroyGrantingTicket(ctx context.Context, id string) (int, error) {
	var removed int
	err := s.withRetry(ctx, func(ctx context.Context) error {
		var err error
		removed, err = s.Registry.DeleteTicket(ctx, id)
		return err
	})
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}

	s.Audit.Destroyed(ctx, id, removed)
	return removed, nil
}
