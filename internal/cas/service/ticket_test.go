package service

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/castlegate/casd/internal/cas/audit"
	"github.com/castlegate/casd/internal/cas/domain"
	"github.com/castlegate/casd/internal/cas/factory"
	"github.com/castlegate/casd/internal/cas/registry"
	"github.com/castlegate/casd/internal/cas/registry/memory"
	"github.com/castlegate/casd/internal/cas/services"
	"github.com/stretchr/testify/require"
)

func newTicketService(t *testing.T, patterns ...string) *TicketService {
	t.Helper()

	if patterns == nil {
		patterns = []string{"https://*.example.org/**", "https://*.example.org"}
	}
	allow, err := services.New(patterns)
	require.NoError(t, err)

	return &TicketService{
		Registry:        memory.NewStore(),
		Factory:         factory.New(8*time.Hour, 2*time.Hour, 0, 10*time.Second),
		Services:        allow,
		Audit:           &audit.Trail{Log: slog.New(slog.DiscardHandler)},
		ProxyDepthLimit: 10,
	}
}

func TestIssueGrantingTicket(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc := newTicketService(t)

	id, err := svc.IssueGrantingTicket(ctx, domain.Principal{ID: "alice", AuthnHandler: "ldap"})
	require.NoError(t, err)
	require.Contains(t, id, "TGT-")

	gt, err := svc.Registry.GetGrantingTicket(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "alice", gt.Principal.ID)
}

func TestGrantServiceTicket(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc := newTicketService(t)

	tgt, err := svc.IssueGrantingTicket(ctx, domain.Principal{ID: "alice"})
	require.NoError(t, err)

	t.Run("first grant is a fresh login", func(t *testing.T) {
		res, err := svc.GrantServiceTicket(ctx, tgt, "https://app.example.org")
		require.NoError(t, err)
		require.Contains(t, res.TicketID, "ST-")
		require.True(t, res.FromNewLogin)
	})

	t.Run("second grant is sso reuse", func(t *testing.T) {
		res, err := svc.GrantServiceTicket(ctx, tgt, "https://shop.example.org")
		require.NoError(t, err)
		require.False(t, res.FromNewLogin)
	})

	t.Run("unauthorized service is refused", func(t *testing.T) {
		_, err := svc.GrantServiceTicket(ctx, tgt, "https://evil.net/cb")
		require.ErrorIs(t, err, ErrUnauthorizedService)
	})

	t.Run("unknown granting ticket", func(t *testing.T) {
		_, err := svc.GrantServiceTicket(ctx, "TGT-missing", "https://app.example.org")
		require.ErrorIs(t, err, registry.ErrNotFound)
	})
}

func TestValidateServiceTicket(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc := newTicketService(t)

	tgt, err := svc.IssueGrantingTicket(ctx, domain.Principal{
		ID:         "alice",
		Attributes: map[string]string{"email": "alice@example.org"},
	})
	require.NoError(t, err)

	grant, err := svc.GrantServiceTicket(ctx, tgt, "https://app.example.org")
	require.NoError(t, err)

	t.Run("mismatched service does not burn the ticket", func(t *testing.T) {
		_, err := svc.ValidateServiceTicket(ctx, grant.TicketID, "https://other.example.org")
		require.ErrorIs(t, err, ErrServiceMismatch)
	})

	t.Run("matching service validates once", func(t *testing.T) {
		res, err := svc.ValidateServiceTicket(ctx, grant.TicketID, "https://app.example.org")
		require.NoError(t, err)
		require.Equal(t, "alice", res.Principal.ID)
		require.Equal(t, "alice@example.org", res.Principal.Attributes["email"])
		require.True(t, res.FromNewLogin)
	})

	t.Run("replay is detected", func(t *testing.T) {
		_, err := svc.ValidateServiceTicket(ctx, grant.TicketID, "https://app.example.org")
		require.ErrorIs(t, err, registry.ErrAlreadyConsumed)
	})

	t.Run("unknown ticket", func(t *testing.T) {
		_, err := svc.ValidateServiceTicket(ctx, "ST-missing", "https://app.example.org")
		require.ErrorIs(t, err, registry.ErrNotFound)
	})
}

func TestValidateConcurrently(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc := newTicketService(t)

	tgt, err := svc.IssueGrantingTicket(ctx, domain.Principal{ID: "alice"})
	require.NoError(t, err)
	grant, err := svc.GrantServiceTicket(ctx, tgt, "https://app.example.org")
	require.NoError(t, err)

	const validators = 16

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		replays   int
	)

	for range validators {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.ValidateServiceTicket(ctx, grant.TicketID, "https://app.example.org")

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, registry.ErrAlreadyConsumed):
				replays++
			default:
				t.Errorf("unexpected validation error: %v", err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, successes)
	require.Equal(t, validators-1, replays)
}

func TestUsageCap(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("cap of one allows exactly one grant", func(t *testing.T) {
		svc := newTicketService(t)
		svc.Factory = factory.New(8*time.Hour, 2*time.Hour, 1, 10*time.Second)

		tgt, err := svc.IssueGrantingTicket(ctx, domain.Principal{ID: "alice"})
		require.NoError(t, err)

		res, err := svc.GrantServiceTicket(ctx, tgt, "https://app.example.org")
		require.NoError(t, err)
		require.True(t, res.FromNewLogin)

		_, err = svc.GrantServiceTicket(ctx, tgt, "https://app.example.org")
		require.ErrorIs(t, err, registry.ErrExpired)
	})

	t.Run("cap of three allows exactly three grants", func(t *testing.T) {
		svc := newTicketService(t)
		svc.Factory = factory.New(8*time.Hour, 2*time.Hour, 3, 10*time.Second)

		tgt, err := svc.IssueGrantingTicket(ctx, domain.Principal{ID: "alice"})
		require.NoError(t, err)

		for range 3 {
			_, err := svc.GrantServiceTicket(ctx, tgt, "https://app.example.org")
			require.NoError(t, err)
		}

		_, err = svc.GrantServiceTicket(ctx, tgt, "https://app.example.org")
		require.ErrorIs(t, err, registry.ErrExpired)
	})
}

func TestCreateProxyGrantingTicket(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc := newTicketService(t)

	tgt, err := svc.IssueGrantingTicket(ctx, domain.Principal{ID: "alice"})
	require.NoError(t, err)
	grant, err := svc.GrantServiceTicket(ctx, tgt, "https://app.example.org")
	require.NoError(t, err)

	pgt, err := svc.CreateProxyGrantingTicket(ctx, grant.TicketID)
	require.NoError(t, err)
	require.Contains(t, pgt, "PGT-")

	t.Run("consumes the service ticket", func(t *testing.T) {
		_, err := svc.ValidateServiceTicket(ctx, grant.TicketID, "https://app.example.org")
		require.ErrorIs(t, err, registry.ErrAlreadyConsumed)
	})

	t.Run("proxy can grant further tickets", func(t *testing.T) {
		res, err := svc.GrantServiceTicket(ctx, pgt, "https://backend.example.org")
		require.NoError(t, err)
		require.False(t, res.FromNewLogin)
	})

	t.Run("depth limit is enforced", func(t *testing.T) {
		svc := newTicketService(t)
		svc.ProxyDepthLimit = 2

		tgt, err := svc.IssueGrantingTicket(ctx, domain.Principal{ID: "alice"})
		require.NoError(t, err)

		current := tgt
		for range 2 {
			grant, err := svc.GrantServiceTicket(ctx, current, "https://app.example.org")
			require.NoError(t, err)
			current, err = svc.CreateProxyGrantingTicket(ctx, grant.TicketID)
			require.NoError(t, err)
		}

		grant, err := svc.GrantServiceTicket(ctx, current, "https://app.example.org")
		require.NoError(t, err)
		_, err = svc.CreateProxyGrantingTicket(ctx, grant.TicketID)
		require.ErrorIs(t, err, ErrProxyDepthExceeded)
	})
}

func TestCreateProxyGrantingTicketReplay(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc := newTicketService(t)

	var logs bytes.Buffer
	svc.Audit = &audit.Trail{Log: slog.New(slog.NewJSONHandler(&logs, nil))}

	tgt, err := svc.IssueGrantingTicket(ctx, domain.Principal{ID: "alice"})
	require.NoError(t, err)
	grant, err := svc.GrantServiceTicket(ctx, tgt, "https://app.example.org")
	require.NoError(t, err)

	_, err = svc.ValidateServiceTicket(ctx, grant.TicketID, "https://app.example.org")
	require.NoError(t, err)

	// Proxying a consumed ticket is a replay, and the audit event names
	// the ticket without inventing a service the caller never sent.
	_, err = svc.CreateProxyGrantingTicket(ctx, grant.TicketID)
	require.ErrorIs(t, err, registry.ErrAlreadyConsumed)

	require.Contains(t, logs.String(), `"event":"replay_detected"`)
	require.Contains(t, logs.String(), `"ticket_id":"`+grant.TicketID+`"`)
	require.Contains(t, logs.String(), `"service":""`)
}

func TestDestroyGrantingTicket(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc := newTicketService(t)

	tgt, err := svc.IssueGrantingTicket(ctx, domain.Principal{ID: "alice"})
	require.NoError(t, err)

	stIDs := make([]string, 0, 3)
	for range 3 {
		grant, err := svc.GrantServiceTicket(ctx, tgt, "https://app.example.org")
		require.NoError(t, err)
		stIDs = append(stIDs, grant.TicketID)
	}

	removed, err := svc.DestroyGrantingTicket(ctx, tgt)
	require.NoError(t, err)
	require.Equal(t, 4, removed)

	t.Run("validation after logout fails closed", func(t *testing.T) {
		for _, id := range stIDs {
			_, err := svc.ValidateServiceTicket(ctx, id, "https://app.example.org")
			require.ErrorIs(t, err, registry.ErrNotFound)
		}
	})

	t.Run("logout is idempotent", func(t *testing.T) {
		removed, err := svc.DestroyGrantingTicket(ctx, tgt)
		require.NoError(t, err)
		require.Zero(t, removed)
	})
}

// The end-to-end single sign-on story: log in once, reach two services,
// replay gets caught, logout kills everything.
func TestSingleSignOnFlow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc := newTicketService(t)

	tgt, err := svc.IssueGrantingTicket(ctx, domain.Principal{
		ID:           "alice",
		AuthnHandler: "ldap",
		AuthnTime:    time.Now().UTC(),
	})
	require.NoError(t, err)

	first, err := svc.GrantServiceTicket(ctx, tgt, "https://mail.example.org")
	require.NoError(t, err)
	require.True(t, first.FromNewLogin)

	res, err := svc.ValidateServiceTicket(ctx, first.TicketID, "https://mail.example.org")
	require.NoError(t, err)
	require.Equal(t, "alice", res.Principal.ID)

	second, err := svc.GrantServiceTicket(ctx, tgt, "https://wiki.example.org")
	require.NoError(t, err)
	require.False(t, second.FromNewLogin)

	_, err = svc.ValidateServiceTicket(ctx, second.TicketID, "https://wiki.example.org")
	require.NoError(t, err)

	// A stolen, already-consumed ticket replays as such.
	_, err = svc.ValidateServiceTicket(ctx, first.TicketID, "https://mail.example.org")
	require.ErrorIs(t, err, registry.ErrAlreadyConsumed)

	// The consumed tombstones are still registered, so the cascade
	// accounts for them too.
	removed, err := svc.DestroyGrantingTicket(ctx, tgt)
	require.NoError(t, err)
	require.Equal(t, 3, removed)
}
