package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/castlegate/casd/internal/cas/domain"
	"github.com/castlegate/casd/internal/cas/expiry"
	"github.com/castlegate/casd/internal/cas/registry"
)

const grantingColumns = `id, principal_id, attributes, authn_handler, authn_time, credential_class,
	max_ttl_ms, idle_ms, usage_cap, created_at, last_used_at, usage_count, parent_id, proxy_depth`

func scanGranting(row *sql.Row) (domain.GrantingTicket, error) {
	var (
		t         domain.GrantingTicket
		attrs     string
		authnTime sql.NullTime
		maxTTL    int64
		idle      int64
		parentID  sql.NullString
	)

	err := row.Scan(
		&t.ID, &t.Principal.ID, &attrs, &t.Principal.AuthnHandler, &authnTime,
		&t.Principal.CredentialClass, &maxTTL, &idle, &t.Expiry.UsageCap,
		&t.CreatedAt, &t.LastUsedAt, &t.UsageCount, &parentID, &t.ProxyDepth,
	)
	if err != nil {
		return domain.GrantingTicket{}, err
	}

	t.Principal.Attributes = unmarshalAttributes(attrs)
	t.Principal.AuthnTime = mapNullTime(authnTime)
	t.Expiry.MaxTimeToLive = time.Duration(maxTTL) * time.Millisecond
	t.Expiry.TimeToIdle = time.Duration(idle) * time.Millisecond
	t.ParentID = mapNullString(parentID)
	return t, nil
}

func (s *Store) AddGrantingTicket(ctx context.Context, t domain.GrantingTicket) error {
	attrs, err := marshalAttributes(t.Principal.Attributes)
	if err != nil {
		return err
	}

	// The primary key catches same-table collisions; an id minted into the
	// other kind's table has to be caught explicitly.
	var inService bool
	err = s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM service_tickets WHERE id = ?)`, t.ID).Scan(&inService)
	if err != nil {
		return wrapErr(err)
	}
	if inService {
		return registry.ErrDuplicateID
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO granting_tickets (`+grantingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Principal.ID, attrs, t.Principal.AuthnHandler,
		mapOptionalTime(t.Principal.AuthnTime), t.Principal.CredentialClass,
		t.Expiry.MaxTimeToLive.Milliseconds(), t.Expiry.TimeToIdle.Milliseconds(),
		t.Expiry.UsageCap, t.CreatedAt, t.LastUsedAt, t.UsageCount,
		mapStringNull(t.ParentID), t.ProxyDepth,
	)
	return wrapErr(err)
}

func (s *Store) GetGrantingTicket(ctx context.Context, id string) (domain.GrantingTicket, error) {
	return s.getGranting(ctx, id, time.Now().UTC())
}

func (s *Store) getGranting(ctx context.Context, id string, now time.Time) (domain.GrantingTicket, error) {
	t, err := scanGranting(s.db.QueryRowContext(ctx,
		`SELECT `+grantingColumns+` FROM granting_tickets WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.GrantingTicket{}, s.missingKind(ctx, id, true)
	}
	if err != nil {
		return domain.GrantingTicket{}, wrapErr(err)
	}

	dead, err := s.grantingDead(ctx, t, now)
	if err != nil {
		return domain.GrantingTicket{}, err
	}
	if dead {
		// Lazy deletion: the read that observed the corpse buries it.
		if _, err := s.cascadeDelete(ctx, id); err != nil && !errors.Is(err, registry.ErrNotFound) {
			return domain.GrantingTicket{}, err
		}
		return domain.GrantingTicket{}, registry.ErrExpired
	}

	return t, nil
}

func (s *Store) IncrementGrantingUsage(ctx context.Context, id string, now time.Time) (domain.GrantingTicket, error) {
	// The read handles clock expiry, ancestry, and lazy deletion; the
	// conditional update below owns the usage cap. A plain read-then-write
	// would let two racing grants both pass a cap of one.
	if _, err := s.getGranting(ctx, id, now); err != nil {
		return domain.GrantingTicket{}, err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE granting_tickets
		SET usage_count = usage_count + 1, last_used_at = ?
		WHERE id = ? AND (usage_cap <= 0 OR usage_count < usage_cap)`,
		now, id,
	)
	if err != nil {
		return domain.GrantingTicket{}, wrapErr(err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return domain.GrantingTicket{}, wrapErr(err)
	}
	if affected == 0 {
		// Lost the race to the cap, or deleted concurrently.
		var exists bool
		if err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM granting_tickets WHERE id = ?)`, id).Scan(&exists); err != nil {
			return domain.GrantingTicket{}, wrapErr(err)
		}
		if exists {
			return domain.GrantingTicket{}, registry.ErrExpired
		}
		return domain.GrantingTicket{}, registry.ErrNotFound
	}

	t, err := scanGranting(s.db.QueryRowContext(ctx,
		`SELECT `+grantingColumns+` FROM granting_tickets WHERE id = ?`, id))
	if err != nil {
		return domain.GrantingTicket{}, wrapErr(err)
	}
	return t, nil
}

// grantingDead evaluates the ticket's own policy and walks the proxy
// ancestry. An absent ancestor has been swept, which is equally dead.
func (s *Store) grantingDead(ctx context.Context, t domain.GrantingTicket, now time.Time) (bool, error) {
	if expiry.GrantingExpired(t, now) {
		return true, nil
	}
	return s.parentDead(ctx, t.ParentID, now)
}

func (s *Store) parentDead(ctx context.Context, parentID string, now time.Time) (bool, error) {
	seen := make(map[string]struct{})
	for parentID != "" {
		if _, cycle := seen[parentID]; cycle {
			return true, nil
		}
		seen[parentID] = struct{}{}

		parent, err := scanGranting(s.db.QueryRowContext(ctx,
			`SELECT `+grantingColumns+` FROM granting_tickets WHERE id = ?`, parentID))
		if errors.Is(err, sql.ErrNoRows) {
			return true, nil
		}
		if err != nil {
			return false, wrapErr(err)
		}
		if expiry.GrantingExpired(parent, now) {
			return true, nil
		}
		parentID = parent.ParentID
	}
	return false, nil
}

// missingKind decides between not-found and wrong-type for an id absent
// from the table the caller expected.
func (s *Store) missingKind(ctx context.Context, id string, wantedGranting bool) error {
	otherTable := "granting_tickets"
	if wantedGranting {
		otherTable = "service_tickets"
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM `+otherTable+` WHERE id = ?)`, id).Scan(&exists); err != nil {
		return wrapErr(err)
	}
	if exists {
		return registry.ErrWrongType
	}
	return registry.ErrNotFound
}
