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

const serviceColumns = `id, granting_ticket_id, service, principal_id, attributes, authn_handler,
	authn_time, credential_class, max_ttl_ms, hard_once, created_at, last_used_at, usage_count,
	from_new_login, consumed_at`

func scanService(row *sql.Row) (domain.ServiceTicket, error) {
	var (
		t          domain.ServiceTicket
		attrs      string
		authnTime  sql.NullTime
		maxTTL     int64
		consumedAt sql.NullTime
	)

	err := row.Scan(
		&t.ID, &t.GrantingTicketID, &t.Service, &t.Principal.ID, &attrs,
		&t.Principal.AuthnHandler, &authnTime, &t.Principal.CredentialClass,
		&maxTTL, &t.Expiry.HardOnce, &t.CreatedAt, &t.LastUsedAt,
		&t.UsageCount, &t.FromNewLogin, &consumedAt,
	)
	if err != nil {
		return domain.ServiceTicket{}, err
	}

	t.Principal.Attributes = unmarshalAttributes(attrs)
	t.Principal.AuthnTime = mapNullTime(authnTime)
	t.Expiry.MaxTimeToLive = time.Duration(maxTTL) * time.Millisecond
	if consumedAt.Valid {
		at := consumedAt.Time
		t.ConsumedAt = &at
	}
	return t, nil
}

func (s *Store) AddServiceTicket(ctx context.Context, t domain.ServiceTicket) error {
	attrs, err := marshalAttributes(t.Principal.Attributes)
	if err != nil {
		return err
	}

	var inGranting bool
	err = s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM granting_tickets WHERE id = ?)`, t.ID).Scan(&inGranting)
	if err != nil {
		return wrapErr(err)
	}
	if inGranting {
		return registry.ErrDuplicateID
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO service_tickets (`+serviceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.GrantingTicketID, t.Service, t.Principal.ID, attrs,
		t.Principal.AuthnHandler, mapOptionalTime(t.Principal.AuthnTime),
		t.Principal.CredentialClass, t.Expiry.MaxTimeToLive.Milliseconds(),
		t.Expiry.HardOnce, t.CreatedAt, t.LastUsedAt, t.UsageCount,
		t.FromNewLogin, mapOptionalTime(timeOrZero(t.ConsumedAt)),
	)
	return wrapErr(err)
}

func (s *Store) GetServiceTicket(ctx context.Context, id string) (domain.ServiceTicket, error) {
	return s.getService(ctx, id, time.Now().UTC())
}

func (s *Store) getService(ctx context.Context, id string, now time.Time) (domain.ServiceTicket, error) {
	t, err := scanService(s.db.QueryRowContext(ctx,
		`SELECT `+serviceColumns+` FROM service_tickets WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ServiceTicket{}, s.missingKind(ctx, id, false)
	}
	if err != nil {
		return domain.ServiceTicket{}, wrapErr(err)
	}

	// A consumed tombstone keeps reporting replay until the cleaner sweeps
	// it; folding it into "expired" would hide replay attacks.
	if t.Consumed() {
		return domain.ServiceTicket{}, registry.ErrAlreadyConsumed
	}

	if expiry.ServiceExpired(t, now) {
		return domain.ServiceTicket{}, s.expireService(ctx, id)
	}

	ownerDead, err := s.parentDead(ctx, t.GrantingTicketID, now)
	if err != nil {
		return domain.ServiceTicket{}, err
	}
	if ownerDead {
		return domain.ServiceTicket{}, s.expireService(ctx, id)
	}

	return t, nil
}

// expireService lazily deletes a dead service ticket and reports expiry.
func (s *Store) expireService(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM service_tickets WHERE id = ?`, id); err != nil {
		return wrapErr(err)
	}
	return registry.ErrExpired
}

func (s *Store) ConsumeServiceTicket(ctx context.Context, id string, now time.Time) (domain.ServiceTicket, error) {
	// Liveness (clock, ancestry, tombstone) is checked by the read; the
	// conditional update is the only thing allowed to flip consumed_at, so
	// concurrent validators race on the WHERE clause, not on Go state.
	t, err := s.getService(ctx, id, now)
	if err != nil {
		return domain.ServiceTicket{}, err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE service_tickets
		SET consumed_at = ?, usage_count = usage_count + 1, last_used_at = ?
		WHERE id = ? AND consumed_at IS NULL`,
		now, now, id,
	)
	if err != nil {
		return domain.ServiceTicket{}, wrapErr(err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return domain.ServiceTicket{}, wrapErr(err)
	}
	if affected == 0 {
		// Another validator won the race, or the cleaner got here first.
		var exists bool
		if err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM service_tickets WHERE id = ?)`, id).Scan(&exists); err != nil {
			return domain.ServiceTicket{}, wrapErr(err)
		}
		if exists {
			return domain.ServiceTicket{}, registry.ErrAlreadyConsumed
		}
		return domain.ServiceTicket{}, registry.ErrNotFound
	}

	t.ConsumedAt = &now
	t.UsageCount++
	t.LastUsedAt = now
	return t, nil
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
