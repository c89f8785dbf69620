package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/castlegate/casd/internal/cas/domain"
	"github.com/castlegate/casd/internal/cas/expiry"
	"github.com/castlegate/casd/internal/cas/registry"
)

func (s *Store) DeleteTicket(ctx context.Context, id string) (int, error) {
	return s.cascadeDelete(ctx, id)
}

// cascadeDelete removes a ticket and, for granting tickets, every
// descendant reachable through parent links: child proxy-granting tickets
// via parent_id, service tickets via granting_ticket_id. The whole
// traversal runs in one transaction so a concurrent logout sees either the
// full subtree or none of it.
func (s *Store) cascadeDelete(ctx context.Context, id string) (int, error) {
	removed := 0

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		// Service tickets are leaves; a direct hit needs no traversal.
		res, err := tx.ExecContext(ctx, `DELETE FROM service_tickets WHERE id = ?`, id)
		if err != nil {
			return wrapErr(err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return wrapErr(err)
		} else if n > 0 {
			removed = int(n)
			return nil
		}

		// Gather the granting subtree rooted at id.
		subtree := []string{id}
		frontier := []string{id}
		for len(frontier) > 0 {
			rows, err := tx.QueryContext(ctx,
				`SELECT id FROM granting_tickets WHERE parent_id IN (`+placeholders(len(frontier))+`)`,
				toArgs(frontier)...)
			if err != nil {
				return wrapErr(err)
			}

			var next []string
			for rows.Next() {
				var child string
				if err := rows.Scan(&child); err != nil {
					_ = rows.Close()
					return wrapErr(err)
				}
				next = append(next, child)
			}
			if err := rows.Close(); err != nil {
				return wrapErr(err)
			}

			subtree = append(subtree, next...)
			frontier = next
		}

		res, err = tx.ExecContext(ctx,
			`DELETE FROM service_tickets WHERE granting_ticket_id IN (`+placeholders(len(subtree))+`)`,
			toArgs(subtree)...)
		if err != nil {
			return wrapErr(err)
		}
		nST, err := res.RowsAffected()
		if err != nil {
			return wrapErr(err)
		}

		res, err = tx.ExecContext(ctx,
			`DELETE FROM granting_tickets WHERE id IN (`+placeholders(len(subtree))+`)`,
			toArgs(subtree)...)
		if err != nil {
			return wrapErr(err)
		}
		nGT, err := res.RowsAffected()
		if err != nil {
			return wrapErr(err)
		}

		if nGT == 0 && nST == 0 {
			return registry.ErrNotFound
		}

		removed = int(nST + nGT)
		return nil
	})
	if err != nil {
		return 0, err
	}

	return removed, nil
}

func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	// Evaluate granting tickets in Go: the policy predicates and the
	// ancestry walk are shared with the read path, and the sweep is a
	// background task where an extra scan is cheap.
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, max_ttl_ms, idle_ms, usage_cap, created_at, last_used_at, usage_count, parent_id
		FROM granting_tickets`)
	if err != nil {
		return 0, wrapErr(err)
	}

	type grantingRow struct {
		t domain.GrantingTicket
	}
	byID := make(map[string]grantingRow)
	for rows.Next() {
		var (
			r        grantingRow
			maxTTL   int64
			idle     int64
			parentID any
		)
		if err := rows.Scan(&r.t.ID, &maxTTL, &idle, &r.t.Expiry.UsageCap,
			&r.t.CreatedAt, &r.t.LastUsedAt, &r.t.UsageCount, &parentID); err != nil {
			_ = rows.Close()
			return 0, wrapErr(err)
		}
		r.t.Expiry.MaxTimeToLive = time.Duration(maxTTL) * time.Millisecond
		r.t.Expiry.TimeToIdle = time.Duration(idle) * time.Millisecond
		if p, ok := parentID.(string); ok {
			r.t.ParentID = p
		}
		byID[r.t.ID] = r
	}
	if err := rows.Close(); err != nil {
		return 0, wrapErr(err)
	}

	dead := make(map[string]struct{})
	var isDead func(id string, seen map[string]struct{}) bool
	isDead = func(id string, seen map[string]struct{}) bool {
		if _, ok := dead[id]; ok {
			return true
		}
		if _, cycle := seen[id]; cycle {
			return true
		}
		seen[id] = struct{}{}

		r, ok := byID[id]
		if !ok {
			return true // swept ancestor
		}
		if expiry.GrantingExpired(r.t, now) {
			dead[id] = struct{}{}
			return true
		}
		if r.t.ParentID != "" && isDead(r.t.ParentID, seen) {
			dead[id] = struct{}{}
			return true
		}
		return false
	}
	for id := range byID {
		isDead(id, make(map[string]struct{}))
	}

	removed := 0
	for id := range dead {
		n, err := s.cascadeDelete(ctx, id)
		if err != nil && !errors.Is(err, registry.ErrNotFound) {
			return removed, err
		}
		removed += n
	}

	// Service tickets: consumed tombstones, clock expiry, orphaned owners.
	srows, err := s.db.QueryContext(ctx, `
		SELECT id, max_ttl_ms, created_at, consumed_at,
		       granting_ticket_id NOT IN (SELECT id FROM granting_tickets)
		FROM service_tickets`)
	if err != nil {
		return removed, wrapErr(err)
	}

	var doomed []string
	for srows.Next() {
		var (
			id         string
			maxTTL     int64
			createdAt  time.Time
			consumedAt sql.NullTime
			orphaned   bool
		)
		if err := srows.Scan(&id, &maxTTL, &createdAt, &consumedAt, &orphaned); err != nil {
			_ = srows.Close()
			return removed, wrapErr(err)
		}
		ttl := time.Duration(maxTTL) * time.Millisecond
		if consumedAt.Valid || orphaned || !now.Before(createdAt.Add(ttl)) {
			doomed = append(doomed, id)
		}
	}
	if err := srows.Close(); err != nil {
		return removed, wrapErr(err)
	}

	if len(doomed) > 0 {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM service_tickets WHERE id IN (`+placeholders(len(doomed))+`)`,
			toArgs(doomed)...)
		if err != nil {
			return removed, wrapErr(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return removed, wrapErr(err)
		}
		removed += int(n)
	}

	return removed, nil
}

func (s *Store) DeleteAll(ctx context.Context) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM service_tickets`); err != nil {
			return wrapErr(err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM granting_tickets`); err != nil {
			return wrapErr(err)
		}
		return nil
	})
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func toArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
