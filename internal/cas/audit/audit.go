// Package audit records ticket lifecycle events. Every transition that
// removes or denies a credential is observable here, so "the ticket just
// vanished" is never the answer to an incident question. Events go through
// the structured logger with a unique event id for correlation.
package audit

import (
	"context"
	"log/slog"

	"github.com/castlegate/casd/pkg/idx"
	"github.com/castlegate/casd/pkg/slogx"
)

// Trail emits lifecycle audit events. The zero value logs through the
// context logger, which is what the server wires up.
type Trail struct {
	Log *slog.Logger
}

func (t *Trail) logger(ctx context.Context) *slog.Logger {
	if t.Log != nil {
		return t.Log
	}
	return slogx.FromContext(ctx)
}

func (t *Trail) event(ctx context.Context, name string, attrs ...any) {
	attrs = append([]any{slog.String("event_id", idx.New().String()), slog.String("event", name)}, attrs...)
	t.logger(ctx).InfoContext(ctx, "audit", attrs...)
}

// TicketCreated records a mint of any ticket kind.
func (t *Trail) TicketCreated(ctx context.Context, id, principal string) {
	t.event(ctx, "ticket_created",
		slog.String("ticket_id", id),
		slog.String("principal", principal),
	)
}

// GrantingUsed records a successful use of a granting ticket.
func (t *Trail) GrantingUsed(ctx context.Context, id string, usageCount int, service string) {
	t.event(ctx, "granting_used",
		slog.String("ticket_id", id),
		slog.Int("usage_count", usageCount),
		slog.String("service", service),
	)
}

// Validated records a successful consuming validation.
func (t *Trail) Validated(ctx context.Context, id, service, principal string) {
	t.event(ctx, "ticket_validated",
		slog.String("ticket_id", id),
		slog.String("service", service),
		slog.String("principal", principal),
	)
}

// ReplayDetected records a validation attempt on an already-consumed
// ticket. Worth alerting on: it is either a broken client or an attack.
func (t *Trail) ReplayDetected(ctx context.Context, id, service string) {
	t.logger(ctx).WarnContext(ctx, "audit",
		slog.String("event_id", idx.New().String()),
		slog.String("event", "replay_detected"),
		slog.String("ticket_id", id),
		slog.String("service", service),
	)
}

// ExpiredOnRead records a lookup that found the ticket dead and buried it.
func (t *Trail) ExpiredOnRead(ctx context.Context, id string) {
	t.event(ctx, "expired_on_read", slog.String("ticket_id", id))
}

// Destroyed records an explicit destruction and how many descendants the
// cascade took with it.
func (t *Trail) Destroyed(ctx context.Context, id string, removed int) {
	t.event(ctx, "ticket_destroyed",
		slog.String("ticket_id", id),
		slog.Int("removed", removed),
	)
}

// SweepCompleted records a cleaner pass.
func (t *Trail) SweepCompleted(ctx context.Context, removed int) {
	t.event(ctx, "sweep_completed", slog.Int("removed", removed))
}
