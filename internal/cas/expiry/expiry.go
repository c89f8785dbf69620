// Package expiry evaluates ticket expiration policies. The predicates are
// pure: the registry calls them on every read, so a ticket is authoritative
// about its own death even if the background cleaner never runs. Parent
// transitivity (a child of an expired granting ticket is itself expired) is
// enforced by the registry, which is the only layer that can see both ends
// of the ownership chain.
package expiry

import (
	"time"

	"github.com/castlegate/casd/internal/cas/domain"
)

// Expired reports whether a ticket with the given policy parameters and
// usage history is expired at the instant now.
//
// The checks compose: time-to-live from creation, idle timeout from last
// use, usage cap, and hard-once consumption. Whichever trips first wins. A
// zero MaxTimeToLive means the ticket was born dead - the next lookup
// reports it expired.
func Expired(p domain.ExpiryParams, createdAt, lastUsedAt time.Time, usageCount int, consumed bool, now time.Time) bool {
	if p.HardOnce && consumed {
		return true
	}
	if p.UsageCap > 0 && usageCount >= p.UsageCap {
		return true
	}
	if !now.Before(createdAt.Add(p.MaxTimeToLive)) {
		return true
	}
	if p.TimeToIdle > 0 {
		idleSince := lastUsedAt
		if idleSince.IsZero() {
			idleSince = createdAt
		}
		if !now.Before(idleSince.Add(p.TimeToIdle)) {
			return true
		}
	}
	return false
}

// GrantingExpired evaluates a granting ticket's own policy. It does not
// consider the parent chain; see the registry for transitive checks.
func GrantingExpired(t domain.GrantingTicket, now time.Time) bool {
	return Expired(t.Expiry, t.CreatedAt, t.LastUsedAt, t.UsageCount, false, now)
}

// GrantingClockExpired evaluates only the time-based parts of a granting
// ticket's policy. The usage cap is enforced by the registry's conditional
// increment, whose returned snapshot sits exactly at the cap on the last
// allowed use; re-applying the cap to that snapshot would reject it.
func GrantingClockExpired(t domain.GrantingTicket, now time.Time) bool {
	return Expired(t.Expiry, t.CreatedAt, t.LastUsedAt, 0, false, now)
}

// ServiceExpired evaluates a service ticket's own policy, including the
// hard-once consumption rule.
func ServiceExpired(t domain.ServiceTicket, now time.Time) bool {
	return Expired(t.Expiry, t.CreatedAt, t.LastUsedAt, t.UsageCount, t.Consumed(), now)
}

// GrantingPolicy builds the standard policy bound to granting tickets:
// lifetime and idle bounds plus an optional issuance cap.
func GrantingPolicy(maxTTL, timeToIdle time.Duration, usageCap int) domain.ExpiryParams {
	return domain.ExpiryParams{
		MaxTimeToLive: maxTTL,
		TimeToIdle:    timeToIdle,
		UsageCap:      usageCap,
	}
}

// ServicePolicy builds the standard policy bound to service tickets: a
// short lifetime and single-use consumption.
func ServicePolicy(ttl time.Duration) domain.ExpiryParams {
	return domain.ExpiryParams{
		MaxTimeToLive: ttl,
		HardOnce:      true,
	}
}
