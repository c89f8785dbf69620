// Package memory is the in-process registry driver. A single mutex guards
// the ticket maps and the parent index; every contract method takes it for
// its whole critical section, which is what makes the conditional updates
// (usage increment, consume) atomic without any backend support.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/castlegate/casd/internal/cas/domain"
	"github.com/castlegate/casd/internal/cas/expiry"
	"github.com/castlegate/casd/internal/cas/registry"
)

type Store struct {
	mu       sync.Mutex
	granting map[string]domain.GrantingTicket
	service  map[string]domain.ServiceTicket

	// children maps a granting ticket id to the ordered ids of the
	// tickets it has issued: service tickets and proxy-granting tickets.
	// Cascading deletion walks this index instead of back-references.
	children map[string][]string
}

var _ registry.Registry = (*Store)(nil)

func NewStore() *Store {
	return &Store{
		granting: make(map[string]domain.GrantingTicket),
		service:  make(map[string]domain.ServiceTicket),
		children: make(map[string][]string),
	}
}

func (s *Store) AddGrantingTicket(_ context.Context, t domain.GrantingTicket) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.exists(t.ID) {
		return registry.ErrDuplicateID
	}
	s.granting[t.ID] = t
	if t.ParentID != "" {
		s.children[t.ParentID] = append(s.children[t.ParentID], t.ID)
	}
	return nil
}

func (s *Store) AddServiceTicket(_ context.Context, t domain.ServiceTicket) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.exists(t.ID) {
		return registry.ErrDuplicateID
	}
	s.service[t.ID] = t
	s.children[t.GrantingTicketID] = append(s.children[t.GrantingTicketID], t.ID)
	return nil
}

func (s *Store) GetGrantingTicket(_ context.Context, id string) (domain.GrantingTicket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.lockedGranting(id, time.Now())
	if err != nil {
		return domain.GrantingTicket{}, err
	}
	return t, nil
}

func (s *Store) GetServiceTicket(_ context.Context, id string) (domain.ServiceTicket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lockedService(id, time.Now())
}

func (s *Store) IncrementGrantingUsage(_ context.Context, id string, now time.Time) (domain.GrantingTicket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.lockedGranting(id, now)
	if err != nil {
		return domain.GrantingTicket{}, err
	}

	// The cap re-check under the lock is the compare half of the
	// compare-and-set: two racing grants at cap-1 serialize here.
	if t.Expiry.UsageCap > 0 && t.UsageCount >= t.Expiry.UsageCap {
		return domain.GrantingTicket{}, registry.ErrExpired
	}

	t.UsageCount++
	t.LastUsedAt = now
	s.granting[id] = t
	return t, nil
}

func (s *Store) ConsumeServiceTicket(_ context.Context, id string, now time.Time) (domain.ServiceTicket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.lockedService(id, now)
	if err != nil {
		return domain.ServiceTicket{}, err
	}

	t.ConsumedAt = &now
	t.UsageCount++
	t.LastUsedAt = now
	s.service[id] = t
	return t, nil
}

func (s *Store) DeleteTicket(_ context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.exists(id) {
		return 0, registry.ErrNotFound
	}
	return s.cascadeDelete(id), nil
}

func (s *Store) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0

	// Granting tickets first: cascading over a dead granting ticket sweeps
	// its descendants in the same pass.
	for id := range s.granting {
		t, ok := s.granting[id]
		if !ok {
			continue // already cascaded away this pass
		}
		if s.grantingDead(t, now) {
			removed += s.cascadeDelete(id)
		}
	}

	for id, t := range s.service {
		if expiry.ServiceExpired(t, now) {
			removed += s.cascadeDelete(id)
		}
	}

	return removed, nil
}

func (s *Store) DeleteAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.granting = make(map[string]domain.GrantingTicket)
	s.service = make(map[string]domain.ServiceTicket)
	s.children = make(map[string][]string)
	return nil
}

func (s *Store) Ping(context.Context) error { return nil }
func (s *Store) Close() error               { return nil }

// lockedGranting resolves a live granting ticket. Caller holds the lock.
func (s *Store) lockedGranting(id string, now time.Time) (domain.GrantingTicket, error) {
	if _, isService := s.service[id]; isService {
		return domain.GrantingTicket{}, registry.ErrWrongType
	}
	t, ok := s.granting[id]
	if !ok {
		return domain.GrantingTicket{}, registry.ErrNotFound
	}
	if s.grantingDead(t, now) {
		s.cascadeDelete(id)
		return domain.GrantingTicket{}, registry.ErrExpired
	}
	return t, nil
}

// lockedService resolves a live, unconsumed service ticket. Caller holds
// the lock.
func (s *Store) lockedService(id string, now time.Time) (domain.ServiceTicket, error) {
	if _, isGranting := s.granting[id]; isGranting {
		return domain.ServiceTicket{}, registry.ErrWrongType
	}
	t, ok := s.service[id]
	if !ok {
		return domain.ServiceTicket{}, registry.ErrNotFound
	}

	// Consumed wins over clock expiry so replay attempts stay
	// distinguishable until the tombstone is swept.
	if t.Consumed() {
		return domain.ServiceTicket{}, registry.ErrAlreadyConsumed
	}

	if expiry.ServiceExpired(t, now) || s.parentDead(t.GrantingTicketID, now) {
		s.cascadeDelete(id)
		return domain.ServiceTicket{}, registry.ErrExpired
	}
	return t, nil
}

// grantingDead evaluates a granting ticket's own policy and walks the
// proxy-chain ancestry: expiration is transitive down the ownership chain,
// so a ticket with a dead ancestor is dead. An absent ancestor means it was
// already swept, which is equally dead.
func (s *Store) grantingDead(t domain.GrantingTicket, now time.Time) bool {
	if expiry.GrantingExpired(t, now) {
		return true
	}
	return s.parentDead(t.ParentID, now)
}

func (s *Store) parentDead(parentID string, now time.Time) bool {
	seen := make(map[string]struct{})
	for parentID != "" {
		if _, cycle := seen[parentID]; cycle {
			return true
		}
		seen[parentID] = struct{}{}

		parent, ok := s.granting[parentID]
		if !ok {
			return true
		}
		if expiry.GrantingExpired(parent, now) {
			return true
		}
		parentID = parent.ParentID
	}
	return false
}

// cascadeDelete removes id and every descendant reachable through the
// parent index, returning the number of tickets actually removed. Caller
// holds the lock. Children already swept are tolerated.
func (s *Store) cascadeDelete(id string) int {
	removed := 0
	stack := []string{id}

	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if _, ok := s.service[cur]; ok {
			delete(s.service, cur)
			removed++
		} else if _, ok := s.granting[cur]; ok {
			delete(s.granting, cur)
			removed++
		} else {
			continue
		}

		stack = append(stack, s.children[cur]...)
		delete(s.children, cur)
	}

	return removed
}

func (s *Store) exists(id string) bool {
	if _, ok := s.granting[id]; ok {
		return true
	}
	_, ok := s.service[id]
	return ok
}
