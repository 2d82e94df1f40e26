package entitlement

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type linkKey struct {
	src Source
	ref string
}

// MemoryStore is a Store for tests and single-node development.
type MemoryStore struct {
	mu     sync.RWMutex
	items  map[uuid.UUID]Entitlement
	links  map[linkKey]uuid.UUID
	grants map[string]uuid.UUID
	locks  map[uuid.UUID]*sync.Mutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items:  make(map[uuid.UUID]Entitlement),
		links:  make(map[linkKey]uuid.UUID),
		grants: make(map[string]uuid.UUID),
		locks:  make(map[uuid.UUID]*sync.Mutex),
	}
}

func (s *MemoryStore) Load(_ context.Context, userID uuid.UUID) (*Entitlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.items[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return &e, nil
}

func (s *MemoryStore) Update(ctx context.Context, userID uuid.UUID, now time.Time, fn UpdateFunc, opts ...UpdateOption) (*Entitlement, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	o := NewUpdateOptions(opts...)

	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	cur, exists := s.items[userID]
	var granted bool
	if o.Grant != nil {
		_, granted = s.grants[o.Grant.ID]
	}
	s.mu.RUnlock()

	if granted {
		return nil, ErrDuplicateGrant
	}
	if !exists {
		cur = *NewFree(userID, now)
	}

	next := cur
	if err := fn(&next); err != nil {
		return nil, err
	}
	if exists && next == cur && o.Grant == nil {
		return &next, nil
	}

	next.Version++
	next.UpdatedAt = now

	s.mu.Lock()
	s.items[userID] = next
	if ShouldLink(&next) {
		s.links[linkKey{next.Source, next.SubscriptionRef}] = userID
	}
	if o.Grant != nil {
		s.grants[o.Grant.ID] = userID
	}
	s.mu.Unlock()

	return &next, nil
}

func (s *MemoryStore) ResolveSubscription(_ context.Context, src Source, ref string) (uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.links[linkKey{src, ref}]
	if !ok {
		return uuid.Nil, ErrNotFound
	}
	return id, nil
}

func (s *MemoryStore) DueForRollover(_ context.Context, now time.Time, grace time.Duration, limit int) ([]uuid.UUID, error) {
	s.mu.RLock()
	due := make([]Entitlement, 0)
	for _, e := range s.items {
		if e.Tier == TierFree || !e.PeriodEnd.Before(now) {
			continue
		}
		if e.CancelAtPeriodEnd || e.PeriodEnd.Add(grace).Before(now) {
			due = append(due, e)
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(due, func(a, b Entitlement) int {
		return cmp.Or(a.PeriodEnd.Compare(b.PeriodEnd), strings.Compare(a.UserID.String(), b.UserID.String()))
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	ids := make([]uuid.UUID, len(due))
	for i, e := range due {
		ids[i] = e.UserID
	}
	return ids, nil
}

func (s *MemoryStore) userLock(userID uuid.UUID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[userID] = l
	}
	return l
}

var _ Store = (*MemoryStore)(nil)
