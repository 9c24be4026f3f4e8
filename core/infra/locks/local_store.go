package locks

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"
)

// ErrNotFound is returned by Get for a free resource.
var ErrNotFound = errors.New("lock not found")

// LocalStore is an in-process Store. Locks expire after their TTL like the
// Redis implementation so a stuck holder cannot block a resource forever.
type LocalStore struct {
	mu    sync.Mutex
	locks map[string]*Lock
	now   func() time.Time
}

// NewLocalStore returns an empty in-process lock store.
func NewLocalStore() *LocalStore {
	return &LocalStore{locks: make(map[string]*Lock), now: func() time.Time { return time.Now().UTC() }}
}

func (s *LocalStore) current(resource string, now time.Time) *Lock {
	lock, ok := s.locks[resource]
	if !ok {
		return nil
	}
	if !lock.ExpiresAt.IsZero() && !now.Before(lock.ExpiresAt) {
		delete(s.locks, resource)
		return nil
	}
	return lock
}

// Acquire grants the lock when free, when the caller already holds it, or
// when both sides ask for shared mode.
func (s *LocalStore) Acquire(ctx context.Context, resource, owner string, mode Mode, ttl time.Duration) (*Lock, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	resource = strings.TrimSpace(resource)
	owner = strings.TrimSpace(owner)
	if resource == "" || owner == "" {
		return nil, false, fmt.Errorf("resource and owner required")
	}
	mode = normalizeMode(mode)
	ttl = normalizeTTL(ttl)

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	lock := s.current(resource, now)
	switch {
	case lock == nil:
		lock = &Lock{Resource: resource, Mode: mode, Owners: map[string]int{}}
		s.locks[resource] = lock
	case lock.Mode == ModeExclusive && lock.Owners[owner] == 0:
		return nil, false, nil
	case lock.Mode == ModeShared && mode == ModeExclusive:
		if len(lock.Owners) != 1 || lock.Owners[owner] == 0 {
			return nil, false, nil
		}
		lock.Mode = ModeExclusive
	}
	lock.Owners[owner]++
	lock.UpdatedAt = now
	lock.ExpiresAt = now.Add(ttl)
	return cloneLock(lock), true, nil
}

// Release drops one hold of owner. The lock disappears with its last owner.
func (s *LocalStore) Release(ctx context.Context, resource, owner string) (*Lock, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	resource = strings.TrimSpace(resource)
	owner = strings.TrimSpace(owner)
	if resource == "" || owner == "" {
		return nil, false, fmt.Errorf("resource and owner required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	lock := s.current(resource, now)
	if lock == nil {
		return nil, true, nil
	}
	count := lock.Owners[owner]
	if count == 0 {
		return cloneLock(lock), true, nil
	}
	if count <= 1 {
		delete(lock.Owners, owner)
	} else {
		lock.Owners[owner] = count - 1
	}
	if len(lock.Owners) == 0 {
		delete(s.locks, resource)
		return nil, true, nil
	}
	lock.UpdatedAt = now
	return cloneLock(lock), true, nil
}

// Renew extends the TTL when owner holds the lock.
func (s *LocalStore) Renew(ctx context.Context, resource, owner string, ttl time.Duration) (*Lock, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	resource = strings.TrimSpace(resource)
	owner = strings.TrimSpace(owner)
	if resource == "" || owner == "" {
		return nil, false, fmt.Errorf("resource and owner required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	lock := s.current(resource, now)
	if lock == nil || lock.Owners[owner] == 0 {
		return nil, false, nil
	}
	lock.UpdatedAt = now
	lock.ExpiresAt = now.Add(normalizeTTL(ttl))
	return cloneLock(lock), true, nil
}

// Get returns the lock state or ErrNotFound.
func (s *LocalStore) Get(ctx context.Context, resource string) (*Lock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	lock := s.current(strings.TrimSpace(resource), s.now())
	if lock == nil {
		return nil, ErrNotFound
	}
	return cloneLock(lock), nil
}

func cloneLock(l *Lock) *Lock {
	out := *l
	out.Owners = maps.Clone(l.Owners)
	return &out
}
