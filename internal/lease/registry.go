// Package lease grants exclusive ownership of a capture device to one
// session instance at a time.
package lease

import (
	"context"
	"sync"
	"time"
)

// Registry is an in-process lease table.
type Registry struct {
	mu     sync.Mutex
	now    func() time.Time
	leases map[string]entry
}

type entry struct {
	owner     string
	expiresAt time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		now:    time.Now,
		leases: make(map[string]entry),
	}
}

// Acquire grants the lease when it is free, expired, or already held by
// owner (in which case the TTL is extended). A zero ttl never expires.
func (r *Registry) Acquire(ctx context.Context, deviceKey, owner string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if cur, ok := r.leases[deviceKey]; ok && cur.owner != owner {
		if cur.expiresAt.IsZero() || now.Before(cur.expiresAt) {
			return false, nil
		}
	}

	e := entry{owner: owner}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}
	r.leases[deviceKey] = e
	return true, nil
}

// Release drops the lease if owner holds it.
func (r *Registry) Release(ctx context.Context, deviceKey, owner string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.leases[deviceKey]; ok && cur.owner == owner {
		delete(r.leases, deviceKey)
	}
	return nil
}

// Holder returns the current owner of deviceKey, if any.
func (r *Registry) Holder(deviceKey string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.leases[deviceKey]
	if !ok {
		return "", false
	}
	if !cur.expiresAt.IsZero() && !r.now().Before(cur.expiresAt) {
		return "", false
	}
	return cur.owner, true
}
