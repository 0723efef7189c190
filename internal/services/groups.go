// groups.go implements group-membership resolution for the excluded-groups
// check on subscription creation. Memberships are cached for a short TTL
// against an injected clock, with explicit invalidation when an
// application's groups are known to have changed.
package services

import (
	"context"
	"sync"
	"time"
)

// GroupResolver resolves the group memberships of an application.
type GroupResolver interface {
	ResolveGroups(ctx context.Context, applicationID string) ([]string, error)
}

// applicationGroupResolver reads memberships from the application record.
type applicationGroupResolver struct {
	applications ApplicationStore
}

// NewApplicationGroupResolver returns a GroupResolver backed by the
// application store.
func NewApplicationGroupResolver(applications ApplicationStore) GroupResolver {
	return &applicationGroupResolver{applications: applications}
}

func (r *applicationGroupResolver) ResolveGroups(ctx context.Context, applicationID string) ([]string, error) {
	app, err := r.applications.GetApplication(ctx, applicationID)
	if err != nil {
		return nil, technical("resolve groups", err)
	}
	if app == nil {
		return nil, notFound("application", applicationID)
	}
	return app.Groups, nil
}

type groupCacheEntry struct {
	groups    []string
	expiresAt time.Time
}

// GroupCache caches resolved memberships for a TTL. A zero or negative TTL
// disables caching and every call hits the resolver.
type GroupCache struct {
	resolver GroupResolver
	ttl      time.Duration
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]groupCacheEntry
}

// NewGroupCache wraps a resolver with TTL caching. now may be nil, in which
// case time.Now is used.
func NewGroupCache(resolver GroupResolver, ttl time.Duration, now func() time.Time) *GroupCache {
	if now == nil {
		now = time.Now
	}
	return &GroupCache{
		resolver: resolver,
		ttl:      ttl,
		now:      now,
		entries:  make(map[string]groupCacheEntry),
	}
}

// Groups returns the application's group memberships, from cache when fresh.
func (c *GroupCache) Groups(ctx context.Context, applicationID string) ([]string, error) {
	if c.ttl <= 0 {
		return c.resolver.ResolveGroups(ctx, applicationID)
	}

	at := c.now()

	c.mu.Lock()
	entry, ok := c.entries[applicationID]
	c.mu.Unlock()
	if ok && at.Before(entry.expiresAt) {
		return entry.groups, nil
	}

	groups, err := c.resolver.ResolveGroups(ctx, applicationID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[applicationID] = groupCacheEntry{groups: groups, expiresAt: at.Add(c.ttl)}
	c.mu.Unlock()

	return groups, nil
}

// Invalidate drops the cached memberships of one application.
func (c *GroupCache) Invalidate(applicationID string) {
	c.mu.Lock()
	delete(c.entries, applicationID)
	c.mu.Unlock()
}

// Clear drops every cached entry.
func (c *GroupCache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]groupCacheEntry)
	c.mu.Unlock()
}
