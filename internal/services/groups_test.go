package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingResolver wraps a resolver counting lookups.
type countingResolver struct {
	mu     sync.Mutex
	groups []string
	calls  int
}

func (r *countingResolver) ResolveGroups(_ context.Context, _ string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return r.groups, nil
}

func (r *countingResolver) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func TestGroupCache_CachesWithinTTL(t *testing.T) {
	resolver := &countingResolver{groups: []string{"dev"}}
	now := fixtureEpoch
	cache := NewGroupCache(resolver, time.Minute, func() time.Time { return now })

	first, err := cache.Groups(context.Background(), "app-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"dev"}, first)

	resolver.groups = []string{"dev", "ops"}
	second, err := cache.Groups(context.Background(), "app-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"dev"}, second)
	assert.Equal(t, 1, resolver.callCount())
}

func TestGroupCache_ExpiresAfterTTL(t *testing.T) {
	resolver := &countingResolver{groups: []string{"dev"}}
	now := fixtureEpoch
	cache := NewGroupCache(resolver, time.Minute, func() time.Time { return now })

	_, err := cache.Groups(context.Background(), "app-1")
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	resolver.groups = []string{"ops"}
	got, err := cache.Groups(context.Background(), "app-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"ops"}, got)
	assert.Equal(t, 2, resolver.callCount())
}

func TestGroupCache_Invalidate(t *testing.T) {
	resolver := &countingResolver{groups: []string{"dev"}}
	cache := NewGroupCache(resolver, time.Minute, func() time.Time { return fixtureEpoch })

	_, err := cache.Groups(context.Background(), "app-1")
	require.NoError(t, err)

	cache.Invalidate("app-1")
	resolver.groups = []string{"ops"}
	got, err := cache.Groups(context.Background(), "app-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"ops"}, got)
}

func TestGroupCache_ZeroTTLDisablesCaching(t *testing.T) {
	resolver := &countingResolver{groups: []string{"dev"}}
	cache := NewGroupCache(resolver, 0, func() time.Time { return fixtureEpoch })

	_, err := cache.Groups(context.Background(), "app-1")
	require.NoError(t, err)
	_, err = cache.Groups(context.Background(), "app-1")
	require.NoError(t, err)
	assert.Equal(t, 2, resolver.callCount())
}

func TestApplicationGroupResolver_NotFound(t *testing.T) {
	store := newMemStore()
	resolver := NewApplicationGroupResolver(store)

	_, err := resolver.ResolveGroups(context.Background(), "missing")

	var notFoundErr *NotFoundError
	require.ErrorAs(t, err, &notFoundErr)
}
