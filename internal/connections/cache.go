// Package connections provides the process-local read-only cache of
// per-PSP connection configuration. Intake, the normalizer and the matcher
// all resolve connections through it; entries refresh on TTL expiry.
package connections

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/settleline/recond/internal/model"
	"github.com/settleline/recond/internal/storage/canonicalstore"
	"github.com/settleline/recond/internal/types"
)

// DefaultTTL is how long a cached connection stays fresh.
const DefaultTTL = 5 * time.Minute

type cacheKey struct {
	tenant types.ID
	id     string
}

type cacheEntry struct {
	conn      model.Connection
	fetchedAt time.Time
}

// Resolver is the cached connection lookup.
type Resolver struct {
	repo  canonicalstore.ConnectionRepository
	cache *lru.Cache[cacheKey, cacheEntry]
	ttl   time.Duration
	now   func() time.Time
}

// NewResolver builds a resolver over the connection repository.
func NewResolver(repo canonicalstore.ConnectionRepository, size int, ttl time.Duration) (*Resolver, error) {
	if size <= 0 {
		size = 1024
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	cache, err := lru.New[cacheKey, cacheEntry](size)
	if err != nil {
		return nil, fmt.Errorf("build connection cache: %w", err)
	}
	return &Resolver{
		repo:  repo,
		cache: cache,
		ttl:   ttl,
		now:   func() time.Time { return time.Now().UTC() },
	}, nil
}

// Resolve returns the connection config for (tenant, id), from cache when
// fresh. Unknown connections surface canonicalstore.ErrConnectionNotFound.
func (r *Resolver) Resolve(ctx context.Context, tenant types.ID, id string) (*model.Connection, error) {
	key := cacheKey{tenant: tenant, id: id}
	if entry, ok := r.cache.Get(key); ok && r.now().Sub(entry.fetchedAt) < r.ttl {
		conn := entry.conn
		return &conn, nil
	}

	conn, err := r.repo.Get(ctx, canonicalstore.Scope{TenantID: tenant}, id)
	if err != nil {
		return nil, err
	}
	r.cache.Add(key, cacheEntry{conn: *conn, fetchedAt: r.now()})
	out := *conn
	return &out, nil
}

// Invalidate drops a cached entry, used when config changes are pushed.
func (r *Resolver) Invalidate(tenant types.ID, id string) {
	r.cache.Remove(cacheKey{tenant: tenant, id: id})
}
