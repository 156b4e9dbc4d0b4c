// Package tenant resolves opaque tenant keys into tenant records. The
// directory is read on every non-public request, so lookups go through a
// cache with a short TTL and fall back to the store.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"mitrapos/backend/internal/cache"
	"mitrapos/backend/internal/domain"
	"mitrapos/backend/internal/store"
)

// Both resolution failures carry store.ErrTenantInvalid; the HTTP layer
// distinguishes them only to pick the response code.
var (
	ErrUnknownKey = fmt.Errorf("unknown tenant key: %w", store.ErrTenantInvalid)
	ErrInactive   = fmt.Errorf("tenant is inactive: %w", store.ErrTenantInvalid)
)

type Directory struct {
	repo  store.Repository
	cache cache.TenantCache
	ttl   time.Duration
}

func NewDirectory(repo store.Repository, tenantCache cache.TenantCache, ttl time.Duration) *Directory {
	if tenantCache == nil {
		tenantCache = cache.NoopTenantCache{}
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Directory{repo: repo, cache: tenantCache, ttl: ttl}
}

// Resolve maps an opaque key to its tenant. Unknown keys and inactive
// tenants both come back as ErrTenantInvalid; the caller decides how much
// detail to expose. Inactive tenants are never cached, so reactivation takes
// effect within one TTL.
func (d *Directory) Resolve(ctx context.Context, opaqueKey string) (*domain.Tenant, error) {
	if opaqueKey == "" {
		return nil, store.ErrTenantRequired
	}

	if cached, ok, err := d.cache.Get(ctx, opaqueKey); err != nil {
		log.Printf("[tenant] WARN: cache get failed for key %s: %v", opaqueKey, err)
	} else if ok && cached.Active {
		return cached, nil
	}

	tenant, err := d.repo.GetTenantByKey(ctx, opaqueKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUnknownKey
		}
		return nil, err
	}
	if !tenant.Active {
		return nil, ErrInactive
	}

	if err := d.cache.Set(ctx, opaqueKey, tenant, d.ttl); err != nil {
		log.Printf("[tenant] WARN: cache set failed for key %s: %v", opaqueKey, err)
	}
	return tenant, nil
}

// Invalidate drops the cache entry for a key, used when a tenant is
// deactivated so stale entries cannot outlive the change by more than one
// round trip.
func (d *Directory) Invalidate(ctx context.Context, opaqueKey string) {
	if err := d.cache.Delete(ctx, opaqueKey); err != nil {
		log.Printf("[tenant] WARN: cache delete failed for key %s: %v", opaqueKey, err)
	}
}
