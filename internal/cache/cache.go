package cache

import (
	"context"
	"time"

	"mitrapos/backend/internal/domain"
)

// TenantCache keeps resolved tenant records close to the request path so the
// directory does not hit the database on every request.
type TenantCache interface {
	Get(ctx context.Context, key string) (*domain.Tenant, bool, error)
	Set(ctx context.Context, key string, value *domain.Tenant, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type NoopTenantCache struct{}

func (NoopTenantCache) Get(_ context.Context, _ string) (*domain.Tenant, bool, error) {
	return nil, false, nil
}

func (NoopTenantCache) Set(_ context.Context, _ string, _ *domain.Tenant, _ time.Duration) error {
	return nil
}

func (NoopTenantCache) Delete(_ context.Context, _ string) error {
	return nil
}
