package caching

import (
	"context"
	"time"
)

// Category TTLs handed to Set by callers. The cache itself is TTL agnostic.
const (
	TTLRouteData = 24 * time.Hour
	TTLSurfaces  = 7 * 24 * time.Hour
)

// CachingService is never authoritative. Get reports a miss for absent,
// expired or undecodable entries; errors mean the cache itself failed and
// callers fall through to the backing store.
type CachingService interface {
	Get(ctx context.Context, key string, dest any) (bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	DeleteByPattern(ctx context.Context, pattern string) error
}

// VersionedCache keeps a version floor next to each entry. SetVersioned
// refuses values older than the floor, and Invalidate raises the floor
// before dropping the entry, so a reader that fetched an old value before
// a write cannot put it back afterwards.
type VersionedCache interface {
	CachingService
	SetVersioned(ctx context.Context, key string, value any, version int64, ttl time.Duration) (bool, error)
	Invalidate(ctx context.Context, key string, version int64, ttl time.Duration) error
}

type NullCachingService struct{}

func NewNullCachingService() *NullCachingService {
	return &NullCachingService{}
}

func (NullCachingService) Get(context.Context, string, any) (bool, error)        { return false, nil }
func (NullCachingService) Set(context.Context, string, any, time.Duration) error { return nil }
func (NullCachingService) Delete(context.Context, string) error                  { return nil }
func (NullCachingService) DeleteByPattern(context.Context, string) error         { return nil }

func (NullCachingService) SetVersioned(context.Context, string, any, int64, time.Duration) (bool, error) {
	return false, nil
}

func (NullCachingService) Invalidate(context.Context, string, int64, time.Duration) error {
	return nil
}
