// Package cachemanager provides a small generic caching layer used for
// read-heavy lookups that tolerate short staleness, such as worktree
// status queries.
package cachemanager

import (
	"context"
	"time"
)

// CacheManager is the storage-agnostic cache contract.
type CacheManager[K ~string, V any] interface {
	Get(ctx context.Context, key K) (V, bool)
	GetMultiple(ctx context.Context, keys []K) (map[K]V, bool)
	GetWithRefresh(ctx context.Context, key K, ttl time.Duration) (V, bool)
	Set(ctx context.Context, key K, value V, ttl time.Duration)
	Delete(ctx context.Context, keys ...K) error
	Flush(ctx context.Context) error
}
