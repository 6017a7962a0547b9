// Package urlcache decorates a backend with an expiring LRU cache of image
// locators. It pays off in front of backends whose GetURL is not free, such as
// the sandbox, which checks its overriding layer on every call.
package urlcache

import (
	"context"
	"io"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/imageattach/imageattach/internal/storage"
)

type cacheKey struct {
	storage.Identity
	created string
}

func keyOf(k storage.Key) cacheKey {
	return cacheKey{Identity: k.Identity, created: storage.CreatedTag(k.CreatedAt)}
}

// Backend caches GetURL results of the wrapped backend. Writes, deletes and
// tombstones evict the affected key.
type Backend struct {
	next  storage.Backend
	cache *expirable.LRU[cacheKey, string]
}

// Wrap returns b fronted by a cache of at most size URLs, each kept for ttl.
// The result implements storage.Tombstoner when b does.
func Wrap(b storage.Backend, size int, ttl time.Duration) storage.Backend {
	c := &Backend{next: b, cache: expirable.NewLRU[cacheKey, string](size, nil, ttl)}
	if t, ok := b.(storage.Tombstoner); ok {
		return &tombstoning{Backend: c, tomb: t}
	}
	return c
}

// Len returns the number of cached URLs.
func (b *Backend) Len() int { return b.cache.Len() }

// Unwrap returns the decorated backend.
func (b *Backend) Unwrap() storage.Backend { return b.next }

func (b *Backend) PutFile(ctx context.Context, r io.Reader, key storage.Key, reproducible bool) error {
	b.cache.Remove(keyOf(key))
	return b.next.PutFile(ctx, r, key, reproducible)
}

func (b *Backend) DeleteFile(ctx context.Context, key storage.Key) error {
	b.cache.Remove(keyOf(key))
	return b.next.DeleteFile(ctx, key)
}

func (b *Backend) GetFile(ctx context.Context, key storage.Key) (io.ReadCloser, error) {
	return b.next.GetFile(ctx, key)
}

func (b *Backend) GetURL(ctx context.Context, key storage.Key) (string, error) {
	ck := keyOf(key)
	if u, ok := b.cache.Get(ck); ok {
		return u, nil
	}
	u, err := b.next.GetURL(ctx, key)
	if err != nil {
		return "", err
	}
	b.cache.Add(ck, u)
	return u, nil
}

func (b *Backend) Exists(ctx context.Context, key storage.Key) (bool, error) {
	return b.next.Exists(ctx, key)
}

func (b *Backend) Stat(ctx context.Context, key storage.Key) (*storage.ObjectInfo, error) {
	return b.next.Stat(ctx, key)
}

type tombstoning struct {
	*Backend
	tomb storage.Tombstoner
}

func (b *tombstoning) PutTombstone(ctx context.Context, key storage.Key) error {
	b.cache.Remove(keyOf(key))
	return b.tomb.PutTombstone(ctx, key)
}
