// Package memory implements an in-process storage backend. It backs tests and
// local experiments, and serves as the overriding layer of a sandbox when
// sandbox writes should vanish with the process.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/imageattach/imageattach/internal/config"
	"github.com/imageattach/imageattach/internal/storage"
)

func init() {
	storage.Register("memory", func(_ *config.Config) (storage.Backend, error) {
		return New(""), nil
	})
}

// Object is one stored entry.
type Object struct {
	Data         []byte
	Kind         storage.ObjectKind
	MimeType     string
	Reproducible bool
	ModTime      time.Time
}

// Backend keeps objects in a map keyed by image identity.
type Backend struct {
	baseURL string

	mu      sync.RWMutex
	objects map[storage.Identity]Object
}

// New creates an empty backend. URLs are baseURL followed by the object key;
// an empty baseURL yields memory:// URLs.
func New(baseURL string) *Backend {
	if baseURL == "" {
		baseURL = "memory://"
	}
	return &Backend{baseURL: baseURL, objects: make(map[storage.Identity]Object)}
}

// PutFile stores the stream at key
func (b *Backend) PutFile(ctx context.Context, r io.Reader, key storage.Key, reproducible bool) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read image data: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key.Identity] = Object{
		Data:         data,
		Kind:         storage.ObjectPresent,
		MimeType:     key.MimeType,
		Reproducible: reproducible,
		ModTime:      time.Now(),
	}
	return nil
}

// PutTombstone records a deletion marker at key
func (b *Backend) PutTombstone(ctx context.Context, key storage.Key) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key.Identity] = Object{
		Kind:         storage.ObjectTombstone,
		MimeType:     storage.TombstoneMimeType,
		Reproducible: true,
		ModTime:      time.Now(),
	}
	return nil
}

// DeleteFile removes key; missing keys are ignored
func (b *Backend) DeleteFile(ctx context.Context, key storage.Key) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, key.Identity)
	return nil
}

// GetFile returns a reader over a copy of the stored bytes
func (b *Backend) GetFile(ctx context.Context, key storage.Key) (io.ReadCloser, error) {
	obj, ok := b.Object(key)
	if !ok || obj.Kind == storage.ObjectTombstone {
		return nil, storage.NotFound(key)
	}
	return io.NopCloser(bytes.NewReader(obj.Data)), nil
}

// GetURL returns the object's URL whether or not it exists
func (b *Backend) GetURL(ctx context.Context, key storage.Key) (string, error) {
	return b.baseURL + storage.ObjectKey("", key, false), nil
}

// Exists reports whether anything, tombstones included, is stored at key
func (b *Backend) Exists(ctx context.Context, key storage.Key) (bool, error) {
	_, ok := b.Object(key)
	return ok, nil
}

// Stat returns metadata for key
func (b *Backend) Stat(ctx context.Context, key storage.Key) (*storage.ObjectInfo, error) {
	obj, ok := b.Object(key)
	if !ok {
		return nil, storage.NotFound(key)
	}
	return &storage.ObjectInfo{
		Kind:     obj.Kind,
		Size:     int64(len(obj.Data)),
		MimeType: obj.MimeType,
		ModTime:  obj.ModTime,
	}, nil
}

// Object returns a copy of the entry stored at key.
func (b *Backend) Object(key storage.Key) (Object, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	obj, ok := b.objects[key.Identity]
	if ok {
		obj.Data = bytes.Clone(obj.Data)
	}
	return obj, ok
}

// Len returns the number of stored entries, tombstones included.
func (b *Backend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.objects)
}

// Keys lists the stored identities ordered by type, id, width and height.
func (b *Backend) Keys() []storage.Identity {
	b.mu.RLock()
	keys := make([]storage.Identity, 0, len(b.objects))
	for id := range b.objects {
		keys = append(keys, id)
	}
	b.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool {
		a, c := keys[i], keys[j]
		if a.ObjectType != c.ObjectType {
			return a.ObjectType < c.ObjectType
		}
		if a.ObjectID != c.ObjectID {
			return a.ObjectID < c.ObjectID
		}
		if a.Width != c.Width {
			return a.Width < c.Width
		}
		return a.Height < c.Height
	})
	return keys
}
