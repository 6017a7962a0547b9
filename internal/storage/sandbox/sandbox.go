// Package sandbox implements a copy-on-write overlay backend. Reads fall
// through a read-write overriding backend to a read-only underlying one; writes
// land in the overriding backend only, and deletes are recorded there as
// tombstones. This allows running against production images without any risk
// of changing them.
package sandbox

import (
	"context"
	"fmt"
	"io"

	"github.com/imageattach/imageattach/internal/config"
	"github.com/imageattach/imageattach/internal/storage"
)

func init() {
	storage.Register("sandbox", func(cfg *config.Config) (storage.Backend, error) {
		sb := cfg.Storage.Sandbox
		if sb.Underlying == "sandbox" || sb.Overriding == "sandbox" {
			return nil, fmt.Errorf("%w: a sandbox cannot nest another sandbox", storage.ErrValidation)
		}
		underlying, err := storage.NewNamedBackend(cfg, sb.Underlying)
		if err != nil {
			return nil, fmt.Errorf("underlying: %w", err)
		}
		overriding, err := storage.NewNamedBackend(cfg, sb.Overriding)
		if err != nil {
			return nil, fmt.Errorf("overriding: %w", err)
		}
		return New(underlying, overriding)
	})
}

// Overriding is the writable layer of a sandbox.
type Overriding interface {
	storage.Backend
	storage.Tombstoner
}

// Backend is the overlay of two backends sharing the same key scheme.
type Backend struct {
	underlying storage.Backend
	overriding Overriding
}

// New composes underlying and overriding. overriding must be able to hold tombstones.
func New(underlying, overriding storage.Backend) (*Backend, error) {
	if underlying == nil || overriding == nil {
		return nil, fmt.Errorf("%w: sandbox needs both an underlying and an overriding backend", storage.ErrValidation)
	}
	o, ok := overriding.(Overriding)
	if !ok {
		return nil, fmt.Errorf("%w: overriding backend %T cannot store tombstones", storage.ErrValidation, overriding)
	}
	return &Backend{underlying: underlying, overriding: o}, nil
}

// Underlying returns the read-only layer.
func (b *Backend) Underlying() storage.Backend { return b.underlying }

// Overriding returns the writable layer.
func (b *Backend) Overriding() storage.Backend { return b.overriding }

// PutFile writes to the overriding backend only.
func (b *Backend) PutFile(ctx context.Context, r io.Reader, key storage.Key, reproducible bool) error {
	return b.overriding.PutFile(ctx, r, key, reproducible)
}

// DeleteFile shadows key with a tombstone in the overriding backend. The
// underlying backend is left untouched.
func (b *Backend) DeleteFile(ctx context.Context, key storage.Key) error {
	return b.overriding.PutTombstone(ctx, key)
}

// overridden reports what the overriding layer holds at key: ok is false when
// the key is absent there and the underlying layer decides.
func (b *Backend) overridden(ctx context.Context, key storage.Key) (info *storage.ObjectInfo, ok bool, err error) {
	info, err = b.overriding.Stat(ctx, key)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return info, true, nil
}

// GetFile reads from the overriding backend first. A tombstone there reads as
// not found; a miss falls through to the underlying backend.
func (b *Backend) GetFile(ctx context.Context, key storage.Key) (io.ReadCloser, error) {
	rc, err := b.overriding.GetFile(ctx, key)
	if err == nil {
		return rc, nil
	}
	if !storage.IsNotFound(err) {
		return nil, err
	}
	info, ok, err := b.overridden(ctx, key)
	if err != nil {
		return nil, err
	}
	if ok && info.Kind == storage.ObjectTombstone {
		return nil, fmt.Errorf("%w: %s (deleted in sandbox)", storage.ErrNotFound, key)
	}
	return b.underlying.GetFile(ctx, key)
}

// GetURL prefers the overriding backend's URL when the key exists there.
func (b *Backend) GetURL(ctx context.Context, key storage.Key) (string, error) {
	exists, err := b.overriding.Exists(ctx, key)
	if err != nil {
		return "", err
	}
	if exists {
		return b.overriding.GetURL(ctx, key)
	}
	return b.underlying.GetURL(ctx, key)
}

// Exists reports whether key is visible through the overlay. Shadow-deleted
// keys are not.
func (b *Backend) Exists(ctx context.Context, key storage.Key) (bool, error) {
	info, ok, err := b.overridden(ctx, key)
	if err != nil {
		return false, err
	}
	if ok {
		return info.Kind == storage.ObjectPresent, nil
	}
	return b.underlying.Exists(ctx, key)
}

// Stat returns the metadata visible through the overlay.
func (b *Backend) Stat(ctx context.Context, key storage.Key) (*storage.ObjectInfo, error) {
	info, ok, err := b.overridden(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return b.underlying.Stat(ctx, key)
	}
	if info.Kind == storage.ObjectTombstone {
		return nil, fmt.Errorf("%w: %s (deleted in sandbox)", storage.ErrNotFound, key)
	}
	return info, nil
}
