// Package storectx carries the active storage backend through a context.
//
// Each With returns a child context with the backend pushed on top of the
// parent's stack. The parent is never modified, so leaving a scope (including
// by panic) restores the previous backend, and goroutines holding different
// contexts never observe each other's backend.
package storectx

import (
	"context"
	"errors"
	"io"

	"github.com/imageattach/imageattach/internal/storage"
)

// ErrNoActiveBackend is returned when a backend is needed but none is active in the context.
var ErrNoActiveBackend = errors.New("no active storage backend in context")

type ctxKey struct{}

// frame is one entry of the backend stack. The stack itself is the chain of
// parent contexts.
type frame struct {
	backend storage.Backend
}

func top(ctx context.Context) *frame {
	f, _ := ctx.Value(ctxKey{}).(*frame)
	return f
}

// With returns a context in which b is the active backend.
func With(ctx context.Context, b storage.Backend) context.Context {
	return context.WithValue(ctx, ctxKey{}, &frame{backend: b})
}

// Current returns the active backend or ErrNoActiveBackend.
func Current(ctx context.Context) (storage.Backend, error) {
	f := top(ctx)
	if f == nil {
		return nil, ErrNoActiveBackend
	}
	return f.backend, nil
}

// Run calls fn with b active.
func Run(ctx context.Context, b storage.Backend, fn func(ctx context.Context) error) error {
	return fn(With(ctx, b))
}

// Resolve returns b when it is not nil and the active backend otherwise.
func Resolve(ctx context.Context, b storage.Backend) (storage.Backend, error) {
	if b != nil {
		return b, nil
	}
	return Current(ctx)
}

// Proxy returns a backend that forwards every call to the backend active in
// the call's context.
func Proxy() storage.Backend { return proxy{} }

type proxy struct{}

func (proxy) PutFile(ctx context.Context, r io.Reader, key storage.Key, reproducible bool) error {
	b, err := Current(ctx)
	if err != nil {
		return err
	}
	return b.PutFile(ctx, r, key, reproducible)
}

func (proxy) DeleteFile(ctx context.Context, key storage.Key) error {
	b, err := Current(ctx)
	if err != nil {
		return err
	}
	return b.DeleteFile(ctx, key)
}

func (proxy) GetFile(ctx context.Context, key storage.Key) (io.ReadCloser, error) {
	b, err := Current(ctx)
	if err != nil {
		return nil, err
	}
	return b.GetFile(ctx, key)
}

func (proxy) GetURL(ctx context.Context, key storage.Key) (string, error) {
	b, err := Current(ctx)
	if err != nil {
		return "", err
	}
	return b.GetURL(ctx, key)
}

func (proxy) Exists(ctx context.Context, key storage.Key) (bool, error) {
	b, err := Current(ctx)
	if err != nil {
		return false, err
	}
	return b.Exists(ctx, key)
}

func (proxy) Stat(ctx context.Context, key storage.Key) (*storage.ObjectInfo, error) {
	b, err := Current(ctx)
	if err != nil {
		return nil, err
	}
	return b.Stat(ctx, key)
}
