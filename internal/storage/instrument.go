package storage

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/imageattach/imageattach/internal/telemetry"
)

// Instrument wraps b so every primitive call is counted and timed under the
// given backend name. The wrapper implements Tombstoner only when b does.
func Instrument(name string, b Backend) Backend {
	in := &instrumented{name: name, next: b}
	if t, ok := b.(Tombstoner); ok {
		return &instrumentedTombstoner{instrumented: in, tomb: t}
	}
	return in
}

type instrumented struct {
	name string
	next Backend
}

func (b *instrumented) observe(op string, start time.Time, err error) {
	result := "ok"
	switch {
	case errors.Is(err, ErrNotFound):
		result = "not_found"
	case err != nil:
		result = "error"
	}
	telemetry.BackendOperationsTotal.WithLabelValues(b.name, op, result).Inc()
	telemetry.BackendOperationDuration.WithLabelValues(b.name, op).Observe(time.Since(start).Seconds())
}

// Unwrap returns the instrumented backend.
func (b *instrumented) Unwrap() Backend { return b.next }

func (b *instrumented) PutFile(ctx context.Context, r io.Reader, key Key, reproducible bool) (err error) {
	defer func(start time.Time) { b.observe("put_file", start, err) }(time.Now())
	return b.next.PutFile(ctx, r, key, reproducible)
}

func (b *instrumented) DeleteFile(ctx context.Context, key Key) (err error) {
	defer func(start time.Time) { b.observe("delete_file", start, err) }(time.Now())
	return b.next.DeleteFile(ctx, key)
}

func (b *instrumented) GetFile(ctx context.Context, key Key) (rc io.ReadCloser, err error) {
	defer func(start time.Time) { b.observe("get_file", start, err) }(time.Now())
	return b.next.GetFile(ctx, key)
}

func (b *instrumented) GetURL(ctx context.Context, key Key) (u string, err error) {
	defer func(start time.Time) { b.observe("get_url", start, err) }(time.Now())
	return b.next.GetURL(ctx, key)
}

func (b *instrumented) Exists(ctx context.Context, key Key) (ok bool, err error) {
	defer func(start time.Time) { b.observe("exists", start, err) }(time.Now())
	return b.next.Exists(ctx, key)
}

func (b *instrumented) Stat(ctx context.Context, key Key) (info *ObjectInfo, err error) {
	defer func(start time.Time) { b.observe("stat", start, err) }(time.Now())
	return b.next.Stat(ctx, key)
}

type instrumentedTombstoner struct {
	*instrumented
	tomb Tombstoner
}

func (b *instrumentedTombstoner) PutTombstone(ctx context.Context, key Key) (err error) {
	defer func(start time.Time) { b.observe("put_tombstone", start, err) }(time.Now())
	return b.tomb.PutTombstone(ctx, key)
}
