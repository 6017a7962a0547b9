// Package lifecycle keeps image bytes in backends consistent with image rows in
// the database.
//
// Bytes are written eagerly when a row is about to be inserted, so a failing
// backend aborts the transaction before it commits. Deletes are deferred until
// the transaction commits, so readers keep seeing the old bytes until then. A
// rollback deletes the bytes written during the transaction again.
//
// A write that lands on a key already holding bytes (the same image size stored
// again without unique URLs) keeps a copy of those bytes, and a rollback puts
// them back instead of deleting the key. Committed rows sharing that key keep
// their bytes.
//
// A crash between an eager write and the commit can leave an orphaned object in
// the backend. It can never leave a row pointing at missing bytes.
package lifecycle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/imageattach/imageattach/internal/db/models"
	"github.com/imageattach/imageattach/internal/ledger"
	"github.com/imageattach/imageattach/internal/storage"
	"github.com/imageattach/imageattach/internal/storectx"
	"github.com/imageattach/imageattach/internal/telemetry"
)

// ErrPendingMissing is returned when an image reaches insertion without data
// or a backend attached.
var ErrPendingMissing = errors.New("image has no attached data or backend to store")

// Coordinator applies the transaction lifecycle events to a ledger.
type Coordinator struct {
	logger *slog.Logger
}

// NewCoordinator creates a coordinator logging cleanup failures to logger.
// A nil logger uses slog.Default().
func NewCoordinator(logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{logger: logger}
}

// PreInsert writes the data attached to img to its backend and records the
// write in l. The attachment is dropped afterwards.
func (c *Coordinator) PreInsert(ctx context.Context, l *ledger.Ledger, img *models.Image) error {
	p := img.Pending()
	if p == nil || p.Data == nil || p.Backend == nil {
		return fmt.Errorf("%w: %s", ErrPendingMissing, img.StorageKey())
	}
	previous, err := c.snapshot(ctx, p.Backend, img)
	if err != nil {
		return err
	}
	if err := storage.Store(ctx, p.Backend, img, p.Data); err != nil {
		return err
	}
	if previous != nil {
		l.RecordReplace(img, p.Backend, previous)
	} else {
		l.RecordStore(img, p.Backend)
	}
	img.Detach()
	return nil
}

// snapshot reads the bytes currently stored under img's key, or nil when the
// key is empty.
func (c *Coordinator) snapshot(ctx context.Context, b storage.Backend, img *models.Image) ([]byte, error) {
	f, err := storage.Open(ctx, b, img, false)
	if storage.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read bytes replaced by %s: %w", img.StorageKey(), err)
	}
	return data, nil
}

// PreDelete records that img is to be removed from the backend active in ctx
// once the transaction commits.
func (c *Coordinator) PreDelete(ctx context.Context, l *ledger.Ledger, img *models.Image) error {
	b, err := storectx.Current(ctx)
	if err != nil {
		return err
	}
	l.RecordDelete(img, b)
	return nil
}

// PostCommit executes the deferred deletes recorded in l, skipping those
// superseded by a later store of the same image on the same backend. Failures
// are logged and do not stop the remaining deletes.
func (c *Coordinator) PostCommit(ctx context.Context, l *ledger.Ledger) {
	stored, deleted := l.Drain()
	for _, d := range deleted {
		if ledger.Superseded(d, stored) {
			telemetry.LedgerFlushTotal.WithLabelValues("commit", "skipped").Inc()
			continue
		}
		c.remove(ctx, "commit", d)
	}
}

// PostRollback undoes the writes made during the transaction, newest first:
// overwritten bytes are restored and fresh keys deleted. Deferred deletes are
// discarded. Failures are logged and do not stop the remaining entries.
func (c *Coordinator) PostRollback(ctx context.Context, l *ledger.Ledger) {
	stored, _ := l.Drain()
	for i := len(stored) - 1; i >= 0; i-- {
		if s := stored[i]; s.Previous != nil {
			c.restore(ctx, s)
		} else {
			c.remove(ctx, "rollback", s)
		}
	}
}

func (c *Coordinator) restore(ctx context.Context, e ledger.Entry) {
	if err := storage.Store(ctx, e.Backend, e.Image, bytes.NewReader(e.Previous)); err != nil {
		telemetry.LedgerFlushTotal.WithLabelValues("rollback", "error").Inc()
		c.logger.Error("failed to restore image bytes after rollback",
			"key", e.Image.StorageKey().String(),
			"error", err,
		)
		return
	}
	telemetry.LedgerFlushTotal.WithLabelValues("rollback", "restored").Inc()
}

func (c *Coordinator) remove(ctx context.Context, phase string, e ledger.Entry) {
	if err := storage.Delete(ctx, e.Backend, e.Image); err != nil {
		telemetry.LedgerFlushTotal.WithLabelValues(phase, "error").Inc()
		c.logger.Error("failed to delete image bytes after transaction",
			"phase", phase,
			"key", e.Image.StorageKey().String(),
			"error", err,
		)
		return
	}
	telemetry.LedgerFlushTotal.WithLabelValues(phase, "ok").Inc()
}
