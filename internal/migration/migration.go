// Package migration copies image bytes from one storage backend to another.
//
// Rows are read lazily and copied one at a time; the source is never modified,
// so a failed or interrupted run can simply be repeated.
package migration

import (
	"context"
	"fmt"
	"iter"
	"log/slog"

	"github.com/imageattach/imageattach/internal/db/models"
	"github.com/imageattach/imageattach/internal/storage"
	"github.com/imageattach/imageattach/internal/telemetry"
	"github.com/imageattach/imageattach/pkg/checksum"
)

// Rows lists the image rows to migrate. An empty objectType means every type.
type Rows interface {
	All(ctx context.Context, objectType string) iter.Seq2[*models.Image, error]
}

// Plan describes one migration between two backends.
type Plan struct {
	rows       Rows
	objectType string
	src, dst   storage.Backend

	// VerifyCopies compares the digest of every copy with its source.
	VerifyCopies bool
}

// New plans the migration of every image row from src to dst.
func New(rows Rows, src, dst storage.Backend) *Plan {
	return ForType(rows, "", src, dst)
}

// ForType plans the migration of the image rows of one object type.
func ForType(rows Rows, objectType string, src, dst storage.Backend) *Plan {
	return &Plan{rows: rows, objectType: objectType, src: src, dst: dst}
}

// All copies images as the sequence is consumed, yielding each image once its
// bytes are in the destination. A failed copy is yielded with its error and the
// sequence continues with the next row; a failed row listing ends it.
func (p *Plan) All(ctx context.Context) iter.Seq2[*models.Image, error] {
	return func(yield func(*models.Image, error) bool) {
		for img, err := range p.rows.All(ctx, p.objectType) {
			if err != nil {
				yield(nil, err)
				return
			}
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			err := p.copy(ctx, img)
			if err != nil {
				telemetry.MigratedImagesTotal.WithLabelValues("error").Inc()
			} else {
				telemetry.MigratedImagesTotal.WithLabelValues("ok").Inc()
			}
			if !yield(img, err) {
				return
			}
		}
	}
}

func (p *Plan) copy(ctx context.Context, img *models.Image) error {
	f, err := storage.Open(ctx, p.src, img, false)
	if err != nil {
		return fmt.Errorf("failed to open %s in source: %w", img.StorageKey(), err)
	}
	defer f.Close()

	if err := storage.Store(ctx, p.dst, img, f); err != nil {
		return fmt.Errorf("failed to store %s in destination: %w", img.StorageKey(), err)
	}
	if p.VerifyCopies {
		return p.Verify(ctx, img)
	}
	return nil
}

// Verify reports an error unless img has identical bytes in both backends.
func (p *Plan) Verify(ctx context.Context, img *models.Image) error {
	a, err := storage.Open(ctx, p.src, img, false)
	if err != nil {
		return err
	}
	defer a.Close()
	b, err := storage.Open(ctx, p.dst, img, false)
	if err != nil {
		return err
	}
	defer b.Close()

	same, err := checksum.Equal(a, b)
	if err != nil {
		return err
	}
	if !same {
		return fmt.Errorf("checksum mismatch for %s after copy", img.StorageKey())
	}
	return nil
}

// Execute drains All, calling progress (when not nil) after every copied
// image. It stops at the first error and returns the number of images copied.
func (p *Plan) Execute(ctx context.Context, progress func(*models.Image)) (int, error) {
	n := 0
	for img, err := range p.All(ctx) {
		if err != nil {
			if img != nil {
				slog.Error("image migration failed",
					"object_type", img.ObjectType,
					"object_id", img.ObjectID,
					"width", img.Width,
					"height", img.Height,
					"error", err,
				)
			}
			return n, err
		}
		n++
		if progress != nil {
			progress(img)
		}
	}
	return n, nil
}
