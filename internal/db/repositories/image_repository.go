// image_repository.go implements ImageRepository, providing database queries for image rows.
// Inserts and deletes run inside a lifecycle transaction so that the bytes in the storage
// backend follow the row.
package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/imageattach/imageattach/internal/db/models"
	"github.com/imageattach/imageattach/internal/lifecycle"
)

const imageColumns = `id, object_type, object_id, width, height, mime_type, original, created_at`

// ImageRepository handles database operations for images
type ImageRepository struct {
	db *sqlx.DB
}

// NewImageRepository creates a new image repository
func NewImageRepository(db *sqlx.DB) *ImageRepository {
	return &ImageRepository{db: db}
}

// DB returns the underlying database handle
func (r *ImageRepository) DB() *sqlx.DB {
	return r.db
}

// Insert stores the image's attached data and inserts its row. It must run inside a
// lifecycle transaction carried by ctx.
func (r *ImageRepository) Insert(ctx context.Context, img *models.Image) error {
	tx, ok := lifecycle.TxFromContext(ctx)
	if !ok {
		return fmt.Errorf("insert image: %w", lifecycle.ErrNoTransaction)
	}
	if err := tx.PreInsert(ctx, img); err != nil {
		return err
	}
	if img.ID == uuid.Nil {
		img.ID = uuid.New()
	}

	query := `
		INSERT INTO images (` + imageColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := tx.ExecContext(ctx, query,
		img.ID, img.ObjectType, img.ObjectID, img.Width, img.Height,
		img.MimeType, img.Original, img.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert image: %w", err)
	}
	return nil
}

// Delete stages the removal of the image's bytes and deletes its row. It must run
// inside a lifecycle transaction carried by ctx, with the image's backend active.
func (r *ImageRepository) Delete(ctx context.Context, img *models.Image) error {
	tx, ok := lifecycle.TxFromContext(ctx)
	if !ok {
		return fmt.Errorf("delete image: %w", lifecycle.ErrNoTransaction)
	}
	if err := tx.PreDelete(ctx, img); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM images WHERE id = $1`, img.ID); err != nil {
		return fmt.Errorf("failed to delete image: %w", err)
	}
	return nil
}

// LockGroup blocks until no other transaction writes to the image group, and
// holds the group until the transaction carried by ctx ends. Writers of one
// group share storage keys, so they must not overlap.
func (r *ImageRepository) LockGroup(ctx context.Context, objectType string, objectID int64) error {
	tx, ok := lifecycle.TxFromContext(ctx)
	if !ok {
		return fmt.Errorf("lock image group: %w", lifecycle.ErrNoTransaction)
	}
	query := `SELECT pg_advisory_xact_lock(hashtextextended($1 || '/' || $2::text, 0))`
	if _, err := tx.ExecContext(ctx, query, objectType, objectID); err != nil {
		return fmt.Errorf("failed to lock image group: %w", err)
	}
	return nil
}

// FindByGroup returns every image of a group, the original first
func (r *ImageRepository) FindByGroup(ctx context.Context, objectType string, objectID int64) ([]*models.Image, error) {
	var images []*models.Image
	query := `
		SELECT ` + imageColumns + `
		FROM images
		WHERE object_type = $1 AND object_id = $2
		ORDER BY original DESC, width, height`
	if err := sqlx.SelectContext(ctx, lifecycle.Executor(ctx, r.db), &images, query, objectType, objectID); err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}
	return images, nil
}

// FindOriginal returns the group's original, or nil when it has none
func (r *ImageRepository) FindOriginal(ctx context.Context, objectType string, objectID int64) (*models.Image, error) {
	var img models.Image
	query := `
		SELECT ` + imageColumns + `
		FROM images
		WHERE object_type = $1 AND object_id = $2 AND original`
	err := sqlx.GetContext(ctx, lifecycle.Executor(ctx, r.db), &img, query, objectType, objectID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get original image: %w", err)
	}
	return &img, nil
}

// FindBySize returns the group member matching the given width and height, or nil.
// A zero width or height matches any value.
func (r *ImageRepository) FindBySize(ctx context.Context, objectType string, objectID int64, width, height int) (*models.Image, error) {
	conds := []string{"object_type = $1", "object_id = $2"}
	args := []interface{}{objectType, objectID}
	if width > 0 {
		args = append(args, width)
		conds = append(conds, fmt.Sprintf("width = $%d", len(args)))
	}
	if height > 0 {
		args = append(args, height)
		conds = append(conds, fmt.Sprintf("height = $%d", len(args)))
	}

	var img models.Image
	query := `
		SELECT ` + imageColumns + `
		FROM images
		WHERE ` + strings.Join(conds, " AND ") + `
		ORDER BY original DESC, width, height
		LIMIT 1`
	err := sqlx.GetContext(ctx, lifecycle.Executor(ctx, r.db), &img, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find image by size: %w", err)
	}
	return &img, nil
}

// Count returns the number of images in a group
func (r *ImageRepository) Count(ctx context.Context, objectType string, objectID int64) (int, error) {
	var n int
	query := `SELECT COUNT(*) FROM images WHERE object_type = $1 AND object_id = $2`
	if err := sqlx.GetContext(ctx, lifecycle.Executor(ctx, r.db), &n, query, objectType, objectID); err != nil {
		return 0, fmt.Errorf("failed to count images: %w", err)
	}
	return n, nil
}

// GroupIDs returns the object ids of every group of objectType that has an original
func (r *ImageRepository) GroupIDs(ctx context.Context, objectType string) ([]int64, error) {
	var ids []int64
	query := `
		SELECT object_id
		FROM images
		WHERE object_type = $1 AND original
		ORDER BY object_id`
	if err := sqlx.SelectContext(ctx, lifecycle.Executor(ctx, r.db), &ids, query, objectType); err != nil {
		return nil, fmt.Errorf("failed to list image groups: %w", err)
	}
	return ids, nil
}

// All iterates over every image row, or only those of objectType when it is not
// empty. Rows are scanned one at a time as the caller consumes the sequence.
func (r *ImageRepository) All(ctx context.Context, objectType string) iter.Seq2[*models.Image, error] {
	return func(yield func(*models.Image, error) bool) {
		query := `SELECT ` + imageColumns + ` FROM images`
		var args []interface{}
		if objectType != "" {
			query += ` WHERE object_type = $1`
			args = append(args, objectType)
		}
		query += ` ORDER BY object_type, object_id, original DESC, width, height`

		rows, err := lifecycle.Executor(ctx, r.db).QueryxContext(ctx, query, args...)
		if err != nil {
			yield(nil, fmt.Errorf("failed to list images: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var img models.Image
			if err := rows.StructScan(&img); err != nil {
				yield(nil, fmt.Errorf("failed to scan image: %w", err))
				return
			}
			if !yield(&img, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, fmt.Errorf("failed to iterate images: %w", err))
		}
	}
}
