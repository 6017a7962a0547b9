// Package imageset manages image groups: the original image attached to one
// application object and the thumbnails derived from it.
//
// Every method that writes (storing an original, deriving a thumbnail,
// purging) must run inside a lifecycle transaction carried by the context.
// The bytes follow the rows: they are written eagerly, and removed again if the
// transaction rolls back.
package imageset

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/imageattach/imageattach/internal/db/models"
	"github.com/imageattach/imageattach/internal/imaging"
	"github.com/imageattach/imageattach/internal/lifecycle"
	"github.com/imageattach/imageattach/internal/storage"
	"github.com/imageattach/imageattach/internal/storectx"
	"github.com/imageattach/imageattach/internal/telemetry"
)

// Repository is the persistence an image group needs.
type Repository interface {
	Insert(ctx context.Context, img *models.Image) error
	Delete(ctx context.Context, img *models.Image) error
	LockGroup(ctx context.Context, objectType string, objectID int64) error
	FindByGroup(ctx context.Context, objectType string, objectID int64) ([]*models.Image, error)
	FindOriginal(ctx context.Context, objectType string, objectID int64) (*models.Image, error)
	FindBySize(ctx context.Context, objectType string, objectID int64, width, height int) (*models.Image, error)
	Count(ctx context.Context, objectType string, objectID int64) (int, error)
	GroupIDs(ctx context.Context, objectType string) ([]int64, error)
}

// Set is the image group of one object.
type Set struct {
	objectType string
	objectID   int64
	repo       Repository
	codec      *imaging.Codec
	filter     imaging.Filter

	// added holds the images inserted through this Set in the transaction tx.
	tx    *lifecycle.Tx
	added []*models.Image

	// locked is the transaction already holding the group lock.
	locked *lifecycle.Tx
}

// New returns the image group of (objectType, objectID).
func New(repo Repository, codec *imaging.Codec, objectType string, objectID int64) *Set {
	return &Set{
		objectType: objectType,
		objectID:   objectID,
		repo:       repo,
		codec:      codec,
		filter:     imaging.DefaultFilter,
	}
}

// ObjectType returns the group's object type.
func (s *Set) ObjectType() string { return s.objectType }

// ObjectID returns the group's object id.
func (s *Set) ObjectID() int64 { return s.objectID }

// FromReader decodes r and stores it as the group's new original, replacing
// the previous original and every thumbnail.
func (s *Set) FromReader(ctx context.Context, r io.Reader, b storage.Backend) (*models.Image, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	return s.FromBytes(ctx, data, b)
}

// FromBytes is FromReader for data already in memory.
func (s *Set) FromBytes(ctx context.Context, data []byte, b storage.Backend) (*models.Image, error) {
	d, err := s.codec.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrValidation, err)
	}
	return s.FromRawReader(ctx, bytes.NewReader(data), d.Width, d.Height, d.MimeType, true, b)
}

// FromRawReader stores r as a member of the group without decoding it. When
// original is set the group is purged first. A nil b uses the backend active in
// ctx.
func (s *Set) FromRawReader(ctx context.Context, r io.Reader, width, height int, mimeType string, original bool, b storage.Backend) (*models.Image, error) {
	b, err := storectx.Resolve(ctx, b)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, fmt.Errorf("%w: no image data", storage.ErrValidation)
	}
	img := &models.Image{
		ObjectType: s.objectType,
		ObjectID:   s.objectID,
		Width:      width,
		Height:     height,
		MimeType:   imaging.NormalizeMimeType(mimeType),
		Original:   original,
		CreatedAt:  time.Now().UTC(),
	}
	if err := img.StorageKey().Validate(); err != nil {
		return nil, err
	}

	tx, ok := lifecycle.TxFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("store image: %w", lifecycle.ErrNoTransaction)
	}
	if err := s.lock(ctx); err != nil {
		return nil, err
	}
	if original {
		if err := s.Purge(storectx.With(ctx, b)); err != nil {
			return nil, err
		}
	}

	img.Attach(r, b)
	if err := s.repo.Insert(ctx, img); err != nil {
		return nil, err
	}
	s.track(tx, img)
	return img, nil
}

// lock serialises writers of the group for the rest of the transaction carried
// by ctx. Without a transaction there is nothing to hold the lock and it is a
// no-op.
func (s *Set) lock(ctx context.Context) error {
	tx, ok := lifecycle.TxFromContext(ctx)
	if !ok || tx == s.locked {
		return nil
	}
	if err := s.repo.LockGroup(ctx, s.objectType, s.objectID); err != nil {
		return err
	}
	s.locked = tx
	return nil
}

func (s *Set) track(tx *lifecycle.Tx, img *models.Image) {
	if s.tx != tx {
		s.tx, s.added = tx, nil
	}
	s.added = append(s.added, img)
}

// pending returns the image of the given size added in the transaction of ctx.
func (s *Set) pending(ctx context.Context, width, height int) *models.Image {
	for _, img := range s.addedIn(ctx) {
		if img.Width == width && img.Height == height {
			return img
		}
	}
	return nil
}

// GenerateThumbnail returns the group's variant of the requested size,
// resizing the original only when no such variant exists yet. An empty filter
// uses the group's default. A nil b uses the backend active in ctx.
func (s *Set) GenerateThumbnail(ctx context.Context, size Size, filter imaging.Filter, b storage.Backend) (*models.Image, error) {
	if err := size.Validate(); err != nil {
		return nil, err
	}
	b, err := storectx.Resolve(ctx, b)
	if err != nil {
		return nil, err
	}
	// Held before the lookups so two requests cannot both miss and both resize.
	if err := s.lock(ctx); err != nil {
		return nil, err
	}
	original, err := s.RequireOriginal(ctx)
	if err != nil {
		return nil, err
	}
	width, height := size.Resolve(original.Width, original.Height)
	if width == original.Width && height == original.Height {
		return original, nil
	}

	if img := s.pending(ctx, width, height); img != nil {
		telemetry.ThumbnailDerivationsTotal.WithLabelValues("cached_pending").Inc()
		return img, nil
	}
	if !original.Transient() {
		img, err := s.repo.FindBySize(ctx, s.objectType, s.objectID, width, height)
		if err != nil {
			return nil, err
		}
		if img != nil {
			telemetry.ThumbnailDerivationsTotal.WithLabelValues("cached_persisted").Inc()
			return img, nil
		}
	}

	if filter == "" {
		filter = s.filter
	}
	data, mimeType, err := s.resize(ctx, original, width, height, filter, b)
	if err != nil {
		return nil, err
	}
	img, err := s.FromRawReader(ctx, bytes.NewReader(data), width, height, mimeType, false, b)
	if err != nil {
		return nil, err
	}
	telemetry.ThumbnailDerivationsTotal.WithLabelValues("resized").Inc()
	slog.Debug("derived thumbnail",
		"object_type", s.objectType,
		"object_id", s.objectID,
		"width", width,
		"height", height,
		"filter", string(filter),
	)
	return img, nil
}

func (s *Set) resize(ctx context.Context, original *models.Image, width, height int, filter imaging.Filter, b storage.Backend) ([]byte, string, error) {
	f, err := storage.Open(ctx, b, original, false)
	if err != nil {
		return nil, "", err
	}
	defer f.Close()

	d, err := s.codec.Decode(f)
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode original %s: %w", original.StorageKey(), err)
	}
	return s.codec.Resize(d, width, height, filter)
}

// Original returns the group's original, or nil when it has none.
func (s *Set) Original(ctx context.Context) (*models.Image, error) {
	for _, img := range s.addedIn(ctx) {
		if img.Original {
			return img, nil
		}
	}
	return s.repo.FindOriginal(ctx, s.objectType, s.objectID)
}

func (s *Set) addedIn(ctx context.Context) []*models.Image {
	if tx, ok := lifecycle.TxFromContext(ctx); ok && tx == s.tx {
		return s.added
	}
	return nil
}

// RequireOriginal is Original failing with storage.ErrMissingOriginal instead
// of returning nil.
func (s *Set) RequireOriginal(ctx context.Context) (*models.Image, error) {
	img, err := s.Original(ctx)
	if err != nil {
		return nil, err
	}
	if img == nil {
		return nil, fmt.Errorf("%w: %s %d", storage.ErrMissingOriginal, s.objectType, s.objectID)
	}
	return img, nil
}

// FindThumbnail returns the member matching width and height. Either may be
// zero to match any value, but not both.
func (s *Set) FindThumbnail(ctx context.Context, width, height int) (*models.Image, error) {
	if width <= 0 && height <= 0 {
		return nil, fmt.Errorf("%w: width or height is required", storage.ErrValidation)
	}
	for _, img := range s.addedIn(ctx) {
		if (width <= 0 || img.Width == width) && (height <= 0 || img.Height == height) {
			return img, nil
		}
	}
	img, err := s.repo.FindBySize(ctx, s.objectType, s.objectID, width, height)
	if err != nil {
		return nil, err
	}
	if img == nil {
		return nil, fmt.Errorf("%w: no %dx%d image for %s %d", storage.ErrNotFound, width, height, s.objectType, s.objectID)
	}
	return img, nil
}

// Open opens the original's bytes.
func (s *Set) Open(ctx context.Context, b storage.Backend, seekable bool) (io.ReadCloser, error) {
	b, err := storectx.Resolve(ctx, b)
	if err != nil {
		return nil, err
	}
	original, err := s.RequireOriginal(ctx)
	if err != nil {
		return nil, err
	}
	return storage.Open(ctx, b, original, seekable)
}

// MakeBytes reads the original's bytes into memory.
func (s *Set) MakeBytes(ctx context.Context, b storage.Backend) ([]byte, error) {
	f, err := s.Open(ctx, b, false)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// Locate returns the cache-busting URL of the original.
func (s *Set) Locate(ctx context.Context, b storage.Backend) (string, error) {
	b, err := storectx.Resolve(ctx, b)
	if err != nil {
		return "", err
	}
	original, err := s.RequireOriginal(ctx)
	if err != nil {
		return "", err
	}
	return storage.Locate(ctx, b, original)
}

// Count returns the number of images in the group.
func (s *Set) Count(ctx context.Context) (int, error) {
	return s.repo.Count(ctx, s.objectType, s.objectID)
}

// Purge deletes every member of the group. Their bytes are removed from the
// backend active in ctx once the transaction commits.
func (s *Set) Purge(ctx context.Context) error {
	if err := s.lock(ctx); err != nil {
		return err
	}
	images, err := s.repo.FindByGroup(ctx, s.objectType, s.objectID)
	if err != nil {
		return err
	}
	for _, img := range images {
		if err := s.repo.Delete(ctx, img); err != nil {
			return err
		}
	}
	if tx, ok := lifecycle.TxFromContext(ctx); ok && tx == s.tx {
		s.added = nil
	}
	return nil
}
