// Package images implements the HTTP handlers for image groups: uploading an
// object's original, deriving thumbnails, locating and streaming stored bytes,
// and purging a group. Every write runs in one lifecycle transaction, so a
// failed request leaves neither rows nor bytes behind.
package images

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"

	"github.com/imageattach/imageattach/internal/db/models"
	"github.com/imageattach/imageattach/internal/imageset"
	"github.com/imageattach/imageattach/internal/imaging"
	"github.com/imageattach/imageattach/internal/lifecycle"
	"github.com/imageattach/imageattach/internal/middleware"
	"github.com/imageattach/imageattach/internal/storage"
	"github.com/imageattach/imageattach/internal/storectx"
	"github.com/imageattach/imageattach/pkg/checksum"
)

// DefaultMaxUploadSize bounds an uploaded original when no limit is configured.
const DefaultMaxUploadSize = 32 << 20

var errTooLarge = errors.New("upload exceeds the maximum size")

// Handlers serves the image endpoints for every object type.
type Handlers struct {
	db            *sqlx.DB
	coord         *lifecycle.Coordinator
	repo          imageset.Repository
	codec         *imaging.Codec
	filter        imaging.Filter
	backend       storage.Backend
	maxUploadSize int64

	// current reads through whichever backend the request context made active.
	current storage.Backend
}

// Options configures NewHandlers. Zero values select the defaults.
type Options struct {
	Filter        imaging.Filter
	MaxUploadSize int64
	Logger        *slog.Logger
}

// NewHandlers creates the image handlers. Bytes are written to backend.
func NewHandlers(db *sqlx.DB, repo imageset.Repository, codec *imaging.Codec, backend storage.Backend, opts Options) *Handlers {
	if opts.MaxUploadSize <= 0 {
		opts.MaxUploadSize = DefaultMaxUploadSize
	}
	return &Handlers{
		db:            db,
		coord:         lifecycle.NewCoordinator(opts.Logger),
		repo:          repo,
		codec:         codec,
		filter:        opts.Filter,
		backend:       backend,
		maxUploadSize: opts.MaxUploadSize,
		current:       storectx.Proxy(),
	}
}

// Register mounts the handlers under group, e.g. /v1/images. upload wraps the
// upload route, e.g. with a rate limiter.
func (h *Handlers) Register(group *gin.RouterGroup, upload ...gin.HandlerFunc) {
	group.GET("/:object_type", h.ListGroups)

	object := group.Group("/:object_type/:object_id")
	object.POST("", append(upload, h.Upload)...)
	object.GET("", h.GetOriginal)
	object.DELETE("", h.Delete)
	object.GET("/thumbnail", h.Thumbnail)
	object.GET("/file", h.File)
}

// imageResponse is an image row together with its cache-busting URL.
type imageResponse struct {
	*models.Image
	URL string `json:"url"`
}

// set resolves the group addressed by the request and a context carrying the
// handlers' backend.
func (h *Handlers) set(c *gin.Context) (context.Context, *imageset.Set, error) {
	objectType := c.Param("object_type")
	objectID, err := strconv.ParseInt(c.Param("object_id"), 10, 64)
	if err != nil || objectID < 0 {
		return nil, nil, fmt.Errorf("%w: object id must be a non-negative integer", storage.ErrValidation)
	}
	ctx := storectx.With(c.Request.Context(), h.backend)
	return ctx, imageset.NewCollection(h.repo, h.codec, objectType, h.filter).Get(objectID), nil
}

// inTransaction runs fn in a lifecycle transaction that writes to the
// handlers' backend.
func (h *Handlers) inTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return storectx.Run(ctx, h.backend, func(ctx context.Context) error {
		return lifecycle.RunInTransaction(ctx, h.db, h.coord, fn)
	})
}

func (h *Handlers) respondImage(ctx context.Context, c *gin.Context, status int, img *models.Image) {
	u, err := storage.Locate(ctx, h.current, img)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(status, imageResponse{Image: img, URL: u})
}

// @Summary      Upload original image
// @Description  Stores a new original for the object, replacing the previous original and every thumbnail. Accepts a multipart form with a "file" field or the raw image as request body.
// @Tags         Images
// @Accept       multipart/form-data
// @Produce      json
// @Param        object_type  path      string  true  "Object type (e.g. user)"
// @Param        object_id    path      int     true  "Object id"
// @Param        file         formData  file    false "Image file"
// @Success      201  {object}  imageResponse
// @Failure      400  {object}  map[string]interface{}  "Invalid object id or unsupported image"
// @Failure      413  {object}  map[string]interface{}  "Image too large"
// @Failure      429  {object}  map[string]interface{}  "Rate limit exceeded"
// @Router       /v1/images/{object_type}/{object_id} [post]
// Upload handles POST /v1/images/:object_type/:object_id
func (h *Handlers) Upload(c *gin.Context) {
	ctx, set, err := h.set(c)
	if err != nil {
		respondError(c, err)
		return
	}

	data, err := h.readUpload(c)
	if err != nil {
		respondError(c, err)
		return
	}

	var img *models.Image
	err = h.inTransaction(ctx, func(ctx context.Context) error {
		var err error
		img, err = set.FromBytes(ctx, data, nil)
		return err
	})
	if err != nil {
		respondError(c, err)
		return
	}

	slog.InfoContext(ctx, "stored original image",
		"object_type", img.ObjectType,
		"object_id", img.ObjectID,
		"width", img.Width,
		"height", img.Height,
		"mime_type", img.MimeType,
		"request_id", middleware.RequestIDFrom(ctx),
	)
	h.respondImage(ctx, c, http.StatusCreated, img)
}

// readUpload returns the uploaded bytes from a multipart "file" field or the
// raw request body.
func (h *Handlers) readUpload(c *gin.Context) ([]byte, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadSize)

	var r io.Reader = c.Request.Body
	if mediaType, _, _ := mime.ParseMediaType(c.GetHeader("Content-Type")); mediaType == "multipart/form-data" {
		file, _, err := c.Request.FormFile("file")
		if err != nil {
			if isTooLarge(err) {
				return nil, errTooLarge
			}
			return nil, fmt.Errorf("%w: missing or invalid file upload", storage.ErrValidation)
		}
		defer file.Close()
		r = file
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		if isTooLarge(err) {
			return nil, errTooLarge
		}
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}
	if buf.Len() == 0 {
		return nil, fmt.Errorf("%w: empty upload", storage.ErrValidation)
	}
	return buf.Bytes(), nil
}

func isTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}

// @Summary      Get original image
// @Description  Returns the original's metadata and URL.
// @Tags         Images
// @Produce      json
// @Param        object_type  path  string  true  "Object type"
// @Param        object_id    path  int     true  "Object id"
// @Success      200  {object}  imageResponse
// @Failure      404  {object}  map[string]interface{}  "Object has no original"
// @Router       /v1/images/{object_type}/{object_id} [get]
// GetOriginal handles GET /v1/images/:object_type/:object_id
func (h *Handlers) GetOriginal(c *gin.Context) {
	ctx, set, err := h.set(c)
	if err != nil {
		respondError(c, err)
		return
	}
	img, err := set.RequireOriginal(ctx)
	if err != nil {
		respondError(c, err)
		return
	}
	h.respondImage(ctx, c, http.StatusOK, img)
}

// @Summary      Get or derive a thumbnail
// @Description  Returns the thumbnail of the requested size, resizing the original only when no such variant is stored yet. Exactly one of width, height or ratio is required.
// @Tags         Images
// @Produce      json
// @Param        object_type  path   string  true   "Object type"
// @Param        object_id    path   int     true   "Object id"
// @Param        width        query  int     false  "Target width"
// @Param        height       query  int     false  "Target height"
// @Param        ratio        query  number  false  "Scale ratio"
// @Param        filter       query  string  false  "Resampling filter (nearest, approx_bilinear, bilinear, catmull_rom)"
// @Success      200  {object}  imageResponse
// @Failure      400  {object}  map[string]interface{}  "Invalid size or filter"
// @Failure      404  {object}  map[string]interface{}  "Object has no original"
// @Router       /v1/images/{object_type}/{object_id}/thumbnail [get]
// Thumbnail handles GET /v1/images/:object_type/:object_id/thumbnail
func (h *Handlers) Thumbnail(c *gin.Context) {
	ctx, set, err := h.set(c)
	if err != nil {
		respondError(c, err)
		return
	}
	size, filter, err := parseThumbnailQuery(c)
	if err != nil {
		respondError(c, err)
		return
	}

	var img *models.Image
	err = h.inTransaction(ctx, func(ctx context.Context) error {
		var err error
		img, err = set.GenerateThumbnail(ctx, size, filter, nil)
		return err
	})
	if err != nil {
		respondError(c, err)
		return
	}
	h.respondImage(ctx, c, http.StatusOK, img)
}

func parseThumbnailQuery(c *gin.Context) (imageset.Size, imaging.Filter, error) {
	width, err := queryInt(c, "width")
	if err != nil {
		return imageset.Size{}, "", err
	}
	height, err := queryInt(c, "height")
	if err != nil {
		return imageset.Size{}, "", err
	}
	var ratio float64
	if s := c.Query("ratio"); s != "" {
		if ratio, err = strconv.ParseFloat(s, 64); err != nil {
			return imageset.Size{}, "", fmt.Errorf("%w: ratio must be a number", storage.ErrValidation)
		}
	}
	size, err := imageset.ParseSize(ratio, width, height)
	if err != nil {
		return imageset.Size{}, "", err
	}

	var filter imaging.Filter
	if s := c.Query("filter"); s != "" {
		if filter, err = imaging.ParseFilter(s); err != nil {
			return imageset.Size{}, "", fmt.Errorf("%w: %v", storage.ErrValidation, err)
		}
	}
	return size, filter, nil
}

func queryInt(c *gin.Context, name string) (int, error) {
	s := c.Query(name)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", storage.ErrValidation, name)
	}
	return n, nil
}

// @Summary      Download image bytes
// @Description  Streams the stored bytes of the original, or of the stored variant matching width and/or height.
// @Tags         Images
// @Produce      image/png
// @Produce      image/jpeg
// @Param        object_type  path   string  true   "Object type"
// @Param        object_id    path   int     true   "Object id"
// @Param        width        query  int     false  "Variant width"
// @Param        height       query  int     false  "Variant height"
// @Success      200  {file}    binary
// @Failure      404  {object}  map[string]interface{}  "No such image"
// @Router       /v1/images/{object_type}/{object_id}/file [get]
// File handles GET /v1/images/:object_type/:object_id/file
func (h *Handlers) File(c *gin.Context) {
	ctx, set, err := h.set(c)
	if err != nil {
		respondError(c, err)
		return
	}
	width, err := queryInt(c, "width")
	if err != nil {
		respondError(c, err)
		return
	}
	height, err := queryInt(c, "height")
	if err != nil {
		respondError(c, err)
		return
	}

	if width == 0 && height == 0 {
		h.serveOriginal(ctx, c, set)
		return
	}

	img, err := set.FindThumbnail(ctx, width, height)
	if err != nil {
		respondError(c, err)
		return
	}

	rc, err := storage.Open(ctx, h.current, img, false)
	if err != nil {
		respondError(c, err)
		return
	}
	defer rc.Close()

	c.DataFromReader(http.StatusOK, -1, img.MimeType, rc, map[string]string{
		"Cache-Control": "public, max-age=86400",
	})
}

// serveOriginal answers with the original's bytes and a content-derived ETag,
// or 304 when the client already holds them.
func (h *Handlers) serveOriginal(ctx context.Context, c *gin.Context, set *imageset.Set) {
	original, err := set.RequireOriginal(ctx)
	if err != nil {
		respondError(c, err)
		return
	}
	data, err := set.MakeBytes(ctx, h.current)
	if err != nil {
		respondError(c, err)
		return
	}
	sum, err := checksum.CalculateSHA256(bytes.NewReader(data))
	if err != nil {
		respondError(c, err)
		return
	}

	etag := `"` + sum + `"`
	c.Header("ETag", etag)
	c.Header("Cache-Control", "public, max-age=86400")
	if c.GetHeader("If-None-Match") == etag {
		c.Status(http.StatusNotModified)
		return
	}
	c.Data(http.StatusOK, original.MimeType, data)
}

// @Summary      List image groups
// @Description  Returns the ids of the objects of one type that have an original.
// @Tags         Images
// @Produce      json
// @Param        object_type  path  string  true  "Object type"
// @Success      200  {object}  map[string]interface{}
// @Router       /v1/images/{object_type} [get]
// ListGroups handles GET /v1/images/:object_type
func (h *Handlers) ListGroups(c *gin.Context) {
	objectType := c.Param("object_type")
	ids, err := imageset.NewCollection(h.repo, h.codec, objectType, h.filter).Groups(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	if ids == nil {
		ids = []int64{}
	}
	c.JSON(http.StatusOK, gin.H{"object_type": objectType, "object_ids": ids})
}

// @Summary      Delete image group
// @Description  Deletes the original and every thumbnail of the object. Bytes are removed once the transaction commits.
// @Tags         Images
// @Param        object_type  path  string  true  "Object type"
// @Param        object_id    path  int     true  "Object id"
// @Success      204  "No Content"
// @Failure      404  {object}  map[string]interface{}  "Object has no images"
// @Router       /v1/images/{object_type}/{object_id} [delete]
// Delete handles DELETE /v1/images/:object_type/:object_id
func (h *Handlers) Delete(c *gin.Context) {
	ctx, set, err := h.set(c)
	if err != nil {
		respondError(c, err)
		return
	}

	err = h.inTransaction(ctx, func(ctx context.Context) error {
		n, err := set.Count(ctx)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: %s %d has no images", storage.ErrNotFound, set.ObjectType(), set.ObjectID())
		}
		return set.Purge(ctx)
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// statusOf maps an error to the HTTP status it is reported with.
func statusOf(err error) int {
	switch {
	case errors.Is(err, errTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrValidation):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func respondError(c *gin.Context, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		slog.ErrorContext(c.Request.Context(), "image request failed",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"request_id", middleware.RequestIDFrom(c.Request.Context()),
			"error", err,
		)
		c.JSON(status, gin.H{"error": "internal server error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
