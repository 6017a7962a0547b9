package storage

import (
	"fmt"
	"mime"
	"path"
	"strconv"
	"strings"
	"time"
)

// extensions pins the file extension used for common image types. The system
// mime database differs between hosts, and a drifting extension would orphan
// every stored file, so lookups only fall back to it for unlisted types.
// image/jpeg maps to .jpe for compatibility with existing trees.
var extensions = map[string]string{
	"image/jpeg":               ".jpe",
	"image/png":                ".png",
	"image/gif":                ".gif",
	"image/webp":               ".webp",
	"image/bmp":                ".bmp",
	"image/tiff":               ".tiff",
	"image/svg+xml":            ".svg",
	"image/x-icon":             ".ico",
	"image/vnd.microsoft.icon": ".ico",
	"image/avif":               ".avif",
	"application/pdf":          ".pdf",
}

// Extension returns the file extension (with leading dot) for a mime type, or
// "" when none is known.
func Extension(mimeType string) string {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	if ext, ok := extensions[mimeType]; ok {
		return ext
	}
	exts, err := mime.ExtensionsByType(mimeType)
	if err != nil || len(exts) == 0 {
		return ""
	}
	return exts[0]
}

// createdTagLayout renders YYYYMMDDhhmmss followed by microseconds.
const createdTagLayout = "20060102150405.000000"

// CreatedTag serialises t into a compact, lexically ordered tag used for cache
// busting and unique URLs, e.g. 20130510153023000123.
func CreatedTag(t time.Time) string {
	return strings.Replace(t.UTC().Format(createdTagLayout), ".", "", 1)
}

// Validate reports whether the key can address bytes in a backend.
func (k Key) Validate() error {
	switch {
	case k.ObjectType == "":
		return fmt.Errorf("%w: object type is required", ErrValidation)
	case k.ObjectType == "." || k.ObjectType == ".." || strings.ContainsAny(k.ObjectType, `/\`):
		return fmt.Errorf("%w: object type %q is not a single path segment", ErrValidation, k.ObjectType)
	case k.ObjectID < 0:
		return fmt.Errorf("%w: object id must not be negative, got %d", ErrValidation, k.ObjectID)
	case k.Width < 1 || k.Height < 1:
		return fmt.Errorf("%w: size must be positive, got %dx%d", ErrValidation, k.Width, k.Height)
	case k.MimeType == "":
		return fmt.Errorf("%w: mime type is required", ErrValidation)
	}
	return nil
}

// String renders the key for logs and error messages.
func (k Key) String() string {
	return fmt.Sprintf("%s/%d %dx%d %s", k.ObjectType, k.ObjectID, k.Width, k.Height, k.MimeType)
}

// SizeName is the "{width}x{height}{ext}" leaf shared by every key layout.
func (k Key) SizeName() string {
	return strconv.Itoa(k.Width) + "x" + strconv.Itoa(k.Height) + Extension(k.MimeType)
}

// ObjectKey builds the slash-separated object name used by the object storage
// backends: {prefix}/{object_type}/{object_id}/{width}x{height}{ext}. With
// unique set, the creation tag is appended to the object id segment, e.g.
// user/4220130510153023000123/640x405.jpe, matching existing buckets.
func ObjectKey(prefix string, k Key, unique bool) string {
	parts := make([]string, 0, 4)
	if p := strings.Trim(prefix, "/"); p != "" {
		parts = append(parts, p)
	}
	id := strconv.FormatInt(k.ObjectID, 10)
	if unique {
		id += CreatedTag(k.CreatedAt)
	}
	parts = append(parts, k.ObjectType, id, k.SizeName())
	return path.Join(parts...)
}
