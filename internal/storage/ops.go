package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"reflect"
	"strings"
)

// imageKey validates img and returns its key.
func imageKey(img Image) (Key, error) {
	if img == nil {
		return Key{}, fmt.Errorf("%w: image is nil", ErrValidation)
	}
	// A typed nil pointer inside the interface is still a missing image.
	if v := reflect.ValueOf(img); v.Kind() == reflect.Pointer && v.IsNil() {
		return Key{}, fmt.Errorf("%w: image is nil", ErrValidation)
	}
	key := img.StorageKey()
	if err := key.Validate(); err != nil {
		return Key{}, err
	}
	return key, nil
}

// Store writes r as the bytes of img. Originals are stored durably; every other
// variant is marked reproducible.
func Store(ctx context.Context, b Backend, img Image, r io.Reader) error {
	key, err := imageKey(img)
	if err != nil {
		return err
	}
	if r == nil {
		return fmt.Errorf("%w: no data to store for %s", ErrValidation, key)
	}
	return b.PutFile(ctx, r, key, !img.IsOriginal())
}

// Delete removes the bytes of img from b.
func Delete(ctx context.Context, b Backend, img Image) error {
	key, err := imageKey(img)
	if err != nil {
		return err
	}
	return b.DeleteFile(ctx, key)
}

// Open opens the bytes of img. With seekable set the returned reader also
// implements io.Seeker, buffering the stream in memory when the backend's own
// stream cannot seek. The caller must Close the result.
func Open(ctx context.Context, b Backend, img Image, seekable bool) (io.ReadCloser, error) {
	if !seekable {
		key, err := imageKey(img)
		if err != nil {
			return nil, err
		}
		return b.GetFile(ctx, key)
	}
	return OpenSeekable(ctx, b, img)
}

// OpenSeekable is Open with seekable set, typed for callers that need to seek.
func OpenSeekable(ctx context.Context, b Backend, img Image) (io.ReadSeekCloser, error) {
	key, err := imageKey(img)
	if err != nil {
		return nil, err
	}
	rc, err := b.GetFile(ctx, key)
	if err != nil {
		return nil, err
	}
	if rsc, ok := rc.(io.ReadSeekCloser); ok {
		return rsc, nil
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to buffer %s: %w", key, err)
	}
	return &bufferedFile{Reader: bytes.NewReader(data)}, nil
}

// bufferedFile is an in-memory copy of a backend stream.
type bufferedFile struct {
	*bytes.Reader
}

func (f *bufferedFile) Close() error { return nil }

// Locate returns the URL of img with a cache-busting _ts parameter derived from
// its creation time, so re-storing an image invalidates caches while the path
// stays the same.
func Locate(ctx context.Context, b Backend, img Image) (string, error) {
	key, err := imageKey(img)
	if err != nil {
		return "", err
	}
	raw, err := b.GetURL(ctx, key)
	if err != nil {
		return "", err
	}
	return appendQuery(raw, "_ts="+CreatedTag(key.CreatedAt)), nil
}

func appendQuery(raw, param string) string {
	sep := "?"
	if u, err := url.Parse(raw); err == nil {
		if u.RawQuery != "" {
			sep = "&"
		}
	} else if strings.Contains(raw, "?") {
		sep = "&"
	}
	return raw + sep + param
}
