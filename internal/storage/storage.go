// Package storage defines the Backend interface and common types for all image
// storage backends.
//
// A backend stores the bytes of image variants addressed by a Key: the image's
// object type, object id, pixel size and mime type. Only metadata lives in the
// database; bytes live behind a Backend.
//
// New backends are added by implementing the Backend interface and registering
// with the factory via an init() function in the backend's own package:
//
//	func init() {
//	    storage.Register("mybackend", func(cfg *config.Config) (storage.Backend, error) {
//	        return NewMyBackend(cfg)
//	    })
//	}
//
// The main package imports each backend with a blank import to trigger init().
//
// The convenience operations Store, Delete, Open and Locate are implemented once
// in this package on top of the primitives and work with every backend.
package storage

import (
	"context"
	"io"
	"time"
)

// Backend defines the primitive operations every storage backend implements.
type Backend interface {
	// PutFile writes the stream at key. reproducible reports that the bytes can be
	// regenerated from an original, so the backend may choose a cheaper storage class.
	PutFile(ctx context.Context, r io.Reader, key Key, reproducible bool) error

	// DeleteFile removes the bytes at key. Deleting a missing key is not an error.
	DeleteFile(ctx context.Context, key Key) error

	// GetFile opens the bytes at key. It returns an error wrapping ErrNotFound when
	// nothing is stored there.
	GetFile(ctx context.Context, key Key) (io.ReadCloser, error)

	// GetURL returns a locator for the bytes at key. The URL is stable as long as
	// the content is unchanged.
	GetURL(ctx context.Context, key Key) (string, error)

	// Exists reports whether anything, including a tombstone, is stored at key
	// without fetching it.
	Exists(ctx context.Context, key Key) (bool, error)

	// Stat returns metadata for key, or an error wrapping ErrNotFound.
	Stat(ctx context.Context, key Key) (*ObjectInfo, error)
}

// Tombstoner is implemented by backends that can record a logical deletion
// marker at a key. The sandbox backend requires it of its overriding layer.
type Tombstoner interface {
	PutTombstone(ctx context.Context, key Key) error
}

// TombstoneMimeType is the content type object stores use to encode a tombstone
// in the same channel as real data.
const TombstoneMimeType = "application/x-imageattach-sandbox-deleted"

// ObjectKind distinguishes stored bytes from a deletion marker.
type ObjectKind int

const (
	// ObjectPresent is a regular stored image.
	ObjectPresent ObjectKind = iota
	// ObjectTombstone marks a key deleted in an overlay.
	ObjectTombstone
)

func (k ObjectKind) String() string {
	if k == ObjectTombstone {
		return "tombstone"
	}
	return "present"
}

// ObjectInfo contains metadata about a stored object.
type ObjectInfo struct {
	Kind     ObjectKind
	Size     int64
	MimeType string
	ModTime  time.Time
}

// Identity is the logical identity of one image variant. Two variants with equal
// identities address the same bytes in a backend.
type Identity struct {
	ObjectType string
	ObjectID   int64
	Width      int
	Height     int
	MimeType   string
}

// Key addresses bytes inside a backend. CreatedAt is carried along for backends
// configured to put the creation time into the path (unique URLs) and for cache
// busting in Locate.
type Key struct {
	Identity
	CreatedAt time.Time
}

// Image is anything that can be stored as an image variant.
type Image interface {
	StorageKey() Key
	IsOriginal() bool
}
