// Package models - image.go defines the Image model: one stored variant (the
// original or a thumbnail) of the image attached to an application object.
package models

import (
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/imageattach/imageattach/internal/storage"
)

// Image is one row of the images table. An object's original and all of its
// thumbnails share ObjectType and ObjectID and form an image group.
type Image struct {
	ID         uuid.UUID `db:"id" json:"id"`
	ObjectType string    `db:"object_type" json:"object_type"`
	ObjectID   int64     `db:"object_id" json:"object_id"`
	Width      int       `db:"width" json:"width"`
	Height     int       `db:"height" json:"height"`
	MimeType   string    `db:"mime_type" json:"mime_type"`
	Original   bool      `db:"original" json:"original"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`

	// pending holds the bytes to write when the row is inserted. It is never
	// persisted.
	pending *Pending
}

// Pending is the data attached to an image that has not been inserted yet.
type Pending struct {
	Data    io.Reader
	Backend storage.Backend
}

// StorageKey returns the key addressing the image's bytes in a backend.
func (i *Image) StorageKey() storage.Key {
	return storage.Key{
		Identity: storage.Identity{
			ObjectType: i.ObjectType,
			ObjectID:   i.ObjectID,
			Width:      i.Width,
			Height:     i.Height,
			MimeType:   i.MimeType,
		},
		CreatedAt: i.CreatedAt,
	}
}

// IsOriginal reports whether the image is its group's original.
func (i *Image) IsOriginal() bool { return i.Original }

// Attach stages data to be written to b when the image is inserted.
func (i *Image) Attach(data io.Reader, b storage.Backend) {
	i.pending = &Pending{Data: data, Backend: b}
}

// Pending returns the staged data, or nil.
func (i *Image) Pending() *Pending { return i.pending }

// Detach drops the staged data once it has been written.
func (i *Image) Detach() { i.pending = nil }

// Transient reports whether the image has not been inserted yet.
func (i *Image) Transient() bool { return i.ID == uuid.Nil }

// Size returns the image's pixel dimensions.
func (i *Image) Size() (width, height int) { return i.Width, i.Height }
