package imageset

import (
	"context"

	"github.com/imageattach/imageattach/internal/imaging"
)

// Collection addresses the image groups of every object of one type, keyed by
// object id.
type Collection struct {
	objectType string
	repo       Repository
	codec      *imaging.Codec
	filter     imaging.Filter
}

// NewCollection returns the collection of objectType. An empty filter selects
// imaging.DefaultFilter for thumbnails.
func NewCollection(repo Repository, codec *imaging.Codec, objectType string, filter imaging.Filter) *Collection {
	if filter == "" {
		filter = imaging.DefaultFilter
	}
	return &Collection{objectType: objectType, repo: repo, codec: codec, filter: filter}
}

// ObjectType returns the collection's object type.
func (c *Collection) ObjectType() string { return c.objectType }

// Get returns the image group of objectID. The group need not exist yet.
func (c *Collection) Get(objectID int64) *Set {
	s := New(c.repo, c.codec, c.objectType, objectID)
	s.filter = c.filter
	return s
}

// Groups returns the ids of the objects that have an original.
func (c *Collection) Groups(ctx context.Context) ([]int64, error) {
	return c.repo.GroupIDs(ctx, c.objectType)
}
