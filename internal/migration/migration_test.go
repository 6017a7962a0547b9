package migration

import (
	"context"
	"errors"
	"io"
	"iter"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imageattach/imageattach/internal/db/models"
	"github.com/imageattach/imageattach/internal/storage"
	"github.com/imageattach/imageattach/internal/storage/memory"
)

type sliceRows struct {
	images []*models.Image
	err    error
	types  []string
}

func (r *sliceRows) All(_ context.Context, objectType string) iter.Seq2[*models.Image, error] {
	r.types = append(r.types, objectType)
	return func(yield func(*models.Image, error) bool) {
		for _, img := range r.images {
			if objectType != "" && img.ObjectType != objectType {
				continue
			}
			if !yield(img, nil) {
				return
			}
		}
		if r.err != nil {
			yield(nil, r.err)
		}
	}
}

func imageRow(objectType string, id int64, w int, original bool) *models.Image {
	return &models.Image{
		ObjectType: objectType,
		ObjectID:   id,
		Width:      w,
		Height:     w,
		MimeType:   "image/png",
		Original:   original,
		CreatedAt:  time.Now(),
	}
}

func seed(t *testing.T, b storage.Backend, images ...*models.Image) {
	t.Helper()
	for _, img := range images {
		require.NoError(t, storage.Store(context.Background(), b, img, strings.NewReader(img.StorageKey().String())))
	}
}

func TestExecute_CopiesEverything(t *testing.T) {
	src, dst := memory.New(""), memory.New("")
	images := []*models.Image{imageRow("user", 1, 100, true), imageRow("user", 1, 50, false), imageRow("post", 2, 80, true)}
	seed(t, src, images...)

	var seen []*models.Image
	n, err := New(&sliceRows{images: images}, src, dst).Execute(context.Background(), func(img *models.Image) {
		seen = append(seen, img)
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, images, seen)
	assert.Equal(t, 3, dst.Len())
	assert.Equal(t, 3, src.Len(), "source must be left untouched")

	thumb, ok := dst.Object(images[1].StorageKey())
	require.True(t, ok)
	assert.True(t, thumb.Reproducible, "thumbnail keeps its reproducible class")
	orig, _ := dst.Object(images[0].StorageKey())
	assert.False(t, orig.Reproducible)
}

func TestForType_FiltersRows(t *testing.T) {
	src, dst := memory.New(""), memory.New("")
	images := []*models.Image{imageRow("user", 1, 100, true), imageRow("post", 2, 80, true)}
	seed(t, src, images...)
	rows := &sliceRows{images: images}

	n, err := ForType(rows, "post", src, dst).Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"post"}, rows.types)
	_, ok := dst.Object(images[1].StorageKey())
	assert.True(t, ok)
}

func TestAll_IsLazy(t *testing.T) {
	src, dst := memory.New(""), memory.New("")
	images := []*models.Image{imageRow("user", 1, 10, true), imageRow("user", 2, 10, true), imageRow("user", 3, 10, true)}
	seed(t, src, images...)

	for img, err := range New(&sliceRows{images: images}, src, dst).All(context.Background()) {
		require.NoError(t, err)
		assert.Equal(t, int64(1), img.ObjectID)
		break
	}
	assert.Equal(t, 1, dst.Len())
}

func TestAll_MissingSourceContinues(t *testing.T) {
	src, dst := memory.New(""), memory.New("")
	missing, present := imageRow("user", 1, 10, true), imageRow("user", 2, 10, true)
	seed(t, src, present)

	var errs, copied int
	for _, err := range New(&sliceRows{images: []*models.Image{missing, present}}, src, dst).All(context.Background()) {
		if err != nil {
			assert.True(t, storage.IsNotFound(err))
			errs++
			continue
		}
		copied++
	}
	assert.Equal(t, 1, errs)
	assert.Equal(t, 1, copied)
}

func TestExecute_StopsAtFirstError(t *testing.T) {
	src, dst := memory.New(""), memory.New("")
	missing, present := imageRow("user", 1, 10, true), imageRow("user", 2, 10, true)
	seed(t, src, present)

	n, err := New(&sliceRows{images: []*models.Image{missing, present}}, src, dst).Execute(context.Background(), nil)
	assert.Error(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, dst.Len())
}

func TestExecute_ListingError(t *testing.T) {
	boom := errors.New("connection reset")
	_, err := New(&sliceRows{err: boom}, memory.New(""), memory.New("")).Execute(context.Background(), nil)
	assert.ErrorIs(t, err, boom)
}

func TestExecute_Cancelled(t *testing.T) {
	src := memory.New("")
	img := imageRow("user", 1, 10, true)
	seed(t, src, img)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(&sliceRows{images: []*models.Image{img}}, src, memory.New("")).Execute(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

// corrupting stores a truncated copy of everything it receives.
type corrupting struct{ *memory.Backend }

func (c corrupting) PutFile(ctx context.Context, r io.Reader, key storage.Key, reproducible bool) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	return c.Backend.PutFile(ctx, strings.NewReader(string(data[:len(data)/2])), key, reproducible)
}

func TestVerifyCopies(t *testing.T) {
	src := memory.New("")
	img := imageRow("user", 1, 10, true)
	seed(t, src, img)

	p := New(&sliceRows{images: []*models.Image{img}}, src, memory.New(""))
	p.VerifyCopies = true
	n, err := p.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	bad := New(&sliceRows{images: []*models.Image{img}}, src, corrupting{memory.New("")})
	bad.VerifyCopies = true
	_, err = bad.Execute(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum mismatch")
}
