package imageset

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imageattach/imageattach/internal/config"
	"github.com/imageattach/imageattach/internal/db/models"
	"github.com/imageattach/imageattach/internal/imaging"
	"github.com/imageattach/imageattach/internal/lifecycle"
	"github.com/imageattach/imageattach/internal/storage"
	"github.com/imageattach/imageattach/internal/storage/local"
	"github.com/imageattach/imageattach/internal/storage/memory"
	"github.com/imageattach/imageattach/internal/storectx"
)

// fakeRepo keeps rows in memory and enforces the images table constraints.
// Writes go through the lifecycle transaction like the SQL repository.
type fakeRepo struct {
	mu      sync.Mutex
	rows    map[uuid.UUID]*models.Image
	inserts int
	locks   int
	lockErr error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{rows: make(map[uuid.UUID]*models.Image)}
}

func (r *fakeRepo) Insert(ctx context.Context, img *models.Image) error {
	tx, ok := lifecycle.TxFromContext(ctx)
	if !ok {
		return lifecycle.ErrNoTransaction
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.ObjectType != img.ObjectType || row.ObjectID != img.ObjectID {
			continue
		}
		if row.Width == img.Width && row.Height == img.Height {
			return fmt.Errorf("duplicate size %dx%d", img.Width, img.Height)
		}
		if row.Original && img.Original {
			return errors.New("second original")
		}
	}
	if err := tx.PreInsert(ctx, img); err != nil {
		return err
	}
	img.ID = uuid.New()
	r.rows[img.ID] = img
	r.inserts++
	return nil
}

func (r *fakeRepo) LockGroup(ctx context.Context, _ string, _ int64) error {
	if _, ok := lifecycle.TxFromContext(ctx); !ok {
		return lifecycle.ErrNoTransaction
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lockErr != nil {
		return r.lockErr
	}
	r.locks++
	return nil
}

func (r *fakeRepo) Delete(ctx context.Context, img *models.Image) error {
	tx, ok := lifecycle.TxFromContext(ctx)
	if !ok {
		return lifecycle.ErrNoTransaction
	}
	if err := tx.PreDelete(ctx, img); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.rows, img.ID)
	r.mu.Unlock()
	return nil
}

func (r *fakeRepo) group(objectType string, objectID int64) []*models.Image {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Image
	for _, row := range r.rows {
		if row.ObjectType == objectType && row.ObjectID == objectID {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Original != out[j].Original {
			return out[i].Original
		}
		return out[i].Width < out[j].Width
	})
	return out
}

func (r *fakeRepo) FindByGroup(_ context.Context, objectType string, objectID int64) ([]*models.Image, error) {
	return r.group(objectType, objectID), nil
}

func (r *fakeRepo) FindOriginal(_ context.Context, objectType string, objectID int64) (*models.Image, error) {
	for _, img := range r.group(objectType, objectID) {
		if img.Original {
			return img, nil
		}
	}
	return nil, nil
}

func (r *fakeRepo) FindBySize(_ context.Context, objectType string, objectID int64, width, height int) (*models.Image, error) {
	for _, img := range r.group(objectType, objectID) {
		if (width == 0 || img.Width == width) && (height == 0 || img.Height == height) {
			return img, nil
		}
	}
	return nil, nil
}

func (r *fakeRepo) Count(_ context.Context, objectType string, objectID int64) (int, error) {
	return len(r.group(objectType, objectID)), nil
}

func (r *fakeRepo) GroupIDs(_ context.Context, objectType string) ([]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []int64
	for _, row := range r.rows {
		if row.ObjectType == objectType && row.Original {
			ids = append(ids, row.ObjectID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// txEnv runs a test body inside one lifecycle transaction.
type txEnv struct {
	t    *testing.T
	db   *sqlx.DB
	mock sqlmock.Sqlmock
}

func newTxEnv(t *testing.T) *txEnv {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	return &txEnv{t: t, db: sqlx.NewDb(mockDB, "sqlmock"), mock: mock}
}

// commit runs fn in a transaction that is committed when fn succeeds.
func (e *txEnv) commit(ctx context.Context, fn func(ctx context.Context) error) error {
	e.mock.ExpectBegin()
	e.mock.ExpectCommit()
	return lifecycle.RunInTransaction(ctx, e.db, lifecycle.NewCoordinator(nil), fn)
}

// rollback runs fn in a transaction that is always rolled back.
func (e *txEnv) rollback(ctx context.Context, fn func(ctx context.Context) error) error {
	e.mock.ExpectBegin()
	e.mock.ExpectRollback()
	tx, err := lifecycle.NewCoordinator(nil).Begin(ctx, e.db)
	require.NoError(e.t, err)
	err = fn(lifecycle.WithTx(ctx, tx))
	require.NoError(e.t, tx.Rollback(ctx))
	return err
}

func gradient(w, h int, blue uint8) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: blue, A: 255})
		}
	}
	return img
}

func pngBytes(t *testing.T, w, h int) []byte {
	return pngTinted(t, w, h, 64)
}

func pngTinted(t *testing.T, w, h int, blue uint8) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, gradient(w, h, blue)))
	return buf.Bytes()
}

func jpegBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, gradient(w, h, 64), nil))
	return buf.Bytes()
}

func TestFromBytes_StoresOriginal(t *testing.T) {
	env := newTxEnv(t)
	repo := newFakeRepo()
	b := memory.New("")
	set := New(repo, imaging.New(), "user", 1)

	var img *models.Image
	err := env.commit(context.Background(), func(ctx context.Context) error {
		var err error
		img, err = set.FromBytes(ctx, pngBytes(t, 64, 48), b)
		return err
	})
	require.NoError(t, err)
	assert.True(t, img.Original)
	assert.Equal(t, 64, img.Width)
	assert.Equal(t, 48, img.Height)
	assert.Equal(t, "image/png", img.MimeType)
	assert.Equal(t, 1, b.Len())
	assert.Nil(t, img.Pending())
}

func TestFromBytes_RejectsNonImage(t *testing.T) {
	env := newTxEnv(t)
	set := New(newFakeRepo(), imaging.New(), "user", 1)

	err := env.rollback(context.Background(), func(ctx context.Context) error {
		_, err := set.FromBytes(ctx, []byte("plain text"), memory.New(""))
		return err
	})
	assert.ErrorIs(t, err, storage.ErrValidation)
}

func TestFromRawReader_RequiresTransaction(t *testing.T) {
	set := New(newFakeRepo(), imaging.New(), "user", 1)
	_, err := set.FromRawReader(context.Background(), strings.NewReader("x"), 10, 10, "image/png", true, memory.New(""))
	assert.ErrorIs(t, err, lifecycle.ErrNoTransaction)
}

func TestFromRawReader_UsesActiveBackend(t *testing.T) {
	env := newTxEnv(t)
	b := memory.New("")
	set := New(newFakeRepo(), imaging.New(), "user", 1)

	err := env.commit(storectx.With(context.Background(), b), func(ctx context.Context) error {
		_, err := set.FromRawReader(ctx, strings.NewReader("raw"), 10, 10, "image/x-png", true, nil)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, []storage.Identity{{ObjectType: "user", ObjectID: 1, Width: 10, Height: 10, MimeType: "image/png"}}, b.Keys())
}

func TestFromRawReader_NoBackend(t *testing.T) {
	env := newTxEnv(t)
	set := New(newFakeRepo(), imaging.New(), "user", 1)
	err := env.rollback(context.Background(), func(ctx context.Context) error {
		_, err := set.FromRawReader(ctx, strings.NewReader("raw"), 10, 10, "image/png", true, nil)
		return err
	})
	assert.ErrorIs(t, err, storectx.ErrNoActiveBackend)
}

func TestFromBytes_RollbackRemovesBytes(t *testing.T) {
	env := newTxEnv(t)
	b := memory.New("")
	set := New(newFakeRepo(), imaging.New(), "user", 1)

	err := env.rollback(context.Background(), func(ctx context.Context) error {
		_, err := set.FromBytes(ctx, pngBytes(t, 32, 32), b)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 0, b.Len())
}

func TestGenerateThumbnail_Idempotent(t *testing.T) {
	env := newTxEnv(t)
	repo := newFakeRepo()
	b := memory.New("")
	set := New(repo, imaging.New(), "user", 1)

	err := env.commit(context.Background(), func(ctx context.Context) error {
		if _, err := set.FromBytes(ctx, pngBytes(t, 640, 405), b); err != nil {
			return err
		}
		first, err := set.GenerateThumbnail(ctx, Width(320), "", b)
		if err != nil {
			return err
		}
		second, err := set.GenerateThumbnail(ctx, Width(320), "", b)
		if err != nil {
			return err
		}
		assert.Same(t, first, second)
		assert.Equal(t, 320, first.Width)
		assert.Equal(t, 202, first.Height)
		assert.False(t, first.Original)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, repo.inserts, "one original and one thumbnail")
	assert.Equal(t, 2, b.Len())
}

func TestSet_LocksGroupOncePerTransaction(t *testing.T) {
	env := newTxEnv(t)
	repo := newFakeRepo()
	b := memory.New("")
	set := New(repo, imaging.New(), "user", 1)

	err := env.commit(context.Background(), func(ctx context.Context) error {
		if _, err := set.FromBytes(ctx, pngBytes(t, 64, 48), b); err != nil {
			return err
		}
		_, err := set.GenerateThumbnail(ctx, Width(32), "", b)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 1, repo.locks)

	err = env.commit(context.Background(), func(ctx context.Context) error {
		_, err := set.GenerateThumbnail(ctx, Width(16), "", b)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 2, repo.locks, "each transaction takes the lock again")
}

func TestFromBytes_LockFailureStoresNothing(t *testing.T) {
	env := newTxEnv(t)
	repo := newFakeRepo()
	repo.lockErr = errors.New("lock timeout")
	b := memory.New("")
	set := New(repo, imaging.New(), "user", 1)

	err := env.rollback(context.Background(), func(ctx context.Context) error {
		_, err := set.FromBytes(ctx, pngBytes(t, 64, 48), b)
		return err
	})
	assert.ErrorContains(t, err, "lock timeout")
	assert.Equal(t, 0, repo.inserts)
	assert.Equal(t, 0, b.Len())
}

func TestGenerateThumbnail_ReusesPersistedVariant(t *testing.T) {
	env := newTxEnv(t)
	repo := newFakeRepo()
	b := memory.New("")

	require.NoError(t, env.commit(context.Background(), func(ctx context.Context) error {
		set := New(repo, imaging.New(), "user", 1)
		if _, err := set.FromBytes(ctx, pngBytes(t, 100, 50), b); err != nil {
			return err
		}
		_, err := set.GenerateThumbnail(ctx, Ratio(0.5), imaging.FilterNearest, b)
		return err
	}))

	// A fresh Set in a new transaction finds the stored variant.
	var found *models.Image
	require.NoError(t, env.commit(context.Background(), func(ctx context.Context) error {
		var err error
		found, err = New(repo, imaging.New(), "user", 1).GenerateThumbnail(ctx, Height(25), "", b)
		return err
	}))
	assert.Equal(t, 50, found.Width)
	assert.Equal(t, 25, found.Height)
	assert.Equal(t, 2, repo.inserts)
}

func TestGenerateThumbnail_OriginalSizeReturnsOriginal(t *testing.T) {
	env := newTxEnv(t)
	b := memory.New("")
	set := New(newFakeRepo(), imaging.New(), "user", 1)

	require.NoError(t, env.commit(context.Background(), func(ctx context.Context) error {
		original, err := set.FromBytes(ctx, pngBytes(t, 40, 20), b)
		if err != nil {
			return err
		}
		same, err := set.GenerateThumbnail(ctx, Width(40), "", b)
		assert.Same(t, original, same)
		return err
	}))
}

func TestGenerateThumbnail_MissingOriginal(t *testing.T) {
	env := newTxEnv(t)
	set := New(newFakeRepo(), imaging.New(), "user", 1)
	err := env.rollback(context.Background(), func(ctx context.Context) error {
		_, err := set.GenerateThumbnail(ctx, Width(10), "", memory.New(""))
		return err
	})
	assert.ErrorIs(t, err, storage.ErrMissingOriginal)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestGenerateThumbnail_InvalidSize(t *testing.T) {
	set := New(newFakeRepo(), imaging.New(), "user", 1)
	_, err := set.GenerateThumbnail(context.Background(), Size{}, "", memory.New(""))
	assert.ErrorIs(t, err, storage.ErrValidation)
}

func TestFromBytes_ReplacesGroup(t *testing.T) {
	env := newTxEnv(t)
	repo := newFakeRepo()
	b := memory.New("")
	set := New(repo, imaging.New(), "user", 1)

	require.NoError(t, env.commit(context.Background(), func(ctx context.Context) error {
		if _, err := set.FromBytes(ctx, pngBytes(t, 200, 100), b); err != nil {
			return err
		}
		_, err := set.GenerateThumbnail(ctx, Width(50), "", b)
		return err
	}))
	require.Equal(t, 2, b.Len())

	require.NoError(t, env.commit(context.Background(), func(ctx context.Context) error {
		_, err := set.FromBytes(ctx, jpegBytes(t, 300, 150), b)
		return err
	}))

	ctx := context.Background()
	n, err := set.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = set.FindThumbnail(ctx, 50, 25)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = b.GetFile(ctx, storage.Key{Identity: storage.Identity{ObjectType: "user", ObjectID: 1, Width: 50, Height: 25, MimeType: "image/png"}})
	assert.True(t, storage.IsNotFound(err), "stale thumbnail bytes must be gone")
	assert.Equal(t, 1, b.Len())

	original, err := set.RequireOriginal(ctx)
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", original.MimeType)
	assert.Equal(t, 300, original.Width)
}

func TestFromBytes_SameSizeOriginalKeepsNewBytes(t *testing.T) {
	env := newTxEnv(t)
	b := memory.New("")
	set := New(newFakeRepo(), imaging.New(), "user", 1)
	first, second := pngTinted(t, 30, 30, 10), pngTinted(t, 30, 30, 200)
	require.NotEqual(t, first, second)

	for _, data := range [][]byte{first, second} {
		require.NoError(t, env.commit(context.Background(), func(ctx context.Context) error {
			_, err := set.FromBytes(ctx, data, b)
			return err
		}))
	}
	data, err := set.MakeBytes(context.Background(), b)
	require.NoError(t, err)
	assert.Equal(t, second, data)
}

func TestFindThumbnail(t *testing.T) {
	env := newTxEnv(t)
	b := memory.New("")
	set := New(newFakeRepo(), imaging.New(), "user", 1)

	require.NoError(t, env.commit(context.Background(), func(ctx context.Context) error {
		if _, err := set.FromBytes(ctx, pngBytes(t, 80, 40), b); err != nil {
			return err
		}
		_, err := set.GenerateThumbnail(ctx, Width(20), "", b)
		return err
	}))

	ctx := context.Background()
	img, err := set.FindThumbnail(ctx, 20, 0)
	require.NoError(t, err)
	assert.Equal(t, 10, img.Height)

	img, err = set.FindThumbnail(ctx, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 20, img.Width)

	_, err = set.FindThumbnail(ctx, 0, 0)
	assert.ErrorIs(t, err, storage.ErrValidation)

	_, err = set.FindThumbnail(ctx, 33, 0)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestOpenAndLocate(t *testing.T) {
	env := newTxEnv(t)
	b := memory.New("https://cdn.example.com/")
	set := New(newFakeRepo(), imaging.New(), "user", 9)
	data := pngBytes(t, 16, 16)

	var original *models.Image
	require.NoError(t, env.commit(context.Background(), func(ctx context.Context) error {
		var err error
		original, err = set.FromBytes(ctx, data, b)
		return err
	}))

	ctx := storectx.With(context.Background(), b)
	f, err := set.Open(ctx, nil, true)
	require.NoError(t, err)
	defer f.Close()
	_, ok := f.(io.Seeker)
	assert.True(t, ok)

	got, err := set.MakeBytes(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	url, err := set.Locate(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/user/9/16x16.png?_ts="+storage.CreatedTag(original.CreatedAt), url)
}

func TestPurge(t *testing.T) {
	env := newTxEnv(t)
	b := memory.New("")
	set := New(newFakeRepo(), imaging.New(), "user", 1)

	require.NoError(t, env.commit(context.Background(), func(ctx context.Context) error {
		if _, err := set.FromBytes(ctx, pngBytes(t, 60, 60), b); err != nil {
			return err
		}
		_, err := set.GenerateThumbnail(ctx, Ratio(0.5), "", b)
		return err
	}))

	require.NoError(t, env.commit(storectx.With(context.Background(), b), func(ctx context.Context) error {
		return set.Purge(ctx)
	}))
	n, err := set.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, b.Len())

	_, err = set.RequireOriginal(context.Background())
	assert.ErrorIs(t, err, storage.ErrMissingOriginal)
}

func TestPurge_RollbackKeepsBytes(t *testing.T) {
	env := newTxEnv(t)
	b := memory.New("")
	set := New(newFakeRepo(), imaging.New(), "user", 1)
	require.NoError(t, env.commit(context.Background(), func(ctx context.Context) error {
		_, err := set.FromBytes(ctx, pngBytes(t, 60, 60), b)
		return err
	}))

	require.NoError(t, env.rollback(storectx.With(context.Background(), b), func(ctx context.Context) error {
		return set.Purge(ctx)
	}))
	assert.Equal(t, 1, b.Len())
}

func TestCollection(t *testing.T) {
	env := newTxEnv(t)
	repo := newFakeRepo()
	b := memory.New("")
	c := NewCollection(repo, imaging.New(), "product", "")

	require.NoError(t, env.commit(context.Background(), func(ctx context.Context) error {
		for _, id := range []int64{7, 3} {
			if _, err := c.Get(id).FromBytes(ctx, pngBytes(t, 10, 10), b); err != nil {
				return err
			}
		}
		return nil
	}))

	ids, err := c.Groups(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 7}, ids)
	assert.Equal(t, "product", c.Get(3).ObjectType())
	assert.Equal(t, int64(3), c.Get(3).ObjectID())
}

// TestEndToEnd_LocalBackend stores an original on the filesystem backend,
// derives a thumbnail, then deletes the group.
func TestEndToEnd_LocalBackend(t *testing.T) {
	env := newTxEnv(t)
	repo := newFakeRepo()
	fs, err := local.New(&config.LocalStorageConfig{BasePath: t.TempDir(), BaseURL: "http://images.example.com"}, "")
	require.NoError(t, err)
	set := New(repo, imaging.New(), "testing", 1234)
	ctx := storectx.With(context.Background(), fs)

	var original, thumb *models.Image
	require.NoError(t, env.commit(ctx, func(ctx context.Context) error {
		var err error
		if original, err = set.FromBytes(ctx, jpegBytes(t, 405, 640), nil); err != nil {
			return err
		}
		if thumb, err = set.GenerateThumbnail(ctx, Width(320), "", nil); err != nil {
			return err
		}
		again, err := set.GenerateThumbnail(ctx, Width(320), "", nil)
		assert.Same(t, thumb, again)
		return err
	}))

	url, err := set.Locate(ctx, nil)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, "http://images.example.com/testing/234/1/1234.405x640.jpe?_ts="), url)
	assert.Equal(t, 320, thumb.Width)
	assert.Equal(t, 505, thumb.Height)

	require.NoError(t, env.commit(ctx, func(ctx context.Context) error {
		return set.Purge(ctx)
	}))
	for _, img := range []*models.Image{original, thumb} {
		_, err := fs.GetFile(ctx, img.StorageKey())
		assert.True(t, storage.IsNotFound(err), "expected %s to be gone, got %v", img.StorageKey(), err)
	}
}
