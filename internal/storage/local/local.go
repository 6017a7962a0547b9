// Package local implements the filesystem storage backend. Images are laid out
// as {object_type}/{object_id mod 1000}/{object_id div 1000}/{object_id}.{w}x{h}{ext}
// below the base path, which bounds the fan-out of every directory.
//
// This backend suits development and single-node deployments. Multiple service
// instances need a shared filesystem (e.g. NFS) to use it.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/imageattach/imageattach/internal/config"
	"github.com/imageattach/imageattach/internal/storage"
)

// ExposePrefix is the route the API serves the tree under when the backend is
// configured with serve_directly and no explicit base_url.
const ExposePrefix = "/images/"

// tombstoneSuffix names the sidecar marker written next to a tombstoned file.
const tombstoneSuffix = ".deleted"

func init() {
	storage.Register("local", func(cfg *config.Config) (storage.Backend, error) {
		return New(&cfg.Storage.Local, cfg.Server.BaseURL)
	})
}

// LocalStorage implements storage.Backend on a local directory tree.
type LocalStorage struct {
	basePath  string
	baseURL   string
	uniqueURL bool
}

// New creates a filesystem backend rooted at cfg.BasePath, creating it if needed.
func New(cfg *config.LocalStorageConfig, serverBaseURL string) (*LocalStorage, error) {
	if cfg.BasePath == "" {
		return nil, fmt.Errorf("local storage base path is required")
	}
	if err := os.MkdirAll(cfg.BasePath, 0750); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		if cfg.ServeDirectly {
			baseURL = strings.TrimRight(serverBaseURL, "/") + ExposePrefix
		} else {
			abs, err := filepath.Abs(cfg.BasePath)
			if err != nil {
				return nil, fmt.Errorf("failed to resolve storage directory: %w", err)
			}
			baseURL = "file://" + filepath.ToSlash(abs)
		}
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}

	return &LocalStorage{
		basePath:  cfg.BasePath,
		baseURL:   baseURL,
		uniqueURL: cfg.UniqueURL,
	}, nil
}

// BasePath returns the root directory of the tree.
func (s *LocalStorage) BasePath() string { return s.basePath }

// KeyPath returns the slash-separated segments addressing key below the base path.
func (s *LocalStorage) KeyPath(key storage.Key) ([]string, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	id := strconv.FormatInt(key.ObjectID, 10)
	name := id + "." + key.SizeName()
	if s.uniqueURL {
		name = id + storage.CreatedTag(key.CreatedAt) + "." + key.SizeName()
	}
	return []string{
		key.ObjectType,
		strconv.FormatInt(key.ObjectID%1000, 10),
		strconv.FormatInt(key.ObjectID/1000, 10),
		name,
	}, nil
}

func (s *LocalStorage) fullPath(key storage.Key) (string, error) {
	segments, err := s.KeyPath(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(append([]string{s.basePath}, segments...)...), nil
}

// mkdirs creates every directory segment of the key in order, tolerating
// segments that already exist.
func (s *LocalStorage) mkdirs(segments []string) error {
	dir := s.basePath
	for _, seg := range segments[:len(segments)-1] {
		dir = filepath.Join(dir, seg)
		if err := os.Mkdir(dir, 0750); err != nil && !errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}
	return nil
}

// writeAtomic writes r into a temp file next to path and renames it into place,
// so readers never observe a partial image.
func writeAtomic(path string, r io.Reader) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to move file into place: %w", err)
	}
	return nil
}

// PutFile stores the stream at the key's path
func (s *LocalStorage) PutFile(ctx context.Context, r io.Reader, key storage.Key, reproducible bool) error {
	segments, err := s.KeyPath(key)
	if err != nil {
		return err
	}
	if err := s.mkdirs(segments); err != nil {
		return err
	}
	path := filepath.Join(append([]string{s.basePath}, segments...)...)
	if err := writeAtomic(path, r); err != nil {
		return err
	}
	if err := os.Remove(path + tombstoneSuffix); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear tombstone: %w", err)
	}
	return nil
}

// PutTombstone replaces the file with an empty one and marks it deleted
func (s *LocalStorage) PutTombstone(ctx context.Context, key storage.Key) error {
	segments, err := s.KeyPath(key)
	if err != nil {
		return err
	}
	if err := s.mkdirs(segments); err != nil {
		return err
	}
	path := filepath.Join(append([]string{s.basePath}, segments...)...)
	if err := writeAtomic(path, strings.NewReader("")); err != nil {
		return err
	}
	if err := os.WriteFile(path+tombstoneSuffix, nil, 0640); err != nil {
		return fmt.Errorf("failed to write tombstone: %w", err)
	}
	return nil
}

// DeleteFile removes the file and any tombstone marker; a missing file is not an error
func (s *LocalStorage) DeleteFile(ctx context.Context, key storage.Key) error {
	path, err := s.fullPath(key)
	if err != nil {
		return err
	}
	for _, p := range []string{path, path + tombstoneSuffix} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete file: %w", err)
		}
	}

	// Try to remove empty parent directories (best effort)
	base := filepath.Clean(s.basePath)
	for dir := filepath.Dir(path); dir != base && strings.HasPrefix(dir, base); dir = filepath.Dir(dir) {
		if err := os.Remove(dir); err != nil {
			break // Directory not empty or other error, stop trying
		}
	}
	return nil
}

func (s *LocalStorage) tombstoned(path string) (bool, error) {
	_, err := os.Stat(path + tombstoneSuffix)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to check tombstone: %w", err)
}

// GetFile opens the stored file. The returned *os.File is seekable.
func (s *LocalStorage) GetFile(ctx context.Context, key storage.Key) (io.ReadCloser, error) {
	path, err := s.fullPath(key)
	if err != nil {
		return nil, err
	}
	dead, err := s.tombstoned(path)
	if err != nil {
		return nil, err
	}
	if dead {
		return nil, fmt.Errorf("%w: %s (deleted)", storage.ErrNotFound, key)
	}
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storage.NotFound(key)
		}
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return file, nil
}

// GetURL joins the base URL and the key path. It does not check existence.
func (s *LocalStorage) GetURL(ctx context.Context, key storage.Key) (string, error) {
	segments, err := s.KeyPath(key)
	if err != nil {
		return "", err
	}
	return s.baseURL + strings.Join(segments, "/"), nil
}

// Exists checks if a file (or tombstone) exists at the key's path
func (s *LocalStorage) Exists(ctx context.Context, key storage.Key) (bool, error) {
	path, err := s.fullPath(key)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check file existence: %w", err)
	}
	return true, nil
}

// Stat retrieves file metadata without reading the file
func (s *LocalStorage) Stat(ctx context.Context, key storage.Key) (*storage.ObjectInfo, error) {
	path, err := s.fullPath(key)
	if err != nil {
		return nil, err
	}
	stat, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storage.NotFound(key)
		}
		return nil, fmt.Errorf("failed to get file metadata: %w", err)
	}
	dead, err := s.tombstoned(path)
	if err != nil {
		return nil, err
	}
	info := &storage.ObjectInfo{
		Kind:     storage.ObjectPresent,
		Size:     stat.Size(),
		MimeType: key.MimeType,
		ModTime:  stat.ModTime(),
	}
	if dead {
		info.Kind = storage.ObjectTombstone
		info.MimeType = storage.TombstoneMimeType
	}
	return info, nil
}
