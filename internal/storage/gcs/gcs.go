// Package gcs implements the Google Cloud Storage backend. Originals and
// thumbnails are written with separately configurable storage classes so
// regenerable thumbnails can live in a cheaper class. Supports Application
// Default Credentials, service account JSON keys, and Workload Identity
// Federation for keyless authentication in GKE and GitHub Actions environments.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	appconfig "github.com/imageattach/imageattach/internal/config"
	appstorage "github.com/imageattach/imageattach/internal/storage"
)

const publicHost = "https://storage.googleapis.com"

func init() {
	// Register GCS storage backend
	appstorage.Register("gcs", func(cfg *appconfig.Config) (appstorage.Backend, error) {
		return New(&cfg.Storage.GCS)
	})
}

// GCSStorage implements appstorage.Backend and appstorage.Tombstoner for Google Cloud Storage
type GCSStorage struct {
	client            *storage.Client
	bucket            string
	endpoint          string
	reproducibleClass string
	durableClass      string
	maxAge            int
}

// New creates a new Google Cloud Storage backend
//
// Authentication methods:
//   - "default" or empty: Uses Application Default Credentials (ADC)
//   - "service_account": Uses a service account key file or JSON
//   - "workload_identity": Uses Workload Identity Federation (GKE, GitHub Actions, etc.)
func New(cfg *appconfig.GCSStorageConfig) (*GCSStorage, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcs bucket name is required")
	}

	ctx := context.Background()
	var opts []option.ClientOption

	// Set custom endpoint for GCS emulators or compatible services
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}

	authMethod := cfg.AuthMethod
	if authMethod == "" {
		if cfg.CredentialsFile != "" || cfg.CredentialsJSON != "" {
			authMethod = "service_account"
		} else {
			authMethod = "default"
		}
	}

	switch authMethod {
	case "service_account":
		if cfg.CredentialsJSON != "" {
			opts = append(opts, option.WithCredentialsJSON([]byte(cfg.CredentialsJSON)))
		} else if cfg.CredentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
		} else {
			return nil, fmt.Errorf("credentials_file or credentials_json is required for service_account auth")
		}

	case "workload_identity", "default":
		// Application Default Credentials: GOOGLE_APPLICATION_CREDENTIALS, the
		// GCE/GKE metadata service, or gcloud application-default login.

	default:
		return nil, fmt.Errorf("unsupported auth_method: %s (must be 'default', 'service_account', or 'workload_identity')", authMethod)
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	return newWithClient(client, cfg), nil
}

func newWithClient(client *storage.Client, cfg *appconfig.GCSStorageConfig) *GCSStorage {
	s := &GCSStorage{
		client:            client,
		bucket:            cfg.Bucket,
		endpoint:          strings.TrimRight(cfg.Endpoint, "/"),
		reproducibleClass: cfg.ReproducibleStorageClass,
		durableClass:      cfg.DurableStorageClass,
		maxAge:            cfg.MaxAge,
	}
	if s.reproducibleClass == "" {
		s.reproducibleClass = "NEARLINE"
	}
	if s.durableClass == "" {
		s.durableClass = "STANDARD"
	}
	if s.maxAge <= 0 {
		s.maxAge = appconfig.DefaultMaxAge
	}
	return s
}

// Close closes the GCS client
func (s *GCSStorage) Close() error {
	return s.client.Close()
}

func (s *GCSStorage) objectName(key appstorage.Key) (string, error) {
	if err := key.Validate(); err != nil {
		return "", err
	}
	return appstorage.ObjectKey("", key, false), nil
}

// storageClass picks the configured class for a write.
func (s *GCSStorage) storageClass(reproducible bool) string {
	if reproducible {
		return s.reproducibleClass
	}
	return s.durableClass
}

func (s *GCSStorage) write(ctx context.Context, name string, data io.Reader, contentType, class string, cacheControl string) error {
	w := s.client.Bucket(s.bucket).Object(name).NewWriter(ctx)
	w.ContentType = contentType
	w.StorageClass = class
	w.CacheControl = cacheControl
	if _, err := io.Copy(w, data); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// PutFile uploads the stream with the storage class for its durability.
func (s *GCSStorage) PutFile(ctx context.Context, r io.Reader, key appstorage.Key, reproducible bool) error {
	name, err := s.objectName(key)
	if err != nil {
		return err
	}
	cacheControl := fmt.Sprintf("public, max-age=%d", s.maxAge)
	if err := s.write(ctx, name, r, key.MimeType, s.storageClass(reproducible), cacheControl); err != nil {
		return fmt.Errorf("failed to upload %s to GCS: %w", key, err)
	}
	return nil
}

// PutTombstone writes an empty object carrying the tombstone content type.
func (s *GCSStorage) PutTombstone(ctx context.Context, key appstorage.Key) error {
	name, err := s.objectName(key)
	if err != nil {
		return err
	}
	if err := s.write(ctx, name, strings.NewReader(""), appstorage.TombstoneMimeType, s.reproducibleClass, "no-store"); err != nil {
		return fmt.Errorf("failed to write tombstone for %s: %w", key, err)
	}
	return nil
}

// DeleteFile removes the object; a missing object is not an error
func (s *GCSStorage) DeleteFile(ctx context.Context, key appstorage.Key) error {
	name, err := s.objectName(key)
	if err != nil {
		return err
	}
	if err := s.client.Bucket(s.bucket).Object(name).Delete(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil
		}
		return fmt.Errorf("failed to delete %s from GCS: %w", key, err)
	}
	return nil
}

// GetFile streams the object. Tombstones read as not found.
func (s *GCSStorage) GetFile(ctx context.Context, key appstorage.Key) (io.ReadCloser, error) {
	name, err := s.objectName(key)
	if err != nil {
		return nil, err
	}
	reader, err := s.client.Bucket(s.bucket).Object(name).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, appstorage.NotFound(key)
		}
		return nil, fmt.Errorf("failed to download %s from GCS: %w", key, err)
	}
	if reader.Attrs.ContentType == appstorage.TombstoneMimeType {
		reader.Close()
		return nil, fmt.Errorf("%w: %s (deleted)", appstorage.ErrNotFound, key)
	}
	return reader, nil
}

// GetURL returns the public URL of the object. It does not check existence.
func (s *GCSStorage) GetURL(ctx context.Context, key appstorage.Key) (string, error) {
	name, err := s.objectName(key)
	if err != nil {
		return "", err
	}
	segments := strings.Split(name, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	host := publicHost
	if s.endpoint != "" {
		host = s.endpoint
	}
	return host + "/" + s.bucket + "/" + strings.Join(segments, "/"), nil
}

func (s *GCSStorage) attrs(ctx context.Context, key appstorage.Key) (*storage.ObjectAttrs, error) {
	name, err := s.objectName(key)
	if err != nil {
		return nil, err
	}
	attrs, err := s.client.Bucket(s.bucket).Object(name).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, appstorage.NotFound(key)
		}
		return nil, fmt.Errorf("failed to get object attributes for %s: %w", key, err)
	}
	return attrs, nil
}

// Exists checks if an object (or tombstone) exists for the key
func (s *GCSStorage) Exists(ctx context.Context, key appstorage.Key) (bool, error) {
	if _, err := s.attrs(ctx, key); err != nil {
		if appstorage.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Stat retrieves object metadata without downloading the object
func (s *GCSStorage) Stat(ctx context.Context, key appstorage.Key) (*appstorage.ObjectInfo, error) {
	attrs, err := s.attrs(ctx, key)
	if err != nil {
		return nil, err
	}
	return objectInfo(attrs), nil
}

func objectInfo(attrs *storage.ObjectAttrs) *appstorage.ObjectInfo {
	info := &appstorage.ObjectInfo{
		Kind:     appstorage.ObjectPresent,
		Size:     attrs.Size,
		MimeType: attrs.ContentType,
		ModTime:  attrs.Updated,
	}
	if attrs.ContentType == appstorage.TombstoneMimeType {
		info.Kind = appstorage.ObjectTombstone
	}
	return info
}
