// Package azure implements the Azure Blob Storage backend. Originals are written to
// the Hot access tier and thumbnails to Cool, since thumbnails can be regenerated.
// Image URLs point at the container (which must allow anonymous blob reads) or at
// a configured CDN in front of it.
package azure

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"

	"github.com/imageattach/imageattach/internal/config"
	"github.com/imageattach/imageattach/internal/storage"
)

func init() {
	// Register Azure storage backend
	storage.Register("azure", func(cfg *config.Config) (storage.Backend, error) {
		return New(&cfg.Storage.Azure)
	})
}

// AzureStorage implements storage.Backend and storage.Tombstoner for Azure Blob Storage
type AzureStorage struct {
	client        *azblob.Client
	containerName string
	cdnURL        string
	maxAge        int
}

// New creates a new Azure Blob Storage backend
func New(cfg *config.AzureStorageConfig) (*AzureStorage, error) {
	if cfg.AccountName == "" {
		return nil, fmt.Errorf("azure storage account name is required")
	}
	if cfg.AccountKey == "" {
		return nil, fmt.Errorf("azure storage account key is required")
	}
	if cfg.ContainerName == "" {
		return nil, fmt.Errorf("azure storage container name is required")
	}

	credential, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure credential: %w", err)
	}

	serviceURL := cfg.Endpoint
	if serviceURL == "" {
		serviceURL = fmt.Sprintf("https://%s.blob.core.windows.net/", cfg.AccountName)
	}

	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, credential, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure Blob client: %w", err)
	}

	return newWithClient(client, cfg.ContainerName, cfg.CDNURL, cfg.MaxAge), nil
}

func newWithClient(client *azblob.Client, container, cdnURL string, maxAge int) *AzureStorage {
	if maxAge <= 0 {
		maxAge = config.DefaultMaxAge
	}
	return &AzureStorage{
		client:        client,
		containerName: container,
		cdnURL:        strings.TrimRight(cdnURL, "/"),
		maxAge:        maxAge,
	}
}

func (s *AzureStorage) blobName(key storage.Key) (string, error) {
	if err := key.Validate(); err != nil {
		return "", err
	}
	return storage.ObjectKey("", key, false), nil
}

func (s *AzureStorage) blobClient(name string) *blob.Client {
	return s.client.ServiceClient().NewContainerClient(s.containerName).NewBlobClient(name)
}

// isNotFound recognises missing blobs both by service error code and by
// status, since HEAD responses carry no error body.
func isNotFound(err error) bool {
	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
		return true
	}
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound
}

func (s *AzureStorage) upload(ctx context.Context, name string, data []byte, opts *blockblob.UploadOptions) error {
	blockBlob := s.client.ServiceClient().NewContainerClient(s.containerName).NewBlockBlobClient(name)
	_, err := blockBlob.Upload(ctx, streaming.NopCloser(bytes.NewReader(data)), opts)
	return err
}

// PutFile uploads the stream. Reproducible images go to the Cool tier.
func (s *AzureStorage) PutFile(ctx context.Context, r io.Reader, key storage.Key, reproducible bool) error {
	name, err := s.blobName(key)
	if err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read data: %w", err)
	}

	tier := blob.AccessTierHot
	if reproducible {
		tier = blob.AccessTierCool
	}
	err = s.upload(ctx, name, data, &blockblob.UploadOptions{
		Tier: &tier,
		HTTPHeaders: &blob.HTTPHeaders{
			BlobContentType:  to.Ptr(key.MimeType),
			BlobCacheControl: to.Ptr(fmt.Sprintf("max-age=%d", s.maxAge)),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s to Azure Blob: %w", key, err)
	}
	return nil
}

// PutTombstone writes an empty Cool-tier blob carrying the tombstone content type.
func (s *AzureStorage) PutTombstone(ctx context.Context, key storage.Key) error {
	name, err := s.blobName(key)
	if err != nil {
		return err
	}
	tier := blob.AccessTierCool
	err = s.upload(ctx, name, nil, &blockblob.UploadOptions{
		Tier:        &tier,
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: to.Ptr(storage.TombstoneMimeType)},
	})
	if err != nil {
		return fmt.Errorf("failed to write tombstone for %s: %w", key, err)
	}
	return nil
}

// DeleteFile removes the blob; a missing blob is not an error
func (s *AzureStorage) DeleteFile(ctx context.Context, key storage.Key) error {
	name, err := s.blobName(key)
	if err != nil {
		return err
	}
	if _, err := s.blobClient(name).Delete(ctx, nil); err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete %s from Azure Blob: %w", key, err)
	}
	return nil
}

// GetFile streams the blob. Tombstones read as not found.
func (s *AzureStorage) GetFile(ctx context.Context, key storage.Key) (io.ReadCloser, error) {
	name, err := s.blobName(key)
	if err != nil {
		return nil, err
	}
	resp, err := s.blobClient(name).DownloadStream(ctx, nil)
	if err != nil {
		if isNotFound(err) {
			return nil, storage.NotFound(key)
		}
		return nil, fmt.Errorf("failed to download %s from Azure Blob: %w", key, err)
	}
	if stringValue(resp.ContentType) == storage.TombstoneMimeType {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s (deleted)", storage.ErrNotFound, key)
	}
	return resp.Body, nil
}

// GetURL returns the CDN or container URL of the blob. It does not check existence.
func (s *AzureStorage) GetURL(ctx context.Context, key storage.Key) (string, error) {
	name, err := s.blobName(key)
	if err != nil {
		return "", err
	}
	segments := strings.Split(name, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	path := strings.Join(segments, "/")
	if s.cdnURL != "" {
		return s.cdnURL + "/" + path, nil
	}
	return strings.TrimRight(s.client.URL(), "/") + "/" + s.containerName + "/" + path, nil
}

func (s *AzureStorage) properties(ctx context.Context, key storage.Key) (blob.GetPropertiesResponse, error) {
	name, err := s.blobName(key)
	if err != nil {
		return blob.GetPropertiesResponse{}, err
	}
	props, err := s.blobClient(name).GetProperties(ctx, nil)
	if err != nil {
		if isNotFound(err) {
			return props, storage.NotFound(key)
		}
		return props, fmt.Errorf("failed to get blob properties for %s: %w", key, err)
	}
	return props, nil
}

// Exists checks if a blob (or tombstone) exists for the key
func (s *AzureStorage) Exists(ctx context.Context, key storage.Key) (bool, error) {
	if _, err := s.properties(ctx, key); err != nil {
		if storage.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Stat retrieves blob metadata without downloading the blob
func (s *AzureStorage) Stat(ctx context.Context, key storage.Key) (*storage.ObjectInfo, error) {
	props, err := s.properties(ctx, key)
	if err != nil {
		return nil, err
	}
	info := &storage.ObjectInfo{
		Kind:     storage.ObjectPresent,
		MimeType: stringValue(props.ContentType),
	}
	if props.ContentLength != nil {
		info.Size = *props.ContentLength
	}
	if props.LastModified != nil {
		info.ModTime = *props.LastModified
	}
	if info.MimeType == storage.TombstoneMimeType {
		info.Kind = storage.ObjectTombstone
	}
	return info, nil
}

func stringValue(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
