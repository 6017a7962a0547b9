// Package s3 implements the AWS S3-compatible storage backend. It supports AWS S3,
// MinIO, DigitalOcean Spaces, and other S3-compatible services via a configurable
// endpoint. Objects are uploaded public-read so image URLs can be handed straight
// to clients; thumbnails go to the REDUCED_REDUNDANCY class because they can be
// regenerated from their original.
//
// Multiple authentication methods are supported: the default AWS credential chain
// (recommended for EC2/EKS with IAM roles), static key/secret, OIDC web identity,
// and AssumeRole for cross-account access.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"

	appconfig "github.com/imageattach/imageattach/internal/config"
	"github.com/imageattach/imageattach/internal/storage"
	"github.com/imageattach/imageattach/internal/telemetry"
)

const (
	defaultMaxRetry   = 5
	defaultMaxBackoff = 20 * time.Second

	// bucketRegionHeader is sent by S3 on redirects and region mismatches.
	bucketRegionHeader = "X-Amz-Bucket-Region"
)

func init() {
	// Register S3 storage backend
	storage.Register("s3", func(cfg *appconfig.Config) (storage.Backend, error) {
		return New(&cfg.Storage.S3)
	})
}

// S3Storage implements storage.Backend and storage.Tombstoner for S3-compatible storage
type S3Storage struct {
	awsCfg        aws.Config
	bucket        string
	prefix        string
	endpoint      string
	publicBaseURL string
	maxAge        int
	maxRetry      int
	maxBackoff    time.Duration
	uniqueURL     bool

	// mu guards the client and region, which change when the bucket turns out
	// to live in another region.
	mu     sync.RWMutex
	client *s3.Client
	region string
}

// New creates a new S3-compatible storage backend
// Supports AWS S3, MinIO, DigitalOcean Spaces, and other S3-compatible services
//
// Authentication methods:
//   - "default" or empty: Uses AWS default credential chain (env vars, shared config, IAM role, IMDS)
//   - "static": Uses explicit access key and secret key
//   - "oidc": Uses Web Identity/OIDC token (for EKS, GitHub Actions, etc.)
//   - "assume_role": Assumes an IAM role (optionally with external ID for cross-account)
func New(cfg *appconfig.S3StorageConfig) (*S3Storage, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket name is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("s3 region is required")
	}

	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(cfg.Region))

	// Determine authentication method
	authMethod := cfg.AuthMethod
	if authMethod == "" {
		// Backwards compatibility: if access keys are provided, use static auth
		if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
			authMethod = "static"
		} else {
			authMethod = "default"
		}
	}

	switch authMethod {
	case "static":
		if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
			return nil, fmt.Errorf("access_key_id and secret_access_key are required for static auth")
		}
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))

	case "oidc", "assume_role":
		// Configured after loading the base config, which the STS client needs.

	case "default":
		// AWS default credential chain: environment, shared config, IAM role,
		// web identity token from the environment.

	default:
		return nil, fmt.Errorf("unsupported auth_method: %s (must be 'default', 'static', 'oidc', or 'assume_role')", authMethod)
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	switch authMethod {
	case "oidc":
		if cfg.RoleARN == "" {
			return nil, fmt.Errorf("role_arn is required for OIDC auth")
		}
		if cfg.WebIdentityTokenFile == "" {
			return nil, fmt.Errorf("web_identity_token_file is required for OIDC auth (or set AWS_WEB_IDENTITY_TOKEN_FILE)")
		}

		var webIdentityOpts []func(*stscreds.WebIdentityRoleOptions)
		if cfg.RoleSessionName != "" {
			webIdentityOpts = append(webIdentityOpts, func(o *stscreds.WebIdentityRoleOptions) {
				o.RoleSessionName = cfg.RoleSessionName
			})
		}
		provider := stscreds.NewWebIdentityRoleProvider(
			sts.NewFromConfig(awsCfg),
			cfg.RoleARN,
			stscreds.IdentityTokenFile(cfg.WebIdentityTokenFile),
			webIdentityOpts...,
		)
		awsCfg.Credentials = aws.NewCredentialsCache(provider)

	case "assume_role":
		if cfg.RoleARN == "" {
			return nil, fmt.Errorf("role_arn is required for assume_role auth")
		}

		var assumeRoleOpts []func(*stscreds.AssumeRoleOptions)
		if cfg.RoleSessionName != "" {
			assumeRoleOpts = append(assumeRoleOpts, func(o *stscreds.AssumeRoleOptions) {
				o.RoleSessionName = cfg.RoleSessionName
			})
		}
		if cfg.ExternalID != "" {
			assumeRoleOpts = append(assumeRoleOpts, func(o *stscreds.AssumeRoleOptions) {
				o.ExternalID = aws.String(cfg.ExternalID)
			})
		}
		provider := stscreds.NewAssumeRoleProvider(sts.NewFromConfig(awsCfg), cfg.RoleARN, assumeRoleOpts...)
		awsCfg.Credentials = aws.NewCredentialsCache(provider)
	}

	s := &S3Storage{
		awsCfg:        awsCfg,
		bucket:        cfg.Bucket,
		prefix:        cfg.Prefix,
		endpoint:      strings.TrimRight(cfg.Endpoint, "/"),
		publicBaseURL: strings.TrimRight(cfg.PublicBaseURL, "/"),
		maxAge:        cfg.MaxAge,
		maxRetry:      cfg.MaxRetry,
		maxBackoff:    defaultMaxBackoff,
		uniqueURL:     cfg.UniqueURL,
		region:        cfg.Region,
	}
	if s.maxAge <= 0 {
		s.maxAge = appconfig.DefaultMaxAge
	}
	if s.maxRetry <= 0 {
		s.maxRetry = defaultMaxRetry
	}
	s.client = s.newClient(cfg.Region)
	return s, nil
}

// newClient builds a client for region with the bounded retry policy.
func (s *S3Storage) newClient(region string) *s3.Client {
	return s3.NewFromConfig(s.awsCfg, func(o *s3.Options) {
		o.Region = region
		o.Retryer = countingRetryer{retry.NewStandard(func(so *retry.StandardOptions) {
			so.MaxAttempts = s.maxRetry
			so.MaxBackoff = s.maxBackoff
		})}
		// Set custom endpoint for S3-compatible services (MinIO, DigitalOcean Spaces, etc.)
		if s.endpoint != "" {
			o.BaseEndpoint = aws.String(s.endpoint)
			o.UsePathStyle = true
		}
	})
}

// Region returns the region requests are currently signed for.
func (s *S3Storage) Region() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.region
}

func (s *S3Storage) current() (*s3.Client, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client, s.region
}

// switchRegion points all later requests at region. It reports whether the
// caller should retry, which is false when region is the one already in use.
func (s *S3Storage) switchRegion(from, to string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.region == to {
		// Another request already followed the redirect.
		return from != to
	}
	slog.Warn("s3 bucket lives in another region, switching", "bucket", s.bucket, "from", s.region, "to", to)
	s.client = s.newClient(to)
	s.region = to
	telemetry.ObjectStorageRegionRedirectsTotal.Inc()
	return true
}

// do runs op against the current client. When S3 answers with the bucket's
// real region, the switch is remembered and op is run once more.
func (s *S3Storage) do(ctx context.Context, op func(context.Context, *s3.Client) error) error {
	client, region := s.current()
	err := op(ctx, client)
	if err == nil {
		return nil
	}
	if to, ok := redirectRegion(err); ok && s.switchRegion(region, to) {
		client, _ = s.current()
		err = op(ctx, client)
	}
	return err
}

// redirectRegion extracts the bucket region from a redirect or region mismatch.
func redirectRegion(err error) (string, bool) {
	var re *awshttp.ResponseError
	if !errors.As(err, &re) || re.Response == nil {
		return "", false
	}
	switch re.HTTPStatusCode() {
	case http.StatusMovedPermanently, http.StatusTemporaryRedirect, http.StatusBadRequest:
	default:
		return "", false
	}
	region := re.Response.Header.Get(bucketRegionHeader)
	return region, region != ""
}

// classify maps SDK errors onto the storage sentinels.
func (s *S3Storage) classify(key storage.Key, op string, err error) error {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return storage.NotFound(key)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code, msg := apiErr.ErrorCode(), apiErr.ErrorMessage()
		if code == "AuthorizationHeaderMalformed" ||
			(code == "InvalidRequest" && strings.Contains(strings.ToLower(msg), "authorization mechanism")) {
			return fmt.Errorf("%w: %s; set storage.s3.region to the bucket's region so requests are signed with AWS4-HMAC-SHA256",
				storage.ErrAuthMechanism, msg)
		}
	}
	var re *awshttp.ResponseError
	if errors.As(err, &re) && re.HTTPStatusCode() == http.StatusNotFound {
		return storage.NotFound(key)
	}
	return fmt.Errorf("failed to %s %s in S3: %w", op, key, err)
}

// objectKey returns the bucket key for key.
func (s *S3Storage) objectKey(key storage.Key) (string, error) {
	if err := key.Validate(); err != nil {
		return "", err
	}
	return storage.ObjectKey(s.prefix, key, s.uniqueURL), nil
}

func (s *S3Storage) cacheControl() string {
	return fmt.Sprintf("max-age=%d", s.maxAge)
}

// PutFile uploads the stream public-read. Reproducible images use the
// REDUCED_REDUNDANCY storage class.
func (s *S3Storage) PutFile(ctx context.Context, r io.Reader, key storage.Key, reproducible bool) error {
	objKey, err := s.objectKey(key)
	if err != nil {
		return err
	}
	// Read the whole image so the body is seekable for signing and retries.
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read data: %w", err)
	}

	class := types.StorageClassStandard
	if reproducible {
		class = types.StorageClassReducedRedundancy
	}
	err = s.do(ctx, func(ctx context.Context, client *s3.Client) error {
		_, err := client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(objKey),
			Body:          bytes.NewReader(data),
			ContentLength: aws.Int64(int64(len(data))),
			ContentType:   aws.String(key.MimeType),
			CacheControl:  aws.String(s.cacheControl()),
			ACL:           types.ObjectCannedACLPublicRead,
			StorageClass:  class,
		})
		return err
	})
	if err != nil {
		return s.classify(key, "upload", err)
	}
	return nil
}

// PutTombstone writes a private zero-length object carrying the tombstone content type.
func (s *S3Storage) PutTombstone(ctx context.Context, key storage.Key) error {
	objKey, err := s.objectKey(key)
	if err != nil {
		return err
	}
	err = s.do(ctx, func(ctx context.Context, client *s3.Client) error {
		_, err := client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(objKey),
			Body:          bytes.NewReader(nil),
			ContentLength: aws.Int64(0),
			ContentType:   aws.String(storage.TombstoneMimeType),
			ACL:           types.ObjectCannedACLPrivate,
			StorageClass:  types.StorageClassReducedRedundancy,
		})
		return err
	})
	if err != nil {
		return s.classify(key, "write tombstone for", err)
	}
	return nil
}

// DeleteFile removes the object. S3 treats deleting a missing key as success.
func (s *S3Storage) DeleteFile(ctx context.Context, key storage.Key) error {
	objKey, err := s.objectKey(key)
	if err != nil {
		return err
	}
	err = s.do(ctx, func(ctx context.Context, client *s3.Client) error {
		_, err := client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objKey),
		})
		return err
	})
	if err != nil {
		err = s.classify(key, "delete", err)
		if storage.IsNotFound(err) {
			return nil
		}
		return err
	}
	return nil
}

// GetFile streams the object. Tombstones read as not found.
func (s *S3Storage) GetFile(ctx context.Context, key storage.Key) (io.ReadCloser, error) {
	objKey, err := s.objectKey(key)
	if err != nil {
		return nil, err
	}
	var out *s3.GetObjectOutput
	err = s.do(ctx, func(ctx context.Context, client *s3.Client) error {
		var err error
		out, err = client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objKey),
		})
		return err
	})
	if err != nil {
		return nil, s.classify(key, "download", err)
	}
	if aws.ToString(out.ContentType) == storage.TombstoneMimeType {
		out.Body.Close()
		return nil, fmt.Errorf("%w: %s (deleted)", storage.ErrNotFound, key)
	}
	return out.Body, nil
}

// GetURL returns the public URL of the object. It does not check existence.
func (s *S3Storage) GetURL(ctx context.Context, key storage.Key) (string, error) {
	objKey, err := s.objectKey(key)
	if err != nil {
		return "", err
	}
	segments := strings.Split(objKey, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	path := strings.Join(segments, "/")

	switch {
	case s.publicBaseURL != "":
		return s.publicBaseURL + "/" + path, nil
	case s.endpoint != "":
		return s.endpoint + "/" + s.bucket + "/" + path, nil
	default:
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.bucket, s.Region(), path), nil
	}
}

func (s *S3Storage) head(ctx context.Context, key storage.Key) (*s3.HeadObjectOutput, error) {
	objKey, err := s.objectKey(key)
	if err != nil {
		return nil, err
	}
	var out *s3.HeadObjectOutput
	err = s.do(ctx, func(ctx context.Context, client *s3.Client) error {
		var err error
		out, err = client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objKey),
		})
		return err
	})
	if err != nil {
		return nil, s.classify(key, "stat", err)
	}
	return out, nil
}

// Exists checks if an object (or tombstone) exists at the key
func (s *S3Storage) Exists(ctx context.Context, key storage.Key) (bool, error) {
	if _, err := s.head(ctx, key); err != nil {
		if storage.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Stat retrieves object metadata without downloading the object
func (s *S3Storage) Stat(ctx context.Context, key storage.Key) (*storage.ObjectInfo, error) {
	out, err := s.head(ctx, key)
	if err != nil {
		return nil, err
	}
	info := &storage.ObjectInfo{
		Kind:     storage.ObjectPresent,
		Size:     aws.ToInt64(out.ContentLength),
		MimeType: aws.ToString(out.ContentType),
		ModTime:  aws.ToTime(out.LastModified),
	}
	if info.MimeType == storage.TombstoneMimeType {
		info.Kind = storage.ObjectTombstone
	}
	return info, nil
}

// countingRetryer counts every retryable failure the SDK's standard retryer sees.
type countingRetryer struct {
	aws.RetryerV2
}

func (r countingRetryer) IsErrorRetryable(err error) bool {
	ok := r.RetryerV2.IsErrorRetryable(err)
	if ok {
		telemetry.ObjectStorageRetriesTotal.WithLabelValues(retryReason(err)).Inc()
	}
	return ok
}

func retryReason(err error) string {
	var re *awshttp.ResponseError
	if !errors.As(err, &re) {
		return "transport"
	}
	switch code := re.HTTPStatusCode(); {
	case code == http.StatusTooManyRequests || code == http.StatusServiceUnavailable:
		return "throttled"
	case code >= 500:
		return "server_error"
	default:
		return "other"
	}
}
