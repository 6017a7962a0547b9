// Package config loads and validates the image service configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the IMGA_ prefix (e.g., IMGA_DATABASE_HOST
// overrides database.host in the YAML), so the same binary runs with a config.yaml
// in local development and with pure environment variables in containers.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Images    ImagesConfig    `mapstructure:"images"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Security  SecurityConfig  `mapstructure:"security"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	BaseURL      string        `mapstructure:"base_url"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	Name               string `mapstructure:"name"`
	User               string `mapstructure:"user"`
	Password           string `mapstructure:"password"`
	SSLMode            string `mapstructure:"ssl_mode"`
	MaxConnections     int    `mapstructure:"max_connections"`
	MinIdleConnections int    `mapstructure:"min_idle_connections"`
}

// StorageConfig holds storage backend configuration
type StorageConfig struct {
	DefaultBackend string               `mapstructure:"default_backend"`
	Azure          AzureStorageConfig   `mapstructure:"azure"`
	S3             S3StorageConfig      `mapstructure:"s3"`
	GCS            GCSStorageConfig     `mapstructure:"gcs"`
	Local          LocalStorageConfig   `mapstructure:"local"`
	Sandbox        SandboxStorageConfig `mapstructure:"sandbox"`
	URLCache       URLCacheConfig       `mapstructure:"url_cache"`
}

// AzureStorageConfig holds Azure Blob Storage configuration
type AzureStorageConfig struct {
	AccountName   string `mapstructure:"account_name"`
	AccountKey    string `mapstructure:"account_key"`
	ContainerName string `mapstructure:"container_name"`
	CDNURL        string `mapstructure:"cdn_url"`
	// Endpoint overrides the service URL (Azurite or a private endpoint).
	Endpoint string `mapstructure:"endpoint"`
	MaxAge   int    `mapstructure:"max_age"`
}

// S3StorageConfig holds S3-compatible storage configuration
type S3StorageConfig struct {
	// Endpoint is the S3-compatible endpoint URL (optional, for MinIO, DigitalOcean Spaces, etc.)
	Endpoint string `mapstructure:"endpoint"`
	// Region is the AWS region. Some regions only accept the V4 signing scheme,
	// so a missing or wrong region surfaces as an auth mechanism error.
	Region string `mapstructure:"region"`
	// Bucket is the S3 bucket name
	Bucket string `mapstructure:"bucket"`
	// Prefix is prepended to every object key (optional)
	Prefix string `mapstructure:"prefix"`
	// PublicBaseURL replaces the bucket URL in image locators, e.g. a CDN origin.
	PublicBaseURL string `mapstructure:"public_base_url"`
	// MaxAge is the Cache-Control max-age in seconds sent with every upload.
	MaxAge int `mapstructure:"max_age"`
	// MaxRetry bounds the attempts made for a single request.
	MaxRetry int `mapstructure:"max_retry"`
	// UniqueURL puts the image creation time into the key so every store gets a new URL.
	UniqueURL bool `mapstructure:"unique_url"`

	// Authentication method: "default", "static", "oidc", "assume_role"
	// - "default": Use AWS default credential chain (env vars, shared config, IAM role, etc.)
	// - "static": Use explicit access key and secret key
	// - "oidc": Use Web Identity/OIDC token for authentication (EKS, GitHub Actions, etc.)
	// - "assume_role": Assume an IAM role (optionally with external ID for cross-account)
	AuthMethod string `mapstructure:"auth_method"`

	// Static credentials (when auth_method is "static" or empty for backwards compatibility)
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`

	// AssumeRole configuration (when auth_method is "assume_role" or "oidc")
	RoleARN         string `mapstructure:"role_arn"`
	RoleSessionName string `mapstructure:"role_session_name"`
	ExternalID      string `mapstructure:"external_id"`

	// WebIdentityTokenFile is the path to the OIDC token file (when auth_method is "oidc")
	WebIdentityTokenFile string `mapstructure:"web_identity_token_file"`
}

// GCSStorageConfig holds Google Cloud Storage configuration
type GCSStorageConfig struct {
	// Bucket is the GCS bucket name
	Bucket string `mapstructure:"bucket"`

	// ProjectID is the Google Cloud project ID (optional if using default credentials)
	ProjectID string `mapstructure:"project_id"`

	// Authentication method: "default", "service_account", "workload_identity"
	AuthMethod string `mapstructure:"auth_method"`

	// CredentialsFile is the path to a service account JSON key file
	CredentialsFile string `mapstructure:"credentials_file"`

	// CredentialsJSON is the service account JSON key as a string
	CredentialsJSON string `mapstructure:"credentials_json"`

	// Endpoint is an optional custom endpoint (for GCS emulators or compatible services)
	Endpoint string `mapstructure:"endpoint"`

	// Storage classes used for thumbnails and originals respectively.
	ReproducibleStorageClass string `mapstructure:"reproducible_storage_class"`
	DurableStorageClass      string `mapstructure:"durable_storage_class"`

	MaxAge int `mapstructure:"max_age"`
}

// LocalStorageConfig holds local filesystem storage configuration
type LocalStorageConfig struct {
	BasePath string `mapstructure:"base_path"`
	// BaseURL is the public URL the tree is reachable under. When empty and
	// ServeDirectly is set, the service's own /images/ route is used.
	BaseURL       string `mapstructure:"base_url"`
	ServeDirectly bool   `mapstructure:"serve_directly"`
	UniqueURL     bool   `mapstructure:"unique_url"`
}

// SandboxStorageConfig composes two configured backends into a copy-on-write overlay.
type SandboxStorageConfig struct {
	Underlying string `mapstructure:"underlying"`
	Overriding string `mapstructure:"overriding"`
}

// URLCacheConfig controls caching of backend locators.
type URLCacheConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Size    int           `mapstructure:"size"`
	TTL     time.Duration `mapstructure:"ttl"`
}

// ImagesConfig holds image processing configuration
type ImagesConfig struct {
	// ThumbnailFilter is the default resampling filter for derived variants.
	ThumbnailFilter string `mapstructure:"thumbnail_filter"`
	// MaxUploadSize is the largest accepted original in bytes.
	MaxUploadSize int64 `mapstructure:"max_upload_size"`
}

// RedisConfig holds the optional Redis connection used for distributed rate limiting.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	CORS         CORSConfig         `mapstructure:"cors"`
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting"`
}

// CORSConfig holds CORS configuration for browser clients uploading images
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// RateLimitingConfig holds rate limiting configuration
type RateLimitingConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// TelemetryConfig holds observability configuration
type TelemetryConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	ServiceName string        `mapstructure:"service_name"`
	Metrics     MetricsConfig `mapstructure:"metrics"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// bindEnvVars explicitly binds every nested key so Unmarshal sees environment
// overrides; AutomaticEnv alone only applies to keys viper already knows about.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		// Database
		"database.host",
		"database.port",
		"database.name",
		"database.user",
		"database.password",
		"database.ssl_mode",
		"database.max_connections",
		"database.min_idle_connections",

		// Server
		"server.host",
		"server.port",
		"server.base_url",
		"server.read_timeout",
		"server.write_timeout",

		// Storage
		"storage.default_backend",
		"storage.azure.account_name",
		"storage.azure.account_key",
		"storage.azure.container_name",
		"storage.azure.cdn_url",
		"storage.azure.endpoint",
		"storage.azure.max_age",
		"storage.s3.endpoint",
		"storage.s3.region",
		"storage.s3.bucket",
		"storage.s3.prefix",
		"storage.s3.public_base_url",
		"storage.s3.max_age",
		"storage.s3.max_retry",
		"storage.s3.unique_url",
		"storage.s3.auth_method",
		"storage.s3.access_key_id",
		"storage.s3.secret_access_key",
		"storage.s3.role_arn",
		"storage.s3.role_session_name",
		"storage.s3.external_id",
		"storage.s3.web_identity_token_file",
		"storage.gcs.bucket",
		"storage.gcs.project_id",
		"storage.gcs.auth_method",
		"storage.gcs.credentials_file",
		"storage.gcs.credentials_json",
		"storage.gcs.endpoint",
		"storage.gcs.reproducible_storage_class",
		"storage.gcs.durable_storage_class",
		"storage.gcs.max_age",
		"storage.local.base_path",
		"storage.local.base_url",
		"storage.local.serve_directly",
		"storage.local.unique_url",
		"storage.sandbox.underlying",
		"storage.sandbox.overriding",
		"storage.url_cache.enabled",
		"storage.url_cache.size",
		"storage.url_cache.ttl",

		// Images
		"images.thumbnail_filter",
		"images.max_upload_size",

		// Redis
		"redis.addr",
		"redis.password",
		"redis.db",

		// Security
		"security.cors.allowed_origins",
		"security.rate_limiting.enabled",
		"security.rate_limiting.requests_per_minute",
		"security.rate_limiting.burst",

		// Logging
		"logging.level",
		"logging.format",
		"logging.output",

		// Telemetry
		"telemetry.enabled",
		"telemetry.service_name",
		"telemetry.metrics.enabled",
		"telemetry.metrics.prometheus_port",
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}
	return nil
}

// Load reads configuration from the given path (or the default search paths
// when empty), applies environment overrides and validates the result.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/imageattach")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment variables
	}

	v.SetEnvPrefix("IMGA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Expand environment variables in sensitive fields
	cfg.Database.Password = expandEnv(cfg.Database.Password)
	cfg.Storage.Azure.AccountKey = expandEnv(cfg.Storage.Azure.AccountKey)
	cfg.Storage.S3.AccessKeyID = expandEnv(cfg.Storage.S3.AccessKeyID)
	cfg.Storage.S3.SecretAccessKey = expandEnv(cfg.Storage.S3.SecretAccessKey)
	cfg.Storage.GCS.CredentialsJSON = expandEnv(cfg.Storage.GCS.CredentialsJSON)
	cfg.Redis.Password = expandEnv(cfg.Redis.Password)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.base_url", "http://localhost:8080")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "imageattach")
	v.SetDefault("database.user", "imageattach")
	v.SetDefault("database.ssl_mode", "require")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_idle_connections", 5)

	// Storage defaults
	v.SetDefault("storage.default_backend", "local")
	v.SetDefault("storage.local.base_path", "./images")
	v.SetDefault("storage.local.serve_directly", true)
	v.SetDefault("storage.s3.auth_method", "default")
	v.SetDefault("storage.s3.max_age", DefaultMaxAge)
	v.SetDefault("storage.s3.max_retry", 5)
	v.SetDefault("storage.azure.max_age", DefaultMaxAge)
	v.SetDefault("storage.gcs.auth_method", "default")
	v.SetDefault("storage.gcs.max_age", DefaultMaxAge)
	v.SetDefault("storage.gcs.reproducible_storage_class", "NEARLINE")
	v.SetDefault("storage.gcs.durable_storage_class", "STANDARD")
	v.SetDefault("storage.url_cache.enabled", false)
	v.SetDefault("storage.url_cache.size", 4096)
	v.SetDefault("storage.url_cache.ttl", "5m")

	// Image defaults
	v.SetDefault("images.thumbnail_filter", "catmull_rom")
	v.SetDefault("images.max_upload_size", 32<<20)

	// Security defaults
	v.SetDefault("security.cors.allowed_origins", []string{})
	v.SetDefault("security.rate_limiting.enabled", true)
	v.SetDefault("security.rate_limiting.requests_per_minute", 30)
	v.SetDefault("security.rate_limiting.burst", 5)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	// Telemetry defaults
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.service_name", "imageattach")
	v.SetDefault("telemetry.metrics.enabled", true)
	v.SetDefault("telemetry.metrics.prometheus_port", 9090)
}

// DefaultMaxAge is the Cache-Control lifetime (one year) sent with stored images.
const DefaultMaxAge = 60 * 60 * 24 * 365

func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

var validBackends = map[string]bool{"azure": true, "s3": true, "gcs": true, "local": true, "memory": true, "sandbox": true}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database.name is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database.user is required")
	}

	if !validBackends[c.Storage.DefaultBackend] {
		return fmt.Errorf("invalid storage backend: %s (must be azure, s3, gcs, local, memory, or sandbox)", c.Storage.DefaultBackend)
	}
	if err := c.Storage.validateBackend(c.Storage.DefaultBackend); err != nil {
		return err
	}

	if c.Storage.DefaultBackend == "sandbox" {
		sb := c.Storage.Sandbox
		if sb.Underlying == "" || sb.Overriding == "" {
			return fmt.Errorf("storage.sandbox.underlying and storage.sandbox.overriding are required when using sandbox backend")
		}
		if sb.Underlying == "sandbox" || sb.Overriding == "sandbox" {
			return fmt.Errorf("storage.sandbox cannot nest another sandbox")
		}
		if sb.Underlying == sb.Overriding {
			return fmt.Errorf("storage.sandbox.underlying and storage.sandbox.overriding must differ")
		}
		for _, name := range []string{sb.Underlying, sb.Overriding} {
			if !validBackends[name] {
				return fmt.Errorf("invalid sandbox backend: %s", name)
			}
			if err := c.Storage.validateBackend(name); err != nil {
				return err
			}
		}
	}

	if c.Storage.URLCache.Enabled && c.Storage.URLCache.Size < 1 {
		return fmt.Errorf("storage.url_cache.size must be positive when the URL cache is enabled")
	}

	if c.Images.MaxUploadSize < 1 {
		return fmt.Errorf("images.max_upload_size must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	return nil
}

// validateBackend checks the fields a named backend needs.
func (s *StorageConfig) validateBackend(name string) error {
	switch name {
	case "azure":
		if s.Azure.AccountName == "" {
			return fmt.Errorf("storage.azure.account_name is required when using Azure backend")
		}
		if s.Azure.AccountKey == "" {
			return fmt.Errorf("storage.azure.account_key is required when using Azure backend")
		}
		if s.Azure.ContainerName == "" {
			return fmt.Errorf("storage.azure.container_name is required when using Azure backend")
		}
	case "s3":
		if s.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when using S3 backend")
		}
		if s.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when using S3 backend")
		}
		if s.S3.MaxRetry < 1 {
			return fmt.Errorf("storage.s3.max_retry must be at least 1")
		}
	case "gcs":
		if s.GCS.Bucket == "" {
			return fmt.Errorf("storage.gcs.bucket is required when using GCS backend")
		}
	case "local":
		if s.Local.BasePath == "" {
			return fmt.Errorf("storage.local.base_path is required when using local backend")
		}
	}
	return nil
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// GetAddress returns the server address in host:port format
func (c *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
