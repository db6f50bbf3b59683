// Package config loads runtime settings from the environment, an optional
// .env file, and defaults matching a local development setup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

const (
	StorageMemory     = "memory"
	StorageFilesystem = "filesystem"
	StorageSQLite     = "sqlite"
	StorageS3         = "s3"
)

type (
	OAuthConfig struct {
		GitHubClientID     string
		GitHubClientSecret string
		GitHubRedirectURL  string

		OIDCIssuerURL    string
		OIDCClientID     string
		OIDCClientSecret string
		OIDCRedirectURL  string
	}

	Config struct {
		ListenAddr string
		LogLevel   string

		StorageType      string
		LocalStoragePath string
		DataSourceName   string
		S3Bucket         string

		JWTSecret      string
		AllowedOrigins []string
		// MaxHTTPBufferSize caps a single Socket.IO message in bytes.
		MaxHTTPBufferSize int64

		OAuth OAuthConfig
	}
)

func Default() Config {
	return Config{
		ListenAddr:        ":5000",
		LogLevel:          "info",
		StorageType:       StorageMemory,
		LocalStoragePath:  "./data",
		DataSourceName:    "documents.db",
		AllowedOrigins:    []string{"http://localhost:3000"},
		MaxHTTPBufferSize: 5000000,
	}
}

// Load reads .env when present and overlays environment variables on the
// defaults.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		logrus.Debug("No .env file found")
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a lookup function, usually os.Getenv. It only
// fails on values that cannot be parsed; semantic checks live in Validate.
func FromEnv(getenv func(string) string) (Config, error) {
	cfg := Default()

	if port := getenv("PORT"); port != "" {
		cfg.ListenAddr = ":" + strings.TrimPrefix(port, ":")
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := getenv("STORAGE_TYPE"); v != "" {
		cfg.StorageType = strings.ToLower(v)
	}
	if v := getenv("LOCAL_STORAGE_PATH"); v != "" {
		cfg.LocalStoragePath = v
	}
	if v := getenv("DATA_SOURCE_NAME"); v != "" {
		cfg.DataSourceName = v
	}
	cfg.S3Bucket = getenv("S3_BUCKET_NAME")
	cfg.JWTSecret = getenv("JWT_SECRET")

	if v := getenv("ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = splitList(v)
	}
	if v := getenv("MAX_HTTP_BUFFER_SIZE"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return cfg, fmt.Errorf("invalid MAX_HTTP_BUFFER_SIZE %q: %w", v, err)
		}
		cfg.MaxHTTPBufferSize = n
	}

	cfg.OAuth = OAuthConfig{
		GitHubClientID:     getenv("GITHUB_CLIENT_ID"),
		GitHubClientSecret: getenv("GITHUB_CLIENT_SECRET"),
		GitHubRedirectURL:  getenv("GITHUB_REDIRECT_URL"),
		OIDCIssuerURL:      getenv("OIDC_ISSUER_URL"),
		OIDCClientID:       getenv("OIDC_CLIENT_ID"),
		OIDCClientSecret:   getenv("OIDC_CLIENT_SECRET"),
		OIDCRedirectURL:    getenv("OIDC_REDIRECT_URL"),
	}

	return cfg, nil
}

// Validate checks the final configuration. Call it after command-line
// overrides have been applied.
func (c Config) Validate() error {
	switch c.StorageType {
	case StorageMemory, StorageFilesystem, StorageSQLite:
	case StorageS3:
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET_NAME must be set for s3 storage type")
		}
	default:
		return fmt.Errorf("unknown storage type %q", c.StorageType)
	}

	if c.MaxHTTPBufferSize <= 0 {
		return fmt.Errorf("max http buffer size must be positive, got %d", c.MaxHTTPBufferSize)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	return nil
}

// AllowsAnyOrigin reports whether "*" is among the allowed origins.
func (c Config) AllowsAnyOrigin() bool {
	for _, o := range c.AllowedOrigins {
		if o == "*" {
			return true
		}
	}
	return false
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimRight(strings.TrimSpace(p), "/")
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
