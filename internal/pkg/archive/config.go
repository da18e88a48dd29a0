package archive

import (
	"errors"

	"github.com/ManuelReschke/PayFox/internal/pkg/env"
)

// Config holds the S3 settlement archive configuration
type Config struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	BucketName      string
	EndpointURL     string // Optional for S3-compatible services
	Prefix          string
	Enabled         bool
}

// LoadConfig loads archive configuration from environment variables
func LoadConfig() (*Config, error) {
	config := &Config{
		AccessKeyID:     env.GetEnv("ARCHIVE_S3_ACCESS_KEY_ID", ""),
		SecretAccessKey: env.GetEnv("ARCHIVE_S3_SECRET_ACCESS_KEY", ""),
		Region:          env.GetEnv("ARCHIVE_S3_REGION", "eu-central-1"),
		BucketName:      env.GetEnv("ARCHIVE_S3_BUCKET", ""),
		EndpointURL:     env.GetEnv("ARCHIVE_S3_ENDPOINT_URL", ""),
		Prefix:          env.GetEnv("ARCHIVE_S3_PREFIX", ""),
		Enabled:         env.GetBool("ARCHIVE_S3_ENABLED", false),
	}

	// Validate required fields if the archive is enabled
	if config.Enabled {
		if config.AccessKeyID == "" {
			return nil, errors.New("ARCHIVE_S3_ACCESS_KEY_ID is required when the archive is enabled")
		}
		if config.SecretAccessKey == "" {
			return nil, errors.New("ARCHIVE_S3_SECRET_ACCESS_KEY is required when the archive is enabled")
		}
		if config.BucketName == "" {
			return nil, errors.New("ARCHIVE_S3_BUCKET is required when the archive is enabled")
		}
	}

	return config, nil
}

// ObjectKey prefixes key with the configured prefix
func (c *Config) ObjectKey(key string) string {
	if c.Prefix == "" {
		return key
	}
	return c.Prefix + "/" + key
}
