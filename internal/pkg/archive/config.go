package archive

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ManuelReschke/PopGraph/internal/pkg/env"
)

// Config holds the settings of the callback archive bucket
type Config struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	BucketName      string
	EndpointURL     string // Optional for S3-compatible services
	Prefix          string
	Enabled         bool
}

// LoadConfig loads the archive configuration from environment variables
func LoadConfig() (*Config, error) {
	config := &Config{
		AccessKeyID:     env.GetEnv("S3_ACCESS_KEY_ID", ""),
		SecretAccessKey: env.GetEnv("S3_SECRET_ACCESS_KEY", ""),
		Region:          env.GetEnv("S3_REGION", "us-east-1"),
		BucketName:      env.GetEnv("S3_BUCKET_NAME", ""),
		EndpointURL:     env.GetEnv("S3_ENDPOINT_URL", ""),
		Prefix:          strings.Trim(env.GetEnv("CALLBACK_ARCHIVE_PREFIX", "payment-callbacks"), "/"),
		Enabled:         env.GetBool("CALLBACK_ARCHIVE_ENABLED", false),
	}

	if config.Enabled {
		if config.AccessKeyID == "" {
			return nil, errors.New("S3_ACCESS_KEY_ID is required when the callback archive is enabled")
		}
		if config.SecretAccessKey == "" {
			return nil, errors.New("S3_SECRET_ACCESS_KEY is required when the callback archive is enabled")
		}
		if config.BucketName == "" {
			return nil, errors.New("S3_BUCKET_NAME is required when the callback archive is enabled")
		}
	}

	return config, nil
}

// IsEnabled returns true if callback archiving is enabled
func (c *Config) IsEnabled() bool {
	return c.Enabled
}

// ObjectKey returns the key for one archived callback.
// Format: <prefix>/<provider>/YYYY/MM/DD/<event id>.txt
func (c *Config) ObjectKey(provider string, eventID uint, receivedAt time.Time) string {
	receivedAt = receivedAt.UTC()
	key := fmt.Sprintf("%s/%04d/%02d/%02d/%d.txt", provider, receivedAt.Year(), int(receivedAt.Month()), receivedAt.Day(), eventID)
	if c.Prefix == "" {
		return key
	}
	return c.Prefix + "/" + key
}
