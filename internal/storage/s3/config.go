package s3

import (
	"strings"
	"time"

	"github.com/objectfs/deskfs/internal/config"
	"github.com/objectfs/deskfs/pkg/errors"
)

// Config represents S3 backend configuration
type Config struct {
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
	Profile  string `yaml:"profile"`

	// Static credentials. Empty values fall back to the default chain.
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`

	ForcePathStyle bool `yaml:"force_path_style"`

	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`

	// Zero BreakerFailures disables the circuit breaker.
	BreakerFailures int           `yaml:"breaker_failures"`
	BreakerTimeout  time.Duration `yaml:"breaker_timeout"`
}

// NewDefaultConfig returns a configuration with sensible defaults
func NewDefaultConfig() *Config {
	return &Config{
		Region:          "us-east-1",
		MaxRetries:      4,
		RetryDelay:      50 * time.Millisecond,
		BreakerFailures: 5,
		BreakerTimeout:  30 * time.Second,
	}
}

// ConfigFrom converts the storage section of the process configuration.
func ConfigFrom(c config.S3Config) *Config {
	cfg := NewDefaultConfig()
	cfg.Bucket = c.Bucket
	cfg.Prefix = c.Prefix
	cfg.Endpoint = c.Endpoint
	cfg.Profile = c.Profile
	cfg.ForcePathStyle = c.ForcePathStyle
	if c.Region != "" {
		cfg.Region = c.Region
	}
	if c.MaxRetries > 0 {
		cfg.MaxRetries = c.MaxRetries
	}
	if c.RetryDelay > 0 {
		cfg.RetryDelay = c.RetryDelay
	}
	if c.BreakerFailures > 0 {
		cfg.BreakerFailures = c.BreakerFailures
	}
	if c.BreakerTimeout > 0 {
		cfg.BreakerTimeout = c.BreakerTimeout
	}
	return cfg
}

// Validate checks the configuration for values the backend cannot use.
func (c *Config) Validate() error {
	if c.Bucket == "" {
		return errors.NewError(errors.ErrCodeInvalidConfig, "bucket name cannot be empty").
			WithComponent(component)
	}
	if strings.HasPrefix(c.Prefix, "/") {
		return errors.NewError(errors.ErrCodeInvalidConfig, "key prefix must not start with a slash").
			WithComponent(component).WithContext("prefix", c.Prefix)
	}
	if c.MaxRetries < 0 {
		return errors.NewError(errors.ErrCodeInvalidConfig, "max retries cannot be negative").
			WithComponent(component)
	}
	if c.BreakerFailures < 0 {
		return errors.NewError(errors.ErrCodeInvalidConfig, "breaker failures cannot be negative").
			WithComponent(component)
	}
	return nil
}

// normalizedPrefix returns the key prefix with exactly one trailing slash,
// or "" for the bucket root.
func (c *Config) normalizedPrefix() string {
	p := strings.Trim(c.Prefix, "/")
	if p == "" {
		return ""
	}
	return p + "/"
}
