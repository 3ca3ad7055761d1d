package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default configuration file location.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML. Environment
// variables override file values so containerized deployments can skip
// the file entirely.
type FileConfig struct {
	LogLevel    string `yaml:"logLevel"`
	MetricsAddr string `yaml:"metricsAddr"`

	DatabaseURL string `yaml:"databaseURL"`

	RedisAddr              string `yaml:"redisAddr"`
	RedisPassword          string `yaml:"redisPassword"`
	QueueStream            string `yaml:"queueStream"`
	QueueGroup             string `yaml:"queueGroup"`
	QueueConcurrency       int    `yaml:"queueConcurrency"`
	QueueMaxRetries        int    `yaml:"queueMaxRetries"`
	QueueRetryDelaySeconds int    `yaml:"queueRetryDelaySeconds"`

	StorageEndpoint  string `yaml:"storageEndpoint"`
	StorageAccessKey string `yaml:"storageAccessKey"`
	StorageSecretKey string `yaml:"storageSecretKey"`
	StorageBucket    string `yaml:"storageBucket"`
	StorageRegion    string `yaml:"storageRegion"`
	StorageUseSSL    bool   `yaml:"storageUseSSL"`

	// ObjectPrefix is prepended to every storage key; MediaRoot is the
	// local directory mirroring the same relative layout.
	ObjectPrefix string `yaml:"objectPrefix"`
	MediaRoot    string `yaml:"mediaRoot"`

	PreviewSizeSM int `yaml:"previewSizeSm"`
	PreviewSizeMD int `yaml:"previewSizeMd"`
	PreviewSizeLG int `yaml:"previewSizeLg"`
	PreviewSizeXL int `yaml:"previewSizeXl"`
	ThumbnailSize int `yaml:"thumbnailSize"`

	PresignExpirySeconds int `yaml:"presignExpirySeconds"`
	SyncConcurrency      int `yaml:"syncConcurrency"`
}

// Load reads config from path (defaults to config.yaml). A missing file
// is not an error when the environment provides everything required.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
		// env-only configuration
	default:
		return cfg, fmt.Errorf("read config: %w", err)
	}

	// Override with environment variables
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("QUEUE_STREAM"); v != "" {
		cfg.QueueStream = v
	}
	if v := os.Getenv("STORAGE_ENDPOINT"); v != "" {
		cfg.StorageEndpoint = v
	}
	if v := os.Getenv("STORAGE_ACCESS_KEY"); v != "" {
		cfg.StorageAccessKey = v
	}
	if v := os.Getenv("STORAGE_SECRET_KEY"); v != "" {
		cfg.StorageSecretKey = v
	}
	if v := os.Getenv("STORAGE_BUCKET"); v != "" {
		cfg.StorageBucket = v
	}
	if v := os.Getenv("STORAGE_REGION"); v != "" {
		cfg.StorageRegion = v
	}
	if v := os.Getenv("STORAGE_USE_SSL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.StorageUseSSL = b
		}
	}
	if v := os.Getenv("OBJECT_PREFIX"); v != "" {
		cfg.ObjectPrefix = v
	}
	if v := os.Getenv("MEDIA_ROOT"); v != "" {
		cfg.MediaRoot = v
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *FileConfig) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = ":9771"
	}
	if c.QueueStream == "" {
		c.QueueStream = "s3worker-tasks"
	}
	if c.QueueGroup == "" {
		c.QueueGroup = "s3worker"
	}
	if c.QueueConcurrency <= 0 {
		c.QueueConcurrency = 4
	}
	if c.QueueMaxRetries <= 0 {
		c.QueueMaxRetries = 6
	}
	if c.QueueRetryDelaySeconds <= 0 {
		c.QueueRetryDelaySeconds = 10
	}
	if c.PreviewSizeSM <= 0 {
		c.PreviewSizeSM = 200
	}
	if c.PreviewSizeMD <= 0 {
		c.PreviewSizeMD = 600
	}
	if c.PreviewSizeLG <= 0 {
		c.PreviewSizeLG = 900
	}
	if c.PreviewSizeXL <= 0 {
		c.PreviewSizeXL = 1600
	}
	if c.ThumbnailSize <= 0 {
		c.ThumbnailSize = 100
	}
	if c.PresignExpirySeconds <= 0 {
		c.PresignExpirySeconds = 3600
	}
	if c.SyncConcurrency <= 0 {
		c.SyncConcurrency = 4
	}
}

func (c *FileConfig) validate() error {
	if c.DatabaseURL == "" {
		return errors.New("database URL required")
	}
	if c.RedisAddr == "" {
		return errors.New("redis addr required")
	}
	if c.StorageEndpoint == "" {
		return errors.New("storage endpoint required")
	}
	if c.StorageBucket == "" {
		return errors.New("storage bucket required")
	}
	if c.MediaRoot == "" {
		return errors.New("media root required")
	}
	return nil
}

// QueueRetryDelay returns the retry delay as a duration.
func (c FileConfig) QueueRetryDelay() time.Duration {
	return time.Duration(c.QueueRetryDelaySeconds) * time.Second
}

// PresignExpiry returns the presign TTL as a duration.
func (c FileConfig) PresignExpiry() time.Duration {
	return time.Duration(c.PresignExpirySeconds) * time.Second
}
