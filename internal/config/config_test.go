package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimal = `
databaseURL: postgres://pm:pm@localhost:5432/pm
redisAddr: localhost:6379
storageEndpoint: localhost:9000
storageBucket: papermerge
mediaRoot: /var/media
`

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimal))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.PreviewSizeSM != 200 || cfg.PreviewSizeMD != 600 || cfg.PreviewSizeLG != 900 || cfg.PreviewSizeXL != 1600 {
		t.Fatalf("unexpected preview sizes: %+v", cfg)
	}
	if cfg.ThumbnailSize != 100 {
		t.Fatalf("thumbnail size = %d, want 100", cfg.ThumbnailSize)
	}
	if cfg.QueueMaxRetries != 6 {
		t.Fatalf("max retries = %d, want 6", cfg.QueueMaxRetries)
	}
	if cfg.QueueRetryDelay() != 10*time.Second {
		t.Fatalf("retry delay = %v, want 10s", cfg.QueueRetryDelay())
	}
	if cfg.PresignExpiry() != time.Hour {
		t.Fatalf("presign expiry = %v, want 1h", cfg.PresignExpiry())
	}
	if cfg.QueueStream != "s3worker-tasks" {
		t.Fatalf("queue stream = %q", cfg.QueueStream)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("MEDIA_ROOT", "/overridden/media")
	t.Setenv("STORAGE_BUCKET", "other-bucket")
	cfg, err := Load(writeConfig(t, minimal))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MediaRoot != "/overridden/media" {
		t.Fatalf("media root = %q", cfg.MediaRoot)
	}
	if cfg.StorageBucket != "other-bucket" {
		t.Fatalf("bucket = %q", cfg.StorageBucket)
	}
}

func TestLoadRejectsMissingRequired(t *testing.T) {
	_, err := Load(writeConfig(t, "logLevel: debug\n"))
	if err == nil {
		t.Fatal("expected validation error")
	}
}

func TestLoadMissingFileWithEnv(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://pm:pm@localhost/pm")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("STORAGE_ENDPOINT", "localhost:9000")
	t.Setenv("STORAGE_BUCKET", "papermerge")
	t.Setenv("MEDIA_ROOT", "/var/media")
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DatabaseURL == "" {
		t.Fatal("env not applied")
	}
}
